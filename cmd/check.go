package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/routelab/switchd/state"
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate a fabric topology config",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := state.LoadFabricCfg(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("%s ok: %d nodes, %d links\n", configPath, len(cfg.Nodes), len(cfg.Links))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
