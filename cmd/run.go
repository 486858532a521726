package cmd

import (
	"github.com/spf13/cobra"

	"github.com/routelab/switchd/core"
	"github.com/routelab/switchd/state"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured fabric",
	Long:  `Loads the fabric topology and runs every node until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := parseLevel()
		if err != nil {
			return err
		}
		cfg, err := state.LoadFabricCfg(configPath)
		if err != nil {
			return err
		}
		return core.Start(cfg, level)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
