package cmd

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/routelab/switchd/core"
	"github.com/routelab/switchd/state"
)

var routesWait time.Duration

// routesCmd represents the routes command
var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Run the fabric briefly and dump each node's routing table",
	Long: `Starts the configured fabric, waits for the protocols to converge, then
prints every node's routing table and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := state.LoadFabricCfg(configPath)
		if err != nil {
			return err
		}
		sim, err := core.NewSim(cfg, slog.LevelWarn)
		if err != nil {
			return err
		}
		time.Sleep(routesWait)

		ids := make([]string, 0, len(sim.Nodes))
		for id := range sim.Nodes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("=== %s ===\n%s\n", id, sim.Nodes[id].Table)
		}
		return sim.Stop()
	},
}

func init() {
	routesCmd.Flags().DurationVar(&routesWait, "wait", 45*time.Second, "how long to let the fabric converge")
	rootCmd.AddCommand(routesCmd)
}
