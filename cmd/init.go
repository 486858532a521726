package cmd

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/routelab/switchd/mock"
	"github.com/routelab/switchd/state"
)

var (
	initShape string
	initProto string
	initSize  int
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample fabric topology config",
	Long:  `Generates a ready-to-run topology (a line or the four-node diamond) running the chosen protocol, and writes it to the config path.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var proto state.Proto
		switch initProto {
		case "rip":
			proto = state.ProtoDV
		case "ospf":
			proto = state.ProtoLS
		default:
			return fmt.Errorf("unknown protocol %q (want rip or ospf)", initProto)
		}
		var cfg state.FabricCfg
		switch initShape {
		case "line":
			cfg = mock.Line(initSize, proto)
		case "diamond":
			cfg = mock.Diamond(proto)
		default:
			return fmt.Errorf("unknown shape %q (want line or diamond)", initShape)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := os.WriteFile(configPath, data, 0644); err != nil {
			return err
		}
		fmt.Printf("wrote %s (%d nodes, %d links)\n", configPath, len(cfg.Nodes), len(cfg.Links))
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initShape, "shape", "line", "topology shape (line, diamond)")
	initCmd.Flags().StringVar(&initProto, "protocol", "ospf", "routing protocol (rip, ospf)")
	initCmd.Flags().IntVar(&initSize, "size", 3, "node count for line topologies")
	rootCmd.AddCommand(initCmd)
}
