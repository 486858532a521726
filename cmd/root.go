package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "switchd",
	Short: "Network switch control-plane simulator",
	Long: `switchd simulates a fabric of layer-3 switches: each node runs a routing
table with longest-prefix match, a distance-vector engine, and a link-state
engine, exchanging routes over an in-memory wire.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "fabric.yaml", "fabric topology config")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
}

func parseLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return 0, fmt.Errorf("bad log level %q: %w", logLevel, err)
	}
	return level, nil
}
