package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "patternmesh",
	Short: "A node in the pattern-sharing mesh",
	Long:  "Patternmesh runs one node of a multi-node pattern-sharing network: it extracts patterns from raw sensor events, accumulates durable knowledge, and corroborates detections with its topology neighbors.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML config file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(compactCmd)
}
