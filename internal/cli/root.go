package cli

import (
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Staged, integrity-protected memory for AI agents",
	Long: "Engram ingests opaque memory payloads, protects them with " +
		"redundancy coding, and promotes them through working, consolidated, " +
		"and archive stages behind a per-personality cache.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(statsCmd)
}
