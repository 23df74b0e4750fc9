// Sentinel scores payment transactions for fraud risk.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Real-time transaction risk scoring",
	Long: `Sentinel scores payment transactions by blending rule matches,
per-sender velocity, statistical anomaly and an optional ML model into
one explainable composite score.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file (yaml, json or toml)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("sentinel %s (commit %s, built %s)\n", Version, Commit, BuildDate))

	rootCmd.AddCommand(serveCmd, scoreCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
