// Package cmd contains CLI commands.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/instantcocoa/kos/cli/internal/config"
)

var (
	cfg     *config.Config
	format  string
	verbose bool
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "kos",
	Short: "Kos CLI - LLM Completion Orchestration",
	Long: `Kos orchestrates LLM completions across multiple providers for
pediatric decision support.

This CLI provides commands to request completions, inspect backends,
track usage and budgets, and manage the response cache.

Examples:
  # Request a completion
  kos complete "amoxicillin dosing for otitis media" --category dosage

  # List configured backends
  kos backends

  # Show usage over the last week
  kos usage stats --days 7

  # Check a response against the safety rules
  kos safety check "give 500mg twice daily" --kind response --age 6
`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.DefaultConfig()
		if format != "" {
			cfg.Format = format
		}
		cfg.Verbose = verbose
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&format, "output", "o", "", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	// Add subcommands
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(backendsCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(safetyCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints version info.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("kos version 0.1.0")
	},
}
