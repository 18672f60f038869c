package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/instantcocoa/kos/cli/internal/client"
	"github.com/instantcocoa/kos/cli/internal/output"
)

var safetyCmd = &cobra.Command{
	Use:   "safety",
	Short: "Safety rule operations",
	Long:  "Commands for running text through the pediatric safety rules.",
}

var safetyCheckCmd = &cobra.Command{
	Use:   "check <text>",
	Short: "Validate text against the safety rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(cfg.ServerURL)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		kind, _ := cmd.Flags().GetString("kind")
		age, _ := cmd.Flags().GetInt("age")

		verdict, err := c.ValidateSafety(ctx, client.ValidateRequest{
			Text:       args[0],
			Kind:       kind,
			PatientAge: age,
		})
		if err != nil {
			return fmt.Errorf("failed to validate: %w", err)
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(verdict)
		}

		if verdict.Safe {
			output.Success("Text passed safety validation (severity: %s)", verdict.Severity)
		} else {
			output.Error("Text failed safety validation (severity: %s)", verdict.Severity)
			if verdict.Reason != "" {
				output.Info("Reason: %s", verdict.Reason)
			}
		}
		if len(verdict.Matches) > 0 {
			output.Info("Matched rules: %s", strings.Join(verdict.Matches, ", "))
		}
		for _, rec := range verdict.Recommendations {
			output.Info("  - %s", rec)
		}
		return nil
	},
}

func init() {
	safetyCheckCmd.Flags().String("kind", "prompt", "Validation kind (prompt or response)")
	safetyCheckCmd.Flags().Int("age", 0, "Patient age in years (0 = unknown)")

	safetyCmd.AddCommand(safetyCheckCmd)
}
