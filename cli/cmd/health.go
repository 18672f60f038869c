package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/instantcocoa/kos/cli/internal/client"
	"github.com/instantcocoa/kos/cli/internal/output"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check completion service health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(cfg.ServerURL)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		resp, err := c.Health(ctx)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(resp)
		}

		output.Success("Completion service is %s (version: %s)", resp.Status, resp.Version)
		if len(resp.Backends) > 0 {
			output.Info("\nBackend Status:")
			for name, available := range resp.Backends {
				status := "available"
				if !available {
					status = "unavailable"
				}
				output.Info("  %s: %s", name, status)
			}
		}
		return nil
	},
}
