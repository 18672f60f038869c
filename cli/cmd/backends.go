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

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List configured completion backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(cfg.ServerURL)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		backends, err := c.Backends(ctx)
		if err != nil {
			return fmt.Errorf("failed to list backends: %w", err)
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(backends)
		}

		table := output.Table{
			Headers: []string{"ID", "NAME", "MODELS", "COST/1K", "AVAILABLE"},
			Rows:    make([][]string, len(backends)),
		}
		for i, b := range backends {
			status := "yes"
			if !b.Available {
				status = "no"
			}
			models := fmt.Sprintf("%d", len(b.Models))
			if cfg.Verbose && len(b.Models) > 0 {
				models = strings.Join(b.Models, ", ")
			}
			table.Rows[i] = []string{
				b.ID,
				b.Name,
				models,
				output.USD(b.CostPer1K),
				status,
			}
		}

		w := output.NewWriter("table")
		return w.Print(table)
	},
}
