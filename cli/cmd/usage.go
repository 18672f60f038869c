package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/instantcocoa/kos/cli/internal/client"
	"github.com/instantcocoa/kos/cli/internal/output"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Usage and budget operations",
	Long:  "Commands for usage statistics, ledger export, and retention.",
}

var usageStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show usage statistics and budget status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(cfg.ServerURL)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		days, _ := cmd.Flags().GetInt("days")

		stats, err := c.UsageStats(ctx, days)
		if err != nil {
			return fmt.Errorf("failed to fetch usage stats: %w", err)
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(stats)
		}

		output.Info("Window: last %d days", stats.WindowDays)
		output.Info("Requests: %d (%s successful)", stats.Requests, output.Percent(stats.SuccessRate))
		output.Info("Tokens: %d", stats.TotalTokens)
		output.Info("Cost: %s (avg %s per request)", output.USD(stats.TotalCostUSD), output.USD(stats.AvgCostUSD))
		output.Info("Avg latency: %s", output.Latency(stats.AvgLatencyMS))

		output.Info("\nBudget:")
		output.Info("  Month: %s spent of %s (%s remaining)",
			output.USD(stats.Budget.MonthSpendUSD), output.USD(stats.Budget.MonthlyBudgetUSD), output.USD(stats.Budget.MonthRemaining))
		output.Info("  Day:   %s spent of %s (%s remaining)",
			output.USD(stats.Budget.DaySpendUSD), output.USD(stats.Budget.DailyBudgetUSD), output.USD(stats.Budget.DayRemaining))

		if len(stats.ByBackend) > 0 {
			table := output.Table{
				Headers: []string{"BACKEND", "REQUESTS", "TOKENS", "COST", "SUCCESS"},
			}
			for id, u := range stats.ByBackend {
				table.Rows = append(table.Rows, []string{
					id,
					fmt.Sprintf("%d", u.Requests),
					fmt.Sprintf("%d", u.Tokens),
					output.USD(u.CostUSD),
					output.Percent(u.SuccessRate),
				})
			}
			fmt.Println()
			w := output.NewWriter("table")
			if err := w.Print(table); err != nil {
				return err
			}
		}

		if len(stats.ByCategory) > 0 {
			table := output.Table{
				Headers: []string{"CATEGORY", "REQUESTS", "COST", "AVG TOKENS"},
			}
			for name, u := range stats.ByCategory {
				table.Rows = append(table.Rows, []string{
					name,
					fmt.Sprintf("%d", u.Requests),
					output.USD(u.CostUSD),
					fmt.Sprintf("%.0f", u.AvgTokens),
				})
			}
			fmt.Println()
			w := output.NewWriter("table")
			return w.Print(table)
		}
		return nil
	},
}

var usageExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the usage ledger",
	Long:  "Exports usage records to a local file or an s3:// destination.",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(cfg.ServerURL)
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		dest, _ := cmd.Flags().GetString("dest")
		exportFormat, _ := cmd.Flags().GetString("format")
		days, _ := cmd.Flags().GetInt("days")

		if dest == "" {
			return fmt.Errorf("--dest is required")
		}

		result, err := c.ExportUsage(ctx, client.ExportRequest{
			Destination: dest,
			Format:      exportFormat,
			Days:        days,
		})
		if err != nil {
			return fmt.Errorf("failed to export usage: %w", err)
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(result)
		}

		output.Success("Exported %d records to %s", result.Records, result.Destination)
		return nil
	},
}

var usagePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove usage records past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(cfg.ServerURL)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		retentionDays, _ := cmd.Flags().GetInt("retention-days")

		result, err := c.PruneUsage(ctx, retentionDays)
		if err != nil {
			return fmt.Errorf("failed to prune usage: %w", err)
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(result)
		}

		output.Success("Removed %d usage records", result.Removed)
		return nil
	},
}

func init() {
	usageStatsCmd.Flags().Int("days", 0, "Window in days (0 = server default)")

	usageExportCmd.Flags().String("dest", "", "Destination path or s3:// URI (required)")
	usageExportCmd.Flags().String("format", "", "Export format (csv, json, jsonl, parquet)")
	usageExportCmd.Flags().Int("days", 0, "Window in days (0 = everything)")

	usagePruneCmd.Flags().Int("retention-days", 0, "Retention window in days (0 = server default)")

	usageCmd.AddCommand(usageStatsCmd)
	usageCmd.AddCommand(usageExportCmd)
	usageCmd.AddCommand(usagePruneCmd)
}
