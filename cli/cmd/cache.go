package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/instantcocoa/kos/cli/internal/client"
	"github.com/instantcocoa/kos/cli/internal/output"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Response cache operations",
	Long:  "Commands for inspecting and maintaining the response cache.",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(cfg.ServerURL)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stats, err := c.CacheStats(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch cache stats: %w", err)
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(stats)
		}

		output.Info("Entries: %d / %d", stats.Size, stats.Capacity)
		output.Info("Hits: %d | Misses: %d (%s hit rate)", stats.Hits, stats.Misses, output.Percent(stats.HitRate))
		output.Info("Evictions: %d", stats.Evictions)
		output.Info("TTL: %s", stats.TTL)
		return nil
	},
}

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict expired cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(cfg.ServerURL)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := c.CleanupCache(ctx)
		if err != nil {
			return fmt.Errorf("failed to clean up cache: %w", err)
		}

		if cfg.Format == "json" || cfg.Format == "yaml" {
			w := output.NewWriter(cfg.Format)
			return w.Print(result)
		}

		output.Success("Removed %d expired entries", result.Removed)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheCleanupCmd)
}
