package completion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultStatsWindowDays = 30
	defaultRetention       = 90 * 24 * time.Hour
)

// BudgetGuard enforces monthly and daily spend ceilings over an append-only
// usage ledger. The in-memory ledger is authoritative for the process; the
// store is write-through so spend survives restarts.
type BudgetGuard struct {
	mu            sync.RWMutex
	records       []UsageRecord
	monthlyBudget float64
	dailyBudget   float64
	store         UsageStore
	logger        *slog.Logger
}

// NewBudgetGuard creates a budget guard with the given ceilings, reloading
// the ledger from the store.
func NewBudgetGuard(ctx context.Context, monthlyBudget, dailyBudget float64, store UsageStore, logger *slog.Logger) (*BudgetGuard, error) {
	g := &BudgetGuard{
		monthlyBudget: monthlyBudget,
		dailyBudget:   dailyBudget,
		store:         store,
		logger:        logger.With("component", "budget"),
	}

	if store != nil {
		records, err := store.List(ctx, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("failed to load usage history: %w", err)
		}
		g.records = records
		g.logger.InfoContext(ctx, "loaded usage history", "records", len(records))
	}

	return g, nil
}

// Check reports whether a request with the given estimated cost fits within
// both ceilings. A zero estimate checks only whether spend has already
// reached a ceiling.
func (g *BudgetGuard) Check(estimatedCost float64) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := time.Now().UTC()
	monthSpend := g.monthSpendLocked(now)
	daySpend := g.daySpendLocked(now)

	if monthSpend >= g.monthlyBudget {
		return &BudgetError{Scope: "monthly", SpendUSD: monthSpend, LimitUSD: g.monthlyBudget}
	}
	if daySpend >= g.dailyBudget {
		return &BudgetError{Scope: "daily", SpendUSD: daySpend, LimitUSD: g.dailyBudget}
	}
	if estimatedCost > 0 {
		if monthSpend+estimatedCost > g.monthlyBudget {
			return &BudgetError{Scope: "monthly", SpendUSD: monthSpend, LimitUSD: g.monthlyBudget, EstimateUSD: estimatedCost}
		}
		if daySpend+estimatedCost > g.dailyBudget {
			return &BudgetError{Scope: "daily", SpendUSD: daySpend, LimitUSD: g.dailyBudget, EstimateUSD: estimatedCost}
		}
	}
	return nil
}

// CanSpend reports whether the estimated cost fits within the budget.
func (g *BudgetGuard) CanSpend(estimatedCost float64) bool {
	if err := g.Check(estimatedCost); err != nil {
		g.logger.Warn("budget check denied request", "error", err)
		return false
	}
	return true
}

// Record appends a usage record to the ledger and persists it. Failed calls
// are recorded too; they are excluded from spend totals but kept for
// observability. Persistence failures are logged and non-fatal.
func (g *BudgetGuard) Record(ctx context.Context, record UsageRecord) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	g.mu.Lock()
	g.records = append(g.records, record)
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.Insert(ctx, record); err != nil {
			g.logger.ErrorContext(ctx, "failed to persist usage record",
				"record_id", record.ID, "error", err)
		}
	}

	g.logger.InfoContext(ctx, "usage recorded",
		"backend", record.Backend,
		"model", record.Model,
		"tokens", record.Tokens,
		"cost_usd", record.CostUSD,
		"success", record.Success)
}

// MonthSpend returns successful spend for the current calendar month, UTC.
func (g *BudgetGuard) MonthSpend() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.monthSpendLocked(time.Now().UTC())
}

// DaySpend returns successful spend since UTC midnight.
func (g *BudgetGuard) DaySpend() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.daySpendLocked(time.Now().UTC())
}

func (g *BudgetGuard) monthSpendLocked(now time.Time) float64 {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return g.spendSinceLocked(start)
}

func (g *BudgetGuard) daySpendLocked(now time.Time) float64 {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return g.spendSinceLocked(start)
}

func (g *BudgetGuard) spendSinceLocked(start time.Time) float64 {
	var total float64
	for _, record := range g.records {
		if !record.Success || record.Timestamp.Before(start) {
			continue
		}
		total += record.CostUSD
	}
	return total
}

// RecordsSince returns a copy of ledger records at or after the cutoff, in
// insertion order.
func (g *BudgetGuard) RecordsSince(cutoff time.Time) []UsageRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var results []UsageRecord
	for _, record := range g.records {
		if record.Timestamp.Before(cutoff) {
			continue
		}
		results = append(results, record)
	}
	return results
}

// Status reports the configured ceilings against current spend.
func (g *BudgetGuard) Status() BudgetStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.statusLocked(time.Now().UTC())
}

func (g *BudgetGuard) statusLocked(now time.Time) BudgetStatus {
	monthSpend := g.monthSpendLocked(now)
	daySpend := g.daySpendLocked(now)
	return BudgetStatus{
		MonthlyBudgetUSD: g.monthlyBudget,
		DailyBudgetUSD:   g.dailyBudget,
		MonthSpendUSD:    monthSpend,
		DaySpendUSD:      daySpend,
		MonthRemaining:   g.monthlyBudget - monthSpend,
		DayRemaining:     g.dailyBudget - daySpend,
	}
}

// Stats summarizes ledger activity over the trailing window. Failed calls
// count toward request totals but not spend.
func (g *BudgetGuard) Stats(windowDays int) UsageStats {
	if windowDays <= 0 {
		windowDays = defaultStatsWindowDays
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -windowDays)

	stats := UsageStats{
		WindowDays: windowDays,
		ByBackend:  make(map[string]BackendUsage),
		ByCategory: make(map[string]CategoryUsage),
		Budget:     g.statusLocked(now),
	}

	type backendAgg struct {
		requests   int
		successful int
		tokens     int
		cost       float64
	}
	type categoryAgg struct {
		requests int
		tokens   int
		cost     float64
	}
	backends := make(map[string]*backendAgg)
	categories := make(map[string]*categoryAgg)

	var totalLatency int64
	var latencyCount int

	for _, record := range g.records {
		if record.Timestamp.Before(cutoff) {
			continue
		}

		stats.Requests++
		stats.TotalTokens += record.Tokens
		stats.TotalCostUSD += record.CostUSD
		if record.Success {
			stats.Successful++
		}
		if record.LatencyMS > 0 {
			totalLatency += record.LatencyMS
			latencyCount++
		}

		ba := backends[record.Backend]
		if ba == nil {
			ba = &backendAgg{}
			backends[record.Backend] = ba
		}
		ba.requests++
		ba.tokens += record.Tokens
		ba.cost += record.CostUSD
		if record.Success {
			ba.successful++
		}

		if record.Category != "" {
			ca := categories[record.Category]
			if ca == nil {
				ca = &categoryAgg{}
				categories[record.Category] = ca
			}
			ca.requests++
			ca.tokens += record.Tokens
			ca.cost += record.CostUSD
		}
	}

	if stats.Requests > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Requests)
		stats.AvgCostUSD = stats.TotalCostUSD / float64(stats.Requests)
		stats.AvgTokens = float64(stats.TotalTokens) / float64(stats.Requests)
	}
	if latencyCount > 0 {
		stats.AvgLatencyMS = float64(totalLatency) / float64(latencyCount)
	}

	for name, ba := range backends {
		usage := BackendUsage{
			Requests: ba.requests,
			Tokens:   ba.tokens,
			CostUSD:  ba.cost,
		}
		if ba.requests > 0 {
			usage.SuccessRate = float64(ba.successful) / float64(ba.requests)
		}
		stats.ByBackend[name] = usage
	}
	for name, ca := range categories {
		usage := CategoryUsage{
			Requests: ca.requests,
			CostUSD:  ca.cost,
		}
		if ca.requests > 0 {
			usage.AvgTokens = float64(ca.tokens) / float64(ca.requests)
		}
		stats.ByCategory[name] = usage
	}

	return stats
}

// Prune drops ledger records older than the retention window and returns the
// number removed from memory. The store is pruned first so a storage failure
// leaves both views intact.
func (g *BudgetGuard) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = defaultRetention
	}
	cutoff := time.Now().UTC().Add(-retention)

	if g.store != nil {
		if _, err := g.store.DeleteBefore(ctx, cutoff); err != nil {
			return 0, fmt.Errorf("failed to prune usage store: %w", err)
		}
	}

	g.mu.Lock()
	kept := g.records[:0]
	for _, record := range g.records {
		if record.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, record)
	}
	removed := len(g.records) - len(kept)
	g.records = kept
	g.mu.Unlock()

	if removed > 0 {
		g.logger.InfoContext(ctx, "pruned usage records", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}
