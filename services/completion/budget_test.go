package completion

import (
	"context"
	"errors"
	"testing"
	"time"
)

// failingStore fails writes but loads cleanly, for testing that persistence
// failures stay non-fatal.
type failingStore struct{}

func (s *failingStore) Insert(ctx context.Context, record UsageRecord) error {
	return errors.New("store unavailable")
}

func (s *failingStore) List(ctx context.Context, since time.Time) ([]UsageRecord, error) {
	return nil, nil
}

func (s *failingStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, errors.New("store unavailable")
}

// brokenStore fails everything, including the startup load.
type brokenStore struct{}

func (s *brokenStore) Insert(ctx context.Context, record UsageRecord) error {
	return errors.New("store unavailable")
}

func (s *brokenStore) List(ctx context.Context, since time.Time) ([]UsageRecord, error) {
	return nil, errors.New("store unavailable")
}

func (s *brokenStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, errors.New("store unavailable")
}

func newTestGuard(t *testing.T, monthly, daily float64) *BudgetGuard {
	t.Helper()

	guard, err := NewBudgetGuard(context.Background(), monthly, daily, NewMemoryStore(), newTestLogger())
	if err != nil {
		t.Fatalf("failed to create budget guard: %v", err)
	}
	return guard
}

func TestNewBudgetGuard_LoadsFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	seeded := []UsageRecord{
		{ID: "rec-1", Timestamp: now, Backend: "openai", CostUSD: 0.25, Success: true},
		{ID: "rec-2", Timestamp: now, Backend: "openai", CostUSD: 0.5, Success: true},
	}
	for _, record := range seeded {
		if err := store.Insert(ctx, record); err != nil {
			t.Fatalf("failed to seed usage record: %v", err)
		}
	}

	guard, err := NewBudgetGuard(ctx, 100, 10, store, newTestLogger())
	if err != nil {
		t.Fatalf("failed to create budget guard: %v", err)
	}

	if spend := guard.MonthSpend(); spend != 0.75 {
		t.Errorf("expected month spend 0.75, got %f", spend)
	}
}

func TestNewBudgetGuard_LoadFailure(t *testing.T) {
	_, err := NewBudgetGuard(context.Background(), 100, 10, &brokenStore{}, newTestLogger())
	if err == nil {
		t.Fatal("expected error when usage history cannot be loaded")
	}
}

func TestBudgetGuard_CanSpendUnderBudget(t *testing.T) {
	guard := newTestGuard(t, 100, 10)
	guard.Record(context.Background(), UsageRecord{Backend: "openai", CostUSD: 0.75, Success: true})

	if !guard.CanSpend(0.5) {
		t.Error("expected request under budget to be allowed")
	}
}

func TestBudgetGuard_MonthlyCeilingReached(t *testing.T) {
	guard := newTestGuard(t, 1.0, 10)
	guard.Record(context.Background(), UsageRecord{Backend: "openai", CostUSD: 1.0, Success: true})

	if guard.CanSpend(0) {
		t.Error("expected pre-flight check to deny at monthly ceiling")
	}

	err := guard.Check(0)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}

	var budgetErr *BudgetError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected *BudgetError, got %T", err)
	}
	if budgetErr.Scope != "monthly" {
		t.Errorf("expected scope 'monthly', got '%s'", budgetErr.Scope)
	}
	if budgetErr.SpendUSD != 1.0 {
		t.Errorf("expected spend 1.0, got %f", budgetErr.SpendUSD)
	}
}

func TestBudgetGuard_DailyCeilingReached(t *testing.T) {
	guard := newTestGuard(t, 100, 0.5)
	guard.Record(context.Background(), UsageRecord{Backend: "openai", CostUSD: 0.5, Success: true})

	err := guard.Check(0)
	var budgetErr *BudgetError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected *BudgetError, got %v", err)
	}
	if budgetErr.Scope != "daily" {
		t.Errorf("expected scope 'daily', got '%s'", budgetErr.Scope)
	}
}

func TestBudgetGuard_EstimateWouldExceedDaily(t *testing.T) {
	guard := newTestGuard(t, 100, 1.0)
	guard.Record(context.Background(), UsageRecord{Backend: "openai", CostUSD: 0.75, Success: true})

	if !guard.CanSpend(0) {
		t.Error("expected pre-flight check to pass under the ceiling")
	}
	if guard.CanSpend(0.5) {
		t.Error("expected estimate pushing spend past the daily ceiling to be denied")
	}

	err := guard.Check(0.5)
	var budgetErr *BudgetError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected *BudgetError, got %v", err)
	}
	if budgetErr.Scope != "daily" {
		t.Errorf("expected scope 'daily', got '%s'", budgetErr.Scope)
	}
	if budgetErr.EstimateUSD != 0.5 {
		t.Errorf("expected estimate 0.5, got %f", budgetErr.EstimateUSD)
	}
}

func TestBudgetGuard_EstimateWouldExceedMonthly(t *testing.T) {
	guard := newTestGuard(t, 1.0, 10)
	guard.Record(context.Background(), UsageRecord{Backend: "openai", CostUSD: 0.75, Success: true})

	err := guard.Check(0.5)
	var budgetErr *BudgetError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected *BudgetError, got %v", err)
	}
	if budgetErr.Scope != "monthly" {
		t.Errorf("expected scope 'monthly', got '%s'", budgetErr.Scope)
	}
}

func TestBudgetGuard_FailedCallsExcludedFromSpend(t *testing.T) {
	guard := newTestGuard(t, 100, 10)
	ctx := context.Background()

	guard.Record(ctx, UsageRecord{Backend: "openai", CostUSD: 5.0, Success: false})
	guard.Record(ctx, UsageRecord{Backend: "openai", CostUSD: 0.25, Success: true})

	if spend := guard.MonthSpend(); spend != 0.25 {
		t.Errorf("expected month spend 0.25, got %f", spend)
	}
	if spend := guard.DaySpend(); spend != 0.25 {
		t.Errorf("expected day spend 0.25, got %f", spend)
	}
}

func TestBudgetGuard_RecordFillsDefaults(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	guard, err := NewBudgetGuard(ctx, 100, 10, store, newTestLogger())
	if err != nil {
		t.Fatalf("failed to create budget guard: %v", err)
	}

	guard.Record(ctx, UsageRecord{Backend: "openai", CostUSD: 0.01, Success: true})

	persisted, err := store.List(ctx, time.Time{})
	if err != nil {
		t.Fatalf("failed to list usage records: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(persisted))
	}
	if persisted[0].ID == "" {
		t.Error("expected record ID to be generated")
	}
	if persisted[0].Timestamp.IsZero() {
		t.Error("expected record timestamp to be set")
	}
}

func TestBudgetGuard_RecordSurvivesStoreFailure(t *testing.T) {
	ctx := context.Background()

	guard, err := NewBudgetGuard(ctx, 100, 10, &failingStore{}, newTestLogger())
	if err != nil {
		t.Fatalf("failed to create budget guard: %v", err)
	}

	guard.Record(ctx, UsageRecord{Backend: "openai", CostUSD: 0.25, Success: true})

	if spend := guard.MonthSpend(); spend != 0.25 {
		t.Errorf("expected in-memory ledger to stay authoritative, got spend %f", spend)
	}
}

func TestBudgetGuard_Stats(t *testing.T) {
	guard := newTestGuard(t, 100, 10)
	ctx := context.Background()

	guard.Record(ctx, UsageRecord{Backend: "openai", Model: "gpt-4o-mini", Tokens: 100, CostUSD: 0.25, Category: "dosage", Success: true, LatencyMS: 200})
	guard.Record(ctx, UsageRecord{Backend: "openai", Model: "gpt-4o-mini", Tokens: 200, CostUSD: 0.5, Category: "dosage", Success: true, LatencyMS: 100})
	guard.Record(ctx, UsageRecord{Backend: "anthropic", Model: "claude-sonnet-4-5", Success: false, LatencyMS: 300})

	stats := guard.Stats(30)

	if stats.WindowDays != 30 {
		t.Errorf("expected window 30, got %d", stats.WindowDays)
	}
	if stats.Requests != 3 {
		t.Errorf("expected 3 requests, got %d", stats.Requests)
	}
	if stats.Successful != 2 {
		t.Errorf("expected 2 successful, got %d", stats.Successful)
	}
	if stats.SuccessRate != 2.0/3.0 {
		t.Errorf("expected success rate 2/3, got %f", stats.SuccessRate)
	}
	if stats.TotalTokens != 300 {
		t.Errorf("expected 300 total tokens, got %d", stats.TotalTokens)
	}
	if stats.TotalCostUSD != 0.75 {
		t.Errorf("expected total cost 0.75, got %f", stats.TotalCostUSD)
	}
	if stats.AvgCostUSD != 0.25 {
		t.Errorf("expected average cost 0.25, got %f", stats.AvgCostUSD)
	}
	if stats.AvgTokens != 100 {
		t.Errorf("expected average tokens 100, got %f", stats.AvgTokens)
	}
	if stats.AvgLatencyMS != 200 {
		t.Errorf("expected average latency 200, got %f", stats.AvgLatencyMS)
	}

	openai := stats.ByBackend["openai"]
	if openai.Requests != 2 {
		t.Errorf("expected 2 openai requests, got %d", openai.Requests)
	}
	if openai.Tokens != 300 {
		t.Errorf("expected 300 openai tokens, got %d", openai.Tokens)
	}
	if openai.CostUSD != 0.75 {
		t.Errorf("expected openai cost 0.75, got %f", openai.CostUSD)
	}
	if openai.SuccessRate != 1.0 {
		t.Errorf("expected openai success rate 1.0, got %f", openai.SuccessRate)
	}

	anthropic := stats.ByBackend["anthropic"]
	if anthropic.Requests != 1 {
		t.Errorf("expected 1 anthropic request, got %d", anthropic.Requests)
	}
	if anthropic.SuccessRate != 0 {
		t.Errorf("expected anthropic success rate 0, got %f", anthropic.SuccessRate)
	}

	dosage := stats.ByCategory["dosage"]
	if dosage.Requests != 2 {
		t.Errorf("expected 2 dosage requests, got %d", dosage.Requests)
	}
	if dosage.CostUSD != 0.75 {
		t.Errorf("expected dosage cost 0.75, got %f", dosage.CostUSD)
	}
	if dosage.AvgTokens != 150 {
		t.Errorf("expected dosage average tokens 150, got %f", dosage.AvgTokens)
	}

	if stats.Budget.MonthSpendUSD != 0.75 {
		t.Errorf("expected budget month spend 0.75, got %f", stats.Budget.MonthSpendUSD)
	}
}

func TestBudgetGuard_StatsWindowFiltering(t *testing.T) {
	guard := newTestGuard(t, 100, 10)
	ctx := context.Background()
	now := time.Now().UTC()

	guard.Record(ctx, UsageRecord{Timestamp: now.AddDate(0, 0, -40), Backend: "openai", CostUSD: 0.5, Success: true})
	guard.Record(ctx, UsageRecord{Timestamp: now, Backend: "openai", CostUSD: 0.25, Success: true})

	stats := guard.Stats(30)
	if stats.Requests != 1 {
		t.Errorf("expected 1 request inside window, got %d", stats.Requests)
	}
	if stats.TotalCostUSD != 0.25 {
		t.Errorf("expected windowed cost 0.25, got %f", stats.TotalCostUSD)
	}
}

func TestBudgetGuard_StatsDefaultWindow(t *testing.T) {
	guard := newTestGuard(t, 100, 10)

	stats := guard.Stats(0)
	if stats.WindowDays != 30 {
		t.Errorf("expected default window 30, got %d", stats.WindowDays)
	}
}

func TestBudgetGuard_Prune(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	guard, err := NewBudgetGuard(ctx, 100, 10, store, newTestLogger())
	if err != nil {
		t.Fatalf("failed to create budget guard: %v", err)
	}

	now := time.Now().UTC()
	guard.Record(ctx, UsageRecord{ID: "rec-old", Timestamp: now.AddDate(0, 0, -100), Backend: "openai", CostUSD: 0.5, Success: true})
	guard.Record(ctx, UsageRecord{ID: "rec-new", Timestamp: now, Backend: "openai", CostUSD: 0.25, Success: true})

	removed, err := guard.Prune(ctx, 0)
	if err != nil {
		t.Fatalf("failed to prune usage records: %v", err)
	}

	if removed != 1 {
		t.Errorf("expected 1 record pruned, got %d", removed)
	}

	persisted, err := store.List(ctx, time.Time{})
	if err != nil {
		t.Fatalf("failed to list usage records: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected 1 persisted record after prune, got %d", len(persisted))
	}
	if persisted[0].ID != "rec-new" {
		t.Errorf("expected id 'rec-new', got '%s'", persisted[0].ID)
	}
}

func TestBudgetGuard_PruneStoreFailure(t *testing.T) {
	ctx := context.Background()

	guard, err := NewBudgetGuard(ctx, 100, 10, &failingStore{}, newTestLogger())
	if err != nil {
		t.Fatalf("failed to create budget guard: %v", err)
	}

	guard.Record(ctx, UsageRecord{Timestamp: time.Now().UTC().AddDate(0, 0, -100), Backend: "openai", CostUSD: 0.5, Success: true})

	if _, err := guard.Prune(ctx, 0); err == nil {
		t.Fatal("expected error when store prune fails")
	}

	if spend := guard.Stats(3650).TotalCostUSD; spend != 0.5 {
		t.Errorf("expected ledger unchanged after failed prune, got total cost %f", spend)
	}
}

func TestBudgetGuard_Status(t *testing.T) {
	guard := newTestGuard(t, 100, 10)
	guard.Record(context.Background(), UsageRecord{Backend: "openai", CostUSD: 0.5, Success: true})

	status := guard.Status()

	if status.MonthlyBudgetUSD != 100 {
		t.Errorf("expected monthly budget 100, got %f", status.MonthlyBudgetUSD)
	}
	if status.DailyBudgetUSD != 10 {
		t.Errorf("expected daily budget 10, got %f", status.DailyBudgetUSD)
	}
	if status.MonthSpendUSD != 0.5 {
		t.Errorf("expected month spend 0.5, got %f", status.MonthSpendUSD)
	}
	if status.MonthRemaining != 99.5 {
		t.Errorf("expected month remaining 99.5, got %f", status.MonthRemaining)
	}
	if status.DayRemaining != 9.5 {
		t.Errorf("expected day remaining 9.5, got %f", status.DayRemaining)
	}
}
