// Package completion provides the LLM orchestration service: budget-gated,
// safety-validated, cached completion requests routed across interchangeable
// text-generation backends.
package completion

import (
	"time"
)

// Request contains parameters for a completion request.
type Request struct {
	Prompt           string
	BackendID        string // optional; empty selects the cheapest available
	ModelID          string // optional; empty uses the backend's default model
	Temperature      float64
	MaxOutputTokens  int
	ExpectStructured bool   // caller expects a schema-conforming payload
	StrictStructured bool   // opt out of the synthesize fallback
	Category         string // request category for usage accounting
	PatientAge       int    // optional; 0 = unknown
}

// Response contains the result of a completion request.
type Response struct {
	ID                string
	Text              string
	StructuredPayload map[string]interface{}
	BackendUsed       string
	ModelUsed         string
	TokensIn          int
	TokensOut         int
	CostUSD           float64
	LatencyMS         int64
	Cached            bool
	Safety            SafetyVerdict
	TraceID           string
}

// BackendConfig describes a registered backend.
type BackendConfig struct {
	ID                 string
	Name               string
	Models             []string
	DefaultModel       string
	CostPer1K          float64 // base USD per 1000 tokens
	SupportsStreaming  bool
	SupportsStructured bool
}

// BackendInfo reports a backend's registration plus runtime availability.
type BackendInfo struct {
	BackendConfig
	Available bool
}

// UsageRecord is one append-only ledger entry for a backend call.
type UsageRecord struct {
	ID        string
	Timestamp time.Time // UTC
	Backend   string
	Model     string
	Tokens    int
	CostUSD   float64
	Category  string
	Success   bool
	LatencyMS int64
}

// Severity is the safety severity tier. Tiers only escalate during a
// validation pass.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// SafetyVerdict is the outcome of validating a prompt or response.
type SafetyVerdict struct {
	Safe            bool
	Severity        Severity
	Matches         []string // matched rule identifiers
	Reason          string
	Recommendations []string
}

// BudgetStatus reports configured ceilings against current spend.
type BudgetStatus struct {
	MonthlyBudgetUSD float64
	DailyBudgetUSD   float64
	MonthSpendUSD    float64
	DaySpendUSD      float64
	MonthRemaining   float64
	DayRemaining     float64
}

// BackendUsage is the per-backend slice of a usage report.
type BackendUsage struct {
	Requests    int
	Tokens      int
	CostUSD     float64
	SuccessRate float64
}

// CategoryUsage is the per-category slice of a usage report.
type CategoryUsage struct {
	Requests  int
	CostUSD   float64
	AvgTokens float64
}

// UsageStats summarizes ledger activity over a trailing window.
type UsageStats struct {
	WindowDays   int
	Requests     int
	Successful   int
	SuccessRate  float64
	TotalTokens  int
	TotalCostUSD float64
	AvgCostUSD   float64
	AvgTokens    float64
	AvgLatencyMS float64
	ByBackend    map[string]BackendUsage
	ByCategory   map[string]CategoryUsage
	Budget       BudgetStatus
}

// CacheStats reports response cache activity.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	Capacity  int
	HitRate   float64
	TTL       time.Duration
}
