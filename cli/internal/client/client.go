// Package client provides an HTTP client for the completion service API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client calls the completion service REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the service at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// Completions can take a while on slow backends
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// APIError is a structured error returned by the service.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// CompleteRequest holds parameters for a completion request.
type CompleteRequest struct {
	Prompt           string  `json:"prompt"`
	BackendID        string  `json:"backend_id,omitempty"`
	ModelID          string  `json:"model_id,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int     `json:"max_output_tokens,omitempty"`
	ExpectStructured bool    `json:"expect_structured,omitempty"`
	StrictStructured bool    `json:"strict_structured,omitempty"`
	Category         string  `json:"request_category,omitempty"`
	PatientAge       int     `json:"patient_age,omitempty"`
}

// CompleteResponse is the result of a completion request.
type CompleteResponse struct {
	ID                string                 `json:"id"`
	Text              string                 `json:"text"`
	StructuredPayload map[string]interface{} `json:"structured_payload,omitempty"`
	BackendUsed       string                 `json:"backend_used"`
	ModelUsed         string                 `json:"model_used"`
	TokensIn          int                    `json:"tokens_in"`
	TokensOut         int                    `json:"tokens_out"`
	CostUSD           float64                `json:"cost_usd"`
	LatencyMS         int64                  `json:"latency_ms"`
	Cached            bool                   `json:"cached"`
	Safety            Safety                 `json:"safety"`
	TraceID           string                 `json:"trace_id,omitempty"`
}

// Safety is the safety verdict attached to responses and validations.
type Safety struct {
	Safe            bool     `json:"safe"`
	Severity        string   `json:"severity"`
	Matches         []string `json:"matches,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Backend describes a registered backend.
type Backend struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Models             []string `json:"models,omitempty"`
	DefaultModel       string   `json:"default_model,omitempty"`
	CostPer1K          float64  `json:"cost_per_1k_tokens"`
	SupportsStreaming  bool     `json:"supports_streaming"`
	SupportsStructured bool     `json:"supports_structured"`
	Available          bool     `json:"available"`
}

// Stats aggregates ledger usage over a trailing window.
type Stats struct {
	WindowDays   int                      `json:"window_days"`
	Requests     int                      `json:"requests"`
	Successful   int                      `json:"successful"`
	SuccessRate  float64                  `json:"success_rate"`
	TotalTokens  int                      `json:"total_tokens"`
	TotalCostUSD float64                  `json:"total_cost_usd"`
	AvgCostUSD   float64                  `json:"avg_cost_usd"`
	AvgTokens    float64                  `json:"avg_tokens"`
	AvgLatencyMS float64                  `json:"avg_latency_ms"`
	ByBackend    map[string]BackendUsage  `json:"by_backend,omitempty"`
	ByCategory   map[string]CategoryUsage `json:"by_category,omitempty"`
	Budget       BudgetStatus             `json:"budget"`
}

// BackendUsage is per-backend usage within a stats window.
type BackendUsage struct {
	Requests    int     `json:"requests"`
	Tokens      int     `json:"tokens"`
	CostUSD     float64 `json:"cost_usd"`
	SuccessRate float64 `json:"success_rate"`
}

// CategoryUsage is per-category usage within a stats window.
type CategoryUsage struct {
	Requests  int     `json:"requests"`
	CostUSD   float64 `json:"cost_usd"`
	AvgTokens float64 `json:"avg_tokens"`
}

// BudgetStatus reports configured ceilings and current spend.
type BudgetStatus struct {
	MonthlyBudgetUSD float64 `json:"monthly_budget_usd"`
	DailyBudgetUSD   float64 `json:"daily_budget_usd"`
	MonthSpendUSD    float64 `json:"month_spend_usd"`
	DaySpendUSD      float64 `json:"day_spend_usd"`
	MonthRemaining   float64 `json:"month_remaining_usd"`
	DayRemaining     float64 `json:"day_remaining_usd"`
}

// ExportRequest holds parameters for a usage export.
type ExportRequest struct {
	Destination string `json:"destination"`
	Format      string `json:"format,omitempty"`
	Days        int    `json:"days,omitempty"`
}

// ExportResult reports a completed usage export.
type ExportResult struct {
	Records     int    `json:"records"`
	Destination string `json:"destination"`
}

// PruneResult reports how many ledger records were removed.
type PruneResult struct {
	Removed int `json:"removed"`
}

// CacheStats reports response cache counters.
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	HitRate   float64 `json:"hit_rate"`
	TTL       string  `json:"ttl"`
}

// CleanupResult reports how many expired cache entries were removed.
type CleanupResult struct {
	Removed int `json:"removed"`
}

// ValidateRequest holds parameters for a safety validation.
type ValidateRequest struct {
	Text       string `json:"text"`
	Kind       string `json:"kind,omitempty"`
	PatientAge int    `json:"patient_age,omitempty"`
}

// Health reports service status and per-backend availability.
type Health struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Backends map[string]bool `json:"backends"`
}

// Complete generates a completion.
func (c *Client) Complete(ctx context.Context, req CompleteRequest) (*CompleteResponse, error) {
	var resp CompleteResponse
	if err := c.do(ctx, http.MethodPost, "/v1/complete", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Backends lists registered backends.
func (c *Client) Backends(ctx context.Context) ([]Backend, error) {
	var resp struct {
		Backends []Backend `json:"backends"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/backends", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Backends, nil
}

// UsageStats fetches usage statistics for a trailing window. days == 0 uses
// the server default.
func (c *Client) UsageStats(ctx context.Context, days int) (*Stats, error) {
	path := "/v1/usage/stats"
	if days > 0 {
		path += "?days=" + strconv.Itoa(days)
	}
	var resp Stats
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExportUsage exports the usage ledger to a file or S3 destination.
func (c *Client) ExportUsage(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	var resp ExportResult
	if err := c.do(ctx, http.MethodPost, "/v1/usage/export", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PruneUsage removes ledger records older than the retention window.
// retentionDays == 0 uses the server default.
func (c *Client) PruneUsage(ctx context.Context, retentionDays int) (*PruneResult, error) {
	req := struct {
		RetentionDays int `json:"retention_days,omitempty"`
	}{RetentionDays: retentionDays}
	var resp PruneResult
	if err := c.do(ctx, http.MethodPost, "/v1/usage/prune", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CacheStats fetches response cache counters.
func (c *Client) CacheStats(ctx context.Context) (*CacheStats, error) {
	var resp CacheStats
	if err := c.do(ctx, http.MethodGet, "/v1/cache/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CleanupCache removes expired cache entries.
func (c *Client) CleanupCache(ctx context.Context) (*CleanupResult, error) {
	var resp CleanupResult
	if err := c.do(ctx, http.MethodPost, "/v1/cache/cleanup", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ValidateSafety runs the safety rules against a prompt or response text.
func (c *Client) ValidateSafety(ctx context.Context, req ValidateRequest) (*Safety, error) {
	var resp Safety
	if err := c.do(ctx, http.MethodPost, "/v1/safety/validate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks service health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}

	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Type = envelope.Error.Type
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}
