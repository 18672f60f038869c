// Package integration contains integration tests for the completion service.
// Run with: go test -tags=integration ./tests/integration/...
//
// The tests expect a running server; point KOS_SERVER_URL at it or start one
// on localhost:8080.
//
//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func serverURL() string {
	if v := os.Getenv("KOS_SERVER_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func apiGet(t *testing.T, path string) (int, []byte) {
	t.Helper()
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(serverURL() + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp.StatusCode, buf.Bytes()
}

func apiPost(t *testing.T, path string, in interface{}, timeout time.Duration) (int, []byte) {
	t.Helper()
	payload, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Post(serverURL()+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp.StatusCode, buf.Bytes()
}

type completionBody struct {
	ID          string                 `json:"id"`
	Text        string                 `json:"text"`
	Structured  map[string]interface{} `json:"structured_payload"`
	BackendUsed string                 `json:"backend_used"`
	ModelUsed   string                 `json:"model_used"`
	TokensIn    int                    `json:"tokens_in"`
	TokensOut   int                    `json:"tokens_out"`
	CostUSD     float64                `json:"cost_usd"`
	Cached      bool                   `json:"cached"`
	Safety      struct {
		Safe     bool   `json:"safe"`
		Severity string `json:"severity"`
	} `json:"safety"`
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestCompletionService_Health(t *testing.T) {
	status, body := apiGet(t, "/healthz")
	if status != http.StatusOK {
		t.Fatalf("health returned %d: %s", status, body)
	}

	var health struct {
		Status   string          `json:"status"`
		Version  string          `json:"version"`
		Backends map[string]bool `json:"backends"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}

	t.Logf("Service health: %s (version %s)", health.Status, health.Version)
	for name, available := range health.Backends {
		t.Logf("  Backend %s: available=%v", name, available)
	}
}

func TestCompletionService_ListBackends(t *testing.T) {
	status, body := apiGet(t, "/v1/backends")
	if status != http.StatusOK {
		t.Fatalf("list backends returned %d: %s", status, body)
	}

	var resp struct {
		Backends []struct {
			ID        string  `json:"id"`
			Name      string  `json:"name"`
			CostPer1K float64 `json:"cost_per_1k_tokens"`
			Available bool    `json:"available"`
		} `json:"backends"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("failed to decode backends: %v", err)
	}

	t.Logf("Found %d backends", len(resp.Backends))
	for _, b := range resp.Backends {
		t.Logf("  %s (%s): available=%v cost=$%.4f/1k", b.ID, b.Name, b.Available, b.CostPer1K)
	}
}

func TestCompletionService_Complete(t *testing.T) {
	req := map[string]interface{}{
		"prompt":            "What is the standard amoxicillin dose for acute otitis media?",
		"request_category":  "dosage",
		"patient_age":       4,
		"max_output_tokens": 128,
	}
	status, body := apiPost(t, "/v1/complete", req, 120*time.Second)
	if status != http.StatusOK {
		t.Logf("Complete returned %d: %s (expected if no API keys)", status, body)
		return
	}

	var resp completionBody
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("failed to decode completion: %v", err)
	}

	if resp.Text == "" && resp.Structured == nil {
		t.Error("completion returned no content")
	}
	if resp.BackendUsed == "" {
		t.Error("completion missing backend_used")
	}
	t.Logf("Completed via %s/%s: %d+%d tokens, $%.4f, safe=%v",
		resp.BackendUsed, resp.ModelUsed, resp.TokensIn, resp.TokensOut, resp.CostUSD, resp.Safety.Safe)
}

func TestCompletionService_CompleteServesRepeatFromCache(t *testing.T) {
	req := map[string]interface{}{
		"prompt":            fmt.Sprintf("Summarize fever management for a toddler. (run %d)", time.Now().UnixNano()),
		"request_category":  "general",
		"max_output_tokens": 64,
	}

	status, body := apiPost(t, "/v1/complete", req, 120*time.Second)
	if status != http.StatusOK {
		t.Logf("First completion returned %d: %s (expected if no API keys)", status, body)
		return
	}
	var first completionBody
	if err := json.Unmarshal(body, &first); err != nil {
		t.Fatalf("failed to decode first completion: %v", err)
	}

	status, body = apiPost(t, "/v1/complete", req, 30*time.Second)
	if status != http.StatusOK {
		t.Fatalf("repeat completion returned %d: %s", status, body)
	}
	var second completionBody
	if err := json.Unmarshal(body, &second); err != nil {
		t.Fatalf("failed to decode repeat completion: %v", err)
	}

	if !second.Cached {
		t.Error("repeat of an identical request was not served from cache")
	}
	if second.Text != first.Text {
		t.Error("cached completion text differs from the original")
	}
	if second.CostUSD != 0 {
		t.Errorf("cached completion charged $%.4f, want $0", second.CostUSD)
	}
}

func TestCompletionService_CompleteRejectsEmptyPrompt(t *testing.T) {
	status, body := apiPost(t, "/v1/complete", map[string]interface{}{"prompt": "  "}, 30*time.Second)
	if status != http.StatusBadRequest {
		t.Fatalf("empty prompt returned %d: %s", status, body)
	}

	var envelope errorBody
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("failed to decode error envelope: %v", err)
	}
	if envelope.Error.Type != "validation_error" {
		t.Errorf("error type = %s, want validation_error", envelope.Error.Type)
	}
}

func TestCompletionService_SafetyValidate(t *testing.T) {
	req := map[string]interface{}{
		"text":        "Give 90 mg/kg/day divided every 12 hours. Seek urgent care if symptoms worsen.",
		"kind":        "response",
		"patient_age": 3,
	}
	status, body := apiPost(t, "/v1/safety/validate", req, 30*time.Second)
	if status != http.StatusOK {
		t.Fatalf("safety validate returned %d: %s", status, body)
	}

	var verdict struct {
		Safe     bool     `json:"safe"`
		Severity string   `json:"severity"`
		Matches  []string `json:"matches"`
	}
	if err := json.Unmarshal(body, &verdict); err != nil {
		t.Fatalf("failed to decode verdict: %v", err)
	}
	if verdict.Severity == "" {
		t.Error("verdict missing severity")
	}
	t.Logf("Verdict: safe=%v severity=%s matches=%v", verdict.Safe, verdict.Severity, verdict.Matches)
}

func TestCompletionService_UsageStats(t *testing.T) {
	status, body := apiGet(t, "/v1/usage/stats?days=7")
	if status != http.StatusOK {
		t.Fatalf("usage stats returned %d: %s", status, body)
	}

	var stats struct {
		WindowDays   int     `json:"window_days"`
		Requests     int     `json:"requests"`
		TotalCostUSD float64 `json:"total_cost_usd"`
		Budget       struct {
			MonthlyBudgetUSD float64 `json:"monthly_budget_usd"`
			MonthSpendUSD    float64 `json:"month_spend_usd"`
		} `json:"budget"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}

	if stats.WindowDays != 7 {
		t.Errorf("window_days = %d, want 7", stats.WindowDays)
	}
	if stats.Budget.MonthlyBudgetUSD <= 0 {
		t.Error("budget ceiling missing from stats")
	}
	t.Logf("Usage: %d requests, $%.4f spent ($%.2f month budget)",
		stats.Requests, stats.TotalCostUSD, stats.Budget.MonthlyBudgetUSD)
}

func TestCompletionService_ExportUsage(t *testing.T) {
	dest := filepath.Join(os.TempDir(), fmt.Sprintf("kos-usage-%d.csv", time.Now().UnixNano()))
	defer os.Remove(dest)

	req := map[string]interface{}{"destination": dest, "format": "csv"}
	status, body := apiPost(t, "/v1/usage/export", req, 60*time.Second)
	if status != http.StatusOK {
		t.Fatalf("export returned %d: %s", status, body)
	}

	var result struct {
		Records     int    `json:"records"`
		Destination string `json:"destination"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to decode export result: %v", err)
	}
	t.Logf("Exported %d records to %s", result.Records, result.Destination)

	// Only readable when the server shares this filesystem.
	if _, err := os.Stat(dest); err == nil {
		t.Logf("Export file present at %s", dest)
	}
}

func TestCompletionService_PruneUsage(t *testing.T) {
	status, body := apiPost(t, "/v1/usage/prune", map[string]interface{}{}, 30*time.Second)
	if status != http.StatusOK {
		t.Fatalf("prune returned %d: %s", status, body)
	}

	var result struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to decode prune result: %v", err)
	}
	if result.Removed < 0 {
		t.Errorf("removed = %d, want >= 0", result.Removed)
	}
	t.Logf("Pruned %d records", result.Removed)
}

func TestCompletionService_CacheStatsAndCleanup(t *testing.T) {
	status, body := apiGet(t, "/v1/cache/stats")
	if status != http.StatusOK {
		t.Fatalf("cache stats returned %d: %s", status, body)
	}

	var stats struct {
		Hits     int64   `json:"hits"`
		Misses   int64   `json:"misses"`
		Size     int     `json:"size"`
		Capacity int     `json:"capacity"`
		HitRate  float64 `json:"hit_rate"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("failed to decode cache stats: %v", err)
	}
	if stats.Capacity <= 0 {
		t.Error("cache capacity missing from stats")
	}
	t.Logf("Cache: %d/%d entries, %.1f%% hit rate", stats.Size, stats.Capacity, stats.HitRate*100)

	status, body = apiPost(t, "/v1/cache/cleanup", map[string]interface{}{}, 30*time.Second)
	if status != http.StatusOK {
		t.Fatalf("cache cleanup returned %d: %s", status, body)
	}

	var result struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to decode cleanup result: %v", err)
	}
	t.Logf("Cleanup removed %d expired entries", result.Removed)
}
