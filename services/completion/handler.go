package completion

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/instantcocoa/kos/pkg/httpapi"
)

const maxRequestBytes = 1 << 20 // 1MB

// Handler exposes the completion service over HTTP.
type Handler struct {
	service *Service
	version string
	logger  *slog.Logger
}

// NewHandler creates a completion service handler.
func NewHandler(service *Service, version string, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		version: version,
		logger:  logger.With("component", "handler"),
	}
}

// Register mounts the API routes. Middleware passed here applies only to the
// completion endpoint, which is the only rate-limited surface.
func (h *Handler) Register(e *echo.Echo, completeMiddleware ...echo.MiddlewareFunc) {
	v1 := e.Group("/v1")
	v1.POST("/complete", h.Complete, completeMiddleware...)
	v1.GET("/backends", h.Backends)
	v1.GET("/usage/stats", h.UsageStats)
	v1.POST("/usage/export", h.ExportUsage)
	v1.POST("/usage/prune", h.PruneUsage)
	v1.GET("/cache/stats", h.CacheStats)
	v1.POST("/cache/cleanup", h.CleanupCache)
	v1.POST("/safety/validate", h.ValidateSafety)
	e.GET("/healthz", h.Health)
}

// Complete runs one orchestrated completion request.
func (h *Handler) Complete(c echo.Context) error {
	var req completeRequest
	if err := httpapi.DecodeJSON(c, maxRequestBytes, &req); err != nil {
		return err
	}

	if strings.TrimSpace(req.Prompt) == "" {
		return httpapi.InvalidArgumentError("prompt", "must not be empty")
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return httpapi.InvalidArgumentError("temperature", "must be between 0 and 2")
	}
	if req.MaxOutputTokens < 0 {
		return httpapi.InvalidArgumentError("max_output_tokens", "must not be negative")
	}
	if req.PatientAge < 0 {
		return httpapi.InvalidArgumentError("patient_age", "must not be negative")
	}

	resp, err := h.service.Complete(c.Request().Context(), Request{
		Prompt:           req.Prompt,
		BackendID:        req.BackendID,
		ModelID:          req.ModelID,
		Temperature:      req.Temperature,
		MaxOutputTokens:  req.MaxOutputTokens,
		ExpectStructured: req.ExpectStructured,
		StrictStructured: req.StrictStructured,
		Category:         req.Category,
		PatientAge:       req.PatientAge,
	})
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, toCompleteResponse(resp))
}

// Backends lists registered backends with availability.
func (h *Handler) Backends(c echo.Context) error {
	infos := h.service.Backends(c.Request().Context())

	backends := make([]backendResponse, len(infos))
	for i, info := range infos {
		backends[i] = backendResponse{
			ID:                 info.ID,
			Name:               info.Name,
			Models:             info.Models,
			DefaultModel:       info.DefaultModel,
			CostPer1K:          info.CostPer1K,
			SupportsStreaming:  info.SupportsStreaming,
			SupportsStructured: info.SupportsStructured,
			Available:          info.Available,
		}
	}

	return c.JSON(http.StatusOK, backendsResponse{Backends: backends})
}

// UsageStats reports ledger activity over the trailing window.
func (h *Handler) UsageStats(c echo.Context) error {
	days := 0
	if raw := c.QueryParam("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return httpapi.InvalidArgumentError("days", "must be a positive integer")
		}
		days = parsed
	}

	return c.JSON(http.StatusOK, toStatsResponse(h.service.UsageStats(days)))
}

// ExportUsage writes the ledger to a file or S3 object.
func (h *Handler) ExportUsage(c echo.Context) error {
	var req exportRequest
	if err := httpapi.DecodeJSON(c, maxRequestBytes, &req); err != nil {
		return err
	}

	if strings.TrimSpace(req.Destination) == "" {
		return httpapi.InvalidArgumentError("destination", "must not be empty")
	}
	format, err := ParseExportFormat(req.Format)
	if err != nil {
		return httpapi.InvalidArgumentError("format", err.Error())
	}
	if req.Days < 0 {
		return httpapi.InvalidArgumentError("days", "must not be negative")
	}

	result, err := h.service.ExportUsage(c.Request().Context(), ExportOptions{
		Destination: req.Destination,
		Format:      format,
		Days:        req.Days,
	})
	if err != nil {
		h.logger.ErrorContext(c.Request().Context(), "usage export failed", "error", err)
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, exportResponse{
		Records:     result.Records,
		Destination: result.Destination,
	})
}

// PruneUsage drops ledger records older than the retention window.
func (h *Handler) PruneUsage(c echo.Context) error {
	var req pruneRequest
	if err := httpapi.DecodeJSON(c, maxRequestBytes, &req); err != nil {
		return err
	}

	if req.RetentionDays < 0 {
		return httpapi.InvalidArgumentError("retention_days", "must not be negative")
	}

	removed, err := h.service.PruneUsage(c.Request().Context(), req.RetentionDays)
	if err != nil {
		h.logger.ErrorContext(c.Request().Context(), "usage prune failed", "error", err)
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, pruneResponse{Removed: removed})
}

// CacheStats reports response cache counters.
func (h *Handler) CacheStats(c echo.Context) error {
	stats := h.service.CacheStats()
	return c.JSON(http.StatusOK, cacheStatsResponse{
		Hits:      stats.Hits,
		Misses:    stats.Misses,
		Evictions: stats.Evictions,
		Size:      stats.Size,
		Capacity:  stats.Capacity,
		HitRate:   stats.HitRate,
		TTL:       stats.TTL.String(),
	})
}

// CleanupCache removes expired cache entries.
func (h *Handler) CleanupCache(c echo.Context) error {
	removed := h.service.CleanupCache(c.Request().Context())
	return c.JSON(http.StatusOK, cleanupResponse{Removed: removed})
}

// ValidateSafety runs a text through prompt or response validation.
func (h *Handler) ValidateSafety(c echo.Context) error {
	var req validateRequest
	if err := httpapi.DecodeJSON(c, maxRequestBytes, &req); err != nil {
		return err
	}

	if strings.TrimSpace(req.Text) == "" {
		return httpapi.InvalidArgumentError("text", "must not be empty")
	}
	if req.PatientAge < 0 {
		return httpapi.InvalidArgumentError("patient_age", "must not be negative")
	}
	kind := req.Kind
	if kind == "" {
		kind = "prompt"
	}

	verdict, err := h.service.ValidateText(c.Request().Context(), req.Text, kind, req.PatientAge)
	if err != nil {
		return httpapi.InvalidArgumentError("kind", "must be prompt or response")
	}

	return c.JSON(http.StatusOK, toSafetyResponse(verdict))
}

// Health reports service status with per-backend availability.
func (h *Handler) Health(c echo.Context) error {
	infos := h.service.Backends(c.Request().Context())

	status := "degraded"
	backends := make(map[string]bool, len(infos))
	for _, info := range infos {
		backends[info.ID] = info.Available
		if info.Available {
			status = "healthy"
		}
	}

	return c.JSON(http.StatusOK, healthResponse{
		Status:   status,
		Version:  h.version,
		Backends: backends,
	})
}

// mapServiceError translates domain errors into the API error envelope.
// Anything unrecognized falls through to the 500 handler.
func mapServiceError(err error) error {
	var budgetErr *BudgetError
	if errors.As(err, &budgetErr) {
		apiErr := httpapi.NewError(http.StatusPaymentRequired, "budget_exceeded", err.Error())
		apiErr.Details = map[string]interface{}{
			"scope":     budgetErr.Scope,
			"spend_usd": budgetErr.SpendUSD,
			"limit_usd": budgetErr.LimitUSD,
		}
		return apiErr
	}

	var safetyErr *SafetyError
	if errors.As(err, &safetyErr) {
		apiErr := httpapi.NewError(http.StatusUnprocessableEntity, "safety_rejected", err.Error())
		apiErr.Details = toSafetyResponse(safetyErr.Verdict)
		return apiErr
	}

	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		failures := make([]map[string]string, len(exhausted.Failures))
		for i, f := range exhausted.Failures {
			failures[i] = map[string]string{"backend": f.Backend, "reason": f.Reason}
		}
		apiErr := httpapi.NewError(http.StatusBadGateway, "backend_unavailable", err.Error())
		apiErr.Details = failures
		return apiErr
	}

	switch {
	case errors.Is(err, ErrBudgetExceeded):
		return httpapi.NewError(http.StatusPaymentRequired, "budget_exceeded", err.Error())
	case errors.Is(err, ErrBackendNotFound):
		return httpapi.NewError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrMalformedOutput):
		return httpapi.NewError(http.StatusBadGateway, "malformed_output", err.Error())
	case errors.Is(err, ErrBackendUnavailable):
		return httpapi.NewError(http.StatusBadGateway, "backend_unavailable", err.Error())
	case errors.Is(err, ErrSafetyRejected):
		return httpapi.NewError(http.StatusUnprocessableEntity, "safety_rejected", err.Error())
	}
	return err
}

// JSON payload types

type completeRequest struct {
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

type completeResponse struct {
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
	Safety            safetyResponse         `json:"safety"`
	TraceID           string                 `json:"trace_id,omitempty"`
}

type safetyResponse struct {
	Safe            bool     `json:"safe"`
	Severity        string   `json:"severity"`
	Matches         []string `json:"matches,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

type backendResponse struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Models             []string `json:"models,omitempty"`
	DefaultModel       string   `json:"default_model,omitempty"`
	CostPer1K          float64  `json:"cost_per_1k_tokens"`
	SupportsStreaming  bool     `json:"supports_streaming"`
	SupportsStructured bool     `json:"supports_structured"`
	Available          bool     `json:"available"`
}

type backendsResponse struct {
	Backends []backendResponse `json:"backends"`
}

type statsResponse struct {
	WindowDays   int                          `json:"window_days"`
	Requests     int                          `json:"requests"`
	Successful   int                          `json:"successful"`
	SuccessRate  float64                      `json:"success_rate"`
	TotalTokens  int                          `json:"total_tokens"`
	TotalCostUSD float64                      `json:"total_cost_usd"`
	AvgCostUSD   float64                      `json:"avg_cost_usd"`
	AvgTokens    float64                      `json:"avg_tokens"`
	AvgLatencyMS float64                      `json:"avg_latency_ms"`
	ByBackend    map[string]backendUsageJSON  `json:"by_backend,omitempty"`
	ByCategory   map[string]categoryUsageJSON `json:"by_category,omitempty"`
	Budget       budgetStatusJSON             `json:"budget"`
}

type backendUsageJSON struct {
	Requests    int     `json:"requests"`
	Tokens      int     `json:"tokens"`
	CostUSD     float64 `json:"cost_usd"`
	SuccessRate float64 `json:"success_rate"`
}

type categoryUsageJSON struct {
	Requests  int     `json:"requests"`
	CostUSD   float64 `json:"cost_usd"`
	AvgTokens float64 `json:"avg_tokens"`
}

type budgetStatusJSON struct {
	MonthlyBudgetUSD float64 `json:"monthly_budget_usd"`
	DailyBudgetUSD   float64 `json:"daily_budget_usd"`
	MonthSpendUSD    float64 `json:"month_spend_usd"`
	DaySpendUSD      float64 `json:"day_spend_usd"`
	MonthRemaining   float64 `json:"month_remaining_usd"`
	DayRemaining     float64 `json:"day_remaining_usd"`
}

type exportRequest struct {
	Destination string `json:"destination"`
	Format      string `json:"format,omitempty"`
	Days        int    `json:"days,omitempty"`
}

type exportResponse struct {
	Records     int    `json:"records"`
	Destination string `json:"destination"`
}

type pruneRequest struct {
	RetentionDays int `json:"retention_days,omitempty"`
}

type pruneResponse struct {
	Removed int `json:"removed"`
}

type cacheStatsResponse struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	HitRate   float64 `json:"hit_rate"`
	TTL       string  `json:"ttl"`
}

type cleanupResponse struct {
	Removed int `json:"removed"`
}

type validateRequest struct {
	Text       string `json:"text"`
	Kind       string `json:"kind,omitempty"`
	PatientAge int    `json:"patient_age,omitempty"`
}

type healthResponse struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Backends map[string]bool `json:"backends"`
}

// Conversion helpers

func toCompleteResponse(resp *Response) completeResponse {
	return completeResponse{
		ID:                resp.ID,
		Text:              resp.Text,
		StructuredPayload: resp.StructuredPayload,
		BackendUsed:       resp.BackendUsed,
		ModelUsed:         resp.ModelUsed,
		TokensIn:          resp.TokensIn,
		TokensOut:         resp.TokensOut,
		CostUSD:           resp.CostUSD,
		LatencyMS:         resp.LatencyMS,
		Cached:            resp.Cached,
		Safety:            toSafetyResponse(resp.Safety),
		TraceID:           resp.TraceID,
	}
}

func toSafetyResponse(v SafetyVerdict) safetyResponse {
	return safetyResponse{
		Safe:            v.Safe,
		Severity:        v.Severity.String(),
		Matches:         v.Matches,
		Reason:          v.Reason,
		Recommendations: v.Recommendations,
	}
}

func toStatsResponse(stats UsageStats) statsResponse {
	byBackend := make(map[string]backendUsageJSON, len(stats.ByBackend))
	for id, usage := range stats.ByBackend {
		byBackend[id] = backendUsageJSON{
			Requests:    usage.Requests,
			Tokens:      usage.Tokens,
			CostUSD:     usage.CostUSD,
			SuccessRate: usage.SuccessRate,
		}
	}

	byCategory := make(map[string]categoryUsageJSON, len(stats.ByCategory))
	for name, usage := range stats.ByCategory {
		byCategory[name] = categoryUsageJSON{
			Requests:  usage.Requests,
			CostUSD:   usage.CostUSD,
			AvgTokens: usage.AvgTokens,
		}
	}

	return statsResponse{
		WindowDays:   stats.WindowDays,
		Requests:     stats.Requests,
		Successful:   stats.Successful,
		SuccessRate:  stats.SuccessRate,
		TotalTokens:  stats.TotalTokens,
		TotalCostUSD: stats.TotalCostUSD,
		AvgCostUSD:   stats.AvgCostUSD,
		AvgTokens:    stats.AvgTokens,
		AvgLatencyMS: stats.AvgLatencyMS,
		ByBackend:    byBackend,
		ByCategory:   byCategory,
		Budget: budgetStatusJSON{
			MonthlyBudgetUSD: stats.Budget.MonthlyBudgetUSD,
			DailyBudgetUSD:   stats.Budget.DailyBudgetUSD,
			MonthSpendUSD:    stats.Budget.MonthSpendUSD,
			DaySpendUSD:      stats.Budget.DaySpendUSD,
			MonthRemaining:   stats.Budget.MonthRemaining,
			DayRemaining:     stats.Budget.DayRemaining,
		},
	}
}
