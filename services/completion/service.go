package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/instantcocoa/kos/pkg/telemetry"
)

// ServiceOptions contains the collaborators for the completion service.
type ServiceOptions struct {
	Registry   *Registry
	Guard      *BudgetGuard
	Cache      *ResponseCache
	Validator  *SafetyValidator
	Normalizer *Normalizer
	Retry      RetryPolicy
	S3         S3ExportConfig
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// Service orchestrates completion requests across the registry, budget
// guard, response cache, safety validator, and output normalizer. All state
// lives on the collaborators; the service itself is stateless and safe for
// concurrent use.
type Service struct {
	registry   *Registry
	guard      *BudgetGuard
	cache      *ResponseCache
	validator  *SafetyValidator
	normalizer *Normalizer
	retry      RetryPolicy
	s3         S3ExportConfig
	tracer     trace.Tracer
	logger     *slog.Logger
}

// NewService creates a completion service.
func NewService(opts ServiceOptions) *Service {
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("completion")
	}
	return &Service{
		registry:   opts.Registry,
		guard:      opts.Guard,
		cache:      opts.Cache,
		validator:  opts.Validator,
		normalizer: opts.Normalizer,
		retry:      retry,
		s3:         opts.S3,
		tracer:     tracer,
		logger:     opts.Logger.With("component", "service"),
	}
}

// Complete runs one orchestration: cache check, budget gate, prompt safety,
// backend attempts with retry and fail-over, response safety, normalization,
// and spend accounting.
func (s *Service) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	ctx, span := s.tracer.Start(ctx, "completion.complete")
	defer span.End()
	traceID := telemetry.TraceIDFromContext(ctx)

	if req.Temperature == 0 {
		req.Temperature = defaultTemperature
	}
	if req.MaxOutputTokens == 0 {
		req.MaxOutputTokens = defaultMaxOutputTokens
	}

	fingerprint := Fingerprint(req.Prompt, req.BackendID, req.ModelID, req.Temperature, req.MaxOutputTokens)
	if resp, ok := s.cachedResponse(ctx, fingerprint, req); ok {
		resp.LatencyMS = time.Since(start).Milliseconds()
		resp.TraceID = traceID
		return resp, nil
	}

	if err := s.guard.Check(0); err != nil {
		return nil, err
	}

	primary, fallbacks, err := s.selectBackends(ctx, req)
	if err != nil {
		return nil, err
	}

	estimatedTokens := len(req.Prompt)/4 + req.MaxOutputTokens
	if err := s.guard.Check(s.registry.EstimateCost(primary, req.ModelID, estimatedTokens)); err != nil {
		return nil, err
	}

	if verdict := s.validator.ValidatePrompt(ctx, req.Prompt, req.PatientAge); !verdict.Safe {
		return nil, &SafetyError{Stage: "prompt", Verdict: verdict}
	}

	resp, err := s.attemptBackends(ctx, req, primary, fallbacks)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation leaves the ledger and cache untouched.
			return nil, err
		}
		s.guard.Record(ctx, UsageRecord{
			Backend:   primary,
			Model:     req.ModelID,
			Category:  req.Category,
			Success:   false,
			LatencyMS: time.Since(start).Milliseconds(),
		})
		return nil, err
	}

	resp.ID = uuid.New().String()
	resp.LatencyMS = time.Since(start).Milliseconds()
	resp.TraceID = traceID

	resp.Safety = s.validator.ValidateResponse(ctx, resp.Text, req.PatientAge)
	if !resp.Safety.Safe {
		// The tokens were consumed; the spend counts even though the
		// response is withheld.
		s.recordSpend(ctx, req, resp)
		return nil, &SafetyError{Stage: "response", Verdict: resp.Safety}
	}

	if req.ExpectStructured {
		payload, err := s.normalizer.Normalize(ctx, resp.Text, req.StrictStructured)
		if err != nil {
			s.recordSpend(ctx, req, resp)
			return nil, err
		}
		resp.StructuredPayload = payload
	}

	s.recordSpend(ctx, req, resp)
	s.cache.Set(fingerprint, req.Prompt, req.BackendID, req.ModelID, resp)

	s.logger.InfoContext(ctx, "completion succeeded",
		"backend", resp.BackendUsed,
		"model", resp.ModelUsed,
		"tokens_in", resp.TokensIn,
		"tokens_out", resp.TokensOut,
		"cost_usd", resp.CostUSD,
		"latency_ms", resp.LatencyMS)

	return resp, nil
}

// cachedResponse checks the exact fingerprint first, then falls back to
// similarity lookup. Structured requests skip similarity: a near-miss prompt
// can carry a payload for the wrong schema.
func (s *Service) cachedResponse(ctx context.Context, fingerprint string, req Request) (*Response, bool) {
	if resp, ok := s.cache.Get(fingerprint); ok {
		s.logger.InfoContext(ctx, "cache hit", "backend", resp.BackendUsed)
		resp.Cached = true
		resp.CostUSD = 0
		return resp, true
	}
	if req.ExpectStructured {
		return nil, false
	}
	resp, similarity, ok := s.cache.GetSimilar(req.Prompt, req.BackendID, req.ModelID, 0)
	if !ok {
		return nil, false
	}
	s.logger.InfoContext(ctx, "similarity cache hit", "similarity", similarity)
	resp.Cached = true
	resp.CostUSD = 0
	return resp, true
}

// selectBackends picks the primary backend and the fail-over order. The
// primary is the requested id when given, else the cheapest available
// backend advertising the model, else the first available. Fallbacks are the
// remaining available backends in registration order.
func (s *Service) selectBackends(ctx context.Context, req Request) (string, []string, error) {
	primary := ""
	switch {
	case req.BackendID != "":
		if _, _, err := s.registry.Resolve(req.BackendID); err != nil {
			return "", nil, err
		}
		primary = req.BackendID
	default:
		if id, ok := s.registry.Cheapest(ctx, req.ModelID); ok {
			primary = id
		} else if id, ok := s.registry.FirstAvailable(ctx); ok {
			primary = id
		}
	}
	if primary == "" {
		return "", nil, fmt.Errorf("%w: no backends available", ErrBackendUnavailable)
	}

	var fallbacks []string
	for _, cfg := range s.registry.List() {
		if cfg.ID == primary {
			continue
		}
		if !s.registry.IsAvailable(ctx, cfg.ID) {
			continue
		}
		fallbacks = append(fallbacks, cfg.ID)
	}
	return primary, fallbacks, nil
}

// attemptBackends tries the primary then each fallback in order. Attempts
// are sequential so the spend of a request is attributable to exactly one
// backend.
func (s *Service) attemptBackends(ctx context.Context, req Request, primary string, fallbacks []string) (*Response, error) {
	candidates := make([]string, 0, 1+len(fallbacks))
	candidates = append(candidates, primary)
	candidates = append(candidates, fallbacks...)

	var failures []BackendFailure
	for _, id := range candidates {
		resp, err := s.attemptOne(ctx, id, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		failures = append(failures, BackendFailure{Backend: id, Reason: failureReason(err)})
		s.logger.WarnContext(ctx, "backend failed",
			"backend", id, "error", err, "remaining", len(candidates)-len(failures))
	}
	return nil, &ExhaustedError{Failures: failures}
}

// attemptOne runs the retry loop for a single backend. Only transient
// failures are retried; anything else advances to the next fallback with no
// delay.
func (s *Service) attemptOne(ctx context.Context, backendID string, req Request) (*Response, error) {
	backend, _, err := s.registry.Resolve(backendID)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		if err := sleep(ctx, s.retry.Delay(attempt)); err != nil {
			return nil, err
		}

		resp, err := backend.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var backendErr *BackendError
		if !errors.As(err, &backendErr) || !backendErr.Kind.Transient() {
			return nil, err
		}
		s.logger.WarnContext(ctx, "transient backend failure",
			"backend", backendID, "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

func (s *Service) recordSpend(ctx context.Context, req Request, resp *Response) {
	s.guard.Record(ctx, UsageRecord{
		Backend:   resp.BackendUsed,
		Model:     resp.ModelUsed,
		Tokens:    resp.TokensIn + resp.TokensOut,
		CostUSD:   resp.CostUSD,
		Category:  req.Category,
		Success:   true,
		LatencyMS: resp.LatencyMS,
	})
}

func failureReason(err error) string {
	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		if backendErr.Message != "" {
			return fmt.Sprintf("%s (%s)", backendErr.Message, backendErr.Kind)
		}
		if backendErr.Err != nil {
			return fmt.Sprintf("%v (%s)", backendErr.Err, backendErr.Kind)
		}
		return backendErr.Kind.String()
	}
	return err.Error()
}

// Backends reports every registered backend with its availability.
func (s *Service) Backends(ctx context.Context) []BackendInfo {
	configs := s.registry.List()
	infos := make([]BackendInfo, 0, len(configs))
	for _, cfg := range configs {
		infos = append(infos, BackendInfo{
			BackendConfig: cfg,
			Available:     s.registry.IsAvailable(ctx, cfg.ID),
		})
	}
	return infos
}

// UsageStats reports ledger activity over the trailing window.
func (s *Service) UsageStats(windowDays int) UsageStats {
	return s.guard.Stats(windowDays)
}

// PruneUsage drops ledger records older than the retention window.
func (s *Service) PruneUsage(ctx context.Context, retentionDays int) (int, error) {
	var retention time.Duration
	if retentionDays > 0 {
		retention = time.Duration(retentionDays) * 24 * time.Hour
	}
	return s.guard.Prune(ctx, retention)
}

// CacheStats reports response cache activity.
func (s *Service) CacheStats() CacheStats {
	return s.cache.Stats()
}

// CleanupCache drops expired cache entries and returns the number removed.
func (s *Service) CleanupCache(ctx context.Context) int {
	removed := s.cache.CleanupExpired()
	if removed > 0 {
		s.logger.InfoContext(ctx, "cleaned up expired cache entries", "removed", removed)
	}
	return removed
}

// ValidateText runs the safety validator over standalone text. Kind selects
// the prompt or response rule set.
func (s *Service) ValidateText(ctx context.Context, text, kind string, age int) (SafetyVerdict, error) {
	switch kind {
	case "prompt":
		return s.validator.ValidatePrompt(ctx, text, age), nil
	case "response":
		return s.validator.ValidateResponse(ctx, text, age), nil
	default:
		return SafetyVerdict{}, fmt.Errorf("unknown validation kind: %s", kind)
	}
}
