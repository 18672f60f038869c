package completion

import (
	"context"
	"fmt"
	"net/http"
	"slices"
)

// defaultCostPer1K prices unknown backend/model pairs so estimation is total.
const defaultCostPer1K = 0.01

// Backend is the interface every vendor adapter implements.
type Backend interface {
	// ID returns the backend identifier.
	ID() string

	// Complete performs one completion attempt.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Available reports whether the backend can serve requests.
	Available(ctx context.Context) bool
}

// httpDoer lets tests substitute the adapters' HTTP client.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Registry manages registered backends. Registration happens once at startup;
// all reads afterwards are concurrency-safe without locking.
type Registry struct {
	backends map[string]Backend
	configs  map[string]BackendConfig
	order    []string
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		configs:  make(map[string]BackendConfig),
	}
}

// Register adds a backend with its configuration, preserving registration
// order for List and tie-breaking.
func (r *Registry) Register(b Backend, cfg BackendConfig) {
	id := b.ID()
	if _, exists := r.backends[id]; !exists {
		r.order = append(r.order, id)
	}
	r.backends[id] = b
	r.configs[id] = cfg
}

// Resolve returns the backend and its configuration.
func (r *Registry) Resolve(backendID string) (Backend, BackendConfig, error) {
	b, ok := r.backends[backendID]
	if !ok {
		return nil, BackendConfig{}, fmt.Errorf("%w: %s", ErrBackendNotFound, backendID)
	}
	return b, r.configs[backendID], nil
}

// List returns all backend configurations in registration order.
func (r *Registry) List() []BackendConfig {
	configs := make([]BackendConfig, 0, len(r.order))
	for _, id := range r.order {
		configs = append(configs, r.configs[id])
	}
	return configs
}

// IsAvailable reports whether the backend exists and can serve requests.
func (r *Registry) IsAvailable(ctx context.Context, backendID string) bool {
	b, ok := r.backends[backendID]
	if !ok {
		return false
	}
	return b.Available(ctx)
}

// EstimateCost prices a token count against the backend's configured per-1K
// rate. Unknown backend/model pairs fall back to the default rate; estimation
// never fails.
func (r *Registry) EstimateCost(backendID, modelID string, tokens int) float64 {
	rate := defaultCostPer1K
	if cfg, ok := r.configs[backendID]; ok && r.supportsModel(cfg, modelID) {
		rate = cfg.CostPer1K
	}
	return float64(tokens) / 1000.0 * rate
}

// Cheapest returns the available backend with the lowest configured rate that
// advertises the model. Ties break by registration order. The second return
// is false when no available backend advertises the model.
func (r *Registry) Cheapest(ctx context.Context, modelID string) (string, bool) {
	best := ""
	bestRate := -1.0
	for _, id := range r.order {
		cfg := r.configs[id]
		if !r.supportsModel(cfg, modelID) {
			continue
		}
		if !r.backends[id].Available(ctx) {
			continue
		}
		if bestRate < 0 || cfg.CostPer1K < bestRate {
			best = id
			bestRate = cfg.CostPer1K
		}
	}
	return best, best != ""
}

// FirstAvailable returns the first available backend in registration order.
func (r *Registry) FirstAvailable(ctx context.Context) (string, bool) {
	for _, id := range r.order {
		if r.backends[id].Available(ctx) {
			return id, true
		}
	}
	return "", false
}

func (r *Registry) supportsModel(cfg BackendConfig, modelID string) bool {
	if modelID == "" {
		return true
	}
	return slices.Contains(cfg.Models, modelID)
}
