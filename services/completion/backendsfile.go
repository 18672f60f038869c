package completion

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BackendOverride adjusts one registered backend's advertised configuration.
// Zero-value fields keep the stock value; the capability flags use pointers
// so an explicit false can disable a capability.
type BackendOverride struct {
	Name               string   `yaml:"name"`
	Models             []string `yaml:"models"`
	DefaultModel       string   `yaml:"default_model"`
	CostPer1K          float64  `yaml:"cost_per_1k"`
	SupportsStreaming  *bool    `yaml:"supports_streaming"`
	SupportsStructured *bool    `yaml:"supports_structured"`
}

// LoadBackendOverrides reads per-backend configuration overrides from a YAML
// file keyed by backend ID:
//
//	openai:
//	  cost_per_1k: 0.0025
//	  models: [gpt-4o, gpt-4o-mini]
//	ollama:
//	  default_model: llama3.2
func LoadBackendOverrides(path string) (map[string]BackendOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backends file: %w", err)
	}

	var overrides map[string]BackendOverride
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse backends file: %w", err)
	}
	return overrides, nil
}

// Apply merges the override onto a stock configuration.
func (o BackendOverride) Apply(cfg BackendConfig) BackendConfig {
	if o.Name != "" {
		cfg.Name = o.Name
	}
	if len(o.Models) > 0 {
		cfg.Models = o.Models
	}
	if o.DefaultModel != "" {
		cfg.DefaultModel = o.DefaultModel
	}
	if o.CostPer1K > 0 {
		cfg.CostPer1K = o.CostPer1K
	}
	if o.SupportsStreaming != nil {
		cfg.SupportsStreaming = *o.SupportsStreaming
	}
	if o.SupportsStructured != nil {
		cfg.SupportsStructured = *o.SupportsStructured
	}
	return cfg
}
