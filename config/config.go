// Package config loads pipeline configuration from YAML with environment
// variable overrides (CONVOROUTE_*). Every tunable the pipeline exposes —
// thresholds, caps, TTLs, timeouts, provider selection — lives here so
// deployments can adjust cost/latency trade-offs without code changes.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// Config holds all pipeline tunables.
type Config struct {
	// Provider selects the generation backend: "openai", "anthropic" or
	// "mock".
	Provider string `koanf:"provider" yaml:"provider"`
	// Model overrides the provider's default model id when set.
	Model string `koanf:"model" yaml:"model"`

	// ConfidenceFloor is the minimum classification confidence that may
	// drive specialized routing.
	ConfidenceFloor float64 `koanf:"confidence_floor" yaml:"confidence_floor"`
	// MinWorkerConfidence is the score below which a probed worker is
	// dropped from the candidate ranking.
	MinWorkerConfidence float64 `koanf:"min_worker_confidence" yaml:"min_worker_confidence"`
	// SimilarityThreshold is the minimum cosine similarity for a
	// response cache hit.
	SimilarityThreshold float64 `koanf:"similarity_threshold" yaml:"similarity_threshold"`

	// MaxParallelWorkers caps how many workers a multi-routing turn may
	// execute concurrently (cost control).
	MaxParallelWorkers int `koanf:"max_parallel_workers" yaml:"max_parallel_workers"`
	// ContextWindow is the number of recent turns fed into
	// classification and worker prompts.
	ContextWindow int `koanf:"context_window" yaml:"context_window"`
	// IntentHistorySize caps the per-session intent ring buffer.
	IntentHistorySize int `koanf:"intent_history_size" yaml:"intent_history_size"`
	// ClassifyCacheSize caps the classification cache.
	ClassifyCacheSize int `koanf:"classify_cache_size" yaml:"classify_cache_size"`
	// MaxUpstreamCalls bounds generation calls per turn; 0 is unlimited.
	MaxUpstreamCalls int `koanf:"max_upstream_calls" yaml:"max_upstream_calls"`

	// ClassifyCacheTTL bounds cached judgment lifetime.
	ClassifyCacheTTL time.Duration `koanf:"classify_cache_ttl" yaml:"classify_cache_ttl"`
	// SessionTTL is the sliding expiration of the external session copy.
	SessionTTL time.Duration `koanf:"session_ttl" yaml:"session_ttl"`
	// ResponseCacheTTL bounds similarity cache entry lifetime.
	ResponseCacheTTL time.Duration `koanf:"response_cache_ttl" yaml:"response_cache_ttl"`
	// WorkerTimeout bounds a single worker execution.
	WorkerTimeout time.Duration `koanf:"worker_timeout" yaml:"worker_timeout"`
	// UpstreamTimeout bounds a single classification call.
	UpstreamTimeout time.Duration `koanf:"upstream_timeout" yaml:"upstream_timeout"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Provider:            "openai",
		ConfidenceFloor:     0.6,
		MinWorkerConfidence: 0.3,
		SimilarityThreshold: 0.92,
		MaxParallelWorkers:  3,
		ContextWindow:       5,
		IntentHistorySize:   20,
		ClassifyCacheSize:   512,
		MaxUpstreamCalls:    0,
		ClassifyCacheTTL:    5 * time.Minute,
		SessionTTL:          24 * time.Hour,
		ResponseCacheTTL:    time.Hour,
		WorkerTimeout:       30 * time.Second,
		UpstreamTimeout:     10 * time.Second,
	}
}

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides (CONVOROUTE_*).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Start from defaults.
	cfg := DefaultConfig()

	// Load YAML file if it exists.
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	// Overlay environment variables: CONVOROUTE_PROVIDER -> provider, etc.
	if err := k.Load(env.Provider("CONVOROUTE_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "CONVOROUTE_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// validProviders is the set of recognized provider values.
var validProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"mock":      true,
}

// Validate checks that the configuration contains valid values.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if !validProviders[c.Provider] {
		return fmt.Errorf("invalid provider %q: must be one of openai, anthropic, mock", c.Provider)
	}

	if c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		return fmt.Errorf("confidence_floor must be in [0,1], got %v", c.ConfidenceFloor)
	}
	if c.MinWorkerConfidence < 0 || c.MinWorkerConfidence > 1 {
		return fmt.Errorf("min_worker_confidence must be in [0,1], got %v", c.MinWorkerConfidence)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in [0,1], got %v", c.SimilarityThreshold)
	}
	if c.MaxParallelWorkers < 1 {
		return fmt.Errorf("max_parallel_workers must be at least 1, got %d", c.MaxParallelWorkers)
	}
	if c.ContextWindow < 0 {
		return fmt.Errorf("context_window must not be negative, got %d", c.ContextWindow)
	}
	if c.WorkerTimeout <= 0 {
		return fmt.Errorf("worker_timeout must be positive, got %v", c.WorkerTimeout)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream_timeout must be positive, got %v", c.UpstreamTimeout)
	}

	return nil
}
