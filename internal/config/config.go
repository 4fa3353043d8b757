// Package config resolves the engine's runtime configuration surface
// (concurrency bounds, backoff/reenqueue delays, dependency-graph
// projection, health thresholds) as a typed struct with an optional YAML
// overlay on top of built-in defaults. A YAML file, when present, sets the
// baseline; individual environment variables always win, so an operator can
// override one knob without maintaining a whole file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/orbitflow/taskengine/internal/platform/envutil"
)

type ExecutionConfig struct {
	MinConcurrentSteps              int `yaml:"min_concurrent_steps"`
	MaxConcurrentStepsLimit         int `yaml:"max_concurrent_steps_limit"`
	ConcurrencyCacheDurationSeconds int `yaml:"concurrency_cache_duration_seconds"`
	PerStepTimeoutSeconds           int `yaml:"per_step_timeout_seconds"`
}

type ReenqueueDelaysConfig struct {
	ProcessingSeconds             int `yaml:"processing_seconds"`
	WaitingForDependenciesSeconds int `yaml:"waiting_for_dependencies_seconds"`
	MaxReenqueueSeconds           int `yaml:"max_reenqueue_seconds"`
}

type BackoffConfig struct {
	DefaultBackoffSeconds []int                 `yaml:"default_backoff_seconds"`
	MaxBackoffSeconds     int                   `yaml:"max_backoff_seconds"`
	JitterFactor          float64               `yaml:"jitter_factor"`
	Reenqueue             ReenqueueDelaysConfig `yaml:"reenqueue_delays"`
}

type DependencyGraphConfig struct {
	Enabled bool `yaml:"enabled"`
}

type HealthConfig struct {
	StaleClaimMinutes int `yaml:"stale_claim_minutes"`
}

// SubmissionConfig governs submit_task's duplicate-detection window:
// DuplicateTask{existing_id} is returned when identity_hash matches within
// the configured dedup window.
type SubmissionConfig struct {
	DedupWindowSeconds int `yaml:"dedup_window_seconds"`
}

type Config struct {
	Execution       ExecutionConfig       `yaml:"execution"`
	Backoff         BackoffConfig         `yaml:"backoff"`
	DependencyGraph DependencyGraphConfig `yaml:"dependency_graph"`
	Health          HealthConfig          `yaml:"health"`
	Submission      SubmissionConfig      `yaml:"submission"`
}

func defaults() Config {
	return Config{
		Execution: ExecutionConfig{
			MinConcurrentSteps:              1,
			MaxConcurrentStepsLimit:         20,
			ConcurrencyCacheDurationSeconds: 30,
			PerStepTimeoutSeconds:           300,
		},
		Backoff: BackoffConfig{
			DefaultBackoffSeconds: []int{1, 2, 4, 8, 16, 32},
			MaxBackoffSeconds:     300,
			JitterFactor:          0.1,
			Reenqueue: ReenqueueDelaysConfig{
				ProcessingSeconds:             10,
				WaitingForDependenciesSeconds: 45,
				MaxReenqueueSeconds:           300,
			},
		},
		DependencyGraph: DependencyGraphConfig{
			Enabled: false,
		},
		Health: HealthConfig{
			StaleClaimMinutes: 30,
		},
		Submission: SubmissionConfig{
			DedupWindowSeconds: 300,
		},
	}
}

// Load resolves configuration from (in increasing precedence): built-in
// defaults, an optional YAML file at path (or
// TASKENGINE_CONFIG_FILE if path is ""), then individual environment
// variable overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = envutil.String("TASKENGINE_CONFIG_FILE", "")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Execution.MinConcurrentSteps = envutil.Int("TASKENGINE_MIN_CONCURRENT_STEPS", cfg.Execution.MinConcurrentSteps)
	cfg.Execution.MaxConcurrentStepsLimit = envutil.Int("TASKENGINE_MAX_CONCURRENT_STEPS_LIMIT", cfg.Execution.MaxConcurrentStepsLimit)
	cfg.Execution.ConcurrencyCacheDurationSeconds = envutil.Int("TASKENGINE_CONCURRENCY_CACHE_DURATION_SECONDS", cfg.Execution.ConcurrencyCacheDurationSeconds)
	cfg.Execution.PerStepTimeoutSeconds = envutil.Int("TASKENGINE_PER_STEP_TIMEOUT_SECONDS", cfg.Execution.PerStepTimeoutSeconds)

	cfg.Backoff.MaxBackoffSeconds = envutil.Int("TASKENGINE_MAX_BACKOFF_SECONDS", cfg.Backoff.MaxBackoffSeconds)
	cfg.Backoff.JitterFactor = envutil.Float("TASKENGINE_JITTER_FACTOR", cfg.Backoff.JitterFactor)
	cfg.Backoff.Reenqueue.ProcessingSeconds = envutil.Int("TASKENGINE_REENQUEUE_PROCESSING_SECONDS", cfg.Backoff.Reenqueue.ProcessingSeconds)
	cfg.Backoff.Reenqueue.WaitingForDependenciesSeconds = envutil.Int("TASKENGINE_REENQUEUE_WAITING_SECONDS", cfg.Backoff.Reenqueue.WaitingForDependenciesSeconds)
	cfg.Backoff.Reenqueue.MaxReenqueueSeconds = envutil.Int("TASKENGINE_REENQUEUE_MAX_SECONDS", cfg.Backoff.Reenqueue.MaxReenqueueSeconds)

	cfg.DependencyGraph.Enabled = envutil.Bool("TASKENGINE_DEPENDENCY_GRAPH_ENABLED", cfg.DependencyGraph.Enabled)
	cfg.Health.StaleClaimMinutes = envutil.Int("TASKENGINE_STALE_CLAIM_MINUTES", cfg.Health.StaleClaimMinutes)
	cfg.Submission.DedupWindowSeconds = envutil.Int("TASKENGINE_DEDUP_WINDOW_SECONDS", cfg.Submission.DedupWindowSeconds)
}

func validate(cfg Config) error {
	if cfg.Execution.MinConcurrentSteps < 1 {
		return fmt.Errorf("config: execution.min_concurrent_steps must be >= 1")
	}
	if cfg.Execution.MaxConcurrentStepsLimit < cfg.Execution.MinConcurrentSteps {
		return fmt.Errorf("config: execution.max_concurrent_steps_limit must be >= min_concurrent_steps")
	}
	if len(cfg.Backoff.DefaultBackoffSeconds) == 0 {
		return fmt.Errorf("config: backoff.default_backoff_seconds must be non-empty")
	}
	if cfg.Backoff.JitterFactor < 0 || cfg.Backoff.JitterFactor > 1 {
		return fmt.Errorf("config: backoff.jitter_factor must be in [0,1]")
	}
	return nil
}
