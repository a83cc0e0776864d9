// Package config loads runtime configuration. Environment variables are the
// primary source; an optional YAML file supplies defaults that env values
// override.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration for both binaries.
type Config struct {
	Env      string `yaml:"env"`
	HTTPAddr string `yaml:"http_addr"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	Queue      QueueConfig      `yaml:"queue"`
	Worker     WorkerConfig     `yaml:"worker"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Security   SecurityConfig   `yaml:"security"`
}

type QueueConfig struct {
	Stream        string        `yaml:"stream"`
	Group         string        `yaml:"group"`
	DLQStream     string        `yaml:"dlq_stream"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	MaxRetries    int           `yaml:"max_retries"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	DequeueBlock  time.Duration `yaml:"dequeue_block"`
	DequeueCount  int           `yaml:"dequeue_count"`
}

type WorkerConfig struct {
	Consumer        string                   `yaml:"consumer"`
	MaxConcurrency  int64                    `yaml:"max_concurrency"`
	DrainTimeout    time.Duration            `yaml:"drain_timeout"`
	EmptyBackoff    time.Duration            `yaml:"empty_backoff"`
	ReclaimEvery    time.Duration            `yaml:"reclaim_every"`
	TypeDeadlines   map[string]time.Duration `yaml:"type_deadlines"`
	DefaultDeadline time.Duration            `yaml:"default_deadline"`
}

type ResilienceConfig struct {
	WindowSize     int           `yaml:"window_size"`
	ErrorThreshold float64       `yaml:"error_threshold"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
	MinSamples     int           `yaml:"min_samples"`
	FlushInterval  time.Duration `yaml:"flush_interval"`

	// DailyBudgetUSD caps per-provider spend per UTC day.
	DailyBudgetUSD map[string]float64 `yaml:"daily_budget_usd"`
	// EstimatedCostUSD is the expected cost of one call, used by the
	// budget precheck before the provider is invoked.
	EstimatedCostUSD map[string]float64 `yaml:"estimated_cost_usd"`
	ProviderOrder    []string           `yaml:"provider_order"`
}

type SecurityConfig struct {
	KeySalt          string            `yaml:"key_salt"`
	InternalKey      string            `yaml:"internal_key"`
	WebhookSecrets   map[string]string `yaml:"webhook_secrets"`
	TimestampSkew    time.Duration     `yaml:"timestamp_skew"`
	RequireTimestamp bool              `yaml:"require_timestamp"`
}

// Defaults mirror the production values the system runs with.
func defaults() Config {
	return Config{
		Env:      "dev",
		HTTPAddr: ":8080",
		RedisURL: "redis://localhost:6379/0",
		Queue: QueueConfig{
			Stream:         "aurea:tasks",
			Group:          "aurea-workers",
			DLQStream:      "aurea:dlq",
			LeaseTTL:       900 * time.Second,
			MaxRetries:     3,
			BackoffBase:    2 * time.Second,
			BackoffMax:     60 * time.Second,
			IdempotencyTTL: 24 * time.Hour,
			DequeueBlock:   5 * time.Second,
			DequeueCount:   1,
		},
		Worker: WorkerConfig{
			MaxConcurrency:  8,
			DrainTimeout:    30 * time.Second,
			EmptyBackoff:    time.Second,
			ReclaimEvery:    time.Minute,
			DefaultDeadline: 10 * time.Minute,
			TypeDeadlines: map[string]time.Duration{
				"gen_content":     5 * time.Minute,
				"code_pr":         15 * time.Minute,
				"mrg_deploy":      20 * time.Minute,
				"maintenance":     30 * time.Minute,
				"webhook_process": 2 * time.Minute,
			},
		},
		Resilience: ResilienceConfig{
			WindowSize:     100,
			ErrorThreshold: 0.1,
			OpenTimeout:    600 * time.Second,
			MinSamples:     10,
			FlushInterval:  10 * time.Second,
			DailyBudgetUSD: map[string]float64{
				"anthropic": 50.0,
				"openai":    50.0,
				"gemini":    25.0,
			},
			EstimatedCostUSD: map[string]float64{
				"anthropic": 0.05,
				"openai":    0.04,
				"gemini":    0.02,
			},
			ProviderOrder: []string{"anthropic", "openai", "gemini"},
		},
		Security: SecurityConfig{
			TimestampSkew:    5 * time.Minute,
			RequireTimestamp: false,
			WebhookSecrets:   map[string]string{},
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// AUREA_CONFIG_FILE (if set), then environment overrides.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("AUREA_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	str(&cfg.Env, "AUREA_ENV")
	str(&cfg.HTTPAddr, "AUREA_HTTP_ADDR")
	str(&cfg.RedisURL, "REDIS_URL")
	str(&cfg.DatabaseURL, "DATABASE_URL")

	str(&cfg.Queue.Stream, "AUREA_STREAM")
	str(&cfg.Queue.Group, "AUREA_GROUP")
	str(&cfg.Queue.DLQStream, "AUREA_DLQ_STREAM")
	dur(&cfg.Queue.LeaseTTL, "AUREA_LEASE_SECONDS")
	num(&cfg.Queue.MaxRetries, "AUREA_MAX_RETRIES")
	dur(&cfg.Queue.BackoffBase, "AUREA_BACKOFF_BASE_SECONDS")
	dur(&cfg.Queue.BackoffMax, "AUREA_BACKOFF_MAX_SECONDS")
	dur(&cfg.Queue.IdempotencyTTL, "AUREA_IDEMPOTENCY_TTL_SECONDS")

	str(&cfg.Worker.Consumer, "AUREA_CONSUMER")
	i64(&cfg.Worker.MaxConcurrency, "AUREA_MAX_CONCURRENCY")
	dur(&cfg.Worker.DrainTimeout, "AUREA_DRAIN_TIMEOUT_SECONDS")
	dur(&cfg.Worker.DefaultDeadline, "AUREA_DEFAULT_DEADLINE_SECONDS")

	num(&cfg.Resilience.WindowSize, "AUREA_CB_WINDOW")
	flt(&cfg.Resilience.ErrorThreshold, "AUREA_CB_THRESHOLD")
	dur(&cfg.Resilience.OpenTimeout, "AUREA_CB_TIMEOUT_SECONDS")
	if v := os.Getenv("AUREA_PROVIDER_ORDER"); v != "" {
		cfg.Resilience.ProviderOrder = splitTrim(v)
	}

	str(&cfg.Security.KeySalt, "AUREA_KEY_SALT")
	str(&cfg.Security.InternalKey, "AUREA_INTERNAL_KEY")
	dur(&cfg.Security.TimestampSkew, "AUREA_WEBHOOK_SKEW_SECONDS")
	for _, source := range []string{"github", "clickup", "make"} {
		if v := os.Getenv("AUREA_WEBHOOK_SECRET_" + strings.ToUpper(source)); v != "" {
			cfg.Security.WebhookSecrets[source] = v
		}
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Queue.Stream == "" || c.Queue.Group == "" || c.Queue.DLQStream == "" {
		return fmt.Errorf("queue stream, group and dlq stream are required")
	}
	if c.Queue.LeaseTTL <= 0 {
		return fmt.Errorf("lease ttl must be positive")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.Worker.MaxConcurrency < 1 {
		return fmt.Errorf("max concurrency must be at least 1")
	}
	if c.Resilience.ErrorThreshold <= 0 || c.Resilience.ErrorThreshold > 1 {
		return fmt.Errorf("error threshold must be in (0,1]")
	}
	return nil
}

// Deadline returns the wall-clock deadline for a task type.
func (w WorkerConfig) Deadline(taskType string) time.Duration {
	if d, ok := w.TypeDeadlines[taskType]; ok && d > 0 {
		return d
	}
	return w.DefaultDeadline
}

func str(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func num(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func i64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func flt(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// dur reads an integer number of seconds.
func dur(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func splitTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
