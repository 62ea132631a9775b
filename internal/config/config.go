// Package config provides configuration types for the gateway core.
//
// The core reads no environment variables directly; the hosting CLI loads
// this configuration and injects it at construction. Defaults live with the
// structs and validation is a construction-time step that fails fast.
package config

import "time"

// Config is the top-level gateway configuration.
type Config struct {
	// Environment names the deployment environment carried into decisions
	// and audit events (prod, staging, dev).
	Environment string `yaml:"environment" mapstructure:"environment" validate:"omitempty,oneof=prod staging dev test"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// Auth configures principal token validation.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// DecisionCache configures the two-tier decision cache.
	DecisionCache DecisionCacheConfig `yaml:"decision_cache" mapstructure:"decision_cache"`

	// PDP configures policy evaluation.
	PDP PDPConfig `yaml:"pdp" mapstructure:"pdp"`

	// Registry configures catalog synchronization.
	Registry RegistryConfig `yaml:"registry" mapstructure:"registry"`

	// RateLimit configures the sliding-window limiter.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Budget configures cost admission.
	Budget BudgetConfig `yaml:"budget" mapstructure:"budget"`

	// Breaker configures per-resource and per-sink circuit breakers.
	Breaker BreakerConfig `yaml:"breaker" mapstructure:"breaker"`

	// Retry configures idempotent dispatch retries.
	Retry RetryConfig `yaml:"retry" mapstructure:"retry"`

	// Audit configures the local audit queue and store.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// SIEM configures downstream sinks by name.
	SIEM map[string]SIEMSinkConfig `yaml:"siem" mapstructure:"siem" validate:"omitempty,dive"`

	// Request configures per-request deadlines.
	Request RequestConfig `yaml:"request" mapstructure:"request"`

	// Redis configures the shared store used by the decision cache,
	// rate limiter, and budget ledger.
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// AuthConfig configures principal token validation.
type AuthConfig struct {
	// JWTPublicKeyPath is the PEM-encoded Ed25519 verification key.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path" mapstructure:"jwt_public_key_path"`
	// Issuer is the required token issuer.
	Issuer string `yaml:"issuer" mapstructure:"issuer" validate:"required"`
	// Audience is the required token audience.
	Audience string `yaml:"audience" mapstructure:"audience" validate:"required"`
	// KeyRefreshSeconds bounds how often the verification key is re-read.
	KeyRefreshSeconds int `yaml:"key_refresh_seconds" mapstructure:"key_refresh_seconds" validate:"omitempty,min=1"`
}

// DecisionCacheConfig configures the two-tier decision cache.
type DecisionCacheConfig struct {
	// TTLSeconds bounds both cache tiers. Default 300.
	TTLSeconds int `yaml:"ttl_seconds" mapstructure:"ttl_seconds" validate:"omitempty,min=1"`
	// LocalCapacity bounds the in-process LRU. Default 10000.
	LocalCapacity int `yaml:"local_capacity" mapstructure:"local_capacity" validate:"omitempty,min=1"`
	// SharedRolloutPercent gates the shared tier by principal (0-100).
	// Default 100.
	SharedRolloutPercent int `yaml:"shared_rollout_percent" mapstructure:"shared_rollout_percent" validate:"omitempty,min=0,max=100"`
}

// PDPConfig configures policy evaluation.
type PDPConfig struct {
	// TimeoutMS hard-cancels the evaluator. Default 1000.
	TimeoutMS int `yaml:"timeout_ms" mapstructure:"timeout_ms" validate:"omitempty,min=1"`
	// BundlePollSeconds is the bundle store pull interval. Default 30.
	BundlePollSeconds int `yaml:"bundle_poll_seconds" mapstructure:"bundle_poll_seconds" validate:"omitempty,min=1"`
}

// RegistryConfig configures catalog synchronization.
type RegistryConfig struct {
	// RefreshSeconds is the catalog poll interval. Default 30.
	RefreshSeconds int `yaml:"refresh_seconds" mapstructure:"refresh_seconds" validate:"omitempty,min=1"`
}

// RateLimitConfig configures the sliding-window limiter.
type RateLimitConfig struct {
	// DefaultWindowSeconds is the window length. Default 60.
	DefaultWindowSeconds int `yaml:"default_window_seconds" mapstructure:"default_window_seconds" validate:"omitempty,min=1"`
	// DefaultLimit is the admissions per window. Default 1000.
	DefaultLimit int `yaml:"default_limit" mapstructure:"default_limit" validate:"omitempty,min=1"`
	// FallbackQuota is the per-process local quota used when the shared
	// store is unreachable. Zero denies on store failure.
	FallbackQuota int `yaml:"fallback_quota" mapstructure:"fallback_quota" validate:"omitempty,min=0"`
}

// BudgetConfig configures cost admission.
type BudgetConfig struct {
	// DailyCeiling is the per-principal daily budget. Zero disables.
	DailyCeiling float64 `yaml:"daily_ceiling" mapstructure:"daily_ceiling" validate:"omitempty,min=0"`
	// MonthlyCeiling is the per-principal monthly budget. Zero disables.
	MonthlyCeiling float64 `yaml:"monthly_ceiling" mapstructure:"monthly_ceiling" validate:"omitempty,min=0"`
}

// BreakerConfig configures circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failures before opening. Default 5.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"omitempty,min=1"`
	// CooldownMS is the open-state duration before half-open. Default 30000.
	CooldownMS int `yaml:"cooldown_ms" mapstructure:"cooldown_ms" validate:"omitempty,min=1"`
	// HalfOpenProbes is the trial requests admitted half-open. Default 1.
	HalfOpenProbes int `yaml:"half_open_probes" mapstructure:"half_open_probes" validate:"omitempty,min=1"`
}

// RetryConfig configures idempotent dispatch retries.
type RetryConfig struct {
	// MaxAttempts bounds total attempts including the first. Default 3.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" validate:"omitempty,min=1"`
	// BaseDelayMS is the first backoff delay. Default 100.
	BaseDelayMS int `yaml:"base_delay_ms" mapstructure:"base_delay_ms" validate:"omitempty,min=1"`
	// MaxDelayMS caps the backoff delay. Default 5000.
	MaxDelayMS int `yaml:"max_delay_ms" mapstructure:"max_delay_ms" validate:"omitempty,min=1"`
}

// AuditConfig configures the local audit queue and store.
type AuditConfig struct {
	// QueueCapacity bounds the in-memory queue. Default 10000.
	QueueCapacity int `yaml:"queue_capacity" mapstructure:"queue_capacity" validate:"omitempty,min=1"`
	// BatchSize is the writer batch size. Default 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
	// FlushMS is the writer flush interval. Default 1000.
	FlushMS int `yaml:"flush_ms" mapstructure:"flush_ms" validate:"omitempty,min=1"`
	// StorePath is the SQLite audit store path. Default "sark-audit.db".
	StorePath string `yaml:"store_path" mapstructure:"store_path"`
	// RetentionDays is how long records are kept. Default 90.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
}

// SIEMSinkConfig configures one downstream sink.
type SIEMSinkConfig struct {
	// Type selects the sink wire format: hec or logs_api. Default hec.
	Type string `yaml:"type" mapstructure:"type" validate:"omitempty,oneof=hec logs_api"`
	// Endpoint is the sink URL.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"required,url"`
	// Auth is the Authorization header value sent with each batch.
	Auth string `yaml:"auth" mapstructure:"auth"`
	// BatchSize is the max events per POST. Default 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
	// FlushMS is the max batching delay. Default 2000.
	FlushMS int `yaml:"flush_ms" mapstructure:"flush_ms" validate:"omitempty,min=1"`
	// CompressionThreshold gzip-compresses payloads above this many bytes.
	// Default 4096.
	CompressionThreshold int `yaml:"compression_threshold" mapstructure:"compression_threshold" validate:"omitempty,min=0"`
	// RetryMax bounds delivery attempts per batch. Default 5.
	RetryMax int `yaml:"retry_max" mapstructure:"retry_max" validate:"omitempty,min=1"`
}

// RequestConfig configures per-request deadlines.
type RequestConfig struct {
	// DeadlineMS is the default hard deadline. Default 30000.
	DeadlineMS int `yaml:"deadline_ms" mapstructure:"deadline_ms" validate:"omitempty,min=1"`
}

// RedisConfig configures the shared store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server. Empty disables the shared
	// tiers (local-only cache, local-only rate limiting).
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	// Password authenticates to the server.
	Password string `yaml:"password" mapstructure:"password"`
	// DB selects the logical database.
	DB int `yaml:"db" mapstructure:"db" validate:"omitempty,min=0"`
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Environment == "" {
		c.Environment = "prod"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Auth.KeyRefreshSeconds == 0 {
		c.Auth.KeyRefreshSeconds = 300
	}
	if c.DecisionCache.TTLSeconds == 0 {
		c.DecisionCache.TTLSeconds = 300
	}
	if c.DecisionCache.LocalCapacity == 0 {
		c.DecisionCache.LocalCapacity = 10_000
	}
	if c.DecisionCache.SharedRolloutPercent == 0 {
		c.DecisionCache.SharedRolloutPercent = 100
	}
	if c.PDP.TimeoutMS == 0 {
		c.PDP.TimeoutMS = 1_000
	}
	if c.PDP.BundlePollSeconds == 0 {
		c.PDP.BundlePollSeconds = 30
	}
	if c.Registry.RefreshSeconds == 0 {
		c.Registry.RefreshSeconds = 30
	}
	if c.RateLimit.DefaultWindowSeconds == 0 {
		c.RateLimit.DefaultWindowSeconds = 60
	}
	if c.RateLimit.DefaultLimit == 0 {
		c.RateLimit.DefaultLimit = 1_000
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.CooldownMS == 0 {
		c.Breaker.CooldownMS = 30_000
	}
	if c.Breaker.HalfOpenProbes == 0 {
		c.Breaker.HalfOpenProbes = 1
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelayMS == 0 {
		c.Retry.BaseDelayMS = 100
	}
	if c.Retry.MaxDelayMS == 0 {
		c.Retry.MaxDelayMS = 5_000
	}
	if c.Audit.QueueCapacity == 0 {
		c.Audit.QueueCapacity = 10_000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushMS == 0 {
		c.Audit.FlushMS = 1_000
	}
	if c.Audit.StorePath == "" {
		c.Audit.StorePath = "sark-audit.db"
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 90
	}
	if c.Request.DeadlineMS == 0 {
		c.Request.DeadlineMS = 30_000
	}
	for name, sink := range c.SIEM {
		if sink.Type == "" {
			sink.Type = "hec"
		}
		if sink.BatchSize == 0 {
			sink.BatchSize = 100
		}
		if sink.FlushMS == 0 {
			sink.FlushMS = 2_000
		}
		if sink.CompressionThreshold == 0 {
			sink.CompressionThreshold = 4_096
		}
		if sink.RetryMax == 0 {
			sink.RetryMax = 5
		}
		c.SIEM[name] = sink
	}
}

// PDPTimeout returns the evaluator hard-cancellation timeout.
func (c *Config) PDPTimeout() time.Duration {
	return time.Duration(c.PDP.TimeoutMS) * time.Millisecond
}

// RequestDeadline returns the default per-request deadline.
func (c *Config) RequestDeadline() time.Duration {
	return time.Duration(c.Request.DeadlineMS) * time.Millisecond
}

// CacheTTL returns the decision cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.DecisionCache.TTLSeconds) * time.Second
}
