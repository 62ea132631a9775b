package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := &Config{
		Auth: AuthConfig{
			Issuer:   "https://auth.example.com",
			Audience: "sark",
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.ApplyDefaults()

	if cfg.Environment != "prod" {
		t.Errorf("Environment = %q, want prod", cfg.Environment)
	}
	if cfg.DecisionCache.TTLSeconds != 300 {
		t.Errorf("DecisionCache.TTLSeconds = %d, want 300", cfg.DecisionCache.TTLSeconds)
	}
	if cfg.DecisionCache.LocalCapacity != 10_000 {
		t.Errorf("DecisionCache.LocalCapacity = %d, want 10000", cfg.DecisionCache.LocalCapacity)
	}
	if cfg.PDP.TimeoutMS != 1_000 {
		t.Errorf("PDP.TimeoutMS = %d, want 1000", cfg.PDP.TimeoutMS)
	}
	if cfg.RateLimit.DefaultWindowSeconds != 60 {
		t.Errorf("RateLimit.DefaultWindowSeconds = %d, want 60", cfg.RateLimit.DefaultWindowSeconds)
	}
	if cfg.RateLimit.DefaultLimit != 1_000 {
		t.Errorf("RateLimit.DefaultLimit = %d, want 1000", cfg.RateLimit.DefaultLimit)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("Breaker.FailureThreshold = %d, want 5", cfg.Breaker.FailureThreshold)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Audit.QueueCapacity != 10_000 {
		t.Errorf("Audit.QueueCapacity = %d, want 10000", cfg.Audit.QueueCapacity)
	}
	if cfg.Request.DeadlineMS != 30_000 {
		t.Errorf("Request.DeadlineMS = %d, want 30000", cfg.Request.DeadlineMS)
	}
}

func TestApplyDefaultsSIEMSinks(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		SIEM: map[string]SIEMSinkConfig{
			"splunk": {Endpoint: "https://hec.example.com/services/collector"},
		},
	}
	cfg.ApplyDefaults()

	sink := cfg.SIEM["splunk"]
	if sink.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want 100", sink.BatchSize)
	}
	if sink.FlushMS != 2_000 {
		t.Errorf("FlushMS = %d, want 2000", sink.FlushMS)
	}
	if sink.CompressionThreshold != 4_096 {
		t.Errorf("CompressionThreshold = %d, want 4096", sink.CompressionThreshold)
	}
	if sink.RetryMax != 5 {
		t.Errorf("RetryMax = %d, want 5", sink.RetryMax)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config passes",
			mutate: func(*Config) {},
		},
		{
			name:    "missing issuer",
			mutate:  func(c *Config) { c.Auth.Issuer = "" },
			wantErr: "auth.issuer",
		},
		{
			name:    "bad environment",
			mutate:  func(c *Config) { c.Environment = "production" },
			wantErr: "environment",
		},
		{
			name:    "bad redis addr",
			mutate:  func(c *Config) { c.Redis.Addr = "not an addr" },
			wantErr: "redis.addr",
		},
		{
			name:    "rollout percent over 100",
			mutate:  func(c *Config) { c.DecisionCache.SharedRolloutPercent = 101 },
			wantErr: "shared_rollout_percent",
		},
		{
			name: "retry cap below base",
			mutate: func(c *Config) {
				c.Retry.BaseDelayMS = 500
				c.Retry.MaxDelayMS = 100
			},
			wantErr: "max_delay_ms",
		},
		{
			name: "monthly below daily",
			mutate: func(c *Config) {
				c.Budget.DailyCeiling = 100
				c.Budget.MonthlyCeiling = 50
			},
			wantErr: "monthly_ceiling",
		},
		{
			name: "sink missing endpoint",
			mutate: func(c *Config) {
				c.SIEM = map[string]SIEMSinkConfig{"splunk": {BatchSize: 10, FlushMS: 100, RetryMax: 1}}
			},
			wantErr: "endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestFindConfigFileInPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "sark.yaml")
	if err := os.WriteFile(path, []byte("environment: dev\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := findConfigFileInPaths([]string{t.TempDir(), dir}); got != path {
		t.Errorf("findConfigFileInPaths() = %q, want %q", got, path)
	}
	if got := findConfigFileInPaths([]string{t.TempDir()}); got != "" {
		t.Errorf("findConfigFileInPaths() = %q, want empty", got)
	}
}
