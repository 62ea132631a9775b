package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for sark.yaml/.yml in
// standard locations. The search requires an explicit YAML extension so the
// binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError, which callers handle gracefully.
		viper.SetConfigName("sark")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: SARK_REDIS_ADDR overrides redis.addr
	viper.SetEnvPrefix("SARK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a sark config file with an
// explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".sark"),
		"/etc/sark",
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for sark.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "sark"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// overrides. Map-valued sections (siem.<name>.*) must come from the config
// file.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("environment")
	_ = viper.BindEnv("log_level")

	_ = viper.BindEnv("auth.jwt_public_key_path")
	_ = viper.BindEnv("auth.issuer")
	_ = viper.BindEnv("auth.audience")
	_ = viper.BindEnv("auth.key_refresh_seconds")

	_ = viper.BindEnv("decision_cache.ttl_seconds")
	_ = viper.BindEnv("decision_cache.local_capacity")
	_ = viper.BindEnv("decision_cache.shared_rollout_percent")

	_ = viper.BindEnv("pdp.timeout_ms")
	_ = viper.BindEnv("pdp.bundle_poll_seconds")

	_ = viper.BindEnv("registry.refresh_seconds")

	_ = viper.BindEnv("rate_limit.default_window_seconds")
	_ = viper.BindEnv("rate_limit.default_limit")
	_ = viper.BindEnv("rate_limit.fallback_quota")

	_ = viper.BindEnv("budget.daily_ceiling")
	_ = viper.BindEnv("budget.monthly_ceiling")

	_ = viper.BindEnv("breaker.failure_threshold")
	_ = viper.BindEnv("breaker.cooldown_ms")
	_ = viper.BindEnv("breaker.half_open_probes")

	_ = viper.BindEnv("retry.max_attempts")
	_ = viper.BindEnv("retry.base_delay_ms")
	_ = viper.BindEnv("retry.max_delay_ms")

	_ = viper.BindEnv("audit.queue_capacity")
	_ = viper.BindEnv("audit.batch_size")
	_ = viper.BindEnv("audit.flush_ms")
	_ = viper.BindEnv("audit.store_path")
	_ = viper.BindEnv("audit.retention_days")

	_ = viper.BindEnv("request.deadline_ms")

	_ = viper.BindEnv("redis.addr")
	_ = viper.BindEnv("redis.password")
	_ = viper.BindEnv("redis.db")
}

// LoadConfig reads the configuration file, applies environment overrides and
// defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
