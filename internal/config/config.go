// Package config loads the orchestrator's layered configuration: built-in
// defaults, an optional YAML file, then AGENT_CONFIG_-prefixed environment
// variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// ConflictResolutionStrategy selects how the Conflict Detector resolves a
// colliding submission. "merge" is accepted for forward compatibility but is
// handled identically to "queue" (see DESIGN.md).
type ConflictResolutionStrategy string

const (
	ConflictQueue ConflictResolutionStrategy = "queue"
	ConflictMerge ConflictResolutionStrategy = "merge"
	ConflictAbort ConflictResolutionStrategy = "abort"
)

// RetryConfig configures the Retry Engine's backoff curve and retryable set.
type RetryConfig struct {
	BaseDelayMs         int      `mapstructure:"base_delay_ms"`
	MaxDelayMs          int      `mapstructure:"max_delay_ms"`
	BackoffMultiplier   float64  `mapstructure:"backoff_multiplier"`
	RetryableErrorCodes []string `mapstructure:"retryable_error_codes"`
}

// WorkerConfig configures per-worker execution limits.
type WorkerConfig struct {
	MaxRetries         int `mapstructure:"max_retries"`
	TimeoutMs          int `mapstructure:"timeout_ms"`
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
}

// Config holds every keyed option from the spec's external interface (§6).
type Config struct {
	ConflictResolutionStrategy ConflictResolutionStrategy `mapstructure:"conflict_resolution_strategy"`
	MaxConcurrentTasks         int                         `mapstructure:"max_concurrent_tasks"`
	TaskQueueSize              int                         `mapstructure:"task_queue_size"`
	LeaseDurationMs            int                         `mapstructure:"lease_duration_ms"`
	CascadeOnFailure           bool                        `mapstructure:"cascade_on_failure"`
	Worker                     WorkerConfig                `mapstructure:"worker"`
	Retry                      RetryConfig                 `mapstructure:"retry"`
	LeaseSweepIntervalMs       int                         `mapstructure:"lease_sweep_interval_ms"`
	EventRingSize              int                         `mapstructure:"event_ring_size"`
	NATSURL                    string                      `mapstructure:"nats_url"`
	AuditDBPath                string                      `mapstructure:"audit_db_path"`
}

// EnvPrefix is the environment-variable override prefix required by §6.
const EnvPrefix = "AGENT_CONFIG"

// Load builds a Config from defaults, an optional YAML file at path (ignored
// if empty or missing), and AGENT_CONFIG_-prefixed environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config populated with the spec's documented defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("conflict_resolution_strategy", string(ConflictQueue))
	v.SetDefault("max_concurrent_tasks", 8)
	v.SetDefault("task_queue_size", 1000)
	v.SetDefault("lease_duration_ms", 1_800_000)
	v.SetDefault("cascade_on_failure", true)

	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.timeout_ms", 30_000)
	v.SetDefault("worker.max_concurrent_tasks", 4)

	v.SetDefault("retry.base_delay_ms", 100)
	v.SetDefault("retry.max_delay_ms", 30_000)
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.retryable_error_codes", []string{"*"})

	v.SetDefault("lease_sweep_interval_ms", 60_000)
	v.SetDefault("event_ring_size", 1024)
	v.SetDefault("nats_url", "")
	v.SetDefault("audit_db_path", "")
}

// bindEnv explicitly binds every key so AutomaticEnv picks up nested keys
// too (viper's automatic env lookup needs a hint for keys that are only
// ever set via SetDefault, not read from a config file first).
func bindEnv(v *viper.Viper) {
	keys := []string{
		"conflict_resolution_strategy",
		"max_concurrent_tasks",
		"task_queue_size",
		"lease_duration_ms",
		"cascade_on_failure",
		"worker.max_retries",
		"worker.timeout_ms",
		"worker.max_concurrent_tasks",
		"retry.base_delay_ms",
		"retry.max_delay_ms",
		"retry.backoff_multiplier",
		"retry.retryable_error_codes",
		"lease_sweep_interval_ms",
		"event_ring_size",
		"nats_url",
		"audit_db_path",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}
