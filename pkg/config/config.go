package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wrenlabs/hutch/pkg/types"
)

// TypeConfig holds the per-job-type worker and retry configuration.
type TypeConfig struct {
	// Image is the worker container image for this job type.
	Image string `yaml:"image"`

	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBaseSeconds and BackoffCapSeconds bound the retry delay:
	// base * 2^(attempts-1), capped.
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds  int `yaml:"backoff_cap_seconds"`

	// SleepAfterSeconds is the idle timeout before an instance drains
	// itself (scale-to-zero).
	SleepAfterSeconds int `yaml:"sleep_after_seconds"`

	// MaxProcessingSeconds bounds a single job execution; beyond it the
	// job is requeued and the instance marked unhealthy.
	MaxProcessingSeconds int `yaml:"max_processing_seconds"`

	// StartupTimeoutSeconds bounds how long a starting instance may take
	// to pass health verification.
	StartupTimeoutSeconds int `yaml:"startup_timeout_seconds"`

	// HourlyRate is the cost of one instance-hour, in monetary units.
	HourlyRate float64 `yaml:"hourly_rate"`

	BudgetSoftLimit float64 `yaml:"budget_soft_limit"`
	BudgetHardLimit float64 `yaml:"budget_hard_limit"`

	Scaling types.ScalingPolicy `yaml:"scaling"`
}

// Config is the top-level orchestrator configuration.
type Config struct {
	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the Prometheus /metrics bind address.
	MetricsAddr string `yaml:"metrics_addr"`

	DataDir string `yaml:"data_dir"`

	// RuntimeSocket is the containerd socket path.
	RuntimeSocket string `yaml:"runtime_socket"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// SchedulerIntervalSeconds is the scheduler cycle period.
	SchedulerIntervalSeconds int `yaml:"scheduler_interval_seconds"`

	// AutoscalerIntervalSeconds is the autoscaler evaluation period.
	AutoscalerIntervalSeconds int `yaml:"autoscaler_interval_seconds"`

	// HealthIntervalSeconds is the health monitor probe period.
	HealthIntervalSeconds int `yaml:"health_interval_seconds"`

	// HealthFailureThreshold is the consecutive missed probes before an
	// instance is marked unhealthy.
	HealthFailureThreshold int `yaml:"health_failure_threshold"`

	// RetentionHours is how long terminal jobs are kept before the
	// janitor deletes them.
	RetentionHours int `yaml:"retention_hours"`

	// WebhookAttempts bounds callback delivery retries.
	WebhookAttempts int `yaml:"webhook_attempts"`

	// PreAdmissionBudgetCheck rejects submissions for hard-over-budget
	// types at enqueue time instead of only blocking scale-up.
	PreAdmissionBudgetCheck bool `yaml:"pre_admission_budget_check"`

	Types map[types.JobType]*TypeConfig `yaml:"types"`
}

// Default returns a Config with sane defaults for every known job type.
func Default() *Config {
	cfg := &Config{
		ListenAddr:                "127.0.0.1:8080",
		MetricsAddr:               "127.0.0.1:9090",
		DataDir:                   "./hutch-data",
		RuntimeSocket:             "/run/containerd/containerd.sock",
		LogLevel:                  "info",
		SchedulerIntervalSeconds:  1,
		AutoscalerIntervalSeconds: 15,
		HealthIntervalSeconds:     10,
		HealthFailureThreshold:    3,
		RetentionHours:            24,
		WebhookAttempts:           5,
		Types:                     make(map[types.JobType]*TypeConfig),
	}

	for _, jt := range types.AllJobTypes {
		cfg.Types[jt] = defaultTypeConfig(jt)
	}

	return cfg
}

func defaultTypeConfig(jt types.JobType) *TypeConfig {
	return &TypeConfig{
		Image:                 fmt.Sprintf("hutch-worker-%s:latest", jt),
		MaxAttempts:           3,
		BackoffBaseSeconds:    2,
		BackoffCapSeconds:     300,
		SleepAfterSeconds:     60,
		MaxProcessingSeconds:  600,
		StartupTimeoutSeconds: 30,
		HourlyRate:            1.0,
		BudgetSoftLimit:       80.0,
		BudgetHardLimit:       100.0,
		Scaling: types.ScalingPolicy{
			MinReplicas:      0,
			MaxReplicas:      5,
			TargetCPUPct:     70,
			TargetMemPct:     75,
			TargetQueueDepth: 10,
			ScaleUpStep:      1,
			ScaleDownStep:    1,
			CooldownSeconds:  60,
		},
	}
}

// Load reads a YAML config file and merges it over the defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Types missing from the file still get defaults.
	for _, jt := range types.AllJobTypes {
		if cfg.Types[jt] == nil {
			cfg.Types[jt] = defaultTypeConfig(jt)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	for jt, tc := range c.Types {
		if !jt.Valid() {
			return fmt.Errorf("unknown job type in config: %s", jt)
		}
		if tc.MaxAttempts < 1 {
			return fmt.Errorf("%s: max_attempts must be >= 1", jt)
		}
		if tc.Scaling.MaxReplicas < tc.Scaling.MinReplicas {
			return fmt.Errorf("%s: max_replicas < min_replicas", jt)
		}
		if tc.BudgetHardLimit > 0 && tc.BudgetSoftLimit > tc.BudgetHardLimit {
			return fmt.Errorf("%s: budget_soft_limit > budget_hard_limit", jt)
		}
	}
	return nil
}

// Type returns the TypeConfig for jt, falling back to defaults for
// types absent from the map.
func (c *Config) Type(jt types.JobType) *TypeConfig {
	if tc, ok := c.Types[jt]; ok {
		return tc
	}
	return defaultTypeConfig(jt)
}

// Backoff returns the retry delay before attempt number attempts
// (1-based): base * 2^(attempts-1), capped.
func (tc *TypeConfig) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := time.Duration(tc.BackoffBaseSeconds) * time.Second
	cap := time.Duration(tc.BackoffCapSeconds) * time.Second
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if cap > 0 && d > cap {
		return cap
	}
	return d
}

// SleepAfter returns the idle timeout as a duration.
func (tc *TypeConfig) SleepAfter() time.Duration {
	return time.Duration(tc.SleepAfterSeconds) * time.Second
}

// MaxProcessing returns the processing deadline as a duration.
func (tc *TypeConfig) MaxProcessing() time.Duration {
	return time.Duration(tc.MaxProcessingSeconds) * time.Second
}

// StartupTimeout returns the instance startup deadline as a duration.
func (tc *TypeConfig) StartupTimeout() time.Duration {
	return time.Duration(tc.StartupTimeoutSeconds) * time.Second
}
