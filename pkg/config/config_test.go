package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenlabs/hutch/pkg/types"
)

func TestDefaultCoversAllJobTypes(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	for _, jt := range types.AllJobTypes {
		tc := cfg.Type(jt)
		require.NotNil(t, tc)
		assert.NotEmpty(t, tc.Image)
		assert.GreaterOrEqual(t, tc.MaxAttempts, 1)
	}
}

func TestBackoff(t *testing.T) {
	tc := &TypeConfig{BackoffBaseSeconds: 2, BackoffCapSeconds: 300}

	tests := []struct {
		name     string
		attempts int
		expected time.Duration
	}{
		{"first retry", 1, 2 * time.Second},
		{"second retry doubles", 2, 4 * time.Second},
		{"third retry doubles again", 3, 8 * time.Second},
		{"deep retry hits the cap", 10, 300 * time.Second},
		{"zero attempts treated as one", 0, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tc.Backoff(tt.attempts))
		})
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
listen_addr: "0.0.0.0:9999"
types:
  video:
    max_attempts: 7
    hourly_rate: 2.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9999", cfg.ListenAddr)
	assert.Equal(t, 7, cfg.Type(types.JobTypeVideo).MaxAttempts)
	assert.Equal(t, 2.5, cfg.Type(types.JobTypeVideo).HourlyRate)

	// Types absent from the file keep their defaults.
	assert.Equal(t, 3, cfg.Type(types.JobTypeDocument).MaxAttempts)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().ListenAddr, cfg.ListenAddr)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			"max_replicas below min_replicas",
			func(c *Config) {
				c.Types[types.JobTypeVideo].Scaling.MinReplicas = 5
				c.Types[types.JobTypeVideo].Scaling.MaxReplicas = 2
			},
		},
		{
			"soft limit above hard limit",
			func(c *Config) {
				c.Types[types.JobTypeMedia].BudgetSoftLimit = 200
				c.Types[types.JobTypeMedia].BudgetHardLimit = 100
			},
		},
		{
			"zero max_attempts",
			func(c *Config) {
				c.Types[types.JobTypeCodeExec].MaxAttempts = 0
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
