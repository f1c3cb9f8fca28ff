package pooled

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{Name: "test"}
	SetDefaults(cfg)

	assert.Equal(t, 32, cfg.InitialSegmentCount)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 1024, cfg.InboxCapacity)
	assert.Equal(t, 5*time.Second, cfg.ClaimExtensionThreshold)
	assert.Equal(t, 1024, cfg.EventsPerPass)
	assert.Equal(t, 500*time.Millisecond, cfg.IdleDelay)
	assert.Equal(t, time.Second, cfg.ErrorBackoff)
	assert.Equal(t, 5, cfg.ErrorThreshold)
	assert.Equal(t, runtime.GOMAXPROCS(0), cfg.WorkerPoolSize)
}

func TestSetDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := &Config{Name: "test", InitialSegmentCount: 4, BatchSize: 10}
	SetDefaults(cfg)

	assert.Equal(t, 4, cfg.InitialSegmentCount)
	assert.Equal(t, 10, cfg.BatchSize)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty name", mutate: func(c *Config) { c.Name = "" }},
		{name: "negative segments", mutate: func(c *Config) { c.InitialSegmentCount = -1 }},
		{name: "non-power-of-two segments", mutate: func(c *Config) { c.InitialSegmentCount = 6 }},
		{name: "negative batch size", mutate: func(c *Config) { c.BatchSize = -1 }},
		{name: "negative inbox capacity", mutate: func(c *Config) { c.InboxCapacity = -1 }},
		{name: "negative claim threshold", mutate: func(c *Config) { c.ClaimExtensionThreshold = -time.Second }},
		{name: "negative events per pass", mutate: func(c *Config) { c.EventsPerPass = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Name: "test"}
			SetDefaults(cfg)
			tt.mutate(cfg)

			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	t.Run("valid after defaults", func(t *testing.T) {
		cfg := &Config{Name: "test"}
		SetDefaults(cfg)
		require.NoError(t, cfg.Validate())
	})
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pooled.yaml")
	content := `
name: projections
initialSegmentCount: 8
batchSize: 50
claimExtensionThreshold: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "projections", cfg.Name)
	assert.Equal(t, 8, cfg.InitialSegmentCount)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.ClaimExtensionThreshold)

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("name: [unclosed"), 0o600))
		_, err := LoadConfig(bad)
		require.Error(t, err)
	})
}
