package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, DefaultMaxRunningBranches, cfg.Engine.MaxRunningBranches)
	assert.Equal(t, 5*time.Minute, cfg.Engine.ActionTimeout())
	assert.Equal(t, time.Hour, cfg.Engine.ReaperInterval())
	assert.Equal(t, 24*time.Hour, cfg.Engine.StaleAfter())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dirigent.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
path = "/var/lib/dirigent/dirigent.db"

[server]
port = 9000

[engine]
max_running_branches = 10
stale_after_hours = 6
`), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/dirigent/dirigent.db", cfg.Database.Path)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Engine.MaxRunningBranches)
	assert.Equal(t, 6*time.Hour, cfg.Engine.StaleAfter())

	// Unset keys keep their defaults.
	assert.Equal(t, DefaultActionTimeoutSeconds, cfg.Engine.ActionTimeoutSeconds)
}

func TestLoadFromMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidateRejectsNonPositiveLimits(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero branch cap", func(c *Config) { c.Engine.MaxRunningBranches = 0 }},
		{"negative branch cap", func(c *Config) { c.Engine.MaxRunningBranches = -1 }},
		{"zero action timeout", func(c *Config) { c.Engine.ActionTimeoutSeconds = 0 }},
		{"zero stale threshold", func(c *Config) { c.Engine.StaleAfterHours = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
