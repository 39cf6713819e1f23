// Package config defines the dirigent configuration, constructed once at
// startup and passed by dependency injection. There is no process-wide
// mutable configuration singleton.
package config

import "time"

// Config represents the core dirigent configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the dirigent read API and event stream server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// EngineConfig configures the dispatch engine
type EngineConfig struct {
	// MaxRunningBranches caps concurrently running branches system-wide.
	// Additional branches queue FIFO until capacity frees.
	MaxRunningBranches int `mapstructure:"max_running_branches"`

	// ActionTimeoutSeconds is the per-action deadline applied when a job
	// action does not carry its own timeout.
	ActionTimeoutSeconds int `mapstructure:"action_timeout_seconds"`

	// ReaperIntervalSeconds is how often the stale-execution reaper sweeps.
	ReaperIntervalSeconds int `mapstructure:"reaper_interval_seconds"`

	// StaleAfterHours reclassifies executions stuck in running longer than
	// this as failed.
	StaleAfterHours int `mapstructure:"stale_after_hours"`

	// LogRetentionDays bounds growth of the execution_logs table.
	LogRetentionDays int `mapstructure:"log_retention_days"`
}

// ActionTimeout returns the default per-action deadline.
func (c EngineConfig) ActionTimeout() time.Duration {
	return time.Duration(c.ActionTimeoutSeconds) * time.Second
}

// ReaperInterval returns the sweep interval for the stale-execution reaper.
func (c EngineConfig) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSeconds) * time.Second
}

// StaleAfter returns the running-state age beyond which an execution is
// considered stale.
func (c EngineConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterHours) * time.Hour
}
