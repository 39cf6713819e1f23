package config

import "github.com/spf13/viper"

// Default values for the engine. The running-branch cap matches observed
// production sizing; the stale threshold matches the administrative cleanup
// window.
const (
	DefaultServerPort           = 8470
	DefaultMaxRunningBranches   = 50
	DefaultActionTimeoutSeconds = 300
	DefaultReaperIntervalSecs   = 3600
	DefaultStaleAfterHours      = 24
	DefaultLogRetentionDays     = 90
)

// SetDefaults registers default configuration values on a Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "dirigent.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("engine.max_running_branches", DefaultMaxRunningBranches)
	v.SetDefault("engine.action_timeout_seconds", DefaultActionTimeoutSeconds)
	v.SetDefault("engine.reaper_interval_seconds", DefaultReaperIntervalSecs)
	v.SetDefault("engine.stale_after_hours", DefaultStaleAfterHours)
	v.SetDefault("engine.log_retention_days", DefaultLogRetentionDays)
}

// Default returns a Config populated with defaults only. Useful for tests
// and embedded wiring.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, _ := unmarshal(v)
	return cfg
}
