package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/opslattice/dirigent/errors"
)

// Load reads configuration from the default search paths using Viper.
// Precedence: defaults < config file < DIRIGENT_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("DIRIGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	v.SetConfigName("dirigent")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.dirigent")
	v.AddConfigPath("/etc/dirigent")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults + env apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.MaxRunningBranches <= 0 {
		return errors.Newf("engine.max_running_branches must be positive, got %d", c.Engine.MaxRunningBranches)
	}
	if c.Engine.ActionTimeoutSeconds <= 0 {
		return errors.Newf("engine.action_timeout_seconds must be positive, got %d", c.Engine.ActionTimeoutSeconds)
	}
	if c.Engine.StaleAfterHours <= 0 {
		return errors.Newf("engine.stale_after_hours must be positive, got %d", c.Engine.StaleAfterHours)
	}
	return nil
}
