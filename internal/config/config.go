// Package config loads spec.md §6's configuration table through
// github.com/spf13/viper, layering POSFORGE_* environment variables over
// a YAML file and built-in defaults — grounded on 1170300606-obrs/cmd's
// cobra+viper wiring, the one example in the pack that configures a node
// process this way.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AccountState is one entry of the initial_state table.
type AccountState struct {
	Balance float64 `mapstructure:"balance"`
	Stake   float64 `mapstructure:"stake"`
}

// Config is the fully-resolved node/relay configuration.
type Config struct {
	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Sync struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"sync"`

	Step struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"step"`

	Vote struct {
		Enabled   bool          `mapstructure:"enabled"`
		Timeout   time.Duration `mapstructure:"timeout"`
		Threshold float64       `mapstructure:"threshold"`
	} `mapstructure:"vote"`

	InitialState map[string]AccountState `mapstructure:"initial_state"`
}

// Load sets defaults, reads the YAML file at path if it exists, binds
// POSFORGE_* environment variables, and unmarshals into a Config. v is
// caller-owned so tests can pass a fresh viper.New() instance.
func Load(path string, v *viper.Viper) (*Config, error) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9000)
	v.SetDefault("sync.timeout", 5*time.Second)
	v.SetDefault("step.interval", 2*time.Second)
	v.SetDefault("vote.enabled", false)
	v.SetDefault("vote.timeout", 3*time.Second)
	v.SetDefault("vote.threshold", 0.5)

	v.SetEnvPrefix("POSFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
