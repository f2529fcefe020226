// Package config loads server configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	DataDir        string        `mapstructure:"data_dir"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	LogLevel       string        `mapstructure:"log_level"`
	IdleEviction   time.Duration `mapstructure:"idle_eviction"`

	Model     ModelConfig     `mapstructure:"model"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
}

// ModelConfig configures the hosted model client.
type ModelConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	Name      string `mapstructure:"name"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

type SnapshotsConfig struct {
	Retention int `mapstructure:"retention"`
}

type RealtimeConfig struct {
	CdpTimeout      time.Duration `mapstructure:"cdp_timeout"`
	WatcherDebounce time.Duration `mapstructure:"watcher_debounce"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "127.0.0.1:8420")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("log_level", "info")
	v.SetDefault("idle_eviction", 5*time.Minute)
	v.SetDefault("model.base_url", "https://api.anthropic.com/v1")
	v.SetDefault("model.name", "claude-sonnet-4-20250514")
	v.SetDefault("model.max_tokens", 8192)
	v.SetDefault("snapshots.retention", 50)
	v.SetDefault("realtime.cdp_timeout", 10*time.Second)
	v.SetDefault("realtime.watcher_debounce", 100*time.Millisecond)
}

// Load reads loom-config.(yaml|json) from the working directory or $HOME,
// then applies LOOM_* environment overrides. A missing config file is not
// an error; defaults and environment carry the configuration.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("loom-config")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME")
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
