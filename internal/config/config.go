// Package config loads server and replica settings.
//
// Settings come from a YAML file with GOODIES_* environment overrides,
// resolved through viper. LoadLocal bypasses viper and reads the file
// directly, for callers that need a setting before viper is initialized.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable for the server and client binaries. Fields
// irrelevant to one side are ignored by the other.
type Config struct {
	// Server
	ListenAddr string `yaml:"listen-addr" mapstructure:"listen-addr"`

	// Shared
	DatabasePath string `yaml:"database-path" mapstructure:"database-path"`
	NodeID       string `yaml:"node-id" mapstructure:"node-id"`
	UserID       string `yaml:"user-id" mapstructure:"user-id"`
	LogFile      string `yaml:"log-file" mapstructure:"log-file"`

	// Client replica
	ServerURL    string        `yaml:"server-url" mapstructure:"server-url"`
	SyncInterval time.Duration `yaml:"sync-interval" mapstructure:"sync-interval"`

	// Conflict resolution
	TiebreakWindow time.Duration `yaml:"tiebreak-window" mapstructure:"tiebreak-window"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		ListenAddr:     "127.0.0.1:8080",
		DatabasePath:   "goodies.db",
		UserID:         defaultUser(),
		ServerURL:      "http://127.0.0.1:8080",
		SyncInterval:   30 * time.Second,
		TiebreakWindow: time.Second,
	}
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

// Load reads path (optional) and applies GOODIES_* environment overrides.
// A missing file is not an error; env and defaults still apply. Keys map to
// env as GOODIES_LISTEN_ADDR, GOODIES_DATABASE_PATH and so on.
func Load(path string) (*Config, error) {
	v := viper.New()
	def := Default()
	v.SetDefault("listen-addr", def.ListenAddr)
	v.SetDefault("database-path", def.DatabasePath)
	v.SetDefault("node-id", def.NodeID)
	v.SetDefault("user-id", def.UserID)
	v.SetDefault("log-file", def.LogFile)
	v.SetDefault("server-url", def.ServerURL)
	v.SetDefault("sync-interval", def.SyncInterval)
	v.SetDefault("tiebreak-window", def.TiebreakWindow)

	v.SetEnvPrefix("GOODIES")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, fmt.Errorf("reading config %s: %w", path, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the binaries cannot start with.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database-path must not be empty")
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("sync-interval must not be negative")
	}
	if c.TiebreakWindow < 0 {
		return fmt.Errorf("tiebreak-window must not be negative")
	}
	return nil
}
