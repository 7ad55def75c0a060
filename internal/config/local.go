package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// LoadLocal reads the config file directly, bypassing viper. Returns nil
// when the file is missing or unreadable; callers treat that as "use
// defaults". Useful before viper is initialized, e.g. when resolving the
// database path for the lock file.
func LoadLocal(path string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil
	}
	return &cfg
}

// LocalDatabasePath resolves the database path from the config file with
// the GOODIES_DATABASE_PATH override, without touching viper.
func LocalDatabasePath(configPath string) string {
	if env := os.Getenv("GOODIES_DATABASE_PATH"); env != "" {
		return env
	}
	if cfg := LoadLocal(configPath); cfg != nil && cfg.DatabasePath != "" {
		return cfg.DatabasePath
	}
	return Default().DatabasePath
}
