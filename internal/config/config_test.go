package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Equal(t, "goodies.db", cfg.DatabasePath)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, time.Second, cfg.TiebreakWindow)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"listen-addr: 0.0.0.0:9000\ndatabase-path: /tmp/house.db\nsync-interval: 5s\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, "/tmp/house.db", cfg.DatabasePath)
	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	// Unset keys keep their defaults.
	assert.Equal(t, time.Second, cfg.TiebreakWindow)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().ListenAddr, cfg.ListenAddr)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node-id: from-file\n"), 0o644))
	t.Setenv("GOODIES_NODE_ID", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.NodeID)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.DatabasePath = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SyncInterval = -time.Second
	assert.Error(t, cfg.Validate())
}

func TestLoadLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database-path: replica.db\n"), 0o644))

	cfg := LoadLocal(path)
	require.NotNil(t, cfg)
	assert.Equal(t, "replica.db", cfg.DatabasePath)

	assert.Nil(t, LoadLocal(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestLocalDatabasePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database-path: replica.db\n"), 0o644))
	assert.Equal(t, "replica.db", LocalDatabasePath(path))

	t.Setenv("GOODIES_DATABASE_PATH", "/env/override.db")
	assert.Equal(t, "/env/override.db", LocalDatabasePath(path))
}
