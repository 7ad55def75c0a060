// Package sqlite implements the storage interface using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	// Import SQLite driver
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/adrianco/the-goodies/internal/storage"
)

// Verify Store implements storage.Store at compile time
var _ storage.Store = (*Store)(nil)

// Store implements the storage interface using SQLite
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

// setupWASMCache configures WASM compilation caching to reduce SQLite
// startup time. go-sqlite3 JIT-compiles its WASM build on first use
// (~200ms); a filesystem cache drops subsequent opens to ~20ms. Falls back
// to an in-memory cache if the cache directory cannot be created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "goodies", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// New creates a new SQLite storage backend at path. Use ":memory:" for an
// in-memory database (tests, ephemeral replicas).
func New(ctx context.Context, path string) (*Store, error) {
	// Build connection string with proper URI syntax.
	// For :memory: databases, use shared cache so multiple connections see
	// the same data. WAL does not work with shared in-memory databases.
	var connStr string
	switch {
	case path == ":memory:":
		connStr = "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
		}
	default:
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// In-memory databases are isolated per connection by default; force a
	// single connection so every caller sees the same data.
	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	if isInMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports 1 writer + N readers; bound the pool so write-lock
		// contention doesn't pile up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if !isInMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	absPath := path
	if path != ":memory:" {
		if absPath, err = filepath.Abs(path); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
	}

	return &Store{db: db, dbPath: absPath}, nil
}

// Path returns the absolute path of the database file.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection. Safe to call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// UnderlyingDB exposes the raw handle for diagnostics.
func (s *Store) UnderlyingDB() *sql.DB {
	return s.db
}
