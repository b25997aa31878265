package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to the patternmesh SQLite database.
// All mutations are funneled through a single writer goroutine (see
// writer.go); reads may run concurrently against the same connection pool.
type DB struct {
	*sql.DB
	Path string

	writer *writer

	// Per-signature locks for knowledge read-modify-write cycles and
	// coarse locks for the session and collective singletons. The four
	// logical tables are never locked against each other.
	sigLocks     keyedMutex
	sessionMu    sync.Mutex
	collectiveMu sync.Mutex

	// Failure counters, surfaced through Stats().
	duplicatePatterns atomic.Uint64
	droppedPatterns   atomic.Uint64
	quarantinedRows   atomic.Uint64
	persistRetries    atomic.Uint64
}

// DefaultDBPath returns the default database path: ~/.patternmesh/mesh.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".patternmesh", "mesh.db"), nil
}

// Open opens (or creates) the SQLite database at the given path,
// configures pragmas, runs migrations, and starts the writer goroutine.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return finishOpen(sqlDB, path)
}

// OpenMemory opens an in-memory SQLite database for testing.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	// A shared in-memory database must not be accessed from more than
	// one connection.
	sqlDB.SetMaxOpenConns(1)
	return finishOpen(sqlDB, ":memory:")
}

func finishOpen(sqlDB *sql.DB, path string) (*DB, error) {
	db := &DB{DB: sqlDB, Path: path}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db.writer = newWriter(db)
	return db, nil
}

// Close drains the writer goroutine and closes the underlying connection.
func (db *DB) Close() error {
	if db.writer != nil {
		db.writer.stop()
	}
	return db.DB.Close()
}

func (db *DB) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// Stats reports store-level failure counters.
type Stats struct {
	DuplicatePatterns uint64 `json:"duplicate_patterns"`
	DroppedPatterns   uint64 `json:"dropped_patterns"`
	QuarantinedRows   uint64 `json:"quarantined_rows"`
	PersistRetries    uint64 `json:"persist_retries"`
}

// Stats returns a snapshot of the store's counters.
func (db *DB) Stats() Stats {
	return Stats{
		DuplicatePatterns: db.duplicatePatterns.Load(),
		DroppedPatterns:   db.droppedPatterns.Load(),
		QuarantinedRows:   db.quarantinedRows.Load(),
		PersistRetries:    db.persistRetries.Load(),
	}
}

// keyedMutex provides one mutex per string key. Used for per-signature
// serialization of knowledge read-modify-write cycles.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) *sync.Mutex {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m
}
