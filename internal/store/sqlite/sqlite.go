// Package sqlite is the reference Store Port implementation, backed by
// modernc.org/sqlite (pure Go, no cgo): a thin *sql.DB wrapper, an
// inline schema applied with CREATE TABLE IF NOT EXISTS, and a migrate
// step for columns added after a database already exists in the wild.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/antigravity-dev/dustengine/internal/store"
)

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS datasets (
	project_id TEXT NOT NULL,
	dataset_id TEXT NOT NULL,
	hash TEXT NOT NULL,
	records TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (project_id, dataset_id, hash)
);
CREATE INDEX IF NOT EXISTS idx_datasets_latest ON datasets(project_id, dataset_id, created_at);

CREATE TABLE IF NOT EXISTS specifications (
	project_id TEXT NOT NULL,
	hash TEXT NOT NULL,
	source TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (project_id, hash)
);
CREATE INDEX IF NOT EXISTS idx_specifications_latest ON specifications(project_id, created_at);

CREATE TABLE IF NOT EXISTS runs (
	project_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	run_type TEXT NOT NULL,
	app_hash TEXT NOT NULL,
	config TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	status_reason TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (project_id, run_id)
);
CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, created_at);

CREATE TABLE IF NOT EXISTS run_blocks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	block_idx INTEGER NOT NULL,
	block_type TEXT NOT NULL,
	name TEXT NOT NULL,
	iteration INTEGER NOT NULL DEFAULT 0,
	cells TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_run_blocks_run ON run_blocks(project_id, run_id, id);

CREATE TABLE IF NOT EXISTS cache_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	hash TEXT NOT NULL,
	request TEXT NOT NULL,
	response TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_cache_lookup ON cache_entries(project_id, kind, hash, id DESC);
`

// Open creates (if needed) and connects to the sqlite database at
// dbPath, applying the schema and any pending migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store/sqlite: create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store/sqlite: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// migrate applies incremental schema migrations for databases created
// before a column existed. Empty today; the hook is kept because every
// prior column added to this schema's tables will need one.
func migrate(db *sql.DB) error {
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}
