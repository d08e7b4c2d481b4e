package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Storage is the durable store behind the identity and dedup caches and the
// report aggregator. All timestamps are stored as UTC unix integers.
type Storage struct {
	db           *sql.DB
	path         string
	writeMu      sync.Mutex
	queryTimeout time.Duration

	stmtFindWebsite    *sql.Stmt
	stmtHasFingerprint *sql.Stmt
	stmtHasRole        *sql.Stmt
}

// Options configures the Storage instance.
type Options struct {
	MaxConnections int
	QueryTimeout   time.Duration
}

// New creates a new Storage instance with default options.
// For custom options, use NewWithOptions.
func New(dbPath string) (*Storage, error) {
	return NewWithOptions(dbPath, Options{
		MaxConnections: 1,
		QueryTimeout:   30 * time.Second,
	})
}

// NewWithOptions creates a new Storage instance with the given options.
func NewWithOptions(dbPath string, opts Options) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=30000&_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, err
	}

	maxConns := opts.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	queryTimeout := opts.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}

	s := &Storage{
		db:           db,
		path:         dbPath,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

func (s *Storage) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS websites (
	id TEXT PRIMARY KEY,
	hostname TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_roles (
	user_id TEXT NOT NULL,
	website_id TEXT NOT NULL REFERENCES websites(id),
	role TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY(user_id, website_id, role)
);
CREATE INDEX IF NOT EXISTS idx_user_roles_website ON user_roles(website_id);

CREATE TABLE IF NOT EXISTS hourly_page_views (
	website_id TEXT NOT NULL,
	hour INTEGER NOT NULL,
	views INTEGER NOT NULL DEFAULT 0,
	unique_views INTEGER NOT NULL DEFAULT 0,
	referrers TEXT NOT NULL DEFAULT '{}',
	pages TEXT NOT NULL DEFAULT '{}',
	country_codes TEXT NOT NULL DEFAULT '{}',
	browsers TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY(website_id, hour)
);

CREATE TABLE IF NOT EXISTS user_hashes (
	website_id TEXT NOT NULL,
	hash TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY(website_id, hash)
);

CREATE TABLE IF NOT EXISTS user_durations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	website_id TEXT NOT NULL,
	user_hash TEXT NOT NULL,
	start_ms INTEGER NOT NULL,
	end_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_durations_visitor ON user_durations(website_id, user_hash, end_ms);
CREATE INDEX IF NOT EXISTS idx_user_durations_start ON user_durations(website_id, start_ms);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) prepareStatements() error {
	var err error

	s.stmtFindWebsite, err = s.db.Prepare(`SELECT id, hostname, created_at FROM websites WHERE hostname = ?`)
	if err != nil {
		return fmt.Errorf("prepare find website: %w", err)
	}

	s.stmtHasFingerprint, err = s.db.Prepare(`SELECT 1 FROM user_hashes WHERE website_id = ? AND hash = ?`)
	if err != nil {
		return fmt.Errorf("prepare has fingerprint: %w", err)
	}

	s.stmtHasRole, err = s.db.Prepare(`SELECT 1 FROM user_roles WHERE user_id = ? AND website_id = ? AND role = ?`)
	if err != nil {
		return fmt.Errorf("prepare has role: %w", err)
	}

	return nil
}

// Close closes the database connection and prepared statements.
func (s *Storage) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtFindWebsite, s.stmtHasFingerprint, s.stmtHasRole} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.path
}

// Ping verifies the database answers a query within the query timeout.
func (s *Storage) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&n); err != nil {
		return err
	}
	if n != 1 {
		return errors.New("unexpected ping result")
	}
	return nil
}

// withTx runs fn in a transaction under the write lock.
func (s *Storage) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
