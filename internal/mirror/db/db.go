// Package db is the local mirror store of tabs and tasks.
//
// It is the only component that touches persisted state. Every mutation runs
// inside one SQLite transaction together with the hierarchy maintenance it
// triggers (depth derivation, completion cascade, subtree tombstones), so an
// operation either fully applies or leaves the mirror unchanged.
//
// Architecture:
//   - Database file: <data_dir>/mirror.db
//   - WAL mode: concurrent readers while the sync engine writes
//   - Tables: tabs, tasks, sync_metadata, sync_conflicts
//   - Writers are serialized in-process by a mutex and across processes by
//     BEGIN IMMEDIATE transactions with a busy timeout
//
// Identity: rows are keyed by client_id. The authority's integer id is stored
// alongside once known, and parent/tab references are kept in both forms so
// that either side can be resolved from the other (see relink).
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the SQLite connection of the mirror store.
type DB struct {
	conn  *sql.DB
	path  string
	ready atomic.Bool

	// writeMu serializes mutations so that no two transactions interleave.
	writeMu sync.Mutex

	now    func() time.Time
	logger *log.Logger
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates a database connection at the specified path.
//
// The store is not usable until InitSchema has been called; until then every
// operation fails with schema.ErrNotInitialized.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(filepath.Join(dataDir, "mirror.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	if err := store.InitSchema(); err != nil {
//	    return err
//	}
func Open(path string) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Connection-level pragmas must be in the DSN so every pooled
	// connection gets them.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return &DB{
		conn:   conn,
		path:   path,
		now:    time.Now,
		logger: log.New(os.Stderr, "[db] ", log.LstdFlags),
	}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// SetLogger replaces the logger used to report authority snapshots that do
// not fit the local hierarchy.
func (db *DB) SetLogger(l *log.Logger) {
	if l != nil {
		db.logger = l
	}
}

// SetClock replaces the time source used for timestamps and the "today"
// query. Intended for tests.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// today is the current local calendar date in schema.DateLayout.
func (db *DB) today() string {
	return db.now().Format(schema.DateLayout)
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	db.ready.Store(false)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist and marks the
// store ready. This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if db == nil || db.conn == nil {
		return schema.ErrNotInitialized
	}

	ddl := `
	CREATE TABLE IF NOT EXISTS tabs (
		client_id TEXT PRIMARY KEY,
		id INTEGER UNIQUE,
		name TEXT NOT NULL,
		order_index INTEGER NOT NULL DEFAULT 0,
		is_system INTEGER NOT NULL DEFAULT 0,
		tab_type TEXT NOT NULL DEFAULT 'custom',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		server_updated_at TEXT
	);

	CREATE TABLE IF NOT EXISTS tasks (
		client_id TEXT PRIMARY KEY,
		id INTEGER UNIQUE,
		tab_id INTEGER,
		tab_client_id TEXT,
		parent_task_id INTEGER,
		parent_client_id TEXT,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_completed INTEGER NOT NULL DEFAULT 0,
		completed_at TEXT,
		due_date TEXT,
		due_time TEXT,
		depth INTEGER NOT NULL DEFAULT 0 CHECK (depth BETWEEN 0 AND 2),
		order_index INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		server_updated_at TEXT
	);

	-- device_id, last_sync_at
	CREATE TABLE IF NOT EXISTS sync_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Last authority verdict for every entity currently in conflict
	CREATE TABLE IF NOT EXISTS sync_conflicts (
		entity_type TEXT NOT NULL,
		client_id TEXT NOT NULL,
		payload TEXT NOT NULL,  -- JSON ConflictData
		detected_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, client_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_tab_id ON tasks(tab_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_tab_client ON tasks(tab_client_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_task_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent_client ON tasks(parent_client_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_due_date ON tasks(due_date);
	CREATE INDEX IF NOT EXISTS idx_tasks_sync_status ON tasks(sync_status);
	CREATE INDEX IF NOT EXISTS idx_tabs_sync_status ON tabs(sync_status);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.ready.Store(true)
	return nil
}

// ensureReady fails with ErrNotInitialized before InitSchema or after Close.
func (db *DB) ensureReady() error {
	if db == nil || db.conn == nil || !db.ready.Load() {
		return schema.ErrNotInitialized
	}
	return nil
}

// withTx runs fn in a serialized write transaction.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := db.ensureReady(); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Stats summarizes the mirror for status displays.
type Stats struct {
	Tabs      int
	Tasks     int
	Completed int
	Deleted   int
	Pending   int
	Conflicts int
}

// GetStats counts rows by state.
func (db *DB) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := db.ensureReady(); err != nil {
		return s, err
	}

	query := `
	SELECT
		(SELECT COUNT(*) FROM tabs WHERE is_deleted = 0),
		(SELECT COUNT(*) FROM tasks WHERE is_deleted = 0),
		(SELECT COUNT(*) FROM tasks WHERE is_deleted = 0 AND is_completed = 1),
		(SELECT COUNT(*) FROM tasks WHERE is_deleted = 1) + (SELECT COUNT(*) FROM tabs WHERE is_deleted = 1),
		(SELECT COUNT(*) FROM tasks WHERE sync_status = 'pending') + (SELECT COUNT(*) FROM tabs WHERE sync_status = 'pending'),
		(SELECT COUNT(*) FROM tasks WHERE sync_status = 'conflict') + (SELECT COUNT(*) FROM tabs WHERE sync_status = 'conflict')
	`
	err := db.conn.QueryRowContext(ctx, query).Scan(
		&s.Tabs, &s.Tasks, &s.Completed, &s.Deleted, &s.Pending, &s.Conflicts,
	)
	if err != nil {
		return s, fmt.Errorf("failed to get stats: %w", err)
	}
	return s, nil
}

// Dump returns every tab and task, tombstones included.
func (db *DB) Dump(ctx context.Context) ([]*schema.Tab, []*schema.Task, error) {
	if err := db.ensureReady(); err != nil {
		return nil, nil, err
	}
	tabs, err := queryTabs(ctx, db.conn, `SELECT `+tabColumns+` FROM tabs ORDER BY order_index, created_at`)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := queryTasks(ctx, db.conn, `SELECT `+taskColumns+` FROM tasks ORDER BY depth, order_index, created_at`)
	if err != nil {
		return nil, nil, err
	}
	return tabs, tasks, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// formatTime renders t in the stored layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a stored timestamp, tolerating any RFC 3339 variant.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

// stringToNull stores empty strings as NULL.
func stringToNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func int64PtrToNull(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullToInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
