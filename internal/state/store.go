// Package state persists the worker's claimed tasks and per-session
// transfer inventories in a local SQLite database. The database is a cache:
// everything in it can be rebuilt from the coordinator and a rescan of the
// raw path, so schema mismatches are resolved by deleting the file.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"emworker/internal/config"
	"emworker/internal/inventory"
)

const schemaVersion = 1

// ErrSchemaMismatch indicates the database was written by an incompatible
// version. Delete the database file to recover.
var ErrSchemaMismatch = errors.New("state schema version mismatch")

const schemaSQL = `
CREATE TABLE schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE claimed_tasks (
    task_id     INTEGER PRIMARY KEY,
    task_name   TEXT NOT NULL,
    session_id  INTEGER NOT NULL DEFAULT 0,
    args_json   TEXT NOT NULL DEFAULT '{}',
    claimed_at  TEXT NOT NULL
);

CREATE TABLE transfer_files (
    session_id  INTEGER NOT NULL,
    path        TEXT NOT NULL,
    size        INTEGER NOT NULL,
    mtime_unix  INTEGER NOT NULL,
    PRIMARY KEY (session_id, path)
);
`

// Store manages worker state persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// Open initializes or connects to the worker state database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := cfg.StatePath()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Healthy pings the database.
func (s *Store) Healthy(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ClaimedTask is one task this worker has claimed and not yet reported done.
type ClaimedTask struct {
	ID        int64
	Name      string
	SessionID int64
	Args      map[string]json.RawMessage
	ClaimedAt time.Time
}

// SaveTask records a claimed task, replacing any previous record for the
// same id.
func (s *Store) SaveTask(ctx context.Context, task ClaimedTask) error {
	argsJSON, err := json.Marshal(task.Args)
	if err != nil {
		return fmt.Errorf("marshal task args: %w", err)
	}
	claimedAt := task.ClaimedAt
	if claimedAt.IsZero() {
		claimedAt = time.Now().UTC()
	}
	err = s.execWithRetry(ctx,
		`INSERT INTO claimed_tasks (task_id, task_name, session_id, args_json, claimed_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(task_id) DO UPDATE SET
             task_name = excluded.task_name,
             session_id = excluded.session_id,
             args_json = excluded.args_json`,
		task.ID, task.Name, task.SessionID, string(argsJSON),
		claimedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save task %d: %w", task.ID, err)
	}
	return nil
}

// DeleteTask removes a task record once the task is done.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	if err := s.execWithRetry(ctx, `DELETE FROM claimed_tasks WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	return nil
}

// Tasks returns every claimed task, oldest first.
func (s *Store) Tasks(ctx context.Context) ([]ClaimedTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, task_name, session_id, args_json, claimed_at
         FROM claimed_tasks ORDER BY claimed_at, task_id`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ClaimedTask
	for rows.Next() {
		var (
			task      ClaimedTask
			argsJSON  string
			claimedAt string
		)
		if err := rows.Scan(&task.ID, &task.Name, &task.SessionID, &argsJSON, &claimedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(argsJSON), &task.Args); err != nil {
			return nil, fmt.Errorf("decode args for task %d: %w", task.ID, err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, claimedAt); err == nil {
			task.ClaimedAt = ts
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// AddInventoryEntries appends newly handled files to a session's transfer
// inventory. Already-present paths are left untouched, matching the
// inventory's idempotent registration.
func (s *Store) AddInventoryEntries(ctx context.Context, sessionID int64, records []inventory.Record) error {
	if len(records) == 0 {
		return nil
	}
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin inventory tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO transfer_files (session_id, path, size, mtime_unix)
             VALUES (?, ?, ?, ?)
             ON CONFLICT(session_id, path) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare inventory insert: %w", err)
		}
		defer stmt.Close()

		for _, record := range records {
			if _, err := stmt.ExecContext(ctx, sessionID, record.Path, record.Size, record.ModTime.Unix()); err != nil {
				return fmt.Errorf("insert inventory entry: %w", err)
			}
		}
		return tx.Commit()
	})
}

// LoadInventory returns every recorded file for a session.
func (s *Store) LoadInventory(ctx context.Context, sessionID int64) ([]inventory.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, size, mtime_unix FROM transfer_files WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	defer rows.Close()

	var records []inventory.Record
	for rows.Next() {
		var (
			record inventory.Record
			mtime  int64
		)
		if err := rows.Scan(&record.Path, &record.Size, &mtime); err != nil {
			return nil, fmt.Errorf("scan inventory entry: %w", err)
		}
		record.ModTime = time.Unix(mtime, 0)
		records = append(records, record)
	}
	return records, rows.Err()
}

// ClearInventory drops a session's transfer inventory, typically after the
// transfer task reports done.
func (s *Store) ClearInventory(ctx context.Context, sessionID int64) error {
	if err := s.execWithRetry(ctx, `DELETE FROM transfer_files WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear inventory for session %d: %w", sessionID, err)
	}
	return nil
}
