// Package ledger persists scheduled remote deletions so uploads are never
// orphaned by a crash. Every entry is written before the daemon considers a
// job finished, and a background janitor replays due entries until the
// remote confirms the files are gone.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema
// changes; the database is small enough that users can delete it.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by a different
// version of the daemon.
var ErrSchemaMismatch = errors.New("ledger schema version mismatch")

// Entry is one scheduled remote deletion.
type Entry struct {
	ID         int64
	RemoteRef  string
	Label      string
	UploadedAt time.Time
	ExpiresAt  time.Time
	Attempts   int
	Stuck      bool
	LastError  string
}

// Store manages cleanup persistence backed by SQLite.
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

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// Open initializes or connects to the cleanup database.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("ledger requires a database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
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

	store := &Store{db: db, path: path}
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
	err = s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to reset)",
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

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

const entryColumns = "id, remote_ref, label, uploaded_at, expires_at, attempts, stuck, last_error"

// Add records a scheduled deletion. The write must land on disk before the
// caller reports the job complete; a duplicate remote_ref refreshes the
// expiry instead of failing, which makes retried jobs idempotent.
func (s *Store) Add(ctx context.Context, entry Entry) (*Entry, error) {
	if entry.RemoteRef == "" {
		return nil, errors.New("entry requires a remote ref")
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO cleanup_entries (remote_ref, label, uploaded_at, expires_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT(remote_ref) DO UPDATE SET
             uploaded_at = excluded.uploaded_at,
             expires_at = excluded.expires_at,
             attempts = 0,
             stuck = 0,
             last_error = NULL`,
		entry.RemoteRef,
		entry.Label,
		entry.UploadedAt.UTC().Format(time.RFC3339Nano),
		entry.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert cleanup entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches an entry by identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM cleanup_entries WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cleanup entry: %w", err)
	}
	return entry, nil
}

// GetByRemoteRef fetches an entry by its remote reference.
func (s *Store) GetByRemoteRef(ctx context.Context, remoteRef string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM cleanup_entries WHERE remote_ref = ?`, remoteRef)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cleanup entry: %w", err)
	}
	return entry, nil
}

// List returns all entries ordered by expiry, soonest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM cleanup_entries ORDER BY expires_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list cleanup entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// Due returns non-stuck entries whose expiry is at or before now.
func (s *Store) Due(ctx context.Context, now time.Time) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM cleanup_entries
         WHERE stuck = 0 AND expires_at <= ?
         ORDER BY expires_at, id`,
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query due entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// Remove deletes an entry once the remote deletion succeeded.
func (s *Store) Remove(ctx context.Context, id int64) error {
	if _, err := s.execWithRetry(ctx, `DELETE FROM cleanup_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove cleanup entry: %w", err)
	}
	return nil
}

// RecordFailure increments the attempt counter and marks the entry stuck
// once maxAttempts is reached. It reports whether the entry is now stuck.
func (s *Store) RecordFailure(ctx context.Context, id int64, maxAttempts int, cause string) (bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if _, err := s.execWithRetry(ctx,
		`UPDATE cleanup_entries
         SET attempts = attempts + 1,
             last_error = ?,
             stuck = CASE WHEN attempts + 1 >= ? THEN 1 ELSE 0 END
         WHERE id = ?`,
		cause, maxAttempts, id,
	); err != nil {
		return false, fmt.Errorf("record cleanup failure: %w", err)
	}
	var stuck int
	if err := s.db.QueryRowContext(ctx,
		`SELECT stuck FROM cleanup_entries WHERE id = ?`, id).Scan(&stuck); err != nil {
		return false, fmt.Errorf("read stuck flag: %w", err)
	}
	return stuck == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry      Entry
		uploadedAt string
		expiresAt  string
		stuck      int
		lastError  sql.NullString
	)
	if err := row.Scan(
		&entry.ID,
		&entry.RemoteRef,
		&entry.Label,
		&uploadedAt,
		&expiresAt,
		&entry.Attempts,
		&stuck,
		&lastError,
	); err != nil {
		return nil, err
	}
	var err error
	if entry.UploadedAt, err = time.Parse(time.RFC3339Nano, uploadedAt); err != nil {
		return nil, fmt.Errorf("parse uploaded_at: %w", err)
	}
	if entry.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	entry.Stuck = stuck == 1
	entry.LastError = lastError.String
	return &entry, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cleanup entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cleanup entries: %w", err)
	}
	return entries, nil
}
