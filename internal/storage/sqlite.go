package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// SQLite persists keys in a single table of a SQLite database.
// Several processes may open the same file; WAL mode and a busy timeout keep
// concurrent single-key writes safe.
type SQLite struct {
	sqlDB    *sql.DB
	capacity int
}

// Compile-time check to ensure SQLite implements Backend
var _ Backend = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string, opts ...Option) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	o := applyOptions(opts)
	return &SQLite{sqlDB: sqlDB, capacity: o.capacity}, nil
}

// Close closes the SQLite handle.
func (s *SQLite) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Get returns the value for key.
func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var value string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", classifySQLiteError(err)
	}
	return value, nil
}

// Set upserts value under key inside a transaction that also enforces the
// configured capacity.
func (s *SQLite) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.capacity > 0 {
		var used int
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(length(CAST(key AS BLOB)) + length(CAST(value AS BLOB))), 0) FROM kv WHERE key != ?`,
			key,
		).Scan(&used)
		if err != nil {
			return classifySQLiteError(err)
		}
		if used+dataSize(key, value) > s.capacity {
			return fmt.Errorf("%w: %d of %d bytes in use", ErrQuotaExceeded, used, s.capacity)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return classifySQLiteError(err)
	}

	if err := tx.Commit(); err != nil {
		return classifySQLiteError(err)
	}
	return nil
}

// Remove deletes key.
func (s *SQLite) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return classifySQLiteError(err)
	}
	return nil
}

// Keys returns the stored keys in sorted order.
func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, classifySQLiteError(err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError(err)
	}
	return keys, nil
}

// classifySQLiteError maps SQLite result codes onto the storage error taxonomy.
func classifySQLiteError(err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		// Extended result codes carry the primary code in the low byte.
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_FULL:
			return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
		case sqlite3lib.SQLITE_READONLY, sqlite3lib.SQLITE_CANTOPEN, sqlite3lib.SQLITE_PERM,
			sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED, sqlite3lib.SQLITE_IOERR:
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	return err
}
