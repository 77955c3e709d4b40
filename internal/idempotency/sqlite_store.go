package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the single-host durable option: one file, survives restarts,
// no server to run.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    key TEXT PRIMARY KEY,
    status_code INTEGER NOT NULL,
    response BLOB NOT NULL,
    fingerprint TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL
)`

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s, err := newSQLiteStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create idempotency table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := s.db.QueryRowContext(ctx, `
SELECT status_code, response, fingerprint, created_at, expires_at
FROM idempotency_records
WHERE key = ?`, key).Scan(&rec.StatusCode, &rec.Response, &rec.Fingerprint, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Expired(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key string, record Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO idempotency_records (key, status_code, response, fingerprint, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET
    status_code = excluded.status_code,
    response = excluded.response,
    fingerprint = excluded.fingerprint,
    created_at = excluded.created_at,
    expires_at = excluded.expires_at`,
		key, record.StatusCode, record.Response, record.Fingerprint, record.CreatedAt, record.ExpiresAt)
	return err
}

func (s *SQLiteStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at < ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
