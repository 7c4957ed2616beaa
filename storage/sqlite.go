package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"nostr-mirror/pkg/mirror"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS app_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS replicated_posts (
	source_id    TEXT PRIMARY KEY,
	permalink    TEXT NOT NULL,
	event_id     TEXT NOT NULL,
	published_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS replicated_posts_published_at ON replicated_posts (published_at);
CREATE TABLE IF NOT EXISTS rate_limits (
	endpoint   TEXT PRIMARY KEY,
	reset_at   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS source_accounts (
	handle     TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	cached_at  INTEGER NOT NULL
);`

// SQLite stores progress in an embedded database file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (creating if needed) the database at path and applies the schema.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps SQLite free of lock contention and lets :memory: work.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	logger.Info("SQLite store ready", "path", path)
	return &SQLite{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Cursor returns the stored cursor, if any.
func (s *SQLite) Cursor(ctx context.Context) (time.Time, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, mirror.CursorKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("storage: load cursor: %w", err)
	}
	t, err := parseCursor(v)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// SetCursor stores t as the cursor.
func (s *SQLite) SetCursor(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		mirror.CursorKey, formatCursor(t), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("storage: save cursor: %w", err)
	}
	return nil
}

// IsReplicated reports whether sourceID has been published.
func (s *SQLite) IsReplicated(ctx context.Context, sourceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM replicated_posts WHERE source_id = ?`, sourceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: check replicated %s: %w", sourceID, err)
	}
	return true, nil
}

// MarkReplicated records r. Recording the same source ID twice keeps the first record.
func (s *SQLite) MarkReplicated(ctx context.Context, r mirror.Replication) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replicated_posts (source_id, permalink, event_id, published_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (source_id) DO NOTHING`,
		r.SourceID, r.Permalink, r.EventID, r.PublishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("storage: mark replicated %s: %w", r.SourceID, err)
	}
	return nil
}

// RecentReplicated returns up to limit records, newest first.
func (s *SQLite) RecentReplicated(ctx context.Context, limit int) ([]mirror.Replication, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, permalink, event_id, published_at FROM replicated_posts
		ORDER BY published_at DESC, source_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list replicated: %w", err)
	}
	defer rows.Close()

	var out []mirror.Replication
	for rows.Next() {
		var r mirror.Replication
		var publishedAt int64
		if err := rows.Scan(&r.SourceID, &r.Permalink, &r.EventID, &publishedAt); err != nil {
			return nil, fmt.Errorf("storage: scan replicated: %w", err)
		}
		r.PublishedAt = time.UnixMilli(publishedAt).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list replicated: %w", err)
	}
	return out, nil
}

// RateLimitReset returns the last recorded reset time for endpoint.
func (s *SQLite) RateLimitReset(ctx context.Context, endpoint string) (int64, bool, error) {
	var resetAt int64
	err := s.db.QueryRowContext(ctx, `SELECT reset_at FROM rate_limits WHERE endpoint = ?`, endpoint).Scan(&resetAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: load rate limit %s: %w", endpoint, err)
	}
	return resetAt, true, nil
}

// SetRateLimitReset overwrites the reset time for endpoint.
func (s *SQLite) SetRateLimitReset(ctx context.Context, endpoint string, resetAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limits (endpoint, reset_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (endpoint) DO UPDATE SET reset_at = excluded.reset_at, updated_at = excluded.updated_at`,
		endpoint, resetAt, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("storage: save rate limit %s: %w", endpoint, err)
	}
	return nil
}

// AccountID returns the cached account ID for handle.
func (s *SQLite) AccountID(ctx context.Context, handle string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT account_id FROM source_accounts WHERE handle = ?`, normalizeHandle(handle)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: load account %s: %w", handle, err)
	}
	return id, true, nil
}

// SetAccountID caches id for handle. The first mapping written wins.
func (s *SQLite) SetAccountID(ctx context.Context, handle, id string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_accounts (handle, account_id, cached_at) VALUES (?, ?, ?)
		ON CONFLICT (handle) DO NOTHING`,
		normalizeHandle(handle), id, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("storage: save account %s: %w", handle, err)
	}
	return nil
}
