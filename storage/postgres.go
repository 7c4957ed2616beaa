package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"nostr-mirror/pkg/mirror"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS app_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS replicated_posts (
	source_id    TEXT PRIMARY KEY,
	permalink    TEXT NOT NULL,
	event_id     TEXT NOT NULL,
	published_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS replicated_posts_published_at ON replicated_posts (published_at);
CREATE TABLE IF NOT EXISTS rate_limits (
	endpoint   TEXT PRIMARY KEY,
	reset_at   BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS source_accounts (
	handle     TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	cached_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Postgres stores progress in PostgreSQL.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects to dsn and applies the schema.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}

	logger.Info("Postgres store ready", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Cursor returns the stored cursor, if any.
func (p *Postgres) Cursor(ctx context.Context) (time.Time, bool, error) {
	var v string
	err := p.pool.QueryRow(ctx, `SELECT value FROM app_state WHERE key = $1`, mirror.CursorKey).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (p *Postgres) SetCursor(ctx context.Context, t time.Time) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO app_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		mirror.CursorKey, formatCursor(t))
	if err != nil {
		return fmt.Errorf("storage: save cursor: %w", err)
	}
	return nil
}

// IsReplicated reports whether sourceID has been published.
func (p *Postgres) IsReplicated(ctx context.Context, sourceID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM replicated_posts WHERE source_id = $1)`, sourceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check replicated %s: %w", sourceID, err)
	}
	return exists, nil
}

// MarkReplicated records r. Recording the same source ID twice keeps the first record.
func (p *Postgres) MarkReplicated(ctx context.Context, r mirror.Replication) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO replicated_posts (source_id, permalink, event_id, published_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_id) DO NOTHING`,
		r.SourceID, r.Permalink, r.EventID, r.PublishedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage: mark replicated %s: %w", r.SourceID, err)
	}
	return nil
}

// RecentReplicated returns up to limit records, newest first.
func (p *Postgres) RecentReplicated(ctx context.Context, limit int) ([]mirror.Replication, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT source_id, permalink, event_id, published_at FROM replicated_posts
		ORDER BY published_at DESC, source_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list replicated: %w", err)
	}
	defer rows.Close()

	var out []mirror.Replication
	for rows.Next() {
		var r mirror.Replication
		if err := rows.Scan(&r.SourceID, &r.Permalink, &r.EventID, &r.PublishedAt); err != nil {
			return nil, fmt.Errorf("storage: scan replicated: %w", err)
		}
		r.PublishedAt = r.PublishedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list replicated: %w", err)
	}
	return out, nil
}

// RateLimitReset returns the last recorded reset time for endpoint.
func (p *Postgres) RateLimitReset(ctx context.Context, endpoint string) (int64, bool, error) {
	var resetAt int64
	err := p.pool.QueryRow(ctx, `SELECT reset_at FROM rate_limits WHERE endpoint = $1`, endpoint).Scan(&resetAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: load rate limit %s: %w", endpoint, err)
	}
	return resetAt, true, nil
}

// SetRateLimitReset overwrites the reset time for endpoint.
func (p *Postgres) SetRateLimitReset(ctx context.Context, endpoint string, resetAt int64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO rate_limits (endpoint, reset_at) VALUES ($1, $2)
		ON CONFLICT (endpoint) DO UPDATE SET reset_at = EXCLUDED.reset_at, updated_at = now()`,
		endpoint, resetAt)
	if err != nil {
		return fmt.Errorf("storage: save rate limit %s: %w", endpoint, err)
	}
	return nil
}

// AccountID returns the cached account ID for handle.
func (p *Postgres) AccountID(ctx context.Context, handle string) (string, bool, error) {
	var id string
	err := p.pool.QueryRow(ctx, `SELECT account_id FROM source_accounts WHERE handle = $1`, normalizeHandle(handle)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: load account %s: %w", handle, err)
	}
	return id, true, nil
}

// SetAccountID caches id for handle. The first mapping written wins.
func (p *Postgres) SetAccountID(ctx context.Context, handle, id string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO source_accounts (handle, account_id) VALUES ($1, $2)
		ON CONFLICT (handle) DO NOTHING`,
		normalizeHandle(handle), id)
	if err != nil {
		return fmt.Errorf("storage: save account %s: %w", handle, err)
	}
	return nil
}
