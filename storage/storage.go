// Package storage persists replication progress: the cursor, the replicated
// set, rate-limit windows and cached account identities.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"nostr-mirror/pkg/mirror"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ErrUnsupportedURL is returned by Open for an unknown storage scheme.
var ErrUnsupportedURL = errors.New("unsupported storage url")

// Store is the full persistence surface used by the service.
type Store interface {
	Cursor(ctx context.Context) (time.Time, bool, error)
	SetCursor(ctx context.Context, t time.Time) error

	IsReplicated(ctx context.Context, sourceID string) (bool, error)
	MarkReplicated(ctx context.Context, r mirror.Replication) error
	RecentReplicated(ctx context.Context, limit int) ([]mirror.Replication, error)

	RateLimitReset(ctx context.Context, endpoint string) (int64, bool, error)
	SetRateLimitReset(ctx context.Context, endpoint string, resetAt int64) error

	AccountID(ctx context.Context, handle string) (string, bool, error)
	SetAccountID(ctx context.Context, handle, id string) error

	Close() error
}

// Options carries settings that only some backends need.
type Options struct {
	CredentialsJSON string // Explicit GCS credentials; ambient credentials are used when empty
}

// Open selects a backend from rawURL:
//
//	sqlite:<path>            embedded SQLite database
//	postgres://...           PostgreSQL
//	gs://bucket[/prefix]     Google Cloud Storage objects
//	file://<dir>             JSON objects on local disk
func Open(ctx context.Context, rawURL string, opts Options, logger *slog.Logger) (Store, error) {
	switch {
	case strings.HasPrefix(rawURL, "sqlite:"):
		path := strings.TrimPrefix(strings.TrimPrefix(rawURL, "sqlite:"), "//")
		return NewSQLite(ctx, path, logger)

	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		return NewPostgres(ctx, rawURL, logger)

	case strings.HasPrefix(rawURL, "gs://"):
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(rawURL, "gs://"), "/")
		if bucket == "" {
			return nil, fmt.Errorf("%w: missing bucket in %q", ErrUnsupportedURL, rawURL)
		}
		var clientOpts []option.ClientOption
		if opts.CredentialsJSON != "" {
			clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(opts.CredentialsJSON)))
		}
		client, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		return NewObjects(client, bucket, prefix, "", logger), nil

	case strings.HasPrefix(rawURL, "file://"):
		dir := strings.TrimPrefix(rawURL, "file://")
		if dir == "" {
			return nil, fmt.Errorf("%w: missing directory in %q", ErrUnsupportedURL, rawURL)
		}
		return NewObjects(nil, "", "", dir, logger), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, rawURL)
}

func formatCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseCursor(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: corrupt cursor %q: %w", s, err)
	}
	return t, nil
}

func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(handle, "@"))
}
