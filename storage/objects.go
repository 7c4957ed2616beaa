package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"nostr-mirror/pkg/mirror"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

const (
	cursorObject     = "state/cursor.json"
	replicatedPrefix = "replicated/"
	rateLimitPrefix  = "ratelimits/"
	accountPrefix    = "accounts/"
)

var errObjectNotExist = errors.New("storage: object doesn't exist")

// Objects stores progress as JSON objects in a Cloud Storage bucket or,
// when localPath is set, as files under a local directory.
type Objects struct {
	client    *storage.Client
	logger    *slog.Logger
	bucket    string
	prefix    string
	localPath string
}

// NewObjects creates an object store. Pass a nil client and a localPath for disk storage.
func NewObjects(client *storage.Client, bucket, prefix, localPath string, logger *slog.Logger) *Objects {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Objects{
		client:    client,
		logger:    logger,
		bucket:    bucket,
		prefix:    prefix,
		localPath: localPath,
	}
}

type cursorDoc struct {
	UpdatedAt time.Time `json:"updated_at"`
	StartDate string    `json:"start_date"`
}

type rateLimitDoc struct {
	Endpoint  string `json:"endpoint"`
	ResetAt   int64  `json:"reset_at"`
	UpdatedAt int64  `json:"updated_at"`
}

type accountDoc struct {
	CachedAt  time.Time `json:"cached_at"`
	Handle    string    `json:"handle"`
	AccountID string    `json:"account_id"`
}

// objectName validates that name is safe to embed in an object key.
func objectName(name string) (string, error) {
	if name == "" || len(name) > 128 {
		return "", fmt.Errorf("storage: invalid object name %q", name)
	}
	for _, c := range name {
		ok := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || c == '-'
		if !ok {
			return "", fmt.Errorf("storage: invalid object name %q", name)
		}
	}
	return name, nil
}

// Close releases the Cloud Storage client, if any.
func (o *Objects) Close() error {
	if o.client == nil {
		return nil
	}
	return o.client.Close()
}

// Cursor returns the stored cursor, if any.
func (o *Objects) Cursor(ctx context.Context) (time.Time, bool, error) {
	var doc cursorDoc
	if err := o.readJSON(ctx, cursorObject, &doc); err != nil {
		if errors.Is(err, errObjectNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("storage: load cursor: %w", err)
	}
	t, err := parseCursor(doc.StartDate)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// SetCursor stores t as the cursor.
func (o *Objects) SetCursor(ctx context.Context, t time.Time) error {
	doc := cursorDoc{StartDate: formatCursor(t), UpdatedAt: time.Now().UTC()}
	if err := o.writeJSON(ctx, cursorObject, doc, false); err != nil {
		return fmt.Errorf("storage: save cursor: %w", err)
	}
	return nil
}

// IsReplicated reports whether sourceID has been published.
func (o *Objects) IsReplicated(ctx context.Context, sourceID string) (bool, error) {
	name, err := objectName(sourceID)
	if err != nil {
		return false, err
	}
	var r mirror.Replication
	if err := o.readJSON(ctx, replicatedPrefix+name+".json", &r); err != nil {
		if errors.Is(err, errObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("storage: check replicated %s: %w", sourceID, err)
	}
	return true, nil
}

// MarkReplicated records r. Recording the same source ID twice keeps the first record.
func (o *Objects) MarkReplicated(ctx context.Context, r mirror.Replication) error {
	name, err := objectName(r.SourceID)
	if err != nil {
		return err
	}
	r.PublishedAt = r.PublishedAt.UTC()
	if err := o.writeJSON(ctx, replicatedPrefix+name+".json", r, true); err != nil {
		return fmt.Errorf("storage: mark replicated %s: %w", r.SourceID, err)
	}
	return nil
}

// RecentReplicated returns up to limit records, newest first.
func (o *Objects) RecentReplicated(ctx context.Context, limit int) ([]mirror.Replication, error) {
	keys, err := o.list(ctx, replicatedPrefix)
	if err != nil {
		return nil, fmt.Errorf("storage: list replicated: %w", err)
	}

	out := make([]mirror.Replication, 0, len(keys))
	for _, key := range keys {
		var r mirror.Replication
		if err := o.readJSON(ctx, key, &r); err != nil {
			o.logger.Warn("Failed to load replication record", "key", key, "error", err)
			continue
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.After(out[j].PublishedAt)
		}
		return out[i].SourceID > out[j].SourceID
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RateLimitReset returns the last recorded reset time for endpoint.
func (o *Objects) RateLimitReset(ctx context.Context, endpoint string) (int64, bool, error) {
	name, err := objectName(strings.ReplaceAll(endpoint, "/", "_"))
	if err != nil {
		return 0, false, err
	}
	var doc rateLimitDoc
	if err := o.readJSON(ctx, rateLimitPrefix+name+".json", &doc); err != nil {
		if errors.Is(err, errObjectNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("storage: load rate limit %s: %w", endpoint, err)
	}
	return doc.ResetAt, true, nil
}

// SetRateLimitReset overwrites the reset time for endpoint.
func (o *Objects) SetRateLimitReset(ctx context.Context, endpoint string, resetAt int64) error {
	name, err := objectName(strings.ReplaceAll(endpoint, "/", "_"))
	if err != nil {
		return err
	}
	doc := rateLimitDoc{Endpoint: endpoint, ResetAt: resetAt, UpdatedAt: time.Now().Unix()}
	if err := o.writeJSON(ctx, rateLimitPrefix+name+".json", doc, false); err != nil {
		return fmt.Errorf("storage: save rate limit %s: %w", endpoint, err)
	}
	return nil
}

// AccountID returns the cached account ID for handle.
func (o *Objects) AccountID(ctx context.Context, handle string) (string, bool, error) {
	name, err := objectName(normalizeHandle(handle))
	if err != nil {
		return "", false, err
	}
	var doc accountDoc
	if err := o.readJSON(ctx, accountPrefix+name+".json", &doc); err != nil {
		if errors.Is(err, errObjectNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("storage: load account %s: %w", handle, err)
	}
	return doc.AccountID, true, nil
}

// SetAccountID caches id for handle. The first mapping written wins.
func (o *Objects) SetAccountID(ctx context.Context, handle, id string) error {
	name, err := objectName(normalizeHandle(handle))
	if err != nil {
		return err
	}
	doc := accountDoc{Handle: name, AccountID: id, CachedAt: time.Now().UTC()}
	if err := o.writeJSON(ctx, accountPrefix+name+".json", doc, true); err != nil {
		return fmt.Errorf("storage: save account %s: %w", handle, err)
	}
	return nil
}

func (o *Objects) readJSON(ctx context.Context, key string, v any) error {
	data, err := o.read(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// writeJSON stores v at key. With createOnly set, an existing object is left untouched.
func (o *Objects) writeJSON(ctx context.Context, key string, v any, createOnly bool) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	// Local filesystem storage
	if o.localPath != "" {
		filePath := filepath.Join(o.localPath, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(filePath), 0o750); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		if createOnly {
			f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if os.IsExist(err) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("create in local storage: %w", err)
			}
			if _, err := f.Write(data); err != nil {
				_ = f.Close()
				return fmt.Errorf("write to local storage: %w", err)
			}
			return f.Close()
		}
		// Write then rename so readers never observe a partial file.
		tmp := filePath + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, filePath); err != nil {
			return fmt.Errorf("rename in local storage: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	objKey := o.prefix + key
	err = retry.Do(
		func() error {
			obj := o.client.Bucket(o.bucket).Object(objKey)
			if createOnly {
				obj = obj.If(storage.Conditions{DoesNotExist: true})
			}
			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					o.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if createOnly && isPreconditionFailed(closeErr) {
					return nil
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			o.logger.Info("Retrying save operation after error", "attempt", n, "key", objKey, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (o *Objects) read(ctx context.Context, key string) ([]byte, error) {
	// Local filesystem storage
	if o.localPath != "" {
		data, err := os.ReadFile(filepath.Join(o.localPath, filepath.FromSlash(key)))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errObjectNotExist
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	objKey := o.prefix + key
	var data []byte
	notFound := false
	err := retry.Do(
		func() error {
			r, openErr := o.client.Bucket(o.bucket).Object(objKey).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(openErr)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					o.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			o.logger.Info("Retrying load operation after error", "attempt", n, "key", objKey, "error", retryErr)
		}),
	)
	if notFound {
		return nil, errObjectNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// list returns the keys (relative to the store root) of JSON objects under prefix.
func (o *Objects) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	// Local filesystem storage
	if o.localPath != "" {
		entries, err := os.ReadDir(filepath.Join(o.localPath, filepath.FromSlash(prefix)))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, path.Join(prefix, entry.Name()))
		}
		return keys, nil
	}

	// Cloud Storage
	it := o.client.Bucket(o.bucket).Objects(ctx, &storage.Query{
		Prefix: o.prefix + prefix,
	})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if !strings.HasSuffix(attrs.Name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, o.prefix))
	}
	return keys, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
