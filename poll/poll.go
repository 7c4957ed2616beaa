// Package poll runs replication cycles: fetch new source items, publish them
// as Nostr events and advance the progress cursor.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"nostr-mirror/nostr"
	"nostr-mirror/pkg/mirror"
	"nostr-mirror/source"
	"nostr-mirror/transform"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Cycle outcomes, also used as metric labels.
const (
	OutcomeFirstRun      = "first_run"
	OutcomeCompleted     = "completed"
	OutcomeRateLimited   = "rate_limited"
	OutcomeFetchFailed   = "fetch_failed"
	OutcomeStorageFailed = "storage_failed"
)

// Fetcher retrieves source items.
type Fetcher interface {
	ResolveAccount(ctx context.Context, handle string) (mirror.Account, error)
	FetchSince(ctx context.Context, account mirror.Account, since time.Time) ([]mirror.SourceItem, error)
}

// Builder turns content into a signed event.
type Builder interface {
	Build(c mirror.Content) (*nostr.Event, error)
}

// Publisher broadcasts an event to relays.
type Publisher interface {
	Publish(ctx context.Context, ev *nostr.Event, relays []string, timeout time.Duration) error
}

// Store interface for progress persistence.
type Store interface {
	Cursor(ctx context.Context) (time.Time, bool, error)
	SetCursor(ctx context.Context, t time.Time) error
	IsReplicated(ctx context.Context, sourceID string) (bool, error)
	MarkReplicated(ctx context.Context, r mirror.Replication) error
}

// Recorder receives cycle metrics.
type Recorder interface {
	CycleCompleted(outcome string)
	ItemPublished(d time.Duration)
	ItemFailed(d time.Duration)
	ItemSkipped()
	ItemAbandoned()
	RateLimited()
	CursorAdvanced(t time.Time)
}

// Config controls cycle behavior.
type Config struct {
	Handle           string
	Relays           []string
	Transform        transform.Options
	PublishTimeout   time.Duration
	HoldFailedFor    time.Duration // Failed items younger than this hold the cursor back; 0 disables
	MaxRateLimitWait time.Duration // Longest in-cycle wait for a rate-limit reset
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Cursor    time.Time
	ID        string
	Outcome   string
	Fetched   int
	Skipped   int
	Published int
	Failed    int
	Abandoned int
}

// Monitor handles replication cycles.
type Monitor struct {
	fetcher   Fetcher
	store     Store
	builder   Builder
	publisher Publisher
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	cfg       Config
}

// New creates a new poll monitor. A nil recorder disables metrics.
func New(cfg Config, fetcher Fetcher, store Store, builder Builder, publisher Publisher, recorder Recorder, logger *slog.Logger) *Monitor {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Monitor{
		fetcher:   fetcher,
		store:     store,
		builder:   builder,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
		sleep:     sleep,
		cfg:       cfg,
	}
}

// Initialize sets the cursor to now if none exists, so that only items
// created after the first start are ever replicated. It returns the cursor.
func (m *Monitor) Initialize(ctx context.Context) (time.Time, error) {
	cursor, ok, err := m.store.Cursor(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("load cursor: %w", err)
	}
	if ok {
		m.logger.Info("Monitoring source since cursor", "handle", m.cfg.Handle, "cursor", cursor.Format(time.RFC3339Nano))
		return cursor, nil
	}

	now := m.now()
	if err := m.store.SetCursor(ctx, now); err != nil {
		return time.Time{}, fmt.Errorf("initialize cursor: %w", err)
	}
	m.logger.Info("First run, cursor initialized", "event", "first_run", "cursor", now.Format(time.RFC3339Nano))
	m.recorder.CursorAdvanced(now)
	return now, nil
}

// RunCycle performs one replication cycle. Per-item publish failures are
// isolated and reported in the result; fetch and storage failures abort the
// cycle and are returned.
func (m *Monitor) RunCycle(ctx context.Context) (*CycleResult, error) {
	res := &CycleResult{ID: uuid.NewString()}
	logger := m.logger.With("cycle_id", res.ID)
	start := time.Now()

	cursor, ok, err := m.store.Cursor(ctx)
	if err != nil {
		return res, m.abort(logger, res, OutcomeStorageFailed, fmt.Errorf("load cursor: %w", err))
	}
	if !ok {
		now := m.now()
		if err := m.store.SetCursor(ctx, now); err != nil {
			return res, m.abort(logger, res, OutcomeStorageFailed, fmt.Errorf("initialize cursor: %w", err))
		}
		res.Cursor = now
		res.Outcome = OutcomeFirstRun
		logger.Info("First run, cursor initialized", "event", "first_run", "cursor", now.Format(time.RFC3339Nano))
		m.recorder.CursorAdvanced(now)
		m.recorder.CycleCompleted(OutcomeFirstRun)
		return res, nil
	}
	res.Cursor = cursor

	items, err := m.fetch(ctx, logger, cursor)
	if errors.Is(err, errRateLimitDeferred) {
		res.Outcome = OutcomeRateLimited
		m.recorder.CycleCompleted(OutcomeRateLimited)
		return res, nil
	}
	if err != nil {
		logger.Error("Fetch failed", "event", "fetch_failed", "error", err)
		m.recorder.CycleCompleted(OutcomeFetchFailed)
		res.Outcome = OutcomeFetchFailed
		return res, fmt.Errorf("fetch: %w", err)
	}
	res.Fetched = len(items)

	if len(items) == 0 {
		res.Outcome = OutcomeCompleted
		logger.Info("No new items", "event", "cycle_completed", "cursor", cursor.Format(time.RFC3339Nano), "duration_ms", time.Since(start).Milliseconds())
		m.recorder.CycleCompleted(OutcomeCompleted)
		return res, nil
	}

	pending := make([]mirror.SourceItem, 0, len(items))
	for _, item := range items {
		done, err := m.store.IsReplicated(ctx, item.ID)
		if err != nil {
			return res, m.abort(logger, res, OutcomeStorageFailed, fmt.Errorf("check replicated: %w", err))
		}
		if done {
			res.Skipped++
			logger.Info("Item already replicated, skipping", "event", "item_skipped", "source_id", item.ID)
			m.recorder.ItemSkipped()
			continue
		}
		pending = append(pending, item)
	}

	if len(pending) == 0 {
		res.Outcome = OutcomeCompleted
		logger.Info("All items already replicated", "event", "cycle_completed",
			"skipped", res.Skipped,
			"cursor", cursor.Format(time.RFC3339Nano),
			"duration_ms", time.Since(start).Milliseconds())
		m.recorder.CycleCompleted(OutcomeCompleted)
		return res, nil
	}

	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return lessID(a.ID, b.ID)
	})

	// holdBack is the oldest recent failure; the cursor must not pass it.
	var holdBack time.Time
	cycleStart := m.now()

	for i, item := range pending {
		if err := ctx.Err(); err != nil {
			logger.Info("Context cancelled, stopping cycle", "error", err)
			return res, err
		}

		eventID, err := m.replicate(ctx, logger, item)
		if err != nil {
			res.Failed++
			if m.cfg.HoldFailedFor > 0 && item.CreatedAt.After(cycleStart.Add(-m.cfg.HoldFailedFor)) {
				if holdBack.IsZero() || item.CreatedAt.Before(holdBack) {
					holdBack = item.CreatedAt
				}
				logger.Warn("Item failed, will retry next cycle", "event", "item_failed", "source_id", item.ID, "error", err)
				continue
			}
			res.Abandoned++
			m.recorder.ItemAbandoned()
			logger.Error("Item failed and abandoned", "event", "item_abandoned", "source_id", item.ID, "created_at", item.CreatedAt.Format(time.RFC3339), "error", err)
			continue
		}

		rec := mirror.Replication{
			SourceID:    item.ID,
			Permalink:   item.Permalink,
			EventID:     eventID,
			PublishedAt: m.now(),
		}
		if err := m.store.MarkReplicated(ctx, rec); err != nil {
			return res, m.abort(logger, res, OutcomeStorageFailed, fmt.Errorf("mark replicated: %w", err))
		}
		res.Published++
		logger.Info("Item published", "event", "item_published", "source_id", item.ID, "event_id", eventID, "permalink", item.Permalink)

		// Items not yet attempted must stay reachable if the cycle stops here.
		var next time.Time
		if i+1 < len(pending) {
			next = pending[i+1].CreatedAt
		}
		if err := m.advanceCursor(ctx, logger, res, holdBack, next); err != nil {
			return res, m.abort(logger, res, OutcomeStorageFailed, err)
		}
	}

	if err := m.advanceCursor(ctx, logger, res, holdBack, time.Time{}); err != nil {
		return res, m.abort(logger, res, OutcomeStorageFailed, err)
	}

	res.Outcome = OutcomeCompleted
	logger.Info("Cycle completed",
		"event", "cycle_completed",
		"fetched", res.Fetched,
		"skipped", res.Skipped,
		"published", res.Published,
		"failed", res.Failed,
		"abandoned", res.Abandoned,
		"cursor", res.Cursor.Format(time.RFC3339Nano),
		"duration_ms", time.Since(start).Milliseconds())
	m.recorder.CycleCompleted(OutcomeCompleted)
	return res, nil
}

var errRateLimitDeferred = errors.New("rate limit reset beyond wait bound")

// fetch resolves the account and fetches items since cursor. A rate limit
// whose reset falls within MaxRateLimitWait is waited out and retried once.
func (m *Monitor) fetch(ctx context.Context, logger *slog.Logger, cursor time.Time) ([]mirror.SourceItem, error) {
	items, err := m.fetchOnce(ctx, cursor)
	var rl *source.RateLimitedError
	if !errors.As(err, &rl) {
		return items, err
	}

	m.recorder.RateLimited()
	wait := rl.ResetAt.Sub(m.now())
	logger.Warn("Rate limited by source",
		"event", "rate_limited",
		"endpoint", rl.Endpoint,
		"reset_at", rl.ResetAt,
		"wait_seconds", int64(wait.Seconds()))

	if rl.ResetAt.IsZero() || wait > m.cfg.MaxRateLimitWait {
		logger.Warn("Rate limit reset too far away, deferring to next cycle", "max_wait", m.cfg.MaxRateLimitWait.String())
		return nil, errRateLimitDeferred
	}
	if wait > 0 {
		if err := m.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	items, err = m.fetchOnce(ctx, cursor)
	if source.IsRateLimited(err) {
		m.recorder.RateLimited()
		logger.Warn("Still rate limited after waiting, deferring to next cycle", "event", "rate_limited", "error", err)
		return nil, errRateLimitDeferred
	}
	return items, err
}

func (m *Monitor) fetchOnce(ctx context.Context, cursor time.Time) ([]mirror.SourceItem, error) {
	account, err := m.fetcher.ResolveAccount(ctx, m.cfg.Handle)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	return m.fetcher.FetchSince(ctx, account, cursor)
}

func (m *Monitor) replicate(ctx context.Context, logger *slog.Logger, item mirror.SourceItem) (string, error) {
	content := transform.Transform(item, m.cfg.Transform)
	ev, err := m.builder.Build(content)
	if err != nil {
		return "", err
	}

	logger.Debug("Publishing event", "source_id", item.ID, "event_id", ev.ID, "tags", len(ev.Tags), "relays", len(m.cfg.Relays))
	start := time.Now()
	err = m.publisher.Publish(ctx, ev, m.cfg.Relays, m.cfg.PublishTimeout)
	duration := time.Since(start)
	if err != nil {
		m.recorder.ItemFailed(duration)
		return "", fmt.Errorf("publish: %w", err)
	}
	m.recorder.ItemPublished(duration)
	return ev.ID, nil
}

// advanceCursor moves the cursor to now, or to the earliest of holdBack and
// next when either is set and earlier. The cursor never moves backwards.
func (m *Monitor) advanceCursor(ctx context.Context, logger *slog.Logger, res *CycleResult, holdBack, next time.Time) error {
	target := m.now()
	for _, limit := range []time.Time{holdBack, next} {
		if !limit.IsZero() && limit.Before(target) {
			target = limit
		}
	}
	if !target.After(res.Cursor) {
		return nil
	}

	if err := m.store.SetCursor(ctx, target); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	logger.Info("Cursor advanced",
		"event", "cursor_advanced",
		"from", res.Cursor.Format(time.RFC3339Nano),
		"to", target.Format(time.RFC3339Nano),
		"held_back", !holdBack.IsZero())
	res.Cursor = target
	m.recorder.CursorAdvanced(target)
	return nil
}

func (m *Monitor) abort(logger *slog.Logger, res *CycleResult, outcome string, err error) error {
	res.Outcome = outcome
	logger.Error("Cycle aborted", "event", outcome, "error", err)
	m.recorder.CycleCompleted(outcome)
	return err
}

// lessID orders numeric IDs numerically and everything else lexically.
func lessID(a, b string) bool {
	if isDigits(a) && isDigits(b) && len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopRecorder struct{}

func (nopRecorder) CycleCompleted(string)       {}
func (nopRecorder) ItemPublished(time.Duration) {}
func (nopRecorder) ItemFailed(time.Duration)    {}
func (nopRecorder) ItemSkipped()                {}
func (nopRecorder) ItemAbandoned()              {}
func (nopRecorder) RateLimited()                {}
func (nopRecorder) CursorAdvanced(time.Time)    {}
