// Package publish broadcasts signed events to Nostr relays.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"nostr-mirror/nostr"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/gorilla/websocket"
)

var (
	// ErrPublishTimeout means no relay acknowledged the event before the deadline.
	ErrPublishTimeout = errors.New("publish timed out")
	// ErrPublishFailed means every relay failed or none were configured.
	ErrPublishFailed = errors.New("publish failed on every relay")
)

// RejectedError is a negative acknowledgment from a relay.
type RejectedError struct {
	Relay   string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("relay %s rejected event: %s", e.Relay, e.Message)
}

// Conn is a connection to one relay. It is used for a single publish and then closed.
type Conn interface {
	// Publish sends ev and blocks until the relay acknowledges it.
	Publish(ctx context.Context, ev *nostr.Event) error
	Close() error
}

// Dialer opens relay connections.
type Dialer interface {
	Dial(ctx context.Context, relayURL string) (Conn, error)
}

// Publisher fans an event out to relays and succeeds on the first acknowledgment.
type Publisher struct {
	dialer       Dialer
	logger       *slog.Logger
	dialAttempts uint
	dialDelay    time.Duration
}

// New creates a publisher using dialer for every relay connection.
func New(dialer Dialer, logger *slog.Logger) *Publisher {
	return &Publisher{
		dialer:       dialer,
		logger:       logger,
		dialAttempts: 2,
		dialDelay:    500 * time.Millisecond,
	}
}

type result struct {
	err   error
	relay string
}

// Publish sends ev to every relay concurrently. It returns nil as soon as one
// relay accepts the event, ErrPublishTimeout if none do within timeout, and
// ErrPublishFailed (joined with each relay's cause) if all of them fail.
// All connections are closed before Publish returns.
func (p *Publisher) Publish(ctx context.Context, ev *nostr.Event, relays []string, timeout time.Duration) error {
	if len(relays) == 0 {
		return fmt.Errorf("%w: no relays configured", ErrPublishFailed)
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan result, len(relays))
	var wg sync.WaitGroup
	for _, relay := range relays {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- result{relay: relay, err: p.publishOne(pctx, relay, ev)}
		}()
	}
	defer wg.Wait()

	start := time.Now()
	var errs []error
	for range relays {
		var r result
		select {
		case r = <-results:
		case <-pctx.Done():
			return p.deadlineErr(ctx, ev, timeout, errs)
		}

		if r.err == nil {
			p.logger.Info("Event accepted by relay",
				"event_id", ev.ID,
				"relay", r.relay,
				"duration_ms", time.Since(start).Milliseconds())
			cancel()
			return nil
		}
		p.logger.Warn("Relay publish failed", "event_id", ev.ID, "relay", r.relay, "error", r.err)
		errs = append(errs, fmt.Errorf("%s: %w", r.relay, r.err))
	}

	if pctx.Err() != nil {
		return p.deadlineErr(ctx, ev, timeout, errs)
	}
	return fmt.Errorf("%w: %w", ErrPublishFailed, errors.Join(errs...))
}

func (p *Publisher) deadlineErr(parent context.Context, ev *nostr.Event, timeout time.Duration, errs []error) error {
	if err := parent.Err(); err != nil {
		return err
	}
	p.logger.Warn("No relay acknowledged event in time", "event_id", ev.ID, "timeout", timeout.String(), "failed_relays", len(errs))
	if len(errs) == 0 {
		return fmt.Errorf("%w after %s", ErrPublishTimeout, timeout)
	}
	return fmt.Errorf("%w after %s: %w", ErrPublishTimeout, timeout, errors.Join(errs...))
}

func (p *Publisher) publishOne(ctx context.Context, relay string, ev *nostr.Event) error {
	conn, err := p.dial(ctx, relay)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			p.logger.Debug("Failed to close relay connection", "relay", relay, "error", closeErr)
		}
	}()

	return conn.Publish(ctx, ev)
}

func (p *Publisher) dial(ctx context.Context, relay string) (Conn, error) {
	var conn Conn
	var lastErr error
	err := retry.Do(
		func() error {
			c, err := p.dialer.Dial(ctx, relay)
			if err != nil {
				lastErr = err
				return err
			}
			conn = c
			return nil
		},
		retry.Attempts(p.dialAttempts),
		retry.Delay(p.dialDelay),
		retry.MaxDelay(2*time.Second),
		retry.MaxJitter(p.dialDelay),
		retry.Context(ctx),
		// Handshake rejections are final.
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, websocket.ErrBadHandshake)
		}),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Debug("Retrying relay dial", "relay", relay, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if lastErr != nil {
			return nil, fmt.Errorf("dial: %w", lastErr)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}
