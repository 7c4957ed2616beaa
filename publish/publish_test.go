package publish

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"nostr-mirror/nostr"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type behavior int

const (
	ack behavior = iota
	reject
	hang
	dialFail
	dialFailOnce
)

type fakeDialer struct {
	behaviors map[string]behavior
	mu        sync.Mutex
	dials     map[string]int
	open      atomic.Int32
}

func newFakeDialer(b map[string]behavior) *fakeDialer {
	return &fakeDialer{behaviors: b, dials: make(map[string]int)}
}

func (f *fakeDialer) Dial(_ context.Context, relay string) (Conn, error) {
	f.mu.Lock()
	f.dials[relay]++
	n := f.dials[relay]
	f.mu.Unlock()

	switch f.behaviors[relay] {
	case dialFail:
		return nil, errors.New("connection refused")
	case dialFailOnce:
		if n == 1 {
			return nil, errors.New("connection reset")
		}
	}
	f.open.Add(1)
	return &fakeConn{d: f, relay: relay, b: f.behaviors[relay]}, nil
}

type fakeConn struct {
	d      *fakeDialer
	relay  string
	b      behavior
	closed atomic.Bool
}

func (c *fakeConn) Publish(ctx context.Context, _ *nostr.Event) error {
	switch c.b {
	case reject:
		return &RejectedError{Relay: c.relay, Message: "blocked: test"}
	case hang:
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (c *fakeConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.d.open.Add(-1)
	}
	return nil
}

func testEvent(t *testing.T) *nostr.Event {
	t.Helper()
	key, err := nostr.ParsePrivateKey("67dea2ed018072d675f5415ecfaed7d2597555e202d85b3d65ea4e58d2d92ffa")
	if err != nil {
		t.Fatal(err)
	}
	ev := &nostr.Event{CreatedAt: 1700000000, Kind: nostr.KindTextNote, Tags: [][]string{}, Content: "hello"}
	if err := ev.Sign(key); err != nil {
		t.Fatal(err)
	}
	return ev
}

func newTestPublisher(d Dialer) *Publisher {
	p := New(d, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.dialDelay = time.Millisecond
	return p
}

func TestPublish(t *testing.T) {
	tests := []struct {
		name      string
		behaviors map[string]behavior
		timeout   time.Duration
		wantErr   error
	}{
		{
			name:      "single relay acks",
			behaviors: map[string]behavior{"wss://a": ack},
			timeout:   time.Second,
		},
		{
			name:      "one of three acks while others hang",
			behaviors: map[string]behavior{"wss://a": hang, "wss://b": ack, "wss://c": hang},
			timeout:   5 * time.Second,
		},
		{
			name:      "one acks after others fail",
			behaviors: map[string]behavior{"wss://a": reject, "wss://b": dialFail, "wss://c": ack},
			timeout:   time.Second,
		},
		{
			name:      "dial retried",
			behaviors: map[string]behavior{"wss://a": dialFailOnce},
			timeout:   time.Second,
		},
		{
			name:      "all reject",
			behaviors: map[string]behavior{"wss://a": reject, "wss://b": reject},
			timeout:   time.Second,
			wantErr:   ErrPublishFailed,
		},
		{
			name:      "all unreachable",
			behaviors: map[string]behavior{"wss://a": dialFail, "wss://b": dialFail},
			timeout:   time.Second,
			wantErr:   ErrPublishFailed,
		},
		{
			name:      "none acknowledge in time",
			behaviors: map[string]behavior{"wss://a": hang, "wss://b": hang, "wss://c": reject},
			timeout:   50 * time.Millisecond,
			wantErr:   ErrPublishTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDialer(tt.behaviors)
			p := newTestPublisher(d)
			var relays []string
			for r := range tt.behaviors {
				relays = append(relays, r)
			}

			start := time.Now()
			err := p.Publish(context.Background(), testEvent(t), relays, tt.timeout)
			elapsed := time.Since(start)

			if tt.wantErr == nil && err != nil {
				t.Fatalf("Publish() unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Publish() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && elapsed > tt.timeout/2 {
				t.Errorf("Publish() took %v; first ack should return promptly", elapsed)
			}
			if n := d.open.Load(); n != 0 {
				t.Errorf("%d connections left open", n)
			}
		})
	}
}

func TestPublishRejectionCause(t *testing.T) {
	p := newTestPublisher(newFakeDialer(map[string]behavior{"wss://a": reject}))
	err := p.Publish(context.Background(), testEvent(t), []string{"wss://a"}, time.Second)

	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("error = %v, want joined RejectedError", err)
	}
	if rejected.Relay != "wss://a" {
		t.Errorf("Relay = %q", rejected.Relay)
	}
}

func TestPublishNoRelays(t *testing.T) {
	p := newTestPublisher(newFakeDialer(nil))
	if err := p.Publish(context.Background(), testEvent(t), nil, time.Second); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish() with no relays = %v, want ErrPublishFailed", err)
	}
}

func TestPublishParentCancelled(t *testing.T) {
	p := newTestPublisher(newFakeDialer(map[string]behavior{"wss://a": hang}))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := p.Publish(ctx, testEvent(t), []string{"wss://a"}, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Publish() = %v, want context.Canceled", err)
	}
}

func TestMockDialer(t *testing.T) {
	p := newTestPublisher(NewMockDialer(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := p.Publish(context.Background(), testEvent(t), []string{"wss://relay.damus.io", "wss://nos.lol"}, time.Second); err != nil {
		t.Errorf("mock publish failed: %v", err)
	}
}
