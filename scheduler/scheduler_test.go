package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"nostr-mirror/poll"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (r *blockingRunner) RunCycle(ctx context.Context) (*poll.CycleResult, error) {
	r.calls.Add(1)
	r.started <- struct{}{}
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &poll.CycleResult{ID: "c", Outcome: poll.OutcomeCompleted}, nil
}

func TestGuardRejectsOverlap(t *testing.T) {
	r := &blockingRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	g := NewGuard(r, testLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := g.Run(context.Background()); err != nil {
			t.Errorf("first Run: %v", err)
		}
	}()
	<-r.started

	if _, err := g.Run(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("overlapping Run() error = %v, want ErrCycleInProgress", err)
	}

	close(r.release)
	wg.Wait()

	// Free again once the first cycle finished.
	res, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run after release: %v", err)
	}
	if res.Outcome != poll.OutcomeCompleted {
		t.Errorf("Outcome = %q", res.Outcome)
	}
	if got := r.calls.Load(); got != 2 {
		t.Errorf("runner called %d times, want 2", got)
	}
}

type countingRunner struct {
	calls chan struct{}
}

func (r *countingRunner) RunCycle(context.Context) (*poll.CycleResult, error) {
	select {
	case r.calls <- struct{}{}:
	default:
	}
	return &poll.CycleResult{ID: "c", Outcome: poll.OutcomeCompleted}, nil
}

func TestCronRunsImmediately(t *testing.T) {
	r := &countingRunner{calls: make(chan struct{}, 1)}
	c, err := NewCron("*/10 * * * *", NewGuard(r, testLogger()), testLogger())
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-r.calls:
	case <-time.After(5 * time.Second):
		t.Fatal("no cycle ran at startup")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewCronRejectsBadSchedule(t *testing.T) {
	if _, err := NewCron("every ten minutes", NewGuard(&countingRunner{calls: make(chan struct{}, 1)}, testLogger()), testLogger()); err == nil {
		t.Error("NewCron accepted an invalid schedule")
	}
}
