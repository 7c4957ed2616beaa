// Package scheduler triggers replication cycles and keeps them from overlapping.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"nostr-mirror/poll"
	"sync"
)

// ErrCycleInProgress is returned when a trigger arrives while a cycle runs.
var ErrCycleInProgress = errors.New("cycle already in progress")

// Runner runs one replication cycle.
type Runner interface {
	RunCycle(ctx context.Context) (*poll.CycleResult, error)
}

// Guard allows at most one cycle at a time across all triggers.
type Guard struct {
	runner Runner
	logger *slog.Logger
	mu     sync.Mutex
}

// NewGuard wraps runner.
func NewGuard(runner Runner, logger *slog.Logger) *Guard {
	return &Guard{runner: runner, logger: logger}
}

// Run starts a cycle, or returns ErrCycleInProgress without waiting if one is
// already running.
func (g *Guard) Run(ctx context.Context) (*poll.CycleResult, error) {
	if !g.mu.TryLock() {
		g.logger.Info("Cycle already running, trigger ignored")
		return nil, ErrCycleInProgress
	}
	defer g.mu.Unlock()
	return g.runner.RunCycle(ctx)
}
