package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Cron runs guarded cycles on a cron schedule, starting with one immediately.
type Cron struct {
	scheduler gocron.Scheduler
	guard     *Guard
	logger    *slog.Logger
	expr      string
	ctx       context.Context // Set by Run before the scheduler starts
}

// NewCron validates expr and registers the replication job.
func NewCron(expr string, guard *Guard, logger *slog.Logger) (*Cron, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	c := &Cron{scheduler: s, guard: guard, logger: logger, expr: expr, ctx: context.Background()}
	if _, err := s.NewJob(
		gocron.CronJob(expr, false),
		gocron.NewTask(c.tick),
		gocron.WithName("replicate"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		if shutdownErr := s.Shutdown(); shutdownErr != nil {
			logger.Warn("Failed to shut down scheduler", "error", shutdownErr)
		}
		return nil, fmt.Errorf("schedule %q: %w", expr, err)
	}
	return c, nil
}

// Run starts the scheduler and blocks until ctx is done.
func (c *Cron) Run(ctx context.Context) error {
	c.ctx = ctx
	c.scheduler.Start()
	c.logger.Info("Scheduler started", "schedule", c.expr)

	<-ctx.Done()

	c.logger.Info("Stopping scheduler")
	if err := c.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

func (c *Cron) tick() {
	res, err := c.guard.Run(c.ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		c.logger.Info("Skipping scheduled cycle, previous one still running")
	case err != nil:
		c.logger.Error("Scheduled cycle failed", "error", err)
	default:
		c.logger.Debug("Scheduled cycle finished", "cycle_id", res.ID, "outcome", res.Outcome)
	}
}
