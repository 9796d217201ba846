package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Config holds scheduler configuration.
type Config struct {
	Interval        time.Duration // base tick cadence (default 1s)
	PromoteInterval time.Duration // move due delayed/retrying jobs to pending
	ReclaimInterval time.Duration // return expired leases to pending
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        1 * time.Second,
		PromoteInterval: 1 * time.Second,
		ReclaimInterval: 1 * time.Second,
	}
}

// Queue is the maintenance surface of the job queue.
type Queue interface {
	Promote(ctx context.Context) (int, error)
	Reclaim(ctx context.Context) (int, error)
}

// Scheduler runs periodic queue maintenance: it releases delayed jobs once
// they are due and redelivers jobs whose worker stopped heartbeating.
type Scheduler struct {
	queue       Queue
	config      Config
	now         func() time.Time
	lastPromote time.Time
	lastReclaim time.Time
}

// New creates a new Scheduler.
func New(q Queue, config Config) *Scheduler {
	def := DefaultConfig()
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	if config.PromoteInterval == 0 {
		config.PromoteInterval = def.PromoteInterval
	}
	if config.ReclaimInterval == 0 {
		config.ReclaimInterval = def.ReclaimInterval
	}
	return &Scheduler{queue: q, config: config, now: time.Now}
}

// Run starts the scheduler loop. It blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler started", "interval", s.config.Interval)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx, false)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, force bool) {
	now := s.now()

	if force || now.Sub(s.lastPromote) >= s.config.PromoteInterval {
		n, err := s.queue.Promote(ctx)
		if err != nil {
			slog.Error("promote due jobs", "error", err)
		} else if n > 0 {
			slog.Debug("promoted due jobs", "count", n)
		}
		s.lastPromote = now
	}
	if force || now.Sub(s.lastReclaim) >= s.config.ReclaimInterval {
		n, err := s.queue.Reclaim(ctx)
		if err != nil {
			slog.Error("reclaim expired leases", "error", err)
		} else if n > 0 {
			slog.Info("reclaimed expired leases", "count", n)
		}
		s.lastReclaim = now
	}
}

// RunOnce executes a single scheduler tick. Useful for testing.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.tick(ctx, true)
}
