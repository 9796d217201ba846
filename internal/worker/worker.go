// Package worker delivers queued jobs to named handlers and keeps their
// leases alive while they run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/crmbulk/internal/queue"
)

// HandlerFunc processes one job. A returned error fails the delivery and
// the queue retries it with backoff.
type HandlerFunc func(ctx context.Context, job *queue.Job) error

// Queue is the part of the job queue a worker uses.
type Queue interface {
	Fetch(ctx context.Context, queueName, workerID string, lease time.Duration) (*queue.Job, error)
	Ack(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, errMsg string) (*queue.FailResult, error)
	Heartbeat(ctx context.Context, jobID string, lease time.Duration) error
}

// Config holds pool configuration.
type Config struct {
	Queue        string
	ID           string        // worker id prefix (default hostname)
	Concurrency  int           // fetch loops (default 1)
	Lease        time.Duration // default 60s
	PollInterval time.Duration // idle wait between empty fetches (default 250ms)
}

// Pool runs Concurrency fetch loops against one queue.
type Pool struct {
	queue    Queue
	cfg      Config
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New creates a new Pool.
func New(q Queue, cfg Config) *Pool {
	if cfg.ID == "" {
		cfg.ID, _ = os.Hostname()
		if cfg.ID == "" {
			cfg.ID = "worker"
		}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Pool{queue: q, cfg: cfg, handlers: make(map[string]HandlerFunc)}
}

// Handle registers h for jobs named name.
func (p *Pool) Handle(name string, h HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
}

func (p *Pool) handler(name string) (HandlerFunc, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[name]
	return h, ok
}

// Run starts the fetch loops and blocks until ctx is cancelled. Jobs in
// flight at cancellation see a cancelled context and are failed back to
// the queue.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("worker pool started", "queue", p.cfg.Queue, "concurrency", p.cfg.Concurrency, "lease", p.cfg.Lease)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", p.cfg.ID, i)
		g.Go(func() error {
			p.loop(gctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	slog.Info("worker pool stopped", "queue", p.cfg.Queue)
	return err
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		worked, err := p.RunOnce(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			slog.Error("worker fetch failed", "worker_id", workerID, "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce fetches and processes at most one job. It reports whether a job
// was processed.
func (p *Pool) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := p.queue.Fetch(ctx, p.cfg.Queue, workerID, p.cfg.Lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.process(ctx, workerID, job)
	return true, nil
}

func (p *Pool) process(ctx context.Context, workerID string, job *queue.Job) {
	log := slog.With("job_id", job.ID, "job", job.Name, "worker_id", workerID, "attempt", job.Attempt)

	// Settling the job must survive shutdown of ctx.
	settleCtx := context.WithoutCancel(ctx)

	h, ok := p.handler(job.Name)
	if !ok {
		log.Error("no handler registered for job")
		p.fail(settleCtx, log, job, fmt.Sprintf("no handler registered for %q", job.Name))
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeat(hbCtx, log, job.ID)
	}()

	started := time.Now()
	err := runHandler(ctx, h, job)
	stopHeartbeat()
	wg.Wait()

	if err != nil {
		log.Warn("job failed", "error", err, "duration", time.Since(started))
		p.fail(settleCtx, log, job, err.Error())
		return
	}
	if err := p.queue.Ack(settleCtx, job.ID); err != nil {
		log.Error("ack job", "error", err)
		return
	}
	log.Debug("job done", "duration", time.Since(started))
}

func runHandler(ctx context.Context, h HandlerFunc, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			slog.Error("job handler panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return h(ctx, job)
}

func (p *Pool) fail(ctx context.Context, log *slog.Logger, job *queue.Job, msg string) {
	res, err := p.queue.Fail(ctx, job.ID, msg)
	if err != nil {
		log.Error("fail job", "error", err)
		return
	}
	if res.Status == queue.StateDead {
		log.Error("job exhausted its retries", "error", msg)
	}
}

// heartbeat extends the lease at a third of its length until ctx ends.
func (p *Pool) heartbeat(ctx context.Context, log *slog.Logger, jobID string) {
	ticker := time.NewTicker(max(p.cfg.Lease/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.Heartbeat(ctx, jobID, p.cfg.Lease)
			if err == nil {
				continue
			}
			if errors.Is(err, queue.ErrNotActive) || errors.Is(err, queue.ErrNotFound) {
				log.Warn("lease lost, job may be redelivered", "error", err)
				return
			}
			if ctx.Err() == nil {
				log.Error("heartbeat", "error", err)
			}
		}
	}
}
