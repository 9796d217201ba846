package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Name: "crmbulk_rate_limited_total",
	Help: "Bulk action submissions rejected by the per-account rate limiter.",
})

// RateLimitConfig is a fixed window: at most Max submissions per account
// in each Window.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.Max <= 0 {
		c.Max = 10000
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	return c
}

// RateLimiter admits or rejects submissions per account. An error means
// the limiter could not decide; callers let the request through.
type RateLimiter interface {
	Allow(ctx context.Context, account string) (bool, error)
	Window() time.Duration
}

type fixedWindow struct {
	count   int
	resetAt time.Time
}

// MemoryRateLimiter keeps one window per account in process memory.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	windows map[string]*fixedWindow
	now     func() time.Time
	stop    chan struct{}
}

func NewMemoryRateLimiter(cfg RateLimitConfig) *MemoryRateLimiter {
	rl := &MemoryRateLimiter{
		cfg:     cfg.withDefaults(),
		windows: map[string]*fixedWindow{},
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (r *MemoryRateLimiter) Window() time.Duration { return r.cfg.Window }

func (r *MemoryRateLimiter) Allow(_ context.Context, account string) (bool, error) {
	key := strings.TrimSpace(account)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.windows[key]
	if w == nil || !now.Before(w.resetAt) {
		w = &fixedWindow{resetAt: now.Add(r.cfg.Window)}
		r.windows[key] = w
	}
	w.count++
	return w.count <= r.cfg.Max, nil
}

func (r *MemoryRateLimiter) cleanupLoop() {
	t := time.NewTicker(r.cfg.Window)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			r.sweep()
		}
	}
}

// sweep drops windows that have already reset.
func (r *MemoryRateLimiter) sweep() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, w := range r.windows {
		if !now.Before(w.resetAt) {
			delete(r.windows, k)
		}
	}
}

// Close stops the cleanup goroutine.
func (r *MemoryRateLimiter) Close() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// RedisRateLimiter shares windows between processes through one counter
// key per account: INCR, and EXPIRE when the INCR opened the window.
type RedisRateLimiter struct {
	rdb redis.UniversalClient
	cfg RateLimitConfig
}

func NewRedisRateLimiter(rdb redis.UniversalClient, cfg RateLimitConfig) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb, cfg: cfg.withDefaults()}
}

func rateLimitKey(account string) string {
	return "rate-limit:" + strings.TrimSpace(account)
}

func (r *RedisRateLimiter) Window() time.Duration { return r.cfg.Window }

func (r *RedisRateLimiter) Allow(_ context.Context, account string) (bool, error) {
	key := rateLimitKey(account)
	n, err := r.rdb.Incr(key).Result()
	if err != nil {
		return true, fmt.Errorf("incr %s: %w", key, err)
	}
	if n == 1 {
		if err := r.rdb.Expire(key, r.cfg.Window).Err(); err != nil {
			return true, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return n <= int64(r.cfg.Max), nil
}
