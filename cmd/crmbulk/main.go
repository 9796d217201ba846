package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/crmbulk/internal/bulk"
	"github.com/user/crmbulk/internal/ledger"
	"github.com/user/crmbulk/internal/logsink"
	"github.com/user/crmbulk/internal/observability"
	"github.com/user/crmbulk/internal/queue"
	"github.com/user/crmbulk/internal/scheduler"
	"github.com/user/crmbulk/internal/server"
	"github.com/user/crmbulk/internal/store"
	"github.com/user/crmbulk/internal/worker"
)

var (
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crmbulk",
	Short: "crmbulk: bulk updates for CRM records",
	Long:  "Accepts bulk update requests for CRM entities and applies them asynchronously with per-entity outcomes.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serverCmd = &cobra.Command{
	Use:          "server",
	Short:        "Start the API server, worker pool and scheduler",
	SilenceUsage: true,
	RunE:         runServer,
}

var (
	bindAddr          string
	dataDir           string
	batchSize         int
	ledgerBackend     string
	redisAddr         string
	redisPassword     string
	rateLimitMax      int
	rateLimitWindow   time.Duration
	rateLimitBackend  string
	workerCount       int
	leaseDuration     time.Duration
	schedulerInterval time.Duration
	persistLogLevel   string
	otelEnabled       bool
	otelEndpoint      string
	otelSampleRatio   float64
	shutdownTimeout   time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	f := serverCmd.Flags()
	f.StringVar(&bindAddr, "bind", ":8080", "HTTP server bind address")
	f.StringVar(&dataDir, "data-dir", envString("CRMBULK_DATA_DIR", "data"), "Directory for the SQLite database, job queue and embedded ledger (or set CRMBULK_DATA_DIR)")
	f.IntVar(&batchSize, "batch-size", envInt("BATCH_SIZE", bulk.DefaultBatchSize), "Entities processed concurrently per batch (or set BATCH_SIZE)")
	f.StringVar(&ledgerBackend, "ledger", ledger.BackendRedis, "Progress ledger backend: redis, pebble, or badger")
	f.StringVar(&redisAddr, "redis-addr", "", "Redis address host:port (or set REDIS_URL=redis://host:port/db)")
	f.StringVar(&redisPassword, "redis-password", "", "Redis password")
	f.IntVar(&rateLimitMax, "rate-limit-max", envInt("RATE_LIMIT_MAX_REQUESTS", 10000), "Submissions allowed per account per window (or set RATE_LIMIT_MAX_REQUESTS)")
	f.DurationVar(&rateLimitWindow, "rate-limit-window", envSeconds("RATE_LIMIT_TIME", 60*time.Second), "Rate limit window (or set RATE_LIMIT_TIME in seconds)")
	f.StringVar(&rateLimitBackend, "rate-limit-backend", "", "Rate limiter backend: redis or memory (default redis when a redis address is configured)")
	f.IntVar(&workerCount, "workers", 4, "Concurrent bulk action jobs")
	f.DurationVar(&leaseDuration, "lease", 60*time.Second, "Job lease; a job whose worker stops heartbeating is redelivered after this")
	f.DurationVar(&schedulerInterval, "scheduler-interval", time.Second, "How often due and expired jobs are swept")
	f.StringVar(&persistLogLevel, "persist-log-level", "info", "Minimum level of log lines stored for GET /logs")
	f.BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	f.StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")
	f.Float64Var(&otelSampleRatio, "otel-sample-ratio", 1, "Fraction of bulk action executions traced")
	f.DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful shutdown timeout before force-close")

	rootCmd.AddCommand(serverCmd)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogging() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)})
	slog.SetDefault(slog.New(handler))
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && v > 0 {
		return v
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	return def
}

// redisOptions resolves --redis-addr, then REDIS_URL. nil means no redis.
func redisOptions() (*redis.Options, error) {
	if redisAddr != "" {
		return &redis.Options{Addr: redisAddr, Password: redisPassword}, nil
	}
	if u := strings.TrimSpace(os.Getenv("REDIS_URL")); u != "" {
		opts, err := redis.ParseURL(u)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		if redisPassword != "" {
			opts.Password = redisPassword
		}
		return opts, nil
	}
	return nil, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	if batchSize < 1 {
		return fmt.Errorf("batch-size must be >= 1")
	}
	if workerCount < 1 {
		return fmt.Errorf("workers must be >= 1")
	}

	slog.Info("starting crmbulk server",
		"bind", bindAddr,
		"data_dir", dataDir,
		"batch_size", batchSize,
		"ledger", ledgerBackend,
		"rate_limit_max", rateLimitMax,
		"rate_limit_window", rateLimitWindow,
		"workers", workerCount,
		"lease", leaseDuration,
		"scheduler_interval", schedulerInterval,
		"otel_enabled", otelEnabled,
	)

	otelShutdown, err := observability.InitTracer(observability.TracerConfig{
		Enabled:     otelEnabled,
		ServiceName: "crmbulk-server",
		Endpoint:    otelEndpoint,
		SampleRatio: otelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	db, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	s := store.NewStore(db)

	// From here on, log lines are also persisted for GET /logs.
	slog.SetDefault(slog.New(logsink.New(slog.Default().Handler(), s, parseLevel(persistLogLevel))))

	q, err := queue.Open(filepath.Join(dataDir, "queue"), queue.Options{})
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	ropts, err := redisOptions()
	if err != nil {
		return err
	}
	var rdb *redis.Client
	if ropts != nil {
		rdb = redis.NewClient(ropts)
		defer rdb.Close()
		if err := rdb.Ping().Err(); err != nil {
			slog.Warn("redis not reachable at startup", "addr", ropts.Addr, "error", err)
		}
	}

	var ledgerClient redis.UniversalClient
	if rdb != nil {
		ledgerClient = rdb
	}
	l, err := ledger.Open(ledgerBackend, filepath.Join(dataDir, "ledger"), ledgerClient)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close()

	limiter, err := newRateLimiter(rdb)
	if err != nil {
		return err
	}

	submitter := bulk.NewSubmitter(s, q)
	executor := bulk.NewExecutor(s, l, batchSize)

	pool := worker.New(q, worker.Config{
		Queue:       bulk.QueueName,
		Concurrency: workerCount,
		Lease:       leaseDuration,
	})
	pool.Handle(bulk.JobName, func(ctx context.Context, job *queue.Job) error {
		var p bulk.JobPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode job payload: %w", err)
		}
		return executor.Execute(ctx, p.BulkActionID)
	})

	sched := scheduler.New(q, scheduler.Config{Interval: schedulerInterval})

	srv := server.New(s, submitter, bindAddr, server.Options{Limiter: limiter, Queue: q})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Delayed jobs that came due while the server was down are released
	// before the first fetch.
	sched.RunOnce(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown error", "error", err)
		}
		return nil
	})

	slog.Info("crmbulk server ready", "bind", bindAddr)
	err = g.Wait()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)})))
	s.Close()
	slog.Info("crmbulk server stopped", "dropped_log_lines", s.DroppedLogs())
	return err
}

func newRateLimiter(rdb *redis.Client) (server.RateLimiter, error) {
	cfg := server.RateLimitConfig{Max: rateLimitMax, Window: rateLimitWindow}
	backend := rateLimitBackend
	if backend == "" {
		backend = "memory"
		if rdb != nil {
			backend = "redis"
		}
	}
	switch backend {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("rate-limit-backend redis requires --redis-addr or REDIS_URL")
		}
		return server.NewRedisRateLimiter(rdb, cfg), nil
	case "memory":
		return server.NewMemoryRateLimiter(cfg), nil
	default:
		return nil, fmt.Errorf("unknown rate-limit-backend %q", backend)
	}
}
