// Command adpilot runs the winner detection and safe budget-execution
// service: the HTTP API, the executor worker pool, and the queue janitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"adpilot/pkg/api"
	"adpilot/pkg/changequeue"
	"adpilot/pkg/circuitbreaker"
	"adpilot/pkg/config"
	"adpilot/pkg/database"
	"adpilot/pkg/detector"
	"adpilot/pkg/executor"
	"adpilot/pkg/metrics"
	"adpilot/pkg/metricstore"
	"adpilot/pkg/optimizer"
	"adpilot/pkg/platform"
	"adpilot/pkg/ratelimit"
	"adpilot/pkg/replication"
	"adpilot/pkg/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	limits, err := cfg.Limits.SafetyLimits()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(db, "adpilot"); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var limiter ratelimit.AccountLimiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer rdb.Close()
		limiter = ratelimit.NewRedisLimiter(rdb, ratelimit.PerHour(cfg.Executor.RequestsPerHour), "adpilot:ratelimit")
		logger.Info("using distributed rate limiter", zap.String("redis_addr", cfg.RedisAddr))
	} else {
		limiter = ratelimit.NewLocalLimiter(ratelimit.PerHour(cfg.Executor.RequestsPerHour))
		logger.Warn("redis not configured, rate limiting is per-process only")
	}

	store := metricstore.NewPostgresStore(db)
	queue := changequeue.NewPostgresQueue(db, cfg.Executor.MaxAttempts)
	breakers := circuitbreaker.NewPool(circuitbreaker.Config{
		MaxFailures: cfg.Executor.BreakerFailures,
		CoolDown:    cfg.Executor.BreakerCoolDown,
	})

	client := platform.NewHTTPClient(cfg.PlatformBaseURL, cfg.PlatformAPIKey,
		&http.Client{Timeout: cfg.Executor.RequestTimeout}, logger)

	hostname, _ := os.Hostname()
	exec := executor.New(executor.Config{
		WorkerID:       hostname,
		Workers:        cfg.Executor.Workers,
		PollInterval:   cfg.Executor.PollInterval,
		ClaimLease:     cfg.Executor.ClaimLease,
		JitterMin:      cfg.Executor.JitterMin,
		JitterMax:      cfg.Executor.JitterMax,
		RequestTimeout: cfg.Executor.RequestTimeout,
		BackoffBase:    cfg.Executor.BackoffBase,
		BackoffCap:     cfg.Executor.BackoffCap,
	}, queue, client, limiter, breakers, limits, logger, m, nil)

	det := detector.New(store, logger)
	planner := replication.New(logger)
	opt := optimizer.New(logger)
	orch := workflow.New(det, planner, opt, queue, client, nil, logger, m)
	registry := workflow.NewRegistry(orch, logger)

	server := api.New(det, planner, opt, orch, registry, queue, queue, client, logger, reg)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go exec.Run(ctx)
	go runArchiver(ctx, queue, cfg.Executor.ArchiveRetention, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	registry.Wait()
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// runArchiver periodically moves terminal queue rows past retention into
// the archive table.
func runArchiver(ctx context.Context, queue *changequeue.PostgresQueue, retention time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := queue.ArchiveTerminal(ctx, retention)
			if err != nil {
				logger.Error("archive pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("archived terminal changes", zap.Int("count", n))
			}
		}
	}
}
