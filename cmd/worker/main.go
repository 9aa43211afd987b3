package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/fleetops/authgate/internal/app"
	"github.com/fleetops/authgate/internal/assignments"
	"github.com/fleetops/authgate/internal/audit"
	"github.com/fleetops/authgate/internal/authz"
	"github.com/fleetops/authgate/internal/breakglass"
	jobmetrics "github.com/fleetops/authgate/internal/jobs"
	"github.com/fleetops/authgate/internal/registry"
	"github.com/fleetops/authgate/internal/sod"
	"github.com/fleetops/authgate/jobs"
)

// repoRoleReader adapts the assignment repository to the SoD validator's
// reader, pinning "active" to the current instant.
type repoRoleReader struct {
	repo assignments.Repository
}

func (r repoRoleReader) ActiveRoleNames(ctx context.Context, principalID uuid.UUID) ([]string, error) {
	return r.repo.ActiveRoleNames(ctx, principalID, time.Now().UTC())
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("service", "worker"))

	pool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	store := registry.NewStore()
	loader := registry.NewLoader(registry.NewSQLConfigSource(pool), store, logger)
	if _, err := loader.Load(ctx); err != nil {
		logger.Error("boot registry load", slog.Any("error", err))
		os.Exit(1)
	}

	recorder, err := audit.NewRecorder(ctx, audit.NewSQLSink(pool), logger)
	if err != nil {
		logger.Error("init audit recorder", slog.Any("error", err))
		os.Exit(1)
	}

	assignRepo := assignments.NewSQLRepository(pool)
	sodValidator := sod.NewValidator(store, repoRoleReader{repo: assignRepo}, sod.NewSQLDenialMarks(pool), recorder, logger)
	authzService := authz.NewService(store, assignRepo, recorder, logger, authz.Options{
		Cache:           authz.NewCache(redisClient, cfg.PermissionCacheTTL, logger),
		Approvals:       sodValidator,
		RegistryTimeout: cfg.RegistryTimeout,
	})
	assignService := assignments.NewService(assignRepo, sodValidator, authzService, logger)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	bgService := breakglass.NewService(breakglass.NewSQLRepository(pool), store, authzService, assignService, recorder, logger, breakglass.Options{
		Notifier:    jobsClient,
		MaxDuration: cfg.BreakGlassMaxMinutes,
	})

	metrics := jobmetrics.NewMetrics(prometheus.DefaultRegisterer)
	expiryJob := jobs.NewElevationExpiryJob(bgService, logger, metrics)
	sweepJob := jobs.NewElevationSweepJob(bgService, logger, metrics)
	notifyJob := jobs.NewNotifyDispatchJob(cfg.NotifyWebhookURL, logger, metrics)

	sweepTask, err := jobs.NewElevationSweepTask(time.Now().UTC())
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskElevationExpire, Handler: expiryJob.Handle},
			{Type: jobs.TaskElevationSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskNotifyDispatch, Handler: notifyJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: fmt.Sprintf("@every %s", cfg.SweepInterval), Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker",
		slog.String("redis", cfg.RedisAddr),
		slog.Duration("sweep_interval", cfg.SweepInterval))

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
