package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/fleetops/authgate/internal/app"
	"github.com/fleetops/authgate/internal/assignments"
	"github.com/fleetops/authgate/internal/audit"
	audithttp "github.com/fleetops/authgate/internal/audit/http"
	"github.com/fleetops/authgate/internal/authz"
	"github.com/fleetops/authgate/internal/breakglass"
	"github.com/fleetops/authgate/internal/observability"
	"github.com/fleetops/authgate/internal/platform/cache"
	"github.com/fleetops/authgate/internal/platform/db"
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
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	store := registry.NewStore()
	configSource := registry.NewSQLConfigSource(pool)
	loader := registry.NewLoader(configSource, store, logger)
	if _, err := loader.Load(ctx); err != nil {
		logger.Error("boot registry load", slog.Any("error", err))
		os.Exit(1)
	}

	recorder, err := audit.NewRecorder(ctx, audit.NewSQLSink(pool), logger)
	if err != nil {
		logger.Error("init audit recorder", slog.Any("error", err))
		os.Exit(1)
	}
	auditQuery := audit.NewQueryService(audit.NewSQLReader(pool))

	metrics := observability.NewMetrics()
	permCache := authz.NewCache(redisClient, cfg.PermissionCacheTTL, logger)

	assignRepo := assignments.NewSQLRepository(pool)
	sodValidator := sod.NewValidator(store, repoRoleReader{repo: assignRepo}, sod.NewSQLDenialMarks(pool), recorder, logger)
	authzService := authz.NewService(store, assignRepo, recorder, logger, authz.Options{
		Cache:           permCache,
		Approvals:       sodValidator,
		Metrics:         metrics,
		RegistryTimeout: cfg.RegistryTimeout,
	})
	guard := authz.Middleware{Service: authzService, Logger: logger}

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

	bgRepo := breakglass.NewSQLRepository(pool)
	bgService := breakglass.NewService(bgRepo, store, authzService, assignService, recorder, logger, breakglass.Options{
		Scheduler:   jobsClient,
		Notifier:    jobsClient,
		Metrics:     metrics,
		MaxDuration: cfg.BreakGlassMaxMinutes,
	})

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		AuthzHandler:       authz.NewHandler(authzService, logger),
		AssignmentsHandler: assignments.NewHandler(assignService, logger),
		BreakGlassHandler:  breakglass.NewHandler(bgService, logger),
		AuditHandler:       audithttp.NewHandler(auditQuery, logger),
		RegistryHandler:    registry.NewHandler(loader, store, registry.NewAdminRepository(pool), logger),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Guard:              guard,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
