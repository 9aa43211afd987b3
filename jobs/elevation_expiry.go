package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/fleetops/authgate/internal/jobs"
)

// ElevationStore is the break-glass surface the expiry jobs need.
type ElevationStore interface {
	ExpireSession(ctx context.Context, sessionID uuid.UUID) error
	Sweep(ctx context.Context) (int, error)
}

// ElevationExpiryJob retires a single session when its scheduled end time
// arrives. The handler is idempotent: a session already revoked or already
// swept is left alone.
type ElevationExpiryJob struct {
	Sessions ElevationStore
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewElevationExpiryJob initialises the per-session expiry handler.
func NewElevationExpiryJob(sessions ElevationStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *ElevationExpiryJob {
	return &ElevationExpiryJob{Sessions: sessions, Logger: logger, Metrics: metrics}
}

// Handle executes the expiry transition.
func (j *ElevationExpiryJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sessions == nil {
		return errors.New("elevation expiry: handler not configured")
	}
	var payload ElevationExpirePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskElevationExpire)
	err := j.Sessions.ExpireSession(ctx, payload.SessionID)
	if err != nil {
		j.logger().Error("session expiry failed",
			slog.String("session", payload.SessionID.String()),
			slog.Any("error", err))
	}
	return tracker.End(err)
}

func (j *ElevationExpiryJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskElevationExpire))
	}
	return slog.Default().With(slog.String("job", TaskElevationExpire))
}

// ElevationSweepJob is the periodic backstop: it expires every active
// session past its end time, catching sessions whose scheduled task was
// lost.
type ElevationSweepJob struct {
	Sessions ElevationStore
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewElevationSweepJob initialises the sweep handler.
func NewElevationSweepJob(sessions ElevationStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *ElevationSweepJob {
	return &ElevationSweepJob{Sessions: sessions, Logger: logger, Metrics: metrics}
}

// Handle executes one sweep cycle.
func (j *ElevationSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sessions == nil {
		return errors.New("elevation sweep: handler not configured")
	}
	var payload ElevationSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	start := time.Now()
	tracker := j.Metrics.Track(TaskElevationSweep)
	count, err := j.Sessions.Sweep(ctx)
	if err != nil {
		j.logger().Error("sweep failed", slog.Any("error", err))
		return tracker.End(err)
	}
	if count > 0 {
		j.logger().Info("sweep expired sessions",
			slog.Int("expired", count),
			slog.Duration("duration", time.Since(start)))
	}
	return tracker.End(nil)
}

func (j *ElevationSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskElevationSweep))
	}
	return slog.Default().With(slog.String("job", TaskElevationSweep))
}
