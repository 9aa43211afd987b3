package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/fleetops/authgate/internal/breakglass"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskElevationExpire retracts one elevation session at its end time.
	TaskElevationExpire = "breakglass:expire"
	// TaskElevationSweep is the periodic backstop over all active sessions.
	TaskElevationSweep = "breakglass:sweep"
	// TaskNotifyDispatch forwards a session transition to the external
	// notification collaborator.
	TaskNotifyDispatch = "notify:dispatch"
)

// ElevationExpirePayload names the session the scheduled task retires.
type ElevationExpirePayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

// NewElevationExpireTask constructs the per-session expiry task.
func NewElevationExpireTask(sessionID uuid.UUID) (*asynq.Task, error) {
	body, err := json.Marshal(ElevationExpirePayload{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskElevationExpire, body, asynq.Queue(QueueDefault)), nil
}

// ElevationSweepPayload carries scheduling metadata.
type ElevationSweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewElevationSweepTask constructs the periodic sweep task.
func NewElevationSweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ElevationSweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskElevationSweep, body, asynq.Queue(QueueDefault)), nil
}

// NewNotifyDispatchTask constructs a notification dispatch task.
func NewNotifyDispatchTask(event breakglass.Event) (*asynq.Task, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotifyDispatch, body, asynq.Queue(QueueDefault)), nil
}
