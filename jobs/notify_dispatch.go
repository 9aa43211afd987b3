package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fleetops/authgate/internal/breakglass"
	jobmetrics "github.com/fleetops/authgate/internal/jobs"
)

// NotifyDispatchJob forwards session transition events to the external
// notification collaborator over a webhook. With no webhook configured the
// event is logged and acknowledged, keeping the queue drained in
// development.
type NotifyDispatchJob struct {
	WebhookURL string
	Client     *http.Client
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewNotifyDispatchJob initialises the dispatch handler.
func NewNotifyDispatchJob(webhookURL string, logger *slog.Logger, metrics *jobmetrics.Metrics) *NotifyDispatchJob {
	return &NotifyDispatchJob{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
		Logger:     logger,
		Metrics:    metrics,
	}
}

// Handle delivers one event.
func (j *NotifyDispatchJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("notify dispatch: handler not configured")
	}
	var event breakglass.Event
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskNotifyDispatch)
	err := j.deliver(ctx, event, t.Payload())
	if err != nil {
		j.logger().Error("notification delivery failed",
			slog.String("session", event.SessionID.String()),
			slog.String("event", event.Event),
			slog.Any("error", err))
	}
	return tracker.End(err)
}

func (j *NotifyDispatchJob) deliver(ctx context.Context, event breakglass.Event, body []byte) error {
	if j.WebhookURL == "" {
		j.logger().Info("elevation event",
			slog.String("session", event.SessionID.String()),
			slog.String("principal", event.PrincipalID.String()),
			slog.String("event", event.Event),
			slog.Time("at", event.Timestamp))
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := j.client().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("notify dispatch: webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (j *NotifyDispatchJob) client() *http.Client {
	if j.Client != nil {
		return j.Client
	}
	return http.DefaultClient
}

func (j *NotifyDispatchJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskNotifyDispatch))
	}
	return slog.Default().With(slog.String("job", TaskNotifyDispatch))
}
