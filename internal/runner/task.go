package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Handler executes one claimed job. A nil error completes the job with the
// returned result; any error (or panic) is a handler failure.
type Handler interface {
	Handle(ctx context.Context, task *Task) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, task *Task) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, task *Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Task is the handler's view of a claimed job.
type Task struct {
	ID          string
	Queue       string
	Payload     json.RawMessage
	Attempt     int // 1-based
	MaxAttempts int
	CreatedAt   time.Time
	WorkerID    string
	Logger      *slog.Logger

	progress func(ctx context.Context, progress json.RawMessage) error
}

// ReportProgress records advisory progress on the job. It fails with
// queue.ErrNotOwner once the claim has been lost.
func (t *Task) ReportProgress(ctx context.Context, progress any) error {
	if t.progress == nil {
		return nil
	}
	var raw json.RawMessage
	switch v := progress.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode progress: %w", err)
		}
		raw = data
	}
	if !json.Valid(raw) {
		return fmt.Errorf("progress is not valid JSON")
	}
	return t.progress(ctx, raw)
}
