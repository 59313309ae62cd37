package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"taskqueue/internal/runner"
)

// Mock simulates work for load testing. It sleeps for Sleep (or the
// payload's sleep_ms) and fails when the payload sets "fail": true.
type Mock struct {
	Sleep time.Duration
}

var _ runner.Handler = (*Mock)(nil)

type mockPayload struct {
	Fail    bool   `json:"fail"`
	SleepMS *int64 `json:"sleep_ms"`
	Message string `json:"message"`
}

var ErrMockFailure = errors.New("mock handler failure")

func (m *Mock) Handle(ctx context.Context, task *runner.Task) (json.RawMessage, error) {
	var p mockPayload
	// Payloads that are not objects are processed with the defaults.
	_ = json.Unmarshal(task.Payload, &p)

	sleep := m.Sleep
	if p.SleepMS != nil {
		sleep = time.Duration(*p.SleepMS) * time.Millisecond
	}

	if sleep > 0 {
		half := time.NewTimer(sleep / 2)
		defer half.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-half.C:
		}
		if err := task.ReportProgress(ctx, map[string]int{"percent": 50}); err != nil {
			return nil, err
		}
		rest := time.NewTimer(sleep - sleep/2)
		defer rest.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-rest.C:
		}
	}

	if p.Fail {
		if p.Message != "" {
			return nil, errors.New(p.Message)
		}
		return nil, ErrMockFailure
	}
	return json.Marshal(map[string]any{
		"status":      "completed",
		"processedBy": task.WorkerID,
		"attempt":     task.Attempt,
	})
}
