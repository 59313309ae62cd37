package runner

import (
	"context"
	"log/slog"
	"time"

	"taskqueue/internal/queue"
)

// Janitor prunes terminal jobs beyond the queue's retention policies.
type Janitor struct {
	store     queue.Store
	queue     string
	completed queue.Retention
	failed    queue.Retention
	interval  time.Duration
	logger    *slog.Logger
}

func NewJanitor(store queue.Store, queueName string, completed, failed queue.Retention, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:     store,
		queue:     queueName,
		completed: completed,
		failed:    failed,
		interval:  interval,
		logger:    logger.With("component", "retention"),
	}
}

func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("retention sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep prunes both terminal states once and returns the number removed.
// Both states are visited even with a disabled policy since a job's own
// RetainFor still applies.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	total := 0
	for _, p := range []struct {
		state  queue.State
		policy queue.Retention
	}{
		{queue.StateCompleted, j.completed},
		{queue.StateFailed, j.failed},
	} {
		n, err := j.store.Prune(ctx, j.queue, p.state, p.policy)
		if err != nil {
			return total, err
		}
		if n > 0 {
			jobsPruned.WithLabelValues(j.queue, string(p.state)).Add(float64(n))
			j.logger.Info("pruned finished jobs", "state", p.state, "count", n)
		}
		total += n
	}
	return total, nil
}
