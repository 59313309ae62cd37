package runner

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"taskqueue/internal/events"
	"taskqueue/internal/queue"
)

const (
	defaultStalledInterval = 30 * time.Second
	defaultMaxStalled      = 3
)

type ReaperOptions struct {
	// Lease is how long an active job may go without a heartbeat.
	Lease time.Duration
	// Interval between sweeps.
	Interval   time.Duration
	MaxStalled int
	Now        func() time.Time
}

// Reaper returns active jobs whose worker stopped heartbeating to the queue,
// or fails them once they have stalled MaxStalled times.
type Reaper struct {
	store  queue.Store
	queue  string
	opts   ReaperOptions
	logger *slog.Logger
	events events.Publisher
}

type ReapResult struct {
	Scanned  int `json:"scanned"`
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
	// Skipped counts jobs that heartbeated, finished or changed hands between
	// the scan and the reap.
	Skipped int `json:"skipped"`
}

func NewReaper(store queue.Store, queueName string, opts ReaperOptions, logger *slog.Logger, publisher events.Publisher) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = defaultStalledInterval
	}
	if opts.MaxStalled < 0 {
		opts.MaxStalled = defaultMaxStalled
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Reaper{
		store:  store,
		queue:  queueName,
		opts:   opts,
		logger: logger.With("component", "reaper"),
		events: publisher,
	}
}

// Run sweeps immediately and then every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("stall sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass. Each job is reaped with the claim token seen in
// the scan, so a job that was reclaimed in between is left alone.
func (r *Reaper) Sweep(ctx context.Context) (ReapResult, error) {
	var res ReapResult
	cutoff := r.opts.Now().Add(-r.opts.Lease)

	stalled, err := r.store.ScanStalled(ctx, r.queue, cutoff)
	if err != nil {
		return res, err
	}
	res.Scanned = len(stalled)

	for _, job := range stalled {
		state, err := r.store.Reap(ctx, r.queue, job.ID, job.ClaimedBy, cutoff, r.opts.MaxStalled)
		if err != nil {
			if queue.IsAbandon(err) {
				res.Skipped++
				continue
			}
			if errors.Is(err, queue.ErrStoreUnavailable) || ctx.Err() != nil {
				return res, err
			}
			r.logger.Warn("reap failed", "job_id", job.ID, "error", err)
			continue
		}

		jobsReaped.WithLabelValues(r.queue, string(state)).Inc()
		stalledEv := events.Event{
			Timestamp: time.Now(),
			Level:     "warn",
			Type:      events.TypeStalled,
			Message:   "job stalled",
			Queue:     r.queue,
			JobID:     job.ID,
			WorkerID:  job.ClaimedBy,
			Metadata:  map[string]string{"stalled_count": strconv.Itoa(job.StalledCount + 1)},
		}
		r.events.Publish(stalledEv)

		ev := events.Transition(r.queue, job.ID, string(queue.StateActive), string(state))
		if state == queue.StateFailed {
			res.Failed++
			ev.Error = queue.StalledErrorMessage
			r.logger.Warn("stalled job failed", "job_id", job.ID, "stalled_count", job.StalledCount)
		} else {
			res.Requeued++
			r.logger.Info("stalled job requeued", "job_id", job.ID, "stalled_count", job.StalledCount+1)
		}
		r.events.Publish(ev)
	}

	if res.Scanned > 0 {
		r.logger.Info("stall sweep finished", "scanned", res.Scanned, "requeued", res.Requeued, "failed", res.Failed, "skipped", res.Skipped)
	}
	return res, nil
}
