// Package metrics exports queue depth gauges sampled from the store.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"taskqueue/internal/queue"
)

const (
	defaultInterval = 5 * time.Second
	queryTimeout    = 2 * time.Second
)

var jobsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "taskqueue_jobs",
	Help: "Number of jobs per queue and effective state.",
}, []string{"queue", "state"})

// Counter is the slice of queue.Store the collector needs.
type Counter interface {
	Counts(ctx context.Context, queue string) (map[queue.State]int64, error)
}

// StartCollector samples job counts for queues every interval until ctx is
// cancelled.
func StartCollector(ctx context.Context, store Counter, queues []string, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			for _, q := range queues {
				if err := Collect(ctx, store, q); err != nil {
					logWarn(logger, "queue metrics collection failed", q, err)
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Collect samples one queue.
func Collect(ctx context.Context, store Counter, q string) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	counts, err := store.Counts(queryCtx, q)
	if err != nil {
		return err
	}
	for _, state := range queue.States() {
		jobsGauge.WithLabelValues(q, string(state)).Set(float64(counts[state]))
	}
	return nil
}

func logWarn(logger *slog.Logger, message, q string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Warn(message, "queue", q, "error", err)
}
