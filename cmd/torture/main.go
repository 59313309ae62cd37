// Command torture hammers a store with concurrent producers and claimers and
// checks that every job is claimed and completed exactly once.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"taskqueue/internal/logging"
	"taskqueue/internal/queue"
	"taskqueue/internal/store"
)

type stats struct {
	Enqueued  int
	Completed int
	// Duplicates counts jobs handed to more than one claimer.
	Duplicates int
	Elapsed    time.Duration
}

func main() {
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "Store DSN")
	queueName := flag.String("queue", "torture", "Queue name")
	count := flag.Int("count", 1000, "Number of jobs to enqueue")
	claimers := flag.Int("claimers", 16, "Concurrent claimers")
	flag.Parse()

	logger := logging.New(os.Stderr, "development", slog.LevelInfo)
	if *dsn == "" {
		logger.Error("DATABASE_URL is required via -dsn or env")
		os.Exit(1)
	}

	ctx := context.Background()
	backend, err := store.Open(ctx, *dsn, true, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	st, err := torture(ctx, backend, *queueName, *count, *claimers)
	if err != nil {
		logger.Error("torture run failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("enqueued=%d completed=%d duplicates=%d elapsed=%s\n", st.Enqueued, st.Completed, st.Duplicates, st.Elapsed)
	if st.Duplicates > 0 || st.Completed != st.Enqueued {
		os.Exit(1)
	}
}

// torture enqueues count jobs from several producers while claimers drain
// the queue. Claimers stop once every job has been completed.
func torture(ctx context.Context, backend queue.Store, queueName string, count, claimers int) (stats, error) {
	start := time.Now()
	producer := queue.NewProducer(backend, queueName)

	var (
		mu        sync.Mutex
		seen      = make(map[string]int, count)
		completed atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	const batch = 100
	for i := 0; i < count; i += batch {
		first := i
		g.Go(func() error {
			for j := first; j < first+batch && j < count; j++ {
				payload := fmt.Sprintf(`{"seq":%d}`, j)
				if _, err := producer.Enqueue(gctx, []byte(payload), queue.EnqueueOptions{ID: fmt.Sprintf("t-%06d", j)}); err != nil {
					return err
				}
			}
			return nil
		})
	}

	for c := 0; c < claimers; c++ {
		workerID := fmt.Sprintf("torture-%d", c)
		g.Go(func() error {
			for completed.Load() < int64(count) {
				token := workerID + ":" + uuid.NewString()
				job, err := backend.ClaimNext(gctx, queueName, token)
				if errors.Is(err, queue.ErrNoJobs) {
					if err := sleep(gctx, time.Millisecond); err != nil {
						return err
					}
					continue
				}
				if err != nil {
					return err
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
				if err := backend.Complete(gctx, queueName, job.ID, token, []byte(`true`)); err != nil {
					return fmt.Errorf("complete %s: %w", job.ID, err)
				}
				completed.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats{}, err
	}
	st := stats{Enqueued: count, Completed: int(completed.Load()), Elapsed: time.Since(start)}
	for _, n := range seen {
		if n > 1 {
			st.Duplicates++
		}
	}
	return st, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
