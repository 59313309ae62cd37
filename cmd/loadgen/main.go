// Command loadgen enqueues synthetic jobs for soak and benchmark runs.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"taskqueue/internal/logging"
	"taskqueue/internal/queue"
	"taskqueue/internal/store"
)

type options struct {
	dsn          string
	queue        string
	jobs         int
	delayPercent int
	maxDelay     time.Duration
	payloadSize  int
	attempts     int
	failPercent  int
	seed         int64
}

func main() {
	var opts options
	flag.StringVar(&opts.dsn, "dsn", os.Getenv("DATABASE_URL"), "Store DSN")
	flag.StringVar(&opts.queue, "queue", "tasks", "Queue name")
	flag.IntVar(&opts.jobs, "jobs", 1000, "Number of jobs to enqueue")
	flag.IntVar(&opts.delayPercent, "delay-percent", 10, "Percentage of jobs enqueued with a delay")
	flag.DurationVar(&opts.maxDelay, "max-delay", time.Hour, "Upper bound for random delays")
	flag.IntVar(&opts.payloadSize, "payload-size", 100, "Random bytes per payload")
	flag.IntVar(&opts.attempts, "attempts", 3, "Max attempts per job")
	flag.IntVar(&opts.failPercent, "fail-percent", 0, "Percentage of jobs the mock handler will fail")
	flag.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	logger := logging.New(os.Stderr, "development", slog.LevelInfo)
	if opts.dsn == "" {
		logger.Error("DATABASE_URL is required via -dsn or env")
		os.Exit(1)
	}

	ctx := context.Background()
	backend, err := store.Open(ctx, opts.dsn, false, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	start := time.Now()
	n, err := enqueue(ctx, queue.NewProducer(backend, opts.queue), opts)
	if err != nil {
		logger.Error("enqueue failed", "enqueued", n, "error", err)
		os.Exit(1)
	}
	logger.Info("done", "enqueued", n, "elapsed", time.Since(start))
}

func enqueue(ctx context.Context, producer *queue.Producer, opts options) (int, error) {
	r := rand.New(rand.NewSource(opts.seed))
	for i := 0; i < opts.jobs; i++ {
		payload, err := buildPayload(r, i, opts)
		if err != nil {
			return i, err
		}
		var delay time.Duration
		if opts.maxDelay > 0 && r.Intn(100) < opts.delayPercent {
			delay = time.Duration(r.Int63n(int64(opts.maxDelay))) + time.Millisecond
		}
		if _, err := producer.Enqueue(ctx, payload, queue.EnqueueOptions{
			Delay:       delay,
			MaxAttempts: opts.attempts,
		}); err != nil {
			return i, err
		}
		if (i+1)%100 == 0 {
			fmt.Fprint(os.Stderr, ".")
		}
	}
	if opts.jobs >= 100 {
		fmt.Fprintln(os.Stderr)
	}
	return opts.jobs, nil
}

// buildPayload produces a body the mock handler understands.
func buildPayload(r *rand.Rand, seq int, opts options) (json.RawMessage, error) {
	data := make([]byte, opts.payloadSize)
	r.Read(data)
	body := map[string]any{
		"seq":  seq,
		"data": hex.EncodeToString(data),
	}
	if opts.failPercent > 0 && r.Intn(100) < opts.failPercent {
		body["fail"] = true
	}
	return json.Marshal(body)
}
