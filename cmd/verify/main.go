// Command verify scans a queue and reports records that break the job
// lifecycle rules. It exits non-zero when any check fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"taskqueue/internal/logging"
	"taskqueue/internal/queue"
	"taskqueue/internal/store"
)

type check struct {
	name string
	bad  func(j *queue.Job, now time.Time, lease time.Duration) bool
}

var checks = []check{
	{"attempts never exceed max_attempts", func(j *queue.Job, _ time.Time, _ time.Duration) bool {
		return j.Attempts > j.MaxAttempts
	}},
	{"active jobs carry a claim and heartbeat", func(j *queue.Job, _ time.Time, _ time.Duration) bool {
		return j.State == queue.StateActive && (j.ClaimedBy == "" || j.LastHeartbeat == nil)
	}},
	{"only active jobs carry a claim", func(j *queue.Job, _ time.Time, _ time.Duration) bool {
		return j.State != queue.StateActive && j.ClaimedBy != ""
	}},
	{"finished jobs have finished_at", func(j *queue.Job, _ time.Time, _ time.Duration) bool {
		return j.State.Terminal() && j.FinishedAt == nil
	}},
	{"failed jobs record an error", func(j *queue.Job, _ time.Time, _ time.Duration) bool {
		return j.State == queue.StateFailed && j.Error == ""
	}},
	{"completed jobs carry a result", func(j *queue.Job, _ time.Time, _ time.Duration) bool {
		return j.State == queue.StateCompleted && len(j.Result) == 0
	}},
	{"unfinished jobs carry no result or error", func(j *queue.Job, _ time.Time, _ time.Duration) bool {
		return !j.State.Terminal() && (len(j.Result) > 0 || j.Error != "")
	}},
	{"no job claimed before run_at", func(j *queue.Job, _ time.Time, _ time.Duration) bool {
		return j.ClaimedAt != nil && j.ClaimedAt.Before(j.RunAt)
	}},
	{"no active job stalled past the lease", func(j *queue.Job, now time.Time, lease time.Duration) bool {
		return j.State == queue.StateActive && j.LastHeartbeat != nil && now.Sub(*j.LastHeartbeat) > lease
	}},
}

type result struct {
	name   string
	failed []string
}

func main() {
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "Store DSN")
	queueName := flag.String("queue", "tasks", "Queue name")
	lease := flag.Duration("lease", 30*time.Second, "Heartbeat age after which an active job is stalled")
	flag.Parse()

	logger := logging.New(os.Stderr, "development", slog.LevelWarn)
	if *dsn == "" {
		logger.Error("DATABASE_URL is required via -dsn or env")
		os.Exit(1)
	}

	ctx := context.Background()
	backend, err := store.Open(ctx, *dsn, false, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	jobs, err := backend.List(ctx, *queueName, queue.ListOptions{})
	if err != nil {
		logger.Error("list jobs", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Total jobs in %s: %d\n", *queueName, len(jobs))

	if !report(os.Stdout, verify(jobs, time.Now(), *lease)) {
		os.Exit(1)
	}
}

func verify(jobs []*queue.Job, now time.Time, lease time.Duration) []result {
	results := make([]result, len(checks))
	for i, c := range checks {
		results[i].name = c.name
		for _, j := range jobs {
			if c.bad(j, now, lease) {
				results[i].failed = append(results[i].failed, j.ID)
			}
		}
	}
	return results
}

// report prints one line per check and returns whether all passed.
func report(w io.Writer, results []result) bool {
	ok := true
	for _, r := range results {
		if len(r.failed) == 0 {
			fmt.Fprintf(w, "[PASS] %s\n", r.name)
			continue
		}
		ok = false
		sample := r.failed
		if len(sample) > 5 {
			sample = sample[:5]
		}
		fmt.Fprintf(w, "[FAIL] %s: %d jobs (e.g. %v)\n", r.name, len(r.failed), sample)
	}
	return ok
}
