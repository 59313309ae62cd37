package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the durable backend every component coordinates through. Each
// method is a single atomic operation; writes against a claimed job are
// fenced by the claim token and fail with ErrNotOwner on mismatch.
// Backend failures unrelated to job state wrap ErrStoreUnavailable.
type Store interface {
	// Insert records a new job. It fails with ErrConflict when a non-terminal
	// job with the same id exists; a terminal record with that id is replaced.
	// The store assigns Seq.
	Insert(ctx context.Context, job *Job) error

	// ClaimNext moves the oldest eligible job (pending with run_at <= now,
	// ordered by run_at then Seq) to active, stamps the claim fields with
	// token and returns it. It returns ErrNoJobs when nothing is eligible.
	ClaimNext(ctx context.Context, queue, token string) (*Job, error)

	// Heartbeat refreshes last_heartbeat for a job held by token.
	Heartbeat(ctx context.Context, queue, id, token string) error

	// UpdateProgress stores an advisory progress marker for a job held by token.
	UpdateProgress(ctx context.Context, queue, id, token string, progress json.RawMessage) error

	// Complete moves an active job held by token to completed with result.
	Complete(ctx context.Context, queue, id, token string, result json.RawMessage) error

	// Fail moves an active job held by token to failed, counting the attempt.
	Fail(ctx context.Context, queue, id, token, reason string) error

	// Reschedule returns an active job held by token to the queue, counting
	// the attempt, with run_at = now + delay. The stored state is delayed
	// when delay > 0 and waiting otherwise.
	Reschedule(ctx context.Context, queue, id, token string, delay time.Duration) error

	// Remove deletes a record. With no states it removes the record whatever
	// its state; otherwise the record must currently be stored in one of
	// states or Remove fails with ErrConflict and leaves it untouched.
	Remove(ctx context.Context, queue, id string, states ...State) error

	Get(ctx context.Context, queue, id string) (*Job, error)

	// List returns jobs in insertion order.
	List(ctx context.Context, queue string, opts ListOptions) ([]*Job, error)

	// ScanStalled returns active jobs whose last heartbeat is before olderThan.
	ScanStalled(ctx context.Context, queue string, olderThan time.Time) ([]*Job, error)

	// Reap recovers an active job still held by token whose last heartbeat is
	// before olderThan. Below maxStalled stalls the job returns to waiting
	// with the claim cleared and attempts untouched; otherwise it fails with
	// StalledErrorMessage. It returns the resulting state.
	Reap(ctx context.Context, queue, id, token string, olderThan time.Time, maxStalled int) (State, error)

	// Prune deletes terminal records of state beyond the retention policy and
	// returns how many were removed.
	Prune(ctx context.Context, queue string, state State, policy Retention) (int, error)

	// Counts returns the number of jobs per effective state.
	Counts(ctx context.Context, queue string) (map[State]int64, error)
}

// Backend is a Store with a connection lifecycle.
type Backend interface {
	Store
	Ping(ctx context.Context) error
	Close() error
}
