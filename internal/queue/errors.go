package queue

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoJobs is returned by ClaimNext when nothing is eligible. It is not a failure.
	ErrNoJobs = errors.New("no jobs available")

	ErrInvalidArgument  = errors.New("invalid argument")
	ErrConflict         = errors.New("job already exists")
	ErrNotFound         = errors.New("job not found")
	ErrNotOwner         = errors.New("job is not owned by this claim")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// IsAbandon reports whether a write failed because the caller no longer owns
// the job. The caller must drop the job without retrying.
func IsAbandon(err error) bool {
	return errors.Is(err, ErrNotOwner) || errors.Is(err, ErrNotFound)
}

// Unavailable wraps a backend failure so callers can match
// ErrStoreUnavailable. Context errors pass through unmarked: they belong to
// the caller, not the store.
func Unavailable(backend, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %s: %w", backend, op, err)
	}
	return fmt.Errorf("%s: %s: %w: %w", backend, op, ErrStoreUnavailable, err)
}
