// Package storetest holds the behaviour every queue.Store backend must share.
// Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskqueue/internal/queue"
)

// Factory returns an empty store driven by clock.
type Factory func(t *testing.T, clock *Clock) queue.Store

const lease = 30 * time.Second

func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s queue.Store, c *Clock, q string)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"InsertConflict", testInsertConflict},
		{"ClaimFIFO", testClaimFIFO},
		{"ClaimRespectsRunAt", testClaimRespectsRunAt},
		{"ClaimIsolatedByQueue", testClaimIsolatedByQueue},
		{"Ownership", testOwnership},
		{"Complete", testComplete},
		{"Reschedule", testReschedule},
		{"Fail", testFail},
		{"Progress", testProgress},
		{"RemoveGuarded", testRemoveGuarded},
		{"ListOrderAndFilter", testListOrderAndFilter},
		{"StallAndReap", testStallAndReap},
		{"ReapPoisonJob", testReapPoisonJob},
		{"ReapSkipsLiveJob", testReapSkipsLiveJob},
		{"PruneByAgeAndCount", testPruneByAgeAndCount},
		{"PruneHonoursRetainFor", testPruneHonoursRetainFor},
		{"Counts", testCounts},
		{"ConcurrentClaimSingleJob", testConcurrentClaimSingleJob},
		{"ConcurrentClaimDrain", testConcurrentClaimDrain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := NewClock()
			s := factory(t, clock)
			tt.fn(t, s, clock, queueName(t))
		})
	}
}

func queueName(t *testing.T) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
}

// NewJob builds a pending job the way the producer would.
func NewJob(q, id string, now time.Time, delay time.Duration) *queue.Job {
	state := queue.StateWaiting
	if delay > 0 {
		state = queue.StateDelayed
	}
	return &queue.Job{
		ID:          id,
		Queue:       q,
		Payload:     json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)),
		State:       state,
		MaxAttempts: queue.DefaultMaxAttempts,
		RunAt:       now.Add(delay),
		CreatedAt:   now,
	}
}

func insert(t *testing.T, s queue.Store, c *Clock, q, id string, delay time.Duration) *queue.Job {
	t.Helper()
	job := NewJob(q, id, c.Now(), delay)
	require.NoError(t, s.Insert(context.Background(), job))
	return job
}

func claim(t *testing.T, s queue.Store, q, token string) *queue.Job {
	t.Helper()
	job, err := s.ClaimNext(context.Background(), q, token)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func get(t *testing.T, s queue.Store, q, id string) *queue.Job {
	t.Helper()
	job, err := s.Get(context.Background(), q, id)
	require.NoError(t, err)
	return job
}

func testInsertAndGet(t *testing.T, s queue.Store, c *Clock, q string) {
	insert(t, s, c, q, "t1", 0)

	job := get(t, s, q, "t1")
	assert.Equal(t, "t1", job.ID)
	assert.Equal(t, q, job.Queue)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, queue.DefaultMaxAttempts, job.MaxAttempts)
	assert.JSONEq(t, `{"id":"t1"}`, string(job.Payload))
	assert.WithinDuration(t, c.Now(), job.RunAt, time.Millisecond)
	assert.Empty(t, job.ClaimedBy)
	assert.Empty(t, job.Result)
	assert.Empty(t, job.Error)
	assert.Positive(t, job.Seq)

	_, err := s.Get(context.Background(), q, "missing")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func testInsertConflict(t *testing.T, s queue.Store, c *Clock, q string) {
	ctx := context.Background()
	insert(t, s, c, q, "dup", 0)
	err := s.Insert(ctx, NewJob(q, "dup", c.Now(), 0))
	require.ErrorIs(t, err, queue.ErrConflict)

	job := claim(t, s, q, "w1")
	err = s.Insert(ctx, NewJob(q, "dup", c.Now(), 0))
	require.ErrorIs(t, err, queue.ErrConflict)

	require.NoError(t, s.Complete(ctx, q, job.ID, "w1", json.RawMessage(`{"ok":true}`)))
	replacement := NewJob(q, "dup", c.Now(), 0)
	replacement.Payload = json.RawMessage(`{"v":2}`)
	require.NoError(t, s.Insert(ctx, replacement))

	got := get(t, s, q, "dup")
	assert.Equal(t, queue.StateWaiting, got.State)
	assert.Empty(t, got.Result)
	assert.JSONEq(t, `{"v":2}`, string(got.Payload))
}

func testClaimFIFO(t *testing.T, s queue.Store, c *Clock, q string) {
	for _, id := range []string{"a", "b", "c"} {
		insert(t, s, c, q, id, 0)
	}
	for _, want := range []string{"a", "b", "c"} {
		job := claim(t, s, q, "w1")
		assert.Equal(t, want, job.ID)
		assert.Equal(t, queue.StateActive, job.State)
		assert.Equal(t, "w1", job.ClaimedBy)
		require.NotNil(t, job.ClaimedAt)
		require.NotNil(t, job.LastHeartbeat)
		assert.WithinDuration(t, c.Now(), *job.LastHeartbeat, time.Millisecond)
	}
	_, err := s.ClaimNext(context.Background(), q, "w1")
	assert.ErrorIs(t, err, queue.ErrNoJobs)
}

func testClaimRespectsRunAt(t *testing.T, s queue.Store, c *Clock, q string) {
	ctx := context.Background()
	insert(t, s, c, q, "later", 10*time.Second)
	c.Advance(time.Second)
	insert(t, s, c, q, "now", 0)

	job := claim(t, s, q, "w1")
	assert.Equal(t, "now", job.ID)

	_, err := s.ClaimNext(ctx, q, "w1")
	require.ErrorIs(t, err, queue.ErrNoJobs)

	c.Advance(9 * time.Second)
	job = claim(t, s, q, "w1")
	assert.Equal(t, "later", job.ID)
}

func testClaimIsolatedByQueue(t *testing.T, s queue.Store, c *Clock, q string) {
	insert(t, s, c, q+"_other", "x", 0)
	_, err := s.ClaimNext(context.Background(), q, "w1")
	assert.ErrorIs(t, err, queue.ErrNoJobs)
}

func testOwnership(t *testing.T, s queue.Store, c *Clock, q string) {
	ctx := context.Background()
	insert(t, s, c, q, "t1", 0)

	err := s.Heartbeat(ctx, q, "t1", "w1")
	require.ErrorIs(t, err, queue.ErrNotOwner, "waiting job has no owner")

	claim(t, s, q, "w1")
	c.Advance(5 * time.Second)
	require.NoError(t, s.Heartbeat(ctx, q, "t1", "w1"))
	job := get(t, s, q, "t1")
	assert.WithinDuration(t, c.Now(), *job.LastHeartbeat, time.Millisecond)

	require.ErrorIs(t, s.Heartbeat(ctx, q, "t1", "w2"), queue.ErrNotOwner)
	require.ErrorIs(t, s.Complete(ctx, q, "t1", "w2", nil), queue.ErrNotOwner)
	require.ErrorIs(t, s.Fail(ctx, q, "t1", "w2", "boom"), queue.ErrNotOwner)
	require.ErrorIs(t, s.Reschedule(ctx, q, "t1", "w2", time.Second), queue.ErrNotOwner)
	require.ErrorIs(t, s.Heartbeat(ctx, q, "nope", "w1"), queue.ErrNotFound)

	job = get(t, s, q, "t1")
	assert.Equal(t, queue.StateActive, job.State)
	assert.Equal(t, 0, job.Attempts)
}

func testComplete(t *testing.T, s queue.Store, c *Clock, q string) {
	ctx := context.Background()
	insert(t, s, c, q, "t1", 0)
	claim(t, s, q, "w1")
	c.Advance(time.Second)
	require.NoError(t, s.Complete(ctx, q, "t1", "w1", json.RawMessage(`{"answer":42}`)))

	job := get(t, s, q, "t1")
	assert.Equal(t, queue.StateCompleted, job.State)
	assert.JSONEq(t, `{"answer":42}`, string(job.Result))
	assert.Empty(t, job.Error)
	assert.Empty(t, job.ClaimedBy)
	require.NotNil(t, job.FinishedAt)
	assert.WithinDuration(t, c.Now(), *job.FinishedAt, time.Millisecond)
	assert.Equal(t, 0, job.Attempts)

	require.ErrorIs(t, s.Complete(ctx, q, "t1", "w1", nil), queue.ErrNotOwner)
}

func testReschedule(t *testing.T, s queue.Store, c *Clock, q string) {
	ctx := context.Background()
	insert(t, s, c, q, "t1", 0)
	claim(t, s, q, "w1")
	require.NoError(t, s.Reschedule(ctx, q, "t1", "w1", 5*time.Second))

	job := get(t, s, q, "t1")
	assert.Equal(t, queue.StateDelayed, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.WithinDuration(t, c.Now().Add(5*time.Second), job.RunAt, time.Millisecond)
	assert.Empty(t, job.ClaimedBy)
	assert.Nil(t, job.LastHeartbeat)
	assert.Empty(t, job.Error)
	assert.Empty(t, job.Result)

	_, err := s.ClaimNext(ctx, q, "w1")
	require.ErrorIs(t, err, queue.ErrNoJobs)
	require.ErrorIs(t, s.Heartbeat(ctx, q, "t1", "w1"), queue.ErrNotOwner)

	c.Advance(5 * time.Second)
	job = claim(t, s, q, "w2")
	assert.Equal(t, 1, job.Attempts)
	require.NoError(t, s.Reschedule(ctx, q, "t1", "w2", 0))
	job = get(t, s, q, "t1")
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Equal(t, 2, job.Attempts)
}

func testFail(t *testing.T, s queue.Store, c *Clock, q string) {
	ctx := context.Background()
	insert(t, s, c, q, "t1", 0)
	claim(t, s, q, "w1")
	require.NoError(t, s.Fail(ctx, q, "t1", "w1", "boom"))

	job := get(t, s, q, "t1")
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Equal(t, "boom", job.Error)
	assert.Empty(t, job.Result)
	assert.Equal(t, 1, job.Attempts)
	assert.Empty(t, job.ClaimedBy)
	require.NotNil(t, job.FinishedAt)
}

func testProgress(t *testing.T, s queue.Store, c *Clock, q string) {
	ctx := context.Background()
	insert(t, s, c, q, "t1", 0)
	require.ErrorIs(t, s.UpdateProgress(ctx, q, "t1", "w1", json.RawMessage(`50`)), queue.ErrNotOwner)
	claim(t, s, q, "w1")
	require.NoError(t, s.UpdateProgress(ctx, q, "t1", "w1", json.RawMessage(`{"pct":50}`)))
	job := get(t, s, q, "t1")
	assert.JSONEq(t, `{"pct":50}`, string(job.Progress))
	assert.Equal(t, queue.StateActive, job.State)
}

func testRemoveGuarded(t *testing.T, s queue.Store, c *Clock, q string) {
	ctx := context.Background()
	insert(t, s, c, q, "t1", 0)
	insert(t, s, c, q, "t2", 0)
	claim(t, s, q, "w1")

	err := s.Remove(ctx, q, "t1", queue.StateWaiting, queue.StateDelayed)
	require.ErrorIs(t, err, queue.ErrConflict)
	assert.Equal(t, queue.StateActive, get(t, s, q, "t1").State)

	require.NoError(t, s.Remove(ctx, q, "t2", queue.StateWaiting, queue.StateDelayed))
	_, err = s.Get(ctx, q, "t2")
	require.ErrorIs(t, err, queue.ErrNotFound)

	require.NoError(t, s.Remove(ctx, q, "t1"))
	require.ErrorIs(t, s.Remove(ctx, q, "t1"), queue.ErrNotFound)
}

func testListOrderAndFilter(t *testing.T, s queue.Store, c *Clock, q string) {
	ctx := context.Background()
	insert(t, s, c, q, "a", 0)
	insert(t, s, c, q, "b", time.Minute)
	insert(t, s, c, q, "c", 0)
	claim(t, s, q, "w1")

	all, err := s.List(ctx, q, queue.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(all))

	waiting, err := s.List(ctx, q, queue.ListOptions{States: []queue.State{queue.StateWaiting}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(waiting))

	c.Advance(2 * time.Minute)
	waiting, err = s.List(ctx, q, queue.ListOptions{States: []queue.State{queue.StateWaiting}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(waiting))

	delayed, err := s.List(ctx, q, queue.ListOptions{States: []queue.State{queue.StateDelayed}})
	require.NoError(t, err)
	assert.Empty(t, delayed)

	limited, err := s.List(ctx, q, queue.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(limited))
}

func testStallAndReap(t *testing.T, s queue.Store, c *Clock, q string) {
	ctx := context.Background()
	insert(t, s, c, q, "t1", 0)
	insert(t, s, c, q, "t2", 0)
	claim(t, s, q, "w1")
	claim(t, s, q, "w1")
	require.NoError(t, s.Reschedule(ctx, q, "t2", "w1", 0))
	claim(t, s, q, "w2")

	c.Advance(lease + time.Second)
	cutoff := c.Now().Add(-lease)
	stalled, err := s.ScanStalled(ctx, q, cutoff)
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2"}, ids(stalled))

	_, err = s.Reap(ctx, q, "t1", "someone-else", cutoff, 3)
	require.ErrorIs(t, err, queue.ErrNotOwner)

	state, err := s.Reap(ctx, q, "t2", "w2", cutoff, 3)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, state)

	job := get(t, s, q, "t2")
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Equal(t, 1, job.Attempts, "reaping must not count an attempt")
	assert.Equal(t, 1, job.StalledCount)
	assert.Empty(t, job.ClaimedBy)
	assert.Nil(t, job.LastHeartbeat)

	require.ErrorIs(t, s.Heartbeat(ctx, q, "t2", "w2"), queue.ErrNotOwner)

	job = claim(t, s, q, "w3")
	assert.Equal(t, "t2", job.ID)
	require.NoError(t, s.Complete(ctx, q, "t2", "w3", json.RawMessage(`1`)))
	assert.Equal(t, 1, get(t, s, q, "t2").Attempts)
}

func testReapPoisonJob(t *testing.T, s queue.Store, c *Clock, q string) {
	ctx := context.Background()
	insert(t, s, c, q, "poison", 0)
	const maxStalled = 2
	for i := 0; i < maxStalled; i++ {
		job := claim(t, s, q, fmt.Sprintf("w%d", i))
		c.Advance(lease + time.Second)
		state, err := s.Reap(ctx, q, job.ID, job.ClaimedBy, c.Now().Add(-lease), maxStalled)
		require.NoError(t, err)
		require.Equal(t, queue.StateWaiting, state)
	}
	job := claim(t, s, q, "last")
	c.Advance(lease + time.Second)
	state, err := s.Reap(ctx, q, job.ID, "last", c.Now().Add(-lease), maxStalled)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, state)

	job = get(t, s, q, "poison")
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Equal(t, queue.StalledErrorMessage, job.Error)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, maxStalled, job.StalledCount)
	require.NotNil(t, job.FinishedAt)
}

func testReapSkipsLiveJob(t *testing.T, s queue.Store, c *Clock, q string) {
	ctx := context.Background()
	insert(t, s, c, q, "t1", 0)
	claim(t, s, q, "w1")
	c.Advance(lease + time.Second)
	cutoff := c.Now().Add(-lease)
	stalled, err := s.ScanStalled(ctx, q, cutoff)
	require.NoError(t, err)
	require.Len(t, stalled, 1)

	require.NoError(t, s.Heartbeat(ctx, q, "t1", "w1"))
	_, err = s.Reap(ctx, q, "t1", "w1", cutoff, 3)
	require.ErrorIs(t, err, queue.ErrNotOwner)
	assert.Equal(t, queue.StateActive, get(t, s, q, "t1").State)
}

func finish(t *testing.T, s queue.Store, c *Clock, q, id string, ok bool) {
	t.Helper()
	insert(t, s, c, q, id, 0)
	claim(t, s, q, "w")
	if ok {
		require.NoError(t, s.Complete(context.Background(), q, id, "w", json.RawMessage(`true`)))
		return
	}
	require.NoError(t, s.Fail(context.Background(), q, id, "w", "bad"))
}

func testPruneByAgeAndCount(t *testing.T, s queue.Store, c *Clock, q string) {
	ctx := context.Background()
	finish(t, s, c, q, "old", true)
	c.Advance(6 * time.Hour)
	for _, id := range []string{"c1", "c2", "c3"} {
		finish(t, s, c, q, id, true)
		c.Advance(time.Second)
	}
	finish(t, s, c, q, "f1", false)
	insert(t, s, c, q, "pending", 0)

	removed, err := s.Prune(ctx, q, queue.StateCompleted, queue.Retention{Age: 5 * time.Hour, Count: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	left, err := s.List(ctx, q, queue.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c2", "c3", "f1", "pending"}, ids(left))

	removed, err = s.Prune(ctx, q, queue.StateFailed, queue.Retention{})
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = s.Prune(ctx, q, queue.StateWaiting, queue.Retention{Count: 0, Age: time.Nanosecond})
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func testPruneHonoursRetainFor(t *testing.T, s queue.Store, c *Clock, q string) {
	ctx := context.Background()
	job := NewJob(q, "short", c.Now(), 0)
	job.RetainFor = time.Minute
	require.NoError(t, s.Insert(ctx, job))
	claim(t, s, q, "w")
	require.NoError(t, s.Complete(ctx, q, "short", "w", nil))
	finish(t, s, c, q, "default", true)

	c.Advance(2 * time.Minute)
	removed, err := s.Prune(ctx, q, queue.StateCompleted, queue.Retention{Age: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = s.Get(ctx, q, "short")
	assert.ErrorIs(t, err, queue.ErrNotFound)
	get(t, s, q, "default")
}

func testCounts(t *testing.T, s queue.Store, c *Clock, q string) {
	finish(t, s, c, q, "c1", true)
	finish(t, s, c, q, "f1", false)
	insert(t, s, c, q, "w1", 0)
	insert(t, s, c, q, "w2", 0)
	insert(t, s, c, q, "d1", time.Hour)
	claim(t, s, q, "x")

	counts, err := s.Counts(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[queue.StateWaiting])
	assert.Equal(t, int64(1), counts[queue.StateActive])
	assert.Equal(t, int64(1), counts[queue.StateDelayed])
	assert.Equal(t, int64(1), counts[queue.StateCompleted])
	assert.Equal(t, int64(1), counts[queue.StateFailed])

	c.Advance(2 * time.Hour)
	counts, err = s.Counts(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[queue.StateWaiting])
	assert.Equal(t, int64(0), counts[queue.StateDelayed])
}

func testConcurrentClaimSingleJob(t *testing.T, s queue.Store, c *Clock, q string) {
	insert(t, s, c, q, "only", 0)

	const claimers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		won   []string
		start = make(chan struct{})
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			job, err := s.ClaimNext(context.Background(), q, fmt.Sprintf("w%d", i))
			if errors.Is(err, queue.ErrNoJobs) {
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			won = append(won, job.ClaimedBy)
			mu.Unlock()
		}(i)
	}
	close(start)
	wg.Wait()

	require.Len(t, won, 1)
	assert.Equal(t, won[0], get(t, s, q, "only").ClaimedBy)
}

func testConcurrentClaimDrain(t *testing.T, s queue.Store, c *Clock, q string) {
	const jobs = 40
	for i := 0; i < jobs; i++ {
		insert(t, s, c, q, fmt.Sprintf("j%02d", i), 0)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				job, err := s.ClaimNext(context.Background(), q, fmt.Sprintf("w%d", w))
				if errors.Is(err, queue.ErrNoJobs) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func ids(jobs []*queue.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}
