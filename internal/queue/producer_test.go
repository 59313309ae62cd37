package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskqueue/internal/backoff"
	"taskqueue/internal/events"
	"taskqueue/internal/queue"
	"taskqueue/internal/store/memory"
	"taskqueue/internal/store/storetest"
)

const q = "emails"

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.JobID+":"+ev.From+">"+ev.To)
	}
	return out
}

func setup(t *testing.T) (*memory.Store, *queue.Producer, *storetest.Clock, *recorder) {
	t.Helper()
	clock := storetest.NewClock()
	store := memory.New(memory.WithClock(clock.Now))
	rec := &recorder{}
	p := queue.NewProducer(store, q, queue.WithClock(clock.Now), queue.WithPublisher(rec))
	return store, p, clock, rec
}

// A fresh id is recorded as waiting with no attempts.
func TestEnqueueNewJob(t *testing.T) {
	store, p, clock, rec := setup(t)
	ctx := context.Background()

	id, err := p.Enqueue(ctx, json.RawMessage(`{"x":1}`), queue.EnqueueOptions{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	job, err := store.Get(ctx, q, "t1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, queue.DefaultMaxAttempts, job.MaxAttempts)
	assert.True(t, job.RunAt.Equal(clock.Now()))
	assert.Equal(t, []string{"t1:>waiting"}, rec.transitions())
}

// Resubmitting a waiting id replaces the record.
func TestEnqueueReplacesPendingJob(t *testing.T) {
	store, p, _, rec := setup(t)
	ctx := context.Background()

	_, err := p.Enqueue(ctx, json.RawMessage(`{"x":1}`), queue.EnqueueOptions{ID: "t1"})
	require.NoError(t, err)
	_, err = p.Enqueue(ctx, json.RawMessage(`{"x":2}`), queue.EnqueueOptions{ID: "t1", Delay: time.Minute})
	require.NoError(t, err)

	jobs, err := store.List(ctx, q, queue.ListOptions{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.JSONEq(t, `{"x":2}`, string(jobs[0].Payload))
	assert.Equal(t, queue.StateDelayed, jobs[0].State)
	assert.Equal(t, 0, jobs[0].Attempts)
	assert.Equal(t, []string{"t1:>waiting", "t1:waiting>removed", "t1:>delayed"}, rec.transitions())
}

func TestEnqueueRejectsActiveDuplicate(t *testing.T) {
	store, p, _, _ := setup(t)
	ctx := context.Background()

	_, err := p.Enqueue(ctx, json.RawMessage(`{"x":1}`), queue.EnqueueOptions{ID: "t1"})
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx, q, "w:1")
	require.NoError(t, err)

	_, err = p.Enqueue(ctx, json.RawMessage(`{"x":2}`), queue.EnqueueOptions{ID: "t1"})
	assert.ErrorIs(t, err, queue.ErrConflict)

	job, err := store.Get(ctx, q, "t1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateActive, job.State)
	assert.JSONEq(t, `{"x":1}`, string(job.Payload))
}

// Concurrent replaces of one id leave exactly one pending record.
func TestEnqueueReplaceIsAtomic(t *testing.T) {
	store, p, _, _ := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			payload, _ := json.Marshal(map[string]int{"n": n})
			if _, err := p.Enqueue(ctx, payload, queue.EnqueueOptions{ID: "same"}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, queue.ErrConflict)
	}

	jobs, err := store.List(ctx, q, queue.ListOptions{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.StateWaiting, jobs[0].State)
}

// An empty payload is rejected and nothing is stored.
func TestEnqueueValidation(t *testing.T) {
	store, p, _, rec := setup(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		payload string
		opts    queue.EnqueueOptions
	}{
		{name: "empty payload", payload: ``},
		{name: "empty object", payload: `{}`},
		{name: "invalid json", payload: `{x`},
		{name: "negative delay", payload: `{"x":1}`, opts: queue.EnqueueOptions{Delay: -time.Second}},
		{name: "negative attempts", payload: `{"x":1}`, opts: queue.EnqueueOptions{MaxAttempts: -1}},
		{name: "bad id", payload: `{"x":1}`, opts: queue.EnqueueOptions{ID: "a b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Enqueue(ctx, json.RawMessage(tt.payload), tt.opts)
			assert.ErrorIs(t, err, queue.ErrInvalidArgument)
		})
	}

	counts, err := store.Counts(ctx, q)
	require.NoError(t, err)
	for state, n := range counts {
		assert.Zero(t, n, "state %s", state)
	}
	assert.Empty(t, rec.transitions())
}

func TestEnqueueGeneratesIDs(t *testing.T) {
	_, p, clock, _ := setup(t)
	ctx := context.Background()

	first, err := p.Enqueue(ctx, json.RawMessage(`{"x":1}`), queue.EnqueueOptions{})
	require.NoError(t, err)
	second, err := p.Enqueue(ctx, json.RawMessage(`{"x":1}`), queue.EnqueueOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, "task-"+itoa(clock.Now().UnixMilli()), first)
	assert.Equal(t, first+"-1", second)
}

func TestProducerGetListRemove(t *testing.T) {
	store, p, clock, rec := setup(t)
	ctx := context.Background()

	_, err := p.Enqueue(ctx, json.RawMessage(`{"x":1}`), queue.EnqueueOptions{ID: "later", Delay: time.Minute})
	require.NoError(t, err)
	_, err = p.Enqueue(ctx, json.RawMessage(`{"x":2}`), queue.EnqueueOptions{ID: "now"})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	job, err := p.Get(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State, "due delayed jobs read as waiting")

	summaries, err := p.List(ctx, queue.ListOptions{States: []queue.State{queue.StateWaiting}})
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "later", summaries[0].ID)

	require.NoError(t, p.Remove(ctx, "later"))
	assert.ErrorIs(t, p.Remove(ctx, "later"), queue.ErrNotFound)
	_, err = store.Get(ctx, q, "later")
	assert.ErrorIs(t, err, queue.ErrNotFound)
	assert.Contains(t, rec.transitions(), "later:waiting>removed")
}

func TestReplay(t *testing.T) {
	store, p, _, _ := setup(t)
	ctx := context.Background()

	_, err := p.Enqueue(ctx, json.RawMessage(`{"x":1}`), queue.EnqueueOptions{ID: "r1", MaxAttempts: 1, RetainFor: time.Hour})
	require.NoError(t, err)

	_, err = p.Replay(ctx, "r1")
	assert.ErrorIs(t, err, queue.ErrConflict)

	_, err = store.ClaimNext(ctx, q, "w:1")
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, q, "r1", "w:1", "boom"))

	id, err := p.Replay(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", id)

	job, err := store.Get(ctx, q, "r1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 1, job.MaxAttempts)
	assert.Equal(t, time.Hour, job.RetainFor)
	assert.Empty(t, job.Error)

	_, err = p.Replay(ctx, "missing")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

// A failing handler is retried after the base delay until
// the attempt budget is spent.
func TestRetryThenFail(t *testing.T) {
	store, p, clock, _ := setup(t)
	ctx := context.Background()
	strategy := backoff.Exponential{Base: 5 * time.Second, Multiplier: 2, Max: time.Hour}

	_, err := p.Enqueue(ctx, json.RawMessage(`{"x":1}`), queue.EnqueueOptions{ID: "c1", MaxAttempts: 3})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := store.ClaimNext(ctx, q, "w:"+itoa(int64(attempt)))
		require.NoError(t, err, "attempt %d", attempt)
		require.Equal(t, attempt-1, job.Attempts)

		if attempt < job.MaxAttempts {
			delay := strategy.Delay(attempt)
			require.NoError(t, store.Reschedule(ctx, q, job.ID, job.ClaimedBy, delay))

			got, err := store.Get(ctx, q, "c1")
			require.NoError(t, err)
			assert.Equal(t, attempt, got.Attempts)
			assert.True(t, got.RunAt.Equal(clock.Now().Add(delay)))
			if attempt == 1 {
				assert.Equal(t, 5*time.Second, delay)
			}

			_, err = store.ClaimNext(ctx, q, "early")
			assert.ErrorIs(t, err, queue.ErrNoJobs, "not eligible before the backoff elapses")
			clock.Advance(delay)
			assert.Equal(t, queue.StateWaiting, got.StateAt(clock.Now()))
			continue
		}
		require.NoError(t, store.Fail(ctx, q, job.ID, job.ClaimedBy, "boom"))
	}

	job, err := store.Get(ctx, q, "c1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "boom", job.Error)
	_, err = store.ClaimNext(ctx, q, "late")
	assert.ErrorIs(t, err, queue.ErrNoJobs)
}

// A claim that stops heartbeating is recovered without counting
// an attempt.
func TestStallRecovery(t *testing.T) {
	store, p, clock, _ := setup(t)
	ctx := context.Background()
	const lease = 30 * time.Second

	_, err := p.Enqueue(ctx, json.RawMessage(`{"x":1}`), queue.EnqueueOptions{ID: "e1"})
	require.NoError(t, err)
	job, err := store.ClaimNext(ctx, q, "crashed:1")
	require.NoError(t, err)

	clock.Advance(lease + time.Second)
	cutoff := clock.Now().Add(-lease)
	stalled, err := store.ScanStalled(ctx, q, cutoff)
	require.NoError(t, err)
	require.Len(t, stalled, 1)

	state, err := store.Reap(ctx, q, job.ID, job.ClaimedBy, cutoff, 3)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, state)

	got, err := store.Get(ctx, q, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.ClaimedBy)

	err = store.Complete(ctx, q, job.ID, job.ClaimedBy, nil)
	assert.True(t, errors.Is(err, queue.ErrNotOwner), "the crashed worker is fenced out")
}
