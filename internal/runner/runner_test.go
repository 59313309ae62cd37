package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskqueue/internal/config"
	"taskqueue/internal/events"
	"taskqueue/internal/queue"
	"taskqueue/internal/store/memory"
	"taskqueue/internal/store/storetest"
)

const testQueue = "runner-test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.QueueName = testQueue
	cfg.WorkerID = "worker-1"
	cfg.Concurrency = 2
	cfg.RateLimitMax = 100
	cfg.RateLimitWindow = time.Second
	cfg.LeaseDuration = time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.StalledInterval = time.Second
	cfg.PollMinBackoff = 5 * time.Millisecond
	cfg.PollMaxBackoff = 20 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	cfg.BackoffType = "fixed"
	cfg.BackoffDelay = time.Millisecond
	cfg.HandlerTimeout = 0
	return cfg
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(kind string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

// start runs the runner in the background and returns a stop func that
// cancels it and waits for Start to return.
func start(t *testing.T, r *Runner) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	var once sync.Once
	var err error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("runner did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func enqueue(t *testing.T, s queue.Store, payload string, opts queue.EnqueueOptions) string {
	t.Helper()
	id, err := queue.NewProducer(s, testQueue).Enqueue(context.Background(), json.RawMessage(payload), opts)
	require.NoError(t, err)
	return id
}

func waitState(t *testing.T, s queue.Store, id string, want queue.State) *queue.Job {
	t.Helper()
	var job *queue.Job
	require.Eventually(t, func() bool {
		j, err := s.Get(context.Background(), testQueue, id)
		if err != nil {
			return false
		}
		job = j
		return j.StateAt(time.Now()) == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestRunnerCompletesJobs(t *testing.T) {
	store := memory.New()
	rec := &recorder{}
	handler := HandlerFunc(func(ctx context.Context, task *Task) (json.RawMessage, error) {
		return json.RawMessage(`{"echo":` + string(task.Payload) + `}`), nil
	})

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, enqueue(t, store, `{"n":1}`, queue.EnqueueOptions{}))
	}

	r := New(testConfig(), store, handler, testLogger(), rec)
	stop := start(t, r)

	for _, id := range ids {
		job := waitState(t, store, id, queue.StateCompleted)
		assert.JSONEq(t, `{"echo":{"n":1}}`, string(job.Result))
		assert.Equal(t, 0, job.Attempts)
	}
	require.NoError(t, stop())

	stats := r.Stats()
	assert.Equal(t, int64(5), stats.Claimed)
	assert.Equal(t, int64(5), stats.Completed)
	assert.Len(t, rec.ofType(events.TypeWorkerStarted), 1)
	assert.Len(t, rec.ofType(events.TypeWorkerStopped), 1)

	var completed int
	for _, ev := range rec.ofType(events.TypeTransition) {
		if ev.To == string(queue.StateCompleted) {
			completed++
		}
	}
	assert.Equal(t, 5, completed)
}

func TestRunnerRetriesThenFails(t *testing.T) {
	store := memory.New()
	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, task *Task) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})
	id := enqueue(t, store, `{"k":1}`, queue.EnqueueOptions{MaxAttempts: 3})

	r := New(testConfig(), store, handler, testLogger(), nil)
	start(t, r)

	job := waitState(t, store, id, queue.StateFailed)
	assert.Equal(t, 3, job.Attempts)
	assert.Contains(t, job.Error, "boom")
	assert.Equal(t, int32(3), calls.Load())

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.Retried)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestRunnerRetrySucceeds(t *testing.T) {
	store := memory.New()
	handler := HandlerFunc(func(ctx context.Context, task *Task) (json.RawMessage, error) {
		if task.Attempt < 2 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`"ok"`), nil
	})
	id := enqueue(t, store, `{"k":1}`, queue.EnqueueOptions{})

	start(t, New(testConfig(), store, handler, testLogger(), nil))

	job := waitState(t, store, id, queue.StateCompleted)
	assert.Equal(t, 1, job.Attempts)
	assert.Empty(t, job.Error)
}

func TestRunnerRecoversPanics(t *testing.T) {
	store := memory.New()
	handler := HandlerFunc(func(ctx context.Context, task *Task) (json.RawMessage, error) {
		panic("handler exploded")
	})
	id := enqueue(t, store, `{"k":1}`, queue.EnqueueOptions{MaxAttempts: 1})

	start(t, New(testConfig(), store, handler, testLogger(), nil))

	job := waitState(t, store, id, queue.StateFailed)
	assert.Contains(t, job.Error, "handler exploded")
}

func TestRunnerHandlerTimeout(t *testing.T) {
	store := memory.New()
	handler := HandlerFunc(func(ctx context.Context, task *Task) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	id := enqueue(t, store, `{"k":1}`, queue.EnqueueOptions{MaxAttempts: 1})

	cfg := testConfig()
	cfg.HandlerTimeout = 30 * time.Millisecond
	start(t, New(cfg, store, handler, testLogger(), nil))

	job := waitState(t, store, id, queue.StateFailed)
	assert.Contains(t, job.Error, "timed out")
}

func TestRunnerClaimRateLimit(t *testing.T) {
	store := memory.New()
	handler := HandlerFunc(func(ctx context.Context, task *Task) (json.RawMessage, error) {
		return nil, nil
	})
	for i := 0; i < 6; i++ {
		enqueue(t, store, `{"k":1}`, queue.EnqueueOptions{})
	}

	cfg := testConfig()
	cfg.Concurrency = 4
	cfg.RateLimitMax = 2
	cfg.RateLimitWindow = 400 * time.Millisecond
	r := New(cfg, store, handler, testLogger(), nil)
	start(t, r)

	require.Eventually(t, func() bool { return r.Stats().Completed == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(2), r.Stats().Claimed, "no more than two claims per window")

	require.Eventually(t, func() bool { return r.Stats().Completed == 6 }, 3*time.Second, 10*time.Millisecond)
}

func TestRunnerReportsProgress(t *testing.T) {
	store := memory.New()
	rec := &recorder{}
	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, task *Task) (json.RawMessage, error) {
		if err := task.ReportProgress(ctx, map[string]int{"done": 50}); err != nil {
			return nil, err
		}
		<-release
		return nil, nil
	})
	id := enqueue(t, store, `{"k":1}`, queue.EnqueueOptions{})

	start(t, New(testConfig(), store, handler, testLogger(), rec))

	require.Eventually(t, func() bool {
		j, err := store.Get(context.Background(), testQueue, id)
		return err == nil && string(j.Progress) == `{"done":50}`
	}, time.Second, 5*time.Millisecond)
	close(release)

	job := waitState(t, store, id, queue.StateCompleted)
	assert.JSONEq(t, `null`, string(job.Result))
	require.Len(t, rec.ofType(events.TypeProgress), 1)
	assert.Equal(t, `{"done":50}`, rec.ofType(events.TypeProgress)[0].Metadata["progress"])
}

func TestRunnerAbandonsLostClaim(t *testing.T) {
	store := memory.New()
	claimed := make(chan string, 1)
	handler := HandlerFunc(func(ctx context.Context, task *Task) (json.RawMessage, error) {
		claimed <- task.ID
		<-ctx.Done()
		return nil, ctx.Err()
	})
	id := enqueue(t, store, `{"k":1}`, queue.EnqueueOptions{})

	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.HeartbeatInterval = 20 * time.Millisecond
	r := New(cfg, store, handler, testLogger(), nil)
	start(t, r)

	select {
	case <-claimed:
	case <-time.After(2 * time.Second):
		t.Fatal("job never claimed")
	}
	require.NoError(t, store.Remove(context.Background(), testQueue, id))

	require.Eventually(t, func() bool { return r.Stats().Abandoned == 1 }, 2*time.Second, 5*time.Millisecond)
	_, err := store.Get(context.Background(), testQueue, id)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	assert.Zero(t, r.Stats().Failed)
}

func TestRunnerDrainsOnShutdown(t *testing.T) {
	store := memory.New()
	claimed := make(chan struct{})
	var once sync.Once
	handler := HandlerFunc(func(ctx context.Context, task *Task) (json.RawMessage, error) {
		once.Do(func() { close(claimed) })
		time.Sleep(100 * time.Millisecond)
		return json.RawMessage(`1`), nil
	})
	id := enqueue(t, store, `{"k":1}`, queue.EnqueueOptions{})

	cfg := testConfig()
	cfg.Concurrency = 1
	stop := start(t, New(cfg, store, handler, testLogger(), nil))

	<-claimed
	require.NoError(t, stop())

	job, err := store.Get(context.Background(), testQueue, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, job.State)
}

func TestRunnerHardStopLeavesJobActive(t *testing.T) {
	store := memory.New()
	claimed := make(chan struct{})
	var once sync.Once
	handler := HandlerFunc(func(ctx context.Context, task *Task) (json.RawMessage, error) {
		once.Do(func() { close(claimed) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	id := enqueue(t, store, `{"k":1}`, queue.EnqueueOptions{})

	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.ShutdownTimeout = 50 * time.Millisecond
	r := New(cfg, store, handler, testLogger(), nil)
	stop := start(t, r)

	<-claimed
	require.NoError(t, stop())

	job, err := store.Get(context.Background(), testQueue, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StateActive, job.State, "no write after the hard stop")
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, int64(1), r.Stats().Abandoned)
}

func TestRunnerStopsWhenHandlerIgnoresCancellation(t *testing.T) {
	defer func(prev time.Duration) { cancelWait = prev }(cancelWait)
	cancelWait = 100 * time.Millisecond

	store := memory.New()
	claimed := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	handler := HandlerFunc(func(ctx context.Context, task *Task) (json.RawMessage, error) {
		once.Do(func() { close(claimed) })
		<-release
		return json.RawMessage(`1`), nil
	})
	t.Cleanup(func() { close(release) })
	id := enqueue(t, store, `{"k":1}`, queue.EnqueueOptions{})

	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.ShutdownTimeout = 100 * time.Millisecond
	r := New(cfg, store, handler, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	<-claimed
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start blocked on a handler that ignores cancellation")
	}

	job, err := store.Get(context.Background(), testQueue, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StateActive, job.State)
	assert.Equal(t, 1, r.InFlight())
}

type downStore struct {
	queue.Store
}

func (downStore) ClaimNext(context.Context, string, string) (*queue.Job, error) {
	return nil, queue.Unavailable("test", "claim", errors.New("connection refused"))
}

func TestRunnerGivesUpOnUnavailableStore(t *testing.T) {
	cfg := testConfig()
	cfg.StoreGiveUp = 50 * time.Millisecond
	r := New(cfg, downStore{memory.New()}, HandlerFunc(func(context.Context, *Task) (json.RawMessage, error) {
		return nil, nil
	}), testLogger(), nil)

	done := make(chan error, 1)
	go func() { done <- r.Start(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, queue.ErrStoreUnavailable)
	case <-time.After(3 * time.Second):
		t.Fatal("runner kept polling an unavailable store")
	}
}

func TestReaperSweep(t *testing.T) {
	clock := storetest.NewClock()
	store := memory.New(memory.WithClock(clock.Now))
	ctx := context.Background()
	producer := queue.NewProducer(store, testQueue, queue.WithClock(clock.Now))
	rec := &recorder{}

	id, err := producer.Enqueue(ctx, json.RawMessage(`{"k":1}`), queue.EnqueueOptions{})
	require.NoError(t, err)

	reaper := NewReaper(store, testQueue, ReaperOptions{
		Lease:      30 * time.Second,
		MaxStalled: 1,
		Now:        clock.Now,
	}, testLogger(), rec)

	_, err = store.ClaimNext(ctx, testQueue, "w1:a")
	require.NoError(t, err)

	res, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReapResult{}, res, "fresh heartbeat is not stalled")

	clock.Advance(31 * time.Second)
	res, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReapResult{Scanned: 1, Requeued: 1}, res)

	job, err := store.Get(ctx, testQueue, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Equal(t, 0, job.Attempts, "stalls never count as attempts")
	assert.Equal(t, 1, job.StalledCount)
	assert.Empty(t, job.ClaimedBy)

	_, err = store.ClaimNext(ctx, testQueue, "w2:b")
	require.NoError(t, err)
	clock.Advance(31 * time.Second)
	res, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReapResult{Scanned: 1, Failed: 1}, res)

	job, err = store.Get(ctx, testQueue, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Equal(t, queue.StalledErrorMessage, job.Error)
	assert.Equal(t, 0, job.Attempts)

	assert.Len(t, rec.ofType(events.TypeStalled), 2)
}

type racingStore struct {
	queue.Store
	onScan func()
}

func (s racingStore) ScanStalled(ctx context.Context, q string, olderThan time.Time) ([]*queue.Job, error) {
	jobs, err := s.Store.ScanStalled(ctx, q, olderThan)
	s.onScan()
	return jobs, err
}

func TestReaperSkipsJobThatHeartbeated(t *testing.T) {
	clock := storetest.NewClock()
	mem := memory.New(memory.WithClock(clock.Now))
	ctx := context.Background()
	_, err := queue.NewProducer(mem, testQueue, queue.WithClock(clock.Now)).Enqueue(ctx, json.RawMessage(`{"k":1}`), queue.EnqueueOptions{ID: "job-1"})
	require.NoError(t, err)

	job, err := mem.ClaimNext(ctx, testQueue, "w1:a")
	require.NoError(t, err)
	clock.Advance(31 * time.Second)

	store := racingStore{Store: mem, onScan: func() {
		require.NoError(t, mem.Heartbeat(ctx, testQueue, job.ID, job.ClaimedBy))
	}}
	reaper := NewReaper(store, testQueue, ReaperOptions{Lease: 30 * time.Second, MaxStalled: 3, Now: clock.Now}, testLogger(), nil)

	res, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReapResult{Scanned: 1, Skipped: 1}, res)

	got, err := mem.Get(ctx, testQueue, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateActive, got.State)
	assert.Equal(t, "w1:a", got.ClaimedBy)
}

func TestJanitorSweep(t *testing.T) {
	clock := storetest.NewClock()
	store := memory.New(memory.WithClock(clock.Now))
	ctx := context.Background()
	producer := queue.NewProducer(store, testQueue, queue.WithClock(clock.Now))

	for i := 0; i < 4; i++ {
		_, err := producer.Enqueue(ctx, json.RawMessage(`{"k":1}`), queue.EnqueueOptions{})
		require.NoError(t, err)
		job, err := store.ClaimNext(ctx, testQueue, "w:t")
		require.NoError(t, err)
		if i%2 == 0 {
			require.NoError(t, store.Complete(ctx, testQueue, job.ID, "w:t", nil))
		} else {
			require.NoError(t, store.Fail(ctx, testQueue, job.ID, "w:t", "bad"))
		}
		clock.Advance(time.Second)
	}

	janitor := NewJanitor(store, testQueue,
		queue.Retention{Count: 1},
		queue.Retention{},
		time.Minute, testLogger())

	n, err := janitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := store.Counts(ctx, testQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[queue.StateCompleted])
	assert.Equal(t, int64(2), counts[queue.StateFailed])
}

func TestTaskReportProgressRejectsInvalidJSON(t *testing.T) {
	var got json.RawMessage
	task := &Task{progress: func(_ context.Context, p json.RawMessage) error {
		got = p
		return nil
	}}
	require.Error(t, task.ReportProgress(context.Background(), json.RawMessage(`{nope`)))
	require.NoError(t, task.ReportProgress(context.Background(), 42))
	assert.Equal(t, "42", string(got))
	assert.NoError(t, (&Task{}).ReportProgress(context.Background(), 1))
}
