package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskqueue/internal/backoff"
	"taskqueue/internal/config"
	"taskqueue/internal/events"
	"taskqueue/internal/queue"
	"taskqueue/internal/ratelimit"
)

const claimLimiterKey = "claims"

// cancelWait bounds how long Start waits for handlers to return after their
// context is cancelled. Slots still running past it are left to the stall
// detector.
var cancelWait = 2 * time.Second

type Runner struct {
	cfg      *config.Config
	store    queue.Store
	handler  Handler
	logger   *slog.Logger
	events   events.Publisher
	limiter  *ratelimit.Window
	backoff  backoff.Strategy
	metrics  Metrics
	now      func() time.Time
	wg       sync.WaitGroup
	inFlight atomic.Int64

	// Set once handlers have been cancelled after the shutdown grace period;
	// no store writes happen after that.
	hardStopped atomic.Bool

	unavailableMu    sync.Mutex
	unavailableSince time.Time
	giveUp           chan error
}

func New(cfg *config.Config, store queue.Store, handler Handler, logger *slog.Logger, publisher events.Publisher) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	strategy, err := cfg.Backoff()
	if err != nil {
		logger.Warn("invalid backoff config, using exponential defaults", "error", err)
		strategy = backoff.DefaultExponential()
	}
	return &Runner{
		cfg:     cfg,
		store:   store,
		handler: handler,
		logger:  logger.With("queue", cfg.QueueName, "worker_id", cfg.WorkerID),
		events:  publisher,
		limiter: ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow),
		backoff: strategy,
		now:     time.Now,
		giveUp:  make(chan error, 1),
	}
}

func (r *Runner) Stats() Snapshot {
	return r.metrics.Snapshot()
}

func (r *Runner) InFlight() int {
	return int(r.inFlight.Load())
}

// Start runs the slots, the stall detector and the retention sweeper until ctx
// is cancelled, then drains in-flight handlers. It returns an error wrapping
// queue.ErrStoreUnavailable if the store stays unreachable past StoreGiveUp.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("starting worker runner",
		"concurrency", r.cfg.Concurrency,
		"rate_limit", fmt.Sprintf("%d/%s", r.cfg.RateLimitMax, r.cfg.RateLimitWindow),
		"lease", r.cfg.LeaseDuration,
	)
	r.publishWorker(events.TypeWorkerStarted, "worker started")
	defer r.metrics.Report(r.logger)

	claimCtx, stopClaims := context.WithCancel(ctx)
	defer stopClaims()
	// Handlers outlive ctx by up to ShutdownTimeout.
	runCtx, hardCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer hardCancel()

	var bg sync.WaitGroup
	reaper := NewReaper(r.store, r.cfg.QueueName, ReaperOptions{
		Lease:      r.cfg.LeaseDuration,
		Interval:   r.cfg.StalledInterval,
		MaxStalled: r.cfg.MaxStalledCount,
	}, r.logger, r.events)
	janitor := NewJanitor(r.store, r.cfg.QueueName, r.cfg.RetainCompleted, r.cfg.RetainFailed, r.cfg.RetentionInterval, r.logger)
	bg.Add(2)
	go func() {
		defer bg.Done()
		_ = reaper.Run(claimCtx)
	}()
	go func() {
		defer bg.Done()
		_ = janitor.Run(claimCtx)
	}()

	concurrency := r.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		r.wg.Add(1)
		go func(slot int) {
			defer r.wg.Done()
			r.runSlot(claimCtx, runCtx, slot)
		}(i)
	}

	var startErr error
	select {
	case <-ctx.Done():
		r.logger.Info("worker received shutdown signal, waiting for jobs to finish", "in_flight", r.InFlight())
	case startErr = <-r.giveUp:
		r.logger.Error("store unavailable past give-up threshold, stopping", "error", startErr)
	}
	stopClaims()

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()

	grace := r.cfg.ShutdownTimeout
	if startErr != nil {
		grace = 0
	}
	timer := time.NewTimer(grace)
	select {
	case <-drained:
		timer.Stop()
		r.logger.Info("all jobs finished")
	case <-timer.C:
		r.logger.Warn("shutdown timeout reached, cancelling in-flight handlers", "in_flight", r.InFlight())
		r.hardStopped.Store(true)
		hardCancel()
		abandon := time.NewTimer(cancelWait)
		select {
		case <-drained:
			abandon.Stop()
		case <-abandon.C:
			r.logger.Error("handlers ignored cancellation, leaving their jobs to the stall detector", "in_flight", r.InFlight())
		}
	}
	bg.Wait()

	r.publishWorker(events.TypeWorkerStopped, "worker stopped")
	return startErr
}

func (r *Runner) runSlot(claimCtx, runCtx context.Context, slot int) {
	logger := r.logger.With("slot", slot)
	poll := r.cfg.PollMinBackoff

	for claimCtx.Err() == nil {
		release, err := r.limiter.Wait(claimCtx, claimLimiterKey)
		if err != nil {
			return
		}

		job, err := r.claim(claimCtx)
		switch {
		case err == nil:
			r.storeHealthy()
			poll = r.cfg.PollMinBackoff
			r.process(runCtx, job)
			continue
		case errors.Is(err, queue.ErrNoJobs):
			release()
			r.storeHealthy()
		case claimCtx.Err() != nil:
			release()
			return
		default:
			release()
			logger.Error("claim failed", "error", err)
			r.storeFailed(err)
		}

		if !sleepCtx(claimCtx, jitter(poll)) {
			return
		}
		poll = nextPoll(poll, r.cfg.PollMaxBackoff)
	}
}

func (r *Runner) claim(ctx context.Context) (*queue.Job, error) {
	token := r.cfg.WorkerID + ":" + uuid.NewString()
	start := time.Now()
	job, err := r.store.ClaimNext(ctx, r.cfg.QueueName, token)
	elapsed := time.Since(start)
	storeOpDuration.WithLabelValues("claim").Observe(elapsed.Seconds())
	if err != nil {
		if errors.Is(err, queue.ErrStoreUnavailable) {
			storeErrors.WithLabelValues("claim").Inc()
		}
		return nil, err
	}
	r.metrics.RecordClaim(elapsed)
	jobsClaimed.WithLabelValues(r.cfg.QueueName).Inc()
	claimDuration.WithLabelValues(r.cfg.QueueName).Observe(elapsed.Seconds())
	if job.Attempts == 0 && job.StalledCount == 0 {
		queueWaitTime.WithLabelValues(r.cfg.QueueName).Observe(r.now().Sub(job.CreatedAt).Seconds())
	}
	return job, nil
}

// process runs the handler for a claimed job and records the outcome.
func (r *Runner) process(runCtx context.Context, job *queue.Job) {
	token := job.ClaimedBy
	logger := r.logger.With("job_id", job.ID, "attempt", job.Attempts+1)
	logger.Info("processing job", "max_attempts", job.MaxAttempts)
	r.publishTransition(job.ID, queue.StateWaiting, queue.StateActive, "")

	r.inFlight.Add(1)
	jobsInFlight.WithLabelValues(r.cfg.QueueName).Inc()
	defer func() {
		r.inFlight.Add(-1)
		jobsInFlight.WithLabelValues(r.cfg.QueueName).Dec()
	}()

	handlerCtx, cancelHandler := context.WithCancel(runCtx)
	defer cancelHandler()
	if r.cfg.HandlerTimeout > 0 {
		var cancelTimeout context.CancelFunc
		handlerCtx, cancelTimeout = context.WithTimeout(handlerCtx, r.cfg.HandlerTimeout)
		defer cancelTimeout()
	}

	var (
		abandoned atomic.Bool
		lastBeat  atomic.Int64
	)
	lastBeat.Store(r.now().UnixNano())
	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeat(hbCtx, job, token, &lastBeat, func() {
			abandoned.Store(true)
			cancelHandler()
		})
	}()

	task := &Task{
		ID:          job.ID,
		Queue:       job.Queue,
		Payload:     job.Payload,
		Attempt:     job.Attempts + 1,
		MaxAttempts: job.MaxAttempts,
		CreatedAt:   job.CreatedAt,
		WorkerID:    r.cfg.WorkerID,
		Logger:      logger,
		progress: func(ctx context.Context, progress json.RawMessage) error {
			if err := r.store.UpdateProgress(ctx, job.Queue, job.ID, token, progress); err != nil {
				return err
			}
			ev := events.Event{
				Timestamp: time.Now(),
				Level:     "info",
				Type:      events.TypeProgress,
				Queue:     job.Queue,
				JobID:     job.ID,
				WorkerID:  r.cfg.WorkerID,
				Metadata:  map[string]string{"progress": string(progress)},
			}
			r.events.Publish(ev)
			return nil
		},
	}

	start := time.Now()
	result, handlerErr := r.invoke(handlerCtx, task)
	execTime := time.Since(start)
	execDuration.WithLabelValues(r.cfg.QueueName).Observe(execTime.Seconds())

	stopHeartbeat()
	<-hbDone

	if abandoned.Load() {
		logger.Warn("claim lost while running, abandoning job")
		r.recordAbandon()
		return
	}
	if r.hardStopped.Load() || runCtx.Err() != nil {
		logger.Warn("handler cancelled by shutdown, leaving job for the stall detector")
		r.recordAbandon()
		return
	}
	if handlerErr != nil && errors.Is(handlerErr, context.DeadlineExceeded) && handlerCtx.Err() != nil {
		handlerErr = fmt.Errorf("handler timed out after %s: %w", r.cfg.HandlerTimeout, handlerErr)
	}

	deadline := time.Unix(0, lastBeat.Load()).Add(r.cfg.LeaseDuration)
	writeCtx, cancelWrite := context.WithDeadline(runCtx, deadline)
	defer cancelWrite()

	if handlerErr == nil {
		err := r.write(writeCtx, "complete", func(ctx context.Context) error {
			return r.store.Complete(ctx, job.Queue, job.ID, token, result)
		})
		if r.resolveWriteErr(logger, err) {
			return
		}
		logger.Info("job completed", "duration", execTime)
		r.metrics.RecordSuccess(r.now().Sub(job.CreatedAt), execTime)
		jobsFinished.WithLabelValues(r.cfg.QueueName, "completed").Inc()
		r.publishTransition(job.ID, queue.StateActive, queue.StateCompleted, "")
		return
	}

	reason := queue.SummarizeError(handlerErr)
	nextAttempt := job.Attempts + 1
	if nextAttempt >= job.MaxAttempts {
		err := r.write(writeCtx, "fail", func(ctx context.Context) error {
			return r.store.Fail(ctx, job.Queue, job.ID, token, reason)
		})
		if r.resolveWriteErr(logger, err) {
			return
		}
		logger.Warn("job failed permanently", "error", reason, "attempts", nextAttempt)
		r.metrics.RecordFailure()
		jobsFinished.WithLabelValues(r.cfg.QueueName, "failed").Inc()
		r.publishTransition(job.ID, queue.StateActive, queue.StateFailed, reason)
		return
	}

	delay := r.backoff.Delay(nextAttempt)
	err := r.write(writeCtx, "reschedule", func(ctx context.Context) error {
		return r.store.Reschedule(ctx, job.Queue, job.ID, token, delay)
	})
	if r.resolveWriteErr(logger, err) {
		return
	}
	to := queue.StateWaiting
	if delay > 0 {
		to = queue.StateDelayed
	}
	logger.Warn("job failed, retry scheduled", "error", reason, "delay", delay)
	r.metrics.RecordRetry()
	jobsFinished.WithLabelValues(r.cfg.QueueName, "retried").Inc()
	r.publishTransition(job.ID, queue.StateActive, to, reason)
}

// invoke calls the handler, turning panics into failures.
func (r *Runner) invoke(ctx context.Context, task *Task) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			task.Logger.Error("handler panicked", "panic", p, "stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return r.handler.Handle(ctx, task)
}

// heartbeat refreshes the claim until ctx ends. onLost runs once if the claim
// is gone.
func (r *Runner) heartbeat(ctx context.Context, job *queue.Job, token string, lastBeat *atomic.Int64, onLost func()) {
	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = r.cfg.LeaseDuration / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := r.store.Heartbeat(ctx, job.Queue, job.ID, token)
			storeOpDuration.WithLabelValues("heartbeat").Observe(time.Since(start).Seconds())
			switch {
			case err == nil:
				lastBeat.Store(r.now().UnixNano())
			case queue.IsAbandon(err):
				onLost()
				return
			case ctx.Err() != nil:
				return
			default:
				storeErrors.WithLabelValues("heartbeat").Inc()
				r.logger.Warn("heartbeat failed", "job_id", job.ID, "error", err)
			}
		}
	}
}

// write retries op while the store is unavailable and ctx (bounded by the
// lease) allows.
func (r *Runner) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	wait := 100 * time.Millisecond
	for {
		start := time.Now()
		err := fn(ctx)
		storeOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err == nil || !errors.Is(err, queue.ErrStoreUnavailable) {
			return err
		}
		storeErrors.WithLabelValues(op).Inc()
		r.logger.Warn("store write failed, retrying", "operation", op, "error", err)
		if !sleepCtx(ctx, wait) {
			return fmt.Errorf("%s: gave up before lease expiry: %w", op, err)
		}
		wait = nextPoll(wait, 2*time.Second)
	}
}

// resolveWriteErr logs a failed outcome write and reports whether it failed.
func (r *Runner) resolveWriteErr(logger *slog.Logger, err error) bool {
	if err == nil {
		return false
	}
	if queue.IsAbandon(err) {
		logger.Warn("claim lost before outcome was recorded, abandoning job", "error", err)
	} else {
		logger.Error("failed to record job outcome, leaving it for the stall detector", "error", err)
	}
	r.recordAbandon()
	return true
}

func (r *Runner) recordAbandon() {
	r.metrics.RecordAbandon()
	jobsFinished.WithLabelValues(r.cfg.QueueName, "abandoned").Inc()
}

func (r *Runner) storeHealthy() {
	r.unavailableMu.Lock()
	r.unavailableSince = time.Time{}
	r.unavailableMu.Unlock()
}

func (r *Runner) storeFailed(err error) {
	if !errors.Is(err, queue.ErrStoreUnavailable) || r.cfg.StoreGiveUp <= 0 {
		return
	}
	now := r.now()
	r.unavailableMu.Lock()
	if r.unavailableSince.IsZero() {
		r.unavailableSince = now
	}
	down := now.Sub(r.unavailableSince)
	r.unavailableMu.Unlock()

	if down >= r.cfg.StoreGiveUp {
		select {
		case r.giveUp <- fmt.Errorf("store unavailable for %s: %w", down.Round(time.Second), err):
		default:
		}
	}
}

func (r *Runner) publishTransition(jobID string, from, to queue.State, errMsg string) {
	ev := events.Transition(r.cfg.QueueName, jobID, string(from), string(to))
	ev.WorkerID = r.cfg.WorkerID
	ev.Error = errMsg
	r.events.Publish(ev)
}

func (r *Runner) publishWorker(kind, msg string) {
	r.events.Publish(events.Event{
		Timestamp: time.Now(),
		Level:     "info",
		Type:      kind,
		Message:   msg,
		Queue:     r.cfg.QueueName,
		WorkerID:  r.cfg.WorkerID,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// jitter spreads idle polls by up to 20% to avoid a thundering herd.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}

func nextPoll(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit {
		return limit
	}
	return next
}
