package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"taskqueue/internal/events"
)

const (
	maxIDLength         = 128
	maxReplaceAttempts  = 5
	maxGenerateAttempts = 16
)

type EnqueueOptions struct {
	// ID doubles as the idempotency key. A pending job with the same id is
	// superseded by the new submission.
	ID    string
	Delay time.Duration
	// MaxAttempts falls back to the producer default when zero.
	MaxAttempts int
	RetainFor   time.Duration
}

type Producer struct {
	store       Store
	queue       string
	events      events.Publisher
	now         func() time.Time
	maxAttempts int
}

type ProducerOption func(*Producer)

func WithPublisher(p events.Publisher) ProducerOption {
	return func(pr *Producer) {
		if p != nil {
			pr.events = p
		}
	}
}

func WithClock(now func() time.Time) ProducerOption {
	return func(pr *Producer) {
		if now != nil {
			pr.now = now
		}
	}
}

func WithDefaultMaxAttempts(n int) ProducerOption {
	return func(pr *Producer) {
		if n > 0 {
			pr.maxAttempts = n
		}
	}
}

func NewProducer(store Store, queue string, opts ...ProducerOption) *Producer {
	p := &Producer{
		store:       store,
		queue:       queue,
		events:      events.NoopPublisher{},
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Producer) Queue() string {
	return p.queue
}

// Enqueue validates payload and durably records a new job, returning its id.
// It never waits for a worker.
func (p *Producer) Enqueue(ctx context.Context, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	normalized, err := NormalizePayload(payload)
	if err != nil {
		return "", err
	}
	if opts.Delay < 0 {
		return "", fmt.Errorf("%w: delay must not be negative", ErrInvalidArgument)
	}
	if opts.MaxAttempts < 0 {
		return "", fmt.Errorf("%w: max attempts must not be negative", ErrInvalidArgument)
	}
	if opts.RetainFor < 0 {
		return "", fmt.Errorf("%w: retention must not be negative", ErrInvalidArgument)
	}
	if opts.ID != "" {
		if err := ValidateID(opts.ID); err != nil {
			return "", err
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = p.maxAttempts
	}
	now := p.now()
	job := &Job{
		Queue:       p.queue,
		Payload:     normalized,
		State:       StateWaiting,
		MaxAttempts: maxAttempts,
		RunAt:       now.Add(opts.Delay),
		CreatedAt:   now,
		RetainFor:   opts.RetainFor,
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
	}

	if opts.ID == "" {
		return p.insertGenerated(ctx, job, now)
	}
	job.ID = opts.ID
	return p.insertReplacing(ctx, job)
}

func (p *Producer) insertReplacing(ctx context.Context, job *Job) (string, error) {
	for i := 0; i < maxReplaceAttempts; i++ {
		err := p.store.Insert(ctx, job)
		if err == nil {
			p.publish(job.ID, "", job.State, "")
			return job.ID, nil
		}
		if !errors.Is(err, ErrConflict) {
			return "", err
		}

		existing, err := p.store.Get(ctx, p.queue, job.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		if existing.State == StateActive {
			return "", fmt.Errorf("%w: job %s is active", ErrConflict, job.ID)
		}
		if existing.State.Terminal() {
			continue
		}
		err = p.store.Remove(ctx, p.queue, job.ID, StateWaiting, StateDelayed)
		switch {
		case err == nil:
			p.publish(job.ID, existing.StateAt(p.now()), StateRemoved, "")
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
			// Claimed or removed concurrently; the next pass sees the new state.
		default:
			return "", err
		}
	}
	return "", fmt.Errorf("%w: job %s changed concurrently during replace", ErrConflict, job.ID)
}

func (p *Producer) insertGenerated(ctx context.Context, job *Job, now time.Time) (string, error) {
	base := fmt.Sprintf("task-%d", now.UnixMilli())
	for i := 0; i < maxGenerateAttempts; i++ {
		id := base
		if i > 0 {
			id = fmt.Sprintf("%s-%d", base, i)
		}
		if _, err := p.store.Get(ctx, p.queue, id); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		job.ID = id
		err := p.store.Insert(ctx, job)
		if err == nil {
			p.publish(id, "", job.State, "")
			return id, nil
		}
		if !errors.Is(err, ErrConflict) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: could not allocate a job id", ErrConflict)
}

// List returns summaries in insertion order, reporting effective states.
func (p *Producer) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	jobs, err := p.store.List(ctx, p.queue, opts)
	if err != nil {
		return nil, err
	}
	now := p.now()
	out := make([]Summary, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Summary(now))
	}
	return out, nil
}

func (p *Producer) Get(ctx context.Context, id string) (*Job, error) {
	job, err := p.store.Get(ctx, p.queue, id)
	if err != nil {
		return nil, err
	}
	job.State = job.StateAt(p.now())
	return job, nil
}

func (p *Producer) Remove(ctx context.Context, id string) error {
	job, err := p.store.Get(ctx, p.queue, id)
	if err != nil {
		return err
	}
	if err := p.store.Remove(ctx, p.queue, id); err != nil {
		return err
	}
	p.publish(id, job.StateAt(p.now()), StateRemoved, "")
	return nil
}

// Replay submits a terminal job's payload again under the same id with a
// fresh attempt budget. The terminal record is replaced.
func (p *Producer) Replay(ctx context.Context, id string) (string, error) {
	job, err := p.store.Get(ctx, p.queue, id)
	if err != nil {
		return "", err
	}
	if !job.State.Terminal() {
		return "", fmt.Errorf("%w: job %s is %s", ErrConflict, id, job.StateAt(p.now()))
	}
	return p.Enqueue(ctx, job.Payload, EnqueueOptions{
		ID:          id,
		MaxAttempts: job.MaxAttempts,
		RetainFor:   job.RetainFor,
	})
}

func (p *Producer) publish(id string, from, to State, errMsg string) {
	ev := events.Transition(p.queue, id, string(from), string(to))
	ev.Error = errMsg
	p.events.Publish(ev)
}

// NormalizePayload rejects payloads that carry no work and returns the
// compacted JSON.
func NormalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidArgument)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidArgument)
	}
	switch buf.String() {
	case "null", "{}", "[]", `""`:
		return nil, fmt.Errorf("%w: payload is empty", ErrInvalidArgument)
	}
	return json.RawMessage(buf.Bytes()), nil
}

func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id must not be blank", ErrInvalidArgument)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: id longer than %d bytes", ErrInvalidArgument, maxIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: id contains whitespace or control characters", ErrInvalidArgument)
		}
	}
	return nil
}
