// Package memory is an in-process queue.Store. Every operation runs under a
// single mutex, which is what makes claims exclusive. Intended for tests,
// development and single-process deployments.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"taskqueue/internal/queue"
)

var _ queue.Backend = (*Store)(nil)

type Store struct {
	mu   sync.Mutex
	jobs map[string]map[string]*queue.Job
	seq  int64
	now  func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		jobs: make(map[string]map[string]*queue.Job),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) bucket(q string) map[string]*queue.Job {
	b := s.jobs[q]
	if b == nil {
		b = make(map[string]*queue.Job)
		s.jobs[q] = b
	}
	return b
}

func (s *Store) Insert(_ context.Context, job *queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bucket(job.Queue)
	if existing, ok := b[job.ID]; ok && !existing.State.Terminal() {
		return queue.ErrConflict
	}
	s.seq++
	cp := job.Clone()
	cp.Seq = s.seq
	job.Seq = s.seq
	b[job.ID] = cp
	return nil
}

func (s *Store) ClaimNext(_ context.Context, q, token string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var next *queue.Job
	for _, j := range s.jobs[q] {
		if !j.Eligible(now) {
			continue
		}
		if next == nil || j.RunAt.Before(next.RunAt) || (j.RunAt.Equal(next.RunAt) && j.Seq < next.Seq) {
			next = j
		}
	}
	if next == nil {
		return nil, queue.ErrNoJobs
	}
	next.MarkClaimed(token, now)
	return next.Clone(), nil
}

// owned runs fn against a job held by token.
func (s *Store) owned(q, id, token string, fn func(j *queue.Job, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[q][id]
	if !ok {
		return queue.ErrNotFound
	}
	if err := j.CheckOwner(token); err != nil {
		return err
	}
	fn(j, s.now())
	return nil
}

func (s *Store) Heartbeat(_ context.Context, q, id, token string) error {
	return s.owned(q, id, token, func(j *queue.Job, now time.Time) {
		j.LastHeartbeat = &now
	})
}

func (s *Store) UpdateProgress(_ context.Context, q, id, token string, progress json.RawMessage) error {
	return s.owned(q, id, token, func(j *queue.Job, _ time.Time) {
		j.Progress = append(json.RawMessage(nil), progress...)
	})
}

func (s *Store) Complete(_ context.Context, q, id, token string, result json.RawMessage) error {
	return s.owned(q, id, token, func(j *queue.Job, now time.Time) {
		j.MarkCompleted(result, now)
	})
}

func (s *Store) Fail(_ context.Context, q, id, token, reason string) error {
	return s.owned(q, id, token, func(j *queue.Job, now time.Time) {
		j.MarkFailed(reason, now)
	})
}

func (s *Store) Reschedule(_ context.Context, q, id, token string, delay time.Duration) error {
	return s.owned(q, id, token, func(j *queue.Job, now time.Time) {
		j.MarkRescheduled(delay, now)
	})
}

func (s *Store) Remove(_ context.Context, q, id string, states ...queue.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[q][id]
	if !ok {
		return queue.ErrNotFound
	}
	if len(states) > 0 && !containsState(states, j.State) {
		return queue.ErrConflict
	}
	delete(s.jobs[q], id)
	return nil
}

func (s *Store) Get(_ context.Context, q, id string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[q][id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *Store) List(_ context.Context, q string, opts queue.ListOptions) ([]*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]*queue.Job, 0, len(s.jobs[q]))
	for _, j := range s.jobs[q] {
		if opts.Matches(j, now) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) ScanStalled(_ context.Context, q string, olderThan time.Time) ([]*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*queue.Job
	for _, j := range s.jobs[q] {
		if j.Stalled(olderThan) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out, nil
}

func (s *Store) Reap(_ context.Context, q, id, token string, olderThan time.Time, maxStalled int) (queue.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[q][id]
	if !ok {
		return "", queue.ErrNotFound
	}
	if err := j.CheckOwner(token); err != nil {
		return "", err
	}
	if !j.Stalled(olderThan) {
		return "", queue.ErrNotOwner
	}
	return j.MarkReaped(maxStalled, s.now()), nil
}

func (s *Store) Prune(_ context.Context, q string, state queue.State, policy queue.Retention) (int, error) {
	if !state.Terminal() {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var kept []*queue.Job
	removed := 0
	for id, j := range s.jobs[q] {
		if j.State != state {
			continue
		}
		if j.Expired(policy.Age, now) {
			delete(s.jobs[q], id)
			removed++
			continue
		}
		kept = append(kept, j)
	}
	if policy.Count > 0 && len(kept) > policy.Count {
		sort.Slice(kept, func(a, b int) bool {
			return finishedAfter(kept[a], kept[b])
		})
		for _, j := range kept[policy.Count:] {
			delete(s.jobs[q], j.ID)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) Counts(_ context.Context, q string) (map[queue.State]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	counts := make(map[queue.State]int64, 5)
	for _, st := range queue.States() {
		counts[st] = 0
	}
	for _, j := range s.jobs[q] {
		counts[j.StateAt(now)]++
	}
	return counts, nil
}

// finishedAfter orders newest first, breaking ties by insertion order.
func finishedAfter(a, b *queue.Job) bool {
	if !a.FinishedAt.Equal(*b.FinishedAt) {
		return a.FinishedAt.After(*b.FinishedAt)
	}
	return a.Seq > b.Seq
}

func containsState(states []queue.State, s queue.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
