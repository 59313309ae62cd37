// Package redis implements queue.Store on Redis. Each job is a hash; sorted
// sets index a queue's jobs by insertion order, due time, heartbeat and
// finish time. Every transition runs as one Lua script, so a transition is
// atomic with respect to claims from other workers.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"taskqueue/internal/queue"
)

const backendName = "redis"

const defaultNamespace = "taskqueue"

var _ queue.Backend = (*Store)(nil)

type Store struct {
	client    goredis.UniversalClient
	namespace string
	now       func() time.Time
	logger    *slog.Logger
	ownClient bool
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNamespace sets the key prefix. Stores sharing a namespace share queues.
func WithNamespace(ns string) Option {
	return func(s *Store) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// New wraps an existing client. The caller owns the client lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, namespace: defaultNamespace, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open dials the redis:// or rediss:// URL and verifies the connection.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	s := New(goredis.NewClient(o), opts...)
	s.ownClient = true
	if err := s.Ping(ctx); err != nil {
		s.client.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return queue.Unavailable(backendName, "ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

type keys struct {
	prefix    string
	all       string
	pending   string
	active    string
	completed string
	failed    string
	seq       string
}

func (s *Store) keysFor(q string) keys {
	p := s.namespace + ":{" + q + "}:"
	return keys{
		prefix:    p,
		all:       p + "all",
		pending:   p + "pending",
		active:    p + "active",
		completed: p + "completed",
		failed:    p + "failed",
		seq:       p + "seq",
	}
}

func (k keys) job(id string) string { return k.prefix + "job:" + id }

func (k keys) finished(state queue.State) string {
	if state == queue.StateFailed {
		return k.failed
	}
	return k.completed
}

func (s *Store) Insert(ctx context.Context, job *queue.Job) error {
	k := s.keysFor(job.Queue)
	seq, err := insertScript.Run(ctx, s.client,
		[]string{k.job(job.ID), k.all, k.pending, k.completed, k.failed, k.seq},
		job.ID, job.Queue, string(job.Payload), string(job.State), job.MaxAttempts,
		ms(job.RunAt), ms(job.CreatedAt), job.RetainFor.Milliseconds(),
	).Int64()
	if err != nil {
		return queue.Unavailable(backendName, "insert", err)
	}
	if seq < 0 {
		return queue.ErrConflict
	}
	job.Seq = seq
	return nil
}

func (s *Store) ClaimNext(ctx context.Context, q, token string) (*queue.Job, error) {
	k := s.keysFor(q)
	res, err := claimScript.Run(ctx, s.client, []string{k.pending, k.active}, k.prefix, ms(s.now()), token).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, queue.ErrNoJobs
	}
	if err != nil {
		return nil, queue.Unavailable(backendName, "claim", err)
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[fmt.Sprint(res[i])] = fmt.Sprint(res[i+1])
	}
	job, err := decodeJob(fields)
	if err != nil {
		return nil, queue.Unavailable(backendName, "claim", err)
	}
	return job, nil
}

func (s *Store) fenced(ctx context.Context, op string, script *goredis.Script, keys []string, args ...any) error {
	code, err := script.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return queue.Unavailable(backendName, op, err)
	}
	return codeErr(code)
}

func codeErr(code int) error {
	switch code {
	case codeOK, codeReaped:
		return nil
	case codeNotFound:
		return queue.ErrNotFound
	default:
		return queue.ErrNotOwner
	}
}

func (s *Store) Heartbeat(ctx context.Context, q, id, token string) error {
	k := s.keysFor(q)
	return s.fenced(ctx, "heartbeat", heartbeatScript, []string{k.job(id), k.active}, token, id, ms(s.now()))
}

func (s *Store) UpdateProgress(ctx context.Context, q, id, token string, progress json.RawMessage) error {
	k := s.keysFor(q)
	return s.fenced(ctx, "progress", progressScript, []string{k.job(id)}, token, string(progress))
}

func (s *Store) Complete(ctx context.Context, q, id, token string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	k := s.keysFor(q)
	return s.fenced(ctx, "complete", completeScript, []string{k.job(id), k.active, k.completed},
		token, id, ms(s.now()), string(result))
}

func (s *Store) Fail(ctx context.Context, q, id, token, reason string) error {
	if reason == "" {
		reason = "handler failed"
	}
	k := s.keysFor(q)
	return s.fenced(ctx, "fail", failScript, []string{k.job(id), k.active, k.failed},
		token, id, ms(s.now()), reason)
}

func (s *Store) Reschedule(ctx context.Context, q, id, token string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	state := queue.StateWaiting
	if delay > 0 {
		state = queue.StateDelayed
	}
	k := s.keysFor(q)
	return s.fenced(ctx, "reschedule", rescheduleScript, []string{k.job(id), k.active, k.pending},
		token, id, string(state), ms(s.now().Add(delay)))
}

func (s *Store) Remove(ctx context.Context, q, id string, states ...queue.State) error {
	k := s.keysFor(q)
	args := []any{id}
	for _, st := range states {
		args = append(args, string(st))
	}
	code, err := removeScript.Run(ctx, s.client,
		[]string{k.job(id), k.all, k.pending, k.active, k.completed, k.failed}, args...).Int()
	if err != nil {
		return queue.Unavailable(backendName, "remove", err)
	}
	switch code {
	case codeOK:
		return nil
	case codeNotFound:
		return queue.ErrNotFound
	default:
		return queue.ErrConflict
	}
}

func (s *Store) Get(ctx context.Context, q, id string) (*queue.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.keysFor(q).job(id)).Result()
	if err != nil {
		return nil, queue.Unavailable(backendName, "get", err)
	}
	if len(fields) == 0 {
		return nil, queue.ErrNotFound
	}
	job, err := decodeJob(fields)
	if err != nil {
		return nil, queue.Unavailable(backendName, "get", err)
	}
	return job, nil
}

func (s *Store) List(ctx context.Context, q string, opts queue.ListOptions) ([]*queue.Job, error) {
	k := s.keysFor(q)
	ids, err := s.client.ZRange(ctx, k.all, 0, -1).Result()
	if err != nil {
		return nil, queue.Unavailable(backendName, "list", err)
	}
	jobs, err := s.fetch(ctx, "list", k, ids)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := jobs[:0]
	for _, job := range jobs {
		if !opts.Matches(job, now) {
			continue
		}
		out = append(out, job)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ScanStalled(ctx context.Context, q string, olderThan time.Time) ([]*queue.Job, error) {
	k := s.keysFor(q)
	ids, err := s.client.ZRangeByScore(ctx, k.active, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(ms(olderThan), 10),
	}).Result()
	if err != nil {
		return nil, queue.Unavailable(backendName, "scan stalled", err)
	}
	jobs, err := s.fetch(ctx, "scan stalled", k, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].Seq < jobs[b].Seq })
	return jobs, nil
}

func (s *Store) Reap(ctx context.Context, q, id, token string, olderThan time.Time, maxStalled int) (queue.State, error) {
	k := s.keysFor(q)
	code, err := reapScript.Run(ctx, s.client,
		[]string{k.job(id), k.active, k.pending, k.failed},
		token, id, ms(olderThan), maxStalled, ms(s.now()), queue.StalledErrorMessage,
	).Int()
	if err != nil {
		return "", queue.Unavailable(backendName, "reap", err)
	}
	if err := codeErr(code); err != nil {
		return "", err
	}
	if code == codeReaped {
		return queue.StateFailed, nil
	}
	return queue.StateWaiting, nil
}

func (s *Store) Prune(ctx context.Context, q string, state queue.State, policy queue.Retention) (int, error) {
	if !state.Terminal() {
		return 0, nil
	}
	k := s.keysFor(q)
	now := s.now()
	cutoff := ""
	if policy.Age > 0 {
		cutoff = strconv.FormatInt(ms(now.Add(-policy.Age)), 10)
	}
	n, err := pruneScript.Run(ctx, s.client, []string{k.finished(state), k.all},
		k.prefix, ms(now), cutoff, policy.Count).Int()
	if err != nil {
		return 0, queue.Unavailable(backendName, "prune", err)
	}
	return n, nil
}

func (s *Store) Counts(ctx context.Context, q string) (map[queue.State]int64, error) {
	k := s.keysFor(q)
	now := strconv.FormatInt(ms(s.now()), 10)

	pipe := s.client.Pipeline()
	waiting := pipe.ZCount(ctx, k.pending, "-inf", now)
	delayed := pipe.ZCount(ctx, k.pending, "("+now, "+inf")
	active := pipe.ZCard(ctx, k.active)
	completed := pipe.ZCard(ctx, k.completed)
	failed := pipe.ZCard(ctx, k.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, queue.Unavailable(backendName, "counts", err)
	}
	return map[queue.State]int64{
		queue.StateWaiting:   waiting.Val(),
		queue.StateDelayed:   delayed.Val(),
		queue.StateActive:    active.Val(),
		queue.StateCompleted: completed.Val(),
		queue.StateFailed:    failed.Val(),
	}, nil
}

// fetch loads the hashes for ids in order, skipping ids removed concurrently.
func (s *Store) fetch(ctx context.Context, op string, k keys, ids []string) ([]*queue.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, k.job(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, queue.Unavailable(backendName, op, err)
	}
	out := make([]*queue.Job, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := decodeJob(fields)
		if err != nil {
			return nil, queue.Unavailable(backendName, op, err)
		}
		out = append(out, job)
	}
	return out, nil
}

func decodeJob(f map[string]string) (*queue.Job, error) {
	var (
		job queue.Job
		err error
	)
	job.ID = f["id"]
	job.Queue = f["queue"]
	job.State = queue.State(f["state"])
	job.Payload = json.RawMessage(f["payload"])
	job.ClaimedBy = f["claimed_by"]
	job.Error = f["error"]
	if v, ok := f["progress"]; ok {
		job.Progress = json.RawMessage(v)
	}
	if v, ok := f["result"]; ok {
		job.Result = json.RawMessage(v)
	}

	ints := []struct {
		field string
		dst   *int
	}{
		{"attempts", &job.Attempts},
		{"max_attempts", &job.MaxAttempts},
		{"stalled_count", &job.StalledCount},
	}
	for _, x := range ints {
		if *x.dst, err = atoi(f, x.field); err != nil {
			return nil, err
		}
	}
	if job.Seq, err = atoi64(f, "seq"); err != nil {
		return nil, err
	}
	runAt, err := atoi64(f, "run_at")
	if err != nil {
		return nil, err
	}
	job.RunAt = fromMS(runAt)
	created, err := atoi64(f, "created_at")
	if err != nil {
		return nil, err
	}
	job.CreatedAt = fromMS(created)
	retain, err := atoi64(f, "retain_for_ms")
	if err != nil {
		return nil, err
	}
	job.RetainFor = time.Duration(retain) * time.Millisecond

	if job.ClaimedAt, err = optTime(f, "claimed_at"); err != nil {
		return nil, err
	}
	if job.LastHeartbeat, err = optTime(f, "last_heartbeat"); err != nil {
		return nil, err
	}
	if job.FinishedAt, err = optTime(f, "finished_at"); err != nil {
		return nil, err
	}
	return &job, nil
}

func atoi64(f map[string]string, field string) (int64, error) {
	v, ok := f[field]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", field, err)
	}
	return n, nil
}

func atoi(f map[string]string, field string) (int, error) {
	n, err := atoi64(f, field)
	return int(n), err
}

func optTime(f map[string]string, field string) (*time.Time, error) {
	if v, ok := f[field]; !ok || v == "" {
		return nil, nil
	}
	n, err := atoi64(f, field)
	if err != nil {
		return nil, err
	}
	t := fromMS(n)
	return &t, nil
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }
