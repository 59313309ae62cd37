// Package postgres is the queue.Store backed by PostgreSQL through pgx.
// Claims use FOR UPDATE SKIP LOCKED so concurrent workers never block on or
// double-claim the same row; every write against a claimed job is fenced by
// claimed_by.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"taskqueue/internal/queue"
	"taskqueue/internal/store/migrations"
)

const backendName = "postgres"

const jobColumns = `queue, id, seq, payload, state, attempts, max_attempts, run_at, created_at,
	claimed_by, claimed_at, last_heartbeat, stalled_count, progress, result, error,
	finished_at, retain_for_ms`

var _ queue.Backend = (*Store)(nil)

type Store struct {
	pool   *pgxpool.Pool
	now    func() time.Time
	owned  bool
	logger *slog.Logger
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

// New wraps an existing pool. The caller keeps ownership of it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn and verifies the connection. Close releases the pool.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, queue.Unavailable(backendName, "connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, queue.Unavailable(backendName, "ping", err)
	}
	s := New(pool, opts...)
	s.owned = true
	return s, nil
}

// Migrate creates or upgrades the jobs table.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	return migrations.Up(ctx, db, "postgres", s.logger)
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return queue.Unavailable(backendName, "ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, job *queue.Job) error {
	var seq int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (queue, id, payload, state, attempts, max_attempts, run_at, created_at, retain_for_ms)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8)
		ON CONFLICT (queue, id) DO UPDATE
		SET seq = nextval(pg_get_serial_sequence('jobs', 'seq')),
		    payload = EXCLUDED.payload,
		    state = EXCLUDED.state,
		    attempts = 0,
		    max_attempts = EXCLUDED.max_attempts,
		    run_at = EXCLUDED.run_at,
		    created_at = EXCLUDED.created_at,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    last_heartbeat = NULL,
		    stalled_count = 0,
		    progress = NULL,
		    result = NULL,
		    error = NULL,
		    finished_at = NULL,
		    retain_for_ms = EXCLUDED.retain_for_ms
		WHERE jobs.state IN ('completed', 'failed')
		RETURNING seq
	`, job.Queue, job.ID, []byte(job.Payload), string(job.State), job.MaxAttempts, job.RunAt, job.CreatedAt, job.RetainFor.Milliseconds()).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.ErrConflict
	}
	if err != nil {
		return queue.Unavailable(backendName, "insert", err)
	}
	job.Seq = seq
	return nil
}

func (s *Store) ClaimNext(ctx context.Context, q, token string) (*queue.Job, error) {
	now := s.now()
	row := s.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT queue, id
			FROM jobs
			WHERE queue = $1
			  AND state IN ('waiting', 'delayed')
			  AND run_at <= $2
			ORDER BY run_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET state = 'active',
		    claimed_by = $3,
		    claimed_at = $2,
		    last_heartbeat = $2
		FROM candidate
		WHERE jobs.queue = candidate.queue AND jobs.id = candidate.id
		RETURNING `+prefixed("jobs", jobColumns), q, now, token)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.ErrNoJobs
	}
	if err != nil {
		return nil, queue.Unavailable(backendName, "claim", err)
	}
	return job, nil
}

// fenced runs an UPDATE whose WHERE clause already pins queue, id, owner
// and active state, and translates a miss into NotFound or NotOwner.
func (s *Store) fenced(ctx context.Context, op, q, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return queue.Unavailable(backendName, op, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missReason(ctx, op, q, id)
}

func (s *Store) missReason(ctx context.Context, op, q, id string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE queue = $1 AND id = $2)`, q, id).Scan(&exists)
	if err != nil {
		return queue.Unavailable(backendName, op, err)
	}
	if !exists {
		return queue.ErrNotFound
	}
	return queue.ErrNotOwner
}

func (s *Store) Heartbeat(ctx context.Context, q, id, token string) error {
	return s.fenced(ctx, "heartbeat", q, id, `
		UPDATE jobs SET last_heartbeat = $4
		WHERE queue = $1 AND id = $2 AND claimed_by = $3 AND state = 'active'
	`, q, id, token, s.now())
}

func (s *Store) UpdateProgress(ctx context.Context, q, id, token string, progress json.RawMessage) error {
	return s.fenced(ctx, "progress", q, id, `
		UPDATE jobs SET progress = $4
		WHERE queue = $1 AND id = $2 AND claimed_by = $3 AND state = 'active'
	`, q, id, token, []byte(progress))
}

func (s *Store) Complete(ctx context.Context, q, id, token string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return s.fenced(ctx, "complete", q, id, `
		UPDATE jobs
		SET state = 'completed',
		    result = $4,
		    error = NULL,
		    finished_at = $5,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    last_heartbeat = NULL
		WHERE queue = $1 AND id = $2 AND claimed_by = $3 AND state = 'active'
	`, q, id, token, []byte(result), s.now())
}

func (s *Store) Fail(ctx context.Context, q, id, token, reason string) error {
	if reason == "" {
		reason = "handler failed"
	}
	return s.fenced(ctx, "fail", q, id, `
		UPDATE jobs
		SET state = 'failed',
		    attempts = attempts + 1,
		    error = $4,
		    result = NULL,
		    finished_at = $5,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    last_heartbeat = NULL
		WHERE queue = $1 AND id = $2 AND claimed_by = $3 AND state = 'active'
	`, q, id, token, reason, s.now())
}

func (s *Store) Reschedule(ctx context.Context, q, id, token string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	state := queue.StateWaiting
	if delay > 0 {
		state = queue.StateDelayed
	}
	return s.fenced(ctx, "reschedule", q, id, `
		UPDATE jobs
		SET state = $4,
		    attempts = attempts + 1,
		    run_at = $5,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    last_heartbeat = NULL
		WHERE queue = $1 AND id = $2 AND claimed_by = $3 AND state = 'active'
	`, q, id, token, string(state), s.now().Add(delay))
}

func (s *Store) Remove(ctx context.Context, q, id string, states ...queue.State) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if len(states) == 0 {
		tag, err = s.pool.Exec(ctx, `DELETE FROM jobs WHERE queue = $1 AND id = $2`, q, id)
	} else {
		tag, err = s.pool.Exec(ctx, `DELETE FROM jobs WHERE queue = $1 AND id = $2 AND state = ANY($3)`, q, id, stateStrings(states))
	}
	if err != nil {
		return queue.Unavailable(backendName, "remove", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if len(states) == 0 {
		return queue.ErrNotFound
	}
	err = s.missReason(ctx, "remove", q, id)
	if errors.Is(err, queue.ErrNotOwner) {
		return queue.ErrConflict
	}
	return err
}

func (s *Store) Get(ctx context.Context, q, id string) (*queue.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE queue = $1 AND id = $2`, q, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, queue.Unavailable(backendName, "get", err)
	}
	return job, nil
}

func (s *Store) List(ctx context.Context, q string, opts queue.ListOptions) ([]*queue.Job, error) {
	args := []any{q, s.now()}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE queue = $1`
	if len(opts.States) > 0 {
		query += ` AND (` + effectiveStateClause(opts.States, "$2") + `)`
	}
	query += ` ORDER BY seq`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += ` LIMIT $3`
	}
	return s.queryJobs(ctx, "list", query, args...)
}

func (s *Store) ScanStalled(ctx context.Context, q string, olderThan time.Time) ([]*queue.Job, error) {
	return s.queryJobs(ctx, "scan stalled", `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE queue = $1
		  AND state = 'active'
		  AND (last_heartbeat IS NULL OR last_heartbeat < $2)
		ORDER BY seq
	`, q, olderThan)
}

func (s *Store) Reap(ctx context.Context, q, id, token string, olderThan time.Time, maxStalled int) (queue.State, error) {
	var state string
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET state = CASE WHEN stalled_count >= $5::int THEN 'failed' ELSE 'waiting' END,
		    error = CASE WHEN stalled_count >= $5 THEN $6::text ELSE NULL END,
		    finished_at = CASE WHEN stalled_count >= $5 THEN $7::timestamptz ELSE NULL END,
		    stalled_count = CASE WHEN stalled_count >= $5 THEN stalled_count ELSE stalled_count + 1 END,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    last_heartbeat = NULL
		WHERE queue = $1 AND id = $2 AND claimed_by = $3 AND state = 'active'
		  AND (last_heartbeat IS NULL OR last_heartbeat < $4)
		RETURNING state
	`, q, id, token, olderThan, maxStalled, queue.StalledErrorMessage, s.now()).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", s.missReason(ctx, "reap", q, id)
	}
	if err != nil {
		return "", queue.Unavailable(backendName, "reap", err)
	}
	return queue.State(state), nil
}

func (s *Store) Prune(ctx context.Context, q string, state queue.State, policy queue.Retention) (int, error) {
	if !state.Terminal() {
		return 0, nil
	}
	now := s.now()
	var ageCutoff *time.Time
	if policy.Age > 0 {
		cutoff := now.Add(-policy.Age)
		ageCutoff = &cutoff
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, queue.Unavailable(backendName, "prune", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM jobs
		WHERE queue = $1 AND state = $2
		  AND (
			(retain_for_ms > 0 AND finished_at < $3::timestamptz - retain_for_ms * interval '1 millisecond')
			OR (retain_for_ms = 0 AND $4::timestamptz IS NOT NULL AND finished_at < $4::timestamptz)
		  )
	`, q, string(state), now, ageCutoff)
	if err != nil {
		return 0, queue.Unavailable(backendName, "prune", err)
	}
	removed := int(tag.RowsAffected())

	if policy.Count > 0 {
		tag, err = tx.Exec(ctx, `
			DELETE FROM jobs
			WHERE (queue, id) IN (
				SELECT queue, id FROM jobs
				WHERE queue = $1 AND state = $2
				ORDER BY finished_at DESC, seq DESC
				OFFSET $3
			)
		`, q, string(state), policy.Count)
		if err != nil {
			return 0, queue.Unavailable(backendName, "prune", err)
		}
		removed += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, queue.Unavailable(backendName, "prune", err)
	}
	return removed, nil
}

func (s *Store) Counts(ctx context.Context, q string) (map[queue.State]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT CASE WHEN state = 'delayed' AND run_at <= $2 THEN 'waiting' ELSE state END AS effective,
		       COUNT(*)
		FROM jobs
		WHERE queue = $1
		GROUP BY effective
	`, q, s.now())
	if err != nil {
		return nil, queue.Unavailable(backendName, "counts", err)
	}
	defer rows.Close()

	counts := make(map[queue.State]int64, 5)
	for _, st := range queue.States() {
		counts[st] = 0
	}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, queue.Unavailable(backendName, "counts", err)
		}
		counts[queue.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, queue.Unavailable(backendName, "counts", err)
	}
	return counts, nil
}

func (s *Store) queryJobs(ctx context.Context, op, query string, args ...any) ([]*queue.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, queue.Unavailable(backendName, op, err)
	}
	defer rows.Close()

	var out []*queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, queue.Unavailable(backendName, op, err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, queue.Unavailable(backendName, op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*queue.Job, error) {
	var (
		job         queue.Job
		state       string
		payload     []byte
		claimedBy   *string
		progress    []byte
		result      []byte
		errMsg      *string
		retainForMS int64
	)
	if err := row.Scan(
		&job.Queue, &job.ID, &job.Seq, &payload, &state, &job.Attempts, &job.MaxAttempts,
		&job.RunAt, &job.CreatedAt, &claimedBy, &job.ClaimedAt, &job.LastHeartbeat,
		&job.StalledCount, &progress, &result, &errMsg, &job.FinishedAt, &retainForMS,
	); err != nil {
		return nil, err
	}
	job.State = queue.State(state)
	job.Payload = json.RawMessage(payload)
	if claimedBy != nil {
		job.ClaimedBy = *claimedBy
	}
	if len(progress) > 0 {
		job.Progress = json.RawMessage(progress)
	}
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	if errMsg != nil {
		job.Error = *errMsg
	}
	job.RetainFor = time.Duration(retainForMS) * time.Millisecond
	return &job, nil
}

// effectiveStateClause filters by the state an observer sees: a due delayed
// row counts as waiting.
func effectiveStateClause(states []queue.State, nowParam string) string {
	parts := make([]string, 0, len(states))
	for _, st := range states {
		switch st {
		case queue.StateWaiting:
			parts = append(parts, fmt.Sprintf("state = 'waiting' OR (state = 'delayed' AND run_at <= %s)", nowParam))
		case queue.StateDelayed:
			parts = append(parts, fmt.Sprintf("(state = 'delayed' AND run_at > %s)", nowParam))
		case queue.StateActive, queue.StateCompleted, queue.StateFailed:
			parts = append(parts, fmt.Sprintf("state = '%s'", st))
		}
	}
	if len(parts) == 0 {
		return "FALSE"
	}
	return strings.Join(parts, " OR ")
}

func prefixed(table, columns string) string {
	fields := strings.Split(columns, ",")
	for i, f := range fields {
		fields[i] = table + "." + strings.TrimSpace(f)
	}
	return strings.Join(fields, ", ")
}

func stateStrings(states []queue.State) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}
