// Package sqlite is a single-node queue.Store on an embedded SQLite database.
// All access goes through one connection, so SQLite's writer lock never
// surfaces as SQLITE_BUSY and each statement is atomic with respect to the
// others.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"taskqueue/internal/queue"
	"taskqueue/internal/store/migrations"
)

const backendName = "sqlite"

const jobColumns = `queue, id, seq, payload, state, attempts, max_attempts, run_at, created_at,
	claimed_by, claimed_at, last_heartbeat, stalled_count, progress, result, error,
	finished_at, retain_for_ms`

var _ queue.Backend = (*Store)(nil)

type Store struct {
	db     *sql.DB
	now    func() time.Time
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

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	db, err := sql.Open("sqlite3", dsnFor(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, queue.Unavailable(backendName, "ping", err)
	}
	if err := migrations.Up(ctx, db, "sqlite3", s.logger); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func dsnFor(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + sep + "_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return queue.Unavailable(backendName, "ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Insert(ctx context.Context, job *queue.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return queue.Unavailable(backendName, "insert", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM jobs WHERE queue = ? AND id = ? AND state IN ('completed', 'failed')
	`, job.Queue, job.ID); err != nil {
		return queue.Unavailable(backendName, "insert", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (queue, id, payload, state, attempts, max_attempts, run_at, created_at, retain_for_ms)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT (queue, id) DO NOTHING
	`, job.Queue, job.ID, string(job.Payload), string(job.State), job.MaxAttempts,
		toMS(job.RunAt), toMS(job.CreatedAt), job.RetainFor.Milliseconds())
	if err != nil {
		return queue.Unavailable(backendName, "insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return queue.Unavailable(backendName, "insert", err)
	}
	if n == 0 {
		return queue.ErrConflict
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return queue.Unavailable(backendName, "insert", err)
	}
	if err := tx.Commit(); err != nil {
		return queue.Unavailable(backendName, "insert", err)
	}
	job.Seq = seq
	return nil
}

func (s *Store) ClaimNext(ctx context.Context, q, token string) (*queue.Job, error) {
	now := toMS(s.now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET state = 'active', claimed_by = ?, claimed_at = ?, last_heartbeat = ?
		WHERE seq = (
			SELECT seq FROM jobs
			WHERE queue = ? AND state IN ('waiting', 'delayed') AND run_at <= ?
			ORDER BY run_at, seq
			LIMIT 1
		)
		RETURNING `+jobColumns, token, now, now, q, now)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrNoJobs
	}
	if err != nil {
		return nil, queue.Unavailable(backendName, "claim", err)
	}
	return job, nil
}

const ownedClause = ` WHERE queue = ? AND id = ? AND claimed_by = ? AND state = 'active'`

// fenced runs an UPDATE ending in ownedClause; args must end with q, id, token.
func (s *Store) fenced(ctx context.Context, op, q, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return queue.Unavailable(backendName, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return queue.Unavailable(backendName, op, err)
	}
	if n == 1 {
		return nil
	}
	return s.missReason(ctx, op, q, id)
}

func (s *Store) missReason(ctx context.Context, op, q, id string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE queue = ? AND id = ?`, q, id).Scan(&exists)
	if err != nil {
		return queue.Unavailable(backendName, op, err)
	}
	if exists == 0 {
		return queue.ErrNotFound
	}
	return queue.ErrNotOwner
}

func (s *Store) Heartbeat(ctx context.Context, q, id, token string) error {
	return s.fenced(ctx, "heartbeat", q, id,
		`UPDATE jobs SET last_heartbeat = ?`+ownedClause,
		toMS(s.now()), q, id, token)
}

func (s *Store) UpdateProgress(ctx context.Context, q, id, token string, progress json.RawMessage) error {
	return s.fenced(ctx, "progress", q, id,
		`UPDATE jobs SET progress = ?`+ownedClause,
		string(progress), q, id, token)
}

func (s *Store) Complete(ctx context.Context, q, id, token string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return s.fenced(ctx, "complete", q, id, `
		UPDATE jobs
		SET state = 'completed', result = ?, error = NULL, finished_at = ?,
		    claimed_by = NULL, claimed_at = NULL, last_heartbeat = NULL`+ownedClause,
		string(result), toMS(s.now()), q, id, token)
}

func (s *Store) Fail(ctx context.Context, q, id, token, reason string) error {
	if reason == "" {
		reason = "handler failed"
	}
	return s.fenced(ctx, "fail", q, id, `
		UPDATE jobs
		SET state = 'failed', attempts = attempts + 1, error = ?, result = NULL, finished_at = ?,
		    claimed_by = NULL, claimed_at = NULL, last_heartbeat = NULL`+ownedClause,
		reason, toMS(s.now()), q, id, token)
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
		SET state = ?, attempts = attempts + 1, run_at = ?,
		    claimed_by = NULL, claimed_at = NULL, last_heartbeat = NULL`+ownedClause,
		string(state), toMS(s.now().Add(delay)), q, id, token)
}

func (s *Store) Remove(ctx context.Context, q, id string, states ...queue.State) error {
	query := `DELETE FROM jobs WHERE queue = ? AND id = ?`
	args := []any{q, id}
	if len(states) > 0 {
		query += ` AND state IN (` + placeholders(len(states)) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return queue.Unavailable(backendName, "remove", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return queue.Unavailable(backendName, "remove", err)
	}
	if n == 1 {
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
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE queue = ? AND id = ?`, q, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, queue.Unavailable(backendName, "get", err)
	}
	return job, nil
}

func (s *Store) List(ctx context.Context, q string, opts queue.ListOptions) ([]*queue.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE queue = ?`
	args := []any{q}
	if len(opts.States) > 0 {
		clause, clauseArgs := effectiveStateClause(opts.States, toMS(s.now()))
		query += ` AND (` + clause + `)`
		args = append(args, clauseArgs...)
	}
	query += ` ORDER BY seq`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	return s.queryJobs(ctx, "list", query, args...)
}

func (s *Store) ScanStalled(ctx context.Context, q string, olderThan time.Time) ([]*queue.Job, error) {
	return s.queryJobs(ctx, "scan stalled", `
		SELECT `+jobColumns+` FROM jobs
		WHERE queue = ? AND state = 'active' AND (last_heartbeat IS NULL OR last_heartbeat < ?)
		ORDER BY seq
	`, q, toMS(olderThan))
}

func (s *Store) Reap(ctx context.Context, q, id, token string, olderThan time.Time, maxStalled int) (queue.State, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET state = CASE WHEN stalled_count >= ?1 THEN 'failed' ELSE 'waiting' END,
		    error = CASE WHEN stalled_count >= ?1 THEN ?2 ELSE NULL END,
		    finished_at = CASE WHEN stalled_count >= ?1 THEN ?3 ELSE NULL END,
		    stalled_count = CASE WHEN stalled_count >= ?1 THEN stalled_count ELSE stalled_count + 1 END,
		    claimed_by = NULL, claimed_at = NULL, last_heartbeat = NULL
		WHERE queue = ?4 AND id = ?5 AND claimed_by = ?6 AND state = 'active'
		  AND (last_heartbeat IS NULL OR last_heartbeat < ?7)
		RETURNING state
	`, maxStalled, queue.StalledErrorMessage, toMS(s.now()), q, id, token, toMS(olderThan)).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
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
	now := toMS(s.now())
	ageCutoff := sql.NullInt64{}
	if policy.Age > 0 {
		ageCutoff = sql.NullInt64{Int64: now - policy.Age.Milliseconds(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, queue.Unavailable(backendName, "prune", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE queue = ?1 AND state = ?2
		  AND (
			(retain_for_ms > 0 AND finished_at < ?3 - retain_for_ms)
			OR (retain_for_ms = 0 AND ?4 IS NOT NULL AND finished_at < ?4)
		  )
	`, q, string(state), now, ageCutoff)
	if err != nil {
		return 0, queue.Unavailable(backendName, "prune", err)
	}
	removed, err := affected(res, "prune")
	if err != nil {
		return 0, err
	}

	if policy.Count > 0 {
		res, err = tx.ExecContext(ctx, `
			DELETE FROM jobs WHERE seq IN (
				SELECT seq FROM jobs
				WHERE queue = ? AND state = ?
				ORDER BY finished_at DESC, seq DESC
				LIMIT -1 OFFSET ?
			)
		`, q, string(state), policy.Count)
		if err != nil {
			return 0, queue.Unavailable(backendName, "prune", err)
		}
		byCount, err := affected(res, "prune")
		if err != nil {
			return 0, err
		}
		removed += byCount
	}

	if err := tx.Commit(); err != nil {
		return 0, queue.Unavailable(backendName, "prune", err)
	}
	return removed, nil
}

func affected(res sql.Result, op string) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, queue.Unavailable(backendName, op, err)
	}
	return int(n), nil
}

func (s *Store) Counts(ctx context.Context, q string) (map[queue.State]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN state = 'delayed' AND run_at <= ? THEN 'waiting' ELSE state END AS effective,
		       COUNT(*)
		FROM jobs
		WHERE queue = ?
		GROUP BY effective
	`, toMS(s.now()), q)
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
	rows, err := s.db.QueryContext(ctx, query, args...)
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
		job                                  queue.Job
		state, payload                       string
		runAt, createdAt, retainForMS        int64
		claimedBy, progress, result, errMsg  sql.NullString
		claimedAt, lastHeartbeat, finishedAt sql.NullInt64
	)
	if err := row.Scan(
		&job.Queue, &job.ID, &job.Seq, &payload, &state, &job.Attempts, &job.MaxAttempts,
		&runAt, &createdAt, &claimedBy, &claimedAt, &lastHeartbeat,
		&job.StalledCount, &progress, &result, &errMsg, &finishedAt, &retainForMS,
	); err != nil {
		return nil, err
	}
	job.State = queue.State(state)
	job.Payload = json.RawMessage(payload)
	job.RunAt = fromMS(runAt)
	job.CreatedAt = fromMS(createdAt)
	job.ClaimedBy = claimedBy.String
	job.ClaimedAt = nullTime(claimedAt)
	job.LastHeartbeat = nullTime(lastHeartbeat)
	job.FinishedAt = nullTime(finishedAt)
	if progress.Valid {
		job.Progress = json.RawMessage(progress.String)
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	job.Error = errMsg.String
	job.RetainFor = time.Duration(retainForMS) * time.Millisecond
	return &job, nil
}

func effectiveStateClause(states []queue.State, now int64) (string, []any) {
	var (
		parts []string
		args  []any
	)
	for _, st := range states {
		switch st {
		case queue.StateWaiting:
			parts = append(parts, "state = 'waiting' OR (state = 'delayed' AND run_at <= ?)")
			args = append(args, now)
		case queue.StateDelayed:
			parts = append(parts, "(state = 'delayed' AND run_at > ?)")
			args = append(args, now)
		case queue.StateActive, queue.StateCompleted, queue.StateFailed:
			parts = append(parts, "state = ?")
			args = append(args, string(st))
		}
	}
	if len(parts) == 0 {
		return "0", nil
	}
	return strings.Join(parts, " OR "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toMS(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}
