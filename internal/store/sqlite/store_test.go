package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskqueue/internal/queue"
	"taskqueue/internal/store/storetest"
)

func openTestStore(t *testing.T, path string, clock *storetest.Clock) *Store {
	t.Helper()
	s, err := Open(context.Background(), path, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) queue.Store {
		return openTestStore(t, filepath.Join(t.TempDir(), "jobs.db"), clock)
	})
}

func TestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	clock := storetest.NewClock()

	s, err := Open(ctx, path, WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, storetest.NewJob("emails", "a", clock.Now(), 0)))
	claimed, err := s.ClaimNext(ctx, "emails", "w1:tok")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openTestStore(t, path, clock)
	got, err := s.Get(ctx, "emails", "a")
	require.NoError(t, err)
	assert.Equal(t, queue.StateActive, got.State)
	assert.Equal(t, "w1:tok", got.ClaimedBy)
	assert.Equal(t, claimed.Seq, got.Seq)
	assert.JSONEq(t, `{"id":"a"}`, string(got.Payload))

	require.NoError(t, s.Complete(ctx, "emails", "a", "w1:tok", json.RawMessage(`{"ok":true}`)))
}

func TestDSNFor(t *testing.T) {
	assert.Equal(t, "file:/tmp/q.db?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", dsnFor("/tmp/q.db"))
	assert.Equal(t, "file:q.db?cache=shared&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", dsnFor("file:q.db?cache=shared"))
}

func TestEffectiveStateClause(t *testing.T) {
	clause, args := effectiveStateClause([]queue.State{queue.StateDelayed, queue.StateActive}, 42)
	assert.Equal(t, "(state = 'delayed' AND run_at > ?) OR state = ?", clause)
	assert.Equal(t, []any{int64(42), "active"}, args)

	clause, args = effectiveStateClause(nil, 42)
	assert.Equal(t, "0", clause)
	assert.Empty(t, args)
}

type brokenResult struct{}

func (brokenResult) LastInsertId() (int64, error) { return 0, errors.New("no id") }
func (brokenResult) RowsAffected() (int64, error) { return 0, errors.New("driver lost count") }

func TestAffectedReportsDriverErrors(t *testing.T) {
	_, err := affected(brokenResult{}, "prune")
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "driver lost count")
}
