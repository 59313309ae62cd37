package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskqueue/internal/queue"
	"taskqueue/internal/store/storetest"
)

func newTestStore(t *testing.T, clock *storetest.Clock) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, WithClock(clock.Now)), mr
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) queue.Store {
		s, _ := newTestStore(t, clock)
		return s
	})
}

func TestKeysShareHashTag(t *testing.T) {
	s := New(nil, WithNamespace("tq"))
	k := s.keysFor("emails")
	assert.Equal(t, "tq:{emails}:pending", k.pending)
	assert.Equal(t, "tq:{emails}:job:abc", k.job("abc"))
	assert.Equal(t, k.failed, k.finished(queue.StateFailed))
	assert.Equal(t, k.completed, k.finished(queue.StateCompleted))
}

func TestJobHashLayout(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	s, mr := newTestStore(t, clock)

	require.NoError(t, s.Insert(ctx, storetest.NewJob("emails", "a", clock.Now(), time.Minute)))
	k := s.keysFor("emails")
	assert.Equal(t, "delayed", mr.HGet(k.job("a"), "state"))
	assert.Equal(t, "1", mr.HGet(k.job("a"), "seq"))

	score, err := mr.ZScore(k.pending, "a")
	require.NoError(t, err)
	assert.Equal(t, float64(clock.Now().Add(time.Minute).UnixMilli()), score)
}

func TestOpenRejectsBadURL(t *testing.T) {
	_, err := Open(context.Background(), "not-a-url")
	require.Error(t, err)
}

func TestUnavailableWhenServerDown(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	s, mr := newTestStore(t, clock)
	mr.Close()

	_, err := s.ClaimNext(ctx, "emails", "w1")
	require.ErrorIs(t, err, queue.ErrStoreUnavailable)
	require.ErrorIs(t, s.Ping(ctx), queue.ErrStoreUnavailable)
}
