package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskqueue/internal/queue"
	"taskqueue/internal/store/memory"
)

func TestCollect(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	producer := queue.NewProducer(store, "metrics-test")
	for i := 0; i < 3; i++ {
		_, err := producer.Enqueue(ctx, json.RawMessage(`{"k":1}`), queue.EnqueueOptions{})
		require.NoError(t, err)
	}
	_, err := store.ClaimNext(ctx, "metrics-test", "w:1")
	require.NoError(t, err)

	require.NoError(t, Collect(ctx, store, "metrics-test"))

	assert.Equal(t, 2.0, testutil.ToFloat64(jobsGauge.WithLabelValues("metrics-test", "waiting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(jobsGauge.WithLabelValues("metrics-test", "active")))
	assert.Equal(t, 0.0, testutil.ToFloat64(jobsGauge.WithLabelValues("metrics-test", "failed")))
}

type brokenCounter struct{}

func (brokenCounter) Counts(context.Context, string) (map[queue.State]int64, error) {
	return nil, queue.ErrStoreUnavailable
}

func TestCollectPropagatesStoreErrors(t *testing.T) {
	err := Collect(context.Background(), brokenCounter{}, "q")
	assert.True(t, errors.Is(err, queue.ErrStoreUnavailable))
}
