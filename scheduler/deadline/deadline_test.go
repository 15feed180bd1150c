package deadline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lreardon/agent-repository/infrastructure/kvstore"
	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/infrastructure/metrics"
)

func TestQueue_EnqueueAndCancel(t *testing.T) {
	store := kvstore.NewMemoryStore()
	q := NewQueue(store)

	require.NoError(t, q.Enqueue(context.Background(), "job-1", time.Now().Add(time.Hour)))
	_, _, ok, err := store.ZPeekMin(context.Background(), ExpiryQueueKey)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, q.Cancel(context.Background(), "job-1"))
	_, _, ok, err = store.ZPeekMin(context.Background(), ExpiryQueueKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_CancelUnknownJobIsNotError(t *testing.T) {
	store := kvstore.NewMemoryStore()
	q := NewQueue(store)
	assert.NoError(t, q.Cancel(context.Background(), "never-enqueued"))
}

func TestDualQueue_EnqueueSeedsBothSchedules(t *testing.T) {
	store := kvstore.NewMemoryStore()
	d := NewDualQueue(store)
	deadline := time.Now().Add(2 * time.Hour)

	require.NoError(t, d.Enqueue(context.Background(), "job-1", deadline))

	_, expiryScore, ok, err := store.ZPeekMin(context.Background(), ExpiryQueueKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, float64(deadline.Unix()), expiryScore, 1)

	_, warnScore, ok, err := store.ZPeekMin(context.Background(), WarningQueueKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, float64(deadline.Add(-WarningLeadTime).Unix()), warnScore, 1)
}

func TestDualQueue_CancelClearsBothSchedules(t *testing.T) {
	store := kvstore.NewMemoryStore()
	d := NewDualQueue(store)
	require.NoError(t, d.Enqueue(context.Background(), "job-1", time.Now().Add(2*time.Hour)))

	require.NoError(t, d.Cancel(context.Background(), "job-1"))

	_, _, ok, err := store.ZPeekMin(context.Background(), ExpiryQueueKey)
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, ok, err = store.ZPeekMin(context.Background(), WarningQueueKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDualQueue_PastLeadTimeWarnsImmediately(t *testing.T) {
	store := kvstore.NewMemoryStore()
	d := NewDualQueue(store)
	soon := time.Now().Add(time.Minute)

	require.NoError(t, d.Enqueue(context.Background(), "job-1", soon))

	_, warnScore, ok, err := store.ZPeekMin(context.Background(), WarningQueueKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.LessOrEqual(t, warnScore, float64(time.Now().Unix()))
}

func TestConsumer_FiresExpiredJob(t *testing.T) {
	store := kvstore.NewMemoryStore()
	q := NewQueue(store)
	m := metrics.NewWithRegistry("deadline-test", prometheus.NewRegistry())
	logger := logging.New("deadline-test", "error", "text")

	var mu sync.Mutex
	fired := map[string]bool{}

	expire := func(ctx context.Context, jobID string) (string, error) {
		mu.Lock()
		fired[jobID] = true
		mu.Unlock()
		return "failed", nil
	}

	consumer := NewConsumer(store, expire, logger, m)
	require.NoError(t, q.Enqueue(context.Background(), "job-1", time.Now().Add(-time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	consumer.Start(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired["job-1"]
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	assert.NoError(t, consumer.Stop(stopCtx))
}

func TestConsumer_WaitsForFutureDeadline(t *testing.T) {
	store := kvstore.NewMemoryStore()
	q := NewQueue(store)
	m := metrics.NewWithRegistry("deadline-test-2", prometheus.NewRegistry())
	logger := logging.New("deadline-test-2", "error", "text")

	var mu sync.Mutex
	fired := map[string]time.Time{}

	expire := func(ctx context.Context, jobID string) (string, error) {
		mu.Lock()
		fired[jobID] = time.Now()
		mu.Unlock()
		return "failed", nil
	}

	consumer := NewConsumer(store, expire, logger, m)
	deadline := time.Now().Add(300 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), "job-2", deadline))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	consumer.Start(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		_, ok := fired["job-2"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	firedAt := fired["job-2"]
	mu.Unlock()
	assert.GreaterOrEqual(t, firedAt.Sub(start), 250*time.Millisecond)
}
