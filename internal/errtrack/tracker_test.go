package errtrack

import (
	"context"
	"errors"
	"sync"
	"testing"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/fault"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingRecorder) RecordError(_ context.Context, operation string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counts == nil {
		c.counts = map[string]int{}
	}

	c.counts[operation]++
}

func newTestTracker(t *testing.T) (*Tracker, *countingRecorder, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	recorder := &countingRecorder{}

	return NewTracker(client, recorder, nil), recorder, mr
}

func TestCaptureStoresSanitizedRecord(t *testing.T) {
	ctx := context.Background()
	tracker, recorder, _ := newTestTracker(t)

	err := fault.New(fault.Transient, "query", errors.New("auth failed for postgres://app:s3cret@db/calls"))

	tracker.Capture(ctx, "read_replica", err, map[string]any{
		"route": "replica-0",
		"sql":   "SELECT 1 -- password=oops",
	})
	tracker.Capture(ctx, "write_primary", errors.New("duplicate key"), nil)
	tracker.Capture(ctx, "read_replica", errors.New("timeout"), nil)

	stats, statsErr := tracker.Stats(ctx)
	require.NoError(t, statsErr)

	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByOperation["read_replica"])
	assert.Equal(t, int64(1), stats.ByOperation["write_primary"])
	require.Len(t, stats.Recent, 3)

	oldest := stats.Recent[2]
	assert.Equal(t, "replica-0", oldest.Route)
	assert.Equal(t, "transient", oldest.Kind)
	assert.NotContains(t, oldest.Message, "s3cret")
	assert.Equal(t, "SELECT 1 -- password=[REDACTED]", oldest.Fields["sql"])

	assert.Equal(t, 2, recorder.counts["read_replica"])
}

func TestCaptureIgnoresNil(t *testing.T) {
	tracker, recorder, mr := newTestTracker(t)

	tracker.Capture(context.Background(), "query", nil, nil)

	assert.Empty(t, mr.Keys())
	assert.Empty(t, recorder.counts)
}

func TestCaptureCapsStoredRecords(t *testing.T) {
	ctx := context.Background()
	tracker, _, mr := newTestTracker(t)
	tracker.maxStored = 5

	for range 8 {
		tracker.Capture(ctx, "query", errors.New("boom"), nil)
	}

	items, err := mr.List(recordsKey)
	require.NoError(t, err)
	assert.Len(t, items, 5)
}
