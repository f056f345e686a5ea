package replica

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	name string

	mu           sync.Mutex
	queries      []string
	transactions int
	queryErr     error
	responseTime time.Duration
	connected    bool
	lag          any
	lagErr       error
}

func newFake(name string) *fakeExecutor {
	return &fakeExecutor{name: name, connected: true, responseTime: 5 * time.Millisecond, lag: 1.5}
}

func (f *fakeExecutor) Name() string {
	return f.name
}

func (f *fakeExecutor) Query(_ context.Context, text string, _ []any, _ ...database.QueryOption) (*database.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if text == lagQuery {
		if f.lagErr != nil {
			return nil, f.lagErr
		}

		return &database.Result{Rows: []map[string]any{{"lag": f.lag}}}, nil
	}

	f.queries = append(f.queries, text)

	if f.queryErr != nil {
		return nil, f.queryErr
	}

	return &database.Result{Rows: []map[string]any{{"served_by": f.name}}}, nil
}

func (f *fakeExecutor) Transaction(ctx context.Context, fn database.TxFunc) error {
	f.mu.Lock()
	f.transactions++
	f.mu.Unlock()

	return fn(ctx, queryFunc(func(ctx context.Context, text string, args ...any) (*database.Result, error) {
		return f.Query(ctx, text, args)
	}))
}

func (f *fakeExecutor) CheckHealth(context.Context) database.Health {
	f.mu.Lock()
	defer f.mu.Unlock()

	health := database.Health{Connected: f.connected, ResponseTime: f.responseTime}
	if !f.connected {
		health.Error = "connection refused"
	}

	return health
}

func (f *fakeExecutor) set(fn func(*fakeExecutor)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fn(f)
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.queries)
}

type queryFunc func(ctx context.Context, text string, args ...any) (*database.Result, error)

func (q queryFunc) Query(ctx context.Context, text string, args ...any) (*database.Result, error) {
	return q(ctx, text, args...)
}

type fakeTracker struct {
	mu         sync.Mutex
	operations []string
}

func (f *fakeTracker) Capture(_ context.Context, operation string, _ error, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.operations = append(f.operations, operation)
}

func servedBy(t *testing.T, result *database.Result) string {
	t.Helper()

	require.NotNil(t, result)
	require.Len(t, result.Rows, 1)

	name, ok := result.Rows[0]["served_by"].(string)
	require.True(t, ok)

	return name
}

func TestReadsRoundRobinAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	primary := newFake("primary")
	r0, r1 := newFake("replica-0"), newFake("replica-1")

	router := NewRouter(primary, []Replica{r0, r1}, DefaultSettings(), nil)

	var served []string

	for range 4 {
		result, err := router.Read(ctx, "SELECT * FROM calls", nil)
		require.NoError(t, err)

		served = append(served, servedBy(t, result))
	}

	assert.Equal(t, []string{"replica-0", "replica-1", "replica-0", "replica-1"}, served)
	assert.Zero(t, primary.count())
}

func TestUnhealthyReplicaIsSkippedAndFailingReadFallsBackToPrimary(t *testing.T) {
	ctx := context.Background()
	primary := newFake("primary")
	r0, r1 := newFake("replica-0"), newFake("replica-1")
	r0.responseTime = 6 * time.Second
	tracker := &fakeTracker{}

	router := NewRouter(primary, []Replica{r0, r1}, DefaultSettings(), tracker)

	statuses := router.CheckReplicas(ctx)
	require.Len(t, statuses, 2)
	assert.False(t, statuses[0].Healthy)
	assert.True(t, statuses[1].Healthy)

	for range 3 {
		result, err := router.Read(ctx, "SELECT 1", nil)
		require.NoError(t, err)
		assert.Equal(t, "replica-1", servedBy(t, result))
	}

	assert.Zero(t, r0.count())

	r1.set(func(f *fakeExecutor) { f.queryErr = errors.New("server closed the connection unexpectedly") })

	result, err := router.Read(ctx, "SELECT 1", nil)
	require.NoError(t, err)
	assert.Equal(t, "primary", servedBy(t, result))
	assert.Equal(t, []string{"read_replica"}, tracker.operations)

	result, err = router.Read(ctx, "SELECT 2", nil)
	require.NoError(t, err)
	assert.Equal(t, "primary", servedBy(t, result))
	assert.Equal(t, 2, primary.count())
}

func TestWritesAndTransactionsNeverReachReplicas(t *testing.T) {
	ctx := context.Background()
	primary := newFake("primary")
	replica := newFake("replica-0")

	router := NewRouter(primary, []Replica{replica}, DefaultSettings(), nil)

	_, err := router.Query(ctx, "UPDATE calls SET status = 'queued'", nil)
	require.NoError(t, err)

	_, err = router.Read(ctx, "DELETE FROM calls WHERE id = $1", []any{"c1"})
	require.NoError(t, err)

	err = router.Transaction(ctx, func(ctx context.Context, tx database.Querier) error {
		_, err := tx.Query(ctx, "SELECT 1")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 3, primary.count())
	assert.Equal(t, 1, primary.transactions)
	assert.Zero(t, replica.count())
}

func TestPreferPrimary(t *testing.T) {
	ctx := context.Background()
	primary := newFake("primary")
	replica := newFake("replica-0")

	router := NewRouter(primary, []Replica{replica}, DefaultSettings(), nil)

	result, err := router.Read(ctx, "SELECT 1", nil, WithPreferPrimary())
	require.NoError(t, err)
	assert.Equal(t, "primary", servedBy(t, result))

	settings := DefaultSettings()
	settings.PreferPrimary = true

	router = NewRouter(primary, []Replica{replica}, settings, nil)

	result, err = router.Read(ctx, "SELECT 1", nil)
	require.NoError(t, err)
	assert.Equal(t, "primary", servedBy(t, result))
	assert.Zero(t, replica.count())
}

func TestWriteFailureIsTrackedAndReturned(t *testing.T) {
	primary := newFake("primary")
	primary.queryErr = errors.New("deadlock detected")
	tracker := &fakeTracker{}

	router := NewRouter(primary, nil, DefaultSettings(), tracker)

	_, err := router.Write(context.Background(), "INSERT INTO calls VALUES (1)", nil)
	require.EqualError(t, err, "deadlock detected")
	assert.Equal(t, []string{"write_primary"}, tracker.operations)
}

func TestReplicationLagStates(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name     string
		lag      any
		lagErr   error
		failOpen bool
		healthy  bool
		state    State
	}{
		{name: "in sync", lag: 2.0, healthy: true, state: StateHealthy},
		{name: "not replaying", lag: nil, healthy: true, state: StateHealthy},
		{name: "degraded", lag: "20.5", healthy: true, state: StateDegraded},
		{name: "too far behind", lag: int64(45), healthy: false, state: StateUnhealthy},
		{name: "lag query fails open", lagErr: errors.New("permission denied"), failOpen: true, healthy: true, state: StateHealthy},
		{name: "lag query fails closed", lagErr: errors.New("permission denied"), healthy: false, state: StateUnhealthy},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			replica := newFake("replica-0")
			replica.lag = tc.lag
			replica.lagErr = tc.lagErr

			settings := DefaultSettings()
			settings.LagFailOpen = tc.failOpen

			router := NewRouter(newFake("primary"), []Replica{replica}, settings, nil)

			statuses := router.CheckReplicas(ctx)
			require.Len(t, statuses, 1)
			assert.Equal(t, tc.healthy, statuses[0].Healthy)
			assert.Equal(t, tc.state, statuses[0].State)
		})
	}
}

func TestDisconnectedReplicaIsUnhealthy(t *testing.T) {
	replica := newFake("replica-0")
	replica.connected = false

	router := NewRouter(newFake("primary"), []Replica{replica}, DefaultSettings(), nil)

	statuses := router.CheckReplicas(context.Background())
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Healthy)
	assert.Equal(t, "connection refused", statuses[0].Error)
}

func TestRunStopsWithContext(t *testing.T) {
	replica := newFake("replica-0")
	settings := DefaultSettings()
	settings.CheckInterval = 10 * time.Millisecond

	router := NewRouter(newFake("primary"), []Replica{replica}, settings, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		router.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return !router.Status()[0].LastCheck.IsZero()
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("router did not stop")
	}
}
