package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/metrics"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMetrics struct {
	mu           sync.Mutex
	errorRate    float64
	responseTime float64
	queueDepths  map[string]int64
	cache        metrics.CacheStats
	memory       float64
	memoryPanics bool
}

func (f *fakeMetrics) ErrorRate(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.errorRate, nil
}

func (f *fakeMetrics) AvgResponseTime(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.responseTime, nil
}

func (f *fakeMetrics) QueueDepths(context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.queueDepths, nil
}

func (f *fakeMetrics) CacheStats(context.Context) (metrics.CacheStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.cache, nil
}

func (f *fakeMetrics) MemoryPercent(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.memoryPanics {
		panic("memory probe exploded")
	}

	return f.memory, nil
}

func (f *fakeMetrics) set(fn func(*fakeMetrics)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fn(f)
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (r *recordingNotifier) Notify(_ context.Context, alert *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.alerts = append(r.alerts, alert)

	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.alerts)
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, *Alert) error {
	return errors.New("webhook down")
}

type stubProbe struct {
	err error
}

func (s stubProbe) Check(context.Context) (map[string]any, error) {
	return map[string]any{"role": "primary"}, s.err
}

type testManager struct {
	manager  *Manager
	metrics  *fakeMetrics
	notifier *recordingNotifier
	redis    *miniredis.Miniredis
}

func newTestManager(t *testing.T) *testManager {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fake := &fakeMetrics{queueDepths: map[string]int64{}}
	notifier := &recordingNotifier{}

	manager := NewManager(client, fake, DefaultSettings(), nil, notifier, failingNotifier{})

	return &testManager{manager: manager, metrics: fake, notifier: notifier, redis: mr}
}

func TestErrorRateBreachIsDeduplicatedThenResolved(t *testing.T) {
	ctx := context.Background()
	tm := newTestManager(t)

	tm.metrics.set(func(f *fakeMetrics) { f.errorRate = 60 })

	failures := tm.manager.CheckAndAlert(ctx)
	require.Empty(t, failures)

	failures = tm.manager.CheckAndAlert(ctx)
	require.Empty(t, failures)

	history, err := tm.manager.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, TypeErrorRate, history[0].Type)
	assert.Equal(t, SeverityCritical, history[0].Severity)
	assert.Equal(t, 1, tm.notifier.count())
	assert.True(t, tm.redis.Exists(activeKeyPrefix+string(TypeErrorRate)))

	tm.metrics.set(func(f *fakeMetrics) { f.errorRate = 5 })

	failures = tm.manager.CheckAndAlert(ctx)
	require.Empty(t, failures)

	assert.False(t, tm.redis.Exists(activeKeyPrefix+string(TypeErrorRate)))

	history, err = tm.manager.History(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCooldownExpiryAllowsNewAlert(t *testing.T) {
	ctx := context.Background()
	tm := newTestManager(t)

	first, err := tm.manager.CreateAlert(ctx, TypeMemory, SeverityWarning, "memory high", nil)
	require.NoError(t, err)
	require.NotNil(t, first)

	suppressed, err := tm.manager.CreateAlert(ctx, TypeMemory, SeverityEmergency, "memory higher", nil)
	require.NoError(t, err)
	assert.Nil(t, suppressed)

	tm.redis.FastForward(5*time.Minute + time.Second)

	second, err := tm.manager.CreateAlert(ctx, TypeMemory, SeverityCritical, "memory still high", nil)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestBreachRecoverBreachCreatesTwoAlerts(t *testing.T) {
	ctx := context.Background()
	tm := newTestManager(t)

	tm.metrics.set(func(f *fakeMetrics) { f.responseTime = 3500 })
	tm.manager.CheckAndAlert(ctx)

	tm.metrics.set(func(f *fakeMetrics) { f.responseTime = 200 })
	tm.manager.CheckAndAlert(ctx)

	tm.redis.FastForward(6 * time.Minute)

	tm.metrics.set(func(f *fakeMetrics) { f.responseTime = 5200 })
	tm.manager.CheckAndAlert(ctx)

	history, err := tm.manager.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, SeverityEmergency, history[0].Severity)
	assert.Equal(t, SeverityCritical, history[1].Severity)
}

func TestResolveMarksRecordResolved(t *testing.T) {
	ctx := context.Background()
	tm := newTestManager(t)

	created, err := tm.manager.CreateAlert(ctx, TypeDatabase, SeverityCritical, "db down", nil)
	require.NoError(t, err)

	active, err := tm.manager.ActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, created.ID, active[0].ID)

	resolved, err := tm.manager.ResolveAlert(ctx, TypeDatabase)
	require.NoError(t, err)
	assert.True(t, resolved)

	resolved, err = tm.manager.ResolveAlert(ctx, TypeDatabase)
	require.NoError(t, err)
	assert.False(t, resolved)

	active, err = tm.manager.ActiveAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	record, err := tm.redis.Get(recordKeyPrefix + created.ID)
	require.NoError(t, err)
	assert.Contains(t, record, `"resolved":true`)
}

func TestPanickingCheckDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	tm := newTestManager(t)

	tm.metrics.set(func(f *fakeMetrics) {
		f.memoryPanics = true
		f.errorRate = 150
	})

	failures := tm.manager.CheckAndAlert(ctx)

	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures["memory"], ErrCheckPanicked)

	history, err := tm.manager.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, SeverityEmergency, history[0].Severity)
}

func TestCacheHitRateNeedsMinimumOperations(t *testing.T) {
	ctx := context.Background()
	tm := newTestManager(t)

	tm.metrics.set(func(f *fakeMetrics) { f.cache = metrics.CacheStats{Hits: 10, Misses: 40} })
	tm.manager.CheckAndAlert(ctx)
	assert.Equal(t, 0, tm.notifier.count())

	tm.metrics.set(func(f *fakeMetrics) { f.cache = metrics.CacheStats{Hits: 60, Misses: 60} })
	tm.manager.CheckAndAlert(ctx)

	history, err := tm.manager.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, TypeCacheHitRate, history[0].Type)
	assert.Equal(t, SeverityWarning, history[0].Severity)
}

func TestQueueDepthAlertsOnWorstQueue(t *testing.T) {
	ctx := context.Background()
	tm := newTestManager(t)

	tm.metrics.set(func(f *fakeMetrics) {
		f.queueDepths = map[string]int64{
			"calls:critical": 20,
			"calls:low":      150,
			"calls:normal":   600,
		}
	})

	tm.manager.CheckAndAlert(ctx)

	history, err := tm.manager.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, SeverityCritical, history[0].Severity)
	assert.Equal(t, "calls:normal", history[0].Details["queue"])
}

func TestProbeFailureRaisesCriticalAlert(t *testing.T) {
	ctx := context.Background()
	tm := newTestManager(t)

	tm.manager.RegisterProbe(TypeDatabase, stubProbe{err: errors.New("connection refused")})
	tm.manager.RegisterProbe(TypeCache, stubProbe{})

	tm.manager.CheckAndAlert(ctx)

	history, err := tm.manager.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, TypeDatabase, history[0].Type)
	assert.Equal(t, SeverityCritical, history[0].Severity)
	assert.Equal(t, "connection refused", history[0].Details["error"])
}

func TestHistoryIsCapped(t *testing.T) {
	ctx := context.Background()
	tm := newTestManager(t)
	tm.manager.settings.HistoryLimit = 3

	for range 5 {
		_, err := tm.manager.CreateAlert(ctx, TypeFailover, SeverityCritical, "switch", nil)
		require.NoError(t, err)

		_, err = tm.manager.ResolveAlert(ctx, TypeFailover)
		require.NoError(t, err)
	}

	items, err := tm.redis.List(historyKey)
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestThresholds(t *testing.T) {
	thresholds := Thresholds{Warning: 10, Critical: 50, Emergency: 100}

	_, _, breached := thresholds.Above(10)
	assert.False(t, breached)

	severity, threshold, breached := thresholds.Above(50.5)
	assert.True(t, breached)
	assert.Equal(t, SeverityCritical, severity)
	assert.InDelta(t, 50, threshold, 0)

	inverted := Thresholds{Warning: 70, Critical: 50, Emergency: 30}

	severity, _, breached = inverted.Below(29)
	assert.True(t, breached)
	assert.Equal(t, SeverityEmergency, severity)

	_, _, breached = inverted.Below(70)
	assert.False(t, breached)
}
