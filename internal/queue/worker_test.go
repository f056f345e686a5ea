package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/alert"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/deadletter"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/errtrack"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/fault"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/metrics"
	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProcessor struct {
	errs     []error
	attempts []Attempt
}

func (s *scriptedProcessor) Process(
	_ context.Context,
	job *CallProcessingJob,
	jobID string,
	attempt Attempt,
	progress ProgressReporter,
) (*ProcessingResult, error) {
	s.attempts = append(s.attempts, attempt)

	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}

	result := &ProcessingResult{CallID: job.CallID, JobID: jobID, Attempt: attempt.Number}
	if err != nil {
		result.Status = ResultFailed
		result.Error = err.Error()

		return result, err
	}

	progress.Report(context.Background(), 100)
	result.Status = ResultCompleted

	return result, nil
}

type memoryDeadLetter struct {
	mu      sync.Mutex
	entries map[string]*deadletter.Entry
	extra   int64
}

func (m *memoryDeadLetter) Add(_ context.Context, entry *deadletter.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[entry.JobID] = entry

	return nil
}

func (m *memoryDeadLetter) Count(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int64(len(m.entries)) + m.extra, nil
}

type createdAlert struct {
	alertType alert.Type
	severity  alert.Severity
	details   map[string]any
}

type recordingAlerter struct {
	alerts []createdAlert
}

func (r *recordingAlerter) CreateAlert(
	_ context.Context,
	alertType alert.Type,
	severity alert.Severity,
	message string,
	details map[string]any,
) (*alert.Alert, error) {
	r.alerts = append(r.alerts, createdAlert{alertType: alertType, severity: severity, details: details})
	return &alert.Alert{Type: alertType, Severity: severity, Message: message}, nil
}

type recordingObserver struct {
	completed []*ProcessingResult
	failed    []bool
}

func (r *recordingObserver) OnCompleted(_ context.Context, _ *CallProcessingJob, result *ProcessingResult) {
	r.completed = append(r.completed, result)
}

func (r *recordingObserver) OnFailed(_ context.Context, _ *CallProcessingJob, _ *ProcessingResult, _ error, final bool) {
	r.failed = append(r.failed, final)
}

type latencyRecorder struct {
	successes int
	failures  int
}

func (l *latencyRecorder) RecordJobDuration(_ context.Context, _ string, _ time.Duration, success bool) {
	if success {
		l.successes++
	} else {
		l.failures++
	}
}

type progressLog struct {
	points []int
}

func (p *progressLog) Report(_ context.Context, percent int) {
	p.points = append(p.points, percent)
}

type workerFixture struct {
	worker     *Worker
	processor  *scriptedProcessor
	deadLetter *memoryDeadLetter
	alerter    *recordingAlerter
	observer   *recordingObserver
	metrics    *latencyRecorder
}

func newWorkerFixture(errs ...error) *workerFixture {
	fixture := &workerFixture{
		processor:  &scriptedProcessor{errs: errs},
		deadLetter: &memoryDeadLetter{entries: map[string]*deadletter.Entry{}},
		alerter:    &recordingAlerter{},
		observer:   &recordingObserver{},
		metrics:    &latencyRecorder{},
	}

	fixture.worker = NewWorker(
		fixture.processor,
		fixture.deadLetter,
		fixture.alerter,
		fixture.metrics,
		WorkerSettings{DeadLetterWarnAt: 10},
		fixture.observer,
	)

	return fixture
}

func jobPayload(t *testing.T, callID string, priority Priority) []byte {
	t.Helper()

	payload, err := json.Marshal(CallProcessingJob{CallID: callID, UserID: "u1", FileURL: "http://x/a.mp3", Priority: priority})
	require.NoError(t, err)

	return payload
}

func TestWorkerRunsUntilSuccess(t *testing.T) {
	fixture := newWorkerFixture(errors.New("asr 503"), errors.New("asr 503"))
	payload := jobPayload(t, "c1", PriorityNormal)
	progress := &progressLog{}

	for number := 1; number <= 3; number++ {
		err := fixture.worker.handle(context.Background(), payload, "call:c1:x", Attempt{Number: number, Max: 3}, progress)
		if number < 3 {
			require.Error(t, err)
			assert.NotErrorIs(t, err, asynq.SkipRetry)

			continue
		}

		require.NoError(t, err)
	}

	assert.Len(t, fixture.processor.attempts, 3)
	assert.Equal(t, []bool{false, false}, fixture.observer.failed)
	require.Len(t, fixture.observer.completed, 1)
	assert.Equal(t, 3, fixture.observer.completed[0].Attempt)
	assert.Empty(t, fixture.deadLetter.entries)
	assert.Equal(t, 1, fixture.metrics.successes)
	assert.Equal(t, 2, fixture.metrics.failures)
	assert.Equal(t, []int{100}, progress.points)
}

func TestWorkerDeadLettersExhaustedJob(t *testing.T) {
	failure := errors.New("transcription timed out")
	fixture := newWorkerFixture(failure, failure, failure)
	payload := jobPayload(t, "c2", PriorityNormal)

	for number := 1; number <= 3; number++ {
		err := fixture.worker.handle(context.Background(), payload, "call:c2:x", Attempt{Number: number, Max: 3}, &progressLog{})
		require.Error(t, err)
	}

	assert.Equal(t, []bool{false, false, true}, fixture.observer.failed)

	entry, ok := fixture.deadLetter.entries["call:c2:x"]
	require.True(t, ok)
	assert.Equal(t, "c2", entry.CallID)
	assert.Equal(t, 3, entry.Attempts)
	assert.Equal(t, "transcription timed out", entry.Reason)
	assert.JSONEq(t, string(payload), string(entry.Payload))

	assert.Empty(t, fixture.alerter.alerts)
	assert.Equal(t, 3, fixture.metrics.failures)
}

func TestWorkerAlertsOnExhaustedCriticalJob(t *testing.T) {
	fixture := newWorkerFixture(errors.New("extraction failed"))

	err := fixture.worker.handle(context.Background(), jobPayload(t, "c3", PriorityCritical), "call:c3:x",
		Attempt{Number: 1, Max: 1}, &progressLog{})
	require.Error(t, err)

	require.Len(t, fixture.alerter.alerts, 1)
	assert.Equal(t, alert.TypeJobExhausted, fixture.alerter.alerts[0].alertType)
	assert.Equal(t, alert.SeverityCritical, fixture.alerter.alerts[0].severity)
	assert.Equal(t, "c3", fixture.alerter.alerts[0].details["call_id"])
}

func TestWorkerWarnsWhenDeadLetterGrows(t *testing.T) {
	fixture := newWorkerFixture(errors.New("boom"))
	fixture.deadLetter.extra = 9

	err := fixture.worker.handle(context.Background(), jobPayload(t, "c4", PriorityLow), "call:c4:x",
		Attempt{Number: 3, Max: 3}, &progressLog{})
	require.Error(t, err)

	require.Len(t, fixture.alerter.alerts, 1)
	assert.Equal(t, alert.TypeDeadLetter, fixture.alerter.alerts[0].alertType)
	assert.Equal(t, alert.SeverityWarning, fixture.alerter.alerts[0].severity)
}

func TestWorkerSkipsRetryForTerminalErrors(t *testing.T) {
	fixture := newWorkerFixture(fault.New(fault.Terminal, "call.MarkProcessing", errors.New("invalid status transition")))

	err := fixture.worker.handle(context.Background(), jobPayload(t, "c5", PriorityNormal), "call:c5:x",
		Attempt{Number: 1, Max: 3}, &progressLog{})
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, []bool{true}, fixture.observer.failed)
	assert.Contains(t, fixture.deadLetter.entries, "call:c5:x")
}

func TestWorkerRejectsUndecodablePayload(t *testing.T) {
	fixture := newWorkerFixture()

	err := fixture.worker.handle(context.Background(), []byte("{not json"), "call:c6:x", Attempt{Number: 1, Max: 3}, &progressLog{})
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.True(t, fault.Is(err, fault.Terminal))
	assert.Empty(t, fixture.processor.attempts)
}

func TestRetryDelayDoubles(t *testing.T) {
	delay := RetryDelay(5 * time.Second)

	// asynq hands over the retries already made: 0 before the first retry
	assert.Equal(t, 5*time.Second, delay(0, nil, nil))
	assert.Equal(t, 10*time.Second, delay(1, nil, nil))
	assert.Equal(t, 20*time.Second, delay(2, nil, nil))
	assert.Equal(t, 5*time.Second, delay(-1, nil, nil))
}

// trackingProcessor reports its failure to the tracker the way the call
// processor does.
type trackingProcessor struct {
	tracker errtrack.Capturer
	err     error
}

func (p *trackingProcessor) Process(
	ctx context.Context,
	job *CallProcessingJob,
	jobID string,
	attempt Attempt,
	_ ProgressReporter,
) (*ProcessingResult, error) {
	p.tracker.Capture(ctx, "process_call", p.err, map[string]any{"call_id": job.CallID})

	return &ProcessingResult{
		CallID:  job.CallID,
		JobID:   jobID,
		Attempt: attempt.Number,
		Status:  ResultFailed,
		Error:   p.err.Error(),
	}, p.err
}

func TestFailedAttemptIsCountedOnce(t *testing.T) {
	ctx := context.Background()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	recorder := metrics.NewRecorder(client, metrics.WithClock(func() time.Time { return now }))
	tracker := errtrack.NewTracker(client, recorder, nil)

	worker := NewWorker(
		&trackingProcessor{tracker: tracker, err: fault.New(fault.Transient, "asr.Await", errors.New("asr 503"))},
		&memoryDeadLetter{entries: map[string]*deadletter.Entry{}},
		&recordingAlerter{},
		recorder,
		WorkerSettings{},
	)

	err := worker.handle(ctx, jobPayload(t, "c9", PriorityNormal), "call:c9:x", Attempt{Number: 1, Max: 3}, &progressLog{})
	require.Error(t, err)

	rate, err := recorder.ErrorRate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1, rate, 0.001)

	avg, err := recorder.AvgResponseTime(ctx)
	require.NoError(t, err)
	assert.Zero(t, avg)
}
