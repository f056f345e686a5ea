package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/asr"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/extraction"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/fault"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type memoryCalls struct {
	mu         sync.Mutex
	status     call.Status
	attempts   int
	message    string
	completion *call.Completion

	metadata          map[string]any
	metadataErr       error
	markProcessingErr error
}

func (m *memoryCalls) GetMetadata(context.Context, string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.metadata, m.metadataErr
}

func (m *memoryCalls) move(to call.Status) error {
	if !call.CanTransition(m.status, to) {
		return fault.New(fault.Terminal, "memoryCalls", fmt.Errorf("%w: %s -> %s", call.ErrInvalidTransition, m.status, to))
	}

	m.status = to

	return nil
}

func (m *memoryCalls) MarkProcessing(_ context.Context, _ string, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.markProcessingErr != nil {
		return m.markProcessingErr
	}

	m.attempts = attempt

	return m.move(call.StatusProcessing)
}

func (m *memoryCalls) MarkRetrying(_ context.Context, _, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.message = message

	return m.move(call.StatusRetrying)
}

func (m *memoryCalls) MarkFailed(_ context.Context, _, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.message = message

	return m.move(call.StatusFailed)
}

func (m *memoryCalls) SaveResult(_ context.Context, _ string, completion call.Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.completion = &completion

	return m.move(call.StatusCompleted)
}

type flakyTranscriber struct {
	failures int
	submits  int
}

func (f *flakyTranscriber) Submit(_ context.Context, callID, _ string) (string, error) {
	f.submits++
	return fmt.Sprintf("tr-%s-%d", callID, f.submits), nil
}

func (f *flakyTranscriber) Await(_ context.Context, handle string, _ time.Duration) (*asr.Transcription, error) {
	if f.submits <= f.failures {
		return nil, fault.New(fault.Transient, "asr.Await", errors.New("transcription service returned 503"))
	}

	return &asr.Transcription{ID: handle, Text: "agent: hello customer: refund please"}, nil
}

type stubExtractor struct {
	duration *float64
}

func (s stubExtractor) Extract(context.Context, string, string) (*extraction.Result, error) {
	return &extraction.Result{
		Summary:             "refund request",
		CallDurationSeconds: s.duration,
		Raw:                 []byte(`{"summary":"refund request"}`),
	}, nil
}

type recordingReservations struct {
	ids    []string
	actual []*float64
	err    error
}

func (r *recordingReservations) Confirm(_ context.Context, id string, actual *float64) error {
	r.ids = append(r.ids, id)
	r.actual = append(r.actual, actual)

	return r.err
}

type recordingProgress struct {
	points []int
}

func (r *recordingProgress) Report(_ context.Context, percent int) {
	r.points = append(r.points, percent)
}

type countingTracker struct {
	operations []string
}

func (c *countingTracker) Capture(_ context.Context, operation string, _ error, _ map[string]any) {
	c.operations = append(c.operations, operation)
}

func newJob(callID string) *queue.CallProcessingJob {
	return &queue.CallProcessingJob{
		CallID:   callID,
		UserID:   "u1",
		FileURL:  "s3://calls/" + callID + ".wav",
		Priority: queue.PriorityNormal,
		Metadata: map[string]any{"reservation_id": "res-" + callID},
	}
}

func runAttempts(
	t *testing.T,
	processor *Processor,
	job *queue.CallProcessingJob,
	maxAttempts int,
) (*queue.ProcessingResult, int, error) {
	t.Helper()

	var (
		result *queue.ProcessingResult
		err    error
	)

	for number := 1; number <= maxAttempts; number++ {
		result, err = processor.Process(context.Background(), job, "call:"+job.CallID+":1",
			queue.Attempt{Number: number, Max: maxAttempts}, &recordingProgress{})
		if err == nil {
			return result, number, nil
		}
	}

	return result, maxAttempts, err
}

func TestTranscriptionRecoversOnThirdAttempt(t *testing.T) {
	calls := &memoryCalls{status: call.StatusQueued}
	reservations := &recordingReservations{}
	duration := 95.5

	processor := New(&flakyTranscriber{failures: 2}, stubExtractor{duration: &duration}, reservations, calls, nil, 0)

	result, attempts, err := runAttempts(t, processor, newJob("c1"), 3)
	require.NoError(t, err)

	assert.Equal(t, 3, attempts)
	assert.Equal(t, call.StatusCompleted, calls.status)
	assert.Equal(t, 3, calls.attempts)
	assert.Equal(t, queue.ResultCompleted, result.Status)
	assert.Equal(t, 3, result.Attempt)
	assert.Equal(t, "tr-c1-3", result.TranscriptionID)

	require.NotNil(t, calls.completion)
	assert.Equal(t, "tr-c1-3", calls.completion.TranscriptionID)
	assert.JSONEq(t, `{"summary":"refund request"}`, string(calls.completion.ExtractedData))

	assert.Equal(t, []string{"res-c1"}, reservations.ids)
	require.NotNil(t, reservations.actual[0])
	assert.InDelta(t, 95.5, *reservations.actual[0], 0)
}

func TestEveryAttemptFailingMarksCallFailed(t *testing.T) {
	calls := &memoryCalls{status: call.StatusQueued}
	tracker := &countingTracker{}

	processor := New(&flakyTranscriber{failures: 10}, stubExtractor{}, &recordingReservations{}, calls, tracker, time.Second)

	result, attempts, err := runAttempts(t, processor, newJob("c2"), 3)
	require.Error(t, err)

	assert.Equal(t, 3, attempts)
	assert.Equal(t, call.StatusFailed, calls.status)
	assert.Equal(t, 3, calls.attempts)
	assert.Contains(t, calls.message, "503")
	assert.Equal(t, queue.ResultFailed, result.Status)
	assert.Len(t, tracker.operations, 3)
}

func TestNonLastFailureMarksRetrying(t *testing.T) {
	calls := &memoryCalls{status: call.StatusQueued}
	processor := New(&flakyTranscriber{failures: 1}, stubExtractor{}, &recordingReservations{}, calls, nil, time.Second)

	_, err := processor.Process(context.Background(), newJob("c3"), "job", queue.Attempt{Number: 1, Max: 3}, &recordingProgress{})
	require.Error(t, err)
	assert.Equal(t, call.StatusRetrying, calls.status)
}

func TestTerminalFailureEndsRetries(t *testing.T) {
	calls := &memoryCalls{status: call.StatusQueued}
	transcriber := &terminalTranscriber{}
	processor := New(transcriber, stubExtractor{}, &recordingReservations{}, calls, nil, time.Second)

	_, err := processor.Process(context.Background(), newJob("c4"), "job", queue.Attempt{Number: 1, Max: 3}, &recordingProgress{})
	require.Error(t, err)
	assert.Equal(t, call.StatusFailed, calls.status)
}

type terminalTranscriber struct{}

func (terminalTranscriber) Submit(context.Context, string, string) (string, error) {
	return "", fault.New(fault.Terminal, "asr.Submit", errors.New("unsupported audio format"))
}

func (terminalTranscriber) Await(context.Context, string, time.Duration) (*asr.Transcription, error) {
	return nil, nil
}

func TestProgressCheckpoints(t *testing.T) {
	calls := &memoryCalls{status: call.StatusQueued}
	progress := &recordingProgress{}
	processor := New(&flakyTranscriber{}, stubExtractor{}, &recordingReservations{}, calls, nil, time.Second)

	_, err := processor.Process(context.Background(), newJob("c5"), "job", queue.Attempt{Number: 1, Max: 3}, progress)
	require.NoError(t, err)
	assert.Equal(t, []int{33, 66, 90, 100}, progress.points)
}

func TestReservationConfirmFailureKeepsCallCompleted(t *testing.T) {
	calls := &memoryCalls{status: call.StatusQueued}
	reservations := &recordingReservations{err: errors.New("connection reset")}
	tracker := &countingTracker{}
	processor := New(&flakyTranscriber{}, stubExtractor{}, reservations, calls, tracker, time.Second)

	result, err := processor.Process(context.Background(), newJob("c6"), "job", queue.Attempt{Number: 1, Max: 3}, &recordingProgress{})
	require.NoError(t, err)

	assert.Equal(t, queue.ResultCompleted, result.Status)
	assert.Equal(t, call.StatusCompleted, calls.status)
	assert.Nil(t, reservations.actual[0])
	assert.Equal(t, []string{"usage_confirm"}, tracker.operations)
}

func TestJobWithoutReservationSkipsConfirm(t *testing.T) {
	calls := &memoryCalls{status: call.StatusQueued}
	reservations := &recordingReservations{}
	job := newJob("c7")
	job.Metadata = nil

	processor := New(&flakyTranscriber{}, stubExtractor{}, reservations, calls, nil, time.Second)

	_, err := processor.Process(context.Background(), job, "job", queue.Attempt{Number: 1, Max: 3}, &recordingProgress{})
	require.NoError(t, err)
	assert.Empty(t, reservations.ids)
}

func TestFinalAttemptFailsCallWhenMarkProcessingFails(t *testing.T) {
	storeDown := fault.New(fault.Transient, "call.MarkProcessing", errors.New("connection refused"))

	calls := &memoryCalls{status: call.StatusRetrying, markProcessingErr: storeDown}
	tracker := &countingTracker{}

	processor := New(&flakyTranscriber{}, stubExtractor{}, &recordingReservations{}, calls, tracker, time.Second)

	result, err := processor.Process(context.Background(), newJob("c8"), "job",
		queue.Attempt{Number: 3, Max: 3}, &recordingProgress{})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Transient))
	assert.Equal(t, queue.ResultFailed, result.Status)
	assert.Equal(t, call.StatusFailed, calls.status)
	assert.Equal(t, []string{"process_call"}, tracker.operations)
}

func TestEarlierAttemptKeepsCallRetryingWhenMarkProcessingFails(t *testing.T) {
	storeDown := fault.New(fault.Transient, "call.MarkProcessing", errors.New("connection refused"))

	calls := &memoryCalls{status: call.StatusRetrying, markProcessingErr: storeDown}

	processor := New(&flakyTranscriber{}, stubExtractor{}, &recordingReservations{}, calls, nil, time.Second)

	_, err := processor.Process(context.Background(), newJob("c9"), "job",
		queue.Attempt{Number: 2, Max: 3}, &recordingProgress{})
	require.Error(t, err)
	assert.Equal(t, call.StatusRetrying, calls.status)
}

func TestStoredReservationIsConfirmed(t *testing.T) {
	calls := &memoryCalls{
		status:   call.StatusQueued,
		metadata: map[string]any{"reservation_id": "res-stored"},
	}
	reservations := &recordingReservations{}

	processor := New(&flakyTranscriber{}, stubExtractor{}, reservations, calls, nil, time.Second)

	_, err := processor.Process(context.Background(), newJob("c10"), "job", queue.Attempt{Number: 1, Max: 3}, &recordingProgress{})
	require.NoError(t, err)
	assert.Equal(t, []string{"res-stored"}, reservations.ids)
}

func TestUnreadableMetadataFallsBackToJobReservation(t *testing.T) {
	calls := &memoryCalls{
		status:      call.StatusQueued,
		metadataErr: fault.New(fault.Transient, "call.GetMetadata", errors.New("timeout")),
	}
	reservations := &recordingReservations{}

	processor := New(&flakyTranscriber{}, stubExtractor{}, reservations, calls, nil, time.Second)

	_, err := processor.Process(context.Background(), newJob("c11"), "job", queue.Attempt{Number: 1, Max: 3}, &recordingProgress{})
	require.NoError(t, err)
	assert.Equal(t, []string{"res-c11"}, reservations.ids)
	assert.Equal(t, call.StatusCompleted, calls.status)
}

func TestInjectedLoggerReceivesAttemptFailures(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	calls := &memoryCalls{status: call.StatusQueued}
	processor := New(&flakyTranscriber{failures: 1}, stubExtractor{}, &recordingReservations{}, calls, nil, time.Second).
		WithLogger(zap.New(core))

	_, err := processor.Process(context.Background(), newJob("c12"), "job", queue.Attempt{Number: 1, Max: 3}, &recordingProgress{})
	require.Error(t, err)

	failures := logs.FilterMessage("[fail] Call processing attempt failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "c12", failures[0].ContextMap()["call_id"])
}
