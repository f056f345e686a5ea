package queue

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/alert"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/deadletter"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/errtrack"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/fault"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	prometheusCallflow "git.mci.dev/mse/sre/phoenix/golang/callflow/internal/prometheus"
	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	operationProcessCall = "call_processing"
	maxBackoffExponent   = 16
)

type DeadLetterStore interface {
	Add(ctx context.Context, entry *deadletter.Entry) error
	Count(ctx context.Context) (int64, error)
}

type Alerter interface {
	CreateAlert(
		ctx context.Context,
		alertType alert.Type,
		severity alert.Severity,
		message string,
		details map[string]any,
	) (*alert.Alert, error)
}

// LatencyRecorder takes job durations only. Failed attempts are counted as
// errors by the tracker the processor reports to.
type LatencyRecorder interface {
	RecordJobDuration(ctx context.Context, operation string, duration time.Duration, success bool)
}

type WorkerSettings struct {
	DeadLetterWarnAt int64
	Logger           *zap.Logger
}

// Worker is the asynq handler for call processing tasks. Metrics, observers
// and the dead-letter copy run after the processor returns, in that order.
type Worker struct {
	processor  Processor
	deadLetter DeadLetterStore
	alerter    Alerter
	metrics    LatencyRecorder
	observers  []Observer
	settings   WorkerSettings
	logger     *zap.Logger
	now        func() time.Time
}

func NewWorker(
	processor Processor,
	deadLetter DeadLetterStore,
	alerter Alerter,
	metrics LatencyRecorder,
	settings WorkerSettings,
	observers ...Observer,
) *Worker {
	if settings.DeadLetterWarnAt <= 0 {
		settings.DeadLetterWarnAt = 10
	}

	return &Worker{
		processor:  processor,
		deadLetter: deadLetter,
		alerter:    alerter,
		metrics:    metrics,
		observers:  observers,
		settings:   settings,
		logger:     logging.Or(settings.Logger),
		now:        time.Now,
	}
}

// RetryDelay doubles base for every earlier retry. asynq passes the number of
// retries already made, so the first retry waits base: 5s, 10s, 20s...
func RetryDelay(base time.Duration) asynq.RetryDelayFunc {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		exponent := min(max(n, 0), maxBackoffExponent)

		return base * time.Duration(math.Pow(2, float64(exponent)))
	}
}

func (w *Worker) ProcessTask(ctx context.Context, task *asynq.Task) error {
	jobID, _ := asynq.GetTaskID(ctx)
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)

	progress := &taskProgress{writer: task.ResultWriter(), jobID: jobID, logger: w.logger}

	return w.handle(ctx, task.Payload(), jobID, Attempt{Number: retried + 1, Max: maxRetry + 1}, progress)
}

func (w *Worker) handle(
	ctx context.Context,
	payload []byte,
	jobID string,
	attempt Attempt,
	progress ProgressReporter,
) error {
	var job CallProcessingJob

	err := json.Unmarshal(payload, &job)
	if err != nil {
		w.logger.Error("[handle] Undecodable call processing payload",
			zap.String("job_id", jobID),
			zap.String("error", err.Error()),
		)

		return fmt.Errorf("%w: %w", fault.New(fault.Terminal, "queue.handle", err), asynq.SkipRetry)
	}

	job.RetryCount = attempt.Number - 1

	start := w.now()
	result, err := w.processor.Process(ctx, &job, jobID, attempt, progress)
	elapsed := w.now().Sub(start)

	if result == nil {
		result = &ProcessingResult{CallID: job.CallID, JobID: jobID, Attempt: attempt.Number}
	}

	if err == nil {
		w.completed(ctx, &job, result, elapsed)
		return nil
	}

	final := attempt.IsLast() || !fault.Retryable(err)

	result.Status = ResultFailed
	if result.Error == "" {
		result.Error = errtrack.Sanitize(err.Error())
	}

	w.failed(ctx, &job, payload, result, err, attempt, final, elapsed)

	if !fault.Retryable(err) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	return err
}

func (w *Worker) completed(ctx context.Context, job *CallProcessingJob, result *ProcessingResult, elapsed time.Duration) {
	priority := job.Priority.String()

	prometheusCallflow.JobDuration.WithLabelValues(priority, ResultCompleted).Observe(elapsed.Seconds())
	prometheusCallflow.JobsTotal.WithLabelValues(priority, ResultCompleted).Inc()

	if w.metrics != nil {
		w.metrics.RecordJobDuration(ctx, operationProcessCall, elapsed, true)
	}

	w.logger.Info("[completed] Call processing job completed",
		zap.String("call_id", job.CallID),
		zap.String("job_id", result.JobID),
		zap.Int("attempt", result.Attempt),
		zap.Duration("processing_time", elapsed),
	)

	for _, observer := range w.observers {
		observer.OnCompleted(ctx, job, result)
	}
}

func (w *Worker) failed(
	ctx context.Context,
	job *CallProcessingJob,
	payload []byte,
	result *ProcessingResult,
	cause error,
	attempt Attempt,
	final bool,
	elapsed time.Duration,
) {
	priority := job.Priority.String()

	prometheusCallflow.JobDuration.WithLabelValues(priority, ResultFailed).Observe(elapsed.Seconds())
	prometheusCallflow.JobsTotal.WithLabelValues(priority, ResultFailed).Inc()

	if w.metrics != nil {
		w.metrics.RecordJobDuration(ctx, operationProcessCall, elapsed, false)
	}

	w.logger.Warn("[failed] Call processing attempt failed",
		zap.String("call_id", job.CallID),
		zap.String("job_id", result.JobID),
		zap.Int("attempt", attempt.Number),
		zap.Int("max_attempts", attempt.Max),
		zap.Bool("final", final),
		zap.String("error", result.Error),
	)

	for _, observer := range w.observers {
		observer.OnFailed(ctx, job, result, cause, final)
	}

	if final {
		w.exhausted(ctx, job, payload, result, attempt)
	}
}

// exhausted keeps a dead-letter copy of a job that will not run again and
// tells operators when it matters.
func (w *Worker) exhausted(
	ctx context.Context,
	job *CallProcessingJob,
	payload []byte,
	result *ProcessingResult,
	attempt Attempt,
) {
	err := w.deadLetter.Add(ctx, &deadletter.Entry{
		JobID:    result.JobID,
		CallID:   job.CallID,
		Priority: int(job.Priority),
		Attempts: attempt.Number,
		Reason:   result.Error,
		Payload:  payload,
	})
	if err != nil {
		w.logger.Error("[exhausted] Failed to store dead letter entry",
			zap.String("call_id", job.CallID),
			zap.String("job_id", result.JobID),
			zap.String("error", err.Error()),
		)
	} else {
		prometheusCallflow.DeadLetterTotal.Inc()
	}

	if job.Priority == PriorityCritical {
		w.logger.Error("[exhausted] CRITICAL call processing job exhausted its retries",
			zap.String("call_id", job.CallID),
			zap.String("job_id", result.JobID),
		)

		w.raise(ctx, alert.TypeJobExhausted, alert.SeverityCritical,
			"Critical call processing job failed after all retries",
			map[string]any{
				"call_id":  job.CallID,
				"job_id":   result.JobID,
				"attempts": attempt.Number,
				"error":    result.Error,
			},
		)
	}

	count, err := w.deadLetter.Count(ctx)
	if err != nil {
		w.logger.Warn("[exhausted] Failed to count dead letter entries", zap.String("error", err.Error()))
		return
	}

	if count >= w.settings.DeadLetterWarnAt {
		w.raise(ctx, alert.TypeDeadLetter, alert.SeverityWarning,
			"Dead letter queue has "+strconv.FormatInt(count, 10)+" pending jobs",
			map[string]any{"count": count, "threshold": w.settings.DeadLetterWarnAt},
		)
	}
}

func (w *Worker) raise(ctx context.Context, alertType alert.Type, severity alert.Severity, message string, details map[string]any) {
	if w.alerter == nil {
		return
	}

	_, err := w.alerter.CreateAlert(ctx, alertType, severity, message, details)
	if err != nil {
		w.logger.Warn("[raise] Failed to create alert",
			zap.String("type", string(alertType)),
			zap.String("error", err.Error()),
		)
	}
}

// taskProgress writes checkpoints into the task result so the inspector
// shows how far a running job got.
type taskProgress struct {
	writer *asynq.ResultWriter
	jobID  string
	logger *zap.Logger
}

func (p *taskProgress) Report(_ context.Context, percent int) {
	if p.writer == nil {
		return
	}

	_, err := p.writer.Write([]byte(`{"progress":` + strconv.Itoa(percent) + `}`))
	if err != nil {
		p.logger.Debug("[Report] Failed to write job progress",
			zap.String("job_id", p.jobID),
			zap.String("error", err.Error()),
		)
	}
}
