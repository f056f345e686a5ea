// Package queue runs call processing jobs on asynq: priority queues,
// bounded retries with exponential backoff, a dead-letter copy of exhausted
// jobs and the admin operations around them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/errtrack"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/fault"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	prometheusCallflow "git.mci.dev/mse/sre/phoenix/golang/callflow/internal/prometheus"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	healthyWaitingLimit = 1000
	healthyFailedLimit  = 100
	cleanPageSize       = 100
)

// Engine is the enqueue side of asynq.
type Engine interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Inspector is the admin side of asynq.
type Inspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	PauseQueue(queue string) error
	UnpauseQueue(queue string) error
	ListCompletedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	RunAllArchivedTasks(queue string) (int, error)
}

// CallStore keeps the call record in step with the job.
type CallStore interface {
	MarkQueued(ctx context.Context, callID, userID, jobID string, metadata map[string]any) error
	MarkFailed(ctx context.Context, callID, message string) error
}

// DepthRecorder receives the waiting count of every priority queue.
type DepthRecorder interface {
	RecordQueueDepth(ctx context.Context, queue string, waiting int64)
}

type Settings struct {
	MaxAttempts int
	JobTimeout  time.Duration
	Retention   time.Duration
	Logger      *zap.Logger
}

func DefaultSettings() Settings {
	return Settings{
		MaxAttempts: 3,
		JobTimeout:  15 * time.Minute,
		Retention:   24 * time.Hour,
	}
}

type Counts struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Delayed   int  `json:"delayed"`
	IsHealthy bool `json:"is_healthy"`
}

type Queue struct {
	engine    Engine
	inspector Inspector
	calls     CallStore
	depth     DepthRecorder
	validate  *validator.Validate
	settings  Settings
	logger    *zap.Logger
}

func New(engine Engine, inspector Inspector, calls CallStore, depth DepthRecorder, settings Settings) *Queue {
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 1
	}

	return &Queue{
		engine:    engine,
		inspector: inspector,
		calls:     calls,
		depth:     depth,
		validate:  validator.New(),
		settings:  settings,
		logger:    logging.Or(settings.Logger),
	}
}

// Enqueue validates the job, records the call as queued and hands the job to
// the engine. A rejected job never reaches the engine.
func (q *Queue) Enqueue(ctx context.Context, job *CallProcessingJob) (*JobHandle, error) {
	if job.Priority == 0 {
		job.Priority = PriorityNormal
	}

	err := q.validate.Struct(job)
	if err != nil {
		q.logger.Warn("[Enqueue] Rejected invalid call processing job",
			zap.String("call_id", job.CallID),
			zap.String("error", err.Error()),
		)

		if job.CallID != "" {
			q.markFailed(ctx, job.CallID, "invalid job: "+err.Error())
		}

		return nil, fault.New(fault.Validation, "queue.Enqueue", err)
	}

	job.RetryCount = 0

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fault.New(fault.Validation, "queue.Enqueue", err)
	}

	jobID := fmt.Sprintf("call:%s:%s", job.CallID, uuid.NewString())

	err = q.calls.MarkQueued(ctx, job.CallID, job.UserID, jobID, job.Metadata)
	if err != nil {
		q.logger.Error("[Enqueue] Failed to mark call queued",
			zap.String("call_id", job.CallID),
			zap.String("error", err.Error()),
			zap.Bool("is_context_error", ctx.Err() != nil),
		)

		return nil, err
	}

	queueName := job.Priority.QueueName()

	info, err := q.engine.EnqueueContext(ctx, asynq.NewTask(TaskType, payload),
		asynq.TaskID(jobID),
		asynq.Queue(queueName),
		asynq.MaxRetry(q.settings.MaxAttempts-1),
		asynq.Timeout(q.settings.JobTimeout),
		asynq.Retention(q.settings.Retention),
	)
	if err != nil {
		q.logger.Error("[Enqueue] Queue engine rejected job",
			zap.String("call_id", job.CallID),
			zap.String("job_id", jobID),
			zap.String("error", err.Error()),
		)

		q.markFailed(ctx, job.CallID, errtrack.Sanitize(err.Error()))

		return nil, fault.New(fault.Transient, "queue.Enqueue", err)
	}

	q.logger.Info("[Enqueue] Call processing job enqueued",
		zap.String("call_id", job.CallID),
		zap.String("job_id", info.ID),
		zap.String("queue", info.Queue),
	)

	return &JobHandle{
		ID:       info.ID,
		CallID:   job.CallID,
		Queue:    info.Queue,
		Priority: job.Priority,
	}, nil
}

// EnqueuePayload enqueues a job from its JSON form.
func (q *Queue) EnqueuePayload(ctx context.Context, payload []byte) (*JobHandle, error) {
	var job CallProcessingJob

	err := json.Unmarshal(payload, &job)
	if err != nil {
		return nil, fault.New(fault.Validation, "queue.EnqueuePayload", err)
	}

	return q.Enqueue(ctx, &job)
}

// Replay puts a dead-lettered job back with a fresh attempt budget.
func (q *Queue) Replay(ctx context.Context, payload []byte) error {
	_, err := q.EnqueuePayload(ctx, payload)
	return err
}

func (q *Queue) markFailed(ctx context.Context, callID, message string) {
	err := q.calls.MarkFailed(ctx, callID, message)
	if err != nil {
		q.logger.Warn("[markFailed] Could not mark call failed",
			zap.String("call_id", callID),
			zap.String("error", err.Error()),
		)
	}
}

func (q *Queue) Pause() error {
	for _, name := range Queues() {
		err := q.inspector.PauseQueue(name)
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return err
		}
	}

	q.logger.Info("[Pause] Call processing queues paused")

	return nil
}

func (q *Queue) Resume() error {
	for _, name := range Queues() {
		err := q.inspector.UnpauseQueue(name)
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return err
		}
	}

	q.logger.Info("[Resume] Call processing queues resumed")

	return nil
}

// Counts sums job states over every priority queue and records the waiting
// depth of each. A queue asynq has never seen counts as empty.
func (q *Queue) Counts(ctx context.Context) (*Counts, error) {
	counts := &Counts{}

	for _, name := range Queues() {
		info, err := q.inspector.GetQueueInfo(name)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			info = &asynq.QueueInfo{Queue: name}
		} else if err != nil {
			return nil, err
		}

		counts.Waiting += info.Pending
		counts.Active += info.Active
		counts.Completed += info.Completed
		counts.Failed += info.Archived
		counts.Delayed += info.Scheduled + info.Retry

		if q.depth != nil {
			q.depth.RecordQueueDepth(ctx, name, int64(info.Pending))
		}

		prometheusCallflow.QueueDepth.WithLabelValues(name, "active").Set(float64(info.Active))
		prometheusCallflow.QueueDepth.WithLabelValues(name, "failed").Set(float64(info.Archived))
		prometheusCallflow.QueueDepth.WithLabelValues(name, "delayed").Set(float64(info.Scheduled + info.Retry))
	}

	counts.IsHealthy = counts.Waiting < healthyWaitingLimit && counts.Failed < healthyFailedLimit

	return counts, nil
}

// CleanCompleted deletes completed jobs that finished before now-olderThan
// and returns how many were removed.
func (q *Queue) CleanCompleted(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0

	for _, name := range Queues() {
		var stale []string

		for page := 1; ; page++ {
			tasks, err := q.inspector.ListCompletedTasks(name, asynq.Page(page), asynq.PageSize(cleanPageSize))
			if errors.Is(err, asynq.ErrQueueNotFound) {
				break
			}

			if err != nil {
				return removed, err
			}

			for _, task := range tasks {
				if task.CompletedAt.Before(cutoff) {
					stale = append(stale, task.ID)
				}
			}

			if len(tasks) < cleanPageSize {
				break
			}
		}

		for _, id := range stale {
			err := q.inspector.DeleteTask(name, id)
			if err != nil {
				return removed, err
			}

			removed++
		}
	}

	q.logger.Info("[CleanCompleted] Removed completed jobs", zap.Int("removed", removed))

	return removed, nil
}

// RetryFailed moves every exhausted job back to pending.
func (q *Queue) RetryFailed() (int, error) {
	retried := 0

	for _, name := range Queues() {
		n, err := q.inspector.RunAllArchivedTasks(name)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}

		if err != nil {
			return retried, err
		}

		retried += n
	}

	q.logger.Info("[RetryFailed] Re-queued failed jobs", zap.Int("count", retried))

	return retried, nil
}
