package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 5
	PriorityNormal     Priority = 10
	PriorityLow        Priority = 15
	PriorityBackground Priority = 20
)

// TaskType is the asynq task type every call processing job is enqueued as.
const TaskType = "call:process"

var priorityQueues = map[Priority]string{
	PriorityCritical:   "calls:critical",
	PriorityHigh:       "calls:high",
	PriorityNormal:     "calls:normal",
	PriorityLow:        "calls:low",
	PriorityBackground: "calls:background",
}

// orderedPriorities runs from most to least urgent.
var orderedPriorities = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
	PriorityBackground,
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// QueueName is the asynq queue jobs of this priority wait in.
func (p Priority) QueueName() string {
	name, ok := priorityQueues[p]
	if !ok {
		return priorityQueues[PriorityNormal]
	}

	return name
}

// Queues lists every priority queue name, most urgent first.
func Queues() []string {
	names := make([]string, 0, len(orderedPriorities))
	for _, priority := range orderedPriorities {
		names = append(names, priority.QueueName())
	}

	return names
}

type CallProcessingJob struct {
	CallID           string         `json:"call_id"                   validate:"required"`
	UserID           string         `json:"user_id"                   validate:"required"`
	TeamID           string         `json:"team_id,omitempty"`
	OrganizationID   string         `json:"organization_id,omitempty"`
	FileURL          string         `json:"file_url"                  validate:"required,url"`
	DurationEstimate float64        `json:"duration_estimate"         validate:"gte=0"`
	Priority         Priority       `json:"priority"                  validate:"oneof=1 5 10 15 20"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	RetryCount       int            `json:"retry_count"`
}

// ReservationID is the usage reservation the job settles on success.
func (j *CallProcessingJob) ReservationID() string {
	id, _ := j.Metadata["reservation_id"].(string)
	return id
}

type JobHandle struct {
	ID       string
	CallID   string
	Queue    string
	Priority Priority
}

// Attempt numbers are 1-based.
type Attempt struct {
	Number int
	Max    int
}

func (a Attempt) IsLast() bool {
	return a.Number >= a.Max
}

const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

type ProcessingResult struct {
	CallID          string          `json:"call_id"`
	JobID           string          `json:"job_id"`
	TranscriptionID string          `json:"transcription_id,omitempty"`
	ExtractedData   json.RawMessage `json:"extracted_data,omitempty"`
	ProcessingTime  time.Duration   `json:"processing_time"`
	Status          string          `json:"status"`
	Error           string          `json:"error,omitempty"`
	Attempt         int             `json:"attempt"`
}

// ProgressReporter receives percentage checkpoints while a job runs.
type ProgressReporter interface {
	Report(ctx context.Context, percent int)
}

// Processor runs one attempt of a call processing job.
type Processor interface {
	Process(
		ctx context.Context,
		job *CallProcessingJob,
		jobID string,
		attempt Attempt,
		progress ProgressReporter,
	) (*ProcessingResult, error)
}

// Observer is told about every attempt's terminal outcome, after the
// queue's own bookkeeping.
type Observer interface {
	OnCompleted(ctx context.Context, job *CallProcessingJob, result *ProcessingResult)
	OnFailed(ctx context.Context, job *CallProcessingJob, result *ProcessingResult, err error, final bool)
}
