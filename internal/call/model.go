package call

import (
	"slices"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// allowedFrom lists, per target status, the statuses a call may move from.
// A call that does not exist yet may only become queued.
var allowedFrom = map[Status][]Status{
	StatusQueued: {StatusFailed},
	// processing again covers a stalled job being redelivered and an operator
	// retry of a failed job
	StatusProcessing: {StatusQueued, StatusRetrying, StatusProcessing, StatusFailed},
	StatusRetrying:   {StatusProcessing},
	StatusCompleted:  {StatusProcessing},
	// retrying covers a final attempt that failed before it could start
	StatusFailed: {StatusProcessing, StatusQueued, StatusRetrying},
}

func CanTransition(from, to Status) bool {
	return slices.Contains(allowedFrom[to], from)
}

type Call struct {
	CallID           string         `gorm:"column:call_id;type:varchar(255);primaryKey;not null"`
	UserID           string         `gorm:"column:user_id;type:varchar(255);index"`
	Status           Status         `gorm:"column:status;type:varchar(20);not null;index"`
	JobID            string         `gorm:"column:job_id;type:varchar(255)"`
	Attempts         int            `gorm:"column:attempts;type:int;default:0;not null"`
	ErrorMessage     *string        `gorm:"column:error_message;type:text"`
	TranscriptionID  *string        `gorm:"column:transcription_id;type:varchar(255)"`
	Transcript       *string        `gorm:"column:transcript;type:text"`
	ExtractedData    datatypes.JSON `gorm:"column:extracted_data;type:jsonb"`
	ProcessingTimeMs *int64         `gorm:"column:processing_time_ms;type:bigint"`
	Metadata         datatypes.JSON `gorm:"column:metadata;type:jsonb"`
	QueuedAt         *time.Time     `gorm:"column:queued_at;type:timestamp"`
	ProcessingAt     *time.Time     `gorm:"column:processing_at;type:timestamp"`
	CompletedAt      *time.Time     `gorm:"column:completed_at;type:timestamp"`
	FailedAt         *time.Time     `gorm:"column:failed_at;type:timestamp"`
	CreatedAt        time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (Call) TableName() string {
	return "calls"
}

// Completion is what a successful processing run stores on the call.
type Completion struct {
	TranscriptionID string
	Transcript      string
	ExtractedData   []byte
	ProcessingTime  time.Duration
}
