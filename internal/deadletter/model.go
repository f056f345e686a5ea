package deadletter

import (
	"time"

	"gorm.io/datatypes"
)

// Entry is a job that used up every attempt, kept with its original payload
// so an operator can inspect or replay it.
type Entry struct {
	JobID       string         `gorm:"column:job_id;type:varchar(255);primaryKey;not null"`
	CallID      string         `gorm:"column:call_id;type:varchar(255);not null;index"`
	Priority    int            `gorm:"column:priority;type:int;not null"`
	Attempts    int            `gorm:"column:attempts;type:int;not null"`
	Reason      string         `gorm:"column:reason;type:text;not null"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb;not null"`
	Status      string         `gorm:"column:status;type:varchar(20);default:'pending';not null"`
	ReplayCount int            `gorm:"column:replay_count;type:int;default:0;not null"`
	LastReplay  *time.Time     `gorm:"column:last_replay_at;type:timestamp"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime"`
}

const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
)

func (Entry) TableName() string {
	return "call_processing_dl"
}
