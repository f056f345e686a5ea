package usage

import (
	"time"
)

const (
	StatusReserved  = "reserved"
	StatusConfirmed = "confirmed"
)

// Reservation holds the minutes set aside for a call before it is processed.
type Reservation struct {
	ID                string     `gorm:"column:id;type:varchar(255);primaryKey;not null"`
	UserID            string     `gorm:"column:user_id;type:varchar(255);not null;index"`
	EstimatedDuration float64    `gorm:"column:estimated_duration;type:double precision;not null"`
	ActualDuration    *float64   `gorm:"column:actual_duration;type:double precision"`
	Status            string     `gorm:"column:status;type:varchar(20);default:'reserved';not null"`
	ConfirmedAt       *time.Time `gorm:"column:confirmed_at;type:timestamp"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (Reservation) TableName() string {
	return "usage_reservations"
}

// BilledDuration is the actual duration when known, otherwise the estimate.
func (r *Reservation) BilledDuration() float64 {
	if r.ActualDuration != nil {
		return *r.ActualDuration
	}

	return r.EstimatedDuration
}
