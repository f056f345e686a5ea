package deadletter

import (
	"context"
	"errors"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidEntrySliceResult = errors.New("invalid result type, it should be slice of Entry")
	ErrInvalidCountResult      = errors.New("invalid result type, it should be int64")
)

type Repository struct {
	db             database.ORMRunner
	circuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(db database.ORMRunner, intervalSeconds, failures uint32) *Repository {
	return &Repository{
		db:             db,
		circuitBreaker: circuitbreak.New[any](circuitbreak.DBService, intervalSeconds, failures),
	}
}

// Add upserts by job id, so recording the same exhausted job twice keeps a
// single entry with the latest reason.
func (r *Repository) Add(ctx context.Context, entry *Entry) error {
	_, err := r.circuitBreaker.Execute(func() (any, error) {
		entry.Status = StatusPending

		err := r.db.RunORM(ctx, "deadletter.Add", func(db *gorm.DB) error {
			return db.Where("job_id = ?", entry.JobID).
				Assign(map[string]any{
					"reason":   entry.Reason,
					"attempts": entry.Attempts,
					"payload":  entry.Payload,
					"status":   StatusPending,
				}).
				FirstOrCreate(entry).Error
		})
		if err != nil {
			logging.Logger.Error("failed to create dead letter record",
				zap.String("job_id", entry.JobID),
				zap.String("call_id", entry.CallID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return entry, nil
	})

	return err
}

func (r *Repository) Count(ctx context.Context) (int64, error) {
	result, err := r.circuitBreaker.Execute(func() (any, error) {
		var count int64

		err := r.db.RunORM(ctx, "deadletter.Count", func(db *gorm.DB) error {
			return db.Model(&Entry{}).
				Where("status = ?", StatusPending).
				Count(&count).Error
		})
		if err != nil {
			return nil, err
		}

		return count, nil
	})
	if err != nil {
		return 0, err
	}

	count, ok := result.(int64)
	if !ok {
		return 0, ErrInvalidCountResult
	}

	return count, nil
}

// List returns pending entries, oldest first.
func (r *Repository) List(ctx context.Context, limit int) ([]Entry, error) {
	result, err := r.circuitBreaker.Execute(func() (any, error) {
		var entries []Entry

		err := r.db.RunORM(ctx, "deadletter.List", func(db *gorm.DB) error {
			return db.Where("status = ?", StatusPending).
				Order("created_at ASC").
				Limit(limit).
				Find(&entries).Error
		})
		if err != nil {
			logging.Logger.Info("failed to fetch dead letter entries", zap.String("error", err.Error()))
			return nil, err
		}

		return entries, nil
	})
	if err != nil {
		return nil, err
	}

	entries, ok := result.([]Entry)
	if !ok {
		return nil, ErrInvalidEntrySliceResult
	}

	return entries, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, jobID, status string) error {
	_, err := r.circuitBreaker.Execute(func() (any, error) {
		err := r.db.RunORM(ctx, "deadletter.UpdateStatus", func(db *gorm.DB) error {
			return db.Model(&Entry{}).
				Where("job_id = ?", jobID).
				Update("status", status).Error
		})

		return nil, err
	})

	return err
}

func (r *Repository) IncreaseReplayCount(ctx context.Context, jobID, reason string) error {
	_, err := r.circuitBreaker.Execute(func() (any, error) {
		err := r.db.RunORM(ctx, "deadletter.IncreaseReplayCount", func(db *gorm.DB) error {
			return db.Model(&Entry{}).
				Where("job_id = ?", jobID).
				Updates(map[string]any{
					"replay_count":   gorm.Expr("replay_count + 1"),
					"last_replay_at": time.Now().UTC(),
					"status":         StatusPending,
					"reason":         reason,
				}).Error
		})
		if err != nil {
			logging.Logger.Error("failed to increase dead letter replay count",
				zap.String("job_id", jobID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return nil, nil
	})

	return err
}

func (r *Repository) Delete(ctx context.Context, jobID string) error {
	_, err := r.circuitBreaker.Execute(func() (any, error) {
		err := r.db.RunORM(ctx, "deadletter.Delete", func(db *gorm.DB) error {
			return db.Where("job_id = ?", jobID).Delete(&Entry{}).Error
		})

		return nil, err
	})

	return err
}
