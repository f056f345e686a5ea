package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/errtrack"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/fault"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInvalidTransition     = errors.New("invalid call status transition")
	ErrCallNotFound          = errors.New("call not found")
	ErrInvalidCallResult     = errors.New("invalid result type, it should be pointer to Call struct")
	ErrInvalidMetadataResult = errors.New("invalid result type, it should be call metadata map")
)

// Repository drives the call status machine. Every transition is a single
// conditional UPDATE, so concurrent writers cannot skip a state.
type Repository struct {
	db             database.ORMRunner
	circuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(db database.ORMRunner, intervalSeconds, failures uint32) *Repository {
	settings := circuitbreak.Settings(circuitbreak.DBService, intervalSeconds, failures)
	// a refused transition says nothing about the database's health
	settings.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrCallNotFound)
	}

	return &Repository{
		db:             db,
		circuitBreaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

// MarkQueued creates the call when it does not exist yet, otherwise moves it
// back to queued from failed.
func (r *Repository) MarkQueued(ctx context.Context, callID, userID, jobID string, metadata map[string]any) error {
	rawMetadata, err := json.Marshal(metadata)
	if err != nil {
		return fault.New(fault.Validation, "MarkQueued", err)
	}

	now := time.Now().UTC()

	_, err = r.circuitBreaker.Execute(func() (any, error) {
		call := Call{
			CallID:   callID,
			UserID:   userID,
			Status:   StatusQueued,
			JobID:    jobID,
			Metadata: rawMetadata,
			QueuedAt: &now,
		}

		var created int64

		err := r.db.RunORM(ctx, "call.MarkQueued", func(db *gorm.DB) error {
			result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&call)
			created = result.RowsAffected

			return result.Error
		})
		if err != nil {
			logging.Logger.Error("[MarkQueued] Failed to create call",
				zap.String("call_id", callID),
				zap.String("error", err.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return nil, err
		}

		if created == 1 {
			return nil, nil
		}

		return nil, r.transition(ctx, callID, StatusQueued, map[string]any{
			"user_id":       userID,
			"job_id":        jobID,
			"metadata":      call.Metadata,
			"attempts":      0,
			"error_message": nil,
			"queued_at":     now,
		})
	})

	return classify("MarkQueued", err)
}

func (r *Repository) MarkProcessing(ctx context.Context, callID string, attempt int) error {
	_, err := r.circuitBreaker.Execute(func() (any, error) {
		return nil, r.transition(ctx, callID, StatusProcessing, map[string]any{
			"attempts":      attempt,
			"processing_at": time.Now().UTC(),
		})
	})

	return classify("MarkProcessing", err)
}

func (r *Repository) MarkRetrying(ctx context.Context, callID, message string) error {
	_, err := r.circuitBreaker.Execute(func() (any, error) {
		return nil, r.transition(ctx, callID, StatusRetrying, map[string]any{
			"error_message": errtrack.Sanitize(message),
		})
	})

	return classify("MarkRetrying", err)
}

func (r *Repository) MarkFailed(ctx context.Context, callID, message string) error {
	_, err := r.circuitBreaker.Execute(func() (any, error) {
		return nil, r.transition(ctx, callID, StatusFailed, map[string]any{
			"error_message": errtrack.Sanitize(message),
			"failed_at":     time.Now().UTC(),
		})
	})

	return classify("MarkFailed", err)
}

func (r *Repository) SaveResult(ctx context.Context, callID string, completion Completion) error {
	_, err := r.circuitBreaker.Execute(func() (any, error) {
		updates := map[string]any{
			"transcription_id":   completion.TranscriptionID,
			"transcript":         completion.Transcript,
			"processing_time_ms": completion.ProcessingTime.Milliseconds(),
			"error_message":      nil,
			"completed_at":       time.Now().UTC(),
		}

		if len(completion.ExtractedData) > 0 {
			updates["extracted_data"] = completion.ExtractedData
		}

		return nil, r.transition(ctx, callID, StatusCompleted, updates)
	})

	return classify("SaveResult", err)
}

// GetMetadata decodes the stored metadata. The processor reads it before the
// final update to find the usage reservation.
func (r *Repository) GetMetadata(ctx context.Context, callID string) (map[string]any, error) {
	call, err := r.Get(ctx, callID)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{}

	if len(call.Metadata) == 0 {
		return metadata, nil
	}

	err = json.Unmarshal(call.Metadata, &metadata)
	if err != nil {
		return nil, fault.New(fault.Terminal, "GetMetadata", fmt.Errorf("%w: %w", ErrInvalidMetadataResult, err))
	}

	return metadata, nil
}

func (r *Repository) Get(ctx context.Context, callID string) (*Call, error) {
	result, err := r.circuitBreaker.Execute(func() (any, error) {
		var call Call

		err := r.db.RunORM(ctx, "call.Get", func(db *gorm.DB) error {
			return db.Where("call_id = ?", callID).First(&call).Error
		})
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCallNotFound, callID)
		}

		if err != nil {
			logging.Logger.Error("[Get] Failed to fetch call",
				zap.String("call_id", callID),
				zap.String("error", err.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return nil, err
		}

		return &call, nil
	})
	if err != nil {
		return nil, classify("Get", err)
	}

	call, ok := result.(*Call)
	if !ok {
		return nil, ErrInvalidCallResult
	}

	return call, nil
}

func (r *Repository) transition(ctx context.Context, callID string, to Status, updates map[string]any) error {
	updates["status"] = to

	var updated int64

	err := r.db.RunORM(ctx, "call.transition", func(db *gorm.DB) error {
		result := db.Model(&Call{}).
			Where("call_id = ? AND status IN ?", callID, allowedFrom[to]).
			Updates(updates)
		updated = result.RowsAffected

		return result.Error
	})
	if err != nil {
		logging.Logger.Error("[transition] Failed to update call status - may cause circuit breaker trip",
			zap.String("call_id", callID),
			zap.String("status", string(to)),
			zap.String("error", err.Error()),
			zap.Bool("is_context_error", ctx.Err() != nil),
		)

		return err
	}

	if updated > 0 {
		return nil
	}

	var current Call

	err = r.db.RunORM(ctx, "call.status", func(db *gorm.DB) error {
		return db.Select("status").Where("call_id = ?", callID).First(&current).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}

	if err != nil {
		return err
	}

	logging.Logger.Warn("[transition] Refused call status transition",
		zap.String("call_id", callID),
		zap.String("from", string(current.Status)),
		zap.String("to", string(to)),
	)

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrCallNotFound) {
		return fault.New(fault.Terminal, op, err)
	}

	return fault.New(fault.Transient, op, err)
}
