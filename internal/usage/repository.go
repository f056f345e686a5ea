package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrReservationNotFound      = errors.New("usage reservation not found")
	ErrInvalidReservationResult = errors.New("invalid result type, it should be pointer to Reservation struct")
)

type Repository struct {
	db             database.ORMRunner
	circuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(db database.ORMRunner, intervalSeconds, failures uint32) *Repository {
	settings := circuitbreak.Settings(circuitbreak.DBService, intervalSeconds, failures)
	settings.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrReservationNotFound)
	}

	return &Repository{
		db:             db,
		circuitBreaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

func (r *Repository) Reserve(ctx context.Context, reservation *Reservation) error {
	_, err := r.circuitBreaker.Execute(func() (any, error) {
		reservation.Status = StatusReserved

		err := r.db.RunORM(ctx, "usage.Reserve", func(db *gorm.DB) error {
			return db.Create(reservation).Error
		})
		if err != nil {
			logging.Logger.Error("[Reserve] Failed to create usage reservation",
				zap.String("reservation_id", reservation.ID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return reservation, nil
	})

	return err
}

// Confirm settles a reservation. A nil actualDuration keeps the estimate.
func (r *Repository) Confirm(ctx context.Context, reservationID string, actualDuration *float64) error {
	_, err := r.circuitBreaker.Execute(func() (any, error) {
		updates := map[string]any{
			"status":       StatusConfirmed,
			"confirmed_at": time.Now().UTC(),
		}

		if actualDuration != nil {
			updates["actual_duration"] = *actualDuration
		}

		var rowsAffected int64

		err := r.db.RunORM(ctx, "usage.Confirm", func(db *gorm.DB) error {
			result := db.Model(&Reservation{}).
				Where("id = ?", reservationID).
				Updates(updates)
			rowsAffected = result.RowsAffected

			return result.Error
		})
		if err != nil {
			logging.Logger.Error("[Confirm] Failed to confirm usage reservation - may cause circuit breaker trip",
				zap.String("reservation_id", reservationID),
				zap.String("error", err.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return nil, err
		}

		if rowsAffected == 0 {
			return nil, fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
		}

		return nil, nil
	})

	return err
}

func (r *Repository) Get(ctx context.Context, reservationID string) (*Reservation, error) {
	result, err := r.circuitBreaker.Execute(func() (any, error) {
		var reservation Reservation

		err := r.db.RunORM(ctx, "usage.Get", func(db *gorm.DB) error {
			return db.Where("id = ?", reservationID).First(&reservation).Error
		})
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
		}

		if err != nil {
			return nil, err
		}

		return &reservation, nil
	})
	if err != nil {
		return nil, err
	}

	reservation, ok := result.(*Reservation)
	if !ok {
		return nil, ErrInvalidReservationResult
	}

	return reservation, nil
}
