package deadletter

import (
	"context"
	"sync"
	"sync/atomic"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

type Store interface {
	List(ctx context.Context, limit int) ([]Entry, error)
	UpdateStatus(ctx context.Context, jobID, status string) error
	IncreaseReplayCount(ctx context.Context, jobID, reason string) error
	Delete(ctx context.Context, jobID string) error
}

// Replayer puts an exhausted job back on the queue with a fresh attempt
// budget.
type Replayer interface {
	Replay(ctx context.Context, payload []byte) error
}

type Service struct {
	store    Store
	replayer Replayer
	pool     *ants.Pool
}

func NewService(store Store, replayer Replayer, poolSize int) (*Service, error) {
	pool, err := ants.NewPool(poolSize, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}

	return &Service{
		store:    store,
		replayer: replayer,
		pool:     pool,
	}, nil
}

// Replay re-enqueues up to limit pending entries and returns how many made
// it back on the queue. Replayed entries are removed; failed ones stay
// pending with their replay count bumped.
func (s *Service) Replay(ctx context.Context, limit int) (int, error) {
	entries, err := s.store.List(ctx, limit)
	if err != nil {
		return 0, err
	}

	if len(entries) == 0 {
		logging.Logger.Info("no dead letter entries to replay")
		return 0, nil
	}

	logging.Logger.Info("start replaying dead letter entries", zap.Int("count", len(entries)))

	var (
		wg       sync.WaitGroup
		replayed atomic.Int64
	)

	for idx := range entries {
		entry := entries[idx]

		wg.Add(1)

		err := s.pool.Submit(func() {
			defer wg.Done()

			if s.replayEntry(ctx, &entry) {
				replayed.Add(1)
			}
		})
		if err != nil {
			wg.Done()

			logging.Logger.Error("failed to submit dead letter replay",
				zap.String("job_id", entry.JobID),
				zap.String("error", err.Error()),
			)
		}
	}

	wg.Wait()

	return int(replayed.Load()), nil
}

func (s *Service) replayEntry(ctx context.Context, entry *Entry) bool {
	err := s.store.UpdateStatus(ctx, entry.JobID, StatusInProgress)
	if err != nil {
		logging.Logger.Info("failed to mark dead letter entry in progress", zap.String("job_id", entry.JobID))
		return false
	}

	err = s.replayer.Replay(ctx, entry.Payload)
	if err != nil {
		logging.Logger.Error("failed to replay dead letter entry",
			zap.String("job_id", entry.JobID),
			zap.String("call_id", entry.CallID),
			zap.String("error", err.Error()),
		)

		_ = s.store.IncreaseReplayCount(ctx, entry.JobID, err.Error())

		return false
	}

	err = s.store.Delete(ctx, entry.JobID)
	if err != nil {
		logging.Logger.Info("failed to delete replayed dead letter entry",
			zap.String("job_id", entry.JobID),
			zap.String("error", err.Error()),
		)
	}

	logging.Logger.Info("dead letter entry replayed",
		zap.String("job_id", entry.JobID),
		zap.String("call_id", entry.CallID),
	)

	return true
}

func (s *Service) Release() {
	s.pool.Release()
}
