package kafka

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/fault"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	prometheusCallflow "git.mci.dev/mse/sre/phoenix/golang/callflow/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/queue"
	"github.com/IBM/sarama"
	"github.com/avast/retry-go"
	"go.uber.org/zap"
)

const (
	defaultEnqueueAttempts = 3
	defaultEnqueueDelay    = 500 * time.Millisecond
)

type Enqueuer interface {
	EnqueuePayload(ctx context.Context, payload []byte) (*queue.JobHandle, error)
}

// Intake turns call-uploaded messages into call processing jobs.
type Intake struct {
	enqueuer Enqueuer
	logger   *zap.Logger
	attempts uint
	delay    time.Duration
	now      func() time.Time
}

func NewIntake(enqueuer Enqueuer, logger *zap.Logger) *Intake {
	return &Intake{
		enqueuer: enqueuer,
		logger:   logging.Or(logger),
		attempts: defaultEnqueueAttempts,
		delay:    defaultEnqueueDelay,
		now:      time.Now,
	}
}

// WithRetry sets how often a transient enqueue failure is tried in place
// before the message is handed back to the consumer.
func (i *Intake) WithRetry(attempts uint, delay time.Duration) *Intake {
	if attempts > 0 {
		i.attempts = attempts
	}

	i.delay = delay

	return i
}

// Handle enqueues one message. Rejected messages are logged and dropped so
// a bad payload never blocks the partition. A retryable failure that outlasts
// the in-place retries is returned, which leaves the offset uncommitted.
func (i *Intake) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	if !message.Timestamp.IsZero() {
		prometheusCallflow.KafkaMessageLatency.
			WithLabelValues(message.Topic).
			Observe(i.now().Sub(message.Timestamp).Seconds())
	}

	var handle *queue.JobHandle

	err := retry.Do(
		func() error {
			var enqueueErr error

			handle, enqueueErr = i.enqueuer.EnqueuePayload(ctx, message.Value)

			return enqueueErr
		},
		retry.Context(ctx),
		retry.Attempts(i.attempts),
		retry.Delay(i.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(fault.Retryable),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		redeliver := fault.Retryable(err) || ctx.Err() != nil

		i.logger.Error("[Handle] Failed to enqueue call from Kafka",
			zap.String("topic", message.Topic),
			zap.Int32("partition", message.Partition),
			zap.Int64("offset", message.Offset),
			zap.String("kind", fault.KindOf(err).String()),
			zap.String("error", err.Error()),
			zap.Bool("redeliver", redeliver),
			zap.Bool("is_context_error", ctx.Err() != nil),
		)

		if redeliver {
			return err
		}

		return nil
	}

	i.logger.Debug("[Handle] Call enqueued from Kafka",
		zap.String("call_id", handle.CallID),
		zap.String("job_id", handle.ID),
		zap.String("queue", handle.Queue),
	)

	return nil
}
