package kafka

import (
	"context"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/queue"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

type MessageSender interface {
	SendMessage(topic string, key, value []byte) (int32, int64, error)
}

// ResultMessage is what downstream consumers read from the result topic.
type ResultMessage struct {
	*queue.ProcessingResult
	UserID   string `json:"user_id"`
	Priority string `json:"priority"`
}

// ResultPublisher publishes the terminal result of every call processing job,
// keyed by call id. Attempts that will be retried are not published.
type ResultPublisher struct {
	sender MessageSender
	topic  string
	logger *zap.Logger
}

func NewResultPublisher(sender MessageSender, topic string, logger *zap.Logger) *ResultPublisher {
	return &ResultPublisher{
		sender: sender,
		topic:  topic,
		logger: logging.Or(logger),
	}
}

func (p *ResultPublisher) OnCompleted(ctx context.Context, job *queue.CallProcessingJob, result *queue.ProcessingResult) {
	p.publish(ctx, job, result)
}

func (p *ResultPublisher) OnFailed(
	ctx context.Context,
	job *queue.CallProcessingJob,
	result *queue.ProcessingResult,
	_ error,
	final bool,
) {
	if !final {
		return
	}

	p.publish(ctx, job, result)
}

func (p *ResultPublisher) publish(_ context.Context, job *queue.CallProcessingJob, result *queue.ProcessingResult) {
	value, err := json.Marshal(ResultMessage{
		ProcessingResult: result,
		UserID:           job.UserID,
		Priority:         job.Priority.String(),
	})
	if err != nil {
		p.logger.Error("[publish] Failed to encode processing result",
			zap.String("call_id", result.CallID),
			zap.String("error", err.Error()),
		)

		return
	}

	_, _, err = p.sender.SendMessage(p.topic, []byte(result.CallID), value)
	if err != nil {
		p.logger.Warn("[publish] Failed to publish processing result",
			zap.String("call_id", result.CallID),
			zap.String("job_id", result.JobID),
			zap.String("topic", p.topic),
			zap.String("error", err.Error()),
		)
	}
}
