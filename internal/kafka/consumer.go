package kafka

import (
	"context"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// MessageHandler returns an error when the message must be delivered again.
type MessageHandler func(context.Context, *sarama.ConsumerMessage) error

type Consumer struct {
	client sarama.ConsumerGroup
	name   string
	logger *zap.Logger
}

// NewConsumer joins groupID on the configured cluster.
func NewConsumer(settings Settings, groupID, name string) (*Consumer, error) {
	client, err := createConsumerGroup(settings, groupID, name)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		client: client,
		name:   name,
		logger: logging.Or(settings.Logger),
	}, nil
}

// Consume blocks reading topic until ctx is done. A message is marked once
// messageHandler accepts it. On a handler error the claim ends unmarked and
// the next session resumes from the last committed offset.
func (c *Consumer) Consume(ctx context.Context, topic string, messageHandler MessageHandler) {
	handler := &consumerGroupHandler{
		messageHandler: messageHandler,
	}

	runConsumerLoop(ctx, c.client, topic, handler, c.name, c.logger)
}

func (c *Consumer) Close() error {
	err := c.client.Close()
	if err != nil {
		c.logger.Error("Failed to close Kafka consumer",
			zap.String("consumer", c.name),
			zap.String("error", err.Error()),
		)

		return err
	}

	c.logger.Info("Kafka consumer closed successfully", zap.String("consumer", c.name))

	return nil
}

type consumerGroupHandler struct {
	messageHandler MessageHandler
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(
	session sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			err := h.messageHandler(session.Context(), message)
			if err != nil {
				return err
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
