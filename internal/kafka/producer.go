package kafka

import (
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"github.com/IBM/sarama"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

type ProducerResult struct {
	Partition int32
	Offset    int64
}

type Producer struct {
	client         sarama.SyncProducer
	circuitBreaker *gobreaker.CircuitBreaker[ProducerResult]
	logger         *zap.Logger
}

// NewProducer connects a synchronous producer to the configured cluster.
func NewProducer(settings Settings) (*Producer, error) {
	logger := logging.Or(settings.Logger)

	client, err := sarama.NewSyncProducer([]string{settings.BootstrapServer}, newSaramaConfig(settings))
	if err != nil {
		logger.Error("Failed to create Kafka producer",
			zap.String("bootstrap", settings.BootstrapServer),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logger.Info("Successfully connected to Kafka producer",
		zap.String("bootstrap", settings.BootstrapServer),
		zap.String("mechanism", mechanism(settings)),
	)

	return NewProducerWithClient(client, settings), nil
}

func NewProducerWithClient(client sarama.SyncProducer, settings Settings) *Producer {
	return &Producer{
		client: client,
		circuitBreaker: circuitbreak.New[ProducerResult](
			circuitbreak.KafkaProducerService,
			settings.IntervalCB,
			settings.ConsecutiveFailuresCB,
		),
		logger: logging.Or(settings.Logger),
	}
}

// SendMessage sends a message to topic.
func (p *Producer) SendMessage(topic string, key, value []byte) (int32, int64, error) {
	result, err := p.circuitBreaker.Execute(func() (ProducerResult, error) {
		return p.doSendMessage(topic, key, value)
	})
	if err != nil {
		return 0, 0, err
	}

	return result.Partition, result.Offset, nil
}

// Close closes the producer and releases all resources.
func (p *Producer) Close() error {
	err := p.client.Close()
	if err != nil {
		p.logger.Error("Failed to close Kafka producer", zap.String("error", err.Error()))
		return err
	}

	p.logger.Info("Kafka producer closed successfully")

	return nil
}

func (p *Producer) doSendMessage(topic string, key, value []byte) (ProducerResult, error) {
	message := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.client.SendMessage(message)
	if err != nil {
		p.logger.Error("Failed to send message to Kafka",
			zap.String("topic", topic),
			zap.String("error", err.Error()),
		)

		return ProducerResult{}, err
	}

	p.logger.Debug("Message sent successfully",
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)

	return ProducerResult{Partition: partition, Offset: offset}, nil
}
