package kafka

import (
	"context"
	"sync"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

type Settings struct {
	BootstrapServer       string
	Username              string
	Password              string
	IntervalCB            uint32
	ConsecutiveFailuresCB uint32
	Logger                *zap.Logger
}

// newSaramaConfig creates a Sarama configuration. SCRAM-SHA512 is turned on
// when a username is configured.
func newSaramaConfig(settings Settings) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_8_0_0

	if settings.Username != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		cfg.Net.SASL.User = settings.Username
		cfg.Net.SASL.Password = settings.Password
		cfg.Net.SASL.Handshake = true

		cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{}
		}
	}

	cfg.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.ResetInvalidOffsets = true
	cfg.Consumer.Return.Errors = true

	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll

	return cfg
}

func mechanism(settings Settings) string {
	if settings.Username == "" {
		return "PLAINTEXT"
	}

	return "SCRAM-SHA-512"
}

// createConsumerGroup creates a new Kafka consumer group with the given group ID and logs the result
func createConsumerGroup(settings Settings, groupID, consumerName string) (sarama.ConsumerGroup, error) {
	logger := logging.Or(settings.Logger)

	client, err := sarama.NewConsumerGroup(
		[]string{settings.BootstrapServer},
		groupID,
		newSaramaConfig(settings),
	)
	if err != nil {
		logger.Error("Failed to create Kafka consumer group",
			zap.String("consumer", consumerName),
			zap.String("bootstrap", settings.BootstrapServer),
			zap.String("group_id", groupID),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logger.Info("Successfully connected to Kafka",
		zap.String("consumer", consumerName),
		zap.String("bootstrap", settings.BootstrapServer),
		zap.String("group_id", groupID),
		zap.String("mechanism", mechanism(settings)),
	)

	return client, nil
}

// runConsumerLoop runs the consumer group loop with the given handler until
// ctx is done.
func runConsumerLoop(
	ctx context.Context,
	client sarama.ConsumerGroup,
	topic string,
	handler sarama.ConsumerGroupHandler,
	consumerName string,
	logger *zap.Logger,
) {
	var waitGroup sync.WaitGroup

	waitGroup.Add(1)

	go func() {
		defer waitGroup.Done()

		topics := []string{topic}

		for {
			err := client.Consume(ctx, topics, handler)
			if err != nil {
				logger.Error("Kafka consume error",
					zap.String("consumer", consumerName),
					zap.String("error", err.Error()),
				)
			}

			if ctx.Err() != nil {
				logger.Info("Kafka consumer stopping (context canceled)",
					zap.String("consumer", consumerName),
					zap.String("error", ctx.Err().Error()),
				)

				return
			}
		}
	}()

	go func() {
		for err := range client.Errors() {
			logger.Error("Kafka consumer internal error",
				zap.String("consumer", consumerName),
				zap.String("error", err.Error()),
			)
		}
	}()

	waitGroup.Wait()
}
