package circuitbreak

import (
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	prometheusCallflow "git.mci.dev/mse/sre/phoenix/golang/callflow/internal/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	ASRService           = "asr"
	ExtractionService    = "extraction"
	DBService            = "database"
	MinioService         = "minio"
	KafkaProducerService = "kafka_producer"
	WebhookService       = "alert_webhook"
)

// Listener is told about every breaker that opens.
type Listener func(service string)

var (
	listenerMu sync.RWMutex
	listener   Listener
)

func SetListener(l Listener) {
	listenerMu.Lock()
	defer listenerMu.Unlock()

	listener = l
}

func notifyOpen(service string) {
	listenerMu.RLock()
	l := listener
	listenerMu.RUnlock()

	if l != nil {
		l(service)
	}
}

// Settings builds breaker settings that trip after failures consecutive
// failures and reset counts every intervalSeconds.
func Settings(service string, intervalSeconds, failures uint32) gobreaker.Settings {
	return gobreaker.Settings{
		Name:     service,
		Interval: time.Duration(intervalSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			willTrip := counts.ConsecutiveFailures >= failures

			if willTrip {
				logging.Logger.Error("circuit breaker about to trip",
					zap.String("service", service),
					zap.Uint32("total_requests", counts.Requests),
					zap.Uint32("total_successes", counts.TotalSuccesses),
					zap.Uint32("total_failures", counts.TotalFailures),
					zap.Uint32("consecutive_successes", counts.ConsecutiveSuccesses),
					zap.Uint32("consecutive_failures", counts.ConsecutiveFailures),
					zap.Uint32("threshold", failures),
				)
			}

			return willTrip
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Warn("circuit breaker state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			prometheusCallflow.CircuitBreakerState.WithLabelValues(name).Set(float64(toState))

			if toState == gobreaker.StateOpen {
				notifyOpen(name)
			}
		},
	}
}

func New[T any](service string, intervalSeconds, failures uint32) *gobreaker.CircuitBreaker[T] {
	return gobreaker.NewCircuitBreaker[T](Settings(service, intervalSeconds, failures))
}
