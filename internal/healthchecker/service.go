// Package healthchecker probes the database and cache layers for the alert
// manager and watches dependencies whose circuit breaker opened until they
// answer again.
package healthchecker

import (
	"context"
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/alert"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"go.uber.org/zap"
)

const openedBuffer = 16

// Check returns nil once the dependency is usable again.
type Check func(ctx context.Context) error

type Alerter interface {
	CreateAlert(
		ctx context.Context,
		alertType alert.Type,
		severity alert.Severity,
		message string,
		details map[string]any,
	) (*alert.Alert, error)
	ResolveAlert(ctx context.Context, alertType alert.Type) (bool, error)
}

type Healthchecker struct {
	checks   map[string]Check
	alerter  Alerter
	interval time.Duration
	opened   chan string
	logger   *zap.Logger

	mu       sync.Mutex
	watching map[string]bool
}

func NewService(alerter Alerter, interval time.Duration, logger *zap.Logger) *Healthchecker {
	return &Healthchecker{
		checks:   make(map[string]Check),
		alerter:  alerter,
		interval: interval,
		opened:   make(chan string, openedBuffer),
		logger:   logging.Or(logger),
		watching: make(map[string]bool),
	}
}

// Register sets the recovery check of a circuit breaker service. Must be
// called before Monitor.
func (h *Healthchecker) Register(service string, check Check) {
	h.checks[service] = check
}

// TriggerError records that the breaker of service opened. It never blocks,
// so it is safe to use as the circuit breaker listener.
func (h *Healthchecker) TriggerError(service string) {
	select {
	case h.opened <- service:
	default:
		h.logger.Warn("[TriggerError] dropped circuit open event", zap.String("service", service))
	}
}

// Monitor watches every opened service until ctx is done.
func (h *Healthchecker) Monitor(ctx context.Context) {
	h.logger.Info("health checker monitor start successfully")

	var waitGroup sync.WaitGroup

	defer waitGroup.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case service := <-h.opened:
			if !h.startWatching(service) {
				continue
			}

			waitGroup.Add(1)

			go func() {
				defer waitGroup.Done()
				defer h.stopWatching(service)

				h.watch(ctx, service)
			}()
		}
	}
}

func (h *Healthchecker) startWatching(service string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.watching[service] {
		return false
	}

	h.watching[service] = true

	return true
}

func (h *Healthchecker) stopWatching(service string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.watching, service)
}

func (h *Healthchecker) watch(ctx context.Context, service string) {
	h.logger.Info("circuit break happened", zap.String("service", service))

	h.raise(ctx, service)

	check, ok := h.checks[service]
	if !ok {
		h.logger.Warn("[watch] no recovery check for service", zap.String("service", service))
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := check(ctx)
		if err != nil {
			h.logger.Debug("[watch] service still unhealthy",
				zap.String("service", service),
				zap.String("error", err.Error()),
			)

			continue
		}

		h.logger.Info(service + " service back healthy")
		h.resolve(ctx, service)

		return
	}
}

func (h *Healthchecker) raise(ctx context.Context, service string) {
	if h.alerter == nil {
		return
	}

	_, err := h.alerter.CreateAlert(ctx, alert.TypeCircuitOpen, alert.SeverityCritical,
		"Circuit breaker opened for "+service,
		map[string]any{"service": service},
	)
	if err != nil {
		h.logger.Warn("[raise] Failed to create alert",
			zap.String("service", service),
			zap.String("error", err.Error()),
		)
	}
}

func (h *Healthchecker) resolve(ctx context.Context, service string) {
	if h.alerter == nil {
		return
	}

	_, err := h.alerter.ResolveAlert(ctx, alert.TypeCircuitOpen)
	if err != nil {
		h.logger.Warn("[resolve] Failed to resolve alert",
			zap.String("service", service),
			zap.String("error", err.Error()),
		)
	}
}
