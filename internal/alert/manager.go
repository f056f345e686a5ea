package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	prometheusCallflow "git.mci.dev/mse/sre/phoenix/golang/callflow/internal/prometheus"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	activeKeyPrefix = "alerts:active:"
	recordKeyPrefix = "alerts:record:"
	historyKey      = "alerts:history"
)

var ErrCheckPanicked = errors.New("alert check panicked")

type Manager struct {
	redis     redis.Cmdable
	metrics   MetricsSource
	settings  Settings
	notifiers []Notifier
	probes    map[Type]Probe
	logger    *zap.Logger
	now       func() time.Time
}

func NewManager(
	client redis.Cmdable,
	metricsSource MetricsSource,
	settings Settings,
	logger *zap.Logger,
	notifiers ...Notifier,
) *Manager {
	return &Manager{
		redis:     client,
		metrics:   metricsSource,
		settings:  settings,
		notifiers: notifiers,
		probes:    make(map[Type]Probe),
		logger:    logging.Or(logger),
		now:       time.Now,
	}
}

// RegisterProbe attaches a health probe for TypeDatabase or TypeCache.
// Must be called before Run.
func (m *Manager) RegisterProbe(alertType Type, probe Probe) {
	m.probes[alertType] = probe
}

// CreateAlert stores and dispatches a new alert unless one of the same type
// is still active inside the cooldown window, in which case it returns nil.
func (m *Manager) CreateAlert(
	ctx context.Context,
	alertType Type,
	severity Severity,
	message string,
	details map[string]any,
) (*Alert, error) {
	alert := &Alert{
		ID:        uuid.NewString(),
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Details:   details,
		CreatedAt: m.now().UTC(),
	}

	acquired, err := m.redis.SetNX(ctx, activeKeyPrefix+string(alertType), alert.ID, m.settings.Cooldown).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to set active alert marker: %w", err)
	}

	if !acquired {
		m.logger.Debug("[CreateAlert] alert suppressed by cooldown",
			zap.String("type", string(alertType)),
			zap.String("severity", string(severity)),
		)

		return nil, nil
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return nil, err
	}

	pipe := m.redis.Pipeline()
	pipe.Set(ctx, recordKeyPrefix+alert.ID, payload, m.settings.TTL)
	pipe.LPush(ctx, historyKey, payload)
	pipe.LTrim(ctx, historyKey, 0, m.settings.HistoryLimit-1)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to store alert: %w", err)
	}

	prometheusCallflow.AlertsTotal.WithLabelValues(string(alertType), string(severity)).Inc()

	m.dispatch(ctx, alert)

	return alert, nil
}

// ResolveAlert clears the active marker of a type. History is kept.
func (m *Manager) ResolveAlert(ctx context.Context, alertType Type) (bool, error) {
	key := activeKeyPrefix + string(alertType)

	alertID, err := m.redis.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	m.markResolved(ctx, alertID)

	m.logger.Info("[ResolveAlert] alert resolved",
		zap.String("type", string(alertType)),
		zap.String("alert_id", alertID),
	)

	return true, nil
}

func (m *Manager) markResolved(ctx context.Context, alertID string) {
	raw, err := m.redis.Get(ctx, recordKeyPrefix+alertID).Bytes()
	if err != nil {
		return
	}

	var alert Alert

	err = json.Unmarshal(raw, &alert)
	if err != nil {
		return
	}

	alert.Resolved = true

	payload, err := json.Marshal(&alert)
	if err != nil {
		return
	}

	err = m.redis.Set(ctx, recordKeyPrefix+alertID, payload, redis.KeepTTL).Err()
	if err != nil {
		m.logger.Warn("[ResolveAlert] failed to update alert record", zap.String("error", err.Error()))
	}
}

// ActiveAlerts lists alerts whose active marker is still set.
func (m *Manager) ActiveAlerts(ctx context.Context) ([]Alert, error) {
	var (
		alerts []Alert
		cursor uint64
	)

	for {
		keys, next, err := m.redis.Scan(ctx, cursor, activeKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}

		for _, key := range keys {
			alertID, err := m.redis.Get(ctx, key).Result()
			if err != nil {
				continue
			}

			raw, err := m.redis.Get(ctx, recordKeyPrefix+alertID).Bytes()
			if err != nil {
				continue
			}

			var alert Alert

			err = json.Unmarshal(raw, &alert)
			if err != nil {
				continue
			}

			alerts = append(alerts, alert)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})

	return alerts, nil
}

// History returns the newest alerts first.
func (m *Manager) History(ctx context.Context, limit int64) ([]Alert, error) {
	if limit <= 0 || limit > m.settings.HistoryLimit {
		limit = m.settings.HistoryLimit
	}

	raw, err := m.redis.LRange(ctx, historyKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	alerts := make([]Alert, 0, len(raw))

	for _, item := range raw {
		var alert Alert

		err = json.Unmarshal([]byte(item), &alert)
		if err != nil {
			continue
		}

		alerts = append(alerts, alert)
	}

	return alerts, nil
}

// CheckAndAlert runs every threshold check concurrently. A failing or
// panicking check is logged and reported but never stops the others.
func (m *Manager) CheckAndAlert(ctx context.Context) map[string]error {
	checks := map[string]func(context.Context) error{
		"error_rate":     m.checkErrorRate,
		"response_time":  m.checkResponseTime,
		"queue_depth":    m.checkQueueDepth,
		"memory":         m.checkMemory,
		"cache_hit_rate": m.checkCacheHitRate,
		"database":       m.probeCheck(TypeDatabase, "Database"),
		"cache":          m.probeCheck(TypeCache, "Cache layer"),
	}

	results := make(chan checkResult, len(checks))

	var group errgroup.Group

	for name, check := range checks {
		group.Go(func() error {
			results <- checkResult{name: name, err: m.runCheck(ctx, name, check)}
			return nil
		})
	}

	_ = group.Wait()
	close(results)

	failures := make(map[string]error)

	for result := range results {
		if result.err != nil {
			failures[result.name] = result.err
		}
	}

	return failures
}

type checkResult struct {
	name string
	err  error
}

func (m *Manager) runCheck(ctx context.Context, name string, check func(context.Context) error) (err error) {
	defer func() {
		recovered := recover()
		if recovered != nil {
			err = fmt.Errorf("%w: %v", ErrCheckPanicked, recovered)
		}

		if err != nil {
			m.logger.Error("[CheckAndAlert] check failed",
				zap.String("check", name),
				zap.String("error", err.Error()),
			)
		}
	}()

	return check(ctx)
}

// Run evaluates the checks every CheckInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.settings.CheckInterval)
	defer ticker.Stop()

	m.logger.Info("[Run] alert manager started", zap.Duration("interval", m.settings.CheckInterval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("[Run] alert manager stopped")
			return
		case <-ticker.C:
			m.CheckAndAlert(ctx)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, alert *Alert) {
	for _, notifier := range m.notifiers {
		err := notifier.Notify(ctx, alert)
		if err != nil {
			m.logger.Warn("[CreateAlert] notification failed",
				zap.String("alert_id", alert.ID),
				zap.String("notifier", fmt.Sprintf("%T", notifier)),
				zap.String("error", err.Error()),
			)
		}
	}
}
