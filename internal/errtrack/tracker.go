// Package errtrack captures sanitized error records into Redis and keeps
// per-operation counters for the alert checks.
package errtrack

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/fault"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	recordsKey       = "errors:recent"
	countsKey        = "errors:by_operation"
	defaultMaxStored = 1000
	recentInStats    = 20
)

type Record struct {
	ID        string         `json:"id"`
	Operation string         `json:"operation"`
	Route     string         `json:"route,omitempty"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Stats struct {
	Total       int64            `json:"total"`
	ByOperation map[string]int64 `json:"by_operation"`
	Recent      []Record         `json:"recent"`
}

type ErrorRecorder interface {
	RecordError(ctx context.Context, operation string)
}

// Capturer is what infrastructure components report failures to.
type Capturer interface {
	Capture(ctx context.Context, operation string, err error, fields map[string]any)
}

type Tracker struct {
	redis     redis.Cmdable
	metrics   ErrorRecorder
	logger    *zap.Logger
	maxStored int64
	now       func() time.Time
}

func NewTracker(client redis.Cmdable, metrics ErrorRecorder, logger *zap.Logger) *Tracker {
	return &Tracker{
		redis:     client,
		metrics:   metrics,
		logger:    logging.Or(logger),
		maxStored: defaultMaxStored,
		now:       time.Now,
	}
}

// Capture never fails: storage problems are logged and dropped.
func (t *Tracker) Capture(ctx context.Context, operation string, err error, fields map[string]any) {
	if err == nil {
		return
	}

	record := Record{
		ID:        uuid.NewString(),
		Operation: operation,
		Kind:      fault.KindOf(err).String(),
		Message:   Sanitize(err.Error()),
		Fields:    sanitizeFields(fields),
		Timestamp: t.now().UTC(),
	}

	if route, ok := fields["route"].(string); ok {
		record.Route = route
	}

	t.logger.Error("["+operation+"] error captured",
		zap.String("kind", record.Kind),
		zap.String("error", record.Message),
		zap.Any("fields", record.Fields),
	)

	if t.metrics != nil {
		t.metrics.RecordError(ctx, operation)
	}

	payload, marshalErr := json.Marshal(record)
	if marshalErr != nil {
		t.logger.Warn("[Capture] failed to marshal error record", zap.String("error", marshalErr.Error()))
		return
	}

	pipe := t.redis.Pipeline()
	pipe.LPush(ctx, recordsKey, payload)
	pipe.LTrim(ctx, recordsKey, 0, t.maxStored-1)
	pipe.HIncrBy(ctx, countsKey, operation, 1)

	_, storeErr := pipe.Exec(ctx)
	if storeErr != nil {
		t.logger.Warn("[Capture] failed to store error record",
			zap.String("operation", operation),
			zap.String("error", storeErr.Error()),
		)
	}
}

func (t *Tracker) Stats(ctx context.Context) (*Stats, error) {
	counts, err := t.redis.HGetAll(ctx, countsKey).Result()
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByOperation: make(map[string]int64, len(counts))}

	for operation, value := range counts {
		var n int64

		err = json.Unmarshal([]byte(value), &n)
		if err != nil {
			continue
		}

		stats.ByOperation[operation] = n
		stats.Total += n
	}

	raw, err := t.redis.LRange(ctx, recordsKey, 0, recentInStats-1).Result()
	if err != nil {
		return nil, err
	}

	for _, item := range raw {
		var record Record

		err = json.Unmarshal([]byte(item), &record)
		if err != nil {
			continue
		}

		stats.Recent = append(stats.Recent, record)
	}

	return stats, nil
}

func sanitizeFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	clean := make(map[string]any, len(fields))

	for key, value := range fields {
		if s, ok := value.(string); ok {
			clean[key] = Sanitize(s)
			continue
		}

		clean[key] = value
	}

	return clean
}
