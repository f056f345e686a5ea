package callflow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/alert"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/errtrack"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/failover"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/queue"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/replica"
	"go.uber.org/zap"
)

const callStatusQuery = "SELECT status, COUNT(*) AS total FROM calls GROUP BY status"

type Reader interface {
	Read(ctx context.Context, text string, args []any, opts ...replica.ReadOption) (*database.Result, error)
	Status() []replica.Status
}

type QueueCounter interface {
	Counts(ctx context.Context) (*queue.Counts, error)
}

type DatabaseRoles interface {
	CurrentRole() failover.Role
	Health() []failover.DatabaseHealth
}

type ErrorStats interface {
	Stats(ctx context.Context) (*errtrack.Stats, error)
}

type ActiveAlerts interface {
	ActiveAlerts(ctx context.Context) ([]alert.Alert, error)
}

// Status is a point-in-time view of the pipeline for operators.
type Status struct {
	Calls        map[string]int64          `json:"calls"`
	Queue        *queue.Counts             `json:"queue,omitempty"`
	CurrentRole  failover.Role             `json:"current_role"`
	Databases    []failover.DatabaseHealth `json:"databases"`
	Replicas     []replica.Status          `json:"replicas"`
	Errors       *errtrack.Stats           `json:"errors,omitempty"`
	ActiveAlerts []alert.Alert             `json:"active_alerts"`
	GeneratedAt  time.Time                 `json:"generated_at"`
}

// Reporter assembles Status. Every part is best effort: a failing source is
// logged and left empty.
type Reporter struct {
	reader    Reader
	queue     QueueCounter
	databases DatabaseRoles
	errors    ErrorStats
	alerts    ActiveAlerts
	logger    *zap.Logger
	now       func() time.Time
}

func NewReporter(
	reader Reader,
	queueCounter QueueCounter,
	databases DatabaseRoles,
	errorStats ErrorStats,
	alerts ActiveAlerts,
	logger *zap.Logger,
) *Reporter {
	return &Reporter{
		reader:    reader,
		queue:     queueCounter,
		databases: databases,
		errors:    errorStats,
		alerts:    alerts,
		logger:    logging.Or(logger),
		now:       time.Now,
	}
}

func (r *Reporter) Report(ctx context.Context) *Status {
	status := &Status{
		Calls:       map[string]int64{},
		CurrentRole: r.databases.CurrentRole(),
		Databases:   r.databases.Health(),
		Replicas:    r.reader.Status(),
		GeneratedAt: r.now().UTC(),
	}

	calls, err := r.callCounts(ctx)
	if err != nil {
		r.warn("call_counts", err)
	} else {
		status.Calls = calls
	}

	counts, err := r.queue.Counts(ctx)
	if err != nil {
		r.warn("queue_counts", err)
	} else {
		status.Queue = counts
	}

	stats, err := r.errors.Stats(ctx)
	if err != nil {
		r.warn("error_stats", err)
	} else {
		status.Errors = stats
	}

	alerts, err := r.alerts.ActiveAlerts(ctx)
	if err != nil {
		r.warn("active_alerts", err)
	} else {
		status.ActiveAlerts = alerts
	}

	return status
}

func (r *Reporter) callCounts(ctx context.Context) (map[string]int64, error) {
	result, err := r.reader.Read(ctx, callStatusQuery, nil)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(result.Rows))

	for _, row := range result.Rows {
		total, err := toInt64(row["total"])
		if err != nil {
			return nil, err
		}

		counts[toString(row["status"])] = total
	}

	return counts, nil
}

func (r *Reporter) warn(part string, err error) {
	r.logger.Warn("[Report] status source failed",
		zap.String("part", part),
		zap.String("error", err.Error()),
	)
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected count type %T", value)
	}
}
