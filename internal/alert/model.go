package alert

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/metrics"
)

type Type string

const (
	TypeErrorRate    Type = "error_rate"
	TypeResponseTime Type = "response_time"
	TypeQueueDepth   Type = "queue_depth"
	TypeMemory       Type = "memory"
	TypeDatabase     Type = "database"
	TypeCache        Type = "cache"
	TypeCacheHitRate Type = "cache_hit_rate"
	TypeFailover     Type = "failover"
	TypeDeadLetter   Type = "dead_letter"
	TypeJobExhausted Type = "job_exhausted"
	TypeCircuitOpen  Type = "circuit_open"
)

type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

type Alert struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Resolved  bool           `json:"resolved"`
}

// Thresholds are ascending for every metric except the cache hit rate,
// where lower values are worse.
type Thresholds struct {
	Warning   float64
	Critical  float64
	Emergency float64
}

// Above returns the highest severity strictly exceeded by value.
func (t Thresholds) Above(value float64) (Severity, float64, bool) {
	switch {
	case value > t.Emergency:
		return SeverityEmergency, t.Emergency, true
	case value > t.Critical:
		return SeverityCritical, t.Critical, true
	case value > t.Warning:
		return SeverityWarning, t.Warning, true
	default:
		return "", 0, false
	}
}

// Below returns the highest severity whose threshold value is strictly under.
func (t Thresholds) Below(value float64) (Severity, float64, bool) {
	switch {
	case value < t.Emergency:
		return SeverityEmergency, t.Emergency, true
	case value < t.Critical:
		return SeverityCritical, t.Critical, true
	case value < t.Warning:
		return SeverityWarning, t.Warning, true
	default:
		return "", 0, false
	}
}

func severityRank(severity Severity) int {
	switch severity {
	case SeverityEmergency:
		return 3
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// MetricsSource is what the threshold checks read.
type MetricsSource interface {
	ErrorRate(ctx context.Context) (float64, error)
	AvgResponseTime(ctx context.Context) (float64, error)
	QueueDepths(ctx context.Context) (map[string]int64, error)
	CacheStats(ctx context.Context) (metrics.CacheStats, error)
	MemoryPercent(ctx context.Context) (float64, error)
}

// Probe reports the health of a dependency; an error means unhealthy.
type Probe interface {
	Check(ctx context.Context) (map[string]any, error)
}

type Notifier interface {
	Notify(ctx context.Context, alert *Alert) error
}

type Settings struct {
	Cooldown      time.Duration
	TTL           time.Duration
	HistoryLimit  int64
	CheckInterval time.Duration
	MinCacheOps   int64

	ErrorRate    Thresholds
	ResponseTime Thresholds
	QueueDepth   Thresholds
	Memory       Thresholds
	CacheHitRate Thresholds
}

func DefaultSettings() Settings {
	return Settings{
		Cooldown:      5 * time.Minute,
		TTL:           time.Hour,
		HistoryLimit:  1000,
		CheckInterval: time.Minute,
		MinCacheOps:   100,
		ErrorRate:     Thresholds{Warning: 10, Critical: 50, Emergency: 100},
		ResponseTime:  Thresholds{Warning: 1000, Critical: 3000, Emergency: 5000},
		QueueDepth:    Thresholds{Warning: 100, Critical: 500, Emergency: 1000},
		Memory:        Thresholds{Warning: 70, Critical: 85, Emergency: 95},
		CacheHitRate:  Thresholds{Warning: 70, Critical: 50, Emergency: 30},
	}
}
