package healthchecker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/failover"
	"github.com/redis/go-redis/v9"
)

var (
	ErrDatabaseUnhealthy = errors.New("database unhealthy")
	ErrCacheUnhealthy    = errors.New("cache unhealthy")
)

type DatabaseReporter interface {
	CheckHealth(ctx context.Context) database.Health
	Health() []failover.DatabaseHealth
	CurrentRole() failover.Role
}

// DatabaseProbe checks the database role currently serving traffic.
type DatabaseProbe struct {
	db DatabaseReporter
}

func NewDatabaseProbe(db DatabaseReporter) *DatabaseProbe {
	return &DatabaseProbe{db: db}
}

func (p *DatabaseProbe) Check(ctx context.Context) (map[string]any, error) {
	health := p.db.CheckHealth(ctx)

	healthyRoles := 0

	for _, role := range p.db.Health() {
		if role.Healthy {
			healthyRoles++
		}
	}

	details := map[string]any{
		"role":                string(p.db.CurrentRole()),
		"response_time_ms":    health.ResponseTime.Milliseconds(),
		"active_connections":  health.Pool.Active,
		"waiting_connections": health.Pool.Waiting,
		"healthy_roles":       healthyRoles,
	}

	if !health.Connected {
		return details, fmt.Errorf("%w: %s", ErrDatabaseUnhealthy, health.Error)
	}

	return details, nil
}

// CacheProbe pings the Redis instance behind the queue, metrics and alerts.
type CacheProbe struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewCacheProbe(client redis.Cmdable) *CacheProbe {
	return &CacheProbe{client: client, now: time.Now}
}

func (p *CacheProbe) Check(ctx context.Context) (map[string]any, error) {
	start := p.now()

	err := p.client.Ping(ctx).Err()

	details := map[string]any{"response_time_ms": p.now().Sub(start).Milliseconds()}
	if err != nil {
		return details, fmt.Errorf("%w: %w", ErrCacheUnhealthy, err)
	}

	return details, nil
}
