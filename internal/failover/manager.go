// Package failover keeps one database role current and switches it when the
// current role keeps failing.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/alert"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/errtrack"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/fault"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	prometheusCallflow "git.mci.dev/mse/sre/phoenix/golang/callflow/internal/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
	RoleTertiary  Role = "tertiary"
)

var roleOrder = []Role{RolePrimary, RoleSecondary, RoleTertiary}

var (
	ErrNoHealthyDatabase = errors.New("no healthy database")
	ErrFailoverTimeout   = errors.New("timed out waiting for failover")
	ErrPrimaryRequired   = errors.New("primary database is required")
	ErrNoORM             = errors.New("database role has no gorm handle")
)

// Database is what one role is backed by; *database.Manager implements it.
type Database interface {
	Query(ctx context.Context, text string, args []any, opts ...database.QueryOption) (*database.Result, error)
	Transaction(ctx context.Context, fn database.TxFunc) error
	Batch(ctx context.Context, statements []database.Statement) ([]*database.Result, error)
	Observe(ctx context.Context, operation string, fn func(ctx context.Context) error) error
	CheckHealth(ctx context.Context) database.Health
	Close() error
}

type Alerter interface {
	CreateAlert(ctx context.Context, alertType alert.Type, severity alert.Severity, message string, details map[string]any) (*alert.Alert, error)
	ResolveAlert(ctx context.Context, alertType alert.Type) (bool, error)
}

type Member struct {
	Role Role
	DB   Database
	// ORM is the gorm handle over the same database, used by repositories.
	ORM *gorm.DB
	DSN string
}

type DatabaseHealth struct {
	Role                Role          `json:"role"`
	Healthy             bool          `json:"healthy"`
	LastCheck           time.Time     `json:"last_check"`
	ResponseTime        time.Duration `json:"response_time"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ConnectionString    string        `json:"connection_string"`
	Current             bool          `json:"current"`
}

type Settings struct {
	Threshold        int
	WaitTimeout      time.Duration
	HealthInterval   time.Duration
	RecoveryInterval time.Duration
	AutoFailback     bool
	MaxResponseTime  time.Duration
	Logger           *zap.Logger
}

func DefaultSettings() Settings {
	return Settings{
		Threshold:        3,
		WaitTimeout:      10 * time.Second,
		HealthInterval:   10 * time.Second,
		RecoveryInterval: 30 * time.Second,
		AutoFailback:     true,
		MaxResponseTime:  5 * time.Second,
	}
}

type failoverRun struct {
	done chan struct{}
	err  error
}

type Manager struct {
	members  map[Role]Member
	settings Settings
	alerter  Alerter
	logger   *zap.Logger

	mu         sync.Mutex
	current    Role
	health     map[Role]*DatabaseHealth
	inProgress *failoverRun
	recovering bool

	lifecycle context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

func NewManager(members []Member, settings Settings, alerter Alerter) (*Manager, error) {
	if settings.Threshold <= 0 {
		settings.Threshold = 1
	}

	manager := &Manager{
		members:  make(map[Role]Member, len(members)),
		settings: settings,
		alerter:  alerter,
		logger:   logging.Or(settings.Logger),
		current:  RolePrimary,
		health:   make(map[Role]*DatabaseHealth, len(members)),
	}

	for _, member := range members {
		if member.DB == nil {
			continue
		}

		manager.members[member.Role] = member
		manager.health[member.Role] = &DatabaseHealth{
			Role:             member.Role,
			Healthy:          true,
			ConnectionString: errtrack.Sanitize(member.DSN),
		}
	}

	if _, ok := manager.members[RolePrimary]; !ok {
		return nil, ErrPrimaryRequired
	}

	manager.lifecycle, manager.stop = context.WithCancel(context.Background())

	return manager, nil
}

func (m *Manager) CurrentRole() Role {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// RunORM runs gorm work on the current role. It counts toward the failure
// threshold the same way Query does; a missing row is not a failure.
func (m *Manager) RunORM(ctx context.Context, operation string, fn func(db *gorm.DB) error) error {
	return m.executeMember(ctx, func(member Member) error {
		if member.ORM == nil {
			return fmt.Errorf("%w: %s", ErrNoORM, member.Role)
		}

		return member.DB.Observe(ctx, operation, func(ctx context.Context) error {
			return fn(member.ORM.WithContext(ctx))
		})
	})
}

func (m *Manager) Query(ctx context.Context, text string, args []any, opts ...database.QueryOption) (*database.Result, error) {
	var result *database.Result

	err := m.execute(ctx, func(db Database) error {
		var err error

		result, err = db.Query(ctx, text, args, opts...)

		return err
	})

	return result, err
}

func (m *Manager) Transaction(ctx context.Context, fn database.TxFunc) error {
	return m.execute(ctx, func(db Database) error {
		return db.Transaction(ctx, fn)
	})
}

func (m *Manager) Batch(ctx context.Context, statements []database.Statement) ([]*database.Result, error) {
	var results []*database.Result

	err := m.execute(ctx, func(db Database) error {
		var err error

		results, err = db.Batch(ctx, statements)

		return err
	})

	return results, err
}

// CheckHealth reports on the current role.
func (m *Manager) CheckHealth(ctx context.Context) database.Health {
	role := m.CurrentRole()

	return m.refresh(ctx, role)
}

// execute runs op on the current role. When the role reaches the failure
// threshold it fails over and runs op exactly once more on the new role.
func (m *Manager) execute(ctx context.Context, op func(Database) error) error {
	return m.executeMember(ctx, func(member Member) error {
		return op(member.DB)
	})
}

func (m *Manager) executeMember(ctx context.Context, op func(Member) error) error {
	role, member := m.currentMember()

	err := op(member)
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		m.recordSuccess(role)

		return err
	}

	if !m.recordFailure(role) {
		return err
	}

	m.logger.Warn("[Query] failure threshold reached, failing over",
		zap.String("role", string(role)),
		zap.Int("threshold", m.settings.Threshold),
		zap.String("error", err.Error()),
	)

	failoverErr := m.failover(ctx, role)
	if failoverErr != nil {
		return failoverErr
	}

	_, member = m.currentMember()

	return op(member)
}

func (m *Manager) currentMember() (Role, Member) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current, m.members[m.current]
}

func (m *Manager) recordSuccess(role Role) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.health[role].ConsecutiveFailures = 0
}

func (m *Manager) recordFailure(role Role) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.health[role].ConsecutiveFailures++

	return m.health[role].ConsecutiveFailures >= m.settings.Threshold
}

func (m *Manager) failover(ctx context.Context, failing Role) error {
	m.mu.Lock()

	if run := m.inProgress; run != nil {
		m.mu.Unlock()

		return m.wait(ctx, run)
	}

	// already switched away by another caller
	if m.current != failing {
		m.mu.Unlock()

		return nil
	}

	run := &failoverRun{done: make(chan struct{})}
	m.inProgress = run
	m.health[failing].Healthy = false
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inProgress = nil
		m.mu.Unlock()

		close(run.done)
	}()

	target, found := m.findHealthy(ctx, failing)
	if !found {
		run.err = fault.New(fault.Outage, "failover", ErrNoHealthyDatabase)

		m.logger.Error("[failover] no healthy database available", zap.String("failed_role", string(failing)))
		m.raise(ctx, alert.TypeDatabase, alert.SeverityCritical,
			"No healthy database available for failover",
			map[string]any{"failed_role": string(failing)},
		)

		return run.err
	}

	m.mu.Lock()
	m.current = target
	m.health[failing].ConsecutiveFailures = 0
	m.mu.Unlock()

	prometheusCallflow.FailoverTotal.WithLabelValues(string(failing), string(target)).Inc()

	m.logger.Warn("[failover] switched database role",
		zap.String("from", string(failing)),
		zap.String("to", string(target)),
	)

	m.raise(ctx, alert.TypeFailover, alert.SeverityCritical,
		fmt.Sprintf("Database failover: %s -> %s", failing, target),
		map[string]any{"from": string(failing), "to": string(target)},
	)

	if failing == RolePrimary && m.settings.AutoFailback {
		m.startRecovery()
	}

	return nil
}

func (m *Manager) wait(ctx context.Context, run *failoverRun) error {
	timer := time.NewTimer(m.settings.WaitTimeout)
	defer timer.Stop()

	select {
	case <-run.done:
		return run.err
	case <-timer.C:
		return fault.New(fault.Transient, "failover", ErrFailoverTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) findHealthy(ctx context.Context, failing Role) (Role, bool) {
	for _, role := range roleOrder {
		if role == failing {
			continue
		}

		if _, ok := m.members[role]; !ok {
			continue
		}

		if m.isHealthy(m.refresh(ctx, role)) {
			return role, true
		}
	}

	return "", false
}

func (m *Manager) isHealthy(health database.Health) bool {
	return health.Connected && (m.settings.MaxResponseTime <= 0 || health.ResponseTime < m.settings.MaxResponseTime)
}

// refresh probes one role and stores the outcome in its health record.
func (m *Manager) refresh(ctx context.Context, role Role) database.Health {
	health := m.members[role].DB.CheckHealth(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.health[role]
	record.Healthy = m.isHealthy(health)
	record.LastCheck = time.Now()
	record.ResponseTime = health.ResponseTime

	return health
}

func (m *Manager) startRecovery() {
	m.mu.Lock()
	if m.recovering {
		m.mu.Unlock()

		return
	}

	m.recovering = true
	m.mu.Unlock()

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		m.monitorRecovery(m.lifecycle)
	}()
}

// monitorRecovery switches back to the primary as soon as it is healthy
// again, then stops.
func (m *Manager) monitorRecovery(ctx context.Context) {
	ticker := time.NewTicker(m.settings.RecoveryInterval)
	defer ticker.Stop()

	defer func() {
		m.mu.Lock()
		m.recovering = false
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.isHealthy(m.refresh(ctx, RolePrimary)) {
				continue
			}

			m.mu.Lock()
			previous := m.current
			m.current = RolePrimary
			m.health[RolePrimary].ConsecutiveFailures = 0
			m.mu.Unlock()

			prometheusCallflow.FailoverTotal.WithLabelValues(string(previous), string(RolePrimary)).Inc()

			m.logger.Info("[monitorRecovery] primary recovered, failed back", zap.String("from", string(previous)))

			if m.alerter != nil {
				_, err := m.alerter.ResolveAlert(ctx, alert.TypeFailover)
				if err != nil {
					m.logger.Warn("[monitorRecovery] failed to resolve failover alert", zap.String("error", err.Error()))
				}
			}

			m.raise(ctx, alert.TypeFailover, alert.SeverityWarning,
				fmt.Sprintf("Database failback complete: %s -> %s", previous, RolePrimary),
				map[string]any{"from": string(previous), "to": string(RolePrimary)},
			)

			return
		}
	}
}

// Health returns a snapshot of every configured role in preference order.
func (m *Manager) Health() []DatabaseHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make([]DatabaseHealth, 0, len(m.health))

	for _, role := range roleOrder {
		record, ok := m.health[role]
		if !ok {
			continue
		}

		entry := *record
		entry.Current = role == m.current
		snapshot = append(snapshot, entry)
	}

	return snapshot
}

// CheckAll refreshes the health record of every role concurrently. It never
// triggers a failover.
func (m *Manager) CheckAll(ctx context.Context) []DatabaseHealth {
	var group errgroup.Group

	for role := range m.members {
		group.Go(func() error {
			m.refresh(ctx, role)

			return nil
		})
	}

	_ = group.Wait()

	return m.Health()
}

func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.settings.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, record := range m.CheckAll(ctx) {
				if !record.Healthy {
					m.logger.Warn("[Run] database role unhealthy",
						zap.String("role", string(record.Role)),
						zap.Bool("current", record.Current),
					)
				}
			}
		}
	}
}

func (m *Manager) Close() error {
	m.stop()
	m.wg.Wait()

	var errs []error

	for _, role := range roleOrder {
		member, ok := m.members[role]
		if !ok {
			continue
		}

		err := member.DB.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", role, err))
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) raise(ctx context.Context, alertType alert.Type, severity alert.Severity, message string, details map[string]any) {
	if m.alerter == nil {
		return
	}

	_, err := m.alerter.CreateAlert(ctx, alertType, severity, message, details)
	if err != nil {
		m.logger.Error("[failover] failed to create alert",
			zap.String("type", string(alertType)),
			zap.String("error", err.Error()),
		)
	}
}
