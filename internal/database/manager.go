package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/errtrack"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/fault"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	prometheusCallflow "git.mci.dev/mse/sre/phoenix/golang/callflow/internal/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	sqlLogLimit         = 200
	utilizationAdvisory = 80.0
)

var ErrTransactionPanicked = errors.New("transaction callback panicked")

type MetricsRecorder interface {
	RecordLatency(ctx context.Context, operation string, duration time.Duration, success bool)
}

type Settings struct {
	Name               string
	MaxConnections     int
	MinConnections     int
	StatementTimeout   time.Duration
	SlowQueryThreshold time.Duration
	SlowQueryLimit     int
	Logger             *zap.Logger
}

func DefaultSettings(name string) Settings {
	return Settings{
		Name:               name,
		MaxConnections:     20,
		MinConnections:     2,
		StatementTimeout:   30 * time.Second,
		SlowQueryThreshold: time.Second,
		SlowQueryLimit:     100,
	}
}

type PoolStats struct {
	Total              int     `json:"total"`
	Idle               int     `json:"idle"`
	Waiting            int     `json:"waiting"`
	Active             int     `json:"active"`
	MaxConnections     int     `json:"max_connections"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

type SlowQuery struct {
	Name     string        `json:"name,omitempty"`
	SQL      string        `json:"sql"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

type QueryStats struct {
	TotalQueries  int64         `json:"total_queries"`
	FailedQueries int64         `json:"failed_queries"`
	AvgDuration   time.Duration `json:"avg_duration"`
	SlowQueries   []SlowQuery   `json:"slow_queries"`
}

type Health struct {
	Connected    bool          `json:"connected"`
	ResponseTime time.Duration `json:"response_time"`
	Pool         PoolStats     `json:"pool"`
	Error        string        `json:"error,omitempty"`
}

type Statement struct {
	Text string
	Args []any
}

type TxFunc func(ctx context.Context, tx Querier) error

type queryOptions struct {
	timeout      time.Duration
	trackMetrics bool
	name         string
}

type QueryOption func(*queryOptions)

// WithTimeout overrides the statement timeout of a single query, capped at
// the manager's StatementTimeout.
func WithTimeout(timeout time.Duration) QueryOption {
	return func(o *queryOptions) {
		o.timeout = timeout
	}
}

func WithoutMetrics() QueryOption {
	return func(o *queryOptions) {
		o.trackMetrics = false
	}
}

// WithName runs the query as a prepared statement and labels it in logs.
func WithName(name string) QueryOption {
	return func(o *queryOptions) {
		o.name = name
	}
}

// Manager is the Connection Manager of one database: every query checks a
// connection out of the pool and always gives it back.
type Manager struct {
	pool     Pool
	settings Settings
	metrics  MetricsRecorder
	tracker  errtrack.Capturer
	logger   *zap.Logger

	totalQueries  atomic.Int64
	failedQueries atomic.Int64
	totalNanos    atomic.Int64

	slowMu   sync.Mutex
	slow     []SlowQuery
	slowNext int
}

func NewManager(pool Pool, settings Settings, metrics MetricsRecorder, tracker errtrack.Capturer) *Manager {
	if settings.SlowQueryLimit <= 0 {
		settings.SlowQueryLimit = 100
	}

	return &Manager{
		pool:     pool,
		settings: settings,
		metrics:  metrics,
		tracker:  tracker,
		logger:   logging.Or(settings.Logger).With(zap.String("pool", settings.Name)),
		slow:     make([]SlowQuery, 0, settings.SlowQueryLimit),
	}
}

func (m *Manager) Name() string {
	return m.settings.Name
}

func (m *Manager) Query(ctx context.Context, text string, args []any, opts ...QueryOption) (result *Result, err error) {
	options := queryOptions{trackMetrics: true}
	for _, opt := range opts {
		opt(&options)
	}

	started := time.Now()

	defer func() {
		m.observe(ctx, "db.query", text, options, time.Since(started), err)
	}()

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fault.New(fault.Transient, "acquire", err)
	}

	defer conn.Release()

	queryCtx := ctx

	if options.timeout > 0 {
		timeout := m.capTimeout(options.timeout)

		var cancel context.CancelFunc

		queryCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()

		_, err = conn.Query(queryCtx, "SET statement_timeout = "+strconv.FormatInt(timeout.Milliseconds(), 10))
		if err != nil {
			return nil, fault.New(fault.Transient, "query", err)
		}

		defer m.resetTimeout(conn)
	}

	if options.name != "" {
		result, err = conn.Prepared(queryCtx, text, args...)
	} else {
		result, err = conn.Query(queryCtx, text, args...)
	}

	if err != nil {
		return nil, fault.New(fault.Transient, "query", err)
	}

	return result, nil
}

// Transaction runs fn between BEGIN and COMMIT on one connection. Any error
// or panic from fn rolls back.
func (m *Manager) Transaction(ctx context.Context, fn TxFunc) (err error) {
	started := time.Now()

	defer func() {
		m.observe(ctx, "db.transaction", "BEGIN", queryOptions{trackMetrics: true}, time.Since(started), err)
	}()

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return fault.New(fault.Transient, "acquire", err)
	}

	defer conn.Release()

	_, err = conn.Query(ctx, "BEGIN")
	if err != nil {
		return fault.New(fault.Transient, "begin", err)
	}

	defer func() {
		recovered := recover()
		if recovered != nil {
			m.rollback(conn)

			err = fmt.Errorf("%w: %v", ErrTransactionPanicked, recovered)

			return
		}

		if err != nil {
			m.rollback(conn)
		}
	}()

	err = fn(ctx, conn)
	if err != nil {
		return err
	}

	_, err = conn.Query(ctx, "COMMIT")
	if err != nil {
		return fault.New(fault.Transient, "commit", err)
	}

	return nil
}

// Batch runs the statements in order inside one transaction.
func (m *Manager) Batch(ctx context.Context, statements []Statement) ([]*Result, error) {
	results := make([]*Result, 0, len(statements))

	err := m.Transaction(ctx, func(ctx context.Context, tx Querier) error {
		for i, statement := range statements {
			result, err := tx.Query(ctx, statement.Text, statement.Args...)
			if err != nil {
				return fault.New(fault.Transient, "batch", fmt.Errorf("statement %d: %w", i, err))
			}

			results = append(results, result)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

func (m *Manager) GetPoolStats() PoolStats {
	counters := m.pool.Counters()

	stats := PoolStats{
		Total:          counters.Total,
		Idle:           counters.Idle,
		Waiting:        counters.Waiting,
		Active:         counters.InUse,
		MaxConnections: counters.Max,
	}

	if stats.MaxConnections == 0 {
		stats.MaxConnections = m.settings.MaxConnections
	}

	if stats.MaxConnections > 0 {
		stats.UtilizationPercent = float64(stats.Active) / float64(stats.MaxConnections) * 100
	}

	prometheusCallflow.DBPoolConnections.WithLabelValues(m.settings.Name, "total").Set(float64(stats.Total))
	prometheusCallflow.DBPoolConnections.WithLabelValues(m.settings.Name, "idle").Set(float64(stats.Idle))
	prometheusCallflow.DBPoolConnections.WithLabelValues(m.settings.Name, "active").Set(float64(stats.Active))
	prometheusCallflow.DBPoolConnections.WithLabelValues(m.settings.Name, "waiting").Set(float64(stats.Waiting))

	return stats
}

// OptimizePool is advisory only: it logs when utilization is above 80%.
func (m *Manager) OptimizePool() (PoolStats, bool) {
	stats := m.GetPoolStats()

	if stats.UtilizationPercent > utilizationAdvisory {
		m.logger.Warn("[OptimizePool] connection pool utilization is high, consider raising max connections",
			zap.Float64("utilization_percent", stats.UtilizationPercent),
			zap.Int("active", stats.Active),
			zap.Int("max_connections", stats.MaxConnections),
			zap.Int("waiting", stats.Waiting),
		)

		return stats, true
	}

	return stats, false
}

// CheckHealth is the probe used by the router and the failover manager.
func (m *Manager) CheckHealth(ctx context.Context) Health {
	started := time.Now()

	_, err := m.Query(ctx, "SELECT 1", nil, WithoutMetrics())

	health := Health{
		Connected:    err == nil,
		ResponseTime: time.Since(started),
		Pool:         m.GetPoolStats(),
	}

	if err != nil {
		health.Error = errtrack.Sanitize(err.Error())
	}

	return health
}

func (m *Manager) QueryStats() QueryStats {
	total := m.totalQueries.Load()

	stats := QueryStats{
		TotalQueries:  total,
		FailedQueries: m.failedQueries.Load(),
	}

	if total > 0 {
		stats.AvgDuration = time.Duration(m.totalNanos.Load() / total)
	}

	m.slowMu.Lock()
	defer m.slowMu.Unlock()

	stats.SlowQueries = make([]SlowQuery, 0, len(m.slow))

	// oldest first
	if len(m.slow) == m.settings.SlowQueryLimit {
		stats.SlowQueries = append(stats.SlowQueries, m.slow[m.slowNext:]...)
		stats.SlowQueries = append(stats.SlowQueries, m.slow[:m.slowNext]...)
	} else {
		stats.SlowQueries = append(stats.SlowQueries, m.slow...)
	}

	return stats
}

// Warm opens MinConnections connections so they sit idle in the pool.
func (m *Manager) Warm(ctx context.Context) error {
	conns := make([]Conn, m.settings.MinConnections)

	group, groupCtx := errgroup.WithContext(ctx)

	for i := range conns {
		group.Go(func() error {
			conn, err := m.pool.Acquire(groupCtx)
			if err != nil {
				return err
			}

			conns[i] = conn

			return nil
		})
	}

	err := group.Wait()

	for _, conn := range conns {
		if conn != nil {
			conn.Release()
		}
	}

	if err != nil {
		return fault.New(fault.Transient, "warm", err)
	}

	return nil
}

// Observe runs gorm work that uses this pool and records it like a query:
// latency, slow-query ring, failure capture. A missing row is not a failure.
func (m *Manager) Observe(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	start := time.Now()

	err := fn(ctx)

	observed := err
	if errors.Is(err, gorm.ErrRecordNotFound) {
		observed = nil
	}

	m.observe(ctx, "db.orm", operation, queryOptions{trackMetrics: true, name: operation}, time.Since(start), observed)

	return err
}

func (m *Manager) Close() error {
	m.logger.Info("[Close] closing connection pool")

	return m.pool.Close()
}

func (m *Manager) capTimeout(timeout time.Duration) time.Duration {
	if m.settings.StatementTimeout > 0 && timeout > m.settings.StatementTimeout {
		return m.settings.StatementTimeout
	}

	return timeout
}

func (m *Manager) resetTimeout(conn Conn) {
	_, err := conn.Query(context.Background(), "RESET statement_timeout")
	if err != nil {
		m.logger.Warn("[Query] failed to reset statement timeout", zap.String("error", err.Error()))
	}
}

func (m *Manager) rollback(conn Conn) {
	_, err := conn.Query(context.Background(), "ROLLBACK")
	if err != nil {
		m.logger.Error("[Transaction] rollback failed", zap.String("error", err.Error()))
	}
}

func (m *Manager) observe(
	ctx context.Context,
	operation, text string,
	options queryOptions,
	duration time.Duration,
	err error,
) {
	m.totalQueries.Add(1)
	m.totalNanos.Add(int64(duration))

	if options.trackMetrics && m.metrics != nil {
		m.metrics.RecordLatency(ctx, operation, duration, err == nil)
	}

	if m.settings.SlowQueryThreshold > 0 && duration > m.settings.SlowQueryThreshold {
		m.recordSlow(SlowQuery{
			Name:     options.name,
			SQL:      errtrack.Truncate(text, sqlLogLimit),
			Duration: duration,
			At:       time.Now(),
		})
	}

	if err == nil {
		return
	}

	m.failedQueries.Add(1)

	truncated := errtrack.Truncate(text, sqlLogLimit)

	m.logger.Error("["+operation+"] query failed",
		zap.String("sql", truncated),
		zap.Duration("duration", duration),
		zap.String("error", err.Error()),
	)

	if m.tracker != nil {
		m.tracker.Capture(ctx, operation, err, map[string]any{
			"sql":  truncated,
			"pool": m.settings.Name,
		})
	}
}

func (m *Manager) recordSlow(query SlowQuery) {
	prometheusCallflow.SlowQueries.WithLabelValues(m.settings.Name).Inc()

	m.logger.Warn("[Query] slow query",
		zap.String("name", query.Name),
		zap.String("sql", query.SQL),
		zap.Duration("duration", query.Duration),
	)

	m.slowMu.Lock()
	defer m.slowMu.Unlock()

	if len(m.slow) < m.settings.SlowQueryLimit {
		m.slow = append(m.slow, query)
		m.slowNext = len(m.slow) % m.settings.SlowQueryLimit

		return
	}

	m.slow[m.slowNext] = query
	m.slowNext = (m.slowNext + 1) % m.settings.SlowQueryLimit
}
