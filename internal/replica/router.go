// Package replica routes reads across read replicas and keeps every write
// and transaction on the primary.
package replica

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/errtrack"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	prometheusCallflow "git.mci.dev/mse/sre/phoenix/golang/callflow/internal/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const lagQuery = "SELECT EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp())) AS lag"

type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// Executor is the primary side of the router. In the worker it is the
// failover manager, so writes follow the current database role.
type Executor interface {
	Query(ctx context.Context, text string, args []any, opts ...database.QueryOption) (*database.Result, error)
	Transaction(ctx context.Context, fn database.TxFunc) error
}

type Replica interface {
	Executor
	Name() string
	CheckHealth(ctx context.Context) database.Health
}

type Settings struct {
	CheckInterval   time.Duration
	MaxResponseTime time.Duration
	HealthyLag      time.Duration
	MaxLag          time.Duration
	// LagFailOpen keeps a replica healthy when the lag query itself fails.
	LagFailOpen   bool
	PreferPrimary bool
	Logger        *zap.Logger
}

func DefaultSettings() Settings {
	return Settings{
		CheckInterval:   30 * time.Second,
		MaxResponseTime: 5 * time.Second,
		HealthyLag:      10 * time.Second,
		MaxLag:          30 * time.Second,
		LagFailOpen:     true,
	}
}

type Status struct {
	Name         string        `json:"name"`
	Healthy      bool          `json:"healthy"`
	State        State         `json:"state"`
	ResponseTime time.Duration `json:"response_time"`
	Lag          time.Duration `json:"lag"`
	LastCheck    time.Time     `json:"last_check"`
	Error        string        `json:"error,omitempty"`
}

type replicaState struct {
	replica Replica

	mu     sync.RWMutex
	status Status
}

func (r *replicaState) healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.status.Healthy
}

func (r *replicaState) set(status Status) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()

	value := 0.0
	if status.Healthy {
		value = 1
	}

	prometheusCallflow.ReplicaHealthy.WithLabelValues(status.Name).Set(value)
}

func (r *replicaState) markUnhealthy(err error) {
	r.mu.Lock()
	r.status.Healthy = false
	r.status.State = StateUnhealthy
	r.status.Error = errtrack.Sanitize(err.Error())
	name := r.status.Name
	r.mu.Unlock()

	prometheusCallflow.ReplicaHealthy.WithLabelValues(name).Set(0)
}

func (r *replicaState) snapshot() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.status
}

type Router struct {
	primary  Executor
	replicas []*replicaState
	settings Settings
	tracker  errtrack.Capturer
	logger   *zap.Logger
	cursor   atomic.Uint64
}

// NewRouter starts with every replica healthy; the first CheckReplicas
// corrects that.
func NewRouter(primary Executor, replicas []Replica, settings Settings, tracker errtrack.Capturer) *Router {
	states := make([]*replicaState, 0, len(replicas))

	for _, replica := range replicas {
		states = append(states, &replicaState{
			replica: replica,
			status:  Status{Name: replica.Name(), Healthy: true, State: StateHealthy},
		})
	}

	return &Router{
		primary:  primary,
		replicas: states,
		settings: settings,
		tracker:  tracker,
		logger:   logging.Or(settings.Logger),
	}
}

type readOptions struct {
	preferPrimary bool
	query         []database.QueryOption
}

type ReadOption func(*readOptions)

func WithPreferPrimary() ReadOption {
	return func(o *readOptions) {
		o.preferPrimary = true
	}
}

func WithQueryOptions(opts ...database.QueryOption) ReadOption {
	return func(o *readOptions) {
		o.query = append(o.query, opts...)
	}
}

func (r *Router) Classify(text string) database.QueryKind {
	return database.Classify(text)
}

// Query sends reads to Read and everything else to Write.
func (r *Router) Query(ctx context.Context, text string, args []any, opts ...ReadOption) (*database.Result, error) {
	if database.Classify(text) == database.KindRead {
		return r.Read(ctx, text, args, opts...)
	}

	options := readOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	return r.Write(ctx, text, args, options.query...)
}

func (r *Router) Read(ctx context.Context, text string, args []any, opts ...ReadOption) (*database.Result, error) {
	options := readOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	if database.Classify(text) == database.KindWrite {
		return r.Write(ctx, text, args, options.query...)
	}

	if options.preferPrimary || r.settings.PreferPrimary || len(r.replicas) == 0 {
		return r.primary.Query(ctx, text, args, options.query...)
	}

	state := r.next()
	if state == nil {
		r.logger.Warn("[Read] no healthy replica, reading from primary")

		return r.primary.Query(ctx, text, args, options.query...)
	}

	result, err := state.replica.Query(ctx, text, args, options.query...)
	if err == nil {
		return result, nil
	}

	state.markUnhealthy(err)

	r.logger.Warn("[Read] replica query failed, retrying on primary",
		zap.String("replica", state.replica.Name()),
		zap.String("error", err.Error()),
	)

	r.capture(ctx, "read_replica", err, map[string]any{"replica": state.replica.Name()})

	return r.primary.Query(ctx, text, args, options.query...)
}

func (r *Router) Write(ctx context.Context, text string, args []any, opts ...database.QueryOption) (*database.Result, error) {
	result, err := r.primary.Query(ctx, text, args, opts...)
	if err != nil {
		r.capture(ctx, "write_primary", err, map[string]any{"sql": errtrack.Truncate(text, 200)})

		return nil, err
	}

	return result, nil
}

// Transaction never touches a replica.
func (r *Router) Transaction(ctx context.Context, fn database.TxFunc) error {
	return r.primary.Transaction(ctx, fn)
}

// next walks the ring once from the rotating cursor and returns the first
// healthy replica, or nil.
func (r *Router) next() *replicaState {
	count := uint64(len(r.replicas))
	start := r.cursor.Add(1) - 1

	for i := range count {
		state := r.replicas[(start+i)%count]
		if state.healthy() {
			return state
		}
	}

	return nil
}

// CheckReplicas probes every replica concurrently. One replica's failure
// never affects another's result.
func (r *Router) CheckReplicas(ctx context.Context) []Status {
	var group errgroup.Group

	for _, state := range r.replicas {
		group.Go(func() error {
			state.set(r.check(ctx, state.replica))

			return nil
		})
	}

	_ = group.Wait()

	return r.Status()
}

func (r *Router) check(ctx context.Context, replica Replica) Status {
	status := Status{Name: replica.Name(), LastCheck: time.Now()}

	health := replica.CheckHealth(ctx)
	status.ResponseTime = health.ResponseTime

	if !health.Connected {
		status.State = StateUnhealthy
		status.Error = health.Error

		return status
	}

	if r.settings.MaxResponseTime > 0 && health.ResponseTime > r.settings.MaxResponseTime {
		status.State = StateUnhealthy
		status.Error = fmt.Sprintf("response time %s exceeds %s", health.ResponseTime, r.settings.MaxResponseTime)

		return status
	}

	lag, err := r.lag(ctx, replica)
	if err != nil {
		r.logger.Warn("[CheckReplicas] replication lag query failed",
			zap.String("replica", replica.Name()),
			zap.Bool("fail_open", r.settings.LagFailOpen),
			zap.String("error", err.Error()),
		)

		if r.settings.LagFailOpen {
			status.Healthy = true
			status.State = StateHealthy

			return status
		}

		status.State = StateUnhealthy
		status.Error = errtrack.Sanitize(err.Error())

		return status
	}

	status.Lag = lag

	switch {
	case lag <= r.settings.HealthyLag:
		status.Healthy = true
		status.State = StateHealthy
	case lag <= r.settings.MaxLag:
		status.Healthy = true
		status.State = StateDegraded
	default:
		status.State = StateUnhealthy
		status.Error = fmt.Sprintf("replication lag %s exceeds %s", lag, r.settings.MaxLag)
	}

	return status
}

func (r *Router) lag(ctx context.Context, replica Replica) (time.Duration, error) {
	result, err := replica.Query(ctx, lagQuery, nil, database.WithoutMetrics())
	if err != nil {
		return 0, err
	}

	if result == nil || len(result.Rows) == 0 {
		return 0, nil
	}

	seconds, err := toSeconds(result.Rows[0]["lag"])
	if err != nil {
		return 0, err
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

// toSeconds accepts what drivers return for a numeric column. NULL means the
// server is not replaying WAL, which counts as no lag.
func toSeconds(value any) (float64, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("unexpected lag value %T", value)
	}
}

func (r *Router) Status() []Status {
	statuses := make([]Status, 0, len(r.replicas))
	for _, state := range r.replicas {
		statuses = append(statuses, state.snapshot())
	}

	return statuses
}

// Run checks once right away and then on every CheckInterval tick until ctx
// is done.
func (r *Router) Run(ctx context.Context) {
	if len(r.replicas) == 0 {
		return
	}

	r.CheckReplicas(ctx)

	ticker := time.NewTicker(r.settings.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, status := range r.CheckReplicas(ctx) {
				if !status.Healthy {
					r.logger.Warn("[Run] replica unhealthy",
						zap.String("replica", status.Name),
						zap.String("state", string(status.State)),
						zap.String("error", status.Error),
					)
				}
			}
		}
	}
}

func (r *Router) capture(ctx context.Context, operation string, err error, fields map[string]any) {
	if r.tracker == nil {
		return
	}

	r.tracker.Capture(ctx, operation, err, fields)
}
