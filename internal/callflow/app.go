// Package callflow assembles the call processing worker: every service is
// constructed once in NewApp and handed to the components that need it.
package callflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/alert"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/asr"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/deadletter"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/errtrack"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/extraction"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/failover"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/healthchecker"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/kafka"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/metrics"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/minio"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/processor"
	prometheusCallflow "git.mci.dev/mse/sre/phoenix/golang/callflow/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/queue"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/replica"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/usage"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	statusInterval      = time.Minute
	maintenanceInterval = time.Hour
	deadLetterPoolSize  = 4
)

var ErrCircuitOpen = errors.New("circuit breaker opened")

type App struct {
	cfg    *config.Config
	logger *zap.Logger

	Redis          *redis.Client
	Metrics        *metrics.Recorder
	Errors         *errtrack.Tracker
	Alerts         *alert.Manager
	HealthChecker  *healthchecker.Healthchecker
	Databases      *failover.Manager
	Replicas       *replica.Router
	replicaMembers []*database.Manager
	members        []*database.Manager

	Calls      *call.Repository
	Usage      *usage.Repository
	DeadLetter *deadletter.Repository
	Replayer   *deadletter.Service

	Minio      *minio.Client
	ASR        *asr.Client
	Extraction *extraction.Client
	Processor  *processor.Processor

	queueClient    *asynq.Client
	queueInspector *asynq.Inspector
	Queue          *queue.Queue
	QueueServer    *queue.Server

	KafkaConsumer *kafka.Consumer
	KafkaProducer *kafka.Producer

	Prometheus *prometheusCallflow.Server
	Reporter   *Reporter

	wg sync.WaitGroup
}

func NewApp(cfg *config.Config) (*App, error) {
	app := &App{cfg: cfg, logger: logging.Logger}

	app.logger.Info("[NewApp] Initializing callflow application...")

	err := app.initObservability()
	if err != nil {
		return nil, err
	}

	err = app.initDatabases()
	if err != nil {
		app.closeAll()
		return nil, err
	}

	err = app.initCollaborators()
	if err != nil {
		app.closeAll()
		return nil, err
	}

	err = app.initQueue()
	if err != nil {
		app.closeAll()
		return nil, err
	}

	err = app.initKafka()
	if err != nil {
		app.closeAll()
		return nil, err
	}

	app.initHealthChecks()

	app.Prometheus = prometheusCallflow.NewServer(cfg.PrometheusPort, cfg.PrometheusTimeout)
	app.Reporter = NewReporter(app.Replicas, app.Queue, app.Databases, app.Errors, app.Alerts, app.logger)

	app.logger.Info("[NewApp] callflow application initialized")

	return app, nil
}

func (app *App) initObservability() error {
	cfg := app.cfg

	app.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	app.Metrics = metrics.NewRecorder(app.Redis, metrics.WithLogger(app.logger))
	app.Errors = errtrack.NewTracker(app.Redis, app.Metrics, app.logger)

	notifiers := []alert.Notifier{alert.NewConsoleNotifier(app.logger)}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, alert.NewWebhookNotifier(cfg.AlertWebhookURL, 10*time.Second))
	}

	app.Alerts = alert.NewManager(app.Redis, app.Metrics, alertSettings(cfg), app.logger, notifiers...)

	app.logger.Info("[NewApp] Metrics, error tracker and alert manager created")

	return nil
}

func alertSettings(cfg *config.Config) alert.Settings {
	settings := alert.DefaultSettings()

	settings.CheckInterval = seconds(cfg.AlertCheckInterval, settings.CheckInterval)
	settings.Cooldown = seconds(cfg.AlertCooldown, settings.Cooldown)
	settings.TTL = seconds(cfg.AlertTTL, settings.TTL)

	if cfg.AlertHistoryLimit > 0 {
		settings.HistoryLimit = int64(cfg.AlertHistoryLimit)
	}

	if cfg.AlertMinCacheOps > 0 {
		settings.MinCacheOps = cfg.AlertMinCacheOps
	}

	settings.ErrorRate = thresholds(settings.ErrorRate, cfg.AlertErrorRateWarn, cfg.AlertErrorRateCrit, cfg.AlertErrorRateEmerg)
	settings.ResponseTime = thresholds(settings.ResponseTime, cfg.AlertResponseWarn, cfg.AlertResponseCrit, cfg.AlertResponseEmerg)
	settings.QueueDepth = thresholds(settings.QueueDepth, cfg.AlertQueueWarn, cfg.AlertQueueCrit, cfg.AlertQueueEmerg)
	settings.Memory = thresholds(settings.Memory, cfg.AlertMemoryWarn, cfg.AlertMemoryCrit, cfg.AlertMemoryEmerg)
	settings.CacheHitRate = thresholds(settings.CacheHitRate, cfg.AlertCacheHitWarn, cfg.AlertCacheHitCrit, cfg.AlertCacheHitEmerg)

	return settings
}

// thresholds overrides each level that is configured.
func thresholds(base alert.Thresholds, warning, critical, emergency float64) alert.Thresholds {
	if warning > 0 {
		base.Warning = warning
	}

	if critical > 0 {
		base.Critical = critical
	}

	if emergency > 0 {
		base.Emergency = emergency
	}

	return base
}

func seconds(value int, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}

	return time.Duration(value) * time.Second
}

func (app *App) databaseSettings(name string) database.Settings {
	cfg := app.cfg

	settings := database.DefaultSettings(name)
	settings.MaxConnections = cfg.DBMaxConnections
	settings.MinConnections = cfg.DBMinConnections
	settings.StatementTimeout = seconds(cfg.DBStatementTimeout, settings.StatementTimeout)
	settings.Logger = app.logger

	if cfg.DBSlowQueryThresholdMs > 0 {
		settings.SlowQueryThreshold = time.Duration(cfg.DBSlowQueryThresholdMs) * time.Millisecond
	}

	return settings
}

// openManager opens one pool and wraps it in a Connection Manager.
func (app *App) openManager(name, dsn string) (*database.Manager, failover.Member, error) {
	settings := app.databaseSettings(name)

	orm, err := database.Open(name, database.WithStatementTimeout(dsn, settings.StatementTimeout),
		settings.MaxConnections, settings.MinConnections)
	if err != nil {
		return nil, failover.Member{}, err
	}

	sqlDB, err := orm.DB()
	if err != nil {
		return nil, failover.Member{}, err
	}

	manager := database.NewManager(database.NewSQLPool(sqlDB), settings, app.Metrics, app.Errors)

	err = manager.Warm(context.Background())
	if err != nil {
		app.logger.Warn("[NewApp] Failed to warm database pool",
			zap.String("pool", name),
			zap.String("error", err.Error()),
		)
	}

	return manager, failover.Member{DB: manager, ORM: orm, DSN: dsn}, nil
}

func (app *App) initDatabases() error {
	cfg := app.cfg

	primaryDSN := database.GetDSN(database.PostgresParams{
		Host:     cfg.PostgresHost,
		Username: cfg.PostgresUsername,
		Password: cfg.PostgresPassword,
		Database: cfg.PostgresDatabase,
		Port:     cfg.PostgresPort,
	})

	roles := []struct {
		role failover.Role
		dsn  string
	}{
		{role: failover.RolePrimary, dsn: primaryDSN},
		{role: failover.RoleSecondary, dsn: cfg.PostgresSecondaryDSN},
		{role: failover.RoleTertiary, dsn: cfg.PostgresTertiaryDSN},
	}

	members := make([]failover.Member, 0, len(roles))

	for _, role := range roles {
		if role.dsn == "" {
			continue
		}

		manager, member, err := app.openManager(string(role.role), role.dsn)
		if err != nil {
			if role.role == failover.RolePrimary {
				app.logger.Error("[NewApp] Failed to initialize primary database", zap.String("error", err.Error()))
				return err
			}

			app.logger.Warn("[NewApp] Standby database unavailable at startup",
				zap.String("role", string(role.role)),
				zap.String("error", err.Error()),
			)

			continue
		}

		member.Role = role.role
		members = append(members, member)
		app.members = append(app.members, manager)
	}

	failoverSettings := failover.DefaultSettings()
	failoverSettings.Threshold = cfg.FailoverThreshold
	failoverSettings.HealthInterval = seconds(cfg.FailoverHealthInterval, failoverSettings.HealthInterval)
	failoverSettings.RecoveryInterval = seconds(cfg.FailoverRecoveryInterval, failoverSettings.RecoveryInterval)
	failoverSettings.WaitTimeout = seconds(cfg.FailoverWaitTimeout, failoverSettings.WaitTimeout)
	failoverSettings.AutoFailback = cfg.FailoverAutoFailback
	failoverSettings.Logger = app.logger

	databases, err := failover.NewManager(members, failoverSettings, app.Alerts)
	if err != nil {
		for _, manager := range app.members {
			_ = manager.Close()
		}

		return err
	}

	app.Databases = databases

	replicas := make([]replica.Replica, 0, len(cfg.ReplicaDSNs()))

	for idx, dsn := range cfg.ReplicaDSNs() {
		name := "replica-" + strconv.Itoa(idx+1)

		manager, _, err := app.openManager(name, dsn)
		if err != nil {
			app.logger.Warn("[NewApp] Read replica unavailable at startup",
				zap.String("replica", name),
				zap.String("error", err.Error()),
			)

			continue
		}

		app.replicaMembers = append(app.replicaMembers, manager)
		replicas = append(replicas, manager)
	}

	routerSettings := replica.DefaultSettings()
	routerSettings.CheckInterval = seconds(cfg.ReplicaCheckInterval, routerSettings.CheckInterval)
	routerSettings.LagFailOpen = cfg.ReplicaLagFailOpen
	routerSettings.PreferPrimary = cfg.ReplicaPreferPrimary
	routerSettings.Logger = app.logger

	if cfg.ReplicaMaxResponseTimeMs > 0 {
		routerSettings.MaxResponseTime = time.Duration(cfg.ReplicaMaxResponseTimeMs) * time.Millisecond
	}

	routerSettings.HealthyLag = seconds(cfg.ReplicaLagHealthySeconds, routerSettings.HealthyLag)
	routerSettings.MaxLag = seconds(cfg.ReplicaLagDegradedSeconds, routerSettings.MaxLag)

	app.Replicas = replica.NewRouter(app.Databases, replicas, routerSettings, app.Errors)

	app.Calls = call.NewRepository(app.Databases, cfg.DBIntervalCB, cfg.DBConsecutiveFailuresCB)
	app.Usage = usage.NewRepository(app.Databases, cfg.DBIntervalCB, cfg.DBConsecutiveFailuresCB)
	app.DeadLetter = deadletter.NewRepository(app.Databases, cfg.DBIntervalCB, cfg.DBConsecutiveFailuresCB)

	app.logger.Info("[NewApp] Databases, replica router and repositories created",
		zap.Int("roles", len(members)),
		zap.Int("replicas", len(replicas)),
	)

	return nil
}

func (app *App) initCollaborators() error {
	cfg := app.cfg

	var objects asr.ObjectStore

	if cfg.MinioEndpointURL != "" {
		client, err := minio.NewClient(minio.Settings{
			Endpoint:          cfg.MinioEndpointURL,
			AccessKey:         cfg.MinioAccessKey,
			SecretKey:         cfg.MinioSecretKey,
			Secure:            cfg.MinioSecure,
			Timeout:           seconds(cfg.MinioTimeout, time.Minute),
			MaxRetryAttempts:  cfg.MinioMaxRetryAttempts,
			RetryBackoffMin:   seconds(cfg.MinioRetryBackoffMinSeconds, time.Second),
			RetryBackoffMax:   seconds(cfg.MinioRetryBackoffMaxSeconds, 10*time.Second),
			IntervalCB:        cfg.MinioIntervalCB,
			ConsecutiveFailCB: cfg.MinioConsecutiveFailuresCB,
		})
		if err != nil {
			app.logger.Error("[NewApp] Failed to initialize Minio client", zap.String("error", err.Error()))
			return err
		}

		app.Minio = client
		objects = client

		app.logger.Info("[NewApp] Minio client created")
	}

	asrClient, err := asr.NewClient(asr.Settings{
		BaseURL:             cfg.ASRBaseUrl,
		APIKey:              cfg.ASRAPIKey,
		Model:               cfg.ASRModel,
		Timeout:             seconds(cfg.ASRTimeout, 2*time.Minute),
		RetryMaxAttempts:    cfg.ASRRetryMaxAttempts,
		RetryMinBackoff:     seconds(cfg.ASRRetryMinBackoff, time.Second),
		RetryMaxBackoff:     seconds(cfg.ASRRetryMaxBackoff, 10*time.Second),
		IntervalCB:          cfg.ASRIntervalCB,
		ConsecutiveFailures: cfg.ASRConsecutiveFailuresCB,
		PoolSize:            cfg.ASRPoolSize,
		Logger:              app.logger,
	}, objects)
	if err != nil {
		app.logger.Error("[NewApp] Failed to create ASR client", zap.String("error", err.Error()))
		return err
	}

	app.ASR = asrClient

	app.Extraction = extraction.NewClient(extraction.Settings{
		BaseURL:             cfg.ExtractionBaseUrl,
		APIKey:              cfg.ExtractionAPIKey,
		Model:               cfg.ExtractionModel,
		Timeout:             seconds(cfg.ExtractionTimeout, time.Minute),
		RetryMaxAttempts:    cfg.ExtractionRetryMaxAttempts,
		IntervalCB:          cfg.ExtractionIntervalCB,
		ConsecutiveFailures: cfg.ExtractionConsecutiveFailuresCB,
	})

	app.Processor = processor.New(
		app.ASR,
		app.Extraction,
		app.Usage,
		app.Calls,
		app.Errors,
		seconds(cfg.TranscriptionTimeout, processor.DefaultTranscriptionTimeout),
	).
		WithTranscriptCache(processor.NewRedisTranscriptCache(app.Redis, processor.DefaultTranscriptTTL, app.Metrics)).
		WithLogger(app.logger)

	app.logger.Info("[NewApp] ASR, extraction and call processor created")

	return nil
}

func (app *App) redisConnOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     app.cfg.RedisAddr,
		Password: app.cfg.RedisPassword,
		DB:       app.cfg.RedisDB,
	}
}

func (app *App) initQueue() error {
	cfg := app.cfg

	app.queueClient = asynq.NewClient(app.redisConnOpt())
	app.queueInspector = asynq.NewInspector(app.redisConnOpt())

	app.Queue = queue.New(app.queueClient, app.queueInspector, app.Calls, app.Metrics, queue.Settings{
		MaxAttempts: cfg.QueueMaxAttempts,
		JobTimeout:  seconds(cfg.QueueJobTimeout, 15*time.Minute),
		Retention:   time.Duration(max(cfg.QueueRetentionHours, 1)) * time.Hour,
		Logger:      app.logger,
	})

	replayer, err := deadletter.NewService(app.DeadLetter, app.Queue, deadLetterPoolSize)
	if err != nil {
		app.logger.Error("[NewApp] Failed to create dead letter replayer", zap.String("error", err.Error()))
		return err
	}

	app.Replayer = replayer

	app.logger.Info("[NewApp] Job queue created", zap.Strings("queues", queue.Queues()))

	return nil
}

func (app *App) initKafka() error {
	cfg := app.cfg

	observers := []queue.Observer{}

	if cfg.KafkaEnabled {
		settings := kafka.Settings{
			BootstrapServer:       cfg.KafkaBootstrapServer,
			Username:              cfg.KafkaUsername,
			Password:              cfg.KafkaPassword,
			IntervalCB:            cfg.KafkaIntervalCB,
			ConsecutiveFailuresCB: cfg.KafkaConsecutiveFailuresCB,
			Logger:                app.logger,
		}

		producer, err := kafka.NewProducer(settings)
		if err != nil {
			return err
		}

		app.KafkaProducer = producer

		consumer, err := kafka.NewConsumer(settings, cfg.KafkaIntakeGroupID, "intake")
		if err != nil {
			return err
		}

		app.KafkaConsumer = consumer

		observers = append(observers, kafka.NewResultPublisher(producer, cfg.KafkaResultTopic, app.logger))

		app.logger.Info("[NewApp] Kafka intake consumer and result producer created")
	}

	worker := queue.NewWorker(app.Processor, app.DeadLetter, app.Alerts, app.Metrics, queue.WorkerSettings{
		DeadLetterWarnAt: int64(cfg.QueueDeadLetterWarnAt),
		Logger:           app.logger,
	}, observers...)

	app.QueueServer = queue.NewServer(app.redisConnOpt(), queue.ServerSettings{
		Concurrency:     cfg.QueueConcurrency,
		BackoffBase:     seconds(cfg.QueueBackoffSeconds, 5*time.Second),
		ShutdownTimeout: seconds(cfg.QueueShutdownTimeout, 30*time.Second),
		Logger:          app.logger,
	}, worker)

	return nil
}

func (app *App) initHealthChecks() {
	databaseProbe := healthchecker.NewDatabaseProbe(app.Databases)
	cacheProbe := healthchecker.NewCacheProbe(app.Redis)

	app.Alerts.RegisterProbe(alert.TypeDatabase, databaseProbe)
	app.Alerts.RegisterProbe(alert.TypeCache, cacheProbe)

	app.HealthChecker = healthchecker.NewService(app.Alerts, seconds(app.cfg.FailoverHealthInterval, 10*time.Second), app.logger)

	app.HealthChecker.Register(circuitbreak.DBService, probeCheck(databaseProbe))

	if app.Minio != nil {
		app.HealthChecker.Register(circuitbreak.MinioService, app.Minio.Ping)
	}

	circuitbreak.SetListener(func(service string) {
		app.Errors.Capture(context.Background(), "circuit_breaker", ErrCircuitOpen, map[string]any{"service": service})
		app.HealthChecker.TriggerError(service)
	})
}

func probeCheck(probe alert.Probe) healthchecker.Check {
	return func(ctx context.Context) error {
		_, err := probe.Check(ctx)
		return err
	}
}

func (app *App) goRun(name string, fn func()) {
	app.wg.Add(1)

	go func() {
		defer app.wg.Done()

		app.logger.Info("[Run] Starting " + name)
		fn()
	}()
}

// Run starts the monitors, the queue server, the intake consumer and the
// metrics endpoint, then blocks until ctx is done.
func (app *App) Run(ctx context.Context) error {
	app.logger.Info("[Run] Starting app goroutines...")

	app.goRun("prometheus server", app.Prometheus.Run)
	app.goRun("failover health monitor", func() { app.Databases.Run(ctx) })
	app.goRun("replica health monitor", func() { app.Replicas.Run(ctx) })
	app.goRun("alert manager", func() { app.Alerts.Run(ctx) })
	app.goRun("health checker monitor", func() { app.HealthChecker.Monitor(ctx) })
	app.goRun("status reporter", func() { app.reportStatus(ctx) })
	app.goRun("maintenance", func() { app.maintain(ctx) })

	err := app.QueueServer.Start()
	if err != nil {
		app.logger.Error("[Run] Failed to start queue server", zap.String("error", err.Error()))
		return fmt.Errorf("failed to start queue server: %w", err)
	}

	if app.KafkaConsumer != nil {
		intake := kafka.NewIntake(app.Queue, app.logger)

		app.goRun("kafka intake consumer", func() {
			app.KafkaConsumer.Consume(ctx, app.cfg.KafkaIntakeTopic, intake.Handle)
		})
	}

	<-ctx.Done()

	app.logger.Warn("[Run] Context done, beginning shutdown...")

	return nil
}

func (app *App) reportStatus(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := app.Reporter.Report(ctx)

			app.logger.Info("[reportStatus] pipeline status",
				zap.Any("calls", status.Calls),
				zap.Any("queue", status.Queue),
				zap.String("current_role", string(status.CurrentRole)),
				zap.Int("active_alerts", len(status.ActiveAlerts)),
			)
		}
	}
}

// maintain trims completed jobs past retention and reports pool pressure.
func (app *App) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	retention := time.Duration(max(app.cfg.QueueRetentionHours, 1)) * time.Hour

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, err := app.Queue.CleanCompleted(retention)
		if err != nil {
			app.logger.Warn("[maintain] Failed to clean completed jobs", zap.String("error", err.Error()))
		}

		for _, manager := range append(append([]*database.Manager{}, app.members...), app.replicaMembers...) {
			manager.OptimizePool()

			queryStats := manager.QueryStats()
			app.logger.Debug("[maintain] Query stats",
				zap.String("pool", manager.Name()),
				zap.Any("stats", queryStats),
			)
		}
	}
}

// ReplayDeadLetters re-enqueues up to limit exhausted jobs with a fresh
// attempt budget.
func (app *App) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	return app.Replayer.Replay(ctx, limit)
}

// Shutdown drains the queue server, stops the background loops and closes
// every client. Run's ctx must already be done.
func (app *App) Shutdown(ctx context.Context) {
	app.logger.Info("[Shutdown] Draining queue server...")
	app.QueueServer.Shutdown(ctx)

	err := app.Prometheus.Shutdown(ctx)
	if err != nil {
		app.logger.Warn("[Shutdown] Failed to stop prometheus server", zap.String("error", err.Error()))
	}

	done := make(chan struct{})

	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		app.logger.Warn("[Shutdown] gave up waiting for background loops")
	}

	app.closeAll()

	app.logger.Info("[Shutdown] ===== App shutdown complete =====")
}

func (app *App) closeAll() {
	if app.ASR != nil {
		app.ASR.Release()
	}

	if app.Replayer != nil {
		app.Replayer.Release()
	}

	if app.KafkaConsumer != nil {
		app.logClose("kafka consumer", app.KafkaConsumer.Close())
	}

	if app.KafkaProducer != nil {
		app.logClose("kafka producer", app.KafkaProducer.Close())
	}

	if app.queueClient != nil {
		app.logClose("queue client", app.queueClient.Close())
	}

	if app.queueInspector != nil {
		app.logClose("queue inspector", app.queueInspector.Close())
	}

	for _, manager := range app.replicaMembers {
		app.logClose(manager.Name(), manager.Close())
	}

	if app.Databases != nil {
		app.logClose("databases", app.Databases.Close())
	}

	if app.Redis != nil {
		app.logClose("redis", app.Redis.Close())
	}
}

func (app *App) logClose(name string, err error) {
	if err != nil {
		app.logger.Error("[Shutdown] Failed to close "+name, zap.String("error", err.Error()))
		return
	}

	app.logger.Info("[Shutdown] Closed " + name)
}
