package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/deadletter"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/queue"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

func main() {
	limit := flag.Int("limit", 100, "maximum number of dead-lettered jobs to replay")
	workers := flag.Int("workers", 4, "concurrent replays")
	flag.Parse()

	err := config.Init()
	if err != nil {
		logging.Logger.Fatal("failed to load config", zap.String("error", err.Error()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Conf

	orm, err := database.Open("primary", database.GetDSN(database.PostgresParams{
		Host:     cfg.PostgresHost,
		Username: cfg.PostgresUsername,
		Password: cfg.PostgresPassword,
		Database: cfg.PostgresDatabase,
		Port:     cfg.PostgresPort,
	}), cfg.DBMaxConnections, cfg.DBMinConnections)
	if err != nil {
		logging.Logger.Fatal("failed to connect to database", zap.String("error", err.Error()))
	}

	sqlDB, err := orm.DB()
	if err != nil {
		logging.Logger.Fatal("failed to get database handle", zap.String("error", err.Error()))
	}
	defer func() { _ = sqlDB.Close() }()

	provider := database.StaticORM{DB: orm}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}

	client := asynq.NewClient(redisOpt)
	defer func() { _ = client.Close() }()

	inspector := asynq.NewInspector(redisOpt)
	defer func() { _ = inspector.Close() }()

	calls := call.NewRepository(provider, cfg.DBIntervalCB, cfg.DBConsecutiveFailuresCB)

	settings := queue.DefaultSettings()
	settings.MaxAttempts = cfg.QueueMaxAttempts

	if cfg.QueueJobTimeout > 0 {
		settings.JobTimeout = time.Duration(cfg.QueueJobTimeout) * time.Second
	}

	if cfg.QueueRetentionHours > 0 {
		settings.Retention = time.Duration(cfg.QueueRetentionHours) * time.Hour
	}

	jobs := queue.New(client, inspector, calls, nil, settings)

	replayer, err := deadletter.NewService(
		deadletter.NewRepository(provider, cfg.DBIntervalCB, cfg.DBConsecutiveFailuresCB),
		jobs,
		*workers,
	)
	if err != nil {
		logging.Logger.Fatal("failed to create dead letter replayer", zap.String("error", err.Error()))
	}
	defer replayer.Release()

	replayed, err := replayer.Replay(ctx, *limit)
	if err != nil {
		logging.Logger.Fatal("dead letter replay failed", zap.String("error", err.Error()))
	}

	logging.Logger.Info("dead letter replay finished", zap.Int("replayed", replayed))
}
