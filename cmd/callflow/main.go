package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/callflow"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"go.uber.org/zap"
)

func main() {
	err := config.Init()
	if err != nil {
		logging.Logger.Fatal("failed to load config", zap.String("error", err.Error()))
	}

	err = logging.Setup(config.Conf.LogLevel, config.Conf.LogFilePath)
	if err != nil {
		logging.Logger.Fatal("failed to set up logger", zap.String("error", err.Error()))
	}

	defer func() { _ = logging.Logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := callflow.NewApp(&config.Conf)
	if err != nil {
		logging.Logger.Fatal("failed to create callflow app", zap.String("error", err.Error()))
	}

	err = app.Run(ctx)
	if err != nil {
		logging.Logger.Error("callflow app stopped with error", zap.String("error", err.Error()))
	}

	stop()

	shutdownTimeout := time.Duration(max(config.Conf.QueueShutdownTimeout, 1)) * time.Second

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout+5*time.Second)
	defer cancel()

	app.Shutdown(shutdownCtx)
}
