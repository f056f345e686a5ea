package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process logger. It starts as a development console logger so
// packages and tests can log before Setup runs.
var Logger = zap.Must(zap.NewDevelopment())

// Setup replaces Logger with a JSON file logger tee'd with a console logger.
func Setup(levelName, filePath string) error {
	logger, err := getDoubleLogger(levelName, filePath)
	if err != nil {
		return err
	}

	Logger = logger

	return nil
}

// Or returns logger, or the process logger when logger is nil.
func Or(logger *zap.Logger) *zap.Logger {
	if logger != nil {
		return logger
	}

	return Logger
}

func getDoubleLogger(levelName, filePath string) (*zap.Logger, error) {
	productionEncoderConfig := zap.NewProductionEncoderConfig()
	productionEncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	developmentEncoderConfig := zap.NewDevelopmentEncoderConfig()
	developmentEncoderConfig.ConsoleSeparator = "  "
	developmentEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	level, err := zapcore.ParseLevel(levelName)
	if err != nil {
		zap.NewExample().Info("Invalid log level, using info level")

		level = zapcore.InfoLevel
	}

	outputPaths := []string{"stderr"}
	if filePath != "" {
		outputPaths = []string{filePath}
	}

	zapConfig := &zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       false,
		DisableCaller:     false,
		DisableStacktrace: false,
		Encoding:          "json",
		EncoderConfig:     productionEncoderConfig,
		OutputPaths:       outputPaths,
	}

	fileLogger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	consoleEncoder := zapcore.NewConsoleEncoder(developmentEncoderConfig)

	core := zapcore.NewTee(
		fileLogger.Core(),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)

	return zap.New(core, zap.AddCaller()), nil
}
