package database

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

type PostgresParams struct {
	Host     string
	Username string
	Password string
	Database string
	Port     string
}

// Open connects gorm to dsn and sizes the underlying pool.
func Open(name, dsn string, maxConnections, minConnections int) (*gorm.DB, error) {
	gormLoggerInstance := gormLogger.Default.LogMode(gormLogger.Silent)

	database, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLoggerInstance,
	})
	if err != nil {
		logging.Logger.Error("Failed to connect to Postgres", zap.String("pool", name), zap.String("error", err.Error()))
		return nil, err
	}

	sqldatabase, err := database.DB()
	if err != nil {
		logging.Logger.Error("Failed to get sql.database from GORM", zap.String("pool", name), zap.String("error", err.Error()))
		return nil, err
	}

	sqldatabase.SetMaxOpenConns(maxConnections)
	sqldatabase.SetMaxIdleConns(max(minConnections, maxConnections/2))
	sqldatabase.SetConnMaxIdleTime(10 * time.Minute)

	err = sqldatabase.Ping()
	if err != nil {
		logging.Logger.Error("Failed to ping Postgres database", zap.String("pool", name), zap.String("error", err.Error()))
		return nil, err
	}

	logging.Logger.Info("Successfully connected to Postgres", zap.String("pool", name))

	return database, nil
}

func GetDSN(params PostgresParams) string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s",
		params.Host,
		params.Username,
		params.Password,
		params.Database,
		params.Port,
	)
}

func GetURL(params PostgresParams) string {
	dbUrl := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(params.Username, params.Password),
		Host:   fmt.Sprintf("%s:%s", params.Host, params.Port),
		Path:   params.Database,
	}
	queries := url.Values{}
	queries.Add("sslmode", "disable")
	dbUrl.RawQuery = queries.Encode()

	return dbUrl.String()
}

// WithStatementTimeout adds the engine-side statement timeout as a runtime
// parameter, for both URL and key/value DSNs.
func WithStatementTimeout(dsn string, timeout time.Duration) string {
	if timeout <= 0 || strings.Contains(dsn, "statement_timeout") {
		return dsn
	}

	value := strconv.FormatInt(timeout.Milliseconds(), 10)

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}

		return dsn + separator + "statement_timeout=" + value
	}

	return dsn + " statement_timeout=" + value
}

// ORMRunner runs repository work on the gorm handle that should serve it
// right now.
type ORMRunner interface {
	RunORM(ctx context.Context, operation string, fn func(db *gorm.DB) error) error
}

// StaticORM is an ORMRunner over a single handle.
type StaticORM struct {
	DB *gorm.DB
}

func (s StaticORM) RunORM(ctx context.Context, _ string, fn func(db *gorm.DB) error) error {
	return fn(s.DB.WithContext(ctx))
}
