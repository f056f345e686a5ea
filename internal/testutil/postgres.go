// Package testutil starts throwaway infrastructure for integration tests.
package testutil

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// StartPostgres runs a postgres container for the test and returns its DSN.
// The test is skipped in -short mode or when docker is not reachable.
func StartPostgres(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker is not available: %v", err)
	}

	err = pool.Client.Ping()
	if err != nil {
		t.Skipf("docker is not reachable: %v", err)
	}

	pool.MaxWait = 2 * time.Minute

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "15",
		Env: []string{
			"POSTGRES_PASSWORD=secret",
			"POSTGRES_USER=callflow",
			"POSTGRES_DB=callflow",
		},
		ExposedPorts: []string{"5432/tcp"},
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		err := pool.Purge(resource)
		if err != nil {
			t.Logf("failed to purge postgres container: %v", err)
		}
	})

	_ = resource.Expire(300)

	host, port := splitHostPort(resource.GetHostPort("5432/tcp"))
	dsn := fmt.Sprintf("host=%s user=callflow password=secret dbname=callflow port=%s sslmode=disable", host, port)

	require.NoError(t, pool.Retry(func() error {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger.Default.LogMode(gormLogger.Silent)})
		if err != nil {
			return err
		}

		sqlDB, err := db.DB()
		if err != nil {
			return err
		}

		defer func() { _ = sqlDB.Close() }()

		return sqlDB.Ping()
	}))

	return dsn
}

// OpenPostgres starts postgres and migrates the given models into it.
func OpenPostgres(t *testing.T, models ...any) *gorm.DB {
	t.Helper()

	dsn := StartPostgres(t)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger.Default.LogMode(gormLogger.Silent)})
	require.NoError(t, err)

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})

	if len(models) > 0 {
		require.NoError(t, db.AutoMigrate(models...))
	}

	return db
}

func splitHostPort(hostPort string) (string, string) {
	host := "localhost"
	port := hostPort

	if !strings.Contains(hostPort, ":") {
		return host, port
	}

	parsedHost, parsedPort, err := net.SplitHostPort(hostPort)
	if err != nil {
		parts := strings.Split(hostPort, ":")

		return host, parts[len(parts)-1]
	}

	if parsedHost != "" && parsedHost != "0.0.0.0" {
		host = parsedHost
	}

	return host, parsedPort
}
