package database

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DSN(t *testing.T) {
	pg := &Config{
		Driver:   DriverPostgres,
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "secret",
		Database: "videos",
		SSLMode:  "disable",
	}
	assert.Equal(t, "host=localhost port=5432 user=postgres password=secret dbname=videos sslmode=disable", pg.DSN())

	lite := &Config{Driver: DriverSQLite, Database: "/tmp/jobs.db"}
	assert.Equal(t, "/tmp/jobs.db?_busy_timeout=5000&_foreign_keys=on", lite.DSN())
}

func TestNewClient_SQLite(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := NewClient(&Config{
		Driver:   DriverSQLite,
		Database: filepath.Join(t.TempDir(), "jobs.db"),
	}, logger)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.HealthCheck(context.Background()))
	assert.Equal(t, 1, client.Stats().MaxOpenConnections)
}

func TestClient_HealthCheckAfterClose(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := NewClient(&Config{
		Driver:   DriverSQLite,
		Database: filepath.Join(t.TempDir(), "jobs.db"),
	}, logger)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	err = client.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database health check failed")
}

func TestNewClient_UnknownDriver(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewClient(&Config{Driver: "oracle", Database: "jobs"}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open oracle")
}
