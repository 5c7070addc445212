//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgresContainer(t *testing.T) *SQLStorage {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("leanflow_test"),
		postgres.WithUsername("leanflow"),
		postgres.WithPassword("leanflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	testcontainers.CleanupContainer(t, container)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	migrate(t, s)
	return s
}

func TestSQLStorage_PostgreSQL_Integration(t *testing.T) {
	runStorageSuite(t, setupPostgresContainer(t))
}
