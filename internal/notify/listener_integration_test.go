//go:build integration

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestListenerReceivesNotify(t *testing.T) {
	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("leanflow"),
		postgres.WithUsername("leanflow"),
		postgres.WithPassword("leanflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	wake := make(chan struct{}, 1)
	l := NewListener(dsn, WithReconnectDelay(100*time.Millisecond))
	l.On("leanflow_outbox", Wake(wake))
	l.Start(ctx)
	t.Cleanup(func() { _ = l.Stop(ctx) })
	require.Eventually(t, l.IsActive, 10*time.Second, 50*time.Millisecond)

	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "SELECT pg_notify('leanflow_outbox', 'evt-1')")
	require.NoError(t, err)

	select {
	case <-wake:
	case <-time.After(5 * time.Second):
		t.Fatal("no wakeup received")
	}
}
