package coordination

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/leanflow/internal/storage/storagetest"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestTryRunHoldsLeaseForOneWorker(t *testing.T) {
	ctx := context.Background()
	s := storagetest.NewSQLite(t)
	a := NewSingleton(s, "worker-a", "sweep", time.Minute, discard)
	b := NewSingleton(s, "worker-b", "sweep", time.Minute, discard)

	var bRan bool
	ran, err := a.TryRun(ctx, func(ctx context.Context) error {
		// While a holds the lease, b is refused.
		ok, err := b.TryRun(ctx, func(context.Context) error {
			bRan = true
			return nil
		})
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, bRan)

	// Released afterwards.
	ran, err = b.TryRun(ctx, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestTryRunReturnsJobError(t *testing.T) {
	s := storagetest.NewSQLite(t)
	r := NewSingleton(s, "w", "job", 0, nil)

	boom := errors.New("boom")
	ran, err := r.TryRun(context.Background(), func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 60*time.Second, r.lockTimeout)
}

func TestEveryRunsOnWakeAndTick(t *testing.T) {
	s := storagetest.NewSQLite(t)
	r := NewSingleton(s, "w", "tick", time.Minute, discard)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Every(ctx, time.Hour, 0, wake, func(context.Context) error {
			runs.Add(1)
			return nil
		})
	}()

	wake <- struct{}{}
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestJitterBounds(t *testing.T) {
	assert.Zero(t, jitterOf(0))
	for range 20 {
		j := jitterOf(10 * time.Millisecond)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, 10*time.Millisecond)
	}
}
