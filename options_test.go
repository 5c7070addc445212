package leanflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/i2y/leanflow/retry"
)

func TestDefaultConfig(t *testing.T) {
	c := defaultConfig()
	assert.Equal(t, "leanflow.db", c.databaseURL)
	assert.True(t, c.autoMigrate)
	assert.True(t, c.background)
	assert.False(t, c.outboxEnabled)
	assert.Nil(t, c.useListenNotify)
	assert.Nil(t, c.conflictRetry)
	assert.Equal(t, 10*time.Second, c.sweepInterval)
	assert.Equal(t, 100, c.sweepBatchSize)
	assert.Zero(t, c.historyRetention)
}

func TestOptionsApply(t *testing.T) {
	policy := retry.NoRetry()
	app := NewApp(
		WithDatabase("postgres://db/leanflow"),
		WithWorkerID("worker-1"),
		WithOutbox(true),
		WithBrokerURL("http://broker"),
		WithOutboxInterval(2*time.Second),
		WithListenNotify(false),
		WithSweepInterval(time.Second),
		WithSweepConcurrency(4),
		WithStepLimit(50),
		WithRetryPolicy(policy),
	)
	c := app.config
	assert.Equal(t, "postgres://db/leanflow", c.databaseURL)
	assert.Equal(t, "worker-1", app.WorkerID())
	assert.True(t, c.outboxEnabled)
	assert.Equal(t, "http://broker", c.brokerURL)
	assert.Equal(t, 2*time.Second, c.outboxInterval)
	assert.Equal(t, time.Second, c.sweepInterval)
	assert.Equal(t, 4, c.sweepConcurrency)
	assert.Equal(t, 50, c.stepLimit)
	assert.Same(t, policy, c.conflictRetry)
	assert.False(t, app.shouldEnableListenNotify(true))
}

func TestListenNotifyDefaultsToPostgres(t *testing.T) {
	app := NewApp()
	assert.True(t, app.shouldEnableListenNotify(true))
	assert.False(t, app.shouldEnableListenNotify(false))

	app = NewApp(WithListenNotify(true))
	assert.False(t, app.shouldEnableListenNotify(false))
}

func TestGeneratedWorkerID(t *testing.T) {
	a, b := NewApp(), NewApp()
	assert.NotEmpty(t, a.WorkerID())
	assert.NotEqual(t, a.WorkerID(), b.WorkerID())
}
