package leanflow

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// createTestApp starts an App on a temporary SQLite database with the
// background sweeps off; options can turn them back on.
func createTestApp(t *testing.T, opts ...Option) *App {
	t.Helper()

	allOpts := append([]Option{
		WithDatabase(filepath.Join(t.TempDir(), "leanflow.db")),
		WithBackground(false),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	app := NewApp(allOpts...)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return app
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const approvalYAML = `
code: leave
name: Leave request
variables:
  - {name: days, default: 1}
activities:
  - {id: start, type: start}
  - {id: approve, type: userTask, assignee: bob}
  - {id: end, type: end}
connections:
  - {source: start, target: approve}
  - {source: approve, target: end}
`

func publishApproval(t *testing.T, app *App) *WorkflowDefinition {
	t.Helper()
	def, err := app.PublishDefinitionSource(context.Background(), []byte(approvalYAML), "admin")
	require.NoError(t, err)
	return def
}
