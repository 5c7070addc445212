package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/leanflow"
)

const leaveYAML = `
code: leave
activities:
  - {id: start, type: start}
  - {id: approve, type: userTask, assignee: bob}
  - {id: end, type: end}
connections:
  - {source: start, target: approve}
  - {source: approve, target: end}
`

// run executes the CLI against db and returns its output.
func run(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append(args, "--db", db))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return filepath.Join(dir, "cli.db")
}

func TestMigrateCommands(t *testing.T) {
	db := setup(t)

	out, err := run(t, db, "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "Applied")

	out, err = run(t, db, "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema is up to date.")

	out, err = run(t, db, "migrate", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "true")

	out, err = run(t, db, "migrate", "down")
	require.NoError(t, err)
	assert.Contains(t, out, "Rolled back")
}

func TestDefinitionInstanceTaskCommands(t *testing.T) {
	db := setup(t)
	file := filepath.Join(t.TempDir(), "leave.yaml")
	require.NoError(t, os.WriteFile(file, []byte(leaveYAML), 0o600))

	out, err := run(t, db, "definition", "publish", file, "--operator", "admin")
	require.NoError(t, err)
	assert.Contains(t, out, "Published leave version 1")

	out, err = run(t, db, "definition", "get", "leave")
	require.NoError(t, err)
	assert.Contains(t, out, "leave")

	_, err = run(t, db, "definition", "get", "missing")
	assert.Error(t, err)

	// Start through the library so the CLI sees an open task.
	opts := &rootOptions{database: db}
	cmd := newRootCmd()
	cmd.SetContext(context.Background())
	require.NoError(t, opts.withApp(cmd, func(ctx context.Context, app *leanflow.App) error {
		_, err := app.StartProcess(ctx, leanflow.StartRequest{DefinitionCode: "leave", Initiator: "alice"})
		return err
	}))

	out, err = run(t, db, "task", "list", "--assignee", "bob")
	require.NoError(t, err)
	taskID := regexp.MustCompile(`(?m)^([0-9a-f-]{36})\s`).FindStringSubmatch(out)
	require.NotNil(t, taskID, out)

	out, err = run(t, db, "instance", "list", "--status", "Running")
	require.NoError(t, err)
	assert.Contains(t, out, "Total: 1 instances")
	instanceID := regexp.MustCompile(`(?m)^([0-9a-f-]{36})\s`).FindStringSubmatch(out)
	require.NotNil(t, instanceID, out)

	_, err = run(t, db, "task", "complete", taskID[1], "--operator", "bob", "--vars", `{"approved":true}`)
	require.NoError(t, err)

	out, err = run(t, db, "instance", "get", instanceID[1])
	require.NoError(t, err)
	assert.Contains(t, out, "Completed")
	assert.Contains(t, out, `"approved": true`)

	_, err = run(t, db, "instance", "terminate", instanceID[1], "--operator", "admin")
	assert.Error(t, err)

	_, err = run(t, db, "task", "complete", taskID[1], "--operator", "bob", "--vars", "{bad")
	assert.Error(t, err)
}
