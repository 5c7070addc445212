package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/leanflow"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "leanflow.db", cfg.Database.URL)
	assert.True(t, cfg.Database.AutoMigrate)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Sweep.Interval)
	assert.False(t, cfg.Outbox.Enabled)
	assert.Equal(t, 7*24*time.Hour, cfg.Outbox.Retention)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  url: postgres://db/leanflow
outbox:
  enabled: true
  broker_url: http://broker
sweep:
  interval: 5s
engine:
  conflict_retry: 3
`), 0o600))
	t.Setenv("LEANFLOW_SERVER_ADDR", ":9090")
	t.Setenv("LEANFLOW_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/leanflow", cfg.Database.URL)
	assert.True(t, cfg.Outbox.Enabled)
	assert.Equal(t, "http://broker", cfg.Outbox.BrokerURL)
	assert.Equal(t, 5*time.Second, cfg.Sweep.Interval)
	assert.Equal(t, 3, cfg.Engine.ConflictRetry)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LEANFLOW_WORKER_ID=from-dotenv\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("LEANFLOW_WORKER_ID") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.WorkerID)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
		want    string
	}{
		{name: "text", level: "info", format: "text", want: "msg=hello"},
		{name: "json", level: "debug", format: "json", want: `"msg":"hello"`},
		{name: "bad level", level: "loud", format: "text", wantErr: true},
		{name: "bad format", level: "info", format: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			cfg.Log.Level = tt.level
			cfg.Log.Format = tt.format
			var buf bytes.Buffer
			logger, err := cfg.Logger(&buf)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			logger.Info("hello")
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}

func TestOptionsBuildApp(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.WorkerID = "w-1"
	cfg.Engine.ConflictRetry = 2

	app := leanflow.NewApp(cfg.Options()...)
	assert.Equal(t, "w-1", app.WorkerID())
	assert.False(t, app.Ready())
}
