package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/i2y/leanflow"
	"github.com/i2y/leanflow/internal/config"
)

type rootOptions struct {
	configFile string
	database   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "leanflow",
		Short: "LeanFlow workflow engine",
		Long: `
LeanFlow runs versioned process definitions with human tasks, timers,
message correlation and compensation on SQLite, PostgreSQL or MySQL.
`,
		Example: `
	# Run the REST API with background sweeps
	leanflow serve --config leanflow.yaml

	# Publish a definition and start working on it
	leanflow definition publish leave.yaml --operator admin
	leanflow task list --assignee bob
	leanflow task complete <task_id> --operator bob --vars '{"approved":true}'
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Path to the YAML config file (default: ./leanflow.yaml when present)")
	cmd.PersistentFlags().StringVar(&opts.database, "db", "", "Database URL, overrides the config file")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newMigrateCmd(opts))
	cmd.AddCommand(newDefinitionCmd(opts))
	cmd.AddCommand(newInstanceCmd(opts))
	cmd.AddCommand(newTaskCmd(opts))
	cmd.AddCommand(newMCPCmd(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.database != "" {
		cfg.Database.URL = o.database
	}
	return cfg, nil
}

// openApp starts an App for one administrative command. Background sweeps
// stay off so the command never competes with running servers.
func (o *rootOptions) openApp(ctx context.Context, logOut io.Writer) (*leanflow.App, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	cfg.Sweep.Enabled = false
	cfg.Outbox.Enabled = false
	logger, err := cfg.Logger(logOut)
	if err != nil {
		return nil, err
	}
	app := leanflow.NewApp(append(cfg.Options(), leanflow.WithLogger(quiet(logger)))...)
	if err := app.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Database.URL, err)
	}
	return app, nil
}

// quiet drops Info logs of short-lived commands.
func quiet(l *slog.Logger) *slog.Logger {
	if l.Enabled(context.Background(), slog.LevelDebug) {
		return l
	}
	return slog.New(levelHandler{level: slog.LevelWarn, Handler: l.Handler()})
}

type levelHandler struct {
	level slog.Level
	slog.Handler
}

func (h levelHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

func (h levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return levelHandler{level: h.level, Handler: h.Handler.WithAttrs(attrs)}
}

func (h levelHandler) WithGroup(name string) slog.Handler {
	return levelHandler{level: h.level, Handler: h.Handler.WithGroup(name)}
}

// withApp runs fn against an App opened for the command.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *leanflow.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := o.openApp(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = app.Shutdown(context.Background()) }()
	return fn(ctx, app)
}
