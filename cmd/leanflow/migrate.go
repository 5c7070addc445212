package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/i2y/leanflow"
	"github.com/i2y/leanflow/internal/migrations"
	"github.com/i2y/leanflow/internal/storage"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long: `
Apply, roll back or list the embedded migrations. The files use dbmate's
layout, so schema/db/migrations also works with the dbmate CLI.
`,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withMigrator(cmd, func(ctx context.Context, m *migrations.Migrator) error {
				applied, err := m.Up(ctx)
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
					return nil
				}
				for _, v := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "Applied %s\n", v)
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withMigrator(cmd, func(ctx context.Context, m *migrations.Migrator) error {
				version, err := m.Down(ctx)
				if err != nil {
					return err
				}
				if version == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing to roll back.")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %s\n", version)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withMigrator(cmd, func(ctx context.Context, m *migrations.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tAPPLIED\tFILE")
				for _, s := range statuses {
					fmt.Fprintf(w, "%s\t%t\t%s\n", s.Version, s.Applied, s.Filename)
				}
				return w.Flush()
			})
		},
	})
	return cmd
}

func (o *rootOptions) withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *migrations.Migrator) error) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	store, err := storage.New(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", cfg.Database.URL, err)
	}
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, migrations.NewMigrator(store.DB(), store.Driver().DBType(), leanflow.EmbeddedMigrationsFS()))
}
