package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/i2y/leanflow"
)

func newDefinitionCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "definition",
		Aliases: []string{"def"},
		Short:   "Publish and inspect process definitions",
	}

	var operator string
	publish := &cobra.Command{
		Use:   "publish <file>",
		Short: "Publish a YAML or JSON definition as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, app *leanflow.App) error {
				def, err := app.PublishDefinitionSource(ctx, source, operator)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Published %s version %d (%s)\n", def.Code, def.Version, def.ID)
				return nil
			})
		},
	}
	publish.Flags().StringVar(&operator, "operator", "", "User publishing the definition")
	_ = publish.MarkFlagRequired("operator")

	var versions bool
	get := &cobra.Command{
		Use:   "get [code]",
		Short: "Show the latest definitions, or the versions of one code",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *leanflow.App) error {
				var defs []*leanflow.WorkflowDefinition
				var err error
				switch {
				case len(args) == 0:
					defs, err = app.ListDefinitions(ctx)
				case versions:
					defs, err = app.ListDefinitionVersions(ctx, args[0])
				default:
					var def *leanflow.WorkflowDefinition
					def, err = app.GetLatestDefinition(ctx, args[0])
					defs = []*leanflow.WorkflowDefinition{def}
				}
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "CODE\tVERSION\tSTATUS\tID\tPUBLISHED")
				for _, d := range defs {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", d.Code, d.Version, d.Status, d.ID, d.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return w.Flush()
			})
		},
	}
	get.Flags().BoolVar(&versions, "versions", false, "List every version of the code")

	cmd.AddCommand(publish, get)
	return cmd
}
