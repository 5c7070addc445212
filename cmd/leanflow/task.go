package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/i2y/leanflow"
)

func newTaskCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "List and complete human tasks",
	}

	var filter leanflow.TaskFilter
	var statuses string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks, open ones unless --status is given",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Statuses = nil
			for _, s := range strings.Split(statuses, ",") {
				if s = strings.TrimSpace(s); s != "" {
					filter.Statuses = append(filter.Statuses, leanflow.TaskStatus(s))
				}
			}
			return opts.withApp(cmd, func(ctx context.Context, app *leanflow.App) error {
				tasks, err := app.ListTasks(ctx, filter)
				if err != nil {
					return err
				}
				if len(tasks) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
					return nil
				}
				printTasks(cmd.OutOrStdout(), tasks)
				return nil
			})
		},
	}
	list.Flags().StringVar(&filter.AssigneeID, "assignee", "", "Filter by assignee")
	list.Flags().StringVar(&filter.InstanceID, "instance", "", "Filter by instance")
	list.Flags().StringVar(&statuses, "status", "", "Comma separated statuses")
	list.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum number of tasks")

	var operator, comment, vars string
	complete := &cobra.Command{
		Use:   "complete <task_id>",
		Short: "Complete a task and let the instance continue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var variables map[string]any
			if vars != "" {
				if err := json.Unmarshal([]byte(vars), &variables); err != nil {
					return fmt.Errorf("invalid --vars JSON: %w", err)
				}
			}
			return opts.withApp(cmd, func(ctx context.Context, app *leanflow.App) error {
				if _, err := app.CompleteTask(ctx, args[0], operator, comment, variables, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Completed %s\n", args[0])
				return nil
			})
		},
	}
	complete.Flags().StringVar(&operator, "operator", "", "User completing the task")
	complete.Flags().StringVar(&comment, "comment", "", "Comment recorded in the history")
	complete.Flags().StringVar(&vars, "vars", "", "Variables as a JSON object")
	_ = complete.MarkFlagRequired("operator")

	cmd.AddCommand(list, complete)
	return cmd
}

func printTasks(out io.Writer, tasks []*leanflow.WorkflowTask) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK ID\tINSTANCE ID\tNAME\tASSIGNEE\tSTATUS\tDUE")
	for _, t := range tasks {
		assignee, due := "-", "-"
		if t.AssigneeID != nil {
			assignee = *t.AssigneeID
		}
		if t.DueTime != nil {
			due = t.DueTime.Format("2006-01-02 15:04")
			if t.IsTimeout {
				due += " (overdue)"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.InstanceID, t.Name, assignee, t.Status, due)
	}
	_ = w.Flush()
}
