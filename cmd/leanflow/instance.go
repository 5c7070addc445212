package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/i2y/leanflow"
)

func newInstanceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"inst"},
		Short:   "Inspect and terminate process instances",
	}

	get := &cobra.Command{
		Use:   "get <instance_id>",
		Short: "Show an instance with its variables, open tasks and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *leanflow.App) error {
				return printInstance(ctx, cmd.OutOrStdout(), app, args[0])
			})
		},
	}

	var filter leanflow.InstanceFilter
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List instances, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = leanflow.InstanceStatus(status)
			return opts.withApp(cmd, func(ctx context.Context, app *leanflow.App) error {
				instances, err := app.ListInstances(ctx, filter)
				if err != nil {
					return err
				}
				if len(instances) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No instances found.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "INSTANCE ID\tDEFINITION\tBUSINESS KEY\tSTATUS\tSTARTED")
				for _, inst := range instances {
					fmt.Fprintf(w, "%s\t%s v%d\t%s\t%s\t%s\n",
						inst.ID, inst.DefinitionCode, inst.DefinitionVersion, inst.BusinessKey,
						inst.Status, inst.StartTime.Format("2006-01-02 15:04:05"))
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d instances\n", len(instances))
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status (Running, Suspended, Completed, Terminated, Faulted)")
	list.Flags().StringVar(&filter.DefinitionCode, "definition", "", "Filter by definition code")
	list.Flags().StringVar(&filter.BusinessKey, "business-key", "", "Filter by business key")
	list.Flags().StringVar(&filter.Initiator, "initiator", "", "Filter by initiator")
	list.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum number of instances")
	list.Flags().IntVar(&filter.Offset, "offset", 0, "Number of instances to skip")

	var operator, reason string
	terminate := &cobra.Command{
		Use:   "terminate <instance_id>",
		Short: "Terminate an instance and cancel its open tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *leanflow.App) error {
				if err := app.TerminateProcess(ctx, args[0], operator, reason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Terminated %s\n", args[0])
				return nil
			})
		},
	}
	terminate.Flags().StringVar(&operator, "operator", "", "User terminating the instance")
	terminate.Flags().StringVar(&reason, "reason", "", "Reason recorded on the instance")
	_ = terminate.MarkFlagRequired("operator")

	cmd.AddCommand(get, list, terminate)
	return cmd
}

func printInstance(ctx context.Context, out io.Writer, app *leanflow.App, instanceID string) error {
	inst, err := app.GetProcessStatus(ctx, instanceID)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "=== Process Instance ===")
	fmt.Fprintf(out, "Instance ID:  %s\n", inst.ID)
	fmt.Fprintf(out, "Definition:   %s v%d\n", inst.DefinitionCode, inst.DefinitionVersion)
	fmt.Fprintf(out, "Status:       %s\n", inst.Status)
	if inst.BusinessKey != "" {
		fmt.Fprintf(out, "Business Key: %s\n", inst.BusinessKey)
	}
	if inst.CurrentNodeID != nil {
		fmt.Fprintf(out, "Current Node: %s\n", *inst.CurrentNodeID)
	}
	fmt.Fprintf(out, "Initiator:    %s\n", inst.Initiator)
	fmt.Fprintf(out, "Started:      %s\n", inst.StartTime.Format(time.RFC3339))
	if inst.EndTime != nil {
		fmt.Fprintf(out, "Ended:        %s\n", inst.EndTime.Format(time.RFC3339))
	}
	if inst.FaultInfo != "" {
		fmt.Fprintf(out, "Fault:        %s\n", inst.FaultInfo)
	}
	if inst.TerminateReason != "" {
		fmt.Fprintf(out, "Reason:       %s\n", inst.TerminateReason)
	}

	vars, err := app.GetProcessVariables(ctx, instanceID)
	if err != nil {
		return err
	}
	if len(vars) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "--- Variables ---")
		raw, err := json.Marshal(vars)
		if err != nil {
			return err
		}
		prettyPrintJSON(out, raw)
	}

	tasks, err := app.GetCurrentTasks(ctx, instanceID)
	if err != nil {
		return err
	}
	if len(tasks) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "--- Open Tasks ---")
		printTasks(out, tasks)
	}

	history, err := app.GetHistory(ctx, instanceID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "--- History ---")
	for i, h := range history {
		fmt.Fprintf(out, "%d. [%s] %s by %s %s\n", i+1, h.CreatedAt.Format("15:04:05"), h.OperationType, h.Operator, h.Comment)
	}
	if len(history) == 0 {
		fmt.Fprintln(out, "(no history)")
	}
	return nil
}

func prettyPrintJSON(out io.Writer, data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Fprintln(out, string(data))
		return
	}
	fmt.Fprintln(out, buf.String())
}
