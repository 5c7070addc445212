package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/i2y/leanflow"
	"github.com/i2y/leanflow/mcp"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	var addr, operator string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the workflow tools over the Model Context Protocol",
		Long: `
Serve start_process, process_status, list_tasks, complete_task and signal as
MCP tools, over stdio by default or over streamable HTTP with --http.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := cfg.Logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			app := leanflow.NewApp(append(cfg.Options(), leanflow.WithLogger(logger))...)

			serverOpts := []mcp.ServerOption{mcp.WithServerName(cfg.ServiceName)}
			if addr != "" {
				serverOpts = append(serverOpts, mcp.WithTransportMode(mcp.TransportHTTP))
			}
			if operator != "" {
				serverOpts = append(serverOpts, mcp.WithDefaultOperator(operator))
			}
			server := mcp.NewServer(app, serverOpts...)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := server.Initialize(ctx); err != nil {
				return err
			}
			defer func() { _ = server.Shutdown(context.Background()) }()
			return server.Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "http", "", "Serve streamable HTTP on this address instead of stdio")
	cmd.Flags().StringVar(&operator, "operator", "", "Operator recorded when a tool call names none")
	return cmd
}
