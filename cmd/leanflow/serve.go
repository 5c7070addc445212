package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"golang.org/x/sync/errgroup"

	"github.com/i2y/leanflow"
	"github.com/i2y/leanflow/hooks"
	otelhooks "github.com/i2y/leanflow/hooks/otel"
	promhooks "github.com/i2y/leanflow/hooks/prometheus"
	"github.com/i2y/leanflow/internal/config"
	"github.com/i2y/leanflow/mcp"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var withMCP bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API, the outbox relayer and the background sweeps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := cfg.Logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, withMCP)
		},
	}
	cmd.Flags().BoolVar(&withMCP, "mcp", false, "Also serve MCP tools on /mcp")
	return cmd
}

func setupTracing(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if cfg.Tracing.Endpoint == "" {
		return nil, nil
	}
	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Tracing.Endpoint),
		otlptracegrpc.WithTimeout(10 * time.Second),
		otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{Enabled: true}),
	}
	if cfg.Tracing.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
		sdktrace.WithResource(res),
	), nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, withMCP bool) error {
	tp, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := promhooks.New(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	var workflowHooks hooks.WorkflowHooks = metrics
	if tp != nil {
		workflowHooks = hooks.Multi{metrics, otelhooks.NewOTelHooks(tp)}
	}

	app := leanflow.NewApp(append(cfg.Options(),
		leanflow.WithLogger(logger),
		leanflow.WithHooks(workflowHooks),
	)...)
	if err := app.Start(ctx); err != nil {
		return err
	}

	var mw []echo.MiddlewareFunc
	if tp != nil {
		mw = append(mw, otelecho.Middleware(cfg.ServiceName, otelecho.WithTracerProvider(tp)))
	}
	e := app.Echo(mw...)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	if withMCP {
		e.Any("/mcp", echo.WrapHandler(mcp.NewServer(app, mcp.WithServerName(cfg.ServiceName)).Handler()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := e.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop http server: %w", err))
		}
		if err := app.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if tp != nil {
			if err := tp.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop tracer: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	logger.Info("leanflow stopped")
	return err
}
