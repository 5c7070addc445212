package mcp

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/i2y/leanflow"
)

// Server exposes a LeanFlow App as MCP tools:
//
//   - start_process starts an instance of a published definition
//   - process_status reports an instance with its open tasks
//   - list_tasks lists open tasks, optionally for one assignee
//   - complete_task completes a task with variables
//   - signal resumes the instance waiting on a correlation
//
// Example usage with stdio transport:
//
//	app := leanflow.NewApp(leanflow.WithDatabase("leanflow.db"))
//	server := mcp.NewServer(app, mcp.WithServerName("approvals"))
//	if err := server.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Shutdown(ctx)
//	if err := server.RunStdio(ctx); err != nil {
//	    log.Fatal(err)
//	}
type Server struct {
	app       *leanflow.App
	mcpServer *mcp.Server
	config    *serverConfig

	initialized bool
	mu          sync.Mutex
}

// NewServer creates an MCP server over app and registers its tools.
func NewServer(app *leanflow.App, opts ...ServerOption) *Server {
	config := defaultServerConfig()
	for _, opt := range opts {
		opt(config)
	}

	s := &Server{
		app: app,
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    config.name,
			Version: config.version,
		}, nil),
		config: config,
	}
	s.registerTools()
	return s
}

// Initialize starts the underlying App unless it is already running.
func (s *Server) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized || s.app.Ready() {
		return nil
	}
	if err := s.app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start leanflow app: %w", err)
	}
	s.initialized = true
	return nil
}

// Shutdown stops the App if Initialize started it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil
	}
	s.initialized = false
	return s.app.Shutdown(ctx)
}

// Run serves MCP over the configured transport. addr is used by the HTTP
// transport only.
func (s *Server) Run(ctx context.Context, addr string) error {
	if s.config.transportMode == TransportHTTP {
		srv := &http.Server{Addr: addr, Handler: s.Handler()}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
	return s.RunStdio(ctx)
}

// RunStdio serves MCP over stdin and stdout.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

// Handler returns the streamable HTTP handler of the MCP server.
//
//	e.Any("/mcp", echo.WrapHandler(server.Handler()))
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

// App returns the underlying App.
func (s *Server) App() *leanflow.App {
	return s.app
}

// MCPServer returns the underlying MCP server for advanced customization.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}
