// Package mcp exposes LeanFlow operations as Model Context Protocol tools so
// that AI assistants can start processes, inspect them and work on tasks.
package mcp

// ServerOption configures an MCP Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	name          string
	version       string
	transportMode TransportMode
	operator      string
}

// TransportMode defines the MCP transport type.
type TransportMode string

const (
	// TransportStdio serves MCP over stdin and stdout.
	TransportStdio TransportMode = "stdio"
	// TransportHTTP serves MCP over streamable HTTP.
	TransportHTTP TransportMode = "http"
)

func defaultServerConfig() *serverConfig {
	return &serverConfig{
		name:          "leanflow-mcp-server",
		version:       "1.0.0",
		transportMode: TransportStdio,
	}
}

// WithServerName sets the MCP server name.
func WithServerName(name string) ServerOption {
	return func(c *serverConfig) {
		c.name = name
	}
}

// WithServerVersion sets the MCP server version.
func WithServerVersion(version string) ServerOption {
	return func(c *serverConfig) {
		c.version = version
	}
}

// WithTransportMode sets the transport used by Run.
func WithTransportMode(mode TransportMode) ServerOption {
	return func(c *serverConfig) {
		c.transportMode = mode
	}
}

// WithDefaultOperator sets the operator recorded when a tool call names none.
// Without it, tools that act on tasks require an explicit operator.
func WithDefaultOperator(operator string) ServerOption {
	return func(c *serverConfig) {
		c.operator = operator
	}
}
