// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/pegasus-isi/gpumon/internal/monitor"
	"github.com/pegasus-isi/gpumon/internal/service"
	"github.com/pegasus-isi/gpumon/internal/version"
)

type (
	Initializer  = service.Initializer
	Runner       = service.Runner
	DataProvider = monitor.DataProvider
	APIRegistry  = interface {
		Register(endpoint, summary, description string, handler http.Handler) error
	}
)

// Transport selects how MCP clients reach the server
type Transport string

const (
	TransportSSE        Transport = "sse"
	TransportStreamable Transport = "streamable"
	TransportStdio      Transport = "stdio"
)

// Transports lists the supported transports
var Transports = []Transport{TransportSSE, TransportStreamable, TransportStdio}

// Server answers Model Context Protocol tool calls from GPU snapshots
type Server struct {
	logger      *slog.Logger
	monitor     DataProvider
	server      *mcp.Server
	apiRegistry APIRegistry

	httpPath  string
	transport Transport
}

var (
	_ Initializer = (*Server)(nil)
	_ Runner      = (*Server)(nil)
)

// Option defines functional options for MCP server configuration
type Option func(*Server)

// WithHTTPTransport serves MCP on path of the API server using transport
func WithHTTPTransport(apiRegistry APIRegistry, path string, transport Transport) Option {
	return func(s *Server) {
		s.apiRegistry = apiRegistry
		s.httpPath = path
		s.transport = transport
	}
}

// NewServer creates a server over the monitor's snapshots. Without an HTTP
// transport it talks over stdin and stdout.
func NewServer(monitor DataProvider, logger *slog.Logger, options ...Option) *Server {
	v := version.Info().Version
	if v == "" {
		v = "unknown"
	}
	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "gpumon", Version: v}, nil)

	server := &Server{
		logger:    logger.With("service", "mcp"),
		monitor:   monitor,
		server:    mcpServer,
		httpPath:  "/mcp",
		transport: TransportStdio,
	}
	for _, option := range options {
		option(server)
	}

	server.registerTools()
	return server
}

func (s *Server) registerTools() {
	s.logger.Debug("Registering MCP tools")

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_gpus",
		Description: "List the GPUs with their latest readings",
	}, s.handleListGPUs)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_gpu",
		Description: "Get the description, readings, clocks and maxima of one GPU",
	}, s.handleGetGPU)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_gpu_processes",
		Description: "List the compute processes running on the GPUs",
	}, s.handleListProcesses)
}

func (s *Server) useHTTP() bool {
	return s.transport != TransportStdio
}

// Init registers the HTTP handler when an HTTP transport is used
func (s *Server) Init() error {
	s.logger.Info("Initializing MCP server", "transport", s.transport, "http_path", s.httpPath)
	if !s.useHTTP() {
		return nil
	}
	if s.apiRegistry == nil {
		return fmt.Errorf("mcp transport %s needs an API server", s.transport)
	}

	var handler http.Handler
	switch s.transport {
	case TransportSSE:
		handler = mcp.NewSSEHandler(func(req *http.Request) *mcp.Server {
			return s.server
		})
	case TransportStreamable:
		handler = mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
			return s.server
		}, nil)
	default:
		return fmt.Errorf("unknown mcp transport %q", s.transport)
	}

	if err := s.apiRegistry.Register(s.httpPath, "MCP Server",
		"Model Context Protocol server for querying GPU telemetry", handler); err != nil {
		return err
	}
	s.logger.Info("Registered MCP HTTP handler", "path", s.httpPath, "transport", s.transport)
	return nil
}

func (s *Server) Name() string {
	return "mcp"
}

// Run serves stdio clients until ctx is done; HTTP clients are served by the
// API server so Run only waits.
func (s *Server) Run(ctx context.Context) error {
	if s.useHTTP() {
		<-ctx.Done()
		return ctx.Err()
	}

	s.logger.Info("MCP server starting with stdio transport")
	return s.server.Run(ctx, mcp.NewStdioTransport())
}
