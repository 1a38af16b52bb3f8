// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/hotplug"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/service"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/version"
)

// Transports supported by the MCP server
const (
	TransportStdio      = "stdio"
	TransportSSE        = "sse"
	TransportStreamable = "streamable"
)

// Controller is what the MCP tools need from the hotplug manager
type Controller interface {
	hotplug.Controller
	AvailableFrequencies() []uint64
}

type APIRegistry interface {
	Register(endpoint, summary, description string, handler http.Handler) error
}

// Server exposes hotplug status and control as MCP tools
type Server struct {
	logger      *slog.Logger
	ctrl        Controller
	server      *mcp.Server
	apiRegistry APIRegistry

	httpPath  string
	transport string
	readOnly  bool
}

var (
	_ service.Initializer = (*Server)(nil)
	_ service.Runner      = (*Server)(nil)
)

// Option defines functional options for MCP server configuration
type Option func(*Server)

// WithSSETransport serves MCP over Server-Sent Events at path
func WithSSETransport(apiRegistry APIRegistry, path string) Option {
	return func(s *Server) {
		s.apiRegistry = apiRegistry
		s.httpPath = path
		s.transport = TransportSSE
	}
}

// WithStreamableHTTP serves MCP over streamable HTTP at path
func WithStreamableHTTP(apiRegistry APIRegistry, path string) Option {
	return func(s *Server) {
		s.apiRegistry = apiRegistry
		s.httpPath = path
		s.transport = TransportStreamable
	}
}

// WithReadOnly registers only the tools that do not change core masks
func WithReadOnly(readOnly bool) Option {
	return func(s *Server) {
		s.readOnly = readOnly
	}
}

// NewServer creates a new MCP server; stdio transport is used unless an
// HTTP transport option is given
func NewServer(ctrl Controller, logger *slog.Logger, options ...Option) *Server {
	v := version.Info().Version
	if v == "" {
		v = "dev"
	}

	server := &Server{
		logger:    logger.With("service", "mcp"),
		ctrl:      ctrl,
		server:    mcp.NewServer(&mcp.Implementation{Name: "gpu-hotplug", Version: v}, nil),
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
	s.logger.Debug("Registering MCP tools", "read-only", s.readOnly)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_hotplug_status",
		Description: "Get the active hotplug policy, desired and live shader core masks, cooling state and applier counters",
	}, s.handleGetStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_operating_points",
		Description: "List the virtual frequency operating points and the shader core count each one runs",
	}, s.handleListOperatingPoints)

	if s.readOnly {
		return
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "set_cooling_state",
		Description: "Limit active shader cores for thermal mitigation; 0 lifts the limit",
	}, s.handleSetCoolingState)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "set_virtual_frequency",
		Description: "Select a virtual frequency by step (active core count) or by frequency in kHz",
	}, s.handleSetVirtualFrequency)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "set_core_budget",
		Description: "Limit active shader cores for interactive performance; 0 lifts the limit",
	}, s.handleSetCoreBudget)
}

func (s *Server) Init() error {
	s.logger.Info("Initializing MCP server", "transport", s.transport, "path", s.httpPath)

	var handler http.Handler
	switch s.transport {
	case TransportStdio:
		return nil
	case TransportSSE:
		handler = mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return s.server })
	case TransportStreamable:
		handler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.server }, nil)
	default:
		return fmt.Errorf("unknown MCP transport %q", s.transport)
	}

	if s.apiRegistry == nil {
		return fmt.Errorf("MCP transport %s requires an API server", s.transport)
	}
	if err := s.apiRegistry.Register(s.httpPath, "MCP Server",
		"Model Context Protocol server for GPU shader core hotplug", handler); err != nil {
		return err
	}

	s.logger.Info("Registered MCP HTTP handler", "path", s.httpPath, "transport", s.transport)
	return nil
}

func (s *Server) Name() string {
	return "mcp"
}

// Run serves stdio until ctx is done; HTTP transports are served by the API
// server so Run only waits
func (s *Server) Run(ctx context.Context) error {
	if s.transport != TransportStdio {
		<-ctx.Done()
		return nil
	}

	s.logger.Info("MCP server starting with stdio transport")
	err := s.server.Run(ctx, mcp.NewStdioTransport())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
