package mcp

import (
	"context"
	"errors"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/toolgate/internal/alert"
	"github.com/ppiankov/toolgate/internal/audit"
	"github.com/ppiankov/toolgate/internal/governance"
	"github.com/ppiankov/toolgate/internal/sandbox"
	"github.com/ppiankov/toolgate/internal/tracer"
)

// Config holds MCP server dependencies. Engine is required.
type Config struct {
	Engine    *governance.Engine
	Evaluator *sandbox.Evaluator
	Trail     *audit.Trail
	Alerts    *alert.Dispatcher
	// Tenant is used when a check names none.
	Tenant  string
	Version string
	Logger  *zap.Logger
}

// Server exposes governance checks and approval handling as MCP tools.
type Server struct {
	mcpServer *mcpsdk.Server
	engine    *governance.Engine
	eval      *sandbox.Evaluator
	trail     *audit.Trail
	alerts    *alert.Dispatcher
	emitter   *tracer.Emitter
	tenant    string
	logger    *zap.Logger
}

// New creates an MCP server and registers its tools.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("mcp: governance engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	eval := cfg.Evaluator
	if eval == nil {
		var err error
		if eval, err = sandbox.NewEvaluator(); err != nil {
			return nil, fmt.Errorf("mcp: evaluator: %w", err)
		}
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		engine:  cfg.Engine,
		eval:    eval,
		trail:   cfg.Trail,
		alerts:  cfg.Alerts,
		emitter: tracer.NewEmitter(tracer.NewTraceID(), tracer.WithLogger(logger)),
		tenant:  cfg.Tenant,
		logger:  logger,
	}
	s.mcpServer = mcpsdk.NewServer(&mcpsdk.Implementation{Name: "toolgate", Version: version}, nil)
	s.registerTools()
	return s, nil
}

// Run serves on stdio until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Trace returns the events emitted during this session.
func (s *Server) Trace() []tracer.Event {
	return s.emitter.Trace()
}

// TraceID identifies this session in audit records and alerts.
func (s *Server) TraceID() string {
	return s.emitter.TraceID()
}

func (s *Server) emit(name string, details map[string]any) {
	if _, err := s.emitter.Emit(name, details); err != nil {
		s.logger.Warn("trace emit failed", zap.String("event", name), zap.Error(err))
	}
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "toolgate_check",
		Description: "Check whether a tool call would be allowed for a tenant. Counts against the tool's rate limit. Set request_approval to open an approval request when one is needed.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "toolgate_approve",
		Description: "Approve a pending approval request by id.",
	}, s.handleApprove)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "toolgate_reject",
		Description: "Reject a pending approval request by id.",
	}, s.handleReject)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "toolgate_pending",
		Description: "List approval requests still waiting for a decision.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "toolgate_eval",
		Description: "Evaluate an arithmetic expression in the restricted evaluator.",
	}, s.handleEval)
}
