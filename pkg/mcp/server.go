// Package mcp exposes operator tools for pending HITL requests over the Model
// Context Protocol.
package mcp

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/hitl/internal/hitl"
	"github.com/rendis/hitl/internal/host"
	"github.com/rendis/hitl/internal/logging"
	"github.com/rendis/hitl/internal/store"
	"github.com/rendis/hitl/pkg/schema"
)

// Operator is the host surface the tools drive. Satisfied by *host.Runtime.
type Operator interface {
	Get(ctx context.Context, executionID string) (*host.ExecutionView, error)
	Cancel(ctx context.Context, executionID string) (*store.Execution, error)
	HandleWebhook(ctx context.Context, executionID, path string, body []byte) (*hitl.WebhookResult, error)
	WebhookPath() string
}

// RequestLister lists correlation entries. Satisfied by store.Store.
type RequestLister interface {
	ListPendingRequests(ctx context.Context, filter store.PendingRequestFilter) ([]*schema.PendingRequest, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Operator Operator
	Requests RequestLister
	Logger   *slog.Logger
}

// Server wraps an MCP server with the HITL operator tools.
type Server struct {
	operator  Operator
	requests  RequestLister
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps, version string) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		operator: deps.Operator,
		requests: deps.Requests,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"hitl",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("hitl coordinates human-in-the-loop requests. Use hitl.pending to list requests awaiting a human, hitl.status to inspect an execution, hitl.respond to deliver a decision on behalf of the decision service, and hitl.cancel to abandon a waiting execution."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	return s.ServeIO(ctx, os.Stdin, os.Stdout)
}

// ServeIO runs the stdio transport over the given streams.
func (s *Server) ServeIO(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: pendingTool(), Handler: s.handlePending},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: respondTool(), Handler: s.handleRespond},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

// --- Tool definitions ---

func pendingTool() mcp.Tool {
	return mcp.NewTool("hitl.pending",
		mcp.WithDescription("List human-in-the-loop requests"),
		mcp.WithString("status",
			mcp.Enum(string(schema.RequestStatusPending), string(schema.RequestStatusResolved)),
			mcp.Description("Request status (default: pending)"),
		),
		mcp.WithString("execution_id", mcp.Description("Only requests of this execution")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of requests (default: 50)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("hitl.status",
		mcp.WithDescription("Get an execution with its live request and event timeline"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func respondTool() mcp.Tool {
	return mcp.NewTool("hitl.respond",
		mcp.WithDescription("Deliver a human response to a waiting execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the waiting execution")),
		mcp.WithString("correlation_token", mcp.Required(), mcp.Description("Correlation token of the request")),
		mcp.WithString("response", mcp.Description("Free-form response, e.g. approved")),
		mcp.WithObject("response_value", mcp.Description("Structured response value")),
		mcp.WithString("responded_by", mcp.Description("Who answered")),
		mcp.WithString("comment", mcp.Description("Optional comment")),
		mcp.WithObject("data", mcp.Description("Extra data passed to the workflow")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("hitl.cancel",
		mcp.WithDescription("Cancel an execution and resolve its pending request"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}
