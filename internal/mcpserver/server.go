// Package mcpserver exposes the orchestrator as MCP tools so that MCP-capable
// assistants can discover agents, plan workflows and run them.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"MAHA-Orchestrator/internal/agent"
	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/orchestrator"
	"MAHA-Orchestrator/internal/planner"
	"MAHA-Orchestrator/internal/workflow"
	"MAHA-Orchestrator/pkg/logger"
)

// Service is the subset of the orchestrator the tools call into.
type Service interface {
	ListAgents() []agent.Agent
	CreateWorkflow(ctx context.Context, intent planner.Intent) (*workflow.Workflow, error)
	Execute(ctx context.Context, req orchestrator.ExecuteRequest) (*workflow.Execution, error)
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
	Summarize(ctx context.Context, executionID string) (*orchestrator.Summary, error)
}

// Server wraps an MCP server with the orchestrator tools registered.
type Server struct {
	svc Service
	mcp *server.MCPServer
	log *slog.Logger
}

// New registers every tool against svc.
func New(svc Service, version string) *Server {
	s := &Server{
		svc: svc,
		mcp: server.NewMCPServer("MAHA Orchestrator", version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		log: logger.Named("mcp"),
	}
	s.registerTools()
	return s
}

// MCP returns the underlying server, e.g. for stdio transports.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// HTTPHandler serves the streamable HTTP transport at endpoint.
func (s *Server) HTTPHandler(endpoint string) http.Handler {
	return server.NewStreamableHTTPServer(s.mcp,
		server.WithEndpointPath(endpoint),
		server.WithStateLess(true),
	)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List the registered agents with their capabilities and input/output schemas"),
		),
		s.handleListAgents,
	)
	s.mcp.AddTool(
		mcp.NewTool("create_workflow",
			mcp.WithDescription("Plan a workflow from a natural-language description"),
			mcp.WithString("description", mcp.Required(), mcp.Description("What the workflow should accomplish")),
		),
		s.handleCreateWorkflow,
	)
	s.mcp.AddTool(
		mcp.NewTool("execute_workflow",
			mcp.WithDescription("Execute a previously created workflow and return the execution record"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow identifier")),
			mcp.WithObject("input", mcp.Description("Input overlaid on the workflow's default input")),
		),
		s.handleExecuteWorkflow,
	)
	s.mcp.AddTool(
		mcp.NewTool("get_execution",
			mcp.WithDescription("Fetch an execution record"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution identifier")),
		),
		s.handleGetExecution,
	)
	s.mcp.AddTool(
		mcp.NewTool("summarize_execution",
			mcp.WithDescription("Produce a natural-language summary of a finished execution"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution identifier")),
		),
		s.handleSummarize,
	)
}

func (s *Server) handleListAgents(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.svc.ListAgents())
}

func (s *Server) handleCreateWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	description, err := req.RequireString("description")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	wf, err := s.svc.CreateWorkflow(ctx, planner.Intent{Description: description})
	if err != nil {
		return s.failure("create_workflow", err), nil
	}
	return jsonResult(wf)
}

func (s *Server) handleExecuteWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var input map[string]any
	if raw, ok := req.GetArguments()["input"]; ok && raw != nil {
		input, ok = raw.(map[string]any)
		if !ok {
			return mcp.NewToolResultError("input must be an object"), nil
		}
	}
	exec, err := s.svc.Execute(ctx, orchestrator.ExecuteRequest{WorkflowID: id, Input: input})
	if err != nil {
		return s.failure("execute_workflow", err), nil
	}
	return jsonResult(exec)
}

func (s *Server) handleGetExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	exec, err := s.svc.GetExecution(ctx, id)
	if err != nil {
		return s.failure("get_execution", err), nil
	}
	return jsonResult(exec)
}

func (s *Server) handleSummarize(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sum, err := s.svc.Summarize(ctx, id)
	if err != nil {
		return s.failure("summarize_execution", err), nil
	}
	return mcp.NewToolResultText(sum.Summary), nil
}

// failure reports domain errors as tool errors; the MCP call itself succeeds.
func (s *Server) failure(tool string, err error) *mcp.CallToolResult {
	code := xerrors.CodeOf(err)
	s.log.Warn("tool call failed", slog.String("tool", tool), slog.String("code", string(code)), slog.Any("error", err))
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", code, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}
