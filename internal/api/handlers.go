package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"MAHA-Orchestrator/internal/agent"
	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/orchestrator"
	"MAHA-Orchestrator/internal/planner"
	"MAHA-Orchestrator/internal/store"
	"MAHA-Orchestrator/internal/workflow"
)

type registerRequest struct {
	URL string `json:"url"`
}

type createWorkflowRequest struct {
	Prompt      string         `json:"prompt"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

type executeRequest struct {
	WorkflowID string         `json:"workflowId"`
	Input      map[string]any `json:"input,omitempty"`
	Async      bool           `json:"async,omitempty"`
}

type summaryRequest struct {
	ExecutionID string `json:"executionId"`
}

type agentResponse struct {
	Agent *agent.Agent `json:"agent"`
}

type workflowResponse struct {
	Workflow *workflow.Workflow `json:"workflow"`
	Message  string             `json:"message,omitempty"`
}

type executionResponse struct {
	Execution *workflow.Execution `json:"execution"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Health(c.Request().Context()))
}

func (s *Server) listAgents(c echo.Context) error {
	agents := s.svc.ListAgents()
	if agents == nil {
		agents = []agent.Agent{}
	}
	return c.JSON(http.StatusOK, map[string]any{"count": len(agents), "agents": agents})
}

func (s *Server) registerAgent(c echo.Context) error {
	var req registerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := s.svc.RegisterAgent(c.Request().Context(), strings.TrimSpace(req.URL))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, agentResponse{Agent: a})
}

func (s *Server) agentMeta(c echo.Context) error {
	url := strings.TrimSpace(c.QueryParam("url"))
	if url == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "url query parameter is required")
	}
	a, err := s.svc.AgentMeta(url)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, agentResponse{Agent: a})
}

func (s *Server) createWorkflow(c echo.Context) error {
	var req createWorkflowRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	description := strings.TrimSpace(req.Prompt)
	if description == "" {
		description = strings.TrimSpace(req.Description)
	}
	if description == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "prompt is required")
	}
	wf, err := s.svc.CreateWorkflow(c.Request().Context(), planner.Intent{
		Description: description,
		Context:     req.Context,
		Preferences: req.Preferences,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflowResponse{
		Workflow: wf,
		Message:  "workflow created with " + strconv.Itoa(len(wf.Steps)) + " step(s)",
	})
}

func (s *Server) listWorkflows(c echo.Context) error {
	opts, err := pageOptions(c)
	if err != nil {
		return err
	}
	items, err := s.svc.ListWorkflows(c.Request().Context(), opts...)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*workflow.Workflow{}
	}
	return c.JSON(http.StatusOK, map[string]any{"count": len(items), "workflows": items})
}

func (s *Server) getWorkflow(c echo.Context) error {
	wf, err := s.svc.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflowResponse{Workflow: wf})
}

func (s *Server) executeWorkflow(c echo.Context) error {
	var req executeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.WorkflowID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflowId is required")
	}
	exec, err := s.svc.Execute(c.Request().Context(), orchestrator.ExecuteRequest{
		WorkflowID: strings.TrimSpace(req.WorkflowID),
		Input:      req.Input,
		Async:      req.Async,
	})
	if err != nil {
		return err
	}
	status := http.StatusOK
	if req.Async {
		status = http.StatusAccepted
	}
	return c.JSON(status, executionResponse{Execution: exec})
}

func (s *Server) getExecution(c echo.Context) error {
	exec, err := s.svc.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, executionResponse{Execution: exec})
}

func (s *Server) listExecutions(c echo.Context) error {
	opts, err := executionFilters(c)
	if err != nil {
		return err
	}
	items, err := s.svc.ListExecutions(c.Request().Context(), opts...)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*workflow.Execution{}
	}
	return c.JSON(http.StatusOK, map[string]any{"count": len(items), "executions": items})
}

func (s *Server) executionStats(c echo.Context) error {
	opts, err := executionFilters(c)
	if err != nil {
		return err
	}
	stats, err := s.svc.ExecutionStats(c.Request().Context(), opts...)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) generateSummary(c echo.Context) error {
	var req summaryRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.ExecutionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "executionId is required")
	}
	sum, err := s.svc.Summarize(c.Request().Context(), strings.TrimSpace(req.ExecutionID))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body")
	}
	return nil
}

func pageOptions(c echo.Context) ([]store.ListOption, error) {
	var opts []store.ListOption
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit must be a non-negative integer",
				xerrors.WithMetadata("limit", raw))
		}
		opts = append(opts, store.WithLimit(n))
	}
	if raw := c.QueryParam("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset must be a non-negative integer",
				xerrors.WithMetadata("offset", raw))
		}
		opts = append(opts, store.WithOffset(n))
	}
	if raw := c.QueryParam("order"); raw != "" {
		order, ok := store.ParseSortOrder(raw)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "order must be asc or desc",
				xerrors.WithMetadata("order", raw))
		}
		opts = append(opts, store.WithSortOrder(order))
	}
	return opts, nil
}

// executionFilters 解析 status、workflowId、since 以及分页参数。
func executionFilters(c echo.Context) ([]store.ListOption, error) {
	opts, err := pageOptions(c)
	if err != nil {
		return nil, err
	}
	if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
		var statuses []workflow.Status
		for _, part := range strings.Split(raw, ",") {
			status := workflow.Status(strings.ToLower(strings.TrimSpace(part)))
			if status == "" {
				continue
			}
			if !store.ValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown execution status",
					xerrors.WithMetadata("status", part))
			}
			statuses = append(statuses, status)
		}
		if len(statuses) > 0 {
			opts = append(opts, store.WithStatuses(statuses...))
		}
	}
	if id := strings.TrimSpace(c.QueryParam("workflowId")); id != "" {
		opts = append(opts, store.WithWorkflow(id))
	}
	if raw := strings.TrimSpace(c.QueryParam("since")); raw != "" {
		ts, err := parseSince(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "since must be RFC3339 or unix milliseconds",
				xerrors.WithMetadata("since", raw))
		}
		opts = append(opts, store.WithStartedSince(ts))
	}
	return opts, nil
}

func parseSince(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, raw)
}
