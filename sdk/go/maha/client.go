// Package maha is a Go client for the MAHA orchestrator REST API.
package maha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Synchronous executions can take minutes, so it is generous.
const DefaultHTTPTimeout = 5 * time.Minute

// Client wraps the HTTP interactions with the orchestrator.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"error"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("maha api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("maha api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the API at rawURL. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Health returns the service health report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.get(ctx, "/health", nil, &out)
	return out, err
}

// ListAgents returns the registered agents in registration order.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	err := c.get(ctx, "/agents", nil, &out)
	return out.Agents, err
}

// RegisterAgent asks the orchestrator to fetch and register the agent at agentURL.
func (c *Client) RegisterAgent(ctx context.Context, agentURL string) (Agent, error) {
	var out struct {
		Agent Agent `json:"agent"`
	}
	err := c.post(ctx, "/agents/register", map[string]string{"url": agentURL}, &out)
	return out.Agent, err
}

// AgentMeta returns the cached metadata of a registered agent.
func (c *Client) AgentMeta(ctx context.Context, agentURL string) (Agent, error) {
	var out struct {
		Agent Agent `json:"agent"`
	}
	err := c.get(ctx, "/agents/meta", url.Values{"url": {agentURL}}, &out)
	return out.Agent, err
}

// CreateWorkflow plans and stores a workflow.
func (c *Client) CreateWorkflow(ctx context.Context, req CreateWorkflowRequest) (Workflow, error) {
	var out struct {
		Workflow Workflow `json:"workflow"`
	}
	err := c.post(ctx, "/workflows/create", req, &out)
	return out.Workflow, err
}

// GetWorkflow fetches a workflow by id.
func (c *Client) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	var out struct {
		Workflow Workflow `json:"workflow"`
	}
	err := c.get(ctx, "/workflows/"+url.PathEscape(id), nil, &out)
	return out.Workflow, err
}

// ListWorkflows returns every stored workflow.
func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var out struct {
		Workflows []Workflow `json:"workflows"`
	}
	err := c.get(ctx, "/workflows", nil, &out)
	return out.Workflows, err
}

// Execute runs a workflow. A failed execution is returned without error;
// check Execution.Status.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (Execution, error) {
	var out struct {
		Execution Execution `json:"execution"`
	}
	err := c.post(ctx, "/workflows/execute", req, &out)
	return out.Execution, err
}

// GetExecution fetches an execution by id.
func (c *Client) GetExecution(ctx context.Context, id string) (Execution, error) {
	var out struct {
		Execution Execution `json:"execution"`
	}
	err := c.get(ctx, "/executions/"+url.PathEscape(id), nil, &out)
	return out.Execution, err
}

// WaitExecution polls until the execution finishes or ctx is done.
func (c *Client) WaitExecution(ctx context.Context, id string, interval time.Duration) (Execution, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last Execution
	for {
		exec, err := c.GetExecution(ctx, id)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return last, ctxErr
			}
			return last, err
		}
		last = exec
		if exec.Finished() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListExecutions queries executions.
func (c *Client) ListExecutions(ctx context.Context, q ExecutionQuery) ([]Execution, error) {
	var out struct {
		Executions []Execution `json:"executions"`
	}
	err := c.get(ctx, "/executions", q.values(), &out)
	return out.Executions, err
}

// ExecutionStats aggregates executions matching q.
func (c *Client) ExecutionStats(ctx context.Context, q ExecutionQuery) (Stats, error) {
	var out struct {
		Stats Stats `json:"stats"`
	}
	err := c.get(ctx, "/executions/stats", q.values(), &out)
	return out.Stats, err
}

// Summarize asks for a natural-language summary of a finished execution.
func (c *Client) Summarize(ctx context.Context, executionID string) (Summary, error) {
	var out Summary
	err := c.post(ctx, "/workflows/generate-summary", map[string]string{"executionId": executionID}, &out)
	return out, err
}

func (q ExecutionQuery) values() url.Values {
	v := url.Values{}
	if len(q.Statuses) > 0 {
		v.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.WorkflowID != "" {
		v.Set("workflowId", q.WorkflowID)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.NewestFirst {
		v.Set("order", "desc")
	}
	return v
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
