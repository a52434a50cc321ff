package maha

import "encoding/json"

// Agent describes a registered agent as reported by its /meta endpoint.
type Agent struct {
	URL          string         `json:"url"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Wallet       string         `json:"wallet,omitempty"`
	Vendor       string         `json:"vendor,omitempty"`
	Category     string         `json:"category,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	RegisteredAt int64          `json:"registeredAt,omitempty"`
}

// Step is one agent invocation inside a workflow. Input mapping values are
// kept raw: each is either a literal or a reference to earlier output.
type Step struct {
	ID            string                     `json:"stepId"`
	AgentURL      string                     `json:"agentUrl"`
	AgentName     string                     `json:"agentName"`
	Description   string                     `json:"description,omitempty"`
	InputMapping  map[string]json.RawMessage `json:"inputMapping"`
	OutputMapping map[string]string          `json:"outputMapping"`
}

// Workflow is a planned, not yet executed, sequence of steps.
type Workflow struct {
	ID                string         `json:"workflowId"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	UserIntent        string         `json:"userIntent"`
	Steps             []Step         `json:"steps"`
	ExecutionMode     string         `json:"executionMode"`
	EstimatedDuration int64          `json:"estimatedDuration"`
	Planner           string         `json:"planner,omitempty"`
	Reasoning         string         `json:"reasoning,omitempty"`
	DefaultInput      map[string]any `json:"defaultInput,omitempty"`
	CreatedAt         int64          `json:"createdAt"`
}

// StepResult records what happened to one step during an execution.
type StepResult struct {
	StepID      string         `json:"stepId"`
	AgentName   string         `json:"agentName"`
	AgentURL    string         `json:"agentUrl"`
	Status      string         `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"errorCode,omitempty"`
	Duration    int64          `json:"duration"`
	Attempts    int            `json:"attempts,omitempty"`
	StartedAt   int64          `json:"startedAt,omitempty"`
	CompletedAt int64          `json:"completedAt,omitempty"`
}

// Execution is one run of a workflow.
type Execution struct {
	ID          string         `json:"executionId"`
	WorkflowID  string         `json:"workflowId"`
	Status      string         `json:"status"`
	StartedAt   int64          `json:"startedAt"`
	CompletedAt int64          `json:"completedAt,omitempty"`
	Input       map[string]any `json:"input"`
	Output      map[string]any `json:"output"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"errorCode,omitempty"`
	StepResults []StepResult   `json:"stepResults"`
}

// Finished reports whether the execution reached a terminal status.
func (e Execution) Finished() bool {
	return e.Status == "completed" || e.Status == "failed"
}

// Stats aggregates execution counts by status.
type Stats struct {
	Total           int   `json:"total"`
	Running         int   `json:"running"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	OldestStartedAt int64 `json:"oldestStartedAt,omitempty"`
	NewestStartedAt int64 `json:"newestStartedAt,omitempty"`
}

// Health is the response of GET /health.
type Health struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Agents    []Agent           `json:"agents"`
	Planner   string            `json:"planner,omitempty"`
	Chain     []json.RawMessage `json:"chain,omitempty"`
}

// Summary is the response of POST /workflows/generate-summary.
type Summary struct {
	ExecutionID string `json:"executionId"`
	Summary     string `json:"summary"`
	GeneratedAt int64  `json:"generatedAt"`
}

// CreateWorkflowRequest describes the intent to plan.
type CreateWorkflowRequest struct {
	Prompt      string         `json:"prompt"`
	Context     map[string]any `json:"context,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

// ExecuteRequest starts an execution of a stored workflow.
type ExecuteRequest struct {
	WorkflowID string         `json:"workflowId"`
	Input      map[string]any `json:"input,omitempty"`
	Async      bool           `json:"async,omitempty"`
}

// ExecutionQuery filters GET /executions. Zero values mean no filter.
type ExecutionQuery struct {
	Statuses    []string
	WorkflowID  string
	Limit       int
	Offset      int
	NewestFirst bool
}
