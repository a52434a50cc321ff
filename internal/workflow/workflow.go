package workflow

import "time"

// Mode 决定步骤是逐个执行还是按依赖层级并发执行。
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// Valid 判断执行模式是否合法。
func (m Mode) Valid() bool {
	return m == ModeSequential || m == ModeParallel
}

// Status 描述一次执行的整体状态。
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus 描述单个步骤的状态。
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal 判断步骤是否已经结束。
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// Workflow 是规划器产出的不可变计划。
type Workflow struct {
	ID                string         `json:"workflowId"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	UserIntent        string         `json:"userIntent"`
	Steps             []Step         `json:"steps"`
	ExecutionMode     Mode           `json:"executionMode"`
	EstimatedDuration int64          `json:"estimatedDuration"`
	Planner           string         `json:"planner,omitempty"`
	Reasoning         string         `json:"reasoning,omitempty"`
	DefaultInput      map[string]any `json:"defaultInput,omitempty"`
	CreatedAt         int64          `json:"createdAt"`
}

// Step 把一次 Agent 调用绑定到输入来源与输出去向。
type Step struct {
	ID            string              `json:"stepId"`
	AgentURL      string              `json:"agentUrl"`
	AgentName     string              `json:"agentName"`
	Description   string              `json:"description,omitempty"`
	InputMapping  map[string]FieldRef `json:"inputMapping"`
	OutputMapping map[string]string   `json:"outputMapping"`
}

// StepIndex 返回指定步骤在声明顺序中的位置，不存在时返回 -1。
func (w *Workflow) StepIndex(id string) int {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Execution 记录一次工作流运行的全过程。
type Execution struct {
	ID          string         `json:"executionId"`
	WorkflowID  string         `json:"workflowId"`
	Status      Status         `json:"status"`
	StartedAt   int64          `json:"startedAt"`
	CompletedAt int64          `json:"completedAt,omitempty"`
	Input       map[string]any `json:"input"`
	Output      map[string]any `json:"output"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"errorCode,omitempty"`
	StepResults []StepResult   `json:"stepResults"`
}

// StepResult 记录单个步骤的状态、输入输出与耗时。
type StepResult struct {
	StepID      string         `json:"stepId"`
	AgentName   string         `json:"agentName"`
	AgentURL    string         `json:"agentUrl"`
	Status      StepStatus     `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"errorCode,omitempty"`
	Duration    int64          `json:"duration"`
	Attempts    int            `json:"attempts,omitempty"`
	InputHash   string         `json:"inputHash,omitempty"`
	OutputHash  string         `json:"outputHash,omitempty"`
	StartedAt   int64          `json:"startedAt,omitempty"`
	CompletedAt int64          `json:"completedAt,omitempty"`
}

// Terminal 判断执行是否已经结束。
func (e *Execution) Terminal() bool {
	return e != nil && e.Status.Terminal()
}

// Result 返回指定步骤的结果指针，不存在时返回 nil。
func (e *Execution) Result(stepID string) *StepResult {
	for i := range e.StepResults {
		if e.StepResults[i].StepID == stepID {
			return &e.StepResults[i]
		}
	}
	return nil
}

// Millis 把时间转换为 Unix 毫秒。
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
