// Package orchestrator 把注册表、规划器、执行引擎、存储与摘要生成器组合成对外的业务服务，
// HTTP、MCP 与队列消费者都只依赖这里的 Service。
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"MAHA-Orchestrator/internal/agent"
	"MAHA-Orchestrator/internal/engine"
	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/observability/alerting"
	"MAHA-Orchestrator/internal/observability/metrics"
	"MAHA-Orchestrator/internal/planner"
	"MAHA-Orchestrator/internal/queue"
	"MAHA-Orchestrator/internal/store"
	"MAHA-Orchestrator/internal/web3"
	"MAHA-Orchestrator/internal/workflow"
	"MAHA-Orchestrator/pkg/logger"
)

// AgentRegistry 是 Service 使用的注册表能力，由 registry.Registry 实现。
type AgentRegistry interface {
	List() []agent.Agent
	Get(url string) (*agent.Agent, error)
	Register(ctx context.Context, url string) (*agent.Agent, error)
}

// Planner 把自然语言意图转换为通过校验的工作流。
type Planner interface {
	Plan(ctx context.Context, intent planner.Intent) (*workflow.Workflow, error)
	Strategy() string
}

// Summarizer 为终态执行生成摘要。
type Summarizer interface {
	Summarize(ctx context.Context, wf *workflow.Workflow, exec *workflow.Execution) (string, error)
}

// ChainStatusSource 为健康检查提供链状态。
type ChainStatusSource interface {
	Snapshots(ctx context.Context) []web3.ChainSnapshot
}

// Service 是编排器的业务入口。
type Service struct {
	agents     AgentRegistry
	planner    Planner
	engine     *engine.Engine
	store      store.Store
	summarizer Summarizer
	producer   queue.Producer
	alerter    alerting.Dispatcher
	chain      ChainStatusSource
	log        *slog.Logger
	now        func() time.Time
}

// Option 定义可选的 Service 配置。
type Option func(*Service)

// WithProducer 启用异步执行。
func WithProducer(p queue.Producer) Option {
	return func(s *Service) {
		s.producer = p
	}
}

// WithAlertDispatcher 配置规划失败与执行失败的告警。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(s *Service) {
		s.alerter = d
	}
}

// WithChainStatus 让健康检查附带链状态。
func WithChainStatus(p ChainStatusSource) Option {
	return func(s *Service) {
		s.chain = p
	}
}

// WithLogger 替换默认日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New 构造 Service。所有依赖都由调用方创建并注入。
func New(agents AgentRegistry, p Planner, eng *engine.Engine, st store.Store, sum Summarizer, opts ...Option) *Service {
	s := &Service{
		agents:     agents,
		planner:    p,
		engine:     eng,
		store:      st,
		summarizer: sum,
		log:        logger.Named("orchestrator"),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Health 是健康检查结果，Agents 是注册表快照，没有 Agent 时为空数组。
type Health struct {
	Status    string               `json:"status"`
	Timestamp int64                `json:"timestamp"`
	Agents    []agent.Agent        `json:"agents"`
	Strategy  string               `json:"planner,omitempty"`
	Chain     []web3.ChainSnapshot `json:"chain,omitempty"`
}

// Health 汇总服务状态。
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:    "ok",
		Timestamp: s.now().UnixMilli(),
		Agents:    s.agents.List(),
		Strategy:  s.planner.Strategy(),
	}
	if h.Agents == nil {
		h.Agents = []agent.Agent{}
	}
	if s.chain != nil {
		h.Chain = s.chain.Snapshots(ctx)
	}
	return h
}

// ListAgents 返回按注册顺序排列的 Agent。
func (s *Service) ListAgents() []agent.Agent {
	return s.agents.List()
}

// RegisterAgent 拉取 url 的元数据并加入注册表，重复注册是幂等的。
func (s *Service) RegisterAgent(ctx context.Context, url string) (*agent.Agent, error) {
	if strings.TrimSpace(url) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent url is required")
	}
	a, err := s.agents.Register(ctx, url)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("agent registered",
		slog.String("agent_url", a.URL),
		slog.String("agent_name", a.Name))
	return a, nil
}

// AgentMeta 返回已注册 Agent 的元数据。
func (s *Service) AgentMeta(url string) (*agent.Agent, error) {
	if strings.TrimSpace(url) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent url is required")
	}
	return s.agents.Get(url)
}

// CreateWorkflow 规划并保存工作流。规划失败时不会保存任何内容。
func (s *Service) CreateWorkflow(ctx context.Context, intent planner.Intent) (*workflow.Workflow, error) {
	if strings.TrimSpace(intent.Description) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "prompt is required")
	}
	wf, err := s.planner.Plan(ctx, intent)
	if err != nil {
		metrics.ObservePlan(s.planner.Strategy(), string(xerrors.CodeOf(err)))
		if xerrors.ShouldAlert(err) {
			s.alert(ctx, alerting.FromError("planning", err))
		}
		return nil, err
	}
	metrics.ObservePlan(wf.Planner, "")
	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	logger.Audit().Info("workflow created",
		slog.String("workflow_id", wf.ID),
		slog.String("planner", wf.Planner),
		slog.String("execution_mode", string(wf.ExecutionMode)),
		slog.Int("steps", len(wf.Steps)))
	return wf.Clone(), nil
}

// GetWorkflow 返回指定工作流。
func (s *Service) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "workflowId is required")
	}
	return s.store.GetWorkflow(ctx, id)
}

// ListWorkflows 返回工作流列表。
func (s *Service) ListWorkflows(ctx context.Context, opts ...store.ListOption) ([]*workflow.Workflow, error) {
	return s.store.ListWorkflows(ctx, opts...)
}

// ExecuteRequest 描述一次执行请求。
type ExecuteRequest struct {
	WorkflowID string         `json:"workflowId"`
	Input      map[string]any `json:"input,omitempty"`
	Async      bool           `json:"async,omitempty"`
}

// Execute 运行工作流。同步模式返回终态执行，步骤失败体现在执行状态中而不是 error；
// 异步模式返回 running 状态的执行，由队列消费者推进。
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*workflow.Execution, error) {
	wf, err := s.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if req.Async && s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "asynchronous execution is not enabled")
	}

	exec, err := s.engine.Start(ctx, wf, req.Input)
	if err != nil {
		return nil, err
	}
	if req.Async {
		return s.enqueue(ctx, exec)
	}

	// 请求方断开后执行仍需到达终态。
	runCtx := context.WithoutCancel(ctx)
	exec, err = s.engine.Run(runCtx, wf, exec)
	if err != nil {
		return nil, err
	}
	s.alertExecution(runCtx, exec)
	return exec, nil
}

func (s *Service) enqueue(ctx context.Context, exec *workflow.Execution) (*workflow.Execution, error) {
	if err := s.producer.Publish(ctx, exec.ID); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, err, "publish execution")
		s.log.Error("enqueue execution failed",
			slog.String("execution_id", exec.ID),
			slog.Any("error", err))
		failed := exec.Clone()
		failed.Status = workflow.StatusFailed
		failed.CompletedAt = s.now().UnixMilli()
		failed.Error = wrapped.Error()
		failed.ErrorCode = string(xerrors.CodeQueueFailure)
		if saveErr := s.store.SaveExecution(ctx, failed); saveErr != nil {
			s.log.Error("mark execution failed", slog.String("execution_id", exec.ID), slog.Any("error", saveErr))
		}
		return nil, wrapped
	}
	s.log.Info("execution queued",
		slog.String("execution_id", exec.ID),
		slog.String("workflow_id", exec.WorkflowID))
	return exec, nil
}

// Resume 把队列中的执行推进到终态，实现 queue.Runner。
func (s *Service) Resume(ctx context.Context, executionID string) (*workflow.Execution, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Terminal() {
		return nil, store.ExecutionFinalized(exec.ID, exec.Status)
	}
	wf, err := s.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, err
	}
	return s.engine.Run(context.WithoutCancel(ctx), wf, exec)
}

// GetExecution 返回指定执行，未知 ID 返回 EXECUTION_NOT_FOUND。
func (s *Service) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "executionId is required")
	}
	return s.store.GetExecution(ctx, id)
}

// ListExecutions 返回符合过滤条件的执行。
func (s *Service) ListExecutions(ctx context.Context, opts ...store.ListOption) ([]*workflow.Execution, error) {
	return s.store.ListExecutions(ctx, opts...)
}

// ExecutionStats 返回执行状态统计。
func (s *Service) ExecutionStats(ctx context.Context, opts ...store.ListOption) (store.Stats, error) {
	return s.store.ExecutionStats(ctx, opts...)
}

// Summary 是摘要接口的返回值。
type Summary struct {
	ExecutionID string `json:"executionId"`
	Summary     string `json:"summary"`
	GeneratedAt int64  `json:"generatedAt"`
}

// Summarize 为终态执行生成摘要，不会修改执行记录。
func (s *Service) Summarize(ctx context.Context, executionID string) (*Summary, error) {
	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !exec.Terminal() {
		return nil, xerrors.New(workflow.CodeExecutionNotFinished,
			fmt.Sprintf("execution %s is still %s", exec.ID, exec.Status))
	}
	wf, err := s.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, err
	}
	text, err := s.summarizer.Summarize(ctx, wf, exec)
	if err != nil {
		return nil, err
	}
	return &Summary{ExecutionID: exec.ID, Summary: text, GeneratedAt: s.now().UnixMilli()}, nil
}

func (s *Service) alertExecution(ctx context.Context, exec *workflow.Execution) {
	if exec.Status != workflow.StatusFailed {
		return
	}
	code := xerrors.Code(exec.ErrorCode)
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert {
		return
	}
	s.alert(ctx, alerting.Event{
		Code:        code,
		Message:     exec.Error,
		Severity:    attrs.Severity,
		Stage:       "execution",
		WorkflowID:  exec.WorkflowID,
		ExecutionID: exec.ID,
		OccurredAt:  s.now(),
	})
}

func (s *Service) alert(ctx context.Context, event alerting.Event) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		s.log.Error("alert notification failed", slog.String("code", string(event.Code)), slog.Any("error", err))
	}
}

var _ queue.Runner = (*Service)(nil)
