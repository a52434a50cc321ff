// Package engine 驱动工作流执行：按批次解析输入、调用 Agent、记录每个步骤的结果，
// 并在每次状态变化后写回存储。
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/store"
	"MAHA-Orchestrator/internal/workflow"
	"MAHA-Orchestrator/pkg/logger"
)

const (
	reasonDependsOnFailed = "depends on failed step"
	reasonAborted         = "workflow aborted"
)

// Invoker 调用 Agent 的 /run 接口，由 agent.Client 实现。
type Invoker interface {
	Invoke(ctx context.Context, url string, payload map[string]any) (map[string]any, error)
}

// Engine 执行工作流。Engine 本身无状态，可被多个执行并发使用。
type Engine struct {
	invoker Invoker
	store   store.Store
	known   workflow.AgentLookup
	log     *slog.Logger
	now     func() time.Time
	newID   func() string

	stepTimeout  time.Duration
	maxRetries   int
	retryInitial time.Duration
	retryMax     time.Duration
	parallelism  int

	stepHooks []StepHook
	execHooks []ExecutionHook
}

// New 创建执行引擎。
func New(invoker Invoker, st store.Store, opts ...Option) *Engine {
	e := &Engine{
		invoker:      invoker,
		store:        st,
		log:          logger.Named("engine"),
		now:          time.Now,
		newID:        func() string { return "exec_" + uuid.NewString() },
		stepTimeout:  90 * time.Second,
		retryInitial: 500 * time.Millisecond,
		retryMax:     5 * time.Second,
		parallelism:  8,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute 启动并运行一次执行，返回终态的执行记录。
// 步骤失败不会作为 error 返回，而是体现在执行记录的状态中。
func (e *Engine) Execute(ctx context.Context, wf *workflow.Workflow, input map[string]any) (*workflow.Execution, error) {
	exec, err := e.Start(ctx, wf, input)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, wf, exec)
}

// Start 校验工作流并创建 running 状态的执行记录，每个步骤一条 pending 结果。
// 工作流不合法时不会创建执行记录。
func (e *Engine) Start(ctx context.Context, wf *workflow.Workflow, input map[string]any) (*workflow.Execution, error) {
	if err := wf.Validate(e.known); err != nil {
		return nil, err
	}
	exec := &workflow.Execution{
		ID:          e.newID(),
		WorkflowID:  wf.ID,
		Status:      workflow.StatusRunning,
		StartedAt:   e.now().UnixMilli(),
		Input:       mergeInput(wf.DefaultInput, input),
		Output:      map[string]any{},
		StepResults: make([]workflow.StepResult, len(wf.Steps)),
	}
	for i, step := range wf.Steps {
		exec.StepResults[i] = workflow.StepResult{
			StepID:    step.ID,
			AgentName: step.AgentName,
			AgentURL:  step.AgentURL,
			Status:    workflow.StepPending,
		}
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return nil, err
	}
	e.log.Info("execution started",
		slog.String("execution_id", exec.ID),
		slog.String("workflow_id", wf.ID),
		slog.String("execution_mode", string(wf.ExecutionMode)),
		slog.Int("steps", len(wf.Steps)))
	return exec.Clone(), nil
}

// Run 把已启动的执行推进到终态。执行开始后不响应调用方的取消，只受步骤超时约束。
// 对中途中断的执行，已完成步骤的输出会被恢复，中断时仍在运行的步骤重新调用。
func (e *Engine) Run(ctx context.Context, wf *workflow.Workflow, exec *workflow.Execution) (*workflow.Execution, error) {
	if exec == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "execution is nil")
	}
	if exec.Terminal() {
		return nil, store.ExecutionFinalized(exec.ID, exec.Status)
	}
	if err := wf.Validate(nil); err != nil {
		return nil, err
	}
	if exec.WorkflowID != wf.ID || len(exec.StepResults) != len(wf.Steps) {
		return nil, xerrors.New(workflow.CodeInvariantViolation,
			fmt.Sprintf("execution %s does not belong to workflow %s", exec.ID, wf.ID))
	}

	ctx, span := otel.Tracer("maha/engine").Start(context.WithoutCancel(ctx), "engine.run")
	span.SetAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("execution.id", exec.ID),
		attribute.String("workflow.mode", string(wf.ExecutionMode)),
	)
	defer span.End()

	r := &run{
		engine: e,
		wf:     wf,
		exec:   exec.Clone(),
		table:  newTable(exec.Input),
		deps:   wf.Dependencies(),
		owner:  map[string]int{},
	}
	if r.exec.Output == nil {
		r.exec.Output = map[string]any{}
	}
	r.restore()
	for _, batch := range wf.Batches() {
		if r.failed() {
			break
		}
		r.runBatch(ctx, batch)
	}
	err := r.finish(ctx)

	if r.exec.Status == workflow.StatusFailed {
		span.SetStatus(codes.Error, r.exec.Error)
	}
	return r.exec.Clone(), err
}

// run 保存单次执行的可变状态，只在调用 Run 的协程中修改。
type run struct {
	engine *Engine
	wf     *workflow.Workflow
	exec   *workflow.Execution
	table  *table
	deps   [][]int
	first  error
	// owner 记录每个输出字段由哪个步骤（声明下标）写入。
	owner map[string]int
}

type outcome struct {
	output   map[string]any
	err      error
	attempts int
	started  time.Time
	finished time.Time
}

func (r *run) failed() bool {
	return r.first != nil
}

func (r *run) runBatch(ctx context.Context, batch []int) {
	e := r.engine
	payloads := make([]map[string]any, len(batch))
	outcomes := make([]*outcome, len(batch))

	for n, idx := range batch {
		step := r.wf.Steps[idx]
		res := &r.exec.StepResults[idx]
		if res.Status != workflow.StepPending {
			continue
		}
		started := e.now()
		payload, err := r.table.resolve(step)
		res.Status = workflow.StepRunning
		res.StartedAt = started.UnixMilli()
		res.Input = workflow.CloneMap(payload)
		res.InputHash = workflow.Digest(payload)
		if err != nil {
			outcomes[n] = &outcome{err: err, started: started, finished: started}
			continue
		}
		payloads[n] = payload
	}
	r.save(ctx)

	var group errgroup.Group
	group.SetLimit(e.parallelism)
	for n, idx := range batch {
		if payloads[n] == nil || outcomes[n] != nil {
			continue
		}
		step := r.wf.Steps[idx]
		payload := payloads[n]
		group.Go(func() error {
			outcomes[n] = e.invokeStep(ctx, r.wf, step, payload)
			return nil
		})
	}
	_ = group.Wait()

	for n, idx := range batch {
		o := outcomes[n]
		if o == nil {
			continue
		}
		step := r.wf.Steps[idx]
		res := &r.exec.StepResults[idx]
		res.Attempts = o.attempts
		res.CompletedAt = o.finished.UnixMilli()
		res.Duration = o.finished.Sub(o.started).Milliseconds()

		if o.err != nil {
			r.fail(idx, o.err)
		} else {
			res.Status = workflow.StepCompleted
			res.Output = workflow.CloneMap(o.output)
			res.OutputHash = workflow.Digest(o.output)
			r.table.outputs[step.ID] = o.output
			r.record(idx, o.output)
		}
		for _, hook := range e.stepHooks {
			hook(ctx, r.wf, *res)
		}
	}
	if r.failed() {
		r.abort()
	}
	r.save(ctx)
}

// restore 接续已部分执行的记录：completed 步骤的输出重新进入字段值表与执行输出，
// running 步骤回到 pending，已有 failed 步骤时其余 pending 步骤全部跳过。
func (r *run) restore() {
	for idx := range r.exec.StepResults {
		res := &r.exec.StepResults[idx]
		switch res.Status {
		case workflow.StepCompleted:
			output := workflow.CloneMap(res.Output)
			if output == nil {
				output = map[string]any{}
			}
			r.table.outputs[r.wf.Steps[idx].ID] = output
			r.record(idx, output)
		case workflow.StepRunning:
			r.engine.log.Warn("re-running step interrupted mid-flight",
				slog.String("execution_id", r.exec.ID),
				slog.String("step_id", res.StepID))
			*res = workflow.StepResult{
				StepID:    res.StepID,
				AgentName: res.AgentName,
				AgentURL:  res.AgentURL,
				Status:    workflow.StepPending,
			}
		case workflow.StepFailed:
			if r.first == nil {
				r.first = fmt.Errorf("step %s failed: %s", res.StepID, res.Error)
				if r.exec.ErrorCode == "" {
					r.exec.Error = res.Error
					r.exec.ErrorCode = res.ErrorCode
				}
			}
		}
	}
	if r.failed() {
		r.abort()
	}
}

// record 把步骤输出按输出映射写入执行输出。顺序模式后写覆盖；
// 并行模式字段冲突时保留声明顺序靠前的步骤。
func (r *run) record(idx int, output map[string]any) {
	parallel := r.wf.ExecutionMode == workflow.ModeParallel
	for field, value := range route(r.wf.Steps[idx], output) {
		if prev, ok := r.owner[field]; ok && parallel && prev < idx {
			continue
		}
		r.owner[field] = idx
		r.exec.Output[field] = value
	}
}

func (r *run) fail(idx int, err error) {
	res := &r.exec.StepResults[idx]
	res.Status = workflow.StepFailed
	res.Error = errorText(err)
	res.ErrorCode = string(xerrors.CodeOf(err))
	if r.first == nil {
		r.first = err
		r.exec.Error = res.Error
		r.exec.ErrorCode = res.ErrorCode
	}
	for _, dep := range workflow.Dependents(r.deps, idx) {
		r.skip(dep, reasonDependsOnFailed)
	}
	r.engine.log.Warn("step failed",
		slog.String("execution_id", r.exec.ID),
		slog.String("step_id", res.StepID),
		slog.String("agent_url", res.AgentURL),
		slog.String("error_code", res.ErrorCode),
		slog.String("error", res.Error))
}

// abort 把尚未开始的步骤全部标记为跳过。
func (r *run) abort() {
	for i := range r.exec.StepResults {
		r.skip(i, reasonAborted)
	}
}

func (r *run) skip(idx int, reason string) {
	res := &r.exec.StepResults[idx]
	if res.Status != workflow.StepPending {
		return
	}
	res.Status = workflow.StepSkipped
	res.Error = reason
}

func (r *run) finish(ctx context.Context) error {
	e := r.engine
	r.exec.CompletedAt = e.now().UnixMilli()
	if r.failed() {
		r.exec.Status = workflow.StatusFailed
	} else {
		r.exec.Status = workflow.StatusCompleted
	}
	err := e.store.SaveExecution(ctx, r.exec)
	if err != nil {
		e.log.Error("persist final execution state failed",
			slog.String("execution_id", r.exec.ID), slog.Any("error", err))
	}

	logger.Audit().Info("execution finished",
		slog.String("execution_id", r.exec.ID),
		slog.String("workflow_id", r.wf.ID),
		slog.String("status", string(r.exec.Status)),
		slog.String("error_code", r.exec.ErrorCode),
		slog.Int64("duration_ms", r.exec.CompletedAt-r.exec.StartedAt))

	for _, hook := range e.execHooks {
		hook(ctx, r.wf, r.exec.Clone())
	}
	return err
}

// save 写回中间状态。中间状态写入失败只记录日志，终态写入失败才返回给调用方。
func (r *run) save(ctx context.Context) {
	if err := r.engine.store.SaveExecution(ctx, r.exec); err != nil {
		r.engine.log.Warn("persist execution progress failed",
			slog.String("execution_id", r.exec.ID), slog.Any("error", err))
	}
}

func (e *Engine) invokeStep(ctx context.Context, wf *workflow.Workflow, step workflow.Step, payload map[string]any) *outcome {
	ctx, span := otel.Tracer("maha/engine").Start(ctx, "engine.step")
	span.SetAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("step.id", step.ID),
		attribute.String("agent.url", step.AgentURL),
	)
	defer span.End()

	o := &outcome{started: e.now()}
	o.output, o.attempts, o.err = e.invokeWithRetry(ctx, step, payload)
	o.finished = e.now()
	if o.err != nil {
		span.RecordError(o.err)
		span.SetStatus(codes.Error, string(xerrors.CodeOf(o.err)))
	}
	span.SetAttributes(attribute.Int("step.attempts", o.attempts))
	return o
}

func mergeInput(defaults, input map[string]any) map[string]any {
	merged := workflow.CloneMap(defaults)
	if merged == nil {
		merged = make(map[string]any, len(input))
	}
	for k, v := range input {
		merged[k] = workflow.CloneValue(v)
	}
	return merged
}

// errorText 去掉错误码前缀，Agent 自身返回的错误信息保持原文。
func errorText(err error) string {
	e, ok := xerrors.From(err)
	if !ok || e.Message() == "" {
		return err.Error()
	}
	if cause := e.Unwrap(); cause != nil {
		return e.Message() + ": " + cause.Error()
	}
	return e.Message()
}
