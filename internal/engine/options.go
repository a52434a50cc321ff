package engine

import (
	"context"
	"log/slog"
	"time"

	"MAHA-Orchestrator/internal/workflow"
)

// StepHook 在步骤结束（完成或失败）后被调用，跳过的步骤不会触发。
type StepHook func(ctx context.Context, wf *workflow.Workflow, result workflow.StepResult)

// ExecutionHook 在执行进入终态后被调用，收到的是执行记录的副本。
type ExecutionHook func(ctx context.Context, wf *workflow.Workflow, exec *workflow.Execution)

// Option 定义可选的 Engine 配置。
type Option func(*Engine)

// WithLogger 替换默认日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator 替换执行 ID 生成方式。
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// WithStepTimeout 设置单个步骤（含全部重试）的超时时间。
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithRetry 配置可重试错误的重试次数与指数退避区间。
func WithRetry(maxRetries int, initial, max time.Duration) Option {
	return func(e *Engine) {
		if maxRetries >= 0 {
			e.maxRetries = maxRetries
		}
		if initial > 0 {
			e.retryInitial = initial
		}
		if max > 0 {
			e.retryMax = max
		}
	}
}

// WithParallelism 限制并行批次中同时调用的 Agent 数量。
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithAgentLookup 在启动执行前校验步骤使用的 Agent 仍已注册。
func WithAgentLookup(known workflow.AgentLookup) Option {
	return func(e *Engine) {
		e.known = known
	}
}

// WithStepHook 追加步骤结束回调。
func WithStepHook(h StepHook) Option {
	return func(e *Engine) {
		if h != nil {
			e.stepHooks = append(e.stepHooks, h)
		}
	}
}

// WithExecutionHook 追加执行结束回调。
func WithExecutionHook(h ExecutionHook) Option {
	return func(e *Engine) {
		if h != nil {
			e.execHooks = append(e.execHooks, h)
		}
	}
}
