package queue

import (
	"context"
	"log/slog"
	"time"

	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/observability/alerting"
	"MAHA-Orchestrator/internal/workflow"
	"MAHA-Orchestrator/pkg/logger"
)

// Runner 把已启动的执行推进到终态，由 orchestrator.Service 实现。
type Runner interface {
	Resume(ctx context.Context, executionID string) (*workflow.Execution, error)
}

// Processor 负责从队列消费执行 ID 并交给 Runner 运行。
type Processor struct {
	runner      Runner
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("queue"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "处理器未初始化")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 只对可重试的错误返回 error，使队列重新投递；执行本身失败不算处理失败。
func (p *Processor) handle(ctx context.Context, executionID string) error {
	exec, err := p.runner.Resume(ctx, executionID)
	if err != nil {
		code := xerrors.CodeOf(err)
		switch code {
		case workflow.CodeExecutionNotFound, workflow.CodeExecutionFinalized:
			p.logger.Debug("跳过执行", slog.String("execution_id", executionID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("处理执行失败",
			slog.String("execution_id", executionID),
			slog.String("error_code", string(code)),
			slog.Any("error", err))
		p.emit(ctx, alerting.FromError("queue", err), executionID, "")
		if xerrors.RetryableError(err) {
			return err
		}
		return nil
	}

	if exec.Status == workflow.StatusFailed && xerrors.AttributesOf(xerrors.Code(exec.ErrorCode)).Alert {
		p.emit(ctx, alerting.Event{
			Code:       xerrors.Code(exec.ErrorCode),
			Message:    exec.Error,
			Severity:   xerrors.AttributesOf(xerrors.Code(exec.ErrorCode)).Severity,
			Stage:      "execution",
			OccurredAt: time.Now(),
		}, exec.ID, exec.WorkflowID)
	}
	p.logger.Info("异步执行结束",
		slog.String("execution_id", exec.ID),
		slog.String("workflow_id", exec.WorkflowID),
		slog.String("status", string(exec.Status)))
	return nil
}

func (p *Processor) emit(ctx context.Context, event alerting.Event, executionID, workflowID string) {
	if p.alerter == nil {
		return
	}
	event.ExecutionID = executionID
	event.WorkflowID = workflowID
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("execution_id", executionID))
	}
}
