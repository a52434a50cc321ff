// Package archive 把进入终态的执行记录连同其工作流以 JSON 形式写入对象存储，
// 供离线审计与回放使用。
package archive

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/engine"
	"MAHA-Orchestrator/internal/workflow"
	"MAHA-Orchestrator/pkg/logger"
)

// ObjectWriter 写入单个对象。
type ObjectWriter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Record 是归档对象的内容。
type Record struct {
	ArchivedAt int64               `json:"archivedAt"`
	Workflow   *workflow.Workflow  `json:"workflow"`
	Execution  *workflow.Execution `json:"execution"`
}

// Archiver 通过执行钩子异步上传终态执行。
type Archiver struct {
	writer  ObjectWriter
	prefix  string
	log     *slog.Logger
	timeout time.Duration
	now     func() time.Time

	wg sync.WaitGroup
}

// Option 定义可选的 Archiver 配置。
type Option func(*Archiver)

// WithPrefix 设置对象键前缀。
func WithPrefix(prefix string) Option {
	return func(a *Archiver) {
		a.prefix = strings.Trim(prefix, "/")
	}
}

// WithTimeout 限制单次上传耗时。
func WithTimeout(d time.Duration) Option {
	return func(a *Archiver) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger 替换默认日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(a *Archiver) {
		if l != nil {
			a.log = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建 Archiver。
func New(writer ObjectWriter, opts ...Option) *Archiver {
	a := &Archiver{
		writer:  writer,
		prefix:  "executions",
		log:     logger.Named("archive"),
		timeout: 30 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Key 返回执行记录对应的对象键：<prefix>/<workflowId>/<executionId>.json。
func (a *Archiver) Key(exec *workflow.Execution) string {
	return path.Join(a.prefix, exec.WorkflowID, exec.ID+".json")
}

// Hook 返回注册到执行引擎的终态钩子。
func (a *Archiver) Hook() engine.ExecutionHook {
	return func(ctx context.Context, wf *workflow.Workflow, exec *workflow.Execution) {
		if !exec.Terminal() {
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.Archive(context.WithoutCancel(ctx), wf, exec); err != nil {
				a.log.Warn("archive execution failed",
					slog.String("execution_id", exec.ID),
					slog.Any("error", err))
			}
		}()
	}
}

// Archive 同步写入一条执行记录。
func (a *Archiver) Archive(ctx context.Context, wf *workflow.Workflow, exec *workflow.Execution) error {
	if exec == nil || !exec.Terminal() {
		return xerrors.New(workflow.CodeExecutionNotFinished, "only finished executions are archived")
	}
	body, err := json.Marshal(Record{ArchivedAt: a.now().UnixMilli(), Workflow: wf, Execution: exec})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode archive record")
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	key := a.Key(exec)
	if err := a.writer.Put(ctx, key, body, "application/json"); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "upload archive record",
			xerrors.WithMetadata("key", key))
	}
	a.log.Info("execution archived",
		slog.String("execution_id", exec.ID),
		slog.String("workflow_id", exec.WorkflowID),
		slog.String("key", key),
		slog.Int("bytes", len(body)))
	return nil
}

// Wait 等待所有后台上传结束。
func (a *Archiver) Wait() {
	a.wg.Wait()
}
