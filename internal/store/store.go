// Package store 定义工作流与执行记录的持久化接口，并提供内存实现。
package store

import (
	"context"

	"MAHA-Orchestrator/internal/workflow"
)

// Store 保存工作流与执行记录。没有删除操作；未知 ID 返回 *_NOT_FOUND 错误。
type Store interface {
	SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	ListWorkflows(ctx context.Context, opts ...ListOption) ([]*workflow.Workflow, error)
	SaveExecution(ctx context.Context, exec *workflow.Execution) error
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
	ListExecutions(ctx context.Context, opts ...ListOption) ([]*workflow.Execution, error)
	ExecutionStats(ctx context.Context, opts ...ListOption) (Stats, error)
	Close() error
}

// Stats 聚合执行记录的状态统计，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Running         int   `json:"running"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	OldestStartedAt int64 `json:"oldestStartedAt,omitempty"`
	NewestStartedAt int64 `json:"newestStartedAt,omitempty"`
}

// Add 把一条执行记录计入统计。
func (s *Stats) Add(exec *workflow.Execution) {
	s.Total++
	switch exec.Status {
	case workflow.StatusRunning:
		s.Running++
	case workflow.StatusCompleted:
		s.Completed++
	case workflow.StatusFailed:
		s.Failed++
	}
	if s.OldestStartedAt == 0 || exec.StartedAt < s.OldestStartedAt {
		s.OldestStartedAt = exec.StartedAt
	}
	if exec.StartedAt > s.NewestStartedAt {
		s.NewestStartedAt = exec.StartedAt
	}
}
