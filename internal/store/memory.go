package store

import (
	"context"
	"sync"

	"MAHA-Orchestrator/internal/workflow"
)

// MemoryStore 以内存方式保存工作流与执行记录，进程退出后数据丢失。
// 读写均做深拷贝，调用方持有的对象与存储互不影响。
type MemoryStore struct {
	mu             sync.RWMutex
	workflows      map[string]*workflow.Workflow
	workflowOrder  []string
	executions     map[string]*workflow.Execution
	executionOrder []string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*workflow.Workflow),
		executions: make(map[string]*workflow.Execution),
	}
}

// SaveWorkflow 实现 Store 接口。工作流不可变，重复 ID 返回 WORKFLOW_CONFLICT。
func (m *MemoryStore) SaveWorkflow(_ context.Context, wf *workflow.Workflow) error {
	if err := CheckWorkflow(wf); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return WorkflowConflict(wf.ID)
	}
	m.workflows[wf.ID] = wf.Clone()
	m.workflowOrder = append(m.workflowOrder, wf.ID)
	return nil
}

// GetWorkflow 实现 Store 接口。
func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, WorkflowNotFound(id)
	}
	return wf.Clone(), nil
}

// ListWorkflows 实现 Store 接口。
func (m *MemoryStore) ListWorkflows(_ context.Context, opts ...ListOption) ([]*workflow.Workflow, error) {
	options := BuildListOptions(opts)
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := ordered(m.workflowOrder, options.Order)
	start, end := options.Page(len(ids))
	results := make([]*workflow.Workflow, 0, end-start)
	for _, id := range ids[start:end] {
		results = append(results, m.workflows[id].Clone())
	}
	return results, nil
}

// SaveExecution 实现 Store 接口。首次保存时登记顺序，之后原位替换；
// 已处于终态的执行不再接受写入。
func (m *MemoryStore) SaveExecution(_ context.Context, exec *workflow.Execution) error {
	if err := CheckExecution(exec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.executions[exec.ID]; ok {
		if existing.Terminal() {
			return ExecutionFinalized(exec.ID, existing.Status)
		}
	} else {
		m.executionOrder = append(m.executionOrder, exec.ID)
	}
	m.executions[exec.ID] = exec.Clone()
	return nil
}

// GetExecution 实现 Store 接口。
func (m *MemoryStore) GetExecution(_ context.Context, id string) (*workflow.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, ExecutionNotFound(id)
	}
	return exec.Clone(), nil
}

// ListExecutions 实现 Store 接口。
func (m *MemoryStore) ListExecutions(_ context.Context, opts ...ListOption) ([]*workflow.Execution, error) {
	options := BuildListOptions(opts)
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*workflow.Execution, 0, len(m.executionOrder))
	for _, id := range ordered(m.executionOrder, options.Order) {
		if exec := m.executions[id]; options.Matches(exec) {
			matched = append(matched, exec)
		}
	}
	start, end := options.Page(len(matched))
	results := make([]*workflow.Execution, 0, end-start)
	for _, exec := range matched[start:end] {
		results = append(results, exec.Clone())
	}
	return results, nil
}

// ExecutionStats 实现 Store 接口，忽略分页参数。
func (m *MemoryStore) ExecutionStats(_ context.Context, opts ...ListOption) (Stats, error) {
	options := BuildListOptions(opts)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats Stats
	for _, id := range m.executionOrder {
		if exec := m.executions[id]; options.Matches(exec) {
			stats.Add(exec)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func ordered(ids []string, order SortOrder) []string {
	if order != SortNewestFirst {
		return ids
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
