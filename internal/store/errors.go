package store

import (
	"fmt"

	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/workflow"
)

// WorkflowNotFound 构造工作流不存在错误。
func WorkflowNotFound(id string) error {
	return xerrors.New(workflow.CodeWorkflowNotFound, fmt.Sprintf("workflow %s not found", id),
		xerrors.WithMetadata("workflow_id", id))
}

// ExecutionNotFound 构造执行记录不存在错误。
func ExecutionNotFound(id string) error {
	return xerrors.New(workflow.CodeExecutionNotFound, fmt.Sprintf("execution %s not found", id),
		xerrors.WithMetadata("execution_id", id))
}

// WorkflowConflict 构造工作流 ID 冲突错误。
func WorkflowConflict(id string) error {
	return xerrors.New(workflow.CodeWorkflowConflict, fmt.Sprintf("workflow %s already exists", id),
		xerrors.WithMetadata("workflow_id", id))
}

// ExecutionFinalized 构造终态执行被覆盖的错误。
func ExecutionFinalized(id string, status workflow.Status) error {
	return xerrors.New(workflow.CodeExecutionFinalized, fmt.Sprintf("execution %s is already %s", id, status),
		xerrors.WithMetadata("execution_id", id))
}

// CheckWorkflow 校验待保存的工作流。
func CheckWorkflow(wf *workflow.Workflow) error {
	if wf == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow 不能为空")
	}
	if wf.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow ID 不能为空")
	}
	return nil
}

// CheckExecution 校验待保存的执行记录。
func CheckExecution(exec *workflow.Execution) error {
	if exec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}
	if exec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution ID 不能为空")
	}
	return nil
}
