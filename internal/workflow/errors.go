package workflow

import (
	"fmt"
	"net/http"

	xerrors "MAHA-Orchestrator/internal/errors"
)

const (
	// CodeInvariantViolation 表示工作流结构不满足引用与步骤约束。
	CodeInvariantViolation xerrors.Code = "WORKFLOW_INVARIANT_VIOLATION"
	// CodeWorkflowNotFound 表示工作流不存在。
	CodeWorkflowNotFound xerrors.Code = "WORKFLOW_NOT_FOUND"
	// CodeExecutionNotFound 表示执行记录不存在。
	CodeExecutionNotFound xerrors.Code = "EXECUTION_NOT_FOUND"
	// CodeWorkflowConflict 表示工作流 ID 已被占用。
	CodeWorkflowConflict xerrors.Code = "WORKFLOW_CONFLICT"
	// CodeExecutionFinalized 表示执行已处于终态，不再接受写入。
	CodeExecutionFinalized xerrors.Code = "EXECUTION_FINALIZED"
	// CodeExecutionNotFinished 表示执行尚未结束。
	CodeExecutionNotFinished xerrors.Code = "EXECUTION_NOT_FINISHED"
	// CodeInputUnresolved 表示步骤输入引用无法解析。
	CodeInputUnresolved xerrors.Code = "INPUT_UNRESOLVED"
)

var (
	ErrWorkflowNotFound  = xerrors.New(CodeWorkflowNotFound, "")
	ErrExecutionNotFound = xerrors.New(CodeExecutionNotFound, "")
)

func init() {
	xerrors.Register(CodeInvariantViolation, xerrors.Attributes{
		Message:    "workflow violates structural invariants",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeWorkflowNotFound, xerrors.Attributes{
		Message:    "workflow not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeExecutionNotFound, xerrors.Attributes{
		Message:    "execution not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeWorkflowConflict, xerrors.Attributes{
		Message:    "workflow already exists",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeExecutionFinalized, xerrors.Attributes{
		Message:    "execution already finished",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeExecutionNotFinished, xerrors.Attributes{
		Message:    "execution is still running",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeInputUnresolved, xerrors.Attributes{
		Message:    "step input could not be resolved",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
}

func violation(stepID, format string, args ...any) *xerrors.Error {
	opts := []xerrors.Option{}
	if stepID != "" {
		opts = append(opts, xerrors.WithMetadata("step_id", stepID))
	}
	return xerrors.New(CodeInvariantViolation, fmt.Sprintf(format, args...), opts...)
}
