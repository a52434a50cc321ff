package llm

import (
	"context"
	stdErrors "errors"

	xerrors "MAHA-Orchestrator/internal/errors"
)

// Request 描述一次发送给大模型的补全请求。Context 会以 JSON 形式附加在提示词之后。
type Request struct {
	System      string
	Prompt      string
	Context     map[string]any
	Knowledge   []KnowledgeCard
	JSON        bool
	Temperature float64
	MaxTokens   int
}

// Response 是大模型返回的文本。
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Usage 记录 token 消耗，供日志与指标使用。
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type KnowledgeCard struct {
	Title   string
	Content string
}

// Client 定义了调用大模型的统一接口：提示词加上下文，返回文本。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Classify 把协作方错误归类：超时归为 TIMEOUT，其余归为 COLLABORATOR_FAILURE。
// 已经带有统一错误码的错误原样返回。
func Classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message)
	}
	return xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, message)
}
