package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"MAHA-Orchestrator/internal/llm"
)

// Responder 根据请求生成回复。
type Responder func(req llm.Request) (string, error)

// Client 是确定性的大模型替身，用于本地运行与测试。
type Client struct {
	responder Responder

	mu    sync.Mutex
	calls []llm.Request
}

// New 创建 mock 客户端。responder 为 nil 时回显提示词首行。
func New(responder Responder) *Client {
	return &Client{responder: responder}
}

// Fixed 返回总是回复同一文本的客户端。
func Fixed(text string) *Client {
	return New(func(llm.Request) (string, error) { return text, nil })
}

// Failing 返回总是失败的客户端。
func Failing(err error) *Client {
	return New(func(llm.Request) (string, error) { return "", err })
}

// Complete 记录请求并返回 responder 的结果。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, llm.Classify(err, "mock completion cancelled")
	}
	if c.responder == nil {
		line, _, _ := strings.Cut(strings.TrimSpace(req.Prompt), "\n")
		return &llm.Response{Text: fmt.Sprintf("[mock] %s", line), Model: "mock"}, nil
	}
	text, err := c.responder(req)
	if err != nil {
		return nil, llm.Classify(err, "mock completion failed")
	}
	return &llm.Response{Text: text, Model: "mock"}, nil
}

// Calls 返回已记录请求的副本。
func (c *Client) Calls() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.calls...)
}
