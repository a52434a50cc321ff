package agent

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/web3"
)

const (
	defaultMetaTimeout   = 5 * time.Second
	defaultInvokeTimeout = 60 * time.Second
	defaultMaxBodyBytes  = 8 << 20
)

// Client 通过 HTTP 访问 Agent 的 /meta 与 /run 接口。这一层不做重试。
type Client struct {
	httpClient    *http.Client
	metaTimeout   time.Duration
	invokeTimeout time.Duration
	maxBodyBytes  int64
	userAgent     string
}

// Option 定义可选的 Client 配置。
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMetaTimeout 设置 /meta 调用的超时时间。
func WithMetaTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.metaTimeout = d
		}
	}
}

// WithInvokeTimeout 设置 /run 调用的超时时间。
func WithInvokeTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.invokeTimeout = d
		}
	}
}

// WithMaxBodyBytes 限制读取响应体的大小。
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// WithUserAgent 设置请求头中的 User-Agent。
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient 创建 Agent 客户端。
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:    &http.Client{},
		metaTimeout:   defaultMetaTimeout,
		invokeTimeout: defaultInvokeTimeout,
		maxBodyBytes:  defaultMaxBodyBytes,
		userAgent:     "maha-orchestrator",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// FetchMeta 读取 Agent 的描述信息。
func (c *Client) FetchMeta(ctx context.Context, url string) (*Agent, error) {
	base := NormalizeURL(url)
	if base == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent url is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, c.metaTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/meta", nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build meta request", xerrors.WithMetadata("agent_url", base))
	}
	req.Header.Set("Accept", "application/json")
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(CodeUnreachable, err, "fetch agent meta", xerrors.WithMetadata("agent_url", base))
	}
	defer resp.Body.Close()

	body, oversized, err := c.readBody(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(CodeUnreachable, err, "read agent meta", xerrors.WithMetadata("agent_url", base))
	}

	meta := xerrors.WithMetadata("agent_url", base)
	if oversized && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil, xerrors.New(CodeMetaInvalid, fmt.Sprintf("agent meta exceeds %d bytes", c.maxBodyBytes), meta)
	}
	status := xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode))
	switch {
	case resp.StatusCode >= 500:
		return nil, xerrors.New(CodeUnreachable, fmt.Sprintf("meta endpoint returned %d", resp.StatusCode), meta, status)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, xerrors.New(CodeMetaInvalid, fmt.Sprintf("meta endpoint returned %d", resp.StatusCode), meta, status)
	}

	var agent Agent
	if err := json.Unmarshal(body, &agent); err != nil {
		return nil, xerrors.Wrap(CodeMetaInvalid, err, "decode agent meta", meta)
	}
	agent.Name = strings.TrimSpace(agent.Name)
	if agent.Name == "" {
		return nil, xerrors.New(CodeMetaInvalid, "agent meta has no name", meta)
	}
	if agent.Wallet != "" {
		wallet, err := web3.NormalizeWallet(agent.Wallet)
		if err != nil {
			return nil, xerrors.Wrap(CodeMetaInvalid, err, "agent wallet is not a hex address", meta)
		}
		agent.Wallet = wallet
	}
	agent.URL = base
	return &agent, nil
}

// Invoke 调用 Agent 的 /run 接口并返回其 JSON 输出。
// 非对象 JSON 与纯文本响应会被包装为 {"result": value}。
func (c *Client) Invoke(ctx context.Context, url string, payload map[string]any) (map[string]any, error) {
	base := NormalizeURL(url)
	if base == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent url is empty")
	}
	meta := xerrors.WithMetadata("agent_url", base)
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode agent payload", meta)
	}

	ctx, cancel := context.WithTimeout(ctx, c.invokeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build run request", meta)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, xerrors.Wrap(CodeTimeout, err, fmt.Sprintf("agent did not answer within %s", c.invokeTimeout), meta)
		}
		return nil, xerrors.Wrap(CodeUnreachable, err, "invoke agent", meta)
	}
	defer resp.Body.Close()

	raw, oversized, err := c.readBody(resp.Body)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, xerrors.Wrap(CodeTimeout, err, "agent response timed out", meta)
		}
		return nil, xerrors.Wrap(CodeUnreachable, err, "read agent response", meta)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, xerrors.New(CodeExecutionError, agentMessage(raw, resp.Status), meta,
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)))
	}
	if oversized {
		return nil, xerrors.New(CodeExecutionError,
			fmt.Sprintf("agent response exceeds %d bytes", c.maxBodyBytes), meta,
			xerrors.WithMetadata("limit_bytes", strconv.FormatInt(c.maxBodyBytes, 10)))
	}
	return decodeOutput(raw), nil
}

// readBody 最多读取 maxBodyBytes 字节，响应体更长时 oversized 为 true。
func (c *Client) readBody(r io.Reader) (body []byte, oversized bool, err error) {
	body, err = io.ReadAll(io.LimitReader(r, c.maxBodyBytes+1))
	if int64(len(body)) > c.maxBodyBytes {
		return body[:c.maxBodyBytes], true, err
	}
	return body, false, err
}

func (c *Client) decorate(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stdErrors.As(err, &netErr) && netErr.Timeout()
}

// agentMessage 提取 Agent 返回的错误文本：优先 JSON 中的 error/message 字段，否则返回原始响应体。
func agentMessage(raw []byte, status string) string {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, key := range []string{"error", "message", "detail"} {
			switch v := body[key].(type) {
			case string:
				if v != "" {
					return v
				}
			case map[string]any:
				if msg, ok := v["message"].(string); ok && msg != "" {
					return msg
				}
			}
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return status
}

func decodeOutput(raw []byte) map[string]any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]any{}
	}
	var value any
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return map[string]any{"result": string(trimmed)}
	}
	if obj, ok := value.(map[string]any); ok {
		return obj
	}
	return map[string]any{"result": value}
}
