package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/llm"
)

// Client 通过调用 Python 脚本实现大模型推理。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
	timeout    time.Duration
}

// NewClient 创建 Python Bridge 客户端。timeout 为零时只受 ctx 约束。
func NewClient(pythonExec, scriptPath, workingDir string, timeout time.Duration) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
		timeout:    timeout,
	}, nil
}

type bridgeRequest struct {
	System    string              `json:"system,omitempty"`
	Prompt    string              `json:"prompt"`
	Context   map[string]any      `json:"context,omitempty"`
	Knowledge []llm.KnowledgeCard `json:"knowledge,omitempty"`
	JSON      bool                `json:"json"`
	Timestamp int64               `json:"timestamp"`
}

type bridgeResponse struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Error string `json:"error"`
}

// Complete 把请求写入脚本标准输入，并从标准输出读取 {"text": ...}。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(bridgeRequest{
		System:    req.System,
		Prompt:    req.Prompt,
		Context:   req.Context,
		Knowledge: req.Knowledge,
		JSON:      req.JSON,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, llm.Classify(ctx.Err(), "Python 脚本执行超时")
		}
		return nil, llm.Classify(fmt.Errorf("%w, stderr=%s", err, strings.TrimSpace(stderr.String())), "执行 Python 脚本失败")
	}

	var resp bridgeResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return nil, llm.Classify(err, "解析 Python 输出失败")
	}
	if resp.Error != "" {
		return nil, xerrors.New(xerrors.CodeCollaboratorFailure, resp.Error)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, xerrors.New(xerrors.CodeCollaboratorFailure, "Python 脚本没有返回文本")
	}
	return &llm.Response{Text: strings.TrimSpace(resp.Text), Model: resp.Model}, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
