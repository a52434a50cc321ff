// Package summary 为已结束的执行生成自然语言总结。
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/llm"
	"MAHA-Orchestrator/internal/workflow"
	"MAHA-Orchestrator/pkg/logger"
)

// CodeSummarizationFailed 表示大模型未能给出总结。执行记录的状态不受影响。
const CodeSummarizationFailed xerrors.Code = "SUMMARIZATION_FAILED"

func init() {
	xerrors.Register(CodeSummarizationFailed, xerrors.Attributes{
		Message:    "summary generation failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: http.StatusBadGateway,
	})
}

const systemPrompt = `You summarize runs of automated multi-agent workflows for end users.
Write two to five short sentences in plain English. State whether the run succeeded,
what each agent contributed, and the final result. If a step failed, name the step,
quote its error and mention which steps were skipped. Do not invent values that are
not present in the run record.`

// Generator 生成执行总结。未配置大模型时按模板渲染确定性的文字。
type Generator struct {
	client   llm.Client
	log      *slog.Logger
	timeout  time.Duration
	maxField int
	maxValue int
}

// Option 定义可选的 Generator 配置。
type Option func(*Generator)

// WithTimeout 设置单次大模型调用的超时。
func WithTimeout(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithFieldLimit 限制摘要中每个步骤输入的长度。
func WithFieldLimit(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxField = n
		}
	}
}

// WithValueLimit 限制输出中单个字符串值的长度，最终输出与步骤输出都按值截断。
func WithValueLimit(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxValue = n
		}
	}
}

// WithLogger 替换默认日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.log = l
		}
	}
}

// New 创建总结生成器，client 可以为 nil。
func New(client llm.Client, opts ...Option) *Generator {
	g := &Generator{
		client:   client,
		log:      logger.Named("summary"),
		timeout:  30 * time.Second,
		maxField: 300,
		maxValue: 4000,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Summarize 返回执行的自然语言总结。只读取执行记录的副本，从不修改它。
func (g *Generator) Summarize(ctx context.Context, wf *workflow.Workflow, exec *workflow.Execution) (string, error) {
	if exec == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "execution is required")
	}
	if !exec.Terminal() {
		return "", xerrors.New(workflow.CodeExecutionNotFinished,
			fmt.Sprintf("execution %s is still %s", exec.ID, exec.Status),
			xerrors.WithMetadata("execution_id", exec.ID))
	}
	digest := Build(wf.Clone(), exec.Clone(), Limits{Input: g.maxField, Value: g.maxValue})
	if g.client == nil {
		return Render(digest), nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	resp, err := g.client.Complete(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      "Summarize this workflow run.\n\n" + digest.Text(),
		Temperature: 0.3,
		MaxTokens:   400,
	})
	if err != nil {
		g.log.Warn("summary generation failed", slog.String("execution_id", exec.ID), slog.Any("error", err))
		return "", xerrors.Wrap(CodeSummarizationFailed, err, "summary collaborator call failed",
			xerrors.WithMetadata("execution_id", exec.ID))
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", xerrors.New(CodeSummarizationFailed, "summary collaborator returned no text",
			xerrors.WithMetadata("execution_id", exec.ID))
	}
	logger.Audit().Info("summary generated",
		slog.String("execution_id", exec.ID),
		slog.String("workflow_id", exec.WorkflowID),
		slog.String("model", resp.Model))
	return text, nil
}

// Digest 是执行记录的结构化摘要，同时用于提示词与模板渲染。
type Digest struct {
	WorkflowID string
	Name       string
	Intent     string
	Status     workflow.Status
	Error      string
	DurationMs int64
	Steps      []StepDigest
	Output     string
}

// StepDigest 描述单个步骤。
type StepDigest struct {
	StepID      string
	Agent       string
	Description string
	Status      workflow.StepStatus
	Input       string
	Output      string
	Error       string
	DurationMs  int64
}

// Limits 控制摘要截断：Input 限制整个步骤输入，Value 限制输出中的单个字符串值。
// 零值表示不截断。
type Limits struct {
	Input int
	Value int
}

// Build 从工作流与执行记录构造摘要，wf 可以为 nil。
func Build(wf *workflow.Workflow, exec *workflow.Execution, limits Limits) Digest {
	d := Digest{
		WorkflowID: exec.WorkflowID,
		Status:     exec.Status,
		Error:      exec.Error,
		Output:     compact(clipValues(exec.Output, limits.Value), 0),
	}
	if exec.CompletedAt > 0 {
		d.DurationMs = exec.CompletedAt - exec.StartedAt
	}
	descriptions := map[string]string{}
	if wf != nil {
		d.Name = wf.Name
		d.Intent = wf.UserIntent
		if d.Intent == "" {
			d.Intent = wf.Description
		}
		for _, step := range wf.Steps {
			descriptions[step.ID] = step.Description
		}
	}
	for _, r := range exec.StepResults {
		d.Steps = append(d.Steps, StepDigest{
			StepID:      r.StepID,
			Agent:       r.AgentName,
			Description: descriptions[r.StepID],
			Status:      r.Status,
			Input:       compact(r.Input, limits.Input),
			Output:      compact(clipValues(r.Output, limits.Value), 0),
			Error:       r.Error,
			DurationMs:  r.Duration,
		})
	}
	return d
}

// Text 把摘要格式化为提示词正文。
func (d Digest) Text() string {
	var b strings.Builder
	if d.Name != "" {
		fmt.Fprintf(&b, "Workflow: %s (%s)\n", d.Name, d.WorkflowID)
	} else {
		fmt.Fprintf(&b, "Workflow: %s\n", d.WorkflowID)
	}
	if d.Intent != "" {
		fmt.Fprintf(&b, "User request: %s\n", d.Intent)
	}
	fmt.Fprintf(&b, "Status: %s\n", d.Status)
	if d.DurationMs > 0 {
		fmt.Fprintf(&b, "Duration: %d ms\n", d.DurationMs)
	}
	if d.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", d.Error)
	}
	b.WriteString("Steps:\n")
	for i, s := range d.Steps {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, s.Status, s.Agent)
		if s.Description != "" {
			fmt.Fprintf(&b, ": %s", s.Description)
		}
		b.WriteString("\n")
		if s.Input != "" {
			fmt.Fprintf(&b, "   input: %s\n", s.Input)
		}
		if s.Output != "" {
			fmt.Fprintf(&b, "   output: %s\n", s.Output)
		}
		if s.Error != "" {
			fmt.Fprintf(&b, "   error: %s\n", s.Error)
		}
	}
	if d.Output != "" {
		fmt.Fprintf(&b, "Final output: %s\n", d.Output)
	}
	return b.String()
}

// Render 不借助大模型，按模板生成总结。
func Render(d Digest) string {
	var b strings.Builder
	name := d.Name
	if name == "" {
		name = "Workflow " + d.WorkflowID
	}
	completed, failed, skipped := 0, "", 0
	for _, s := range d.Steps {
		switch s.Status {
		case workflow.StepCompleted:
			completed++
		case workflow.StepFailed:
			if failed == "" {
				failed = s.Agent
			}
		case workflow.StepSkipped:
			skipped++
		}
	}

	if d.Status == workflow.StatusCompleted {
		fmt.Fprintf(&b, "%s completed successfully: %d of %d steps ran", name, completed, len(d.Steps))
	} else {
		fmt.Fprintf(&b, "%s failed after %d of %d steps completed", name, completed, len(d.Steps))
	}
	if d.DurationMs > 0 {
		fmt.Fprintf(&b, " in %.1fs", float64(d.DurationMs)/1000)
	}
	b.WriteString(".")
	if d.Intent != "" {
		fmt.Fprintf(&b, " The request was %q.", d.Intent)
	}
	for _, s := range d.Steps {
		switch s.Status {
		case workflow.StepCompleted:
			fmt.Fprintf(&b, " %s returned %s.", s.Agent, orNothing(s.Output))
		case workflow.StepFailed:
			fmt.Fprintf(&b, " %s failed: %s.", s.Agent, strings.TrimSuffix(s.Error, "."))
		}
	}
	if failed != "" && skipped > 0 {
		fmt.Fprintf(&b, " %d later step(s) were skipped.", skipped)
	}
	if d.Status == workflow.StatusCompleted && d.Output != "" {
		fmt.Fprintf(&b, " Final output: %s.", d.Output)
	}
	return b.String()
}

func orNothing(s string) string {
	if s == "" {
		return "no output"
	}
	return s
}

// clipValues 返回截断了过长字符串值的副本，原值不变。
func clipValues(v map[string]any, limit int) map[string]any {
	if limit <= 0 || v == nil {
		return v
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = clipValue(val, limit)
	}
	return out
}

func clipValue(v any, limit int) any {
	switch t := v.(type) {
	case string:
		if runes := []rune(t); len(runes) > limit {
			return string(runes[:limit]) + "..."
		}
		return t
	case map[string]any:
		return clipValues(t, limit)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = clipValue(item, limit)
		}
		return out
	}
	return v
}

func compact(v map[string]any, limit int) string {
	if len(v) == 0 {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	runes := []rune(string(data))
	if limit > 0 && len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return string(runes)
}
