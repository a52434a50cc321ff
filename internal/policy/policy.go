package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"

	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/workflow"
)

// CodeDenied 表示规划结果被策略拒绝。
const CodeDenied xerrors.Code = "PLAN_POLICY_DENIED"

func init() {
	xerrors.Register(CodeDenied, xerrors.Attributes{
		Message:    "plan rejected by policy",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
	})
}

// Query 是策略模块需要提供的规则，结果为拒绝原因集合。
const Query = "data.maha.plan.deny"

// DefaultPolicy 限制步骤数量并屏蔽指定 Agent。
const DefaultPolicy = `
package maha.plan

deny contains msg if {
	input.limits.max_steps > 0
	count(input.workflow.steps) > input.limits.max_steps
	msg := sprintf("plan has %d steps, limit is %d", [count(input.workflow.steps), input.limits.max_steps])
}

deny contains msg if {
	some step in input.workflow.steps
	some blocked in input.limits.blocked_agents
	lower(step.agentUrl) == lower(blocked)
	msg := sprintf("step %s uses blocked agent %s", [step.stepId, step.agentUrl])
}

deny contains msg if {
	some step in input.workflow.steps
	some blocked in input.limits.blocked_agents
	lower(step.agentName) == lower(blocked)
	msg := sprintf("step %s uses blocked agent %s", [step.stepId, step.agentName])
}
`

// Limits 是传入策略的数值与名单参数。
type Limits struct {
	MaxSteps      int      `json:"max_steps"`
	BlockedAgents []string `json:"blocked_agents"`
}

// Engine 封装预编译的 rego 查询。
type Engine struct {
	query  rego.PreparedEvalQuery
	limits Limits
}

// NewEngine 编译策略模块。module 为空时使用 DefaultPolicy。
func NewEngine(ctx context.Context, module string, limits Limits) (*Engine, error) {
	if strings.TrimSpace(module) == "" {
		module = DefaultPolicy
	}
	r := rego.New(
		rego.Query(Query),
		rego.Module("maha_plan.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	if limits.BlockedAgents == nil {
		limits.BlockedAgents = []string{}
	}
	return &Engine{query: query, limits: limits}, nil
}

// LoadEngine 从文件读取策略模块。path 为空时使用默认策略。
func LoadEngine(ctx context.Context, path string, limits Limits) (*Engine, error) {
	if strings.TrimSpace(path) == "" {
		return NewEngine(ctx, "", limits)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return NewEngine(ctx, string(content), limits)
}

// Evaluate 返回策略给出的拒绝原因，按字母序排列。
func (e *Engine) Evaluate(ctx context.Context, wf *workflow.Workflow) ([]string, error) {
	doc, err := toDocument(wf)
	if err != nil {
		return nil, err
	}
	limits, err := toDocument(e.limits)
	if err != nil {
		return nil, err
	}
	input := map[string]any{"workflow": doc, "limits": limits}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []any:
		for _, item := range v {
			reasons = append(reasons, fmt.Sprint(item))
		}
	case string:
		reasons = append(reasons, v)
	}
	sort.Strings(reasons)
	return reasons, nil
}

// Check 在策略拒绝时返回 PLAN_POLICY_DENIED。
func (e *Engine) Check(ctx context.Context, wf *workflow.Workflow) error {
	if e == nil {
		return nil
	}
	reasons, err := e.Evaluate(ctx, wf)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "plan policy evaluation failed")
	}
	if len(reasons) == 0 {
		return nil
	}
	return xerrors.New(CodeDenied, strings.Join(reasons, "; "),
		xerrors.WithMetadata("violations", fmt.Sprint(len(reasons))))
}

func toDocument(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode policy input: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode policy input: %w", err)
	}
	return doc, nil
}
