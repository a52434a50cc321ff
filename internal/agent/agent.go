package agent

import (
	"net/http"
	"strings"

	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/workflow"
)

const (
	// CodeUnreachable 表示 Agent 网络不可达或元数据接口 5xx。
	CodeUnreachable xerrors.Code = "AGENT_UNREACHABLE"
	// CodeMetaInvalid 表示 /meta 返回的内容无法作为 Agent 描述。
	CodeMetaInvalid xerrors.Code = "AGENT_META_INVALID"
	// CodeTimeout 表示 /run 调用超时。
	CodeTimeout xerrors.Code = "AGENT_TIMEOUT"
	// CodeExecutionError 表示 Agent 返回了非 2xx 响应，消息为 Agent 原文。
	CodeExecutionError xerrors.Code = "AGENT_EXECUTION_ERROR"
	// CodeNotFound 表示注册表中没有该 Agent。
	CodeNotFound xerrors.Code = "AGENT_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeUnreachable, xerrors.Attributes{
		Message:    "agent unreachable",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeMetaInvalid, xerrors.Attributes{
		Message:    "agent metadata invalid",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeTimeout, xerrors.Attributes{
		Message:    "agent call timed out",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusGatewayTimeout,
	})
	xerrors.Register(CodeExecutionError, xerrors.Attributes{
		Message:    "agent execution error",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:    "agent not registered",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
}

// Agent 是注册表中的 Agent 描述，来自其 /meta 接口。
// 输入输出 Schema 只作为规划提示，不做强制校验。
type Agent struct {
	URL          string         `json:"url"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Wallet       string         `json:"wallet,omitempty"`
	Vendor       string         `json:"vendor,omitempty"`
	Category     string         `json:"category,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Pricing      *Pricing       `json:"pricing,omitempty"`
	Rating       *Rating        `json:"rating,omitempty"`
	Performance  *Performance   `json:"performance,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	PreviewURI   string         `json:"previewURI,omitempty"`
	RegisteredAt int64          `json:"registeredAt,omitempty"`
	RefreshedAt  int64          `json:"refreshedAt,omitempty"`
}

// Pricing 描述 Agent 的计价方式。
type Pricing struct {
	Model    string  `json:"model,omitempty"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
	Unit     string  `json:"unit,omitempty"`
}

// Rating 描述 Agent 的评分。
type Rating struct {
	Score       float64 `json:"score"`
	Reviews     int     `json:"reviews"`
	LastUpdated string  `json:"lastUpdated,omitempty"`
}

// Performance 描述 Agent 的历史表现，avgResponseTime 单位为毫秒。
type Performance struct {
	AvgResponseTime float64 `json:"avgResponseTime"`
	Uptime          float64 `json:"uptime"`
	SuccessRate     float64 `json:"successRate"`
}

// Clone 返回 Agent 的深拷贝。
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.Tags != nil {
		c.Tags = append([]string(nil), a.Tags...)
	}
	if a.Pricing != nil {
		p := *a.Pricing
		c.Pricing = &p
	}
	if a.Rating != nil {
		r := *a.Rating
		c.Rating = &r
	}
	if a.Performance != nil {
		p := *a.Performance
		c.Performance = &p
	}
	c.InputSchema = workflow.CloneMap(a.InputSchema)
	c.OutputSchema = workflow.CloneMap(a.OutputSchema)
	return &c
}

// SchemaProperties 返回 JSON Schema 中 properties 的字段名（有序）与必填集合。
func SchemaProperties(schema map[string]any) (names []string, required map[string]bool) {
	required = map[string]bool{}
	props, _ := schema["properties"].(map[string]any)
	names = workflow.SortedKeys(props)
	switch list := schema["required"].(type) {
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok {
				required[s] = true
			}
		}
	case []string:
		for _, s := range list {
			required[s] = true
		}
	}
	return names, required
}

// PropertyType 返回 Schema 中某个字段声明的类型，未声明时返回空字符串。
func PropertyType(schema map[string]any, name string) string {
	props, _ := schema["properties"].(map[string]any)
	prop, _ := props[name].(map[string]any)
	t, _ := prop["type"].(string)
	return t
}

// NormalizeURL 去掉首尾空白与末尾的斜杠，作为注册表主键。
func NormalizeURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}
