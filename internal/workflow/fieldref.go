package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// RefKind 区分 FieldRef 的三种来源。
type RefKind string

const (
	RefLiteral RefKind = "literal"
	RefInput   RefKind = "input"
	RefStep    RefKind = "step"
)

// FieldRef 描述步骤输入字段的取值来源：字面量、工作流输入或前序步骤的输出。
type FieldRef struct {
	Kind     RefKind `json:"kind"`
	Value    any     `json:"value,omitempty"`
	StepID   string  `json:"stepId,omitempty"`
	Field    string  `json:"field,omitempty"`
	Optional bool    `json:"optional,omitempty"`
}

// Literal 构造字面量引用。
func Literal(v any) FieldRef {
	return FieldRef{Kind: RefLiteral, Value: v}
}

// Input 构造工作流输入引用。
func Input(field string) FieldRef {
	return FieldRef{Kind: RefInput, Field: field}
}

// StepOutput 构造前序步骤输出引用。
func StepOutput(stepID, field string) FieldRef {
	return FieldRef{Kind: RefStep, StepID: stepID, Field: field}
}

// AsOptional 返回一个缺失时可忽略的副本。
func (r FieldRef) AsOptional() FieldRef {
	if r.Kind != RefLiteral {
		r.Optional = true
	}
	return r
}

// String 返回引用的简写形式。
func (r FieldRef) String() string {
	switch r.Kind {
	case RefInput:
		return "$input." + r.Field
	case RefStep:
		return "$" + r.StepID + "." + r.Field
	default:
		return fmt.Sprintf("%v", r.Value)
	}
}

// ParseRef 解析简写形式："$input.name" 指向工作流输入，"$step_1.greeting"
// 指向步骤输出，其余字符串视为字面量。
func ParseRef(s string) FieldRef {
	if !strings.HasPrefix(s, "$") {
		return Literal(s)
	}
	head, field, ok := strings.Cut(s[1:], ".")
	if !ok || head == "" || field == "" {
		return Literal(s)
	}
	if head == "input" {
		return Input(field)
	}
	return StepOutput(head, field)
}

type fieldRefJSON struct {
	Kind     RefKind `json:"kind"`
	From     RefKind `json:"from"`
	Value    any     `json:"value"`
	StepID   string  `json:"stepId"`
	Step     string  `json:"step"`
	Field    string  `json:"field"`
	Optional bool    `json:"optional"`
}

// UnmarshalJSON 同时接受对象形式与字符串简写。
func (r *FieldRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = ParseRef(s)
		return nil
	}
	if len(data) == 0 || data[0] != '{' {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*r = Literal(v)
		return nil
	}

	var raw fieldRefJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kind := raw.Kind
	if kind == "" {
		kind = raw.From
	}
	stepID := raw.StepID
	if stepID == "" {
		stepID = raw.Step
	}
	switch kind {
	case RefLiteral:
		*r = Literal(raw.Value)
	case RefInput:
		*r = FieldRef{Kind: RefInput, Field: raw.Field, Optional: raw.Optional}
	case RefStep:
		*r = FieldRef{Kind: RefStep, StepID: stepID, Field: raw.Field, Optional: raw.Optional}
	default:
		return fmt.Errorf("unknown field reference kind %q", kind)
	}
	return nil
}

// Lookup 在嵌套对象中按点分路径取值，优先匹配完整键名。
func Lookup(values map[string]any, path string) (any, bool) {
	if values == nil || path == "" {
		return nil, false
	}
	if v, ok := values[path]; ok {
		return v, true
	}
	head, rest, ok := strings.Cut(path, ".")
	if !ok {
		return nil, false
	}
	child, ok := values[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return Lookup(child, rest)
}
