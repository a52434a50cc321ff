package engine

import (
	"fmt"

	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/workflow"
)

// table 是步骤输入解析所依据的字段值表：工作流输入加上已完成步骤的输出。
type table struct {
	input   map[string]any
	outputs map[string]map[string]any
}

func newTable(input map[string]any) *table {
	return &table{input: input, outputs: make(map[string]map[string]any)}
}

func (t *table) lookup(ref workflow.FieldRef) (any, bool) {
	switch ref.Kind {
	case workflow.RefLiteral:
		return workflow.CloneValue(ref.Value), true
	case workflow.RefInput:
		v, ok := workflow.Lookup(t.input, ref.Field)
		return workflow.CloneValue(v), ok
	case workflow.RefStep:
		out, ok := t.outputs[ref.StepID]
		if !ok {
			return nil, false
		}
		v, ok := workflow.Lookup(out, ref.Field)
		return workflow.CloneValue(v), ok
	}
	return nil, false
}

// resolve 构造步骤的调用载荷。空映射时透传整个工作流输入；
// 可选引用缺失时忽略该字段，必填引用缺失时返回 INPUT_UNRESOLVED。
func (t *table) resolve(step workflow.Step) (map[string]any, error) {
	if len(step.InputMapping) == 0 {
		payload := workflow.CloneMap(t.input)
		if payload == nil {
			payload = map[string]any{}
		}
		return payload, nil
	}
	payload := make(map[string]any, len(step.InputMapping))
	for _, field := range workflow.SortedKeys(step.InputMapping) {
		ref := step.InputMapping[field]
		v, ok := t.lookup(ref)
		if ok {
			payload[field] = v
			continue
		}
		if ref.Optional {
			continue
		}
		return payload, xerrors.New(workflow.CodeInputUnresolved,
			fmt.Sprintf("input %q of step %s references %s which has no value", field, step.ID, ref.String()),
			xerrors.WithMetadata("step_id", step.ID),
			xerrors.WithMetadata("field", field))
	}
	return payload, nil
}

// route 按输出映射把 Agent 输出转换成工作流输出字段，空映射时透传全部顶层字段。
func route(step workflow.Step, output map[string]any) map[string]any {
	if len(step.OutputMapping) == 0 {
		return workflow.CloneMap(output)
	}
	routed := make(map[string]any, len(step.OutputMapping))
	for _, from := range workflow.SortedKeys(step.OutputMapping) {
		v, ok := workflow.Lookup(output, from)
		if !ok {
			continue
		}
		routed[step.OutputMapping[from]] = workflow.CloneValue(v)
	}
	return routed
}
