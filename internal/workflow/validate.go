package workflow

import "strings"

// AgentLookup 判断 Agent URL 是否已注册。
type AgentLookup func(agentURL string) bool

// Validate 检查工作流的结构约束：至少一个步骤、步骤 ID 唯一、
// 步骤输出引用只能指向声明顺序中更早的步骤。known 为 nil 时不校验 Agent 是否注册。
func (w *Workflow) Validate(known AgentLookup) error {
	if w == nil {
		return violation("", "workflow is nil")
	}
	if len(w.Steps) == 0 {
		return violation("", "workflow has no steps")
	}
	if !w.ExecutionMode.Valid() {
		return violation("", "unknown execution mode %q", w.ExecutionMode)
	}

	declared := make(map[string]int, len(w.Steps))
	for i, step := range w.Steps {
		if strings.TrimSpace(step.ID) == "" {
			return violation("", "step %d has an empty stepId", i+1)
		}
		if _, dup := declared[step.ID]; dup {
			return violation(step.ID, "duplicate stepId %q", step.ID)
		}
		if strings.TrimSpace(step.AgentURL) == "" {
			return violation(step.ID, "step %q has no agent url", step.ID)
		}
		if known != nil && !known(step.AgentURL) {
			return violation(step.ID, "step %q uses unregistered agent %s", step.ID, step.AgentURL)
		}
		for _, field := range SortedKeys(step.InputMapping) {
			if err := checkRef(step.ID, field, step.InputMapping[field], declared); err != nil {
				return err
			}
		}
		for from, to := range step.OutputMapping {
			if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
				return violation(step.ID, "step %q has an empty output mapping entry", step.ID)
			}
		}
		declared[step.ID] = i
	}
	return nil
}

func checkRef(stepID, field string, ref FieldRef, declared map[string]int) error {
	switch ref.Kind {
	case RefLiteral:
		return nil
	case RefInput:
		if ref.Field == "" {
			return violation(stepID, "input %q of step %q references an unnamed workflow input", field, stepID)
		}
		return nil
	case RefStep:
		if ref.Field == "" {
			return violation(stepID, "input %q of step %q references an unnamed output field", field, stepID)
		}
		if ref.StepID == stepID {
			return violation(stepID, "step %q references its own output", stepID)
		}
		if _, ok := declared[ref.StepID]; !ok {
			return violation(stepID, "step %q references step %q which is not declared before it", stepID, ref.StepID)
		}
		return nil
	default:
		return violation(stepID, "input %q of step %q has unknown reference kind %q", field, stepID, ref.Kind)
	}
}

// HasStepReferences 判断是否存在任何步骤引用其他步骤的输出。
func (w *Workflow) HasStepReferences() bool {
	for _, step := range w.Steps {
		for _, ref := range step.InputMapping {
			if ref.Kind == RefStep {
				return true
			}
		}
	}
	return false
}
