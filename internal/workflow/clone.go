package workflow

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/crypto"
)

// CloneValue 深拷贝 JSON 形态的值（对象、数组与标量）。
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = CloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// CloneMap 深拷贝 JSON 对象，nil 保持为 nil。
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// Clone 返回工作流的深拷贝。
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	clone := *w
	clone.DefaultInput = CloneMap(w.DefaultInput)
	clone.Steps = make([]Step, len(w.Steps))
	for i, step := range w.Steps {
		s := step
		if step.InputMapping != nil {
			s.InputMapping = make(map[string]FieldRef, len(step.InputMapping))
			for k, ref := range step.InputMapping {
				ref.Value = CloneValue(ref.Value)
				s.InputMapping[k] = ref
			}
		}
		if step.OutputMapping != nil {
			s.OutputMapping = make(map[string]string, len(step.OutputMapping))
			for k, v := range step.OutputMapping {
				s.OutputMapping[k] = v
			}
		}
		clone.Steps[i] = s
	}
	return &clone
}

// Clone 返回执行记录的深拷贝。
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Input = CloneMap(e.Input)
	clone.Output = CloneMap(e.Output)
	clone.StepResults = make([]StepResult, len(e.StepResults))
	for i, r := range e.StepResults {
		r.Input = CloneMap(r.Input)
		r.Output = CloneMap(r.Output)
		clone.StepResults[i] = r
	}
	return &clone
}

// Digest 返回载荷规范 JSON 的 keccak-256 摘要（0x 前缀十六进制）。
// encoding/json 对 map 键排序，因此相同内容得到相同摘要。
func Digest(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return crypto.Keccak256Hash(data).Hex()
}
