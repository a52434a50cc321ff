package planner

import (
	"fmt"

	"MAHA-Orchestrator/internal/llm"
)

// Select builds the strategy named by configuration: rule, llm, or auto
// (llm with rule fallback when a client exists, otherwise rule).
func Select(name string, client llm.Client, opts ...LLMOption) (Strategy, error) {
	switch name {
	case "rule":
		return NewRuleStrategy(), nil
	case "llm":
		if client == nil {
			return nil, fmt.Errorf("planner strategy llm requires a language model")
		}
		return NewLLMStrategy(client, opts...), nil
	case "", "auto":
		if client == nil {
			return NewRuleStrategy(), nil
		}
		return NewFallbackStrategy(NewLLMStrategy(client, opts...), NewRuleStrategy()), nil
	default:
		return nil, fmt.Errorf("unknown planner strategy %q", name)
	}
}
