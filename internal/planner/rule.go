package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"MAHA-Orchestrator/internal/agent"
	"MAHA-Orchestrator/internal/workflow"
)

// capability groups keywords that describe the same kind of work.
type capability struct {
	name     string
	keywords []string
}

var capabilities = []capability{
	{name: "greeting", keywords: []string{"greet", "hello", "welcome", "salute"}},
	{name: "image", keywords: []string{"image", "picture", "photo", "draw", "illustration", "dall"}},
	{name: "nft", keywords: []string{"nft", "mint", "collection"}},
	{name: "swap", keywords: []string{"swap", "exchange", "1inch"}},
	{name: "lending", keywords: []string{"aave", "deposit", "lend", "yield"}},
	{name: "summary", keywords: []string{"summarize", "summary", "digest"}},
	{name: "translation", keywords: []string{"translate", "translation"}},
}

var (
	textInputs  = []string{"prompt", "text", "message", "content", "input", "query"}
	textOutputs = []string{"greeting", "text", "message", "result", "content", "output", "summary", "translation"}
)

// RuleStrategy plans by matching capability keywords in the description
// against agent names, tags and categories.
type RuleStrategy struct{}

// NewRuleStrategy creates the deterministic strategy.
func NewRuleStrategy() *RuleStrategy { return &RuleStrategy{} }

// Name implements Strategy.
func (*RuleStrategy) Name() string { return "rule" }

type match struct {
	agent    agent.Agent
	position int
	order    int
}

// Propose implements Strategy.
func (*RuleStrategy) Propose(_ context.Context, intent Intent, agents []agent.Agent) (*Proposal, error) {
	description := strings.ToLower(intent.Description)
	matches := matchAgents(description, agents)

	if len(matches) == 0 {
		names := make([]string, len(agents))
		for i, a := range agents {
			names[i] = a.Name
		}
		return nil, failed("no registered agent covers the request",
			"no capability keyword or agent name matched; registered: "+strings.Join(names, ", "))
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = m.agent.Name
	}
	reasoning := "matched capabilities in order of mention: " + strings.Join(names, ", ")

	proposal := &Proposal{Strategy: "rule", Reasoning: reasoning, Raw: reasoning}
	var prevID string
	var prevAgent *agent.Agent
	for i, m := range matches {
		step := ProposedStep{
			StepID:        fmt.Sprintf("step_%d", i+1),
			Agent:         m.agent.URL,
			InputMapping:  map[string]workflow.FieldRef{},
			OutputMapping: map[string]string{},
		}
		names, required := agent.SchemaProperties(m.agent.InputSchema)
		for _, field := range names {
			if prevID != "" && isTextInput(field) {
				if out := chainableOutput(prevAgent); out != "" {
					step.InputMapping[field] = workflow.StepOutput(prevID, out)
					continue
				}
			}
			ref := workflow.Input(field)
			if !required[field] {
				ref = ref.AsOptional()
			}
			step.InputMapping[field] = ref
		}
		step.Description = stepDescription(m.agent, prevAgent, chained(step))
		outputs, _ := agent.SchemaProperties(m.agent.OutputSchema)
		for _, field := range outputs {
			step.OutputMapping[field] = field
		}
		proposal.Steps = append(proposal.Steps, step)
		prevID = step.StepID
		a := m.agent
		prevAgent = &a
	}
	return proposal, nil
}

// matchAgents picks one agent per mentioned capability or agent name,
// ordered by first mention in the description.
func matchAgents(description string, agents []agent.Agent) []match {
	var out []match
	taken := map[string]bool{}
	add := func(a agent.Agent, pos, order int) {
		if taken[a.URL] {
			return
		}
		taken[a.URL] = true
		out = append(out, match{agent: a, position: pos, order: order})
	}

	for i, a := range agents {
		name := strings.ToLower(strings.TrimSpace(a.Name))
		if name == "" {
			continue
		}
		if pos := strings.Index(description, name); pos >= 0 {
			add(a, pos, i)
		}
	}

	for ci, c := range capabilities {
		pos := firstMention(description, c.keywords)
		if pos < 0 {
			continue
		}
		for i, a := range agents {
			if taken[a.URL] {
				continue
			}
			if providesCapability(a, c) {
				add(a, pos, len(agents)*(ci+1)+i)
				break
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].position != out[j].position {
			return out[i].position < out[j].position
		}
		return out[i].order < out[j].order
	})
	return out
}

func firstMention(description string, keywords []string) int {
	best := -1
	for _, k := range keywords {
		if pos := strings.Index(description, k); pos >= 0 && (best < 0 || pos < best) {
			best = pos
		}
	}
	return best
}

func providesCapability(a agent.Agent, c capability) bool {
	haystack := []string{strings.ToLower(a.Name), strings.ToLower(a.Category)}
	for _, t := range a.Tags {
		haystack = append(haystack, strings.ToLower(t))
	}
	for _, h := range haystack {
		if h == "" {
			continue
		}
		if strings.Contains(h, c.name) {
			return true
		}
		for _, k := range c.keywords {
			if strings.Contains(h, k) {
				return true
			}
		}
	}
	return false
}

func isTextInput(field string) bool {
	lower := strings.ToLower(field)
	for _, t := range textInputs {
		if lower == t {
			return true
		}
	}
	return false
}

// chainableOutput returns the previous agent's text output field.
func chainableOutput(prev *agent.Agent) string {
	if prev == nil {
		return ""
	}
	names, _ := agent.SchemaProperties(prev.OutputSchema)
	for _, preferred := range textOutputs {
		for _, n := range names {
			if strings.EqualFold(n, preferred) {
				if t := agent.PropertyType(prev.OutputSchema, n); t == "" || t == "string" {
					return n
				}
			}
		}
	}
	return ""
}

func chained(step ProposedStep) bool {
	for _, ref := range step.InputMapping {
		if ref.Kind == workflow.RefStep {
			return true
		}
	}
	return false
}

func stepDescription(a agent.Agent, prev *agent.Agent, chained bool) string {
	if chained && prev != nil {
		return fmt.Sprintf("Run %s using the output of %s", a.Name, prev.Name)
	}
	if a.Description != "" {
		return a.Description
	}
	return "Run " + a.Name
}
