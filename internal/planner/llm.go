package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"MAHA-Orchestrator/internal/agent"
	"MAHA-Orchestrator/internal/knowledge"
	"MAHA-Orchestrator/internal/llm"
	"MAHA-Orchestrator/internal/workflow"
)

const systemPrompt = "You are an expert AI workflow planner. Your job is to analyze user requests and create " +
	"optimal multi-agent workflows using available agents. Always respond with valid JSON."

// LLMStrategy asks a language model for a plan.
type LLMStrategy struct {
	client    llm.Client
	hints     knowledge.Provider
	maxTokens int
}

// LLMOption configures an LLMStrategy.
type LLMOption func(*LLMStrategy)

// WithHints supplies planning hints injected into the prompt.
func WithHints(p knowledge.Provider) LLMOption {
	return func(s *LLMStrategy) { s.hints = p }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) LLMOption {
	return func(s *LLMStrategy) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// NewLLMStrategy creates a strategy backed by client.
func NewLLMStrategy(client llm.Client, opts ...LLMOption) *LLMStrategy {
	s := &LLMStrategy{client: client, maxTokens: 2000}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Name implements Strategy.
func (*LLMStrategy) Name() string { return "llm" }

type llmPlan struct {
	Reasoning     string    `json:"reasoning"`
	ExecutionMode string    `json:"executionMode"`
	Steps         []llmStep `json:"steps"`
}

type llmStep struct {
	StepID        string                     `json:"stepId"`
	AgentName     string                     `json:"agentName"`
	AgentURL      string                     `json:"agentUrl"`
	Description   string                     `json:"description"`
	InputMapping  map[string]json.RawMessage `json:"inputMapping"`
	OutputMapping map[string]string          `json:"outputMapping"`
}

// Propose implements Strategy.
func (s *LLMStrategy) Propose(ctx context.Context, intent Intent, agents []agent.Agent) (*Proposal, error) {
	if s.client == nil {
		return nil, failed("no language model configured", "")
	}
	prompt, err := buildPrompt(intent, agents)
	if err != nil {
		return nil, err
	}
	req := llm.Request{
		System:      systemPrompt,
		Prompt:      prompt,
		JSON:        true,
		Temperature: 0.1,
		MaxTokens:   s.maxTokens,
	}
	if s.hints != nil {
		var tags []string
		for _, a := range agents {
			tags = append(tags, a.Tags...)
			if a.Category != "" {
				tags = append(tags, a.Category)
			}
		}
		req.Knowledge = knowledge.Cards(s.hints.Query(intent.Description, tags))
	}

	resp, err := s.client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return parsePlan(resp.Text, inputNames(intent))
}

func buildPrompt(intent Intent, agents []agent.Agent) (string, error) {
	ctxJSON, err := json.Marshal(orEmpty(intent.Context))
	if err != nil {
		return "", fmt.Errorf("encode context: %w", err)
	}
	prefJSON, err := json.Marshal(orEmpty(intent.Preferences))
	if err != nil {
		return "", fmt.Errorf("encode preferences: %w", err)
	}

	var b strings.Builder
	b.WriteString("TASK: Create an optimal workflow plan for the following user request.\n\n")
	fmt.Fprintf(&b, "USER REQUEST: %q\n\n", intent.Description)
	fmt.Fprintf(&b, "CONTEXT: %s\nPREFERENCES: %s\n\nAVAILABLE AGENTS:\n", ctxJSON, prefJSON)
	for i, a := range agents {
		in, _ := json.Marshal(orEmpty(a.InputSchema))
		out, _ := json.Marshal(orEmpty(a.OutputSchema))
		fmt.Fprintf(&b, "%d. %s\n   Description: %s\n   Input Schema: %s\n   Output Schema: %s\n   URL: %s\n",
			i+1, a.Name, a.Description, in, out, a.URL)
	}
	b.WriteString(`
RESPONSE FORMAT (JSON only):
{
  "reasoning": "brief explanation of the design",
  "executionMode": "sequential" | "parallel",
  "steps": [
    {
      "stepId": "step_1",
      "agentName": "exact agent name from the list above",
      "description": "what this step accomplishes",
      "inputMapping": {"agentInputField": "$input.field" | "$step_1.outputField" | "literal value"},
      "outputMapping": {"agentOutputField": "workflowOutputField"}
    }
  ]
}

RULES:
- Only use agents from the list above.
- "$input.x" reads field x of the workflow input; "$step_N.y" reads output field y of an earlier step.
- A step may only read outputs of steps listed before it.
- Use parallel only when no step reads another step's output.
- Respond with ONLY the JSON object.
`)
	return b.String(), nil
}

// inputNames lists workflow input fields a bare name may refer to.
func inputNames(intent Intent) map[string]bool {
	names := map[string]bool{"name": true, "language": true, "prompt": true}
	for k := range intent.Context {
		names[k] = true
	}
	return names
}

// parsePlan decodes model output, tolerating code fences and surrounding prose.
func parsePlan(raw string, inputs map[string]bool) (*Proposal, error) {
	body := extractJSON(raw)
	if body == "" {
		return nil, failed("language model returned no JSON object", raw)
	}
	var plan llmPlan
	if err := json.Unmarshal([]byte(body), &plan); err != nil {
		return nil, failed("language model returned an undecodable plan: "+err.Error(), raw)
	}

	proposal := &Proposal{
		Strategy:  "llm",
		Reasoning: plan.Reasoning,
		Raw:       raw,
	}
	if mode := workflow.Mode(strings.ToLower(strings.TrimSpace(plan.ExecutionMode))); mode.Valid() {
		proposal.Mode = mode
	} else if plan.ExecutionMode != "" {
		proposal.Mode = workflow.ModeSequential
	}

	// variables maps a workflow output name to the step and field producing it.
	variables := map[string]workflow.FieldRef{}
	for i, st := range plan.Steps {
		id := strings.TrimSpace(st.StepID)
		if id == "" {
			id = fmt.Sprintf("step_%d", i+1)
		}
		step := ProposedStep{
			StepID:        id,
			Agent:         st.AgentName,
			Description:   st.Description,
			InputMapping:  make(map[string]workflow.FieldRef, len(st.InputMapping)),
			OutputMapping: st.OutputMapping,
		}
		if step.Agent == "" {
			step.Agent = st.AgentURL
		}
		for _, field := range workflow.SortedKeys(st.InputMapping) {
			ref, err := decodeRef(field, st.InputMapping[field], variables, inputs)
			if err != nil {
				return nil, failed(fmt.Sprintf("step %s input %s: %v", id, field, err), raw)
			}
			step.InputMapping[field] = ref
		}
		for _, from := range workflow.SortedKeys(st.OutputMapping) {
			to := st.OutputMapping[from]
			if _, seen := variables[to]; !seen {
				variables[to] = workflow.StepOutput(id, from)
			}
		}
		proposal.Steps = append(proposal.Steps, step)
	}
	return proposal, nil
}

// decodeRef resolves bare variable names the way models tend to write them:
// names produced by an earlier step become step references, known input
// names become optional input references, anything else is a literal.
func decodeRef(field string, raw json.RawMessage, variables map[string]workflow.FieldRef, inputs map[string]bool) (workflow.FieldRef, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var ref workflow.FieldRef
		if err := json.Unmarshal(raw, &ref); err != nil {
			return workflow.FieldRef{}, err
		}
		return ref, nil
	}
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "$"):
		return workflow.ParseRef(s), nil
	case s == "userInput":
		return workflow.Input(field).AsOptional(), nil
	case s == "userName":
		return workflow.Input("name").AsOptional(), nil
	}
	if ref, ok := variables[s]; ok {
		return ref, nil
	}
	if inputs[s] {
		return workflow.Input(s).AsOptional(), nil
	}
	return workflow.Literal(s), nil
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
