package planner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MAHA-Orchestrator/internal/agent"
	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/knowledge"
	"MAHA-Orchestrator/internal/llm"
	"MAHA-Orchestrator/internal/llm/mock"
	"MAHA-Orchestrator/internal/policy"
	"MAHA-Orchestrator/internal/workflow"
)

type staticAgents []agent.Agent

func (s staticAgents) List() []agent.Agent { return append([]agent.Agent(nil), s...) }

var (
	greeter = agent.Agent{
		URL:         "http://localhost:7029",
		Name:        "Hello Agent",
		Description: "Greets people in several languages",
		Tags:        []string{"greeting"},
		InputSchema: map[string]any{
			"properties": map[string]any{
				"name":     map[string]any{"type": "string"},
				"language": map[string]any{"type": "string"},
			},
			"required": []any{"name"},
		},
		OutputSchema: map[string]any{
			"properties": map[string]any{"greeting": map[string]any{"type": "string"}},
		},
		Performance: &agent.Performance{AvgResponseTime: 1200},
	}
	painter = agent.Agent{
		URL:         "http://localhost:7030",
		Name:        "Image Generator",
		Description: "Creates images from prompts",
		Category:    "image",
		InputSchema: map[string]any{
			"properties": map[string]any{"prompt": map[string]any{"type": "string"}},
			"required":   []any{"prompt"},
		},
		OutputSchema: map[string]any{
			"properties": map[string]any{"imageUrl": map[string]any{"type": "string"}},
		},
	}
	catalog = staticAgents{greeter, painter}
)

func fixed(p *Planner) {
	WithClock(func() time.Time { return time.UnixMilli(1_700_000_000_000) })(p)
	WithIDGenerator(func() string { return "wf_test" })(p)
}

func TestRulePlanChainsGreetingIntoImage(t *testing.T) {
	p := New(catalog, NewRuleStrategy(), fixed)
	wf, err := p.Plan(context.Background(), Intent{Description: "say hello to Alice in spanish and draw an image of it"})
	require.NoError(t, err)

	require.Len(t, wf.Steps, 2)
	assert.Equal(t, "wf_test", wf.ID)
	assert.Equal(t, "Say Hello To Workflow", wf.Name)
	assert.Equal(t, "rule", wf.Planner)
	assert.Equal(t, workflow.ModeSequential, wf.ExecutionMode)
	assert.Equal(t, greeter.URL, wf.Steps[0].AgentURL)
	assert.Equal(t, painter.URL, wf.Steps[1].AgentURL)
	assert.Equal(t, workflow.StepOutput("step_1", "greeting"), wf.Steps[1].InputMapping["prompt"])
	assert.Equal(t, workflow.Input("name"), wf.Steps[0].InputMapping["name"])
	assert.True(t, wf.Steps[0].InputMapping["language"].Optional)
	assert.Equal(t, map[string]string{"imageUrl": "imageUrl"}, wf.Steps[1].OutputMapping)
	assert.EqualValues(t, 1200+defaultStepMillis, wf.EstimatedDuration)
	assert.Equal(t, map[string]any{"name": "Alice", "language": "spanish"}, wf.DefaultInput)
	assert.EqualValues(t, 1_700_000_000_000, wf.CreatedAt)
}

func TestRulePlanOrdersByMention(t *testing.T) {
	p := New(catalog, NewRuleStrategy(), fixed)
	wf, err := p.Plan(context.Background(), Intent{Description: "draw a picture of a fox, then greet Bob"})
	require.NoError(t, err)
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, painter.URL, wf.Steps[0].AgentURL)
	assert.Equal(t, greeter.URL, wf.Steps[1].AgentURL)
	// greeter takes no text input, so nothing chains and both steps can run at once
	assert.Equal(t, workflow.ModeParallel, wf.ExecutionMode)
	assert.Equal(t, "a fox", wf.DefaultInput["prompt"])
}

func TestPreferencesForceSequential(t *testing.T) {
	p := New(catalog, NewRuleStrategy(), fixed)
	wf, err := p.Plan(context.Background(), Intent{
		Description: "draw a picture of a fox, then greet Bob",
		Preferences: map[string]any{"executionMode": "sequential"},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.ModeSequential, wf.ExecutionMode)
}

func TestRulePlanFailsForUncoveredCapability(t *testing.T) {
	p := New(catalog, NewRuleStrategy(), fixed)
	wf, err := p.Plan(context.Background(), Intent{Description: "Swap 1 ETH to USDC on 1inch"})
	assert.Nil(t, wf)
	require.Error(t, err)
	assert.Equal(t, CodePlanningFailed, xerrors.CodeOf(err))
	e, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Contains(t, e.Metadata()["raw_output"], "Hello Agent")

	auto, err := Select("auto", mock.Failing(errors.New("down")))
	require.NoError(t, err)
	_, err = New(catalog, auto, fixed).Plan(context.Background(), Intent{Description: "do something useful"})
	assert.Equal(t, CodePlanningFailed, xerrors.CodeOf(err))
}

func TestPlanRequiresAgentsAndDescription(t *testing.T) {
	p := New(staticAgents{}, NewRuleStrategy())
	_, err := p.Plan(context.Background(), Intent{Description: "hello"})
	assert.Equal(t, CodePlanningFailed, xerrors.CodeOf(err))

	p = New(catalog, NewRuleStrategy())
	_, err = p.Plan(context.Background(), Intent{Description: "   "})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func llmPlanner(t *testing.T, text string) *Planner {
	t.Helper()
	return New(catalog, NewLLMStrategy(mock.Fixed(text)), fixed)
}

func TestLLMPlanWithVariableNames(t *testing.T) {
	text := "```json\n" + `{
  "reasoning": "greet then paint",
  "executionMode": "sequential",
  "steps": [
    {"stepId": "step_1", "agentName": "Hello Agent", "inputMapping": {"name": "userName", "language": "spanish"},
     "outputMapping": {"greeting": "generatedGreeting"}},
    {"stepId": "step_2", "agentName": "image generator", "inputMapping": {"prompt": "generatedGreeting", "size": {"kind": "literal", "value": 512}},
     "outputMapping": {"imageUrl": "finalImage"}}
  ]
}` + "\n```"
	wf, err := llmPlanner(t, text).Plan(context.Background(), Intent{Description: "Greet Alice and paint it"})
	require.NoError(t, err)
	assert.Equal(t, "llm", wf.Planner)
	assert.Equal(t, "greet then paint", wf.Reasoning)
	assert.Equal(t, workflow.Input("name").AsOptional(), wf.Steps[0].InputMapping["name"])
	assert.Equal(t, workflow.Literal("spanish"), wf.Steps[0].InputMapping["language"])
	assert.Equal(t, workflow.StepOutput("step_1", "greeting"), wf.Steps[1].InputMapping["prompt"])
	assert.Equal(t, workflow.Literal(float64(512)), wf.Steps[1].InputMapping["size"])
	assert.Equal(t, painter.URL, wf.Steps[1].AgentURL)
	assert.Equal(t, workflow.ModeSequential, wf.ExecutionMode)
}

func TestLLMPlanRejectsUnknownAgent(t *testing.T) {
	_, err := llmPlanner(t, `{"steps":[{"stepId":"s1","agentName":"Ghost"}]}`).
		Plan(context.Background(), Intent{Description: "x"})
	assert.Equal(t, workflow.CodeInvariantViolation, xerrors.CodeOf(err))
}

func TestLLMPlanRejectsForwardAndSelfReferences(t *testing.T) {
	forward := `{"steps":[
		{"stepId":"a","agentName":"Hello Agent","inputMapping":{"name":"$b.imageUrl"}},
		{"stepId":"b","agentName":"Image Generator"}]}`
	_, err := llmPlanner(t, forward).Plan(context.Background(), Intent{Description: "x"})
	assert.Equal(t, workflow.CodeInvariantViolation, xerrors.CodeOf(err))

	self := `{"steps":[{"stepId":"a","agentName":"Hello Agent","inputMapping":{"name":"$a.greeting"}}]}`
	_, err = llmPlanner(t, self).Plan(context.Background(), Intent{Description: "x"})
	assert.Equal(t, workflow.CodeInvariantViolation, xerrors.CodeOf(err))
}

func TestLLMPlanRejectsUndeclaredOutputField(t *testing.T) {
	text := `{"steps":[
		{"stepId":"a","agentName":"Hello Agent","inputMapping":{"name":"$input.name"}},
		{"stepId":"b","agentName":"Image Generator","inputMapping":{"prompt":"$a.doesNotExist"}}]}`
	_, err := llmPlanner(t, text).Plan(context.Background(), Intent{Description: "greet and paint"})
	require.Error(t, err)
	e, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, workflow.CodeInvariantViolation, e.Code())
	assert.Equal(t, "b", e.Metadata()["step_id"])
	assert.Contains(t, e.Metadata()["raw_output"], "doesNotExist")

	nested := `{"steps":[
		{"stepId":"a","agentName":"Hello Agent"},
		{"stepId":"b","agentName":"Image Generator","inputMapping":{"prompt":"$a.greeting.text"}}]}`
	_, err = llmPlanner(t, nested).Plan(context.Background(), Intent{Description: "greet and paint"})
	assert.NoError(t, err)
}

func TestInvariantViolationCarriesRawOutput(t *testing.T) {
	forward := `{"steps":[
		{"stepId":"a","agentName":"Hello Agent","inputMapping":{"name":"$b.imageUrl"}},
		{"stepId":"b","agentName":"Image Generator"}]}`
	_, err := llmPlanner(t, forward).Plan(context.Background(), Intent{Description: "x"})
	e, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, workflow.CodeInvariantViolation, e.Code())
	assert.Contains(t, e.Metadata()["raw_output"], "$b.imageUrl")
	assert.Equal(t, "a", e.Metadata()["step_id"])
}

func TestLLMPlanEmptyStepsCarriesRawOutput(t *testing.T) {
	_, err := llmPlanner(t, `{"reasoning":"nothing fits","steps":[]}`).Plan(context.Background(), Intent{Description: "x"})
	require.Error(t, err)
	e, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, CodePlanningFailed, e.Code())
	assert.Contains(t, e.Metadata()["raw_output"], "nothing fits")

	_, err = llmPlanner(t, "I cannot help with that").Plan(context.Background(), Intent{Description: "x"})
	e, _ = xerrors.From(err)
	assert.Equal(t, "I cannot help with that", e.Metadata()["raw_output"])
}

func TestLLMParallelOnlyWithoutReferences(t *testing.T) {
	text := `{"executionMode":"parallel","steps":[
		{"stepId":"a","agentName":"Hello Agent","inputMapping":{"name":"$input.name"}},
		{"stepId":"b","agentName":"Image Generator","inputMapping":{"prompt":"$a.greeting"}}]}`
	wf, err := llmPlanner(t, text).Plan(context.Background(), Intent{Description: "x"})
	require.NoError(t, err)
	assert.Equal(t, workflow.ModeSequential, wf.ExecutionMode)
}

func TestCollaboratorFailureIsWrapped(t *testing.T) {
	p := New(catalog, NewLLMStrategy(mock.Failing(errors.New("connection refused"))), fixed)
	_, err := p.Plan(context.Background(), Intent{Description: "hello"})
	assert.Equal(t, CodePlanningFailed, xerrors.CodeOf(err))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeCollaboratorFailure))
}

func TestFallbackStrategyUsesRules(t *testing.T) {
	strategy, err := Select("auto", mock.Failing(errors.New("down")))
	require.NoError(t, err)
	wf, err := New(catalog, strategy, fixed).Plan(context.Background(), Intent{Description: "say hello to Carol"})
	require.NoError(t, err)
	assert.Equal(t, "rule", wf.Planner)
	assert.Len(t, wf.Steps, 1)

	s, err := Select("auto", nil)
	require.NoError(t, err)
	assert.Equal(t, "rule", s.Name())
	_, err = Select("llm", nil)
	assert.Error(t, err)
}

func TestPolicyGate(t *testing.T) {
	engine, err := policy.NewEngine(context.Background(), "", policy.Limits{MaxSteps: 1})
	require.NoError(t, err)
	p := New(catalog, NewRuleStrategy(), fixed, WithPolicy(engine))
	_, err = p.Plan(context.Background(), Intent{Description: "say hello and draw an image"})
	assert.Equal(t, policy.CodeDenied, xerrors.CodeOf(err))
}

func TestLLMPromptCarriesCatalogAndHints(t *testing.T) {
	client := mock.Fixed(`{"steps":[{"agentName":"Hello Agent"}]}`)
	hints := knowledge.NewStaticProvider([]knowledge.Snippet{{Title: "greeting", Content: "greet first", Tags: []string{"greeting"}}}, 3)
	p := New(catalog, NewLLMStrategy(client, WithHints(hints)), fixed)
	_, err := p.Plan(context.Background(), Intent{Description: "greet Dan", Context: map[string]any{"tone": "warm"}})
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.True(t, req.JSON)
	assert.Contains(t, req.Prompt, "Hello Agent")
	assert.Contains(t, req.Prompt, painter.URL)
	assert.Contains(t, req.Prompt, `"tone":"warm"`)
	assert.Equal(t, []llm.KnowledgeCard{{Title: "greeting", Content: "greet first"}}, req.Knowledge)
}

func TestStepsRoundTripThroughJSON(t *testing.T) {
	wf, err := New(catalog, NewRuleStrategy(), fixed).Plan(context.Background(), Intent{Description: "greet Eve and draw an image"})
	require.NoError(t, err)
	first, err := json.Marshal(wf.Steps)
	require.NoError(t, err)
	var decoded []workflow.Step
	require.NoError(t, json.Unmarshal(first, &decoded))
	second, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}
