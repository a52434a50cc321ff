package orchestrator

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MAHA-Orchestrator/internal/agent"
	"MAHA-Orchestrator/internal/agent/agenttest"
	"MAHA-Orchestrator/internal/engine"
	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/observability/alerting"
	"MAHA-Orchestrator/internal/planner"
	"MAHA-Orchestrator/internal/queue"
	"MAHA-Orchestrator/internal/registry"
	"MAHA-Orchestrator/internal/store"
	"MAHA-Orchestrator/internal/summary"
	"MAHA-Orchestrator/internal/workflow"
)

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAlerts) all() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

type harness struct {
	svc    *Service
	store  *store.MemoryStore
	reg    *registry.Registry
	alerts *recordingAlerts
}

func newHarness(t *testing.T, agents []*agenttest.Server, opts ...Option) *harness {
	t.Helper()
	client := agent.NewClient()
	reg := registry.New(client)
	urls := make([]string, len(agents))
	for i, a := range agents {
		urls[i] = a.URL
	}
	require.Equal(t, len(agents), reg.Bootstrap(context.Background(), urls))

	st := store.NewMemoryStore()
	eng := engine.New(client, st, engine.WithAgentLookup(reg.Has), engine.WithStepTimeout(5*time.Second))
	alerts := &recordingAlerts{}
	opts = append([]Option{WithAlertDispatcher(alerts)}, opts...)
	svc := New(reg, planner.New(reg, planner.NewRuleStrategy()), eng, st, summary.New(nil), opts...)
	return &harness{svc: svc, store: st, reg: reg, alerts: alerts}
}

func TestScenarioSingleGreeting(t *testing.T) {
	h := newHarness(t, []*agenttest.Server{agenttest.Greeter(t)})
	ctx := context.Background()

	wf, err := h.svc.CreateWorkflow(ctx, planner.Intent{Description: "Say hello to Alice in Spanish"})
	require.NoError(t, err)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, workflow.ModeSequential, wf.ExecutionMode)

	exec, err := h.svc.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, exec.Status)
	require.Len(t, exec.StepResults, 1)
	assert.Equal(t, "Hola, Alice!", exec.Output["greeting"])
}

func TestScenarioGreetingChainedIntoImage(t *testing.T) {
	greeter, painter := agenttest.Greeter(t), agenttest.Painter(t)
	h := newHarness(t, []*agenttest.Server{greeter, painter})
	ctx := context.Background()

	wf, err := h.svc.CreateWorkflow(ctx, planner.Intent{Description: "Greet Bob then generate an image of that greeting"})
	require.NoError(t, err)
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, workflow.StepOutput(wf.Steps[0].ID, "greeting"), wf.Steps[1].InputMapping["prompt"])

	exec, err := h.svc.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, Input: map[string]any{"name": "Bob"}})
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, exec.Status)
	for i := range wf.Steps {
		assert.Equal(t, wf.Steps[i].ID, exec.StepResults[i].StepID)
	}
	assert.Equal(t, exec.StepResults[0].Output["greeting"], exec.StepResults[1].Input["prompt"])
	assert.Equal(t, "Hello, Bob!", painter.Calls()[0]["prompt"])
	assert.NotEmpty(t, exec.Output["imageUrl"])
}

func TestScenarioUnreachableSecondStep(t *testing.T) {
	greeter, painter := agenttest.Greeter(t), agenttest.Painter(t)
	h := newHarness(t, []*agenttest.Server{greeter, painter})
	ctx := context.Background()

	wf, err := h.svc.CreateWorkflow(ctx, planner.Intent{Description: "Greet Bob then generate an image of that greeting"})
	require.NoError(t, err)
	painter.Close()

	exec, err := h.svc.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, Input: map[string]any{"name": "Bob"}})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.Equal(t, workflow.StepFailed, exec.StepResults[1].Status)
	assert.NotEmpty(t, exec.StepResults[1].Error)
	assert.NotContains(t, exec.Output, "imageUrl")

	events := h.alerts.all()
	require.Len(t, events, 1)
	assert.Equal(t, "execution", events[0].Stage)
	assert.Equal(t, agent.CodeUnreachable, events[0].Code)
	assert.Equal(t, exec.ID, events[0].ExecutionID)
}

func TestScenarioUnknownExecution(t *testing.T) {
	h := newHarness(t, nil)
	exec, err := h.svc.GetExecution(context.Background(), "exec_missing")
	assert.Nil(t, exec)
	assert.Equal(t, workflow.CodeExecutionNotFound, xerrors.CodeOf(err))
}

func TestCreatedWorkflowRoundTrip(t *testing.T) {
	h := newHarness(t, []*agenttest.Server{agenttest.Greeter(t), agenttest.Painter(t)})
	ctx := context.Background()

	created, err := h.svc.CreateWorkflow(ctx, planner.Intent{Description: "Greet Bob then generate an image of that greeting"})
	require.NoError(t, err)
	fetched, err := h.svc.GetWorkflow(ctx, created.ID)
	require.NoError(t, err)

	want, err := json.Marshal(created.Steps)
	require.NoError(t, err)
	got, err := json.Marshal(fetched.Steps)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestPlanningFailureIsNotPersisted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.CreateWorkflow(ctx, planner.Intent{Description: "Say hello"})
	assert.Equal(t, planner.CodePlanningFailed, xerrors.CodeOf(err))
	list, err := h.svc.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	events := h.alerts.all()
	require.Len(t, events, 1)
	assert.Equal(t, "planning", events[0].Stage)

	_, err = h.svc.CreateWorkflow(ctx, planner.Intent{Description: "  "})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Execute(context.Background(), ExecuteRequest{WorkflowID: "wf_missing"})
	assert.Equal(t, workflow.CodeWorkflowNotFound, xerrors.CodeOf(err))

	stats, err := h.svc.ExecutionStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestAsyncExecutionThroughQueue(t *testing.T) {
	q := queue.NewMemoryQueue(8)
	t.Cleanup(func() { _ = q.Close() })
	h := newHarness(t, []*agenttest.Server{agenttest.Greeter(t)}, WithProducer(q))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processor := queue.NewProcessor(h.svc, q, queue.WithWorkerCount(2))
	go func() { _ = processor.Start(ctx) }()

	wf, err := h.svc.CreateWorkflow(ctx, planner.Intent{Description: "Say hello to Carol"})
	require.NoError(t, err)
	exec, err := h.svc.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, Async: true})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, exec.Status)

	require.Eventually(t, func() bool {
		got, err := h.svc.GetExecution(ctx, exec.ID)
		return err == nil && got.Status == workflow.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	got, err := h.svc.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello, Carol!", got.Output["greeting"])

	_, err = h.svc.Resume(ctx, exec.ID)
	assert.Equal(t, workflow.CodeExecutionFinalized, xerrors.CodeOf(err))
}

func TestAsyncRequiresProducer(t *testing.T) {
	h := newHarness(t, []*agenttest.Server{agenttest.Greeter(t)})
	ctx := context.Background()
	wf, err := h.svc.CreateWorkflow(ctx, planner.Intent{Description: "Say hello to Dan"})
	require.NoError(t, err)

	_, err = h.svc.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, Async: true})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	list, err := h.svc.ListExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPublishFailureMarksExecutionFailed(t *testing.T) {
	q := queue.NewMemoryQueue(1)
	require.NoError(t, q.Close())
	h := newHarness(t, []*agenttest.Server{agenttest.Greeter(t)}, WithProducer(q))
	ctx := context.Background()
	wf, err := h.svc.CreateWorkflow(ctx, planner.Intent{Description: "Say hello to Eve"})
	require.NoError(t, err)

	_, err = h.svc.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID, Async: true})
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))

	list, err := h.svc.ListExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, workflow.StatusFailed, list[0].Status)
	assert.Equal(t, string(xerrors.CodeQueueFailure), list[0].ErrorCode)
}

func TestSummarizeLeavesExecutionUntouched(t *testing.T) {
	h := newHarness(t, []*agenttest.Server{agenttest.Greeter(t)}, WithClock(func() time.Time { return time.UnixMilli(99) }))
	ctx := context.Background()
	wf, err := h.svc.CreateWorkflow(ctx, planner.Intent{Description: "Say hello to Alice"})
	require.NoError(t, err)
	exec, err := h.svc.Execute(ctx, ExecuteRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	sum, err := h.svc.Summarize(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, sum.ExecutionID)
	assert.NotEmpty(t, sum.Summary)
	assert.Equal(t, int64(99), sum.GeneratedAt)

	after, err := h.svc.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec, after)
}

func TestSummarizeRunningExecution(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.SaveWorkflow(ctx, &workflow.Workflow{ID: "wf_1"}))
	require.NoError(t, h.store.SaveExecution(ctx, &workflow.Execution{ID: "exec_1", WorkflowID: "wf_1", Status: workflow.StatusRunning}))

	_, err := h.svc.Summarize(ctx, "exec_1")
	assert.Equal(t, workflow.CodeExecutionNotFinished, xerrors.CodeOf(err))
}

func TestRegisterAgentAndMeta(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	greeter := agenttest.Greeter(t)

	a, err := h.svc.RegisterAgent(ctx, greeter.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "Hello Agent", a.Name)
	assert.Len(t, h.svc.ListAgents(), 1)

	meta, err := h.svc.AgentMeta(greeter.URL)
	require.NoError(t, err)
	assert.Equal(t, a.Wallet, meta.Wallet)

	_, err = h.svc.AgentMeta("http://unknown")
	assert.Equal(t, agent.CodeNotFound, xerrors.CodeOf(err))

	down := httptest.NewServer(nil)
	down.Close()
	_, err = h.svc.RegisterAgent(ctx, down.URL)
	assert.Equal(t, agent.CodeUnreachable, xerrors.CodeOf(err))

	health := h.svc.Health(ctx)
	assert.Equal(t, "ok", health.Status)
	require.Len(t, health.Agents, 1)
	assert.Equal(t, "Hello Agent", health.Agents[0].Name)
	assert.Equal(t, "rule", health.Strategy)
}
