package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MAHA-Orchestrator/internal/agent"
	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/store"
	"MAHA-Orchestrator/internal/workflow"
)

type agentFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

type fakeInvoker struct {
	mu     sync.Mutex
	agents map[string]agentFunc
	calls  []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, url string, payload map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	fn := f.agents[url]
	f.mu.Unlock()
	if fn == nil {
		return nil, xerrors.New(agent.CodeUnreachable, "no such agent")
	}
	return fn(ctx, payload)
}

func (f *fakeInvoker) called(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == url {
			n++
		}
	}
	return n
}

func echo(field string, value any) agentFunc {
	return func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{field: value}, nil
	}
}

func step(id, url string, in map[string]workflow.FieldRef, out map[string]string) workflow.Step {
	return workflow.Step{ID: id, AgentURL: url, AgentName: url, InputMapping: in, OutputMapping: out}
}

func newWorkflow(mode workflow.Mode, steps ...workflow.Step) *workflow.Workflow {
	return &workflow.Workflow{ID: "wf_test", Name: "Test Workflow", Steps: steps, ExecutionMode: mode}
}

func newEngine(inv Invoker, st store.Store, opts ...Option) *Engine {
	n := 0
	opts = append([]Option{WithIDGenerator(func() string {
		n++
		return "exec_" + string(rune('0'+n))
	})}, opts...)
	return New(inv, st, opts...)
}

func TestSequentialChainsOutputs(t *testing.T) {
	inv := &fakeInvoker{agents: map[string]agentFunc{
		"http://greet": func(ctx context.Context, p map[string]any) (map[string]any, error) {
			return map[string]any{"greeting": "Hola, " + p["name"].(string) + "!"}, nil
		},
		"http://paint": func(ctx context.Context, p map[string]any) (map[string]any, error) {
			return map[string]any{"imageUrl": "https://img/" + p["prompt"].(string)}, nil
		},
	}}
	st := store.NewMemoryStore()
	wf := newWorkflow(workflow.ModeSequential,
		step("step_1", "http://greet", map[string]workflow.FieldRef{"name": workflow.Input("name")}, map[string]string{"greeting": "greeting"}),
		step("step_2", "http://paint", map[string]workflow.FieldRef{"prompt": workflow.StepOutput("step_1", "greeting")}, map[string]string{"imageUrl": "imageUrl"}),
	)

	exec, err := newEngine(inv, st).Execute(context.Background(), wf, map[string]any{"name": "Bob"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, exec.Status)
	require.Len(t, exec.StepResults, 2)
	for i := range wf.Steps {
		assert.Equal(t, wf.Steps[i].ID, exec.StepResults[i].StepID)
		assert.Equal(t, workflow.StepCompleted, exec.StepResults[i].Status)
		assert.Equal(t, 1, exec.StepResults[i].Attempts)
		assert.NotEmpty(t, exec.StepResults[i].InputHash)
		assert.NotEmpty(t, exec.StepResults[i].OutputHash)
	}
	assert.Equal(t, "Hola, Bob!", exec.StepResults[1].Input["prompt"])
	assert.Equal(t, "Hola, Bob!", exec.Output["greeting"])
	assert.Equal(t, "https://img/Hola, Bob!", exec.Output["imageUrl"])
	assert.NotZero(t, exec.CompletedAt)

	stored, err := st.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec, stored)
}

func TestFailFastSkipsDependents(t *testing.T) {
	inv := &fakeInvoker{agents: map[string]agentFunc{
		"http://a": echo("a", 1),
		"http://b": func(ctx context.Context, p map[string]any) (map[string]any, error) {
			return nil, xerrors.New(agent.CodeExecutionError, "quota exceeded")
		},
		"http://c": echo("c", 3),
		"http://d": echo("d", 4),
	}}
	wf := newWorkflow(workflow.ModeSequential,
		step("a", "http://a", nil, nil),
		step("b", "http://b", map[string]workflow.FieldRef{"x": workflow.StepOutput("a", "a")}, nil),
		step("c", "http://c", map[string]workflow.FieldRef{"y": workflow.StepOutput("b", "b")}, nil),
		step("d", "http://d", nil, nil),
	)

	exec, err := newEngine(inv, store.NewMemoryStore()).Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.Equal(t, "quota exceeded", exec.Error)
	assert.Equal(t, string(agent.CodeExecutionError), exec.ErrorCode)

	got := []workflow.StepStatus{}
	for _, r := range exec.StepResults {
		got = append(got, r.Status)
	}
	assert.Equal(t, []workflow.StepStatus{workflow.StepCompleted, workflow.StepFailed, workflow.StepSkipped, workflow.StepSkipped}, got)
	assert.Equal(t, "quota exceeded", exec.StepResults[1].Error)
	assert.Equal(t, reasonDependsOnFailed, exec.StepResults[2].Error)
	assert.Equal(t, reasonAborted, exec.StepResults[3].Error)
	assert.Equal(t, 0, inv.called("http://c"))
	assert.Equal(t, 0, inv.called("http://d"))
	assert.Equal(t, map[string]any{"a": 1}, exec.Output)
}

func TestParallelBatchFinishesInFlightSteps(t *testing.T) {
	var concurrent, peak atomic.Int32
	slow := func(field string) agentFunc {
		return func(ctx context.Context, p map[string]any) (map[string]any, error) {
			n := concurrent.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			concurrent.Add(-1)
			return map[string]any{field: field, "shared": field}, nil
		}
	}
	inv := &fakeInvoker{agents: map[string]agentFunc{
		"http://a": slow("a"),
		"http://b": func(ctx context.Context, p map[string]any) (map[string]any, error) {
			return nil, xerrors.New(agent.CodeExecutionError, "boom")
		},
		"http://c": slow("c"),
	}}
	wf := newWorkflow(workflow.ModeParallel,
		step("a", "http://a", nil, nil),
		step("b", "http://b", nil, nil),
		step("c", "http://c", nil, nil),
	)

	exec, err := newEngine(inv, store.NewMemoryStore()).Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.Equal(t, workflow.StepCompleted, exec.StepResults[0].Status)
	assert.Equal(t, workflow.StepFailed, exec.StepResults[1].Status)
	assert.Equal(t, workflow.StepCompleted, exec.StepResults[2].Status)
	assert.EqualValues(t, 2, peak.Load())
	// 同一批次内先声明的步骤先写入。
	assert.Equal(t, "a", exec.Output["shared"])
}

func TestParallelCollisionsKeepEarlierDeclaredStep(t *testing.T) {
	inv := &fakeInvoker{agents: map[string]agentFunc{
		"http://a": echo("x", "seed"),
		"http://b": echo("v", "from b"),
		"http://c": echo("v", "from c"),
	}}
	wf := newWorkflow(workflow.ModeParallel,
		step("a", "http://a", nil, nil),
		step("b", "http://b", map[string]workflow.FieldRef{"in": workflow.StepOutput("a", "x")}, nil),
		step("c", "http://c", nil, nil),
	)
	require.Equal(t, [][]int{{0, 2}, {1}}, wf.Batches())

	exec, err := newEngine(inv, store.NewMemoryStore()).Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, exec.Status)
	// b 在 c 之后的批次执行，但声明顺序更靠前。
	assert.Equal(t, "from b", exec.Output["v"])
	assert.Equal(t, "seed", exec.StepResults[1].Input["in"])
}

func TestSequentialLaterStepOverwrites(t *testing.T) {
	inv := &fakeInvoker{agents: map[string]agentFunc{
		"http://a": echo("v", "first"),
		"http://b": echo("v", "second"),
	}}
	wf := newWorkflow(workflow.ModeSequential, step("a", "http://a", nil, nil), step("b", "http://b", nil, nil))

	exec, err := newEngine(inv, store.NewMemoryStore()).Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", exec.Output["v"])
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	inv := &fakeInvoker{agents: map[string]agentFunc{
		"http://slow": func(ctx context.Context, p map[string]any) (map[string]any, error) {
			select {
			case <-ctx.Done():
				return nil, xerrors.Wrap(agent.CodeTimeout, ctx.Err(), "agent did not answer")
			case <-time.After(150 * time.Millisecond):
				return map[string]any{"done": true}, nil
			}
		},
	}}
	st := store.NewMemoryStore()
	eng := newEngine(inv, st, WithStepTimeout(5*time.Second))
	wf := newWorkflow(workflow.ModeSequential, step("slow", "http://slow", nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	exec, err := eng.Execute(ctx, wf, nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, exec.Status)
	assert.Equal(t, true, exec.Output["done"])

	stored, err := st.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, stored.Status)
}

func greetAndPaint() (*fakeInvoker, *workflow.Workflow) {
	inv := &fakeInvoker{agents: map[string]agentFunc{
		"http://greet": echo("greeting", "Hi, Ann!"),
		"http://paint": func(ctx context.Context, p map[string]any) (map[string]any, error) {
			return map[string]any{"imageUrl": "https://img/" + p["prompt"].(string)}, nil
		},
	}}
	wf := newWorkflow(workflow.ModeSequential,
		step("a", "http://greet", nil, map[string]string{"greeting": "greeting"}),
		step("b", "http://paint", map[string]workflow.FieldRef{"prompt": workflow.StepOutput("a", "greeting")}, map[string]string{"imageUrl": "imageUrl"}),
	)
	return inv, wf
}

func TestRunResumesInterruptedStep(t *testing.T) {
	inv, wf := greetAndPaint()
	st := store.NewMemoryStore()
	eng := newEngine(inv, st)
	ctx := context.Background()

	exec, err := eng.Start(ctx, wf, nil)
	require.NoError(t, err)
	exec.StepResults[0].Status = workflow.StepRunning
	exec.StepResults[0].StartedAt = 1
	require.NoError(t, st.SaveExecution(ctx, exec))

	done, err := eng.Run(ctx, wf, exec)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, done.Status)
	for _, res := range done.StepResults {
		assert.Equal(t, workflow.StepCompleted, res.Status, res.StepID)
	}
	assert.Equal(t, 1, inv.called("http://greet"))
	assert.Equal(t, "https://img/Hi, Ann!", done.Output["imageUrl"])
}

func TestRunResumeReusesCompletedOutputs(t *testing.T) {
	inv, wf := greetAndPaint()
	st := store.NewMemoryStore()
	eng := newEngine(inv, st)
	ctx := context.Background()

	exec, err := eng.Start(ctx, wf, nil)
	require.NoError(t, err)
	exec.StepResults[0].Status = workflow.StepCompleted
	exec.StepResults[0].Output = map[string]any{"greeting": "Hello, Ben!"}
	require.NoError(t, st.SaveExecution(ctx, exec))

	done, err := eng.Run(ctx, wf, exec)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, done.Status)
	assert.Equal(t, 0, inv.called("http://greet"))
	assert.Equal(t, "Hello, Ben!", done.StepResults[1].Input["prompt"])
	assert.Equal(t, "Hello, Ben!", done.Output["greeting"])
	assert.Equal(t, "https://img/Hello, Ben!", done.Output["imageUrl"])
}

func TestRunResumeAfterFailedStepFinishesFailed(t *testing.T) {
	inv, wf := greetAndPaint()
	st := store.NewMemoryStore()
	eng := newEngine(inv, st)
	ctx := context.Background()

	exec, err := eng.Start(ctx, wf, nil)
	require.NoError(t, err)
	exec.StepResults[0].Status = workflow.StepFailed
	exec.StepResults[0].Error = "boom"
	exec.StepResults[0].ErrorCode = string(agent.CodeExecutionError)
	require.NoError(t, st.SaveExecution(ctx, exec))

	done, err := eng.Run(ctx, wf, exec)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, done.Status)
	assert.Equal(t, string(agent.CodeExecutionError), done.ErrorCode)
	assert.Equal(t, workflow.StepSkipped, done.StepResults[1].Status)
	assert.Equal(t, 0, inv.called("http://greet")+inv.called("http://paint"))
}

func TestUnresolvedInputFailsWithoutInvocation(t *testing.T) {
	inv := &fakeInvoker{agents: map[string]agentFunc{"http://a": echo("ok", true)}}
	wf := newWorkflow(workflow.ModeSequential,
		step("a", "http://a", map[string]workflow.FieldRef{
			"name":     workflow.Input("name"),
			"language": workflow.Input("language").AsOptional(),
		}, nil),
	)

	exec, err := newEngine(inv, store.NewMemoryStore()).Execute(context.Background(), wf, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.Equal(t, string(workflow.CodeInputUnresolved), exec.StepResults[0].ErrorCode)
	assert.Equal(t, 0, inv.called("http://a"))

	exec, err = newEngine(inv, store.NewMemoryStore()).Execute(context.Background(), wf, map[string]any{"name": "Ann"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, exec.Status)
	assert.Equal(t, map[string]any{"name": "Ann"}, exec.StepResults[0].Input)
}

func TestEmptyMappingsPassThrough(t *testing.T) {
	inv := &fakeInvoker{agents: map[string]agentFunc{
		"http://a": func(ctx context.Context, p map[string]any) (map[string]any, error) {
			return map[string]any{"echo": p["q"], "extra": 2}, nil
		},
	}}
	wf := newWorkflow(workflow.ModeSequential, step("a", "http://a", nil, nil))
	wf.DefaultInput = map[string]any{"q": "default", "lang": "english"}

	exec, err := newEngine(inv, store.NewMemoryStore()).Execute(context.Background(), wf, map[string]any{"q": "override"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"q": "override", "lang": "english"}, exec.StepResults[0].Input)
	assert.Equal(t, map[string]any{"echo": "override", "extra": 2}, exec.Output)
	assert.Equal(t, "default", wf.DefaultInput["q"])
}

func TestRetriesRetryableErrors(t *testing.T) {
	var attempts atomic.Int32
	inv := &fakeInvoker{agents: map[string]agentFunc{
		"http://flaky": func(ctx context.Context, p map[string]any) (map[string]any, error) {
			if attempts.Add(1) < 3 {
				return nil, xerrors.New(agent.CodeUnreachable, "connection refused")
			}
			return map[string]any{"ok": true}, nil
		},
		"http://broken": func(ctx context.Context, p map[string]any) (map[string]any, error) {
			return nil, xerrors.New(agent.CodeExecutionError, "bad input")
		},
	}}
	eng := newEngine(inv, store.NewMemoryStore(), WithRetry(3, time.Millisecond, 2*time.Millisecond))

	exec, err := eng.Execute(context.Background(), newWorkflow(workflow.ModeSequential, step("a", "http://flaky", nil, nil)), nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, exec.Status)
	assert.Equal(t, 3, exec.StepResults[0].Attempts)

	exec, err = eng.Execute(context.Background(), newWorkflow(workflow.ModeSequential, step("a", "http://broken", nil, nil)), nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.Equal(t, 1, exec.StepResults[0].Attempts)
}

func TestStepTimeout(t *testing.T) {
	inv := &fakeInvoker{agents: map[string]agentFunc{
		"http://stuck": func(ctx context.Context, p map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	eng := newEngine(inv, store.NewMemoryStore(), WithStepTimeout(20*time.Millisecond))
	exec, err := eng.Execute(context.Background(), newWorkflow(workflow.ModeSequential, step("a", "http://stuck", nil, nil)), nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.Equal(t, string(agent.CodeTimeout), exec.StepResults[0].ErrorCode)
}

func TestUnreachableAgentOverHTTP(t *testing.T) {
	greeter := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"greeting":"Hello, Bob!"}`))
	}))
	defer greeter.Close()
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	wf := newWorkflow(workflow.ModeSequential,
		step("step_1", greeter.URL, map[string]workflow.FieldRef{"name": workflow.Input("name")}, map[string]string{"greeting": "greeting"}),
		step("step_2", downURL, map[string]workflow.FieldRef{"prompt": workflow.StepOutput("step_1", "greeting")}, map[string]string{"imageUrl": "imageUrl"}),
	)
	exec, err := newEngine(agent.NewClient(), store.NewMemoryStore()).Execute(context.Background(), wf, map[string]any{"name": "Bob"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.Equal(t, workflow.StepFailed, exec.StepResults[1].Status)
	assert.NotEmpty(t, exec.StepResults[1].Error)
	assert.Equal(t, string(agent.CodeUnreachable), exec.StepResults[1].ErrorCode)
	assert.NotContains(t, exec.Output, "imageUrl")
	assert.Equal(t, "Hello, Bob!", exec.Output["greeting"])
}

func TestStartRejectsInvalidWorkflow(t *testing.T) {
	st := store.NewMemoryStore()
	wf := newWorkflow(workflow.ModeSequential,
		step("a", "http://a", map[string]workflow.FieldRef{"x": workflow.StepOutput("b", "y")}, nil),
		step("b", "http://b", nil, nil),
	)
	_, err := newEngine(&fakeInvoker{}, st).Execute(context.Background(), wf, nil)
	require.Error(t, err)
	assert.Equal(t, workflow.CodeInvariantViolation, xerrors.CodeOf(err))

	list, err := st.ListExecutions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStartChecksRegisteredAgents(t *testing.T) {
	known := func(url string) bool { return url == "http://a" }
	eng := newEngine(&fakeInvoker{}, store.NewMemoryStore(), WithAgentLookup(known))
	_, err := eng.Start(context.Background(), newWorkflow(workflow.ModeSequential, step("a", "http://gone", nil, nil)), nil)
	assert.Equal(t, workflow.CodeInvariantViolation, xerrors.CodeOf(err))
}

func TestRunRejectsFinishedExecution(t *testing.T) {
	inv := &fakeInvoker{agents: map[string]agentFunc{"http://a": echo("ok", true)}}
	eng := newEngine(inv, store.NewMemoryStore())
	wf := newWorkflow(workflow.ModeSequential, step("a", "http://a", nil, nil))
	exec, err := eng.Execute(context.Background(), wf, nil)
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), wf, exec)
	assert.Equal(t, workflow.CodeExecutionFinalized, xerrors.CodeOf(err))
}

func TestHooksObserveFinishedSteps(t *testing.T) {
	inv := &fakeInvoker{agents: map[string]agentFunc{
		"http://a": echo("ok", true),
		"http://b": func(ctx context.Context, p map[string]any) (map[string]any, error) {
			return nil, xerrors.New(agent.CodeExecutionError, "nope")
		},
		"http://c": echo("never", true),
	}}
	var (
		mu       sync.Mutex
		stepSeen []string
		final    *workflow.Execution
	)
	eng := newEngine(inv, store.NewMemoryStore(),
		WithStepHook(func(ctx context.Context, wf *workflow.Workflow, r workflow.StepResult) {
			mu.Lock()
			defer mu.Unlock()
			stepSeen = append(stepSeen, r.StepID+":"+string(r.Status))
		}),
		WithExecutionHook(func(ctx context.Context, wf *workflow.Workflow, exec *workflow.Execution) {
			final = exec
		}),
	)
	wf := newWorkflow(workflow.ModeSequential, step("a", "http://a", nil, nil), step("b", "http://b", nil, nil), step("c", "http://c", nil, nil))
	_, err := eng.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:completed", "b:failed"}, stepSeen)
	require.NotNil(t, final)
	assert.Equal(t, workflow.StatusFailed, final.Status)
}

func TestConcurrentExecutionsDoNotShareState(t *testing.T) {
	inv := &fakeInvoker{agents: map[string]agentFunc{
		"http://a": func(ctx context.Context, p map[string]any) (map[string]any, error) {
			return map[string]any{"echo": p["n"]}, nil
		},
	}}
	st := store.NewMemoryStore()
	eng := New(inv, st)
	wf := newWorkflow(workflow.ModeSequential, step("a", "http://a", nil, nil))

	var wg sync.WaitGroup
	results := make([]*workflow.Execution, 20)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec, err := eng.Execute(context.Background(), wf, map[string]any{"n": i})
			assert.NoError(t, err)
			results[i] = exec
		}()
	}
	wg.Wait()
	for i, exec := range results {
		require.NotNil(t, exec)
		assert.Equal(t, i, exec.Output["echo"])
	}
	stats, err := st.ExecutionStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, stats.Completed)
}
