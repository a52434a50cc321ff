package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"MAHA-Orchestrator/internal/agent"
	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/observability/alerting"
	"MAHA-Orchestrator/internal/workflow"
)

type fakeRunner struct {
	processed atomic.Int32
	latency   time.Duration
	mu        sync.Mutex
	failures  map[string]int
	results   map[string]*workflow.Execution
}

func (f *fakeRunner) Resume(ctx context.Context, executionID string) (*workflow.Execution, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	if f.failures[executionID] > 0 {
		f.failures[executionID]--
		f.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeStorageFailure, "db flapping", xerrors.WithRetryable(true))
	}
	result := f.results[executionID]
	f.mu.Unlock()
	f.processed.Add(1)
	if result != nil {
		return result, nil
	}
	return &workflow.Execution{ID: executionID, WorkflowID: "wf", Status: workflow.StatusCompleted}, nil
}

type captureDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureDispatcher) Notify(_ context.Context, e alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("condition not met in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProcessorHandlesConcurrentExecutions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q := NewMemoryQueue(1024)
	runner := &fakeRunner{latency: 5 * time.Millisecond}
	processor := NewProcessor(runner, q, WithWorkerCount(8))

	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	total := 200
	for i := 0; i < total; i++ {
		if err := q.Publish(ctx, fmt.Sprintf("exec_%d", i)); err != nil {
			t.Fatalf("投递执行失败: %v", err)
		}
	}
	waitFor(t, func() bool { return int(runner.processed.Load()) >= total })
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("processor exited: %v", err)
	}
}

func TestProcessorRequeuesRetryableErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewMemoryQueue(8)
	runner := &fakeRunner{failures: map[string]int{"exec_1": 2}}
	alerts := &captureDispatcher{}
	go func() { _ = NewProcessor(runner, q, WithAlertDispatcher(alerts)).Start(ctx) }()

	if err := q.Publish(ctx, "exec_1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return runner.processed.Load() == 1 })

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if len(alerts.events) != 2 || alerts.events[0].ExecutionID != "exec_1" {
		t.Fatalf("expected two queue alerts, got %+v", alerts.events)
	}
}

func TestProcessorAlertsOnAlertableFailures(t *testing.T) {
	runner := &fakeRunner{results: map[string]*workflow.Execution{
		"exec_down": {ID: "exec_down", WorkflowID: "wf", Status: workflow.StatusFailed,
			Error: "connection refused", ErrorCode: string(agent.CodeUnreachable)},
		"exec_bad": {ID: "exec_bad", WorkflowID: "wf", Status: workflow.StatusFailed,
			Error: "bad input", ErrorCode: string(agent.CodeExecutionError)},
	}}
	alerts := &captureDispatcher{}
	p := NewProcessor(runner, NewMemoryQueue(1), WithAlertDispatcher(alerts))

	for _, id := range []string{"exec_down", "exec_bad"} {
		if err := p.handle(context.Background(), id); err != nil {
			t.Fatalf("handle %s: %v", id, err)
		}
	}
	if len(alerts.events) != 1 || alerts.events[0].Code != agent.CodeUnreachable || alerts.events[0].WorkflowID != "wf" {
		t.Fatalf("unexpected alerts %+v", alerts.events)
	}
}

func TestProcessorSkipsFinishedExecutions(t *testing.T) {
	p := NewProcessor(skipRunner{}, NewMemoryQueue(1))
	if err := p.handle(context.Background(), "exec_done"); err != nil {
		t.Fatalf("finished executions should be acknowledged: %v", err)
	}
}

type skipRunner struct{}

func (skipRunner) Resume(context.Context, string) (*workflow.Execution, error) {
	return nil, xerrors.New(workflow.CodeExecutionFinalized, "already completed")
}

func TestOpenSelectsDriver(t *testing.T) {
	q, err := Open(context.Background(), Config{Driver: "memory", Buffer: 4})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer q.Close()
	if _, ok := q.(*MemoryQueue); !ok {
		t.Fatalf("expected memory queue, got %T", q)
	}
	if _, err := Open(context.Background(), Config{Driver: "kafka"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := Open(context.Background(), Config{Driver: "redis"}); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure without address, got %v", err)
	}
}

func TestMemoryQueueRejectsAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	_ = q.Close()
	if err := q.Publish(context.Background(), "x"); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure after close, got %v", err)
	}
}

func TestMemoryQueueDropsAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewMemoryQueue(4, WithMemoryRetry(3, time.Millisecond))
	var calls atomic.Int32
	go func() {
		_ = q.Consume(ctx, 2, func(context.Context, string) error {
			calls.Add(1)
			return xerrors.New(xerrors.CodeTimeout, "agent timeout")
		})
	}()
	if err := q.Publish(ctx, "exec_flaky"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return calls.Load() == 3 })
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected delivery to stop after 3 attempts, got %d", got)
	}
}
