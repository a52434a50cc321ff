// Package storetest holds behaviour checks shared by every store driver.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/store"
	"MAHA-Orchestrator/internal/workflow"
)

// Factory returns an empty store; it is called once per subtest.
type Factory func(t *testing.T) store.Store

// Run executes the shared suite.
func Run(t *testing.T, factory Factory) {
	t.Run("WorkflowRoundTrip", func(t *testing.T) { workflowRoundTrip(t, factory(t)) })
	t.Run("WorkflowConflict", func(t *testing.T) { workflowConflict(t, factory(t)) })
	t.Run("NotFound", func(t *testing.T) { notFound(t, factory(t)) })
	t.Run("IncrementalExecutionSaves", func(t *testing.T) { incrementalSaves(t, factory(t)) })
	t.Run("TerminalExecutionIsReadOnly", func(t *testing.T) { terminalReadOnly(t, factory(t)) })
	t.Run("ListFiltersAndOrder", func(t *testing.T) { listFilters(t, factory(t)) })
	t.Run("CopiesAreIsolated", func(t *testing.T) { isolation(t, factory(t)) })
	t.Run("ConcurrentSaves", func(t *testing.T) { concurrent(t, factory(t)) })
}

// SampleWorkflow returns a two-step workflow.
func SampleWorkflow(id string) *workflow.Workflow {
	return &workflow.Workflow{
		ID:            id,
		Name:          "Greet Workflow",
		Description:   "greet and paint",
		UserIntent:    "greet and paint",
		ExecutionMode: workflow.ModeSequential,
		Steps: []workflow.Step{
			{
				ID: "step_1", AgentURL: "http://greeter", AgentName: "Greeter",
				InputMapping:  map[string]workflow.FieldRef{"name": workflow.Input("name"), "tone": workflow.Literal("warm")},
				OutputMapping: map[string]string{"greeting": "greeting"},
			},
			{
				ID: "step_2", AgentURL: "http://painter", AgentName: "Painter",
				InputMapping:  map[string]workflow.FieldRef{"prompt": workflow.StepOutput("step_1", "greeting")},
				OutputMapping: map[string]string{"imageUrl": "image"},
			},
		},
		EstimatedDuration: 10000,
		Planner:           "rule",
		DefaultInput:      map[string]any{"name": "Alice"},
		CreatedAt:         1_700_000_000_000,
	}
}

// SampleExecution returns a running execution with pending steps.
func SampleExecution(id, workflowID string, startedAt int64) *workflow.Execution {
	return &workflow.Execution{
		ID:         id,
		WorkflowID: workflowID,
		Status:     workflow.StatusRunning,
		StartedAt:  startedAt,
		Input:      map[string]any{"name": "Alice"},
		Output:     map[string]any{},
		StepResults: []workflow.StepResult{
			{StepID: "step_1", AgentName: "Greeter", AgentURL: "http://greeter", Status: workflow.StepPending},
			{StepID: "step_2", AgentName: "Painter", AgentURL: "http://painter", Status: workflow.StepPending},
		},
	}
}

func workflowRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	wf := SampleWorkflow("wf_1")
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "wf_1")
	require.NoError(t, err)
	assert.Equal(t, wf, got)

	require.NoError(t, s.SaveWorkflow(ctx, SampleWorkflow("wf_2")))
	list, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "wf_1", list[0].ID)

	list, err = s.ListWorkflows(ctx, store.WithSortOrder(store.SortNewestFirst), store.WithLimit(1))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "wf_2", list[0].ID)
}

func workflowConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveWorkflow(ctx, SampleWorkflow("wf_1")))
	err := s.SaveWorkflow(ctx, SampleWorkflow("wf_1"))
	assert.Equal(t, workflow.CodeWorkflowConflict, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(s.SaveWorkflow(ctx, &workflow.Workflow{})))
}

func notFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	wf, err := s.GetWorkflow(ctx, "missing")
	assert.Nil(t, wf)
	assert.Equal(t, workflow.CodeWorkflowNotFound, xerrors.CodeOf(err))
	exec, err := s.GetExecution(ctx, "missing")
	assert.Nil(t, exec)
	assert.Equal(t, workflow.CodeExecutionNotFound, xerrors.CodeOf(err))
}

func incrementalSaves(t *testing.T, s store.Store) {
	ctx := context.Background()
	exec := SampleExecution("exec_1", "wf_1", 1000)
	require.NoError(t, s.SaveExecution(ctx, exec))

	exec.StepResults[0].Status = workflow.StepCompleted
	exec.StepResults[0].Output = map[string]any{"greeting": "Hola Alice"}
	require.NoError(t, s.SaveExecution(ctx, exec))

	got, err := s.GetExecution(ctx, "exec_1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StepCompleted, got.StepResults[0].Status)
	assert.Equal(t, "Hola Alice", got.StepResults[0].Output["greeting"])

	exec.Status = workflow.StatusCompleted
	exec.CompletedAt = 2000
	require.NoError(t, s.SaveExecution(ctx, exec))
	got, err = s.GetExecution(ctx, "exec_1")
	require.NoError(t, err)
	assert.Equal(t, exec, got)

	list, err := s.ListExecutions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func terminalReadOnly(t *testing.T, s store.Store) {
	ctx := context.Background()
	exec := SampleExecution("exec_1", "wf_1", 1000)
	exec.Status = workflow.StatusFailed
	exec.Error = "boom"
	require.NoError(t, s.SaveExecution(ctx, exec))

	exec.Status = workflow.StatusRunning
	err := s.SaveExecution(ctx, exec)
	assert.Equal(t, workflow.CodeExecutionFinalized, xerrors.CodeOf(err))

	got, err := s.GetExecution(ctx, "exec_1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, got.Status)
}

func listFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, status := range []workflow.Status{workflow.StatusCompleted, workflow.StatusFailed, workflow.StatusRunning, workflow.StatusCompleted} {
		wfID := "wf_a"
		if i%2 == 1 {
			wfID = "wf_b"
		}
		exec := SampleExecution(fmt.Sprintf("exec_%d", i), wfID, int64(1000*(i+1)))
		exec.Status = status
		require.NoError(t, s.SaveExecution(ctx, exec))
	}

	all, err := s.ListExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "exec_0", all[0].ID)
	assert.Equal(t, "exec_3", all[3].ID)

	completed, err := s.ListExecutions(ctx, store.WithStatuses(workflow.StatusCompleted))
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	byWorkflow, err := s.ListExecutions(ctx, store.WithWorkflow("wf_b"))
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 2)

	recent, err := s.ListExecutions(ctx, store.WithStartedSince(time.UnixMilli(3000)))
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	page, err := s.ListExecutions(ctx, store.WithSortOrder(store.SortNewestFirst), store.WithOffset(1), store.WithLimit(2))
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "exec_2", page[0].ID)
	assert.Equal(t, "exec_1", page[1].ID)

	stats, err := s.ExecutionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{Total: 4, Running: 1, Completed: 2, Failed: 1, OldestStartedAt: 1000, NewestStartedAt: 4000}, stats)
}

func isolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	exec := SampleExecution("exec_1", "wf_1", 1000)
	require.NoError(t, s.SaveExecution(ctx, exec))
	exec.StepResults[0].Status = workflow.StepFailed

	got, err := s.GetExecution(ctx, "exec_1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StepPending, got.StepResults[0].Status)
	got.Input["name"] = "mutated"

	again, err := s.GetExecution(ctx, "exec_1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", again.Input["name"])
}

func concurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec := SampleExecution(fmt.Sprintf("exec_%d", i), "wf_1", int64(i+1))
			for j := 0; j < 5; j++ {
				assert.NoError(t, s.SaveExecution(ctx, exec))
			}
		}(i)
	}
	wg.Wait()
	list, err := s.ListExecutions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 8)
}
