package reputation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MAHA-Orchestrator/internal/agent"
	"MAHA-Orchestrator/internal/web3"
	"MAHA-Orchestrator/internal/workflow"
)

const wallet = "0x52908400098527886E0F7030069857D2E4169EE7"

type fakeRecorder struct {
	mu      sync.Mutex
	records []web3.TaskCompletion
	err     error
}

func (f *fakeRecorder) RecordTaskCompletion(_ context.Context, rec web3.TaskCompletion) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return common.Hash{}, f.err
	}
	f.records = append(f.records, rec)
	return common.HexToHash("0xabc"), nil
}

func (f *fakeRecorder) all() []web3.TaskCompletion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]web3.TaskCompletion(nil), f.records...)
}

type agentMap map[string]*agent.Agent

func (m agentMap) Get(url string) (*agent.Agent, error) {
	if a, ok := m[url]; ok {
		return a, nil
	}
	return nil, errors.New("not registered")
}

func TestReporterRecordsInvokedSteps(t *testing.T) {
	rec := &fakeRecorder{}
	agents := agentMap{
		"http://paid":  {URL: "http://paid", Wallet: "0x52908400098527886e0f7030069857d2e4169ee7"},
		"http://plain": {URL: "http://plain"},
	}
	r := New(rec, agents, WithTimeout(time.Second))
	hook := r.Hook()
	ctx := context.Background()

	hook(ctx, nil, workflow.StepResult{StepID: "s1", AgentURL: "http://paid", Status: workflow.StepCompleted, Attempts: 1, Duration: 120, InputHash: "0x01"})
	hook(ctx, nil, workflow.StepResult{StepID: "s2", AgentURL: "http://paid", Status: workflow.StepFailed, Attempts: 2, Duration: 40})
	hook(ctx, nil, workflow.StepResult{StepID: "s3", AgentURL: "http://plain", Status: workflow.StepCompleted, Attempts: 1})
	hook(ctx, nil, workflow.StepResult{StepID: "s4", AgentURL: "http://paid", Status: workflow.StepFailed, Attempts: 0})
	hook(ctx, nil, workflow.StepResult{StepID: "s5", AgentURL: "http://unknown", Status: workflow.StepCompleted, Attempts: 1})
	r.Wait()

	got := rec.all()
	require.Len(t, got, 2)
	bySuccess := map[bool]web3.TaskCompletion{}
	for _, c := range got {
		bySuccess[c.Success] = c
		assert.Equal(t, wallet, c.Agent.Hex())
	}
	assert.Equal(t, 120*time.Millisecond, bySuccess[true].Latency)
	assert.Equal(t, "0x01", bySuccess[true].TaskHash)
	assert.Equal(t, 40*time.Millisecond, bySuccess[false].Latency)
}

func TestReporterIgnoresInvalidWallet(t *testing.T) {
	rec := &fakeRecorder{}
	r := New(rec, agentMap{"http://a": {URL: "http://a", Wallet: "not-an-address"}})
	r.Hook()(context.Background(), nil, workflow.StepResult{AgentURL: "http://a", Status: workflow.StepCompleted, Attempts: 1})
	r.Wait()
	assert.Empty(t, rec.all())
}

func TestReporterSurvivesRecorderFailure(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("nonce too low")}
	r := New(rec, agentMap{"http://a": {URL: "http://a", Wallet: wallet}})

	ctx, cancel := context.WithCancel(context.Background())
	r.Hook()(ctx, nil, workflow.StepResult{AgentURL: "http://a", Status: workflow.StepCompleted, Attempts: 1})
	cancel()
	r.Wait()
	assert.Empty(t, rec.all())
}
