// Package reputation reports finished agent steps to the on-chain reputation
// contract. Reports are sent in the background so a slow chain never delays an
// execution.
package reputation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"MAHA-Orchestrator/internal/agent"
	"MAHA-Orchestrator/internal/engine"
	"MAHA-Orchestrator/internal/web3"
	"MAHA-Orchestrator/internal/workflow"
	"MAHA-Orchestrator/pkg/logger"
)

// Recorder sends a task completion transaction. web3.Client satisfies it.
type Recorder interface {
	RecordTaskCompletion(ctx context.Context, rec web3.TaskCompletion) (common.Hash, error)
}

// AgentSource resolves the registered metadata of an agent url.
type AgentSource interface {
	Get(url string) (*agent.Agent, error)
}

// Reporter turns step results into reputation transactions.
type Reporter struct {
	recorder Recorder
	agents   AgentSource
	log      *slog.Logger
	timeout  time.Duration

	wg sync.WaitGroup
}

// Option customises a Reporter.
type Option func(*Reporter)

// WithTimeout bounds a single transaction submission.
func WithTimeout(d time.Duration) Option {
	return func(r *Reporter) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reporter) {
		if l != nil {
			r.log = l
		}
	}
}

// New creates a Reporter.
func New(recorder Recorder, agents AgentSource, opts ...Option) *Reporter {
	r := &Reporter{
		recorder: recorder,
		agents:   agents,
		log:      logger.Named("reputation"),
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Hook returns the engine step hook that reports every invoked step.
func (r *Reporter) Hook() engine.StepHook {
	return func(ctx context.Context, _ *workflow.Workflow, res workflow.StepResult) {
		rec, ok := r.completion(res)
		if !ok {
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.report(context.WithoutCancel(ctx), res, rec)
		}()
	}
}

// Wait blocks until every pending report has been sent or has failed.
func (r *Reporter) Wait() {
	r.wg.Wait()
}

func (r *Reporter) completion(res workflow.StepResult) (web3.TaskCompletion, bool) {
	if res.Attempts == 0 {
		return web3.TaskCompletion{}, false
	}
	if res.Status != workflow.StepCompleted && res.Status != workflow.StepFailed {
		return web3.TaskCompletion{}, false
	}
	meta, err := r.agents.Get(res.AgentURL)
	if err != nil || meta.Wallet == "" {
		return web3.TaskCompletion{}, false
	}
	wallet, err := web3.NormalizeWallet(meta.Wallet)
	if err != nil {
		r.log.Warn("agent wallet rejected",
			slog.String("agent_url", res.AgentURL),
			slog.Any("error", err))
		return web3.TaskCompletion{}, false
	}
	return web3.TaskCompletion{
		Agent:    common.HexToAddress(wallet),
		Success:  res.Status == workflow.StepCompleted,
		Latency:  time.Duration(res.Duration) * time.Millisecond,
		TaskHash: res.InputHash,
	}, true
}

func (r *Reporter) report(ctx context.Context, res workflow.StepResult, rec web3.TaskCompletion) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	hash, err := r.recorder.RecordTaskCompletion(ctx, rec)
	if err != nil {
		r.log.Warn("reputation report failed",
			slog.String("step_id", res.StepID),
			slog.String("agent_url", res.AgentURL),
			slog.Any("error", err))
		return
	}
	r.log.Info("reputation reported",
		slog.String("step_id", res.StepID),
		slog.String("agent_url", res.AgentURL),
		slog.String("wallet", rec.Agent.Hex()),
		slog.Bool("success", rec.Success),
		slog.String("task_hash", rec.TaskHash),
		slog.String("tx_hash", hash.Hex()))
}
