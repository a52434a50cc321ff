package engine

import (
	"context"
	stdErrors "errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"MAHA-Orchestrator/internal/agent"
	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/workflow"
)

// invokeWithRetry 在步骤超时内调用 Agent。可重试错误（不可达、超时）按指数退避重试，
// 其余错误立即返回。返回实际尝试次数。
func (e *Engine) invokeWithRetry(ctx context.Context, step workflow.Step, payload map[string]any) (map[string]any, int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.retryInitial
	policy.MaxInterval = e.retryMax
	policy.MaxElapsedTime = 0

	var (
		output   map[string]any
		attempts int
		lastErr  error
	)
	operation := func() error {
		attempts++
		out, err := e.invoker.Invoke(ctx, step.AgentURL, workflow.CloneMap(payload))
		if err != nil {
			lastErr = err
			if xerrors.RetryableError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		output = out
		return nil
	}
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.maxRetries)), ctx))
	if err == nil {
		if output == nil {
			output = map[string]any{}
		}
		return output, attempts, nil
	}
	// 退避等待期间超时时 backoff 返回 ctx 错误，改用最近一次调用的错误描述。
	if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(err, context.Canceled) {
		if lastErr != nil && xerrors.CodeOf(lastErr) == agent.CodeTimeout {
			return nil, attempts, lastErr
		}
		return nil, attempts, xerrors.Wrap(agent.CodeTimeout, err,
			fmt.Sprintf("step %s did not finish within %s", step.ID, e.stepTimeout),
			xerrors.WithMetadata("agent_url", step.AgentURL))
	}
	if _, ok := xerrors.From(err); !ok {
		err = xerrors.Wrap(agent.CodeExecutionError, err, "invoke agent", xerrors.WithMetadata("agent_url", step.AgentURL))
	}
	return nil, attempts, err
}
