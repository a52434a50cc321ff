package planner

import (
	"context"
	"log/slog"

	"MAHA-Orchestrator/internal/agent"
	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/pkg/logger"
)

// FallbackStrategy tries primary and, when it fails or proposes nothing,
// the secondary strategy.
type FallbackStrategy struct {
	primary   Strategy
	secondary Strategy
	log       *slog.Logger
}

// NewFallbackStrategy composes two strategies.
func NewFallbackStrategy(primary, secondary Strategy) *FallbackStrategy {
	return &FallbackStrategy{primary: primary, secondary: secondary, log: logger.Named("planner")}
}

// Name implements Strategy.
func (f *FallbackStrategy) Name() string {
	return f.primary.Name() + "+" + f.secondary.Name()
}

// Propose implements Strategy.
func (f *FallbackStrategy) Propose(ctx context.Context, intent Intent, agents []agent.Agent) (*Proposal, error) {
	proposal, err := f.primary.Propose(ctx, intent, agents)
	if err == nil && proposal != nil && len(proposal.Steps) > 0 {
		return proposal, nil
	}
	attrs := []any{slog.String("primary", f.primary.Name()), slog.String("secondary", f.secondary.Name())}
	if err != nil {
		attrs = append(attrs, slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
	}
	f.log.Warn("primary planning strategy failed, falling back", attrs...)
	return f.secondary.Propose(ctx, intent, agents)
}
