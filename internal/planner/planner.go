// Package planner turns a natural-language goal into a validated workflow.
// Strategies only propose steps; every proposal passes the same boundary
// checks before a Workflow is built.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"MAHA-Orchestrator/internal/agent"
	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/workflow"
	"MAHA-Orchestrator/pkg/logger"
)

// CodePlanningFailed means no usable plan could be produced.
const CodePlanningFailed xerrors.Code = "PLANNING_FAILED"

func init() {
	xerrors.Register(CodePlanningFailed, xerrors.Attributes{
		Message:    "workflow planning failed",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusBadRequest,
	})
}

const maxRawOutput = 2000

// Intent is a planning request.
type Intent struct {
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

// Proposal is what a Strategy suggests. Agent may be a registered name or url.
type Proposal struct {
	Strategy  string
	Steps     []ProposedStep
	Mode      workflow.Mode
	Reasoning string
	Raw       string
}

// ProposedStep is a step before agent resolution.
type ProposedStep struct {
	StepID        string
	Agent         string
	Description   string
	InputMapping  map[string]workflow.FieldRef
	OutputMapping map[string]string
}

// Strategy proposes steps for an intent given the registered agents.
type Strategy interface {
	Name() string
	Propose(ctx context.Context, intent Intent, agents []agent.Agent) (*Proposal, error)
}

// AgentSource lists registered agents in registration order.
type AgentSource interface {
	List() []agent.Agent
}

// PolicyChecker vets a built workflow before it is returned.
type PolicyChecker interface {
	Check(ctx context.Context, wf *workflow.Workflow) error
}

// Planner validates strategy output and assembles workflows.
type Planner struct {
	agents   AgentSource
	strategy Strategy
	policy   PolicyChecker
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures a Planner.
type Option func(*Planner)

// WithPolicy installs a plan policy gate.
func WithPolicy(p PolicyChecker) Option {
	return func(pl *Planner) { pl.policy = p }
}

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(pl *Planner) {
		if l != nil {
			pl.log = l
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(pl *Planner) {
		if now != nil {
			pl.now = now
		}
	}
}

// WithIDGenerator replaces the workflow id generator.
func WithIDGenerator(gen func() string) Option {
	return func(pl *Planner) {
		if gen != nil {
			pl.newID = gen
		}
	}
}

// New creates a Planner.
func New(agents AgentSource, strategy Strategy, opts ...Option) *Planner {
	p := &Planner{
		agents:   agents,
		strategy: strategy,
		log:      logger.Named("planner"),
		now:      time.Now,
		newID:    func() string { return "wf_" + uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Strategy returns the configured strategy name.
func (p *Planner) Strategy() string {
	if p.strategy == nil {
		return ""
	}
	return p.strategy.Name()
}

// Plan builds a workflow for the intent. Unknown agents and forward or self
// references are rejected; nothing is persisted here.
func (p *Planner) Plan(ctx context.Context, intent Intent) (*workflow.Workflow, error) {
	ctx, span := otel.Tracer("maha/planner").Start(ctx, "planner.Plan")
	defer span.End()

	wf, err := p.plan(ctx, intent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(xerrors.CodeOf(err)))
		p.log.Warn("planning failed",
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.Int("workflow.steps", len(wf.Steps)),
		attribute.String("workflow.mode", string(wf.ExecutionMode)),
	)
	p.log.Info("workflow planned",
		slog.String("workflow_id", wf.ID),
		slog.String("planner", wf.Planner),
		slog.Int("steps", len(wf.Steps)),
		slog.String("mode", string(wf.ExecutionMode)))
	return wf, nil
}

func (p *Planner) plan(ctx context.Context, intent Intent) (*workflow.Workflow, error) {
	intent.Description = strings.TrimSpace(intent.Description)
	if intent.Description == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "description is required")
	}
	if p.strategy == nil {
		return nil, xerrors.New(CodePlanningFailed, "no planning strategy configured")
	}
	agents := p.agents.List()
	if len(agents) == 0 {
		return nil, xerrors.New(CodePlanningFailed, "no agents are registered")
	}

	proposal, err := p.strategy.Propose(ctx, intent, agents)
	if err != nil {
		if xerrors.HasCode(err, CodePlanningFailed) || xerrors.HasCode(err, workflow.CodeInvariantViolation) {
			return nil, err
		}
		return nil, xerrors.Wrap(CodePlanningFailed, err, fmt.Sprintf("%s strategy failed", p.strategy.Name()))
	}
	if proposal == nil || len(proposal.Steps) == 0 {
		raw := ""
		if proposal != nil {
			raw = proposal.Raw
		}
		return nil, failed("plan contains no steps", raw)
	}

	byURL := make(map[string]*agent.Agent, len(agents))
	byName := make(map[string]*agent.Agent, len(agents))
	for i := range agents {
		a := &agents[i]
		byURL[agent.NormalizeURL(a.URL)] = a
		name := strings.ToLower(strings.TrimSpace(a.Name))
		if _, taken := byName[name]; !taken {
			byName[name] = a
		}
	}

	steps := make([]workflow.Step, 0, len(proposal.Steps))
	used := make([]*agent.Agent, 0, len(proposal.Steps))
	for i, ps := range proposal.Steps {
		id := strings.TrimSpace(ps.StepID)
		if id == "" {
			id = fmt.Sprintf("step_%d", i+1)
		}
		a, ok := byURL[agent.NormalizeURL(ps.Agent)]
		if !ok {
			a, ok = byName[strings.ToLower(strings.TrimSpace(ps.Agent))]
		}
		if !ok {
			return nil, xerrors.New(workflow.CodeInvariantViolation,
				fmt.Sprintf("step %q uses unknown agent %q", id, ps.Agent),
				xerrors.WithMetadata("step_id", id),
				xerrors.WithMetadata("raw_output", clipRaw(proposal.Raw)))
		}
		desc := strings.TrimSpace(ps.Description)
		if desc == "" {
			desc = "Execute " + a.Name
		}
		in := ps.InputMapping
		if in == nil {
			in = map[string]workflow.FieldRef{}
		}
		out := ps.OutputMapping
		if out == nil {
			out = map[string]string{}
		}
		steps = append(steps, workflow.Step{
			ID:            id,
			AgentURL:      a.URL,
			AgentName:     a.Name,
			Description:   desc,
			InputMapping:  in,
			OutputMapping: out,
		})
		used = append(used, a)
	}

	wf := &workflow.Workflow{
		ID:          p.newID(),
		Name:        workflowName(intent.Description),
		Description: intent.Description,
		UserIntent:  intent.Description,
		Steps:       steps,
		Planner:     plannedBy(proposal, p.strategy),
		Reasoning:   strings.TrimSpace(proposal.Reasoning),
		CreatedAt:   p.now().UnixMilli(),
	}
	wf.ExecutionMode = chooseMode(wf, proposal.Mode, intent.Preferences)
	if err := wf.Validate(func(url string) bool {
		_, ok := byURL[agent.NormalizeURL(url)]
		return ok
	}); err != nil {
		return nil, withRawOutput(err, proposal.Raw)
	}
	if err := checkOutputFields(steps, used); err != nil {
		return nil, withRawOutput(err, proposal.Raw)
	}
	if p.policy != nil {
		if err := p.policy.Check(ctx, wf); err != nil {
			return nil, err
		}
	}
	wf.EstimatedDuration = estimateDuration(used)
	wf.DefaultInput = defaultInput(intent, wf)
	return wf, nil
}

func plannedBy(proposal *Proposal, s Strategy) string {
	if proposal.Strategy != "" {
		return proposal.Strategy
	}
	return s.Name()
}

// chooseMode returns parallel only when no step reads another step's output
// and nobody asked for sequential.
func chooseMode(wf *workflow.Workflow, proposed workflow.Mode, prefs map[string]any) workflow.Mode {
	if len(wf.Steps) < 2 || wf.HasStepReferences() {
		return workflow.ModeSequential
	}
	for _, key := range []string{"executionMode", "mode"} {
		if pref, _ := prefs[key].(string); strings.EqualFold(pref, string(workflow.ModeSequential)) {
			return workflow.ModeSequential
		}
	}
	if proposed == workflow.ModeSequential {
		return workflow.ModeSequential
	}
	return workflow.ModeParallel
}

// checkOutputFields 拒绝引用上游 Agent 未在 outputSchema 中声明的字段。
// 上游 Agent 未声明 properties 时不做限制。
func checkOutputFields(steps []workflow.Step, used []*agent.Agent) error {
	index := make(map[string]int, len(steps))
	for i, st := range steps {
		for _, field := range workflow.SortedKeys(st.InputMapping) {
			ref := st.InputMapping[field]
			if ref.Kind != workflow.RefStep {
				continue
			}
			j, ok := index[ref.StepID]
			if !ok {
				continue
			}
			declared, _ := agent.SchemaProperties(used[j].OutputSchema)
			if len(declared) == 0 {
				continue
			}
			head, _, _ := strings.Cut(ref.Field, ".")
			if slices.Contains(declared, ref.Field) || slices.Contains(declared, head) {
				continue
			}
			return xerrors.New(workflow.CodeInvariantViolation,
				fmt.Sprintf("input %q of step %q references %s but %s declares no output field %q",
					field, st.ID, ref.String(), used[j].Name, head),
				xerrors.WithMetadata("step_id", st.ID),
				xerrors.WithMetadata("field", field))
		}
		index[st.ID] = i
	}
	return nil
}

// withRawOutput 给结构校验错误附上规划器原始输出。
func withRawOutput(err error, raw string) error {
	e, ok := xerrors.From(err)
	if !ok || e.Code() != workflow.CodeInvariantViolation {
		return err
	}
	opts := []xerrors.Option{xerrors.WithMetadata("raw_output", clipRaw(raw))}
	for k, v := range e.Metadata() {
		opts = append(opts, xerrors.WithMetadata(k, v))
	}
	return xerrors.Wrap(e.Code(), e.Unwrap(), e.Message(), opts...)
}

func failed(msg, raw string) error {
	return xerrors.New(CodePlanningFailed, msg, xerrors.WithMetadata("raw_output", clipRaw(raw)))
}

func clipRaw(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) > maxRawOutput {
		raw = raw[:maxRawOutput]
	}
	return raw
}
