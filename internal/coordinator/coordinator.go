// Package coordinator drives a plan's steps through governance, budget,
// approval, routing and execution, and records every decision.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ppiankov/toolgate/internal/alert"
	"github.com/ppiankov/toolgate/internal/audit"
	"github.com/ppiankov/toolgate/internal/budget"
	"github.com/ppiankov/toolgate/internal/expiry"
	"github.com/ppiankov/toolgate/internal/governance"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/planning"
	"github.com/ppiankov/toolgate/internal/routing"
	"github.com/ppiankov/toolgate/internal/tracer"
	"github.com/ppiankov/toolgate/internal/worker"
)

const instrumentationName = "github.com/ppiankov/toolgate/internal/coordinator"

// Failure kinds carried in model.FailureContext.
const (
	KindPolicy     = "policy"
	KindBudget     = "budget"
	KindValidation = "validation"
	KindWorker     = "worker"
	KindApproval   = "approval"
	KindCancelled  = "cancelled"
)

// Deps are the shared components a coordinator drives. Engine, Router,
// Workers and Trail are required.
type Deps struct {
	Engine  *governance.Engine
	Router  *routing.Authority
	Workers *worker.Registry
	Trail   *audit.Trail
	// Enforcer is shared by every plan and tenant when set. When nil each
	// tenant gets a session enforcer on first use; see WithBudget.
	Enforcer *budget.Enforcer
	// Planner is only needed by CreatePlan.
	Planner *planning.Authority
}

// Config controls how a plan reacts to non-fatal step outcomes.
type Config struct {
	// StopOnApprovalDenied stops the plan when an approval is rejected or
	// times out instead of skipping the step.
	StopOnApprovalDenied bool
	// StopOnWorkerError stops the plan when a worker fails.
	StopOnWorkerError bool
	// ApprovalWait caps how long one step waits for a human. Zero waits
	// until the request itself expires.
	ApprovalWait time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig sets step outcome handling.
func WithConfig(cfg Config) Option { return func(c *Coordinator) { c.cfg = cfg } }

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithClock overrides the time source for step latencies.
func WithClock(clk expiry.Clock) Option { return func(c *Coordinator) { c.clock = clk } }

// WithTracerProvider sets the OpenTelemetry provider for plan and step spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) { c.otel = tp.Tracer(instrumentationName) }
}

// WithEmitterOptions are applied to every trace emitter the coordinator creates.
func WithEmitterOptions(opts ...tracer.Option) Option {
	return func(c *Coordinator) { c.emitterOpts = append(c.emitterOpts, opts...) }
}

// WithBudget sets the session budget each tenant's enforcer starts from.
// Without it a tenant's first plan supplies the budget. A tenant's
// budget_ceiling caps the cost ceiling either way.
func WithBudget(b budget.ToolBudget) Option {
	return func(c *Coordinator) {
		cp := b.Clone()
		c.budget = &cp
	}
}

// WithTraceRetention bounds how many traces stay queryable through Trace
// and GoldenSignals. The oldest trace is dropped first. Zero keeps all.
func WithTraceRetention(n int) Option { return func(c *Coordinator) { c.retention = n } }

// WithAlerts sends policy and budget denials to webhooks. A nil dispatcher
// disables alerting.
func WithAlerts(d *alert.Dispatcher) Option { return func(c *Coordinator) { c.alerts = d } }

// DefaultTraceRetention is the number of traces kept queryable when
// WithTraceRetention is not given.
const DefaultTraceRetention = 1024

// Coordinator executes plans. One instance is shared by concurrent plans;
// per-plan state lives on the stack of ExecutePlan and budget spend lives
// in one enforcer per tenant.
type Coordinator struct {
	deps        Deps
	cfg         Config
	logger      *zap.Logger
	clock       expiry.Clock
	otel        trace.Tracer
	emitterOpts []tracer.Option
	alerts      *alert.Dispatcher
	budget      *budget.ToolBudget
	retention   int

	mu        sync.Mutex
	emitters  map[string]*tracer.Emitter
	order     []string
	enforcers map[string]*budget.Enforcer
}

// New validates deps and builds a coordinator.
func New(deps Deps, opts ...Option) (*Coordinator, error) {
	switch {
	case deps.Engine == nil:
		return nil, errors.New("coordinator: governance engine is required")
	case deps.Router == nil:
		return nil, errors.New("coordinator: routing authority is required")
	case deps.Workers == nil:
		return nil, errors.New("coordinator: worker registry is required")
	case deps.Trail == nil:
		return nil, errors.New("coordinator: audit trail is required")
	}
	c := &Coordinator{
		deps:      deps,
		logger:    zap.NewNop(),
		clock:     expiry.SystemClock,
		otel:      otel.Tracer(instrumentationName),
		retention: DefaultTraceRetention,
		emitters:  make(map[string]*tracer.Emitter),
		enforcers: make(map[string]*budget.Enforcer),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Emitter returns the trace emitter for traceID, creating it on first use.
func (c *Coordinator) Emitter(traceID string) *tracer.Emitter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.emitters[traceID]; ok {
		return e
	}
	opts := append([]tracer.Option{tracer.WithLogger(c.logger)}, c.emitterOpts...)
	e := tracer.NewEmitter(traceID, opts...)
	c.emitters[e.TraceID()] = e
	c.order = append(c.order, e.TraceID())
	if c.retention > 0 {
		for len(c.order) > c.retention {
			c.forgetLocked(c.order[0])
		}
	}
	return e
}

// Forget drops a finished trace: its events are no longer returned by
// Trace or counted by GoldenSignals, and its sequence counter is released.
func (c *Coordinator) Forget(traceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetLocked(traceID)
}

func (c *Coordinator) forgetLocked(traceID string) {
	e, ok := c.emitters[traceID]
	if !ok {
		return
	}
	e.Close()
	delete(c.emitters, traceID)
	for i, id := range c.order {
		if id == traceID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Trace returns the events emitted for traceID.
func (c *Coordinator) Trace(traceID string) []tracer.Event {
	c.mu.Lock()
	e, ok := c.emitters[traceID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return e.Trace()
}

// GoldenSignals derives health signals from every trace this coordinator
// emitted. The audit backend is never queried.
func (c *Coordinator) GoldenSignals() tracer.GoldenSignals {
	c.mu.Lock()
	var events []tracer.Event
	for _, id := range c.order {
		events = append(events, c.emitters[id].Trace()...)
	}
	c.mu.Unlock()
	return tracer.ComputeGoldenSignals(events)
}

// CreatePlan asks the planner for a plan, records it and emits plan_created.
func (c *Coordinator) CreatePlan(ctx context.Context, req planning.Request) (model.Plan, error) {
	if c.deps.Planner == nil {
		return model.Plan{}, errors.New("coordinator: no planner configured")
	}
	plan, err := c.deps.Planner.CreatePlan(ctx, req)
	if err != nil {
		return model.Plan{}, err
	}
	em := c.Emitter(plan.TraceID)
	c.emit(em, tracer.EventPlanCreated, planDetails(plan))
	if err := c.deps.Trail.RecordPlan(ctx, plan, plan.Stage); err != nil {
		c.logger.Error("audit record failed", zap.String("trace_id", plan.TraceID), zap.Error(err))
	}
	return plan, nil
}

func planDetails(plan model.Plan) map[string]any {
	tools := make([]string, len(plan.Steps))
	for i, s := range plan.Steps {
		tools[i] = s.Tool
	}
	return map[string]any{
		"plan_id":          plan.PlanID,
		"steps":            len(plan.Steps),
		"tools":            tools,
		"estimated_cost":   plan.EstimatedTotalCost(),
		"estimated_tokens": plan.EstimatedTotalTokens(),
	}
}

// run is the per-plan state of one ExecutePlan call.
type run struct {
	plan     model.Plan
	ec       model.ExecutionContext
	em       *tracer.Emitter
	enforcer *budget.Enforcer
	span     trace.Span
	// routed is set when the plan arrived with workers already assigned.
	routed bool

	results   []model.StepResult
	approvals int
	failure   *model.FailureContext
}

// ExecutePlan runs plan's steps in index order. Governance and budget
// refusals stop the plan and the steps already finished come back as
// partial results. A rejected or timed-out approval skips only its step.
// The error return is reserved for plans that fail validation before any
// step runs.
func (c *Coordinator) ExecutePlan(ctx context.Context, plan model.Plan, ec model.ExecutionContext) (model.ExecutionResult, error) {
	if ec.TraceID == "" {
		ec.TraceID = plan.TraceID
	}
	if plan.TraceID == "" {
		plan.TraceID = ec.TraceID
	}
	ctx, span := c.otel.Start(ctx, "toolgate.execute_plan", trace.WithAttributes(
		attribute.String("toolgate.plan_id", plan.PlanID),
		attribute.String("toolgate.trace_id", plan.TraceID),
		attribute.String("toolgate.tenant", ec.Tenant),
		attribute.Int("toolgate.steps", len(plan.Steps)),
	))
	defer span.End()

	result := model.ExecutionResult{TraceID: plan.TraceID, PlanID: plan.PlanID, Stage: plan.Stage}
	fail := func(err error) (model.ExecutionResult, error) {
		result.FailureContext = &model.FailureContext{StepIndex: -1, Kind: KindValidation, Message: err.Error()}
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid plan")
		return result, err
	}

	if err := plan.Validate(); err != nil {
		return fail(err)
	}
	executing, err := plan.TransitionTo(model.StageExecuting)
	if err != nil {
		return fail(err)
	}
	enforcer, err := c.enforcerFor(executing, ec)
	if err != nil {
		return fail(&model.ValidationError{Field: "budget", Reason: err.Error()})
	}

	r := &run{
		plan:     executing,
		ec:       ec,
		em:       c.Emitter(plan.TraceID),
		enforcer: enforcer,
		span:     span,
		routed:   plan.Stage == model.StageRouted,
	}
	if !hasEvent(r.em, tracer.EventPlanCreated) {
		c.emit(r.em, tracer.EventPlanCreated, planDetails(plan))
	}
	c.audit(ctx, "plan", c.deps.Trail.RecordPlan(ctx, r.plan, model.StageExecuting))

	for _, step := range r.plan.Steps {
		if err := ctx.Err(); err != nil {
			r.stop(step, KindCancelled, "", "plan cancelled: "+err.Error())
			break
		}
		if !c.runStep(ctx, r, step) {
			break
		}
	}

	final := model.StageCompleted
	if r.failure != nil {
		final = model.StageFailed
	}
	if done, err := r.plan.TransitionTo(final); err == nil {
		r.plan = done
	}
	c.audit(ctx, "plan", c.deps.Trail.RecordPlan(ctx, r.plan, r.plan.Stage))

	result.Stage = r.plan.Stage
	result.Results = r.results
	result.ApprovalsRequired = r.approvals
	result.FailureContext = r.failure
	result.Success = r.failure == nil && !anyFailed(r.results)
	if r.failure != nil {
		for _, sr := range r.results {
			if sr.Status == model.StepSucceeded {
				result.PartialResults = append(result.PartialResults, sr)
			}
		}
		span.SetStatus(codes.Error, r.failure.Kind+": "+r.failure.Message)
	}
	span.SetAttributes(
		attribute.Bool("toolgate.success", result.Success),
		attribute.Int("toolgate.approvals_required", result.ApprovalsRequired),
	)
	c.logger.Info("plan finished",
		zap.String("trace_id", plan.TraceID),
		zap.String("plan_id", plan.PlanID),
		zap.String("stage", string(result.Stage)),
		zap.Bool("success", result.Success),
		zap.Int("steps", len(r.results)))
	return result, nil
}

// enforcerFor returns the shared enforcer or the tenant's session
// enforcer, creating it on first use. A tenant budget ceiling lower than
// the budget's cost ceiling wins.
func (c *Coordinator) enforcerFor(plan model.Plan, ec model.ExecutionContext) (*budget.Enforcer, error) {
	if c.deps.Enforcer != nil {
		return c.deps.Enforcer, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.enforcers[ec.Tenant]; ok {
		return e, nil
	}
	b := plan.Budget.Clone()
	if c.budget != nil {
		b = c.budget.Clone()
	}
	if ceiling, ok := c.deps.Engine.TenantBudgetCeiling(ec.Tenant); ok && ceiling < b.CostCeiling {
		b.CostCeiling = ceiling
	}
	e, err := budget.NewEnforcer(b)
	if err != nil {
		return nil, err
	}
	c.enforcers[ec.Tenant] = e
	c.logger.Debug("tenant budget opened",
		zap.String("tenant", ec.Tenant),
		zap.Float64("cost_ceiling", b.CostCeiling),
		zap.Int64("total_calls_ceiling", b.TotalCallsCeiling))
	return e, nil
}

// Usage reports the committed spend of tenant's session budget. ok is
// false when the tenant has not run a plan yet.
func (c *Coordinator) Usage(tenant string) (u budget.Usage, ok bool) {
	if c.deps.Enforcer != nil {
		return c.deps.Enforcer.Usage(), true
	}
	c.mu.Lock()
	e, ok := c.enforcers[tenant]
	c.mu.Unlock()
	if !ok {
		return budget.Usage{}, false
	}
	return e.Usage(), true
}

// ResetBudget zeroes tenant's session spend. With a shared enforcer every
// tenant is reset. Holds of steps still in flight are kept.
func (c *Coordinator) ResetBudget(tenant string) {
	if c.deps.Enforcer != nil {
		c.deps.Enforcer.Reset()
		return
	}
	c.mu.Lock()
	e, ok := c.enforcers[tenant]
	c.mu.Unlock()
	if ok {
		e.Reset()
	}
	c.logger.Info("tenant budget reset", zap.String("tenant", tenant))
}

func (r *run) stop(step model.PlanStep, kind, code, msg string) {
	r.failure = &model.FailureContext{StepIndex: step.Index, Tool: step.Tool, Kind: kind, Code: code, Message: msg}
}

func anyFailed(results []model.StepResult) bool {
	for _, r := range results {
		if r.Status == model.StepFailed {
			return true
		}
	}
	return false
}

func hasEvent(em *tracer.Emitter, name string) bool {
	for _, ev := range em.Trace() {
		if ev.Event == name {
			return true
		}
	}
	return false
}

func (c *Coordinator) emit(em *tracer.Emitter, name string, details map[string]any) {
	if _, err := em.Emit(name, details); err != nil {
		c.logger.Error("trace emit failed", zap.String("event", name), zap.Error(err))
	}
}

func (c *Coordinator) audit(_ context.Context, what string, err error) {
	if err != nil {
		c.logger.Error("audit record failed", zap.String("record", what), zap.Error(err))
	}
}

func stepAttrs(step model.PlanStep) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.Int("toolgate.step.index", step.Index),
		attribute.String("toolgate.step.tool", step.Tool),
		attribute.String("toolgate.step.domain", step.Metadata.Domain),
		attribute.String("toolgate.step.side_effect_class", string(step.Metadata.SideEffectClass)),
	)
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func stepName(step model.PlanStep) string {
	return fmt.Sprintf("step %d (%s)", step.Index, step.Tool)
}
