package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/toolgate/internal/alert"
	"github.com/ppiankov/toolgate/internal/approval"
	"github.com/ppiankov/toolgate/internal/audit"
	"github.com/ppiankov/toolgate/internal/budget"
	"github.com/ppiankov/toolgate/internal/governance"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/planning"
	"github.com/ppiankov/toolgate/internal/routing"
	"github.com/ppiankov/toolgate/internal/sandbox"
	"github.com/ppiankov/toolgate/internal/tracer"
	"github.com/ppiankov/toolgate/internal/worker"
)

const testRegistry = `
version: "1"
tools:
  - name: crm_lookup
    description: look up an account in the crm
    keywords: [crm, account]
    domain: crm
    action_type: read
    side_effect_class: read-only
    estimated_cost: 0.1
    estimated_tokens: 10
  - name: calculator
    action_type: compute
    side_effect_class: read-only
  - name: send_email
    domain: outreach
    action_type: write
    side_effect_class: execute
    requires_approval: true
    approval_timeout_seconds: 30
  - name: refund
    action_type: financial
    side_effect_class: execute
    requires_approval: true
    approval_timeout_seconds: 0
  - name: wire_transfer
    action_type: financial
    side_effect_class: read-only
  - name: flaky
    action_type: read
  - name: broken
    action_type: read
  - name: slow
    action_type: read
  - name: limited
    action_type: read
    max_rate_per_minute: 2
  - name: code_exec
    action_type: compute
    side_effect_class: read-only
tenants:
  - tenant: acme
    denied_tools: [wire_transfer]
    max_concurrent_calls: 1
  - tenant: initech
    budget_ceiling: 0.15
`

type harness struct {
	engine  *governance.Engine
	workers *worker.Registry
	trail   *audit.Trail
	coord   *Coordinator
	spans   *tracetest.SpanRecorder
	doc     *governance.Document

	slowStarted chan struct{}
	slowRelease chan struct{}
}

func echo(name string) worker.Worker {
	return worker.NewFunc(name, nil, func(_ context.Context, tool string, input map[string]any) (any, error) {
		return map[string]any{"worker": name, "tool": tool}, nil
	})
}

func failing(name string) worker.Worker {
	return worker.NewFunc(name, nil, func(context.Context, string, map[string]any) (any, error) {
		return nil, errors.New("upstream unavailable token=s3cr3t")
	})
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithStore(t, approval.NewMemoryStore(), cfg, opts...)
}

func newHarnessWithStore(t *testing.T, store approval.Store, cfg Config, opts ...Option) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	doc, err := governance.ParseDocument([]byte(testRegistry))
	require.NoError(t, err)

	mgr := approval.NewManager(store,
		approval.WithLogger(logger), approval.WithPollInterval(10*time.Millisecond))
	engine, err := governance.NewEngine(doc, mgr, governance.WithLogger(logger))
	require.NoError(t, err)

	h := &harness{
		engine:      engine,
		doc:         doc,
		workers:     worker.NewRegistry(doc.ToolNames()...),
		trail:       audit.NewTrail(audit.NewMemoryLog()),
		spans:       tracetest.NewSpanRecorder(),
		slowStarted: make(chan struct{}),
		slowRelease: make(chan struct{}),
	}

	eval, err := sandbox.NewEvaluator()
	require.NoError(t, err)
	_, err = worker.RegisterBuiltins(h.workers, eval, nil)
	require.NoError(t, err)
	for tool, ws := range map[string][]worker.Worker{
		"crm_lookup":    {echo("crm-a"), echo("crm-b")},
		"send_email":    {echo("mailer")},
		"refund":        {echo("payments")},
		"wire_transfer": {echo("payments")},
		"flaky":         {failing("flaky-a"), echo("flaky-b")},
		"broken":        {failing("broken-a")},
		"limited":       {echo("limited-a")},
	} {
		for _, w := range ws {
			require.NoError(t, h.workers.Register(tool, w))
		}
	}
	var once sync.Once
	require.NoError(t, h.workers.Register("slow", worker.NewFunc("slow-a", nil,
		func(ctx context.Context, _ string, _ map[string]any) (any, error) {
			once.Do(func() { close(h.slowStarted) })
			select {
			case <-h.slowRelease:
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})))

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))
	opts = append([]Option{WithConfig(cfg), WithLogger(logger), WithTracerProvider(tp)}, opts...)
	h.coord, err = New(Deps{
		Engine:  engine,
		Router:  routing.NewAuthority(&routing.RoundRobin{}, logger),
		Workers: h.workers,
		Trail:   h.trail,
		Planner: planning.NewAuthority(),
	}, opts...)
	require.NoError(t, err)
	return h
}

func testBudget() budget.ToolBudget {
	return budget.ToolBudget{
		TotalCallsCeiling: 10,
		CostCeiling:       10,
		TokenCeiling:      10000,
		WarningThreshold:  0.8,
		Policy:            budget.PolicyBlock,
	}
}

func step(i int, tool string, input map[string]any) model.PlanStep {
	return model.PlanStep{
		Index:           i,
		Tool:            tool,
		Name:            tool,
		Input:           input,
		EstimatedCost:   0.1,
		EstimatedTokens: 10,
		Metadata:        model.StepMetadata{Domain: "test"},
	}
}

func newPlan(b budget.ToolBudget, steps ...model.PlanStep) model.Plan {
	return model.Plan{
		PlanID:  tracer.NewPlanID(),
		TraceID: tracer.NewTraceID(),
		Goal:    "test goal",
		Stage:   model.StageCreated,
		Budget:  b,
		Steps:   steps,
	}
}

func acme(plan model.Plan) model.ExecutionContext {
	return model.ExecutionContext{TraceID: plan.TraceID, RequestID: "r-1", Tenant: "acme"}
}

func initech(plan model.Plan) model.ExecutionContext {
	return model.ExecutionContext{TraceID: plan.TraceID, RequestID: "r-1", Tenant: "initech"}
}

func oneCallBudget() budget.ToolBudget {
	b := testBudget()
	b.TotalCallsCeiling = 1
	return b
}

func eventNames(events []tracer.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Event
	}
	return out
}

func countEvents(events []tracer.Event, name string) int {
	n := 0
	for _, ev := range events {
		if ev.Event == name {
			n++
		}
	}
	return n
}

func statuses(results []model.StepResult) []model.StepStatus {
	out := make([]model.StepStatus, len(results))
	for i, r := range results {
		out[i] = r.Status
	}
	return out
}

func approveWhenPending(t *testing.T, e *governance.Engine, approve bool) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			pending, _ := e.Approvals().Pending()
			if len(pending) > 0 {
				id := pending[0].ApprovalID
				if approve {
					e.ApproveRequest(id, "alice")
				} else {
					e.RejectRequest(id, "not today password=hunter2")
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

// --- happy path ---

func TestExecutePlanSuccess(t *testing.T) {
	h := newHarness(t, Config{})
	plan := newPlan(testBudget(),
		step(0, "crm_lookup", map[string]any{"account": "acme"}),
		step(1, "calculator", map[string]any{"expression": "2 + 3 * 4"}),
	)

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Nil(t, res.FailureContext)
	assert.Empty(t, res.PartialResults)
	assert.Equal(t, model.StageCompleted, res.Stage)
	assert.Equal(t, plan.TraceID, res.TraceID)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "crm-a", res.Results[0].Worker)
	assert.Equal(t, 14.0, res.Results[1].Output.(map[string]any)["result"])

	assert.Equal(t, []string{
		tracer.EventPlanCreated,
		tracer.EventRouteDecision, tracer.EventToolCallStart, tracer.EventToolCallComplete,
		tracer.EventRouteDecision, tracer.EventToolCallStart, tracer.EventToolCallComplete,
	}, eventNames(h.coord.Trace(plan.TraceID)))

	history, err := h.trail.History(context.Background(), plan.TraceID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, audit.DecisionPlanning, history[0].DecisionType)
	assert.Equal(t, string(model.StageExecuting), history[0].Stage)
	assert.Equal(t, audit.DecisionRouting, history[1].DecisionType)
	assert.Equal(t, "crm-a", history[1].Target)
	assert.Equal(t, string(model.StageExecuting), history[1].Stage)
	assert.Equal(t, audit.DecisionRouting, history[2].DecisionType)
	assert.Equal(t, string(model.StageCompleted), history[3].Stage)
}

func TestExecutePlanDoesNotMutateInput(t *testing.T) {
	h := newHarness(t, Config{})
	plan := newPlan(testBudget(), step(0, "crm_lookup", map[string]any{"account": "acme"}))

	_, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)
	assert.Equal(t, model.StageCreated, plan.Stage)
	assert.Empty(t, plan.Steps[0].Worker)
}

func TestGoldenSignalsFromTrace(t *testing.T) {
	h := newHarness(t, Config{})
	plan := newPlan(testBudget(),
		step(0, "crm_lookup", nil),
		step(1, "broken", nil),
		step(2, "crm_lookup", nil),
	)
	_, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)

	s := h.coord.GoldenSignals()
	assert.Equal(t, 3, s.ToolCalls)
	assert.Equal(t, 2, s.Successes)
	assert.Equal(t, 1, s.Errors)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
	assert.Equal(t, len(h.coord.Trace(plan.TraceID)), s.TotalEvents)
}

// --- governance ---

func TestPolicyViolationStopsPlanAndRedactsDenial(t *testing.T) {
	h := newHarness(t, Config{})
	plan := newPlan(testBudget(),
		step(0, "crm_lookup", nil),
		step(1, "wire_transfer", map[string]any{"amount": 100, "password": "hunter2"}),
		step(2, "calculator", map[string]any{"expression": "1 + 1"}),
	)

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, model.StageFailed, res.Stage)
	require.NotNil(t, res.FailureContext)
	assert.Equal(t, 1, res.FailureContext.StepIndex)
	assert.Equal(t, KindPolicy, res.FailureContext.Kind)
	assert.Equal(t, model.CodeTenantToolDenied, res.FailureContext.Code)
	assert.Equal(t, []model.StepStatus{model.StepSucceeded, model.StepFailed}, statuses(res.Results))
	require.Len(t, res.PartialResults, 1)
	assert.Equal(t, "crm_lookup", res.PartialResults[0].Tool)

	history, err := h.trail.History(context.Background(), plan.TraceID)
	require.NoError(t, err)
	var denial *audit.DecisionRecord
	for i := range history {
		if history[i].Details["outcome"] == "denied" {
			denial = &history[i]
		}
	}
	require.NotNil(t, denial, "denial must be audited before it is surfaced")
	assert.Equal(t, "step:1:wire_transfer", denial.Target)
	raw, err := json.Marshal(history)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
}

func TestDenialsRaiseAlerts(t *testing.T) {
	got := make(chan alert.AlertEvent, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev alert.AlertEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
			got <- ev
		}
	}))
	defer srv.Close()

	d := alert.NewDispatcher([]alert.AlertConfig{{
		URL:    srv.URL,
		Format: "generic",
		Events: []string{alert.TypePolicyViolation, alert.TypeBudgetExceeded},
	}}, zaptest.NewLogger(t))
	h := newHarness(t, Config{}, WithAlerts(d))
	plan := newPlan(testBudget(), step(0, "wire_transfer", map[string]any{"amount": 5}))

	_, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)

	select {
	case ev := <-got:
		assert.Equal(t, alert.TypePolicyViolation, ev.Type)
		assert.Equal(t, "wire_transfer", ev.Tool)
		assert.Equal(t, "acme", ev.Tenant)
		assert.Equal(t, model.CodeTenantToolDenied, ev.Status)
		assert.Equal(t, plan.TraceID, ev.TraceID)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert delivered")
	}
}

func TestUnregisteredToolStops(t *testing.T) {
	h := newHarness(t, Config{})
	plan := newPlan(testBudget(), step(0, "ghost", nil))

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)
	require.NotNil(t, res.FailureContext)
	assert.Equal(t, model.CodeToolNotRegistered, res.FailureContext.Code)
}

func TestRateLimitStopsPlan(t *testing.T) {
	h := newHarness(t, Config{})
	plan := newPlan(testBudget(),
		step(0, "limited", nil), step(1, "limited", nil), step(2, "limited", nil))

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)
	require.NotNil(t, res.FailureContext)
	assert.Equal(t, model.CodeRateLimitExceeded, res.FailureContext.Code)
	assert.Equal(t, 2, res.FailureContext.StepIndex)
	assert.Len(t, res.PartialResults, 2)
}

func TestTenantConcurrencyLimit(t *testing.T) {
	h := newHarness(t, Config{})
	slow := newPlan(testBudget(), step(0, "slow", nil))

	done := make(chan model.ExecutionResult, 1)
	go func() {
		res, _ := h.coord.ExecutePlan(context.Background(), slow, acme(slow))
		done <- res
	}()
	<-h.slowStarted

	other := newPlan(testBudget(), step(0, "crm_lookup", nil))
	res, err := h.coord.ExecutePlan(context.Background(), other, acme(other))
	require.NoError(t, err)
	require.NotNil(t, res.FailureContext)
	assert.Equal(t, model.CodeConcurrencyExceeded, res.FailureContext.Code)

	close(h.slowRelease)
	first := <-done
	assert.True(t, first.Success)

	again := newPlan(testBudget(), step(0, "crm_lookup", nil))
	res, err = h.coord.ExecutePlan(context.Background(), again, acme(again))
	require.NoError(t, err)
	assert.True(t, res.Success, "slot must be released after the slow call")
}

// --- budget ---

func TestBudgetBlockStopsRemainingSteps(t *testing.T) {
	h := newHarness(t, Config{})
	b := testBudget()
	b.TotalCallsCeiling = 2
	plan := newPlan(b,
		step(0, "crm_lookup", nil), step(1, "crm_lookup", nil),
		step(2, "crm_lookup", nil), step(3, "crm_lookup", nil))

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.NotNil(t, res.FailureContext)
	assert.Equal(t, KindBudget, res.FailureContext.Kind)
	assert.Equal(t, "budget_exceeded:total", res.FailureContext.Code)
	assert.Equal(t, 2, res.FailureContext.StepIndex)
	assert.Len(t, res.PartialResults, 2)
	assert.Len(t, res.Results, 3)

	events := h.coord.Trace(plan.TraceID)
	assert.Equal(t, 1, countEvents(events, tracer.EventBudgetExceeded))
	assert.Equal(t, 1, countEvents(events, tracer.EventBudgetWarning))
}

func TestBudgetWarnPolicyContinues(t *testing.T) {
	h := newHarness(t, Config{})
	b := testBudget()
	b.TotalCallsCeiling = 2
	b.Policy = budget.PolicyWarn
	plan := newPlan(b, step(0, "crm_lookup", nil), step(1, "crm_lookup", nil), step(2, "crm_lookup", nil))

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Len(t, res.Results, 3)
	assert.Equal(t, 1, countEvents(h.coord.Trace(plan.TraceID), tracer.EventBudgetExceeded))
}

func TestSharedEnforcerSpansPlans(t *testing.T) {
	b := testBudget()
	b.TotalCallsCeiling = 1
	enf, err := budget.NewEnforcer(b)
	require.NoError(t, err)

	h := newHarness(t, Config{})
	h.coord.deps.Enforcer = enf

	first := newPlan(testBudget(), step(0, "crm_lookup", nil))
	res, err := h.coord.ExecutePlan(context.Background(), first, acme(first))
	require.NoError(t, err)
	assert.True(t, res.Success)

	second := newPlan(testBudget(), step(0, "crm_lookup", nil))
	res, err = h.coord.ExecutePlan(context.Background(), second, acme(second))
	require.NoError(t, err)
	require.NotNil(t, res.FailureContext)
	assert.Equal(t, "budget_exceeded:total", res.FailureContext.Code)
}

func TestFailedDispatchDoesNotRecordSpend(t *testing.T) {
	enf, err := budget.NewEnforcer(testBudget())
	require.NoError(t, err)
	h := newHarness(t, Config{})
	h.coord.deps.Enforcer = enf

	plan := newPlan(testBudget(), step(0, "broken", nil), step(1, "crm_lookup", nil))
	_, err = h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)
	assert.Equal(t, int64(1), enf.Usage().Calls)
}

func TestConcurrentPlansCannotOverrunTenantBudget(t *testing.T) {
	h := newHarness(t, Config{}, WithBudget(oneCallBudget()))
	slow := newPlan(testBudget(), step(0, "slow", nil))

	done := make(chan model.ExecutionResult, 1)
	go func() {
		res, _ := h.coord.ExecutePlan(context.Background(), slow, acme(slow))
		done <- res
	}()
	<-h.slowStarted

	// The slow step holds the only call, so this plan is refused by the
	// budget before it ever reaches the concurrency slot.
	other := newPlan(testBudget(), step(0, "crm_lookup", nil))
	res, err := h.coord.ExecutePlan(context.Background(), other, acme(other))
	require.NoError(t, err)
	require.NotNil(t, res.FailureContext)
	assert.Equal(t, "budget_exceeded:total", res.FailureContext.Code)

	close(h.slowRelease)
	first := <-done
	assert.True(t, first.Success)

	usage, ok := h.coord.Usage("acme")
	require.True(t, ok)
	assert.Equal(t, int64(1), usage.Calls)
}

func TestConcurrentPlansShareOneReservation(t *testing.T) {
	h := newHarness(t, Config{})

	const plans = 8
	var wg sync.WaitGroup
	results := make(chan model.ExecutionResult, plans)
	for i := 0; i < plans; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := newPlan(testBudget(), step(0, "crm_lookup", nil))
			res, err := h.coord.ExecutePlan(context.Background(), p, initech(p))
			assert.NoError(t, err)
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	var ok, denied int
	for res := range results {
		switch {
		case res.Success:
			ok++
		case res.FailureContext != nil && res.FailureContext.Code == "budget_exceeded:cost":
			denied++
		}
	}
	// initech's budget_ceiling of 0.15 admits one 0.1 call.
	assert.Equal(t, 1, ok)
	assert.Equal(t, plans-1, denied)
	usage, _ := h.coord.Usage("initech")
	assert.InDelta(t, 0.1, usage.Cost, 1e-9)
}

func TestTenantBudgetSpansPlansUntilReset(t *testing.T) {
	h := newHarness(t, Config{}, WithBudget(oneCallBudget()))

	first := newPlan(testBudget(), step(0, "crm_lookup", nil))
	res, err := h.coord.ExecutePlan(context.Background(), first, acme(first))
	require.NoError(t, err)
	assert.True(t, res.Success)

	second := newPlan(testBudget(), step(0, "crm_lookup", nil))
	res, err = h.coord.ExecutePlan(context.Background(), second, acme(second))
	require.NoError(t, err)
	require.NotNil(t, res.FailureContext)
	assert.Equal(t, "budget_exceeded:total", res.FailureContext.Code)

	other := newPlan(testBudget(), step(0, "crm_lookup", nil))
	res, err = h.coord.ExecutePlan(context.Background(), other, initech(other))
	require.NoError(t, err)
	assert.True(t, res.Success, "another tenant has its own budget")

	h.coord.ResetBudget("acme")
	usage, ok := h.coord.Usage("acme")
	require.True(t, ok)
	assert.Zero(t, usage.Calls)

	third := newPlan(testBudget(), step(0, "crm_lookup", nil))
	res, err = h.coord.ExecutePlan(context.Background(), third, acme(third))
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestFirstPlanSeedsTenantBudget(t *testing.T) {
	h := newHarness(t, Config{})

	first := newPlan(oneCallBudget(), step(0, "crm_lookup", nil))
	res, err := h.coord.ExecutePlan(context.Background(), first, acme(first))
	require.NoError(t, err)
	assert.True(t, res.Success)

	second := newPlan(testBudget(), step(0, "crm_lookup", nil))
	res, err = h.coord.ExecutePlan(context.Background(), second, acme(second))
	require.NoError(t, err)
	require.NotNil(t, res.FailureContext)
	assert.Equal(t, "budget_exceeded:total", res.FailureContext.Code)
}

func TestTenantBudgetCeilingCapsSession(t *testing.T) {
	h := newHarness(t, Config{}, WithBudget(testBudget()))
	plan := newPlan(testBudget(), step(0, "crm_lookup", nil), step(1, "crm_lookup", nil))

	res, err := h.coord.ExecutePlan(context.Background(), plan, initech(plan))
	require.NoError(t, err)
	require.NotNil(t, res.FailureContext)
	assert.Equal(t, "budget_exceeded:cost", res.FailureContext.Code)
	assert.Equal(t, 1, res.FailureContext.StepIndex)
	assert.Len(t, res.PartialResults, 1)
}

func TestUsageUnknownTenant(t *testing.T) {
	h := newHarness(t, Config{})
	_, ok := h.coord.Usage("nobody")
	assert.False(t, ok)
	h.coord.ResetBudget("nobody")
}

// --- approval ---

func TestApprovalApproved(t *testing.T) {
	h := newHarness(t, Config{})
	plan := newPlan(testBudget(), step(0, "send_email", map[string]any{"to": "a@b.c"}))
	approveWhenPending(t, h.engine, true)

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ApprovalsRequired)
	require.Len(t, res.Results, 1)
	assert.Equal(t, model.StepSucceeded, res.Results[0].Status)
	assert.NotEmpty(t, res.Results[0].ApprovalID)

	events := h.coord.Trace(plan.TraceID)
	assert.Equal(t, 1, countEvents(events, tracer.EventApprovalRequested))
	assert.Equal(t, 1, countEvents(events, tracer.EventApprovalReceived))

	history, err := h.trail.History(context.Background(), plan.TraceID)
	require.NoError(t, err)
	var approvals []string
	for _, rec := range history {
		if rec.DecisionType == audit.DecisionApproval {
			approvals = append(approvals, rec.Stage)
		}
	}
	assert.Equal(t, []string{"pending", "approved"}, approvals)
}

func TestApprovalRejectedSkipsStep(t *testing.T) {
	h := newHarness(t, Config{})
	plan := newPlan(testBudget(), step(0, "send_email", nil), step(1, "crm_lookup", nil))
	approveWhenPending(t, h.engine, false)

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)

	assert.Nil(t, res.FailureContext)
	assert.Equal(t, []model.StepStatus{model.StepSkipped, model.StepSucceeded}, statuses(res.Results))
	assert.Contains(t, res.Results[0].Error, "rejected")
	assert.NotContains(t, res.Results[0].Error, "hunter2")
	assert.Equal(t, 1, res.ApprovalsRequired)
}

func TestApprovalTimeoutSkipsStep(t *testing.T) {
	h := newHarness(t, Config{})
	plan := newPlan(testBudget(), step(0, "refund", nil), step(1, "crm_lookup", nil))

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, []model.StepStatus{model.StepSkipped, model.StepSucceeded}, statuses(res.Results))
	assert.Contains(t, res.Results[0].Error, "timed out")
	assert.Equal(t, 1, countEvents(h.coord.Trace(plan.TraceID), tracer.EventApprovalTimeout))
}

func TestApprovalWaitCap(t *testing.T) {
	h := newHarness(t, Config{ApprovalWait: 50 * time.Millisecond})
	plan := newPlan(testBudget(), step(0, "send_email", nil))

	start := time.Now()
	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, model.StepSkipped, res.Results[0].Status)
	assert.Equal(t, 1, countEvents(h.coord.Trace(plan.TraceID), tracer.EventApprovalTimeout))
}

func TestStopOnApprovalDenied(t *testing.T) {
	h := newHarness(t, Config{StopOnApprovalDenied: true})
	plan := newPlan(testBudget(), step(0, "refund", nil), step(1, "crm_lookup", nil))

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.NotNil(t, res.FailureContext)
	assert.Equal(t, KindApproval, res.FailureContext.Kind)
	assert.Equal(t, "timeout", res.FailureContext.Code)
	assert.Len(t, res.Results, 1)
}

type brokenStore struct{ *approval.MemoryStore }

func (brokenStore) Put(approval.Request) error { return errors.New("approval store unavailable") }

func TestApprovalRequestFailureIsNotCounted(t *testing.T) {
	h := newHarnessWithStore(t, brokenStore{approval.NewMemoryStore()}, Config{})
	plan := newPlan(testBudget(), step(0, "send_email", map[string]any{"to": "a@b.c"}))

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)

	assert.Zero(t, res.ApprovalsRequired)
	require.NotNil(t, res.FailureContext)
	assert.Equal(t, 0, res.FailureContext.StepIndex)
	assert.Zero(t, countEvents(h.coord.Trace(plan.TraceID), tracer.EventApprovalRequested))

	usage, _ := h.coord.Usage("acme")
	assert.Zero(t, usage.Calls)
}

// --- workers ---

func TestWorkerFallback(t *testing.T) {
	h := newHarness(t, Config{})
	plan := newPlan(testBudget(), step(0, "flaky", nil))

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "flaky-b", res.Results[0].Worker)
	assert.Equal(t, []string{
		tracer.EventPlanCreated, tracer.EventRouteDecision,
		tracer.EventToolCallStart, tracer.EventToolCallError,
		tracer.EventToolCallStart, tracer.EventToolCallComplete,
	}, eventNames(h.coord.Trace(plan.TraceID)))
}

func TestWorkerFailureContinuesByDefault(t *testing.T) {
	h := newHarness(t, Config{})
	plan := newPlan(testBudget(), step(0, "broken", nil), step(1, "crm_lookup", nil))

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Nil(t, res.FailureContext)
	assert.Equal(t, []model.StepStatus{model.StepFailed, model.StepSucceeded}, statuses(res.Results))
	assert.NotContains(t, res.Results[0].Error, "s3cr3t")
}

func TestStopOnWorkerError(t *testing.T) {
	h := newHarness(t, Config{StopOnWorkerError: true})
	plan := newPlan(testBudget(), step(0, "broken", nil), step(1, "crm_lookup", nil))

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)
	require.NotNil(t, res.FailureContext)
	assert.Equal(t, KindWorker, res.FailureContext.Kind)
	assert.Len(t, res.Results, 1)
}

func TestCapabilityWorkerListNarrowsCandidates(t *testing.T) {
	h := newHarness(t, Config{})
	doc := *h.doc
	doc.Tools = append([]governance.ToolCapability(nil), h.doc.Tools...)
	for i := range doc.Tools {
		if doc.Tools[i].Name == "crm_lookup" {
			doc.Tools[i].Workers = []string{"crm-b"}
		}
	}
	require.NoError(t, h.engine.Swap(&doc))

	plan := newPlan(testBudget(), step(0, "crm_lookup", nil), step(1, "crm_lookup", nil))
	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)
	assert.Equal(t, "crm-b", res.Results[0].Worker)
	assert.Equal(t, "crm-b", res.Results[1].Worker)
}

func TestSandboxFailureKeepsOutputWithoutFallback(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("subprocess runner needs a POSIX shell")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	h := newHarness(t, Config{})
	runner := sandbox.NewRunner(sandbox.RunnerConfig{
		Interpreter: []string{"/bin/sh"},
		Timeout:     200 * time.Millisecond,
		WorkDir:     t.TempDir(),
	}, zaptest.NewLogger(t))
	require.NoError(t, h.workers.Register(worker.ToolCodeExec, worker.NewCodeExec(runner)))
	var reruns atomic.Int32
	require.NoError(t, h.workers.Register(worker.ToolCodeExec, worker.NewFunc("code-b", nil,
		func(context.Context, string, map[string]any) (any, error) {
			reruns.Add(1)
			return "ran again", nil
		})))

	plan := newPlan(testBudget(), step(0, worker.ToolCodeExec, map[string]any{"code": "echo partial; sleep 5"}))
	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)

	require.Len(t, res.Results, 1)
	got := res.Results[0]
	assert.Equal(t, model.StepFailed, got.Status)
	assert.Equal(t, "builtin-code-exec", got.Worker)
	out, ok := got.Output.(sandbox.Result)
	require.True(t, ok, "failed step must carry the sandbox result, got %T", got.Output)
	require.NotNil(t, out.Error)
	assert.Equal(t, model.SandboxTimeout, out.Error.Kind)
	assert.Equal(t, "partial\n", out.Stdout)

	assert.Zero(t, reruns.Load())
	assert.Equal(t, 1, countEvents(h.coord.Trace(plan.TraceID), tracer.EventToolCallStart))
}

func TestRoutedPlanKeepsAssignedWorker(t *testing.T) {
	h := newHarness(t, Config{})
	plan, err := newPlan(testBudget(), step(0, "crm_lookup", nil)).WithRoutedSteps(map[int]string{0: "crm-b"})
	require.NoError(t, err)

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "crm-b", res.Results[0].Worker)

	var route tracer.Event
	for _, ev := range h.coord.Trace(plan.TraceID) {
		if ev.Event == tracer.EventRouteDecision {
			route = ev
		}
	}
	assert.Equal(t, "crm-b", route.Details["selected"])
	assert.Equal(t, "crm-a", route.Details["fallback"])
}

func TestRoutedPlanIgnoresUnknownWorker(t *testing.T) {
	h := newHarness(t, Config{})
	plan, err := newPlan(testBudget(), step(0, "crm_lookup", nil)).WithRoutedSteps(map[int]string{0: "ghost"})
	require.NoError(t, err)

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "crm-a", res.Results[0].Worker)
}

// --- validation and lifecycle ---

func TestInvalidPlanIsRejectedBeforeAnyStep(t *testing.T) {
	h := newHarness(t, Config{})
	b := testBudget()
	b.WarningThreshold = 0
	plan := newPlan(b, step(0, "crm_lookup", nil))

	res, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.False(t, res.Success)
	assert.Equal(t, KindValidation, res.FailureContext.Kind)
	assert.Empty(t, h.coord.Trace(plan.TraceID))
}

func TestTerminalPlanIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	plan := newPlan(testBudget(), step(0, "crm_lookup", nil))
	plan.Stage = model.StageCompleted

	_, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	var ve *model.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestCancelledContextStops(t *testing.T) {
	h := newHarness(t, Config{})
	plan := newPlan(testBudget(), step(0, "crm_lookup", nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.coord.ExecutePlan(ctx, plan, acme(plan))
	require.NoError(t, err)
	require.NotNil(t, res.FailureContext)
	assert.Equal(t, KindCancelled, res.FailureContext.Kind)
	assert.Empty(t, res.Results)
}

func TestCreatePlanEmitsOnce(t *testing.T) {
	h := newHarness(t, Config{})
	plan, err := h.coord.CreatePlan(context.Background(), planning.Request{
		Goal:        "find the crm account for acme",
		Budget:      testBudget(),
		Constraints: planning.Constraints{AvailableTools: h.doc.Tools},
	})
	require.NoError(t, err)
	require.NotEmpty(t, plan.Steps)
	assert.Equal(t, "crm_lookup", plan.Steps[0].Tool)

	_, err = h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(h.coord.Trace(plan.TraceID), tracer.EventPlanCreated))

	history, err := h.trail.History(context.Background(), plan.TraceID)
	require.NoError(t, err)
	assert.Equal(t, string(model.StageCreated), history[0].Stage)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestForgetDropsTrace(t *testing.T) {
	h := newHarness(t, Config{})
	plan := newPlan(testBudget(), step(0, "crm_lookup", nil))
	_, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)
	require.NotEmpty(t, h.coord.Trace(plan.TraceID))

	h.coord.Forget(plan.TraceID)
	assert.Nil(t, h.coord.Trace(plan.TraceID))
	assert.Zero(t, h.coord.GoldenSignals().TotalEvents)
	h.coord.Forget(plan.TraceID)
}

func TestTraceRetentionEvictsOldest(t *testing.T) {
	h := newHarness(t, Config{}, WithTraceRetention(2))
	var ids []string
	for i := 0; i < 3; i++ {
		plan := newPlan(testBudget(), step(0, "crm_lookup", nil))
		_, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
		require.NoError(t, err)
		ids = append(ids, plan.TraceID)
	}
	assert.Nil(t, h.coord.Trace(ids[0]))
	assert.NotEmpty(t, h.coord.Trace(ids[1]))
	assert.NotEmpty(t, h.coord.Trace(ids[2]))
}

// --- spans ---

func TestSpansRecorded(t *testing.T) {
	h := newHarness(t, Config{})
	plan := newPlan(testBudget(), step(0, "crm_lookup", nil), step(1, "wire_transfer", nil))

	_, err := h.coord.ExecutePlan(context.Background(), plan, acme(plan))
	require.NoError(t, err)

	var planSpans, stepSpans int
	var failedStep bool
	for _, s := range h.spans.Ended() {
		switch s.Name() {
		case "toolgate.execute_plan":
			planSpans++
			assert.Equal(t, codes.Error, s.Status().Code)
		case "toolgate.step":
			stepSpans++
			if s.Status().Code == codes.Error {
				failedStep = true
			}
		}
	}
	assert.Equal(t, 1, planSpans)
	assert.Equal(t, 2, stepSpans)
	assert.True(t, failedStep)
}
