package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ppiankov/toolgate/internal/alert"
	"github.com/ppiankov/toolgate/internal/approval"
	"github.com/ppiankov/toolgate/internal/budget"
	"github.com/ppiankov/toolgate/internal/governance"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/redact"
	"github.com/ppiankov/toolgate/internal/routing"
	"github.com/ppiankov/toolgate/internal/tracer"
)

// runStep takes one step through the pipeline. It returns false when the
// plan must stop.
func (c *Coordinator) runStep(ctx context.Context, r *run, step model.PlanStep) bool {
	ctx, span := c.otel.Start(ctx, "toolgate.step", stepAttrs(step))
	defer span.End()

	call := governance.Call{
		Tool:            step.Tool,
		Tenant:          r.ec.Tenant,
		Inputs:          step.Input,
		SideEffectClass: step.Metadata.SideEffectClass,
		Reason:          step.Reason,
	}
	stepEC := r.ec.Derive(fmt.Sprintf("%s-%d", r.plan.PlanID, step.Index))

	// 1. governance
	if err := c.deps.Engine.ValidateToolCall(call, stepEC); err != nil {
		return c.deny(ctx, r, span, step, err)
	}

	// 2. budget: the charge stays held until the step commits or returns.
	charge := budget.Charge{Tool: step.Tool, Domain: step.Metadata.Domain, Cost: step.EstimatedCost, Tokens: step.EstimatedTokens}
	sink := c.budgetSink(r, span, step)
	hold, dec := r.enforcer.Reserve(charge, sink)
	defer hold.Release()
	if !dec.Allowed {
		cost, tokens := r.enforcer.Remaining()
		return c.deny(ctx, r, span, step, &model.BudgetError{
			Dimension:       dec.Dimension,
			RequiredCost:    step.EstimatedCost,
			AvailableCost:   cost,
			RequiredTokens:  step.EstimatedTokens,
			AvailableTokens: tokens,
		})
	}

	// 3. approval
	var approvalID string
	if c.deps.Engine.RequiresApproval(call) {
		id, proceed, ok := c.gate(ctx, r, span, step, call, stepEC)
		if !ok {
			return false
		}
		if !proceed {
			return true
		}
		approvalID = id
	}

	// 4. concurrency slot
	release, err := c.deps.Engine.Acquire(r.ec.Tenant, step.Tool)
	if err != nil {
		return c.deny(ctx, r, span, step, err)
	}
	defer release()

	// 5. routing
	cands := c.candidates(step)
	route, err := c.deps.Router.RouteToWorker(routing.Request{
		TraceID:   r.plan.TraceID,
		StepIndex: step.Index,
		Tool:      step.Tool,
		Domain:    step.Metadata.Domain,
	}, cands)
	if err != nil {
		return c.workerFailed(r, span, step, "", approvalID, nil, fmt.Errorf("route %s: %w", stepName(step), err))
	}
	if r.routed {
		route = assigned(route, step.Worker, cands)
	}
	span.SetAttributes(attribute.String("toolgate.step.worker", route.Selected))
	routeDetails := map[string]any{
		"step":     step.Index,
		"tool":     step.Tool,
		"selected": route.Selected,
		"reason":   route.Reason,
		"strategy": route.Strategy,
	}
	if route.Fallback != "" {
		routeDetails["fallback"] = route.Fallback
	}
	c.emit(r.em, tracer.EventRouteDecision, routeDetails)
	c.audit(ctx, "routing", c.deps.Trail.RecordRoutingDecision(ctx, route, r.plan.TraceID, r.plan.Stage))

	// 6. execution
	out, used, runErr := c.dispatch(ctx, r, step, route)
	if runErr != nil {
		return c.workerFailed(r, span, step, used, approvalID, out, runErr)
	}

	// 7. spend is committed only after a successful dispatch
	hold.Commit()
	r.results = append(r.results, model.StepResult{
		Index:      step.Index,
		Tool:       step.Tool,
		Worker:     used,
		Status:     model.StepSucceeded,
		Output:     out,
		ApprovalID: approvalID,
	})
	return true
}

// deny records a governance or budget refusal, surfaces it and stops the plan.
func (c *Coordinator) deny(ctx context.Context, r *run, span trace.Span, step model.PlanStep, cause error) bool {
	c.audit(ctx, "denial", c.deps.Trail.RecordDenial(ctx, r.plan, step, cause))

	kind, code := KindValidation, ""
	var pv *model.PolicyViolation
	var be *model.BudgetError
	switch {
	case errors.As(cause, &pv):
		kind, code = KindPolicy, pv.Code
		c.emit(r.em, tracer.EventToolCallError, map[string]any{
			"step":    step.Index,
			"tool":    step.Tool,
			"outcome": "denied",
			"code":    pv.Code,
		})
	case errors.As(cause, &be):
		kind, code = KindBudget, "budget_exceeded:"+be.Dimension
	}

	msg := redact.ScrubText(cause.Error())
	if kind != KindValidation {
		typ := alert.TypePolicyViolation
		if kind == KindBudget {
			typ = alert.TypeBudgetExceeded
		}
		c.alerts.Dispatch(alert.AlertEvent{
			Type:    typ,
			TraceID: r.plan.TraceID,
			Tool:    step.Tool,
			Tenant:  r.ec.Tenant,
			Status:  code,
			Reason:  msg,
		})
	}
	r.results = append(r.results, model.StepResult{
		Index:  step.Index,
		Tool:   step.Tool,
		Status: model.StepFailed,
		Error:  msg,
	})
	span.RecordError(cause)
	span.SetStatus(codes.Error, code)
	r.stop(step, kind, code, msg)
	c.logger.Warn("step denied",
		zap.String("trace_id", r.plan.TraceID),
		zap.Int("step", step.Index),
		zap.String("tool", step.Tool),
		zap.String("code", code))
	return false
}

// gate opens an approval request and waits for it. proceed is false when
// the step must be skipped; ok is false when the plan must stop.
func (c *Coordinator) gate(ctx context.Context, r *run, span trace.Span, step model.PlanStep, call governance.Call, stepEC model.ExecutionContext) (id string, proceed, ok bool) {
	req, err := c.deps.Engine.RequestApproval(call, stepEC, stepEC.RequestID)
	if err != nil {
		return "", false, c.deny(ctx, r, span, step, err)
	}
	r.approvals++
	c.emit(r.em, tracer.EventApprovalRequested, map[string]any{
		"step":        step.Index,
		"tool":        step.Tool,
		"approval_id": req.ApprovalID,
		"risk":        string(req.RiskLevel),
		"expires_at":  tracer.FormatTime(req.ExpiresAt),
	})
	c.audit(ctx, "approval", c.deps.Trail.RecordApproval(ctx, req))
	span.AddEvent(tracer.EventApprovalRequested, trace.WithAttributes(attribute.String("toolgate.approval_id", req.ApprovalID)))

	waitCtx := ctx
	if c.cfg.ApprovalWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.cfg.ApprovalWait)
		defer cancel()
	}
	res, err := c.deps.Engine.Approvals().Await(waitCtx, req.ApprovalID)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		r.results = append(r.results, model.StepResult{Index: step.Index, Tool: step.Tool, Status: model.StepSkipped, ApprovalID: req.ApprovalID, Error: "cancelled while awaiting approval"})
		r.stop(step, KindCancelled, "", "plan cancelled while awaiting approval "+req.ApprovalID)
		return req.ApprovalID, false, false
	case errors.Is(err, context.DeadlineExceeded):
		// Our own wait cap ran out; the request stays pending for a
		// later decision but this step treats it as timed out.
		res = req
		res.Status = approval.StatusTimeout
	default:
		return req.ApprovalID, false, c.deny(ctx, r, span, step, err)
	}
	if res.ApprovalID != "" && res.Status.IsTerminal() && err == nil {
		c.audit(ctx, "approval", c.deps.Trail.RecordApproval(ctx, res))
	}

	switch res.Status {
	case approval.StatusApproved:
		c.emit(r.em, tracer.EventApprovalReceived, map[string]any{
			"step":        step.Index,
			"approval_id": res.ApprovalID,
			"status":      string(res.Status),
			"approved_by": res.ApprovedBy,
		})
		return res.ApprovalID, true, true
	case approval.StatusRejected:
		c.emit(r.em, tracer.EventApprovalReceived, map[string]any{
			"step":        step.Index,
			"approval_id": res.ApprovalID,
			"status":      string(res.Status),
			"reason":      redact.ScrubText(res.RejectionReason),
		})
		return res.ApprovalID, false, c.skip(r, step, res.ApprovalID, string(res.Status),
			fmt.Sprintf("approval %s rejected: %s", res.ApprovalID, redact.ScrubText(res.RejectionReason)))
	default:
		c.emit(r.em, tracer.EventApprovalTimeout, map[string]any{
			"step":        step.Index,
			"approval_id": res.ApprovalID,
		})
		timeout := &model.ApprovalTimeoutError{ApprovalID: res.ApprovalID}
		return res.ApprovalID, false, c.skip(r, step, res.ApprovalID, string(approval.StatusTimeout), timeout.Error())
	}
}

// skip records a step skipped by its approval gate. It reports whether
// the plan continues.
func (c *Coordinator) skip(r *run, step model.PlanStep, approvalID, code, msg string) bool {
	r.results = append(r.results, model.StepResult{
		Index:      step.Index,
		Tool:       step.Tool,
		Status:     model.StepSkipped,
		ApprovalID: approvalID,
		Error:      msg,
	})
	if c.cfg.StopOnApprovalDenied {
		r.stop(step, KindApproval, code, msg)
		return false
	}
	return true
}

// workerFailed records a failed step. out is whatever the last worker
// returned alongside its error, such as a sandbox result with captured
// output.
func (c *Coordinator) workerFailed(r *run, span trace.Span, step model.PlanStep, used, approvalID string, out any, err error) bool {
	msg := redact.ScrubText(err.Error())
	r.results = append(r.results, model.StepResult{
		Index:      step.Index,
		Tool:       step.Tool,
		Worker:     used,
		Status:     model.StepFailed,
		Output:     out,
		Error:      msg,
		ApprovalID: approvalID,
	})
	span.RecordError(err)
	span.SetStatus(codes.Error, "worker failed")
	if c.cfg.StopOnWorkerError {
		r.stop(step, KindWorker, "", msg)
		return false
	}
	return true
}

// candidates lists the registered workers for step, narrowed to the
// capability's worker list when it names one.
func (c *Coordinator) candidates(step model.PlanStep) []routing.Candidate {
	all := c.deps.Workers.Candidates(step.Tool)
	capability, ok := c.deps.Engine.Capability(step.Tool)
	if !ok || len(capability.Workers) == 0 {
		return all
	}
	allowed := make(map[string]bool, len(capability.Workers))
	for _, w := range capability.Workers {
		allowed[w] = true
	}
	out := all[:0]
	for _, cand := range all {
		if allowed[cand.Name] {
			out = append(out, cand)
		}
	}
	return out
}

// dispatch runs the selected worker and, if it fails, the fallback once.
// It returns the name of the last worker tried along with its output, which
// may be non-nil on failure. Code that started in a sandbox is not retried
// elsewhere.
func (c *Coordinator) dispatch(ctx context.Context, r *run, step model.PlanStep, dec routing.Decision) (any, string, error) {
	var (
		lastOut any
		lastErr error
		used    string
	)
	for attempt, name := range []string{dec.Selected, dec.Fallback} {
		if name == "" {
			continue
		}
		w, err := c.deps.Workers.Lookup(step.Tool, name)
		if err != nil {
			lastErr = err
			continue
		}
		used = name
		c.emit(r.em, tracer.EventToolCallStart, map[string]any{
			"step":    step.Index,
			"tool":    step.Tool,
			"worker":  name,
			"attempt": attempt + 1,
		})
		start := c.clock()
		out, err := w.Execute(ctx, step.Tool, cloneInput(step.Input))
		elapsed := c.clock().Sub(start)
		if err == nil {
			c.emit(r.em, tracer.EventToolCallComplete, map[string]any{
				"step":                  step.Index,
				"tool":                  step.Tool,
				"worker":                name,
				tracer.DetailDurationMs: durationMs(elapsed),
			})
			return out, name, nil
		}
		lastOut, lastErr = out, err
		c.emit(r.em, tracer.EventToolCallError, map[string]any{
			"step":                  step.Index,
			"tool":                  step.Tool,
			"worker":                name,
			"error":                 redact.ScrubText(err.Error()),
			tracer.DetailDurationMs: durationMs(elapsed),
		})
		c.logger.Warn("worker failed",
			zap.String("trace_id", r.plan.TraceID),
			zap.Int("step", step.Index),
			zap.String("worker", name),
			zap.Error(err))
		var sandboxErr *model.SandboxExecutionError
		if ctx.Err() != nil || (errors.As(err, &sandboxErr) && sandboxErr.Kind != model.SandboxStartFailed) {
			break
		}
	}
	return lastOut, used, lastErr
}

// assigned honours a worker set on the step before execution when it is
// still a candidate. The router's own pick becomes the fallback.
func assigned(dec routing.Decision, worker string, cands []routing.Candidate) routing.Decision {
	if worker == "" || worker == dec.Selected {
		return dec
	}
	for _, cand := range cands {
		if cand.Name != worker {
			continue
		}
		dec.Fallback = dec.Selected
		dec.Selected = worker
		dec.Reason = fmt.Sprintf("plan assigned %s to step %d; %s kept as fallback", worker, dec.StepIndex, dec.Fallback)
		return dec
	}
	return dec
}

func (c *Coordinator) budgetSink(r *run, span trace.Span, step model.PlanStep) budget.EventSink {
	return func(event string, details map[string]any) {
		d := make(map[string]any, len(details)+1)
		for k, v := range details {
			d[k] = v
		}
		d["step"] = step.Index
		c.emit(r.em, event, d)
		span.AddEvent(event)
	}
}

func cloneInput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
