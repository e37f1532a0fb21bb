package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ppiankov/toolgate/internal/approval"
	"github.com/ppiankov/toolgate/internal/expiry"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/redact"
	"github.com/ppiankov/toolgate/internal/routing"
)

// Trail turns planning, routing and approval decisions into records on a
// backend. Secret-bearing inputs are redacted before they are written.
type Trail struct {
	backend   Backend
	clock     expiry.Clock
	extraKeys []string
}

// TrailOption configures a Trail.
type TrailOption func(*Trail)

// WithClock overrides the timestamp source.
func WithClock(c expiry.Clock) TrailOption { return func(t *Trail) { t.clock = c } }

// WithRedactKeys masks extra input keys on top of redact.DefaultSecretKeys.
func WithRedactKeys(keys ...string) TrailOption {
	return func(t *Trail) { t.extraKeys = append(t.extraKeys, keys...) }
}

// NewTrail wraps a backend.
func NewTrail(b Backend, opts ...TrailOption) *Trail {
	t := &Trail{backend: b, clock: expiry.SystemClock}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Backend returns the underlying store.
func (t *Trail) Backend() Backend { return t.backend }

func (t *Trail) append(ctx context.Context, rec DecisionRecord) error {
	rec.Timestamp = t.clock().UTC().Format(TimestampFormat)
	if _, err := t.backend.Append(ctx, rec); err != nil {
		return fmt.Errorf("audit: record %s: %w", rec.DecisionType, err)
	}
	return nil
}

// RecordPlan records a plan at the given stage.
func (t *Trail) RecordPlan(ctx context.Context, plan model.Plan, stage model.Stage) error {
	tools := make([]string, len(plan.Steps))
	for i, s := range plan.Steps {
		tools[i] = s.Tool
	}
	return t.append(ctx, DecisionRecord{
		TraceID:      plan.TraceID,
		DecisionType: DecisionPlanning,
		Stage:        string(stage),
		Target:       plan.PlanID,
		PlanID:       plan.PlanID,
		Reason: fmt.Sprintf("plan %s %s: %d steps [%s]",
			plan.PlanID, stage, len(plan.Steps), strings.Join(tools, ", ")),
		Details: map[string]any{
			"goal":             redact.ScrubText(plan.Goal),
			"estimated_cost":   plan.EstimatedTotalCost(),
			"estimated_tokens": plan.EstimatedTotalTokens(),
			"policy":           string(plan.Budget.Policy),
		},
	})
}

// RecordRoutingDecision records which worker took a step.
func (t *Trail) RecordRoutingDecision(ctx context.Context, d routing.Decision, traceID string, stage model.Stage) error {
	details := map[string]any{
		"step":     d.StepIndex,
		"tool":     d.Tool,
		"strategy": d.Strategy,
	}
	if d.Fallback != "" {
		details["fallback"] = d.Fallback
	}
	return t.append(ctx, DecisionRecord{
		TraceID:      traceID,
		DecisionType: DecisionRouting,
		Stage:        string(stage),
		Target:       d.Selected,
		Reason:       d.Reason,
		Details:      details,
	})
}

// RecordApproval records the current state of an approval request.
func (t *Trail) RecordApproval(ctx context.Context, r approval.Request) error {
	reason := fmt.Sprintf("%s %s (risk %s)", r.ToolName, r.Status, r.RiskLevel)
	switch {
	case r.ApprovedBy != "":
		reason += " by " + r.ApprovedBy
	case r.RejectionReason != "":
		reason += ": " + redact.ScrubText(r.RejectionReason)
	}
	details := map[string]any{
		"tool":   r.ToolName,
		"status": string(r.Status),
		"risk":   string(r.RiskLevel),
	}
	if r.Tenant != "" {
		details["tenant"] = r.Tenant
	}
	if len(r.Inputs) > 0 {
		details["inputs"] = redact.RedactAuto(r.Inputs, t.extraKeys)
	}
	return t.append(ctx, DecisionRecord{
		TraceID:      r.TraceID,
		DecisionType: DecisionApproval,
		Stage:        string(r.Status),
		Target:       r.ApprovalID,
		Reason:       reason,
		Details:      details,
	})
}

// RecordDenial records a governance or budget refusal for one step. It is
// a planning decision with outcome "denied"; inputs are redacted.
func (t *Trail) RecordDenial(ctx context.Context, plan model.Plan, step model.PlanStep, cause error) error {
	details := map[string]any{
		"outcome": "denied",
		"step":    step.Index,
		"tool":    step.Tool,
	}
	var pv *model.PolicyViolation
	var be *model.BudgetError
	switch {
	case errors.As(cause, &pv):
		details["kind"] = "policy"
		details["code"] = pv.Code
	case errors.As(cause, &be):
		details["kind"] = "budget"
		details["code"] = "budget_exceeded:" + be.Dimension
	default:
		details["kind"] = "error"
	}
	if len(step.Input) > 0 {
		details["inputs"] = redact.RedactAuto(step.Input, t.extraKeys)
	}
	return t.append(ctx, DecisionRecord{
		TraceID:      plan.TraceID,
		DecisionType: DecisionPlanning,
		Stage:        string(plan.Stage),
		Target:       fmt.Sprintf("step:%d:%s", step.Index, step.Tool),
		PlanID:       plan.PlanID,
		Reason:       redact.ScrubText(cause.Error()),
		Details:      details,
	})
}

// History returns every record for traceID ordered by write time.
func (t *Trail) History(ctx context.Context, traceID string) ([]DecisionRecord, error) {
	return t.backend.History(ctx, traceID)
}

// Close closes the backend.
func (t *Trail) Close() error {
	return t.backend.Close()
}
