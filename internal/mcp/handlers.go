package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/toolgate/internal/alert"
	"github.com/ppiankov/toolgate/internal/approval"
	"github.com/ppiankov/toolgate/internal/governance"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/redact"
	"github.com/ppiankov/toolgate/internal/tracer"
)

// Check outcomes.
const (
	DecisionAllow           = "allow"
	DecisionDeny            = "deny"
	DecisionRequireApproval = "require_approval"
)

// --- Input/Output types ---

// CheckInput defines parameters for the toolgate_check tool.
type CheckInput struct {
	Tool            string         `json:"tool" jsonschema:"registered tool name"`
	Tenant          string         `json:"tenant,omitempty" jsonschema:"tenant making the call"`
	SideEffectClass string         `json:"side_effect_class,omitempty" jsonschema:"read-only, propose or execute"`
	Reason          string         `json:"reason,omitempty" jsonschema:"why the agent wants to make the call"`
	Inputs          map[string]any `json:"inputs,omitempty" jsonschema:"call arguments"`
	RequestApproval bool           `json:"request_approval,omitempty" jsonschema:"open an approval request when one is required"`
}

// CheckOutput carries the governance decision.
type CheckOutput struct {
	Decision   string `json:"decision"`
	Code       string `json:"code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"`
}

// ApproveInput defines parameters for the toolgate_approve tool.
type ApproveInput struct {
	ID       string `json:"id" jsonschema:"approval id"`
	Approver string `json:"approver,omitempty" jsonschema:"who approved"`
}

// RejectInput defines parameters for the toolgate_reject tool.
type RejectInput struct {
	ID     string `json:"id" jsonschema:"approval id"`
	Reason string `json:"reason,omitempty" jsonschema:"why the request was rejected"`
}

// ResolveOutput reports the request after a decision.
type ResolveOutput struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// PendingInput takes no parameters.
type PendingInput struct{}

// PendingOutput lists open approval requests.
type PendingOutput struct {
	Approvals []PendingItem `json:"approvals"`
}

// PendingItem describes one open request.
type PendingItem struct {
	ID        string `json:"id"`
	Tool      string `json:"tool"`
	Tenant    string `json:"tenant,omitempty"`
	Risk      string `json:"risk"`
	Reasoning string `json:"reasoning,omitempty"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// EvalInput defines parameters for the toolgate_eval tool.
type EvalInput struct {
	Expression string `json:"expression" jsonschema:"arithmetic expression, e.g. sqrt(2) * 3"`
}

// EvalOutput contains the value or the reason evaluation failed.
type EvalOutput struct {
	Result float64 `json:"result"`
	Error  string  `json:"error,omitempty"`
}

// --- Handlers ---

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	tenant := input.Tenant
	if tenant == "" {
		tenant = s.tenant
	}
	call := governance.Call{
		Tool:            input.Tool,
		Tenant:          tenant,
		Inputs:          input.Inputs,
		SideEffectClass: model.SideEffectClass(input.SideEffectClass),
		Reason:          input.Reason,
	}
	ec := model.ExecutionContext{TraceID: s.TraceID(), RequestID: tracer.NewRequestID(), Tenant: tenant}

	if err := s.engine.ValidateToolCall(call, ec); err != nil {
		var pv *model.PolicyViolation
		if !errors.As(err, &pv) {
			return nil, CheckOutput{}, err
		}
		msg := redact.ScrubText(pv.Error())
		s.emit(tracer.EventToolCallError, map[string]any{"tool": call.Tool, "outcome": "denied", "code": pv.Code})
		s.alerts.Dispatch(alert.AlertEvent{
			Type:    alert.TypePolicyViolation,
			TraceID: ec.TraceID,
			Tool:    call.Tool,
			Tenant:  tenant,
			Status:  pv.Code,
			Reason:  msg,
		})
		out := CheckOutput{Decision: DecisionDeny, Code: pv.Code, Reason: msg}
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}

	if !s.engine.RequiresApproval(call) {
		return nil, CheckOutput{Decision: DecisionAllow}, nil
	}
	out := CheckOutput{Decision: DecisionRequireApproval, Reason: "tool requires human approval"}
	if !input.RequestApproval {
		return nil, out, nil
	}

	r, err := s.engine.RequestApproval(call, ec, "mcp-"+uuid.NewString())
	if err != nil {
		return nil, CheckOutput{}, err
	}
	s.recordApproval(ctx, r)
	s.emit(tracer.EventApprovalRequested, map[string]any{
		"tool":        call.Tool,
		"approval_id": r.ApprovalID,
		"risk":        string(r.RiskLevel),
		"expires_at":  tracer.FormatTime(r.ExpiresAt),
	})
	out.ApprovalID = r.ApprovalID
	if !r.ExpiresAt.IsZero() {
		out.ExpiresAt = r.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return nil, out, nil
}

func (s *Server) handleApprove(ctx context.Context, req *mcpsdk.CallToolRequest, input ApproveInput) (*mcpsdk.CallToolResult, ResolveOutput, error) {
	approver := input.Approver
	if approver == "" {
		approver = "mcp"
	}
	r, err := s.engine.ApproveRequest(input.ID, approver)
	return s.resolved(ctx, input.ID, r, err)
}

func (s *Server) handleReject(ctx context.Context, req *mcpsdk.CallToolRequest, input RejectInput) (*mcpsdk.CallToolResult, ResolveOutput, error) {
	r, err := s.engine.RejectRequest(input.ID, input.Reason)
	return s.resolved(ctx, input.ID, r, err)
}

// resolved turns policy violations (expired, unknown, already resolved)
// into tool errors the agent can read; anything else is a server error.
func (s *Server) resolved(ctx context.Context, id string, r approval.Request, err error) (*mcpsdk.CallToolResult, ResolveOutput, error) {
	if err != nil {
		var pv *model.PolicyViolation
		if errors.As(err, &pv) {
			return &mcpsdk.CallToolResult{IsError: true}, ResolveOutput{ID: id, Status: pv.Code, Error: pv.Error()}, nil
		}
		return nil, ResolveOutput{}, err
	}
	s.recordApproval(ctx, r)
	s.emit(tracer.EventApprovalReceived, map[string]any{
		"tool":        r.ToolName,
		"approval_id": r.ApprovalID,
		"status":      string(r.Status),
	})
	return nil, ResolveOutput{ID: r.ApprovalID, Status: string(r.Status)}, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	list, err := s.engine.Approvals().Pending()
	if err != nil {
		return nil, PendingOutput{}, err
	}

	items := make([]PendingItem, len(list))
	for i, r := range list {
		items[i] = PendingItem{
			ID:        r.ApprovalID,
			Tool:      r.ToolName,
			Tenant:    r.Tenant,
			Risk:      string(r.RiskLevel),
			Reasoning: r.Reasoning,
			CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if !r.ExpiresAt.IsZero() {
			items[i].ExpiresAt = r.ExpiresAt.UTC().Format(time.RFC3339)
		}
	}
	return nil, PendingOutput{Approvals: items}, nil
}

func (s *Server) handleEval(ctx context.Context, req *mcpsdk.CallToolRequest, input EvalInput) (*mcpsdk.CallToolResult, EvalOutput, error) {
	v, err := s.eval.Evaluate(input.Expression)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, EvalOutput{Error: err.Error()}, nil
	}
	return nil, EvalOutput{Result: v}, nil
}

func (s *Server) recordApproval(ctx context.Context, r approval.Request) {
	if s.trail == nil {
		return
	}
	if err := s.trail.RecordApproval(ctx, r); err != nil {
		s.logger.Warn("audit append failed",
			zap.String("approval_id", r.ApprovalID),
			zap.Error(fmt.Errorf("mcp: %w", err)))
	}
}
