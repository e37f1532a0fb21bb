package governance

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/toolgate/internal/approval"
	"github.com/ppiankov/toolgate/internal/expiry"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/ratelimit"
	"github.com/ppiankov/toolgate/internal/redact"
)

// Call is one proposed tool invocation.
type Call struct {
	Tool            string
	Tenant          string
	Inputs          map[string]any
	SideEffectClass model.SideEffectClass
	Reason          string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used by the rate limiter.
func WithClock(c expiry.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithLimiter shares a rate limiter between engines.
func WithLimiter(l *ratelimit.Limiter) Option { return func(e *Engine) { e.limiter = l } }

// Engine decides allow/deny/approval-required per (tenant, tool).
// It is built once at startup and handed to every coordinator.
type Engine struct {
	mu  sync.RWMutex
	doc *Document

	approvals *approval.Manager
	limiter   *ratelimit.Limiter
	clock     expiry.Clock
	logger    *zap.Logger

	inflightMu sync.Mutex
	inflight   map[string]int
}

// NewEngine validates doc and builds an engine over it.
func NewEngine(doc *Document, approvals *approval.Manager, opts ...Option) (*Engine, error) {
	if doc == nil {
		doc = &Document{}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		doc:       doc,
		approvals: approvals,
		clock:     expiry.SystemClock,
		logger:    zap.NewNop(),
		inflight:  make(map[string]int),
	}
	for _, o := range opts {
		o(e)
	}
	if e.limiter == nil {
		e.limiter = ratelimit.NewLimiter(ratelimit.DefaultWindow)
	}
	if e.approvals == nil {
		e.approvals = approval.NewManager(approval.NewMemoryStore(), approval.WithClock(e.clock), approval.WithLogger(e.logger))
	}
	return e, nil
}

// Document returns the active registry document.
func (e *Engine) Document() *Document {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.doc
}

// Approvals returns the approval manager the engine writes to.
func (e *Engine) Approvals() *approval.Manager {
	return e.approvals
}

// Swap validates doc and replaces the active document. On error the
// previous document stays active.
func (e *Engine) Swap(doc *Document) error {
	if doc == nil {
		return &model.ValidationError{Field: "document", Reason: "must not be nil"}
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.doc = doc
	e.mu.Unlock()
	e.logger.Info("registry document swapped", zap.Int("tools", len(doc.Tools)), zap.Int("tenants", len(doc.Tenants)))
	return nil
}

// Capability returns the registered capability for tool.
func (e *Engine) Capability(tool string) (ToolCapability, bool) {
	return e.Document().Tool(tool)
}

// ValidateToolCall returns nil or a *model.PolicyViolation. Checks run in a
// fixed order and the first failure wins: registration, tenant map, tool
// tenant lists, rate limit. A call that passes consumes one rate-limit slot.
func (e *Engine) ValidateToolCall(call Call, ec model.ExecutionContext) error {
	doc := e.Document()

	capability, ok := doc.Tool(call.Tool)
	if !ok {
		return e.violation(model.CodeToolNotRegistered, call, ec, fmt.Sprintf("tool %q is not registered", call.Tool))
	}

	if tm, ok := doc.Tenant(call.Tenant); ok && !tm.AllowsTool(call.Tool) {
		return e.violation(model.CodeTenantToolDenied, call, ec, fmt.Sprintf("tenant %q may not use tool %q", call.Tenant, call.Tool))
	}

	if !capability.AllowsTenant(call.Tenant) {
		return e.violation(model.CodeToolTenantDenied, call, ec, fmt.Sprintf("tool %q does not admit tenant %q", call.Tool, call.Tenant))
	}

	if capability.MaxRatePerMinute > 0 {
		res := e.limiter.Allow(call.Tenant, call.Tool, capability.MaxRatePerMinute, e.clock())
		if res.Exceeded {
			return e.violation(model.CodeRateLimitExceeded, call, ec,
				fmt.Sprintf("limit %d per minute: %s", capability.MaxRatePerMinute, res.Reason))
		}
	}
	return nil
}

func (e *Engine) violation(code string, call Call, ec model.ExecutionContext, msg string) error {
	e.logger.Warn("policy violation",
		zap.String("code", code),
		zap.String("tool", call.Tool),
		zap.String("tenant", call.Tenant),
		zap.String("trace_id", ec.TraceID))
	return &model.PolicyViolation{Code: code, Tool: call.Tool, Tenant: call.Tenant, Message: msg}
}

// RequiresApproval reports whether a call must wait for a human: either the
// capability says so or the step's side-effect class carries risk.
func (e *Engine) RequiresApproval(call Call) bool {
	capability, ok := e.Capability(call.Tool)
	if ok && capability.RequiresApproval {
		return true
	}
	return approval.NeedsApproval(e.sideEffect(call, capability))
}

func (e *Engine) sideEffect(call Call, capability ToolCapability) model.SideEffectClass {
	if call.SideEffectClass != "" {
		return call.SideEffectClass
	}
	if capability.SideEffectClass != "" {
		return capability.SideEffectClass
	}
	return model.ReadOnly
}

// RequestApproval opens an approval gate for call. When no approval is
// required the record is created already approved by "auto"; otherwise it is
// pending until now + approval_timeout_seconds. Inputs are redacted before
// they are persisted.
func (e *Engine) RequestApproval(call Call, ec model.ExecutionContext, requestID string) (approval.Request, error) {
	capability, ok := e.Capability(call.Tool)
	if !ok {
		return approval.Request{}, e.violation(model.CodeToolNotRegistered, call, ec, fmt.Sprintf("tool %q is not registered", call.Tool))
	}

	spec := approval.Spec{
		ID:              requestID,
		Action:          call.Tool,
		ToolName:        call.Tool,
		Tenant:          call.Tenant,
		TraceID:         ec.TraceID,
		Inputs:          redact.RedactAuto(call.Inputs, nil),
		Reasoning:       call.Reason,
		SideEffectClass: e.sideEffect(call, capability),
		Timeout:         time.Duration(capability.ApprovalTimeoutSeconds) * time.Second,
	}
	if !e.RequiresApproval(call) {
		return e.approvals.AutoApprove(spec)
	}
	return e.approvals.Open(spec)
}

// GetApproval returns the current state of a request with lazy expiry applied.
func (e *Engine) GetApproval(id string) (approval.Request, error) {
	r, err := e.approvals.Get(id)
	return r, e.mapApprovalErr(id, err)
}

// ApproveRequest approves a pending request. An expired request yields an
// approval_expired violation even if nobody observed the timeout before.
func (e *Engine) ApproveRequest(id, approver string) (approval.Request, error) {
	r, err := e.approvals.Approve(id, approver)
	return r, e.mapApprovalErr(id, err)
}

// RejectRequest rejects a pending request.
func (e *Engine) RejectRequest(id, reason string) (approval.Request, error) {
	r, err := e.approvals.Reject(id, reason)
	return r, e.mapApprovalErr(id, err)
}

func (e *Engine) mapApprovalErr(id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, approval.ErrExpired):
		return &model.PolicyViolation{Code: model.CodeApprovalExpired, Message: fmt.Sprintf("approval %s expired", id)}
	case errors.Is(err, approval.ErrNotFound):
		return &model.PolicyViolation{Code: model.CodeApprovalNotFound, Message: fmt.Sprintf("approval %s not found", id)}
	case errors.Is(err, approval.ErrAlreadyResolved):
		return &model.PolicyViolation{Code: model.CodeApprovalAlreadyResolved, Message: err.Error()}
	default:
		return err
	}
}

// Acquire reserves one concurrent-call slot for tenant. The returned release
// func must be called once the call finishes. Tenants without a limit always
// succeed.
func (e *Engine) Acquire(tenant, tool string) (func(), error) {
	tm, ok := e.Document().Tenant(tenant)
	if !ok || tm.MaxConcurrentCalls <= 0 {
		return func() {}, nil
	}

	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if e.inflight[tenant] >= tm.MaxConcurrentCalls {
		return nil, &model.PolicyViolation{
			Code:    model.CodeConcurrencyExceeded,
			Tool:    tool,
			Tenant:  tenant,
			Message: fmt.Sprintf("tenant %q already has %d calls in flight", tenant, tm.MaxConcurrentCalls),
		}
	}
	e.inflight[tenant]++

	var once sync.Once
	return func() {
		once.Do(func() {
			e.inflightMu.Lock()
			e.inflight[tenant]--
			if e.inflight[tenant] <= 0 {
				delete(e.inflight, tenant)
			}
			e.inflightMu.Unlock()
		})
	}, nil
}

// TenantBudgetCeiling returns the tenant's cost ceiling, if it declares one.
func (e *Engine) TenantBudgetCeiling(tenant string) (float64, bool) {
	tm, ok := e.Document().Tenant(tenant)
	if !ok || tm.BudgetCeiling <= 0 {
		return 0, false
	}
	return tm.BudgetCeiling, true
}
