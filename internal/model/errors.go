package model

import "fmt"

// Policy violation codes.
const (
	CodeToolNotRegistered       = "tool_not_registered"
	CodeTenantToolDenied        = "tenant_tool_denied"
	CodeToolTenantDenied        = "tool_tenant_denied"
	CodeRateLimitExceeded       = "rate_limit_exceeded"
	CodeApprovalExpired         = "approval_expired"
	CodeApprovalNotFound        = "approval_not_found"
	CodeApprovalAlreadyResolved = "approval_already_resolved"
	CodeConcurrencyExceeded     = "tenant_concurrency_exceeded"
)

// ValidationError reports malformed plan, budget, or configuration input.
// It aborts before any step runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// PolicyViolation is raised by governance checks and aborts the offending step.
type PolicyViolation struct {
	Code    string
	Tool    string
	Tenant  string
	Message string
}

func (e *PolicyViolation) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches another PolicyViolation with the same code, so callers can write
// errors.Is(err, &PolicyViolation{Code: CodeRateLimitExceeded}).
func (e *PolicyViolation) Is(target error) bool {
	t, ok := target.(*PolicyViolation)
	if !ok {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// BudgetError reports that a plan or call does not fit the remaining budget.
type BudgetError struct {
	Dimension       string
	RequiredCost    float64
	AvailableCost   float64
	RequiredTokens  int64
	AvailableTokens int64
}

func (e *BudgetError) Error() string {
	if e.Dimension == "tokens" {
		return fmt.Sprintf("budget_exceeded:tokens: required %d tokens, available %d", e.RequiredTokens, e.AvailableTokens)
	}
	dim := e.Dimension
	if dim == "" {
		dim = "cost"
	}
	return fmt.Sprintf("budget_exceeded:%s: required cost %.4f, available %.4f", dim, e.RequiredCost, e.AvailableCost)
}

// ApprovalTimeoutError is non-fatal: the step is skipped and the plan continues.
type ApprovalTimeoutError struct {
	ApprovalID string
}

func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("approval %s timed out", e.ApprovalID)
}

// Sandbox failure kinds.
const (
	SandboxTimeout       = "timeout"
	SandboxResourceLimit = "resource_limit"
	SandboxNonZeroExit   = "non_zero_exit"
	SandboxStartFailed   = "start_failed"
)

// SandboxExecutionError describes a failed sandboxed run. The runner
// carries it as data inside its result; the code_exec worker also returns
// it as the call's error so dispatch can tell code that ran from code that
// never started.
type SandboxExecutionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *SandboxExecutionError) Error() string {
	return fmt.Sprintf("sandbox %s: %s", e.Kind, e.Message)
}
