package approval

import (
	"errors"
	"time"

	"github.com/ppiankov/toolgate/internal/expiry"
	"github.com/ppiankov/toolgate/internal/model"
)

// Status represents the state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
)

// IsTerminal reports whether the status can never change again.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusTimeout
}

// RiskLevel is derived from the side-effect class of the action.
type RiskLevel string

const (
	RiskNone   RiskLevel = "none"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskFor maps a side-effect class to a risk level.
// Read-only actions never need approval.
func RiskFor(class model.SideEffectClass) RiskLevel {
	switch class {
	case model.Execute:
		return RiskHigh
	case model.Propose:
		return RiskMedium
	default:
		return RiskNone
	}
}

// NeedsApproval reports whether a side-effect class requires a human gate.
func NeedsApproval(class model.SideEffectClass) bool {
	return RiskFor(class) != RiskNone
}

// AutoApprover is the approved_by value for requests that never needed a human.
const AutoApprover = "auto"

var (
	ErrNotFound        = errors.New("approval not found")
	ErrExpired         = errors.New("approval expired")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Request is one human-in-the-loop gate.
type Request struct {
	ApprovalID      string                `json:"approval_id"`
	Action          string                `json:"action"`
	ToolName        string                `json:"tool_name"`
	Tenant          string                `json:"tenant,omitempty"`
	TraceID         string                `json:"trace_id,omitempty"`
	Inputs          map[string]any        `json:"inputs,omitempty"`
	Reasoning       string                `json:"reasoning,omitempty"`
	SideEffectClass model.SideEffectClass `json:"side_effect_class,omitempty"`
	RiskLevel       RiskLevel             `json:"risk_level"`
	Status          Status                `json:"status"`
	CreatedAt       time.Time             `json:"created_at"`
	ExpiresAt       time.Time             `json:"expires_at,omitempty"`
	ApprovedBy      string                `json:"approved_by,omitempty"`
	RejectionReason string                `json:"rejection_reason,omitempty"`
	ResolvedAt      *time.Time            `json:"resolved_at,omitempty"`
}

// Deadline returns the expiry predicate for this request.
func (r Request) Deadline() expiry.Deadline {
	return expiry.Deadline{At: r.ExpiresAt}
}

// IsExpired is computed from the timestamp alone; nothing sweeps in the background.
func (r Request) IsExpired(now time.Time) bool {
	if r.Status == StatusTimeout {
		return true
	}
	return r.Deadline().Passed(now)
}
