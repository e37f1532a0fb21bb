package tracer

import (
	"errors"
	"fmt"
)

// Canonical event names. The set is closed; Emit rejects anything else.
const (
	EventPlanCreated       = "plan_created"
	EventRouteDecision     = "route_decision"
	EventToolCallStart     = "tool_call_start"
	EventToolCallComplete  = "tool_call_complete"
	EventToolCallError     = "tool_call_error"
	EventBudgetWarning     = "budget_warning"
	EventBudgetExceeded    = "budget_exceeded"
	EventApprovalRequested = "approval_requested"
	EventApprovalReceived  = "approval_received"
	EventApprovalTimeout   = "approval_timeout"
)

var canonical = map[string]Status{
	EventPlanCreated:       StatusSuccess,
	EventRouteDecision:     StatusSuccess,
	EventToolCallStart:     StatusPending,
	EventToolCallComplete:  StatusSuccess,
	EventToolCallError:     StatusError,
	EventBudgetWarning:     StatusPending,
	EventBudgetExceeded:    StatusError,
	EventApprovalRequested: StatusPending,
	EventApprovalReceived:  StatusSuccess,
	EventApprovalTimeout:   StatusError,
}

// CanonicalEvents lists every accepted event name in lifecycle order.
var CanonicalEvents = []string{
	EventPlanCreated, EventRouteDecision, EventToolCallStart, EventToolCallComplete,
	EventToolCallError, EventBudgetWarning, EventBudgetExceeded,
	EventApprovalRequested, EventApprovalReceived, EventApprovalTimeout,
}

// IsCanonical reports whether name may be emitted.
func IsCanonical(name string) bool {
	_, ok := canonical[name]
	return ok
}

// Status is the outcome carried by an event.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrUnknownEvent is returned for event names outside the canonical set.
var ErrUnknownEvent = errors.New("tracer: unknown event")

func unknownEvent(name string) error {
	return fmt.Errorf("%w %q (allowed: %v)", ErrUnknownEvent, name, CanonicalEvents)
}

// Event is one entry in a trace. Seq is unique and increasing per trace id.
type Event struct {
	Event     string         `json:"event"`
	TraceID   string         `json:"trace_id"`
	Seq       uint64         `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
	Status    Status         `json:"status"`
}
