package alert

// Event types a webhook can subscribe to.
const (
	TypeApprovalRequested = "approval_requested"
	TypeApprovalResolved  = "approval_resolved"
	TypeApprovalTimeout   = "approval_timeout"
	TypeBudgetExceeded    = "budget_exceeded"
	TypePolicyViolation   = "policy_violation"
)

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"`
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp  string `json:"timestamp"`
	Type       string `json:"type"`
	TraceID    string `json:"trace_id,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	Tool       string `json:"tool"`
	Tenant     string `json:"tenant,omitempty"`
	Risk       string `json:"risk,omitempty"`
	Status     string `json:"status,omitempty"`
	Reason     string `json:"reason,omitempty"`
}
