package model

import "time"

// StepStatus is the outcome of one plan step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records what happened to a single step.
type StepResult struct {
	Index      int           `json:"index"`
	Tool       string        `json:"tool"`
	Worker     string        `json:"worker,omitempty"`
	Status     StepStatus    `json:"status"`
	Output     any           `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	ApprovalID string        `json:"approval_id,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// FailureContext explains why a plan stopped early.
type FailureContext struct {
	StepIndex int    `json:"step_index"`
	Tool      string `json:"tool"`
	Kind      string `json:"kind"` // "policy", "budget", "validation", "worker"
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
}

// ExecutionResult is returned by the coordinator for every plan,
// including plans that failed part-way.
type ExecutionResult struct {
	Success           bool            `json:"success"`
	Results           []StepResult    `json:"results"`
	PartialResults    []StepResult    `json:"partial_results,omitempty"`
	ApprovalsRequired int             `json:"approvals_required"`
	FailureContext    *FailureContext `json:"failure_context,omitempty"`
	TraceID           string          `json:"trace_id"`
	PlanID            string          `json:"plan_id"`
	Stage             Stage           `json:"stage"`
}
