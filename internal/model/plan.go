package model

import (
	"fmt"
	"time"

	"github.com/ppiankov/toolgate/internal/budget"
)

// Stage is the lifecycle position of a Plan.
type Stage string

const (
	StageCreated   Stage = "created"
	StageRouted    Stage = "routed"
	StageExecuting Stage = "executing"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// stageRank orders stages for one-directional transitions.
// Completed and failed share a rank: both are terminal.
var stageRank = map[Stage]int{
	StageCreated:   0,
	StageRouted:    1,
	StageExecuting: 2,
	StageCompleted: 3,
	StageFailed:    3,
}

// IsTerminal reports whether no further transition is possible.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// SideEffectClass drives whether a step needs human approval.
type SideEffectClass string

const (
	ReadOnly SideEffectClass = "read-only"
	Propose  SideEffectClass = "propose"
	Execute  SideEffectClass = "execute"
)

// Valid reports whether c is one of the known classes.
func (c SideEffectClass) Valid() bool {
	switch c {
	case ReadOnly, Propose, Execute:
		return true
	}
	return false
}

// StepMetadata carries routing and approval hints for a step.
type StepMetadata struct {
	Domain          string          `json:"domain" yaml:"domain"`
	SideEffectClass SideEffectClass `json:"side_effect_class" yaml:"side_effect_class"`
}

// PlanStep is one tool invocation in a Plan.
type PlanStep struct {
	Index           int            `json:"index" yaml:"index"`
	Tool            string         `json:"tool" yaml:"tool"`
	Input           map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Name            string         `json:"name" yaml:"name"`
	Reason          string         `json:"reason" yaml:"reason"`
	EstimatedCost   float64        `json:"estimated_cost" yaml:"estimated_cost"`
	EstimatedTokens int64          `json:"estimated_tokens" yaml:"estimated_tokens"`
	Worker          string         `json:"worker,omitempty" yaml:"worker,omitempty"`
	Metadata        StepMetadata   `json:"metadata" yaml:"metadata"`
}

// Plan is an ordered, budget-checked sequence of tool invocations.
// A Plan is never mutated after creation; transitions return a copy.
type Plan struct {
	PlanID    string            `json:"plan_id" yaml:"plan_id"`
	Goal      string            `json:"goal" yaml:"goal"`
	Steps     []PlanStep        `json:"steps" yaml:"steps"`
	Stage     Stage             `json:"stage" yaml:"stage"`
	Budget    budget.ToolBudget `json:"budget" yaml:"budget"`
	TraceID   string            `json:"trace_id" yaml:"trace_id"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
}

// EstimatedTotalCost sums the estimated cost of every step.
func (p Plan) EstimatedTotalCost() float64 {
	var total float64
	for _, s := range p.Steps {
		total += s.EstimatedCost
	}
	return total
}

// EstimatedTotalTokens sums the estimated tokens of every step.
func (p Plan) EstimatedTotalTokens() int64 {
	var total int64
	for _, s := range p.Steps {
		total += s.EstimatedTokens
	}
	return total
}

// TransitionTo returns a copy of the plan in the next stage.
// Moving backwards or out of a terminal stage is an error.
func (p Plan) TransitionTo(next Stage) (Plan, error) {
	to, ok := stageRank[next]
	if !ok {
		return p, &ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", next)}
	}
	if p.Stage.IsTerminal() {
		return p, &ValidationError{Field: "stage", Reason: fmt.Sprintf("plan already %s", p.Stage)}
	}
	if to <= stageRank[p.Stage] {
		return p, &ValidationError{Field: "stage", Reason: fmt.Sprintf("cannot move from %s to %s", p.Stage, next)}
	}
	out := p.clone()
	out.Stage = next
	return out, nil
}

// WithRoutedSteps returns a copy with workers assigned and the stage set to routed.
// workers maps step index to worker name; steps absent from the map keep their worker.
func (p Plan) WithRoutedSteps(workers map[int]string) (Plan, error) {
	out, err := p.TransitionTo(StageRouted)
	if err != nil {
		return p, err
	}
	for i := range out.Steps {
		if w, ok := workers[out.Steps[i].Index]; ok {
			out.Steps[i].Worker = w
		}
	}
	return out, nil
}

// Validate checks structural invariants before any step runs.
func (p Plan) Validate() error {
	if p.PlanID == "" {
		return &ValidationError{Field: "plan_id", Reason: "must not be empty"}
	}
	if p.TraceID == "" {
		return &ValidationError{Field: "trace_id", Reason: "must not be empty"}
	}
	if _, ok := stageRank[p.Stage]; !ok {
		return &ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", p.Stage)}
	}
	if err := p.Budget.Validate(); err != nil {
		return &ValidationError{Field: "budget", Reason: err.Error()}
	}
	last := -1
	for i, s := range p.Steps {
		if s.Tool == "" {
			return &ValidationError{Field: fmt.Sprintf("steps[%d].tool", i), Reason: "must not be empty"}
		}
		if s.Index <= last {
			return &ValidationError{Field: fmt.Sprintf("steps[%d].index", i), Reason: "indexes must increase monotonically"}
		}
		last = s.Index
		if s.EstimatedCost < 0 || s.EstimatedTokens < 0 {
			return &ValidationError{Field: fmt.Sprintf("steps[%d]", i), Reason: "estimates must not be negative"}
		}
		if s.Metadata.SideEffectClass != "" && !s.Metadata.SideEffectClass.Valid() {
			return &ValidationError{Field: fmt.Sprintf("steps[%d].metadata.side_effect_class", i), Reason: fmt.Sprintf("unknown class %q", s.Metadata.SideEffectClass)}
		}
	}
	return nil
}

func (p Plan) clone() Plan {
	out := p
	out.Steps = make([]PlanStep, len(p.Steps))
	for i, s := range p.Steps {
		s.Input = cloneMap(s.Input)
		out.Steps[i] = s
	}
	out.Budget = p.Budget.Clone()
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
