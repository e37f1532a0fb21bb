// Package planning turns a goal into an ordered, budget-checked plan by
// matching it against the capabilities of the available tools.
package planning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/ppiankov/toolgate/internal/budget"
	"github.com/ppiankov/toolgate/internal/expiry"
	"github.com/ppiankov/toolgate/internal/governance"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/tracer"
)

// Match weights. A tool needs at least MinScore to be selected.
const (
	keywordWeight     = 3
	nameWeight        = 2
	descriptionWeight = 1
	MinScore          = 2
)

// Constraints narrow what a plan may contain.
type Constraints struct {
	AvailableTools []governance.ToolCapability
	// MaxSteps caps the number of selected tools; zero means no cap.
	MaxSteps int
	// Inputs supplies per-tool step input keyed by tool name.
	Inputs map[string]map[string]any
}

// Request is everything CreatePlan needs.
type Request struct {
	Goal        string
	TraceID     string
	Profile     string
	Budget      budget.ToolBudget
	Constraints Constraints
}

// Authority builds plans. It holds no per-plan state.
type Authority struct {
	clock  expiry.Clock
	newID  func() string
	logger *zap.Logger
}

// Option configures an Authority.
type Option func(*Authority)

func WithClock(c expiry.Clock) Option { return func(a *Authority) { a.clock = c } }
func WithIDFunc(f func() string) Option { return func(a *Authority) { a.newID = f } }
func WithLogger(l *zap.Logger) Option { return func(a *Authority) { a.logger = l } }

// NewAuthority returns a planner.
func NewAuthority(opts ...Option) *Authority {
	a := &Authority{clock: expiry.SystemClock, newID: tracer.NewPlanID, logger: zap.NewNop()}
	for _, o := range opts {
		o(a)
	}
	return a
}

type candidate struct {
	tool     governance.ToolCapability
	score    int
	position int
	matched  []string
}

// CreatePlan selects an ordered subset of the available tools for the
// goal. Selection depends only on the goal, the tools and the budget, so
// identical inputs yield identical steps. If the aggregate estimate does
// not fit the budget a *model.BudgetError is returned and no plan is built.
func (a *Authority) CreatePlan(ctx context.Context, req Request) (model.Plan, error) {
	if err := ctx.Err(); err != nil {
		return model.Plan{}, err
	}
	if strings.TrimSpace(req.Goal) == "" {
		return model.Plan{}, &model.ValidationError{Field: "goal", Reason: "must not be empty"}
	}
	if err := req.Budget.Validate(); err != nil {
		return model.Plan{}, &model.ValidationError{Field: "budget", Reason: err.Error()}
	}

	selected := rank(tokenize(req.Goal), req.Constraints.AvailableTools, req.Constraints.MaxSteps)
	if len(selected) == 0 {
		return model.Plan{}, &model.ValidationError{Field: "goal", Reason: "no available tool matches the goal"}
	}

	steps := make([]model.PlanStep, len(selected))
	for i, c := range selected {
		steps[i] = model.PlanStep{
			Index:           i,
			Tool:            c.tool.Name,
			Input:           copyInput(req.Constraints.Inputs[c.tool.Name]),
			Name:            stepName(c.tool),
			Reason:          fmt.Sprintf("matched %s (score %d)", strings.Join(c.matched, ", "), c.score),
			EstimatedCost:   c.tool.EstimatedCost,
			EstimatedTokens: c.tool.EstimatedTokens,
			Metadata: model.StepMetadata{
				Domain:          c.tool.Domain,
				SideEffectClass: sideEffectOf(c.tool),
			},
		}
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = tracer.NewTraceID()
	}
	plan := model.Plan{
		PlanID:    a.newID(),
		Goal:      req.Goal,
		Steps:     steps,
		Stage:     model.StageCreated,
		Budget:    req.Budget.Clone(),
		TraceID:   traceID,
		CreatedAt: a.clock(),
	}

	if cost := plan.EstimatedTotalCost(); cost > req.Budget.CostCeiling {
		return model.Plan{}, &model.BudgetError{Dimension: "cost", RequiredCost: cost, AvailableCost: req.Budget.CostCeiling}
	}
	if tokens := plan.EstimatedTotalTokens(); tokens > req.Budget.TokenCeiling {
		return model.Plan{}, &model.BudgetError{Dimension: "tokens", RequiredTokens: tokens, AvailableTokens: req.Budget.TokenCeiling}
	}

	a.logger.Debug("plan created",
		zap.String("plan_id", plan.PlanID),
		zap.String("trace_id", plan.TraceID),
		zap.String("profile", req.Profile),
		zap.Int("steps", len(steps)))
	return plan, nil
}

// rank scores every tool against the goal tokens, keeps those reaching
// MinScore (the best maxSteps of them when capped) and orders them by where
// in the goal they were first mentioned.
func rank(goal []string, tools []governance.ToolCapability, maxSteps int) []candidate {
	var out []candidate
	seen := make(map[string]bool)
	for _, t := range tools {
		if t.Name == "" || seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		if c, ok := score(goal, t); ok {
			out = append(out, c)
		}
	}
	if maxSteps > 0 && len(out) > maxSteps {
		sort.Slice(out, func(i, j int) bool {
			if out[i].score != out[j].score {
				return out[i].score > out[j].score
			}
			return out[i].tool.Name < out[j].tool.Name
		})
		out = out[:maxSteps]
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].position != out[j].position {
			return out[i].position < out[j].position
		}
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].tool.Name < out[j].tool.Name
	})
	return out
}

func score(goal []string, t governance.ToolCapability) (candidate, bool) {
	c := candidate{tool: t, position: len(goal)}
	hit := func(term string, weight int, pos int) {
		c.score += weight
		c.matched = append(c.matched, term)
		if pos < c.position {
			c.position = pos
		}
	}

	for _, kw := range t.Keywords {
		if pos, ok := phrase(goal, tokenize(kw)); ok {
			hit(strings.ToLower(kw), keywordWeight, pos)
		}
	}
	if pos, ok := phrase(goal, tokenize(t.Name)); ok {
		hit(t.Name, nameWeight, pos)
	}
	seen := make(map[string]bool)
	for _, w := range tokenize(t.Description) {
		if len(w) < 4 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		if pos := index(goal, w); pos >= 0 {
			hit(w, descriptionWeight, pos)
		}
	}
	return c, c.score >= MinScore
}

// phrase reports whether every word of terms occurs in goal, returning the
// earliest position of any of them.
func phrase(goal, terms []string) (int, bool) {
	if len(terms) == 0 {
		return 0, false
	}
	first := len(goal)
	for _, w := range terms {
		pos := index(goal, w)
		if pos < 0 {
			return 0, false
		}
		if pos < first {
			first = pos
		}
	}
	return first, true
}

func index(words []string, w string) int {
	for i, x := range words {
		if x == w {
			return i
		}
	}
	return -1
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var stopwords = map[string]bool{
	"with": true, "from": true, "into": true, "that": true, "this": true,
	"then": true, "than": true, "their": true, "them": true, "they": true,
	"have": true, "will": true, "about": true, "using": true, "tool": true,
}

func stepName(t governance.ToolCapability) string {
	if t.Description != "" {
		return t.Description
	}
	return t.Name
}

// sideEffectOf falls back to the action type when the capability does not
// declare a side-effect class.
func sideEffectOf(t governance.ToolCapability) model.SideEffectClass {
	if t.SideEffectClass != "" {
		return t.SideEffectClass
	}
	switch t.ActionType {
	case governance.ActionRead, governance.ActionCompute, "":
		return model.ReadOnly
	default:
		return model.Execute
	}
}

func copyInput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
