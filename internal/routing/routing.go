// Package routing assigns a plan step to one of several candidate workers.
package routing

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Strategy names.
const (
	StrategyRoundRobin      = "round_robin"
	StrategyCapabilityBased = "capability_based"
)

// ErrNoCandidates is returned when there is nothing to route to.
var ErrNoCandidates = errors.New("routing: no candidate workers")

// Candidate is a worker that could take a step.
type Candidate struct {
	Name         string
	Capabilities []string
}

// Request describes the step being routed.
type Request struct {
	TraceID   string
	StepIndex int
	Tool      string
	Domain    string
	// Required lists capabilities the step needs. The tool name and domain
	// are always considered as well.
	Required []string
}

// Decision is the outcome of routing one step.
type Decision struct {
	StepIndex int    `json:"step_index"`
	Tool      string `json:"tool"`
	Selected  string `json:"selected"`
	Fallback  string `json:"fallback,omitempty"`
	Reason    string `json:"reason"`
	Strategy  string `json:"strategy"`
}

// Strategy picks a candidate index and the index of a fallback
// (-1 when only one candidate exists).
type Strategy interface {
	Name() string
	Select(req Request, candidates []Candidate) (selected, fallback int, reason string)
}

// New returns the strategy with the given name.
func New(name string) (Strategy, error) {
	switch name {
	case "", StrategyRoundRobin:
		return &RoundRobin{}, nil
	case StrategyCapabilityBased:
		return CapabilityBased{}, nil
	default:
		return nil, fmt.Errorf("routing: unknown strategy %q", name)
	}
}

// Authority routes steps using one strategy.
type Authority struct {
	strategy Strategy
	logger   *zap.Logger
}

// NewAuthority creates an authority. A nil logger is replaced with a no-op.
func NewAuthority(s Strategy, logger *zap.Logger) *Authority {
	if s == nil {
		s = &RoundRobin{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authority{strategy: s, logger: logger}
}

// Strategy returns the configured strategy name.
func (a *Authority) Strategy() string { return a.strategy.Name() }

// RouteToWorker selects a candidate for req. With two or more distinct
// candidates the fallback is always set and differs from the selection.
func (a *Authority) RouteToWorker(req Request, candidates []Candidate) (Decision, error) {
	cands := dedupe(candidates)
	if len(cands) == 0 {
		return Decision{}, ErrNoCandidates
	}

	sel, fb, reason := a.strategy.Select(req, cands)
	if sel < 0 || sel >= len(cands) {
		return Decision{}, fmt.Errorf("routing: strategy %s returned invalid index %d", a.strategy.Name(), sel)
	}
	if len(cands) > 1 && (fb < 0 || fb >= len(cands) || fb == sel) {
		fb = (sel + 1) % len(cands)
	}

	d := Decision{
		StepIndex: req.StepIndex,
		Tool:      req.Tool,
		Selected:  cands[sel].Name,
		Reason:    strings.TrimSpace(reason),
		Strategy:  a.strategy.Name(),
	}
	if len(cands) > 1 {
		d.Fallback = cands[fb].Name
	}
	if d.Reason == "" {
		d.Reason = fmt.Sprintf("%s selected %s for step %d (%s)", d.Strategy, d.Selected, req.StepIndex, req.Tool)
	}

	a.logger.Debug("route decision",
		zap.String("trace_id", req.TraceID),
		zap.Int("step", req.StepIndex),
		zap.String("selected", d.Selected),
		zap.String("fallback", d.Fallback))
	return d, nil
}

func dedupe(candidates []Candidate) []Candidate {
	seen := make(map[string]bool, len(candidates))
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Name == "" || seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		out = append(out, c)
	}
	return out
}

// RoundRobin cycles through candidates in the order supplied, wrapping
// after the last. Each tool keeps its own cursor, so interleaving steps for
// different tools does not skew the rotation within a tool's pool.
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[string]int
}

func (r *RoundRobin) Name() string { return StrategyRoundRobin }

func (r *RoundRobin) Select(req Request, candidates []Candidate) (int, int, string) {
	r.mu.Lock()
	if r.cursors == nil {
		r.cursors = make(map[string]int)
	}
	sel := r.cursors[req.Tool] % len(candidates)
	r.cursors[req.Tool]++
	r.mu.Unlock()

	fb := -1
	if len(candidates) > 1 {
		fb = (sel + 1) % len(candidates)
	}
	reason := fmt.Sprintf("round_robin: %s is next in rotation (position %d of %d) for step %d tool %s",
		candidates[sel].Name, sel+1, len(candidates), req.StepIndex, req.Tool)
	return sel, fb, reason
}

// CapabilityBased picks the candidate advertising the most of the step's
// needs. Ties go to the earliest candidate.
type CapabilityBased struct{}

func (CapabilityBased) Name() string { return StrategyCapabilityBased }

func (CapabilityBased) Select(req Request, candidates []Candidate) (int, int, string) {
	needs := needsOf(req)
	best, second := -1, -1
	scores := make([]int, len(candidates))
	for i, c := range candidates {
		scores[i] = score(c, needs)
		switch {
		case best < 0 || scores[i] > scores[best]:
			second = best
			best = i
		case second < 0 || scores[i] > scores[second]:
			second = i
		}
	}

	var reason string
	if scores[best] == 0 {
		reason = fmt.Sprintf("capability_based: no candidate advertises %s; defaulting to %s",
			strings.Join(needs, ", "), candidates[best].Name)
	} else {
		reason = fmt.Sprintf("capability_based: %s matches %d of %d required capabilities (%s) for step %d",
			candidates[best].Name, scores[best], len(needs), strings.Join(needs, ", "), req.StepIndex)
	}
	return best, second, reason
}

func needsOf(req Request) []string {
	var needs []string
	seen := map[string]bool{}
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			needs = append(needs, s)
		}
	}
	add(req.Tool)
	add(req.Domain)
	for _, r := range req.Required {
		add(r)
	}
	return needs
}

func score(c Candidate, needs []string) int {
	n := 0
	for _, need := range needs {
		for _, capability := range c.Capabilities {
			if capability == need || capability == "*" {
				n++
				break
			}
		}
	}
	return n
}
