package budget

import (
	"fmt"
	"sync"
)

// Trace event names emitted by the enforcer.
const (
	EventWarning  = "budget_warning"
	EventExceeded = "budget_exceeded"
)

// EventSink receives budget events. The coordinator adapts it onto the
// plan's trace emitter; nil sinks are ignored.
type EventSink func(event string, details map[string]any)

// Charge is the spend attributed to one tool call.
type Charge struct {
	Tool   string
	Domain string
	Cost   float64
	Tokens int64
}

// Usage is a snapshot of cumulative spend. Callers receive copies only.
type Usage struct {
	Calls       int64            `json:"calls"`
	Cost        float64          `json:"cost"`
	Tokens      int64            `json:"tokens"`
	DomainCalls map[string]int64 `json:"domain_calls"`
	ToolCalls   map[string]int64 `json:"tool_calls"`
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed   bool
	Reason    string // "within_budget" or "budget_exceeded:<dimension>"
	Dimension string // "total", "cost", "tokens", "domain", "tool"
	Key       string // domain or tool name for per-key dimensions
	Used      float64
	Ceiling   float64
}

// Enforcer tracks spend against one ToolBudget. All access goes through a
// single mutex. Reserve checks and holds a charge in one critical section,
// so concurrent callers cannot both claim the last unit of a ceiling.
type Enforcer struct {
	mu     sync.Mutex
	budget ToolBudget
	usage  Usage
	held   Usage
	warned map[string]bool
}

// NewEnforcer validates b and returns an enforcer with zero usage.
func NewEnforcer(b ToolBudget) (*Enforcer, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("budget: %w", err)
	}
	e := &Enforcer{budget: b.Clone(), held: emptyUsage()}
	e.resetLocked()
	return e, nil
}

// Budget returns a copy of the configured ceilings.
func (e *Enforcer) Budget() ToolBudget {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.budget.Clone()
}

// dimension is one ceiling evaluated by Check and Record.
type dimension struct {
	name    string
	key     string
	used    float64
	ceiling float64
}

func (d dimension) id() string {
	if d.key == "" {
		return d.name
	}
	return d.name + ":" + d.key
}

// dimensionsLocked lists every ceiling that applies to c, in the fixed
// order total, cost, tokens, domain, tool. When project is true used
// includes outstanding holds plus c itself; otherwise it is committed
// usage only.
func (e *Enforcer) dimensionsLocked(c Charge, project bool) []dimension {
	calls, cost, tokens := float64(e.usage.Calls), e.usage.Cost, float64(e.usage.Tokens)
	domain, tool := float64(e.usage.DomainCalls[c.Domain]), float64(e.usage.ToolCalls[c.Tool])
	if project {
		calls += float64(e.held.Calls) + 1
		cost += e.held.Cost + c.Cost
		tokens += float64(e.held.Tokens + c.Tokens)
		domain += float64(e.held.DomainCalls[c.Domain]) + 1
		tool += float64(e.held.ToolCalls[c.Tool]) + 1
	}
	dims := []dimension{
		{name: "total", used: calls, ceiling: float64(e.budget.TotalCallsCeiling)},
		{name: "cost", used: cost, ceiling: e.budget.CostCeiling},
		{name: "tokens", used: tokens, ceiling: float64(e.budget.TokenCeiling)},
	}
	if limit, ok := e.budget.CallsPerDomain[c.Domain]; ok && c.Domain != "" {
		dims = append(dims, dimension{name: "domain", key: c.Domain, used: domain, ceiling: float64(limit)})
	}
	if limit, ok := e.budget.CallsPerTool[c.Tool]; ok && c.Tool != "" {
		dims = append(dims, dimension{name: "tool", key: c.Tool, used: tool, ceiling: float64(limit)})
	}
	return dims
}

// Check reports whether c fits the remaining budget without recording it.
// Outstanding holds count as spent. When c would push any dimension past
// its ceiling, budget_exceeded is emitted and the first failing dimension
// is named in the reason. Under PolicyWarn the call is still allowed.
func (e *Enforcer) Check(c Charge, sink EventSink) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkLocked(c, sink)
}

func (e *Enforcer) checkLocked(c Charge, sink EventSink) Decision {
	for _, d := range e.dimensionsLocked(c, true) {
		if d.used <= d.ceiling {
			continue
		}
		dec := Decision{
			Allowed:   e.budget.Policy == PolicyWarn,
			Reason:    "budget_exceeded:" + d.name,
			Dimension: d.name,
			Key:       d.key,
			Used:      d.used,
			Ceiling:   d.ceiling,
		}
		if sink != nil {
			sink(EventExceeded, map[string]any{
				"dimension": d.id(),
				"tool":      c.Tool,
				"domain":    c.Domain,
				"projected": d.used,
				"ceiling":   d.ceiling,
				"policy":    string(e.budget.Policy),
				"allowed":   dec.Allowed,
			})
		}
		return dec
	}
	return Decision{Allowed: true, Reason: "within_budget"}
}

// Record adds c to cumulative usage after a successful dispatch. The first
// time any dimension reaches WarningThreshold*ceiling, budget_warning is
// emitted once for that dimension.
func (e *Enforcer) Record(c Charge, sink EventSink) Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recordLocked(c, sink)
}

// Reserve checks c and, when it is allowed, holds it in the same critical
// section. The hold counts against every later check until it is
// committed or released. A denied charge returns a nil hold.
func (e *Enforcer) Reserve(c Charge, sink EventSink) (*Hold, Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dec := e.checkLocked(c, sink)
	if !dec.Allowed {
		return nil, dec
	}
	addCharge(&e.held, c, 1)
	return &Hold{e: e, charge: c, sink: sink}, dec
}

// Hold is a charge reserved by Reserve.
type Hold struct {
	e      *Enforcer
	charge Charge
	sink   EventSink
	done   bool // guarded by e.mu
}

// Commit turns the hold into recorded usage. Calls after the first
// Commit or Release do nothing.
func (h *Hold) Commit() Usage {
	if h == nil {
		return Usage{}
	}
	e := h.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if h.done {
		return e.snapshotLocked()
	}
	h.done = true
	addCharge(&e.held, h.charge, -1)
	return e.recordLocked(h.charge, h.sink)
}

// Release returns the held charge unspent. It is a no-op after Commit, so
// callers can defer it.
func (h *Hold) Release() {
	if h == nil {
		return
	}
	e := h.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if h.done {
		return
	}
	h.done = true
	addCharge(&e.held, h.charge, -1)
}

func (e *Enforcer) recordLocked(c Charge, sink EventSink) Usage {
	e.usage.Calls++
	e.usage.Cost += c.Cost
	e.usage.Tokens += c.Tokens
	if c.Domain != "" {
		e.usage.DomainCalls[c.Domain]++
	}
	if c.Tool != "" {
		e.usage.ToolCalls[c.Tool]++
	}

	for _, d := range e.dimensionsLocked(c, false) {
		id := d.id()
		if e.warned[id] {
			continue
		}
		// Epsilon absorbs float error in threshold*ceiling.
		if d.used+1e-9 < e.budget.WarningThreshold*d.ceiling {
			continue
		}
		e.warned[id] = true
		if sink != nil {
			sink(EventWarning, map[string]any{
				"dimension": id,
				"used":      d.used,
				"ceiling":   d.ceiling,
				"threshold": e.budget.WarningThreshold,
			})
		}
	}
	return e.snapshotLocked()
}

// Usage returns a copy of cumulative spend.
func (e *Enforcer) Usage() Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Remaining returns the unspent cost and tokens.
func (e *Enforcer) Remaining() (cost float64, tokens int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.budget.CostCeiling - e.usage.Cost, e.budget.TokenCeiling - e.usage.Tokens
}

// Held returns a copy of the spend reserved but not yet committed.
func (e *Enforcer) Held() Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyUsage(e.held)
}

// Reset zeroes usage and re-arms warnings. Outstanding holds survive.
func (e *Enforcer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Enforcer) resetLocked() {
	e.usage = emptyUsage()
	e.warned = make(map[string]bool)
}

func (e *Enforcer) snapshotLocked() Usage {
	return copyUsage(e.usage)
}

func emptyUsage() Usage {
	return Usage{
		DomainCalls: make(map[string]int64),
		ToolCalls:   make(map[string]int64),
	}
}

func copyUsage(u Usage) Usage {
	out := u
	out.DomainCalls = make(map[string]int64, len(u.DomainCalls))
	for k, v := range u.DomainCalls {
		out.DomainCalls[k] = v
	}
	out.ToolCalls = make(map[string]int64, len(u.ToolCalls))
	for k, v := range u.ToolCalls {
		out.ToolCalls[k] = v
	}
	return out
}

// addCharge adds sign*c to u. Per-key counters that drop to zero are removed.
func addCharge(u *Usage, c Charge, sign int64) {
	u.Calls += sign
	u.Cost += float64(sign) * c.Cost
	u.Tokens += sign * c.Tokens
	bump := func(m map[string]int64, k string) {
		if k == "" {
			return
		}
		m[k] += sign
		if m[k] == 0 {
			delete(m, k)
		}
	}
	bump(u.DomainCalls, c.Domain)
	bump(u.ToolCalls, c.Tool)
}
