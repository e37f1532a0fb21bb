package budget

import (
	"strings"
	"sync"
	"testing"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) sink(event string, details map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func testBudget() ToolBudget {
	return ToolBudget{
		TotalCallsCeiling: 5,
		CostCeiling:       100,
		TokenCeiling:      100_000,
		WarningThreshold:  0.8,
		Policy:            PolicyBlock,
	}
}

func newTestEnforcer(t *testing.T, b ToolBudget) *Enforcer {
	t.Helper()
	e, err := NewEnforcer(b)
	if err != nil {
		t.Fatalf("NewEnforcer: %v", err)
	}
	return e
}

// --- Config tests ---

func TestValidateRejectsNonPositiveCeilings(t *testing.T) {
	tests := []func(*ToolBudget){
		func(b *ToolBudget) { b.TotalCallsCeiling = 0 },
		func(b *ToolBudget) { b.CostCeiling = -1 },
		func(b *ToolBudget) { b.TokenCeiling = 0 },
		func(b *ToolBudget) { b.CallsPerDomain = map[string]int64{"crm": 0} },
		func(b *ToolBudget) { b.CallsPerTool = map[string]int64{"email": -2} },
	}
	for i, mutate := range tests {
		b := testBudget()
		mutate(&b)
		if err := b.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestValidateWarningThresholdRange(t *testing.T) {
	for _, th := range []float64{0, -0.1, 1.01} {
		b := testBudget()
		b.WarningThreshold = th
		if err := b.Validate(); err == nil {
			t.Errorf("threshold %v: expected error", th)
		}
	}
	b := testBudget()
	b.WarningThreshold = 1
	if err := b.Validate(); err != nil {
		t.Errorf("threshold 1 should be valid: %v", err)
	}
}

func TestValidateUnknownPolicy(t *testing.T) {
	b := testBudget()
	b.Policy = "stop"
	if err := b.Validate(); err == nil {
		t.Error("expected unknown policy to fail")
	}
}

// --- Enforcer tests ---

func TestSixthCallExceedsTotal(t *testing.T) {
	e := newTestEnforcer(t, testBudget())
	rec := &recorder{}
	c := Charge{Tool: "crm_lookup", Domain: "crm"}

	for i := 0; i < 5; i++ {
		d := e.Check(c, rec.sink)
		if !d.Allowed {
			t.Fatalf("call %d: expected allowed, got %s", i+1, d.Reason)
		}
		e.Record(c, rec.sink)
	}

	d := e.Check(c, rec.sink)
	if d.Allowed {
		t.Fatal("expected 6th call to be denied")
	}
	if d.Reason != "budget_exceeded:total" {
		t.Errorf("expected reason budget_exceeded:total, got %s", d.Reason)
	}
	if n := rec.count(EventExceeded); n != 1 {
		t.Errorf("expected exactly one budget_exceeded event, got %d", n)
	}
}

func TestWarningEmittedOnceAtThreshold(t *testing.T) {
	b := testBudget()
	b.TotalCallsCeiling = 10
	e := newTestEnforcer(t, b)
	rec := &recorder{}
	c := Charge{Tool: "crm_lookup"}

	for i := 0; i < 7; i++ {
		e.Record(c, rec.sink)
	}
	if n := rec.count(EventWarning); n != 0 {
		t.Fatalf("expected no warning after 7 calls, got %d", n)
	}

	e.Record(c, rec.sink)
	if n := rec.count(EventWarning); n != 1 {
		t.Fatalf("expected one warning after 8 calls, got %d", n)
	}

	e.Record(c, rec.sink)
	if n := rec.count(EventWarning); n != 1 {
		t.Errorf("expected warning not to repeat, got %d", n)
	}
}

func TestWarnPolicyAllowsButEmits(t *testing.T) {
	b := testBudget()
	b.TotalCallsCeiling = 1
	b.Policy = PolicyWarn
	e := newTestEnforcer(t, b)
	rec := &recorder{}
	c := Charge{Tool: "t"}

	e.Record(c, rec.sink)
	d := e.Check(c, rec.sink)
	if !d.Allowed {
		t.Error("expected warn policy to allow")
	}
	if d.Reason != "budget_exceeded:total" {
		t.Errorf("expected exceeded reason, got %s", d.Reason)
	}
	if rec.count(EventExceeded) != 1 {
		t.Error("expected budget_exceeded event under warn policy")
	}
}

func TestCostDimensionIdentified(t *testing.T) {
	b := testBudget()
	b.CostCeiling = 1.0
	e := newTestEnforcer(t, b)

	e.Record(Charge{Tool: "t", Cost: 0.75}, nil)
	d := e.Check(Charge{Tool: "t", Cost: 0.5}, nil)
	if d.Allowed || d.Reason != "budget_exceeded:cost" {
		t.Errorf("expected cost exceeded, got %+v", d)
	}
}

func TestTokenDimensionIdentified(t *testing.T) {
	b := testBudget()
	b.TokenCeiling = 100
	e := newTestEnforcer(t, b)

	d := e.Check(Charge{Tool: "t", Tokens: 101}, nil)
	if d.Allowed || d.Reason != "budget_exceeded:tokens" {
		t.Errorf("expected tokens exceeded, got %+v", d)
	}
}

func TestPerDomainAndPerToolCeilings(t *testing.T) {
	b := testBudget()
	b.TotalCallsCeiling = 100
	b.CallsPerDomain = map[string]int64{"crm": 2}
	b.CallsPerTool = map[string]int64{"send_email": 1}
	e := newTestEnforcer(t, b)

	crm := Charge{Tool: "crm_lookup", Domain: "crm"}
	e.Record(crm, nil)
	e.Record(crm, nil)
	d := e.Check(crm, nil)
	if d.Allowed || d.Reason != "budget_exceeded:domain" || d.Key != "crm" {
		t.Errorf("expected domain exceeded for crm, got %+v", d)
	}

	email := Charge{Tool: "send_email", Domain: "outreach"}
	e.Record(email, nil)
	d = e.Check(email, nil)
	if d.Allowed || d.Reason != "budget_exceeded:tool" || d.Key != "send_email" {
		t.Errorf("expected tool exceeded for send_email, got %+v", d)
	}

	d = e.Check(Charge{Tool: "other", Domain: "other"}, nil)
	if !d.Allowed {
		t.Errorf("expected unrelated call allowed, got %s", d.Reason)
	}
}

func TestCheckDoesNotRecord(t *testing.T) {
	e := newTestEnforcer(t, testBudget())
	for i := 0; i < 20; i++ {
		e.Check(Charge{Tool: "t"}, nil)
	}
	if u := e.Usage(); u.Calls != 0 {
		t.Errorf("expected zero calls recorded, got %d", u.Calls)
	}
}

func TestUsageIsACopy(t *testing.T) {
	e := newTestEnforcer(t, testBudget())
	e.Record(Charge{Tool: "t", Domain: "d"}, nil)
	u := e.Usage()
	u.ToolCalls["t"] = 99
	if e.Usage().ToolCalls["t"] != 1 {
		t.Error("mutating a snapshot must not change the enforcer")
	}
}

func TestResetRearmsWarnings(t *testing.T) {
	b := testBudget()
	b.TotalCallsCeiling = 2
	b.WarningThreshold = 0.5
	e := newTestEnforcer(t, b)
	rec := &recorder{}

	e.Record(Charge{Tool: "t"}, rec.sink)
	e.Reset()
	if e.Usage().Calls != 0 {
		t.Error("expected usage reset")
	}
	e.Record(Charge{Tool: "t"}, rec.sink)
	if n := rec.count(EventWarning); n != 2 {
		t.Errorf("expected warning to fire again after reset, got %d", n)
	}
}

func TestConcurrentRecordIsExact(t *testing.T) {
	b := testBudget()
	b.TotalCallsCeiling = 10_000
	e := newTestEnforcer(t, b)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Record(Charge{Tool: "t", Domain: "d", Tokens: 1}, nil)
			}
		}()
	}
	wg.Wait()

	u := e.Usage()
	if u.Calls != 5000 || u.Tokens != 5000 || u.ToolCalls["t"] != 5000 {
		t.Errorf("expected 5000 everywhere, got %+v", u)
	}
}

// --- Reservation tests ---

func TestReserveHoldsLastSlot(t *testing.T) {
	b := testBudget()
	b.TotalCallsCeiling = 1
	e := newTestEnforcer(t, b)
	rec := &recorder{}

	first, dec := e.Reserve(Charge{Tool: "t"}, rec.sink)
	if first == nil || !dec.Allowed {
		t.Fatalf("first reservation should fit, got %+v", dec)
	}
	second, dec := e.Reserve(Charge{Tool: "t"}, rec.sink)
	if second != nil || dec.Allowed {
		t.Fatal("second reservation must be denied while the first is held")
	}
	if dec.Reason != "budget_exceeded:total" {
		t.Errorf("unexpected reason %q", dec.Reason)
	}
	if u := e.Usage(); u.Calls != 0 {
		t.Errorf("a hold is not spend, got %d calls", u.Calls)
	}

	first.Commit()
	if u := e.Usage(); u.Calls != 1 {
		t.Errorf("expected 1 committed call, got %d", u.Calls)
	}
	if h := e.Held(); h.Calls != 0 {
		t.Errorf("expected no outstanding holds, got %d", h.Calls)
	}
}

func TestReleaseReturnsSlot(t *testing.T) {
	b := testBudget()
	b.TotalCallsCeiling = 1
	e := newTestEnforcer(t, b)

	h, _ := e.Reserve(Charge{Tool: "t", Domain: "d", Cost: 1, Tokens: 5}, nil)
	h.Release()
	h.Release()
	h.Commit()

	if u := e.Usage(); u.Calls != 0 || u.Cost != 0 {
		t.Errorf("released hold must not be spent, got %+v", u)
	}
	held := e.Held()
	if held.Calls != 0 || len(held.ToolCalls) != 0 || len(held.DomainCalls) != 0 {
		t.Errorf("expected empty holds, got %+v", held)
	}
	if again, dec := e.Reserve(Charge{Tool: "t"}, nil); again == nil || !dec.Allowed {
		t.Error("slot should be free again after release")
	}
}

func TestCommitAfterReleaseIsNoop(t *testing.T) {
	e := newTestEnforcer(t, testBudget())
	h, _ := e.Reserve(Charge{Tool: "t"}, nil)
	h.Commit()
	h.Commit()
	h.Release()
	if u := e.Usage(); u.Calls != 1 {
		t.Errorf("expected exactly one call, got %d", u.Calls)
	}
}

func TestNilHoldIsSafe(t *testing.T) {
	var h *Hold
	h.Release()
	h.Commit()
}

func TestHeldPerToolCeiling(t *testing.T) {
	b := testBudget()
	b.CallsPerTool = map[string]int64{"email": 1}
	e := newTestEnforcer(t, b)

	if h, _ := e.Reserve(Charge{Tool: "email"}, nil); h == nil {
		t.Fatal("first email should fit")
	}
	if h, dec := e.Reserve(Charge{Tool: "email"}, nil); h != nil || dec.Reason != "budget_exceeded:tool" {
		t.Fatalf("expected tool ceiling to count the hold, got %+v", dec)
	}
	if h, _ := e.Reserve(Charge{Tool: "crm"}, nil); h == nil {
		t.Error("other tools are unaffected by the email hold")
	}
}

func TestConcurrentReserveNeverOverruns(t *testing.T) {
	b := testBudget()
	b.TotalCallsCeiling = 10
	e := newTestEnforcer(t, b)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, dec := e.Reserve(Charge{Tool: "t"}, nil)
			if !dec.Allowed {
				return
			}
			mu.Lock()
			granted++
			mu.Unlock()
			h.Commit()
		}()
	}
	wg.Wait()

	if granted != 10 {
		t.Errorf("expected exactly 10 grants, got %d", granted)
	}
	if u := e.Usage(); u.Calls != 10 {
		t.Errorf("expected 10 calls, got %d", u.Calls)
	}
}

// --- Profile tests ---

func TestProfilesDistinct(t *testing.T) {
	names := Profiles()
	if len(names) != 3 {
		t.Fatalf("expected 3 profiles, got %v", names)
	}
	seen := map[int64]bool{}
	for _, n := range names {
		b, err := ProfileBudget(n, func(string) (string, bool) { return "", false })
		if err != nil {
			t.Fatalf("profile %s: %v", n, err)
		}
		if seen[b.TotalCallsCeiling] {
			t.Errorf("profile %s shares a ceiling with another profile", n)
		}
		seen[b.TotalCallsCeiling] = true
	}
}

func TestProfileEnvOverride(t *testing.T) {
	env := map[string]string{
		"TOOLGATE_BUDGET_MINIMAL_TOTAL_CALLS": "3",
		"TOOLGATE_BUDGET_MINIMAL_POLICY":      "WARN",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	b, err := ProfileBudget("minimal", lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.TotalCallsCeiling != 3 {
		t.Errorf("expected override 3, got %d", b.TotalCallsCeiling)
	}
	if b.Policy != PolicyWarn {
		t.Errorf("expected warn policy, got %s", b.Policy)
	}
}

func TestProfileEnvOverrideInvalid(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "TOOLGATE_BUDGET_STANDARD_COST" {
			return "-5", true
		}
		return "", false
	}
	if _, err := ProfileBudget("standard", lookup); err == nil {
		t.Error("expected negative cost override to fail validation")
	}
}

func TestUnknownProfile(t *testing.T) {
	_, err := ProfileBudget("platinum", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown profile") {
		t.Errorf("expected unknown profile error, got %v", err)
	}
}
