package tracer

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- ID tests ---

func TestNewTraceIDFormat(t *testing.T) {
	id := NewTraceID()
	if !strings.HasPrefix(id, "t-") {
		t.Errorf("expected t- prefix, got %s", id)
	}
	// t- + 12 hex chars = 14
	if len(id) != 14 {
		t.Errorf("expected length 14, got %d: %s", len(id), id)
	}
	if id == NewTraceID() {
		t.Error("expected distinct trace ids")
	}
}

func TestNewPlanIDFormat(t *testing.T) {
	id := NewPlanID()
	if !strings.HasPrefix(id, "p-") || len(id) != 14 {
		t.Errorf("unexpected plan id %s", id)
	}
}

// --- Emitter tests ---

func TestEmitPreservesOrder(t *testing.T) {
	e := NewEmitter("t-order", WithSequences(&Sequences{}))

	for _, name := range []string{EventPlanCreated, EventToolCallStart, EventToolCallComplete} {
		if _, err := e.Emit(name, nil); err != nil {
			t.Fatalf("emit %s: %v", name, err)
		}
	}

	trace := e.Trace()
	if len(trace) != 3 {
		t.Fatalf("expected 3 events, got %d", len(trace))
	}
	want := []string{EventPlanCreated, EventToolCallStart, EventToolCallComplete}
	for i, ev := range trace {
		if ev.Event != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], ev.Event)
		}
		if ev.TraceID != "t-order" {
			t.Errorf("event %d: expected trace id t-order, got %s", i, ev.TraceID)
		}
		if i > 0 && ev.Seq <= trace[i-1].Seq {
			t.Errorf("sequence not strictly increasing: %d after %d", ev.Seq, trace[i-1].Seq)
		}
	}
}

func TestEmitRejectsUnknownEvent(t *testing.T) {
	e := NewEmitter("t-x", WithSequences(&Sequences{}))
	_, err := e.Emit("custom_event", nil)
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if !strings.Contains(err.Error(), "custom_event") {
		t.Errorf("expected error to name the event, got %v", err)
	}
	if len(e.Trace()) != 0 {
		t.Error("rejected event must not be recorded")
	}
}

func TestEveryCanonicalEventAccepted(t *testing.T) {
	e := NewEmitter("t-all", WithSequences(&Sequences{}))
	for _, name := range CanonicalEvents {
		if !IsCanonical(name) {
			t.Errorf("%s not reported canonical", name)
		}
		if _, err := e.Emit(name, nil); err != nil {
			t.Errorf("emit %s: %v", name, err)
		}
	}
	if len(e.Trace()) != 10 {
		t.Errorf("expected 10 events, got %d", len(e.Trace()))
	}
}

func TestEmitStatusAndTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	e := NewEmitter("t-s", WithSequences(&Sequences{}), WithClock(func() time.Time { return at }))

	cases := map[string]Status{
		EventToolCallStart:    StatusPending,
		EventToolCallComplete: StatusSuccess,
		EventToolCallError:    StatusError,
		EventBudgetExceeded:   StatusError,
	}
	for name, want := range cases {
		ev, _ := e.Emit(name, nil)
		if ev.Status != want {
			t.Errorf("%s: expected status %s, got %s", name, want, ev.Status)
		}
		if ev.Timestamp != "2026-03-01T09:30:00.000Z" {
			t.Errorf("%s: unexpected timestamp %s", name, ev.Timestamp)
		}
	}
}

func TestEmitCopiesDetails(t *testing.T) {
	e := NewEmitter("t-d", WithSequences(&Sequences{}))
	details := map[string]any{"tool": "a"}
	e.Emit(EventToolCallStart, details)
	details["tool"] = "b"
	if e.Trace()[0].Details["tool"] != "a" {
		t.Error("expected details to be copied at emit time")
	}
}

func TestEmptyTraceIDGetsGenerated(t *testing.T) {
	e := NewEmitter("")
	if !strings.HasPrefix(e.TraceID(), "t-") {
		t.Errorf("expected generated trace id, got %q", e.TraceID())
	}
}

func TestConcurrentEmittersShareSequence(t *testing.T) {
	seqs := &Sequences{}
	a := NewEmitter("t-shared", WithSequences(seqs))
	b := NewEmitter("t-shared", WithSequences(seqs))

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := a
			if i%2 == 1 {
				e = b
			}
			e.Emit(EventToolCallStart, nil)
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, ev := range append(a.Trace(), b.Trace()...) {
		if seen[ev.Seq] {
			t.Fatalf("sequence %d reused", ev.Seq)
		}
		seen[ev.Seq] = true
	}
	if len(seen) != 200 {
		t.Fatalf("expected 200 distinct sequences, got %d", len(seen))
	}
	for i := uint64(1); i <= 200; i++ {
		if !seen[i] {
			t.Fatalf("sequence %d missing", i)
		}
	}
}

func TestSequencesIndependentPerTrace(t *testing.T) {
	seqs := &Sequences{}
	seqs.Next("t-a")
	seqs.Next("t-a")
	if got := seqs.Next("t-b"); got != 1 {
		t.Errorf("expected new trace to start at 1, got %d", got)
	}
	seqs.Forget("t-a")
	if got := seqs.Next("t-a"); got != 1 {
		t.Errorf("expected forgotten trace to restart at 1, got %d", got)
	}
}

func TestCloseReleasesSequence(t *testing.T) {
	seqs := &Sequences{}
	e := NewEmitter("t-close", WithSequences(seqs))
	e.Emit(EventPlanCreated, nil)
	e.Emit(EventPlanCreated, nil)
	e.Close()

	if len(e.Trace()) != 2 {
		t.Errorf("expected events to survive Close, got %d", len(e.Trace()))
	}
	if got := seqs.Next("t-close"); got != 1 {
		t.Errorf("expected closed trace counter to restart at 1, got %d", got)
	}
}

// --- Sink tests ---

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestPublisherSendsJSONToTraceSubject(t *testing.T) {
	conn := &fakeConn{}
	e := NewEmitter("t-pub", WithSequences(&Sequences{}), WithSink(&Publisher{conn: conn}))
	e.Emit(EventRouteDecision, map[string]any{"worker": "w-a"})

	if len(conn.subjects) != 1 || conn.subjects[0] != "toolgate.trace.t-pub" {
		t.Fatalf("unexpected subjects %v", conn.subjects)
	}
	var ev Event
	if err := json.Unmarshal(conn.payloads[0], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Event != EventRouteDecision || ev.Seq != 1 || ev.Details["worker"] != "w-a" {
		t.Errorf("unexpected published event %+v", ev)
	}
}

func TestSinkFailureDoesNotFailEmit(t *testing.T) {
	conn := &fakeConn{err: errors.New("no responders")}
	e := NewEmitter("t-fail", WithSequences(&Sequences{}), WithSink(&Publisher{conn: conn}))
	if _, err := e.Emit(EventPlanCreated, nil); err != nil {
		t.Fatalf("expected emit to succeed, got %v", err)
	}
	if len(e.Trace()) != 1 {
		t.Error("expected event recorded despite sink failure")
	}
}

func TestSubjectSanitizesTokens(t *testing.T) {
	if got := Subject("t.a*b>c"); got != "toolgate.trace.t_a_b_c" {
		t.Errorf("unexpected subject %s", got)
	}
}

// --- Golden signal tests ---

func TestGoldenSignalsFromTrace(t *testing.T) {
	e := NewEmitter("t-gs", WithSequences(&Sequences{}))
	e.Emit(EventPlanCreated, nil)
	for _, ms := range []float64{10, 20, 30, 40} {
		e.Emit(EventToolCallStart, nil)
		e.Emit(EventToolCallComplete, map[string]any{DetailDurationMs: ms})
	}
	e.Emit(EventToolCallError, map[string]any{DetailDurationMs: int64(100)})
	e.Emit(EventBudgetExceeded, nil)

	s := e.GoldenSignals()
	if s.TotalEvents != 11 {
		t.Errorf("expected 11 events, got %d", s.TotalEvents)
	}
	if s.Successes != 4 || s.Errors != 1 || s.ToolCalls != 5 {
		t.Errorf("unexpected counts %+v", s)
	}
	if s.SuccessRate != 0.8 {
		t.Errorf("expected success rate 0.8, got %v", s.SuccessRate)
	}
	if s.ErrorRate < 0.199 || s.ErrorRate > 0.201 {
		t.Errorf("expected error rate 0.2, got %v", s.ErrorRate)
	}
	if s.LatencyP50Ms != 30 || s.LatencyP95Ms != 100 || s.LatencyP99Ms != 100 {
		t.Errorf("unexpected latencies p50=%v p95=%v p99=%v", s.LatencyP50Ms, s.LatencyP95Ms, s.LatencyP99Ms)
	}
	if s.BudgetExceeded != 1 {
		t.Errorf("expected 1 budget_exceeded, got %d", s.BudgetExceeded)
	}
}

func TestGoldenSignalsEmpty(t *testing.T) {
	s := ComputeGoldenSignals(nil)
	if s.TotalEvents != 0 || s.SuccessRate != 0 || s.LatencyP99Ms != 0 {
		t.Errorf("expected zero signals, got %+v", s)
	}
}

func TestWritePrometheus(t *testing.T) {
	var buf bytes.Buffer
	s := GoldenSignals{TotalEvents: 7, Successes: 3, Errors: 1, SuccessRate: 0.75, ErrorRate: 0.25, LatencyP50Ms: 12.5}
	if err := WritePrometheus(&buf, s); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"# TYPE toolgate_tool_calls_total counter",
		`toolgate_tool_calls_total{outcome="success"} 3`,
		`toolgate_tool_calls_total{outcome="error"} 1`,
		"toolgate_tool_call_success_ratio 0.75",
		`toolgate_tool_call_latency_ms{quantile="0.5"} 12.5`,
		"toolgate_trace_events_total 7",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}
