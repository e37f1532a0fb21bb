package tracer

import (
	"fmt"
	"io"
	"math"
	"sort"
)

// GoldenSignals summarises tool-call health for one or more traces.
type GoldenSignals struct {
	TotalEvents      int     `json:"total_events"`
	ToolCalls        int     `json:"tool_calls"`
	Successes        int     `json:"successes"`
	Errors           int     `json:"errors"`
	SuccessRate      float64 `json:"success_rate"`
	ErrorRate        float64 `json:"error_rate"`
	LatencyP50Ms     float64 `json:"latency_p50_ms"`
	LatencyP95Ms     float64 `json:"latency_p95_ms"`
	LatencyP99Ms     float64 `json:"latency_p99_ms"`
	BudgetWarnings   int     `json:"budget_warnings"`
	BudgetExceeded   int     `json:"budget_exceeded"`
	ApprovalTimeouts int     `json:"approval_timeouts"`
}

// DetailDurationMs is the detail key carrying a tool call's latency.
const DetailDurationMs = "duration_ms"

// ComputeGoldenSignals derives signals from events alone. Completed and
// failed tool calls are counted; latencies come from their duration_ms
// detail.
func ComputeGoldenSignals(events []Event) GoldenSignals {
	var s GoldenSignals
	var latencies []float64
	for _, ev := range events {
		s.TotalEvents++
		switch ev.Event {
		case EventToolCallComplete:
			s.Successes++
		case EventToolCallError:
			s.Errors++
		case EventBudgetWarning:
			s.BudgetWarnings++
		case EventBudgetExceeded:
			s.BudgetExceeded++
		case EventApprovalTimeout:
			s.ApprovalTimeouts++
		default:
			continue
		}
		if ev.Event == EventToolCallComplete || ev.Event == EventToolCallError {
			if ms, ok := number(ev.Details[DetailDurationMs]); ok {
				latencies = append(latencies, ms)
			}
		}
	}
	s.ToolCalls = s.Successes + s.Errors
	if s.ToolCalls > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.ToolCalls)
		s.ErrorRate = float64(s.Errors) / float64(s.ToolCalls)
	}
	sort.Float64s(latencies)
	s.LatencyP50Ms = percentile(latencies, 50)
	s.LatencyP95Ms = percentile(latencies, 95)
	s.LatencyP99Ms = percentile(latencies, 99)
	return s
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// WritePrometheus writes s in the Prometheus text exposition format.
func WritePrometheus(w io.Writer, s GoldenSignals) error {
	metrics := []struct {
		name, help, typ string
		lines           []string
	}{
		{"toolgate_trace_events_total", "Trace events emitted.", "counter",
			[]string{fmt.Sprintf("toolgate_trace_events_total %d", s.TotalEvents)}},
		{"toolgate_tool_calls_total", "Tool calls by outcome.", "counter", []string{
			fmt.Sprintf(`toolgate_tool_calls_total{outcome="success"} %d`, s.Successes),
			fmt.Sprintf(`toolgate_tool_calls_total{outcome="error"} %d`, s.Errors),
		}},
		{"toolgate_tool_call_success_ratio", "Share of tool calls that succeeded.", "gauge",
			[]string{fmt.Sprintf("toolgate_tool_call_success_ratio %g", s.SuccessRate)}},
		{"toolgate_tool_call_error_ratio", "Share of tool calls that failed.", "gauge",
			[]string{fmt.Sprintf("toolgate_tool_call_error_ratio %g", s.ErrorRate)}},
		{"toolgate_tool_call_latency_ms", "Tool call latency in milliseconds.", "summary", []string{
			fmt.Sprintf(`toolgate_tool_call_latency_ms{quantile="0.5"} %g`, s.LatencyP50Ms),
			fmt.Sprintf(`toolgate_tool_call_latency_ms{quantile="0.95"} %g`, s.LatencyP95Ms),
			fmt.Sprintf(`toolgate_tool_call_latency_ms{quantile="0.99"} %g`, s.LatencyP99Ms),
		}},
		{"toolgate_budget_events_total", "Budget warnings and refusals.", "counter", []string{
			fmt.Sprintf(`toolgate_budget_events_total{kind="warning"} %d`, s.BudgetWarnings),
			fmt.Sprintf(`toolgate_budget_events_total{kind="exceeded"} %d`, s.BudgetExceeded),
		}},
		{"toolgate_approval_timeouts_total", "Approvals that timed out.", "counter",
			[]string{fmt.Sprintf("toolgate_approval_timeouts_total %d", s.ApprovalTimeouts)}},
	}
	for _, m := range metrics {
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", m.name, m.help, m.name, m.typ); err != nil {
			return err
		}
		for _, l := range m.lines {
			if _, err := fmt.Fprintln(w, l); err != nil {
				return err
			}
		}
	}
	return nil
}
