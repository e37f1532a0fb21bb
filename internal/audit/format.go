package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// Summary counts records by decision type.
type Summary struct {
	Total          int    `json:"total"`
	PlanningCount  int    `json:"planning_count"`
	RoutingCount   int    `json:"routing_count"`
	ApprovalCount  int    `json:"approval_count"`
	DeniedCount    int    `json:"denied_count"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// Summarize computes a Summary over records.
func Summarize(records []DecisionRecord) Summary {
	var s Summary
	for _, r := range records {
		s.Total++
		switch r.DecisionType {
		case DecisionPlanning:
			s.PlanningCount++
			if r.Details["outcome"] == "denied" {
				s.DeniedCount++
			}
		case DecisionRouting:
			s.RoutingCount++
		case DecisionApproval:
			s.ApprovalCount++
		}
		if s.FirstTimestamp == "" {
			s.FirstTimestamp = r.Timestamp
		}
		s.LastTimestamp = r.Timestamp
	}
	return s
}

// FormatTimeline renders the history of one trace as a text timeline.
func FormatTimeline(traceID string, records []DecisionRecord) string {
	if len(records) == 0 {
		return fmt.Sprintf("Trace: %s | No entries found.\n", traceID)
	}

	s := Summarize(records)
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Trace: %s | %s–%s UTC\n", traceID,
		formatDateTime(s.FirstTimestamp), formatTimeOnly(s.LastTimestamp)))
	b.WriteString(separator + "\n")

	for _, r := range records {
		tag := ""
		if r.Details["outcome"] == "denied" {
			tag = "  [denied]"
		}
		b.WriteString(fmt.Sprintf("%-10s #%-4d %-9s %-10s %-24s %s%s\n",
			formatTimeOnly(r.Timestamp), r.Seq, r.DecisionType,
			truncate(r.Stage, 10), truncate(r.Target, 24), truncate(r.Reason, 60), tag))
	}

	b.WriteString(separator + "\n")
	b.WriteString(fmt.Sprintf("Summary: %d planning, %d routing, %d approval | %d denied\n",
		s.PlanningCount, s.RoutingCount, s.ApprovalCount, s.DeniedCount))
	return b.String()
}

// FormatJSON renders records as indented JSON.
func FormatJSON(traceID string, records []DecisionRecord) (string, error) {
	out := struct {
		TraceID string           `json:"trace_id"`
		Records []DecisionRecord `json:"records"`
		Summary Summary          `json:"summary"`
	}{traceID, records, Summarize(records)}
	if out.Records == nil {
		out.Records = []DecisionRecord{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal history: %w", err)
	}
	return string(data), nil
}

func formatDateTime(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
