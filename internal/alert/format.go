package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Tool:* %s", event.Tool)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Risk:* %s", riskLabel(event.Risk))},
	}
	if event.Tenant != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Tenant:* %s", event.Tenant)})
	}
	if event.ApprovalID != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Approve:* `toolgate approve %s`", event.ApprovalID)})
	}
	if event.Reason != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)})
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("toolgate: %s", event.Type),
				},
			},
			map[string]any{
				"type":   "section",
				"fields": fields,
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("toolgate %s: %s", event.Type, event.Tool),
			"severity": severityFor(event),
			"source":   "toolgate",
			"custom_details": map[string]any{
				"tool":        event.Tool,
				"tenant":      event.Tenant,
				"approval_id": event.ApprovalID,
				"risk":        event.Risk,
				"reason":      event.Reason,
				"trace_id":    event.TraceID,
			},
		},
	}
	return json.Marshal(payload)
}

func severityFor(event AlertEvent) string {
	switch {
	case event.Type == TypePolicyViolation:
		return "error"
	case event.Risk == "high":
		return "critical"
	case event.Risk == "medium", event.Type == TypeBudgetExceeded, event.Type == TypeApprovalTimeout:
		return "warning"
	default:
		return "info"
	}
}

func riskLabel(risk string) string {
	if risk == "" {
		return "none"
	}
	return risk
}
