package alert

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/toolgate/internal/approval"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// Dispatcher fans out alert events to matching webhook configurations.
type Dispatcher struct {
	configs []AlertConfig
	logger  *zap.Logger
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []AlertConfig, logger *zap.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{configs: configs, logger: logger}
}

// Dispatch sends the event to all webhooks whose Events list contains its type.
// Sends run in goroutines and never block the caller.
func (d *Dispatcher) Dispatch(event AlertEvent) {
	if d == nil {
		return
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(timestampFormat)
	}
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event) {
			continue
		}
		go func(cfg AlertConfig) {
			if err := Send(context.Background(), cfg, event); err != nil {
				d.logger.Warn("alert delivery failed",
					zap.String("url", cfg.URL),
					zap.String("type", event.Type),
					zap.Error(err))
			}
		}(cfg)
	}
}

// NotifyApproval adapts approval lifecycle events into alerts.
func (d *Dispatcher) NotifyApproval(event string, r approval.Request) {
	ev := AlertEvent{
		Type:       event,
		TraceID:    r.TraceID,
		ApprovalID: r.ApprovalID,
		Tool:       r.ToolName,
		Tenant:     r.Tenant,
		Risk:       string(r.RiskLevel),
		Status:     string(r.Status),
		Reason:     r.Reasoning,
	}
	if r.RejectionReason != "" {
		ev.Reason = r.RejectionReason
	}
	d.Dispatch(ev)
}

func matches(events []string, event AlertEvent) bool {
	for _, e := range events {
		if e == event.Type {
			return true
		}
	}
	return false
}
