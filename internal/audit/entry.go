package audit

import (
	"context"
	"time"
)

// TimestampFormat is the layout used in decision record timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// DecisionType classifies a record. The vocabulary is closed.
type DecisionType string

const (
	DecisionPlanning DecisionType = "planning"
	DecisionRouting  DecisionType = "routing"
	DecisionApproval DecisionType = "approval"
)

// DecisionRecord is one append-only audit entry. Records are immutable once
// written; Seq is assigned by the backend in write order.
type DecisionRecord struct {
	Seq          int64          `json:"seq"`
	Timestamp    string         `json:"ts"`
	TraceID      string         `json:"trace_id"`
	DecisionType DecisionType   `json:"decision_type"`
	Stage        string         `json:"stage,omitempty"`
	Target       string         `json:"target,omitempty"`
	Reason       string         `json:"reason"`
	PlanID       string         `json:"plan_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	PrevHash     string         `json:"prev_hash,omitempty"`
}

// Time parses the record timestamp.
func (r DecisionRecord) Time() (time.Time, error) {
	return time.Parse(TimestampFormat, r.Timestamp)
}

// Backend persists decision records. A record must be visible to History
// as soon as Append returns, and a single record is never interleaved with
// another writer's.
type Backend interface {
	Append(ctx context.Context, rec DecisionRecord) (DecisionRecord, error)
	History(ctx context.Context, traceID string) ([]DecisionRecord, error)
	Close() error
}

func stamp(rec *DecisionRecord) {
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
}

// Tailer is implemented by backends that can list recent records across traces.
type Tailer interface {
	Tail(ctx context.Context, n int) ([]DecisionRecord, error)
}
