package tracer

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// NewTraceID returns a trace id of the form "t-" + 12 hex chars.
func NewTraceID() string {
	return prefixedID("t", 12)
}

// NewPlanID returns a plan id of the form "p-" + 12 hex chars.
func NewPlanID() string {
	return prefixedID("p", 12)
}

// NewRequestID returns a random UUID for correlating one request.
func NewRequestID() string {
	return uuid.NewString()
}

// FormatTime renders t in the trace timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func prefixedID(prefix string, hexLen int) string {
	id := uuid.New()
	return prefix + "-" + hex.EncodeToString(id[:])[:hexLen]
}
