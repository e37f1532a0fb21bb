// Package registry monitors the health of registered tools and detects
// breaking changes to their input schemas.
package registry

import (
	"time"

	"github.com/ppiankov/toolgate/internal/governance"
)

// ToolSpec is what the monitor knows about one tool.
type ToolSpec struct {
	Name        string         `json:"name"`
	Endpoint    string         `json:"endpoint,omitempty"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// SpecsFromDocument derives one spec per tool in the registry document.
func SpecsFromDocument(doc *governance.Document) []ToolSpec {
	specs := make([]ToolSpec, 0, len(doc.Tools))
	for _, tc := range doc.Tools {
		specs = append(specs, ToolSpec{
			Name:        tc.Name,
			Endpoint:    tc.Endpoint,
			Description: tc.Description,
			InputSchema: tc.InputSchema,
		})
	}
	return specs
}

// HealthStatus is the outcome of one probe.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult is the outcome of probing one tool.
type HealthCheckResult struct {
	Tool      string        `json:"tool"`
	Status    HealthStatus  `json:"status"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// SchemaSignature is the content hash of a tool's input schema.
type SchemaSignature struct {
	ToolName   string         `json:"tool_name"`
	SchemaHash string         `json:"schema_hash"`
	Schema     map[string]any `json:"schema,omitempty"`
}

// SchemaDrift reports that a tool's schema hash changed since capture.
type SchemaDrift struct {
	Tool      string         `json:"tool"`
	OldHash   string         `json:"old_hash"`
	NewHash   string         `json:"new_hash"`
	OldSchema map[string]any `json:"old_schema,omitempty"`
	NewSchema map[string]any `json:"new_schema,omitempty"`
}

// CachedToolSpec is a spec held for a bounded time.
type CachedToolSpec struct {
	Spec     ToolSpec      `json:"spec"`
	CachedAt time.Time     `json:"cached_at"`
	TTL      time.Duration `json:"ttl"`
}
