package governance

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/toolgate/internal/model"
)

// Action types a tool capability can declare.
const (
	ActionRead      = "read"
	ActionWrite     = "write"
	ActionDelete    = "delete"
	ActionFinancial = "financial"
	ActionCompute   = "compute"
)

var knownActions = map[string]bool{
	ActionRead: true, ActionWrite: true, ActionDelete: true,
	ActionFinancial: true, ActionCompute: true,
}

// ToolCapability is the policy and catalog entry for one tool.
type ToolCapability struct {
	Name                   string                `yaml:"name"                     json:"name"`
	Description            string                `yaml:"description"              json:"description,omitempty"`
	Keywords               []string              `yaml:"keywords"                 json:"keywords,omitempty"`
	Domain                 string                `yaml:"domain"                   json:"domain,omitempty"`
	ActionType             string                `yaml:"action_type"              json:"action_type"`
	SideEffectClass        model.SideEffectClass `yaml:"side_effect_class"        json:"side_effect_class,omitempty"`
	RequiresApproval       bool                  `yaml:"requires_approval"        json:"requires_approval"`
	ApprovalTimeoutSeconds int                   `yaml:"approval_timeout_seconds" json:"approval_timeout_seconds"`
	AllowedTenants         []string              `yaml:"allowed_tenants"          json:"allowed_tenants,omitempty"`
	DeniedTenants          []string              `yaml:"denied_tenants"           json:"denied_tenants,omitempty"`
	MaxRatePerMinute       int                   `yaml:"max_rate_per_minute"      json:"max_rate_per_minute"`
	EstimatedCost          float64               `yaml:"estimated_cost"           json:"estimated_cost"`
	EstimatedTokens        int64                 `yaml:"estimated_tokens"         json:"estimated_tokens"`
	Workers                []string              `yaml:"workers"                  json:"workers,omitempty"`
	Endpoint               string                `yaml:"endpoint"                 json:"endpoint,omitempty"`
	InputSchema            map[string]any        `yaml:"input_schema"             json:"input_schema,omitempty"`
}

// AllowsTenant applies the tool's tenant lists. Denied always wins over
// allowed; an empty allowlist admits every tenant.
func (c ToolCapability) AllowsTenant(tenant string) bool {
	if contains(c.DeniedTenants, tenant) {
		return false
	}
	if len(c.AllowedTenants) == 0 {
		return true
	}
	return contains(c.AllowedTenants, tenant)
}

// TenantCapabilityMap restricts which tools a tenant may invoke.
type TenantCapabilityMap struct {
	Tenant             string   `yaml:"tenant"               json:"tenant"`
	AllowedTools       []string `yaml:"allowed_tools"        json:"allowed_tools,omitempty"`
	DeniedTools        []string `yaml:"denied_tools"         json:"denied_tools,omitempty"`
	MaxConcurrentCalls int      `yaml:"max_concurrent_calls" json:"max_concurrent_calls"`
	BudgetCeiling      float64  `yaml:"budget_ceiling"       json:"budget_ceiling"`
}

// AllowsTool applies the tenant's tool lists.
func (m TenantCapabilityMap) AllowsTool(tool string) bool {
	if contains(m.DeniedTools, tool) {
		return false
	}
	if len(m.AllowedTools) == 0 {
		return true
	}
	return contains(m.AllowedTools, tool)
}

// Document is the tool/policy registry loaded at startup.
type Document struct {
	Version string                `yaml:"version" json:"version"`
	Tools   []ToolCapability      `yaml:"tools"   json:"tools"`
	Tenants []TenantCapabilityMap `yaml:"tenants" json:"tenants"`
}

// Tool returns the capability for name.
func (d *Document) Tool(name string) (ToolCapability, bool) {
	for _, t := range d.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolCapability{}, false
}

// Tenant returns the capability map for tenant.
func (d *Document) Tenant(tenant string) (TenantCapabilityMap, bool) {
	for _, t := range d.Tenants {
		if t.Tenant == tenant {
			return t, true
		}
	}
	return TenantCapabilityMap{}, false
}

// ToolNames returns registered tool names in sorted order.
func (d *Document) ToolNames() []string {
	names := make([]string, 0, len(d.Tools))
	for _, t := range d.Tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// LoadDocument reads a registry document from path.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("governance: read registry: %w", err)
	}
	return ParseDocument(data)
}

// ParseDocument decodes YAML strictly: unknown keys are an error.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("governance: parse registry: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks names are unique, limits are non-negative, and no list
// both allows and denies the same entry.
func (d *Document) Validate() error {
	seen := make(map[string]bool, len(d.Tools))
	for i, t := range d.Tools {
		field := fmt.Sprintf("tools[%d]", i)
		if t.Name == "" {
			return &model.ValidationError{Field: field + ".name", Reason: "must not be empty"}
		}
		if seen[t.Name] {
			return &model.ValidationError{Field: field + ".name", Reason: fmt.Sprintf("duplicate tool %q", t.Name)}
		}
		seen[t.Name] = true
		if !knownActions[t.ActionType] {
			return &model.ValidationError{Field: field + ".action_type", Reason: fmt.Sprintf("unknown action type %q", t.ActionType)}
		}
		if t.SideEffectClass != "" && !t.SideEffectClass.Valid() {
			return &model.ValidationError{Field: field + ".side_effect_class", Reason: fmt.Sprintf("unknown class %q", t.SideEffectClass)}
		}
		if t.ApprovalTimeoutSeconds < 0 {
			return &model.ValidationError{Field: field + ".approval_timeout_seconds", Reason: "must be >= 0"}
		}
		if t.MaxRatePerMinute < 0 {
			return &model.ValidationError{Field: field + ".max_rate_per_minute", Reason: "must be >= 0"}
		}
		if t.EstimatedCost < 0 || t.EstimatedTokens < 0 {
			return &model.ValidationError{Field: field, Reason: "estimates must be >= 0"}
		}
		if dup := overlap(t.AllowedTenants, t.DeniedTenants); dup != "" {
			return &model.ValidationError{Field: field, Reason: fmt.Sprintf("tenant %q is both allowed and denied", dup)}
		}
	}

	tenants := make(map[string]bool, len(d.Tenants))
	for i, m := range d.Tenants {
		field := fmt.Sprintf("tenants[%d]", i)
		if m.Tenant == "" {
			return &model.ValidationError{Field: field + ".tenant", Reason: "must not be empty"}
		}
		if tenants[m.Tenant] {
			return &model.ValidationError{Field: field + ".tenant", Reason: fmt.Sprintf("duplicate tenant %q", m.Tenant)}
		}
		tenants[m.Tenant] = true
		if m.MaxConcurrentCalls < 0 {
			return &model.ValidationError{Field: field + ".max_concurrent_calls", Reason: "must be >= 0"}
		}
		if m.BudgetCeiling < 0 {
			return &model.ValidationError{Field: field + ".budget_ceiling", Reason: "must be >= 0"}
		}
		if dup := overlap(m.AllowedTools, m.DeniedTools); dup != "" {
			return &model.ValidationError{Field: field, Reason: fmt.Sprintf("tool %q is both allowed and denied", dup)}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func overlap(a, b []string) string {
	for _, v := range a {
		if contains(b, v) {
			return v
		}
	}
	return ""
}
