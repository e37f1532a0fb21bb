package budget

import "fmt"

// Policy decides what happens when a ceiling would be crossed.
type Policy string

const (
	PolicyWarn  Policy = "warn"  // emit budget_exceeded, allow the call
	PolicyBlock Policy = "block" // emit budget_exceeded, deny the call
)

// ToolBudget declares spend ceilings for one plan or session.
// Per-domain and per-tool maps are optional; a missing key means no
// per-key ceiling.
type ToolBudget struct {
	TotalCallsCeiling int64            `yaml:"total_calls_ceiling" json:"total_calls_ceiling"`
	CostCeiling       float64          `yaml:"cost_ceiling" json:"cost_ceiling"`
	TokenCeiling      int64            `yaml:"token_ceiling" json:"token_ceiling"`
	CallsPerDomain    map[string]int64 `yaml:"calls_per_domain,omitempty" json:"calls_per_domain,omitempty"`
	CallsPerTool      map[string]int64 `yaml:"calls_per_tool,omitempty" json:"calls_per_tool,omitempty"`
	WarningThreshold  float64          `yaml:"warning_threshold" json:"warning_threshold"`
	Policy            Policy           `yaml:"policy" json:"policy"`
}

// Validate enforces positive ceilings, a threshold in (0,1] and a known policy.
func (b ToolBudget) Validate() error {
	if b.TotalCallsCeiling <= 0 {
		return fmt.Errorf("total_calls_ceiling must be positive, got %d", b.TotalCallsCeiling)
	}
	if b.CostCeiling <= 0 {
		return fmt.Errorf("cost_ceiling must be positive, got %v", b.CostCeiling)
	}
	if b.TokenCeiling <= 0 {
		return fmt.Errorf("token_ceiling must be positive, got %d", b.TokenCeiling)
	}
	for d, n := range b.CallsPerDomain {
		if n <= 0 {
			return fmt.Errorf("calls_per_domain[%s] must be positive, got %d", d, n)
		}
	}
	for t, n := range b.CallsPerTool {
		if n <= 0 {
			return fmt.Errorf("calls_per_tool[%s] must be positive, got %d", t, n)
		}
	}
	if b.WarningThreshold <= 0 || b.WarningThreshold > 1 {
		return fmt.Errorf("warning_threshold must be in (0,1], got %v", b.WarningThreshold)
	}
	switch b.Policy {
	case PolicyWarn, PolicyBlock:
	default:
		return fmt.Errorf("policy must be %q or %q, got %q", PolicyWarn, PolicyBlock, b.Policy)
	}
	return nil
}

// Clone returns a deep copy.
func (b ToolBudget) Clone() ToolBudget {
	out := b
	if b.CallsPerDomain != nil {
		out.CallsPerDomain = make(map[string]int64, len(b.CallsPerDomain))
		for k, v := range b.CallsPerDomain {
			out.CallsPerDomain[k] = v
		}
	}
	if b.CallsPerTool != nil {
		out.CallsPerTool = make(map[string]int64, len(b.CallsPerTool))
		for k, v := range b.CallsPerTool {
			out.CallsPerTool[k] = v
		}
	}
	return out
}
