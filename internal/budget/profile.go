package budget

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// DefaultProfile is used when no profile is named.
const DefaultProfile = "standard"

// builtinProfiles are the named budget defaults. Each field can be
// overridden through TOOLGATE_BUDGET_<PROFILE>_<FIELD>.
var builtinProfiles = map[string]ToolBudget{
	"minimal": {
		TotalCallsCeiling: 10,
		CostCeiling:       1.0,
		TokenCeiling:      10_000,
		WarningThreshold:  0.8,
		Policy:            PolicyBlock,
	},
	"standard": {
		TotalCallsCeiling: 50,
		CostCeiling:       10.0,
		TokenCeiling:      100_000,
		WarningThreshold:  0.8,
		Policy:            PolicyBlock,
	},
	"extended": {
		TotalCallsCeiling: 250,
		CostCeiling:       100.0,
		TokenCeiling:      1_000_000,
		WarningThreshold:  0.9,
		Policy:            PolicyWarn,
	},
}

// LookupFunc reads an environment variable.
type LookupFunc func(key string) (string, bool)

// Profiles returns the sorted built-in profile names.
func Profiles() []string {
	names := make([]string, 0, len(builtinProfiles))
	for name := range builtinProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProfileBudget returns the named profile with environment overrides applied.
// A nil lookup reads the process environment.
func ProfileBudget(name string, lookup LookupFunc) (ToolBudget, error) {
	if name == "" {
		name = DefaultProfile
	}
	base, ok := builtinProfiles[name]
	if !ok {
		return ToolBudget{}, fmt.Errorf("budget: unknown profile %q (available: %s)", name, strings.Join(Profiles(), ", "))
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	b := base.Clone()
	prefix := "TOOLGATE_BUDGET_" + strings.ToUpper(name) + "_"

	if v, ok := lookup(prefix + "TOTAL_CALLS"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return ToolBudget{}, fmt.Errorf("budget: %sTOTAL_CALLS: %w", prefix, err)
		}
		b.TotalCallsCeiling = n
	}
	if v, ok := lookup(prefix + "COST"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return ToolBudget{}, fmt.Errorf("budget: %sCOST: %w", prefix, err)
		}
		b.CostCeiling = f
	}
	if v, ok := lookup(prefix + "TOKENS"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return ToolBudget{}, fmt.Errorf("budget: %sTOKENS: %w", prefix, err)
		}
		b.TokenCeiling = n
	}
	if v, ok := lookup(prefix + "WARNING_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return ToolBudget{}, fmt.Errorf("budget: %sWARNING_THRESHOLD: %w", prefix, err)
		}
		b.WarningThreshold = f
	}
	if v, ok := lookup(prefix + "POLICY"); ok {
		b.Policy = Policy(strings.ToLower(strings.TrimSpace(v)))
	}

	if err := b.Validate(); err != nil {
		return ToolBudget{}, fmt.Errorf("budget: profile %q: %w", name, err)
	}
	return b, nil
}
