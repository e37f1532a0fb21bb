package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolgate/internal/budget"
)

func init() {
	rootCmd.AddCommand(budgetCmd)
	budgetCmd.AddCommand(budgetProfilesCmd)
}

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect budget profiles",
	Long:  "Budget profiles set per-plan ceilings on calls, cost and tokens. Each field can\nbe overridden with TOOLGATE_BUDGET_<PROFILE>_<FIELD>.",
}

var budgetProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Show every profile with environment overrides applied",
	RunE:  runBudgetProfiles,
}

func runBudgetProfiles(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%-10s %-8s %-10s %-10s %-8s %s\n", "PROFILE", "CALLS", "COST", "TOKENS", "WARN", "POLICY")
	for _, name := range budget.Profiles() {
		b, err := budget.ProfileBudget(name, nil)
		if err != nil {
			return err
		}
		label := name
		if name == budget.DefaultProfile {
			label += "*"
		}
		fmt.Fprintf(w, "%-10s %-8d %-10.2f %-10d %-8.2f %s\n",
			label, b.TotalCallsCeiling, b.CostCeiling, b.TokenCeiling, b.WarningThreshold, b.Policy)
	}
	return nil
}
