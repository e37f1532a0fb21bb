package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var pendingAll bool

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.Flags().BoolVar(&pendingAll, "all", false, "Include resolved and expired requests")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending approval requests",
	Long:  "Shows approval requests waiting for a decision with their tool, tenant, risk and expiry.",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	mgr, err := a.approvals()
	if err != nil {
		return err
	}
	list, err := mgr.Pending()
	if pendingAll {
		list, err = mgr.List()
	}
	if err != nil {
		return fmt.Errorf("failed to list approvals: %w", err)
	}

	w := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(w, "No pending approvals.")
		return nil
	}

	fmt.Fprintf(w, "%-40s %-20s %-12s %-8s %-10s %s\n", "ID", "TOOL", "TENANT", "RISK", "STATUS", "EXPIRES")
	for _, r := range list {
		expires := "never"
		if !r.ExpiresAt.IsZero() {
			expires = r.ExpiresAt.Local().Format(time.TimeOnly)
		}
		fmt.Fprintf(w, "%-40s %-20s %-12s %-8s %-10s %s\n",
			truncate(r.ApprovalID, 40),
			truncate(r.ToolName, 20),
			truncate(r.Tenant, 12),
			r.RiskLevel,
			r.Status,
			expires,
		)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
