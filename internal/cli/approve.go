package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	approveBy    string
	rejectReason string
)

func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().StringVar(&approveBy, "by", "", "Approver recorded on the request (default: $USER)")

	rootCmd.AddCommand(rejectCmd)
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Why the request was rejected")
}

var approveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Approve a pending approval request",
	Long:  "Approves a pending request so the waiting step can run. Expired or already\nresolved requests cannot be approved.",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

var rejectCmd = &cobra.Command{
	Use:   "reject <approval-id>",
	Short: "Reject a pending approval request",
	Long:  "Rejects a pending request. The waiting step is skipped.",
	Args:  cobra.ExactArgs(1),
	RunE:  runReject,
}

func runApprove(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	mgr, err := a.approvals()
	if err != nil {
		return err
	}
	by := approveBy
	if by == "" {
		by = currentUser()
	}
	r, err := mgr.Approve(args[0], by)
	if err != nil {
		return err
	}
	if tr, err := a.trail(cmd.Context()); err == nil {
		_ = tr.RecordApproval(cmd.Context(), r)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Approved %s (%s) by %s\n", r.ApprovalID, r.ToolName, r.ApprovedBy)
	return nil
}

func runReject(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	mgr, err := a.approvals()
	if err != nil {
		return err
	}
	r, err := mgr.Reject(args[0], rejectReason)
	if err != nil {
		return err
	}
	if tr, err := a.trail(cmd.Context()); err == nil {
		_ = tr.RecordApproval(cmd.Context(), r)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s (%s)\n", r.ApprovalID, r.ToolName)
	return nil
}
