package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolgate/internal/audit"
	"github.com/ppiankov/toolgate/internal/config"
)

var (
	tailLines   int
	historyJSON bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditHistoryCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditHistoryCmd.Flags().BoolVar(&historyJSON, "json", false, "Print records and summary as JSON")
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent records to show")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail operations",
	Long:  "Commands for querying and verifying the decision audit trail.",
}

var auditHistoryCmd = &cobra.Command{
	Use:   "history <trace-id>",
	Short: "Show every decision recorded for a trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditHistory,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of a JSONL audit log",
	Long: "Walks the JSONL audit log and validates that every record's prev_hash\n" +
		"matches the SHA-256 of the previous line and that seq numbers are contiguous.\n" +
		"Exits 0 if valid, 1 if tampered. Defaults to the configured log path.",
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent decisions across all traces",
	RunE:  runAuditTail,
}

func runAuditHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	tr, err := a.trail(cmd.Context())
	if err != nil {
		return err
	}
	records, err := tr.History(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if historyJSON {
		out, err := audit.FormatJSON(args[0], records)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), audit.FormatTimeline(args[0], records))
	return nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		if a.cfg.Audit.Backend != config.BackendLog {
			return fmt.Errorf("verify needs a JSONL log; the %s backend has no hash chain", a.cfg.Audit.Backend)
		}
		path = a.cfg.Audit.Path
	}

	result := audit.Verify(path)
	if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d records verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	tr, err := a.trail(cmd.Context())
	if err != nil {
		return err
	}
	tailer, ok := tr.Backend().(audit.Tailer)
	if !ok {
		return fmt.Errorf("the %s backend cannot list recent records", a.cfg.Audit.Backend)
	}
	records, err := tailer.Tail(cmd.Context(), tailLines)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := writeJSON(cmd.OutOrStdout(), r); err != nil {
			return err
		}
	}
	return nil
}
