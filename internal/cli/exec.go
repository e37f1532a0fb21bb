package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolgate/internal/sandbox"
)

var execJSON bool

func init() {
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().BoolVar(&execJSON, "json", false, "Print the run result as JSON")
}

var evalCmd = &cobra.Command{
	Use:   "eval <expression>",
	Short: "Evaluate an arithmetic expression in the restricted evaluator",
	Long:  "Only numbers, arithmetic operators, a fixed set of math functions and the\nconstants pi, e, tau and inf are accepted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eval, err := sandbox.NewEvaluator()
		if err != nil {
			return err
		}
		v, err := eval.Evaluate(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <file|->",
	Short: "Run code in the resource-limited sandbox",
	Long: "Runs the file (or stdin) with the configured interpreter under CPU, memory\n" +
		"and wall-clock limits. Exit code 77 means the run failed or hit a limit.",
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func runExec(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var code []byte
	if args[0] == "-" {
		code, err = io.ReadAll(cmd.InOrStdin())
	} else {
		code, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read code: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := sandbox.NewRunner(a.cfg.RunnerConfig(), a.logger).Run(ctx, string(code))
	if execJSON {
		if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
		fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
	}
	if !res.OK() {
		fmt.Fprintf(os.Stderr, "sandbox: %s\n", res.Error)
		a.Close()
		os.Exit(77)
	}
	return nil
}
