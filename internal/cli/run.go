package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolgate/internal/audit"
	"github.com/ppiankov/toolgate/internal/config"
	"github.com/ppiankov/toolgate/internal/model"
	"github.com/ppiankov/toolgate/internal/planning"
	"github.com/ppiankov/toolgate/internal/tracer"
)

var (
	runTenant   string
	runUser     string
	runInputs   string
	runMaxSteps int
	runPlanFile string
	runTraceOut string
	runWatch    bool
	runJSON     bool

	planInputs   string
	planMaxSteps int
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runTenant, "tenant", "", "Tenant the plan runs for")
	runCmd.Flags().StringVar(&runUser, "user-intent", "", "Free-text intent recorded in the execution context")
	runCmd.Flags().StringVar(&runInputs, "inputs", "", "JSON file of step inputs keyed by tool name")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "Maximum number of planned steps (0 = no cap)")
	runCmd.Flags().StringVar(&runPlanFile, "plan-file", "", "Execute a plan written by 'toolgate plan' instead of planning the goal")
	runCmd.Flags().StringVar(&runTraceOut, "trace-out", "", "Write trace events as JSONL to this file")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Reload the registry while the plan runs")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the execution result as JSON")

	rootCmd.AddCommand(planCmd)
	planCmd.Flags().StringVar(&planInputs, "inputs", "", "JSON file of step inputs keyed by tool name")
	planCmd.Flags().IntVar(&planMaxSteps, "max-steps", 0, "Maximum number of planned steps (0 = no cap)")
}

var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Plan a goal and execute it under governance",
	Long: "Builds a plan from the registry, then runs every step through tenant policy,\n" +
		"budget, approval and routing. Exit code 2 means the plan did not succeed.",
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var planCmd = &cobra.Command{
	Use:   "plan <goal>",
	Short: "Print the plan for a goal without executing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

func readInputs(path string) (map[string]map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inputs: %w", err)
	}
	var inputs map[string]map[string]any
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("parse inputs %s: %w", path, err)
	}
	return inputs, nil
}

func planRequest(a *app, goal, inputsPath string, maxSteps int) (planning.Request, error) {
	eng, err := a.engine()
	if err != nil {
		return planning.Request{}, err
	}
	b, err := a.cfg.Budget(nil)
	if err != nil {
		return planning.Request{}, err
	}
	inputs, err := readInputs(inputsPath)
	if err != nil {
		return planning.Request{}, err
	}
	return planning.Request{
		Goal:    goal,
		TraceID: tracer.NewTraceID(),
		Profile: a.cfg.Profile,
		Budget:  b,
		Constraints: planning.Constraints{
			AvailableTools: eng.Document().Tools,
			MaxSteps:       maxSteps,
			Inputs:         inputs,
		},
	}, nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	req, err := planRequest(a, args[0], planInputs, planMaxSteps)
	if err != nil {
		return err
	}
	plan, err := planning.NewAuthority(planning.WithLogger(a.logger)).CreatePlan(cmd.Context(), req)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), plan)
}

func loadPlan(path string) (model.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Plan{}, fmt.Errorf("read plan: %w", err)
	}
	var plan model.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return model.Plan{}, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return plan, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	if (len(args) == 0) == (runPlanFile == "") {
		return fmt.Errorf("give either a goal or --plan-file")
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord, err := a.coordinator(ctx)
	if err != nil {
		return err
	}
	if runWatch {
		eng, _ := a.engine()
		if err := a.watchRegistry(ctx, eng); err != nil {
			return err
		}
	}

	var plan model.Plan
	if runPlanFile != "" {
		if plan, err = loadPlan(runPlanFile); err != nil {
			return err
		}
	} else {
		req, err := planRequest(a, args[0], runInputs, runMaxSteps)
		if err != nil {
			return err
		}
		if plan, err = coord.CreatePlan(ctx, req); err != nil {
			return err
		}
	}

	ec := model.ExecutionContext{
		TraceID:    plan.TraceID,
		RequestID:  tracer.NewRequestID(),
		UserIntent: runUser,
		Profile:    a.cfg.Profile,
		Tenant:     runTenant,
	}
	res, err := coord.ExecutePlan(ctx, plan, ec)
	if err != nil {
		return err
	}

	if runTraceOut != "" {
		if err := writeTrace(runTraceOut, coord.Trace(res.TraceID)); err != nil {
			return err
		}
	}
	if err := printResult(ctx, cmd.OutOrStdout(), a, res); err != nil {
		return err
	}
	if !res.Success {
		a.Close()
		os.Exit(2)
	}
	return nil
}

func printResult(ctx context.Context, w io.Writer, a *app, res model.ExecutionResult) error {
	if runJSON {
		return writeJSON(w, res)
	}
	fmt.Fprintf(w, "Plan %s (trace %s): %s\n", res.PlanID, res.TraceID, res.Stage)
	for _, r := range res.Results {
		line := fmt.Sprintf("  [%d] %-20s %-10s", r.Index, r.Tool, r.Status)
		if r.Worker != "" {
			line += " worker=" + r.Worker
		}
		if r.ApprovalID != "" {
			line += " approval=" + r.ApprovalID
		}
		if r.Error != "" {
			line += " error=" + r.Error
		}
		fmt.Fprintln(w, line)
	}
	if f := res.FailureContext; f != nil {
		fmt.Fprintf(w, "Stopped at step %d (%s): %s %s\n", f.StepIndex, f.Kind, f.Code, f.Message)
	}

	// The memory backend is only visible in-process, so show its timeline here.
	if a.cfg.Audit.Backend == config.BackendMemory {
		tr, err := a.trail(ctx)
		if err != nil {
			return err
		}
		records, err := tr.History(ctx, res.TraceID)
		if err != nil {
			return err
		}
		fmt.Fprintln(w)
		fmt.Fprint(w, audit.FormatTimeline(res.TraceID, records))
	}
	return nil
}

func writeTrace(path string, events []tracer.Event) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open trace output: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			f.Close()
			return fmt.Errorf("write trace: %w", err)
		}
	}
	return f.Close()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
