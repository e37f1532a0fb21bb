package worker

import (
	"context"
	"fmt"

	"github.com/ppiankov/toolgate/internal/sandbox"
)

// Builtin tool names.
const (
	ToolCalculator = "calculator"
	ToolCodeExec   = "code_exec"
)

// Calculator evaluates input["expression"] with the restricted evaluator.
type Calculator struct {
	eval *sandbox.Evaluator
}

// NewCalculator wraps an evaluator.
func NewCalculator(eval *sandbox.Evaluator) *Calculator { return &Calculator{eval: eval} }

func (c *Calculator) Name() string           { return "builtin-calculator" }
func (c *Calculator) Capabilities() []string { return []string{ToolCalculator, "math", "compute"} }

func (c *Calculator) Execute(_ context.Context, _ string, input map[string]any) (any, error) {
	expr, err := stringInput(input, "expression")
	if err != nil {
		return nil, err
	}
	v, err := c.eval.Evaluate(expr)
	if err != nil {
		return nil, err
	}
	return map[string]any{"expression": expr, "result": v}, nil
}

// CodeExec runs input["code"] in the subprocess sandbox. A failed run
// returns the full sandbox.Result as output alongside its error.
type CodeExec struct {
	runner *sandbox.Runner
}

// NewCodeExec wraps a runner.
func NewCodeExec(runner *sandbox.Runner) *CodeExec { return &CodeExec{runner: runner} }

func (c *CodeExec) Name() string           { return "builtin-code-exec" }
func (c *CodeExec) Capabilities() []string { return []string{ToolCodeExec, "sandbox", "compute"} }

func (c *CodeExec) Execute(ctx context.Context, _ string, input map[string]any) (any, error) {
	code, err := stringInput(input, "code")
	if err != nil {
		return nil, err
	}
	res := c.runner.Run(ctx, code)
	if !res.OK() {
		return res, res.Error
	}
	return res, nil
}

// RegisterBuiltins binds the calculator and code_exec workers to their
// tools when those tools are allowed. It returns the tools bound.
func RegisterBuiltins(r *Registry, eval *sandbox.Evaluator, runner *sandbox.Runner) ([]string, error) {
	var bound []string
	if eval != nil && r.Allowed(ToolCalculator) {
		if err := r.Register(ToolCalculator, NewCalculator(eval)); err != nil {
			return bound, err
		}
		bound = append(bound, ToolCalculator)
	}
	if runner != nil && r.Allowed(ToolCodeExec) {
		if err := r.Register(ToolCodeExec, NewCodeExec(runner)); err != nil {
			return bound, err
		}
		bound = append(bound, ToolCodeExec)
	}
	return bound, nil
}

func stringInput(input map[string]any, key string) (string, error) {
	v, ok := input[key]
	if !ok {
		return "", fmt.Errorf("worker: missing input %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("worker: input %q must be a non-empty string", key)
	}
	return s, nil
}
