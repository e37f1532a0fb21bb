// Package sandbox runs untrusted input in two ways: a restricted evaluator
// for arithmetic expressions, and a resource-limited subprocess runner for
// agent-authored code.
package sandbox

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"
)

// Evaluator errors. Every rejection wraps exactly one of these.
var (
	ErrSyntax              = errors.New("sandbox: syntax error")
	ErrForbiddenExpression = errors.New("sandbox: forbidden expression")
	ErrUnknownName         = errors.New("sandbox: unknown name")
	ErrDivisionByZero      = errors.New("sandbox: division by zero")
	ErrRecursionLimit      = errors.New("sandbox: recursion limit exceeded")
	ErrMath                = errors.New("sandbox: math error")
)

// Evaluator limits.
const (
	DefaultMaxDepth      = 64
	MaxExpressionLength  = 2048
	parserRecursionLimit = 256
)

var constants = map[string]float64{
	"pi":  math.Pi,
	"e":   math.E,
	"tau": 2 * math.Pi,
	"inf": math.Inf(1),
}

type mathFunc struct {
	arity []int // accepted argument counts
	fn    func(args []float64) (float64, error)
}

func unary(f func(float64) float64) mathFunc {
	return mathFunc{arity: []int{1}, fn: func(a []float64) (float64, error) { return f(a[0]), nil }}
}

func binary(f func(float64, float64) float64) mathFunc {
	return mathFunc{arity: []int{2}, fn: func(a []float64) (float64, error) { return f(a[0], a[1]), nil }}
}

var functions = map[string]mathFunc{
	"sin":     unary(math.Sin),
	"cos":     unary(math.Cos),
	"tan":     unary(math.Tan),
	"asin":    unary(math.Asin),
	"acos":    unary(math.Acos),
	"atan":    unary(math.Atan),
	"sinh":    unary(math.Sinh),
	"cosh":    unary(math.Cosh),
	"tanh":    unary(math.Tanh),
	"exp":     unary(math.Exp),
	"sqrt":    unary(math.Sqrt),
	"abs":     unary(math.Abs),
	"ceil":    unary(math.Ceil),
	"floor":   unary(math.Floor),
	"trunc":   unary(math.Trunc),
	"round":   unary(math.RoundToEven),
	"log10":   unary(math.Log10),
	"log2":    unary(math.Log2),
	"degrees": unary(func(x float64) float64 { return x * 180 / math.Pi }),
	"radians": unary(func(x float64) float64 { return x * math.Pi / 180 }),
	"atan2":   binary(math.Atan2),
	"hypot":   binary(math.Hypot),
	"pow":     binary(math.Pow),
	"log": {arity: []int{1, 2}, fn: func(a []float64) (float64, error) {
		if len(a) == 1 {
			return math.Log(a[0]), nil
		}
		return math.Log(a[0]) / math.Log(a[1]), nil
	}},
	"fmod": {arity: []int{2}, fn: func(a []float64) (float64, error) {
		if a[1] == 0 {
			return 0, fmt.Errorf("%w: fmod(%g, 0)", ErrDivisionByZero, a[0])
		}
		return math.Mod(a[0], a[1]), nil
	}},
	"floordiv": {arity: []int{2}, fn: func(a []float64) (float64, error) {
		if a[1] == 0 {
			return 0, fmt.Errorf("%w: floordiv(%g, 0)", ErrDivisionByZero, a[0])
		}
		return math.Floor(a[0] / a[1]), nil
	}},
	"min": {arity: nil, fn: func(a []float64) (float64, error) {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Min(m, v)
		}
		return m, nil
	}},
	"max": {arity: nil, fn: func(a []float64) (float64, error) {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Max(m, v)
		}
		return m, nil
	}},
}

func (f mathFunc) accepts(n int) bool {
	if f.arity == nil {
		return n >= 1
	}
	for _, a := range f.arity {
		if a == n {
			return true
		}
	}
	return false
}

// Evaluator computes arithmetic expressions. Expressions are parsed into a
// syntax tree and walked with an explicit allowlist of operators, functions
// and constants; any other node is rejected. Nothing is ever compiled or
// executed by the expression library itself.
type Evaluator struct {
	env      *cel.Env
	maxDepth int
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithMaxDepth bounds how deeply nested an expression may be.
func WithMaxDepth(n int) EvaluatorOption { return func(e *Evaluator) { e.maxDepth = n } }

// NewEvaluator builds an evaluator.
func NewEvaluator(opts ...EvaluatorOption) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.ParserRecursionLimit(parserRecursionLimit),
		cel.ParserExpressionSizeLimit(MaxExpressionLength),
	)
	if err != nil {
		return nil, fmt.Errorf("sandbox: build parser: %w", err)
	}
	e := &Evaluator{env: env, maxDepth: DefaultMaxDepth}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Evaluate parses and computes expr. Comparisons and logical operators
// yield 1 for true and 0 for false.
func (e *Evaluator) Evaluate(expr string) (float64, error) {
	if strings.TrimSpace(expr) == "" {
		return 0, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	parsed, iss := e.env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		msg := iss.Err().Error()
		if strings.Contains(msg, "recursion") {
			return 0, fmt.Errorf("%w: %s", ErrRecursionLimit, msg)
		}
		return 0, fmt.Errorf("%w: %s", ErrSyntax, msg)
	}
	w := walker{maxDepth: e.maxDepth}
	v, err := w.eval(parsed.NativeRep().Expr(), 0)
	if err != nil {
		return 0, err
	}
	return v, nil
}

type walker struct {
	maxDepth int
}

var binaryOps = map[string]string{
	operators.Add:           "+",
	operators.Subtract:      "-",
	operators.Multiply:      "*",
	operators.Divide:        "/",
	operators.Modulo:        "%",
	operators.Equals:        "==",
	operators.NotEquals:     "!=",
	operators.Less:          "<",
	operators.LessEquals:    "<=",
	operators.Greater:       ">",
	operators.GreaterEquals: ">=",
	operators.LogicalAnd:    "&&",
	operators.LogicalOr:     "||",
}

func (w walker) eval(n celast.Expr, depth int) (float64, error) {
	if depth > w.maxDepth {
		return 0, fmt.Errorf("%w: nesting deeper than %d", ErrRecursionLimit, w.maxDepth)
	}
	switch n.Kind() {
	case celast.LiteralKind:
		return literal(n)
	case celast.IdentKind:
		name := n.AsIdent()
		if v, ok := constants[name]; ok {
			return v, nil
		}
		return 0, fmt.Errorf("%w: %q", ErrUnknownName, name)
	case celast.CallKind:
		return w.call(n.AsCall(), depth)
	case celast.SelectKind:
		return 0, fmt.Errorf("%w: attribute access .%s", ErrForbiddenExpression, n.AsSelect().FieldName())
	case celast.ListKind:
		return 0, fmt.Errorf("%w: list literal", ErrForbiddenExpression)
	case celast.MapKind, celast.StructKind:
		return 0, fmt.Errorf("%w: map or object literal", ErrForbiddenExpression)
	case celast.ComprehensionKind:
		return 0, fmt.Errorf("%w: comprehension", ErrForbiddenExpression)
	default:
		return 0, fmt.Errorf("%w: unsupported node", ErrForbiddenExpression)
	}
}

func literal(n celast.Expr) (float64, error) {
	switch v := n.AsLiteral().(type) {
	case types.Int:
		return float64(v), nil
	case types.Uint:
		return float64(v), nil
	case types.Double:
		return float64(v), nil
	case types.Bool:
		return truth(bool(v)), nil
	default:
		return 0, fmt.Errorf("%w: %s literal", ErrForbiddenExpression, strings.ToLower(n.AsLiteral().Type().TypeName()))
	}
}

func (w walker) call(c celast.CallExpr, depth int) (float64, error) {
	name := c.FunctionName()
	if c.IsMemberFunction() {
		return 0, fmt.Errorf("%w: method call .%s()", ErrForbiddenExpression, name)
	}
	args := c.Args()

	switch name {
	case operators.Negate:
		x, err := w.eval(args[0], depth+1)
		return -x, err
	case operators.LogicalNot:
		x, err := w.eval(args[0], depth+1)
		return truth(x == 0), err
	case operators.Conditional:
		cond, err := w.eval(args[0], depth+1)
		if err != nil {
			return 0, err
		}
		if cond != 0 {
			return w.eval(args[1], depth+1)
		}
		return w.eval(args[2], depth+1)
	}

	if op, ok := binaryOps[name]; ok {
		a, err := w.eval(args[0], depth+1)
		if err != nil {
			return 0, err
		}
		// Short-circuit like the host language would.
		if op == "&&" && a == 0 {
			return 0, nil
		}
		if op == "||" && a != 0 {
			return 1, nil
		}
		b, err := w.eval(args[1], depth+1)
		if err != nil {
			return 0, err
		}
		return applyBinary(op, a, b)
	}

	fn, ok := functions[name]
	if !ok {
		return 0, fmt.Errorf("%w: call to %s()", ErrForbiddenExpression, name)
	}
	if !fn.accepts(len(args)) {
		return 0, fmt.Errorf("%w: %s() does not take %d arguments", ErrSyntax, name, len(args))
	}
	vals := make([]float64, len(args))
	for i, a := range args {
		v, err := w.eval(a, depth+1)
		if err != nil {
			return 0, err
		}
		vals[i] = v
	}
	out, err := fn.fn(vals)
	if err != nil {
		return 0, err
	}
	return checkResult(name, vals, out)
}

func applyBinary(op string, a, b float64) (float64, error) {
	switch op {
	case "+":
		return checkResult(op, []float64{a, b}, a+b)
	case "-":
		return checkResult(op, []float64{a, b}, a-b)
	case "*":
		return checkResult(op, []float64{a, b}, a*b)
	case "/":
		if b == 0 {
			return 0, fmt.Errorf("%w: %g / 0", ErrDivisionByZero, a)
		}
		return checkResult(op, []float64{a, b}, a/b)
	case "%":
		if b == 0 {
			return 0, fmt.Errorf("%w: %g %% 0", ErrDivisionByZero, a)
		}
		// Result takes the sign of the divisor.
		r := math.Mod(a, b)
		if r != 0 && (r < 0) != (b < 0) {
			r += b
		}
		return r, nil
	case "==":
		return truth(a == b), nil
	case "!=":
		return truth(a != b), nil
	case "<":
		return truth(a < b), nil
	case "<=":
		return truth(a <= b), nil
	case ">":
		return truth(a > b), nil
	case ">=":
		return truth(a >= b), nil
	case "&&":
		return truth(a != 0 && b != 0), nil
	case "||":
		return truth(a != 0 || b != 0), nil
	}
	return 0, fmt.Errorf("%w: operator %s", ErrForbiddenExpression, op)
}

// checkResult turns NaN and overflow from finite inputs into ErrMath.
func checkResult(name string, in []float64, out float64) (float64, error) {
	for _, v := range in {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return out, nil
		}
	}
	if math.IsNaN(out) {
		return 0, fmt.Errorf("%w: domain error in %s", ErrMath, name)
	}
	if math.IsInf(out, 0) {
		return 0, fmt.Errorf("%w: result of %s out of range", ErrMath, name)
	}
	return out, nil
}

func truth(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
