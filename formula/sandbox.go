package formula

import (
	"math"

	"github.com/liamcoop/formulary/formula/parser"
)

// DefaultBudget is the node-visit ceiling for one evaluation. The grammar
// has no loops, but nested calls and repeated subexpressions still have
// cost; the budget makes the worst case provably finite.
const DefaultBudget = 10000

// Function is one whitelisted callable. All whitelisted functions are pure
// numeric functions of fixed arity.
type Function struct {
	Arity int
	Call  func(args []float64) (float64, *EvalError)
}

// DefaultFunctions returns the built-in whitelist. Callers may pass a
// modified copy to NewSandbox; the table is fixed for the sandbox lifetime.
func DefaultFunctions() map[string]Function {
	return map[string]Function{
		"sqrt": unary(func(x float64) (float64, *EvalError) {
			if x < 0 {
				return 0, evalErrorf(KindDomainError, "sqrt of negative number %g", x)
			}
			return math.Sqrt(x), nil
		}),
		"cbrt":  unary(noDomain(math.Cbrt)),
		"abs":   unary(noDomain(math.Abs)),
		"round": unary(noDomain(math.Round)),
		"floor": unary(noDomain(math.Floor)),
		"ceil":  unary(noDomain(math.Ceil)),
		"exp":   unary(noDomain(math.Exp)),
		"sin":   unary(noDomain(math.Sin)),
		"cos":   unary(noDomain(math.Cos)),
		"tan":   unary(noDomain(math.Tan)),
		"atan":  unary(noDomain(math.Atan)),
		"asin": unary(func(x float64) (float64, *EvalError) {
			if x < -1 || x > 1 {
				return 0, evalErrorf(KindDomainError, "asin of %g outside [-1, 1]", x)
			}
			return math.Asin(x), nil
		}),
		"acos": unary(func(x float64) (float64, *EvalError) {
			if x < -1 || x > 1 {
				return 0, evalErrorf(KindDomainError, "acos of %g outside [-1, 1]", x)
			}
			return math.Acos(x), nil
		}),
		"log": unary(func(x float64) (float64, *EvalError) {
			if x <= 0 {
				return 0, evalErrorf(KindDomainError, "log of non-positive number %g", x)
			}
			return math.Log(x), nil
		}),
		"log10": unary(func(x float64) (float64, *EvalError) {
			if x <= 0 {
				return 0, evalErrorf(KindDomainError, "log10 of non-positive number %g", x)
			}
			return math.Log10(x), nil
		}),
		"min": binary(math.Min),
		"max": binary(math.Max),
		"pow": binary(math.Pow),
	}
}

func unary(fn func(float64) (float64, *EvalError)) Function {
	return Function{
		Arity: 1,
		Call: func(args []float64) (float64, *EvalError) {
			return fn(args[0])
		},
	}
}

func noDomain(fn func(float64) float64) func(float64) (float64, *EvalError) {
	return func(x float64) (float64, *EvalError) {
		return fn(x), nil
	}
}

func binary(fn func(a, b float64) float64) Function {
	return Function{
		Arity: 2,
		Call: func(args []float64) (float64, *EvalError) {
			return fn(args[0], args[1]), nil
		},
	}
}

// DefaultConstants returns the fixed constant table.
func DefaultConstants() map[string]float64 {
	return map[string]float64{
		"pi": math.Pi,
		"e":  math.E,
	}
}

// SandboxConfig tunes the evaluation environment. Zero values select the
// defaults.
type SandboxConfig struct {
	// Functions replaces the whitelist; nil selects DefaultFunctions.
	Functions map[string]Function
	// Constants replaces the constant table; nil selects DefaultConstants.
	Constants map[string]float64
	// AllowNonFinite lets NaN and ±Inf results through instead of failing
	// with a non_finite_result error.
	AllowNonFinite bool
}

// Sandbox evaluates parsed expressions with no ambient capabilities: an
// identifier resolves against the caller's bindings or the constant table
// or not at all, and the only callable things are the whitelisted numeric
// functions baked in at construction. The AST node types are a closed
// enumeration, so there is no path from an expression to host state.
type Sandbox struct {
	functions      map[string]Function
	constants      map[string]float64
	allowNonFinite bool
}

func NewSandbox(cfg SandboxConfig) *Sandbox {
	fns := cfg.Functions
	if fns == nil {
		fns = DefaultFunctions()
	}
	consts := cfg.Constants
	if consts == nil {
		consts = DefaultConstants()
	}
	return &Sandbox{
		functions:      fns,
		constants:      consts,
		allowNonFinite: cfg.AllowNonFinite,
	}
}

// Eval walks the AST against the given bindings. budget caps the number of
// node visits; values <= 0 select DefaultBudget. Evaluation is pure and
// deterministic: identical (ast, bindings) always produce the identical
// result.
func (s *Sandbox) Eval(expr parser.Expression, bindings map[string]Value, budget int) (Value, error) {
	if budget <= 0 {
		budget = DefaultBudget
	}
	st := &evalState{sandbox: s, bindings: bindings, remaining: budget}
	v, err := st.eval(expr)
	if err != nil {
		return Value{}, err
	}
	return v, nil
}

type evalState struct {
	sandbox   *Sandbox
	bindings  map[string]Value
	remaining int
}

func (st *evalState) eval(expr parser.Expression) (Value, *EvalError) {
	st.remaining--
	if st.remaining < 0 {
		return Value{}, evalErrorf(KindBudgetExceeded, "evaluation budget exceeded")
	}

	switch node := expr.(type) {
	case *parser.IntegerLiteral:
		// Integers promote to float; coercion back to an integer output
		// happens at the service boundary, never mid-expression.
		return NumberValue(float64(node.Value)), nil

	case *parser.FloatLiteral:
		return NumberValue(node.Value), nil

	case *parser.BooleanLiteral:
		return BoolValue(node.Value), nil

	case *parser.StringLiteral:
		return StringValue(node.Value), nil

	case *parser.Identifier:
		if v, ok := st.bindings[node.Value]; ok {
			return v, nil
		}
		if c, ok := st.sandbox.constants[node.Value]; ok {
			return NumberValue(c), nil
		}
		return Value{}, evalErrorf(kindUnknownIdentifier, "unknown identifier %q", node.Value)

	case *parser.PrefixExpression:
		return st.evalPrefix(node)

	case *parser.InfixExpression:
		return st.evalInfix(node)

	case *parser.ConditionalExpression:
		return st.evalConditional(node)

	case *parser.CallExpression:
		return st.evalCall(node)

	default:
		// Unreachable while the AST stays a closed enumeration.
		return Value{}, evalErrorf(KindTypeMismatch, "unsupported expression node %T", expr)
	}
}

func (st *evalState) evalPrefix(node *parser.PrefixExpression) (Value, *EvalError) {
	right, err := st.eval(node.Right)
	if err != nil {
		return Value{}, err
	}

	switch node.Operator {
	case "-":
		if right.Type != TypeNumber {
			return Value{}, evalErrorf(KindTypeMismatch, "unary - applied to %s", right.Type)
		}
		return NumberValue(-right.Num), nil
	case "not":
		if right.Type != TypeBoolean {
			return Value{}, evalErrorf(KindTypeMismatch, "not applied to %s", right.Type)
		}
		return BoolValue(!right.Bool), nil
	default:
		return Value{}, evalErrorf(KindTypeMismatch, "unknown prefix operator %q", node.Operator)
	}
}

func (st *evalState) evalInfix(node *parser.InfixExpression) (Value, *EvalError) {
	// and/or short-circuit, so the right side is only evaluated on demand.
	if node.Operator == "and" || node.Operator == "or" {
		return st.evalLogical(node)
	}

	left, err := st.eval(node.Left)
	if err != nil {
		return Value{}, err
	}
	right, err := st.eval(node.Right)
	if err != nil {
		return Value{}, err
	}

	switch node.Operator {
	case "+", "-", "*", "/", "%", "^":
		return st.evalArithmetic(node.Operator, left, right)
	case "<", "<=", ">", ">=":
		if left.Type != TypeNumber || right.Type != TypeNumber {
			return Value{}, evalErrorf(KindTypeMismatch, "%s comparison between %s and %s", node.Operator, left.Type, right.Type)
		}
		switch node.Operator {
		case "<":
			return BoolValue(left.Num < right.Num), nil
		case "<=":
			return BoolValue(left.Num <= right.Num), nil
		case ">":
			return BoolValue(left.Num > right.Num), nil
		default:
			return BoolValue(left.Num >= right.Num), nil
		}
	case "==", "!=":
		eq, eqErr := valuesEqual(left, right)
		if eqErr != nil {
			return Value{}, eqErr
		}
		if node.Operator == "!=" {
			eq = !eq
		}
		return BoolValue(eq), nil
	default:
		return Value{}, evalErrorf(KindTypeMismatch, "unknown operator %q", node.Operator)
	}
}

func (st *evalState) evalLogical(node *parser.InfixExpression) (Value, *EvalError) {
	left, err := st.eval(node.Left)
	if err != nil {
		return Value{}, err
	}
	if left.Type != TypeBoolean {
		return Value{}, evalErrorf(KindTypeMismatch, "%s applied to %s", node.Operator, left.Type)
	}

	if node.Operator == "and" && !left.Bool {
		return BoolValue(false), nil
	}
	if node.Operator == "or" && left.Bool {
		return BoolValue(true), nil
	}

	right, err := st.eval(node.Right)
	if err != nil {
		return Value{}, err
	}
	if right.Type != TypeBoolean {
		return Value{}, evalErrorf(KindTypeMismatch, "%s applied to %s", node.Operator, right.Type)
	}
	return BoolValue(right.Bool), nil
}

func (st *evalState) evalArithmetic(op string, left, right Value) (Value, *EvalError) {
	if left.Type != TypeNumber || right.Type != TypeNumber {
		return Value{}, evalErrorf(KindTypeMismatch, "%s between %s and %s", op, left.Type, right.Type)
	}

	var result float64
	switch op {
	case "+":
		result = left.Num + right.Num
	case "-":
		result = left.Num - right.Num
	case "*":
		result = left.Num * right.Num
	case "/":
		if right.Num == 0 {
			return Value{}, evalErrorf(KindDomainError, "division by zero")
		}
		result = left.Num / right.Num
	case "%":
		if right.Num == 0 {
			return Value{}, evalErrorf(KindDomainError, "modulo by zero")
		}
		result = math.Mod(left.Num, right.Num)
	case "^":
		result = math.Pow(left.Num, right.Num)
	}

	return st.finite(result)
}

func (st *evalState) evalConditional(node *parser.ConditionalExpression) (Value, *EvalError) {
	cond, err := st.eval(node.Condition)
	if err != nil {
		return Value{}, err
	}
	if cond.Type != TypeBoolean {
		return Value{}, evalErrorf(KindTypeMismatch, "conditional requires a boolean condition, got %s", cond.Type)
	}
	if cond.Bool {
		return st.eval(node.Value)
	}
	return st.eval(node.Alternative)
}

func (st *evalState) evalCall(node *parser.CallExpression) (Value, *EvalError) {
	fn, ok := st.sandbox.functions[node.Function]
	if !ok {
		return Value{}, evalErrorf(kindUnknownFunction, "unknown function %q", node.Function)
	}
	if len(node.Arguments) != fn.Arity {
		return Value{}, evalErrorf(kindBadArity, "%s expects %d argument(s), got %d", node.Function, fn.Arity, len(node.Arguments))
	}

	args := make([]float64, len(node.Arguments))
	for i, argExpr := range node.Arguments {
		arg, err := st.eval(argExpr)
		if err != nil {
			return Value{}, err
		}
		if arg.Type != TypeNumber {
			return Value{}, evalErrorf(KindTypeMismatch, "argument %d of %s is %s, want number", i+1, node.Function, arg.Type)
		}
		args[i] = arg.Num
	}

	result, err := fn.Call(args)
	if err != nil {
		return Value{}, err
	}
	return st.finite(result)
}

func (st *evalState) finite(result float64) (Value, *EvalError) {
	if !st.sandbox.allowNonFinite && (math.IsNaN(result) || math.IsInf(result, 0)) {
		return Value{}, evalErrorf(KindNonFinite, "result is not a finite number")
	}
	return NumberValue(result), nil
}

func valuesEqual(left, right Value) (bool, *EvalError) {
	if left.Type != right.Type {
		return false, evalErrorf(KindTypeMismatch, "== between %s and %s", left.Type, right.Type)
	}
	switch left.Type {
	case TypeNumber:
		return left.Num == right.Num, nil
	case TypeBoolean:
		return left.Bool == right.Bool, nil
	case TypeString:
		return left.Str == right.Str, nil
	}
	return false, evalErrorf(KindTypeMismatch, "cannot compare %s values", left.Type)
}
