package formula

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Service orchestrates one evaluation: definition lookup, input validation
// and coercion in declaration order, sandboxed evaluation, and output
// formatting. Every failure it returns is an *EvaluationError; no internal
// error type crosses this boundary.
type Service struct {
	lib     *Library
	sandbox *Sandbox
	budget  int
}

// int64 bounds as floats. 2^63 is exactly representable, so >= on the
// upper bound and < on the lower bound together reject every value whose
// int64 conversion would be out of range.
const (
	maxInt64Float = float64(math.MaxInt64)
	minInt64Float = float64(math.MinInt64)
)

func NewService(lib *Library, sandbox *Sandbox) *Service {
	return &Service{
		lib:     lib,
		sandbox: sandbox,
		budget:  DefaultBudget,
	}
}

// SetBudget overrides the per-evaluation node-visit budget.
func (s *Service) SetBudget(budget int) {
	if budget > 0 {
		s.budget = budget
	}
}

// Formulas is the read-only discovery projection over the library.
func (s *Service) Formulas(ctx context.Context, filter Filter) ([]FormulaSummary, error) {
	return s.lib.List(ctx, filter)
}

// Formula returns a single definition with its declared input schema,
// without requiring any bindings.
func (s *Service) Formula(ctx context.Context, id string) (*FormulaDefinition, error) {
	return s.lib.Get(ctx, id)
}

// Evaluate resolves the formula, validates and coerces raw inputs against
// its declared contracts, evaluates the expression in the sandbox, and
// formats the result per the output contract. Unknown raw keys are ignored
// and reported as warnings, never bound as variables.
func (s *Service) Evaluate(ctx context.Context, id string, raw map[string]any) (*EvaluationResult, error) {
	cf, err := s.lib.getCompiled(ctx, id)
	if err != nil {
		if _, ok := err.(*NotFoundError); ok {
			return nil, &EvaluationError{
				Kind:      KindUnknownFormula,
				Message:   fmt.Sprintf("no formula with id %q", id),
				FormulaID: id,
			}
		}
		return nil, err
	}
	def := cf.def

	bindings := make(map[string]Value, len(def.Inputs))
	echoed := make(map[string]any, len(def.Inputs))

	for i := range def.Inputs {
		in := &def.Inputs[i]

		rawVal, present := raw[in.Name]
		if !present {
			if in.Required {
				return nil, &EvaluationError{
					Kind:      KindMissingInput,
					Message:   fmt.Sprintf("required input %q is missing", in.Name),
					Field:     in.Name,
					FormulaID: def.ID,
				}
			}
			rawVal = in.Default
		}

		v, cerr := coerceValue(in.Type, rawVal)
		if cerr != nil {
			return nil, &EvaluationError{
				Kind:      KindTypeMismatch,
				Message:   fmt.Sprintf("input %q: %v", in.Name, cerr),
				Field:     in.Name,
				FormulaID: def.ID,
			}
		}

		if v.Type == TypeNumber {
			if in.Min != nil && v.Num < *in.Min {
				return nil, &EvaluationError{
					Kind:      KindOutOfRange,
					Message:   fmt.Sprintf("input %q must be >= %g, got %g", in.Name, *in.Min, v.Num),
					Field:     in.Name,
					FormulaID: def.ID,
				}
			}
			if in.Max != nil && v.Num > *in.Max {
				return nil, &EvaluationError{
					Kind:      KindOutOfRange,
					Message:   fmt.Sprintf("input %q must be <= %g, got %g", in.Name, *in.Max, v.Num),
					Field:     in.Name,
					FormulaID: def.ID,
				}
			}
		}

		if len(in.AllowedValues) > 0 {
			allowed := false
			for _, candidate := range in.AllowedValues {
				if v.Str == candidate {
					allowed = true
					break
				}
			}
			if !allowed {
				return nil, &EvaluationError{
					Kind:      KindNotAllowed,
					Message:   fmt.Sprintf("input %q must be one of %v", in.Name, in.AllowedValues),
					Field:     in.Name,
					FormulaID: def.ID,
				}
			}
		}

		bindings[in.Name] = v
		echoed[in.Name] = echoValue(in.Type, v)
	}

	warnings := unknownInputWarnings(def, raw)

	out, evalErr := s.sandbox.Eval(cf.ast, bindings, s.budget)
	if evalErr != nil {
		return nil, s.wrapEvalError(def.ID, evalErr)
	}

	result, outErr := formatOutput(def, out)
	if outErr != nil {
		return nil, outErr
	}

	return &EvaluationResult{
		FormulaID:  def.ID,
		Version:    def.Version,
		Result:     result,
		OutputName: def.Output.Name,
		OutputType: def.Output.Type,
		Unit:       def.Output.Unit,
		Inputs:     echoed,
		Warnings:   warnings,
	}, nil
}

func unknownInputWarnings(def *FormulaDefinition, raw map[string]any) []string {
	declared := make(map[string]bool, len(def.Inputs))
	for _, in := range def.Inputs {
		declared[in.Name] = true
	}

	var unknown []string
	for key := range raw {
		if !declared[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	warnings := make([]string, 0, len(unknown))
	for _, key := range unknown {
		warnings = append(warnings, fmt.Sprintf("unknown input %q ignored", key))
	}
	return warnings
}

// wrapEvalError converts a sandbox failure into the public taxonomy. The
// private sandbox kinds cannot occur for library-compiled formulas, but a
// fail-closed mapping keeps the boundary total.
func (s *Service) wrapEvalError(formulaID string, err error) *EvaluationError {
	evalErr, ok := err.(*EvalError)
	if !ok {
		return &EvaluationError{Kind: KindTypeMismatch, Message: err.Error(), FormulaID: formulaID}
	}

	kind := evalErr.Kind
	switch kind {
	case KindDomainError, KindNonFinite, KindBudgetExceeded, KindTypeMismatch:
	default:
		kind = KindTypeMismatch
	}
	return &EvaluationError{Kind: kind, Message: evalErr.Message, FormulaID: formulaID}
}

// formatOutput coerces the sandbox scalar to the output contract. Numeric
// outputs round to the declared precision; integer outputs round half away
// from zero.
func formatOutput(def *FormulaDefinition, v Value) (any, *EvaluationError) {
	out := def.Output
	mismatch := func(want ValueType) *EvaluationError {
		return &EvaluationError{
			Kind:      KindTypeMismatch,
			Message:   fmt.Sprintf("expression produced %s, output %q declares %s", v.Type, out.Name, want),
			Field:     out.Name,
			FormulaID: def.ID,
		}
	}

	switch out.Type {
	case TypeNumber:
		if v.Type != TypeNumber {
			return nil, mismatch(TypeNumber)
		}
		result := v.Num
		if out.Precision != nil {
			shift := math.Pow(10, float64(*out.Precision))
			result = math.Round(result*shift) / shift
		}
		return result, nil
	case TypeInteger:
		if v.Type != TypeNumber {
			return nil, mismatch(TypeInteger)
		}
		r := math.Round(v.Num)
		if r >= maxInt64Float || r < minInt64Float {
			return nil, &EvaluationError{
				Kind:      KindOutOfRange,
				Message:   fmt.Sprintf("result %g does not fit in an integer", v.Num),
				Field:     out.Name,
				FormulaID: def.ID,
			}
		}
		return int64(r), nil
	case TypeBoolean:
		if v.Type != TypeBoolean {
			return nil, mismatch(TypeBoolean)
		}
		return v.Bool, nil
	case TypeString:
		if v.Type != TypeString {
			return nil, mismatch(TypeString)
		}
		return v.Str, nil
	}
	return nil, mismatch(out.Type)
}

// coerceValue converts one raw input to a runtime Value per the declared
// contract type. String parsing uses strconv and is never locale-aware.
// Integer contracts accept any whole number and promote it to float for
// computation.
func coerceValue(t ValueType, raw any) (Value, error) {
	switch t {
	case TypeNumber:
		f, err := toFloat(raw)
		if err != nil {
			return Value{}, err
		}
		return NumberValue(f), nil
	case TypeInteger:
		f, err := toFloat(raw)
		if err != nil {
			return Value{}, err
		}
		if f != math.Trunc(f) {
			return Value{}, fmt.Errorf("%g is not a whole number", f)
		}
		if f >= maxInt64Float || f < minInt64Float {
			return Value{}, fmt.Errorf("%g does not fit in an integer", f)
		}
		return NumberValue(f), nil
	case TypeBoolean:
		switch b := raw.(type) {
		case bool:
			return BoolValue(b), nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return Value{}, fmt.Errorf("%q is not a boolean", b)
			}
			return BoolValue(parsed), nil
		}
		return Value{}, fmt.Errorf("expected a boolean, got %T", raw)
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("expected a string, got %T", raw)
		}
		return StringValue(s), nil
	}
	return Value{}, fmt.Errorf("unknown contract type %q", t)
}

func toFloat(raw any) (float64, error) {
	var f float64
	switch n := raw.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("expected a number, got %T", raw)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value is not a finite number")
	}
	return f, nil
}

func echoValue(t ValueType, v Value) any {
	if t == TypeInteger {
		return int64(v.Num)
	}
	return v.Interface()
}
