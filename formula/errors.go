package formula

import "fmt"

// ErrorKind is the machine-readable classification returned to callers.
// The set is closed: nothing beneath the evaluation service boundary leaks
// through as an untyped error.
type ErrorKind string

const (
	KindUnknownFormula ErrorKind = "unknown_formula"
	KindMissingInput   ErrorKind = "missing_input"
	KindTypeMismatch   ErrorKind = "type_mismatch"
	KindOutOfRange     ErrorKind = "out_of_range"
	KindNotAllowed     ErrorKind = "not_allowed"
	KindDomainError    ErrorKind = "domain_error"
	KindNonFinite      ErrorKind = "non_finite_result"
	KindBudgetExceeded ErrorKind = "budget_exceeded"
)

// EvaluationError is the only error type the evaluation service returns.
// Field carries the offending input or output name where applicable, so
// callers can render precise feedback.
type EvaluationError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Field     string    `json:"field,omitempty"`
	FormulaID string    `json:"formulaId,omitempty"`
}

func (e *EvaluationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// EvalError is the sandbox-level failure. The service converts these into
// EvaluationError before they cross its boundary. Kinds beyond the public
// taxonomy (unknown identifiers, unknown functions, wrong arity) can only
// occur when the sandbox is driven directly, because the library rejects
// such expressions at load time.
type EvalError struct {
	Kind    ErrorKind
	Message string
}

const (
	kindUnknownIdentifier ErrorKind = "unknown_identifier"
	kindUnknownFunction   ErrorKind = "unknown_function"
	kindBadArity          ErrorKind = "bad_arity"
)

func (e *EvalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func evalErrorf(kind ErrorKind, format string, args ...any) *EvalError {
	return &EvalError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// LoadError reports one skipped definition. A load never fails wholesale
// because of a single malformed definition.
type LoadError struct {
	FormulaID string `json:"formulaId"`
	Reason    string `json:"reason"`
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("formula %q: %s", e.FormulaID, e.Reason)
}

// NotFoundError is returned by library lookups for ids that are not
// present in the loaded snapshot.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("formula %q not found", e.ID)
}
