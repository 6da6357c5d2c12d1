package formula

import (
	"fmt"
	"regexp"
)

// ValueType names the types a formula contract can declare. At runtime the
// sandbox only distinguishes number, boolean and string; integer exists as
// a contract type and is promoted to number for computation.
type ValueType string

const (
	TypeNumber  ValueType = "number"
	TypeInteger ValueType = "integer"
	TypeBoolean ValueType = "boolean"
	TypeString  ValueType = "string"
)

func (t ValueType) valid() bool {
	switch t {
	case TypeNumber, TypeInteger, TypeBoolean, TypeString:
		return true
	}
	return false
}

// Value is the runtime representation flowing through the sandbox: a tagged
// scalar with no reference to host state.
type Value struct {
	Type ValueType
	Num  float64
	Bool bool
	Str  string
}

func NumberValue(f float64) Value { return Value{Type: TypeNumber, Num: f} }
func BoolValue(b bool) Value      { return Value{Type: TypeBoolean, Bool: b} }
func StringValue(s string) Value  { return Value{Type: TypeString, Str: s} }

// Interface returns the native Go representation, used when echoing values
// back through the JSON boundary.
func (v Value) Interface() any {
	switch v.Type {
	case TypeBoolean:
		return v.Bool
	case TypeString:
		return v.Str
	default:
		return v.Num
	}
}

func (v Value) String() string {
	switch v.Type {
	case TypeBoolean:
		return fmt.Sprintf("%t", v.Bool)
	case TypeString:
		return v.Str
	default:
		return fmt.Sprintf("%g", v.Num)
	}
}

// FormulaInput declares one named parameter of a formula.
type FormulaInput struct {
	Name          string    `json:"name" toml:"name"`
	Type          ValueType `json:"type" toml:"type"`
	Required      bool      `json:"required" toml:"required"`
	Default       any       `json:"default,omitempty" toml:"default"`
	Min           *float64  `json:"min,omitempty" toml:"min"`
	Max           *float64  `json:"max,omitempty" toml:"max"`
	AllowedValues []string  `json:"allowed_values,omitempty" toml:"allowed_values"`
}

// FormulaOutput declares the result shape. Unit is display-only metadata;
// Precision applies decimal rounding to numeric outputs.
type FormulaOutput struct {
	Name      string    `json:"name" toml:"name"`
	Type      ValueType `json:"type" toml:"type"`
	Unit      string    `json:"unit,omitempty" toml:"unit"`
	Precision *int      `json:"precision,omitempty" toml:"precision"`
}

// FormulaDefinition is the stored, versioned description of one formula.
// Definitions are immutable once loaded into the library; a changed formula
// arrives under a bumped version through a reload.
type FormulaDefinition struct {
	ID          string         `json:"id" toml:"id"`
	Name        string         `json:"name" toml:"name"`
	Description string         `json:"description,omitempty" toml:"description"`
	Category    string         `json:"category,omitempty" toml:"category"`
	Tags        []string       `json:"tags,omitempty" toml:"tags"`
	Version     int            `json:"version" toml:"version"`
	Inputs      []FormulaInput `json:"inputs" toml:"inputs"`
	Expression  string         `json:"expression" toml:"expression"`
	Output      FormulaOutput  `json:"output" toml:"output"`
}

// FormulaSummary is the listing projection of a definition.
type FormulaSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Version     int       `json:"version"`
	OutputType  ValueType `json:"outputType"`
}

func (d *FormulaDefinition) Summary() FormulaSummary {
	return FormulaSummary{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Category:    d.Category,
		Tags:        d.Tags,
		Version:     d.Version,
		OutputType:  d.Output.Type,
	}
}

var idPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-]*$`)

// Validate checks the structural invariants of a definition: id format,
// declared types, unique input names, and that every optional input carries
// a type-compatible default. Expression-level checks (syntax, free-variable
// closure, function names) happen when the library compiles the definition.
func (d *FormulaDefinition) Validate() error {
	if !idPattern.MatchString(d.ID) {
		return fmt.Errorf("invalid formula id %q", d.ID)
	}
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.Version < 1 {
		return fmt.Errorf("version must be a positive integer, got %d", d.Version)
	}
	if d.Expression == "" {
		return fmt.Errorf("expression is required")
	}

	seen := make(map[string]bool, len(d.Inputs))
	for i := range d.Inputs {
		in := &d.Inputs[i]
		if in.Name == "" {
			return fmt.Errorf("input %d has no name", i)
		}
		if seen[in.Name] {
			return fmt.Errorf("duplicate input name %q", in.Name)
		}
		seen[in.Name] = true

		if !in.Type.valid() {
			return fmt.Errorf("input %q has unknown type %q", in.Name, in.Type)
		}
		if len(in.AllowedValues) > 0 && in.Type != TypeString {
			return fmt.Errorf("input %q declares allowed_values but is not a string", in.Name)
		}
		if in.Min != nil && in.Max != nil && *in.Min > *in.Max {
			return fmt.Errorf("input %q has min %g greater than max %g", in.Name, *in.Min, *in.Max)
		}

		if !in.Required {
			if in.Default == nil {
				return fmt.Errorf("optional input %q has no default", in.Name)
			}
			if _, err := coerceValue(in.Type, in.Default); err != nil {
				return fmt.Errorf("default for input %q is not a valid %s: %v", in.Name, in.Type, err)
			}
		}
	}

	if d.Output.Name == "" {
		return fmt.Errorf("output name is required")
	}
	if !d.Output.Type.valid() {
		return fmt.Errorf("output has unknown type %q", d.Output.Type)
	}
	if d.Output.Precision != nil && *d.Output.Precision < 0 {
		return fmt.Errorf("output precision must be non-negative, got %d", *d.Output.Precision)
	}

	return nil
}

// EvaluationResult is the structured outcome of one evaluation. Results are
// never cached; each one is a pure function of (definition, inputs).
type EvaluationResult struct {
	FormulaID  string         `json:"formulaId"`
	Version    int            `json:"version"`
	Result     any            `json:"result"`
	OutputName string         `json:"outputName"`
	OutputType ValueType      `json:"outputType"`
	Unit       string         `json:"unit,omitempty"`
	Inputs     map[string]any `json:"inputs"`
	Warnings   []string       `json:"warnings,omitempty"`
}

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	Category string
	Tags     []string
}

func (f Filter) matches(d *FormulaDefinition) bool {
	if f.Category != "" && d.Category != f.Category {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range d.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
