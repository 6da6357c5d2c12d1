package parser

import (
	"errors"
	"strings"
	"testing"
)

func TestOperatorPrecedence(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"1 + 2 * 3", "(1 + (2 * 3))"},
		{"(1 + 2) * 3", "((1 + 2) * 3)"},
		{"-a * b", "((-a) * b)"},
		{"a + b - c", "((a + b) - c)"},
		{"a * b / c", "((a * b) / c)"},
		{"a + b % c", "(a + (b % c))"},
		{"2 ^ 3 ^ 2", "(2 ^ (3 ^ 2))"},
		{"2 ** 3 ** 2", "(2 ^ (3 ^ 2))"},
		{"-2 ^ 2", "((-2) ^ 2)"},
		{"a * b ^ c", "(a * (b ^ c))"},
		{"a < b == c < d", "((a < b) == (c < d))"},
		{"a + b >= c", "((a + b) >= c)"},
		{"a or b and c", "(a or (b and c))"},
		{"not a and b", "((not a) and b)"},
		{"a == b or c != d", "((a == b) or (c != d))"},
		{"x if c else y", "(x if c else y)"},
		{"x + 1 if x > 0 else 0", "((x + 1) if (x > 0) else 0)"},
		{"a if c1 else b if c2 else d", "(a if c1 else (b if c2 else d))"},
		{"max(a, b) + 1", "(max(a, b) + 1)"},
		{"min(a + b, c * d)", "min((a + b), (c * d))"},
		{"sqrt(x) ^ 2", "(sqrt(x) ^ 2)"},
		{"not (a or b)", "(not (a or b))"},
	}

	for _, tt := range tests {
		expr, err := Parse(tt.input)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.input, err)
			continue
		}
		if got := expr.String(); got != tt.expected {
			t.Errorf("%q: expected %s, got %s", tt.input, tt.expected, got)
		}
	}
}

func TestLiterals(t *testing.T) {
	intExpr, err := Parse("42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	intLit, ok := intExpr.(*IntegerLiteral)
	if !ok {
		t.Fatalf("expected *IntegerLiteral, got %T", intExpr)
	}
	if intLit.Value != 42 {
		t.Errorf("expected 42, got %d", intLit.Value)
	}

	floatExpr, err := Parse("1e-3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	floatLit, ok := floatExpr.(*FloatLiteral)
	if !ok {
		t.Fatalf("expected *FloatLiteral, got %T", floatExpr)
	}
	if floatLit.Value != 0.001 {
		t.Errorf("expected 0.001, got %g", floatLit.Value)
	}

	strExpr, err := Parse(`'metric'`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	strLit, ok := strExpr.(*StringLiteral)
	if !ok {
		t.Fatalf("expected *StringLiteral, got %T", strExpr)
	}
	if strLit.Value != "metric" {
		t.Errorf("expected metric, got %q", strLit.Value)
	}

	boolExpr, err := Parse("true")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	boolLit, ok := boolExpr.(*BooleanLiteral)
	if !ok {
		t.Fatalf("expected *BooleanLiteral, got %T", boolExpr)
	}
	if !boolLit.Value {
		t.Error("expected true")
	}
}

func TestCallExpressions(t *testing.T) {
	expr, err := Parse("pow(2, 10)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	call, ok := expr.(*CallExpression)
	if !ok {
		t.Fatalf("expected *CallExpression, got %T", expr)
	}
	if call.Function != "pow" {
		t.Errorf("expected function pow, got %s", call.Function)
	}
	if len(call.Arguments) != 2 {
		t.Errorf("expected 2 arguments, got %d", len(call.Arguments))
	}
}

func TestOnlyNamedFunctionsCallable(t *testing.T) {
	for _, input := range []string{"2(3)", "f(x)(y)", "'fn'(3)"} {
		if _, err := Parse(input); err == nil {
			t.Errorf("%q: expected error, got none", input)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		input   string
		message string
	}{
		{"", "empty expression"},
		{"   ", "empty expression"},
		{"1 +", "unexpected token"},
		{"* 2", "unexpected token"},
		{"(1 + 2", "expected )"},
		{"a if b", "expected else"},
		{"a b", "unexpected trailing token"},
		{"1 2", "unexpected trailing token"},
		{"a = b", "unexpected trailing token"},
		{"max(a,)", "unexpected token"},
		{"x.y", "unexpected trailing token"},
		{"'abc", "unexpected token"},
		{`"abc`, "unexpected token"},
		{"x == 'abc", "unexpected token"},
	}

	for _, tt := range tests {
		_, err := Parse(tt.input)
		if err == nil {
			t.Errorf("%q: expected error, got none", tt.input)
			continue
		}
		if !strings.Contains(err.Error(), tt.message) {
			t.Errorf("%q: expected error containing %q, got %q", tt.input, tt.message, err.Error())
		}
	}
}

func TestParseErrorPosition(t *testing.T) {
	_, err := Parse("1 + * 2")
	if err == nil {
		t.Fatal("expected error, got none")
	}
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if parseErr.Line != 1 {
		t.Errorf("expected line 1, got %d", parseErr.Line)
	}
	if parseErr.Column != 5 {
		t.Errorf("expected column 5, got %d", parseErr.Column)
	}
	if parseErr.Token != "*" {
		t.Errorf("expected token *, got %q", parseErr.Token)
	}
}

func TestLengthLimit(t *testing.T) {
	long := "1" + strings.Repeat(" + 1", 600)
	if len(long) <= DefaultMaxLength {
		t.Fatalf("test input too short: %d", len(long))
	}
	_, err := Parse(long)
	if err == nil {
		t.Fatal("expected length error, got none")
	}
	if !strings.Contains(err.Error(), "length") {
		t.Errorf("expected length error, got %q", err.Error())
	}

	// The same shape under a raised limit parses fine.
	if _, err := ParseWithLimits(long, Limits{MaxLength: 10000}); err != nil {
		t.Errorf("unexpected error with raised limit: %v", err)
	}
}

func TestDepthLimit(t *testing.T) {
	deep := strings.Repeat("(", 40) + "1" + strings.Repeat(")", 40)
	_, err := Parse(deep)
	if err == nil {
		t.Fatal("expected depth error, got none")
	}
	if !strings.Contains(err.Error(), "depth") {
		t.Errorf("expected depth error, got %q", err.Error())
	}

	shallow := strings.Repeat("(", 20) + "1" + strings.Repeat(")", 20)
	if _, err := Parse(shallow); err != nil {
		t.Errorf("unexpected error at shallow nesting: %v", err)
	}

	// Left-associative chains stay flat no matter how long.
	flat := "1" + strings.Repeat(" + 1", 400)
	if _, err := ParseWithLimits(flat, Limits{MaxLength: 10000}); err != nil {
		t.Errorf("unexpected error on flat chain: %v", err)
	}
}

func TestFreeVariables(t *testing.T) {
	expr, err := Parse("a + b * max(c, a) if flag else d")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := FreeVariables(expr)
	want := []string{"a", "b", "c", "d", "flag"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestCallsWalk(t *testing.T) {
	expr, err := Parse("max(sqrt(x), min(a, b))")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var names []string
	Calls(expr, func(c *CallExpression) {
		names = append(names, c.Function)
	})

	want := []string{"max", "sqrt", "min"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}
