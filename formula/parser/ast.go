package parser

import (
	"bytes"
	"sort"
	"strings"
)

// Expression is the closed set of AST node types produced by the parser.
// There is deliberately no node for attribute access, subscripting, or
// assignment: an expression can only name identifiers, combine values
// with the fixed operator set, and call whitelisted functions.
type Expression interface {
	Node
	expressionNode()
}

type Node interface {
	TokenLiteral() string
	String() string
}

type Identifier struct {
	Token Token // the IDENT token
	Value string
}

func (i *Identifier) expressionNode()      {}
func (i *Identifier) TokenLiteral() string { return i.Token.Literal }
func (i *Identifier) String() string       { return i.Value }

type IntegerLiteral struct {
	Token Token // the INT token
	Value int64
}

func (il *IntegerLiteral) expressionNode()      {}
func (il *IntegerLiteral) TokenLiteral() string { return il.Token.Literal }
func (il *IntegerLiteral) String() string       { return il.Token.Literal }

type FloatLiteral struct {
	Token Token // the FLOAT token
	Value float64
}

func (fl *FloatLiteral) expressionNode()      {}
func (fl *FloatLiteral) TokenLiteral() string { return fl.Token.Literal }
func (fl *FloatLiteral) String() string       { return fl.Token.Literal }

type BooleanLiteral struct {
	Token Token // the TRUE or FALSE token
	Value bool
}

func (bl *BooleanLiteral) expressionNode()      {}
func (bl *BooleanLiteral) TokenLiteral() string { return bl.Token.Literal }
func (bl *BooleanLiteral) String() string       { return bl.Token.Literal }

type StringLiteral struct {
	Token Token
	Value string
}

func (sl *StringLiteral) expressionNode()      {}
func (sl *StringLiteral) TokenLiteral() string { return sl.Token.Literal }
func (sl *StringLiteral) String() string       { return "\"" + sl.Value + "\"" }

type PrefixExpression struct {
	Token    Token // the prefix token: - or not
	Operator string
	Right    Expression
}

func (pe *PrefixExpression) expressionNode()      {}
func (pe *PrefixExpression) TokenLiteral() string { return pe.Token.Literal }
func (pe *PrefixExpression) String() string {
	var out bytes.Buffer
	out.WriteString("(")
	out.WriteString(pe.Operator)
	if pe.Operator == "not" {
		out.WriteString(" ")
	}
	if pe.Right != nil {
		out.WriteString(pe.Right.String())
	}
	out.WriteString(")")
	return out.String()
}

type InfixExpression struct {
	Token    Token // the operator token
	Left     Expression
	Operator string
	Right    Expression
}

func (oe *InfixExpression) expressionNode()      {}
func (oe *InfixExpression) TokenLiteral() string { return oe.Token.Literal }
func (oe *InfixExpression) String() string {
	var out bytes.Buffer
	out.WriteString("(")
	if oe.Left != nil {
		out.WriteString(oe.Left.String())
	}
	out.WriteString(" " + oe.Operator + " ")
	if oe.Right != nil {
		out.WriteString(oe.Right.String())
	}
	out.WriteString(")")
	return out.String()
}

// ConditionalExpression is the ternary form `Value if Condition else Alternative`.
type ConditionalExpression struct {
	Token       Token // the 'if' token
	Value       Expression
	Condition   Expression
	Alternative Expression
}

func (ce *ConditionalExpression) expressionNode()      {}
func (ce *ConditionalExpression) TokenLiteral() string { return ce.Token.Literal }
func (ce *ConditionalExpression) String() string {
	var out bytes.Buffer
	out.WriteString("(")
	if ce.Value != nil {
		out.WriteString(ce.Value.String())
	}
	out.WriteString(" if ")
	if ce.Condition != nil {
		out.WriteString(ce.Condition.String())
	}
	out.WriteString(" else ")
	if ce.Alternative != nil {
		out.WriteString(ce.Alternative.String())
	}
	out.WriteString(")")
	return out.String()
}

type CallExpression struct {
	Token     Token  // the '(' token
	Function  string // callee name; always a bare identifier
	Arguments []Expression
}

func (ce *CallExpression) expressionNode()      {}
func (ce *CallExpression) TokenLiteral() string { return ce.Token.Literal }
func (ce *CallExpression) String() string {
	var out bytes.Buffer
	var args []string
	for _, a := range ce.Arguments {
		args = append(args, a.String())
	}
	out.WriteString(ce.Function)
	out.WriteString("(")
	out.WriteString(strings.Join(args, ", "))
	out.WriteString(")")
	return out.String()
}

// FreeVariables returns the sorted set of identifier names an expression
// references. Callee names are not variables and are excluded.
func FreeVariables(expr Expression) []string {
	seen := map[string]bool{}
	collectFreeVariables(expr, seen)
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func collectFreeVariables(expr Expression, seen map[string]bool) {
	switch node := expr.(type) {
	case *Identifier:
		seen[node.Value] = true
	case *PrefixExpression:
		collectFreeVariables(node.Right, seen)
	case *InfixExpression:
		collectFreeVariables(node.Left, seen)
		collectFreeVariables(node.Right, seen)
	case *ConditionalExpression:
		collectFreeVariables(node.Value, seen)
		collectFreeVariables(node.Condition, seen)
		collectFreeVariables(node.Alternative, seen)
	case *CallExpression:
		for _, arg := range node.Arguments {
			collectFreeVariables(arg, seen)
		}
	}
}

// Calls invokes fn for every function call in the expression, outermost
// first. Used by load-time validation to check callee names and arity.
func Calls(expr Expression, fn func(*CallExpression)) {
	switch node := expr.(type) {
	case *PrefixExpression:
		Calls(node.Right, fn)
	case *InfixExpression:
		Calls(node.Left, fn)
		Calls(node.Right, fn)
	case *ConditionalExpression:
		Calls(node.Value, fn)
		Calls(node.Condition, fn)
		Calls(node.Alternative, fn)
	case *CallExpression:
		fn(node)
		for _, arg := range node.Arguments {
			Calls(arg, fn)
		}
	}
}
