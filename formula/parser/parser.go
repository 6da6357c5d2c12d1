package parser

import (
	"fmt"
	"strconv"
)

// Default limits applied by Parse. Oversized or pathologically nested
// expressions are rejected before they can cost anything.
const (
	DefaultMaxLength = 2000
	DefaultMaxDepth  = 32
)

// Limits bounds the source an expression parser will accept.
type Limits struct {
	MaxLength int // maximum source length in bytes
	MaxDepth  int // maximum expression nesting depth
}

func DefaultLimits() Limits {
	return Limits{MaxLength: DefaultMaxLength, MaxDepth: DefaultMaxDepth}
}

// ParseError describes a syntax error with the offending token and its
// position in the source.
type ParseError struct {
	Message  string
	Token    string
	Position int
	Line     int
	Column   int
}

func (e *ParseError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("parse error at line %d column %d: %s", e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("parse error at line %d column %d near %q: %s", e.Line, e.Column, e.Token, e.Message)
}

const (
	_ int = iota
	LOWEST
	CONDITIONAL // a if cond else b
	LOGICAL_OR  // or
	LOGICAL_AND // and
	EQUALS      // == !=
	LESSGREATER // < <= > >=
	SUM         // + -
	PRODUCT     // * / %
	POWER       // ^ **
	PREFIX      // -x or not x
	CALL        // fn(x)
)

var precedences = map[TokenType]int{
	IF:       CONDITIONAL,
	OR:       LOGICAL_OR,
	AND:      LOGICAL_AND,
	EQ:       EQUALS,
	NOT_EQ:   EQUALS,
	LT:       LESSGREATER,
	GT:       LESSGREATER,
	LTE:      LESSGREATER,
	GTE:      LESSGREATER,
	PLUS:     SUM,
	MINUS:    SUM,
	ASTERISK: PRODUCT,
	SLASH:    PRODUCT,
	PERCENT:  PRODUCT,
	POW:      POWER,
	LPAREN:   CALL,
}

type (
	prefixParseFn func() Expression
	infixParseFn  func(Expression) Expression
)

type Parser struct {
	l *Lexer

	curToken  Token
	peekToken Token

	limits Limits
	depth  int

	err *ParseError

	prefixParseFns map[TokenType]prefixParseFn
	infixParseFns  map[TokenType]infixParseFn
}

// Parse compiles a single expression under the default limits.
func Parse(expression string) (Expression, error) {
	return ParseWithLimits(expression, DefaultLimits())
}

// ParseWithLimits compiles a single expression. The whole source must be
// one expression; trailing tokens are a syntax error. Parsing never
// evaluates anything.
func ParseWithLimits(expression string, limits Limits) (Expression, error) {
	if limits.MaxLength <= 0 {
		limits.MaxLength = DefaultMaxLength
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = DefaultMaxDepth
	}
	if len(expression) > limits.MaxLength {
		return nil, &ParseError{
			Message: fmt.Sprintf("expression length %d exceeds maximum of %d", len(expression), limits.MaxLength),
			Line:    1,
			Column:  1,
		}
	}

	p := newParser(NewLexer(expression), limits)
	if p.curTokenIs(EOF) {
		return nil, &ParseError{Message: "empty expression", Line: 1, Column: 1}
	}
	expr := p.parseExpression(LOWEST)
	if p.err != nil {
		return nil, p.err
	}
	if expr == nil {
		return nil, &ParseError{Message: "empty expression", Line: 1, Column: 1}
	}
	if !p.peekTokenIs(EOF) {
		p.errorAt(p.peekToken, "unexpected trailing token")
		return nil, p.err
	}
	return expr, nil
}

func newParser(l *Lexer, limits Limits) *Parser {
	p := &Parser{
		l:      l,
		limits: limits,
	}

	p.prefixParseFns = make(map[TokenType]prefixParseFn)
	p.registerPrefix(IDENT, p.parseIdentifier)
	p.registerPrefix(INT, p.parseIntegerLiteral)
	p.registerPrefix(FLOAT, p.parseFloatLiteral)
	p.registerPrefix(STRING, p.parseStringLiteral)
	p.registerPrefix(TRUE, p.parseBooleanLiteral)
	p.registerPrefix(FALSE, p.parseBooleanLiteral)
	p.registerPrefix(NOT, p.parsePrefixExpression)
	p.registerPrefix(MINUS, p.parsePrefixExpression)
	p.registerPrefix(LPAREN, p.parseGroupedExpression)

	p.infixParseFns = make(map[TokenType]infixParseFn)
	for _, t := range []TokenType{PLUS, MINUS, ASTERISK, SLASH, PERCENT, EQ, NOT_EQ, LT, GT, LTE, GTE, AND, OR} {
		p.registerInfix(t, p.parseInfixExpression)
	}
	p.registerInfix(POW, p.parsePowerExpression)
	p.registerInfix(LPAREN, p.parseCallExpression)
	p.registerInfix(IF, p.parseConditionalExpression)

	// Read two tokens, so curToken and peekToken are both set
	p.nextToken()
	p.nextToken()

	return p
}

func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.l.NextToken()
}

func (p *Parser) parseExpression(precedence int) Expression {
	if p.err != nil {
		return nil
	}

	p.depth++
	defer func() { p.depth-- }()
	if p.depth > p.limits.MaxDepth {
		p.errorAt(p.curToken, fmt.Sprintf("expression nesting exceeds maximum depth of %d", p.limits.MaxDepth))
		return nil
	}

	prefix := p.prefixParseFns[p.curToken.Type]
	if prefix == nil {
		p.errorAt(p.curToken, "unexpected token")
		return nil
	}
	leftExp := prefix()

	for p.err == nil && precedence < p.peekPrecedence() {
		infix := p.infixParseFns[p.peekToken.Type]
		if infix == nil {
			return leftExp
		}

		p.nextToken()

		leftExp = infix(leftExp)
	}

	return leftExp
}

func (p *Parser) parseIdentifier() Expression {
	return &Identifier{Token: p.curToken, Value: p.curToken.Literal}
}

func (p *Parser) parseIntegerLiteral() Expression {
	lit := &IntegerLiteral{Token: p.curToken}

	value, err := strconv.ParseInt(p.curToken.Literal, 10, 64)
	if err != nil {
		p.errorAt(p.curToken, "could not parse integer literal")
		return nil
	}

	lit.Value = value
	return lit
}

func (p *Parser) parseFloatLiteral() Expression {
	lit := &FloatLiteral{Token: p.curToken}

	value, err := strconv.ParseFloat(p.curToken.Literal, 64)
	if err != nil {
		p.errorAt(p.curToken, "could not parse float literal")
		return nil
	}

	lit.Value = value
	return lit
}

func (p *Parser) parseStringLiteral() Expression {
	return &StringLiteral{Token: p.curToken, Value: p.curToken.Literal}
}

func (p *Parser) parseBooleanLiteral() Expression {
	return &BooleanLiteral{Token: p.curToken, Value: p.curToken.Type == TRUE}
}

func (p *Parser) parsePrefixExpression() Expression {
	expression := &PrefixExpression{
		Token:    p.curToken,
		Operator: p.curToken.Literal,
	}

	p.nextToken()

	expression.Right = p.parseExpression(PREFIX)
	if expression.Right == nil {
		return nil
	}

	return expression
}

func (p *Parser) parseInfixExpression(left Expression) Expression {
	expression := &InfixExpression{
		Token:    p.curToken,
		Left:     left,
		Operator: p.curToken.Literal,
	}

	precedence := p.curPrecedence()
	p.nextToken()
	expression.Right = p.parseExpression(precedence)
	if expression.Right == nil {
		return nil
	}

	return expression
}

// parsePowerExpression binds right-associatively: 2^3^2 is 2^(3^2).
func (p *Parser) parsePowerExpression(left Expression) Expression {
	expression := &InfixExpression{
		Token:    p.curToken,
		Left:     left,
		Operator: "^",
	}

	p.nextToken()
	expression.Right = p.parseExpression(POWER - 1)
	if expression.Right == nil {
		return nil
	}

	return expression
}

// parseConditionalExpression handles `value if condition else alternative`.
// The else branch parses at CONDITIONAL precedence so chained conditionals
// associate to the right.
func (p *Parser) parseConditionalExpression(value Expression) Expression {
	expression := &ConditionalExpression{
		Token: p.curToken,
		Value: value,
	}

	p.nextToken()
	expression.Condition = p.parseExpression(CONDITIONAL)
	if expression.Condition == nil {
		return nil
	}

	if !p.expectPeek(ELSE) {
		return nil
	}

	p.nextToken()
	expression.Alternative = p.parseExpression(CONDITIONAL - 1)
	if expression.Alternative == nil {
		return nil
	}

	return expression
}

func (p *Parser) parseGroupedExpression() Expression {
	p.nextToken()

	exp := p.parseExpression(LOWEST)
	if exp == nil {
		return nil
	}

	if !p.expectPeek(RPAREN) {
		return nil
	}

	return exp
}

func (p *Parser) parseCallExpression(fn Expression) Expression {
	ident, ok := fn.(*Identifier)
	if !ok {
		p.errorAt(p.curToken, "only named functions can be called")
		return nil
	}

	exp := &CallExpression{Token: p.curToken, Function: ident.Value}
	exp.Arguments = p.parseExpressionList(RPAREN)
	if p.err != nil {
		return nil
	}
	return exp
}

func (p *Parser) parseExpressionList(end TokenType) []Expression {
	var args []Expression

	if p.peekTokenIs(end) {
		p.nextToken()
		return args
	}

	p.nextToken()
	arg := p.parseExpression(LOWEST)
	if arg == nil {
		return nil
	}
	args = append(args, arg)

	for p.peekTokenIs(COMMA) {
		p.nextToken()
		p.nextToken()
		arg := p.parseExpression(LOWEST)
		if arg == nil {
			return nil
		}
		args = append(args, arg)
	}

	if !p.expectPeek(end) {
		return nil
	}

	return args
}

func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) peekTokenIs(t TokenType) bool {
	return p.peekToken.Type == t
}

func (p *Parser) expectPeek(t TokenType) bool {
	if p.peekTokenIs(t) {
		p.nextToken()
		return true
	}
	p.errorAt(p.peekToken, fmt.Sprintf("expected %s", t))
	return false
}

// errorAt records the first error encountered; later errors are usually
// cascades of the first and are discarded.
func (p *Parser) errorAt(tok Token, msg string) {
	if p.err != nil {
		return
	}
	p.err = &ParseError{
		Message:  msg,
		Token:    tok.Literal,
		Position: tok.Position,
		Line:     tok.Line,
		Column:   tok.Column,
	}
}

func (p *Parser) peekPrecedence() int {
	if prec, ok := precedences[p.peekToken.Type]; ok {
		return prec
	}
	return LOWEST
}

func (p *Parser) curPrecedence() int {
	if prec, ok := precedences[p.curToken.Type]; ok {
		return prec
	}
	return LOWEST
}

func (p *Parser) registerPrefix(tokenType TokenType, fn prefixParseFn) {
	p.prefixParseFns[tokenType] = fn
}

func (p *Parser) registerInfix(tokenType TokenType, fn infixParseFn) {
	p.infixParseFns[tokenType] = fn
}
