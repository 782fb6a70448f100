package dsl

import (
	"strconv"
)

// Parse compiles plan-language source into a Program. On malformed input
// it returns a *ParseError and no partial AST.
func Parse(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	stmts, err := p.parseStatements()
	if err != nil {
		return nil, err
	}
	if err := p.expect(TokenEOF); err != nil {
		return nil, err
	}
	if len(stmts) == 0 {
		return nil, parseErrorf(0, "empty plan: no statements")
	}
	return &Program{Statements: stmts, Source: src}, nil
}

// ParseExpr compiles a single expression from text using the restricted
// expression sub-grammar. Any construct outside the grammar, notably
// function calls, is rejected with a *ParseError.
func ParseExpr(text string) (Expr, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skip(TokenNewline)
	if p.peek().Kind != TokenEOF {
		t := p.peek()
		return nil, parseErrorf(t.Line, "unexpected %s after expression", t.Kind)
	}
	return expr, nil
}

type parser struct {
	toks []Token
	pos  int
}

func (p *parser) peek() Token {
	return p.toks[p.pos]
}

func (p *parser) next() Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) accept(kind TokenKind) (Token, bool) {
	if p.peek().Kind == kind {
		return p.next(), true
	}
	return Token{}, false
}

func (p *parser) skip(kind TokenKind) {
	for p.peek().Kind == kind {
		p.next()
	}
}

func (p *parser) expect(kind TokenKind) error {
	if p.peek().Kind != kind {
		t := p.peek()
		return parseErrorf(t.Line, "expected %s, found %s", kind, t.Kind)
	}
	p.next()
	return nil
}

// parseStatements consumes statements until a Dedent or EOF is seen.
func (p *parser) parseStatements() ([]Statement, error) {
	var stmts []Statement
	for {
		switch p.peek().Kind {
		case TokenEOF, TokenDedent:
			return stmts, nil
		case TokenNewline:
			p.next()
		default:
			stmt, err := p.parseStatement()
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, stmt)
		}
	}
}

func (p *parser) parseStatement() (Statement, error) {
	switch t := p.peek(); t.Kind {
	case TokenIf:
		return p.parseIf()
	case TokenFor:
		return p.parseFor()
	case TokenRetry:
		return p.parseRetry()
	case TokenName:
		return p.parseAssignOrCall()
	default:
		return nil, parseErrorf(t.Line, "unexpected %s at start of statement", t.Kind)
	}
}

// parseAssignOrCall handles "name = task(...)" and bare "task(...)".
func (p *parser) parseAssignOrCall() (Statement, error) {
	name := p.next()
	switch p.peek().Kind {
	case TokenAssign:
		p.next()
		callName, err := p.expectName("task name")
		if err != nil {
			return nil, err
		}
		call, err := p.parseCallTail(callName)
		if err != nil {
			return nil, err
		}
		if err := p.expectEndOfStatement(); err != nil {
			return nil, err
		}
		return &Assign{Target: name.Lit, Call: call, Lineno: name.Line}, nil
	case TokenLParen:
		call, err := p.parseCallTail(name)
		if err != nil {
			return nil, err
		}
		if err := p.expectEndOfStatement(); err != nil {
			return nil, err
		}
		return call, nil
	default:
		t := p.peek()
		return nil, parseErrorf(t.Line, "expected \"=\" or \"(\" after %q, found %s", name.Lit, t.Kind)
	}
}

// parseCallTail parses "(kw=value, ...)" after the call name.
func (p *parser) parseCallTail(name Token) (*TaskCall, error) {
	if err := p.expect(TokenLParen); err != nil {
		return nil, err
	}
	call := &TaskCall{Name: name.Lit, Lineno: name.Line}
	if _, ok := p.accept(TokenRParen); ok {
		return call, nil
	}
	for {
		key, err := p.expectName("argument name")
		if err != nil {
			return nil, err
		}
		if err := p.expect(TokenAssign); err != nil {
			return nil, err
		}
		value, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, Arg{Key: key.Lit, Value: value})
		if _, ok := p.accept(TokenComma); ok {
			continue
		}
		if err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		return call, nil
	}
}

func (p *parser) parseIf() (*If, error) {
	kw := p.next() // "if"
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	then, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	stmt := &If{Cond: cond, Then: then, Lineno: kw.Line}
	p.skip(TokenNewline)
	if _, ok := p.accept(TokenElse); ok {
		orelse, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		stmt.Else = orelse
	}
	return stmt, nil
}

func (p *parser) parseFor() (*For, error) {
	kw := p.next() // "for"
	loopVar, err := p.expectName("loop variable")
	if err != nil {
		return nil, err
	}
	if err := p.expect(TokenIn); err != nil {
		return nil, err
	}
	iterable, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &For{Var: loopVar.Lit, Iterable: iterable, Body: body, Lineno: kw.Line}, nil
}

// parseRetry parses "retry attempts=<int> [backoff=<int>]: <block>".
func (p *parser) parseRetry() (*Retry, error) {
	kw := p.next() // "retry"
	stmt := &Retry{Attempts: 1, Lineno: kw.Line}
	seenAttempts := false
	for p.peek().Kind == TokenName {
		param := p.next()
		if err := p.expect(TokenAssign); err != nil {
			return nil, err
		}
		num, err := p.expectInt(param.Line)
		if err != nil {
			return nil, err
		}
		switch param.Lit {
		case "attempts":
			stmt.Attempts = num
			seenAttempts = true
		case "backoff":
			stmt.Backoff = num
		default:
			return nil, parseErrorf(param.Line, "unknown retry parameter %q", param.Lit)
		}
	}
	if !seenAttempts {
		return nil, parseErrorf(kw.Line, "retry requires an attempts parameter")
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	stmt.Body = body
	return stmt, nil
}

// parseBlock parses ": NEWLINE INDENT statements DEDENT".
func (p *parser) parseBlock() ([]Statement, error) {
	if err := p.expect(TokenColon); err != nil {
		return nil, err
	}
	if err := p.expect(TokenNewline); err != nil {
		return nil, err
	}
	if err := p.expect(TokenIndent); err != nil {
		return nil, err
	}
	stmts, err := p.parseStatements()
	if err != nil {
		return nil, err
	}
	if err := p.expect(TokenDedent); err != nil {
		return nil, err
	}
	return stmts, nil
}

// Expression grammar, lowest to highest precedence:
//
//	expr       := and_expr { "or" and_expr }
//	and_expr   := comparison { "and" comparison }
//	comparison := primary [ cmp_op primary ]
//	primary    := literal | name { "." name } | "(" expr ")"
func (p *parser) parseExpr() (Expr, error) {
	lhs, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept(TokenOr)
		if !ok {
			return lhs, nil
		}
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lhs = &Binary{Op: OpOr, LHS: lhs, RHS: rhs, Lineno: op.Line}
	}
}

func (p *parser) parseAnd() (Expr, error) {
	lhs, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept(TokenAnd)
		if !ok {
			return lhs, nil
		}
		rhs, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		lhs = &Binary{Op: OpAnd, LHS: lhs, RHS: rhs, Lineno: op.Line}
	}
}

var comparisonOps = map[TokenKind]BinaryOp{
	TokenEq: OpEq,
	TokenNe: OpNe,
	TokenLt: OpLt,
	TokenGt: OpGt,
	TokenLe: OpLe,
	TokenGe: OpGe,
	TokenIn: OpIn,
}

func (p *parser) parseComparison() (Expr, error) {
	lhs, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	op, ok := comparisonOps[p.peek().Kind]
	if !ok {
		return lhs, nil
	}
	opTok := p.next()
	rhs, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return &Binary{Op: op, LHS: lhs, RHS: rhs, Lineno: opTok.Line}, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	switch t := p.peek(); t.Kind {
	case TokenString:
		p.next()
		return &Literal{Kind: LiteralString, Str: t.Lit, Lineno: t.Line}, nil
	case TokenNumber:
		p.next()
		num, err := strconv.ParseFloat(t.Lit, 64)
		if err != nil {
			return nil, parseErrorf(t.Line, "invalid number %q", t.Lit)
		}
		return &Literal{Kind: LiteralNumber, Num: num, Lineno: t.Line}, nil
	case TokenTrue, TokenFalse:
		p.next()
		return &Literal{Kind: LiteralBool, Bool: t.Kind == TokenTrue, Lineno: t.Line}, nil
	case TokenLParen:
		p.next()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		return inner, nil
	case TokenName:
		p.next()
		if p.peek().Kind == TokenLParen {
			return nil, parseErrorf(t.Line, "function calls are not allowed in expressions: %q", t.Lit)
		}
		var path []string
		for p.peek().Kind == TokenDot {
			p.next()
			seg, err := p.expectName("attribute name")
			if err != nil {
				return nil, err
			}
			path = append(path, seg.Lit)
		}
		if p.peek().Kind == TokenLParen {
			return nil, parseErrorf(t.Line, "function calls are not allowed in expressions: %q", t.Lit)
		}
		if len(path) == 0 {
			return &VarRef{Name: t.Lit, Lineno: t.Line}, nil
		}
		return &AttrRef{Base: t.Lit, Path: path, Lineno: t.Line}, nil
	default:
		return nil, parseErrorf(t.Line, "unexpected %s in expression", t.Kind)
	}
}

func (p *parser) expectName(what string) (Token, error) {
	t := p.peek()
	if t.Kind != TokenName {
		return Token{}, parseErrorf(t.Line, "expected %s, found %s", what, t.Kind)
	}
	return p.next(), nil
}

func (p *parser) expectInt(line int) (int, error) {
	t := p.peek()
	if t.Kind != TokenNumber {
		return 0, parseErrorf(t.Line, "expected integer, found %s", t.Kind)
	}
	p.next()
	num, err := strconv.Atoi(t.Lit)
	if err != nil {
		return 0, parseErrorf(line, "expected integer, found %q", t.Lit)
	}
	return num, nil
}

func (p *parser) expectEndOfStatement() error {
	switch t := p.peek(); t.Kind {
	case TokenNewline:
		p.next()
		return nil
	case TokenEOF, TokenDedent:
		return nil
	default:
		return parseErrorf(t.Line, "unexpected %s after statement", t.Kind)
	}
}
