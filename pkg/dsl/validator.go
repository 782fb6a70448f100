package dsl

import (
	"fmt"
	"regexp"
)

// maxRetryAttempts is the upper bound accepted for retry.attempts.
const maxRetryAttempts = 100

var validName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// Validate statically checks a parsed Program and returns the full list
// of diagnostics, warnings included. It never mutates the AST. Checks:
//
//   - every variable reference names a preceding assignment in scope
//     (loop variables are in scope within their loop body),
//   - assignment targets are unique within their enclosing scope and are
//     not reserved words,
//   - retry.attempts is within [1, 100],
//   - if/for/retry bodies are non-empty,
//   - handle and argument names are well-formed.
//
// The expression operator set is closed by construction: the parser only
// produces operators from the supported grammar.
func Validate(program *Program) []Diagnostic {
	v := &validator{}
	scope := newScope(nil)
	for _, stmt := range program.Statements {
		v.statement(stmt, scope)
	}
	return v.diags
}

// Check runs Validate and converts error-severity diagnostics into a
// *ValidationError. A program with only warnings passes.
func Check(program *Program) error {
	var errs []Diagnostic
	for _, d := range Validate(program) {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Diagnostics: errs}
	}
	return nil
}

type validator struct {
	diags []Diagnostic
}

func (v *validator) errorf(line int, format string, args ...interface{}) {
	v.diags = append(v.diags, Diagnostic{Severity: SeverityError, Line: line, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) warnf(line int, format string, args ...interface{}) {
	v.diags = append(v.diags, Diagnostic{Severity: SeverityWarning, Line: line, Message: fmt.Sprintf(format, args...)})
}

// scope tracks names defined on the current lexical path. Lookups walk
// outward; definitions land in the innermost scope.
type scope struct {
	parent *scope
	names  map[string]struct{}
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, names: make(map[string]struct{})}
}

func (s *scope) define(name string) {
	s.names[name] = struct{}{}
}

func (s *scope) definedHere(name string) bool {
	_, ok := s.names[name]
	return ok
}

func (s *scope) resolves(name string) bool {
	for cur := s; cur != nil; cur = cur.parent {
		if _, ok := cur.names[name]; ok {
			return true
		}
	}
	return false
}

func (v *validator) statement(stmt Statement, sc *scope) {
	switch s := stmt.(type) {
	case *Assign:
		v.assign(s, sc)
	case *TaskCall:
		v.taskCall(s, sc)
	case *If:
		v.ifStmt(s, sc)
	case *For:
		v.forStmt(s, sc)
	case *Retry:
		v.retryStmt(s, sc)
	default:
		v.errorf(stmt.Line(), "unsupported statement type %T", stmt)
	}
}

func (v *validator) assign(s *Assign, sc *scope) {
	switch {
	case IsKeyword(s.Target):
		v.errorf(s.Lineno, "reserved word %q used as assignment target", s.Target)
	case !validName.MatchString(s.Target):
		v.errorf(s.Lineno, "invalid assignment target %q", s.Target)
	case sc.definedHere(s.Target):
		v.errorf(s.Lineno, "duplicate assignment target %q in this scope", s.Target)
	}
	v.taskCall(s.Call, sc)
	// The handle becomes visible only after its defining assignment:
	// arguments of the call itself cannot reference it.
	sc.define(s.Target)
}

func (v *validator) taskCall(s *TaskCall, sc *scope) {
	if !validName.MatchString(s.Name) {
		v.errorf(s.Lineno, "invalid task name %q", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Args))
	for _, arg := range s.Args {
		if !validName.MatchString(arg.Key) {
			v.errorf(s.Lineno, "invalid argument name %q in call to %q", arg.Key, s.Name)
		}
		if _, dup := seen[arg.Key]; dup {
			v.errorf(s.Lineno, "duplicate argument %q in call to %q", arg.Key, s.Name)
		}
		seen[arg.Key] = struct{}{}
		v.expr(arg.Value, sc)
	}
}

func (v *validator) ifStmt(s *If, sc *scope) {
	v.expr(s.Cond, sc)
	if len(s.Then) == 0 {
		v.errorf(s.Lineno, "if statement has an empty body")
	}
	thenScope := newScope(sc)
	for _, stmt := range s.Then {
		v.statement(stmt, thenScope)
	}
	if s.Else != nil {
		if len(s.Else) == 0 {
			v.errorf(s.Lineno, "else branch has an empty body")
		}
		elseScope := newScope(sc)
		for _, stmt := range s.Else {
			v.statement(stmt, elseScope)
		}
	}
}

func (v *validator) forStmt(s *For, sc *scope) {
	if IsKeyword(s.Var) || !validName.MatchString(s.Var) {
		v.errorf(s.Lineno, "invalid loop variable %q", s.Var)
	}
	v.expr(s.Iterable, sc)
	if len(s.Body) == 0 {
		v.errorf(s.Lineno, "for loop has an empty body")
		return
	}
	bodyScope := newScope(sc)
	bodyScope.define(s.Var)
	for _, stmt := range s.Body {
		v.statement(stmt, bodyScope)
	}
}

func (v *validator) retryStmt(s *Retry, sc *scope) {
	if s.Attempts < 1 || s.Attempts > maxRetryAttempts {
		v.errorf(s.Lineno, "retry attempts must be between 1 and %d, found %d", maxRetryAttempts, s.Attempts)
	}
	if s.Backoff < 0 {
		v.errorf(s.Lineno, "retry backoff must not be negative, found %d", s.Backoff)
	}
	if len(s.Body) == 0 {
		v.errorf(s.Lineno, "retry block has an empty body")
		return
	}
	if s.Attempts == 1 {
		v.warnf(s.Lineno, "retry with attempts=1 never retries")
	}
	bodyScope := newScope(sc)
	for _, stmt := range s.Body {
		v.statement(stmt, bodyScope)
	}
}

func (v *validator) expr(e Expr, sc *scope) {
	switch x := e.(type) {
	case *Literal:
	case *VarRef:
		if !sc.resolves(x.Name) {
			v.errorf(x.Lineno, "reference to undefined variable %q", x.Name)
		}
	case *AttrRef:
		if !sc.resolves(x.Base) {
			v.errorf(x.Lineno, "reference to undefined handle %q", x.Base)
		}
	case *Binary:
		v.expr(x.LHS, sc)
		v.expr(x.RHS, sc)
	default:
		v.errorf(e.Line(), "unsupported expression type %T", e)
	}
}
