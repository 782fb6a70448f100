package dsl

import (
	"fmt"
	"strconv"
	"strings"
)

// Program is the root of a parsed plan. It holds the top-level statement
// list and the original source text for provenance.
type Program struct {
	Statements []Statement
	Source     string
}

// Statement is a single plan statement. The variant set is closed:
// Assign, TaskCall, If, For and Retry.
type Statement interface {
	stmtNode()

	// Line returns the 1-based source line of the statement.
	Line() int
}

// Assign binds the result of a task call to a handle. The plan language
// only permits task calls on the right-hand side of an assignment.
type Assign struct {
	// Target is the handle name; unique within its enclosing scope.
	Target string

	// Call is the task invocation whose result the handle names.
	Call *TaskCall

	Lineno int
}

// TaskCall invokes a named task with keyword arguments. It appears as a
// bare statement or as the right-hand side of an Assign.
type TaskCall struct {
	// Name is the task reference dispatched to the Task Runner.
	Name string

	// Args are the keyword arguments in source order.
	Args []Arg

	Lineno int
}

// Arg is a single keyword argument of a task call.
type Arg struct {
	Key   string
	Value Expr
}

// If is a two-way branch on a condition expression.
type If struct {
	Cond   Expr
	Then   []Statement
	Else   []Statement // nil when no else block is present
	Lineno int
}

// For iterates a bound variable over an iterable expression.
type For struct {
	Var      string
	Iterable Expr
	Body     []Statement
	Lineno   int
}

// Retry executes its body up to Attempts times with exponential backoff.
type Retry struct {
	// Attempts is the total number of attempts, including the first.
	Attempts int

	// Backoff is the base delay in seconds between attempts. Zero means
	// no delay.
	Backoff int

	Body   []Statement
	Lineno int
}

func (*Assign) stmtNode()   {}
func (*TaskCall) stmtNode() {}
func (*If) stmtNode()       {}
func (*For) stmtNode()      {}
func (*Retry) stmtNode()    {}

func (s *Assign) Line() int   { return s.Lineno }
func (s *TaskCall) Line() int { return s.Lineno }
func (s *If) Line() int       { return s.Lineno }
func (s *For) Line() int      { return s.Lineno }
func (s *Retry) Line() int    { return s.Lineno }

// Expr is a node of the restricted expression sub-grammar: literals,
// variable references, dotted attribute paths, comparisons, membership
// and boolean composition. Function calls are not representable.
type Expr interface {
	exprNode()

	// Line returns the 1-based source line of the expression.
	Line() int

	// String reconstructs canonical source text for the expression.
	// The rendering is deterministic and round-trips through ParseExpr.
	String() string
}

// LiteralKind discriminates the typed value carried by a Literal.
type LiteralKind string

const (
	// LiteralString is a quoted string. The parser strips exactly one
	// layer of matching quotes before the value reaches the AST.
	LiteralString LiteralKind = "string"

	// LiteralNumber is an integer or decimal number, stored as float64.
	LiteralNumber LiteralKind = "number"

	// LiteralBool is true or false.
	LiteralBool LiteralKind = "bool"
)

// Literal is a typed constant produced once by the parser. No later
// re-parsing of the textual form is ever needed.
type Literal struct {
	Kind   LiteralKind
	Str    string
	Num    float64
	Bool   bool
	Lineno int
}

// Value returns the literal as a plain Go value.
func (l *Literal) Value() interface{} {
	switch l.Kind {
	case LiteralString:
		return l.Str
	case LiteralNumber:
		return l.Num
	case LiteralBool:
		return l.Bool
	}
	return nil
}

// VarRef references a handle bound by a preceding assignment or a loop
// variable in scope.
type VarRef struct {
	Name   string
	Lineno int
}

// AttrRef is a dotted attribute path rooted at a handle, e.g.
// "t1.result.code". Base is the handle, Path the remaining segments.
type AttrRef struct {
	Base   string
	Path   []string
	Lineno int
}

// BinaryOp enumerates the closed operator set of the expression grammar.
type BinaryOp string

const (
	OpEq  BinaryOp = "=="
	OpNe  BinaryOp = "!="
	OpLt  BinaryOp = "<"
	OpGt  BinaryOp = ">"
	OpLe  BinaryOp = "<="
	OpGe  BinaryOp = ">="
	OpIn  BinaryOp = "in"
	OpAnd BinaryOp = "and"
	OpOr  BinaryOp = "or"
)

// Binary combines two sub-expressions with a comparison, membership or
// boolean operator.
type Binary struct {
	Op     BinaryOp
	LHS    Expr
	RHS    Expr
	Lineno int
}

func (*Literal) exprNode() {}
func (*VarRef) exprNode()  {}
func (*AttrRef) exprNode() {}
func (*Binary) exprNode()  {}

func (e *Literal) Line() int { return e.Lineno }
func (e *VarRef) Line() int  { return e.Lineno }
func (e *AttrRef) Line() int { return e.Lineno }
func (e *Binary) Line() int  { return e.Lineno }

// String renders the literal in canonical source form.
func (e *Literal) String() string {
	switch e.Kind {
	case LiteralString:
		return strconv.Quote(e.Str)
	case LiteralNumber:
		return strconv.FormatFloat(e.Num, 'f', -1, 64)
	case LiteralBool:
		return strconv.FormatBool(e.Bool)
	}
	return ""
}

func (e *VarRef) String() string { return e.Name }

func (e *AttrRef) String() string {
	return e.Base + "." + strings.Join(e.Path, ".")
}

func (e *Binary) String() string {
	return fmt.Sprintf("%s %s %s", e.LHS, e.Op, e.RHS)
}
