// Package engine provides the core types for the Skein plan execution
// engine: the control-flow graph, the AST-to-CFG compiler, the run-time
// state store, and the queue-driven scheduler with its loop and retry
// controllers.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an engine error for propagation and recovery
// decisions. The taxonomy is closed.
type ErrorKind string

const (
	// KindParse indicates malformed plan source; no graph exists.
	KindParse ErrorKind = "parse"

	// KindValidation indicates a semantically unsound AST; compilation
	// never starts.
	KindValidation ErrorKind = "validation"

	// KindCompile indicates an internal invariant violation while
	// compiling a validated AST. This is a defect, not a user error.
	KindCompile ErrorKind = "compile"

	// KindConditionEval indicates an unsafe or unresolvable expression
	// at run time. Never retried; always terminates the run.
	KindConditionEval ErrorKind = "condition_eval"

	// KindRuntimeTask indicates a Task Runner failure.
	KindRuntimeTask ErrorKind = "runtime_task"

	// KindRetryExhausted indicates a retry scope ran out of attempts.
	KindRetryExhausted ErrorKind = "retry_exhausted"

	// KindLoopLimit indicates a runaway loop breached the hard
	// iteration cap. Always terminates the run.
	KindLoopLimit ErrorKind = "loop_limit"

	// KindCancelled indicates the run was cancelled by its context.
	KindCancelled ErrorKind = "cancelled"

	// KindPolicyDenied indicates the policy gate rejected a task
	// dispatch. Treated as a task failure with a distinguishable kind.
	KindPolicyDenied ErrorKind = "policy_denied"

	// KindNotFound indicates a missing record, plan or node.
	KindNotFound ErrorKind = "not_found"

	// KindInternal indicates an unexpected engine defect.
	KindInternal ErrorKind = "internal"
)

// Error is the classified error type used throughout the engine. Every
// terminal failure carries the node id and kind needed to reconstruct
// what happened from the event stream alone.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// NodeID is the originating CFG node, if applicable.
	NodeID string `json:"node_id,omitempty"`

	// PlanID is the plan being executed, if applicable.
	PlanID string `json:"plan_id,omitempty"`

	// Err is the underlying error, if any.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.NodeID != "" {
		msg = fmt.Sprintf("%s (node=%s)", msg, e.NodeID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind so errors.Is can test classifications.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a classified error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithNode attaches the originating node id.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithPlan attaches the plan id.
func (e *Error) WithPlan(planID string) *Error {
	e.PlanID = planID
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the classification of err, or KindInternal when err is
// not a classified engine error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a classified engine error of the given
// kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// asEngineError coerces err into a classified error, wrapping foreign
// errors with the given default kind.
func asEngineError(err error, kind ErrorKind) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(kind, err.Error(), err)
}
