package dsl

import "fmt"

// ParseError reports a lexical or syntactic failure. Parsing is
// all-or-nothing: when a ParseError is returned no partial AST exists.
type ParseError struct {
	// Line is the 1-based source line of the offending construct.
	Line int

	// Message describes what went wrong.
	Message string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Message)
	}
	return fmt.Sprintf("parse error: %s", e.Message)
}

func parseErrorf(line int, format string, args ...interface{}) *ParseError {
	return &ParseError{Line: line, Message: fmt.Sprintf(format, args...)}
}

// Severity classifies a validator diagnostic.
type Severity string

const (
	// SeverityError marks a diagnostic that rejects the program.
	SeverityError Severity = "error"

	// SeverityWarning marks a diagnostic that is reported but does not
	// reject the program.
	SeverityWarning Severity = "warning"
)

// Diagnostic is a single validator finding. Diagnostics carry enough
// context (line + message) for an external rewrite loop to act on them.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Line     int      `json:"line"`
	Message  string   `json:"message"`
}

// String renders the diagnostic in "severity: line N: message" form.
func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("%s: line %d: %s", d.Severity, d.Line, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Severity, d.Message)
}

// ValidationError aggregates the error-severity diagnostics produced by
// Validate. Warnings never appear here.
type ValidationError struct {
	Diagnostics []Diagnostic
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Diagnostics) == 1 {
		return fmt.Sprintf("validation failed: %s", e.Diagnostics[0])
	}
	return fmt.Sprintf("validation failed with %d errors (first: %s)",
		len(e.Diagnostics), e.Diagnostics[0])
}
