package policy

import "time"

// Severity grades a policy violation.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Policy is a named Rego module gating task dispatch. Only policies
// with error severity block execution; warnings are logged and waved
// through.
type Policy struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Severity    Severity  `json:"severity"`
	Enabled     bool      `json:"enabled"`
	Rego        string    `json:"rego"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// Violation is one deny result from a policy evaluation.
type Violation struct {
	Policy   string `json:"policy"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}
