package stores

import "time"

// PlanRecord is a persisted compiled plan. Graph holds the canonical
// JSON document; GraphHash is its sha256 digest, so identical sources
// can be deduplicated.
type PlanRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Source    string    `json:"source"`
	Graph     string    `json:"graph"`
	GraphHash string    `json:"graph_hash"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Run is one execution of a stored plan.
type Run struct {
	ID          string     `json:"id"`
	PlanID      string     `json:"plan_id"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
