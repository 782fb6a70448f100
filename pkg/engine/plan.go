package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skein-run/skein/pkg/dsl"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanCreated   PlanStatus = "created"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// Plan is a compiled plan: the original source, its control-flow graph,
// and lifecycle metadata. The graph is immutable after compilation; the
// status advances Created -> Running -> Completed|Failed. A cancelled
// run finishes Failed with a cancellation reason.
type Plan struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	Source    string            `json:"source"`
	Graph     *Graph            `json:"graph"`
	Status    PlanStatus        `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Compile runs the full front end: parse the source, validate the AST,
// and lower it to a graph. The returned plan is in Created state.
func Compile(source string) (*Plan, error) {
	prog, err := dsl.Parse(source)
	if err != nil {
		return nil, NewError(KindParse, "plan source does not parse", err)
	}
	if err := dsl.Check(prog); err != nil {
		return nil, NewError(KindValidation, "plan failed validation", err)
	}
	graph, err := CompileGraph(prog)
	if err != nil {
		return nil, err
	}
	return &Plan{
		ID:        uuid.NewString(),
		Source:    source,
		Graph:     graph,
		Status:    PlanCreated,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Lint parses and validates without compiling, returning every
// diagnostic instead of stopping at the first error.
func Lint(source string) ([]dsl.Diagnostic, error) {
	prog, err := dsl.Parse(source)
	if err != nil {
		return nil, NewError(KindParse, "plan source does not parse", err)
	}
	return dsl.Validate(prog), nil
}

// CanonicalHash identifies the plan by its graph content, not its id:
// two plans compiled from the same source share a hash.
func (p *Plan) CanonicalHash() (string, error) {
	return p.Graph.CanonicalHash()
}

// Summary describes a graph for listings and logs.
type Summary struct {
	Nodes     int            `json:"nodes"`
	Kinds     map[string]int `json:"kinds"`
	Tasks     []string       `json:"tasks"`
	Decisions int            `json:"decisions"`
	Loops     int            `json:"loops"`
	Retries   int            `json:"retries"`
}

// Summarize counts the plan's nodes by kind and lists its task names
// in id order.
func (p *Plan) Summarize() Summary {
	s := Summary{Kinds: make(map[string]int)}
	for _, id := range p.Graph.sortedNodeIDs() {
		node := p.Graph.Nodes[id]
		s.Nodes++
		s.Kinds[string(node.Kind())]++
		switch node.Kind() {
		case KindTask:
			s.Tasks = append(s.Tasks, node.Name())
		case KindDecision:
			s.Decisions++
		case KindLoop:
			s.Loops++
		case KindRetry:
			s.Retries++
		}
	}
	return s
}

func (p *Plan) String() string {
	return fmt.Sprintf("plan %s (%s, %d nodes)", p.ID, p.Status, len(p.Graph.Nodes))
}
