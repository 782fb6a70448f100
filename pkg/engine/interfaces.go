package engine

import "context"

// TaskInvocation carries everything a runner needs for one dispatch.
// Args are fully resolved values; expression evaluation happened before
// the invocation was built.
type TaskInvocation struct {
	PlanID  string
	NodeID  string
	Name    string
	TaskRef string
	Args    map[string]any
	Attempt int
}

// TaskRunner executes task references. Implementations must honor
// context cancellation; the engine cancels the run context when a plan
// is stopped. The returned value becomes the node's result and is
// addressable from later conditions.
type TaskRunner interface {
	Run(ctx context.Context, inv TaskInvocation) (any, error)
}

// RunnerFunc adapts a function to the TaskRunner interface.
type RunnerFunc func(ctx context.Context, inv TaskInvocation) (any, error)

func (f RunnerFunc) Run(ctx context.Context, inv TaskInvocation) (any, error) {
	return f(ctx, inv)
}

// PolicyCheck gates task dispatch. A non-nil error denies the
// invocation; the scheduler records it as a policy_denied task failure
// rather than crashing the run machinery.
type PolicyCheck interface {
	Allow(ctx context.Context, inv TaskInvocation) error
}

// EventPublisher is the scheduler's view of the event broker.
type EventPublisher interface {
	Publish(Event) Event
}
