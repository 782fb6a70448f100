package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// DefaultMaxSteps is the per-run dispatch budget. The loop ceiling
// bounds every individual loop; this is the last-resort guard against a
// runaway walk.
const DefaultMaxSteps = 1_000_000

// SchedulerConfig wires a scheduler. Runner is required; everything
// else has a working default.
type SchedulerConfig struct {
	Runner   TaskRunner
	Policy   PolicyCheck
	Events   EventPublisher
	Logger   zerolog.Logger
	Workers  int
	MaxSteps int
}

// Scheduler walks a compiled graph breadth-first from its start node.
// Traversal is single-threaded: one node is dispatched at a time, and
// per node the order is fixed: state record first, then events, then
// successors enqueued. Task execution itself runs on a bounded worker
// pool.
type Scheduler struct {
	plan    *Plan
	graph   *Graph
	store   *StateStore
	events  EventPublisher
	runner  TaskRunner
	policy  PolicyCheck
	pool    *WorkerPool
	loops   *LoopController
	retries *RetryController
	log     zerolog.Logger

	maxSteps int

	// retryScope maps each node to the innermost retry node guarding
	// it; successOf maps a retry block's success join back to its retry
	// node.
	retryScope map[string]string
	successOf  map[string]string

	// loopVars holds a stack of values per variable name so a nested
	// loop reusing an outer loop's name shadows it for the body and
	// restores it on exit. loopBound marks which loop nodes currently
	// hold the top binding for their variable.
	loopVars  map[string][]any
	loopBound map[string]bool
	failure   *Error
}

// NewScheduler prepares a run for the plan. The plan must be in
// Created state with a validated graph.
func NewScheduler(plan *Plan, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, NewError(KindInternal, "scheduler needs a task runner", nil)
	}
	events := cfg.Events
	if events == nil {
		events = NewBroker()
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	store := NewStateStore(plan.Graph)
	s := &Scheduler{
		plan:       plan,
		graph:      plan.Graph,
		store:      store,
		events:     events,
		runner:     cfg.Runner,
		policy:     cfg.Policy,
		pool:       NewWorkerPool(cfg.Workers),
		loops:      NewLoopController(store),
		retries:    NewRetryController(store),
		log:        cfg.Logger.With().Str("plan_id", plan.ID).Logger(),
		maxSteps:   maxSteps,
		retryScope: make(map[string]string),
		successOf:  make(map[string]string),
		loopVars:   make(map[string][]any),
		loopBound:  make(map[string]bool),
	}
	s.indexRetryScopes()
	return s, nil
}

// indexRetryScopes records, for every node inside a retry chain, the
// innermost retry node guarding it. Nested retries win by having the
// smaller chain.
func (s *Scheduler) indexRetryScopes() {
	for _, node := range s.graph.Nodes {
		retry, ok := node.(*RetryNode)
		if !ok {
			continue
		}
		s.successOf[retry.Success] = retry.NodeID
		for _, id := range retry.ChainNodes {
			if prev, claimed := s.retryScope[id]; claimed {
				prevChain := s.graph.Nodes[prev].(*RetryNode).ChainNodes
				if len(prevChain) <= len(retry.ChainNodes) {
					continue
				}
			}
			s.retryScope[id] = retry.NodeID
		}
	}
}

// Store exposes the run's state records, for inspection after Run.
func (s *Scheduler) Store() *StateStore {
	return s.store
}

// Run executes the plan to completion. It returns nil when the plan
// completes, and the failure otherwise; Plan.Status reflects the
// outcome either way.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.pool.Wait()

	s.plan.Status = PlanRunning
	hash, err := s.graph.CanonicalHash()
	if err != nil {
		return s.fail(asEngineError(err, KindInternal))
	}
	s.publish(EventPlanCreated, "", map[string]any{
		"graph_hash": hash,
		"nodes":      len(s.graph.Nodes),
	})
	s.log.Info().Str("graph_hash", hash).Int("nodes", len(s.graph.Nodes)).Msg("plan run starting")

	queue := []string{s.graph.Entry}
	steps := 0
	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return s.fail(NewError(KindCancelled, "run cancelled", ctx.Err()).WithPlan(s.plan.ID))
		default:
		}
		steps++
		if steps > s.maxSteps {
			return s.fail(NewError(KindLoopLimit,
				fmt.Sprintf("run exceeded %d dispatches", s.maxSteps), nil).WithPlan(s.plan.ID))
		}

		id := queue[0]
		queue = queue[1:]
		node := s.graph.Nodes[id]
		if node == nil {
			return s.fail(NewError(KindInternal, fmt.Sprintf("queued unknown node %q", id), nil))
		}

		next, err := s.dispatch(ctx, node)
		if err != nil {
			return s.fail(asEngineError(err, KindInternal))
		}
		queue = append(queue, next...)
	}

	if s.failure != nil {
		return s.fail(s.failure)
	}
	s.plan.Status = PlanCompleted
	s.publish(EventPlanCompleted, "", map[string]any{"dispatches": steps})
	s.log.Info().Int("dispatches", steps).Msg("plan completed")
	return nil
}

// fail finalizes a failed run: plan status, terminal event, log.
func (s *Scheduler) fail(cause *Error) error {
	s.plan.Status = PlanFailed
	s.publish(EventPlanFailed, "", map[string]any{
		"reason":  string(cause.Kind),
		"message": cause.Message,
	})
	s.log.Error().Str("reason", string(cause.Kind)).Msg(cause.Message)
	return cause
}

func (s *Scheduler) dispatch(ctx context.Context, node Node) ([]string, error) {
	switch n := node.(type) {
	case *StartNode:
		if err := s.store.MarkCompleted(n.NodeID, nil); err != nil {
			return nil, err
		}
		return []string{n.Next}, nil

	case *EndNode:
		return nil, s.store.MarkCompleted(n.NodeID, nil)

	case *NoOpNode:
		return s.dispatchNoOp(n)

	case *TaskNode:
		return s.dispatchTask(ctx, n)

	case *DecisionNode:
		return s.dispatchDecision(n)

	case *LoopNode:
		return s.dispatchLoop(n)

	case *RetryNode:
		return s.dispatchRetry(ctx, n)

	default:
		return nil, NewError(KindInternal,
			fmt.Sprintf("no dispatch for %s node", node.Kind()), nil).WithNode(node.ID())
	}
}

// dispatchNoOp passes through. A retry block's success join also
// closes its retry node out as completed.
func (s *Scheduler) dispatchNoOp(n *NoOpNode) ([]string, error) {
	if err := s.store.MarkCompleted(n.NodeID, nil); err != nil {
		return nil, err
	}
	if retryID, ok := s.successOf[n.NodeID]; ok {
		if err := s.store.MarkCompleted(retryID, nil); err != nil {
			return nil, err
		}
		s.publish(EventNodeFinished, retryID, map[string]any{"status": string(StatusCompleted)})
	}
	return []string{n.Next}, nil
}

func (s *Scheduler) dispatchTask(ctx context.Context, n *TaskNode) ([]string, error) {
	if err := s.store.MarkRunning(n.NodeID); err != nil {
		return nil, err
	}
	s.publish(EventNodeStarted, n.NodeID, nil)
	s.publish(EventTaskStarted, n.NodeID, map[string]any{"task_ref": n.TaskRef})

	args, err := s.resolveArgs(n)
	if err != nil {
		// Argument expressions follow condition rules; a bad one fails
		// the plan, not just the task.
		return nil, err
	}
	inv := TaskInvocation{
		PlanID:  s.plan.ID,
		NodeID:  n.NodeID,
		Name:    n.NodeName,
		TaskRef: n.TaskRef,
		Args:    args,
		Attempt: s.attemptFor(n.NodeID),
	}

	result, runErr := s.invoke(ctx, inv)
	if runErr != nil {
		taskErr := asEngineError(runErr, KindRuntimeTask).WithNode(n.NodeID)
		if taskErr.Kind == KindCancelled {
			return nil, taskErr
		}
		if err := s.store.MarkFailed(n.NodeID, taskErr); err != nil {
			return nil, err
		}
		s.publish(EventTaskFinished, n.NodeID, map[string]any{
			"status": string(StatusFailed),
			"error":  taskErr.Error(),
		})
		s.publish(EventNodeFinished, n.NodeID, map[string]any{"status": string(StatusFailed)})

		if retryID, guarded := s.retryScope[n.NodeID]; guarded {
			s.log.Warn().Str("node_id", n.NodeID).Str("retry", retryID).
				Err(taskErr).Msg("task failed inside retry scope")
			return []string{retryID}, nil
		}
		return nil, taskErr
	}

	if err := s.store.MarkCompleted(n.NodeID, result); err != nil {
		return nil, err
	}
	s.publish(EventTaskFinished, n.NodeID, map[string]any{"status": string(StatusCompleted)})
	s.publish(EventNodeFinished, n.NodeID, map[string]any{"status": string(StatusCompleted)})
	return []string{n.Next}, nil
}

// invoke runs the policy gate and then the task on the worker pool.
func (s *Scheduler) invoke(ctx context.Context, inv TaskInvocation) (any, error) {
	if s.policy != nil {
		if err := s.policy.Allow(ctx, inv); err != nil {
			return nil, NewError(KindPolicyDenied,
				fmt.Sprintf("policy denied task %q", inv.TaskRef), err)
		}
	}
	return s.pool.Do(ctx, func(ctx context.Context) (any, error) {
		return s.runner.Run(ctx, inv)
	})
}

func (s *Scheduler) resolveArgs(n *TaskNode) (map[string]any, error) {
	if len(n.Args) == 0 {
		return nil, nil
	}
	eval := s.evaluator()
	args := make(map[string]any, len(n.Args))
	for key, expr := range n.Args {
		v, err := eval.Eval(expr)
		if err != nil {
			return nil, asEngineError(err, KindConditionEval).WithNode(n.NodeID)
		}
		args[key] = v
	}
	return args, nil
}

// attemptFor reports which attempt of the guarding retry block this
// dispatch belongs to, or 1 when unguarded.
func (s *Scheduler) attemptFor(nodeID string) int {
	retryID, ok := s.retryScope[nodeID]
	if !ok {
		return 1
	}
	rec, err := s.store.Get(retryID)
	if err != nil || rec.AttemptCount() == 0 {
		return 1
	}
	return rec.AttemptCount()
}

func (s *Scheduler) dispatchDecision(n *DecisionNode) ([]string, error) {
	if err := s.store.MarkRunning(n.NodeID); err != nil {
		return nil, err
	}
	s.publish(EventNodeStarted, n.NodeID, nil)

	outcome, err := s.evaluator().EvalBool(n.Cond)
	if err != nil {
		return nil, asEngineError(err, KindConditionEval).WithNode(n.NodeID)
	}
	if err := s.store.MarkCompleted(n.NodeID, outcome); err != nil {
		return nil, err
	}
	target := n.False
	if outcome {
		target = n.True
	}
	s.publish(EventDecisionTaken, n.NodeID, map[string]any{
		"condition": n.Cond.String(),
		"outcome":   outcome,
		"target":    target,
	})
	s.publish(EventNodeFinished, n.NodeID, map[string]any{"status": string(StatusCompleted)})
	return []string{target}, nil
}

func (s *Scheduler) dispatchLoop(n *LoopNode) ([]string, error) {
	rec, err := s.store.Get(n.NodeID)
	if err != nil {
		return nil, err
	}
	if rec.Status() == StatusPending {
		if err := s.store.MarkRunning(n.NodeID); err != nil {
			return nil, err
		}
		s.publish(EventNodeStarted, n.NodeID, nil)
	}

	step, err := s.loops.Step(n, s.evaluator())
	if err != nil {
		return nil, asEngineError(err, KindConditionEval).WithNode(n.NodeID)
	}
	if step.Enter {
		s.bindLoopVar(n, step.Value)
		s.loops.Forget(n.BodyNodes)
		s.retries.Forget(n.BodyNodes)
		s.publish(EventLoopIteration, n.NodeID, map[string]any{
			"iteration": step.Iteration,
			"var":       n.Var,
			"value":     step.Value,
		})
		return []string{n.Body}, nil
	}

	s.unbindLoopVar(n)
	iterations := rec.IterationCount()
	if err := s.store.MarkCompleted(n.NodeID, iterations); err != nil {
		return nil, err
	}
	payload := map[string]any{
		"status":     string(StatusCompleted),
		"iterations": iterations,
	}
	if step.Limited {
		payload["limited"] = true
		s.log.Warn().Str("node_id", n.NodeID).Int("iterations", iterations).
			Msg("loop stopped at iteration ceiling")
	}
	s.publish(EventNodeFinished, n.NodeID, payload)
	return []string{n.Exit}, nil
}

func (s *Scheduler) dispatchRetry(ctx context.Context, n *RetryNode) ([]string, error) {
	rec, err := s.store.Get(n.NodeID)
	if err != nil {
		return nil, err
	}
	if rec.Status() == StatusPending {
		if err := s.store.MarkRunning(n.NodeID); err != nil {
			return nil, err
		}
		s.publish(EventNodeStarted, n.NodeID, nil)
	}

	step, err := s.retries.Step(ctx, n)
	if err != nil {
		return nil, err
	}
	if step.Enter {
		s.loops.Forget(n.ChainNodes)
		s.retries.Forget(n.ChainNodes)
		s.publish(EventRetryAttempt, n.NodeID, map[string]any{
			"attempt":       step.Attempt,
			"max_attempts":  n.Attempts,
			"delay_seconds": step.Delay.Seconds(),
		})
		return []string{n.Attempt}, nil
	}

	exhausted := NewError(KindRetryExhausted,
		fmt.Sprintf("retry block failed after %d attempts", n.Attempts), nil).
		WithNode(n.NodeID).WithPlan(s.plan.ID)
	if err := s.store.MarkFailed(n.NodeID, exhausted); err != nil {
		return nil, err
	}
	s.publish(EventNodeFinished, n.NodeID, map[string]any{
		"status": string(StatusFailed),
		"error":  exhausted.Error(),
	})
	// The walk continues down the failure edge to the end node; the
	// terminal plan status reports this failure.
	if s.failure == nil {
		s.failure = exhausted
	}
	return []string{n.Failure}, nil
}

// bindLoopVar installs the iteration value for a loop entry. A loop
// already holding the binding for its variable updates it in place; a
// fresh activation pushes, shadowing any enclosing loop using the same
// name.
func (s *Scheduler) bindLoopVar(n *LoopNode, value any) {
	if s.loopBound[n.NodeID] {
		stack := s.loopVars[n.Var]
		stack[len(stack)-1] = value
		return
	}
	s.loopVars[n.Var] = append(s.loopVars[n.Var], value)
	s.loopBound[n.NodeID] = true
}

// unbindLoopVar pops the loop's binding on exit, restoring a shadowed
// outer value. A loop whose iterable was empty never bound anything
// and pops nothing.
func (s *Scheduler) unbindLoopVar(n *LoopNode) {
	if !s.loopBound[n.NodeID] {
		return
	}
	delete(s.loopBound, n.NodeID)
	stack := s.loopVars[n.Var]
	if len(stack) <= 1 {
		delete(s.loopVars, n.Var)
		return
	}
	s.loopVars[n.Var] = stack[:len(stack)-1]
}

func (s *Scheduler) evaluator() *Evaluator {
	eval := NewEvaluator(s.store)
	for name, stack := range s.loopVars {
		eval = eval.WithVar(name, stack[len(stack)-1])
	}
	return eval
}

func (s *Scheduler) publish(typ EventType, nodeID string, payload map[string]any) {
	evt := Event{Type: typ, PlanID: s.plan.ID, NodeID: nodeID, Payload: payload}
	if nodeID != "" {
		if node := s.graph.Nodes[nodeID]; node != nil {
			evt.NodeName = node.Name()
		}
	}
	s.events.Publish(evt)
}
