package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

// recordingRunner dispatches on task ref and remembers every invocation
// in arrival order.
type recordingRunner struct {
	mu    sync.Mutex
	calls []TaskInvocation
	fns   map[string]func(TaskInvocation) (any, error)
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{fns: make(map[string]func(TaskInvocation) (any, error))}
}

func (r *recordingRunner) on(ref string, fn func(TaskInvocation) (any, error)) {
	r.fns[ref] = fn
}

func (r *recordingRunner) returns(ref string, result any) {
	r.on(ref, func(TaskInvocation) (any, error) { return result, nil })
}

func (r *recordingRunner) Run(ctx context.Context, inv TaskInvocation) (any, error) {
	r.mu.Lock()
	r.calls = append(r.calls, inv)
	r.mu.Unlock()
	fn, ok := r.fns[inv.TaskRef]
	if !ok {
		return map[string]any{}, nil
	}
	return fn(inv)
}

func (r *recordingRunner) callsTo(ref string) []TaskInvocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TaskInvocation
	for _, inv := range r.calls {
		if inv.TaskRef == ref {
			out = append(out, inv)
		}
	}
	return out
}

func newTestScheduler(t *testing.T, source string, runner TaskRunner, cfg SchedulerConfig) (*Scheduler, *Plan, *Broker) {
	t.Helper()
	plan, err := Compile(source)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	broker := NewBroker()
	cfg.Runner = runner
	cfg.Events = broker
	cfg.Logger = zerolog.Nop()
	sched, err := NewScheduler(plan, cfg)
	if err != nil {
		t.Fatalf("scheduler setup failed: %v", err)
	}
	return sched, plan, broker
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, evt := range events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func TestRunBranchTrue(t *testing.T) {
	runner := newRecordingRunner()
	runner.returns("probe", map[string]any{"code": float64(200)})
	sched, plan, broker := newTestScheduler(t, branchPlan, runner, SchedulerConfig{})

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if plan.Status != PlanCompleted {
		t.Errorf("plan status = %s, want completed", plan.Status)
	}
	if n := len(runner.callsTo("record")); n != 1 {
		t.Errorf("true branch ran %d times, want 1", n)
	}
	if n := len(runner.callsTo("alert")); n != 0 {
		t.Errorf("false branch ran %d times, want 0", n)
	}

	decisions := eventsOfType(broker.History(), EventDecisionTaken)
	if len(decisions) != 1 {
		t.Fatalf("decision events = %d, want 1", len(decisions))
	}
	if decisions[0].Payload["outcome"] != true {
		t.Errorf("decision outcome = %v, want true", decisions[0].Payload["outcome"])
	}

	// The untaken branch stays pending.
	rec, err := sched.Store().GetByName("bad")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if rec.Status() != StatusPending {
		t.Errorf("untaken branch status = %s, want pending", rec.Status())
	}
}

func TestRunBranchFalse(t *testing.T) {
	runner := newRecordingRunner()
	runner.returns("probe", map[string]any{"code": float64(503)})
	sched, _, _ := newTestScheduler(t, branchPlan, runner, SchedulerConfig{})

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if n := len(runner.callsTo("alert")); n != 1 {
		t.Errorf("false branch ran %d times, want 1", n)
	}
	if n := len(runner.callsTo("record")); n != 0 {
		t.Errorf("true branch ran %d times, want 0", n)
	}
}

const loopPlan = `hosts = discover()
for h in hosts.result.items:
    ping(target=h)
done = wrapup()
`

func TestRunLoopIterates(t *testing.T) {
	runner := newRecordingRunner()
	runner.returns("discover", map[string]any{"items": []any{"a", "b", "c"}})
	sched, plan, broker := newTestScheduler(t, loopPlan, runner, SchedulerConfig{})

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if plan.Status != PlanCompleted {
		t.Errorf("plan status = %s, want completed", plan.Status)
	}

	var targets []any
	for _, inv := range runner.callsTo("ping") {
		targets = append(targets, inv.Args["target"])
	}
	if diff := cmp.Diff([]any{"a", "b", "c"}, targets); diff != "" {
		t.Errorf("loop variable bindings mismatch (-want +got):\n%s", diff)
	}

	iterations := eventsOfType(broker.History(), EventLoopIteration)
	if len(iterations) != 3 {
		t.Fatalf("loop_iteration events = %d, want 3", len(iterations))
	}
	for i, evt := range iterations {
		if evt.Payload["iteration"] != i+1 {
			t.Errorf("iteration payload = %v, want %d", evt.Payload["iteration"], i+1)
		}
		if evt.Payload["var"] != "h" {
			t.Errorf("var payload = %v, want h", evt.Payload["var"])
		}
	}
	if n := len(runner.callsTo("wrapup")); n != 1 {
		t.Errorf("post-loop task ran %d times, want 1", n)
	}
}

const nestedLoopPlan = `seed = discover()
for x in seed.result.outer:
    for x in seed.result.inner:
        inner_step(v=x)
    outer_step(v=x)
done = wrapup()
`

func TestRunNestedLoopShadowsVariable(t *testing.T) {
	runner := newRecordingRunner()
	runner.returns("discover", map[string]any{
		"outer": []any{"o1", "o2"},
		"inner": []any{"i1", "i2"},
	})
	sched, plan, _ := newTestScheduler(t, nestedLoopPlan, runner, SchedulerConfig{})

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if plan.Status != PlanCompleted {
		t.Errorf("plan status = %s, want completed", plan.Status)
	}

	var outer []any
	for _, inv := range runner.callsTo("outer_step") {
		outer = append(outer, inv.Args["v"])
	}
	// The inner loop's exit restores the outer binding for the rest of
	// the outer body.
	if diff := cmp.Diff([]any{"o1", "o2"}, outer); diff != "" {
		t.Errorf("outer bindings mismatch (-want +got):\n%s", diff)
	}

	var inner []any
	for _, inv := range runner.callsTo("inner_step") {
		inner = append(inner, inv.Args["v"])
	}
	if diff := cmp.Diff([]any{"i1", "i2", "i1", "i2"}, inner); diff != "" {
		t.Errorf("inner bindings mismatch (-want +got):\n%s", diff)
	}
}

func TestRunEmptyNestedLoopKeepsOuterBinding(t *testing.T) {
	runner := newRecordingRunner()
	runner.returns("discover", map[string]any{
		"outer": []any{"o1"},
		"inner": []any{},
	})
	sched, plan, _ := newTestScheduler(t, nestedLoopPlan, runner, SchedulerConfig{})

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if plan.Status != PlanCompleted {
		t.Errorf("plan status = %s, want completed", plan.Status)
	}
	if n := len(runner.callsTo("inner_step")); n != 0 {
		t.Errorf("empty inner loop ran its body %d times", n)
	}
	calls := runner.callsTo("outer_step")
	if len(calls) != 1 || calls[0].Args["v"] != "o1" {
		t.Errorf("outer_step calls = %v, want one with v=o1", calls)
	}
}

func TestRunEmptyLoopTakesExit(t *testing.T) {
	runner := newRecordingRunner()
	runner.returns("discover", map[string]any{"items": []any{}})
	sched, plan, broker := newTestScheduler(t, loopPlan, runner, SchedulerConfig{})

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if plan.Status != PlanCompleted {
		t.Errorf("plan status = %s, want completed", plan.Status)
	}
	if n := len(runner.callsTo("ping")); n != 0 {
		t.Errorf("empty loop ran its body %d times", n)
	}
	if n := len(eventsOfType(broker.History(), EventLoopIteration)); n != 0 {
		t.Errorf("empty loop published %d iteration events", n)
	}
	if n := len(runner.callsTo("wrapup")); n != 1 {
		t.Errorf("post-loop task ran %d times, want 1", n)
	}
}

func TestRunLoopCeiling(t *testing.T) {
	runner := newRecordingRunner()
	runner.returns("discover", map[string]any{"items": []any{"a", "b", "c", "d", "e"}})
	sched, plan, broker := newTestScheduler(t, loopPlan, runner, SchedulerConfig{})

	for _, node := range plan.Graph.Nodes {
		if loop, ok := node.(*LoopNode); ok {
			loop.MaxIterations = 2
		}
	}

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if plan.Status != PlanCompleted {
		t.Errorf("plan status = %s, want completed", plan.Status)
	}
	if n := len(runner.callsTo("ping")); n != 2 {
		t.Errorf("ceiling of 2 allowed %d body entries", n)
	}

	var limitedFinish *Event
	for _, evt := range eventsOfType(broker.History(), EventNodeFinished) {
		if evt.Payload["limited"] == true {
			e := evt
			limitedFinish = &e
		}
	}
	if limitedFinish == nil {
		t.Fatal("no node_finished event carries the limited flag")
	}
	if limitedFinish.Payload["iterations"] != 2 {
		t.Errorf("iterations payload = %v, want 2", limitedFinish.Payload["iterations"])
	}
}

const retryPlan = `retry attempts=3:
    r = flaky()
done = wrapup()
`

func TestRunRetryRecovers(t *testing.T) {
	runner := newRecordingRunner()
	var calls int
	runner.on("flaky", func(inv TaskInvocation) (any, error) {
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("transient %d", calls)
		}
		return map[string]any{"ok": true}, nil
	})
	sched, plan, broker := newTestScheduler(t, retryPlan, runner, SchedulerConfig{})

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if plan.Status != PlanCompleted {
		t.Errorf("plan status = %s, want completed", plan.Status)
	}

	attempts := eventsOfType(broker.History(), EventRetryAttempt)
	if len(attempts) != 3 {
		t.Fatalf("retry_attempt events = %d, want 3", len(attempts))
	}
	for i, evt := range attempts {
		if evt.Payload["attempt"] != i+1 {
			t.Errorf("attempt payload = %v, want %d", evt.Payload["attempt"], i+1)
		}
	}

	// Each invocation carries its attempt number.
	var seen []int
	for _, inv := range runner.callsTo("flaky") {
		seen = append(seen, inv.Attempt)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, seen); diff != "" {
		t.Errorf("invocation attempts mismatch (-want +got):\n%s", diff)
	}
	if n := len(runner.callsTo("wrapup")); n != 1 {
		t.Errorf("post-retry task ran %d times, want 1", n)
	}
}

func TestRunRetryExhausted(t *testing.T) {
	runner := newRecordingRunner()
	runner.on("flaky", func(TaskInvocation) (any, error) {
		return nil, errors.New("always down")
	})
	sched, plan, broker := newTestScheduler(t, "retry attempts=2:\n    r = flaky()\ndone = wrapup()\n", runner, SchedulerConfig{})

	err := sched.Run(context.Background())
	if err == nil {
		t.Fatal("expected the run to fail")
	}
	if !IsKind(err, KindRetryExhausted) {
		t.Errorf("error kind = %s, want retry_exhausted", KindOf(err))
	}
	if plan.Status != PlanFailed {
		t.Errorf("plan status = %s, want failed", plan.Status)
	}

	if n := len(runner.callsTo("flaky")); n != 2 {
		t.Errorf("attempts=2 ran the task %d times", n)
	}
	if n := len(eventsOfType(broker.History(), EventRetryAttempt)); n != 2 {
		t.Errorf("retry_attempt events = %d, want 2", n)
	}

	// The failure edge bypasses statements after the retry block.
	if n := len(runner.callsTo("wrapup")); n != 0 {
		t.Errorf("post-retry task ran %d times after exhaustion", n)
	}

	history := broker.History()
	last := history[len(history)-1]
	if last.Type != EventPlanFailed {
		t.Errorf("final event = %s, want plan_failed", last.Type)
	}
	if last.Payload["reason"] != string(KindRetryExhausted) {
		t.Errorf("failure reason = %v, want retry_exhausted", last.Payload["reason"])
	}
}

func TestRunRetryBackoffDelays(t *testing.T) {
	runner := newRecordingRunner()
	runner.on("flaky", func(TaskInvocation) (any, error) {
		return nil, errors.New("always down")
	})
	sched, _, broker := newTestScheduler(t, "retry attempts=4 backoff=1:\n    r = flaky()\n", runner, SchedulerConfig{})

	var slept []time.Duration
	sched.retries.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := sched.Run(context.Background()); !IsKind(err, KindRetryExhausted) {
		t.Fatalf("run error = %v, want retry_exhausted", err)
	}

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	if diff := cmp.Diff(want, slept); diff != "" {
		t.Errorf("backoff delays mismatch (-want +got):\n%s", diff)
	}

	attempts := eventsOfType(broker.History(), EventRetryAttempt)
	prev := -1.0
	for _, evt := range attempts {
		d := evt.Payload["delay_seconds"].(float64)
		if d < prev {
			t.Errorf("delay %v decreased from %v", d, prev)
		}
		prev = d
	}
}

func TestBackoffMultiplierCap(t *testing.T) {
	if d := backoffDelay(1, 1); d != 0 {
		t.Errorf("first attempt delay = %v, want 0", d)
	}
	if d := backoffDelay(1, 8); d != 64*time.Second {
		t.Errorf("attempt 8 delay = %v, want 64s", d)
	}
	if d := backoffDelay(1, 50); d != 64*time.Second {
		t.Errorf("delay beyond the cap = %v, want 64s", d)
	}
}

func TestRunUnguardedFailureFailsPlan(t *testing.T) {
	runner := newRecordingRunner()
	runner.on("probe", func(TaskInvocation) (any, error) {
		return nil, errors.New("hard down")
	})
	sched, plan, _ := newTestScheduler(t, "t1 = probe()\n", runner, SchedulerConfig{})

	err := sched.Run(context.Background())
	if !IsKind(err, KindRuntimeTask) {
		t.Errorf("error kind = %s, want runtime_task", KindOf(err))
	}
	if plan.Status != PlanFailed {
		t.Errorf("plan status = %s, want failed", plan.Status)
	}
	rec, _ := sched.Store().GetByName("t1")
	if rec.Status() != StatusFailed {
		t.Errorf("task record status = %s, want failed", rec.Status())
	}
}

func TestRunCancellation(t *testing.T) {
	blocking := RunnerFunc(func(ctx context.Context, inv TaskInvocation) (any, error) {
		<-ctx.Done()
		// Give the pool's own cancellation branch time to win its select.
		time.Sleep(10 * time.Millisecond)
		return nil, ctx.Err()
	})
	sched, plan, _ := newTestScheduler(t, "t1 = probe()\n", blocking, SchedulerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := sched.Run(ctx)
	if !IsKind(err, KindCancelled) {
		t.Errorf("error kind = %s, want cancelled", KindOf(err))
	}
	if plan.Status != PlanFailed {
		t.Errorf("plan status = %s, want failed", plan.Status)
	}
}

type denyPolicy struct{ blocked string }

func (p denyPolicy) Allow(_ context.Context, inv TaskInvocation) error {
	if inv.TaskRef == p.blocked {
		return fmt.Errorf("task %q is blocked", inv.TaskRef)
	}
	return nil
}

func TestRunPolicyDenied(t *testing.T) {
	runner := newRecordingRunner()
	sched, plan, _ := newTestScheduler(t, "t1 = probe()\n", runner,
		SchedulerConfig{Policy: denyPolicy{blocked: "probe"}})

	err := sched.Run(context.Background())
	if !IsKind(err, KindPolicyDenied) {
		t.Errorf("error kind = %s, want policy_denied", KindOf(err))
	}
	if plan.Status != PlanFailed {
		t.Errorf("plan status = %s, want failed", plan.Status)
	}
	if n := len(runner.callsTo("probe")); n != 0 {
		t.Errorf("denied task still ran %d times", n)
	}
}

func TestRunBadConditionFailsPlan(t *testing.T) {
	runner := newRecordingRunner()
	runner.returns("probe", map[string]any{"code": float64(200)})
	sched, plan, _ := newTestScheduler(t, "t1 = probe()\nif t1.result.nope == 1:\n    x = act()\n", runner, SchedulerConfig{})

	err := sched.Run(context.Background())
	if !IsKind(err, KindConditionEval) {
		t.Errorf("error kind = %s, want condition_eval", KindOf(err))
	}
	if plan.Status != PlanFailed {
		t.Errorf("plan status = %s, want failed", plan.Status)
	}
}

func TestRunStepBudget(t *testing.T) {
	runner := newRecordingRunner()
	runner.returns("discover", map[string]any{"items": []any{"a", "b", "c", "d"}})
	sched, plan, _ := newTestScheduler(t, loopPlan, runner, SchedulerConfig{MaxSteps: 5})

	err := sched.Run(context.Background())
	if !IsKind(err, KindLoopLimit) {
		t.Errorf("error kind = %s, want loop_limit", KindOf(err))
	}
	if plan.Status != PlanFailed {
		t.Errorf("plan status = %s, want failed", plan.Status)
	}
}

func TestRunEventStream(t *testing.T) {
	runner := newRecordingRunner()
	runner.returns("probe", map[string]any{"code": float64(200)})
	sched, plan, broker := newTestScheduler(t, branchPlan, runner, SchedulerConfig{})

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	history := broker.History()
	if err := VerifyChain(history); err != nil {
		t.Errorf("run history fails chain verification: %v", err)
	}

	if history[0].Type != EventPlanCreated {
		t.Errorf("first event = %s, want plan_created", history[0].Type)
	}
	if last := history[len(history)-1]; last.Type != EventPlanCompleted {
		t.Errorf("last event = %s, want plan_completed", last.Type)
	}
	for _, evt := range history {
		if evt.PlanID != plan.ID {
			t.Errorf("event %d carries plan id %q, want %q", evt.Seq, evt.PlanID, plan.ID)
		}
	}

	// Per node, started precedes finished.
	started := make(map[string]int64)
	for _, evt := range history {
		switch evt.Type {
		case EventNodeStarted:
			started[evt.NodeID] = evt.Seq
		case EventNodeFinished:
			if begin, ok := started[evt.NodeID]; ok && begin >= evt.Seq {
				t.Errorf("node %s finished at seq %d before starting at %d", evt.NodeID, evt.Seq, begin)
			}
		}
	}
}

func TestRunRetryInsideLoopResetsBudget(t *testing.T) {
	src := `hosts = discover()
for h in hosts.result.items:
    retry attempts=2:
        poke(target=h)
`
	runner := newRecordingRunner()
	runner.returns("discover", map[string]any{"items": []any{"a", "b"}})
	var calls int
	runner.on("poke", func(TaskInvocation) (any, error) {
		calls++
		// First attempt of each iteration fails; the second succeeds.
		if calls%2 == 1 {
			return nil, errors.New("flap")
		}
		return map[string]any{}, nil
	})
	sched, plan, broker := newTestScheduler(t, src, runner, SchedulerConfig{})

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if plan.Status != PlanCompleted {
		t.Errorf("plan status = %s, want completed", plan.Status)
	}
	if calls != 4 {
		t.Errorf("poke ran %d times, want 4 (two attempts per iteration)", calls)
	}

	// The attempt budget restarts each iteration, so no attempt number
	// exceeds the configured two.
	for _, evt := range eventsOfType(broker.History(), EventRetryAttempt) {
		if a := evt.Payload["attempt"].(int); a > 2 {
			t.Errorf("attempt %d exceeds the per-iteration budget", a)
		}
	}
}
