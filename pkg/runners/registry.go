package runners

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/skein-run/skein/pkg/engine"
)

// Registry routes task references to registered runner functions. It
// implements engine.TaskRunner; an unknown reference is a runtime task
// failure, not a crash.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]engine.RunnerFunc
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]engine.RunnerFunc)}
}

// Register binds a task reference to a function. Re-registering a name
// replaces the previous binding.
func (r *Registry) Register(name string, fn engine.RunnerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Names lists the registered task references in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run dispatches the invocation to the function registered for its
// task reference.
func (r *Registry) Run(ctx context.Context, inv engine.TaskInvocation) (any, error) {
	r.mu.RLock()
	fn, ok := r.funcs[inv.TaskRef]
	r.mu.RUnlock()
	if !ok {
		return nil, engine.NewError(engine.KindRuntimeTask,
			fmt.Sprintf("no runner registered for task %q", inv.TaskRef), nil)
	}
	return fn(ctx, inv)
}

// Builtin returns a registry with the stock runners: echo, sleep, fail
// and env. They are enough to exercise every plan construct without
// external infrastructure.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register("echo", Echo)
	r.Register("sleep", Sleep)
	r.Register("fail", Fail)
	r.Register("env", Env)
	return r
}

// Echo returns its arguments as the task result, so later conditions
// can branch on literal plan data.
func Echo(_ context.Context, inv engine.TaskInvocation) (any, error) {
	out := make(map[string]any, len(inv.Args))
	for k, v := range inv.Args {
		out[k] = v
	}
	return out, nil
}

// Sleep pauses for the given number of seconds, honoring cancellation.
// Args: seconds (number, default 1).
func Sleep(ctx context.Context, inv engine.TaskInvocation) (any, error) {
	seconds := 1.0
	if v, ok := inv.Args["seconds"]; ok {
		f, ok := v.(float64)
		if !ok {
			return nil, engine.NewError(engine.KindRuntimeTask,
				fmt.Sprintf("sleep: seconds is %T, want number", v), nil)
		}
		seconds = f
	}
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"slept": seconds}, nil
	case <-ctx.Done():
		return nil, engine.NewError(engine.KindCancelled, "sleep interrupted", ctx.Err())
	}
}

// Fail fails, optionally only for the first N attempts. Args: message
// (string), until_attempt (number): succeed once inv.Attempt exceeds
// it. Exists to exercise retry blocks.
func Fail(_ context.Context, inv engine.TaskInvocation) (any, error) {
	if v, ok := inv.Args["until_attempt"]; ok {
		if until, isNum := v.(float64); isNum && float64(inv.Attempt) > until {
			return map[string]any{"recovered_on": inv.Attempt}, nil
		}
	}
	msg := "task failed"
	if v, ok := inv.Args["message"].(string); ok {
		msg = v
	}
	return nil, engine.NewError(engine.KindRuntimeTask, msg, nil)
}

// Env reads an environment variable. Args: name (string, required),
// default (string).
func Env(_ context.Context, inv engine.TaskInvocation) (any, error) {
	name, ok := inv.Args["name"].(string)
	if !ok || name == "" {
		return nil, engine.NewError(engine.KindRuntimeTask, "env: name argument required", nil)
	}
	value, present := os.LookupEnv(name)
	if !present {
		if def, ok := inv.Args["default"].(string); ok {
			value = def
		}
	}
	return map[string]any{"name": name, "value": value, "present": present}, nil
}
