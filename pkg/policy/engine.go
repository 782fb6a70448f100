package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/skein-run/skein/pkg/engine"
)

// Engine evaluates Rego policies against task invocations. It
// implements engine.PolicyCheck: a nil return admits the dispatch, a
// classified policy_denied error blocks it.
type Engine struct {
	mu           sync.RWMutex
	policies     map[string]*Policy
	blockedTasks []string
	logger       zerolog.Logger
}

// NewEngine loads the builtin policies. blockedTasks are task
// references the blocklist policy denies outright.
func NewEngine(logger zerolog.Logger, blockedTasks []string) *Engine {
	e := &Engine{
		policies:     make(map[string]*Policy),
		blockedTasks: blockedTasks,
		logger:       logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, p := range BuiltinPolicies() {
		p := p
		e.policies[p.Name] = &p
	}
	return e
}

// Add registers or replaces a policy module.
func (e *Engine) Add(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name] = &p
}

// Allow evaluates every enabled policy against the invocation. Error
// severity violations deny; warnings only log.
func (e *Engine) Allow(ctx context.Context, inv engine.TaskInvocation) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := map[string]any{
		"plan_id":       inv.PlanID,
		"node_id":       inv.NodeID,
		"name":          inv.Name,
		"task_ref":      inv.TaskRef,
		"args":          inv.Args,
		"attempt":       inv.Attempt,
		"blocked_tasks": e.blockedTasks,
	}

	var denials []Violation
	for _, p := range e.policies {
		if !p.Enabled {
			continue
		}
		violations, err := evaluatePolicy(ctx, p, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", p.Name).Msg("policy evaluation failed")
			return engine.NewError(engine.KindPolicyDenied,
				fmt.Sprintf("policy %s failed to evaluate", p.Name), err)
		}
		for _, v := range violations {
			if v.Severity == string(SeverityError) || p.Severity == SeverityError {
				denials = append(denials, v)
				continue
			}
			e.logger.Warn().Str("policy", p.Name).Str("task_ref", inv.TaskRef).
				Msg(v.Message)
		}
	}

	if len(denials) == 0 {
		return nil
	}
	msgs := make([]string, len(denials))
	for i, v := range denials {
		msgs[i] = v.Message
	}
	return engine.NewError(engine.KindPolicyDenied, strings.Join(msgs, "; "), nil).
		WithDetail("violations", denials)
}

// evaluatePolicy queries the policy module's deny set.
func evaluatePolicy(ctx context.Context, p *Policy, input map[string]any) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", packageName(p.Rego))
	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
		rego.Input(input),
	)
	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, toViolation(p, d))
			}
		}
	}
	return violations, nil
}

func toViolation(p *Policy, result interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: string(p.Severity)}
	switch val := result.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := val["severity"].(string); ok {
			v.Severity = sev
		}
	default:
		v.Message = fmt.Sprintf("%v", val)
	}
	return v
}

// packageName pulls the package path out of a Rego module source.
func packageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "skein.dispatch"
}
