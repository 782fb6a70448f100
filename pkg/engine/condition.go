package engine

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/skein-run/skein/pkg/dsl"
)

// Evaluator resolves plan expressions against the state store and an
// optional lexical scope of loop variables. It handles only the
// whitelisted expression forms the parser admits; anything else is a
// condition_eval error, never arbitrary execution.
type Evaluator struct {
	store *StateStore
	scope map[string]any
}

// NewEvaluator returns an evaluator backed by the run's state store.
func NewEvaluator(store *StateStore) *Evaluator {
	return &Evaluator{store: store}
}

// WithVar layers a variable binding over the evaluator, leaving the
// receiver untouched. Loop bodies evaluate under the layered scope.
func (e *Evaluator) WithVar(name string, value any) *Evaluator {
	scope := make(map[string]any, len(e.scope)+1)
	for k, v := range e.scope {
		scope[k] = v
	}
	scope[name] = value
	return &Evaluator{store: e.store, scope: scope}
}

// EvalBool evaluates a condition. Non-boolean outcomes are errors, not
// truthiness.
func (e *Evaluator) EvalBool(expr dsl.Expr) (bool, error) {
	v, err := e.Eval(expr)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, evalErrorf(expr, "condition is %T, not bool", v)
	}
	return b, nil
}

// EvalIterable evaluates a loop iterable to a slice of elements. Lists
// iterate as-is, strings by character, maps by sorted key.
func (e *Evaluator) EvalIterable(expr dsl.Expr) ([]any, error) {
	v, err := e.Eval(expr)
	if err != nil {
		return nil, err
	}
	switch val := v.(type) {
	case []any:
		return val, nil
	case string:
		out := make([]any, 0, len(val))
		for _, r := range val {
			out = append(out, string(r))
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, evalErrorf(expr, "%T is not iterable", v)
	}
}

// Eval evaluates any whitelisted expression to a value.
func (e *Evaluator) Eval(expr dsl.Expr) (any, error) {
	switch x := expr.(type) {
	case *dsl.Literal:
		return x.Value(), nil
	case *dsl.VarRef:
		return e.resolveName(x, x.Name, nil)
	case *dsl.AttrRef:
		return e.resolveName(x, x.Base, x.Path)
	case *dsl.Binary:
		return e.evalBinary(x)
	default:
		return nil, evalErrorf(expr, "unsupported expression form %T", expr)
	}
}

// resolveName looks a base name up in the lexical scope first, then in
// the state store by node name, and walks the attribute path into the
// resolved value. For store-backed names the first path segment selects
// a record field; only result, status and error are addressable.
func (e *Evaluator) resolveName(expr dsl.Expr, base string, path []string) (any, error) {
	if v, ok := e.scope[base]; ok {
		return walkPath(expr, v, path)
	}
	rec, err := e.store.GetByName(base)
	if err != nil {
		return nil, evalErrorf(expr, "unknown reference %q", base)
	}
	if len(path) == 0 {
		return rec.Result(), nil
	}
	var root any
	switch path[0] {
	case "result":
		root = rec.Result()
	case "status":
		root = string(rec.Status())
	case "error":
		root = rec.Err()
	default:
		return nil, evalErrorf(expr, "%s has no attribute %q (want result, status or error)", base, path[0])
	}
	return walkPath(expr, root, path[1:])
}

// walkPath descends a dotted attribute path through nested maps.
func walkPath(expr dsl.Expr, v any, path []string) (any, error) {
	for i, seg := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, evalErrorf(expr, "cannot access %q: %s is %T, not an object",
				seg, strings.Join(path[:i], "."), v)
		}
		v, ok = m[seg]
		if !ok {
			return nil, evalErrorf(expr, "attribute %q not present", seg)
		}
	}
	return v, nil
}

func (e *Evaluator) evalBinary(x *dsl.Binary) (any, error) {
	// And/or short-circuit and demand boolean operands on both sides.
	if x.Op == dsl.OpAnd || x.Op == dsl.OpOr {
		lhs, err := e.EvalBool(x.LHS)
		if err != nil {
			return nil, err
		}
		if x.Op == dsl.OpAnd && !lhs {
			return false, nil
		}
		if x.Op == dsl.OpOr && lhs {
			return true, nil
		}
		return e.EvalBool(x.RHS)
	}

	lhs, err := e.Eval(x.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := e.Eval(x.RHS)
	if err != nil {
		return nil, err
	}

	switch x.Op {
	case dsl.OpEq:
		return looseEqual(lhs, rhs), nil
	case dsl.OpNe:
		return !looseEqual(lhs, rhs), nil
	case dsl.OpLt, dsl.OpGt, dsl.OpLe, dsl.OpGe:
		return compareOrdered(x, lhs, rhs)
	case dsl.OpIn:
		return evalIn(x, lhs, rhs)
	default:
		return nil, evalErrorf(x, "unsupported operator %q", x.Op)
	}
}

// looseEqual compares with numeric coercion so 2 == 2.0 holds across
// JSON decoding boundaries.
func looseEqual(a, b any) bool {
	na, aok := toFloat(a)
	nb, bok := toFloat(b)
	if aok && bok {
		return na == nb
	}
	return reflect.DeepEqual(a, b)
}

func compareOrdered(expr dsl.Expr, a, b any) (bool, error) {
	op := expr.(*dsl.Binary).Op
	if na, aok := toFloat(a); aok {
		nb, bok := toFloat(b)
		if !bok {
			return false, evalErrorf(expr, "cannot compare number with %T", b)
		}
		switch op {
		case dsl.OpLt:
			return na < nb, nil
		case dsl.OpGt:
			return na > nb, nil
		case dsl.OpLe:
			return na <= nb, nil
		case dsl.OpGe:
			return na >= nb, nil
		}
	}
	if sa, aok := a.(string); aok {
		sb, bok := b.(string)
		if !bok {
			return false, evalErrorf(expr, "cannot compare string with %T", b)
		}
		switch op {
		case dsl.OpLt:
			return sa < sb, nil
		case dsl.OpGt:
			return sa > sb, nil
		case dsl.OpLe:
			return sa <= sb, nil
		case dsl.OpGe:
			return sa >= sb, nil
		}
	}
	return false, evalErrorf(expr, "%T does not support ordering", a)
}

// evalIn implements membership: element of a list, substring of a
// string, or key of a map.
func evalIn(expr dsl.Expr, needle, haystack any) (bool, error) {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if looseEqual(needle, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, evalErrorf(expr, "cannot search %T in string", needle)
		}
		return strings.Contains(h, s), nil
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false, evalErrorf(expr, "map membership needs a string key, got %T", needle)
		}
		_, present := h[s]
		return present, nil
	default:
		return false, evalErrorf(expr, "%T does not support membership", haystack)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func evalErrorf(expr dsl.Expr, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return NewError(KindConditionEval,
		fmt.Sprintf("line %d: %s", expr.Line(), msg), nil).
		WithDetail("expression", expr.String())
}
