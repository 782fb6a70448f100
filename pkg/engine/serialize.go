package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/skein-run/skein/pkg/dsl"
)

// nodeJSON is the wire form of a node. Expressions serialize as their
// canonical source text and are re-parsed on load, so a round-tripped
// graph compares equal to the original.
type nodeJSON struct {
	ID            string               `json:"id"`
	Kind          NodeKind             `json:"kind"`
	Name          string               `json:"name,omitempty"`
	TaskRef       string               `json:"task_ref,omitempty"`
	Args          map[string]string    `json:"args,omitempty"`
	Condition     string               `json:"condition,omitempty"`
	Var           string               `json:"var,omitempty"`
	Iterable      string               `json:"iterable,omitempty"`
	MaxIterations int                  `json:"max_iterations,omitempty"`
	Attempts      int                  `json:"attempts,omitempty"`
	Backoff       int                  `json:"backoff,omitempty"`
	BodyNodes     []string             `json:"body_nodes,omitempty"`
	ChainNodes    []string             `json:"chain_nodes,omitempty"`
	Successors    map[EdgeLabel]string `json:"successors"`
}

type graphJSON struct {
	Entry    string            `json:"entry"`
	Nodes    []nodeJSON        `json:"nodes"`
	VarNodes map[string]string `json:"var_nodes,omitempty"`
}

func encodeNode(node Node) nodeJSON {
	nj := nodeJSON{
		ID:         node.ID(),
		Kind:       node.Kind(),
		Successors: node.Successors(),
	}
	if node.Name() != string(node.Kind()) {
		nj.Name = node.Name()
	}
	switch n := node.(type) {
	case *TaskNode:
		nj.TaskRef = n.TaskRef
		if len(n.Args) > 0 {
			nj.Args = make(map[string]string, len(n.Args))
			for key, expr := range n.Args {
				nj.Args[key] = expr.String()
			}
		}
	case *DecisionNode:
		nj.Condition = n.Cond.String()
	case *LoopNode:
		nj.Var = n.Var
		nj.Iterable = n.Iterable.String()
		nj.MaxIterations = n.MaxIterations
		nj.BodyNodes = n.BodyNodes
	case *RetryNode:
		nj.Attempts = n.Attempts
		nj.Backoff = n.Backoff
		nj.ChainNodes = n.ChainNodes
	}
	return nj
}

func decodeNode(nj nodeJSON) (Node, error) {
	succ := func(label EdgeLabel) string { return nj.Successors[label] }
	// encodeNode drops names equal to the kind string; restore them so
	// a round-tripped graph compares equal to the original.
	if nj.Name == "" {
		nj.Name = string(nj.Kind)
	}
	switch nj.Kind {
	case KindStart:
		return &StartNode{NodeID: nj.ID, Next: succ(LabelNext)}, nil
	case KindEnd:
		return &EndNode{NodeID: nj.ID}, nil
	case KindNoOp:
		return &NoOpNode{NodeID: nj.ID, NodeName: nj.Name, Next: succ(LabelNext)}, nil
	case KindTask:
		args := make(map[string]dsl.Expr, len(nj.Args))
		for key, text := range nj.Args {
			expr, err := dsl.ParseExpr(text)
			if err != nil {
				return nil, NewError(KindCompile,
					fmt.Sprintf("node %s: arg %q: %v", nj.ID, key, err), err)
			}
			args[key] = expr
		}
		return &TaskNode{
			NodeID:   nj.ID,
			NodeName: nj.Name,
			TaskRef:  nj.TaskRef,
			Args:     args,
			Next:     succ(LabelNext),
		}, nil
	case KindDecision:
		cond, err := dsl.ParseExpr(nj.Condition)
		if err != nil {
			return nil, NewError(KindCompile,
				fmt.Sprintf("node %s: condition: %v", nj.ID, err), err)
		}
		return &DecisionNode{
			NodeID:   nj.ID,
			NodeName: nj.Name,
			Cond:     cond,
			True:     succ(LabelTrue),
			False:    succ(LabelFalse),
		}, nil
	case KindLoop:
		iter, err := dsl.ParseExpr(nj.Iterable)
		if err != nil {
			return nil, NewError(KindCompile,
				fmt.Sprintf("node %s: iterable: %v", nj.ID, err), err)
		}
		return &LoopNode{
			NodeID:        nj.ID,
			NodeName:      nj.Name,
			Var:           nj.Var,
			Iterable:      iter,
			MaxIterations: nj.MaxIterations,
			BodyNodes:     nj.BodyNodes,
			Body:          succ(LabelBody),
			Exit:          succ(LabelExit),
		}, nil
	case KindRetry:
		return &RetryNode{
			NodeID:     nj.ID,
			NodeName:   nj.Name,
			Attempts:   nj.Attempts,
			Backoff:    nj.Backoff,
			ChainNodes: nj.ChainNodes,
			Attempt:    succ(LabelAttempt),
			Success:    succ(LabelSuccess),
			Failure:    succ(LabelFailure),
		}, nil
	default:
		return nil, NewError(KindCompile, fmt.Sprintf("unknown node kind %q", nj.Kind), nil)
	}
}

// MarshalJSON serializes the graph with nodes in lexical id order.
func (g *Graph) MarshalJSON() ([]byte, error) {
	gj := graphJSON{
		Entry:    g.Entry,
		Nodes:    make([]nodeJSON, 0, len(g.Nodes)),
		VarNodes: g.VarNodes,
	}
	for _, id := range g.sortedNodeIDs() {
		gj.Nodes = append(gj.Nodes, encodeNode(g.Nodes[id]))
	}
	return json.Marshal(gj)
}

// UnmarshalJSON rebuilds typed nodes from the wire form and validates
// the result, so a graph loaded from storage carries the same
// guarantees as a freshly compiled one.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var gj graphJSON
	if err := json.Unmarshal(data, &gj); err != nil {
		return NewError(KindCompile, "malformed graph document", err)
	}
	nodes := make(map[string]Node, len(gj.Nodes))
	for _, nj := range gj.Nodes {
		node, err := decodeNode(nj)
		if err != nil {
			return err
		}
		if _, dup := nodes[node.ID()]; dup {
			return NewError(KindCompile, fmt.Sprintf("duplicate node id %q", node.ID()), nil)
		}
		nodes[node.ID()] = node
	}
	g.Nodes = nodes
	g.Entry = gj.Entry
	g.VarNodes = gj.VarNodes
	return g.Validate()
}

// CanonicalHash returns the sha256 hex digest of the graph's canonical
// JSON form. Compiling the same source twice yields identical hashes.
func (g *Graph) CanonicalHash() (string, error) {
	data, err := g.MarshalJSON()
	if err != nil {
		return "", NewError(KindInternal, "canonical encoding failed", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON renders any JSON-compatible value with sorted object
// keys, used for hashing results and event payloads.
func canonicalJSON(v any) ([]byte, error) {
	norm, err := normalizeJSON(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

func normalizeJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	return sortKeys(decoded), nil
}

func sortKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, keyValue{Key: k, Value: sortKeys(val[k])})
		}
		return ordered
	case []any:
		for i := range val {
			val[i] = sortKeys(val[i])
		}
		return val
	default:
		return v
	}
}

type keyValue struct {
	Key   string
	Value any
}

// orderedMap marshals as a JSON object preserving element order.
type orderedMap []keyValue

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, kv := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	return append(buf, '}'), nil
}
