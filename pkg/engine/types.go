package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/skein-run/skein/pkg/dsl"
)

// NodeKind identifies the type of a CFG node.
type NodeKind string

const (
	KindStart    NodeKind = "start"
	KindEnd      NodeKind = "end"
	KindTask     NodeKind = "task"
	KindDecision NodeKind = "decision"
	KindLoop     NodeKind = "loop"
	KindRetry    NodeKind = "retry"
	KindNoOp     NodeKind = "noop"
)

// EdgeLabel names an outgoing edge of a CFG node. The label set is
// closed per node kind: Task, NoOp and Start use "next"; Decision uses
// "true"/"false"; Loop uses "body"/"exit"; Retry uses
// "attempt"/"success"/"failure". End has no outgoing edges.
type EdgeLabel string

const (
	LabelNext    EdgeLabel = "next"
	LabelTrue    EdgeLabel = "true"
	LabelFalse   EdgeLabel = "false"
	LabelBody    EdgeLabel = "body"
	LabelExit    EdgeLabel = "exit"
	LabelAttempt EdgeLabel = "attempt"
	LabelSuccess EdgeLabel = "success"
	LabelFailure EdgeLabel = "failure"
)

// Node is a typed CFG node. Each kind is a distinct variant with its
// successor labels as struct fields, so an unknown label cannot be
// constructed.
type Node interface {
	ID() string
	Kind() NodeKind

	// Name is a human-readable node name. Task nodes assigned to a
	// handle are named after the handle.
	Name() string

	// Successors returns the labeled outgoing edges. The key set is
	// fixed for the node kind.
	Successors() map[EdgeLabel]string
}

// StartNode is the unique entry node of a graph.
type StartNode struct {
	NodeID string
	Next   string
}

// EndNode terminates execution. A graph has at least one End reachable
// from Start.
type EndNode struct {
	NodeID string
}

// NoOpNode is a structural pass-through, used to rejoin branches.
type NoOpNode struct {
	NodeID   string
	NodeName string
	Next     string
}

// TaskNode dispatches a task reference to the Task Runner. Args are the
// keyword arguments from the plan source, stored as opaque expressions:
// the compiler never interprets them, so graph topology is independent
// of argument content. They are resolved at dispatch time.
type TaskNode struct {
	NodeID   string
	NodeName string
	TaskRef  string
	Args     map[string]dsl.Expr
	Next     string
}

// DecisionNode branches on a condition evaluated against the state
// store.
type DecisionNode struct {
	NodeID   string
	NodeName string
	Cond     dsl.Expr
	True     string
	False    string
}

// LoopNode drives a bounded iteration over an iterable expression. The
// body chain begins at Body and loops back to this node; Exit continues
// the outer chain. BodyNodes lists every node of the body chain so the
// scheduler can reset their records between iterations.
type LoopNode struct {
	NodeID        string
	NodeName      string
	Var           string
	Iterable      dsl.Expr
	MaxIterations int
	BodyNodes     []string
	Body          string
	Exit          string
}

// RetryNode wraps exactly one inner chain. Attempt enters the chain;
// Success continues the outer chain; Failure is reachable only after
// attempts are exhausted. ChainNodes lists the inner chain for record
// resets between attempts.
type RetryNode struct {
	NodeID     string
	NodeName   string
	Attempts   int
	Backoff    int
	ChainNodes []string
	Attempt    string
	Success    string
	Failure    string
}

func (n *StartNode) ID() string    { return n.NodeID }
func (n *EndNode) ID() string      { return n.NodeID }
func (n *NoOpNode) ID() string     { return n.NodeID }
func (n *TaskNode) ID() string     { return n.NodeID }
func (n *DecisionNode) ID() string { return n.NodeID }
func (n *LoopNode) ID() string     { return n.NodeID }
func (n *RetryNode) ID() string    { return n.NodeID }

func (n *StartNode) Kind() NodeKind    { return KindStart }
func (n *EndNode) Kind() NodeKind      { return KindEnd }
func (n *NoOpNode) Kind() NodeKind     { return KindNoOp }
func (n *TaskNode) Kind() NodeKind     { return KindTask }
func (n *DecisionNode) Kind() NodeKind { return KindDecision }
func (n *LoopNode) Kind() NodeKind     { return KindLoop }
func (n *RetryNode) Kind() NodeKind    { return KindRetry }

func (n *StartNode) Name() string    { return "start" }
func (n *EndNode) Name() string      { return "end" }
func (n *NoOpNode) Name() string     { return n.NodeName }
func (n *TaskNode) Name() string     { return n.NodeName }
func (n *DecisionNode) Name() string { return n.NodeName }
func (n *LoopNode) Name() string     { return n.NodeName }
func (n *RetryNode) Name() string    { return n.NodeName }

func (n *StartNode) Successors() map[EdgeLabel]string {
	return map[EdgeLabel]string{LabelNext: n.Next}
}

func (n *EndNode) Successors() map[EdgeLabel]string {
	return map[EdgeLabel]string{}
}

func (n *NoOpNode) Successors() map[EdgeLabel]string {
	return map[EdgeLabel]string{LabelNext: n.Next}
}

func (n *TaskNode) Successors() map[EdgeLabel]string {
	return map[EdgeLabel]string{LabelNext: n.Next}
}

func (n *DecisionNode) Successors() map[EdgeLabel]string {
	return map[EdgeLabel]string{LabelTrue: n.True, LabelFalse: n.False}
}

func (n *LoopNode) Successors() map[EdgeLabel]string {
	return map[EdgeLabel]string{LabelBody: n.Body, LabelExit: n.Exit}
}

func (n *RetryNode) Successors() map[EdgeLabel]string {
	return map[EdgeLabel]string{LabelAttempt: n.Attempt, LabelSuccess: n.Success, LabelFailure: n.Failure}
}

// Graph is the compiled control-flow graph: typed nodes linked by
// labeled, single-target-per-label edges, a designated entry node, and
// the handle table mapping assignment names to task node ids. The graph
// is immutable once compiled.
type Graph struct {
	Nodes    map[string]Node
	Entry    string
	VarNodes map[string]string
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) Node {
	return g.Nodes[id]
}

// NodeForVar returns the task node a handle names, or nil.
func (g *Graph) NodeForVar(name string) Node {
	id, ok := g.VarNodes[name]
	if !ok {
		return nil
	}
	return g.Nodes[id]
}

// Successor resolves an outgoing edge of a node.
func (g *Graph) Successor(id string, label EdgeLabel) (string, error) {
	node := g.Nodes[id]
	if node == nil {
		return "", NewError(KindNotFound, fmt.Sprintf("node %s not in graph", id), nil)
	}
	target, ok := node.Successors()[label]
	if !ok {
		return "", NewError(KindInternal,
			fmt.Sprintf("label %q not declared for %s node %s", label, node.Kind(), id), nil)
	}
	return target, nil
}

// Validate checks graph integrity: exactly one Start node that is the
// entry, at least one End node reachable from it, and every declared
// successor label resolving to an existing node.
func (g *Graph) Validate() error {
	var starts int
	for _, node := range g.Nodes {
		if node.Kind() == KindStart {
			starts++
			if node.ID() != g.Entry {
				return NewError(KindCompile, "start node is not the graph entry", nil).WithNode(node.ID())
			}
		}
	}
	if starts != 1 {
		return NewError(KindCompile, fmt.Sprintf("graph must have exactly one start node, found %d", starts), nil)
	}
	if _, ok := g.Nodes[g.Entry]; !ok {
		return NewError(KindCompile, fmt.Sprintf("entry %q does not name a node", g.Entry), nil)
	}

	for id, node := range g.Nodes {
		for label, target := range node.Successors() {
			if target == "" {
				return NewError(KindCompile,
					fmt.Sprintf("label %q of %s node is unset", label, node.Kind()), nil).WithNode(id)
			}
			if _, ok := g.Nodes[target]; !ok {
				return NewError(KindCompile,
					fmt.Sprintf("label %q points to unknown node %q", label, target), nil).WithNode(id)
			}
		}
	}

	reachable := g.reachableFrom(g.Entry)
	endReachable := false
	for id := range reachable {
		if g.Nodes[id].Kind() == KindEnd {
			endReachable = true
			break
		}
	}
	if !endReachable {
		return NewError(KindCompile, "no end node reachable from entry", nil)
	}
	for name, id := range g.VarNodes {
		if _, ok := g.Nodes[id]; !ok {
			return NewError(KindCompile,
				fmt.Sprintf("handle %q maps to unknown node %q", name, id), nil)
		}
	}
	return nil
}

func (g *Graph) reachableFrom(start string) map[string]bool {
	visited := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		if node := g.Nodes[id]; node != nil {
			for _, target := range node.Successors() {
				if target != "" {
					stack = append(stack, target)
				}
			}
		}
	}
	return visited
}

// sortedNodeIDs returns all node ids in lexical order for deterministic
// serialization and rendering.
func (g *Graph) sortedNodeIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ToDOT renders the graph in Graphviz DOT format for visualization.
func (g *Graph) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, id := range g.sortedNodeIDs() {
		node := g.Nodes[id]
		label := string(node.Kind())
		if node.Name() != "" && node.Name() != label {
			label = fmt.Sprintf("%s\\n%s", node.Name(), node.Kind())
		}
		sb.WriteString(fmt.Sprintf("  %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
			id, label, nodeColor(node.Kind())))
	}
	sb.WriteString("\n")

	for _, id := range g.sortedNodeIDs() {
		node := g.Nodes[id]
		labels := make([]string, 0, len(node.Successors()))
		for label := range node.Successors() {
			labels = append(labels, string(label))
		}
		sort.Strings(labels)
		for _, label := range labels {
			target := node.Successors()[EdgeLabel(label)]
			sb.WriteString(fmt.Sprintf("  %q -> %q [label=%q];\n", id, target, label))
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

func nodeColor(kind NodeKind) string {
	switch kind {
	case KindTask:
		return "lightblue"
	case KindDecision:
		return "lightyellow"
	case KindLoop, KindRetry:
		return "lightcoral"
	case KindStart, KindEnd:
		return "lightgreen"
	default:
		return "lightgray"
	}
}
