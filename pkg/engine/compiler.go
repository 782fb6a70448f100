package engine

import (
	"fmt"

	"github.com/skein-run/skein/pkg/dsl"
)

// DefaultMaxIterations bounds every loop compiled without an explicit
// ceiling.
const DefaultMaxIterations = 10000

// CompileGraph lowers a validated program to a control-flow graph. Node
// ids come from a single monotonic counter, so compiling the same
// source always yields the same graph.
func CompileGraph(prog *dsl.Program) (*Graph, error) {
	c := &compiler{
		nodes:    make(map[string]Node),
		varNodes: make(map[string]string),
	}

	startID := c.newID("start")
	endID := c.newID("end")
	c.endID = endID
	c.add(&StartNode{NodeID: startID})
	c.add(&EndNode{NodeID: endID})

	chain, err := c.compileBlock(prog.Statements)
	if err != nil {
		return nil, err
	}
	if err := c.link(pendingEdge{node: startID, label: LabelNext}, chain.entry); err != nil {
		return nil, err
	}
	for _, out := range chain.outs {
		if err := c.link(out, endID); err != nil {
			return nil, err
		}
	}

	graph := &Graph{Nodes: c.nodes, Entry: startID, VarNodes: c.varNodes}
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	return graph, nil
}

// pendingEdge is an outgoing edge awaiting a target: the successor
// field of node identified by label.
type pendingEdge struct {
	node  string
	label EdgeLabel
}

// chain is the compiled form of a statement block: a single entry node
// and the dangling edges that the enclosing construct must connect.
type chain struct {
	entry string
	outs  []pendingEdge
}

type compiler struct {
	counter  int
	nodes    map[string]Node
	varNodes map[string]string
	created  []string
	endID    string
}

func (c *compiler) newID(prefix string) string {
	c.counter++
	return fmt.Sprintf("%s_%06d", prefix, c.counter)
}

func (c *compiler) add(node Node) {
	c.nodes[node.ID()] = node
	c.created = append(c.created, node.ID())
}

// link sets the successor field named by the edge label. A field set
// twice indicates a compiler bug, not bad input.
func (c *compiler) link(edge pendingEdge, target string) error {
	node, ok := c.nodes[edge.node]
	if !ok {
		return NewError(KindCompile, fmt.Sprintf("link from unknown node %q", edge.node), nil)
	}
	set := func(field *string) error {
		if *field != "" {
			return NewError(KindCompile,
				fmt.Sprintf("label %q already linked", edge.label), nil).WithNode(edge.node)
		}
		*field = target
		return nil
	}
	switch n := node.(type) {
	case *StartNode:
		if edge.label == LabelNext {
			return set(&n.Next)
		}
	case *NoOpNode:
		if edge.label == LabelNext {
			return set(&n.Next)
		}
	case *TaskNode:
		if edge.label == LabelNext {
			return set(&n.Next)
		}
	case *DecisionNode:
		switch edge.label {
		case LabelTrue:
			return set(&n.True)
		case LabelFalse:
			return set(&n.False)
		}
	case *LoopNode:
		switch edge.label {
		case LabelBody:
			return set(&n.Body)
		case LabelExit:
			return set(&n.Exit)
		}
	case *RetryNode:
		switch edge.label {
		case LabelAttempt:
			return set(&n.Attempt)
		case LabelSuccess:
			return set(&n.Success)
		case LabelFailure:
			return set(&n.Failure)
		}
	}
	return NewError(KindCompile,
		fmt.Sprintf("label %q invalid for %s node", edge.label, node.Kind()), nil).WithNode(edge.node)
}

// compileBlock chains statements head to tail. The block's entry is the
// first statement's entry; its dangling outs are the last statement's.
func (c *compiler) compileBlock(stmts []dsl.Statement) (chain, error) {
	if len(stmts) == 0 {
		id := c.newID("noop")
		c.add(&NoOpNode{NodeID: id, NodeName: "pass"})
		return chain{entry: id, outs: []pendingEdge{{node: id, label: LabelNext}}}, nil
	}
	var block chain
	for i, stmt := range stmts {
		part, err := c.compileStatement(stmt)
		if err != nil {
			return chain{}, err
		}
		if i == 0 {
			block.entry = part.entry
		} else {
			for _, out := range block.outs {
				if err := c.link(out, part.entry); err != nil {
					return chain{}, err
				}
			}
		}
		block.outs = part.outs
	}
	return block, nil
}

func (c *compiler) compileStatement(stmt dsl.Statement) (chain, error) {
	switch s := stmt.(type) {
	case *dsl.Assign:
		return c.compileTask(s.Target, s.Call)
	case *dsl.TaskCall:
		return c.compileTask("", s)
	case *dsl.If:
		return c.compileIf(s)
	case *dsl.For:
		return c.compileFor(s)
	case *dsl.Retry:
		return c.compileRetry(s)
	default:
		return chain{}, NewError(KindCompile,
			fmt.Sprintf("unsupported statement at line %d", stmt.Line()), nil)
	}
}

func (c *compiler) compileTask(target string, call *dsl.TaskCall) (chain, error) {
	id := c.newID("task")
	name := target
	if name == "" {
		name = call.Name
	}
	args := make(map[string]dsl.Expr, len(call.Args))
	for _, arg := range call.Args {
		args[arg.Key] = arg.Value
	}
	c.add(&TaskNode{NodeID: id, NodeName: name, TaskRef: call.Name, Args: args})
	if target != "" {
		c.varNodes[target] = id
	}
	return chain{entry: id, outs: []pendingEdge{{node: id, label: LabelNext}}}, nil
}

// compileIf lowers a conditional to a decision node whose branches
// reconverge at a shared join. A missing else branch routes false
// straight to the join.
func (c *compiler) compileIf(s *dsl.If) (chain, error) {
	decID := c.newID("decision")
	c.add(&DecisionNode{NodeID: decID, NodeName: "if", Cond: s.Cond})

	joinID := c.newID("noop")
	c.add(&NoOpNode{NodeID: joinID, NodeName: "join"})

	then, err := c.compileBlock(s.Then)
	if err != nil {
		return chain{}, err
	}
	if err := c.link(pendingEdge{node: decID, label: LabelTrue}, then.entry); err != nil {
		return chain{}, err
	}
	for _, out := range then.outs {
		if err := c.link(out, joinID); err != nil {
			return chain{}, err
		}
	}

	if len(s.Else) > 0 {
		els, err := c.compileBlock(s.Else)
		if err != nil {
			return chain{}, err
		}
		if err := c.link(pendingEdge{node: decID, label: LabelFalse}, els.entry); err != nil {
			return chain{}, err
		}
		for _, out := range els.outs {
			if err := c.link(out, joinID); err != nil {
				return chain{}, err
			}
		}
	} else {
		if err := c.link(pendingEdge{node: decID, label: LabelFalse}, joinID); err != nil {
			return chain{}, err
		}
	}
	return chain{entry: decID, outs: []pendingEdge{{node: joinID, label: LabelNext}}}, nil
}

// compileFor lowers a loop to a loop node whose body chain circles back
// to it. The exit edge continues the outer chain.
func (c *compiler) compileFor(s *dsl.For) (chain, error) {
	loopID := c.newID("loop")
	c.add(&LoopNode{
		NodeID:        loopID,
		NodeName:      "for_" + s.Var,
		Var:           s.Var,
		Iterable:      s.Iterable,
		MaxIterations: DefaultMaxIterations,
	})

	mark := len(c.created)
	body, err := c.compileBlock(s.Body)
	if err != nil {
		return chain{}, err
	}
	loop := c.nodes[loopID].(*LoopNode)
	loop.BodyNodes = append([]string(nil), c.created[mark:]...)

	if err := c.link(pendingEdge{node: loopID, label: LabelBody}, body.entry); err != nil {
		return chain{}, err
	}
	for _, out := range body.outs {
		if err := c.link(out, loopID); err != nil {
			return chain{}, err
		}
	}
	return chain{entry: loopID, outs: []pendingEdge{{node: loopID, label: LabelExit}}}, nil
}

// compileRetry lowers a retry block to a retry node guarding its inner
// chain. The success edge and the chain's tail meet at a shared noop;
// the failure edge, taken only after attempts are exhausted, runs to
// the end node so the scheduler can finish the walk and report the run
// failed.
func (c *compiler) compileRetry(s *dsl.Retry) (chain, error) {
	retryID := c.newID("retry")
	c.add(&RetryNode{
		NodeID:   retryID,
		NodeName: "retry",
		Attempts: s.Attempts,
		Backoff:  s.Backoff,
	})

	mark := len(c.created)
	inner, err := c.compileBlock(s.Body)
	if err != nil {
		return chain{}, err
	}
	retry := c.nodes[retryID].(*RetryNode)
	retry.ChainNodes = append([]string(nil), c.created[mark:]...)

	successID := c.newID("noop")
	c.add(&NoOpNode{NodeID: successID, NodeName: "retry_success"})
	failureID := c.newID("noop")
	c.add(&NoOpNode{NodeID: failureID, NodeName: "retry_failure"})

	if err := c.link(pendingEdge{node: retryID, label: LabelAttempt}, inner.entry); err != nil {
		return chain{}, err
	}
	for _, out := range inner.outs {
		if err := c.link(out, successID); err != nil {
			return chain{}, err
		}
	}
	if err := c.link(pendingEdge{node: retryID, label: LabelSuccess}, successID); err != nil {
		return chain{}, err
	}
	if err := c.link(pendingEdge{node: retryID, label: LabelFailure}, failureID); err != nil {
		return chain{}, err
	}
	if err := c.link(pendingEdge{node: failureID, label: LabelNext}, c.endID); err != nil {
		return chain{}, err
	}
	return chain{entry: retryID, outs: []pendingEdge{{node: successID, label: LabelNext}}}, nil
}
