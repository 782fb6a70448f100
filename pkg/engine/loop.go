package engine

// loopState is the in-flight position of one loop activation.
type loopState struct {
	items []any
	index int
}

// LoopController decides, on every arrival at a loop node, whether to
// enter the body once more or take the exit edge. Iterable evaluation
// happens exactly once per activation, on first arrival; mutating a
// referenced result mid-loop does not change the iteration set.
type LoopController struct {
	store  *StateStore
	states map[string]*loopState
}

func NewLoopController(store *StateStore) *LoopController {
	return &LoopController{store: store, states: make(map[string]*loopState)}
}

// LoopStep is the controller's verdict for one arrival.
type LoopStep struct {
	Enter     bool
	Iteration int
	Value     any
	Limited   bool
}

// Step advances the loop. The ceiling is enforced as a quiet exit: a
// loop that reaches MaxIterations body entries takes the exit edge with
// Limited set, exactly as if the iterable had ended.
func (c *LoopController) Step(node *LoopNode, eval *Evaluator) (LoopStep, error) {
	st, ok := c.states[node.NodeID]
	if !ok {
		items, err := eval.EvalIterable(node.Iterable)
		if err != nil {
			return LoopStep{}, err
		}
		st = &loopState{items: items}
		c.states[node.NodeID] = st
	}

	if st.index < len(st.items) && st.index < node.MaxIterations {
		value := st.items[st.index]
		st.index++
		if _, err := c.store.IncrementIteration(node.NodeID); err != nil {
			return LoopStep{}, err
		}
		if err := c.store.Reset(node.BodyNodes); err != nil {
			return LoopStep{}, err
		}
		return LoopStep{Enter: true, Iteration: st.index, Value: value}, nil
	}

	limited := st.index >= node.MaxIterations && st.index < len(st.items)
	delete(c.states, node.NodeID)
	return LoopStep{Limited: limited}, nil
}

// Forget clears activation state for the given nodes. An enclosing loop
// or retry calls this when resetting its body, so a nested loop starts
// fresh on re-entry.
func (c *LoopController) Forget(ids []string) {
	for _, id := range ids {
		delete(c.states, id)
	}
}
