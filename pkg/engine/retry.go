package engine

import (
	"context"
	"time"
)

// maxBackoffMultiplier caps the exponential growth of retry delays.
const maxBackoffMultiplier = 64

// retryState is the in-flight attempt counter of one retry activation.
// The state store's attempt counter is cumulative across activations;
// this one resets when an enclosing loop re-enters the block.
type retryState struct {
	attempt int
}

// RetryController decides, on every arrival at a retry node, whether to
// launch another attempt or concede exhaustion.
type RetryController struct {
	store  *StateStore
	states map[string]*retryState
	sleep  func(context.Context, time.Duration) error
}

func NewRetryController(store *StateStore) *RetryController {
	return &RetryController{
		store:  store,
		states: make(map[string]*retryState),
		sleep:  sleepCtx,
	}
}

// RetryStep is the controller's verdict for one arrival.
type RetryStep struct {
	Enter     bool
	Attempt   int
	Delay     time.Duration
	Exhausted bool
}

// Step advances the retry. The first attempt starts immediately; attempt
// n waits backoff * 2^(n-2) seconds first. With attempts=N exactly N
// attempts ever start; the N+1th arrival reports exhaustion without
// entering the chain.
func (c *RetryController) Step(ctx context.Context, node *RetryNode) (RetryStep, error) {
	st, ok := c.states[node.NodeID]
	if !ok {
		st = &retryState{}
		c.states[node.NodeID] = st
	}

	if st.attempt >= node.Attempts {
		delete(c.states, node.NodeID)
		return RetryStep{Exhausted: true}, nil
	}
	st.attempt++
	if _, err := c.store.IncrementAttempt(node.NodeID); err != nil {
		return RetryStep{}, err
	}

	delay := backoffDelay(node.Backoff, st.attempt)
	if delay > 0 {
		if err := c.sleep(ctx, delay); err != nil {
			return RetryStep{}, err
		}
	}
	if err := c.store.Reset(node.ChainNodes); err != nil {
		return RetryStep{}, err
	}
	return RetryStep{Enter: true, Attempt: st.attempt, Delay: delay}, nil
}

// Forget clears activation state so a retry nested in a loop starts its
// attempt budget over each iteration.
func (c *RetryController) Forget(ids []string) {
	for _, id := range ids {
		delete(c.states, id)
	}
}

// backoffDelay returns the wait before the given attempt. Delays never
// decrease as attempts climb, and the multiplier is capped.
func backoffDelay(backoffSeconds, attempt int) time.Duration {
	if attempt <= 1 || backoffSeconds <= 0 {
		return 0
	}
	multiplier := 1
	for i := 2; i < attempt && multiplier < maxBackoffMultiplier; i++ {
		multiplier *= 2
	}
	if multiplier > maxBackoffMultiplier {
		multiplier = maxBackoffMultiplier
	}
	return time.Duration(backoffSeconds*multiplier) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return NewError(KindCancelled, "cancelled during retry backoff", ctx.Err())
	}
}
