package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// EventType names a lifecycle event in the stream. Node events cover
// plan-visible work only: start, end and noop nodes pass through the
// walk without publishing node_started or node_finished.
type EventType string

const (
	EventPlanCreated   EventType = "plan_created"
	EventPlanCompleted EventType = "plan_completed"
	EventPlanFailed    EventType = "plan_failed"
	EventNodeStarted   EventType = "node_started"
	EventNodeFinished  EventType = "node_finished"
	EventTaskStarted   EventType = "task_started"
	EventTaskFinished  EventType = "task_finished"
	EventDecisionTaken EventType = "decision_taken"
	EventLoopIteration EventType = "loop_iteration"
	EventRetryAttempt  EventType = "retry_attempt"
)

// Event is one entry in a run's ordered stream. Seq increases by one
// per event; Hash chains each event to its predecessor so a stored
// stream can be checked for gaps or tampering.
type Event struct {
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	PlanID    string         `json:"plan_id"`
	NodeID    string         `json:"node_id,omitempty"`
	NodeName  string         `json:"node_name,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	PrevHash  string         `json:"prev_hash,omitempty"`
	Hash      string         `json:"hash"`
}

// Handler receives events synchronously, on the publishing goroutine.
// A slow handler slows the run; that is the ordering contract.
type Handler func(Event)

// Broker sequences, hashes and fans out events. Publication order is
// total: the sequence number and hash chain are assigned under one
// lock, and every subscriber sees every event in the same order.
type Broker struct {
	mu       sync.Mutex
	seq      int64
	lastHash string
	subs     []Handler
	history  []Event
}

func NewBroker() *Broker {
	return &Broker{}
}

// Subscribe registers a handler for all subsequent events.
func (b *Broker) Subscribe(fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish assigns the event its place in the stream and delivers it to
// every subscriber before returning.
func (b *Broker) Publish(evt Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	evt.Seq = b.seq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.PrevHash = b.lastHash
	evt.Hash = hashEvent(evt)
	b.lastHash = evt.Hash
	b.history = append(b.history, evt)

	for _, fn := range b.subs {
		fn(evt)
	}
	return evt
}

// History returns a copy of every event published so far.
func (b *Broker) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// VerifyChain walks a stream and checks sequence continuity and hash
// linkage. Streams loaded from storage pass through this before replay.
func VerifyChain(events []Event) error {
	prevHash := ""
	for i, evt := range events {
		if evt.Seq != int64(i)+1 {
			return NewError(KindInternal,
				fmt.Sprintf("event %d has sequence %d, want %d", i, evt.Seq, i+1), nil)
		}
		if evt.PrevHash != prevHash {
			return NewError(KindInternal,
				fmt.Sprintf("event %d breaks the hash chain", evt.Seq), nil)
		}
		if hashEvent(evt) != evt.Hash {
			return NewError(KindInternal,
				fmt.Sprintf("event %d fails its content hash", evt.Seq), nil)
		}
		prevHash = evt.Hash
	}
	return nil
}

// hashEvent digests the event's identifying content plus its
// predecessor's hash. The Hash field itself is excluded.
func hashEvent(evt Event) string {
	content := struct {
		Seq       int64          `json:"seq"`
		Type      EventType      `json:"type"`
		PlanID    string         `json:"plan_id"`
		NodeID    string         `json:"node_id,omitempty"`
		NodeName  string         `json:"node_name,omitempty"`
		Timestamp string         `json:"timestamp"`
		Payload   map[string]any `json:"payload,omitempty"`
		PrevHash  string         `json:"prev_hash,omitempty"`
	}{
		Seq:       evt.Seq,
		Type:      evt.Type,
		PlanID:    evt.PlanID,
		NodeID:    evt.NodeID,
		NodeName:  evt.NodeName,
		Timestamp: evt.Timestamp.Format(time.RFC3339Nano),
		Payload:   evt.Payload,
		PrevHash:  evt.PrevHash,
	}
	data, err := canonicalJSON(content)
	if err != nil {
		// Payloads are always JSON-compatible maps; a failure here is a
		// programming error surfaced loudly in the chain check.
		data = []byte(fmt.Sprintf("%v", content))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
