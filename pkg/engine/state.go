package engine

import (
	"fmt"
	"sync"
	"time"
)

// NodeStatus is the execution state of a single node within a run.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusRunning   NodeStatus = "running"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
)

// Record tracks one node's execution state. Fields are guarded by a
// per-record lock so concurrent task completions never contend on a
// store-wide mutex.
type Record struct {
	mu sync.RWMutex

	nodeID         string
	name           string
	status         NodeStatus
	result         any
	errMsg         string
	startedAt      time.Time
	finishedAt     time.Time
	attemptCount   int
	iterationCount int
}

func (r *Record) NodeID() string { return r.nodeID }
func (r *Record) Name() string   { return r.name }

func (r *Record) Status() NodeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Record) Result() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result
}

func (r *Record) Err() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errMsg
}

func (r *Record) StartedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startedAt
}

func (r *Record) FinishedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finishedAt
}

func (r *Record) AttemptCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attemptCount
}

func (r *Record) IterationCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.iterationCount
}

// RecordView is a consistent copy of a record, safe to serialize.
type RecordView struct {
	NodeID         string     `json:"node_id"`
	Name           string     `json:"name,omitempty"`
	Status         NodeStatus `json:"status"`
	Result         any        `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	AttemptCount   int        `json:"attempt_count,omitempty"`
	IterationCount int        `json:"iteration_count,omitempty"`
}

// View snapshots the record under its lock.
func (r *Record) View() RecordView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := RecordView{
		NodeID:         r.nodeID,
		Name:           r.name,
		Status:         r.status,
		Result:         r.result,
		Error:          r.errMsg,
		AttemptCount:   r.attemptCount,
		IterationCount: r.iterationCount,
	}
	if !r.startedAt.IsZero() {
		t := r.startedAt
		v.StartedAt = &t
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		v.FinishedAt = &t
	}
	return v
}

// StateStore holds the execution records of one run. The store mutex
// guards only the index maps; record fields are guarded by each
// record's own lock.
type StateStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	byName  map[string][]*Record
	clock   func() time.Time
}

// NewStateStore seeds a pending record for every node in the graph.
func NewStateStore(g *Graph) *StateStore {
	s := &StateStore{
		records: make(map[string]*Record, len(g.Nodes)),
		byName:  make(map[string][]*Record),
		clock:   func() time.Time { return time.Now().UTC() },
	}
	for id, node := range g.Nodes {
		rec := &Record{nodeID: id, name: node.Name(), status: StatusPending}
		s.records[id] = rec
		if node.Name() != "" {
			s.byName[node.Name()] = append(s.byName[node.Name()], rec)
		}
	}
	return s
}

// Get returns the record for a node id.
func (s *StateStore) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, NewError(KindNotFound, fmt.Sprintf("no record for node %q", id), nil)
	}
	return rec, nil
}

// GetByName returns the record for a node name. It is the same record
// instance Get returns, never a copy. When several nodes share a name,
// the record with the latest start time wins; untouched records lose to
// started ones.
func (s *StateStore) GetByName(name string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.byName[name]
	if len(recs) == 0 {
		return nil, NewError(KindNotFound, fmt.Sprintf("no record for name %q", name), nil)
	}
	best := recs[0]
	for _, rec := range recs[1:] {
		if rec.StartedAt().After(best.StartedAt()) {
			best = rec
		}
	}
	return best, nil
}

// MarkRunning transitions a record to running and stamps its start
// time.
func (s *StateStore) MarkRunning(id string) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.status = StatusRunning
	rec.startedAt = s.clock()
	rec.finishedAt = time.Time{}
	rec.errMsg = ""
	return nil
}

// MarkCompleted transitions a record to completed with its result.
func (s *StateStore) MarkCompleted(id string, result any) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.status = StatusCompleted
	rec.result = result
	rec.finishedAt = s.clock()
	return nil
}

// MarkFailed transitions a record to failed with the failure message.
func (s *StateStore) MarkFailed(id string, cause error) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.status = StatusFailed
	if cause != nil {
		rec.errMsg = cause.Error()
	}
	rec.finishedAt = s.clock()
	return nil
}

// Reset returns records to pending so a loop iteration or retry attempt
// can re-execute them. Attempt and iteration counters survive the
// reset.
func (s *StateStore) Reset(ids []string) error {
	for _, id := range ids {
		rec, err := s.Get(id)
		if err != nil {
			return err
		}
		rec.mu.Lock()
		rec.status = StatusPending
		rec.result = nil
		rec.errMsg = ""
		rec.startedAt = time.Time{}
		rec.finishedAt = time.Time{}
		rec.mu.Unlock()
	}
	return nil
}

// IncrementAttempt bumps and returns a retry node's attempt counter.
func (s *StateStore) IncrementAttempt(id string) (int, error) {
	rec, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.attemptCount++
	return rec.attemptCount, nil
}

// IncrementIteration bumps and returns a loop node's iteration counter.
func (s *StateStore) IncrementIteration(id string) (int, error) {
	rec, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.iterationCount++
	return rec.iterationCount, nil
}

// Snapshot copies every record for reporting. Views are taken one
// record at a time; the snapshot is not a single atomic cut across the
// store.
func (s *StateStore) Snapshot() map[string]RecordView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]RecordView, len(s.records))
	for id, rec := range s.records {
		out[id] = rec.View()
	}
	return out
}
