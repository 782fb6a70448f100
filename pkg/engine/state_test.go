package engine

import (
	"errors"
	"testing"
	"time"
)

func twoTaskGraph() *Graph {
	return &Graph{
		Nodes: map[string]Node{
			"task_000001": &TaskNode{NodeID: "task_000001", NodeName: "step", TaskRef: "a"},
			"task_000002": &TaskNode{NodeID: "task_000002", NodeName: "step", TaskRef: "b"},
			"noop_000003": &NoOpNode{NodeID: "noop_000003", NodeName: "join"},
		},
	}
}

func TestStateStoreSeedsPending(t *testing.T) {
	store := NewStateStore(twoTaskGraph())
	for _, id := range []string{"task_000001", "task_000002", "noop_000003"} {
		rec, err := store.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", id, err)
		}
		if rec.Status() != StatusPending {
			t.Errorf("%s status = %s, want pending", id, rec.Status())
		}
	}
}

func TestGetByNameReturnsSameInstance(t *testing.T) {
	store := NewStateStore(twoTaskGraph())
	byID, err := store.Get("task_000001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := store.MarkRunning("task_000001"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	byName, err := store.GetByName("step")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if byID != byName {
		t.Error("GetByName returned a different record instance than Get")
	}
}

func TestGetByNameLatestStartWins(t *testing.T) {
	store := NewStateStore(twoTaskGraph())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.clock = func() time.Time { now = now.Add(time.Second); return now }

	if err := store.MarkRunning("task_000001"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	if err := store.MarkRunning("task_000002"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	rec, err := store.GetByName("step")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if rec.NodeID() != "task_000002" {
		t.Errorf("GetByName picked %s, want the later-started task_000002", rec.NodeID())
	}
}

func TestGetByNameUnknown(t *testing.T) {
	store := NewStateStore(twoTaskGraph())
	_, err := store.GetByName("ghost")
	if err == nil {
		t.Fatal("expected an error for an unknown name")
	}
	if !IsKind(err, KindNotFound) {
		t.Errorf("error kind = %s, want not_found", KindOf(err))
	}
}

func TestMarkTransitions(t *testing.T) {
	store := NewStateStore(twoTaskGraph())
	if err := store.MarkRunning("task_000001"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	rec, _ := store.Get("task_000001")
	if rec.Status() != StatusRunning || rec.StartedAt().IsZero() {
		t.Error("running record missing status or start time")
	}

	if err := store.MarkCompleted("task_000001", map[string]any{"ok": true}); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if rec.Status() != StatusCompleted || rec.FinishedAt().IsZero() {
		t.Error("completed record missing status or finish time")
	}

	if err := store.MarkFailed("task_000002", errors.New("boom")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	failed, _ := store.Get("task_000002")
	if failed.Status() != StatusFailed || failed.Err() != "boom" {
		t.Errorf("failed record = %s/%q, want failed/boom", failed.Status(), failed.Err())
	}
}

func TestResetKeepsCounters(t *testing.T) {
	store := NewStateStore(twoTaskGraph())
	if err := store.MarkRunning("task_000001"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	if err := store.MarkFailed("task_000001", errors.New("boom")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if _, err := store.IncrementAttempt("task_000001"); err != nil {
		t.Fatalf("IncrementAttempt failed: %v", err)
	}
	if _, err := store.IncrementIteration("task_000001"); err != nil {
		t.Fatalf("IncrementIteration failed: %v", err)
	}

	if err := store.Reset([]string{"task_000001"}); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	rec, _ := store.Get("task_000001")
	if rec.Status() != StatusPending {
		t.Errorf("status after reset = %s, want pending", rec.Status())
	}
	if rec.Result() != nil || rec.Err() != "" {
		t.Error("reset left result or error behind")
	}
	if !rec.StartedAt().IsZero() || !rec.FinishedAt().IsZero() {
		t.Error("reset left timestamps behind")
	}
	if rec.AttemptCount() != 1 || rec.IterationCount() != 1 {
		t.Errorf("counters = %d/%d after reset, want 1/1",
			rec.AttemptCount(), rec.IterationCount())
	}
}

func TestSnapshotViews(t *testing.T) {
	store := NewStateStore(twoTaskGraph())
	if err := store.MarkRunning("task_000001"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	snap := store.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d records, want 3", len(snap))
	}
	view := snap["task_000001"]
	if view.Status != StatusRunning || view.StartedAt == nil {
		t.Error("snapshot view missing running status or start time")
	}
	if snap["noop_000003"].StartedAt != nil {
		t.Error("untouched record has a start time in its view")
	}
}
