package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/skein-run/skein/pkg/engine"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "skein.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return store
}

func compileTestPlan(t *testing.T) *engine.Plan {
	t.Helper()
	plan, err := engine.Compile("t1 = probe(url=\"https://example.com\")\nif t1.result.code == 200:\n    ok = record()\n")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	plan.Name = "probe-and-record"
	return plan
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Errorf("second Migrate failed: %v", err)
	}
}

func TestSaveAndGetPlan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	plan := compileTestPlan(t)

	rec, err := store.SavePlan(ctx, plan)
	if err != nil {
		t.Fatalf("SavePlan failed: %v", err)
	}
	if rec.GraphHash == "" {
		t.Error("saved plan has no graph hash")
	}

	loaded, err := store.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if loaded.Name != plan.Name || loaded.Source != plan.Source {
		t.Errorf("loaded plan = %s/%q, want %s/%q", loaded.Name, loaded.Source, plan.Name, plan.Source)
	}

	wantHash, err := plan.CanonicalHash()
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	gotHash, err := loaded.CanonicalHash()
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if gotHash != wantHash {
		t.Errorf("stored graph hash = %s, want %s", gotHash, wantHash)
	}
}

func TestGetPlanNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetPlan(context.Background(), "absent")
	if !engine.IsKind(err, engine.KindNotFound) {
		t.Errorf("error kind = %s, want not_found", engine.KindOf(err))
	}
}

func TestListPlans(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		plan := compileTestPlan(t)
		plan.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if _, err := store.SavePlan(ctx, plan); err != nil {
			t.Fatalf("SavePlan failed: %v", err)
		}
	}
	plans, err := store.ListPlans(ctx, 2)
	if err != nil {
		t.Fatalf("ListPlans failed: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("listed %d plans, want 2", len(plans))
	}
	if plans[0].CreatedAt.Before(plans[1].CreatedAt) {
		t.Error("plans are not newest first")
	}
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	plan := compileTestPlan(t)
	if _, err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("SavePlan failed: %v", err)
	}

	now := time.Now().UTC()
	run := &Run{
		ID:        uuid.NewString(),
		PlanID:    plan.ID,
		Status:    "running",
		StartedAt: &now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	loaded, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if loaded.PlanID != plan.ID || loaded.Status != "running" {
		t.Errorf("loaded run = %+v", loaded)
	}
	if loaded.CompletedAt != nil {
		t.Error("unfinished run has a completion time")
	}

	if err := store.FinishRun(ctx, run.ID, "completed", ""); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	loaded, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if loaded.Status != "completed" || loaded.CompletedAt == nil {
		t.Errorf("finished run = %+v", loaded)
	}
}

func TestFinishUnknownRun(t *testing.T) {
	store := newTestStore(t)
	err := store.FinishRun(context.Background(), "absent", "failed", "boom")
	if !engine.IsKind(err, engine.KindNotFound) {
		t.Errorf("error kind = %s, want not_found", engine.KindOf(err))
	}
}

func TestEventStreamRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	plan := compileTestPlan(t)
	if _, err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("SavePlan failed: %v", err)
	}
	now := time.Now().UTC()
	run := &Run{ID: uuid.NewString(), PlanID: plan.ID, Status: "running",
		StartedAt: &now, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	broker := engine.NewBroker()
	broker.Publish(engine.Event{Type: engine.EventPlanCreated, PlanID: plan.ID,
		Payload: map[string]any{"nodes": float64(5)}})
	broker.Publish(engine.Event{Type: engine.EventNodeStarted, PlanID: plan.ID, NodeID: "task_000003"})
	broker.Publish(engine.Event{Type: engine.EventPlanCompleted, PlanID: plan.ID})

	for _, evt := range broker.History() {
		if err := store.AppendEvent(ctx, run.ID, evt); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, err := store.ListEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("listed %d events, want 3", len(events))
	}
	for i, evt := range events {
		if evt.Seq != int64(i)+1 {
			t.Errorf("event %d has seq %d", i, evt.Seq)
		}
		if evt.PlanID != plan.ID {
			t.Errorf("event %d lost its plan id", i)
		}
	}
	if events[1].NodeID != "task_000003" {
		t.Errorf("node id = %q", events[1].NodeID)
	}
}

func TestAppendDuplicateSeqFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	plan := compileTestPlan(t)
	if _, err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("SavePlan failed: %v", err)
	}
	now := time.Now().UTC()
	run := &Run{ID: uuid.NewString(), PlanID: plan.ID, Status: "running",
		StartedAt: &now, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	evt := engine.NewBroker().Publish(engine.Event{Type: engine.EventPlanCreated, PlanID: plan.ID})
	if err := store.AppendEvent(ctx, run.ID, evt); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if err := store.AppendEvent(ctx, run.ID, evt); err == nil {
		t.Error("duplicate sequence number was accepted")
	}
}
