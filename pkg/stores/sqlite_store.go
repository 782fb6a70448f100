package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/skein-run/skein/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists plans, runs and event streams in a local SQLite
// database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new store instance. Call Init before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SavePlan inserts or replaces a compiled plan.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan *engine.Plan) (*PlanRecord, error) {
	graphJSON, err := json.Marshal(plan.Graph)
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph: %w", err)
	}
	hash, err := plan.CanonicalHash()
	if err != nil {
		return nil, fmt.Errorf("failed to hash graph: %w", err)
	}
	now := time.Now().UTC()
	rec := &PlanRecord{
		ID:        plan.ID,
		Name:      plan.Name,
		Source:    plan.Source,
		Graph:     string(graphJSON),
		GraphHash: hash,
		Status:    string(plan.Status),
		CreatedAt: plan.CreatedAt,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO plans (id, name, source, graph, graph_hash, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Name, rec.Source, rec.Graph, rec.GraphHash,
		rec.Status, rec.CreatedAt, rec.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to save plan: %w", err)
	}
	return rec, nil
}

// GetPlan loads a stored plan and rebuilds its graph.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*engine.Plan, error) {
	query := `
		SELECT id, name, source, graph, status, created_at
		FROM plans
		WHERE id = ?
	`
	var (
		rec       PlanRecord
		graphJSON string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.Name, &rec.Source, &graphJSON, &rec.Status, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewError(engine.KindNotFound, fmt.Sprintf("plan not found: %s", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	var graph engine.Graph
	if err := json.Unmarshal([]byte(graphJSON), &graph); err != nil {
		return nil, fmt.Errorf("stored graph for plan %s is invalid: %w", id, err)
	}
	return &engine.Plan{
		ID:        rec.ID,
		Name:      rec.Name,
		Source:    rec.Source,
		Graph:     &graph,
		Status:    engine.PlanStatus(rec.Status),
		CreatedAt: rec.CreatedAt,
	}, nil
}

// ListPlans returns stored plan records, newest first.
func (s *SQLiteStore) ListPlans(ctx context.Context, limit int) ([]PlanRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, name, source, graph_hash, status, created_at, updated_at
		FROM plans
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []PlanRecord
	for rows.Next() {
		var rec PlanRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Source, &rec.GraphHash,
			&rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, rec)
	}
	return plans, rows.Err()
}

// CreateRun records the start of a plan execution.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, plan_id, status, started_at, completed_at, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		run.ID, run.PlanID, run.Status, run.StartedAt, run.CompletedAt,
		run.Error, run.CreatedAt, run.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun stores a run's terminal status.
func (s *SQLiteStore) FinishRun(ctx context.Context, id, status, runErr string) error {
	now := time.Now().UTC()
	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, status, runErr, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n == 0 {
		return engine.NewError(engine.KindNotFound, fmt.Sprintf("run not found: %s", id), nil)
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, plan_id, status, started_at, completed_at, error, created_at, updated_at
		FROM runs
		WHERE id = ?
	`
	run := &Run{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.PlanID, &run.Status, &run.StartedAt, &run.CompletedAt,
		&run.Error, &run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewError(engine.KindNotFound, fmt.Sprintf("run not found: %s", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// AppendEvent stores one event of a run's stream. Sequence numbers are
// part of the primary key, so replayed or duplicated appends fail loudly.
func (s *SQLiteStore) AppendEvent(ctx context.Context, runID string, evt engine.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}
	query := `
		INSERT INTO events (run_id, seq, type, node_id, node_name, timestamp, payload, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		runID, evt.Seq, string(evt.Type), evt.NodeID, evt.NodeName,
		evt.Timestamp, string(payload), evt.PrevHash, evt.Hash,
	); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents loads a run's stream in sequence order and checks its
// hash chain before handing it back.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]engine.Event, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT seq, type, node_id, node_name, timestamp, payload, prev_hash, hash
		FROM events
		WHERE run_id = ?
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []engine.Event
	for rows.Next() {
		var (
			evt     engine.Event
			typ     string
			payload string
		)
		if err := rows.Scan(&evt.Seq, &typ, &evt.NodeID, &evt.NodeName,
			&evt.Timestamp, &payload, &evt.PrevHash, &evt.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evt.Type = engine.EventType(typ)
		evt.PlanID = run.PlanID
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
				return nil, fmt.Errorf("event %d payload is invalid: %w", evt.Seq, err)
			}
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := engine.VerifyChain(events); err != nil {
		return nil, fmt.Errorf("event stream for run %s is corrupt: %w", runID, err)
	}
	return events, nil
}
