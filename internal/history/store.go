// Package history persists skill runs and their execution event streams in
// SQLite, giving observers (CLI, UI) a durable trace to replay.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"flowbot/internal/domain"

	_ "modernc.org/sqlite"
)

// Store implements domain.EventSink backed by SQLite. Writes are serialized
// through a single mutex so interleaved events from concurrent runs cannot
// corrupt any single run's ordering.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id        TEXT PRIMARY KEY,
		skill_name    TEXT NOT NULL,
		success       INTEGER NOT NULL,
		steps_total   INTEGER NOT NULL,
		steps_passed  INTEGER NOT NULL,
		steps_failed  INTEGER NOT NULL,
		steps_skipped INTEGER NOT NULL,
		error         TEXT,
		started_at    DATETIME NOT NULL,
		finished_at   DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		type       TEXT NOT NULL,
		step_index INTEGER,
		step_name  TEXT,
		data       TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE(run_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Handle stores one execution event. Implements domain.EventSink: storage
// errors are logged, never propagated into the run.
func (s *Store) Handle(ev domain.ExecutionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	if len(ev.Data) > 0 {
		var err error
		data, err = json.Marshal(ev.Data)
		if err != nil {
			s.logger.Warn("cannot encode event payload", "run", ev.RunID, "type", ev.Type, "err", err)
		}
	}

	var stepIndex any
	if ev.StepIndex != nil {
		stepIndex = *ev.StepIndex
	}

	_, err := s.db.Exec(
		`INSERT INTO events (run_id, seq, type, step_index, step_name, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Seq, string(ev.Type), stepIndex, ev.StepName, string(data), ev.Timestamp,
	)
	if err != nil {
		s.logger.Error("cannot persist execution event", "run", ev.RunID, "seq", ev.Seq, "err", err)
	}
}

// SaveResult archives a finished run.
func (s *Store) SaveResult(res *domain.SkillResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO runs
		 (run_id, skill_name, success, steps_total, steps_passed, steps_failed, steps_skipped, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.SkillName, boolToInt(res.Success),
		res.StepsTotal, res.StepsPassed, res.StepsFailed, res.StepsSkipped,
		res.Error, res.StartedAt, res.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", res.RunID, err)
	}
	return nil
}

// RunSummary is one row of the run archive.
type RunSummary struct {
	RunID        string
	SkillName    string
	Success      bool
	StepsTotal   int
	StepsPassed  int
	StepsFailed  int
	StepsSkipped int
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// RecentRuns returns the newest runs first, up to limit.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, skill_name, success, steps_total, steps_passed, steps_failed, steps_skipped, error, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var success int
		if err := rows.Scan(&r.RunID, &r.SkillName, &success, &r.StepsTotal, &r.StepsPassed,
			&r.StepsFailed, &r.StepsSkipped, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunEvents replays a run's event stream in emission order.
func (s *Store) RunEvents(ctx context.Context, runID string) ([]domain.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, type, step_index, step_name, data, created_at
		 FROM events WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionEvent
	for rows.Next() {
		var (
			ev        domain.ExecutionEvent
			evType    string
			stepIndex sql.NullInt64
			stepName  sql.NullString
			data      sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &evType, &stepIndex, &stepName, &data, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.RunID = runID
		ev.Type = domain.EventType(evType)
		if stepIndex.Valid {
			idx := int(stepIndex.Int64)
			ev.StepIndex = &idx
		}
		ev.StepName = stepName.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				s.logger.Warn("cannot decode event payload", "run", runID, "seq", ev.Seq, "err", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
