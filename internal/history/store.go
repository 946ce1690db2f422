// Package history keeps an append-only SQLite log of runs and task attempts,
// so operators can see how a task reached its current status across runs.
package history

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/harrison/taskloop/internal/models"
)

// Run is one engine run.
type Run struct {
	ID           string
	ControllerID string
	StartedAt    time.Time
	FinishedAt   time.Time
	Attempted    int
	Completed    int
	Blocked      int
	Code         models.ReasonCode
	Reason       string
}

// Attempt is one terminal task outcome.
type Attempt struct {
	ID               int64
	RunID            string
	TaskID           string
	Iteration        int
	Status           models.TaskStatus
	Code             models.ReasonCode
	Reason           string
	GateAttempts     int
	SemanticAttempts int
	DurationMs       int64
	Verdict          models.JudgeVerdict
	At               time.Time
}

// Store manages the history database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewRunID returns a time-sortable run id.
func NewRunID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// Open opens, creating if needed, the database at dbPath and applies
// pending migrations.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000", // Must be first
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// execWithRetry executes a statement with exponential backoff on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StartRun inserts a run row.
func (s *Store) StartRun(ctx context.Context, run Run) error {
	query := `INSERT INTO runs (id, controller_id, started_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, run.ID, run.ControllerID, run.StartedAt.UTC().UnixMilli()); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun records a run's totals and outcome.
func (s *Store) FinishRun(ctx context.Context, run Run) error {
	query := `UPDATE runs
		SET finished_at = ?, attempted = ?, completed = ?, blocked = ?, code = ?, reason = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, run.FinishedAt.UTC().UnixMilli(),
		run.Attempted, run.Completed, run.Blocked, string(run.Code), run.Reason, run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run: run %s not found", run.ID)
	}
	return nil
}

// RecordAttempt appends a task attempt.
func (s *Store) RecordAttempt(ctx context.Context, a Attempt) (int64, error) {
	verdict, err := json.Marshal(a.Verdict)
	if err != nil {
		return 0, fmt.Errorf("marshal verdict: %w", err)
	}
	query := `INSERT INTO attempts
		(run_id, task_id, iteration, status, code, reason, gate_attempts, semantic_attempts, duration_ms, verdict, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query, a.RunID, a.TaskID, a.Iteration, string(a.Status), string(a.Code),
		a.Reason, a.GateAttempts, a.SemanticAttempts, a.DurationMs, string(verdict), a.At.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert attempt: %w", err)
	}
	return res.LastInsertId()
}

// TaskAttempts returns the attempts for a task, newest first. A limit of
// zero or less returns all of them.
func (s *Store) TaskAttempts(ctx context.Context, taskID string, limit int) ([]Attempt, error) {
	query := `SELECT id, run_id, task_id, iteration, status, code, reason, gate_attempts, semantic_attempts, duration_ms, verdict, at
		FROM attempts WHERE task_id = ? ORDER BY at DESC, id DESC`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var (
			a       Attempt
			status  string
			code    string
			verdict string
			at      int64
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.TaskID, &a.Iteration, &status, &code, &a.Reason,
			&a.GateAttempts, &a.SemanticAttempts, &a.DurationMs, &verdict, &at); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Status = models.TaskStatus(status)
		a.Code = models.ReasonCode(code)
		a.At = time.UnixMilli(at).UTC()
		if err := json.Unmarshal([]byte(verdict), &a.Verdict); err != nil {
			return nil, fmt.Errorf("unmarshal verdict: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// LastRun returns the most recently started run, or nil when there is none.
func (s *Store) LastRun(ctx context.Context) (*Run, error) {
	query := `SELECT id, controller_id, started_at, COALESCE(finished_at, 0), attempted, completed, blocked, code, reason
		FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`

	var (
		run        Run
		code       string
		started    int64
		finishedAt int64
	)
	err := s.db.QueryRowContext(ctx, query).Scan(&run.ID, &run.ControllerID, &started, &finishedAt,
		&run.Attempted, &run.Completed, &run.Blocked, &code, &run.Reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query last run: %w", err)
	}
	run.Code = models.ReasonCode(code)
	run.StartedAt = time.UnixMilli(started).UTC()
	if finishedAt > 0 {
		run.FinishedAt = time.UnixMilli(finishedAt).UTC()
	}
	return &run, nil
}
