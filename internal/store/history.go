package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/evalsearch/pkg/types"

	_ "modernc.org/sqlite"
)

// schema contains the DDL of the history database.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id      TEXT PRIMARY KEY,
		folder_id   TEXT NOT NULL,
		job_id      TEXT NOT NULL,
		client_id   TEXT NOT NULL,
		resume      INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL,
		iterations  INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		started_at  TEXT NOT NULL,
		finished_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_job_id ON runs(job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_folder_id ON runs(folder_id)`,
}

// RunRecord is one execution of a job, fresh or resumed.
type RunRecord struct {
	RunID      string          `json:"run_id"`
	FolderID   string          `json:"folder_id"`
	JobID      string          `json:"job_id"`
	ClientID   string          `json:"client_id"`
	Resume     bool            `json:"resume"`
	Status     types.JobStatus `json:"status"`
	Iterations int64           `json:"iterations"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// HistoryStore records job runs in SQLite.
type HistoryStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewHistoryStore opens (or creates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func NewHistoryStore(dbPath string, logger *slog.Logger) (*HistoryStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// a single connection keeps :memory: databases shared and writes serial
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	return &HistoryStore{
		db:     db,
		logger: logger.With("component", "history"),
	}, nil
}

func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// Migrate creates the tables and indexes.
func (s *HistoryStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// RecordStart inserts a run in its initial status.
func (s *HistoryStore) RecordStart(ctx context.Context, run RunRecord) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.RunID)
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, folder_id, job_id, client_id, resume, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.FolderID, run.JobID, run.ClientID, run.Resume, string(run.Status),
		run.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// RecordFinish stores the final status of a run.
func (s *HistoryStore) RecordFinish(ctx context.Context, runID string, status types.JobStatus, iterations int64, errMsg string) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", runID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, iterations = ?, error = ?, finished_at = ? WHERE run_id = ?`,
		string(status), iterations, errMsg, time.Now().UTC().Format(time.RFC3339Nano), runID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, sql.ErrNoRows)
	}
	return nil
}

// GetRun returns a run, or nil if it does not exist.
func (s *HistoryStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", runID)
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, folder_id, job_id, client_id, resume, status, iterations, error, started_at, finished_at
		 FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns the newest runs first. An empty jobID lists all jobs;
// limit <= 0 means no limit.
func (s *HistoryStore) ListRuns(ctx context.Context, jobID string, limit int) ([]*RunRecord, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "job", jobID)
	query := `SELECT run_id, folder_id, job_id, client_id, resume, status, iterations, error, started_at, finished_at
		 FROM runs`
	var args []any
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY started_at DESC, run_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var run RunRecord
	var status, startedAt string
	var finishedAt sql.NullString
	if err := row.Scan(&run.RunID, &run.FolderID, &run.JobID, &run.ClientID, &run.Resume,
		&status, &run.Iterations, &run.Error, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	run.Status = types.JobStatus(status)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		run.FinishedAt = &t
	}
	return &run, nil
}
