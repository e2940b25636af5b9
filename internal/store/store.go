package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"segbench/internal/metrics"
)

// DataFileName is the default database file name.
const DataFileName = "segbench.db"

var (
	//go:embed sql/*
	f embed.FS

	// ErrNotFound indicates the requested run does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateScore indicates a sample key was already scored in the run.
	ErrDuplicateScore = errors.New("store: duplicate score")
)

// Run states.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Run is one evaluation pass. Summary covers the samples scored before the
// run finished or failed.
type Run struct {
	ID         string          `json:"id"`
	Model      string          `json:"model"`
	Precision  string          `json:"precision"`
	Smooth     float64         `json:"smooth"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Summary    metrics.Summary `json:"summary"`
}

// Score is the result for one sample within a run.
type Score struct {
	RunID    string  `json:"run_id"`
	Key      string  `json:"key"`
	Dice     float64 `json:"dice"`
	SoftDice float64 `json:"soft_dice"`
	Report   string  `json:"report,omitempty"`
}

// Store persists runs and scores in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: database path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	b, err := f.ReadFile("sql/ddl.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema: %w", err)
	}
	if _, err := db.Exec(string(b)); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema to %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, r Run) error {
	if r.ID == "" {
		return errors.New("store: run id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run (id, model, precision, smooth, started_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Model, r.Precision, r.Smooth, r.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// AddScore records one sample score. A key already scored in the run is
// rejected with ErrDuplicateScore.
func (s *Store) AddScore(ctx context.Context, sc Score) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO score (run_id, sample_key, dice, soft_dice, report) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, sample_key) DO NOTHING`,
		sc.RunID, sc.Key, sc.Dice, sc.SoftDice, sc.Report)
	if err != nil {
		return fmt.Errorf("insert score %s/%s: %w", sc.RunID, sc.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert score %s/%s: %w", sc.RunID, sc.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateScore, sc.RunID, sc.Key)
	}
	return nil
}

// FinishRun stores the final summary of a completed run.
func (s *Store) FinishRun(ctx context.Context, id string, sum metrics.Summary, at time.Time) error {
	return s.closeRun(ctx, id, StatusFinished, "", sum, at)
}

// FailRun marks a run as failed, keeping the summary of what was scored.
func (s *Store) FailRun(ctx context.Context, id string, sum metrics.Summary, at time.Time, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.closeRun(ctx, id, StatusFailed, msg, sum, at)
}

func (s *Store) closeRun(ctx context.Context, id, status, msg string, sum metrics.Summary, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run SET finished_at = ?, status = ?, error_message = ?,
		 samples = ?, mean_dice = ?, min_dice = ?, max_dice = ?, mean_soft_dice = ?
		 WHERE id = ?`,
		at.UnixMilli(), status, msg, sum.Count, sum.MeanDice, sum.MinDice, sum.MaxDice, sum.MeanSoftDice, id)
	if err != nil {
		return fmt.Errorf("%s run %s: %w", status, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s run %s: %w", status, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return nil
}

const runColumns = `id, model, precision, smooth, started_at, finished_at, status, error_message, samples, mean_dice, min_dice, max_dice, mean_soft_dice`

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM run ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	list := make([]Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *r)
	}
	return list, rows.Err()
}

// GetRun returns the run with id or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM run WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return r, err
}

// ListScores returns the scores of a run ordered by sample key.
func (s *Store) ListScores(ctx context.Context, runID string) ([]Score, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, sample_key, dice, soft_dice, report FROM score WHERE run_id = ? ORDER BY sample_key`, runID)
	if err != nil {
		return nil, fmt.Errorf("list scores %s: %w", runID, err)
	}
	defer rows.Close()

	list := make([]Score, 0)
	for rows.Next() {
		var sc Score
		if err := rows.Scan(&sc.RunID, &sc.Key, &sc.Dice, &sc.SoftDice, &sc.Report); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		list = append(list, sc)
	}
	return list, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Model, &r.Precision, &r.Smooth, &started, &finished, &r.Status, &r.Error,
		&r.Summary.Count, &r.Summary.MeanDice, &r.Summary.MinDice, &r.Summary.MaxDice, &r.Summary.MeanSoftDice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		r.FinishedAt = &t
	}
	return &r, nil
}
