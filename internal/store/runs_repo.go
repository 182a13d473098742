package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskagent/internal/core"
)

var ErrRunNotFound = errors.New("run not found")

// sortableTime keeps a fixed-width fraction so that timestamps order as text.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

const runColumns = `id, task_id, outcome, exit_code, dropped, output_bytes, periodic, started_at, ended_at, created_at`

// RecordRun appends a finished run and prunes the task's history to JournalKeep.
func (s *Store) RecordRun(ctx context.Context, rec core.RunRecord) error {
	if rec.ID == "" {
		rec.ID = core.NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.TaskID, string(rec.Outcome), rec.ExitCode, rec.Dropped, rec.OutputBytes, boolToInt(rec.Periodic),
		formatTime(rec.StartedAt), formatTime(rec.EndedAt), formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if s.JournalKeep > 0 {
		if err := s.PruneRuns(ctx, rec.TaskID, s.JournalKeep); err != nil {
			return err
		}
	}
	return nil
}

// GetRun returns one journal entry.
func (s *Store) GetRun(ctx context.Context, id string) (*core.RunRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return rec, nil
}

// ListRuns returns the newest runs first. An empty taskID lists every task.
func (s *Store) ListRuns(ctx context.Context, taskID string, limit int) ([]*core.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if taskID == "" {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+runColumns+` FROM runs
			ORDER BY created_at DESC
			LIMIT ?
		`, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+runColumns+` FROM runs
			WHERE task_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		`, taskID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*core.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// PruneRuns keeps the newest keep runs of a task and deletes the rest.
func (s *Store) PruneRuns(ctx context.Context, taskID string, keep int) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM runs
		WHERE task_id = ? AND id NOT IN (
			SELECT id FROM runs
			WHERE task_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
	`, taskID, taskID, keep)
	if err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}
	return nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*core.RunRecord, error) {
	var (
		rec       core.RunRecord
		outcome   string
		periodic  int
		startedAt string
		endedAt   string
		createdAt string
	)
	if err := scanner.Scan(&rec.ID, &rec.TaskID, &outcome, &rec.ExitCode, &rec.Dropped, &rec.OutputBytes, &periodic,
		&startedAt, &endedAt, &createdAt); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	rec.Outcome = core.Outcome(outcome)
	rec.Periodic = periodic != 0
	rec.StartedAt = mustParseTime(startedAt)
	rec.EndedAt = mustParseTime(endedAt)
	rec.CreatedAt = mustParseTime(createdAt)
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sortableTime)
}

func mustParseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
