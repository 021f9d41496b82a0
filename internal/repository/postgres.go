// Package repository provides PostgreSQL persistence for assignment run history.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kigo-pro/assignq/internal/assignment"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const schema = `
	CREATE TABLE IF NOT EXISTS assignment_runs (
		run_id         TEXT PRIMARY KEY,
		target_id      TEXT NOT NULL,
		kind           TEXT NOT NULL,
		status         TEXT NOT NULL,
		batch_size     INTEGER NOT NULL,
		batch_delay_ms BIGINT NOT NULL,
		total_items    INTEGER NOT NULL,
		successful     INTEGER NOT NULL DEFAULT 0,
		failed         INTEGER NOT NULL DEFAULT 0,
		started_at     TIMESTAMPTZ NOT NULL,
		finished_at    TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS assignment_item_log (
		id            BIGSERIAL PRIMARY KEY,
		run_id        TEXT NOT NULL REFERENCES assignment_runs (run_id) ON DELETE CASCADE,
		item_id       TEXT NOT NULL,
		display_name  TEXT,
		status        TEXT NOT NULL,
		attempt       INTEGER NOT NULL,
		error_message TEXT,
		started_at    TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ,
		duration_ms   BIGINT
	);

	CREATE INDEX IF NOT EXISTS idx_assignment_item_log_run ON assignment_item_log (run_id);
	CREATE INDEX IF NOT EXISTS idx_assignment_runs_started ON assignment_runs (started_at DESC);
`

type PostgresRunRepository struct {
	db *sql.DB
}

type RunRecord struct {
	RunID        string     `json:"run_id"`
	TargetID     string     `json:"target_id"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	BatchSize    int        `json:"batch_size"`
	BatchDelayMs int64      `json:"batch_delay_ms"`
	TotalItems   int        `json:"total_items"`
	Successful   int        `json:"successful"`
	Failed       int        `json:"failed"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

type ItemLogEntry struct {
	RunID        string     `json:"run_id"`
	ItemID       string     `json:"item_id"`
	DisplayName  string     `json:"display_name,omitempty"`
	Status       string     `json:"status"`
	Attempt      int        `json:"attempt"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
}

type FailureReason struct {
	Reason         string    `json:"reason"`
	Occurrences    int       `json:"occurrences"`
	LastOccurrence time.Time `json:"last_occurrence"`
}

func NewPostgresRunRepository(connectionString string) (*PostgresRunRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRunRepository{db: db}, nil
}

func (r *PostgresRunRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

func (r *PostgresRunRepository) SaveRun(ctx context.Context, run assignment.Run) error {
	query := `
		INSERT INTO assignment_runs (
			run_id, target_id, kind, status, batch_size,
			batch_delay_ms, total_items, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			total_items = EXCLUDED.total_items
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		run.ID,
		run.TargetID,
		string(run.Kind),
		string(run.Status),
		run.BatchSize,
		run.BatchDelay.Milliseconds(),
		run.Total,
		run.StartedAt,
	)

	return err
}

func (r *PostgresRunRepository) FinishRun(ctx context.Context, runID string, status assignment.RunStatus, stats assignment.Stats) error {
	query := `
		UPDATE assignment_runs
		SET status = $1,
		    successful = $2,
		    failed = $3,
		    finished_at = NOW()
		WHERE run_id = $4
	`
	_, err := r.db.ExecContext(ctx, query, string(status), stats.Successful, stats.Failed, runID)

	return err
}

// LogItemResult appends one settled attempt for an item.
func (r *PostgresRunRepository) LogItemResult(ctx context.Context, runID string, item assignment.Item) error {
	query := `
		INSERT INTO assignment_item_log (
			run_id, item_id, display_name, status, attempt,
			error_message, started_at, completed_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	var msgErrVal any
	if item.Error != "" {
		msgErrVal = item.Error
	}

	var durationMsVal any
	if item.StartTime != nil && item.EndTime != nil {
		durationMsVal = item.Duration().Milliseconds()
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		runID,
		item.ID,
		item.DisplayName,
		string(item.Status),
		item.Attempts,
		msgErrVal,
		nullTime(item.StartTime),
		nullTime(item.EndTime),
		durationMsVal,
	)

	return err
}

func (r *PostgresRunRepository) GetRecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	query := `
		SELECT
			run_id, target_id, kind, status, batch_size, batch_delay_ms,
			total_items, successful, failed, started_at, finished_at
		FROM assignment_runs
		ORDER BY started_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("failed to close rows", zap.Error(err))
		}
	}()

	var runs []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(
			&rec.RunID,
			&rec.TargetID,
			&rec.Kind,
			&rec.Status,
			&rec.BatchSize,
			&rec.BatchDelayMs,
			&rec.TotalItems,
			&rec.Successful,
			&rec.Failed,
			&rec.StartedAt,
			&rec.FinishedAt,
		); err != nil {
			return nil, err
		}

		runs = append(runs, rec)
	}

	return runs, rows.Err()
}

func (r *PostgresRunRepository) GetRunItems(ctx context.Context, runID string) ([]ItemLogEntry, error) {
	query := `
		SELECT
			run_id, item_id, COALESCE(display_name, ''), status, attempt,
			error_message, started_at, completed_at, duration_ms
		FROM assignment_item_log
		WHERE run_id = $1
		ORDER BY id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("failed to close rows", zap.Error(err))
		}
	}()

	var entries []ItemLogEntry
	for rows.Next() {
		var e ItemLogEntry
		var msgErr sql.NullString
		var durationMs sql.NullInt64

		if err := rows.Scan(
			&e.RunID,
			&e.ItemID,
			&e.DisplayName,
			&e.Status,
			&e.Attempt,
			&msgErr,
			&e.StartedAt,
			&e.CompletedAt,
			&durationMs,
		); err != nil {
			return nil, err
		}

		if msgErr.Valid {
			e.ErrorMessage = msgErr.String
		}
		if durationMs.Valid {
			d := durationMs.Int64
			e.DurationMs = &d
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetFailureReasons groups failed attempts of the last hours by error message.
func (r *PostgresRunRepository) GetFailureReasons(ctx context.Context, hours int) ([]FailureReason, error) {
	query := `
		SELECT
			COALESCE(error_message, 'unknown') as reason,
			COUNT(*) as occurrences,
			MAX(completed_at) as last_occurrence
		FROM assignment_item_log
		WHERE status = 'failed'
			AND completed_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY COALESCE(error_message, 'unknown')
		ORDER BY occurrences DESC
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("failed to close rows", zap.Error(err))
		}
	}()

	var reasons []FailureReason
	for rows.Next() {
		var fr FailureReason
		if err := rows.Scan(&fr.Reason, &fr.Occurrences, &fr.LastOccurrence); err != nil {
			return nil, err
		}

		reasons = append(reasons, fr)
	}

	return reasons, rows.Err()
}

func (r *PostgresRunRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresRunRepository) Close() error {
	return r.db.Close()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return *t
}
