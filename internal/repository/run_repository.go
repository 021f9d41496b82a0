package repository

import (
	"context"

	"github.com/kigo-pro/assignq/internal/assignment"
)

type RunRepository interface {
	SaveRun(ctx context.Context, run assignment.Run) error
	FinishRun(ctx context.Context, runID string, status assignment.RunStatus, stats assignment.Stats) error
	LogItemResult(ctx context.Context, runID string, item assignment.Item) error
	GetRecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
	GetRunItems(ctx context.Context, runID string) ([]ItemLogEntry, error)
	GetFailureReasons(ctx context.Context, hours int) ([]FailureReason, error)
	Close() error
}

var (
	_ RunRepository = (*PostgresRunRepository)(nil)
	_ RunRepository = (*MockPostgresRepository)(nil)
)
