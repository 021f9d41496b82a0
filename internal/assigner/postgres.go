// Package assigner provides the Assigner implementations used by the bulk executor: a direct
// Postgres writer, an HTTP client for the filters API and a simulated backend for demos.
package assigner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kigo-pro/assignq/internal/assignment"
	"github.com/kigo-pro/assignq/internal/executor"
)

const ReasonAlreadyAssigned = "Item is already assigned to another filter"

type PostgresAssigner struct {
	db *sql.DB
}

var _ executor.Assigner = (*PostgresAssigner)(nil)

func NewPostgresAssigner(db *sql.DB) *PostgresAssigner {
	return &PostgresAssigner{db: db}
}

// Assign binds the item to the filter. Re-assigning an item to its current filter succeeds;
// an item bound to a different filter is reported as a failed assignment.
func (a *PostgresAssigner) Assign(ctx context.Context, filterID string, item assignment.Item) (executor.AssignResult, error) {
	query := `
		INSERT INTO filter_assignments (item_id, filter_id, assigned_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (item_id) DO UPDATE SET
			assigned_at = EXCLUDED.assigned_at
		WHERE filter_assignments.filter_id = EXCLUDED.filter_id
		RETURNING filter_id
	`

	var bound string
	err := a.db.QueryRowContext(ctx, query, item.ID, filterID).Scan(&bound)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return executor.Failed(ReasonAlreadyAssigned), nil
	case err != nil:
		return executor.AssignResult{}, fmt.Errorf("failed to assign item %s: %w", item.ID, err)
	}

	return executor.Succeeded(), nil
}
