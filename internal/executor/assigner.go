package executor

import (
	"context"
	"errors"

	"github.com/kigo-pro/assignq/internal/assignment"
)

// ErrCancelled is returned by assigners that observe the run being cancelled.
var ErrCancelled = errors.New("assignment was cancelled")

type AssignResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Assigner performs the assignment of one item to a target.
//
// A business failure is reported through AssignResult with Success false. A returned error
// is treated as a failure too, unless the run has been cancelled, in which case the item is
// put back to pending.
type Assigner interface {
	Assign(ctx context.Context, targetID string, item assignment.Item) (AssignResult, error)
}

type AssignFunc func(ctx context.Context, targetID string, item assignment.Item) (AssignResult, error)

func (f AssignFunc) Assign(ctx context.Context, targetID string, item assignment.Item) (AssignResult, error) {
	return f(ctx, targetID, item)
}

func Succeeded() AssignResult {
	return AssignResult{Success: true}
}

func Failed(reason string) AssignResult {
	return AssignResult{Success: false, Error: reason}
}
