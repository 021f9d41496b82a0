package executor

import (
	"context"
	"sync"
	"time"

	"github.com/kigo-pro/assignq/internal/assignment"
)

// Run is a handle on one execution started by Start or RetryFailed.
type Run struct {
	mu     sync.Mutex
	record assignment.Run
	done   chan struct{}
}

func newRun(record assignment.Run) *Run {
	return &Run{
		record: record,
		done:   make(chan struct{}),
	}
}

func (r *Run) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.record.ID
}

// Record returns a copy of the run record. Status and FinishedAt are final once Done is closed.
func (r *Run) Record() assignment.Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.record
}

// Done is closed after the run finished and every hook has returned.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) Cancelled() bool {
	return r.Record().Status == assignment.RunCancelled
}

func (r *Run) finish(status assignment.RunStatus) assignment.Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.record.Status = status
	r.record.FinishedAt = &now
	return r.record
}
