package executor

import (
	"context"
	"time"

	"github.com/kigo-pro/assignq/internal/assignment"
)

// Hooks receives run notifications. Every field is optional.
//
// OnProgressUpdate fires once per settled batch. OnAssignmentComplete fires once when a run
// finishes naturally and every item in the list is settled. It never fires after
// cancellation, nor for a retry that leaves items of an earlier cancelled run pending. The lifecycle hooks receive a context that
// outlives the run's cancellation so sinks can still persist the final state.
type Hooks struct {
	OnProgressUpdate     func(current, total int)
	OnAssignmentComplete func(result Result)

	OnRunStarted   func(ctx context.Context, run assignment.Run, items []assignment.Item)
	OnBatchSettled func(ctx context.Context, run assignment.Run, settled []assignment.Item)
	OnRunFinished  func(ctx context.Context, run assignment.Run, items []assignment.Item)
}

// RetryPolicy overrides the batch parameters used by RetryFailed.
type RetryPolicy struct {
	BatchSize  int
	BatchDelay time.Duration
}

type Option func(*Executor)

func WithLogger(logger Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithHooks registers a set of hooks. It may be passed several times.
func WithHooks(hooks Hooks) Option {
	return func(e *Executor) {
		e.hooks = append(e.hooks, hooks)
	}
}

// WithSettleDelay sets the pause taken before each batch is marked processing.
func WithSettleDelay(d time.Duration) Option {
	return func(e *Executor) {
		e.settleDelay = max(d, 0)
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(e *Executor) {
		e.retryPolicy = &policy
	}
}
