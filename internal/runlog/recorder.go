// Package runlog records executor runs into the snapshot store, the history repository and
// the completion notifier. Every sink is optional and sink failures never affect a run.
package runlog

import (
	"context"
	"sync"

	"github.com/kigo-pro/assignq/internal/assignment"
	"github.com/kigo-pro/assignq/internal/executor"
)

type RunStore interface {
	SaveRun(ctx context.Context, run assignment.Run) error
	SaveItems(ctx context.Context, runID string, items []assignment.Item) error
}

type HistoryRepository interface {
	SaveRun(ctx context.Context, run assignment.Run) error
	FinishRun(ctx context.Context, runID string, status assignment.RunStatus, stats assignment.Stats) error
	LogItemResult(ctx context.Context, runID string, item assignment.Item) error
}

type Notifier interface {
	NotifyCompletion(ctx context.Context, run assignment.Run, stats assignment.Stats, failed []assignment.Item) error
}

type Recorder struct {
	store    RunStore
	repo     HistoryRepository
	notifier Notifier
	logger   executor.Logger

	mu      sync.Mutex
	tallies map[string]*tally
}

type tally struct {
	successful int
	failed     []assignment.Item
}

type Option func(*Recorder)

func WithStore(store RunStore) Option {
	return func(r *Recorder) { r.store = store }
}

func WithRepository(repo HistoryRepository) Option {
	return func(r *Recorder) { r.repo = repo }
}

func WithNotifier(notifier Notifier) Option {
	return func(r *Recorder) { r.notifier = notifier }
}

func WithLogger(logger executor.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		logger:  nopLogger{},
		tallies: make(map[string]*tally),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Hooks returns the executor hooks that feed the recorder.
func (r *Recorder) Hooks() executor.Hooks {
	return executor.Hooks{
		OnRunStarted:   r.runStarted,
		OnBatchSettled: r.batchSettled,
		OnRunFinished:  r.runFinished,
	}
}

func (r *Recorder) runStarted(ctx context.Context, run assignment.Run, items []assignment.Item) {
	r.mu.Lock()
	r.tallies[run.ID] = &tally{}
	r.mu.Unlock()

	if r.store != nil {
		r.check(run.ID, "save run snapshot", r.store.SaveRun(ctx, run))
		r.check(run.ID, "save item snapshots", r.store.SaveItems(ctx, run.ID, items))
	}
	if r.repo != nil {
		r.check(run.ID, "save run history", r.repo.SaveRun(ctx, run))
	}
}

func (r *Recorder) batchSettled(ctx context.Context, run assignment.Run, settled []assignment.Item) {
	r.mu.Lock()
	t := r.tallyLocked(run.ID)
	for _, it := range settled {
		switch it.Status {
		case assignment.StatusSuccess:
			t.successful++
		case assignment.StatusFailed:
			t.failed = append(t.failed, it)
		}
	}
	r.mu.Unlock()

	if r.store != nil {
		r.check(run.ID, "save item snapshots", r.store.SaveItems(ctx, run.ID, settled))
	}
	if r.repo != nil {
		for _, it := range settled {
			if !it.IsTerminal() {
				continue
			}
			r.check(run.ID, "log item result", r.repo.LogItemResult(ctx, run.ID, it))
		}
	}
}

func (r *Recorder) runFinished(ctx context.Context, run assignment.Run, items []assignment.Item) {
	r.mu.Lock()
	t := r.tallyLocked(run.ID)
	delete(r.tallies, run.ID)
	r.mu.Unlock()

	stats := runStats(run, t)

	if r.store != nil {
		r.check(run.ID, "save run snapshot", r.store.SaveRun(ctx, run))
		r.check(run.ID, "save item snapshots", r.store.SaveItems(ctx, run.ID, items))
	}
	if r.repo != nil {
		r.check(run.ID, "finish run history", r.repo.FinishRun(ctx, run.ID, run.Status, stats))
	}
	if r.notifier != nil && run.Status == assignment.RunCompleted {
		r.check(run.ID, "send completion email", r.notifier.NotifyCompletion(ctx, run, stats, t.failed))
	}

	r.logger.Info("assignment run recorded",
		"run_id", run.ID,
		"status", run.Status,
		"successful", stats.Successful,
		"failed", stats.Failed,
		"pending", stats.Pending,
	)
}

func (r *Recorder) tallyLocked(runID string) *tally {
	t, ok := r.tallies[runID]
	if !ok {
		t = &tally{}
		r.tallies[runID] = t
	}

	return t
}

// runStats summarizes the items dispatched by one run. A retry run only counts its own subset.
func runStats(run assignment.Run, t *tally) assignment.Stats {
	completed := t.successful + len(t.failed)
	stats := assignment.Stats{
		Total:      run.Total,
		Successful: t.successful,
		Failed:     len(t.failed),
		Pending:    max(run.Total-completed, 0),
		Completed:  completed,
	}
	if run.Total > 0 {
		stats.ProgressPercentage = float64(completed) / float64(run.Total) * 100
		stats.IsCompleted = completed == run.Total
	}

	return stats
}

func (r *Recorder) check(runID, action string, err error) {
	if err != nil {
		r.logger.Error("failed to "+action, "run_id", runID, "error", err)
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
