package runlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kigo-pro/assignq/internal/assignment"
	"github.com/kigo-pro/assignq/internal/executor"
	"github.com/kigo-pro/assignq/internal/repository"
	"github.com/kigo-pro/assignq/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu     sync.Mutex
	calls  int
	stats  assignment.Stats
	failed []assignment.Item
	err    error
}

func (f *fakeNotifier) NotifyCompletion(_ context.Context, _ assignment.Run, stats assignment.Stats, failed []assignment.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.stats = stats
	f.failed = failed
	return f.err
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Warn(string, ...any)  {}
func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func setupStore(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	s, err := store.NewStore(context.Background(), mr.Addr())
	require.NoError(t, err)

	return s, mr
}

func failing(ids ...string) executor.Assigner {
	fail := make(map[string]bool, len(ids))
	for _, id := range ids {
		fail[id] = true
	}

	return executor.AssignFunc(func(_ context.Context, _ string, item assignment.Item) (executor.AssignResult, error) {
		if fail[item.ID] {
			return executor.Failed("Network timeout occurred"), nil
		}
		return executor.Succeeded(), nil
	})
}

func items(ids ...string) []assignment.Item {
	out := make([]assignment.Item, len(ids))
	for i, id := range ids {
		out[i] = assignment.NewItem(id, "")
	}
	return out
}

func TestRecorder_CompletedRun(t *testing.T) {
	s, mr := setupStore(t)
	defer mr.Close()
	defer func() { _ = s.Close() }()

	repo := repository.NewMockPostgresRepository()
	notifier := &fakeNotifier{}
	rec := NewRecorder(WithStore(s), WithRepository(repo), WithNotifier(notifier))

	e := executor.New(failing("a", "d"), executor.WithSettleDelay(0), executor.WithHooks(rec.Hooks()))
	run, err := e.Run(context.Background(), executor.Request{TargetID: "filter-1", Items: items("a", "b", "c", "d"), BatchDelay: -1})
	require.NoError(t, err)

	ctx := context.Background()
	snapshot, err := s.GetRun(ctx, run.ID())
	require.NoError(t, err)
	assert.Equal(t, assignment.RunCompleted, snapshot.Status)

	stored, err := s.GetItems(ctx, run.ID())
	require.NoError(t, err)
	require.Len(t, stored, 4)
	assert.Equal(t, assignment.StatusFailed, stored[0].Status)
	assert.Equal(t, assignment.StatusSuccess, stored[1].Status)

	status, ok := repo.GetRunStatus(run.ID())
	require.True(t, ok)
	assert.Equal(t, "completed", status)
	assert.Len(t, repo.GetItemLogForRun(run.ID()), 4)

	finish := repo.GetFinishRunCalls()
	require.Len(t, finish, 1)
	assert.Equal(t, 2, finish[0].Stats.Successful)
	assert.Equal(t, 2, finish[0].Stats.Failed)
	assert.True(t, finish[0].Stats.IsCompleted)

	assert.Equal(t, 1, notifier.calls)
	assert.Len(t, notifier.failed, 2)
}

func TestRecorder_RetryRunCountsItsSubset(t *testing.T) {
	repo := repository.NewMockPostgresRepository()
	rec := NewRecorder(WithRepository(repo))

	attempts := map[string]int{}
	var mu sync.Mutex
	assigner := executor.AssignFunc(func(_ context.Context, _ string, item assignment.Item) (executor.AssignResult, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts[item.ID]++
		if item.ID == "c" && attempts[item.ID] == 1 {
			return executor.Failed("Server error during assignment"), nil
		}
		return executor.Succeeded(), nil
	})

	e := executor.New(assigner, executor.WithSettleDelay(0), executor.WithHooks(rec.Hooks()),
		executor.WithRetryPolicy(executor.RetryPolicy{BatchSize: 1}))
	_, err := e.Run(context.Background(), executor.Request{TargetID: "filter-1", Items: items("a", "b", "c"), BatchDelay: -1})
	require.NoError(t, err)

	retry, err := e.RetryFailed(context.Background(), "")
	require.NoError(t, err)
	<-retry.Done()

	finish := repo.GetFinishRunCalls()
	require.Len(t, finish, 2)
	assert.Equal(t, retry.ID(), finish[1].RunID)
	assert.Equal(t, assignment.Stats{
		Total:              1,
		Successful:         1,
		Completed:          1,
		ProgressPercentage: 100,
		IsCompleted:        true,
	}, finish[1].Stats)
}

func TestRecorder_CancelledRun(t *testing.T) {
	repo := repository.NewMockPostgresRepository()
	notifier := &fakeNotifier{}
	rec := NewRecorder(WithRepository(repo), WithNotifier(notifier))

	var e *executor.Executor
	e = executor.New(failing(), executor.WithSettleDelay(0), executor.WithHooks(rec.Hooks()), executor.WithHooks(executor.Hooks{
		OnProgressUpdate: func(current, _ int) {
			if current == 1 {
				e.Cancel()
			}
		},
	}))

	run, err := e.Run(context.Background(), executor.Request{TargetID: "filter-1", Items: items("a", "b", "c"), BatchSize: 1, BatchDelay: time.Minute})
	require.NoError(t, err)
	require.True(t, run.Cancelled())

	finish := repo.GetFinishRunCalls()
	require.Len(t, finish, 1)
	assert.Equal(t, assignment.RunCancelled, finish[0].Status)
	assert.Equal(t, 1, finish[0].Stats.Successful)
	assert.Equal(t, 2, finish[0].Stats.Pending)
	assert.Zero(t, notifier.calls, "cancelled runs are not announced")
}

func TestRecorder_SinkErrorsAreLogged(t *testing.T) {
	repo := repository.NewMockPostgresRepository()
	repo.SaveRunError = errors.New("connection refused")
	repo.LogItemResultError = errors.New("connection refused")
	notifier := &fakeNotifier{err: errors.New("sendgrid down")}
	logger := &recordingLogger{}

	rec := NewRecorder(WithRepository(repo), WithNotifier(notifier), WithLogger(logger))
	e := executor.New(failing(), executor.WithSettleDelay(0), executor.WithHooks(rec.Hooks()))

	run, err := e.Run(context.Background(), executor.Request{TargetID: "filter-1", Items: items("a", "b"), BatchDelay: -1})
	require.NoError(t, err)
	assert.False(t, run.Cancelled())
	assert.Equal(t, 2, e.Stats().Successful)

	assert.Contains(t, logger.errors, "failed to save run history")
	assert.Contains(t, logger.errors, "failed to log item result")
	assert.Contains(t, logger.errors, "failed to send completion email")
}

func TestRecorder_NoSinks(t *testing.T) {
	rec := NewRecorder()
	e := executor.New(failing("a"), executor.WithSettleDelay(0), executor.WithHooks(rec.Hooks()))

	_, err := e.Run(context.Background(), executor.Request{TargetID: "filter-1", Items: items("a"), BatchDelay: -1})
	require.NoError(t, err)
	assert.Empty(t, rec.tallies)
}
