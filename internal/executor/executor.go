// Package executor runs bulk assignments. Items are dispatched to an Assigner in paced,
// strictly ordered batches; items inside a batch run concurrently. The executor tracks
// item status and progress, supports cooperative cancellation and re-runs only the failed
// subset on retry.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kigo-pro/assignq/internal/assignment"
	"github.com/kigo-pro/assignq/internal/metrics"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyInProgress = errors.New("assignment already in progress")
	ErrInvalidRequest    = errors.New("invalid assignment request")
)

const (
	DefaultBatchSize   = 2
	DefaultBatchDelay  = time.Second
	DefaultSettleDelay = 500 * time.Millisecond

	// minRetryBatchDelay is the shortest pause a derived retry policy uses.
	minRetryBatchDelay = DefaultBatchDelay / 2
)

// Request describes one bulk assignment.
//
// A zero BatchSize or BatchDelay selects the default; a negative BatchDelay disables the
// pause between batches.
type Request struct {
	TargetID   string
	Items      []assignment.Item
	BatchSize  int
	BatchDelay time.Duration
}

type Result struct {
	Successful []assignment.Item `json:"successful"`
	Failed     []assignment.Item `json:"failed"`
}

type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

type Executor struct {
	assigner    Assigner
	logger      Logger
	hooks       []Hooks
	settleDelay time.Duration
	retryPolicy *RetryPolicy

	mu         sync.Mutex
	items      []assignment.Item
	index      map[string]int
	progress   Progress
	processing bool
	cancel     context.CancelFunc
	current    *Run
}

func New(assigner Assigner, opts ...Option) *Executor {
	e := &Executor{
		assigner:    assigner,
		logger:      nopLogger{},
		settleDelay: DefaultSettleDelay,
		index:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Start validates the request, resets the item list to the requested items (all pending) and
// runs the assignment in the background. ctx bounds the whole run: cancelling it has the same
// effect as Cancel.
func (e *Executor) Start(ctx context.Context, req Request) (*Run, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	batchDelay := req.BatchDelay
	switch {
	case batchDelay == 0:
		batchDelay = DefaultBatchDelay
	case batchDelay < 0:
		batchDelay = 0
	}

	e.mu.Lock()
	if e.processing {
		e.mu.Unlock()
		return nil, ErrAlreadyInProgress
	}

	e.items = make([]assignment.Item, len(req.Items))
	e.index = make(map[string]int, len(req.Items))
	ids := make([]string, len(req.Items))
	for i, it := range req.Items {
		e.items[i] = assignment.NewItem(it.ID, it.DisplayName)
		e.index[it.ID] = i
		ids[i] = it.ID
	}

	run, runCtx := e.beginLocked(ctx, req.TargetID, assignment.RunInitial, ids, batchSize, batchDelay)
	e.mu.Unlock()

	go e.execute(runCtx, run, ids)
	return run, nil
}

// Run starts an assignment and blocks until it finishes or is cancelled.
func (e *Executor) Run(ctx context.Context, req Request) (*Run, error) {
	run, err := e.Start(ctx, req)
	if err != nil {
		return nil, err
	}

	<-run.Done()
	return run, nil
}

// RetryFailed puts every failed item back to pending and runs the executor against exactly
// those items with the retry batch parameters. Items in any other state are left untouched.
// It returns a nil Run when there is nothing to retry. An empty targetID reuses the target of
// the previous run.
func (e *Executor) RetryFailed(ctx context.Context, targetID string) (*Run, error) {
	e.mu.Lock()
	if e.processing {
		e.mu.Unlock()
		return nil, ErrAlreadyInProgress
	}

	if targetID == "" && e.current != nil {
		targetID = e.current.Record().TargetID
	}

	var ids []string
	for _, it := range e.items {
		if it.Status == assignment.StatusFailed {
			ids = append(ids, it.ID)
		}
	}
	if len(ids) == 0 {
		e.mu.Unlock()
		return nil, nil
	}
	if targetID == "" {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: target id is required", ErrInvalidRequest)
	}

	for _, id := range ids {
		idx := e.index[id]
		e.items[idx] = e.items[idx].Reset()
	}

	batchSize, batchDelay := e.retryParamsLocked()
	run, runCtx := e.beginLocked(ctx, targetID, assignment.RunRetry, ids, batchSize, batchDelay)
	e.mu.Unlock()

	metrics.RecordItemsRetried(len(ids))
	go e.execute(runCtx, run, ids)
	return run, nil
}

// Cancel stops the active run after its in-flight batch settles. Items that were not
// dispatched stay pending. It is a no-op when nothing is running.
func (e *Executor) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel == nil {
		return
	}

	e.logger.Info("cancelling assignment run", "run_id", e.current.ID())
	e.cancel()
}

// Reset cancels the active run, waits for it to drain and clears the item list and progress.
func (e *Executor) Reset(ctx context.Context) error {
	e.mu.Lock()
	var active *Run
	if e.processing {
		active = e.current
		e.cancel()
	}
	e.mu.Unlock()

	if active != nil {
		if err := active.Wait(ctx); err != nil {
			return fmt.Errorf("failed to wait for run %s: %w", active.ID(), err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.processing {
		return ErrAlreadyInProgress
	}

	e.items = nil
	e.index = make(map[string]int)
	e.progress = Progress{}
	e.current = nil
	metrics.UpdateItemGauges(assignment.Stats{})
	return nil
}

func (e *Executor) Items() []assignment.Item {
	e.mu.Lock()
	defer e.mu.Unlock()

	return assignment.CloneItems(e.items)
}

func (e *Executor) IsProcessing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.processing
}

func (e *Executor) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.progress
}

func (e *Executor) Stats() assignment.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return assignment.ComputeStats(e.items)
}

// CurrentRun returns the most recent run, active or finished.
func (e *Executor) CurrentRun() (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.current, e.current != nil
}

func (e *Executor) beginLocked(ctx context.Context, targetID string, kind assignment.RunKind, ids []string, batchSize int, batchDelay time.Duration) (*Run, context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	run := newRun(assignment.NewRun(targetID, kind, len(ids), batchSize, batchDelay))
	e.processing = true
	e.cancel = cancel
	e.current = run
	e.progress = Progress{Current: 0, Total: len(ids)}

	return run, runCtx
}

func (e *Executor) retryParamsLocked() (int, time.Duration) {
	if e.retryPolicy != nil {
		batchSize := e.retryPolicy.BatchSize
		if batchSize <= 0 {
			batchSize = DefaultBatchSize
		}
		return batchSize, max(e.retryPolicy.BatchDelay, 0)
	}

	batchSize, batchDelay := DefaultBatchSize, DefaultBatchDelay
	if e.current != nil {
		last := e.current.Record()
		batchSize, batchDelay = last.BatchSize, last.BatchDelay
	}

	return max(batchSize/2, 1), max(batchDelay*3/2, minRetryBatchDelay)
}

func (e *Executor) execute(ctx context.Context, run *Run, ids []string) {
	record := run.Record()
	hookCtx := context.WithoutCancel(ctx)

	metrics.RecordRunStarted(record.Kind)
	e.logger.Info("assignment run started",
		"run_id", record.ID,
		"target_id", record.TargetID,
		"kind", record.Kind,
		"items", len(ids),
		"batch_size", record.BatchSize,
		"batch_delay", record.BatchDelay,
	)
	e.fireRunStarted(hookCtx, record, e.Items())

	var result Result
	processed := 0

	for start := 0; start < len(ids); start += record.BatchSize {
		if !sleep(ctx, e.settleDelay) {
			break
		}

		end := min(start+record.BatchSize, len(ids))
		settled := e.runBatch(ctx, record.TargetID, ids[start:end])

		for _, it := range settled {
			switch it.Status {
			case assignment.StatusSuccess:
				result.Successful = append(result.Successful, it)
			case assignment.StatusFailed:
				result.Failed = append(result.Failed, it)
			}
		}

		processed += end - start
		e.mu.Lock()
		e.progress.Current = processed
		stats := assignment.ComputeStats(e.items)
		e.mu.Unlock()

		metrics.UpdateItemGauges(stats)
		e.fireBatchSettled(hookCtx, record, settled)
		e.fireProgress(processed, len(ids))

		if end < len(ids) && !sleep(ctx, record.BatchDelay) {
			break
		}
	}

	cancelled := ctx.Err() != nil
	status := assignment.RunCompleted
	if cancelled {
		status = assignment.RunCancelled
	}

	e.mu.Lock()
	e.processing = false
	e.cancel()
	e.cancel = nil
	listCompleted := assignment.ComputeStats(e.items).IsCompleted
	e.mu.Unlock()

	final := run.finish(status)
	metrics.RecordRunFinished(final.Kind, final.Status)
	e.logger.Info("assignment run finished",
		"run_id", final.ID,
		"status", final.Status,
		"successful", len(result.Successful),
		"failed", len(result.Failed),
	)

	e.fireRunFinished(hookCtx, final, e.Items())
	if !cancelled && listCompleted {
		e.fireComplete(result)
	}

	close(run.done)
}

// runBatch marks the batch processing, dispatches every item concurrently and merges the
// settled items back into the list.
func (e *Executor) runBatch(ctx context.Context, targetID string, ids []string) []assignment.Item {
	now := time.Now()
	dispatch := make([]assignment.Item, 0, len(ids))

	e.mu.Lock()
	for _, id := range ids {
		idx, ok := e.index[id]
		if !ok {
			continue
		}

		started := now
		it := &e.items[idx]
		it.Status = assignment.StatusProcessing
		it.Error = ""
		it.StartTime = &started
		it.EndTime = nil
		it.Attempts++
		dispatch = append(dispatch, *it)
	}
	stats := assignment.ComputeStats(e.items)
	e.mu.Unlock()
	metrics.UpdateItemGauges(stats)

	settled := make([]assignment.Item, len(dispatch))
	var g errgroup.Group
	for i, it := range dispatch {
		g.Go(func() error {
			settled[i] = e.assignOne(ctx, targetID, it)
			return nil
		})
	}
	_ = g.Wait()
	metrics.RecordBatch(time.Since(now))

	e.mu.Lock()
	for _, it := range settled {
		if idx, ok := e.index[it.ID]; ok {
			e.items[idx] = it
		}
	}
	e.mu.Unlock()

	return assignment.CloneItems(settled)
}

func (e *Executor) assignOne(ctx context.Context, targetID string, item assignment.Item) assignment.Item {
	if ctx.Err() != nil {
		metrics.RecordItemCancelled()
		return item.Reset()
	}

	res, err := e.invoke(ctx, targetID, item)
	ended := time.Now()

	switch {
	case err != nil && ctx.Err() != nil:
		e.logger.Debug("item assignment cancelled", "item_id", item.ID, "error", err)
		metrics.RecordItemCancelled()
		return item.Reset()
	case err != nil:
		item.Status = assignment.StatusFailed
		item.Error = err.Error()
	case res.Success:
		item.Status = assignment.StatusSuccess
	default:
		item.Status = assignment.StatusFailed
		item.Error = res.Error
		if item.Error == "" {
			item.Error = "assignment failed"
		}
	}

	item.EndTime = &ended
	metrics.RecordItemSettled(item.Status, item.Duration())
	if item.Status == assignment.StatusFailed {
		e.logger.Warn("item assignment failed", "item_id", item.ID, "target_id", targetID, "error", item.Error)
	}

	return item
}

func (e *Executor) invoke(ctx context.Context, targetID string, item assignment.Item) (res AssignResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("assigner panic: %v", r)
		}
	}()

	return e.assigner.Assign(ctx, targetID, item)
}

func (e *Executor) fireRunStarted(ctx context.Context, run assignment.Run, items []assignment.Item) {
	for _, h := range e.hooks {
		if h.OnRunStarted != nil {
			h.OnRunStarted(ctx, run, items)
		}
	}
}

func (e *Executor) fireBatchSettled(ctx context.Context, run assignment.Run, settled []assignment.Item) {
	for _, h := range e.hooks {
		if h.OnBatchSettled != nil {
			h.OnBatchSettled(ctx, run, settled)
		}
	}
}

func (e *Executor) fireRunFinished(ctx context.Context, run assignment.Run, items []assignment.Item) {
	for _, h := range e.hooks {
		if h.OnRunFinished != nil {
			h.OnRunFinished(ctx, run, items)
		}
	}
}

func (e *Executor) fireProgress(current, total int) {
	for _, h := range e.hooks {
		if h.OnProgressUpdate != nil {
			h.OnProgressUpdate(current, total)
		}
	}
}

func (e *Executor) fireComplete(result Result) {
	for _, h := range e.hooks {
		if h.OnAssignmentComplete != nil {
			h.OnAssignmentComplete(result)
		}
	}
}

func validateRequest(req Request) error {
	if req.TargetID == "" {
		return fmt.Errorf("%w: target id is required", ErrInvalidRequest)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidRequest)
	}

	seen := make(map[string]struct{}, len(req.Items))
	for _, it := range req.Items {
		if it.ID == "" {
			return fmt.Errorf("%w: item id is required", ErrInvalidRequest)
		}
		if _, dup := seen[it.ID]; dup {
			return fmt.Errorf("%w: duplicate item id %q", ErrInvalidRequest, it.ID)
		}
		seen[it.ID] = struct{}{}
	}

	return nil
}

// sleep waits for d unless ctx is cancelled first. It reports whether execution may continue.
func sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
