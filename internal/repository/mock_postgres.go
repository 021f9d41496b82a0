package repository

import (
	"context"
	"sync"
	"time"

	"github.com/kigo-pro/assignq/internal/assignment"
)

type MockPostgresRepository struct {
	mu                     sync.Mutex
	SaveRunCalls           []assignment.Run
	FinishRunCalls         []FinishRunCall
	LogItemResultCalls     []LogItemResultCall
	Runs                   map[string]*RunRecord
	ItemLog                []ItemLogEntry
	FailureReasons         []FailureReason
	SaveRunError           error
	FinishRunError         error
	LogItemResultError     error
	GetRecentRunsError     error
	GetRunItemsError       error
	GetFailureReasonsError error
	closed                 bool
}

type FinishRunCall struct {
	RunID  string
	Status assignment.RunStatus
	Stats  assignment.Stats
}

type LogItemResultCall struct {
	RunID string
	Item  assignment.Item
}

func NewMockPostgresRepository() *MockPostgresRepository {
	return &MockPostgresRepository{
		Runs:           make(map[string]*RunRecord),
		ItemLog:        make([]ItemLogEntry, 0),
		FailureReasons: make([]FailureReason, 0),
	}
}

func (m *MockPostgresRepository) SaveRun(ctx context.Context, run assignment.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveRunCalls = append(m.SaveRunCalls, run)

	if m.SaveRunError != nil {
		return m.SaveRunError
	}

	m.Runs[run.ID] = &RunRecord{
		RunID:        run.ID,
		TargetID:     run.TargetID,
		Kind:         string(run.Kind),
		Status:       string(run.Status),
		BatchSize:    run.BatchSize,
		BatchDelayMs: run.BatchDelay.Milliseconds(),
		TotalItems:   run.Total,
		StartedAt:    run.StartedAt,
	}
	return nil
}

func (m *MockPostgresRepository) FinishRun(ctx context.Context, runID string, status assignment.RunStatus, stats assignment.Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FinishRunCalls = append(m.FinishRunCalls, FinishRunCall{
		RunID:  runID,
		Status: status,
		Stats:  stats,
	})

	if m.FinishRunError != nil {
		return m.FinishRunError
	}

	if rec, exists := m.Runs[runID]; exists {
		now := time.Now()
		rec.Status = string(status)
		rec.Successful = stats.Successful
		rec.Failed = stats.Failed
		rec.FinishedAt = &now
	}

	return nil
}

func (m *MockPostgresRepository) LogItemResult(ctx context.Context, runID string, item assignment.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LogItemResultCalls = append(m.LogItemResultCalls, LogItemResultCall{RunID: runID, Item: item})

	if m.LogItemResultError != nil {
		return m.LogItemResultError
	}

	entry := ItemLogEntry{
		RunID:        runID,
		ItemID:       item.ID,
		DisplayName:  item.DisplayName,
		Status:       string(item.Status),
		Attempt:      item.Attempts,
		ErrorMessage: item.Error,
		StartedAt:    item.StartTime,
		CompletedAt:  item.EndTime,
	}
	m.ItemLog = append(m.ItemLog, entry)

	return nil
}

func (m *MockPostgresRepository) GetRecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentRunsError != nil {
		return nil, m.GetRecentRunsError
	}

	runs := make([]RunRecord, 0, len(m.Runs))
	for _, rec := range m.Runs {
		runs = append(runs, *rec)
	}

	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j].StartedAt.After(runs[j-1].StartedAt); j-- {
			runs[j], runs[j-1] = runs[j-1], runs[j]
		}
	}

	if len(runs) > limit {
		return runs[:limit], nil
	}

	return runs, nil
}

func (m *MockPostgresRepository) GetRunItems(ctx context.Context, runID string) ([]ItemLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRunItemsError != nil {
		return nil, m.GetRunItemsError
	}

	var entries []ItemLogEntry
	for _, e := range m.ItemLog {
		if e.RunID == runID {
			entries = append(entries, e)
		}
	}

	return entries, nil
}

func (m *MockPostgresRepository) GetFailureReasons(ctx context.Context, hours int) ([]FailureReason, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetFailureReasonsError != nil {
		return nil, m.GetFailureReasonsError
	}

	return m.FailureReasons, nil
}

func (m *MockPostgresRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

func (m *MockPostgresRepository) GetSaveRunCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.SaveRunCalls)
}

func (m *MockPostgresRepository) GetFinishRunCalls() []FinishRunCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]FinishRunCall(nil), m.FinishRunCalls...)
}

func (m *MockPostgresRepository) GetLogItemResultCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.LogItemResultCalls)
}

func (m *MockPostgresRepository) GetRunStatus(runID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, exists := m.Runs[runID]; exists {
		return rec.Status, true
	}

	return "", false
}

func (m *MockPostgresRepository) GetItemLogForRun(runID string) []ItemLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var logs []ItemLogEntry
	for _, e := range m.ItemLog {
		if e.RunID == runID {
			logs = append(logs, e)
		}
	}

	return logs
}

func (m *MockPostgresRepository) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

func (m *MockPostgresRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveRunCalls = nil
	m.FinishRunCalls = nil
	m.LogItemResultCalls = nil
	m.Runs = make(map[string]*RunRecord)
	m.ItemLog = nil
}
