package assignment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	RunKind   string
	RunStatus string
	Run       struct {
		ID         string        `json:"id"`
		TargetID   string        `json:"target_id"`
		Kind       RunKind       `json:"kind"`
		Status     RunStatus     `json:"status"`
		BatchSize  int           `json:"batch_size"`
		BatchDelay time.Duration `json:"batch_delay"`
		Total      int           `json:"total"`
		StartedAt  time.Time     `json:"started_at"`
		FinishedAt *time.Time    `json:"finished_at,omitempty"`
	}
)

const (
	RunInitial RunKind = "initial"
	RunRetry   RunKind = "retry"
)

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
)

func NewRun(targetID string, kind RunKind, total, batchSize int, batchDelay time.Duration) Run {
	return Run{
		ID:         uuid.New().String(),
		TargetID:   targetID,
		Kind:       kind,
		Status:     RunRunning,
		BatchSize:  batchSize,
		BatchDelay: batchDelay,
		Total:      total,
		StartedAt:  time.Now(),
	}
}

func (r Run) ToJSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func RunFromJSON(data string) (*Run, error) {
	var run Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, err
	}

	return &run, nil
}
