// Package dashboard implements the monitoring endpoints for the active assignment and recent runs.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kigo-pro/assignq/internal/assignment"
	"github.com/kigo-pro/assignq/internal/httputil"
)

const recentRunsLimit = 50

type ItemSource interface {
	Items() []assignment.Item
	IsProcessing() bool
}

type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]assignment.Run, error)
}

type Dashboard struct {
	source ItemSource
	runs   RunLister
}

type Stats struct {
	assignment.Stats
	IsProcessing        bool           `json:"is_processing"`
	CanRetry            bool           `json:"can_retry"`
	FailureReasons      map[string]int `json:"failure_reasons"`
	AverageItemDuration string         `json:"average_item_duration"`
	LastUpdated         time.Time      `json:"last_updated"`
}

type RunHistory struct {
	RunID      string               `json:"run_id"`
	TargetID   string               `json:"target_id"`
	Kind       assignment.RunKind   `json:"kind"`
	Status     assignment.RunStatus `json:"status"`
	Total      int                  `json:"total"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at"`
	Duration   string               `json:"duration"`
}

// NewDashboard builds a dashboard over the live item list. runs may be nil, in which case the
// run history is always empty.
func NewDashboard(source ItemSource, runs RunLister) *Dashboard {
	return &Dashboard{source: source, runs: runs}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	items := d.source.Items()
	processing := d.source.IsProcessing()

	stats := Stats{
		Stats:          assignment.ComputeStats(items),
		IsProcessing:   processing,
		FailureReasons: make(map[string]int),
		LastUpdated:    time.Now(),
	}
	stats.CanRetry = stats.HasFailures() && !processing

	var totalDuration time.Duration
	durationCount := 0

	for _, item := range items {
		if item.Status == assignment.StatusFailed {
			stats.FailureReasons[item.Error]++
		}

		if item.IsTerminal() && item.StartTime != nil && item.EndTime != nil {
			totalDuration += item.Duration()
			durationCount++
		}
	}

	if durationCount > 0 {
		avg := totalDuration / time.Duration(durationCount)
		stats.AverageItemDuration = avg.Round(time.Millisecond).String()
	} else {
		stats.AverageItemDuration = "N/A"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		httputil.WriteJSONError(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// GetRecentRuns lists the runs that finished during the last 24 hours, newest first.
func (d *Dashboard) GetRecentRuns(w http.ResponseWriter, r *http.Request) {
	history := []RunHistory{}
	if d.runs == nil {
		httputil.WriteJSON(w, history, http.StatusOK)
		return
	}

	runs, err := d.runs.ListRuns(r.Context(), recentRunsLimit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	for _, run := range runs {
		if run.FinishedAt == nil {
			continue
		}
		if run.FinishedAt.Before(cutoff) {
			continue
		}

		history = append(history, RunHistory{
			RunID:      run.ID,
			TargetID:   run.TargetID,
			Kind:       run.Kind,
			Status:     run.Status,
			Total:      run.Total,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
			Duration:   run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String(),
		})
	}

	httputil.WriteJSON(w, history, http.StatusOK)
}
