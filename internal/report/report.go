// Package report builds tabular reports over assignment history and the live item list.
// Every report is a header row followed by data rows, exportable as CSV or JSON.
package report

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kigo-pro/assignq/internal/assignment"
	"go.uber.org/zap"
)

const (
	TypeRunSummary      = "run_summary"
	TypeFailureAnalysis = "failure_analysis"
	TypeTargetBreakdown = "target_breakdown"
)

var ErrUnsupportedType = errors.New("unsupported report type")

type Generator struct {
	db *sql.DB
}

func NewGenerator(db *sql.DB) *Generator {
	return &Generator{db: db}
}

// Generate runs the named report over runs started between start and end.
func (g *Generator) Generate(ctx context.Context, reportType string, start, end time.Time) ([][]string, error) {
	var (
		data [][]string
		err  error
	)

	switch reportType {
	case TypeRunSummary:
		data, err = g.runSummary(ctx, start, end)
	case TypeFailureAnalysis:
		data, err = g.failureAnalysis(ctx, start, end)
	case TypeTargetBreakdown:
		data, err = g.targetBreakdown(ctx, start, end)
	default:
		return nil, fmt.Errorf("%w: %s (available: %s, %s, %s)", ErrUnsupportedType, reportType,
			TypeRunSummary, TypeFailureAnalysis, TypeTargetBreakdown)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate report: %w", err)
	}

	return data, nil
}

func (g *Generator) runSummary(ctx context.Context, start, end time.Time) ([][]string, error) {
	query := `
		SELECT
			r.run_id,
			r.target_id,
			r.kind,
			r.status,
			r.total_items,
			r.successful,
			r.failed,
			AVG(l.duration_ms) as avg_duration_ms,
			ROUND(100.0 * r.successful / NULLIF(r.total_items, 0), 2) as success_rate,
			r.started_at
		FROM assignment_runs r
		LEFT JOIN assignment_item_log l ON l.run_id = r.run_id
		WHERE r.started_at BETWEEN $1 AND $2
		GROUP BY r.run_id
		ORDER BY r.started_at DESC
	`

	rows, err := g.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			zap.L().Warn("failed to close rows", zap.Error(closeErr))
		}
	}()

	data := [][]string{
		{"Run ID", "Target", "Kind", "Status", "Total", "Successful", "Failed", "Avg Duration (ms)", "Success Rate (%)", "Started At"},
	}

	for rows.Next() {
		var runID, target, kind, status string
		var total, successful, failed int
		var avgDuration, successRate sql.NullFloat64
		var startedAt time.Time

		err := rows.Scan(&runID, &target, &kind, &status, &total, &successful, &failed, &avgDuration, &successRate, &startedAt)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{
			runID,
			target,
			kind,
			status,
			fmt.Sprintf("%d", total),
			fmt.Sprintf("%d", successful),
			fmt.Sprintf("%d", failed),
			formatFloat(avgDuration, 0),
			formatFloat(successRate, 2),
			startedAt.Format("2006-01-02 15:04:05"),
		})
	}

	return data, rows.Err()
}

func (g *Generator) failureAnalysis(ctx context.Context, start, end time.Time) ([][]string, error) {
	query := `
		SELECT
			r.target_id,
			LEFT(COALESCE(l.error_message, 'unknown'), 100) as error_type,
			COUNT(*) as occurrences,
			MAX(l.completed_at) as last_occurrence,
			AVG(l.attempt) as avg_attempt
		FROM assignment_item_log l
		JOIN assignment_runs r ON r.run_id = l.run_id
		WHERE r.started_at BETWEEN $1 AND $2
			AND l.status = 'failed'
		GROUP BY r.target_id, LEFT(COALESCE(l.error_message, 'unknown'), 100)
		ORDER BY occurrences DESC
		LIMIT 50
	`

	rows, err := g.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			zap.L().Warn("failed to close rows", zap.Error(closeErr))
		}
	}()

	data := [][]string{
		{"Target", "Error", "Occurrences", "Last Occurrence", "Avg Attempt"},
	}

	for rows.Next() {
		var target, errorType string
		var occurrences int
		var lastOccurrence sql.NullTime
		var avgAttempt sql.NullFloat64

		err := rows.Scan(&target, &errorType, &occurrences, &lastOccurrence, &avgAttempt)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		last := ""
		if lastOccurrence.Valid {
			last = lastOccurrence.Time.Format("2006-01-02 15:04:05")
		}

		data = append(data, []string{
			target,
			errorType,
			fmt.Sprintf("%d", occurrences),
			last,
			formatFloat(avgAttempt, 2),
		})
	}

	return data, rows.Err()
}

func (g *Generator) targetBreakdown(ctx context.Context, start, end time.Time) ([][]string, error) {
	query := `
		SELECT
			target_id,
			COUNT(*) as runs,
			COUNT(*) FILTER (WHERE kind = 'retry') as retry_runs,
			COUNT(*) FILTER (WHERE status = 'cancelled') as cancelled_runs,
			SUM(total_items) as items,
			SUM(successful) as successful,
			SUM(failed) as failed
		FROM assignment_runs
		WHERE started_at BETWEEN $1 AND $2
		GROUP BY target_id
		ORDER BY runs DESC
	`

	rows, err := g.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			zap.L().Warn("failed to close rows", zap.Error(closeErr))
		}
	}()

	data := [][]string{
		{"Target", "Runs", "Retry Runs", "Cancelled Runs", "Items", "Successful", "Failed"},
	}

	for rows.Next() {
		var target string
		var runs, retryRuns, cancelledRuns int
		var items, successful, failed sql.NullInt64

		err := rows.Scan(&target, &runs, &retryRuns, &cancelledRuns, &items, &successful, &failed)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{
			target,
			fmt.Sprintf("%d", runs),
			fmt.Sprintf("%d", retryRuns),
			fmt.Sprintf("%d", cancelledRuns),
			formatInt64(items),
			formatInt64(successful),
			formatInt64(failed),
		})
	}

	return data, rows.Err()
}

// FromItems renders the item list of a run in list order.
func FromItems(items []assignment.Item) [][]string {
	data := [][]string{
		{"Item ID", "Name", "Status", "Attempts", "Error", "Duration (ms)"},
	}

	for _, it := range items {
		duration := ""
		if it.StartTime != nil && it.EndTime != nil {
			duration = fmt.Sprintf("%d", it.Duration().Milliseconds())
		}

		data = append(data, []string{
			it.ID,
			it.DisplayName,
			string(it.Status),
			fmt.Sprintf("%d", it.Attempts),
			it.Error,
			duration,
		})
	}

	return data
}

func formatFloat(val sql.NullFloat64, precision int) string {
	if !val.Valid {
		return "0"
	}
	return fmt.Sprintf("%.*f", precision, val.Float64)
}

func formatInt64(val sql.NullInt64) string {
	if !val.Valid {
		return "0"
	}
	return fmt.Sprintf("%d", val.Int64)
}

func WriteCSV(w io.Writer, data [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.WriteAll(data); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}

	return nil
}

// WriteJSON writes the rows as objects keyed by header. data must hold at least the header row.
func WriteJSON(w io.Writer, data [][]string) error {
	if len(data) < 1 {
		return errors.New("insufficient data for JSON export")
	}

	headers := data[0]
	rows := data[1:]

	records := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		record := make(map[string]string)
		for i, header := range headers {
			if i < len(row) {
				record[header] = row[i]
			}
		}

		records = append(records, record)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{
		"generated_at": time.Now().Format(time.RFC3339),
		"data":         records,
		"total_rows":   len(records),
	})
}
