// Package api exposes the bulk assignment executor, the run snapshots and the assignment
// history over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kigo-pro/assignq/internal/assignment"
	"github.com/kigo-pro/assignq/internal/dashboard"
	"github.com/kigo-pro/assignq/internal/executor"
	"github.com/kigo-pro/assignq/internal/httputil"
	"github.com/kigo-pro/assignq/internal/report"
	"github.com/kigo-pro/assignq/internal/repository"
	"github.com/kigo-pro/assignq/internal/store"
	"go.uber.org/zap"
)

const (
	defaultListLimit    = 20
	defaultFailureHours = 24
)

type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]assignment.Run, error)
	GetRun(ctx context.Context, runID string) (*assignment.Run, error)
	GetItems(ctx context.Context, runID string) ([]assignment.Item, error)
	DeleteRun(ctx context.Context, runID string) error
}

type HistoryReader interface {
	GetRecentRuns(ctx context.Context, limit int) ([]repository.RunRecord, error)
	GetRunItems(ctx context.Context, runID string) ([]repository.ItemLogEntry, error)
	GetFailureReasons(ctx context.Context, hours int) ([]repository.FailureReason, error)
}

type ReportGenerator interface {
	Generate(ctx context.Context, reportType string, start, end time.Time) ([][]string, error)
}

type API struct {
	exec    *executor.Executor
	runCtx  context.Context
	store   RunStore
	history HistoryReader
	reports ReportGenerator
	logger  *zap.Logger
	mux     *http.ServeMux

	defaultBatchSize  int
	defaultBatchDelay time.Duration
}

type Option func(*API)

func WithStore(s RunStore) Option {
	return func(a *API) { a.store = s }
}

func WithHistory(h HistoryReader) Option {
	return func(a *API) { a.history = h }
}

func WithReports(g ReportGenerator) Option {
	return func(a *API) { a.reports = g }
}

// WithRequestDefaults sets the batch parameters used when a start request omits them.
// A batchDelay of zero or less disables the pause, matching delay_ms.
func WithRequestDefaults(batchSize int, batchDelay time.Duration) Option {
	return func(a *API) {
		a.defaultBatchSize = batchSize
		a.defaultBatchDelay = batchDelay
		if batchDelay <= 0 {
			a.defaultBatchDelay = -1
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

type ItemRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type AssignRequest struct {
	TargetID  string        `json:"target_id"`
	Items     []ItemRequest `json:"items"`
	BatchSize int           `json:"batch_size"`
	DelayMs   *int64        `json:"delay_ms"`
}

type RetryRequest struct {
	TargetID string `json:"target_id"`
}

type RunResponse struct {
	Run assignment.Run `json:"run"`
}

type StateResponse struct {
	Run          *assignment.Run   `json:"run"`
	Items        []assignment.Item `json:"items"`
	IsProcessing bool              `json:"is_processing"`
	Progress     executor.Progress `json:"progress"`
	Stats        assignment.Stats  `json:"stats"`
}

type RunDetailResponse struct {
	Run   assignment.Run    `json:"run"`
	Items []assignment.Item `json:"items"`
}

// NewAPI wires the routes. Runs started through the API are bound to runCtx.
func NewAPI(runCtx context.Context, exec *executor.Executor, opts ...Option) *API {
	api := &API{
		exec:   exec,
		runCtx: runCtx,
		logger: zap.NewNop(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(api)
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/assignments", a.handleAssignments)
	a.mux.HandleFunc("/api/assignments/cancel", a.cancelAssignment)
	a.mux.HandleFunc("/api/assignments/retry", a.retryAssignment)
	a.mux.HandleFunc("/api/assignments/report", a.exportReport)

	a.mux.HandleFunc("/api/runs", a.listRuns)
	a.mux.HandleFunc("/api/runs/", a.handleRun)

	a.mux.HandleFunc("/api/history/runs", a.listHistory)
	a.mux.HandleFunc("/api/history/runs/", a.getHistoryItems)
	a.mux.HandleFunc("/api/history/failures", a.getFailureReasons)
	a.mux.HandleFunc("/api/history/reports/", a.generateReport)

	var runs dashboard.RunLister
	if a.store != nil {
		runs = a.store
	}
	dash := dashboard.NewDashboard(a.exec, runs)
	a.mux.HandleFunc("/api/dashboard/stats", dash.GetStats)
	a.mux.HandleFunc("/api/dashboard/history", dash.GetRecentRuns)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleAssignments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.startAssignment(w, r)
	case http.MethodGet:
		a.getAssignment(w, r)
	case http.MethodDelete:
		a.resetAssignment(w, r)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) startAssignment(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := a.decodeBody(r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	items := make([]assignment.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = assignment.NewItem(it.ID, it.DisplayName)
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = a.defaultBatchSize
	}
	delay := a.defaultBatchDelay
	if req.DelayMs != nil {
		delay = batchDelay(req.DelayMs)
	}

	run, err := a.exec.Start(a.runCtx, executor.Request{
		TargetID:   req.TargetID,
		Items:      items,
		BatchSize:  batchSize,
		BatchDelay: delay,
	})
	if err != nil {
		a.writeExecutorError(w, err)
		return
	}

	httputil.WriteJSON(w, RunResponse{Run: run.Record()}, http.StatusAccepted)
}

// batchDelay maps the request field onto executor.Request: absent selects the default and
// zero disables the pause.
func batchDelay(delayMs *int64) time.Duration {
	switch {
	case delayMs == nil:
		return 0
	case *delayMs <= 0:
		return -1
	default:
		return time.Duration(*delayMs) * time.Millisecond
	}
}

func (a *API) getAssignment(w http.ResponseWriter, _ *http.Request) {
	resp := StateResponse{
		Items:        a.exec.Items(),
		IsProcessing: a.exec.IsProcessing(),
		Progress:     a.exec.Progress(),
		Stats:        a.exec.Stats(),
	}
	if run, ok := a.exec.CurrentRun(); ok {
		record := run.Record()
		resp.Run = &record
	}

	httputil.WriteJSON(w, resp, http.StatusOK)
}

func (a *API) resetAssignment(w http.ResponseWriter, r *http.Request) {
	if err := a.exec.Reset(r.Context()); err != nil {
		a.logger.Error("failed to reset assignment", zap.Error(err))
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) cancelAssignment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	wasProcessing := a.exec.IsProcessing()
	a.exec.Cancel()

	httputil.WriteJSON(w, map[string]bool{"cancelling": wasProcessing}, http.StatusAccepted)
}

func (a *API) retryAssignment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RetryRequest
	if err := a.decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	run, err := a.exec.RetryFailed(a.runCtx, req.TargetID)
	if err != nil {
		a.writeExecutorError(w, err)
		return
	}
	if run == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	httputil.WriteJSON(w, RunResponse{Run: run.Record()}, http.StatusAccepted)
}

func (a *API) exportReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.writeReport(w, r, "assignment-report", report.FromItems(a.exec.Items()))
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	if !a.allowGet(w, r) || !a.requireStore(w) {
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	runs, err := a.store.ListRuns(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, runs, http.StatusOK)
}

func (a *API) handleRun(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.getRun(w, r)
	case http.MethodDelete:
		a.deleteRun(w, r)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func runIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	runID := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		httputil.WriteJSONError(w, "Run ID is required", http.StatusBadRequest)
		return "", false
	}

	return runID, true
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}

	runID, ok := runIDFromPath(w, r)
	if !ok {
		return
	}

	run, err := a.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		httputil.WriteJSONError(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	items, err := a.store.GetItems(r.Context(), runID)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, RunDetailResponse{Run: *run, Items: items}, http.StatusOK)
}

// deleteRun drops a run snapshot from Redis. The active run cannot be deleted.
func (a *API) deleteRun(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}

	runID, ok := runIDFromPath(w, r)
	if !ok {
		return
	}

	if current, ok := a.exec.CurrentRun(); ok && current.ID() == runID && a.exec.IsProcessing() {
		httputil.WriteJSONError(w, "Run is still in progress", http.StatusConflict)
		return
	}

	_, err := a.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		httputil.WriteJSONError(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := a.store.DeleteRun(r.Context(), runID); err != nil {
		a.logger.Error("failed to delete run snapshot", zap.String("run_id", runID), zap.Error(err))
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listHistory(w http.ResponseWriter, r *http.Request) {
	if !a.allowGet(w, r) || !a.requireHistory(w) {
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	runs, err := a.history.GetRecentRuns(r.Context(), limit)
	if err != nil {
		a.logger.Error("failed to load run history", zap.Error(err))
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []repository.RunRecord{}
	}

	httputil.WriteJSON(w, runs, http.StatusOK)
}

// getFailureReasons groups failed item attempts of the last ?hours= (default 24) by error.
func (a *API) getFailureReasons(w http.ResponseWriter, r *http.Request) {
	if !a.allowGet(w, r) || !a.requireHistory(w) {
		return
	}

	hours := defaultFailureHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		h, err := strconv.Atoi(raw)
		if err != nil || h <= 0 {
			httputil.WriteJSONError(w, "hours must be a positive integer", http.StatusBadRequest)
			return
		}
		hours = h
	}

	reasons, err := a.history.GetFailureReasons(r.Context(), hours)
	if err != nil {
		a.logger.Error("failed to load failure reasons", zap.Int("hours", hours), zap.Error(err))
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if reasons == nil {
		reasons = []repository.FailureReason{}
	}

	httputil.WriteJSON(w, reasons, http.StatusOK)
}

func (a *API) getHistoryItems(w http.ResponseWriter, r *http.Request) {
	if !a.allowGet(w, r) || !a.requireHistory(w) {
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/history/runs/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "items" {
		httputil.WriteJSONError(w, "Not found", http.StatusNotFound)
		return
	}

	entries, err := a.history.GetRunItems(r.Context(), parts[0])
	if err != nil {
		a.logger.Error("failed to load item history", zap.String("run_id", parts[0]), zap.Error(err))
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []repository.ItemLogEntry{}
	}

	httputil.WriteJSON(w, entries, http.StatusOK)
}

func (a *API) generateReport(w http.ResponseWriter, r *http.Request) {
	if !a.allowGet(w, r) {
		return
	}
	if a.reports == nil {
		httputil.WriteJSONError(w, "Assignment history is not configured", http.StatusServiceUnavailable)
		return
	}

	reportType := strings.TrimPrefix(r.URL.Path, "/api/history/reports/")
	start, end, err := parseTimeRange(r)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := a.reports.Generate(r.Context(), reportType, start, end)
	if errors.Is(err, report.ErrUnsupportedType) {
		httputil.WriteJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("failed to generate report", zap.String("type", reportType), zap.Error(err))
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	a.writeReport(w, r, reportType, data)
}

func (a *API) writeReport(w http.ResponseWriter, r *http.Request, name string, data [][]string) {
	switch format := r.URL.Query().Get("format"); format {
	case "", "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`.csv"`)
		if err := report.WriteCSV(w, data); err != nil {
			a.logger.Error("failed to write report", zap.String("report", name), zap.Error(err))
		}
	case "json":
		w.Header().Set("Content-Type", "application/json")
		if err := report.WriteJSON(w, data); err != nil {
			a.logger.Error("failed to write report", zap.String("report", name), zap.Error(err))
		}
	default:
		httputil.WriteJSONError(w, "Unsupported format: "+format, http.StatusBadRequest)
	}
}

func (a *API) writeExecutorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, executor.ErrInvalidRequest):
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, executor.ErrAlreadyInProgress):
		httputil.WriteJSONError(w, err.Error(), http.StatusConflict)
	default:
		a.logger.Error("assignment request failed", zap.Error(err))
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (a *API) decodeBody(r *http.Request, v any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			a.logger.Warn("failed to close request body", zap.Error(err))
		}
	}()

	return json.NewDecoder(r.Body).Decode(v)
}

func (a *API) allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}

	return true
}

func (a *API) requireStore(w http.ResponseWriter) bool {
	if a.store == nil {
		httputil.WriteJSONError(w, "Run store is not configured", http.StatusServiceUnavailable)
		return false
	}

	return true
}

func (a *API) requireHistory(w http.ResponseWriter) bool {
	if a.history == nil {
		httputil.WriteJSONError(w, "Assignment history is not configured", http.StatusServiceUnavailable)
		return false
	}

	return true
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}

	return limit, nil
}

// parseTimeRange reads the RFC3339 start and end query parameters, defaulting to the last 24 hours.
func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	end := time.Now()
	start := end.Add(-24 * time.Hour)

	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid start format, expected RFC3339")
		}
		start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid end format, expected RFC3339")
		}
		end = t
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("end must not be before start")
	}

	return start, end, nil
}
