// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kigo-pro/assignq/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

// normalizeEndpoint collapses path parameters so label cardinality stays bounded.
func normalizeEndpoint(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/runs/") && !strings.Contains(path[len("/api/runs/"):], "/"):
		return "/api/runs/:id"
	case strings.HasPrefix(path, "/api/history/runs/"):
		parts := strings.Split(strings.TrimPrefix(path, "/api/history/runs/"), "/")
		if len(parts) >= 2 && parts[1] == "items" {
			return "/api/history/runs/:id/items"
		}

		return "/api/history/runs/:id"
	case strings.HasPrefix(path, "/api/history/reports/"):
		return "/api/history/reports/:type"
	default:
		return path
	}
}
