package main

import (
	"context"
	"time"

	"github.com/kigo-pro/assignq/internal/metrics"
	"go.uber.org/zap"
)

type runCounter interface {
	CountRuns(ctx context.Context) (int64, error)
}

func startMetricsCollector(ctx context.Context, runs runCounter, logger *zap.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	updateStoreMetrics(ctx, runs, logger)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateStoreMetrics(ctx, runs, logger)
		}
	}
}

func updateStoreMetrics(ctx context.Context, runs runCounter, logger *zap.Logger) {
	count, err := runs.CountRuns(ctx)
	if err != nil {
		logger.Warn("failed to count stored runs for metrics", zap.Error(err))
		return
	}

	metrics.UpdateStoredRuns(int(count))
}
