package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/kigo-pro/assignq/internal/api"
	"github.com/kigo-pro/assignq/internal/assigner"
	"github.com/kigo-pro/assignq/internal/config"
	"github.com/kigo-pro/assignq/internal/executor"
	"github.com/kigo-pro/assignq/internal/logging"
	"github.com/kigo-pro/assignq/internal/middleware"
	"github.com/kigo-pro/assignq/internal/notify"
	"github.com/kigo-pro/assignq/internal/report"
	"github.com/kigo-pro/assignq/internal/repository"
	"github.com/kigo-pro/assignq/internal/runlog"
	"github.com/kigo-pro/assignq/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runStore, err := store.NewStore(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := runStore.Close(); err != nil {
			logger.Warn("failed to close run store", zap.Error(err))
		}
	}()

	recorderOpts := []runlog.Option{
		runlog.WithStore(runStore),
		runlog.WithLogger(logging.NewKV(logger.Named("runlog"))),
	}
	apiOpts := []api.Option{
		api.WithStore(runStore),
		api.WithLogger(logger.Named("api")),
		api.WithRequestDefaults(cfg.BatchSize, cfg.BatchDelay),
	}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		repo, err := repository.NewPostgresRunRepository(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer func() {
			if err := repo.Close(); err != nil {
				logger.Warn("failed to close Postgres repository", zap.Error(err))
			}
		}()

		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}

		db = repo.DB()
		recorderOpts = append(recorderOpts, runlog.WithRepository(repo))
		apiOpts = append(apiOpts, api.WithHistory(repo), api.WithReports(report.NewGenerator(db)))
		logger.Info("assignment history enabled")
	}

	if cfg.NotificationsEnabled() {
		recorderOpts = append(recorderOpts, runlog.WithNotifier(notify.NewNotifier(notify.Config{
			APIKey:      cfg.EmailAPIKey,
			FromName:    cfg.FromName,
			FromAddress: cfg.FromAddress,
			To:          cfg.NotifyTo,
		})))
		logger.Info("completion emails enabled", zap.Strings("to", cfg.NotifyTo))
	}

	target, err := buildAssigner(cfg, db)
	if err != nil {
		return err
	}

	recorder := runlog.NewRecorder(recorderOpts...)
	execOpts := []executor.Option{
		executor.WithLogger(logging.NewKV(logger.Named("executor"))),
		executor.WithSettleDelay(cfg.SettleDelay),
		executor.WithHooks(recorder.Hooks()),
	}
	if policy := cfg.RetryPolicy(); policy != nil {
		execOpts = append(execOpts, executor.WithRetryPolicy(*policy))
	}
	exec := executor.New(target, execOpts...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", middleware.MetricsMiddleware(api.NewAPI(ctx, exec, apiOpts...)))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go startMetricsCollector(ctx, runStore, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("redis", cfg.RedisAddr),
			zap.String("assigner", cfg.Assigner),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shut down http server", zap.Error(err))
	}

	// ctx is the parent of every run, so active runs are already cancelling.
	if active, ok := exec.CurrentRun(); ok {
		if err := active.Wait(shutdownCtx); err != nil {
			logger.Warn("run did not drain before shutdown", zap.String("run_id", active.ID()), zap.Error(err))
		}
	}

	return nil
}

func buildAssigner(cfg config.Config, db *sql.DB) (executor.Assigner, error) {
	switch cfg.Assigner {
	case config.AssignerPostgres:
		if db == nil {
			return nil, errors.New("postgres assigner requires POSTGRES_DSN")
		}
		return assigner.NewPostgresAssigner(db), nil
	case config.AssignerHTTP:
		return assigner.NewHTTPAssigner(cfg.AssignAPIURL, nil), nil
	default:
		return assigner.NewSimulatedAssigner(cfg.Simulated), nil
	}
}
