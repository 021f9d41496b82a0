package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kigo-pro/assignq/internal/assigner"
	"github.com/kigo-pro/assignq/internal/assignment"
	"github.com/kigo-pro/assignq/internal/config"
	"github.com/kigo-pro/assignq/internal/executor"
	"github.com/kigo-pro/assignq/internal/logging"
	"github.com/kigo-pro/assignq/internal/runlog"
	"github.com/kigo-pro/assignq/internal/store"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

type runOptions struct {
	target      string
	itemsPath   string
	batchSize   int
	delay       time.Duration
	settleDelay time.Duration
	retries     int

	assigner    string
	postgresDSN string
	apiURL      string
	simulated   assigner.SimulatedConfig

	redisAddr string
	logLevel  string
}

var errAssignmentCancelled = errors.New("assignment cancelled")

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "assign",
		Short:        "Bulk-assign items to a filter in paced batches",
		SilenceUsage: true,
	}

	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Assign every item in a file to a target filter",
		Long: `Dispatches the items in batches. Items within a batch are assigned concurrently;
batches run strictly one after another with a pause in between.

Failed items are retried up to --retries rounds with a smaller batch and a longer pause.
Ctrl-C cancels the run: items that were not dispatched stay pending.

Example:
  assign run --target filter-42 --items items.yaml --batch-size 4 --delay 2s --retries 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAssign(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.target, "target", "", "filter ID to assign the items to (overrides the file)")
	f.StringVar(&opts.itemsPath, "items", "", "YAML or JSON file listing the items")
	f.IntVar(&opts.batchSize, "batch-size", executor.DefaultBatchSize, "items dispatched concurrently per batch")
	f.DurationVar(&opts.delay, "delay", executor.DefaultBatchDelay, "pause between batches (0 disables)")
	f.DurationVar(&opts.settleDelay, "settle-delay", executor.DefaultSettleDelay, "pause before each batch is dispatched")
	f.IntVar(&opts.retries, "retries", 0, "retry rounds for failed items")
	f.StringVar(&opts.assigner, "assigner", config.AssignerSimulated, "assignment backend: simulated, postgres or http")
	f.StringVar(&opts.postgresDSN, "postgres-dsn", "", "Postgres DSN for the postgres assigner")
	f.StringVar(&opts.apiURL, "api-url", "", "filters API base URL for the http assigner")
	f.DurationVar(&opts.simulated.MinDelay, "sim-min-delay", 0, "simulated assigner minimum latency")
	f.DurationVar(&opts.simulated.MaxDelay, "sim-max-delay", 0, "simulated assigner maximum latency")
	f.Float64Var(&opts.simulated.FailureRate, "sim-failure-rate", 0, "simulated assigner failure share (0-1)")
	f.StringVar(&opts.redisAddr, "redis-addr", "", "record run snapshots in this Redis instance")
	f.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	_ = cmd.MarkFlagRequired("items")

	return cmd
}

func runAssign(ctx context.Context, opts runOptions, out io.Writer) error {
	logger, err := logging.New(opts.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	fileTarget, items, err := loadItems(opts.itemsPath)
	if err != nil {
		return err
	}
	target := opts.target
	if target == "" {
		target = fileTarget
	}

	backend, closeBackend, err := openAssigner(opts)
	if err != nil {
		return err
	}
	defer closeBackend()

	execOpts := []executor.Option{
		executor.WithLogger(logging.NewKV(logger)),
		executor.WithSettleDelay(opts.settleDelay),
		executor.WithHooks(executor.Hooks{
			OnProgressUpdate: func(current, total int) {
				_, _ = fmt.Fprintf(out, "progress: %d/%d\n", current, total)
			},
		}),
	}

	if opts.redisAddr != "" {
		runStore, err := store.NewStore(ctx, opts.redisAddr)
		if err != nil {
			return err
		}
		defer func() { _ = runStore.Close() }()

		recorder := runlog.NewRecorder(runlog.WithStore(runStore), runlog.WithLogger(logging.NewKV(logger)))
		execOpts = append(execOpts, executor.WithHooks(recorder.Hooks()))
	}

	delay := opts.delay
	if delay == 0 {
		delay = -1
	}

	exec := executor.New(backend, execOpts...)
	run, err := exec.Run(ctx, executor.Request{
		TargetID:   target,
		Items:      items,
		BatchSize:  opts.batchSize,
		BatchDelay: delay,
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "run %s finished: %s\n", run.ID(), run.Record().Status)

	for round := 1; round <= opts.retries && !run.Cancelled(); round++ {
		if !exec.Stats().HasFailures() {
			break
		}

		retry, err := exec.RetryFailed(ctx, "")
		if err != nil {
			return err
		}
		if retry == nil {
			break
		}

		_, _ = fmt.Fprintf(out, "retry round %d: %d items\n", round, retry.Record().Total)
		<-retry.Done()
		run = retry
	}

	printSummary(out, exec.Stats(), exec.Items())

	if run.Cancelled() {
		return errAssignmentCancelled
	}
	if stats := exec.Stats(); stats.Failed > 0 {
		return fmt.Errorf("%d of %d items failed", stats.Failed, stats.Total)
	}

	return nil
}

func openAssigner(opts runOptions) (executor.Assigner, func(), error) {
	switch opts.assigner {
	case config.AssignerSimulated:
		return assigner.NewSimulatedAssigner(opts.simulated), func() {}, nil
	case config.AssignerHTTP:
		if opts.apiURL == "" {
			return nil, nil, errors.New("--api-url is required for the http assigner")
		}
		return assigner.NewHTTPAssigner(opts.apiURL, nil), func() {}, nil
	case config.AssignerPostgres:
		if opts.postgresDSN == "" {
			return nil, nil, errors.New("--postgres-dsn is required for the postgres assigner")
		}
		db, err := sql.Open("postgres", opts.postgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		return assigner.NewPostgresAssigner(db), func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown assigner %q", opts.assigner)
	}
}

func printSummary(out io.Writer, stats assignment.Stats, items []assignment.Item) {
	_, _ = fmt.Fprintf(out, "total: %d  successful: %d  failed: %d  pending: %d  (%.0f%%)\n",
		stats.Total, stats.Successful, stats.Failed, stats.Pending, stats.ProgressPercentage)

	for _, it := range items {
		if it.Status != assignment.StatusFailed {
			continue
		}
		name := it.DisplayName
		if name == "" {
			name = it.ID
		}
		_, _ = fmt.Fprintf(out, "  failed %s: %s\n", name, it.Error)
	}
}
