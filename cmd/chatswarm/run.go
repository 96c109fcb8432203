package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torosent/chatswarm/internal/config"
	"github.com/torosent/chatswarm/internal/logging"
	"github.com/torosent/chatswarm/internal/metrics"
	"github.com/torosent/chatswarm/internal/output"
	"github.com/torosent/chatswarm/internal/runner"
	"github.com/torosent/chatswarm/internal/threshold"
	"github.com/torosent/chatswarm/internal/tracing"
)

const (
	progressInterval = time.Second
	shutdownTimeout  = 5 * time.Second
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a ramped load test against a chat endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewLoader().LoadFlags(cmd.Flags())
			if err != nil {
				return err
			}
			if printCfg, _ := cmd.Flags().GetBool("print-config"); printCfg {
				data, err := config.Dump(*cfg)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			for _, w := range cfg.Warnings() {
				logger.Warn(w)
			}

			return execute(cmd.Context(), cfg, cmd.OutOrStdout(), logger)
		},
	}
	config.RegisterFlags(cmd)
	cmd.Flags().Bool("print-config", false, "Print the effective configuration as YAML and exit")
	return cmd
}

// execute runs one load test and reports it. It returns a *ThresholdError when
// the run completed but its verdict failed.
func execute(ctx context.Context, cfg *config.Config, stdout io.Writer, logger *zap.Logger) error {
	ths, err := threshold.ParseMultiple(cfg.Thresholds)
	if err != nil {
		return err
	}
	policy := threshold.MissingPass
	if cfg.MissingMetric == config.MissingMetricFail {
		policy = threshold.MissingFail
	}

	runID := output.NewRunID()
	logger = logger.With(zap.String("run_id", runID))

	tp, err := tracing.Init(ctx, cfg.Tracing, tracing.Run{
		ID:      runID,
		Target:  cfg.TargetURL,
		Topic:   cfg.Topic,
		PeakVUs: cfg.MaxTarget(),
		Tags:    cfg.Tags,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector()
	scheduler := runner.New(runner.Options{
		Stages:        toRunnerStages(cfg.Stages),
		Interpolation: runner.Interpolation(cfg.Interpolation),
		PollInterval:  cfg.PollInterval,
		SpawnRate:     cfg.SpawnRate,
		SpawnRetries:  cfg.SpawnRetries,
		Factory:       newSessionFactory(cfg, runID, collector, tp, logger),
		Recorder:      collector,
		Logger:        logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv, err = newMetricsServer(cfg.MetricsAddr, collector)
		if err != nil {
			return err
		}
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.MetricsAddr, err)
		}
		logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
		g.Go(func() error {
			if err := metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	var progress *output.ProgressReporter
	if !cfg.JSONOutput {
		progress = output.NewProgressReporter(collector, scheduler, progressInterval, stdout)
	}

	started := time.Now()
	collector.Start()
	if progress != nil {
		progress.Start()
	}

	var (
		res    runner.Result
		runErr error
	)
	g.Go(func() error {
		res, runErr = scheduler.Run(gctx)
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})
	groupErr := g.Wait()
	if progress != nil {
		progress.Stop()
	}
	runErr = runFailure(ctx, runErr, groupErr)

	snap := collector.Freeze()
	verdict := threshold.NewEvaluator(ths, threshold.WithMissingMetricPolicy(policy)).Evaluate(snap)
	summary := output.NewSummary(runID, cfg.TargetURL, started, res, snap, verdict, runErr)
	summary.Tags = cfg.Tags

	if cfg.JSONOutput {
		if err := output.PrintJSONReport(stdout, summary); err != nil {
			return err
		}
	} else {
		output.PrintReport(stdout, summary)
	}

	if cfg.HistoryFile != "" {
		if err := output.AppendHistory(cfg.HistoryFile, output.NewHistoryEntry(summary)); err != nil {
			logger.Warn("history not recorded", zap.String("path", cfg.HistoryFile), zap.Error(err))
		}
	}

	switch {
	case errors.Is(runErr, context.Canceled):
		return fmt.Errorf("run interrupted: %w", runErr)
	case runErr != nil:
		return fmt.Errorf("run failed: %w", runErr)
	case !verdict.Pass:
		return &ThresholdError{Failed: verdict.Failed()}
	}
	return nil
}

// runFailure picks the error that ended the run. A failing group member
// cancels the scheduler, so the scheduler's context.Canceled only means an
// interruption when ctx itself is done.
func runFailure(ctx context.Context, runErr, groupErr error) error {
	if groupErr == nil {
		return runErr
	}
	if runErr == nil || (errors.Is(runErr, context.Canceled) && ctx.Err() == nil) {
		return groupErr
	}
	return runErr
}

func newMetricsServer(addr string, collector *metrics.Collector) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewPrometheusCollector(collector)); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}

func toRunnerStages(stages []config.Stage) []runner.Stage {
	out := make([]runner.Stage, len(stages))
	for i, st := range stages {
		out[i] = runner.Stage{Duration: st.Duration, Target: st.Target}
	}
	return out
}
