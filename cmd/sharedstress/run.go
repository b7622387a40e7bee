package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rselbach/shared"
	"github.com/rselbach/shared/internal/stress"
)

type runOptions struct {
	workers     int
	iterations  int
	weak        bool
	logFormat   string
	logLevel    string
	metricsAddr string
	linger      time.Duration
}

func runCmd() *cobra.Command {
	opts := runOptions{
		workers:     envInt("WORKERS", 8),
		iterations:  envInt("ITERATIONS", 10_000),
		weak:        envBool("WEAK", false),
		logFormat:   envString("LOG_FORMAT", "text"),
		logLevel:    envString("LOG_LEVEL", "info"),
		metricsAddr: envString("METRICS_ADDR", ""),
		linger:      envDuration("LINGER", 0),
	}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the clone/release stress test",
		Long: `Run builds one shared handle per round, clones it from every worker,
releases all the handles concurrently and checks that the value was
released exactly once.

With --weak, workers instead race Weak.Upgrade against the release
of the last strong handle.

Examples:
  sharedstress run
  sharedstress run --workers=64 --iterations=100000
  sharedstress run --weak --metrics-addr=:9090 --linger=30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStress(ctx, cmd, opts)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.workers, "workers", "w", opts.workers, "Goroutines per round")
	f.IntVarP(&opts.iterations, "iterations", "n", opts.iterations, "Number of rounds")
	f.BoolVar(&opts.weak, "weak", opts.weak, "Race weak upgrades against the final release")
	f.StringVar(&opts.logFormat, "log-format", opts.logFormat, "Log format: text or json")
	f.StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level: debug, info, warn or error")
	f.StringVar(&opts.metricsAddr, "metrics-addr", opts.metricsAddr, "Serve Prometheus metrics on this address")
	f.DurationVar(&opts.linger, "linger", opts.linger, "Keep serving metrics this long after the run")

	return cmd
}

func runStress(ctx context.Context, cmd *cobra.Command, opts runOptions) error {
	logger, err := newLogger(cmd.ErrOrStderr(), opts.logFormat, opts.logLevel)
	if err != nil {
		return err
	}

	tracker := shared.NewTrackerWithLabels(logger, prometheus.Labels{"harness": "sharedstress"})

	if opts.metricsAddr != "" {
		_, stopMetrics, err := serveMetrics(opts.metricsAddr, tracker, logger)
		if err != nil {
			return err
		}
		defer func() {
			if opts.linger > 0 {
				logger.Info("lingering for metrics scrape", "duration", opts.linger)
				select {
				case <-time.After(opts.linger):
				case <-ctx.Done():
				}
			}
			stopMetrics()
		}()
	}

	res, err := stress.Run(ctx, stress.Config{
		Workers:    opts.workers,
		Iterations: opts.iterations,
		Weak:       opts.weak,
		Tracker:    tracker,
		Logger:     logger,
	})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "rounds:            %d\n", res.Rounds)
	fmt.Fprintf(out, "values released:   %d\n", res.Stats.Released)
	fmt.Fprintf(out, "clones:            %d\n", res.Stats.Clones)
	if opts.weak {
		fmt.Fprintf(out, "upgrades:          %d\n", res.UpgradeSuccesses)
		fmt.Fprintf(out, "upgrade failures:  %d\n", res.UpgradeFailures)
	}
	fmt.Fprintf(out, "elapsed:           %s\n", res.Elapsed.Round(time.Millisecond))

	if err != nil {
		return fmt.Errorf("stress run failed: %w", err)
	}
	return nil
}

// serveMetrics exposes tracker and the Go runtime collectors at /metrics. It
// returns the bound address and a function that shuts the server down.
func serveMetrics(addr string, tracker *shared.Tracker, logger *slog.Logger) (string, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		tracker,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listener: %w", err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	bound := ln.Addr().String()
	logger.Info("serving metrics", "addr", bound)

	return bound, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}, nil
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v, err := strconv.Atoi(envString(name, "")); err == nil {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	if v, err := strconv.ParseBool(envString(name, "")); err == nil {
		return v
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(envString(name, "")); err == nil {
		return v
	}
	return def
}
