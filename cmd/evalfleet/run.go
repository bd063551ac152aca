package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"pkt.systems/evalfleet/internal/appconfig"
	"pkt.systems/evalfleet/internal/audit"
	"pkt.systems/evalfleet/internal/eventbus"
	"pkt.systems/evalfleet/internal/fleet"
	"pkt.systems/evalfleet/internal/harness"
	"pkt.systems/evalfleet/internal/ledger"
	"pkt.systems/evalfleet/internal/logstream"
	"pkt.systems/evalfleet/internal/logx"
	"pkt.systems/evalfleet/internal/probe"
	"pkt.systems/evalfleet/internal/shipohoy"
	"pkt.systems/evalfleet/internal/version"
	"pkt.systems/evalfleet/internal/workload"
	"pkt.systems/pslog"
)

const ledgerFile = "ledger.db"

func newRunCmd() *cobra.Command {
	var cfgPath string
	var input string
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "run [workloads.tsv]",
		Short: "Run every workload in the input list",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				input = args[0]
			}
			if strings.TrimSpace(input) != "" {
				cfg.Input = input
			}
			if strings.TrimSpace(metricsAddr) != "" {
				cfg.Metrics.Addr = metricsAddr
			}
			return runFleet(cmd.Context(), cmd, cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&input, "input", "i", "", "workload list (identity<TAB>image per line)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")
	return cmd
}

func loadConfig(path string) (appconfig.Config, error) {
	return appconfig.Load(path)
}

func runFleet(ctx context.Context, cmd *cobra.Command, cfg appconfig.Config) error {
	runID := xid.New().String()
	ctx = logx.ContextWithRunLogger(ctx, runID)
	logger := pslog.Ctx(ctx)

	budget, err := appconfig.ParseMemory(cfg.Budget.Memory)
	if err != nil {
		return fmt.Errorf("budget.memory: %w", err)
	}
	var memoryLimit int64
	if strings.TrimSpace(cfg.Container.MemoryLimit) != "" {
		if memoryLimit, err = appconfig.ParseMemory(cfg.Container.MemoryLimit); err != nil {
			return fmt.Errorf("container.memory_limit: %w", err)
		}
	}

	specs, err := workload.Load(cfg.Input)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("no workloads in %s", cfg.Input)
	}
	if err := appconfig.CheckPortRange(cfg.Container.BasePort, len(specs)); err != nil {
		return err
	}
	for _, identity := range workload.Duplicates(specs) {
		logger.Warn("workload duplicate identity", "identity", identity)
	}
	if cfg.Container.Token == "" {
		logger.Warn("container token is empty", "env", cfg.Container.TokenEnv)
	}

	rt, closeFn, err := selectRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer func() { _ = closeFn() }()
	}

	store, err := ledger.Open(filepath.Join(cfg.StateDir, ledgerFile))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	info := version.Describe()
	if err := store.BeginRun(ctx, ledger.Run{
		ID:      runID,
		Started: time.Now().UTC(),
		Version: info.Version,
		Input:   cfg.Input,
		Total:   len(specs),
		Status:  "running",
	}); err != nil {
		return err
	}

	prober, err := probe.New(probe.Config{
		Host:           cfg.Probe.Host,
		Path:           cfg.Probe.Path,
		Task:           cfg.Probe.Task,
		Attempts:       cfg.Probe.Attempts,
		Backoff:        cfg.Probe.Backoff(),
		RequestTimeout: cfg.Probe.RequestTimeout(),
		Timeout:        cfg.Probe.Timeout(),
	})
	if err != nil {
		return err
	}
	runner, err := harness.New(harness.Config{
		Command:       cfg.Harness.Command,
		Dir:           cfg.Harness.Dir,
		IdentityFlag:  cfg.Harness.IdentityFlag,
		PortFlag:      cfg.Harness.PortFlag,
		CounterFlag:   cfg.Harness.CounterFlag,
		FatalExitCode: cfg.Harness.FatalExitCode,
		LogDir:        cfg.EvalLogDir,
		KillGrace:     cfg.Runtime.StopTimeout(),
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := fleet.NewMetrics(reg)
	if cfg.Metrics.Addr != "" {
		stop := serveMetrics(ctx, cfg.Metrics.Addr, reg)
		defer stop()
	}

	yard := shipohoy.Commission(shipohoy.YardPlan{
		NamePrefix:   cfg.Container.NamePrefix,
		Env:          map[string]string{cfg.Container.TokenEnv: cfg.Container.Token},
		Labels:       map[string]string{shipohoy.LabelRun: runID},
		ResourceCaps: shipohoy.ResourceCaps{MemoryBytes: memoryLimit},
		PullImages:   cfg.Runtime.Pull,
	}, rt)
	bus := eventbus.New(logger)
	coord, err := fleet.New(fleet.Config{
		RunID:        runID,
		BasePort:     cfg.Container.BasePort,
		InternalPort: cfg.Container.InternalPort,
		Admission: fleet.AdmissionConfig{
			MemoryBudget:  uint64(budget),
			MaxContainers: cfg.Budget.MaxContainers,
			PollInterval:  cfg.Budget.PollInterval(),
		},
		CounterStart:  cfg.Harness.CounterStart,
		AbortInflight: cfg.Harness.AbortInflight,
		FatalExitCode: cfg.Harness.FatalExitCode,
	}, fleet.Deps{
		Yard:     yard,
		Prober:   prober,
		Harness:  runner,
		Streamer: logstream.New(rt, cfg.LogDir),
		Audit:    audit.New(cfg.AuditDir),
		Ledger:   store,
		Bus:      bus,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	logger.Info("run start",
		"version", info.Version,
		"input", cfg.Input,
		"workloads", len(specs),
		"runtime", cfg.Runtime.Kind,
		"budget", humanize.IBytes(uint64(budget)),
		"max_containers", cfg.Budget.MaxContainers,
	)
	_, runErr := coord.Run(ctx, specs)

	status := "finished"
	switch {
	case coord.Aborted():
		status = "aborted"
	case errors.Is(runErr, context.Canceled):
		status = "cancelled"
	}
	if err := store.FinishRun(logx.Detach(ctx), runID, status, fleet.ExitCode(runErr), time.Now().UTC()); err != nil {
		logger.Warn("run ledger finish failed", "err", err)
	}
	run, err := store.Run(logx.Detach(ctx), runID)
	if err == nil {
		records, recErr := store.Records(logx.Detach(ctx), runID)
		if recErr == nil {
			if err := printRun(cmd.OutOrStdout(), run, records); err != nil {
				logger.Warn("run summary failed", "err", err)
			}
		}
	}
	return runErr
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) func() {
	logger := pslog.Ctx(ctx).With("addr", addr)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics listen start")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics listen failed", "err", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
