package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"pkt.systems/evalfleet/internal/appconfig"
	"pkt.systems/evalfleet/internal/shipohoy"
	"pkt.systems/evalfleet/internal/workload"
	"pkt.systems/pslog"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var input string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, container runtime, harness and input",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			if strings.TrimSpace(input) != "" {
				cfg.Input = input
			}
			logger.Info("doctor start", "config", configPath)

			budget, err := appconfig.ParseMemory(cfg.Budget.Memory)
			if err != nil {
				return err
			}
			logger.Info("doctor budget ok", "memory", humanize.IBytes(uint64(budget)), "max_containers", cfg.Budget.MaxContainers)

			if err := checkHarness(cfg.Harness); err != nil {
				return err
			}
			logger.Info("doctor harness ok", "command", cfg.Harness.Command)

			specs, err := workload.Load(cfg.Input)
			if err != nil {
				return err
			}
			if err := appconfig.CheckPortRange(cfg.Container.BasePort, len(specs)); err != nil {
				return err
			}
			if dups := workload.Duplicates(specs); len(dups) > 0 {
				logger.Warn("doctor input duplicates", "identities", strings.Join(dups, ","))
			}
			logger.Info("doctor input ok", "input", cfg.Input, "workloads", len(specs))

			if err := checkWritable(cfg.LogDir, cfg.EvalLogDir, cfg.AuditDir, cfg.StateDir); err != nil {
				return err
			}
			logger.Info("doctor directories ok")

			if err := checkRuntime(cmd.Context(), cfg); err != nil {
				return err
			}
			logger.Info("doctor runtime ok", "kind", cfg.Runtime.Kind)

			if cfg.Container.Token == "" {
				logger.Warn("doctor token empty", "env", cfg.Container.TokenEnv)
			}
			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&input, "input", "i", "", "workload list to validate")
	return cmd
}

func checkHarness(cfg appconfig.HarnessConfig) error {
	argv, err := shlex.Split(cfg.Command)
	if err != nil {
		return fmt.Errorf("harness.command: %w", err)
	}
	if len(argv) == 0 {
		return errors.New("harness.command is empty")
	}
	bin := argv[0]
	if cfg.Dir != "" && !filepath.IsAbs(bin) && strings.ContainsRune(bin, filepath.Separator) {
		bin = filepath.Join(cfg.Dir, bin)
	}
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("harness binary %q: %w", argv[0], err)
	}
	if cfg.Dir != "" {
		info, err := os.Stat(cfg.Dir)
		if err != nil {
			return fmt.Errorf("harness.dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("harness.dir %s is not a directory", cfg.Dir)
		}
	}
	return nil
}

func checkWritable(dirs ...string) error {
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		f, err := os.CreateTemp(dir, ".evalfleet-doctor-*")
		if err != nil {
			return fmt.Errorf("write %s: %w", dir, err)
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
	}
	return nil
}

// checkRuntime proves the engine answers by looking up a name that cannot
// exist.
func checkRuntime(ctx context.Context, cfg appconfig.Config) error {
	rt, closeFn, err := selectRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer func() { _ = closeFn() }()
	}
	probeName := shipohoy.ContainerName(cfg.Container.NamePrefix, "doctor-probe-nonexistent")
	if _, _, err := rt.Lookup(ctx, probeName); err != nil && !errors.Is(err, shipohoy.ErrNotFound) {
		return fmt.Errorf("runtime lookup: %w", err)
	}
	return nil
}
