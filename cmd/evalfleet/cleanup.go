package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/evalfleet/internal/shipohoy"
	"pkt.systems/pslog"
)

func newCleanupCmd() *cobra.Command {
	var cfgPath string
	var runID string
	var minAge time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove containers left behind by earlier runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			rt, closeFn, err := selectRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if closeFn != nil {
				defer func() { _ = closeFn() }()
			}
			selector := map[string]string{}
			if strings.TrimSpace(runID) != "" {
				selector[shipohoy.LabelRun] = runID
			}
			logger.Info("cleanup start", "run", runID, "min_age", minAge.String())
			removed, err := rt.Janitor(cmd.Context(), shipohoy.JanitorSpec{
				LabelSelector: selector,
				MinAge:        minAge,
			})
			if err != nil {
				return err
			}
			logger.Info("cleanup ok", "removed", removed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&runID, "run", "", "only remove containers from this run id")
	cmd.Flags().DurationVar(&minAge, "min-age", 0, "only remove containers older than this")
	return cmd
}
