package main

import (
	"context"
	"errors"
	"log"
	"os"

	"github.com/spf13/cobra"

	"pkt.systems/evalfleet/internal/fleet"
	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	root := newRootCmd()
	root.SetArgs(os.Args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		var exitErr *fleet.ExitError
		if errors.As(err, &exitErr) {
			pslog.Ctx(ctx).With("code", exitErr.Code).Error("evalfleet run aborted", "err", err)
		} else {
			pslog.Ctx(ctx).With("err", err).Error("evalfleet command failed")
		}
		return fleet.ExitCode(err)
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "evalfleet",
		Short:         "Launch, probe and evaluate a batch of workload containers under a resource budget",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newCleanupCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newInitConfigCmd())
	root.AddCommand(newVersionCmd())

	return root
}
