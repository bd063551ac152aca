package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/evalfleet/internal/ledger"
)

func newReportCmd() *cobra.Command {
	var cfgPath string
	var runID string
	var listRuns bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print workload outcomes recorded for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			store, err := ledger.Open(filepath.Join(cfg.StateDir, ledgerFile))
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			return writeReport(cmd.Context(), cmd.OutOrStdout(), store, runID, listRuns)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&runID, "run", "", "run id (defaults to the latest run)")
	cmd.Flags().BoolVar(&listRuns, "list", false, "list recorded runs instead of outcomes")
	return cmd
}

func writeReport(ctx context.Context, w io.Writer, store *ledger.Store, runID string, listRuns bool) error {
	if listRuns {
		runs, err := store.Runs(ctx)
		if err != nil {
			return err
		}
		return printRuns(w, runs)
	}
	var (
		run ledger.Run
		err error
	)
	if strings.TrimSpace(runID) == "" {
		run, err = store.Latest(ctx)
	} else {
		run, err = store.Run(ctx, runID)
	}
	if err != nil {
		return err
	}
	records, err := store.Records(ctx, run.ID)
	if err != nil {
		return err
	}
	return printRun(w, run, records)
}

func printRuns(w io.Writer, runs []ledger.Run) error {
	sort.Slice(runs, func(i, j int) bool { return runs[i].Started.Before(runs[j].Started) })
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tEXIT\tWORKLOADS\tINPUT")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", run.ID, humanize.Time(run.Started), run.Status, run.ExitCode, run.Total, run.Input)
	}
	return tw.Flush()
}

func printRun(w io.Writer, run ledger.Run, records []ledger.Record) error {
	fmt.Fprintf(w, "run %s (%s, exit %d) started %s", run.ID, run.Status, run.ExitCode, run.Started.Local().Format(time.RFC3339))
	if !run.Finished.IsZero() {
		fmt.Fprintf(w, ", took %s", run.Finished.Sub(run.Started).Round(time.Second))
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tIDENTITY\tPORT\tSTATE\tEXIT\tCOUNTER\tDURATION\tERROR")
	for _, rec := range records {
		exit := "-"
		if rec.ExitCode != nil {
			exit = strconv.Itoa(*rec.ExitCode)
		}
		counter := "-"
		if rec.Counter > 0 {
			counter = strconv.FormatInt(rec.Counter, 10)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			rec.Index, rec.Identity, rec.Port, rec.State, exit, counter,
			(time.Duration(rec.DurationMS) * time.Millisecond).Round(time.Millisecond), rec.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	summary := ledger.Summary(records)
	states := make([]string, 0, len(summary))
	for state := range summary {
		states = append(states, state)
	}
	sort.Strings(states)
	parts := make([]string, 0, len(states))
	for _, state := range states {
		parts = append(parts, fmt.Sprintf("%s=%d", state, summary[state]))
	}
	_, err := fmt.Fprintf(w, "%d of %d workloads recorded: %s\n", len(records), run.Total, strings.Join(parts, " "))
	return err
}
