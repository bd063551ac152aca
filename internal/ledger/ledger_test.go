package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute).UTC()
	if err := s.BeginRun(ctx, Run{ID: "run1", Started: started, Version: "v1", Input: "w.tsv", Total: 2, Status: "running"}); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	zero := 0
	if err := s.Put(ctx, "run1", Record{Index: 2, Identity: "b@x", State: "eval_failed", Port: 8002}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "run1", Record{Index: 1, Identity: "a@x", State: "completed", Port: 8001, ExitCode: &zero}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.FinishRun(ctx, "run1", "finished", 0, started.Add(time.Minute)); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err := s.Run(ctx, "run1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != "finished" || run.Total != 2 || run.Finished.IsZero() {
		t.Fatalf("unexpected run %+v", run)
	}
	records, err := s.Records(ctx, "run1")
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 2 || records[0].Identity != "a@x" || records[1].Identity != "b@x" {
		t.Fatalf("expected records in index order, got %+v", records)
	}
	if records[0].ExitCode == nil || *records[0].ExitCode != 0 || records[1].ExitCode != nil {
		t.Fatalf("unexpected exit codes %+v", records)
	}
	summary := Summary(records)
	if summary["completed"] != 1 || summary["eval_failed"] != 1 {
		t.Fatalf("unexpected summary %v", summary)
	}
}

func TestPutReplacesByIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.BeginRun(ctx, Run{ID: "r", Started: time.Now()}); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	for _, state := range []string{"queued", "launch_failed"} {
		if err := s.Put(ctx, "r", Record{Index: 1, Identity: "a@x", State: state}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	records, err := s.Records(ctx, "r")
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 1 || records[0].State != "launch_failed" {
		t.Fatalf("expected a single replaced record, got %+v", records)
	}
}

func TestLatestPicksNewestRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.Latest(ctx); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound on empty ledger, got %v", err)
	}
	now := time.Now()
	for _, run := range []Run{
		{ID: "b", Started: now.Add(-2 * time.Hour)},
		{ID: "a", Started: now},
		{ID: "c", Started: now.Add(-time.Hour)},
	} {
		if err := s.BeginRun(ctx, run); err != nil {
			t.Fatalf("BeginRun: %v", err)
		}
	}
	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ID != "a" {
		t.Fatalf("expected newest run a, got %q", latest.ID)
	}
	runs, err := s.Runs(ctx)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
}

func TestUnknownRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, "missing", Record{Index: 1}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound from Put, got %v", err)
	}
	if _, err := s.Records(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound from Records, got %v", err)
	}
	if err := s.FinishRun(ctx, "missing", "done", 0, time.Now()); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound from FinishRun, got %v", err)
	}
	if err := s.BeginRun(ctx, Run{}); err == nil {
		t.Fatalf("expected empty run id error")
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := s.BeginRun(ctx, Run{ID: "persist", Started: time.Now()}); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.Run(ctx, "persist"); err != nil {
		t.Fatalf("Run after reopen: %v", err)
	}
}
