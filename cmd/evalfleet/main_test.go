package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"pkt.systems/evalfleet/internal/appconfig"
	"pkt.systems/evalfleet/internal/ledger"
)

func TestRootHasSubcommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"run", "report", "cleanup", "doctor", "init-config", "version"}
	for _, name := range want {
		found := false
		for _, cmd := range root.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected root command to include %s", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), runtime.GOOS+"/"+runtime.GOARCH) {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestInitConfigWritesLoadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "config.yaml")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"init-config", "--config", path})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("init-config: %v", err)
	}
	if !strings.Contains(out.String(), path) {
		t.Fatalf("expected written path in output, got %q", out.String())
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Budget.MaxContainers != 100 || cfg.Harness.FatalExitCode != 244 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"init-config", "--config", path})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatalf("expected refusal to overwrite without --force")
	}
}

func TestWriteReportLatestRun(t *testing.T) {
	store, err := ledger.Open(filepath.Join(t.TempDir(), ledgerFile))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)
	for _, id := range []string{"old", "new"} {
		if err := store.BeginRun(ctx, ledger.Run{ID: id, Started: started, Total: 2, Status: "running"}); err != nil {
			t.Fatalf("BeginRun: %v", err)
		}
		started = started.Add(30 * time.Second)
	}
	zero := 0
	if err := store.Put(ctx, "new", ledger.Record{Index: 1, Identity: "a@x", Port: 8001, State: "completed", Counter: 1, ExitCode: &zero, DurationMS: 1500}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, "new", ledger.Record{Index: 2, Identity: "b@x", Port: 8002, State: "probe_timed_out", Error: "connection refused"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var out bytes.Buffer
	if err := writeReport(ctx, &out, store, "", false); err != nil {
		t.Fatalf("writeReport: %v", err)
	}
	text := out.String()
	for _, want := range []string{"run new", "a@x", "completed", "b@x", "probe_timed_out", "connection refused", "completed=1 probe_timed_out=1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in report:\n%s", want, text)
		}
	}

	out.Reset()
	if err := writeReport(ctx, &out, store, "", true); err != nil {
		t.Fatalf("writeReport list: %v", err)
	}
	if strings.Index(out.String(), "old") > strings.Index(out.String(), "new") {
		t.Fatalf("expected runs sorted by start time:\n%s", out.String())
	}

	if err := writeReport(ctx, &out, store, "missing", false); !errors.Is(err, ledger.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestCheckHarness(t *testing.T) {
	if err := checkHarness(appconfig.HarnessConfig{Command: "sh -c 'exit 0'"}); err != nil {
		t.Fatalf("expected sh to be found: %v", err)
	}
	if err := checkHarness(appconfig.HarnessConfig{Command: "evalfleet-no-such-binary --flag"}); err == nil {
		t.Fatalf("expected missing binary error")
	}
	if err := checkHarness(appconfig.HarnessConfig{Command: "sh", Dir: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatalf("expected missing dir error")
	}
	if err := checkHarness(appconfig.HarnessConfig{Command: "'unterminated"}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestCheckWritable(t *testing.T) {
	base := t.TempDir()
	if err := checkWritable(filepath.Join(base, "a"), "", filepath.Join(base, "b", "c")); err != nil {
		t.Fatalf("checkWritable: %v", err)
	}
	blocker := filepath.Join(base, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := checkWritable(filepath.Join(blocker, "sub")); err == nil {
		t.Fatalf("expected error below a regular file")
	}
}

func TestSelectRuntimeRejectsUnknownKind(t *testing.T) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}
	cfg.Runtime.Kind = "containerd"
	if _, _, err := selectRuntime(context.Background(), cfg); err == nil {
		t.Fatalf("expected unsupported runtime error")
	}
}
