package logstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/evalfleet/internal/shipohoy"
	"pkt.systems/pslog"
)

type logRuntime struct {
	shipohoy.Runtime
	stdout string
	stderr string
	err    error
	block  bool
}

func (r *logRuntime) FollowLogs(ctx context.Context, _ shipohoy.Handle, stdout, stderr io.Writer) error {
	_, _ = io.WriteString(stdout, r.stdout)
	_, _ = io.WriteString(stderr, r.stderr)
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.err
}

func TestStartWritesBothStreams(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "x86_logs")
	s := New(&logRuntime{stdout: "listening\n", stderr: "warning\n"}, dir)
	s.Start(context.Background(), "a@x", shipohoy.NewHandle("a_at_x", "id1"))
	s.Wait()
	data, err := os.ReadFile(filepath.Join(dir, "a@x.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "listening") || !strings.Contains(string(data), "warning") {
		t.Fatalf("expected stdout and stderr in log, got %q", data)
	}
}

func TestStartTruncatesPreviousLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b@x.log")
	if err := os.WriteFile(path, []byte("stale output\n"), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}
	s := New(&logRuntime{stdout: "fresh\n"}, dir)
	s.Start(context.Background(), "b@x", shipohoy.NewHandle("b_at_x", "id2"))
	s.Wait()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if string(data) != "fresh\n" {
		t.Fatalf("expected truncated log, got %q", data)
	}
}

func TestStartStopsWithContext(t *testing.T) {
	s := New(&logRuntime{block: true}, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx, "c@x", shipohoy.NewHandle("c_at_x", "id3"))
	cancel()
	s.Wait()
}

func TestFollowErrorIsLoggedNotFatal(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(&buf, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.InfoLevel})
	ctx := pslog.ContextWithLogger(context.Background(), logger)
	s := New(&logRuntime{err: errors.New("engine went away")}, t.TempDir())
	s.Start(ctx, "d@x", shipohoy.NewHandle("d_at_x", "id4"))
	s.Wait()
	if !strings.Contains(buf.String(), "logstream follow failed") {
		t.Fatalf("expected follow failure to be logged, got %q", buf.String())
	}
}

func TestStartOpenFailureIsLogged(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(&buf, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.InfoLevel})
	ctx := pslog.ContextWithLogger(context.Background(), logger)
	s := New(&logRuntime{}, filepath.Join(blocker, "logs"))
	s.Start(ctx, "e@x", shipohoy.NewHandle("e_at_x", "id5"))
	s.Wait()
	if !strings.Contains(buf.String(), "logstream open failed") {
		t.Fatalf("expected open failure to be logged, got %q", buf.String())
	}
}

func TestPathSharesEvaluationLogNaming(t *testing.T) {
	s := New(&logRuntime{}, "/logs")
	for identity, want := range map[string]string{
		"a@x":    "a@x.log",
		"../a/b": ".._a_b.log",
		"a\x00b": "a_b.log",
		" \t ":  "_.log",
	} {
		if got := s.Path(identity); got != filepath.Join("/logs", want) {
			t.Fatalf("Path(%q) = %q, want %q", identity, got, filepath.Join("/logs", want))
		}
	}
}
