// Package harness runs the external evaluation command against a ready
// workload container.
package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/shlex"
	"pkt.systems/evalfleet/internal/workload"
	"pkt.systems/pslog"
)

// Kind classifies an evaluation exit.
type Kind string

const (
	// KindSuccess is a zero exit.
	KindSuccess Kind = "success"
	// KindFailure is any other exit, including failure to start.
	KindFailure Kind = "failure"
	// KindFatal is the fleet-abort exit code.
	KindFatal Kind = "fatal"
)

// Config describes how the harness is invoked.
type Config struct {
	Command       string
	Dir           string
	IdentityFlag  string
	PortFlag      string
	CounterFlag   string
	FatalExitCode int
	// LogDir receives one append-only <identity>_evaluation.log per identity.
	LogDir string
	// KillGrace is how long a cancelled harness gets between SIGTERM and
	// SIGKILL.
	KillGrace time.Duration
}

// Request identifies one evaluation.
type Request struct {
	Identity string
	Port     int
	Counter  int64
}

// Outcome is the immutable result of one evaluation.
type Outcome struct {
	Identity string
	Port     int
	Counter  int64
	ExitCode int
	Kind     Kind
	Started  time.Time
	Elapsed  time.Duration
	// Err is set when the harness could not be started or was cancelled.
	Err error
}

// Counter hands out evaluation tokens. The first token is start+1.
type Counter struct {
	n atomic.Int64
}

// NewCounter returns a counter whose next token is start+1.
func NewCounter(start int64) *Counter {
	c := &Counter{}
	c.n.Store(start)
	return c
}

// Next allocates a token.
func (c *Counter) Next() int64 {
	return c.n.Add(1)
}

// Current reports the last token handed out.
func (c *Counter) Current() int64 {
	return c.n.Load()
}

// Runner executes harness subprocesses.
type Runner struct {
	cfg  Config
	argv []string

	mu      sync.Mutex
	running map[*exec.Cmd]struct{}
}

// New parses the harness command line.
func New(cfg Config) (*Runner, error) {
	argv, err := shlex.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse harness command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("harness command is required")
	}
	if cfg.FatalExitCode == 0 {
		cfg.FatalExitCode = 244
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 10 * time.Second
	}
	return &Runner{cfg: cfg, argv: argv, running: make(map[*exec.Cmd]struct{})}, nil
}

// Binary returns the executable the harness invokes.
func (r *Runner) Binary() string { return r.argv[0] }

// Args builds the full argument vector for a request.
func (r *Runner) Args(req Request) []string {
	args := append([]string(nil), r.argv...)
	add := func(flag, value string) {
		if strings.TrimSpace(flag) == "" {
			return
		}
		args = append(args, flag, value)
	}
	add(r.cfg.IdentityFlag, req.Identity)
	add(r.cfg.PortFlag, strconv.Itoa(req.Port))
	add(r.cfg.CounterFlag, strconv.FormatInt(req.Counter, 10))
	return args
}

// LogPath returns the evaluation log file for an identity.
func (r *Runner) LogPath(identity string) string {
	return filepath.Join(r.cfg.LogDir, workload.FileName(identity)+"_evaluation.log")
}

// Classify maps an exit code to an outcome kind.
func (r *Runner) Classify(code int) Kind {
	switch {
	case code == 0:
		return KindSuccess
	case code == r.cfg.FatalExitCode:
		return KindFatal
	default:
		return KindFailure
	}
}

// Evaluate runs the harness to completion. Cancelling ctx terminates the
// harness process group. The error return is reserved for requests that
// cannot be attempted at all; every attempted run yields an Outcome.
func (r *Runner) Evaluate(ctx context.Context, req Request) (Outcome, error) {
	if strings.TrimSpace(req.Identity) == "" {
		return Outcome{}, errors.New("harness identity is required")
	}
	log := pslog.Ctx(ctx).With("counter", req.Counter)
	out := Outcome{Identity: req.Identity, Port: req.Port, Counter: req.Counter, Started: time.Now(), ExitCode: -1}

	logFile, err := r.openLog(req.Identity)
	if err != nil {
		out.Kind = KindFailure
		out.Err = err
		log.Warn("harness start failed", "err", err)
		return out, nil
	}
	defer func() { _ = logFile.Close() }()

	args := r.Args(req)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = r.cfg.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)
	done := make(chan struct{})
	cmd.Cancel = func() error {
		err := signalGroup(cmd, false)
		go func() {
			select {
			case <-done:
			case <-time.After(r.cfg.KillGrace):
				_ = signalGroup(cmd, true)
			}
		}()
		return err
	}

	log.Info("harness start", "argv", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		close(done)
		out.Kind = KindFailure
		out.Err = fmt.Errorf("start harness: %w", err)
		out.Elapsed = time.Since(out.Started)
		log.Warn("harness start failed", "err", err)
		return out, nil
	}
	r.track(cmd, true)
	waitErr := cmd.Wait()
	close(done)
	r.track(cmd, false)
	out.Elapsed = time.Since(out.Started)

	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		out.Kind = KindFailure
		out.Err = fmt.Errorf("harness cancelled: %w", ctx.Err())
	case waitErr != nil && !errors.As(waitErr, &exitErr):
		out.Kind = KindFailure
		out.Err = waitErr
	default:
		out.Kind = r.Classify(out.ExitCode)
	}
	fields := []any{"exit_code", out.ExitCode, "kind", string(out.Kind), "duration_ms", out.Elapsed.Milliseconds()}
	switch out.Kind {
	case KindSuccess:
		log.Info("harness ok", fields...)
	case KindFatal:
		log.Error("harness fatal", fields...)
	default:
		if out.Err != nil {
			fields = append(fields, "err", out.Err)
		}
		log.Warn("harness failed", fields...)
	}
	return out, nil
}

// Running reports how many harness processes are alive.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

func (r *Runner) track(cmd *exec.Cmd, add bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if add {
		r.running[cmd] = struct{}{}
	} else {
		delete(r.running, cmd)
	}
}

func (r *Runner) openLog(identity string) (*os.File, error) {
	if r.cfg.LogDir != "" {
		if err := os.MkdirAll(r.cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create evaluation log dir: %w", err)
		}
	}
	f, err := os.OpenFile(r.LogPath(identity), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open evaluation log: %w", err)
	}
	return f, nil
}

