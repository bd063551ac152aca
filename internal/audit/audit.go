// Package audit appends the plain-text audit trail operators grep after a run.
package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/pslog"
)

const (
	// ServerStartFile records readiness results.
	ServerStartFile = "server_start.logs"
	// InterruptedFile records containers stopped by a fleet abort.
	InterruptedFile = "interrupted.logs"
)

// Log writes tab-separated audit lines into files under a directory.
type Log struct {
	dir string
	mu  sync.Mutex
}

// New returns an audit log rooted at dir.
func New(dir string) *Log {
	if dir == "" {
		dir = "."
	}
	return &Log{dir: dir}
}

// Path returns the full path of an audit file.
func (l *Log) Path(name string) string {
	return filepath.Join(l.dir, name)
}

// ServerStarted records that an identity's container answered the probe.
func (l *Log) ServerStarted(ctx context.Context, identity string) {
	l.append(ctx, ServerStartFile, "server has started up", identity)
}

// NeverReady records that an identity's container never answered.
func (l *Log) NeverReady(ctx context.Context, identity string, attempts int) {
	l.append(ctx, ServerStartFile, fmt.Sprintf("could not start the server in %d attempts", attempts), identity)
}

// Interrupted records a container stopped by a fleet abort.
func (l *Log) Interrupted(ctx context.Context, container string) {
	l.append(ctx, InterruptedFile, "interrupted container", container)
}

func (l *Log) append(ctx context.Context, file, message, subject string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.write(file, message+"\t"+subject+"\n"); err != nil {
		pslog.Ctx(ctx).Warn("audit append failed", "file", file, "err", err)
	}
}

func (l *Log) write(file, line string) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.Path(file), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
