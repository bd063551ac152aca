// Package logstream copies container output into per-identity log files.
package logstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/evalfleet/internal/shipohoy"
	"pkt.systems/evalfleet/internal/workload"
	"pkt.systems/pslog"
)

// Streamer follows container logs into files under Dir.
type Streamer struct {
	rt  shipohoy.Runtime
	dir string
	wg  sync.WaitGroup
}

// New returns a streamer writing into dir.
func New(rt shipohoy.Runtime, dir string) *Streamer {
	return &Streamer{rt: rt, dir: dir}
}

// Path returns the log file for an identity.
func (s *Streamer) Path(identity string) string {
	return filepath.Join(s.dir, workload.FileName(identity)+".log")
}

// Start opens (truncating) the identity's log file and follows the
// container's stdout and stderr into it until the container exits or ctx
// ends. Failures are logged and never propagated to the caller.
func (s *Streamer) Start(ctx context.Context, identity string, h shipohoy.Handle) {
	if h == nil {
		return
	}
	log := pslog.Ctx(ctx).With("container", h.Name())
	f, err := s.open(identity)
	if err != nil {
		log.Warn("logstream open failed", "err", err)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = f.Close() }()
		log.Debug("logstream follow start", "path", f.Name())
		w := &lockedWriter{w: f}
		err := s.rt.FollowLogs(ctx, h, w, w)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			log.Debug("logstream follow ok")
		default:
			log.Warn("logstream follow failed", "err", err)
		}
	}()
}

// Wait blocks until every started stream has ended.
func (s *Streamer) Wait() {
	s.wg.Wait()
}

func (s *Streamer) open(identity string) (*os.File, error) {
	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(s.Path(identity), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open container log: %w", err)
	}
	return f, nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  *os.File
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

