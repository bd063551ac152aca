package logx

import (
	"context"

	"pkt.systems/pslog"
)

type contextKey int

const (
	runKey contextKey = iota
	identityKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithRun annotates the logger with the run id if present.
func WithRun(ctx context.Context, runID string) pslog.Logger {
	log := pslog.Ctx(ctx)
	if runID != "" {
		if current, ok := ctx.Value(runKey).(string); ok && current == runID {
			return log
		}
		log = log.With("run", runID)
	}
	return log
}

// WithWorkload annotates the logger with the workload identity if present.
func WithWorkload(ctx context.Context, identity string) pslog.Logger {
	log := pslog.Ctx(ctx)
	if identity != "" {
		if current, ok := ctx.Value(identityKey).(string); ok && current == identity {
			return log
		}
		log = log.With("identity", identity)
	}
	return log
}

// WithContainer annotates the logger with container placement.
func WithContainer(log pslog.Logger, name string, port int) pslog.Logger {
	if name != "" {
		log = log.With("container", name)
	}
	if port > 0 {
		log = log.With("port", port)
	}
	return log
}

// ContextWithRunLogger attaches a run-scoped logger and marker to the context.
func ContextWithRunLogger(ctx context.Context, runID string) context.Context {
	if ctx == nil || runID == "" {
		return ctx
	}
	ctx = pslog.ContextWithLogger(ctx, WithRun(ctx, runID))
	return context.WithValue(ctx, runKey, runID)
}

// ContextWithWorkload attaches a workload-scoped logger and marker to the
// context so nested components log the identity exactly once.
func ContextWithWorkload(ctx context.Context, identity string) context.Context {
	if ctx == nil || identity == "" {
		return ctx
	}
	ctx = pslog.ContextWithLogger(ctx, WithWorkload(ctx, identity))
	return context.WithValue(ctx, identityKey, identity)
}

// WorkloadFromContext returns the identity marker, if any.
func WorkloadFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	identity, ok := ctx.Value(identityKey).(string)
	return identity, ok && identity != ""
}

// Detach returns a context that keeps the logger and markers of src but is
// not cancelled with it. Teardown work uses it after the run context ends.
func Detach(src context.Context) context.Context {
	if src == nil {
		return context.Background()
	}
	return context.WithoutCancel(src)
}
