package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"pkt.systems/evalfleet/internal/harness"
	"pkt.systems/evalfleet/internal/probe"
	"pkt.systems/evalfleet/internal/shipohoy"
)

type fakeContainer struct {
	name    string
	image   string
	running bool
	stops   int
}

type fakeRuntime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer
	memory     uint64
	statsErr   error
	createErr  map[string]error
	created    []string
	running    int
	maxRunning int
	// honorCtx makes Inspect and Stats fail once ctx is done, like the
	// engine clients do.
	honorCtx bool
}

func newFakeRuntime(memory uint64) *fakeRuntime {
	return &fakeRuntime{
		containers: map[string]*fakeContainer{},
		memory:     memory,
		createErr:  map[string]error{},
	}
}

func (f *fakeRuntime) createdImages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

func (f *fakeRuntime) byName(name string) (*fakeContainer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.name == name {
			cp := *c
			return &cp, true
		}
	}
	return nil, false
}

func (f *fakeRuntime) anyRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running > 0
}

func (f *fakeRuntime) EnsureImage(context.Context, string) error { return nil }

func (f *fakeRuntime) Lookup(_ context.Context, name string) (shipohoy.Handle, shipohoy.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.containers {
		if c.name == name {
			return shipohoy.NewHandle(name, id), status(c), nil
		}
	}
	return nil, shipohoy.Status{}, shipohoy.ErrNotFound
}

func (f *fakeRuntime) Create(_ context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[spec.Image]; err != nil {
		return nil, err
	}
	f.seq++
	id := fmt.Sprintf("c%04d", f.seq)
	f.containers[id] = &fakeContainer{name: spec.Name, image: spec.Image}
	f.created = append(f.created, spec.Image)
	return shipohoy.NewHandle(spec.Name, id), nil
}

func (f *fakeRuntime) Start(_ context.Context, h shipohoy.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[h.ID()]
	if !ok {
		return shipohoy.ErrNotFound
	}
	if !c.running {
		c.running = true
		f.running++
		if f.running > f.maxRunning {
			f.maxRunning = f.running
		}
	}
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, h shipohoy.Handle) (shipohoy.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.honorCtx && ctx.Err() != nil {
		return shipohoy.Status{}, ctx.Err()
	}
	c, ok := f.containers[h.ID()]
	if !ok {
		return shipohoy.Status{}, shipohoy.ErrNotFound
	}
	return status(c), nil
}

func (f *fakeRuntime) Stats(ctx context.Context, h shipohoy.Handle) (shipohoy.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.honorCtx && ctx.Err() != nil {
		return shipohoy.Stats{}, ctx.Err()
	}
	if f.statsErr != nil {
		return shipohoy.Stats{}, f.statsErr
	}
	c, ok := f.containers[h.ID()]
	if !ok {
		return shipohoy.Stats{}, shipohoy.ErrNotFound
	}
	if !c.running {
		return shipohoy.Stats{Sampled: time.Now()}, nil
	}
	return shipohoy.Stats{MemoryBytes: f.memory, Sampled: time.Now()}, nil
}

func (f *fakeRuntime) Stop(_ context.Context, h shipohoy.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[h.ID()]
	if !ok {
		return nil
	}
	c.stops++
	if c.running {
		c.running = false
		f.running--
	}
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, h shipohoy.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[h.ID()]; ok && c.running {
		f.running--
	}
	delete(f.containers, h.ID())
	return nil
}

func (f *fakeRuntime) FollowLogs(context.Context, shipohoy.Handle, io.Writer, io.Writer) error {
	return nil
}

func (f *fakeRuntime) Janitor(context.Context, shipohoy.JanitorSpec) (int, error) { return 0, nil }

func (f *fakeRuntime) Close() error { return nil }

func status(c *fakeContainer) shipohoy.Status {
	if c.running {
		return shipohoy.Status{State: "running", Running: true}
	}
	return shipohoy.Status{State: "exited", ExitCode: 0}
}

type fakeProber struct {
	notReady map[int]bool
}

func (p fakeProber) AwaitReady(ctx context.Context, target probe.Target) (probe.Result, error) {
	if err := ctx.Err(); err != nil {
		return probe.Result{}, err
	}
	if p.notReady[target.Port] {
		return probe.Result{Attempts: 5, LastErr: errors.New("connection refused")}, nil
	}
	return probe.Result{Ready: true, Attempts: 1, StatusCode: 200}, nil
}

type evalFunc func(ctx context.Context, req harness.Request) (harness.Outcome, error)

func (f evalFunc) Evaluate(ctx context.Context, req harness.Request) (harness.Outcome, error) {
	return f(ctx, req)
}

func exitWith(req harness.Request, code int) harness.Outcome {
	kind := harness.KindFailure
	switch code {
	case 0:
		kind = harness.KindSuccess
	case 244:
		kind = harness.KindFatal
	}
	return harness.Outcome{Identity: req.Identity, Port: req.Port, Counter: req.Counter, ExitCode: code, Kind: kind, Started: time.Now()}
}

type recordingAudit struct {
	mu          sync.Mutex
	started     []string
	neverReady  []string
	interrupted []string
}

func (a *recordingAudit) ServerStarted(_ context.Context, identity string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = append(a.started, identity)
}

func (a *recordingAudit) NeverReady(_ context.Context, identity string, attempts int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.neverReady = append(a.neverReady, fmt.Sprintf("%s/%d", identity, attempts))
}

func (a *recordingAudit) Interrupted(_ context.Context, container string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interrupted = append(a.interrupted, container)
}

func (a *recordingAudit) interruptedNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.interrupted...)
}
