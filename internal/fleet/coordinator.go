// Package fleet drives workloads through admission, launch, readiness,
// evaluation and teardown under a shared memory and container budget.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/evalfleet/internal/eventbus"
	"pkt.systems/evalfleet/internal/harness"
	"pkt.systems/evalfleet/internal/ledger"
	"pkt.systems/evalfleet/internal/logx"
	"pkt.systems/evalfleet/internal/probe"
	"pkt.systems/evalfleet/internal/shipohoy"
	"pkt.systems/evalfleet/internal/workload"
	"pkt.systems/pslog"
)

// Prober waits for a container endpoint to answer.
type Prober interface {
	AwaitReady(ctx context.Context, target probe.Target) (probe.Result, error)
}

// Evaluator runs the evaluation harness.
type Evaluator interface {
	Evaluate(ctx context.Context, req harness.Request) (harness.Outcome, error)
}

// Streamer relays container output while a workload runs.
type Streamer interface {
	Start(ctx context.Context, identity string, h shipohoy.Handle)
	Wait()
}

// Auditor appends the operator audit trail.
type Auditor interface {
	ServerStarted(ctx context.Context, identity string)
	NeverReady(ctx context.Context, identity string, attempts int)
	Interrupted(ctx context.Context, container string)
}

// Recorder persists terminal workload records.
type Recorder interface {
	Put(ctx context.Context, runID string, rec ledger.Record) error
}

// Config shapes a run.
type Config struct {
	RunID         string
	BasePort      int
	InternalPort  int
	Admission     AdmissionConfig
	CounterStart  int64
	AbortInflight bool
	FatalExitCode int
}

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Yard     *shipohoy.Yard
	Prober   Prober
	Harness  Evaluator
	Streamer Streamer
	Audit    Auditor
	Ledger   Recorder
	Bus      *eventbus.Bus
	Metrics  *Metrics
}

// Result is one workload's final record.
type Result struct {
	Index     int
	Identity  string
	Image     string
	Port      int
	Container string
	State     State
	Counter   int64
	Outcome   *harness.Outcome
	Elapsed   time.Duration
	Err       error
	started   time.Time
}

// Report summarizes a run.
type Report struct {
	RunID     string
	Results   []Result
	Aborted   bool
	AbortedBy string
	Cancelled bool
}

// Count returns how many workloads ended in state.
func (r Report) Count(state State) int {
	n := 0
	for _, res := range r.Results {
		if res.State == state {
			n++
		}
	}
	return n
}

// Outcomes lists every evaluation outcome in source order.
func (r Report) Outcomes() []harness.Outcome {
	var out []harness.Outcome
	for _, res := range r.Results {
		if res.Outcome != nil {
			out = append(out, *res.Outcome)
		}
	}
	return out
}

// Coordinator runs one batch.
type Coordinator struct {
	cfg       Config
	deps      Deps
	rt        shipohoy.Runtime
	tracked   *tracker
	admission *Admission
	counter   *harness.Counter

	mu      sync.Mutex
	results []Result
	// live holds every launched container until its pipeline has torn it
	// down. Admission pruning never touches it.
	live []Handle

	// intakeMu orders the abort snapshot against the admit-and-launch step.
	intakeMu    sync.Mutex
	aborted     atomic.Bool
	abortOnce   sync.Once
	abortedBy   string
	haltIntake  context.CancelFunc
	cancelTasks context.CancelFunc
	tasks       sync.WaitGroup
}

// New wires a coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Yard == nil || deps.Prober == nil || deps.Harness == nil {
		return nil, errors.New("fleet requires a yard, a prober and a harness")
	}
	if cfg.InternalPort <= 0 {
		return nil, errors.New("fleet internal port must be positive")
	}
	if cfg.FatalExitCode == 0 {
		cfg.FatalExitCode = 244
	}
	tracked := &tracker{}
	rt := deps.Yard.Runtime()
	return &Coordinator{
		cfg:       cfg,
		deps:      deps,
		rt:        rt,
		tracked:   tracked,
		admission: newAdmission(rt, tracked, cfg.Admission, deps.Bus, deps.Metrics),
		counter:   harness.NewCounter(cfg.CounterStart),
	}, nil
}

// Admission exposes the admission controller.
func (c *Coordinator) Admission() *Admission { return c.admission }

// Port returns the external port for the workload at 0-based index i.
func (c *Coordinator) Port(i int) int {
	return c.cfg.BasePort + i + 1
}

// Run processes specs in order. It returns an *ExitError carrying the fatal
// exit code when an evaluation aborts the fleet, and ctx.Err() when the run
// was interrupted; the report is complete in every case.
func (c *Coordinator) Run(ctx context.Context, specs []workload.Spec) (Report, error) {
	log := pslog.Ctx(ctx).With("run", c.cfg.RunID, "workloads", len(specs))
	ctx = pslog.ContextWithLogger(ctx, log)
	started := time.Now()

	c.mu.Lock()
	c.results = make([]Result, len(specs))
	for i, spec := range specs {
		c.results[i] = Result{Index: i + 1, Identity: spec.Identity, Image: spec.Image, Port: c.Port(i), State: StateQueued, started: started}
	}
	c.mu.Unlock()

	intakeCtx, haltIntake := context.WithCancel(ctx)
	defer haltIntake()
	taskCtx, cancelTasks := context.WithCancel(logx.Detach(ctx))
	defer cancelTasks()
	c.haltIntake = haltIntake
	c.cancelTasks = cancelTasks

	log.Info("fleet run start")
	for i, spec := range specs {
		if c.aborted.Load() {
			c.finish(ctx, i, StateFatalAbort, ErrAborted)
			continue
		}
		if ctx.Err() != nil {
			c.finish(ctx, i, StateCancelled, ctx.Err())
			continue
		}
		c.submit(intakeCtx, taskCtx, i, spec)
	}

	c.tasks.Wait()
	if c.deps.Streamer != nil {
		c.deps.Streamer.Wait()
	}

	report := c.report()
	log.Info("fleet run finished",
		"duration_ms", time.Since(started).Milliseconds(),
		"completed", report.Count(StateCompleted),
		"eval_failed", report.Count(StateEvalFailed),
		"probe_timed_out", report.Count(StateProbeTimedOut),
		"launch_failed", report.Count(StateLaunchFailed),
		"fatal_abort", report.Count(StateFatalAbort),
		"cancelled", report.Count(StateCancelled),
	)
	switch {
	case report.Aborted:
		return report, &ExitError{Code: c.cfg.FatalExitCode, Reason: fmt.Sprintf("evaluation of %s requested fleet abort", report.AbortedBy)}
	case report.Cancelled:
		if err := ctx.Err(); err != nil {
			return report, err
		}
		return report, context.Canceled
	}
	return report, nil
}

// submit admits and launches one workload on the submission loop, then hands
// it to a pipeline goroutine.
func (c *Coordinator) submit(intakeCtx, taskCtx context.Context, i int, spec workload.Spec) {
	wctx := logx.ContextWithWorkload(intakeCtx, spec.Identity)
	port := c.Port(i)
	name := c.deps.Yard.Name(spec.Identity)

	// A repeated identity waits here until the earlier container is torn down.
	release, err := c.deps.Yard.Hold(wctx, name)
	if err != nil {
		c.intakeStopped(wctx, i, err)
		return
	}
	if err := c.admission.Wait(wctx); err != nil {
		release()
		c.intakeStopped(wctx, i, err)
		return
	}

	c.intakeMu.Lock()
	if c.aborted.Load() {
		c.intakeMu.Unlock()
		release()
		c.finish(wctx, i, StateFatalAbort, ErrAborted)
		return
	}
	c.transition(wctx, i, StateAdmitted)
	h, err := c.deps.Yard.Launch(wctx, shipohoy.ContainerSpec{
		Name:  name,
		Image: spec.Image,
		Labels: map[string]string{
			shipohoy.LabelRun:      c.cfg.RunID,
			shipohoy.LabelIdentity: spec.Identity,
		},
		Ports: []shipohoy.PortBinding{{HostPort: port, ContainerPort: c.cfg.InternalPort}},
	})
	if err != nil {
		c.intakeMu.Unlock()
		release()
		if c.aborted.Load() {
			c.finish(wctx, i, StateFatalAbort, ErrAborted)
			return
		}
		c.finish(wctx, i, StateLaunchFailed, &LaunchError{Identity: spec.Identity, Err: err})
		return
	}
	handle := Handle{Identity: spec.Identity, Port: port, Container: h, Status: "running", Launched: time.Now()}
	c.register(handle)
	c.setContainer(i, h.Name())
	c.transition(wctx, i, StateLaunched)
	c.intakeMu.Unlock()

	tctx := logx.ContextWithWorkload(taskCtx, spec.Identity)
	tctx = pslog.ContextWithLogger(tctx, logx.WithContainer(pslog.Ctx(tctx), h.Name(), port))
	if c.deps.Streamer != nil {
		c.deps.Streamer.Start(tctx, spec.Identity, h)
	}
	c.tasks.Add(1)
	go c.pipeline(tctx, i, handle, release)
}

func (c *Coordinator) intakeStopped(ctx context.Context, i int, err error) {
	if c.aborted.Load() {
		c.finish(ctx, i, StateFatalAbort, ErrAborted)
		return
	}
	c.finish(ctx, i, StateCancelled, err)
}

// pipeline probes, evaluates and tears down one workload.
func (c *Coordinator) pipeline(ctx context.Context, i int, h Handle, release func()) {
	defer c.tasks.Done()
	defer c.deps.Bus.OnTaskDone(h.Identity)
	defer release()
	defer c.forget(h)
	log := pslog.Ctx(ctx)
	teardown := logx.Detach(ctx)

	c.transition(ctx, i, StateProbing)
	res, err := c.deps.Prober.AwaitReady(ctx, probe.Target{Port: h.Port})
	c.deps.Metrics.probed(res.Attempts)
	if err != nil {
		c.halt(teardown, h)
		c.finish(ctx, i, c.interruptedState(), err)
		return
	}
	if !res.Ready {
		c.halt(teardown, h)
		if c.deps.Audit != nil {
			c.deps.Audit.NeverReady(teardown, h.Identity, res.Attempts)
		}
		c.finish(ctx, i, StateProbeTimedOut, res.LastErr)
		return
	}
	if c.deps.Audit != nil {
		c.deps.Audit.ServerStarted(teardown, h.Identity)
	}
	c.transition(ctx, i, StateReady)

	if c.aborted.Load() && c.cfg.AbortInflight {
		c.halt(teardown, h)
		c.finish(ctx, i, StateFatalAbort, ErrAborted)
		return
	}
	token := c.counter.Next()
	c.setCounter(i, token)
	c.transition(ctx, i, StateEvaluating)
	outcome, err := c.deps.Harness.Evaluate(ctx, harness.Request{Identity: h.Identity, Port: h.Port, Counter: token})
	if err != nil {
		log.Warn("fleet evaluate failed", "err", err)
		c.halt(teardown, h)
		c.finish(ctx, i, StateEvalFailed, err)
		return
	}
	c.setOutcome(i, outcome)
	c.deps.Metrics.evaluated(outcome.Elapsed)

	switch outcome.Kind {
	case harness.KindFatal:
		c.Abort(teardown, h.Identity)
		c.finish(ctx, i, StateFatalAbort, ErrAborted)
	case harness.KindSuccess:
		c.halt(teardown, h)
		c.finish(ctx, i, StateCompleted, nil)
	default:
		c.halt(teardown, h)
		if c.aborted.Load() && c.cfg.AbortInflight && outcome.Err != nil {
			c.finish(ctx, i, StateFatalAbort, outcome.Err)
			return
		}
		c.finish(ctx, i, StateEvalFailed, outcome.Err)
	}
}

func (c *Coordinator) interruptedState() State {
	if c.aborted.Load() {
		return StateFatalAbort
	}
	return StateCancelled
}

// Abort stops every tracked running container, records each one in the
// interrupted audit log and halts intake. Only the first call has effect.
func (c *Coordinator) Abort(ctx context.Context, identity string) {
	c.abortOnce.Do(func() {
		log := pslog.Ctx(ctx)
		c.aborted.Store(true)
		c.mu.Lock()
		c.abortedBy = identity
		c.mu.Unlock()
		if c.haltIntake != nil {
			c.haltIntake()
		}
		if c.cfg.AbortInflight && c.cancelTasks != nil {
			c.cancelTasks()
		}
		c.deps.Bus.OnAbort(identity)
		log.Error("fleet abort start", "identity", identity)

		c.intakeMu.Lock()
		snapshot := c.liveHandles()
		c.intakeMu.Unlock()

		stopped := 0
		for _, h := range snapshot {
			status, err := c.rt.Inspect(ctx, h.Container)
			if err != nil || !status.Running {
				continue
			}
			if c.deps.Audit != nil {
				c.deps.Audit.Interrupted(ctx, h.Name())
			}
			if err := c.deps.Yard.Halt(ctx, h.Container); err != nil {
				log.Warn("fleet abort stop failed", "container", h.Name(), "err", err)
				continue
			}
			stopped++
		}
		log.Error("fleet abort ok", "stopped", stopped)
	})
}

// register records a launched container for admission and for the abort
// sweep.
func (c *Coordinator) register(h Handle) {
	c.tracked.append(h)
	c.mu.Lock()
	c.live = append(c.live, h)
	c.mu.Unlock()
}

func (c *Coordinator) forget(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.live {
		if cur.Container.ID() == h.Container.ID() {
			c.live = append(c.live[:i], c.live[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) liveHandles() []Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Handle(nil), c.live...)
}

// Aborted reports whether the fleet has aborted.
func (c *Coordinator) Aborted() bool { return c.aborted.Load() }

func (c *Coordinator) halt(ctx context.Context, h Handle) {
	_ = c.deps.Yard.Halt(ctx, h.Container)
}

func (c *Coordinator) transition(ctx context.Context, i int, state State) {
	c.mu.Lock()
	res := &c.results[i]
	if res.State.Terminal() {
		c.mu.Unlock()
		pslog.Ctx(ctx).Warn("fleet transition ignored", "from", string(res.State), "to", string(state))
		return
	}
	res.State = state
	identity, port := res.Identity, res.Port
	c.mu.Unlock()
	pslog.Ctx(ctx).Debug("fleet transition", "state", string(state))
	c.deps.Bus.OnTransition(identity, string(state), port)
}

// finish moves a workload into a terminal state exactly once.
func (c *Coordinator) finish(ctx context.Context, i int, state State, err error) {
	c.mu.Lock()
	res := &c.results[i]
	if res.State.Terminal() {
		c.mu.Unlock()
		return
	}
	res.State = state
	res.Err = err
	res.Elapsed = time.Since(res.started)
	rec := toRecord(*res)
	c.mu.Unlock()

	log := pslog.Ctx(ctx)
	fields := []any{"state", string(state), "duration_ms", rec.DurationMS}
	if err != nil {
		fields = append(fields, "err", err)
	}
	switch state {
	case StateCompleted:
		log.Info("fleet workload ok", fields...)
	case StateFatalAbort:
		log.Error("fleet workload aborted", fields...)
	default:
		log.Warn("fleet workload failed", fields...)
	}
	c.deps.Bus.OnTransition(rec.Identity, string(state), rec.Port)
	c.deps.Metrics.terminalState(state)
	if c.deps.Ledger != nil {
		if err := c.deps.Ledger.Put(logx.Detach(ctx), c.cfg.RunID, rec); err != nil {
			log.Warn("fleet ledger write failed", "err", err)
		}
	}
}

func (c *Coordinator) setContainer(i int, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[i].Container = name
}

func (c *Coordinator) setCounter(i int, token int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[i].Counter = token
}

func (c *Coordinator) setOutcome(i int, outcome harness.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[i].Outcome = &outcome
}

func (c *Coordinator) report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	report := Report{
		RunID:     c.cfg.RunID,
		Results:   append([]Result(nil), c.results...),
		Aborted:   c.aborted.Load(),
		AbortedBy: c.abortedBy,
	}
	for _, res := range report.Results {
		if res.State == StateCancelled {
			report.Cancelled = true
		}
	}
	return report
}

func toRecord(res Result) ledger.Record {
	rec := ledger.Record{
		Index:      res.Index,
		Identity:   res.Identity,
		Image:      res.Image,
		Container:  res.Container,
		Port:       res.Port,
		State:      string(res.State),
		Counter:    res.Counter,
		DurationMS: res.Elapsed.Milliseconds(),
		Updated:    time.Now().UTC(),
	}
	if res.Outcome != nil {
		code := res.Outcome.ExitCode
		rec.ExitCode = &code
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}
