package fleet

import (
	"sync"
	"time"

	"pkt.systems/evalfleet/internal/shipohoy"
)

// State is a workload's position in the pipeline.
type State string

const (
	StateQueued        State = "queued"
	StateAdmitted      State = "admitted"
	StateLaunched      State = "launched"
	StateProbing       State = "probing"
	StateReady         State = "ready"
	StateEvaluating    State = "evaluating"
	StateProbeTimedOut State = "probe_timed_out"
	StateCompleted     State = "completed"
	StateEvalFailed    State = "eval_failed"
	StateLaunchFailed  State = "launch_failed"
	StateFatalAbort    State = "fatal_abort"
	StateCancelled     State = "cancelled"
)

// TerminalStates lists every state a workload can end in.
var TerminalStates = []State{
	StateProbeTimedOut,
	StateCompleted,
	StateEvalFailed,
	StateLaunchFailed,
	StateFatalAbort,
	StateCancelled,
}

// Terminal reports whether s ends a workload.
func (s State) Terminal() bool {
	switch s {
	case StateProbeTimedOut, StateCompleted, StateEvalFailed, StateLaunchFailed, StateFatalAbort, StateCancelled:
		return true
	}
	return false
}

// Handle is a launched container tracked against the budget.
type Handle struct {
	Identity    string
	Port        int
	Container   shipohoy.Handle
	Status      string
	MemoryBytes uint64
	Launched    time.Time
}

// Name returns the runtime container name.
func (h Handle) Name() string {
	if h.Container == nil {
		return ""
	}
	return h.Container.Name()
}

// tracker is the ordered set of live handles. Appends and prunes happen on the
// submission loop; the abort path only reads a snapshot.
type tracker struct {
	mu      sync.Mutex
	handles []Handle
}

func (t *tracker) append(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles = append(t.handles, h)
}

func (t *tracker) snapshot() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Handle(nil), t.handles...)
}

// replace swaps the tracked set for the refreshed one, keeping handles
// appended after the snapshot was taken.
func (t *tracker) replace(sampled []Handle, seen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seen > len(t.handles) {
		seen = len(t.handles)
	}
	t.handles = append(sampled, t.handles[seen:]...)
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}
