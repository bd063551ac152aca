package eventbus

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventTransition carries a workload state change.
	EventTransition EventType = "transition"
	// EventTaskDone fires when a workload's probe/evaluate task has finished
	// and its container is no longer counted against the budget.
	EventTaskDone EventType = "task_done"
	// EventAbort fires once when the fleet aborts.
	EventAbort EventType = "abort"
)

// Event represents a fleet lifecycle event.
type Event struct {
	Type     EventType
	Identity string
	State    string
	Port     int
	At       time.Time
}

// Bus fans out events to per-type subscribers without ever blocking the
// publisher.
type Bus struct {
	mu    sync.Mutex
	subs  map[EventType]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[EventType]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the given event types and returns a
// channel + cancel.
func (b *Bus) Subscribe(types ...EventType) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	for _, typ := range types {
		typeSubs := b.subs[typ]
		if typeSubs == nil {
			typeSubs = make(map[chan Event]struct{})
			b.subs[typ] = typeSubs
		}
		typeSubs[ch] = struct{}{}
	}
	b.mu.Unlock()
	if b.log != nil {
		b.log.Debug("eventbus subscribe", "types", len(types))
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			for _, typ := range types {
				if subs := b.subs[typ]; subs != nil {
					delete(subs, ch)
					if len(subs) == 0 {
						delete(b.subs, typ)
					}
				}
			}
			b.mu.Unlock()
			close(ch)
			if b.log != nil {
				b.log.Debug("eventbus unsubscribe")
			}
		})
	}
}

// OnTransition publishes a workload state change.
func (b *Bus) OnTransition(identity, state string, port int) {
	b.publish(Event{Type: EventTransition, Identity: identity, State: state, Port: port, At: time.Now()})
}

// OnTaskDone publishes a task completion.
func (b *Bus) OnTaskDone(identity string) {
	b.publish(Event{Type: EventTaskDone, Identity: identity, At: time.Now()})
}

// OnAbort publishes the fleet abort.
func (b *Bus) OnAbort(identity string) {
	b.publish(Event{Type: EventAbort, Identity: identity, At: time.Now()})
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	typeSubs := b.subs[event.Type]
	subs := make([]chan Event, 0, len(typeSubs))
	for sub := range typeSubs {
		subs = append(subs, sub)
	}
	// Sends happen under the lock so cancel cannot close a channel mid-send.
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 && b.log != nil {
		b.log.Trace("eventbus dropped", "type", string(event.Type), "count", dropped)
	}
}
