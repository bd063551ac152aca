package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"
	"pkt.systems/evalfleet/internal/eventbus"
	"pkt.systems/evalfleet/internal/shipohoy"
	"pkt.systems/pslog"
)

// Sample is one container's refreshed status. Err is set when the memory
// query failed; Bytes is then zero for this sample.
type Sample struct {
	Handle  Handle
	Running bool
	Bytes   uint64
	Err     error
}

// Usage aggregates a refresh of the tracked set.
type Usage struct {
	Running     int
	MemoryBytes uint64
	Pruned      int
	Samples     []Sample
}

// Admission gates new launches on the memory budget and the container cap.
type Admission struct {
	rt      shipohoy.Runtime
	tracked *tracker
	budget  uint64
	max     int
	poll    time.Duration
	bus     *eventbus.Bus
	metrics *Metrics
}

// AdmissionConfig bounds the fleet.
type AdmissionConfig struct {
	MemoryBudget  uint64
	MaxContainers int
	PollInterval  time.Duration
}

func newAdmission(rt shipohoy.Runtime, tracked *tracker, cfg AdmissionConfig, bus *eventbus.Bus, metrics *Metrics) *Admission {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	metrics.setBudget(cfg.MemoryBudget)
	return &Admission{
		rt:      rt,
		tracked: tracked,
		budget:  cfg.MemoryBudget,
		max:     cfg.MaxContainers,
		poll:    poll,
		bus:     bus,
		metrics: metrics,
	}
}

// Refresh re-inspects every tracked handle, drops the ones that are gone or
// no longer running and samples memory for the rest. A refresh cut short by
// ctx leaves the tracked set untouched.
func (a *Admission) Refresh(ctx context.Context) Usage {
	log := pslog.Ctx(ctx)
	current := a.tracked.snapshot()
	kept := make([]Handle, 0, len(current))
	usage := Usage{}
	for _, h := range current {
		status, err := a.rt.Inspect(ctx, h.Container)
		if err != nil {
			if ctx.Err() != nil {
				log.Debug("admission refresh interrupted", "err", ctx.Err())
				return usage
			}
			if !errors.Is(err, shipohoy.ErrNotFound) {
				log.Debug("admission inspect failed", "container", h.Name(), "err", err)
			}
			usage.Pruned++
			continue
		}
		if !status.Running {
			usage.Pruned++
			continue
		}
		h.Status = status.State
		sample := Sample{Handle: h, Running: true}
		stats, err := a.rt.Stats(ctx, h.Container)
		if err != nil {
			if ctx.Err() != nil {
				log.Debug("admission refresh interrupted", "err", ctx.Err())
				return usage
			}
			sample.Err = err
			a.metrics.samplingError()
			log.Debug("admission sample failed", "container", h.Name(), "err", err)
		} else {
			sample.Bytes = stats.MemoryBytes
		}
		h.MemoryBytes = sample.Bytes
		sample.Handle = h
		usage.Samples = append(usage.Samples, sample)
		usage.Running++
		usage.MemoryBytes += sample.Bytes
		kept = append(kept, h)
	}
	a.tracked.replace(kept, len(current))
	a.metrics.observeSample(usage.Running, usage.MemoryBytes)
	return usage
}

// Allows reports whether usage leaves room for one more container.
func (a *Admission) Allows(usage Usage) bool {
	if a.max > 0 && usage.Running >= a.max {
		return false
	}
	return usage.MemoryBytes < a.budget
}

// TryAdmit refreshes the tracked set and applies the admission predicate.
func (a *Admission) TryAdmit(ctx context.Context) (bool, Usage) {
	usage := a.Refresh(ctx)
	return a.Allows(usage), usage
}

// Wait blocks until TryAdmit succeeds. It re-checks whenever a workload task
// finishes and at least every poll interval.
func (a *Admission) Wait(ctx context.Context) error {
	events, cancel := a.bus.Subscribe(eventbus.EventTaskDone)
	defer cancel()
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	waiting := false
	started := time.Now()
	for {
		ok, usage := a.TryAdmit(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		if ok {
			if waiting {
				pslog.Ctx(ctx).Info("admission wait ok", "duration_ms", time.Since(started).Milliseconds(), "running", usage.Running)
			}
			return nil
		}
		if !waiting {
			waiting = true
			a.metrics.admissionWait()
			pslog.Ctx(ctx).Info("admission wait start",
				"running", usage.Running,
				"max", a.max,
				"memory", humanize.IBytes(usage.MemoryBytes),
				"budget", humanize.IBytes(a.budget),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-events:
		case <-ticker.C:
		}
	}
}
