package shipohoy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/pslog"
)

// Yard launches containers on a runtime backend and guarantees at most one
// container per name.
type Yard struct {
	runtime Runtime
	plan    YardPlan

	mu    sync.Mutex
	holds map[string]chan struct{}
}

// Commission creates a new yard with the given plan.
func Commission(plan YardPlan, runtime Runtime) *Yard {
	return &Yard{
		runtime: runtime,
		plan:    plan,
		holds:   make(map[string]chan struct{}),
	}
}

// Runtime returns the backend the yard launches on.
func (y *Yard) Runtime() Runtime { return y.runtime }

// Name returns the container name the yard uses for an identity.
func (y *Yard) Name(identity string) string {
	return ContainerName(y.plan.NamePrefix, identity)
}

// Hold takes the exclusive lock for a container name. The returned release
// func must be called once the container has been torn down.
func (y *Yard) Hold(ctx context.Context, name string) (func(), error) {
	y.mu.Lock()
	ch, ok := y.holds[name]
	if !ok {
		ch = make(chan struct{}, 1)
		y.holds[name] = ch
	}
	y.mu.Unlock()
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}

// Launch replaces any container already registered under spec.Name with a
// freshly created and started one.
func (y *Yard) Launch(ctx context.Context, spec ContainerSpec) (Handle, error) {
	spec = mergeSpec(spec, y.plan)
	log := pslog.Ctx(ctx).With("container", spec.Name, "image", spec.Image)
	if spec.Name == "" {
		return nil, errors.New("container name is required")
	}
	if spec.Image == "" {
		return nil, errors.New("container image is required")
	}
	log.Info("yard launch start")
	if y.plan.PullImages {
		if err := y.runtime.EnsureImage(ctx, spec.Image); err != nil {
			log.Warn("yard launch failed", "stage", "pull", "err", err)
			return nil, fmt.Errorf("pull %s: %w", spec.Image, err)
		}
	}
	if err := y.evict(ctx, spec.Name); err != nil {
		log.Warn("yard launch failed", "stage", "evict", "err", err)
		return nil, err
	}
	h, err := y.runtime.Create(ctx, spec)
	if err != nil {
		log.Warn("yard launch failed", "stage", "create", "err", err)
		return nil, fmt.Errorf("create %s: %w", spec.Name, err)
	}
	if err := y.runtime.Start(ctx, h); err != nil {
		log.Warn("yard launch failed", "stage", "start", "err", err)
		if rmErr := y.runtime.Remove(context.WithoutCancel(ctx), h); rmErr != nil {
			log.Warn("yard launch cleanup failed", "err", rmErr)
		}
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	log.Info("yard launch ok", "id", shortID(h.ID()))
	return h, nil
}

// evict stops (if running) and removes the container currently holding name.
func (y *Yard) evict(ctx context.Context, name string) error {
	log := pslog.Ctx(ctx).With("container", name)
	old, status, err := y.runtime.Lookup(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup %s: %w", name, err)
	}
	log.Info("yard evict start", "id", shortID(old.ID()), "state", status.State)
	if status.Running {
		if err := y.runtime.Stop(ctx, old); err != nil {
			return fmt.Errorf("stop previous %s: %w", name, err)
		}
	}
	if err := y.runtime.Remove(ctx, old); err != nil {
		return fmt.Errorf("remove previous %s: %w", name, err)
	}
	log.Info("yard evict ok")
	return nil
}

// Halt stops a container but keeps it registered with the runtime.
func (y *Yard) Halt(ctx context.Context, h Handle) error {
	if h == nil {
		return nil
	}
	log := pslog.Ctx(ctx).With("container", h.Name())
	if err := y.runtime.Stop(ctx, h); err != nil {
		log.Warn("yard halt failed", "err", err)
		return err
	}
	log.Info("yard halt ok")
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
