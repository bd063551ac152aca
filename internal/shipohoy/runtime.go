package shipohoy

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound reports that the runtime has no container for a name or id.
var ErrNotFound = errors.New("container not found")

// Runtime manages container lifecycles.
type Runtime interface {
	EnsureImage(ctx context.Context, image string) error
	Lookup(ctx context.Context, name string) (Handle, Status, error)
	Create(ctx context.Context, spec ContainerSpec) (Handle, error)
	Start(ctx context.Context, handle Handle) error
	Inspect(ctx context.Context, handle Handle) (Status, error)
	Stats(ctx context.Context, handle Handle) (Stats, error)
	Stop(ctx context.Context, handle Handle) error
	Remove(ctx context.Context, handle Handle) error
	FollowLogs(ctx context.Context, handle Handle, stdout, stderr io.Writer) error
	Janitor(ctx context.Context, spec JanitorSpec) (int, error)
	Close() error
}

// Handle represents a container known to the runtime.
type Handle interface {
	Name() string
	ID() string
}

// NewHandle returns a plain handle for a name/id pair.
func NewHandle(name, id string) Handle {
	return &handle{name: name, id: id}
}

type handle struct {
	name string
	id   string
}

func (h *handle) Name() string { return h.name }
func (h *handle) ID() string   { return h.id }
