package shipohoy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

func TestLaunchTwiceLeavesOneContainer(t *testing.T) {
	rt := newMemRuntime()
	yard := Commission(YardPlan{NamePrefix: "ef-"}, rt)
	ctx := context.Background()

	spec := ContainerSpec{Name: "alice", Image: "demo:1"}
	first, err := yard.Launch(ctx, spec)
	if err != nil {
		t.Fatalf("first launch: %v", err)
	}
	second, err := yard.Launch(ctx, spec)
	if err != nil {
		t.Fatalf("second launch: %v", err)
	}
	if first.ID() == second.ID() {
		t.Fatalf("expected a fresh container id, got %q twice", first.ID())
	}
	if got := rt.countByName("ef-alice"); got != 1 {
		t.Fatalf("expected exactly one container for ef-alice, got %d", got)
	}
	if rt.stops[first.ID()] != 1 {
		t.Fatalf("expected previous running container to be stopped once, got %d", rt.stops[first.ID()])
	}
}

func TestLaunchRemovesStoppedPrevious(t *testing.T) {
	rt := newMemRuntime()
	yard := Commission(YardPlan{}, rt)
	ctx := context.Background()
	first, err := yard.Launch(ctx, ContainerSpec{Name: "bob", Image: "demo"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if err := yard.Halt(ctx, first); err != nil {
		t.Fatalf("halt: %v", err)
	}
	if _, err := yard.Launch(ctx, ContainerSpec{Name: "bob", Image: "demo"}); err != nil {
		t.Fatalf("relaunch: %v", err)
	}
	if rt.stops[first.ID()] != 1 {
		t.Fatalf("stopped container should not be stopped again, got %d stops", rt.stops[first.ID()])
	}
	if got := rt.countByName("bob"); got != 1 {
		t.Fatalf("expected one container, got %d", got)
	}
}

func TestLaunchStartFailureCleansUp(t *testing.T) {
	rt := newMemRuntime()
	rt.startErr = errors.New("port is already allocated")
	yard := Commission(YardPlan{}, rt)
	if _, err := yard.Launch(context.Background(), ContainerSpec{Name: "carol", Image: "demo"}); err == nil {
		t.Fatalf("expected launch error")
	}
	if got := rt.countByName("carol"); got != 0 {
		t.Fatalf("expected failed container to be removed, got %d", got)
	}
}

func TestLaunchMergesPlan(t *testing.T) {
	rt := newMemRuntime()
	yard := Commission(YardPlan{
		Env:          map[string]string{"AIPROXY_TOKEN": "secret"},
		Labels:       map[string]string{LabelRun: "run1"},
		ResourceCaps: ResourceCaps{MemoryBytes: 512},
	}, rt)
	h, err := yard.Launch(context.Background(), ContainerSpec{
		Name:  "dave",
		Image: "demo",
		Ports: []PortBinding{{HostPort: 8001, ContainerPort: 8000}},
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	spec := rt.specs[h.ID()]
	if spec.Env["AIPROXY_TOKEN"] != "secret" {
		t.Fatalf("expected token env, got %+v", spec.Env)
	}
	if spec.Labels[LabelManaged] != "true" || spec.Labels[LabelRun] != "run1" {
		t.Fatalf("expected managed/run labels, got %+v", spec.Labels)
	}
	if spec.ResourceCaps == nil || spec.ResourceCaps.MemoryBytes != 512 {
		t.Fatalf("expected memory cap, got %+v", spec.ResourceCaps)
	}
	if spec.Ports[0].Protocol != "tcp" {
		t.Fatalf("expected default tcp protocol, got %q", spec.Ports[0].Protocol)
	}
}

func TestLaunchPullsWhenPlanned(t *testing.T) {
	rt := newMemRuntime()
	yard := Commission(YardPlan{PullImages: true}, rt)
	if _, err := yard.Launch(context.Background(), ContainerSpec{Name: "erin", Image: "demo:2"}); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if len(rt.pulled) != 1 || rt.pulled[0] != "demo:2" {
		t.Fatalf("expected demo:2 to be pulled, got %v", rt.pulled)
	}
}

func TestHoldSerializesName(t *testing.T) {
	yard := Commission(YardPlan{}, newMemRuntime())
	ctx := context.Background()
	release, err := yard.Hold(ctx, "frank")
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := yard.Hold(waitCtx, "frank"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second hold to block until deadline, got %v", err)
	}
	other, err := yard.Hold(ctx, "grace")
	if err != nil {
		t.Fatalf("hold other name: %v", err)
	}
	other()
	release()
	release()
	again, err := yard.Hold(ctx, "frank")
	if err != nil {
		t.Fatalf("hold after release: %v", err)
	}
	again()
}

func TestContainerName(t *testing.T) {
	tests := []struct {
		prefix   string
		identity string
		want     string
	}{
		{prefix: "", identity: "23f1000000@ds.study.iitm.ac.in", want: "23f1000000_at_ds.study.iitm.ac.in"},
		{prefix: "ef-", identity: "a b/c", want: "ef-a-b-c"},
		{prefix: "", identity: ".hidden", want: "x.hidden"},
		{prefix: "ef-", identity: "  ", want: ""},
	}
	for _, tc := range tests {
		if got := ContainerName(tc.prefix, tc.identity); got != tc.want {
			t.Fatalf("ContainerName(%q, %q) = %q, want %q", tc.prefix, tc.identity, got, tc.want)
		}
	}
}

func TestLaunchKeepsNameForSeparatorPrefix(t *testing.T) {
	rt := newMemRuntime()
	yard := Commission(YardPlan{NamePrefix: "_ef-"}, rt)
	name := yard.Name("alice")
	if name != "x_ef-alice" {
		t.Fatalf("unexpected name %q", name)
	}
	h, err := yard.Launch(context.Background(), ContainerSpec{Name: name, Image: "demo:1"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if h.Name() != name {
		t.Fatalf("launched as %q, held as %q", h.Name(), name)
	}
}

func TestValidNamePrefix(t *testing.T) {
	for prefix, want := range map[string]bool{
		"":           true,
		"evalfleet-": true,
		"ef.1_":      true,
		"_ef":        false,
		"-ef":        false,
		"ef/":        false,
	} {
		if got := ValidNamePrefix(prefix); got != want {
			t.Fatalf("ValidNamePrefix(%q) = %v, want %v", prefix, got, want)
		}
	}
}

type memContainer struct {
	name    string
	running bool
}

type memRuntime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*memContainer
	specs      map[string]ContainerSpec
	stops      map[string]int
	pulled     []string
	startErr   error
}

func newMemRuntime() *memRuntime {
	return &memRuntime{
		containers: map[string]*memContainer{},
		specs:      map[string]ContainerSpec{},
		stops:      map[string]int{},
	}
}

func (m *memRuntime) countByName(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.containers {
		if c.name == name {
			n++
		}
	}
	return n
}

func (m *memRuntime) EnsureImage(_ context.Context, image string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulled = append(m.pulled, image)
	return nil
}

func (m *memRuntime) Lookup(_ context.Context, name string) (Handle, Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.containers {
		if c.name == name {
			return NewHandle(name, id), Status{Running: c.running, State: state(c.running)}, nil
		}
	}
	return nil, Status{}, ErrNotFound
}

func (m *memRuntime) Create(_ context.Context, spec ContainerSpec) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.containers {
		if c.name == spec.Name {
			return nil, fmt.Errorf("conflict: name %s in use", spec.Name)
		}
	}
	m.seq++
	id := fmt.Sprintf("id-%d", m.seq)
	m.containers[id] = &memContainer{name: spec.Name}
	m.specs[id] = spec
	return NewHandle(spec.Name, id), nil
}

func (m *memRuntime) Start(_ context.Context, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.containers[h.ID()].running = true
	return nil
}

func (m *memRuntime) Inspect(_ context.Context, h Handle) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[h.ID()]
	if !ok {
		return Status{}, ErrNotFound
	}
	return Status{Running: c.running, State: state(c.running)}, nil
}

func (m *memRuntime) Stats(context.Context, Handle) (Stats, error) {
	return Stats{}, nil
}

func (m *memRuntime) Stop(_ context.Context, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[h.ID()]; ok {
		c.running = false
		m.stops[h.ID()]++
	}
	return nil
}

func (m *memRuntime) Remove(_ context.Context, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, h.ID())
	return nil
}

func (m *memRuntime) FollowLogs(context.Context, Handle, io.Writer, io.Writer) error {
	return nil
}

func (m *memRuntime) Janitor(context.Context, JanitorSpec) (int, error) {
	return 0, nil
}

func (m *memRuntime) Close() error { return nil }

func state(running bool) string {
	if running {
		return "running"
	}
	return "exited"
}
