package shipohoy

import (
	"strings"
	"time"
)

const (
	// LabelManaged marks containers created through a Yard.
	LabelManaged = "evalfleet.managed"
	// LabelRun carries the run id that launched the container.
	LabelRun = "evalfleet.run"
	// LabelIdentity carries the workload identity.
	LabelIdentity = "evalfleet.identity"
)

// YardPlan configures default behavior for all containers in a yard.
type YardPlan struct {
	NamePrefix   string
	Env          map[string]string
	Labels       map[string]string
	ResourceCaps ResourceCaps
	PullImages   bool
}

// ResourceCaps sets optional resource limits (0 means default).
type ResourceCaps struct {
	MemoryBytes int64
	NanoCPUs    int64
}

// PortBinding publishes a container port on the host.
type PortBinding struct {
	HostIP        string
	HostPort      int
	ContainerPort int
	Protocol      string
}

// ContainerSpec describes a container.
type ContainerSpec struct {
	Name         string
	Image        string
	Env          map[string]string
	Labels       map[string]string
	Command      []string
	Ports        []PortBinding
	ResourceCaps *ResourceCaps
	AutoRemove   bool
}

// Status is the runtime view of a container.
type Status struct {
	State    string
	Running  bool
	ExitCode int
}

// Stats is a point-in-time resource sample.
type Stats struct {
	MemoryBytes uint64
	Sampled     time.Time
}

// JanitorSpec prunes managed containers.
type JanitorSpec struct {
	LabelSelector map[string]string
	MinAge        time.Duration
}

// ContainerName derives a runtime-safe container name from an identity.
// '@' becomes "_at_"; other characters outside [a-zA-Z0-9_.-] become '-'.
func ContainerName(prefix, identity string) string {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(prefix) + len(identity))
	b.WriteString(prefix)
	for _, r := range identity {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		case r == '@':
			b.WriteString("_at_")
		default:
			b.WriteByte('-')
		}
	}
	name := b.String()
	// Engine names must start with an alphanumeric character.
	if !alnum(name[0]) {
		name = "x" + name
	}
	return name
}

// ValidNamePrefix reports whether prefix can lead an engine container name
// unchanged.
func ValidNamePrefix(prefix string) bool {
	if prefix == "" {
		return true
	}
	if !alnum(prefix[0]) {
		return false
	}
	for i := 1; i < len(prefix); i++ {
		if c := prefix[i]; !alnum(c) && c != '_' && c != '.' && c != '-' {
			return false
		}
	}
	return true
}

func alnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// hasNamePrefix reports whether name already carries prefix, including the
// form ContainerName produces for prefixes that start with a separator.
func hasNamePrefix(name, prefix string) bool {
	return strings.HasPrefix(name, prefix) || strings.HasPrefix(name, "x"+prefix)
}

// mergeSpec overlays yard defaults onto container spec.
func mergeSpec(spec ContainerSpec, plan YardPlan) ContainerSpec {
	out := spec
	env := map[string]string{}
	for k, v := range spec.Env {
		env[k] = v
	}
	for k, v := range plan.Env {
		if _, ok := env[k]; !ok {
			env[k] = v
		}
	}
	out.Env = env
	labels := map[string]string{LabelManaged: "true"}
	for k, v := range plan.Labels {
		labels[k] = v
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	out.Labels = labels
	if plan.NamePrefix != "" && !hasNamePrefix(out.Name, plan.NamePrefix) {
		out.Name = plan.NamePrefix + out.Name
	}
	if out.ResourceCaps == nil {
		caps := plan.ResourceCaps
		out.ResourceCaps = &caps
	} else {
		caps := *out.ResourceCaps
		if caps.MemoryBytes == 0 {
			caps.MemoryBytes = plan.ResourceCaps.MemoryBytes
		}
		if caps.NanoCPUs == 0 {
			caps.NanoCPUs = plan.ResourceCaps.NanoCPUs
		}
		out.ResourceCaps = &caps
	}
	out.Ports = append([]PortBinding(nil), spec.Ports...)
	for i := range out.Ports {
		if out.Ports[i].Protocol == "" {
			out.Ports[i].Protocol = "tcp"
		}
	}
	return out
}
