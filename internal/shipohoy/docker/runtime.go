// Package docker implements shipohoy.Runtime on the Docker Engine SDK.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"pkt.systems/evalfleet/internal/shipohoy"
	"pkt.systems/pslog"
)

// Config configures the Docker runtime.
type Config struct {
	// Host overrides DOCKER_HOST when set.
	Host        string
	PullTimeout time.Duration
	StopTimeout time.Duration
}

// engine is the subset of *dockerclient.Client the runtime calls.
type engine interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspectWithRaw(ctx context.Context, image string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options imagetypes.PullOptions) (io.ReadCloser, error)
	ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, options container.StartOptions) error
	ContainerStatsOneShot(ctx context.Context, id string) (types.ContainerStats, error)
	ContainerStop(ctx context.Context, id string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	Close() error
}

// Runtime implements shipohoy.Runtime on a Docker daemon.
type Runtime struct {
	cli         engine
	host        string
	pullTimeout time.Duration
	stopTimeout time.Duration
}

var _ shipohoy.Runtime = (*Runtime)(nil)

// New connects to the Docker daemon and verifies it answers.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "docker")
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if host := strings.TrimSpace(cfg.Host); host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		log.Warn("docker connect failed", "err", err)
		return nil, err
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		log.Warn("docker ping failed", "host", cli.DaemonHost(), "err", err)
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	log.Info("docker runtime ready", "host", cli.DaemonHost(), "api_version", cli.ClientVersion())
	return newRuntime(cli, cli.DaemonHost(), cfg), nil
}

func newRuntime(cli engine, host string, cfg Config) *Runtime {
	pull := cfg.PullTimeout
	if pull <= 0 {
		pull = 5 * time.Minute
	}
	stop := cfg.StopTimeout
	if stop <= 0 {
		stop = 10 * time.Second
	}
	return &Runtime{cli: cli, host: host, pullTimeout: pull, stopTimeout: stop}
}

// Address reports the daemon endpoint in use.
func (r *Runtime) Address() string { return r.host }

// Close releases the SDK client.
func (r *Runtime) Close() error { return r.cli.Close() }

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "docker")
}

// EnsureImage pulls the image unless it is already present.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	log := r.logger(ctx).With("image", image)
	log.Info("docker ensure image start")
	if _, _, err := r.cli.ImageInspectWithRaw(ctx, image); err == nil {
		log.Info("docker ensure image ok", "pulled", false)
		return nil
	} else if !dockerclient.IsErrNotFound(err) {
		log.Warn("docker ensure image failed", "err", err)
		return err
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	rc, err := r.cli.ImagePull(pullCtx, image, imagetypes.PullOptions{})
	if err != nil {
		log.Warn("docker image pull failed", "err", err)
		return err
	}
	defer func() { _ = rc.Close() }()
	if err := drainPull(rc); err != nil {
		log.Warn("docker image pull failed", "err", err)
		return err
	}
	log.Info("docker ensure image ok", "pulled", true)
	return nil
}

// drainPull consumes the progress stream and surfaces an embedded error.
func drainPull(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
	}
}

// Lookup resolves a container by name.
func (r *Runtime) Lookup(ctx context.Context, name string) (shipohoy.Handle, shipohoy.Status, error) {
	inspect, err := r.inspect(ctx, name)
	if err != nil {
		return nil, shipohoy.Status{}, err
	}
	return shipohoy.NewHandle(strings.TrimPrefix(inspect.Name, "/"), inspect.ID), toStatus(inspect), nil
}

// Create creates (but does not start) a container.
func (r *Runtime) Create(ctx context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("container name is required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	cfg, hostCfg, err := buildConfig(spec)
	if err != nil {
		log.Warn("docker create failed", "err", err)
		return nil, err
	}
	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		log.Warn("docker create failed", "err", err)
		return nil, err
	}
	for _, w := range created.Warnings {
		log.Warn("docker create warning", "warning", w)
	}
	log.Info("docker container created", "id", created.ID)
	return shipohoy.NewHandle(spec.Name, created.ID), nil
}

// Start starts a created container.
func (r *Runtime) Start(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return errors.New("container handle is required")
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	if err := r.cli.ContainerStart(ctx, h.ID(), container.StartOptions{}); err != nil {
		log.Warn("docker start failed", "err", err)
		return err
	}
	log.Info("docker container started")
	return nil
}

// Inspect reports the current state of a container.
func (r *Runtime) Inspect(ctx context.Context, h shipohoy.Handle) (shipohoy.Status, error) {
	if h == nil {
		return shipohoy.Status{}, errors.New("container handle is required")
	}
	inspect, err := r.inspect(ctx, h.ID())
	if err != nil {
		return shipohoy.Status{}, err
	}
	return toStatus(inspect), nil
}

// Stats takes a one-shot memory sample of a container.
func (r *Runtime) Stats(ctx context.Context, h shipohoy.Handle) (shipohoy.Stats, error) {
	if h == nil {
		return shipohoy.Stats{}, errors.New("container handle is required")
	}
	resp, err := r.cli.ContainerStatsOneShot(ctx, h.ID())
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return shipohoy.Stats{}, shipohoy.ErrNotFound
		}
		return shipohoy.Stats{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return shipohoy.Stats{}, fmt.Errorf("decode stats: %w", err)
	}
	return shipohoy.Stats{MemoryBytes: stats.MemoryStats.Usage, Sampled: time.Now()}, nil
}

// Stop stops a running container.
func (r *Runtime) Stop(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Info("docker stop start")
	started := time.Now()
	timeout := int(r.stopTimeout.Seconds())
	if err := r.cli.ContainerStop(ctx, h.ID(), container.StopOptions{Timeout: &timeout}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			log.Info("docker stop skipped", "reason", "not found")
			return nil
		}
		log.Warn("docker stop failed", "err", err)
		return err
	}
	log.Info("docker stop ok", "duration_ms", time.Since(started).Milliseconds())
	return nil
}

// Remove force-removes a container.
func (r *Runtime) Remove(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Info("docker remove start")
	if err := r.cli.ContainerRemove(ctx, h.ID(), container.RemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			log.Info("docker remove skipped", "reason", "not found")
			return nil
		}
		log.Warn("docker remove failed", "err", err)
		return err
	}
	log.Info("docker remove ok")
	return nil
}

// FollowLogs copies the container's stdout and stderr until the container
// exits or ctx is cancelled.
func (r *Runtime) FollowLogs(ctx context.Context, h shipohoy.Handle, stdout, stderr io.Writer) error {
	if h == nil {
		return errors.New("container handle is required")
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	rc, err := r.cli.ContainerLogs(ctx, h.ID(), container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return shipohoy.ErrNotFound
		}
		log.Warn("docker logs failed", "err", err)
		return err
	}
	defer func() { _ = rc.Close() }()
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("docker logs failed", "err", err)
		return err
	}
	log.Debug("docker logs ended")
	return nil
}

// Janitor prunes managed containers by label.
func (r *Runtime) Janitor(ctx context.Context, spec shipohoy.JanitorSpec) (int, error) {
	log := r.logger(ctx)
	log.Info("docker janitor start")
	args := filters.NewArgs(filters.Arg("label", shipohoy.LabelManaged+"=true"))
	for k, v := range spec.LabelSelector {
		if strings.TrimSpace(k) == "" {
			continue
		}
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	list, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		log.Warn("docker janitor failed", "err", err)
		return 0, err
	}
	removed := 0
	cutoff := time.Now().Add(-spec.MinAge)
	for _, item := range list {
		if spec.MinAge > 0 && time.Unix(item.Created, 0).After(cutoff) {
			continue
		}
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		h := shipohoy.NewHandle(name, item.ID)
		_ = r.Stop(ctx, h)
		if err := r.Remove(ctx, h); err != nil {
			log.Warn("docker janitor failed", "err", err)
			return removed, err
		}
		removed++
	}
	log.Info("docker janitor ok", "removed", removed)
	return removed, nil
}

func (r *Runtime) inspect(ctx context.Context, ref string) (types.ContainerJSON, error) {
	inspect, err := r.cli.ContainerInspect(ctx, ref)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return types.ContainerJSON{}, shipohoy.ErrNotFound
		}
		return types.ContainerJSON{}, err
	}
	if inspect.ContainerJSONBase == nil {
		return types.ContainerJSON{}, fmt.Errorf("docker inspect %s: empty response", ref)
	}
	return inspect, nil
}

func toStatus(inspect types.ContainerJSON) shipohoy.Status {
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return shipohoy.Status{}
	}
	return shipohoy.Status{
		State:    inspect.State.Status,
		Running:  inspect.State.Running,
		ExitCode: inspect.State.ExitCode,
	}
}

func buildConfig(spec shipohoy.ContainerSpec) (*container.Config, *container.HostConfig, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{AutoRemove: spec.AutoRemove}
	if spec.ResourceCaps != nil {
		hostCfg.Resources.Memory = spec.ResourceCaps.MemoryBytes
		hostCfg.Resources.NanoCPUs = spec.ResourceCaps.NanoCPUs
	}
	if len(spec.Ports) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		hostCfg.PortBindings = nat.PortMap{}
		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			port, err := nat.NewPort(proto, fmt.Sprintf("%d", p.ContainerPort))
			if err != nil {
				return nil, nil, fmt.Errorf("container port %d: %w", p.ContainerPort, err)
			}
			cfg.ExposedPorts[port] = struct{}{}
			hostCfg.PortBindings[port] = append(hostCfg.PortBindings[port], nat.PortBinding{
				HostIP:   p.HostIP,
				HostPort: fmt.Sprintf("%d", p.HostPort),
			})
		}
	}
	return cfg, hostCfg, nil
}
