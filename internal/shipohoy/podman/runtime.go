package podman

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"pkt.systems/evalfleet/internal/shipohoy"
	"pkt.systems/pslog"
)

// Config configures the Podman runtime.
type Config struct {
	Address     string
	APIVersion  string
	UserNSMode  string
	PullTimeout time.Duration
	StopTimeout time.Duration
}

// Runtime implements shipohoy.Runtime using Podman's HTTP API.
type Runtime struct {
	client      *client
	pullTimeout time.Duration
	stopTimeout time.Duration
	usernsMode  string
}

var _ shipohoy.Runtime = (*Runtime)(nil)

// New constructs a Podman runtime, trying fallback socket paths if needed.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "podman")
	addresses := candidateAddresses(cfg.Address)
	var lastErr error
	for _, addr := range addresses {
		log.Debug("podman connect attempt", "address", addr)
		cl, err := newClient(addr, cfg.APIVersion)
		if err != nil {
			log.Warn("podman connect failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		if err := cl.ping(ctx); err != nil {
			log.Warn("podman ping failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		log.Info("podman runtime ready", "address", addr)
		return newRuntime(cl, cfg), nil
	}
	if lastErr == nil {
		lastErr = errors.New("podman address not configured")
	}
	log.Warn("podman runtime unavailable", "err", lastErr)
	return nil, lastErr
}

func newRuntime(cl *client, cfg Config) *Runtime {
	pull := cfg.PullTimeout
	if pull <= 0 {
		pull = 5 * time.Minute
	}
	stop := cfg.StopTimeout
	if stop <= 0 {
		stop = 10 * time.Second
	}
	return &Runtime{
		client:      cl,
		pullTimeout: pull,
		stopTimeout: stop,
		usernsMode:  strings.TrimSpace(cfg.UserNSMode),
	}
}

// Address reports the engine endpoint in use.
func (r *Runtime) Address() string { return r.client.address }

// Close releases any resources held by the runtime.
func (r *Runtime) Close() error { return nil }

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "podman")
}

// ImageExists reports whether an image exists locally without pulling.
func (r *Runtime) ImageExists(ctx context.Context, image string) (bool, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return false, errors.New("image is required")
	}
	res, err := r.client.do(ctx, http.MethodGet, fmt.Sprintf("/libpod/images/%s/exists", escapeImagePath(image)), nil, nil, "")
	if err != nil {
		return false, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if res.StatusCode >= 300 {
		return false, readAPIError(res)
	}
	return true, nil
}

// EnsureImage pulls the image if it is not available.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	log := r.logger(ctx).With("image", image)
	log.Info("podman ensure image start")
	ok, err := r.ImageExists(ctx, image)
	if err != nil {
		log.Warn("podman ensure image failed", "err", err)
		return err
	}
	if ok {
		log.Info("podman ensure image ok", "pulled", false)
		return nil
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	query := url.Values{}
	name, tag := splitImageRef(image)
	query.Set("fromImage", name)
	if tag != "" {
		query.Set("tag", tag)
	}
	if _, err := r.client.postJSON(pullCtx, "/images/create", query, nil, nil); err != nil {
		log.Warn("podman image pull failed", "err", err)
		return err
	}
	log.Info("podman ensure image ok", "pulled", true)
	return nil
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
	req := buildCreateRequest(spec, r.usernsMode)
	query := url.Values{}
	query.Set("name", spec.Name)
	var created createResponse
	if _, err := r.client.postJSON(ctx, "/containers/create", query, req, &created); err != nil {
		log.Warn("podman create failed", "err", err)
		return nil, err
	}
	if created.ID == "" {
		log.Warn("podman create failed", "err", "missing id")
		return nil, errors.New("podman create did not return container id")
	}
	for _, w := range created.Warnings {
		log.Warn("podman create warning", "warning", w)
	}
	log.Info("podman container created", "id", created.ID)
	return shipohoy.NewHandle(spec.Name, created.ID), nil
}

// Start starts a created container.
func (r *Runtime) Start(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return errors.New("container handle is required")
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	status, err := r.client.postJSON(ctx, fmt.Sprintf("/containers/%s/start", url.PathEscape(h.ID())), nil, nil, nil, http.StatusNotModified)
	if err != nil {
		log.Warn("podman start failed", "err", err)
		return err
	}
	log.Info("podman container started", "status", status)
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
	query := url.Values{}
	query.Set("stream", "false")
	var stats statsResponse
	if err := r.client.getJSON(ctx, fmt.Sprintf("/containers/%s/stats", url.PathEscape(h.ID())), query, &stats); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return shipohoy.Stats{}, shipohoy.ErrNotFound
		}
		return shipohoy.Stats{}, err
	}
	return shipohoy.Stats{MemoryBytes: stats.MemoryStats.Usage, Sampled: time.Now()}, nil
}

// Stop stops a running container.
func (r *Runtime) Stop(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Info("podman stop start")
	started := time.Now()
	query := url.Values{}
	query.Set("t", strconv.Itoa(int(r.stopTimeout.Seconds())))
	status, err := r.client.postJSON(ctx, fmt.Sprintf("/containers/%s/stop", url.PathEscape(h.ID())), query, nil, nil, http.StatusNotModified, http.StatusNotFound)
	if err != nil {
		log.Warn("podman stop failed", "err", err)
		return err
	}
	if status == http.StatusNotModified || status == http.StatusNotFound {
		log.Info("podman stop skipped", "status", status)
		return nil
	}
	log.Info("podman stop ok", "duration_ms", time.Since(started).Milliseconds())
	return nil
}

// Remove force-removes a container.
func (r *Runtime) Remove(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Info("podman remove start")
	query := url.Values{}
	query.Set("force", "true")
	res, err := r.client.do(ctx, http.MethodDelete, fmt.Sprintf("/containers/%s", url.PathEscape(h.ID())), query, nil, "")
	if err != nil {
		log.Warn("podman remove failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotFound {
		log.Info("podman remove skipped", "reason", "not found")
		return nil
	}
	if res.StatusCode >= 300 {
		log.Warn("podman remove failed", "status", res.StatusCode)
		return readAPIError(res)
	}
	log.Info("podman remove ok")
	return nil
}

// Janitor prunes managed containers by label.
func (r *Runtime) Janitor(ctx context.Context, spec shipohoy.JanitorSpec) (int, error) {
	log := r.logger(ctx)
	log.Info("podman janitor start")
	labels := []string{shipohoy.LabelManaged + "=true"}
	for k, v := range spec.LabelSelector {
		if strings.TrimSpace(k) == "" {
			continue
		}
		labels = append(labels, fmt.Sprintf("%s=%s", k, v))
	}
	filterJSON, err := json.Marshal(map[string][]string{"label": labels})
	if err != nil {
		log.Warn("podman janitor failed", "err", err)
		return 0, err
	}
	query := url.Values{}
	query.Set("all", "1")
	query.Set("filters", string(filterJSON))
	var list []containerListItem
	if err := r.client.getJSON(ctx, "/containers/json", query, &list); err != nil {
		log.Warn("podman janitor failed", "err", err)
		return 0, err
	}
	removed := 0
	cutoff := time.Now().Add(-spec.MinAge)
	for _, item := range list {
		if spec.MinAge > 0 && time.Unix(item.Created, 0).After(cutoff) {
			continue
		}
		h := shipohoy.NewHandle(containerName(item), item.ID)
		_ = r.Stop(ctx, h)
		if err := r.Remove(ctx, h); err != nil {
			log.Warn("podman janitor failed", "err", err)
			return removed, err
		}
		removed++
	}
	log.Info("podman janitor ok", "removed", removed)
	return removed, nil
}

func (r *Runtime) inspect(ctx context.Context, ref string) (inspectContainer, error) {
	var inspect inspectContainer
	if err := r.client.getJSON(ctx, fmt.Sprintf("/containers/%s/json", url.PathEscape(ref)), nil, &inspect); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return inspectContainer{}, shipohoy.ErrNotFound
		}
		return inspectContainer{}, err
	}
	return inspect, nil
}

func toStatus(inspect inspectContainer) shipohoy.Status {
	return shipohoy.Status{
		State:    inspect.State.Status,
		Running:  inspect.State.Running,
		ExitCode: inspect.State.ExitCode,
	}
}

func buildCreateRequest(spec shipohoy.ContainerSpec, usernsMode string) createRequest {
	req := createRequest{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    envMapToSlice(spec.Env),
		Labels: spec.Labels,
		HostConfig: hostConfig{
			AutoRemove: spec.AutoRemove,
			UsernsMode: usernsMode,
		},
	}
	if spec.ResourceCaps != nil {
		req.HostConfig.Memory = spec.ResourceCaps.MemoryBytes
		req.HostConfig.NanoCPUs = spec.ResourceCaps.NanoCPUs
	}
	if len(spec.Ports) > 0 {
		req.ExposedPorts = map[string]struct{}{}
		req.HostConfig.PortBindings = map[string][]portBinding{}
		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			key := fmt.Sprintf("%d/%s", p.ContainerPort, proto)
			req.ExposedPorts[key] = struct{}{}
			req.HostConfig.PortBindings[key] = append(req.HostConfig.PortBindings[key], portBinding{
				HostIP:   p.HostIP,
				HostPort: strconv.Itoa(p.HostPort),
			})
		}
	}
	return req
}

func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

func containerName(item containerListItem) string {
	if len(item.Names) == 0 {
		return ""
	}
	return strings.TrimPrefix(item.Names[0], "/")
}

func splitImageRef(image string) (string, string) {
	image = strings.TrimSpace(image)
	if image == "" {
		return "", ""
	}
	if strings.Contains(image, "@") {
		return image, ""
	}
	lastSlash := strings.LastIndex(image, "/")
	lastColon := strings.LastIndex(image, ":")
	if lastColon > lastSlash {
		return image[:lastColon], image[lastColon+1:]
	}
	return image, ""
}
