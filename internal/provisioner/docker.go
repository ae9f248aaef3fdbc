// Package provisioner runs artifact bundles as isolated containers on a
// Docker engine and tears them down again.
package provisioner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/apiengine/internal/builder"
	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
	"github.com/mrmushfiq/apiengine/internal/shared/models"
)

// Labels stamped on every managed container.
const (
	LabelManaged    = "apiengine.managed"
	LabelBinding    = "apiengine.binding"
	LabelDefinition = "apiengine.api"
)

const (
	DefaultReadyTimeout = 60 * time.Second
	DefaultBuildTimeout = 10 * time.Minute
	DefaultMemoryLimit  = 256 * 1024 * 1024
	DefaultCPULimit     = 0.5

	stopTimeoutSeconds = 10
	pollInterval       = 250 * time.Millisecond
)

// dockerAPI is the part of the Docker client the provisioner uses.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Close() error
}

// ReadyProbe reports whether an instance answers on host:port.
type ReadyProbe func(ctx context.Context, host string, port int) error

// Options configures the provisioner.
type Options struct {
	InstanceHost string
	ReadyTimeout time.Duration
	BuildTimeout time.Duration
	MemoryLimit  int64
	CPULimit     float64
	// Platform is "os[/arch[/variant]]"; empty lets the engine decide.
	Platform string
}

func (o *Options) setDefaults() {
	if o.InstanceHost == "" {
		o.InstanceHost = "localhost"
	}
	if o.ReadyTimeout == 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.BuildTimeout == 0 {
		o.BuildTimeout = DefaultBuildTimeout
	}
	if o.MemoryLimit == 0 {
		o.MemoryLimit = DefaultMemoryLimit
	}
	if o.CPULimit == 0 {
		o.CPULimit = DefaultCPULimit
	}
}

// DeploySpec identifies what a deploy is for.
type DeploySpec struct {
	DefinitionID string
	BindingID    string
}

// Managed is a container carrying the provisioner's labels.
type Managed struct {
	ContainerID  string
	DefinitionID string
	BindingID    string
	Image        string
	State        string
}

// Provisioner deploys bundles on a Docker engine.
type Provisioner struct {
	api      dockerAPI
	opts     Options
	platform *ocispec.Platform
	probe    ReadyProbe
	log      logrus.FieldLogger
}

// New connects to the engine configured in the environment (DOCKER_HOST etc).
// An unreachable engine is not an error here; Deploy reports it.
func New(opts Options, log logrus.FieldLogger) (*Provisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperr.Wrap(apperr.ProvisionerUnavailable, err, "docker client")
	}
	return NewWithAPI(cli, opts, log), nil
}

// NewWithAPI wraps an existing engine client.
func NewWithAPI(api dockerAPI, opts Options, log logrus.FieldLogger) *Provisioner {
	opts.setDefaults()
	p := &Provisioner{
		api:   api,
		opts:  opts,
		probe: httpProbe,
		log:   log.WithField("component", "provisioner"),
	}
	if opts.Platform != "" {
		p.platform = parsePlatform(opts.Platform)
	}
	return p
}

// SetReadyProbe replaces the HTTP readiness probe.
func (p *Provisioner) SetReadyProbe(probe ReadyProbe) {
	p.probe = probe
}

// Close releases the engine client.
func (p *Provisioner) Close() error {
	return p.api.Close()
}

// Ping checks that the engine is reachable.
func (p *Provisioner) Ping(ctx context.Context) error {
	if _, err := p.api.Ping(ctx); err != nil {
		return apperr.Wrap(apperr.ProvisionerUnavailable, err, "container runtime is not reachable")
	}
	return nil
}

// Deploy builds the bundle's image, starts one container with an ephemeral
// host port and waits until it answers. On any failure after the build the
// container is removed and the image removal is attempted.
func (p *Provisioner) Deploy(ctx context.Context, bundle *builder.Bundle, spec DeploySpec) (*models.Instance, error) {
	if err := p.Ping(ctx); err != nil {
		return nil, err
	}

	log := p.log.WithFields(logrus.Fields{"api_id": spec.DefinitionID, "binding_id": spec.BindingID})
	tag := bundle.ImageTag()

	start := time.Now()
	if err := p.buildImage(ctx, bundle, tag, spec); err != nil {
		log.WithError(err).Warn("image build failed")
		p.removeImage(tag, log)
		return nil, err
	}
	log.WithFields(logrus.Fields{"image": tag, "duration": time.Since(start)}).Info("image built")

	containerID, err := p.startContainer(ctx, bundle, tag, spec)
	if err != nil {
		log.WithError(err).Warn("container start failed")
		if containerID != "" {
			p.removeContainer(containerID, log)
		}
		p.removeImage(tag, log)
		return nil, err
	}

	port, err := p.waitReady(ctx, containerID, bundle.InternalPort)
	if err != nil {
		log.WithError(err).WithField("instance_id", containerID).Warn("instance never became ready")
		p.removeContainer(containerID, log)
		p.removeImage(tag, log)
		return nil, err
	}

	log.WithFields(logrus.Fields{"instance_id": containerID, "port": port}).Info("instance running")
	return &models.Instance{ID: containerID, Image: tag, Port: port, Health: models.HealthRunning}, nil
}

func (p *Provisioner) buildImage(ctx context.Context, bundle *builder.Bundle, tag string, spec DeploySpec) error {
	buildCtx, err := bundle.Tar()
	if err != nil {
		return apperr.Wrap(apperr.BuildFailed, err, "failed to pack build context")
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.BuildTimeout)
	defer cancel()

	resp, err := p.api.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Labels: map[string]string{
			LabelManaged:    "true",
			LabelDefinition: spec.DefinitionID,
		},
	})
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			return apperr.Wrap(apperr.ProvisionerUnavailable, err, "container runtime is not reachable")
		}
		return apperr.Wrap(apperr.BuildFailed, err, "image build failed")
	}
	defer resp.Body.Close()

	// The build outcome is only known once the progress stream is drained.
	dec := json.NewDecoder(resp.Body)
	var last string
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return apperr.Wrap(apperr.BuildFailed, ctx.Err(), "image build timed out")
			}
			return apperr.Wrap(apperr.BuildFailed, err, "image build stream broken")
		}
		if msg.Error != nil {
			return apperr.Newf(apperr.BuildFailed, "image build failed: %s", strings.TrimSpace(msg.Error.Message))
		}
		if s := strings.TrimSpace(msg.Stream); s != "" {
			last = s
			p.log.WithField("image", tag).Debug(last)
		}
	}
}

func (p *Provisioner) startContainer(ctx context.Context, bundle *builder.Bundle, tag string, spec DeploySpec) (string, error) {
	internal, err := nat.NewPort("tcp", strconv.Itoa(bundle.InternalPort))
	if err != nil {
		return "", apperr.Wrap(apperr.StartFailed, err, "invalid internal port")
	}

	env := make([]string, 0, len(bundle.Env))
	for k, v := range bundle.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	config := &container.Config{
		Image:        tag,
		Env:          env,
		ExposedPorts: nat.PortSet{internal: struct{}{}},
		Labels: map[string]string{
			LabelManaged:    "true",
			LabelBinding:    spec.BindingID,
			LabelDefinition: spec.DefinitionID,
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			internal: []nat.PortBinding{{HostIP: "", HostPort: ""}},
		},
		Resources: container.Resources{
			Memory:   p.opts.MemoryLimit,
			NanoCPUs: int64(p.opts.CPULimit * 1e9),
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	name := containerName(bundle.Name, spec.BindingID)
	resp, err := p.api.ContainerCreate(ctx, config, hostConfig, nil, p.platform, name)
	if err != nil {
		return "", apperr.Wrap(apperr.StartFailed, err, "failed to create container")
	}

	if err := p.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, apperr.Wrap(apperr.StartFailed, err, "failed to start container")
	}
	return resp.ID, nil
}

// waitReady polls the container until it runs with a published port that
// answers HTTP, or the ready timeout passes.
func (p *Provisioner) waitReady(ctx context.Context, containerID string, internalPort int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		insp, err := p.api.ContainerInspect(ctx, containerID)
		if err != nil && ctx.Err() == nil {
			return 0, apperr.Wrap(apperr.StartFailed, err, "failed to inspect container")
		}
		if err == nil && insp.ContainerJSONBase != nil && insp.State != nil {
			state := insp.State
			if state.Status == "exited" || state.Status == "dead" {
				return 0, apperr.Newf(apperr.StartFailed, "instance exited with code %d", state.ExitCode)
			}
			if state.Running {
				if port, ok := hostPort(insp, internalPort); ok {
					if lastErr = p.probe(ctx, p.opts.InstanceHost, port); lastErr == nil {
						return port, nil
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return 0, apperr.Wrap(apperr.StartFailed, lastErr, "instance did not become ready in time")
			}
			return 0, apperr.New(apperr.StartFailed, "instance did not become ready in time")
		case <-ticker.C:
		}
	}
}

// Teardown stops and removes an instance. A missing instance is not an error.
func (p *Provisioner) Teardown(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return nil
	}

	timeout := stopTimeoutSeconds
	if err := p.api.ContainerStop(ctx, instanceID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if client.IsErrConnectionFailed(err) {
			return apperr.Wrap(apperr.ProvisionerUnavailable, err, "container runtime is not reachable")
		}
		p.log.WithError(err).WithField("instance_id", instanceID).Warn("stop failed, forcing removal")
	}

	err := p.api.ContainerRemove(ctx, instanceID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove instance %s: %w", instanceID, err)
	}

	p.log.WithField("instance_id", instanceID).Info("instance torn down")
	return nil
}

// Inspect reports an instance's live state.
func (p *Provisioner) Inspect(ctx context.Context, instanceID string) (*models.Instance, error) {
	insp, err := p.api.ContainerInspect(ctx, instanceID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, apperr.New(apperr.NotFound, "instance not found")
		}
		if client.IsErrConnectionFailed(err) {
			return nil, apperr.Wrap(apperr.ProvisionerUnavailable, err, "container runtime is not reachable")
		}
		return nil, fmt.Errorf("inspect instance %s: %w", instanceID, err)
	}

	inst := &models.Instance{ID: instanceID, Health: models.HealthStopped}
	if insp.Config != nil {
		inst.Image = insp.Config.Image
	}
	if insp.ContainerJSONBase != nil && insp.State != nil {
		inst.Health = healthOf(insp.State)
	}
	for _, bindings := range portMap(insp) {
		for _, b := range bindings {
			if port, err := strconv.Atoi(b.HostPort); err == nil {
				inst.Port = port
				break
			}
		}
	}
	return inst, nil
}

// ListManaged returns every container carrying the managed label.
func (p *Provisioner) ListManaged(ctx context.Context) ([]Managed, error) {
	list, err := p.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			return nil, apperr.Wrap(apperr.ProvisionerUnavailable, err, "container runtime is not reachable")
		}
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]Managed, 0, len(list))
	for _, c := range list {
		out = append(out, Managed{
			ContainerID:  c.ID,
			DefinitionID: c.Labels[LabelDefinition],
			BindingID:    c.Labels[LabelBinding],
			Image:        c.Image,
			State:        string(c.State),
		})
	}
	return out, nil
}

// RemoveImage removes an image unless a container still uses it.
func (p *Provisioner) RemoveImage(ctx context.Context, tag string) error {
	_, err := p.api.ImageRemove(ctx, tag, image.RemoveOptions{PruneChildren: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (p *Provisioner) removeContainer(containerID string, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !errdefs.IsNotFound(err) {
		log.WithError(err).WithField("instance_id", containerID).Warn("failed to remove container")
	}
}

func (p *Provisioner) removeImage(tag string, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.RemoveImage(ctx, tag); err != nil {
		log.WithError(err).WithField("image", tag).Debug("image kept")
	}
}

func portMap(insp container.InspectResponse) nat.PortMap {
	if insp.NetworkSettings == nil {
		return nil
	}
	return insp.NetworkSettings.Ports
}

func hostPort(insp container.InspectResponse, internalPort int) (int, bool) {
	bindings := portMap(insp)[nat.Port(fmt.Sprintf("%d/tcp", internalPort))]
	for _, b := range bindings {
		if port, err := strconv.Atoi(b.HostPort); err == nil && port > 0 {
			return port, true
		}
	}
	return 0, false
}

func healthOf(state *container.State) models.Health {
	switch {
	case state.Running && !state.Restarting:
		return models.HealthRunning
	case state.Restarting, state.Status == "created":
		return models.HealthStarting
	case state.OOMKilled, state.Dead, state.ExitCode != 0:
		return models.HealthFailed
	default:
		return models.HealthStopped
	}
}

func containerName(name, bindingID string) string {
	short := bindingID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("apiengine-%s-%s", name, short)
}

func parsePlatform(s string) *ocispec.Platform {
	parts := strings.SplitN(s, "/", 3)
	p := &ocispec.Platform{OS: parts[0]}
	if len(parts) > 1 {
		p.Architecture = parts[1]
	}
	if len(parts) > 2 {
		p.Variant = parts[2]
	}
	return p
}

// httpProbe treats any HTTP response as ready; the user's code decides
// what "/" returns.
func httpProbe(ctx context.Context, host string, port int) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s:%d/", host, port), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}
