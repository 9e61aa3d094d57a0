package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/runnerhub/runnerhub/pkg/types"
)

// Labels stamped onto every managed container. Cleanup and reconciler
// loops select on LabelManaged; the exclusion labels are honored even
// when set out of band.
const (
	LabelManaged    = "runnerhub.managed"
	LabelRepository = "runnerhub.repo"
	LabelJob        = "runnerhub.job"
	LabelRunner     = "runnerhub.runner"
	LabelPersistent = "persistent"
	LabelNoCleanup  = "no-cleanup"
)

// API is the slice of the Docker Engine client the runtime uses.
// *client.Client satisfies it; tests substitute a fake.
type API interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (dockertypes.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// CreateSpec describes a container to compose. Security hardening is
// not optional: capabilities are always dropped and privilege
// escalation disabled regardless of the spec.
type CreateSpec struct {
	Name           string
	Image          string
	Env            []string
	Cmd            []string
	Labels         map[string]string
	Resources      types.ResourceLimits
	ReadOnlyRootfs bool
}

// DockerRuntime implements container operations against the Docker
// Engine API.
type DockerRuntime struct {
	cli API
}

// NewDockerRuntime connects to the Docker daemon using the standard
// environment (DOCKER_HOST et al) with API version negotiation.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, types.Unavailablef("failed to connect to docker daemon: %v", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// NewDockerRuntimeWithClient wraps an existing client; used by tests.
func NewDockerRuntimeWithClient(cli API) *DockerRuntime {
	return &DockerRuntime{cli: cli}
}

// Close closes the underlying client connection.
func (r *DockerRuntime) Close() error {
	if r.cli != nil {
		return r.cli.Close()
	}
	return nil
}

func mapDockerErr(err error, op, id string) error {
	if err == nil {
		return nil
	}
	switch {
	case cerrdefs.IsNotFound(err):
		return types.NotFoundf("%s: container %s not found: %v", op, id, err)
	case cerrdefs.IsConflict(err):
		return types.Conflictf("%s: conflict on %s: %v", op, id, err)
	case client.IsErrConnectionFailed(err):
		return types.Unavailablef("%s: docker daemon unreachable: %v", op, err)
	default:
		return types.Transientf("%s failed for %s: %v", op, id, err)
	}
}

// PullImage pulls the image, draining the progress stream.
func (r *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return mapDockerErr(err, "pull image", ref)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return types.Transientf("pull image %s interrupted: %v", ref, err)
	}
	return nil
}

// CreateContainer composes and creates a hardened container, pulling
// the image on first use. Returns the engine-assigned container ID.
func (r *DockerRuntime) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	pidsLimit := spec.Resources.PidsLimit

	config := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Cmd:    strslice.StrSlice(spec.Cmd),
		Labels: spec.Labels,
	}
	hostConfig := &container.HostConfig{
		CapDrop:        strslice.StrSlice{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		ReadonlyRootfs: spec.ReadOnlyRootfs,
		Resources: container.Resources{
			NanoCPUs:  int64(spec.Resources.CPULimit * 1e9),
			Memory:    spec.Resources.MemoryLimitBytes,
			PidsLimit: &pidsLimit,
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if cerrdefs.IsNotFound(err) {
		// Image missing locally; pull once and retry.
		if pullErr := r.PullImage(ctx, spec.Image); pullErr != nil {
			return "", pullErr
		}
		resp, err = r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	}
	if err != nil {
		return "", mapDockerErr(err, "create container", spec.Name)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (r *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	err := r.cli.ContainerStart(ctx, id, container.StartOptions{})
	return mapDockerErr(err, "start container", id)
}

// StopContainer stops a container, sending SIGTERM and escalating to
// SIGKILL once the grace period expires.
func (r *DockerRuntime) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds})
	return mapDockerErr(err, "stop container", id)
}

// RemoveContainer deletes a container. Already-removed containers are
// not an error.
func (r *DockerRuntime) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if cerrdefs.IsNotFound(err) {
		return nil
	}
	return mapDockerErr(err, "remove container", id)
}

// InspectState returns the engine-side running state and exit code.
func (r *DockerRuntime) InspectState(ctx context.Context, id string) (running bool, exitCode int, err error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false, 0, mapDockerErr(err, "inspect container", id)
	}
	if info.State == nil {
		return false, 0, nil
	}
	return info.State.Running, info.State.ExitCode, nil
}

// ListManaged returns the engine's view of every container this
// daemon created, running or not.
func (r *DockerRuntime) ListManaged(ctx context.Context) ([]container.Summary, error) {
	args := filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
	list, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, mapDockerErr(err, "list containers", "")
	}
	return list, nil
}

// Exec runs a command inside a running container and returns its
// demultiplexed output and exit code.
func (r *DockerRuntime) Exec(ctx context.Context, id string, cmd []string) (stdout, stderr string, exitCode int, err error) {
	created, err := r.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", 0, mapDockerErr(err, "exec create", id)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", "", 0, mapDockerErr(err, "exec attach", id)
	}
	defer attach.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, attach.Reader); err != nil {
		return "", "", 0, types.Transientf("exec stream for %s broke: %v", id, err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return "", "", 0, mapDockerErr(err, "exec inspect", id)
	}
	return outBuf.String(), errBuf.String(), inspect.ExitCode, nil
}

// Stats takes a single stats snapshot and reduces it to a
// ResourceSample. CPU percent follows the engine's own formula:
// (container cpu delta / system cpu delta) * online cpus * 100.
func (r *DockerRuntime) Stats(ctx context.Context, id string) (*types.ResourceSample, error) {
	resp, err := r.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, mapDockerErr(err, "container stats", id)
	}
	defer resp.Body.Close()

	var v container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, types.Transientf("decode stats for %s: %v", id, err)
	}
	return reduceStats(&v), nil
}

func reduceStats(v *container.StatsResponse) *types.ResourceSample {
	sample := &types.ResourceSample{SampledAt: time.Now().UTC()}

	cpuDelta := float64(v.CPUStats.CPUUsage.TotalUsage) - float64(v.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(v.CPUStats.SystemUsage) - float64(v.PreCPUStats.SystemUsage)
	onlineCPUs := float64(v.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		// cgroup v1 engines omit online_cpus
		onlineCPUs = float64(len(v.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta > 0 && sysDelta > 0 {
		sample.CPUPct = (cpuDelta / sysDelta) * onlineCPUs * 100.0
	}

	memUsage := v.MemoryStats.Usage
	if cache, ok := v.MemoryStats.Stats["cache"]; ok {
		memUsage -= cache
	} else if inactive, ok := v.MemoryStats.Stats["inactive_file"]; ok {
		memUsage -= inactive
	}
	sample.MemBytes = int64(memUsage)
	if v.MemoryStats.Limit > 0 {
		sample.MemPct = float64(memUsage) / float64(v.MemoryStats.Limit) * 100.0
	}

	for _, net := range v.Networks {
		sample.RxBytes += int64(net.RxBytes)
		sample.TxBytes += int64(net.TxBytes)
	}

	for _, entry := range v.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			sample.BlockRead += int64(entry.Value)
		case "write":
			sample.BlockWrite += int64(entry.Value)
		}
	}
	return sample
}

// Logs returns the last tail lines of a container's output, stdout
// and stderr interleaved.
func (r *DockerRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = fmt.Sprint(tail)
	}
	rc, err := r.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", mapDockerErr(err, "container logs", id)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", types.Transientf("log stream for %s broke: %v", id, err)
	}
	return buf.String(), nil
}
