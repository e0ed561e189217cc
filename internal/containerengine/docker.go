package containerengine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/nat"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/common/config"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
)

// DockerEngine implements Engine over the Docker SDK. It is the default
// engine adapter; other runtimes can satisfy Engine without Trinity's
// call sites changing.
type DockerEngine struct {
	cli     *client.Client
	logger  *logger.Logger
	network string
}

// NewDockerEngine dials the Docker daemon described by cfg.
func NewDockerEngine(cfg config.EngineConfig, log *logger.Logger) (*DockerEngine, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	log.Info("docker engine adapter ready", zap.String("host", cfg.Host))
	return &DockerEngine{cli: cli, logger: log, network: cfg.DefaultNetwork}, nil
}

func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

func (e *DockerEngine) EnsureImage(ctx context.Context, imageName string) error {
	reader, err := e.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read image pull output: %w", err)
	}
	return nil
}

func (e *DockerEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	networkMode := spec.NetworkMode
	if networkMode == "" {
		networkMode = e.network
	}

	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for containerPort, hostPort := range spec.PortBinds {
		p := nat.Port(containerPort)
		exposedPorts[p] = struct{}{}
		portBindings[p] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: hostPort}}
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		Labels:       spec.Labels,
		ExposedPorts: exposedPorts,
	}

	hostCfg := &container.HostConfig{
		Mounts:       mounts,
		NetworkMode:  container.NetworkMode(networkMode),
		PortBindings: portBindings,
		Resources: container.Resources{
			Memory:   spec.MemoryMiB * 1024 * 1024,
			NanoCPUs: spec.CPUNanos,
		},
	}

	resp, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (e *DockerEngine) StartContainer(ctx context.Context, containerID string) error {
	if err := e.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	return nil
}

func (e *DockerEngine) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := e.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

func (e *DockerEngine) KillContainer(ctx context.Context, containerID string, signal string) error {
	if err := e.cli.ContainerKill(ctx, containerID, signal); err != nil {
		return fmt.Errorf("kill container %s: %w", containerID, err)
	}
	return nil
}

func (e *DockerEngine) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

func (e *DockerEngine) Inspect(ctx context.Context, containerID string) (*ContainerInfo, error) {
	inspect, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	info := &ContainerInfo{
		ID:     inspect.ID,
		Name:   strings.TrimPrefix(inspect.Name, "/"),
		Image:  inspect.Config.Image,
		State:  inspect.State.Status,
		Status: inspect.State.Status,
	}
	if inspect.State != nil {
		info.ExitCode = inspect.State.ExitCode
		if inspect.State.StartedAt != "" {
			if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
				info.StartedAt = t
			}
		}
		if inspect.State.FinishedAt != "" {
			if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
				info.FinishedAt = t
			}
		}
		if inspect.State.Health != nil {
			info.Health = inspect.State.Health.Status
		}
	}
	return info, nil
}

func (e *DockerEngine) ContainerIP(ctx context.Context, containerID string) (string, error) {
	inspect, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("no network settings for container %s", containerID)
	}
	if inspect.NetworkSettings.IPAddress != "" {
		return inspect.NetworkSettings.IPAddress, nil
	}
	for _, net := range inspect.NetworkSettings.Networks {
		if net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}
	return "", fmt.Errorf("no IP address for container %s", containerID)
}

func (e *DockerEngine) Logs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error) {
	reader, err := e.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       tail,
	})
	if err != nil {
		return nil, fmt.Errorf("get logs for container %s: %w", containerID, err)
	}
	return reader, nil
}

func (e *DockerEngine) Stats(ctx context.Context, containerID string) (ContainerStats, error) {
	resp, err := e.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return ContainerStats{}, fmt.Errorf("get stats for container %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return ContainerStats{}, fmt.Errorf("decode stats for container %s: %w", containerID, err)
	}

	var cpuPercent float64
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && systemDelta > 0 {
		onlineCPUs := float64(raw.CPUStats.OnlineCPUs)
		if onlineCPUs == 0 {
			onlineCPUs = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		if onlineCPUs == 0 {
			onlineCPUs = 1
		}
		cpuPercent = (cpuDelta / systemDelta) * onlineCPUs * 100.0
	}

	return ContainerStats{
		CPUPercent:       cpuPercent,
		MemoryUsageBytes: raw.MemoryStats.Usage,
		MemoryLimitBytes: raw.MemoryStats.Limit,
	}, nil
}

func (e *DockerEngine) Wait(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("wait for container %s: %w", containerID, err)
		}
		return -1, nil
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (e *DockerEngine) List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for k, v := range labels {
		filterArgs.Add("label", k+"="+v)
	}

	containers, err := e.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{ID: c.ID, Name: name, Image: c.Image, State: c.State, Status: c.Status})
	}
	return infos, nil
}

func (e *DockerEngine) Attach(ctx context.Context, containerID string) (*AttachedStreams, error) {
	resp, err := e.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach to container %s: %w", containerID, err)
	}

	stdinReader, stdinWriter := io.Pipe()
	go func() {
		io.Copy(resp.Conn, stdinReader)
	}()

	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		defer stdoutWriter.Close()
		demultiplex(resp.Reader, stdoutWriter)
	}()

	return &AttachedStreams{Stdin: stdinWriter, Stdout: stdoutReader}, nil
}

// demultiplex strips Docker's 8-byte stream-frame headers, writing both
// stdout (1) and stderr (2) frames to out so callers see a single
// interleaved stream.
func demultiplex(r io.Reader, out io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return
		}
		if streamType == 1 || streamType == 2 {
			out.Write(data)
		}
	}
}

func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// PortSpec formats a container-side port/protocol pair the way Docker's
// nat.Port type expects ("8080/tcp").
func PortSpec(port int, proto string) string {
	if proto == "" {
		proto = "tcp"
	}
	return strconv.Itoa(port) + "/" + proto
}
