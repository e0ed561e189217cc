// Package containerengine implements the Container Engine Adapter (C4):
// a narrow interface over the host's container runtime, so the rest of
// Trinity never imports a runtime SDK directly.
package containerengine

import (
	"context"
	"io"
	"time"
)

// Mount binds a host path into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a container to create for an agent.
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []Mount
	NetworkMode string
	PortBinds   map[string]string // containerPort/proto -> hostPort
	MemoryMiB   int64
	CPUNanos    int64
	Labels      map[string]string
}

// ContainerInfo reports a container's current lifecycle state.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	State      string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Health     string
}

// AttachedStreams exposes a running container's stdio for interactive
// sessions (spec.md §6 terminal proxy).
type AttachedStreams struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
}

// ContainerStats reports a single resource-usage snapshot for a running
// container, as surfaced by the /agents/{name}/stats endpoint.
type ContainerStats struct {
	CPUPercent       float64
	MemoryUsageBytes uint64
	MemoryLimitBytes uint64
}

// Engine is the full contract the Lifecycle Manager (C5) needs from the
// container runtime. Every method is context-scoped so callers can bound
// engine calls with the same timeouts they apply to the rest of a
// lifecycle transition.
type Engine interface {
	EnsureImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	KillContainer(ctx context.Context, containerID string, signal string) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	Inspect(ctx context.Context, containerID string) (*ContainerInfo, error)
	ContainerIP(ctx context.Context, containerID string) (string, error)
	Logs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error)
	Stats(ctx context.Context, containerID string) (ContainerStats, error)
	Wait(ctx context.Context, containerID string) (exitCode int64, err error)
	List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)
	Attach(ctx context.Context, containerID string) (*AttachedStreams, error)
	Ping(ctx context.Context) error
	Close() error
}
