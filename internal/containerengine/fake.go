package containerengine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// FakeEngine is an in-memory Engine used by Lifecycle Manager tests so
// they never require a real container runtime.
type FakeEngine struct {
	mu         sync.Mutex
	containers map[string]*ContainerInfo
	nextID     int
	PulledImages []string
}

// NewFakeEngine returns an empty FakeEngine.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{containers: make(map[string]*ContainerInfo)}
}

func (f *FakeEngine) EnsureImage(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PulledImages = append(f.PulledImages, image)
	return nil
}

func (f *FakeEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.containers[id] = &ContainerInfo{ID: id, Name: spec.Name, Image: spec.Image, State: "created", Status: "created"}
	return id, nil
}

func (f *FakeEngine) StartContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container %s", containerID)
	}
	info.State = "running"
	info.Status = "running"
	info.StartedAt = time.Now()
	return nil
}

func (f *FakeEngine) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container %s", containerID)
	}
	info.State = "exited"
	info.Status = "exited"
	info.FinishedAt = time.Now()
	return nil
}

func (f *FakeEngine) KillContainer(ctx context.Context, containerID string, signal string) error {
	return f.StopContainer(ctx, containerID, 0)
}

func (f *FakeEngine) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return fmt.Errorf("no such container %s", containerID)
	}
	delete(f.containers, containerID)
	return nil
}

func (f *FakeEngine) Inspect(ctx context.Context, containerID string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("no such container %s", containerID)
	}
	copied := *info
	return &copied, nil
}

func (f *FakeEngine) ContainerIP(ctx context.Context, containerID string) (string, error) {
	return "127.0.0.1", nil
}

func (f *FakeEngine) Logs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *FakeEngine) Stats(ctx context.Context, containerID string) (ContainerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return ContainerStats{}, fmt.Errorf("no such container %s", containerID)
	}
	return ContainerStats{CPUPercent: 0, MemoryUsageBytes: 0, MemoryLimitBytes: 0}, nil
}

func (f *FakeEngine) Wait(ctx context.Context, containerID string) (int64, error) {
	return 0, nil
}

func (f *FakeEngine) List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]ContainerInfo, 0, len(f.containers))
	for _, c := range f.containers {
		infos = append(infos, *c)
	}
	return infos, nil
}

func (f *FakeEngine) Attach(ctx context.Context, containerID string) (*AttachedStreams, error) {
	return nil, fmt.Errorf("fake engine does not support attach")
}

func (f *FakeEngine) Ping(ctx context.Context) error {
	return nil
}

func (f *FakeEngine) Close() error {
	return nil
}
