// Package runtime is the thin adapter over a local container runtime API
// socket. It translates the runtime's JSON into internal structs and exposes
// the handful of operations the collectors, lifecycle manager and remediation
// hooks need. Docker and Podman (docker-compatible API) sockets are both
// supported; Probe picks whichever answers first.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// Config selects the runtime sockets to probe.
type Config struct {
	Preferred      string // adapter name, "docker" or "podman"
	DockerSocket   string
	PodmanSocket   string
	ConnectTimeout time.Duration
}

// Container is a discovered container with basic identity.
type Container struct {
	ID    string
	Name  string
	Image string
	State string
}

// Detail is the subset of inspect output the platform consumes.
type Detail struct {
	StartedAt    time.Time
	RestartCount int
	ExitCode     int
	Health       string
	CPULimit     float64 // cores; 0 = unlimited
	MemLimit     uint64  // bytes; 0 = unlimited
}

// Adapter wraps one runtime client. Name reports which adapter answered the
// probe and is recorded in the `runtime` label of every collected sample.
type Adapter struct {
	client *client.Client
	name   string
}

// Probe connects to the preferred runtime first and falls back to the other.
func Probe(ctx context.Context, cfg Config) (*Adapter, error) {
	type candidate struct{ name, socket string }
	candidates := []candidate{
		{"docker", cfg.DockerSocket},
		{"podman", cfg.PodmanSocket},
	}
	if cfg.Preferred == "podman" {
		candidates[0], candidates[1] = candidates[1], candidates[0]
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var lastErr error
	for _, c := range candidates {
		if c.socket == "" {
			continue
		}
		a, err := connect(ctx, c.name, c.socket, timeout)
		if err != nil {
			lastErr = err
			slog.Warn("runtime probe failed", "runtime", c.name, "socket", c.socket, "error", err)
			continue
		}
		slog.Info("runtime connected", "runtime", c.name, "socket", c.socket)
		return a, nil
	}
	return nil, fmt.Errorf("no container runtime reachable: %w", lastErr)
}

func connect(ctx context.Context, name, socket string, timeout time.Duration) (*Adapter, error) {
	c, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socket),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%s client: %w", name, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := c.Ping(pingCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("%s ping: %w", name, err)
	}
	return &Adapter{client: c, name: name}, nil
}

// Name returns the adapter name chosen by Probe.
func (a *Adapter) Name() string { return a.name }

// Close closes the underlying client.
func (a *Adapter) Close() error { return a.client.Close() }

// List returns all containers, running or not.
func (a *Adapter) List(ctx context.Context) ([]Container, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make([]Container, 0, len(containers))
	for _, c := range containers {
		out = append(out, Container{
			ID:    c.ID,
			Name:  cleanName(c.Names),
			Image: c.Image,
			State: c.State,
		})
	}
	return out, nil
}

// Stats fetches one stats snapshot for a container.
func (a *Adapter) Stats(ctx context.Context, id string) (*container.StatsResponse, error) {
	resp, err := a.client.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var stats container.StatsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Inspect returns the lifecycle and limit fields of interest.
func (a *Adapter) Inspect(ctx context.Context, id string) (*Detail, error) {
	info, err := a.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, err
	}

	d := &Detail{}
	if info.State != nil {
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			d.StartedAt = t
		}
		d.ExitCode = info.State.ExitCode
		if info.State.Health != nil {
			d.Health = info.State.Health.Status
		}
	}
	d.RestartCount = info.RestartCount
	if hc := info.HostConfig; hc != nil {
		switch {
		case hc.NanoCPUs > 0:
			d.CPULimit = float64(hc.NanoCPUs) / 1e9
		case hc.CPUQuota > 0 && hc.CPUPeriod > 0:
			d.CPULimit = float64(hc.CPUQuota) / float64(hc.CPUPeriod)
		}
		if hc.Memory > 0 {
			d.MemLimit = uint64(hc.Memory)
		}
	}
	return d, nil
}

// Restart restarts a container with the runtime's default stop timeout.
func (a *Adapter) Restart(ctx context.Context, id string) error {
	return a.client.ContainerRestart(ctx, id, container.StopOptions{})
}

// Stop stops a container.
func (a *Adapter) Stop(ctx context.Context, id string) error {
	return a.client.ContainerStop(ctx, id, container.StopOptions{})
}

// Start starts a stopped container.
func (a *Adapter) Start(ctx context.Context, id string) error {
	return a.client.ContainerStart(ctx, id, container.StartOptions{})
}

// UpdateResources adjusts a container's CPU and memory limits. Zero values
// leave the corresponding limit untouched.
func (a *Adapter) UpdateResources(ctx context.Context, id string, cpus float64, memory int64) error {
	var res container.Resources
	if cpus > 0 {
		res.NanoCPUs = int64(cpus * 1e9)
	}
	if memory > 0 {
		res.Memory = memory
	}
	_, err := a.client.ContainerUpdate(ctx, id, container.UpdateConfig{Resources: res})
	return err
}

// Events subscribes to the runtime's container event stream.
func (a *Adapter) Events(ctx context.Context) (<-chan events.Message, <-chan error) {
	return a.client.Events(ctx, events.ListOptions{
		Filters: filters.NewArgs(filters.Arg("type", "container")),
	})
}

// cleanName strips the runtime's leading "/" from the first name.
func cleanName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	name := names[0]
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	return name
}
