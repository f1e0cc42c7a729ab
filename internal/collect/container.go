package collect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/wardenhq/warden/internal/runtime"
	"github.com/wardenhq/warden/internal/store"
)

// baseLabels are attached to every sample a collector emits.
func baseLabels(rt string, t Target) map[string]string {
	return map[string]string{
		"container": t.Name,
		"image":     t.Image,
		"runtime":   rt,
	}
}

// CalcCPUPercentDelta computes CPU percent from counter deltas, the same
// formula `docker stats` uses. Returns 0 for zero or negative deltas
// (counter reset after a container restart or system reboot).
func CalcCPUPercentDelta(prevContainer, curContainer, prevSystem, curSystem uint64, onlineCPUs uint32) float64 {
	if curContainer < prevContainer || curSystem < prevSystem {
		return 0
	}
	containerDelta := float64(curContainer - prevContainer)
	systemDelta := float64(curSystem - prevSystem)
	if systemDelta <= 0 || containerDelta <= 0 {
		return 0
	}
	cpus := float64(onlineCPUs)
	if cpus == 0 {
		cpus = 1
	}
	return (containerDelta / systemDelta) * cpus * 100
}

// CPUCollector derives cpu percent from consecutive stats readings.
type CPUCollector struct {
	adapter *runtime.Adapter
	health  health

	mu      sync.Mutex
	prevCPU map[string]cpuPrev
}

type cpuPrev struct {
	containerCPU uint64
	systemCPU    uint64
}

func NewCPUCollector(adapter *runtime.Adapter) *CPUCollector {
	return &CPUCollector{adapter: adapter, prevCPU: make(map[string]cpuPrev)}
}

func (c *CPUCollector) Name() string                     { return "cpu" }
func (c *CPUCollector) Initialize(context.Context) error { return nil }
func (c *CPUCollector) MetricTypes() []string            { return []string{"container_cpu_percent"} }
func (c *CPUCollector) Status() Status                   { return c.health.status() }

func (c *CPUCollector) Cleanup() {
	c.mu.Lock()
	c.prevCPU = map[string]cpuPrev{}
	c.mu.Unlock()
}

func (c *CPUCollector) Collect(ctx context.Context, t Target) ([]store.Sample, error) {
	return collectGuarded(ctx, &c.health, t, c.collect)
}

func (c *CPUCollector) collect(ctx context.Context, t Target) ([]store.Sample, error) {
	if t.State != "running" {
		return nil, nil
	}
	stats, err := c.adapter.Stats(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("stats %s: %w", t.Name, err)
	}

	cpuTotal := stats.CPUStats.CPUUsage.TotalUsage
	systemCPU := stats.CPUStats.SystemUsage

	c.mu.Lock()
	prev, hasPrev := c.prevCPU[t.ID]
	c.prevCPU[t.ID] = cpuPrev{containerCPU: cpuTotal, systemCPU: systemCPU}
	c.mu.Unlock()

	if !hasPrev {
		prev = cpuPrev{
			containerCPU: stats.PreCPUStats.CPUUsage.TotalUsage,
			systemCPU:    stats.PreCPUStats.SystemUsage,
		}
	}
	pct := CalcCPUPercentDelta(prev.containerCPU, cpuTotal, prev.systemCPU, systemCPU, stats.CPUStats.OnlineCPUs)

	return []store.Sample{{
		Name:      "container_cpu_percent",
		Value:     pct,
		Timestamp: time.Now(),
		Labels:    baseLabels(c.adapter.Name(), t),
		Unit:      "percent",
	}}, nil
}

// MemoryCollector reports usage, limit and percent. Usage subtracts inactive
// file cache, handling both cgroup v1 and v2 key names.
type MemoryCollector struct {
	adapter *runtime.Adapter
	health  health
}

func NewMemoryCollector(adapter *runtime.Adapter) *MemoryCollector {
	return &MemoryCollector{adapter: adapter}
}

func (c *MemoryCollector) Name() string                     { return "memory" }
func (c *MemoryCollector) Initialize(context.Context) error { return nil }
func (c *MemoryCollector) Cleanup()                         {}
func (c *MemoryCollector) Status() Status                   { return c.health.status() }

func (c *MemoryCollector) MetricTypes() []string {
	return []string{"container_memory_usage_bytes", "container_memory_limit_bytes", "container_memory_percent"}
}

func (c *MemoryCollector) Collect(ctx context.Context, t Target) ([]store.Sample, error) {
	return collectGuarded(ctx, &c.health, t, c.collect)
}

func (c *MemoryCollector) collect(ctx context.Context, t Target) ([]store.Sample, error) {
	if t.State != "running" {
		return nil, nil
	}
	stats, err := c.adapter.Stats(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("stats %s: %w", t.Name, err)
	}
	usage, limit, pct := MemUsage(stats)
	now := time.Now()
	labels := baseLabels(c.adapter.Name(), t)
	return []store.Sample{
		{Name: "container_memory_usage_bytes", Value: float64(usage), Timestamp: now, Labels: labels, Unit: "bytes"},
		{Name: "container_memory_limit_bytes", Value: float64(limit), Timestamp: now, Labels: labels, Unit: "bytes"},
		{Name: "container_memory_percent", Value: pct, Timestamp: now, Labels: labels, Unit: "percent"},
	}, nil
}

// MemUsage returns memory usage, limit, and percent from a stats snapshot.
func MemUsage(stats *container.StatsResponse) (usage, limit uint64, pct float64) {
	limit = stats.MemoryStats.Limit
	usage = stats.MemoryStats.Usage

	// Subtract inactive file cache (cgroup v2 "inactive_file", v1 "total_inactive_file").
	if v, ok := stats.MemoryStats.Stats["inactive_file"]; ok && v > 0 {
		if usage > v {
			usage -= v
		}
	} else if v, ok := stats.MemoryStats.Stats["total_inactive_file"]; ok && v > 0 {
		if usage > v {
			usage -= v
		}
	}

	if limit > 0 {
		pct = float64(usage) / float64(limit) * 100
	}
	return
}

// NetworkCollector reports per-interface rx/tx byte counters plus an
// aggregate over all interfaces.
type NetworkCollector struct {
	adapter *runtime.Adapter
	health  health
}

func NewNetworkCollector(adapter *runtime.Adapter) *NetworkCollector {
	return &NetworkCollector{adapter: adapter}
}

func (c *NetworkCollector) Name() string                     { return "network" }
func (c *NetworkCollector) Initialize(context.Context) error { return nil }
func (c *NetworkCollector) Cleanup()                         {}
func (c *NetworkCollector) Status() Status                   { return c.health.status() }

func (c *NetworkCollector) MetricTypes() []string {
	return []string{"container_network_rx_bytes", "container_network_tx_bytes"}
}

func (c *NetworkCollector) Collect(ctx context.Context, t Target) ([]store.Sample, error) {
	return collectGuarded(ctx, &c.health, t, c.collect)
}

func (c *NetworkCollector) collect(ctx context.Context, t Target) ([]store.Sample, error) {
	if t.State != "running" {
		return nil, nil
	}
	stats, err := c.adapter.Stats(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("stats %s: %w", t.Name, err)
	}
	now := time.Now()
	var samples []store.Sample
	var totalRx, totalTx uint64
	for iface, n := range stats.Networks {
		labels := baseLabels(c.adapter.Name(), t)
		labels["interface"] = iface
		samples = append(samples,
			store.Sample{Name: "container_network_rx_bytes", Value: float64(n.RxBytes), Timestamp: now, Labels: labels, Unit: "bytes"},
			store.Sample{Name: "container_network_tx_bytes", Value: float64(n.TxBytes), Timestamp: now, Labels: labels, Unit: "bytes"},
		)
		totalRx += n.RxBytes
		totalTx += n.TxBytes
	}
	all := baseLabels(c.adapter.Name(), t)
	all["interface"] = "all"
	samples = append(samples,
		store.Sample{Name: "container_network_rx_bytes", Value: float64(totalRx), Timestamp: now, Labels: all, Unit: "bytes"},
		store.Sample{Name: "container_network_tx_bytes", Value: float64(totalTx), Timestamp: now, Labels: all, Unit: "bytes"},
	)
	return samples, nil
}

// DiskIOCollector reports block read/write byte counters.
type DiskIOCollector struct {
	adapter *runtime.Adapter
	health  health
}

func NewDiskIOCollector(adapter *runtime.Adapter) *DiskIOCollector {
	return &DiskIOCollector{adapter: adapter}
}

func (c *DiskIOCollector) Name() string                     { return "disk" }
func (c *DiskIOCollector) Initialize(context.Context) error { return nil }
func (c *DiskIOCollector) Cleanup()                         {}
func (c *DiskIOCollector) Status() Status                   { return c.health.status() }

func (c *DiskIOCollector) MetricTypes() []string {
	return []string{"container_disk_read_bytes", "container_disk_write_bytes"}
}

func (c *DiskIOCollector) Collect(ctx context.Context, t Target) ([]store.Sample, error) {
	return collectGuarded(ctx, &c.health, t, c.collect)
}

func (c *DiskIOCollector) collect(ctx context.Context, t Target) ([]store.Sample, error) {
	if t.State != "running" {
		return nil, nil
	}
	stats, err := c.adapter.Stats(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("stats %s: %w", t.Name, err)
	}
	read, write := BlockIO(stats)
	now := time.Now()
	labels := baseLabels(c.adapter.Name(), t)
	return []store.Sample{
		{Name: "container_disk_read_bytes", Value: float64(read), Timestamp: now, Labels: labels, Unit: "bytes"},
		{Name: "container_disk_write_bytes", Value: float64(write), Timestamp: now, Labels: labels, Unit: "bytes"},
	}, nil
}

// BlockIO sums read/write bytes from block I/O stats.
func BlockIO(stats *container.StatsResponse) (read, write uint64) {
	for _, entry := range stats.BlkioStats.IoServiceBytesRecursive {
		switch entry.Op {
		case "read", "Read":
			read += entry.Value
		case "write", "Write":
			write += entry.Value
		}
	}
	return
}

// stateValue maps container states to the numeric status metric.
var stateValue = map[string]float64{
	"running":    1,
	"restarting": 2,
	"paused":     3,
	"created":    4,
	"exited":     0,
	"dead":       -1,
}

// LifecycleCollector reports uptime, restart count, numeric status and, for
// terminal states, the exit code.
type LifecycleCollector struct {
	adapter *runtime.Adapter
	health  health
	now     func() time.Time
}

func NewLifecycleCollector(adapter *runtime.Adapter) *LifecycleCollector {
	return &LifecycleCollector{adapter: adapter, now: time.Now}
}

func (c *LifecycleCollector) Name() string                     { return "lifecycle" }
func (c *LifecycleCollector) Initialize(context.Context) error { return nil }
func (c *LifecycleCollector) Cleanup()                         {}
func (c *LifecycleCollector) Status() Status                   { return c.health.status() }

func (c *LifecycleCollector) MetricTypes() []string {
	return []string{"container_uptime_seconds", "container_restarts_total", "container_status", "container_exit_code"}
}

func (c *LifecycleCollector) Collect(ctx context.Context, t Target) ([]store.Sample, error) {
	return collectGuarded(ctx, &c.health, t, c.collect)
}

func (c *LifecycleCollector) collect(ctx context.Context, t Target) ([]store.Sample, error) {
	detail, err := c.adapter.Inspect(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", t.Name, err)
	}
	now := c.now()
	labels := baseLabels(c.adapter.Name(), t)

	var uptime float64
	if t.State == "running" && !detail.StartedAt.IsZero() {
		uptime = now.Sub(detail.StartedAt).Seconds()
	}
	samples := []store.Sample{
		{Name: "container_uptime_seconds", Value: uptime, Timestamp: now, Labels: labels, Unit: "seconds"},
		{Name: "container_restarts_total", Value: float64(detail.RestartCount), Timestamp: now, Labels: labels},
		{Name: "container_status", Value: stateValue[t.State], Timestamp: now, Labels: labels},
	}
	if t.State == "exited" || t.State == "dead" {
		samples = append(samples, store.Sample{
			Name: "container_exit_code", Value: float64(detail.ExitCode), Timestamp: now, Labels: labels,
		})
	}
	return samples, nil
}
