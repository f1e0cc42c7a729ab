// Package remedy provides the built-in remediation hooks: restart crashed
// containers, grow resource limits on sustained pressure, and react to log
// patterns. All of them act through the runtime adapter.
package remedy

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/hook"
	"github.com/wardenhq/warden/internal/runtime"
)

// Runtime is the slice of the adapter the hooks need.
type Runtime interface {
	Restart(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (*runtime.Detail, error)
	UpdateResources(ctx context.Context, id string, cpus float64, memory int64) error
}

// RestartHook restarts containers that died with a nonzero exit code, at
// most MaxRestarts times per container per window.
type RestartHook struct {
	hook.Base
	rt          Runtime
	maxRestarts int
	window      time.Duration

	mu       sync.Mutex
	attempts map[string][]time.Time
	now      func() time.Time
}

// NewRestartHook creates the restart hook. maxRestarts <= 0 defaults to 3,
// window <= 0 to 10 minutes.
func NewRestartHook(rt Runtime, maxRestarts int, window time.Duration) *RestartHook {
	if maxRestarts <= 0 {
		maxRestarts = 3
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &RestartHook{
		Base: hook.Base{
			HookID:       "remedy.restart",
			HookName:     "Container restart",
			HookDesc:     "Restarts containers that exited with a nonzero code",
			HookEnabled:  true,
			HookPriority: hook.PriorityCritical,
			HookTriggers: []event.Kind{event.KindLifecycle},
			HookTimeout:  30 * time.Second,
		},
		rt:          rt,
		maxRestarts: maxRestarts,
		window:      window,
		attempts:    make(map[string][]time.Time),
		now:         time.Now,
	}
}

func (h *RestartHook) ShouldExecute(_ context.Context, hctx *hook.Context) (bool, error) {
	p, ok := hctx.TriggerEvent.Payload.(event.LifecyclePayload)
	if !ok {
		return false, nil
	}
	if p.Action != event.ActionDie || p.ExitCode == nil || *p.ExitCode == 0 {
		return false, nil
	}
	return h.allow(p.ContainerID), nil
}

// allow checks and records one restart attempt within the rolling window.
func (h *RestartHook) allow(containerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	cutoff := now.Add(-h.window)
	ts := h.attempts[containerID]
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	ts = ts[i:]
	if len(ts) >= h.maxRestarts {
		h.attempts[containerID] = ts
		return false
	}
	h.attempts[containerID] = append(ts, now)
	return true
}

func (h *RestartHook) Execute(ctx context.Context, hctx *hook.Context) (*hook.Result, error) {
	p := hctx.TriggerEvent.Payload.(event.LifecyclePayload)
	start := time.Now()
	if err := h.rt.Restart(ctx, p.ContainerID); err != nil {
		return &hook.Result{
			HookID:        h.HookID,
			Success:       false,
			Message:       fmt.Sprintf("restart of %s failed", p.ContainerName),
			ExecutionTime: time.Since(start),
			Err:           &hook.Error{Kind: hook.ErrKindExecution, Message: err.Error()},
		}, nil
	}
	return &hook.Result{
		HookID:        h.HookID,
		Success:       true,
		Message:       fmt.Sprintf("restarted %s", p.ContainerName),
		ActionsTaken:  []string{"restart " + p.ContainerID},
		ExecutionTime: time.Since(start),
	}, nil
}

// ScaleHook grows a container's resource limits when a sustained threshold
// breach on its memory or CPU metric comes in.
type ScaleHook struct {
	hook.Base
	rt     Runtime
	factor float64 // growth multiplier per breach
	maxMem int64   // ceiling in bytes, 0 = none
	maxCPU float64 // ceiling in cores, 0 = none
}

// NewScaleHook creates the scaling hook with a 1.25 growth factor.
func NewScaleHook(rt Runtime, maxCPU float64, maxMem int64) *ScaleHook {
	return &ScaleHook{
		Base: hook.Base{
			HookID:       "remedy.scale",
			HookName:     "Resource scaling",
			HookDesc:     "Raises CPU and memory limits on sustained pressure",
			HookEnabled:  true,
			HookPriority: hook.PriorityHigh,
			HookTriggers: []event.Kind{event.KindMetricThreshold},
			HookTimeout:  30 * time.Second,
		},
		rt:     rt,
		factor: 1.25,
		maxMem: maxMem,
		maxCPU: maxCPU,
	}
}

func (h *ScaleHook) ShouldExecute(_ context.Context, hctx *hook.Context) (bool, error) {
	p, ok := hctx.TriggerEvent.Payload.(event.MetricThresholdPayload)
	if !ok {
		return false, nil
	}
	switch p.MetricName {
	case "container_memory_percent", "container_cpu_percent":
	default:
		return false, nil
	}
	// Only sustained breaches; instantaneous spikes resolve themselves.
	if p.Threshold.Duration == 0 {
		return false, nil
	}
	return p.Tags["container_id"] != "", nil
}

func (h *ScaleHook) Execute(ctx context.Context, hctx *hook.Context) (*hook.Result, error) {
	p := hctx.TriggerEvent.Payload.(event.MetricThresholdPayload)
	id := p.Tags["container_id"]
	start := time.Now()

	detail, err := h.rt.Inspect(ctx, id)
	if err != nil {
		return &hook.Result{
			HookID:        h.HookID,
			Success:       false,
			Message:       "inspect failed",
			ExecutionTime: time.Since(start),
			Err:           &hook.Error{Kind: hook.ErrKindExecution, Message: err.Error()},
		}, nil
	}
	if detail.CPULimit == 0 && detail.MemLimit == 0 {
		return &hook.Result{
			HookID:        h.HookID,
			Success:       true,
			Message:       "container has no limits to raise",
			ExecutionTime: time.Since(start),
		}, nil
	}

	cpus := detail.CPULimit * h.factor
	if h.maxCPU > 0 && cpus > h.maxCPU {
		cpus = h.maxCPU
	}
	mem := int64(float64(detail.MemLimit) * h.factor)
	if h.maxMem > 0 && mem > h.maxMem {
		mem = h.maxMem
	}
	if err := h.rt.UpdateResources(ctx, id, cpus, mem); err != nil {
		return &hook.Result{
			HookID:        h.HookID,
			Success:       false,
			Message:       "resource update failed",
			ExecutionTime: time.Since(start),
			Err:           &hook.Error{Kind: hook.ErrKindExecution, Message: err.Error()},
		}, nil
	}
	return &hook.Result{
		HookID:       h.HookID,
		Success:      true,
		Message:      fmt.Sprintf("raised limits on %s", id),
		ActionsTaken: []string{fmt.Sprintf("update %s cpus=%.2f memory=%d", id, cpus, mem)},
		Metrics: map[string]float64{
			"new_cpu_limit":    cpus,
			"new_memory_limit": float64(mem),
		},
		ExecutionTime: time.Since(start),
	}, nil
}

// LogPatternHook restarts a container when a system event's details match a
// configured pattern, e.g. an OOM or panic line surfaced by log collection.
type LogPatternHook struct {
	hook.Base
	rt Runtime
	re *regexp.Regexp
}

// NewLogPatternHook creates the hook. The pattern must compile.
func NewLogPatternHook(rt Runtime, pattern string) (*LogPatternHook, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("log pattern: %w", err)
	}
	return &LogPatternHook{
		Base: hook.Base{
			HookID:       "remedy.logpattern",
			HookName:     "Log pattern response",
			HookDesc:     "Restarts a container when its log output matches a pattern",
			HookEnabled:  true,
			HookPriority: hook.PriorityNormal,
			HookTriggers: []event.Kind{event.KindSystem},
			HookTimeout:  30 * time.Second,
		},
		rt: rt,
		re: re,
	}, nil
}

func (h *LogPatternHook) ShouldExecute(_ context.Context, hctx *hook.Context) (bool, error) {
	p, ok := hctx.TriggerEvent.Payload.(event.SystemPayload)
	if !ok {
		return false, nil
	}
	if hctx.TriggerEvent.Labels["container_id"] == "" {
		return false, nil
	}
	return h.re.MatchString(p.Details), nil
}

func (h *LogPatternHook) Execute(ctx context.Context, hctx *hook.Context) (*hook.Result, error) {
	id := hctx.TriggerEvent.Labels["container_id"]
	start := time.Now()
	if err := h.rt.Restart(ctx, id); err != nil {
		return &hook.Result{
			HookID:        h.HookID,
			Success:       false,
			Message:       fmt.Sprintf("restart of %s failed", id),
			ExecutionTime: time.Since(start),
			Err:           &hook.Error{Kind: hook.ErrKindExecution, Message: err.Error()},
		}, nil
	}
	return &hook.Result{
		HookID:        h.HookID,
		Success:       true,
		Message:       fmt.Sprintf("restarted %s after log match", id),
		ActionsTaken:  []string{"restart " + id},
		ExecutionTime: time.Since(start),
	}, nil
}
