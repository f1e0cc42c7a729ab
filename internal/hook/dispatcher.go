package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/wardenhq/warden/internal/event"
)

// Stats tracks one hook's execution counters.
type Stats struct {
	Runs      uint64
	Failures  uint64
	MinTime   time.Duration
	MaxTime   time.Duration
	TotalTime time.Duration
}

// AvgTime is TotalTime / Runs, or 0 before the first run.
func (s Stats) AvgTime() time.Duration {
	if s.Runs == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.Runs)
}

// StateProvider supplies the latest project/system/user snapshots folded
// into each dispatch context. All methods may return nil.
type StateProvider interface {
	ProjectState() map[string]string
	SystemMetrics() map[string]float64
	UserPreferences() map[string]string
}

// Dispatcher executes the hooks an event triggers. In-flight executions are
// bounded by a global semaphore; each hook runs under its own deadline.
type Dispatcher struct {
	registry *Registry
	sem      *semaphore.Weighted
	state    StateProvider

	mu        sync.Mutex
	stats     map[string]*Stats
	executing map[string]bool
}

// NewDispatcher creates a dispatcher with the given concurrency cap.
func NewDispatcher(registry *Registry, maxConcurrent int, state StateProvider) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Dispatcher{
		registry:  registry,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		state:     state,
		stats:     make(map[string]*Stats),
		executing: make(map[string]bool),
	}
}

// Dispatch resolves, orders and executes the hooks triggered by the event,
// returning one result per executed hook. A failing hook never short-circuits
// the rest; later hooks observe the failure in the context history.
func (d *Dispatcher) Dispatch(ctx context.Context, e *event.Event) []*Result {
	candidates := d.registry.ForEvent(e.Kind())
	if len(candidates) == 0 {
		return nil
	}

	ordered, err := d.registry.ExecutionOrder(candidates)
	if err != nil {
		// Cycle across the candidate set: run in plain priority order so the
		// event is not lost.
		slog.Error("hook ordering failed, falling back to priority order", "event", e.ID, "error", err)
		ordered = append([]Hook(nil), candidates...)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Priority() < ordered[j].Priority()
		})
	}

	hctx := d.newContext(e)
	var results []*Result
	for _, h := range ordered {
		if !h.Enabled() {
			continue
		}
		res := d.runOne(ctx, h, hctx)
		if res == nil {
			continue // guard said no
		}
		results = append(results, res)
		hctx = hctx.WithRecord(Record{
			HookID:   h.ID(),
			Success:  res.Success,
			Message:  res.Message,
			Duration: res.ExecutionTime,
		})
	}
	return results
}

func (d *Dispatcher) newContext(e *event.Event) *Context {
	hctx := &Context{
		TriggerEvent: e,
		ExecutionID:  uuid.NewString(),
		Timestamp:    time.Now(),
	}
	if d.state != nil {
		hctx.ProjectState = d.state.ProjectState()
		hctx.SystemMetrics = d.state.SystemMetrics()
		hctx.UserPreferences = d.state.UserPreferences()
	}
	return hctx
}

// runOne guards, schedules and executes a single hook. Returns nil when the
// guard declines or errors.
func (d *Dispatcher) runOne(ctx context.Context, h Hook, hctx *Context) *Result {
	ok, err := d.guard(ctx, h, hctx)
	if err != nil {
		slog.Warn("hook guard failed, skipping", "hook", h.ID(), "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	start := time.Now()

	// The hook's timeout covers both the permit wait and the execution.
	acquireCtx := ctx
	var cancel context.CancelFunc
	if t := h.Timeout(); t > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if err := d.sem.Acquire(acquireCtx, 1); err != nil {
		return d.record(h, timeoutResult(h, time.Since(start)))
	}
	defer d.sem.Release(1)

	d.setExecuting(h.ID(), true)
	defer d.setExecuting(h.ID(), false)

	res := d.execute(acquireCtx, h, hctx, start)
	return d.record(h, res)
}

func (d *Dispatcher) guard(ctx context.Context, h Hook, hctx *Context) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("guard panicked: %v", r)
		}
	}()
	return h.ShouldExecute(ctx, hctx)
}

// execute runs the hook's action in its own goroutine so an overrunning hook
// can be abandoned at its deadline.
func (d *Dispatcher) execute(ctx context.Context, h Hook, hctx *Context, start time.Time) *Result {
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("hook panicked: %v", r)}
			}
		}()
		res, err := h.Execute(ctx, hctx)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			slog.Warn("hook timed out", "hook", h.ID(), "timeout", h.Timeout())
			return timeoutResult(h, time.Since(start))
		}
		return &Result{
			HookID:        h.ID(),
			Success:       false,
			Message:       "dispatch cancelled",
			ExecutionTime: time.Since(start),
			Err:           &Error{Kind: ErrKindExecution, Message: ctx.Err().Error()},
		}
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			slog.Warn("hook failed", "hook", h.ID(), "error", out.err)
			return &Result{
				HookID:        h.ID(),
				Success:       false,
				Message:       out.err.Error(),
				ExecutionTime: elapsed,
				Err:           &Error{Kind: ErrKindExecution, Message: out.err.Error()},
			}
		}
		res := out.res
		if res == nil {
			res = &Result{HookID: h.ID(), Success: true}
		}
		if res.HookID == "" {
			res.HookID = h.ID()
		}
		if res.ExecutionTime == 0 {
			res.ExecutionTime = elapsed
		}
		return res
	}
}

func timeoutResult(h Hook, elapsed time.Duration) *Result {
	return &Result{
		HookID:        h.ID(),
		Success:       false,
		Message:       fmt.Sprintf("hook %s exceeded its %s timeout", h.ID(), h.Timeout()),
		ExecutionTime: elapsed,
		Suggestions: []string{
			"Increase the hook timeout",
			"Optimize the hook to finish within its deadline",
		},
		Err: &Error{Kind: ErrKindTimeout, Message: "execution deadline exceeded"},
	}
}

func (d *Dispatcher) record(h Hook, res *Result) *Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.stats[h.ID()]
	if st == nil {
		st = &Stats{}
		d.stats[h.ID()] = st
	}
	st.Runs++
	if !res.Success {
		st.Failures++
	}
	t := res.ExecutionTime
	st.TotalTime += t
	if st.MinTime == 0 || t < st.MinTime {
		st.MinTime = t
	}
	if t > st.MaxTime {
		st.MaxTime = t
	}
	return res
}

func (d *Dispatcher) setExecuting(id string, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v {
		d.executing[id] = true
	} else {
		delete(d.executing, id)
	}
}

// HookStats returns a copy of the counters for one hook.
func (d *Dispatcher) HookStats(id string) Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.stats[id]; st != nil {
		return *st
	}
	return Stats{}
}

// Executing returns the ids of hooks currently running, sorted.
func (d *Dispatcher) Executing() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make(map[string]bool, len(d.executing))
	for id := range d.executing {
		ids[id] = true
	}
	return sortedSet(ids)
}
