package collect

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// unhealthyProbation is how long an unhealthy collector sits out before it
// is attempted again and given the chance to flip back healthy.
const unhealthyProbation = time.Minute

// entry pairs a collector with its registry-side settings.
type entry struct {
	collector   Collector
	enabled     bool
	timeout     time.Duration
	lastAttempt time.Time
}

// Registry owns the set of collectors and fans collection out concurrently
// per target. Failing collectors only affect themselves.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Register adds a collector. timeout bounds each Collect call; 0 means no
// per-call deadline beyond the caller's.
func (r *Registry) Register(c Collector, enabled bool, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[c.Name()] = &entry{collector: c, enabled: enabled, timeout: timeout}
}

// SetEnabled toggles a collector. Returns false for unknown names.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	e.enabled = enabled
	return true
}

// Names returns the registered collector names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns the health status of one collector.
func (r *Registry) Status(name string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Status{}, false
	}
	return e.collector.Status(), true
}

// InitializeAll initializes every collector. Failures are logged; the
// collector stays registered and unhealthy counters start accumulating on
// its first Collect.
func (r *Registry) InitializeAll(ctx context.Context) {
	for _, e := range r.snapshot(false) {
		if err := e.collector.Initialize(ctx); err != nil {
			slog.Error("collector initialize failed", "collector", e.collector.Name(), "error", err)
		}
	}
}

// CleanupAll cleans up every collector.
func (r *Registry) CleanupAll() {
	for _, e := range r.snapshot(false) {
		e.collector.Cleanup()
	}
}

// CollectAll runs every runnable collector against the target concurrently
// and concatenates their samples. Disabled collectors are skipped; unhealthy
// ones sit out a probation period between attempts.
func (r *Registry) CollectAll(ctx context.Context, t Target) []Sample {
	runnable := r.snapshot(true)

	type result struct {
		name    string
		samples []Sample
		err     error
	}
	results := make(chan result, len(runnable))
	var wg sync.WaitGroup
	for _, e := range runnable {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			cctx := ctx
			if e.timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, e.timeout)
				defer cancel()
			}
			samples, err := e.collector.Collect(cctx, t)
			results <- result{name: e.collector.Name(), samples: samples, err: err}
		}(e)
	}
	wg.Wait()
	close(results)

	var out []Sample
	for res := range results {
		if res.err != nil {
			slog.Warn("collector failed", "collector", res.name, "target", t.Name, "error", res.err)
			continue
		}
		out = append(out, res.samples...)
	}
	return out
}

// snapshot returns the entries to operate on. With runnableOnly, disabled
// collectors and unhealthy collectors still in probation are excluded, and
// attempt times are stamped.
func (r *Registry) snapshot(runnableOnly bool) []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var out []*entry
	for _, e := range r.entries {
		if runnableOnly {
			if !e.enabled {
				continue
			}
			if !e.collector.Status().Healthy && now.Sub(e.lastAttempt) < unhealthyProbation {
				continue
			}
			e.lastAttempt = now
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].collector.Name() < out[j].collector.Name()
	})
	return out
}
