package collect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/wardenhq/warden/internal/store"
)

func TestCalcCPUPercentDelta(t *testing.T) {
	tests := []struct {
		name                     string
		prevC, curC, prevS, curS uint64
		cpus                     uint32
		want                     float64
	}{
		{"half of one cpu", 100, 150, 1000, 1100, 1, 50},
		{"scaled by cpu count", 100, 150, 1000, 1100, 4, 200},
		{"zero online cpus treated as one", 100, 150, 1000, 1100, 0, 50},
		{"container counter reset", 500, 100, 1000, 1100, 1, 0},
		{"system counter reset", 100, 150, 2000, 1100, 1, 0},
		{"no system delta", 100, 150, 1000, 1000, 1, 0},
		{"no container delta", 100, 100, 1000, 1100, 1, 0},
	}
	for _, tt := range tests {
		got := CalcCPUPercentDelta(tt.prevC, tt.curC, tt.prevS, tt.curS, tt.cpus)
		if got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMemUsage(t *testing.T) {
	stats := &container.StatsResponse{}
	stats.MemoryStats.Usage = 1000
	stats.MemoryStats.Limit = 2000
	stats.MemoryStats.Stats = map[string]uint64{"inactive_file": 200}

	usage, limit, pct := MemUsage(stats)
	if usage != 800 || limit != 2000 || pct != 40 {
		t.Fatalf("got usage=%d limit=%d pct=%v", usage, limit, pct)
	}
}

func TestMemUsageCgroupV1Key(t *testing.T) {
	stats := &container.StatsResponse{}
	stats.MemoryStats.Usage = 1000
	stats.MemoryStats.Limit = 2000
	stats.MemoryStats.Stats = map[string]uint64{"total_inactive_file": 500}

	usage, _, _ := MemUsage(stats)
	if usage != 500 {
		t.Fatalf("usage = %d, want 500", usage)
	}
}

func TestMemUsageNoLimit(t *testing.T) {
	stats := &container.StatsResponse{}
	stats.MemoryStats.Usage = 1000

	_, _, pct := MemUsage(stats)
	if pct != 0 {
		t.Fatalf("pct = %v, want 0 without a limit", pct)
	}
}

func TestBlockIO(t *testing.T) {
	stats := &container.StatsResponse{}
	stats.BlkioStats.IoServiceBytesRecursive = []container.BlkioStatEntry{
		{Op: "Read", Value: 100},
		{Op: "read", Value: 50},
		{Op: "Write", Value: 200},
		{Op: "Total", Value: 999},
	}
	read, write := BlockIO(stats)
	if read != 150 || write != 200 {
		t.Fatalf("read=%d write=%d, want 150/200", read, write)
	}
}

func TestHealthFlipsAfterConsecutiveErrors(t *testing.T) {
	var h health
	now := time.Now()

	for i := 0; i < consecutiveErrorLimit-1; i++ {
		h.recordError(errors.New("stats failed"), now)
	}
	if st := h.status(); !st.Healthy {
		t.Fatalf("unhealthy after %d errors, limit is %d", consecutiveErrorLimit-1, consecutiveErrorLimit)
	}

	h.recordError(errors.New("stats failed"), now)
	st := h.status()
	if st.Healthy {
		t.Fatal("healthy after hitting the consecutive error limit")
	}
	if st.ErrorCount != consecutiveErrorLimit || st.LastError != "stats failed" {
		t.Fatalf("status = %+v", st)
	}

	// One success flips it back and resets the streak.
	h.recordSuccess(now)
	st = h.status()
	if !st.Healthy || st.SuccessCount != 1 {
		t.Fatalf("status after success = %+v", st)
	}
}

func TestHealthInterruptedStreakStaysHealthy(t *testing.T) {
	var h health
	now := time.Now()
	for i := 0; i < 20; i++ {
		h.recordError(errors.New("x"), now)
		h.recordSuccess(now)
	}
	if st := h.status(); !st.Healthy {
		t.Fatal("interrupted error streak flipped unhealthy")
	}
}

// fakeCollector is a scriptable Collector for registry tests.
type fakeCollector struct {
	name     string
	health   health
	initErr  error
	err      error
	calls    atomic.Uint64
	cleanups atomic.Uint64
}

func (f *fakeCollector) Name() string                     { return f.name }
func (f *fakeCollector) Initialize(context.Context) error { return f.initErr }
func (f *fakeCollector) Cleanup()                         { f.cleanups.Add(1) }
func (f *fakeCollector) MetricTypes() []string            { return []string{f.name + "_metric"} }
func (f *fakeCollector) Status() Status                   { return f.health.status() }

func (f *fakeCollector) Collect(ctx context.Context, t Target) ([]store.Sample, error) {
	f.calls.Add(1)
	return collectGuarded(ctx, &f.health, t, func(context.Context, Target) ([]store.Sample, error) {
		if f.err != nil {
			return nil, f.err
		}
		return []store.Sample{{Name: f.name + "_metric", Value: 1, Timestamp: time.Now()}}, nil
	})
}

func TestRegistryCollectAll(t *testing.T) {
	r := NewRegistry()
	a := &fakeCollector{name: "alpha"}
	b := &fakeCollector{name: "beta", err: errors.New("broken")}
	r.Register(a, true, 0)
	r.Register(b, true, 0)

	samples := r.CollectAll(context.Background(), Target{ID: "c1", Name: "web"})
	if len(samples) != 1 || samples[0].Name != "alpha_metric" {
		t.Fatalf("samples = %+v, want alpha only", samples)
	}
}

func TestRegistryDisabledSkipped(t *testing.T) {
	r := NewRegistry()
	a := &fakeCollector{name: "alpha"}
	r.Register(a, false, 0)

	r.CollectAll(context.Background(), Target{ID: "c1"})
	if a.calls.Load() != 0 {
		t.Fatal("disabled collector ran")
	}

	if !r.SetEnabled("alpha", true) {
		t.Fatal("SetEnabled returned false")
	}
	r.CollectAll(context.Background(), Target{ID: "c1"})
	if a.calls.Load() != 1 {
		t.Fatal("re-enabled collector did not run")
	}

	if r.SetEnabled("ghost", true) {
		t.Fatal("SetEnabled for unknown collector returned true")
	}
}

func TestRegistryUnhealthyProbation(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.now = func() time.Time { return now }

	c := &fakeCollector{name: "flaky", err: errors.New("down")}
	r.Register(c, true, 0)

	// Drive it unhealthy.
	for i := 0; i < consecutiveErrorLimit; i++ {
		r.CollectAll(context.Background(), Target{ID: "c1"})
		now = now.Add(time.Second)
	}
	if st, _ := r.Status("flaky"); st.Healthy {
		t.Fatal("collector still healthy after consecutive failures")
	}
	calls := c.calls.Load()

	// Within probation it sits out.
	now = now.Add(10 * time.Second)
	r.CollectAll(context.Background(), Target{ID: "c1"})
	if c.calls.Load() != calls {
		t.Fatal("unhealthy collector ran during probation")
	}

	// After probation it gets another attempt and recovers.
	c.err = nil
	now = now.Add(unhealthyProbation)
	r.CollectAll(context.Background(), Target{ID: "c1"})
	if c.calls.Load() != calls+1 {
		t.Fatal("collector not retried after probation")
	}
	if st, _ := r.Status("flaky"); !st.Healthy {
		t.Fatal("collector not healthy after successful retry")
	}
}

func TestRegistryNamesAndStatus(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeCollector{name: "beta"}, true, 0)
	r.Register(&fakeCollector{name: "alpha"}, true, 0)

	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("names = %v", names)
	}
	if _, ok := r.Status("ghost"); ok {
		t.Fatal("status for unknown collector reported ok")
	}
}

func TestRegistryCleanupAll(t *testing.T) {
	r := NewRegistry()
	a := &fakeCollector{name: "alpha"}
	b := &fakeCollector{name: "beta"}
	r.Register(a, true, 0)
	r.Register(b, false, 0) // disabled collectors are still cleaned up
	r.CleanupAll()
	if a.cleanups.Load() != 1 || b.cleanups.Load() != 1 {
		t.Fatalf("cleanups = %d/%d, want 1/1", a.cleanups.Load(), b.cleanups.Load())
	}
}
