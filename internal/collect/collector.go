// Package collect implements the pluggable per-metric-type collectors and
// the registry that fans them out per target under health tracking.
package collect

import (
	"context"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/runtime"
	"github.com/wardenhq/warden/internal/store"
)

// Target is the container a collection pass runs against.
type Target = runtime.Container

// Sample aliases the store's sample type; collectors emit store-ready points.
type Sample = store.Sample

// Collector produces samples for one metric concern of a target.
type Collector interface {
	Name() string
	// Initialize prepares the collector; a failed initialize leaves it
	// unhealthy until a later Collect succeeds.
	Initialize(ctx context.Context) error
	Cleanup()
	MetricTypes() []string
	Collect(ctx context.Context, t Target) ([]store.Sample, error)
	Status() Status
}

// Status reports one collector's health counters.
type Status struct {
	SuccessCount uint64
	ErrorCount   uint64
	LastError    string
	Healthy      bool
	LastTime     time.Time
}

// consecutiveErrorLimit flips a collector unhealthy after this many
// uninterrupted failures. The next success flips it back.
const consecutiveErrorLimit = 5

// health tracks the error discipline shared by all collectors.
type health struct {
	mu          sync.Mutex
	success     uint64
	errors      uint64
	consecutive int
	lastError   string
	lastTime    time.Time
	unhealthy   bool
}

func (h *health) recordSuccess(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.success++
	h.consecutive = 0
	h.unhealthy = false
	h.lastTime = now
}

func (h *health) recordError(err error, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors++
	h.consecutive++
	h.lastError = err.Error()
	h.lastTime = now
	if h.consecutive >= consecutiveErrorLimit {
		h.unhealthy = true
	}
}

func (h *health) status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		SuccessCount: h.success,
		ErrorCount:   h.errors,
		LastError:    h.lastError,
		Healthy:      !h.unhealthy,
		LastTime:     h.lastTime,
	}
}

// collectGuarded wraps a collector's inner collect with the common error
// discipline: failures update health counters, successes reset them.
func collectGuarded(ctx context.Context, h *health, t Target, fn func(context.Context, Target) ([]store.Sample, error)) ([]store.Sample, error) {
	samples, err := fn(ctx, t)
	if err != nil {
		h.recordError(err, time.Now())
		return nil, err
	}
	h.recordSuccess(time.Now())
	return samples, nil
}
