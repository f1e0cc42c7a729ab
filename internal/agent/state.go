package agent

import (
	"sync"

	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/runtime"
	"github.com/wardenhq/warden/internal/store"
)

// stateTracker maintains the snapshot the hook dispatcher hands to hooks:
// container states and the latest value of each metric.
type stateTracker struct {
	mu      sync.RWMutex
	states  map[string]string  // container name -> state
	metrics map[string]float64 // metric name -> latest value
	prefs   map[string]string
}

func newStateTracker() *stateTracker {
	return &stateTracker{
		states:  make(map[string]string),
		metrics: make(map[string]float64),
		prefs:   make(map[string]string),
	}
}

// observeContainers refreshes the container state map from a listing.
func (s *stateTracker) observeContainers(containers []runtime.Container) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]string, len(containers))
	for _, c := range containers {
		s.states[c.Name] = c.State
	}
}

// observeLifecycle applies a single lifecycle transition.
func (s *stateTracker) observeLifecycle(p event.LifecyclePayload) {
	if p.ContainerName == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch p.Action {
	case event.ActionStart, event.ActionUnpause:
		s.states[p.ContainerName] = "running"
	case event.ActionStop, event.ActionDie, event.ActionKill:
		s.states[p.ContainerName] = "exited"
	case event.ActionPause:
		s.states[p.ContainerName] = "paused"
	case event.ActionRestart:
		s.states[p.ContainerName] = "restarting"
	case event.ActionDestroy:
		delete(s.states, p.ContainerName)
	}
}

// observeSamples folds stored samples into the latest-value map.
func (s *stateTracker) observeSamples(samples []store.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, smp := range samples {
		if !smp.IsString {
			s.metrics[smp.Name] = smp.Value
		}
	}
}

func (s *stateTracker) ProjectState() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

func (s *stateTracker) SystemMetrics() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.metrics))
	for k, v := range s.metrics {
		out[k] = v
	}
	return out
}

func (s *stateTracker) UserPreferences() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.prefs))
	for k, v := range s.prefs {
		out[k] = v
	}
	return out
}
