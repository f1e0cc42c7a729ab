// Package lifecycle derives restart-pattern and uptime metrics from raw
// container lifecycle events.
package lifecycle

import (
	"math"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/store"
)

const (
	// restartLoopCount is the minimum restarts within the analysis window
	// for loop detection.
	restartLoopCount = 4
	// restartLoopInterval is the average-interval ceiling for a loop.
	restartLoopInterval = 60 * time.Second
)

// RestartAnalysis summarizes one container's recent restart behavior.
type RestartAnalysis struct {
	ContainerID   string
	RestartCount  int
	Intervals     []time.Duration
	IsRestartLoop bool
	Severity      string // "ok", "warning", "critical"
	RatePerHour   float64
}

// RestartTracker keeps restart timestamps per container within a rolling
// analysis window.
type RestartTracker struct {
	mu       sync.Mutex
	window   time.Duration
	restarts map[string][]time.Time
	now      func() time.Time
}

// NewRestartTracker creates a tracker. window <= 0 defaults to 10 minutes.
func NewRestartTracker(window time.Duration) *RestartTracker {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &RestartTracker{
		window:   window,
		restarts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Record notes one restart of a container.
func (t *RestartTracker) Record(containerID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restarts[containerID] = t.prune(append(t.restarts[containerID], at))
}

// Forget drops all state for a container.
func (t *RestartTracker) Forget(containerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.restarts, containerID)
}

// Analyze reports the restart pattern of one container over the window.
func (t *RestartTracker) Analyze(containerID string) RestartAnalysis {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.prune(t.restarts[containerID])
	t.restarts[containerID] = ts

	a := RestartAnalysis{
		ContainerID:  containerID,
		RestartCount: len(ts),
		Severity:     "ok",
		RatePerHour:  float64(len(ts)) / t.window.Hours(),
	}
	for i := 1; i < len(ts); i++ {
		a.Intervals = append(a.Intervals, ts[i].Sub(ts[i-1]))
	}
	if len(ts) >= restartLoopCount {
		var total time.Duration
		for _, iv := range a.Intervals {
			total += iv
		}
		avg := total / time.Duration(len(a.Intervals))
		if avg < restartLoopInterval {
			a.IsRestartLoop = true
			a.Severity = "warning"
			if len(ts) >= 2*restartLoopCount {
				a.Severity = "critical"
			}
		}
	}
	return a
}

// prune drops timestamps older than the window. Caller holds t.mu.
func (t *RestartTracker) prune(ts []time.Time) []time.Time {
	cutoff := t.now().Add(-t.window)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

// session is one running span of a container. end is zero while running.
type session struct {
	start time.Time
	end   time.Time
}

// UptimeReport summarizes one container's availability.
type UptimeReport struct {
	ContainerID    string
	Running        bool
	TotalUptime    time.Duration
	SessionCount   int
	AvgSession     time.Duration
	UptimePercent  float64
	Grade          string // "excellent", "good", "fair", "poor"
	CurrentSession time.Duration
}

// UptimeTracker keeps running sessions per container within a tracking
// window.
type UptimeTracker struct {
	mu       sync.Mutex
	window   time.Duration
	sessions map[string][]session
	now      func() time.Time
}

// NewUptimeTracker creates a tracker. window <= 0 defaults to 24 hours.
func NewUptimeTracker(window time.Duration) *UptimeTracker {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &UptimeTracker{
		window:   window,
		sessions: make(map[string][]session),
		now:      time.Now,
	}
}

// RecordStart opens a session. A start while already running is ignored.
func (t *UptimeTracker) RecordStart(containerID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ss := t.sessions[containerID]
	if n := len(ss); n > 0 && ss[n-1].end.IsZero() {
		return
	}
	t.sessions[containerID] = append(ss, session{start: at})
}

// RecordStop closes the open session, if any.
func (t *UptimeTracker) RecordStop(containerID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ss := t.sessions[containerID]
	if n := len(ss); n > 0 && ss[n-1].end.IsZero() {
		ss[n-1].end = at
	}
}

// Forget drops all state for a container.
func (t *UptimeTracker) Forget(containerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, containerID)
}

// Report summarizes availability over the tracking window.
func (t *UptimeTracker) Report(containerID string) UptimeReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	windowStart := now.Add(-t.window)
	r := UptimeReport{ContainerID: containerID}

	var uptime time.Duration
	for _, s := range t.sessions[containerID] {
		start := s.start
		end := s.end
		if end.IsZero() {
			end = now
			r.Running = true
			r.CurrentSession = now.Sub(s.start)
		}
		if end.Before(windowStart) {
			continue
		}
		if start.Before(windowStart) {
			start = windowStart
		}
		uptime += end.Sub(start)
		r.SessionCount++
	}
	r.TotalUptime = uptime
	if r.SessionCount > 0 {
		r.AvgSession = uptime / time.Duration(r.SessionCount)
	}

	observed := t.window
	if all := t.sessions[containerID]; len(all) > 0 && all[0].start.After(windowStart) {
		observed = now.Sub(all[0].start)
	}
	if observed > 0 {
		r.UptimePercent = math.Min(100, 100*float64(uptime)/float64(observed))
	}
	switch {
	case r.UptimePercent >= 99:
		r.Grade = "excellent"
	case r.UptimePercent >= 95:
		r.Grade = "good"
	case r.UptimePercent >= 90:
		r.Grade = "fair"
	default:
		r.Grade = "poor"
	}
	return r
}

// Manager consumes lifecycle events and publishes derived samples.
type Manager struct {
	restarts *RestartTracker
	uptime   *UptimeTracker

	mu    sync.Mutex
	names map[string]string // container id -> last known name
	now   func() time.Time
}

// NewManager creates a Manager with the given analysis windows.
func NewManager(restartWindow, uptimeWindow time.Duration) *Manager {
	return &Manager{
		restarts: NewRestartTracker(restartWindow),
		uptime:   NewUptimeTracker(uptimeWindow),
		names:    make(map[string]string),
		now:      time.Now,
	}
}

// Restarts exposes the restart tracker.
func (m *Manager) Restarts() *RestartTracker { return m.restarts }

// Uptime exposes the uptime tracker.
func (m *Manager) Uptime() *UptimeTracker { return m.uptime }

// Handle folds one lifecycle event into the trackers and returns the derived
// samples for the affected container.
func (m *Manager) Handle(p event.LifecyclePayload) []store.Sample {
	at := p.Timestamp
	if at.IsZero() {
		at = m.now()
	}

	m.mu.Lock()
	if p.ContainerName != "" {
		m.names[p.ContainerID] = p.ContainerName
	}
	name := m.names[p.ContainerID]
	m.mu.Unlock()

	switch p.Action {
	case event.ActionStart:
		m.uptime.RecordStart(p.ContainerID, at)
	case event.ActionStop, event.ActionDie, event.ActionKill, event.ActionPause:
		m.uptime.RecordStop(p.ContainerID, at)
	case event.ActionUnpause:
		m.uptime.RecordStart(p.ContainerID, at)
	case event.ActionRestart:
		m.restarts.Record(p.ContainerID, at)
		m.uptime.RecordStop(p.ContainerID, at)
		m.uptime.RecordStart(p.ContainerID, at)
	case event.ActionDestroy:
		m.restarts.Forget(p.ContainerID)
		m.uptime.Forget(p.ContainerID)
		m.mu.Lock()
		delete(m.names, p.ContainerID)
		m.mu.Unlock()
		return nil
	}
	return m.Derive(p.ContainerID, name)
}

// Derive produces the derived samples for one container.
func (m *Manager) Derive(containerID, name string) []store.Sample {
	now := m.now()
	labels := map[string]string{"container_id": containerID}
	if name != "" {
		labels["container"] = name
	}

	ra := m.restarts.Analyze(containerID)
	ur := m.uptime.Report(containerID)

	loop := 0.0
	if ra.IsRestartLoop {
		loop = 1
	}
	mk := func(metric string, v float64) store.Sample {
		return store.Sample{Name: metric, Value: v, Timestamp: now, Labels: labels}
	}
	return []store.Sample{
		mk("container_uptime_seconds", ur.CurrentSession.Seconds()),
		mk("container_restarts_total", float64(ra.RestartCount)),
		mk("container_is_restart_loop", loop),
		mk("container_restart_rate_per_hour", ra.RatePerHour),
		mk("container_uptime_percentage", ur.UptimePercent),
	}
}
