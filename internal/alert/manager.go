package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/store"
)

// Notifier receives lifecycle notifications for routing. The manager never
// blocks on it; implementations queue internally.
type Notifier interface {
	NotifyFiring(ctx context.Context, a *Alert)
	NotifyResolved(ctx context.Context, a *Alert)
}

type ruleStatus int

const (
	ruleInactive ruleStatus = iota
	rulePending
	ruleFiring
)

// ruleState carries a rule's private evaluation timers.
type ruleState struct {
	rule          Rule
	status        ruleStatus
	firstDetected time.Time
	lastFired     time.Time
	lastMet       time.Time
	firingCount   int
}

// Options configure a Manager.
type Options struct {
	EvaluationInterval time.Duration // default 30s
	Window             time.Duration // sample lookback, default 10m
	MaxAlerts          int           // resolved-history cap, default 1000
}

// Manager owns alert rules and active alerts. One evaluation loop mutates
// status transitions; user actions (acknowledge, silence, resolve) mutate
// under the same lock.
type Manager struct {
	mu       sync.Mutex
	rules    map[string]*ruleState
	active   map[string]*Alert // rule id -> active alert
	resolved []*Alert          // bounded, oldest evicted
	deferred []func()          // side effects run after the lock is released

	silenceMu sync.Mutex
	silences  map[string]time.Time // alert id -> silenced until (zero = indefinite)

	st       store.Store
	notifier Notifier
	opts     Options
	now      func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewManager creates a Manager over the given store and notifier.
func NewManager(st store.Store, notifier Notifier, opts Options) *Manager {
	if opts.EvaluationInterval <= 0 {
		opts.EvaluationInterval = 30 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 10 * time.Minute
	}
	if opts.MaxAlerts <= 0 {
		opts.MaxAlerts = 1000
	}
	return &Manager{
		rules:    make(map[string]*ruleState),
		active:   make(map[string]*Alert),
		silences: make(map[string]time.Time),
		st:       st,
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
	}
}

// AddRule registers a rule. Fails on invalid rules or duplicate ids.
func (m *Manager) AddRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rules[r.ID]; exists {
		return fmt.Errorf("rule %s already registered", r.ID)
	}
	m.rules[r.ID] = &ruleState{rule: r}
	return nil
}

// RemoveRule unregisters a rule, resolving its active alert if any. Returns
// whether the rule existed.
func (m *Manager) RemoveRule(ctx context.Context, id string) bool {
	m.mu.Lock()
	m.deferred = m.deferred[:0]
	rs, ok := m.rules[id]
	if ok {
		if a := m.active[id]; a != nil {
			m.resolveLocked(ctx, a, m.now())
		}
		delete(m.rules, id)
		_ = rs
	}
	m.runDeferred()
	return ok
}

// Rules returns a copy of the registered rules.
func (m *Manager) Rules() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, 0, len(m.rules))
	for _, rs := range m.rules {
		out = append(out, rs.rule)
	}
	return out
}

// Start launches the periodic evaluation loop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.opts.EvaluationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := m.Evaluate(ctx); err != nil {
					slog.Error("alert evaluation failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the evaluation loop. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Evaluate runs one evaluation cycle over the store's recent samples.
func (m *Manager) Evaluate(ctx context.Context) error {
	now := m.now()
	samples, err := m.st.Query(ctx, store.Query{Start: now.Add(-m.opts.Window), End: now})
	if err != nil {
		return fmt.Errorf("query recent samples: %w", err)
	}
	m.EvaluateSamples(ctx, samples)
	return nil
}

// EvaluateSamples runs one evaluation cycle over an injected sample list.
func (m *Manager) EvaluateSamples(ctx context.Context, samples []store.Sample) {
	m.mu.Lock()
	m.deferred = m.deferred[:0]
	now := m.now()

	for _, rs := range m.rules {
		if !rs.rule.Enabled {
			continue
		}
		met, snap := rs.rule.met(samples, now)
		m.transition(ctx, rs, met, snap, now)
	}
	m.runDeferred()
}

// transition advances one rule's state machine. Caller holds m.mu.
func (m *Manager) transition(ctx context.Context, rs *ruleState, met bool, snap *store.Sample, now time.Time) {
	switch rs.status {
	case ruleInactive:
		if !met {
			return
		}
		rs.firstDetected = now
		if rs.rule.ForDuration == 0 {
			m.fire(ctx, rs, snap, now)
		} else {
			rs.status = rulePending
		}
	case rulePending:
		if !met {
			rs.status = ruleInactive
			return
		}
		if now.Sub(rs.firstDetected) >= rs.rule.ForDuration {
			m.fire(ctx, rs, snap, now)
		}
	case ruleFiring:
		if met {
			rs.lastMet = now
			if a := m.active[rs.rule.ID]; a != nil {
				a.UpdatedAt = now
			}
			return
		}
		if !rs.rule.AutoResolve {
			return
		}
		if rs.rule.ResolveTimeout > 0 && now.Sub(rs.lastMet) < rs.rule.ResolveTimeout {
			return
		}
		rs.status = ruleInactive
		if a := m.active[rs.rule.ID]; a != nil {
			m.resolveLocked(ctx, a, now)
		}
	}
}

// fire transitions a rule to firing, creating or refreshing its alert.
// Re-firing inside the throttle window leaves state untouched.
func (m *Manager) fire(ctx context.Context, rs *ruleState, snap *store.Sample, now time.Time) {
	if rs.rule.ThrottleDuration > 0 && !rs.lastFired.IsZero() &&
		now.Sub(rs.lastFired) < rs.rule.ThrottleDuration {
		return
	}
	rs.status = ruleFiring
	rs.lastFired = now
	rs.lastMet = now
	rs.firingCount++

	if a := m.active[rs.rule.ID]; a != nil {
		a.UpdatedAt = now
		return
	}

	r := rs.rule
	msg := fmt.Sprintf("[%s] %s", r.Severity, r.Name)
	if snap != nil {
		msg = fmt.Sprintf("%s: %s = %g", msg, snap.Name, snap.Value)
	}
	fired := now
	a := &Alert{
		ID:          uuid.NewString(),
		RuleID:      r.ID,
		RuleName:    r.Name,
		Severity:    r.Severity,
		Status:      StatusFiring,
		Message:     msg,
		CreatedAt:   now,
		UpdatedAt:   now,
		FiredAt:     &fired,
		Labels:      r.Labels,
		Annotations: r.Annotations,
		Metric:      snap,
	}
	m.active[r.ID] = a
	slog.Warn("alert firing", "rule", r.ID, "alert", a.ID)

	if m.notifier != nil && !m.IsSilenced(a.ID) {
		m.deferred = append(m.deferred, func() { m.notifier.NotifyFiring(ctx, a) })
	}
}

// resolveLocked resolves an active alert exactly once. Caller holds m.mu.
func (m *Manager) resolveLocked(ctx context.Context, a *Alert, now time.Time) {
	if a.Status == StatusResolved {
		return
	}
	a.Status = StatusResolved
	resolved := now
	a.ResolvedAt = &resolved
	a.UpdatedAt = now
	delete(m.active, a.RuleID)

	m.resolved = append(m.resolved, a)
	if len(m.resolved) > m.opts.MaxAlerts {
		m.resolved = m.resolved[len(m.resolved)-m.opts.MaxAlerts:]
	}
	slog.Info("alert resolved", "rule", a.RuleID, "alert", a.ID)

	if m.notifier != nil && !m.IsSilenced(a.ID) {
		m.deferred = append(m.deferred, func() { m.notifier.NotifyResolved(ctx, a) })
	}
}

// runDeferred copies the deferred side effects, releases m.mu, then executes
// them. Caller must hold m.mu.
func (m *Manager) runDeferred() {
	pending := make([]func(), len(m.deferred))
	copy(pending, m.deferred)
	m.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// Acknowledge marks an active alert acknowledged. It stays active.
func (m *Manager) Acknowledge(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.active {
		if a.ID != id {
			continue
		}
		if a.Status != StatusPending && a.Status != StatusFiring {
			return false
		}
		now := m.now()
		a.Status = StatusAcknowledged
		a.AcknowledgedAt = &now
		a.UpdatedAt = now
		return true
	}
	return false
}

// Resolve resolves an active alert by user action.
func (m *Manager) Resolve(ctx context.Context, id string) bool {
	m.mu.Lock()
	m.deferred = m.deferred[:0]
	var found *Alert
	for _, a := range m.active {
		if a.ID == id {
			found = a
			break
		}
	}
	if found != nil {
		if rs := m.rules[found.RuleID]; rs != nil {
			rs.status = ruleInactive
		}
		m.resolveLocked(ctx, found, m.now())
	}
	m.runDeferred()
	return found != nil
}

// Silence suppresses routing for an alert id. A zero duration silences
// indefinitely; otherwise a timer un-silences it.
func (m *Manager) Silence(id string, d time.Duration) {
	m.silenceMu.Lock()
	defer m.silenceMu.Unlock()
	if d <= 0 {
		m.silences[id] = time.Time{}
		return
	}
	until := m.now().Add(d)
	m.silences[id] = until
	time.AfterFunc(d, func() {
		m.silenceMu.Lock()
		defer m.silenceMu.Unlock()
		if u, ok := m.silences[id]; ok && u.Equal(until) {
			delete(m.silences, id)
		}
	})
}

// Unsilence removes a silence. Returns whether one existed.
func (m *Manager) Unsilence(id string) bool {
	m.silenceMu.Lock()
	defer m.silenceMu.Unlock()
	_, ok := m.silences[id]
	delete(m.silences, id)
	return ok
}

// IsSilenced reports whether routing for the alert id is suppressed.
func (m *Manager) IsSilenced(id string) bool {
	m.silenceMu.Lock()
	defer m.silenceMu.Unlock()
	until, ok := m.silences[id]
	if !ok {
		return false
	}
	if !until.IsZero() && m.now().After(until) {
		delete(m.silences, id)
		return false
	}
	return true
}

// Active returns the currently active alerts.
func (m *Manager) Active() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	return out
}

// ResolvedHistory returns the bounded resolved-alert history, oldest first.
func (m *Manager) ResolvedHistory() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Alert, len(m.resolved))
	copy(out, m.resolved)
	return out
}
