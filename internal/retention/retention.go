// Package retention bounds the age of stored samples. Rules pair a metric
// name pattern with a retention duration; the highest-priority matching rule
// wins, and names no rule matches fall back to the default retention.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/store"
)

// Rule declares how long a class of samples is kept. Pattern is a glob over
// the metric name. LabelFilters, when set, restrict the rule to series whose
// labels are a superset. MinPoints preserves the newest N points per series
// even past the cutoff.
type Rule struct {
	Pattern      string
	LabelFilters map[string]string
	Retention    time.Duration
	Priority     int
	MinPoints    int
}

func (r *Rule) matches(name string) bool {
	ok, err := filepath.Match(r.Pattern, name)
	return err == nil && ok
}

// Result reports one sweep.
type Result struct {
	Deleted  int
	ByMetric map[string]int
	ByRule   map[string]int
	Errors   []error
}

// Manager applies retention rules against a store on demand or on a cadence.
type Manager struct {
	mu               sync.Mutex
	rules            []Rule // priority descending
	defaultRetention time.Duration
	st               store.Store
	now              func() time.Time

	stopAuto chan struct{}
	autoDone chan struct{}
}

// NewManager creates a Manager with the given default retention for metrics
// no rule matches.
func NewManager(st store.Store, defaultRetention time.Duration) *Manager {
	return &Manager{
		st:               st,
		defaultRetention: defaultRetention,
		now:              time.Now,
	}
}

// AddRule inserts a rule, keeping the list in priority-descending order.
func (m *Manager) AddRule(r Rule) error {
	if _, err := filepath.Match(r.Pattern, ""); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", r.Pattern, err)
	}
	if r.Retention <= 0 {
		return fmt.Errorf("rule %q: retention must be positive", r.Pattern)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, r)
	sort.SliceStable(m.rules, func(i, j int) bool {
		return m.rules[i].Priority > m.rules[j].Priority
	})
	return nil
}

// RemoveRule deletes all rules with the given pattern. Returns whether any
// rule was removed.
func (m *Manager) RemoveRule(pattern string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rules[:0]
	removed := false
	for _, r := range m.rules {
		if r.Pattern == pattern {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	m.rules = kept
	return removed
}

// RetentionFor returns the retention that applies to a series: the first
// rule, in priority order, whose pattern matches the name and whose label
// filters are a subset of the series labels.
func (m *Manager) RetentionFor(name string, labels map[string]string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if !r.matches(name) {
			continue
		}
		if !subset(r.LabelFilters, labels) {
			continue
		}
		return r.Retention
	}
	return m.defaultRetention
}

// Apply runs one sweep. With dryRun, nothing is deleted and counts estimate
// what a real sweep would remove. Per-metric errors are collected in the
// result; the sweep continues past them.
func (m *Manager) Apply(ctx context.Context, dryRun bool) Result {
	res := Result{ByMetric: make(map[string]int), ByRule: make(map[string]int)}

	names, err := m.st.MetricNames(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("metric names: %w", err))
		return res
	}

	m.mu.Lock()
	rules := make([]Rule, len(m.rules))
	copy(rules, m.rules)
	def := m.defaultRetention
	m.mu.Unlock()

	now := m.now()
	claimed := make(map[string]bool)

	for _, r := range rules {
		cutoff := now.Add(-r.Retention)
		for _, name := range names {
			if claimed[name] || !r.matches(name) {
				continue
			}
			n, err := m.sweep(ctx, store.DeleteFilter{
				Name:        name,
				Before:      cutoff,
				Labels:      r.LabelFilters,
				KeepAtLeast: r.MinPoints,
			}, dryRun)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("%s: %w", name, err))
				continue
			}
			// A rule with label filters handles only part of the name's
			// series; the remainder stays eligible for later rules.
			if len(r.LabelFilters) == 0 {
				claimed[name] = true
			}
			if n > 0 {
				res.Deleted += n
				res.ByMetric[name] += n
				res.ByRule[r.Pattern] += n
			}
		}
	}

	if def > 0 {
		cutoff := now.Add(-def)
		for _, name := range names {
			if claimed[name] {
				continue
			}
			n, err := m.sweep(ctx, store.DeleteFilter{Name: name, Before: cutoff}, dryRun)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("%s: %w", name, err))
				continue
			}
			if n > 0 {
				res.Deleted += n
				res.ByMetric[name] += n
				res.ByRule["default"] += n
			}
		}
	}
	return res
}

func (m *Manager) sweep(ctx context.Context, f store.DeleteFilter, dryRun bool) (int, error) {
	if !dryRun {
		return m.st.Delete(ctx, f)
	}
	samples, err := m.st.Query(ctx, store.Query{
		Name:   f.Name,
		End:    f.Before.Add(-time.Millisecond),
		Labels: f.Labels,
	})
	if err != nil {
		return 0, err
	}
	n := len(samples)
	if f.KeepAtLeast > 0 && n > 0 {
		// Approximation: dry-run does not account for keep counts per series.
		n = max(0, n-f.KeepAtLeast)
	}
	return n, nil
}

// StartAuto launches the periodic sweep. Errors are logged and do not stop
// the loop.
func (m *Manager) StartAuto(period time.Duration) {
	if period <= 0 {
		period = time.Hour
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopAuto != nil {
		return
	}
	m.stopAuto = make(chan struct{})
	m.autoDone = make(chan struct{})
	go m.autoLoop(period, m.stopAuto, m.autoDone)
}

// StopAuto stops the periodic sweep and waits for an in-progress sweep to
// finish. Idempotent.
func (m *Manager) StopAuto() {
	m.mu.Lock()
	stop, done := m.stopAuto, m.autoDone
	m.stopAuto, m.autoDone = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Manager) autoLoop(period time.Duration, stop chan struct{}, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			res := m.Apply(context.Background(), false)
			for _, err := range res.Errors {
				slog.Error("retention sweep error", "error", err)
			}
			if res.Deleted > 0 {
				slog.Info("retention sweep", "deleted", res.Deleted, "metrics", len(res.ByMetric))
			}
		}
	}
}

func subset(want, got map[string]string) bool {
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}
