// Package alert evaluates threshold rules against recent samples and owns
// the resulting Alert lifecycle: pending while the for-duration runs down,
// firing, then resolved (automatically or by hand), with throttling and
// silencing on top.
package alert

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/store"
)

// Status is an alert's lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusFiring       Status = "firing"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusSilenced     Status = "silenced"
	StatusSuppressed   Status = "suppressed"
)

// NotificationRecord is one delivery attempt in an alert's history.
type NotificationRecord struct {
	Channel   string
	Success   bool
	Timestamp time.Time
	Detail    string
}

// Alert is a rule violation with its lifecycle timestamps. Alerts reference
// their rule by id, never by pointer.
type Alert struct {
	ID             string
	RuleID         string
	RuleName       string
	Severity       string
	Status         Status
	Message        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FiredAt        *time.Time
	AcknowledgedAt *time.Time
	ResolvedAt     *time.Time
	Labels         map[string]string
	Annotations    map[string]string
	Metric         *store.Sample // snapshot of the triggering sample
	Notes          []string

	histMu  sync.Mutex
	history []NotificationRecord
}

// RecordNotification appends one delivery attempt. Attempt order is
// preserved per alert.
func (a *Alert) RecordNotification(channel string, success bool, detail string) {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	a.history = append(a.history, NotificationRecord{
		Channel:   channel,
		Success:   success,
		Timestamp: time.Now(),
		Detail:    detail,
	})
}

// NotificationHistory returns a copy of the delivery attempts.
func (a *Alert) NotificationHistory() []NotificationRecord {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	out := make([]NotificationRecord, len(a.history))
	copy(out, a.history)
	return out
}

// Active reports whether the alert still demands attention. Acknowledged
// alerts remain active.
func (a *Alert) Active() bool {
	switch a.Status {
	case StatusPending, StatusFiring, StatusAcknowledged, StatusSilenced:
		return true
	}
	return false
}

// Condition is one predicate of a rule: a comparison between a metric's
// recent value and a threshold (numeric) or pattern (string metrics).
type Condition struct {
	MetricName   string
	Comparator   string // ">", "<", ">=", "<=", "==", "!=", "=~"
	Threshold    float64
	Pattern      string // for string-valued metrics with "==", "!=", "=~"
	LabelFilters map[string]string
	Window       time.Duration // 0 = the evaluation window
	MinSamples   int

	re *regexp.Regexp
}

// Validate checks the comparator and compiles the regex pattern, if any.
func (c *Condition) Validate() error {
	if c.MetricName == "" {
		return fmt.Errorf("condition: metric name required")
	}
	switch c.Comparator {
	case ">", "<", ">=", "<=", "==", "!=":
	case "=~":
		if c.Pattern == "" {
			return fmt.Errorf("condition %s: =~ requires a pattern", c.MetricName)
		}
	default:
		return fmt.Errorf("condition %s: unknown comparator %q", c.MetricName, c.Comparator)
	}
	if c.Pattern != "" && c.Comparator == "=~" {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return fmt.Errorf("condition %s: invalid pattern: %w", c.MetricName, err)
		}
		c.re = re
	}
	return nil
}

// met evaluates the condition against the samples of its metric within the
// window, newest last. Fewer than MinSamples matching samples means not met.
func (c *Condition) met(samples []store.Sample, now time.Time) (bool, *store.Sample) {
	var matched []store.Sample
	for _, s := range samples {
		if s.Name != c.MetricName {
			continue
		}
		if c.Window > 0 && s.Timestamp.Before(now.Add(-c.Window)) {
			continue
		}
		ok := true
		for k, v := range c.LabelFilters {
			if s.Labels[k] != v {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, s)
		}
	}
	min := c.MinSamples
	if min < 1 {
		min = 1
	}
	if len(matched) < min {
		return false, nil
	}
	latest := matched[len(matched)-1]

	if latest.IsString {
		switch c.Comparator {
		case "==":
			return latest.StrValue == c.Pattern, &latest
		case "!=":
			return latest.StrValue != c.Pattern, &latest
		case "=~":
			return c.re != nil && c.re.MatchString(latest.StrValue), &latest
		}
		return false, nil
	}

	v := latest.Value
	switch c.Comparator {
	case ">":
		return v > c.Threshold, &latest
	case "<":
		return v < c.Threshold, &latest
	case ">=":
		return v >= c.Threshold, &latest
	case "<=":
		return v <= c.Threshold, &latest
	case "==":
		return v == c.Threshold, &latest
	case "!=":
		return v != c.Threshold, &latest
	}
	return false, nil
}

// Rule combines conditions with firing semantics.
type Rule struct {
	ID               string
	Name             string
	Conditions       []Condition
	Logic            string // "and" (default) or "or"
	Severity         string
	Labels           map[string]string
	Annotations      map[string]string
	ForDuration      time.Duration
	ThrottleDuration time.Duration
	AutoResolve      bool
	ResolveTimeout   time.Duration
	Enabled          bool
}

// Validate checks the rule's shape and all conditions.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule %q: id required", r.Name)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %s: at least one condition required", r.ID)
	}
	switch r.Logic {
	case "", "and", "or":
	default:
		return fmt.Errorf("rule %s: logic must be \"and\" or \"or\", got %q", r.ID, r.Logic)
	}
	for i := range r.Conditions {
		if err := r.Conditions[i].Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return nil
}

// met combines the conditions by the rule's logic and returns the snapshot
// of the last condition that matched.
func (r *Rule) met(samples []store.Sample, now time.Time) (bool, *store.Sample) {
	or := r.Logic == "or"
	var snap *store.Sample
	for i := range r.Conditions {
		ok, s := r.Conditions[i].met(samples, now)
		if ok && s != nil {
			snap = s
		}
		if or && ok {
			return true, snap
		}
		if !or && !ok {
			return false, nil
		}
	}
	return !or, snap
}
