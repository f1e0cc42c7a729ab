package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wardenhq/warden/internal/alert"
	"github.com/wardenhq/warden/internal/bus"
	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/notify"
)

// thresholdNotifier decorates the notification router: firing and resolution
// callbacks pass through to routing, and firing alerts whose trigger was a
// numeric sample are additionally published onto the bus as metric-threshold
// events, which is what drives the resource-scaling remediation hook.
type thresholdNotifier struct {
	router *notify.Router
	bus    *bus.Bus

	mu    sync.Mutex
	rules map[string]alert.Rule
}

func newThresholdNotifier(router *notify.Router, b *bus.Bus) *thresholdNotifier {
	return &thresholdNotifier{
		router: router,
		bus:    b,
		rules:  make(map[string]alert.Rule),
	}
}

// setRule records the rule so its threshold can be reconstructed when an
// alert for it fires.
func (n *thresholdNotifier) setRule(r alert.Rule) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rules[r.ID] = r
}

func (n *thresholdNotifier) dropRule(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.rules, id)
}

func (n *thresholdNotifier) NotifyFiring(ctx context.Context, a *alert.Alert) {
	n.router.NotifyFiring(ctx, a)
	n.publishThreshold(a)
}

func (n *thresholdNotifier) NotifyResolved(ctx context.Context, a *alert.Alert) {
	n.router.NotifyResolved(ctx, a)
}

// publishThreshold emits a metric-threshold event for the alert's triggering
// sample. The sample's labels become the event tags, so container-scoped
// metrics carry their container_id through to the hooks.
func (n *thresholdNotifier) publishThreshold(a *alert.Alert) {
	if a.Metric == nil || a.Metric.IsString {
		return
	}
	n.mu.Lock()
	r, ok := n.rules[a.RuleID]
	n.mu.Unlock()
	if !ok {
		return
	}
	var cond *alert.Condition
	for i := range r.Conditions {
		if r.Conditions[i].MetricName == a.Metric.Name {
			cond = &r.Conditions[i]
			break
		}
	}
	if cond == nil {
		return
	}

	tags := make(map[string]string, len(a.Metric.Labels))
	for k, v := range a.Metric.Labels {
		tags[k] = v
	}
	e := event.New("alerts", alertEventSeverity(a.Severity), event.MetricThresholdPayload{
		MetricName: a.Metric.Name,
		Value:      a.Metric.Value,
		Threshold: event.Threshold{
			Value:      cond.Threshold,
			Comparator: event.Comparator(cond.Comparator),
			Duration:   r.ForDuration,
		},
		Tags: tags,
	}).WithLabel("rule", a.RuleID)

	if err := n.bus.Publish(e); err != nil {
		slog.Warn("threshold event dropped", "rule", a.RuleID, "error", err)
	}
}

// alertEventSeverity maps a rule severity string onto the event scale.
func alertEventSeverity(s string) event.Severity {
	switch s {
	case "critical":
		return event.SeverityCritical
	case "error":
		return event.SeverityHigh
	case "warning":
		return event.SeverityMedium
	default:
		return event.SeverityInfo
	}
}
