package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/alert"
)

type fakeChannel struct {
	name string

	mu          sync.Mutex
	alerts      []Message
	resolutions []Message
	failures    int // fail this many sends before succeeding
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) SendAlert(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("send failed")
	}
	f.alerts = append(f.alerts, msg)
	return nil
}

func (f *fakeChannel) SendResolution(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("send failed")
	}
	f.resolutions = append(f.resolutions, msg)
	return nil
}

func (f *fakeChannel) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts), len(f.resolutions)
}

func (f *fakeChannel) lastAlert() Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alerts[len(f.alerts)-1]
}

func testAlert(severity string, labels map[string]string) *alert.Alert {
	return &alert.Alert{
		ID:       "a1",
		RuleID:   "high-cpu",
		RuleName: "High CPU",
		Severity: severity,
		Status:   alert.StatusFiring,
		Message:  "container_cpu_percent = 95",
		Labels:   labels,
	}
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r := NewRouter()
	t.Cleanup(r.Stop)
	return r
}

func TestFallbackToAllChannelsWhenNoRouteMatches(t *testing.T) {
	r := newTestRouter(t)
	a := &fakeChannel{name: "slack"}
	b := &fakeChannel{name: "email"}
	r.AddChannel(a, 1, 0)
	r.AddChannel(b, 1, 0)

	r.NotifyFiring(context.Background(), testAlert("warning", nil))
	r.Flush()

	if got, _ := a.counts(); got != 1 {
		t.Fatalf("slack alerts = %d, want 1", got)
	}
	if got, _ := b.counts(); got != 1 {
		t.Fatalf("email alerts = %d, want 1", got)
	}
}

func TestRouteSeverityMatch(t *testing.T) {
	r := newTestRouter(t)
	a := &fakeChannel{name: "slack"}
	b := &fakeChannel{name: "email"}
	r.AddChannel(a, 1, 0)
	r.AddChannel(b, 1, 0)
	r.AddRoute(Route{Severities: []string{"Critical"}, Channels: []string{"email"}})

	// Severity matching is case insensitive.
	r.NotifyFiring(context.Background(), testAlert("critical", nil))
	r.Flush()

	if got, _ := a.counts(); got != 0 {
		t.Fatalf("slack alerts = %d, want 0", got)
	}
	if got, _ := b.counts(); got != 1 {
		t.Fatalf("email alerts = %d, want 1", got)
	}
}

func TestRouteSeverityMismatchFallsThrough(t *testing.T) {
	r := newTestRouter(t)
	a := &fakeChannel{name: "slack"}
	r.AddChannel(a, 1, 0)
	r.AddRoute(Route{Severities: []string{"critical"}, Channels: []string{"slack"}})

	// No route matches a warning alert: every channel receives it.
	r.NotifyFiring(context.Background(), testAlert("warning", nil))
	r.Flush()
	if got, _ := a.counts(); got != 1 {
		t.Fatalf("slack alerts = %d, want 1 via fallback", got)
	}
}

func TestRouteLabelAndGlobMatch(t *testing.T) {
	r := newTestRouter(t)
	a := &fakeChannel{name: "slack"}
	b := &fakeChannel{name: "email"}
	r.AddChannel(a, 1, 0)
	r.AddChannel(b, 1, 0)
	r.AddRoute(Route{Labels: map[string]string{"env": "prod"}, Channels: []string{"slack"}})
	r.AddRoute(Route{RuleGlob: "High *", Channels: []string{"email"}})

	r.NotifyFiring(context.Background(), testAlert("warning", map[string]string{"env": "dev"}))
	r.Flush()

	// The label route misses, the glob route hits.
	if got, _ := a.counts(); got != 0 {
		t.Fatalf("slack alerts = %d, want 0", got)
	}
	if got, _ := b.counts(); got != 1 {
		t.Fatalf("email alerts = %d, want 1", got)
	}
}

func TestMatchingRoutesUnionAndDedup(t *testing.T) {
	r := newTestRouter(t)
	a := &fakeChannel{name: "slack"}
	b := &fakeChannel{name: "email"}
	r.AddChannel(a, 1, 0)
	r.AddChannel(b, 1, 0)
	r.AddRoute(Route{Severities: []string{"warning"}, Channels: []string{"slack", "email"}})
	r.AddRoute(Route{RuleGlob: "High *", Channels: []string{"slack"}})

	r.NotifyFiring(context.Background(), testAlert("warning", nil))
	r.Flush()

	// slack appears in both matching routes but receives one delivery.
	if got, _ := a.counts(); got != 1 {
		t.Fatalf("slack alerts = %d, want 1", got)
	}
	if got, _ := b.counts(); got != 1 {
		t.Fatalf("email alerts = %d, want 1", got)
	}
}

func TestRouteUnknownChannelIgnored(t *testing.T) {
	r := newTestRouter(t)
	a := &fakeChannel{name: "slack"}
	r.AddChannel(a, 1, 0)
	r.AddRoute(Route{Severities: []string{"warning"}, Channels: []string{"ghost", "slack"}})

	r.NotifyFiring(context.Background(), testAlert("warning", nil))
	r.Flush()
	if got, _ := a.counts(); got != 1 {
		t.Fatalf("slack alerts = %d, want 1", got)
	}
}

func TestResolutionDelivery(t *testing.T) {
	r := newTestRouter(t)
	a := &fakeChannel{name: "slack"}
	r.AddChannel(a, 1, 0)

	r.NotifyResolved(context.Background(), testAlert("warning", nil))
	r.Flush()

	alerts, resolutions := a.counts()
	if alerts != 0 || resolutions != 1 {
		t.Fatalf("counts = %d alerts %d resolutions, want 0/1", alerts, resolutions)
	}
	a.mu.Lock()
	msg := a.resolutions[0]
	a.mu.Unlock()
	if !msg.Resolved || !strings.HasPrefix(msg.Subject, "[RESOLVED]") {
		t.Fatalf("resolution message = %+v", msg)
	}
}

func TestDefaultTemplateRendering(t *testing.T) {
	r := newTestRouter(t)
	a := &fakeChannel{name: "slack"}
	r.AddChannel(a, 1, 0)

	r.NotifyFiring(context.Background(), testAlert("warning", nil))
	r.Flush()

	msg := a.lastAlert()
	if msg.Subject != "[ALERT] High CPU" {
		t.Fatalf("subject = %q", msg.Subject)
	}
	if msg.Body != "High CPU: container_cpu_percent = 95" {
		t.Fatalf("body = %q", msg.Body)
	}
}

func TestRouteTemplateOverride(t *testing.T) {
	r := newTestRouter(t)
	a := &fakeChannel{name: "slack"}
	r.AddChannel(a, 1, 0)
	if err := r.AddTemplate("custom", "CUSTOM {{.RuleName}}"); err != nil {
		t.Fatalf("add template: %v", err)
	}
	r.AddRoute(Route{Severities: []string{"critical"}, Channels: []string{"slack"}, Template: "custom"})

	r.NotifyFiring(context.Background(), testAlert("critical", nil))
	r.Flush()
	if body := a.lastAlert().Body; body != "CUSTOM High CPU" {
		t.Fatalf("body = %q, want route template", body)
	}
}

func TestRuleTemplateOverridesRouteTemplate(t *testing.T) {
	r := newTestRouter(t)
	a := &fakeChannel{name: "slack"}
	r.AddChannel(a, 1, 0)
	if err := r.AddTemplate("routed", "ROUTED {{.RuleName}}"); err != nil {
		t.Fatalf("add template: %v", err)
	}
	if err := r.AddTemplate("terse", "TERSE {{.RuleID}}"); err != nil {
		t.Fatalf("add template: %v", err)
	}
	r.AddRoute(Route{Severities: []string{"critical"}, Channels: []string{"slack"}, Template: "routed"})
	r.SetRuleTemplate("high-cpu", "terse")

	r.NotifyFiring(context.Background(), testAlert("critical", nil))
	r.Flush()
	if body := a.lastAlert().Body; body != "TERSE high-cpu" {
		t.Fatalf("body = %q, want rule template", body)
	}

	// Clearing the override restores route selection.
	r.SetRuleTemplate("high-cpu", "")
	r.NotifyFiring(context.Background(), testAlert("critical", nil))
	r.Flush()
	if body := a.lastAlert().Body; body != "ROUTED High CPU" {
		t.Fatalf("body = %q, want route template after clear", body)
	}
}

func TestSeverityDefaultTemplate(t *testing.T) {
	r := newTestRouter(t)
	a := &fakeChannel{name: "slack"}
	r.AddChannel(a, 1, 0)
	if err := r.AddTemplate("default_critical", "CRIT {{.RuleName}}"); err != nil {
		t.Fatalf("add template: %v", err)
	}
	r.AddRoute(Route{Severities: []string{"critical"}, Channels: []string{"slack"}})

	r.NotifyFiring(context.Background(), testAlert("critical", nil))
	r.Flush()
	if body := a.lastAlert().Body; body != "CRIT High CPU" {
		t.Fatalf("body = %q, want severity template", body)
	}
}

func TestAddTemplateRejectsBadSyntax(t *testing.T) {
	r := newTestRouter(t)
	if err := r.AddTemplate("bad", "{{.Unclosed"); err == nil {
		t.Fatal("bad template accepted")
	}
}

func TestRetryThenSuccess(t *testing.T) {
	r := newTestRouter(t)
	a := &fakeChannel{name: "slack", failures: 2}
	r.AddChannel(a, 3, time.Millisecond)

	fired := testAlert("warning", nil)
	r.NotifyFiring(context.Background(), fired)
	r.Flush()

	if got, _ := a.counts(); got != 1 {
		t.Fatalf("alerts = %d, want 1 after retries", got)
	}
	stats, ok := r.Stats("slack")
	if !ok || stats.Sent != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v (%v), want 1 sent", stats, ok)
	}
	hist := fired.NotificationHistory()
	if len(hist) != 1 || !hist[0].Success || hist[0].Channel != "slack" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	r := newTestRouter(t)
	a := &fakeChannel{name: "slack", failures: 10}
	r.AddChannel(a, 2, time.Millisecond)

	fired := testAlert("warning", nil)
	r.NotifyFiring(context.Background(), fired)
	r.Flush()

	stats, _ := r.Stats("slack")
	if stats.Sent != 0 || stats.Failed != 1 {
		t.Fatalf("stats = %+v, want 1 failed", stats)
	}
	hist := fired.NotificationHistory()
	if len(hist) != 1 || hist[0].Success || hist[0].Detail == "" {
		t.Fatalf("history = %+v, want one failure with detail", hist)
	}
}

func TestChannelFailuresIndependent(t *testing.T) {
	r := newTestRouter(t)
	bad := &fakeChannel{name: "email", failures: 10}
	good := &fakeChannel{name: "slack"}
	r.AddChannel(bad, 1, 0)
	r.AddChannel(good, 1, 0)

	r.NotifyFiring(context.Background(), testAlert("warning", nil))
	r.Flush()

	if got, _ := good.counts(); got != 1 {
		t.Fatalf("slack alerts = %d, want 1 despite email failing", got)
	}
	stats, _ := r.Stats("email")
	if stats.Failed != 1 {
		t.Fatalf("email stats = %+v, want 1 failed", stats)
	}
}

func TestStatsUnknownChannel(t *testing.T) {
	r := newTestRouter(t)
	if _, ok := r.Stats("ghost"); ok {
		t.Fatal("stats for unknown channel reported ok")
	}
}

func TestStopIdempotent(t *testing.T) {
	r := NewRouter()
	a := &fakeChannel{name: "slack"}
	r.AddChannel(a, 1, 0)
	r.NotifyFiring(context.Background(), testAlert("warning", nil))
	r.Stop()
	r.Stop()
	if got, _ := a.counts(); got != 1 {
		t.Fatalf("alerts = %d, want 1 drained before stop", got)
	}
}
