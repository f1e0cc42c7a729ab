package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/wardenhq/warden/internal/alert"
)

// Route selects channels for an alert. All set matchers must match
// (severity membership, label equality, rule-name glob).
type Route struct {
	Severities []string          // empty = any severity
	Labels     map[string]string // empty = any labels
	RuleGlob   string            // empty = any rule name
	Channels   []string
	Template   string // optional template name override
}

// matches reports whether the route selects the alert.
func (r *Route) matches(a *alert.Alert) bool {
	if len(r.Severities) > 0 {
		found := false
		for _, s := range r.Severities {
			if strings.EqualFold(s, a.Severity) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, v := range r.Labels {
		if a.Labels[k] != v {
			return false
		}
	}
	if r.RuleGlob != "" {
		ok, err := path.Match(r.RuleGlob, a.RuleName)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// ChannelStats are a channel's delivery counters.
type ChannelStats struct {
	Sent   uint64
	Failed uint64
}

// channelEntry pairs a channel with its retry policy and counters.
type channelEntry struct {
	channel       Channel
	retryAttempts int
	retryDelay    time.Duration
	sent          atomic.Uint64
	failed        atomic.Uint64
}

// job is one queued delivery.
type job struct {
	alert    *alert.Alert
	resolved bool
	tmpl     string
}

const defaultTemplate = "{{.RuleName}}: {{.Message}}"

// Router fans alerts out to routed channels. Deliveries are queued and sent
// asynchronously so slow channels never block the evaluation loop. It
// satisfies the alert manager's Notifier.
type Router struct {
	mu            sync.Mutex
	channels      []*channelEntry // registration order
	routes        []Route
	templates     map[string]*template.Template
	ruleTemplates map[string]string // rule id -> template name override

	queue    chan job
	wg       sync.WaitGroup // tracks run goroutine
	pending  sync.WaitGroup // tracks queued-but-unprocessed items
	stopOnce sync.Once
}

// NewRouter creates a Router and starts its delivery goroutine. Call Stop
// to drain and shut it down.
func NewRouter() *Router {
	r := &Router{
		templates: map[string]*template.Template{
			"default": template.Must(template.New("default").Parse(defaultTemplate)),
		},
		ruleTemplates: make(map[string]string),
		queue:         make(chan job, 64),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// AddChannel registers a channel with its retry policy. retryAttempts < 1 is
// treated as a single attempt.
func (r *Router) AddChannel(ch Channel, retryAttempts int, retryDelay time.Duration) {
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, &channelEntry{
		channel:       ch,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
	})
}

// AddRoute appends a routing rule. Routes are evaluated in insertion order
// and their channel selections are unioned.
func (r *Router) AddRoute(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
}

// SetRuleTemplate binds a rule id to a named template, overriding any
// route-selected template for that rule's alerts. An empty name clears the
// override.
func (r *Router) SetRuleTemplate(ruleID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		delete(r.ruleTemplates, ruleID)
		return
	}
	r.ruleTemplates[ruleID] = name
}

// AddTemplate registers a named message template.
func (r *Router) AddTemplate(name, text string) error {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return fmt.Errorf("template %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[name] = tmpl
	return nil
}

// Stats returns a channel's delivery counters.
func (r *Router) Stats(name string) (ChannelStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.channels {
		if e.channel.Name() == name {
			return ChannelStats{Sent: e.sent.Load(), Failed: e.failed.Load()}, true
		}
	}
	return ChannelStats{}, false
}

// NotifyFiring queues delivery of a newly firing alert.
func (r *Router) NotifyFiring(_ context.Context, a *alert.Alert) {
	r.enqueue(job{alert: a})
}

// NotifyResolved queues delivery of a resolution.
func (r *Router) NotifyResolved(_ context.Context, a *alert.Alert) {
	r.enqueue(job{alert: a, resolved: true})
}

func (r *Router) enqueue(j job) {
	r.pending.Add(1)
	select {
	case r.queue <- j:
	default:
		r.pending.Done()
		slog.Warn("notification queue full, dropping", "rule", j.alert.RuleID)
	}
}

// Flush waits for all queued deliveries to be processed.
func (r *Router) Flush() {
	r.pending.Wait()
}

// Stop closes the queue and waits for remaining deliveries to drain. Safe to
// call multiple times.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.queue) })
	r.wg.Wait()
}

func (r *Router) run() {
	defer r.wg.Done()
	for j := range r.queue {
		r.deliver(context.Background(), j)
		r.pending.Done()
	}
}

// deliver routes one alert: select channels, render the message, and send on
// each channel with its own retry policy. Channel failures are independent.
func (r *Router) deliver(ctx context.Context, j job) {
	entries, tmplName := r.selectChannels(j.alert)
	if len(entries) == 0 {
		return
	}
	msg, err := r.render(j, tmplName)
	if err != nil {
		slog.Error("notification render failed", "rule", j.alert.RuleID, "error", err)
		return
	}
	for _, e := range entries {
		r.sendWithRetry(ctx, e, msg)
	}
}

// selectChannels applies the routing rules: the deduplicated union of all
// matching routes' channels, or every channel when no route matches. The
// first matching route with a template override picks the template.
func (r *Router) selectChannels(a *alert.Alert) ([]*channelEntry, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byName := make(map[string]*channelEntry, len(r.channels))
	for _, e := range r.channels {
		byName[e.channel.Name()] = e
	}

	var (
		out      []*channelEntry
		seen     = make(map[string]bool)
		matched  bool
		tmplName string
	)
	for _, route := range r.routes {
		if !route.matches(a) {
			continue
		}
		matched = true
		if tmplName == "" && route.Template != "" {
			tmplName = route.Template
		}
		for _, name := range route.Channels {
			e, ok := byName[name]
			if !ok {
				slog.Warn("route references unknown channel", "channel", name)
				continue
			}
			if !seen[name] {
				seen[name] = true
				out = append(out, e)
			}
		}
	}
	if !matched {
		out = append(out[:0], r.channels...)
	}
	return out, tmplName
}

// render builds the message. Template fallback order: per-rule override,
// route-selected template, default_<severity>, default.
func (r *Router) render(j job, tmplName string) (Message, error) {
	r.mu.Lock()
	var tmpl *template.Template
	if name := r.ruleTemplates[j.alert.RuleID]; name != "" {
		tmpl = r.templates[name]
	}
	if tmpl == nil {
		tmpl = r.templates[tmplName]
	}
	if tmpl == nil {
		tmpl = r.templates["default_"+strings.ToLower(j.alert.Severity)]
	}
	if tmpl == nil {
		tmpl = r.templates["default"]
	}
	r.mu.Unlock()

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, j.alert); err != nil {
		return Message{}, err
	}

	prefix := "ALERT"
	if j.resolved {
		prefix = "RESOLVED"
	}
	return Message{
		Alert:    j.alert,
		Subject:  fmt.Sprintf("[%s] %s", prefix, j.alert.RuleName),
		Body:     buf.String(),
		Resolved: j.resolved,
	}, nil
}

// sendWithRetry attempts delivery on one channel up to its retry budget,
// sleeping retryDelay between attempts, and records the outcome on the
// alert's notification history.
func (r *Router) sendWithRetry(ctx context.Context, e *channelEntry, msg Message) {
	name := e.channel.Name()
	var err error
	for attempt := 0; attempt < e.retryAttempts; attempt++ {
		if msg.Resolved {
			err = e.channel.SendResolution(ctx, msg)
		} else {
			err = e.channel.SendAlert(ctx, msg)
		}
		if err == nil {
			e.sent.Add(1)
			msg.Alert.RecordNotification(name, true, "")
			return
		}
		if attempt < e.retryAttempts-1 {
			slog.Warn("notification failed, retrying",
				"channel", name, "error", err, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				e.failed.Add(1)
				msg.Alert.RecordNotification(name, false, ctx.Err().Error())
				return
			case <-time.After(e.retryDelay):
			}
		}
	}
	e.failed.Add(1)
	msg.Alert.RecordNotification(name, false, err.Error())
	slog.Error("notification failed", "channel", name, "attempts", e.retryAttempts, "error", err)
}
