// Package agent wires the stores, collectors, bus, hooks, alerting and
// notification components together and runs the main loop.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wardenhq/warden/internal/alert"
	"github.com/wardenhq/warden/internal/bus"
	"github.com/wardenhq/warden/internal/collect"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/hook"
	"github.com/wardenhq/warden/internal/lifecycle"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/remedy"
	"github.com/wardenhq/warden/internal/retention"
	"github.com/wardenhq/warden/internal/runtime"
	"github.com/wardenhq/warden/internal/scrape"
	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/watch"
)

// Agent orchestrates collection, storage, hook dispatch, alerting and
// notification delivery.
type Agent struct {
	cfg     *config.Config
	cfgPath string
	version string

	st         store.Store
	rt         *runtime.Adapter
	bus        *bus.Bus
	collectors *collect.Registry
	hooks      *hook.Registry
	dispatcher *hook.Dispatcher
	alerts     *alert.Manager
	router     *notify.Router
	notifier   *thresholdNotifier
	retention  *retention.Manager
	lifecycle  *lifecycle.Manager
	watcher    *watch.Watcher
	scrapeSrv  *scrape.Server
	events     *EventWatcher
	state      *stateTracker

	reload chan *config.Config
}

// New creates an Agent from the given config. cfgPath is stored for reload.
func New(ctx context.Context, cfg *config.Config, cfgPath, version string) (*Agent, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rt, err := runtime.Probe(ctx, runtime.Config{
		Preferred:    cfg.Runtime.Preferred,
		DockerSocket: cfg.Runtime.DockerSocket,
		PodmanSocket: cfg.Runtime.PodmanSocket,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("probe runtime: %w", err)
	}

	a := &Agent{
		cfg:        cfg,
		cfgPath:    cfgPath,
		version:    version,
		st:         st,
		rt:         rt,
		bus:        bus.New(1024),
		collectors: collect.NewRegistry(),
		hooks:      hook.NewRegistry(),
		lifecycle:  lifecycle.NewManager(0, 0),
		state:      newStateTracker(),
		reload:     make(chan *config.Config, 1),
	}

	a.registerCollectors()
	a.dispatcher = hook.NewDispatcher(a.hooks, cfg.Hooks.MaxConcurrent, a.state)
	if err := a.registerRemedies(); err != nil {
		st.Close()
		rt.Close()
		return nil, err
	}

	a.router = notify.NewRouter()
	if err := a.configureRouting(); err != nil {
		a.router.Stop()
		st.Close()
		rt.Close()
		return nil, err
	}

	a.notifier = newThresholdNotifier(a.router, a.bus)
	a.alerts = alert.NewManager(st, a.notifier, alert.Options{
		EvaluationInterval: cfg.Alerts.EvaluationInterval.Duration,
		Window:             cfg.Alerts.RetentionPeriod.Duration,
		MaxAlerts:          cfg.Alerts.MaxAlerts,
	})
	for name, rc := range cfg.Rules {
		r := ruleFromConfig(name, rc, cfg.Alerts.DefaultResolveTimeout.Duration)
		if err := a.alerts.AddRule(r); err != nil {
			a.router.Stop()
			st.Close()
			rt.Close()
			return nil, fmt.Errorf("rule %q: %w", name, err)
		}
		a.notifier.setRule(r)
	}

	a.retention = retention.NewManager(st, time.Duration(cfg.Storage.Retention.DefaultDays)*24*time.Hour)
	for _, rc := range cfg.Storage.Retention.Rules {
		if err := a.retention.AddRule(retention.Rule{
			Pattern:      rc.Pattern,
			LabelFilters: rc.Labels,
			Retention:    rc.Retention.Duration,
			Priority:     rc.Priority,
			MinPoints:    rc.MinPoints,
		}); err != nil {
			a.router.Stop()
			st.Close()
			rt.Close()
			return nil, fmt.Errorf("retention rule %q: %w", rc.Pattern, err)
		}
	}

	if cfg.Prometheus.Enabled {
		f := scrape.NewFormatter()
		h := scrape.NewHandler(st, f, 0)
		addr := fmt.Sprintf(":%d", cfg.Prometheus.Port)
		a.scrapeSrv = scrape.NewServer(addr, cfg.Prometheus.Path, h)
	}

	if cfg.Watch.Enabled {
		w, err := watch.New(watch.Config{
			Paths:          cfg.Watch.Paths,
			Recursive:      cfg.Watch.Recursive,
			Debounce:       cfg.Watch.Debounce.Duration,
			IgnorePatterns: cfg.Watch.IgnorePatterns,
		}, a.bus)
		if err != nil {
			a.router.Stop()
			st.Close()
			rt.Close()
			return nil, fmt.Errorf("watcher: %w", err)
		}
		a.watcher = w
	}

	a.events = NewEventWatcher(rt, a.bus)
	a.subscribe()
	return a, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Storage.Backend == "memory" {
		return store.NewMemoryStore(cfg.Storage.MaxPoints), nil
	}
	return store.OpenSQLite(cfg.Storage.Path)
}

// registerCollectors builds the container collectors and applies per-name
// config overrides.
func (a *Agent) registerCollectors() {
	defaults := a.cfg.Global
	for _, c := range []collect.Collector{
		collect.NewCPUCollector(a.rt),
		collect.NewMemoryCollector(a.rt),
		collect.NewNetworkCollector(a.rt),
		collect.NewDiskIOCollector(a.rt),
		collect.NewLifecycleCollector(a.rt),
	} {
		enabled := true
		timeout := defaults.DefaultTimeout.Duration
		if cc, ok := a.cfg.Collectors[c.Name()]; ok {
			if cc.Enabled != nil {
				enabled = *cc.Enabled
			}
			if cc.Timeout.Duration > 0 {
				timeout = cc.Timeout.Duration
			}
		}
		a.collectors.Register(c, enabled, timeout)
	}
}

// registerRemedies registers the enabled built-in remediation hooks.
func (a *Agent) registerRemedies() error {
	hc := a.cfg.Hooks
	if hc.Restart.Enabled {
		h := remedy.NewRestartHook(a.rt, hc.Restart.MaxRestarts, hc.Restart.Window.Duration)
		if err := a.hooks.Register(h); err != nil {
			return fmt.Errorf("restart hook: %w", err)
		}
	}
	if hc.Scale.Enabled {
		h := remedy.NewScaleHook(a.rt, hc.Scale.MaxCPUs, hc.Scale.MaxMemory)
		if err := a.hooks.Register(h); err != nil {
			return fmt.Errorf("scale hook: %w", err)
		}
	}
	if hc.LogPattern.Enabled {
		h, err := remedy.NewLogPatternHook(a.rt, hc.LogPattern.Pattern)
		if err != nil {
			return fmt.Errorf("log pattern hook: %w", err)
		}
		if err := a.hooks.Register(h); err != nil {
			return fmt.Errorf("log pattern hook: %w", err)
		}
	}
	return nil
}

// configureRouting builds the channels, routes and templates from config.
func (a *Agent) configureRouting() error {
	nc := a.cfg.Notifications
	attempts := func(n int) int {
		if n > 0 {
			return n
		}
		return a.cfg.Global.DefaultRetryAttempts
	}
	delay := func(d time.Duration) time.Duration {
		if d > 0 {
			return d
		}
		return a.cfg.Global.DefaultRetryDelay.Duration
	}

	if nc.Email.Enabled {
		a.router.AddChannel(notify.NewEmailChannel(notify.EmailConfig{
			SMTPHost: nc.Email.SMTPHost,
			SMTPPort: nc.Email.SMTPPort,
			From:     nc.Email.From,
			To:       nc.Email.To,
		}), attempts(nc.Email.RetryAttempts), delay(nc.Email.RetryDelay.Duration))
	}
	for _, wh := range nc.Webhooks {
		if !wh.Enabled {
			continue
		}
		a.router.AddChannel(notify.NewWebhookChannel(notify.WebhookConfig{
			URL:     wh.URL,
			Headers: wh.Headers,
		}), attempts(wh.RetryAttempts), delay(wh.RetryDelay.Duration))
	}
	if nc.Slack.Enabled {
		a.router.AddChannel(notify.NewSlackChannel(notify.SlackConfig{
			WebhookURL: nc.Slack.WebhookURL,
			ChannelTag: nc.Slack.Channel,
		}), attempts(nc.Slack.RetryAttempts), delay(nc.Slack.RetryDelay.Duration))
	}
	if nc.Log.Enabled {
		a.router.AddChannel(notify.NewLogChannel(), 1, 0)
	}

	for name, text := range nc.Templates {
		if err := a.router.AddTemplate(name, text); err != nil {
			return err
		}
	}
	for _, rc := range nc.Routing {
		a.router.AddRoute(notify.Route{
			Severities: rc.Severities,
			Labels:     rc.Labels,
			RuleGlob:   rc.RuleGlob,
			Channels:   rc.Channels,
			Template:   rc.Template,
		})
	}
	for name, rc := range a.cfg.Rules {
		if rc.Template != "" {
			a.router.SetRuleTemplate(name, rc.Template)
		}
	}
	return nil
}

// subscribe wires the bus consumers: the hook dispatcher sees every event,
// the lifecycle manager folds runtime events into derived samples.
func (a *Agent) subscribe() {
	a.bus.Subscribe(func(ctx context.Context, e *event.Event) error {
		a.dispatcher.Dispatch(ctx, e)
		return nil
	}, bus.SubscribeOptions{Priority: 10})

	a.bus.Subscribe(func(ctx context.Context, e *event.Event) error {
		p, ok := e.Payload.(event.LifecyclePayload)
		if !ok {
			return nil
		}
		a.state.observeLifecycle(p)
		samples := a.lifecycle.Handle(p)
		if len(samples) == 0 {
			return nil
		}
		return a.st.Store(ctx, samples)
	}, bus.SubscribeOptions{Kinds: []event.Kind{event.KindLifecycle}, Priority: 5})
}

// Reload re-reads the config file and sends it to the Run loop for
// application. Safe to call from any goroutine (e.g. SIGHUP handler). If a
// reload is already pending, the new one is dropped.
func (a *Agent) Reload() error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	select {
	case a.reload <- cfg:
		slog.Info("config reload queued")
	default:
		slog.Warn("config reload already pending, skipping")
	}
	return nil
}

// Run starts all components and blocks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	slog.Info("agent starting",
		"interval", a.cfg.Global.DefaultCollectionInterval.Duration,
		"backend", a.cfg.Storage.Backend,
		"runtime", a.rt.Name(),
	)

	a.bus.Start()
	a.collectors.InitializeAll(ctx)
	a.alerts.Start(ctx)
	a.retention.StartAuto(time.Duration(a.cfg.Storage.Retention.CleanupIntervalHours) * time.Hour)
	go a.events.Run(ctx)
	if a.watcher != nil {
		a.watcher.Start(ctx)
	}

	var scrapeErr <-chan error
	if a.scrapeSrv != nil {
		var err error
		scrapeErr, err = a.scrapeSrv.Start()
		if err != nil {
			return fmt.Errorf("start scrape endpoint: %w", err)
		}
	}

	// Collect immediately on startup.
	a.collect(ctx)

	ticker := time.NewTicker(a.cfg.Global.DefaultCollectionInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.shutdown()
		case err := <-scrapeErr:
			if err != nil {
				slog.Error("scrape endpoint failed", "error", err)
			}
			scrapeErr = nil
		case <-ticker.C:
			a.collect(ctx)
		case newCfg := <-a.reload:
			a.applyConfig(newCfg)
			ticker.Reset(a.cfg.Global.DefaultCollectionInterval.Duration)
		}
	}
}

// collect runs one collection pass over all containers and persists the
// samples.
func (a *Agent) collect(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	containers, err := a.rt.List(ctx)
	if err != nil {
		slog.Error("list containers failed", "error", err)
		return
	}
	a.state.observeContainers(containers)

	var all []store.Sample
	for _, c := range containers {
		all = append(all, a.collectors.CollectAll(ctx, c)...)
	}
	if len(all) == 0 {
		return
	}
	if err := a.st.Store(ctx, all); err != nil {
		slog.Error("store samples failed", "error", err)
		return
	}
	a.state.observeSamples(all)
}

// nonReloadableFields logs warnings if non-reloadable config fields changed.
func nonReloadableFields(old, updated *config.Config) {
	if old.Storage.Path != updated.Storage.Path {
		slog.Warn("config reload: storage.path cannot be changed at runtime", "old", old.Storage.Path, "new", updated.Storage.Path)
	}
	if old.Storage.Backend != updated.Storage.Backend {
		slog.Warn("config reload: storage.backend cannot be changed at runtime", "old", old.Storage.Backend, "new", updated.Storage.Backend)
	}
	if old.Runtime != updated.Runtime {
		slog.Warn("config reload: runtime settings cannot be changed at runtime")
	}
	if old.Prometheus != updated.Prometheus {
		slog.Warn("config reload: prometheus settings cannot be changed at runtime")
	}
}

// applyConfig applies the reloadable subset of a new config: collection
// interval, collector toggles, and the alert rule set.
func (a *Agent) applyConfig(newCfg *config.Config) {
	nonReloadableFields(a.cfg, newCfg)

	a.cfg.Global.DefaultCollectionInterval = newCfg.Global.DefaultCollectionInterval
	a.cfg.Storage.Retention.DefaultDays = newCfg.Storage.Retention.DefaultDays
	a.cfg.Collectors = newCfg.Collectors

	for _, name := range a.collectors.Names() {
		enabled := true
		if cc, ok := newCfg.Collectors[name]; ok && cc.Enabled != nil {
			enabled = *cc.Enabled
		}
		a.collectors.SetEnabled(name, enabled)
	}

	// Rebuild the rule set: remove rules that are gone, add new ones.
	ctx := context.Background()
	current := make(map[string]bool)
	for _, r := range a.alerts.Rules() {
		current[r.ID] = true
	}
	for id := range current {
		if _, ok := newCfg.Rules[id]; !ok {
			a.alerts.RemoveRule(ctx, id)
			a.notifier.dropRule(id)
			a.router.SetRuleTemplate(id, "")
		}
	}
	for name, rc := range newCfg.Rules {
		a.router.SetRuleTemplate(name, rc.Template)
		if current[name] {
			continue
		}
		r := ruleFromConfig(name, rc, newCfg.Alerts.DefaultResolveTimeout.Duration)
		if err := a.alerts.AddRule(r); err != nil {
			slog.Error("config reload: invalid rule, skipping", "rule", name, "error", err)
			continue
		}
		a.notifier.setRule(r)
	}
	a.cfg.Rules = newCfg.Rules

	slog.Info("config reloaded",
		"interval", a.cfg.Global.DefaultCollectionInterval.Duration,
		"rules", len(a.cfg.Rules),
	)
}

// ruleFromConfig converts one config rule into an engine rule. Rules without
// their own resolve_timeout inherit alerts.default_resolve_timeout.
func ruleFromConfig(name string, rc config.RuleConfig, defaultResolveTimeout time.Duration) alert.Rule {
	resolveTimeout := rc.ResolveTimeout.Duration
	if resolveTimeout == 0 {
		resolveTimeout = defaultResolveTimeout
	}
	r := alert.Rule{
		ID:               name,
		Name:             name,
		Logic:            rc.Logic,
		Severity:         rc.Severity,
		Labels:           rc.Labels,
		Annotations:      rc.Annotations,
		ForDuration:      rc.For.Duration,
		ThrottleDuration: rc.Throttle.Duration,
		AutoResolve:      rc.AutoResolve,
		ResolveTimeout:   resolveTimeout,
		Enabled:          true,
	}
	for _, cc := range rc.Conditions {
		r.Conditions = append(r.Conditions, alert.Condition{
			MetricName:   cc.Metric,
			Comparator:   cc.Comparator,
			Threshold:    cc.Threshold,
			Pattern:      cc.Pattern,
			LabelFilters: cc.Labels,
			Window:       cc.Window.Duration,
			MinSamples:   cc.MinSamples,
		})
	}
	return r
}

// shutdown stops all components in dependency order: sensors first, then
// consumers, then the stores and the runtime client.
func (a *Agent) shutdown() error {
	slog.Info("agent shutting down")

	a.events.Wait()
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.scrapeSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.scrapeSrv.Shutdown(sctx)
		cancel()
	}
	a.bus.Stop()
	a.alerts.Stop()
	a.retention.StopAuto()
	a.router.Flush()
	a.router.Stop()
	a.collectors.CleanupAll()

	if err := a.st.Close(); err != nil {
		slog.Error("close store", "error", err)
	}
	if err := a.rt.Close(); err != nil {
		slog.Error("close runtime", "error", err)
	}

	slog.Info("agent stopped")
	return nil
}
