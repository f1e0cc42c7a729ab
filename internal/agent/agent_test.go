package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/alert"
	"github.com/wardenhq/warden/internal/bus"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/hook"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/remedy"
	"github.com/wardenhq/warden/internal/runtime"
	"github.com/wardenhq/warden/internal/store"
)

func TestRuleFromConfigResolveTimeout(t *testing.T) {
	rc := config.RuleConfig{
		Severity:    "warning",
		AutoResolve: true,
		Conditions:  []config.ConditionConfig{{Metric: "m", Comparator: ">", Threshold: 1}},
	}

	r := ruleFromConfig("r1", rc, 5*time.Minute)
	if r.ResolveTimeout != 5*time.Minute {
		t.Fatalf("resolve timeout = %s, want the 5m default", r.ResolveTimeout)
	}

	rc.ResolveTimeout = config.Duration{Duration: 90 * time.Second}
	r = ruleFromConfig("r1", rc, 5*time.Minute)
	if r.ResolveTimeout != 90*time.Second {
		t.Fatalf("resolve timeout = %s, want the rule's own 90s", r.ResolveTimeout)
	}
}

func TestConfigRuleCarriesResolveTimeoutToManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[rules.high-cpu]
severity = "critical"
auto_resolve = true

[[rules.high-cpu.conditions]]
metric = "container_cpu_percent"
comparator = ">"
threshold = 80.0
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	m := alert.NewManager(store.NewMemoryStore(0), nil, alert.Options{})
	for name, rc := range cfg.Rules {
		if err := m.AddRule(ruleFromConfig(name, rc, cfg.Alerts.DefaultResolveTimeout.Duration)); err != nil {
			t.Fatalf("add rule: %v", err)
		}
	}

	rules := m.Rules()
	if len(rules) != 1 {
		t.Fatalf("rules = %d, want 1", len(rules))
	}
	if rules[0].ResolveTimeout != cfg.Alerts.DefaultResolveTimeout.Duration {
		t.Fatalf("resolve timeout = %s, want the configured default %s",
			rules[0].ResolveTimeout, cfg.Alerts.DefaultResolveTimeout.Duration)
	}
}

// scaleRuntime is a remedy.Runtime that records resource updates.
type scaleRuntime struct {
	mu      sync.Mutex
	updated string
	cpus    float64
	mem     int64
}

func (r *scaleRuntime) Restart(context.Context, string) error { return nil }

func (r *scaleRuntime) Inspect(context.Context, string) (*runtime.Detail, error) {
	return &runtime.Detail{CPULimit: 2, MemLimit: 1 << 30}, nil
}

func (r *scaleRuntime) UpdateResources(_ context.Context, id string, cpus float64, mem int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = id
	r.cpus = cpus
	r.mem = mem
	return nil
}

func (r *scaleRuntime) snapshot() (string, float64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updated, r.cpus, r.mem
}

func TestFiringThresholdRuleDrivesScaleHook(t *testing.T) {
	b := bus.New(16)
	b.Start()
	t.Cleanup(b.Stop)

	rt := &scaleRuntime{}
	hooks := hook.NewRegistry()
	if err := hooks.Register(remedy.NewScaleHook(rt, 0, 0)); err != nil {
		t.Fatalf("register scale hook: %v", err)
	}
	dispatcher := hook.NewDispatcher(hooks, 1, nil)
	b.Subscribe(func(ctx context.Context, e *event.Event) error {
		dispatcher.Dispatch(ctx, e)
		return nil
	}, bus.SubscribeOptions{})

	router := notify.NewRouter()
	t.Cleanup(router.Stop)
	n := newThresholdNotifier(router, b)

	m := alert.NewManager(store.NewMemoryStore(0), n, alert.Options{})
	r := alert.Rule{
		ID:          "mem-pressure",
		Name:        "mem-pressure",
		Severity:    "critical",
		ForDuration: 10 * time.Millisecond,
		Enabled:     true,
		Conditions: []alert.Condition{
			{MetricName: "container_memory_percent", Comparator: ">", Threshold: 90},
		},
	}
	if err := m.AddRule(r); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	n.setRule(r)

	ctx := context.Background()
	samples := func() []store.Sample {
		return []store.Sample{{
			Name:      "container_memory_percent",
			Value:     97,
			Timestamp: time.Now(),
			Labels:    map[string]string{"container_id": "c1"},
		}}
	}
	m.EvaluateSamples(ctx, samples())
	time.Sleep(25 * time.Millisecond)
	m.EvaluateSamples(ctx, samples())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		id, cpus, mem := rt.snapshot()
		if id != "" {
			if id != "c1" {
				t.Fatalf("updated container = %q, want c1", id)
			}
			if cpus != 2.5 || mem != int64(float64(1<<30)*1.25) {
				t.Fatalf("limits = %v cpus / %d bytes, want 1.25x growth", cpus, mem)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("scale hook never ran for the fired threshold rule")
}
