// Package config loads and validates the agent's TOML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML string parsing ("10s", "1m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	return nil
}

type Config struct {
	Global        GlobalConfig               `toml:"global"`
	Runtime       RuntimeConfig              `toml:"runtime"`
	Storage       StorageConfig              `toml:"storage"`
	Collectors    map[string]CollectorConfig `toml:"collectors"`
	Hooks         HooksConfig                `toml:"hooks"`
	Alerts        AlertsConfig               `toml:"alerts"`
	Rules         map[string]RuleConfig      `toml:"rules"`
	Notifications NotificationsConfig        `toml:"notifications"`
	Prometheus    PrometheusConfig           `toml:"prometheus"`
	Watch         WatchConfig                `toml:"watch"`
}

type GlobalConfig struct {
	DefaultCollectionInterval Duration `toml:"default_collection_interval"`
	DefaultTimeout            Duration `toml:"default_timeout"`
	DefaultRetryAttempts      int      `toml:"default_retry_attempts"`
	DefaultRetryDelay         Duration `toml:"default_retry_delay"`
	LogLevel                  string   `toml:"log_level"`
}

type RuntimeConfig struct {
	Preferred    string `toml:"preferred"`
	DockerSocket string `toml:"docker_socket"`
	PodmanSocket string `toml:"podman_socket"`
}

type StorageConfig struct {
	Backend   string          `toml:"backend"` // "sqlite" or "memory"
	Path      string          `toml:"path"`
	MaxPoints int             `toml:"max_points"` // memory backend cap per series
	Retention RetentionConfig `toml:"retention"`
}

type RetentionConfig struct {
	DefaultDays          int                   `toml:"default_days"`
	CleanupIntervalHours int                   `toml:"cleanup_interval_hours"`
	Rules                []RetentionRuleConfig `toml:"rules"`
}

type RetentionRuleConfig struct {
	Pattern   string            `toml:"pattern"`
	Labels    map[string]string `toml:"labels"`
	Retention Duration          `toml:"retention"`
	Priority  int               `toml:"priority"`
	MinPoints int               `toml:"min_points"`
}

type CollectorConfig struct {
	Enabled            *bool             `toml:"enabled"`
	CollectionInterval Duration          `toml:"collection_interval"`
	Timeout            Duration          `toml:"timeout"`
	CustomLabels       map[string]string `toml:"custom_labels"`
}

type HooksConfig struct {
	MaxConcurrent  int               `toml:"max_concurrent"`
	DefaultTimeout Duration          `toml:"default_timeout"`
	Restart        RestartHookConfig `toml:"restart"`
	Scale          ScaleHookConfig   `toml:"scale"`
	LogPattern     LogPatternConfig  `toml:"log_pattern"`
}

type RestartHookConfig struct {
	Enabled     bool     `toml:"enabled"`
	MaxRestarts int      `toml:"max_restarts"`
	Window      Duration `toml:"window"`
}

type ScaleHookConfig struct {
	Enabled   bool    `toml:"enabled"`
	MaxCPUs   float64 `toml:"max_cpus"`
	MaxMemory int64   `toml:"max_memory"`
}

type LogPatternConfig struct {
	Enabled bool   `toml:"enabled"`
	Pattern string `toml:"pattern"`
}

type AlertsConfig struct {
	EvaluationInterval    Duration `toml:"evaluation_interval"`
	RetentionPeriod       Duration `toml:"retention_period"`
	MaxAlerts             int      `toml:"max_alerts"`
	DefaultResolveTimeout Duration `toml:"default_resolve_timeout"`
}

type RuleConfig struct {
	Conditions     []ConditionConfig `toml:"conditions"`
	Logic          string            `toml:"logic"`
	Severity       string            `toml:"severity"`
	Labels         map[string]string `toml:"labels"`
	Annotations    map[string]string `toml:"annotations"`
	For            Duration          `toml:"for"`
	Throttle       Duration          `toml:"throttle"`
	AutoResolve    bool              `toml:"auto_resolve"`
	ResolveTimeout Duration          `toml:"resolve_timeout"` // 0 = alerts.default_resolve_timeout
	Template       string            `toml:"template"`
}

type ConditionConfig struct {
	Metric     string            `toml:"metric"`
	Comparator string            `toml:"comparator"`
	Threshold  float64           `toml:"threshold"`
	Pattern    string            `toml:"pattern"`
	Labels     map[string]string `toml:"labels"`
	Window     Duration          `toml:"window"`
	MinSamples int               `toml:"min_samples"`
}

type NotificationsConfig struct {
	Email     EmailConfig       `toml:"email"`
	Webhooks  []WebhookConfig   `toml:"webhooks"`
	Slack     SlackConfig       `toml:"slack"`
	Log       LogChannelConfig  `toml:"log"`
	Routing   []RoutingConfig   `toml:"routing"`
	Templates map[string]string `toml:"templates"`
}

type EmailConfig struct {
	Enabled       bool     `toml:"enabled"`
	SMTPHost      string   `toml:"smtp_host"`
	SMTPPort      int      `toml:"smtp_port"`
	From          string   `toml:"from"`
	To            []string `toml:"to"`
	RetryAttempts int      `toml:"retry_attempts"`
	RetryDelay    Duration `toml:"retry_delay"`
}

type WebhookConfig struct {
	Enabled       bool              `toml:"enabled"`
	URL           string            `toml:"url"`
	Headers       map[string]string `toml:"headers"`
	RetryAttempts int               `toml:"retry_attempts"`
	RetryDelay    Duration          `toml:"retry_delay"`
}

type SlackConfig struct {
	Enabled       bool     `toml:"enabled"`
	WebhookURL    string   `toml:"webhook_url"`
	Channel       string   `toml:"channel"`
	RetryAttempts int      `toml:"retry_attempts"`
	RetryDelay    Duration `toml:"retry_delay"`
}

type LogChannelConfig struct {
	Enabled bool `toml:"enabled"`
}

type RoutingConfig struct {
	Severities []string          `toml:"severities"`
	Labels     map[string]string `toml:"labels"`
	RuleGlob   string            `toml:"rule_glob"`
	Channels   []string          `toml:"channels"`
	Template   string            `toml:"template"`
}

type PrometheusConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	Path    string `toml:"path"`
}

type WatchConfig struct {
	Enabled        bool     `toml:"enabled"`
	Paths          []string `toml:"paths"`
	Recursive      bool     `toml:"recursive"`
	Debounce       Duration `toml:"debounce"`
	IgnorePatterns []string `toml:"ignore"`
}

// Load reads, defaults, environment-overrides, and validates a config file.
// A missing path yields the built-in defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	setDefaults(cfg)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Global.DefaultCollectionInterval.Duration == 0 {
		cfg.Global.DefaultCollectionInterval.Duration = 10 * time.Second
	}
	if cfg.Global.DefaultTimeout.Duration == 0 {
		cfg.Global.DefaultTimeout.Duration = 10 * time.Second
	}
	if cfg.Global.DefaultRetryAttempts == 0 {
		cfg.Global.DefaultRetryAttempts = 3
	}
	if cfg.Global.DefaultRetryDelay.Duration == 0 {
		cfg.Global.DefaultRetryDelay.Duration = time.Second
	}
	if cfg.Global.LogLevel == "" {
		cfg.Global.LogLevel = "info"
	}
	if cfg.Runtime.Preferred == "" {
		cfg.Runtime.Preferred = "docker"
	}
	if cfg.Runtime.DockerSocket == "" {
		cfg.Runtime.DockerSocket = "/var/run/docker.sock"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/var/lib/warden/warden.db"
	}
	if cfg.Storage.MaxPoints == 0 {
		cfg.Storage.MaxPoints = 10000
	}
	if cfg.Storage.Retention.DefaultDays == 0 {
		cfg.Storage.Retention.DefaultDays = 7
	}
	if cfg.Storage.Retention.CleanupIntervalHours == 0 {
		cfg.Storage.Retention.CleanupIntervalHours = 1
	}
	if cfg.Hooks.MaxConcurrent == 0 {
		cfg.Hooks.MaxConcurrent = 5
	}
	if cfg.Hooks.DefaultTimeout.Duration == 0 {
		cfg.Hooks.DefaultTimeout.Duration = 30 * time.Second
	}
	if cfg.Hooks.Restart.MaxRestarts == 0 {
		cfg.Hooks.Restart.MaxRestarts = 3
	}
	if cfg.Hooks.Restart.Window.Duration == 0 {
		cfg.Hooks.Restart.Window.Duration = 10 * time.Minute
	}
	if cfg.Alerts.EvaluationInterval.Duration == 0 {
		cfg.Alerts.EvaluationInterval.Duration = 30 * time.Second
	}
	if cfg.Alerts.RetentionPeriod.Duration == 0 {
		cfg.Alerts.RetentionPeriod.Duration = 10 * time.Minute
	}
	if cfg.Alerts.MaxAlerts == 0 {
		cfg.Alerts.MaxAlerts = 1000
	}
	if cfg.Alerts.DefaultResolveTimeout.Duration == 0 {
		cfg.Alerts.DefaultResolveTimeout.Duration = 5 * time.Minute
	}
	if cfg.Prometheus.Port == 0 {
		cfg.Prometheus.Port = 9464
	}
	if cfg.Prometheus.Path == "" {
		cfg.Prometheus.Path = "/metrics"
	}
	if cfg.Watch.Debounce.Duration == 0 {
		cfg.Watch.Debounce.Duration = 200 * time.Millisecond
	}
}

// applyEnv overlays recognized environment variables onto the config.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("METRICS_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("METRICS_RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("METRICS_RETENTION_DAYS: %w", err)
		}
		cfg.Storage.Retention.DefaultDays = n
	}
	if v := os.Getenv("EVALUATION_INTERVAL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EVALUATION_INTERVAL_SECONDS: %w", err)
		}
		cfg.Alerts.EvaluationInterval.Duration = time.Duration(n) * time.Second
	}
	if v := os.Getenv("HOOK_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HOOK_MAX_CONCURRENT: %w", err)
		}
		cfg.Hooks.MaxConcurrent = n
	}
	return nil
}

func validate(cfg *Config) error {
	switch cfg.Global.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", cfg.Global.LogLevel)
	}
	switch cfg.Runtime.Preferred {
	case "docker", "podman":
	default:
		return fmt.Errorf("runtime.preferred must be \"docker\" or \"podman\", got %q", cfg.Runtime.Preferred)
	}
	switch cfg.Storage.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.backend must be \"sqlite\" or \"memory\", got %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Retention.DefaultDays < 1 {
		return fmt.Errorf("retention default_days must be >= 1, got %d", cfg.Storage.Retention.DefaultDays)
	}
	if cfg.Global.DefaultCollectionInterval.Duration < time.Second {
		return fmt.Errorf("default_collection_interval must be >= 1s, got %s", cfg.Global.DefaultCollectionInterval.Duration)
	}
	if cfg.Hooks.MaxConcurrent < 1 {
		return fmt.Errorf("hooks.max_concurrent must be >= 1, got %d", cfg.Hooks.MaxConcurrent)
	}
	for i, r := range cfg.Storage.Retention.Rules {
		if r.Pattern == "" {
			return fmt.Errorf("retention rule[%d]: pattern is required", i)
		}
		if r.Retention.Duration <= 0 {
			return fmt.Errorf("retention rule[%d]: retention must be positive", i)
		}
	}
	for name, r := range cfg.Rules {
		if err := validateRule(name, &r); err != nil {
			return err
		}
	}
	if err := validateNotifications(&cfg.Notifications); err != nil {
		return err
	}
	if cfg.Watch.Enabled && len(cfg.Watch.Paths) == 0 {
		return fmt.Errorf("watch: at least one path required when enabled")
	}
	return nil
}

func validateRule(name string, r *RuleConfig) error {
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %q: at least one condition required", name)
	}
	switch r.Logic {
	case "", "and", "or":
	default:
		return fmt.Errorf("rule %q: logic must be \"and\" or \"or\", got %q", name, r.Logic)
	}
	switch r.Severity {
	case "info", "warning", "error", "critical":
	default:
		return fmt.Errorf("rule %q: severity must be info, warning, error or critical, got %q", name, r.Severity)
	}
	for i, c := range r.Conditions {
		if c.Metric == "" {
			return fmt.Errorf("rule %q condition[%d]: metric is required", name, i)
		}
		switch c.Comparator {
		case ">", "<", ">=", "<=", "==", "!=", "=~":
		default:
			return fmt.Errorf("rule %q condition[%d]: unknown comparator %q", name, i, c.Comparator)
		}
	}
	return nil
}

func validateNotifications(nc *NotificationsConfig) error {
	if nc.Email.Enabled {
		if nc.Email.SMTPHost == "" || len(nc.Email.To) == 0 {
			return fmt.Errorf("email: smtp_host and to are required when enabled")
		}
	}
	for i, wh := range nc.Webhooks {
		if !wh.Enabled {
			continue
		}
		if wh.URL == "" {
			return fmt.Errorf("webhook[%d]: url is required when enabled", i)
		}
		u, err := url.Parse(wh.URL)
		if err != nil {
			return fmt.Errorf("webhook[%d]: invalid url: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("webhook[%d]: url scheme must be http or https", i)
		}
		for key, val := range wh.Headers {
			if strings.ContainsAny(key, "\r\n") || strings.ContainsAny(val, "\r\n") {
				return fmt.Errorf("webhook[%d]: header contains invalid characters", i)
			}
		}
	}
	if nc.Slack.Enabled && nc.Slack.WebhookURL == "" {
		return fmt.Errorf("slack: webhook_url is required when enabled")
	}
	for name, text := range nc.Templates {
		if _, err := template.New(name).Parse(text); err != nil {
			return fmt.Errorf("template %q: %w", name, err)
		}
	}
	known := map[string]bool{"email": true, "webhook": true, "slack": true, "log": true}
	for i, rt := range nc.Routing {
		if len(rt.Channels) == 0 {
			return fmt.Errorf("routing[%d]: at least one channel required", i)
		}
		for _, ch := range rt.Channels {
			if !known[ch] {
				return fmt.Errorf("routing[%d]: unknown channel %q", i, ch)
			}
		}
	}
	return nil
}
