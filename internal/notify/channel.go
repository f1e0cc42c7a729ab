// Package notify routes alerts to delivery channels. Routing rules select
// channels by severity, labels, and rule-name glob; each channel retries
// independently so one slow destination never blocks another.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/wardenhq/warden/internal/alert"
)

// webhookClient is a dedicated HTTP client for webhook deliveries. Separate
// from http.DefaultClient to avoid shared state and configure timeouts.
var webhookClient = &http.Client{
	Timeout: 10 * time.Second,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) >= 3 {
			return fmt.Errorf("too many redirects")
		}
		return nil
	},
}

// Message is a rendered notification for one alert.
type Message struct {
	Alert    *alert.Alert
	Subject  string
	Body     string
	Resolved bool
}

// Channel delivers rendered alert notifications to one destination.
type Channel interface {
	Name() string
	SendAlert(ctx context.Context, m Message) error
	SendResolution(ctx context.Context, m Message) error
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	SMTPHost string
	SMTPPort int
	From     string
	To       []string
}

// emailChannel sends notifications via SMTP.
type emailChannel struct {
	cfg EmailConfig
}

// NewEmailChannel creates the SMTP channel.
func NewEmailChannel(cfg EmailConfig) Channel {
	return &emailChannel{cfg: cfg}
}

func (e *emailChannel) Name() string { return "email" }

func (e *emailChannel) SendAlert(ctx context.Context, m Message) error {
	return e.send(ctx, m)
}

func (e *emailChannel) SendResolution(ctx context.Context, m Message) error {
	return e.send(ctx, m)
}

func (e *emailChannel) send(ctx context.Context, m Message) error {
	addr := net.JoinHostPort(e.cfg.SMTPHost, fmt.Sprintf("%d", e.cfg.SMTPPort))

	// Sanitize header values to prevent SMTP header injection.
	from := sanitizeHeader(e.cfg.From)
	to := make([]string, len(e.cfg.To))
	for i, t := range e.cfg.To {
		to[i] = sanitizeHeader(t)
	}
	subject := sanitizeHeader(m.Subject)

	toHeader := strings.Join(to, ", ")
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\n\r\n%s",
		from, toHeader, subject, time.Now().Format(time.RFC1123Z), m.Body)

	// Use a context-aware dialer so SMTP respects cancellation.
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp connect: %w", err)
	}
	if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		conn.Close()
		return fmt.Errorf("smtp deadline: %w", err)
	}

	c, err := smtp.NewClient(conn, e.cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if err := c.Mail(from); err != nil {
		return err
	}
	for _, t := range to {
		if err := c.Rcpt(t); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// sanitizeHeader strips CR and LF characters to prevent SMTP header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// WebhookConfig configures an HTTP POST channel.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
}

// webhookChannel sends notifications via HTTP POST with a JSON body.
type webhookChannel struct {
	cfg WebhookConfig
}

// NewWebhookChannel creates the webhook channel.
func NewWebhookChannel(cfg WebhookConfig) Channel {
	return &webhookChannel{cfg: cfg}
}

func (w *webhookChannel) Name() string { return "webhook" }

func (w *webhookChannel) SendAlert(ctx context.Context, m Message) error {
	return w.send(ctx, m)
}

func (w *webhookChannel) SendResolution(ctx context.Context, m Message) error {
	return w.send(ctx, m)
}

func (w *webhookChannel) send(ctx context.Context, m Message) error {
	body := map[string]any{
		"alert_id":      m.Alert.ID,
		"rule_id":       m.Alert.RuleID,
		"rule_name":     m.Alert.RuleName,
		"severity":      m.Alert.Severity,
		"status":        string(m.Alert.Status),
		"message":       m.Alert.Message,
		"subject":       m.Subject,
		"body":          m.Body,
		"labels":        m.Alert.Labels,
		"annotations":   m.Alert.Annotations,
		"created_at":    m.Alert.CreatedAt,
		"updated_at":    m.Alert.UpdatedAt,
		"fired_at":      m.Alert.FiredAt,
		"resolved_at":   m.Alert.ResolvedAt,
		"is_resolution": m.Resolved,
	}
	if s := m.Alert.Metric; s != nil {
		metric := map[string]any{
			"name":      s.Name,
			"labels":    s.Labels,
			"unit":      s.Unit,
			"timestamp": s.Timestamp,
		}
		if s.IsString {
			metric["value"] = s.StrValue
		} else {
			metric["value"] = s.Value
		}
		body["metric"] = metric
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	// Apply custom headers first (sanitize values), then set Content-Type
	// as default only if not overridden by a custom header.
	for k, v := range w.cfg.Headers {
		req.Header.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := webhookClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// SlackConfig configures the Slack incoming-webhook channel.
type SlackConfig struct {
	WebhookURL string
	ChannelTag string // optional #channel override
}

// slackChannel posts attachments to a Slack incoming webhook.
type slackChannel struct {
	cfg SlackConfig
}

// NewSlackChannel creates the Slack channel.
func NewSlackChannel(cfg SlackConfig) Channel {
	return &slackChannel{cfg: cfg}
}

func (s *slackChannel) Name() string { return "slack" }

func (s *slackChannel) SendAlert(ctx context.Context, m Message) error {
	return s.post(ctx, m, severityColor(m.Alert.Severity))
}

func (s *slackChannel) SendResolution(ctx context.Context, m Message) error {
	return s.post(ctx, m, "good")
}

func (s *slackChannel) post(ctx context.Context, m Message, color string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	msg := &slack.WebhookMessage{
		Channel: s.cfg.ChannelTag,
		Attachments: []slack.Attachment{{
			Color:  color,
			Title:  m.Subject,
			Text:   m.Body,
			Footer: m.Alert.RuleID,
			Ts:     json.Number(fmt.Sprintf("%d", time.Now().Unix())),
		}},
	}
	if err := slack.PostWebhookContext(ctx, s.cfg.WebhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

// severityColor maps alert severity to a Slack attachment color.
func severityColor(severity string) string {
	switch strings.ToLower(severity) {
	case "critical", "error", "high":
		return "danger"
	case "warning", "medium":
		return "warning"
	default:
		return "good"
	}
}

// logChannel writes notifications to the structured log. Always available;
// useful as a last-resort destination and in tests.
type logChannel struct{}

// NewLogChannel creates the log channel.
func NewLogChannel() Channel {
	return logChannel{}
}

func (logChannel) Name() string { return "log" }

func (logChannel) SendAlert(_ context.Context, m Message) error {
	slog.Warn("alert notification",
		"rule", m.Alert.RuleID, "severity", m.Alert.Severity, "subject", m.Subject)
	return nil
}

func (logChannel) SendResolution(_ context.Context, m Message) error {
	slog.Info("alert resolved notification",
		"rule", m.Alert.RuleID, "subject", m.Subject)
	return nil
}
