// Package event defines the typed event envelope and payloads that flow
// through the bus. Components publish events; subscriptions and hooks
// consume them. Envelopes are immutable once published.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the payload variant carried by an envelope.
type Kind string

const (
	KindFile            Kind = "file"
	KindMetricThreshold Kind = "metric_threshold"
	KindSystem          Kind = "system"
	KindGit             Kind = "git"
	KindBuild           Kind = "build"
	KindDependency      Kind = "dependency"
	KindLifecycle       Kind = "lifecycle"
)

// Severity orders events from informational to critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// ParseSeverity maps a config string to a Severity. Unknown strings map to
// SeverityInfo with ok=false.
func ParseSeverity(s string) (Severity, bool) {
	switch s {
	case "info":
		return SeverityInfo, true
	case "low":
		return SeverityLow, true
	case "medium":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	case "critical":
		return SeverityCritical, true
	}
	return SeverityInfo, false
}

// Payload is implemented by every kind-specific record.
type Payload interface {
	Kind() Kind
}

// Event is the common envelope. Labels carry flat string metadata;
// kind-specific data lives in Payload.
type Event struct {
	ID            string
	Timestamp     time.Time
	Source        string
	Severity      Severity
	Labels        map[string]string
	Payload       Payload
	CorrelationID string
}

// Kind returns the payload kind, or "" for an envelope without payload.
func (e *Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// New builds an envelope with a fresh id and the current time.
func New(source string, sev Severity, p Payload) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Source:    source,
		Severity:  sev,
		Labels:    map[string]string{},
		Payload:   p,
	}
}

// WithLabel sets a label and returns the event for chaining during construction.
func (e *Event) WithLabel(k, v string) *Event {
	if e.Labels == nil {
		e.Labels = map[string]string{}
	}
	e.Labels[k] = v
	return e
}
