// Package hook defines automation hooks, the registry that stores them with
// their dependency graph, and the dispatcher that executes them in response
// to events under priority, dependency, concurrency and timeout discipline.
package hook

import (
	"context"
	"time"

	"github.com/wardenhq/warden/internal/event"
)

// Priority orders hook execution; lower values run first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// ErrorKind classifies hook failures.
type ErrorKind string

const (
	ErrKindConfiguration ErrorKind = "configuration"
	ErrKindExecution     ErrorKind = "execution"
	ErrKindResource      ErrorKind = "resource"
	ErrKindTimeout       ErrorKind = "timeout"
	ErrKindDependency    ErrorKind = "dependency"
	ErrKindPermission    ErrorKind = "permission"
	ErrKindNetwork       ErrorKind = "network"
	ErrKindUnknown       ErrorKind = "unknown"
)

// Error is a typed hook failure carried inside a Result.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Resources describes what a hook needs to run. Informational; recorded in
// the context for guards that shed load.
type Resources struct {
	CPU     float64
	Memory  uint64
	Disk    uint64
	Network bool
}

// Result is the outcome of one hook execution.
type Result struct {
	HookID        string
	Success       bool
	Message       string
	ActionsTaken  []string
	Suggestions   []string
	Metrics       map[string]float64
	ExecutionTime time.Duration
	Err           *Error
}

// Record is the summary of a prior hook's run folded into the context that
// later hooks in the same dispatch observe.
type Record struct {
	HookID   string
	Success  bool
	Message  string
	Duration time.Duration
}

// Context is the immutable snapshot a hook executes against. WithRecord
// returns a copy; the original is never mutated after construction.
type Context struct {
	TriggerEvent    *event.Event
	ProjectState    map[string]string
	SystemMetrics   map[string]float64
	UserPreferences map[string]string
	ExecutionID     string
	Timestamp       time.Time
	History         []Record
}

// WithRecord returns a new context extended with one execution record.
func (c *Context) WithRecord(r Record) *Context {
	next := *c
	next.History = make([]Record, len(c.History)+1)
	copy(next.History, c.History)
	next.History[len(c.History)] = r
	return &next
}

// Hook is a user-provided automation unit: a guard and an action.
type Hook interface {
	ID() string
	Name() string
	Description() string
	Enabled() bool
	Priority() Priority
	Triggers() []event.Kind
	Timeout() time.Duration
	Resources() Resources

	// ShouldExecute decides whether Execute runs for this context. An error
	// skips the hook without failing the dispatch.
	ShouldExecute(ctx context.Context, hctx *Context) (bool, error)

	// Execute performs the hook's action under the dispatcher's deadline.
	Execute(ctx context.Context, hctx *Context) (*Result, error)
}

// Base carries the static hook fields so implementations only provide the
// guard and action.
type Base struct {
	HookID       string
	HookName     string
	HookDesc     string
	HookEnabled  bool
	HookPriority Priority
	HookTriggers []event.Kind
	HookTimeout  time.Duration
	HookRes      Resources
}

func (b *Base) ID() string             { return b.HookID }
func (b *Base) Name() string           { return b.HookName }
func (b *Base) Description() string    { return b.HookDesc }
func (b *Base) Enabled() bool          { return b.HookEnabled }
func (b *Base) Priority() Priority     { return b.HookPriority }
func (b *Base) Triggers() []event.Kind { return b.HookTriggers }
func (b *Base) Timeout() time.Duration { return b.HookTimeout }
func (b *Base) Resources() Resources   { return b.HookRes }

// Func adapts a pair of closures into a Hook. Used by tests and simple
// inline automations.
type Func struct {
	Base
	Guard  func(ctx context.Context, hctx *Context) (bool, error)
	Action func(ctx context.Context, hctx *Context) (*Result, error)
}

func (f *Func) ShouldExecute(ctx context.Context, hctx *Context) (bool, error) {
	if f.Guard == nil {
		return true, nil
	}
	return f.Guard(ctx, hctx)
}

func (f *Func) Execute(ctx context.Context, hctx *Context) (*Result, error) {
	if f.Action == nil {
		return &Result{HookID: f.HookID, Success: true}, nil
	}
	return f.Action(ctx, hctx)
}
