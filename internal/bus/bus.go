// Package bus implements the bounded publish/subscribe event bus. A single
// consumer goroutine drains a FIFO queue and fans each event out to the
// matching subscriptions, higher priority first, with handlers running in
// parallel. Handler errors are isolated per subscription.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/event"
)

// ErrQueueFull is returned by Publish when the bounded queue is saturated.
// Publishers decide whether to retry, shed, or block.
var ErrQueueFull = errors.New("event queue full")

// Handler processes a single event. The context carries the handler's
// deadline; a handler must return promptly once it is cancelled.
type Handler func(ctx context.Context, e *event.Event) error

// Filter restricts which events a subscription receives. All set fields must
// match (conjunction). The zero value matches everything.
type Filter struct {
	Source      string            // exact match on envelope source
	MinSeverity event.Severity    // events below this severity are skipped
	Labels      map[string]string // all pairs must be present on the event
}

func (f *Filter) matches(e *event.Event) bool {
	if f == nil {
		return true
	}
	if f.Source != "" && f.Source != e.Source {
		return false
	}
	if e.Severity < f.MinSeverity {
		return false
	}
	for k, v := range f.Labels {
		if e.Labels[k] != v {
			return false
		}
	}
	return true
}

// Subscription is a registered intent to receive events.
type Subscription struct {
	ID        string
	Kinds     []event.Kind // empty = all kinds
	Filter    *Filter
	Priority  int // higher dispatches first
	Timeout   time.Duration
	CreatedAt time.Time

	handler Handler
	seq     int // registration order, for stable sort within a priority
}

func (s *Subscription) matches(e *event.Event) bool {
	if len(s.Kinds) > 0 {
		found := false
		for _, k := range s.Kinds {
			if k == e.Kind() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return s.Filter.matches(e)
}

type busState int

const (
	stateStopped busState = iota
	stateRunning
	stateDraining
)

// Stats is a snapshot of bus counters.
type Stats struct {
	Published     uint64
	Rejected      uint64
	Dispatched    uint64
	HandlerErrors uint64
	QueueLen      int
	Subscribers   int
}

// Bus is the process-wide event bus. Create with New, then Start.
type Bus struct {
	queue chan *event.Event

	mu     sync.Mutex
	subs   map[string]*Subscription
	state  busState
	nexseq int
	cancel context.CancelFunc
	done   chan struct{}

	published     atomic.Uint64
	rejected      atomic.Uint64
	dispatched    atomic.Uint64
	handlerErrors atomic.Uint64

	inflight sync.WaitGroup
}

// New creates a stopped bus with the given queue capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		queue: make(chan *event.Event, capacity),
		subs:  make(map[string]*Subscription),
	}
}

// Publish enqueues an event without blocking. Returns ErrQueueFull when the
// queue is saturated; the event is never silently dropped.
func (b *Bus) Publish(e *event.Event) error {
	select {
	case b.queue <- e:
		b.published.Add(1)
		return nil
	default:
		b.rejected.Add(1)
		return ErrQueueFull
	}
}

// SubscribeOptions configure a subscription.
type SubscribeOptions struct {
	Kinds    []event.Kind
	Filter   *Filter
	Priority int
	Timeout  time.Duration // per-event handler deadline; 0 = unbounded
}

// Subscribe registers a handler and returns the subscription id.
func (b *Bus) Subscribe(h Handler, opts SubscribeOptions) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nexseq++
	sub := &Subscription{
		ID:        uuid.NewString(),
		Kinds:     opts.Kinds,
		Filter:    opts.Filter,
		Priority:  opts.Priority,
		Timeout:   opts.Timeout,
		CreatedAt: time.Now(),
		handler:   h,
		seq:       b.nexseq,
	}
	b.subs[sub.ID] = sub
	return sub.ID
}

// Unsubscribe removes a subscription. Returns false if the id is unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// Start launches the dispatch loop. Idempotent.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateRunning {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.state = stateRunning
	go b.run(ctx)
}

// Stop prevents new dequeues and waits for in-flight handlers to finish or
// hit their own deadlines. Idempotent.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.state != stateRunning {
		b.mu.Unlock()
		return
	}
	b.state = stateDraining
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	cancel()
	<-done
	b.inflight.Wait()

	b.mu.Lock()
	b.state = stateStopped
	b.mu.Unlock()
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	subs := len(b.subs)
	b.mu.Unlock()
	return Stats{
		Published:     b.published.Load(),
		Rejected:      b.rejected.Load(),
		Dispatched:    b.dispatched.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		QueueLen:      len(b.queue),
		Subscribers:   subs,
	}
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.queue:
			b.dispatch(ctx, e)
		}
	}
}

// dispatch fans one event out to its matching subscriptions. The ordered
// slice gives subscribers a stable higher-priority-first view, but handler
// invocations run concurrently; dispatch returns once all have finished.
func (b *Bus) dispatch(ctx context.Context, e *event.Event) {
	matched := b.matching(e)
	if len(matched) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range matched {
		wg.Add(1)
		b.inflight.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			defer b.inflight.Done()
			b.invoke(ctx, sub, e)
		}(sub)
	}
	wg.Wait()
	b.dispatched.Add(1)
}

func (b *Bus) matching(e *event.Event) []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []*Subscription
	for _, sub := range b.subs {
		if sub.matches(e) {
			matched = append(matched, sub)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].seq < matched[j].seq
	})
	return matched
}

func (b *Bus) invoke(ctx context.Context, sub *Subscription, e *event.Event) {
	hctx := ctx
	if sub.Timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, sub.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			slog.Error("subscriber panicked", "subscription", sub.ID, "event", e.ID, "panic", r)
		}
	}()
	if err := sub.handler(hctx, e); err != nil {
		b.handlerErrors.Add(1)
		slog.Warn("subscriber failed", "subscription", sub.ID, "event", e.ID, "kind", e.Kind(), "error", err)
	}
}
