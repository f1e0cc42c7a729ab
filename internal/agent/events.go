package agent

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/events"

	"github.com/wardenhq/warden/internal/bus"
	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/runtime"
)

// EventWatcher turns the runtime's event stream into lifecycle events on the
// bus. It reconnects with exponential backoff on stream errors; the regular
// collect loop remains the consistency reconciliation point.
type EventWatcher struct {
	rt *runtime.Adapter
	b  *bus.Bus

	// Injectable for tests; production uses rt.Events.
	eventsFn func(ctx context.Context) (<-chan events.Message, <-chan error)

	done chan struct{} // closed when Run() exits
}

// NewEventWatcher creates an EventWatcher publishing onto the bus.
func NewEventWatcher(rt *runtime.Adapter, b *bus.Bus) *EventWatcher {
	ew := &EventWatcher{
		rt:   rt,
		b:    b,
		done: make(chan struct{}),
	}
	ew.eventsFn = rt.Events
	return ew
}

// Wait blocks until Run() has exited.
func (ew *EventWatcher) Wait() {
	<-ew.done
}

// Run starts the event watcher. It reconnects with exponential backoff on
// stream errors and exits when ctx is cancelled.
func (ew *EventWatcher) Run(ctx context.Context) {
	defer close(ew.done)
	backoff := 1 * time.Second
	const maxBackoff = 30 * time.Second

	for {
		start := time.Now()
		err := ew.watch(ctx)
		if ctx.Err() != nil {
			return
		}

		// Reset backoff after a long-lived healthy connection.
		if time.Since(start) > maxBackoff {
			backoff = 1 * time.Second
		}

		if err != nil {
			slog.Warn("runtime events stream error, reconnecting", "error", err, "backoff", backoff)
		} else {
			slog.Info("runtime events stream closed, reconnecting", "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (ew *EventWatcher) watch(ctx context.Context) error {
	msgCh, errCh := ew.eventsFn(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			ew.handleMessage(msg)
		}
	}
}

// actionMap translates runtime actions into lifecycle actions. Unlisted
// actions are ignored.
var actionMap = map[events.Action]event.LifecycleAction{
	events.ActionCreate:  event.ActionCreate,
	events.ActionStart:   event.ActionStart,
	events.ActionStop:    event.ActionStop,
	events.ActionRestart: event.ActionRestart,
	events.ActionDie:     event.ActionDie,
	events.ActionKill:    event.ActionKill,
	events.ActionPause:   event.ActionPause,
	events.ActionUnPause: event.ActionUnpause,
	events.ActionDestroy: event.ActionDestroy,
}

// severityFor picks the envelope severity for a lifecycle action.
func severityFor(action event.LifecycleAction, exitCode *int) event.Severity {
	switch action {
	case event.ActionDie, event.ActionKill:
		if exitCode != nil && *exitCode != 0 {
			return event.SeverityHigh
		}
		return event.SeverityMedium
	case event.ActionRestart:
		return event.SeverityMedium
	}
	return event.SeverityInfo
}

func (ew *EventWatcher) handleMessage(msg events.Message) {
	raw := msg.Action
	// Exec actions carry suffixes like "exec_create: /bin/sh"; health status
	// carries "health_status: healthy". Normalize to the prefix.
	if i := strings.Index(string(raw), ": "); i >= 0 {
		raw = events.Action(string(raw)[:i])
	}

	action, ok := actionMap[raw]
	if !ok {
		if raw == events.ActionHealthStatus {
			action = event.ActionHealthStatus
		} else {
			return
		}
	}

	attrs := msg.Actor.Attributes
	p := event.LifecyclePayload{
		ContainerID:   msg.Actor.ID,
		ContainerName: attrs["name"],
		Image:         attrs["image"],
		Action:        action,
		Timestamp:     time.Unix(0, msg.TimeNano),
	}
	if v, ok := attrs["exitCode"]; ok {
		if code, err := strconv.Atoi(v); err == nil {
			p.ExitCode = &code
		}
	}
	if v, ok := attrs["signal"]; ok {
		p.Signal = v
	}

	e := event.New(ew.rt.Name(), severityFor(action, p.ExitCode), p).
		WithLabel("container_id", p.ContainerID).
		WithLabel("container", p.ContainerName)
	if err := ew.b.Publish(e); err != nil {
		slog.Warn("lifecycle event dropped", "container", p.ContainerName, "error", err)
	}
}
