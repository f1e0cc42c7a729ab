package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/events"

	"github.com/wardenhq/warden/internal/bus"
	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/runtime"
)

// capture collects lifecycle payloads from the bus.
type capture struct {
	mu     sync.Mutex
	events []*event.Event
}

func (c *capture) handler(_ context.Context, e *event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capture) wait(t *testing.T, n int) []*event.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.events) >= n {
			out := append([]*event.Event(nil), c.events...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("saw %d events, want %d", len(c.events), n)
	return nil
}

func newTestWatcher(t *testing.T) (*EventWatcher, *capture) {
	t.Helper()
	b := bus.New(64)
	b.Start()
	t.Cleanup(b.Stop)

	cap := &capture{}
	b.Subscribe(cap.handler, bus.SubscribeOptions{Kinds: []event.Kind{event.KindLifecycle}})

	return NewEventWatcher(&runtime.Adapter{}, b), cap
}

func dieMessage(exitCode string) events.Message {
	return events.Message{
		Action: events.ActionDie,
		Actor: events.Actor{
			ID: "abc123",
			Attributes: map[string]string{
				"name":     "web",
				"image":    "nginx:latest",
				"exitCode": exitCode,
			},
		},
		TimeNano: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC).UnixNano(),
	}
}

func TestHandleMessageDieNonZeroExit(t *testing.T) {
	ew, cap := newTestWatcher(t)

	ew.handleMessage(dieMessage("137"))
	got := cap.wait(t, 1)[0]

	if got.Severity != event.SeverityHigh {
		t.Fatalf("severity = %s, want high for nonzero exit", got.Severity)
	}
	p, ok := got.Payload.(event.LifecyclePayload)
	if !ok {
		t.Fatalf("payload = %T", got.Payload)
	}
	if p.Action != event.ActionDie || p.ContainerID != "abc123" || p.ContainerName != "web" {
		t.Fatalf("payload = %+v", p)
	}
	if p.ExitCode == nil || *p.ExitCode != 137 {
		t.Fatalf("exit code = %v, want 137", p.ExitCode)
	}
	if got.Labels["container_id"] != "abc123" || got.Labels["container"] != "web" {
		t.Fatalf("labels = %v", got.Labels)
	}
	if !p.Timestamp.Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %s", p.Timestamp)
	}
}

func TestHandleMessageCleanExit(t *testing.T) {
	ew, cap := newTestWatcher(t)
	ew.handleMessage(dieMessage("0"))
	got := cap.wait(t, 1)[0]
	if got.Severity != event.SeverityMedium {
		t.Fatalf("severity = %s, want medium for clean exit", got.Severity)
	}
}

func TestHandleMessageActionMapping(t *testing.T) {
	tests := []struct {
		raw  events.Action
		want event.LifecycleAction
	}{
		{events.ActionCreate, event.ActionCreate},
		{events.ActionStart, event.ActionStart},
		{events.ActionStop, event.ActionStop},
		{events.ActionRestart, event.ActionRestart},
		{events.ActionKill, event.ActionKill},
		{events.ActionPause, event.ActionPause},
		{events.ActionUnPause, event.ActionUnpause},
		{events.ActionDestroy, event.ActionDestroy},
	}
	ew, cap := newTestWatcher(t)
	for _, tt := range tests {
		ew.handleMessage(events.Message{
			Action: tt.raw,
			Actor:  events.Actor{ID: "c1", Attributes: map[string]string{"name": "web"}},
		})
	}
	got := cap.wait(t, len(tests))
	for i, tt := range tests {
		p := got[i].Payload.(event.LifecyclePayload)
		if p.Action != tt.want {
			t.Errorf("%s: action = %s, want %s", tt.raw, p.Action, tt.want)
		}
	}
}

func TestHandleMessageIgnoresUnknownAction(t *testing.T) {
	ew, cap := newTestWatcher(t)
	ew.handleMessage(events.Message{
		Action: events.Action("attach"),
		Actor:  events.Actor{ID: "c1"},
	})
	ew.handleMessage(dieMessage("0"))

	got := cap.wait(t, 1)
	if len(got) != 1 {
		t.Fatalf("events = %d, want only the die event", len(got))
	}
}

func TestHandleMessageHealthStatusSuffix(t *testing.T) {
	ew, cap := newTestWatcher(t)
	ew.handleMessage(events.Message{
		Action: events.Action("health_status: unhealthy"),
		Actor:  events.Actor{ID: "c1", Attributes: map[string]string{"name": "web"}},
	})
	got := cap.wait(t, 1)[0]
	p := got.Payload.(event.LifecyclePayload)
	if p.Action != event.ActionHealthStatus {
		t.Fatalf("action = %s, want health_status", p.Action)
	}
}

func TestHandleMessageExecSuffixIgnored(t *testing.T) {
	ew, cap := newTestWatcher(t)
	ew.handleMessage(events.Message{
		Action: events.Action("exec_create: /bin/sh -c ls"),
		Actor:  events.Actor{ID: "c1"},
	})
	ew.handleMessage(dieMessage("0"))
	if got := cap.wait(t, 1); len(got) != 1 {
		t.Fatalf("events = %d, exec event leaked through", len(got))
	}
}

func TestHandleMessageSignal(t *testing.T) {
	ew, cap := newTestWatcher(t)
	msg := dieMessage("137")
	msg.Action = events.ActionKill
	msg.Actor.Attributes["signal"] = "SIGKILL"
	ew.handleMessage(msg)

	p := cap.wait(t, 1)[0].Payload.(event.LifecyclePayload)
	if p.Signal != "SIGKILL" {
		t.Fatalf("signal = %q", p.Signal)
	}
}

func TestHandleMessageBadExitCodeIgnored(t *testing.T) {
	ew, cap := newTestWatcher(t)
	ew.handleMessage(dieMessage("not-a-number"))
	p := cap.wait(t, 1)[0].Payload.(event.LifecyclePayload)
	if p.ExitCode != nil {
		t.Fatalf("exit code = %v, want nil for unparsable value", p.ExitCode)
	}
}

func TestRunExitsOnCancel(t *testing.T) {
	b := bus.New(4)
	ew := NewEventWatcher(&runtime.Adapter{}, b)

	msgCh := make(chan events.Message)
	errCh := make(chan error)
	ew.eventsFn = func(ctx context.Context) (<-chan events.Message, <-chan error) {
		return msgCh, errCh
	}

	ctx, cancel := context.WithCancel(context.Background())
	go ew.Run(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		ew.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on cancel")
	}
}

func TestRunReconnectsAfterStreamClose(t *testing.T) {
	b := bus.New(4)
	ew := NewEventWatcher(&runtime.Adapter{}, b)

	var mu sync.Mutex
	connects := 0
	ew.eventsFn = func(ctx context.Context) (<-chan events.Message, <-chan error) {
		mu.Lock()
		connects++
		n := connects
		mu.Unlock()
		msgCh := make(chan events.Message)
		errCh := make(chan error)
		if n == 1 {
			close(msgCh) // first stream ends immediately
		}
		return msgCh, errCh
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ew.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := connects
		mu.Unlock()
		if n >= 2 {
			cancel()
			ew.Wait()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watcher never reconnected after stream close")
}
