package tango

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/telescope-mc/model"
)

type echoDevice struct {
	name  string
	attrs *Attributes
	block chan struct{}
}

func newEchoDevice(name string) *echoDevice {
	return &echoDevice{name: name, attrs: NewAttributes(name, nil, nil)}
}

func (d *echoDevice) Name() string            { return d.name }
func (d *echoDevice) Attributes() *Attributes { return d.attrs }

func (d *echoDevice) Execute(ctx context.Context, command string, argin any) (any, error) {
	switch command {
	case "Echo":
		return argin, nil
	case "Reject":
		return nil, model.NotAllowed(command, model.ObsStateEmpty)
	case "Hang":
		select {
		case <-d.block:
		case <-ctx.Done():
		}
		return nil, nil
	case "Result":
		return model.Started("id-1", "accepted"), nil
	}
	return nil, model.InvalidArgument("unknown command %s", command)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) values() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]any, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Value
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAttributesDeliverInOrderAndSkipUnchanged(t *testing.T) {
	attrs := NewAttributes("sim/dev/1", nil, nil)
	attrs.Set("obsState", model.ObsStateEmpty)

	var log eventLog
	attrs.Subscribe("obsState", log.add)

	attrs.Set("obsState", model.ObsStateResourcing)
	attrs.Set("obsState", model.ObsStateResourcing)
	attrs.Set("obsState", model.ObsStateIdle)

	waitFor(t, "three events", func() bool { return len(log.values()) == 3 })
	got := log.values()
	want := []any{model.ObsStateEmpty, model.ObsStateResourcing, model.ObsStateIdle}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %v, want %v", i, got[i], want[i])
		}
	}

	attrs.Push("obsState", model.ObsStateIdle)
	waitFor(t, "forced event", func() bool { return len(log.values()) == 4 })
}

func TestAttributesUnsubscribeAndPanicRecovery(t *testing.T) {
	attrs := NewAttributes("sim/dev/1", nil, nil)

	var log eventLog
	attrs.Subscribe("x", func(Event) { panic("boom") })
	id := attrs.Subscribe("x", log.add)

	attrs.Set("x", 1)
	waitFor(t, "first event", func() bool { return len(log.values()) == 1 })

	attrs.Unsubscribe(id)
	attrs.Set("x", 2)
	time.Sleep(20 * time.Millisecond)
	if n := len(log.values()); n != 1 {
		t.Fatalf("got %d events after unsubscribe, want 1", n)
	}
}

func TestAttributesWrite(t *testing.T) {
	attrs := NewAttributes("sim/dev/1", nil, nil)
	if err := attrs.Write(context.Background(), "ro", 1); !errors.Is(err, model.ErrCommandNotAllowed) {
		t.Fatalf("write to read-only attribute = %v", err)
	}
	attrs.OnWrite("rw", func(_ context.Context, v any) error {
		attrs.Set("rw", v)
		return nil
	})
	if err := attrs.Write(context.Background(), "rw", 7); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if v, _ := attrs.Get("rw"); v != 7 {
		t.Fatalf("rw = %v, want 7", v)
	}
}

func TestLocalClientCommands(t *testing.T) {
	reg := NewRegistry(WithTimeout(50 * time.Millisecond))
	dev := newEchoDevice("sim/dev/1")
	dev.block = make(chan struct{})
	defer close(dev.block)
	if err := reg.Register(dev); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(dev); err == nil {
		t.Fatalf("duplicate Register succeeded")
	}

	c := reg.Client("sim/dev/1")
	ctx := context.Background()

	out, err := c.Command(ctx, "Echo", "hello")
	if err != nil || out != "hello" {
		t.Fatalf("Echo = %v, %v", out, err)
	}

	_, err = c.Command(ctx, "Reject", nil)
	var tf *TransportFailure
	if !errors.As(err, &tf) || !errors.Is(err, model.ErrCommandNotAllowed) {
		t.Fatalf("Reject error = %v, want TransportFailure wrapping ErrCommandNotAllowed", err)
	}
	if len(tf.Errors) != 1 {
		t.Fatalf("TransportFailure.Errors = %v", tf.Errors)
	}

	if _, err := c.Command(ctx, "Hang", nil); !errors.Is(err, model.ErrDeviceUnresponsive) {
		t.Fatalf("Hang error = %v, want ErrDeviceUnresponsive", err)
	}

	if _, err := reg.Client("sim/missing/1").Command(ctx, "Echo", nil); !errors.Is(err, model.ErrDeviceUnresponsive) {
		t.Fatalf("missing device error = %v", err)
	}

	res, err := CommandResultOf(ctx, c, "Result", nil)
	if err != nil || res.Code != model.ResultStarted {
		t.Fatalf("CommandResultOf = %+v, %v", res, err)
	}
}

func TestLocalClientCommandAsyncCallsOnce(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newEchoDevice("sim/dev/1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	c := reg.Client("sim/dev/1")

	events := make(chan CommandEvent, 2)
	c.CommandAsync(context.Background(), "Reject", nil, func(ev CommandEvent) { events <- ev })

	select {
	case ev := <-events:
		if !ev.Err || ev.Command != "Reject" || len(ev.Errors) == 0 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("onDone not called")
	}
	select {
	case ev := <-events:
		t.Fatalf("onDone called twice: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscriptionHeldUntilDeviceRegisters(t *testing.T) {
	reg := NewRegistry()
	c := reg.Client("sim/late/1")

	var log eventLog
	if _, err := c.Subscribe(context.Background(), "healthState", log.add); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	dev := newEchoDevice("sim/late/1")
	dev.attrs.Set("healthState", model.HealthOK)
	if err := reg.Register(dev); err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitFor(t, "initial event", func() bool { return len(log.values()) == 1 })

	reg.Unregister("sim/late/1")
	waitFor(t, "error event", func() bool {
		log.mu.Lock()
		defer log.mu.Unlock()
		return len(log.events) == 2 && log.events[1].Err != nil
	})

	if err := reg.Register(dev); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	dev.attrs.Set("healthState", model.HealthDegraded)
	waitFor(t, "event after re-register", func() bool {
		v := log.values()
		return len(v) >= 3 && v[len(v)-1] == model.HealthDegraded
	})
}
