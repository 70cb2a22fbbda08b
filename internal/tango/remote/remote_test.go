package remote

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	grpcbackoff "google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/telescope-mc/internal/tango"
	"github.com/signalsfoundry/telescope-mc/model"
)

type testDevice struct {
	name  string
	attrs *tango.Attributes
}

func newTestDevice(name string) *testDevice {
	d := &testDevice{name: name, attrs: tango.NewAttributes(name, nil, nil)}
	d.attrs.Set(model.AttrObsState, model.ObsStateIdle)
	d.attrs.OnWrite("adminMode", func(_ context.Context, v any) error {
		s, ok := v.(string)
		if !ok {
			return model.InvalidArgument("adminMode must be a string")
		}
		d.attrs.Set("adminMode", s)
		return nil
	})
	return d
}

func (d *testDevice) Name() string                  { return d.name }
func (d *testDevice) Attributes() *tango.Attributes { return d.attrs }

func (d *testDevice) Execute(_ context.Context, command string, argin any) (any, error) {
	switch command {
	case "Echo":
		return argin, nil
	case "Configure":
		return model.Started("cmd-1", "configuring"), nil
	case "Reject":
		return nil, model.NotAllowed(command, model.ObsStateEmpty)
	}
	return nil, model.InvalidArgument("unknown command %s", command)
}

// harness serves a registry on an in-memory listener that can be swapped to
// simulate a server restart.
type harness struct {
	t        *testing.T
	registry *tango.Registry
	conn     *Conn

	mu     sync.Mutex
	lis    *bufconn.Listener
	server *grpc.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, registry: tango.NewRegistry()}
	h.start()
	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		h.mu.Lock()
		lis := h.lis
		h.mu.Unlock()
		return lis.DialContext(ctx)
	}
	reconnect := grpc.ConnectParams{
		Backoff:           grpcbackoff.Config{BaseDelay: 20 * time.Millisecond, Multiplier: 1.6, MaxDelay: 200 * time.Millisecond},
		MinConnectTimeout: time.Second,
	}
	conn, err := Dial("passthrough:///bufnet", WithTimeout(2*time.Second),
		WithDialOptions(grpc.WithContextDialer(dialer), grpc.WithConnectParams(reconnect)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	h.conn = conn
	t.Cleanup(func() {
		_ = conn.Close()
		h.stop()
	})
	return h
}

func (h *harness) start() {
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(ServerOptions(nil, nil)...)
	NewServer(h.registry, nil).Register(server)
	go func() { _ = server.Serve(lis) }()
	h.mu.Lock()
	h.lis, h.server = lis, server
	h.mu.Unlock()
}

func (h *harness) stop() {
	h.mu.Lock()
	server := h.server
	h.mu.Unlock()
	server.Stop()
}

type events struct {
	mu  sync.Mutex
	evs []tango.Event
}

func (e *events) add(ev tango.Event) {
	e.mu.Lock()
	e.evs = append(e.evs, ev)
	e.mu.Unlock()
}

func (e *events) snapshot() []tango.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]tango.Event(nil), e.evs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCommandRoundTrip(t *testing.T) {
	h := newHarness(t)
	if err := h.registry.Register(newTestDevice("mid-csp/subarray/01")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	c := h.conn.Client("mid-csp/subarray/01")

	argout, err := c.Command(context.Background(), "Echo", map[string]any{"scan_id": 7})
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	m, ok := argout.(map[string]any)
	if !ok || m["scan_id"] != float64(7) {
		t.Fatalf("unexpected argout %#v", argout)
	}

	res, err := tango.CommandResultOf(context.Background(), c, "Configure", nil)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if res.Code != model.ResultStarted || res.CommandID != "cmd-1" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestErrorKindsSurviveTheWire(t *testing.T) {
	h := newHarness(t)
	if err := h.registry.Register(newTestDevice("dev/a/1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()

	_, err := h.conn.Client("dev/a/1").Command(ctx, "Reject", nil)
	if !errors.Is(err, model.ErrCommandNotAllowed) {
		t.Fatalf("Reject: expected not-allowed, got %v", err)
	}
	_, err = h.conn.Client("dev/a/1").Command(ctx, "Nope", nil)
	if !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("unknown command: expected invalid argument, got %v", err)
	}
	_, err = h.conn.Client("dev/missing/1").Command(ctx, "Echo", nil)
	if !errors.Is(err, model.ErrDeviceUnresponsive) {
		t.Fatalf("missing device: expected unresponsive, got %v", err)
	}
	var tf *tango.TransportFailure
	if !errors.As(err, &tf) || tf.Device != "dev/missing/1" {
		t.Fatalf("expected a transport failure naming the device, got %#v", err)
	}
}

func TestReadAndWriteAttribute(t *testing.T) {
	h := newHarness(t)
	dev := newTestDevice("dev/a/1")
	if err := h.registry.Register(dev); err != nil {
		t.Fatalf("Register: %v", err)
	}
	c := h.conn.Client("dev/a/1")
	ctx := context.Background()

	v, err := c.ReadAttribute(ctx, model.AttrObsState)
	if err != nil {
		t.Fatalf("ReadAttribute: %v", err)
	}
	if s, ok := model.AsObsState(v); !ok || s != model.ObsStateIdle {
		t.Fatalf("obsState = %#v", v)
	}
	if err := c.WriteAttribute(ctx, "adminMode", "ENGINEERING"); err != nil {
		t.Fatalf("WriteAttribute: %v", err)
	}
	if got, _ := dev.attrs.Get("adminMode"); got != "ENGINEERING" {
		t.Fatalf("adminMode = %#v", got)
	}
	if err := c.WriteAttribute(ctx, model.AttrObsState, "READY"); !errors.Is(err, model.ErrCommandNotAllowed) {
		t.Fatalf("read-only write: expected not-allowed, got %v", err)
	}
	if _, err := c.ReadAttribute(ctx, "noSuchAttribute"); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("unknown attribute: expected invalid argument, got %v", err)
	}
}

func TestSubscribeDeliversCurrentValueThenChanges(t *testing.T) {
	h := newHarness(t)
	dev := newTestDevice("dev/a/1")
	if err := h.registry.Register(dev); err != nil {
		t.Fatalf("Register: %v", err)
	}
	var got events
	c := h.conn.Client("dev/a/1")
	id, err := c.Subscribe(context.Background(), model.AttrObsState, got.add)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "initial event", func() bool { return len(got.snapshot()) == 1 })
	dev.attrs.Set(model.AttrObsState, model.ObsStateConfiguring)
	dev.attrs.Set(model.AttrObsState, model.ObsStateReady)
	waitFor(t, "change events", func() bool { return len(got.snapshot()) == 3 })

	want := []model.ObsState{model.ObsStateIdle, model.ObsStateConfiguring, model.ObsStateReady}
	for i, ev := range got.snapshot() {
		s, ok := model.AsObsState(ev.Value)
		if !ok || s != want[i] || ev.Err != nil {
			t.Fatalf("event %d = %+v, want %s", i, ev, want[i])
		}
		if ev.Device != "dev/a/1" || ev.Attribute != model.AttrObsState || ev.Timestamp.IsZero() {
			t.Fatalf("event %d metadata: %+v", i, ev)
		}
	}

	c.Unsubscribe(id)
	time.Sleep(20 * time.Millisecond)
	dev.attrs.Set(model.AttrObsState, model.ObsStateScanning)
	time.Sleep(50 * time.Millisecond)
	if n := len(got.snapshot()); n != 3 {
		t.Fatalf("events after unsubscribe: %d", n)
	}
}

func TestSubscribeBeforeDeviceRegisters(t *testing.T) {
	h := newHarness(t)
	var got events
	if _, err := h.conn.Client("dev/late/1").Subscribe(context.Background(), model.AttrObsState, got.add); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(got.snapshot()); n != 0 {
		t.Fatalf("events before registration: %d", n)
	}
	if err := h.registry.Register(newTestDevice("dev/late/1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitFor(t, "event after registration", func() bool { return len(got.snapshot()) == 1 })
}

func TestResubscribeAfterServerRestart(t *testing.T) {
	h := newHarness(t)
	dev := newTestDevice("dev/a/1")
	if err := h.registry.Register(dev); err != nil {
		t.Fatalf("Register: %v", err)
	}
	var got events
	if _, err := h.conn.Client("dev/a/1").Subscribe(context.Background(), model.AttrObsState, got.add); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "initial event", func() bool { return len(got.snapshot()) == 1 })

	h.stop()
	waitFor(t, "disconnect event", func() bool {
		evs := got.snapshot()
		return len(evs) == 2 && evs[1].Err != nil
	})
	if err := got.snapshot()[1].Err; !errors.Is(err, model.ErrDeviceUnresponsive) {
		t.Fatalf("disconnect error kind: %v", err)
	}

	dev.attrs.Set(model.AttrObsState, model.ObsStateReady)
	h.start()
	waitFor(t, "replayed value", func() bool {
		evs := got.snapshot()
		if len(evs) < 3 {
			return false
		}
		s, ok := model.AsObsState(evs[len(evs)-1].Value)
		return ok && s == model.ObsStateReady
	})
}

func TestListDevices(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"b/dev/1", "a/dev/1"} {
		if err := h.registry.Register(newTestDevice(name)); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	names, err := h.conn.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(names) != 2 || names[0] != "a/dev/1" || names[1] != "b/dev/1" {
		t.Fatalf("names = %v", names)
	}
}

func TestStatusMappingIsSymmetric(t *testing.T) {
	kinds := []error{
		model.ErrInvalidArgument,
		model.ErrCommandNotAllowed,
		model.ErrResourceConflict,
		model.ErrElevationLimit,
		model.ErrAborted,
		model.ErrTimeout,
		model.ErrDeviceUnresponsive,
		model.ErrCommandFailed,
	}
	for _, kind := range kinds {
		wire := ToStatusError(tango.NewTransportFailure("dev/a/1", "Cmd", kind))
		back := FromStatusError(context.Background(), "dev/a/1", "Cmd", wire)
		if !errors.Is(back, kind) {
			t.Fatalf("%v came back as %v (code %s)", kind, back, status.Code(wire))
		}
	}
	if got := status.Code(ToStatusError(context.DeadlineExceeded)); got != codes.DeadlineExceeded {
		t.Fatalf("deadline code = %s", got)
	}
	if ToStatusError(nil) != nil {
		t.Fatal("nil error must map to nil")
	}
}
