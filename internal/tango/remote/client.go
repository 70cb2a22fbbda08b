package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/tango"
)

// Resubscribe bounds for a lost attribute stream.
const (
	resubscribeInitial = 100 * time.Millisecond
	resubscribeMax     = 5 * time.Second
)

// Option customises a Conn.
type Option func(*Conn)

// WithLogger sets the connection logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// WithTimeout bounds calls whose context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDialOptions appends gRPC dial options, e.g. a bufconn dialer in tests.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Conn) { c.dialOpts = append(c.dialOpts, opts...) }
}

// Conn is a connection to a DeviceProxy endpoint.
type Conn struct {
	cc       *grpc.ClientConn
	log      logging.Logger
	timeout  time.Duration
	dialOpts []grpc.DialOption

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[tango.SubscriptionID]context.CancelFunc
	nextID tango.SubscriptionID
	wg     sync.WaitGroup
}

// Dial connects to target. The connection is lazy: devices behind it need
// not be up yet.
func Dial(target string, opts ...Option) (*Conn, error) {
	c := &Conn{
		log:     logging.Noop(),
		timeout: tango.DefaultTimeout,
		subs:    make(map[tango.SubscriptionID]context.CancelFunc),
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	cc, err := grpc.NewClient(target, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	c.cc = cc
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Close ends every subscription and the underlying connection.
func (c *Conn) Close() error {
	c.cancel()
	c.wg.Wait()
	return c.cc.Close()
}

// Client returns a handle to the named device.
func (c *Conn) Client(name string) tango.Client {
	return &deviceClient{conn: c, name: name}
}

// Devices lists the device names the server exposes.
func (c *Conn) Devices(ctx context.Context) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	out := &structpb.ListValue{}
	if err := c.cc.Invoke(ctx, fullMethod(methodListDevices), &emptypb.Empty{}, out); err != nil {
		return nil, FromStatusError(ctx, "", "list devices", err)
	}
	names := make([]string, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		names = append(names, v.GetStringValue())
	}
	return names, nil
}

func (c *Conn) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if id := logging.RequestIDFromContext(ctx); id != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, requestIDMetadataKey, id)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

type deviceClient struct {
	conn *Conn
	name string
}

var _ tango.Client = (*deviceClient)(nil)

func (d *deviceClient) Name() string { return d.name }

func (d *deviceClient) Command(ctx context.Context, command string, argin any) (any, error) {
	arg, err := toValue(argin)
	if err != nil {
		return nil, tango.NewTransportFailure(d.name, command, err)
	}
	ctx, cancel := d.conn.withTimeout(ctx)
	defer cancel()
	req := request(d.name, map[string]*structpb.Value{
		fieldCommand: structpb.NewStringValue(command),
		fieldArgin:   arg,
	})
	out := &structpb.Value{}
	if err := d.conn.cc.Invoke(ctx, fullMethod(methodCommand), req, out); err != nil {
		return nil, FromStatusError(ctx, d.name, command, err)
	}
	return fromValue(out), nil
}

func (d *deviceClient) CommandAsync(ctx context.Context, command string, argin any, onDone func(tango.CommandEvent)) {
	go func() {
		argout, err := d.Command(ctx, command, argin)
		ev := tango.CommandEvent{Device: d.name, Command: command, Argout: argout}
		if err != nil {
			ev.Err = true
			ev.Cause = err
			ev.Errors = []string{err.Error()}
		}
		if onDone != nil {
			d.conn.safeCall(d.name, command, func() { onDone(ev) })
		}
	}()
}

func (d *deviceClient) ReadAttribute(ctx context.Context, attribute string) (any, error) {
	ctx, cancel := d.conn.withTimeout(ctx)
	defer cancel()
	req := request(d.name, map[string]*structpb.Value{fieldAttribute: structpb.NewStringValue(attribute)})
	out := &structpb.Value{}
	if err := d.conn.cc.Invoke(ctx, fullMethod(methodReadAttribute), req, out); err != nil {
		return nil, FromStatusError(ctx, d.name, "read "+attribute, err)
	}
	return fromValue(out), nil
}

func (d *deviceClient) WriteAttribute(ctx context.Context, attribute string, value any) error {
	v, err := toValue(value)
	if err != nil {
		return tango.NewTransportFailure(d.name, "write "+attribute, err)
	}
	ctx, cancel := d.conn.withTimeout(ctx)
	defer cancel()
	req := request(d.name, map[string]*structpb.Value{
		fieldAttribute: structpb.NewStringValue(attribute),
		fieldValue:     v,
	})
	if err := d.conn.cc.Invoke(ctx, fullMethod(methodWriteAttribute), req, &emptypb.Empty{}); err != nil {
		return FromStatusError(ctx, d.name, "write "+attribute, err)
	}
	return nil
}

// Subscribe follows the attribute until Unsubscribe or Close. A broken
// stream is reported once as an error event and then reopened with
// exponential backoff; the server replays the current value on reopen.
func (d *deviceClient) Subscribe(_ context.Context, attribute string, fn func(tango.Event)) (tango.SubscriptionID, error) {
	c := d.conn
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		d.follow(ctx, attribute, fn)
	}()
	return id, nil
}

func (d *deviceClient) Unsubscribe(id tango.SubscriptionID) {
	c := d.conn
	c.mu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (d *deviceClient) follow(ctx context.Context, attribute string, fn func(tango.Event)) {
	log := d.conn.log.With(logging.Device(d.name), logging.String("attribute", attribute))
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = resubscribeInitial
	bo.MaxInterval = resubscribeMax

	connected := true
	deliver := func(ev tango.Event) {
		d.conn.safeCall(d.name, "subscribe "+attribute, func() { fn(ev) })
	}
	op := func() (struct{}, error) {
		err := d.stream(ctx, attribute, func(ev tango.Event) {
			connected = true
			bo.Reset()
			deliver(ev)
		})
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if connected {
			connected = false
			deliver(tango.Event{Device: d.name, Attribute: attribute, Timestamp: time.Now(), Err: err})
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug(ctx, "resubscribing", logging.Err(err), logging.Duration("in", next))
		}),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn(ctx, "subscription ended", logging.Err(err))
	}
}

// stream runs one Subscribe call until it breaks.
func (d *deviceClient) stream(ctx context.Context, attribute string, on func(tango.Event)) error {
	s, err := d.conn.cc.NewStream(ctx, &serviceDesc.Streams[0], fullMethod(methodSubscribe))
	if err != nil {
		return FromStatusError(ctx, d.name, "subscribe "+attribute, err)
	}
	req := request(d.name, map[string]*structpb.Value{fieldAttribute: structpb.NewStringValue(attribute)})
	if err := s.SendMsg(req); err != nil {
		return FromStatusError(ctx, d.name, "subscribe "+attribute, err)
	}
	if err := s.CloseSend(); err != nil {
		return FromStatusError(ctx, d.name, "subscribe "+attribute, err)
	}
	for {
		msg := &structpb.Struct{}
		if err := s.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return tango.Unreachable(d.name, "subscribe "+attribute, "stream closed by server")
			}
			return FromStatusError(ctx, d.name, "subscribe "+attribute, err)
		}
		on(decodeEvent(msg))
	}
}

func (c *Conn) safeCall(device, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error(context.Background(), "callback panicked",
				logging.Device(device), logging.String("operation", what), logging.Any("panic", r))
		}
	}()
	fn()
}
