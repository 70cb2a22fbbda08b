package remote

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/observability"
	"github.com/signalsfoundry/telescope-mc/internal/tango"
)

const requestIDMetadataKey = "x-request-id"

// eventBuffer bounds how far a slow subscriber may fall behind before its
// stream is closed.
const eventBuffer = 256

// Devices resolves device names; *tango.Registry satisfies it.
type Devices interface {
	Client(name string) tango.Client
	Names() []string
}

// Server exposes every device of a Devices set over gRPC.
type Server struct {
	devices Devices
	log     logging.Logger
}

var _ deviceProxy = (*Server)(nil)

// NewServer builds the proxy service.
func NewServer(devices Devices, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{devices: devices, log: log}
}

// Register attaches the service to s.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&serviceDesc, s)
}

// ServerOptions returns the stats handler and interceptor chain the proxy is
// served with. collector may be nil.
func ServerOptions(log logging.Logger, collector *observability.NodeCollector) []grpc.ServerOption {
	unary := []grpc.UnaryServerInterceptor{RequestIDUnaryServerInterceptor(log)}
	var stream []grpc.StreamServerInterceptor
	if collector != nil {
		unary = append(unary, collector.UnaryServerInterceptor())
		stream = append(stream, collector.StreamServerInterceptor())
	}
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
}

// RequestIDUnaryServerInterceptor puts the caller's request id, or a fresh
// one, on the context together with a logger carrying it.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDMetadataKey); len(vals) > 0 && vals[0] != "" {
				ctx = logging.ContextWithRequestID(ctx, vals[0])
			}
		}
		ctx, id := logging.EnsureRequestID(ctx)
		reqLog := base.With(logging.String("method", info.FullMethod), logging.String("request_id", id))
		return handler(logging.ContextWithLogger(ctx, reqLog), req)
	}
}

func (s *Server) target(req *structpb.Struct) (tango.Client, error) {
	name := stringField(req, fieldDevice)
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "device name is required")
	}
	return s.devices.Client(name), nil
}

func (s *Server) Command(ctx context.Context, req *structpb.Struct) (*structpb.Value, error) {
	c, err := s.target(req)
	if err != nil {
		return nil, err
	}
	cmd := stringField(req, fieldCommand)
	if cmd == "" {
		return nil, status.Error(codes.InvalidArgument, "command name is required")
	}
	log := logging.FromContext(ctx, s.log)
	argout, err := c.Command(ctx, cmd, fromValue(req.GetFields()[fieldArgin]))
	if err != nil {
		log.Debug(ctx, "proxied command failed", logging.Device(c.Name()), logging.String("command", cmd), logging.Err(err))
		return nil, ToStatusError(err)
	}
	v, err := toValue(argout)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return v, nil
}

func (s *Server) ReadAttribute(ctx context.Context, req *structpb.Struct) (*structpb.Value, error) {
	c, err := s.target(req)
	if err != nil {
		return nil, err
	}
	v, err := c.ReadAttribute(ctx, stringField(req, fieldAttribute))
	if err != nil {
		return nil, ToStatusError(err)
	}
	out, err := toValue(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) WriteAttribute(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	c, err := s.target(req)
	if err != nil {
		return nil, err
	}
	if err := c.WriteAttribute(ctx, stringField(req, fieldAttribute), fromValue(req.GetFields()[fieldValue])); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) ListDevices(context.Context, *emptypb.Empty) (*structpb.ListValue, error) {
	names := s.devices.Names()
	vals := make([]*structpb.Value, 0, len(names))
	for _, n := range names {
		vals = append(vals, structpb.NewStringValue(n))
	}
	return &structpb.ListValue{Values: vals}, nil
}

// Subscribe streams change events until the caller goes away. The current
// value arrives first, as for in-process subscribers.
func (s *Server) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	c, err := s.target(req)
	if err != nil {
		return err
	}
	attr := stringField(req, fieldAttribute)
	if attr == "" {
		return status.Error(codes.InvalidArgument, "attribute name is required")
	}
	ctx := stream.Context()
	events := make(chan tango.Event, eventBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	id, err := c.Subscribe(ctx, attr, func(ev tango.Event) {
		select {
		case events <- ev:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	if err != nil {
		return ToStatusError(err)
	}
	defer c.Unsubscribe(id)
	s.log.Debug(ctx, "remote subscription opened", logging.Device(c.Name()), logging.String("attribute", attr))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-overflow:
			s.log.Warn(ctx, "subscriber fell behind", logging.Device(c.Name()), logging.String("attribute", attr))
			return status.Error(codes.ResourceExhausted, "subscriber fell behind")
		case ev := <-events:
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now()
			}
			msg, err := encodeEvent(ev)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}
