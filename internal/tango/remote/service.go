// Package remote carries the tango Client contract over gRPC. A single
// DeviceProxy endpoint fronts every device of a process; clients address
// devices by fully-qualified name. Payloads travel as protobuf Struct and
// Value messages so no generated code is needed.
package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "tmc.v1.DeviceProxy"

const (
	methodCommand        = "Command"
	methodReadAttribute  = "ReadAttribute"
	methodWriteAttribute = "WriteAttribute"
	methodListDevices    = "ListDevices"
	methodSubscribe      = "Subscribe"
)

func fullMethod(m string) string { return "/" + ServiceName + "/" + m }

// deviceProxy is the server-side contract of the service.
type deviceProxy interface {
	Command(context.Context, *structpb.Struct) (*structpb.Value, error)
	ReadAttribute(context.Context, *structpb.Struct) (*structpb.Value, error)
	WriteAttribute(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ListDevices(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Subscribe(*structpb.Struct, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*deviceProxy)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodCommand, Handler: unaryHandler(methodCommand, newStruct, deviceProxy.Command)},
		{MethodName: methodReadAttribute, Handler: unaryHandler(methodReadAttribute, newStruct, deviceProxy.ReadAttribute)},
		{MethodName: methodWriteAttribute, Handler: unaryHandler(methodWriteAttribute, newStruct, deviceProxy.WriteAttribute)},
		{MethodName: methodListDevices, Handler: unaryHandler(methodListDevices, newEmpty, deviceProxy.ListDevices)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: methodSubscribe, Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "tmc/v1/device_proxy.proto",
}

func newStruct() *structpb.Struct { return &structpb.Struct{} }
func newEmpty() *emptypb.Empty    { return &emptypb.Empty{} }

func unaryHandler[Req, Resp proto.Message](method string, newReq func() Req, call func(deviceProxy, context.Context, Req) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(deviceProxy)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(Req))
		})
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := newStruct()
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(deviceProxy).Subscribe(in, stream)
}
