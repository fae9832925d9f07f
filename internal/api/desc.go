// Package api exposes the daemon over gRPC. Messages are structpb.Struct so
// the service is registered by hand without generated stubs.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "heroes.v1.Core"

// Method names.
const (
	MethodStatus          = "Status"
	MethodEnqueue         = "Enqueue"
	MethodListQueue       = "ListQueue"
	MethodClearQueue      = "ClearQueue"
	MethodDrainQueue      = "DrainQueue"
	MethodDrainLog        = "DrainLog"
	MethodSetConnectivity = "SetConnectivity"
	MethodSubscribeRoom   = "SubscribeRoom"
	MethodUnsubscribeRoom = "UnsubscribeRoom"
	MethodSendMessage     = "SendMessage"
	MethodRetryMessage    = "RetryMessage"
	MethodListMessages    = "ListMessages"
	MethodCloseRoom       = "CloseRoom"
	MethodWatchEvents     = "WatchEvents"
)

// CoreServer is implemented by Service.
type CoreServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Enqueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListQueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClearQueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DrainQueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DrainLog(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetConnectivity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubscribeRoom(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UnsubscribeRoom(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseRoom(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryCall func(CoreServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CoreServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(CoreServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CoreServer).WatchEvents(in, stream)
}

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes heroes.v1.Core for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, CoreServer.Status),
		unary(MethodEnqueue, CoreServer.Enqueue),
		unary(MethodListQueue, CoreServer.ListQueue),
		unary(MethodClearQueue, CoreServer.ClearQueue),
		unary(MethodDrainQueue, CoreServer.DrainQueue),
		unary(MethodDrainLog, CoreServer.DrainLog),
		unary(MethodSetConnectivity, CoreServer.SetConnectivity),
		unary(MethodSubscribeRoom, CoreServer.SubscribeRoom),
		unary(MethodUnsubscribeRoom, CoreServer.UnsubscribeRoom),
		unary(MethodSendMessage, CoreServer.SendMessage),
		unary(MethodRetryMessage, CoreServer.RetryMessage),
		unary(MethodListMessages, CoreServer.ListMessages),
		unary(MethodCloseRoom, CoreServer.CloseRoom),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "heroes/v1/core.proto",
}

// Register adds srv to s.
func Register(s *grpc.Server, srv CoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}
