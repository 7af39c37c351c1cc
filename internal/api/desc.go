package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "hsync.v1.Engine"

// Unary methods. Requests and replies are Structs holding the JSON form of
// the types in this package.
const (
	MethodStatus            = "Status"
	MethodListConversations = "ListConversations"
	MethodOpenThread        = "OpenThread"
	MethodCloseThread       = "CloseThread"
	MethodGetThread         = "GetThread"
	MethodSend              = "Send"
	MethodRetry             = "Retry"
	MethodPlaceCall         = "PlaceCall"
	MethodAccept            = "Accept"
	MethodReject            = "Reject"
	MethodHangup            = "Hangup"
	MethodListCalls         = "ListCalls"
	MethodSearch            = "Search"
	MethodLogin             = "Login"
	MethodSuspend           = "Suspend"
	MethodResume            = "Resume"
)

// StreamWatchEvents is the server-streaming event feed.
const StreamWatchEvents = "WatchEvents"

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

type unaryFunc func(s *Service, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

var unaryMethods = map[string]unaryFunc{
	MethodStatus:            (*Service).status,
	MethodListConversations: (*Service).listConversations,
	MethodOpenThread:        (*Service).openThread,
	MethodCloseThread:       (*Service).closeThread,
	MethodGetThread:         (*Service).getThread,
	MethodSend:              (*Service).send,
	MethodRetry:             (*Service).retry,
	MethodPlaceCall:         (*Service).placeCall,
	MethodAccept:            (*Service).accept,
	MethodReject:            (*Service).reject,
	MethodHangup:            (*Service).hangup,
	MethodListCalls:         (*Service).listCalls,
	MethodSearch:            (*Service).search,
	MethodLogin:             (*Service).login,
	MethodSuspend:           (*Service).suspend,
	MethodResume:            (*Service).resume,
}

// ServiceDesc describes the Engine service for grpc.Server.RegisterService.
var ServiceDesc = newServiceDesc()

// WatchStreamDesc is the client-side description of the event stream.
var WatchStreamDesc = grpc.StreamDesc{
	StreamName:    StreamWatchEvents,
	ServerStreams: true,
}

func newServiceDesc() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    StreamWatchEvents,
			ServerStreams: true,
			Handler:       watchHandler,
		}},
		Metadata: "hsync/v1/engine",
	}
	for name, fn := range unaryMethods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    unaryHandler(name, fn),
		})
	}
	return desc
}

func unaryHandler(name string, fn unaryFunc) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*Service)
		if interceptor == nil {
			return fn(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*structpb.Struct))
		})
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Service).watchEvents(in, stream)
}

// Register installs svc on a gRPC server.
func Register(srv *grpc.Server, svc *Service) {
	srv.RegisterService(&ServiceDesc, svc)
}
