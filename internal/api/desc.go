package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gigchat.v1.Messaging"

// MessagingServer is the server side of gigchat.v1.Messaging. Every message
// is a google.protobuf.Struct holding the JSON form of the types in this
// package.
type MessagingServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetActiveConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DiscardMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkSeen(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetRoute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryMethod func(MessagingServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MessagingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(MessagingServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes gigchat.v1.Messaging for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MessagingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", MessagingServer.GetStatus),
		unary("Login", MessagingServer.Login),
		unary("Logout", MessagingServer.Logout),
		unary("ListConversations", MessagingServer.ListConversations),
		unary("GetConversation", MessagingServer.GetConversation),
		unary("SetActiveConversation", MessagingServer.SetActiveConversation),
		unary("StartConversation", MessagingServer.StartConversation),
		unary("SendMessage", MessagingServer.SendMessage),
		unary("RetryMessage", MessagingServer.RetryMessage),
		unary("DiscardMessage", MessagingServer.DiscardMessage),
		unary("MarkSeen", MessagingServer.MarkSeen),
		unary("SetRoute", MessagingServer.SetRoute),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchEvents",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(MessagingServer).WatchEvents(in, stream)
		},
	}},
}

// RegisterMessagingServer registers srv on s.
func RegisterMessagingServer(s grpc.ServiceRegistrar, srv MessagingServer) {
	s.RegisterService(&ServiceDesc, srv)
}
