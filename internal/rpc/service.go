package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region service-desc
// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "adaptiveselect.v1.Selection"

const (
	methodSelect   = "/" + ServiceName + "/Select"
	methodFeedback = "/" + ServiceName + "/Feedback"
	methodCombine  = "/" + ServiceName + "/Combine"
)

// SelectionServer is the server API of the selection service. Requests and
// responses are structpb.Struct messages laid out as described in wire.go.
type SelectionServer interface {
	Select(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Feedback(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Combine(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the selection service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SelectionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Select", Handler: unaryHandler(methodSelect, SelectionServer.Select)},
		{MethodName: "Feedback", Handler: unaryHandler(methodFeedback, SelectionServer.Feedback)},
		{MethodName: "Combine", Handler: unaryHandler(methodCombine, SelectionServer.Combine)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "adaptiveselect/v1/selection.proto",
}

type unaryMethod func(SelectionServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SelectionServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SelectionServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// #endregion service-desc

// #region service-client
// SelectionClient is the client API of the selection service.
type SelectionClient interface {
	Select(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Feedback(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Combine(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type selectionClient struct {
	cc grpc.ClientConnInterface
}

// NewSelectionClient creates a SelectionClient over cc.
func NewSelectionClient(cc grpc.ClientConnInterface) SelectionClient {
	return &selectionClient{cc: cc}
}

func (c *selectionClient) Select(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodSelect, in, opts)
}

func (c *selectionClient) Feedback(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodFeedback, in, opts)
}

func (c *selectionClient) Combine(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodCombine, in, opts)
}

func (c *selectionClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// #endregion service-client
