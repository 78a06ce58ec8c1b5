package protocol

import (
	"context"

	"google.golang.org/grpc"
)

// LambdoApiServer is the agent -> host service: Register and Status.
type LambdoApiServer interface {
	Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error)
	Status(ctx context.Context, msg *StatusMessage) (*Empty, error)
}

// LambdoApiClient is the agent-side stub for LambdoApi. The in-guest agent
// is out of scope for this repo; the client is provided so control-plane
// tests can drive the server the same way a real agent would.
type LambdoApiClient interface {
	Register(ctx context.Context, req *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	Status(ctx context.Context, msg *StatusMessage, opts ...grpc.CallOption) (*Empty, error)
}

type lambdoApiClient struct {
	cc grpc.ClientConnInterface
}

// NewLambdoApiClient builds a client bound to the JSON content-subtype.
func NewLambdoApiClient(cc grpc.ClientConnInterface) LambdoApiClient {
	return &lambdoApiClient{cc: cc}
}

func (c *lambdoApiClient) Register(ctx context.Context, req *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	opts = append(opts, grpc.CallContentSubtype("json"))
	if err := c.cc.Invoke(ctx, "/lambdo.LambdoApi/Register", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *lambdoApiClient) Status(ctx context.Context, msg *StatusMessage, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	opts = append(opts, grpc.CallContentSubtype("json"))
	if err := c.cc.Invoke(ctx, "/lambdo.LambdoApi/Status", msg, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _LambdoApi_Register_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LambdoApiServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/lambdo.LambdoApi/Register"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LambdoApiServer).Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _LambdoApi_Status_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatusMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LambdoApiServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/lambdo.LambdoApi/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LambdoApiServer).Status(ctx, req.(*StatusMessage))
	}
	return interceptor(ctx, in, info, handler)
}

// LambdoApiServiceDesc is the hand-written equivalent of a protoc-gen-go-grpc
// ServiceDesc, registered directly with grpc.Server.RegisterService.
var LambdoApiServiceDesc = grpc.ServiceDesc{
	ServiceName: "lambdo.LambdoApi",
	HandlerType: (*LambdoApiServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: _LambdoApi_Register_Handler},
		{MethodName: "Status", Handler: _LambdoApi_Status_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lambdo_api.proto",
}

func RegisterLambdoApiServer(s grpc.ServiceRegistrar, srv LambdoApiServer) {
	s.RegisterService(&LambdoApiServiceDesc, srv)
}

// LambdoAgentServer is the host -> agent service: a single Execute call.
type LambdoAgentServer interface {
	Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error)
}

// LambdoAgentClient is the host-side stub dialed against the guest IP.
type LambdoAgentClient interface {
	Execute(ctx context.Context, req *ExecuteRequest, opts ...grpc.CallOption) (*ExecuteResponse, error)
}

type lambdoAgentClient struct {
	cc grpc.ClientConnInterface
}

func NewLambdoAgentClient(cc grpc.ClientConnInterface) LambdoAgentClient {
	return &lambdoAgentClient{cc: cc}
}

func (c *lambdoAgentClient) Execute(ctx context.Context, req *ExecuteRequest, opts ...grpc.CallOption) (*ExecuteResponse, error) {
	out := new(ExecuteResponse)
	opts = append(opts, grpc.CallContentSubtype("json"))
	if err := c.cc.Invoke(ctx, "/lambdo.LambdoAgent/Execute", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _LambdoAgent_Execute_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ExecuteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LambdoAgentServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/lambdo.LambdoAgent/Execute"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LambdoAgentServer).Execute(ctx, req.(*ExecuteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var LambdoAgentServiceDesc = grpc.ServiceDesc{
	ServiceName: "lambdo.LambdoAgent",
	HandlerType: (*LambdoAgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: _LambdoAgent_Execute_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lambdo_agent.proto",
}

func RegisterLambdoAgentServer(s grpc.ServiceRegistrar, srv LambdoAgentServer) {
	s.RegisterService(&LambdoAgentServiceDesc, srv)
}
