package wire

import (
	"context"

	"google.golang.org/grpc"
)

const (
	Backend_Allocate_FullMethodName    = "/weft.v1.Backend/Allocate"
	Backend_Free_FullMethodName        = "/weft.v1.Backend/Free"
	Backend_WriteMemory_FullMethodName = "/weft.v1.Backend/WriteMemory"
	Backend_ReadMemory_FullMethodName  = "/weft.v1.Backend/ReadMemory"
	Backend_LoadModule_FullMethodName  = "/weft.v1.Backend/LoadModule"
	Backend_GetFunction_FullMethodName = "/weft.v1.Backend/GetFunction"
	Backend_Launch_FullMethodName      = "/weft.v1.Backend/Launch"
)

// BackendClient is the client API for the Backend service.
type BackendClient interface {
	Allocate(ctx context.Context, in *AllocateRequest, opts ...grpc.CallOption) (*AllocateResponse, error)
	Free(ctx context.Context, in *FreeRequest, opts ...grpc.CallOption) (*Empty, error)
	WriteMemory(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[WriteMemoryChunk, Empty], error)
	ReadMemory(ctx context.Context, in *ReadMemoryRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[MemoryChunk], error)
	LoadModule(ctx context.Context, in *LoadModuleRequest, opts ...grpc.CallOption) (*LoadModuleResponse, error)
	GetFunction(ctx context.Context, in *GetFunctionRequest, opts ...grpc.CallOption) (*GetFunctionResponse, error)
	Launch(ctx context.Context, in *LaunchRequest, opts ...grpc.CallOption) (*Empty, error)
}

type backendClient struct {
	cc grpc.ClientConnInterface
}

func NewBackendClient(cc grpc.ClientConnInterface) BackendClient {
	return &backendClient{cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *backendClient) Allocate(ctx context.Context, in *AllocateRequest, opts ...grpc.CallOption) (*AllocateResponse, error) {
	out := new(AllocateResponse)
	if err := c.cc.Invoke(ctx, Backend_Allocate_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *backendClient) Free(ctx context.Context, in *FreeRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, Backend_Free_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *backendClient) WriteMemory(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[WriteMemoryChunk, Empty], error) {
	stream, err := c.cc.NewStream(ctx, &Backend_ServiceDesc.Streams[0], Backend_WriteMemory_FullMethodName, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[WriteMemoryChunk, Empty]{ClientStream: stream}, nil
}

func (c *backendClient) ReadMemory(ctx context.Context, in *ReadMemoryRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[MemoryChunk], error) {
	stream, err := c.cc.NewStream(ctx, &Backend_ServiceDesc.Streams[1], Backend_ReadMemory_FullMethodName, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[ReadMemoryRequest, MemoryChunk]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *backendClient) LoadModule(ctx context.Context, in *LoadModuleRequest, opts ...grpc.CallOption) (*LoadModuleResponse, error) {
	out := new(LoadModuleResponse)
	if err := c.cc.Invoke(ctx, Backend_LoadModule_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *backendClient) GetFunction(ctx context.Context, in *GetFunctionRequest, opts ...grpc.CallOption) (*GetFunctionResponse, error) {
	out := new(GetFunctionResponse)
	if err := c.cc.Invoke(ctx, Backend_GetFunction_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *backendClient) Launch(ctx context.Context, in *LaunchRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, Backend_Launch_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// BackendServer is the server API for the Backend service.
type BackendServer interface {
	Allocate(context.Context, *AllocateRequest) (*AllocateResponse, error)
	Free(context.Context, *FreeRequest) (*Empty, error)
	WriteMemory(grpc.ClientStreamingServer[WriteMemoryChunk, Empty]) error
	ReadMemory(*ReadMemoryRequest, grpc.ServerStreamingServer[MemoryChunk]) error
	LoadModule(context.Context, *LoadModuleRequest) (*LoadModuleResponse, error)
	GetFunction(context.Context, *GetFunctionRequest) (*GetFunctionResponse, error)
	Launch(context.Context, *LaunchRequest) (*Empty, error)
}

func RegisterBackendServer(s grpc.ServiceRegistrar, srv BackendServer) {
	s.RegisterService(&Backend_ServiceDesc, srv)
}

func unaryHandler[Req, Res any](method string, call func(BackendServer, context.Context, *Req) (*Res, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BackendServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BackendServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func _Backend_WriteMemory_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(BackendServer).WriteMemory(&grpc.GenericServerStream[WriteMemoryChunk, Empty]{ServerStream: stream})
}

func _Backend_ReadMemory_Handler(srv any, stream grpc.ServerStream) error {
	m := new(ReadMemoryRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(BackendServer).ReadMemory(m, &grpc.GenericServerStream[ReadMemoryRequest, MemoryChunk]{ServerStream: stream})
}

// Backend_ServiceDesc is the grpc.ServiceDesc for the Backend service.
var Backend_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "weft.v1.Backend",
	HandlerType: (*BackendServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Allocate",
			Handler:    unaryHandler(Backend_Allocate_FullMethodName, BackendServer.Allocate),
		},
		{
			MethodName: "Free",
			Handler:    unaryHandler(Backend_Free_FullMethodName, BackendServer.Free),
		},
		{
			MethodName: "LoadModule",
			Handler:    unaryHandler(Backend_LoadModule_FullMethodName, BackendServer.LoadModule),
		},
		{
			MethodName: "GetFunction",
			Handler:    unaryHandler(Backend_GetFunction_FullMethodName, BackendServer.GetFunction),
		},
		{
			MethodName: "Launch",
			Handler:    unaryHandler(Backend_Launch_FullMethodName, BackendServer.Launch),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WriteMemory",
			Handler:       _Backend_WriteMemory_Handler,
			ClientStreams: true,
		},
		{
			StreamName:    "ReadMemory",
			Handler:       _Backend_ReadMemory_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "weft/v1/backend.proto",
}
