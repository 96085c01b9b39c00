package transport

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "relay.v1.WorkerService"

const connectMethod = "/" + ServiceName + "/Connect"

// WorkerServiceServer is implemented by the hub.
type WorkerServiceServer interface {
	Connect(WorkerService_ConnectServer) error
}

// WorkerService_ConnectServer is the hub side of a worker stream.
type WorkerService_ConnectServer interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ServerStream
}

// WorkerService_ConnectClient is the worker side of a worker stream.
type WorkerService_ConnectClient interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ClientStream
}

// WorkerServiceClient opens worker streams.
type WorkerServiceClient interface {
	Connect(ctx context.Context, opts ...grpc.CallOption) (WorkerService_ConnectClient, error)
}

// ServiceDesc describes WorkerService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkerServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "relay/v1/worker.proto",
}

// RegisterWorkerServiceServer registers srv on s.
func RegisterWorkerServiceServer(s grpc.ServiceRegistrar, srv WorkerServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(WorkerServiceServer).Connect(&connectServer{stream})
}

type connectServer struct {
	grpc.ServerStream
}

func (x *connectServer) Send(m *Envelope) error {
	return x.ServerStream.SendMsg(m)
}

func (x *connectServer) Recv() (*Envelope, error) {
	m := new(Envelope)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type workerServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewWorkerServiceClient creates a client on cc. Streams use the JSON codec.
func NewWorkerServiceClient(cc grpc.ClientConnInterface) WorkerServiceClient {
	return &workerServiceClient{cc: cc}
}

func (c *workerServiceClient) Connect(ctx context.Context, opts ...grpc.CallOption) (WorkerService_ConnectClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], connectMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &connectClient{stream}, nil
}

type connectClient struct {
	grpc.ClientStream
}

func (x *connectClient) Send(m *Envelope) error {
	return x.ClientStream.SendMsg(m)
}

func (x *connectClient) Recv() (*Envelope, error) {
	m := new(Envelope)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
