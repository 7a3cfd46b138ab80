package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/rasberry/tracking/internal/monitoring"
	"github.com/rasberry/tracking/internal/tracking"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tracking.v1.TrackingService"

const (
	resetMethod  = "/" + ServiceName + "/Reset"
	healthMethod = "/" + ServiceName + "/Health"
	streamMethod = "/" + ServiceName + "/StreamTracks"

	maxMsgSize = 16 * 1024 * 1024
)

// Controller is the part of the scheduler exposed over gRPC.
type Controller interface {
	Reset(reason string)
	Health() tracking.Status
}

// TrackingServer is the server API for the tracking service. Messages are
// well-known protobuf types so no generated code is needed.
type TrackingServer interface {
	Reset(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Health(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StreamTracks(*emptypb.Empty, grpc.ServerStream) error
}

// ServiceDesc describes the tracking service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrackingServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reset", Handler: resetHandler},
		{MethodName: "Health", Handler: healthHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamTracks", Handler: streamTracksHandler, ServerStreams: true},
	},
	Metadata: "tracking/v1/tracking.proto",
}

func resetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrackingServer).Reset(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: resetMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TrackingServer).Reset(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func healthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrackingServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: healthMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TrackingServer).Health(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func streamTracksHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TrackingServer).StreamTracks(in, stream)
}

// GRPCServer serves the tracking service and is a tracking.Sink feeding
// its StreamTracks clients.
type GRPCServer struct {
	ctrl   Controller
	fanout *Fanout
	depth  int
	server *grpc.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewGRPCServer returns a server controlling ctrl. Each streaming client
// queues up to depth outputs before outputs are dropped for it.
func NewGRPCServer(ctrl Controller, depth int) (*GRPCServer, error) {
	if ctrl == nil {
		return nil, errors.New("publish: nil controller")
	}
	s := &GRPCServer{
		ctrl:   ctrl,
		fanout: NewFanout("gRPC"),
		depth:  depth,
		server: grpc.NewServer(
			grpc.MaxRecvMsgSize(maxMsgSize),
			grpc.MaxSendMsgSize(maxMsgSize),
		),
	}
	s.server.RegisterService(&ServiceDesc, s)
	return s, nil
}

// Publish implements tracking.Sink.
func (s *GRPCServer) Publish(out tracking.Output) { s.fanout.Publish(out) }

// Clients returns the number of streaming clients.
func (s *GRPCServer) Clients() int { return s.fanout.Clients() }

// Listen binds addr and serves in the background. It returns the bound
// address, which differs from addr when addr uses port 0.
func (s *GRPCServer) Listen(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	go func() {
		monitoring.Diagf("[gRPC] serving %s on %s", ServiceName, lis.Addr())
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			monitoring.Opsf("[gRPC] server error: %v", err)
		}
	}()
	return lis.Addr(), nil
}

// Stop closes open streams and the listener.
func (s *GRPCServer) Stop() {
	s.server.Stop()
}

// Reset implements TrackingServer.
func (s *GRPCServer) Reset(_ context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	reason := in.GetValue()
	if reason == "" {
		reason = "grpc"
	}
	monitoring.Diagf("[gRPC] reset requested: %s", reason)
	s.ctrl.Reset(reason)
	return &emptypb.Empty{}, nil
}

// Health implements TrackingServer.
func (s *GRPCServer) Health(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	st, err := statusStruct(s.ctrl.Health())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode health: %v", err)
	}
	return st, nil
}

// StreamTracks implements TrackingServer.
func (s *GRPCServer) StreamTracks(_ *emptypb.Empty, stream grpc.ServerStream) error {
	outputs, cancel := s.fanout.Subscribe(s.depth)
	defer cancel()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case out, ok := <-outputs:
			if !ok {
				return nil
			}
			msg, err := ToStruct(out)
			if err != nil {
				return status.Errorf(codes.Internal, "encode cycle %d: %v", out.Cycle, err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// statusStruct goes through JSON so the Struct carries the same field
// names as the HTTP health endpoint.
func statusStruct(st tracking.Status) (*structpb.Struct, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
