// Package telemetry serves vehicle telemetry and flight state over gRPC.
//
// The service has no generated stubs: messages are structpb.Struct values
// carrying the same JSON shape the HTTP API returns, so any gRPC client can
// consume it with the well-known types alone.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/skyloom/patternpilot/internal/flight"
	"github.com/skyloom/patternpilot/internal/monitoring"
	"github.com/skyloom/patternpilot/internal/vehicle"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "patternpilot.telemetry.v1.Telemetry"

// Full method names.
const (
	MethodGetTelemetry    = "/" + ServiceName + "/GetTelemetry"
	MethodGetStatus       = "/" + ServiceName + "/GetStatus"
	MethodStreamTelemetry = "/" + ServiceName + "/StreamTelemetry"
)

// Source is what the service reads from. *flight.Controller satisfies it.
type Source interface {
	Snapshot() flight.State
	Connected() bool
	Link() vehicle.Link
}

// TelemetryServer is the service contract registered with grpc.
type TelemetryServer interface {
	GetTelemetry(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StreamTelemetry(*emptypb.Empty, TelemetryStream) error
}

// TelemetryStream is the server side of StreamTelemetry.
type TelemetryStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

var _ TelemetryServer = (*Server)(nil)

// Server implements TelemetryServer over a Source.
type Server struct {
	src Source
}

// NewServer creates a telemetry service reading from src.
func NewServer(src Source) *Server {
	return &Server{src: src}
}

// GetTelemetry returns the latest telemetry snapshot.
func (s *Server) GetTelemetry(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.src.Link().Telemetry())
}

// GetStatus returns the flight state plus link connectivity.
func (s *Server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.src.Snapshot()
	out, err := toStruct(st)
	if err != nil {
		return nil, err
	}
	out.Fields["connected"] = structpb.NewBoolValue(s.src.Connected())
	out.Fields["mode"] = structpb.NewStringValue(st.Mode())
	return out, nil
}

// StreamTelemetry sends the current snapshot, then every update until the
// client goes away or the link stops publishing.
func (s *Server) StreamTelemetry(_ *emptypb.Empty, stream TelemetryStream) error {
	link := s.src.Link()
	id, ch := link.Subscribe()
	defer link.Unsubscribe(id)
	monitoring.Logf("[grpc] telemetry subscriber %s connected", id)

	ctx := stream.Context()
	send := func(t vehicle.Telemetry) error {
		msg, err := toStruct(t)
		if err != nil {
			return err
		}
		return stream.Send(msg)
	}

	if err := send(link.Telemetry()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[grpc] telemetry subscriber %s disconnected", id)
			return nil
		case t, ok := <-ch:
			if !ok {
				return status.Error(codes.Unavailable, "telemetry source closed")
			}
			if err := send(t); err != nil {
				return err
			}
		}
	}
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

type telemetryStream struct {
	grpc.ServerStream
}

func (x *telemetryStream) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func getTelemetryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryServer).GetTelemetry(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetTelemetry}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelemetryServer).GetTelemetry(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelemetryServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func streamTelemetryHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TelemetryServer).StreamTelemetry(in, &telemetryStream{stream})
}

// ServiceDesc describes the telemetry service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetTelemetry", Handler: getTelemetryHandler},
		{MethodName: "GetStatus", Handler: getStatusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamTelemetry", Handler: streamTelemetryHandler, ServerStreams: true},
	},
	Metadata: "patternpilot/telemetry.proto",
}

// RegisterService registers srv on s.
func RegisterService(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the telemetry service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Telemetry fetches the latest snapshot.
func (c *Client) Telemetry(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodGetTelemetry, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches the flight state.
func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodGetStatus, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch calls fn for every streamed snapshot until ctx ends, fn returns an
// error or the server closes the stream.
func (c *Client) Watch(ctx context.Context, fn func(*structpb.Struct) error) error {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], MethodStreamTelemetry)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("telemetry stream: %w", err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
