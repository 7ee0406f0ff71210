package api

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"bracketguard/pkg/bracketguard"
)

// ProtectionServer is the bracketguard.v1.Protection service. Messages are
// protobuf Structs carrying the JSON wire types of pkg/bracketguard.
type ProtectionServer interface {
	ListPositions(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WatchAlerts(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

var protectionServiceDesc = grpc.ServiceDesc{
	ServiceName: bracketguard.ServiceName,
	HandlerType: (*ProtectionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: bracketguard.UnaryListPositions, Handler: listPositionsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: bracketguard.StreamWatchAlerts, Handler: watchAlertsHandler, ServerStreams: true},
	},
	Metadata: "bracketguard/v1/protection.proto",
}

func listPositionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProtectionServer).ListPositions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: bracketguard.MethodListPositions}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProtectionServer).ListPositions(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchAlertsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ProtectionServer).WatchAlerts(in, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// ProtectionService implements ProtectionServer over the engine and the
// alert notifier.
type ProtectionService struct {
	engine Engine
	alerts AlertSource
	log    *slog.Logger
}

var _ ProtectionServer = (*ProtectionService)(nil)

// NewProtectionService creates the gRPC service.
func NewProtectionService(eng Engine, alerts AlertSource, log *slog.Logger) *ProtectionService {
	if log == nil {
		log = slog.Default()
	}
	return &ProtectionService{engine: eng, alerts: alerts, log: log}
}

// RegisterGRPC registers the service on the given gRPC server instance.
func (s *ProtectionService) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&protectionServiceDesc, s)
}

// ListPositions returns {"positions": [...]}.
func (s *ProtectionService) ListPositions(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	positions := s.engine.Positions()
	out := make([]bracketguard.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionJSON(p))
	}
	msg, err := bracketguard.ToStruct(map[string]any{"positions": out})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding positions: %v", err)
	}
	return msg, nil
}

// WatchAlerts streams alerts until the client disconnects.
func (s *ProtectionService) WatchAlerts(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s.alerts == nil {
		return status.Error(codes.Unavailable, "alerts not configured")
	}
	subID, ch := s.alerts.Subscribe(256)
	defer s.alerts.Unsubscribe(subID)

	s.log.Info("grpc alert watcher subscribed", "subID", subID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc alert watcher disconnected", "subID", subID)
			return nil
		case a, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := bracketguard.ToStruct(alertJSON(a))
			if err != nil {
				return status.Errorf(codes.Internal, "encoding alert: %v", err)
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}
