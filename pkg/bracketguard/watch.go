package bracketguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Dial connects to the daemon's gRPC endpoint.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return conn, nil
}

// ListPositions fetches the ledger over gRPC.
func ListPositions(ctx context.Context, conn grpc.ClientConnInterface) ([]Position, error) {
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, MethodListPositions, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var resp struct {
		Positions []Position `json:"positions"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// WatchAlerts streams alerts to fn until ctx is cancelled, the server ends
// the stream, or fn returns an error.
func WatchAlerts(ctx context.Context, conn grpc.ClientConnInterface, fn func(Alert) error) error {
	desc := &grpc.StreamDesc{StreamName: StreamWatchAlerts, ServerStreams: true}
	cs, err := conn.NewStream(ctx, desc, MethodWatchAlerts)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	stream := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: cs}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving alert: %w", err)
		}
		var a Alert
		if err := fromStruct(msg, &a); err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
	}
}

// ToStruct converts a wire value to a protobuf Struct via its JSON form.
func ToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
