package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// RegisterGRPCService exposes svc on s under QueryMethod so a remote
// GRPCClient can drive it.
func RegisterGRPCService(s *grpc.Server, svc Service, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &grpcHandler{svc: svc, logger: logger}
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "agentrelay.v1.Agent",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Query",
			ServerStreams: true,
			Handler:       h.query,
		}},
		Metadata: "agentrelay/v1/agent.proto",
	}, h)
}

type grpcHandler struct {
	svc    Service
	logger *slog.Logger
}

func (h *grpcHandler) query(_ any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	fields := in.AsMap()
	req := Request{
		Prompt: RawEvent(fields).String("prompt"),
		Resume: RawEvent(fields).String("resume"),
	}
	if n, ok := fields["max_turns"].(float64); ok {
		req.MaxTurns = int(n)
	}
	if ms, ok := fields["timeout_ms"].(float64); ok {
		req.Timeout = time.Duration(ms) * time.Millisecond
	}

	h.logger.Debug("Agent query received", "resume", req.Resume != "", "max_turns", req.MaxTurns)
	for ev, err := range h.svc.Query(stream.Context(), req) {
		if err != nil {
			return toStatus(err)
		}
		out, err := structpb.NewStruct(ev)
		if err != nil {
			h.logger.Warn("Dropping unencodable agent event", "error", err)
			continue
		}
		if err := stream.SendMsg(out); err != nil {
			return err
		}
	}
	return nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrResumeRejected):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrIncompleteEvent):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}
