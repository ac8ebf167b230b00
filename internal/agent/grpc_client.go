package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// QueryMethod is the full gRPC method name of the server-streaming query.
const QueryMethod = "/agentrelay.v1.Agent/Query"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

var queryStreamDesc = &grpc.StreamDesc{
	StreamName:    "Query",
	ServerStreams: true,
}

// GRPCClient streams agent events from a remote agent service. Requests and
// events travel as google.protobuf.Struct messages.
type GRPCClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GRPCClientConfig holds configuration for the gRPC client.
type GRPCClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCClientConfig returns default configuration for addr.
func DefaultGRPCClientConfig(addr string) GRPCClientConfig {
	return GRPCClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGRPCClient connects to the agent service and waits until it is ready.
func NewGRPCClient(cfg GRPCClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", cfg.Address, err)
	}

	// Fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent service", "address", cfg.Address)
	return &GRPCClient{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GRPCClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Query opens a server stream and yields each event message.
func (c *GRPCClient) Query(ctx context.Context, req Request) iter.Seq2[RawEvent, error] {
	return func(yield func(RawEvent, error) bool) {
		ctx, cancel := withTimeout(ctx, req)
		defer cancel()

		msg, err := structpb.NewStruct(map[string]any{
			"prompt":     req.Prompt,
			"resume":     req.Resume,
			"max_turns":  req.MaxTurns,
			"timeout_ms": req.Timeout.Milliseconds(),
		})
		if err != nil {
			yield(nil, fmt.Errorf("encode query: %w", err))
			return
		}

		stream, err := c.conn.NewStream(ctx, queryStreamDesc, QueryMethod)
		if err != nil {
			yield(nil, c.mapError(err, req))
			return
		}
		if err := stream.SendMsg(msg); err != nil {
			yield(nil, c.mapError(err, req))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, c.mapError(err, req))
			return
		}

		for {
			ev := new(structpb.Struct)
			err := stream.RecvMsg(ev)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, c.mapError(err, req))
				return
			}
			if !yield(RawEvent(ev.AsMap()), nil) {
				return
			}
		}
	}
}

// mapError translates gRPC status codes into the boundary's error vocabulary.
func (c *GRPCClient) mapError(err error, req Request) error {
	switch status.Code(err) {
	case codes.NotFound:
		if req.Resume != "" {
			return fmt.Errorf("%w: %s", ErrResumeRejected, status.Convert(err).Message())
		}
	case codes.DataLoss:
		return fmt.Errorf("%w: %s", ErrIncompleteEvent, status.Convert(err).Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("agent query: %w", context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("agent query: %w", context.Canceled)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrIncompleteEvent, err)
	}
	return fmt.Errorf("agent stream error: %w", err)
}
