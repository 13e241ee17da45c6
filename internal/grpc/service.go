// Package grpc carries movement sessions over a bidirectional gRPC stream. Frames are
// codec-encoded bytes wrapped in google.protobuf.BytesValue, so no generated stubs are needed.
package grpc

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"driftpursuit/movesync/internal/logging"
	"driftpursuit/movesync/internal/session"
)

// SessionServer is the handler type of ServiceDesc.
type SessionServer interface {
	Session(stream grpc.ServerStream) error
}

// ServiceDesc describes movesync.v1.MovementSync.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Session",
		Handler:       sessionHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "movesync/v1/movesync.proto",
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SessionServer).Session(stream)
}

// Service bridges gRPC streams into the session server.
type Service struct {
	attacher Attacher
	logger   *logging.Logger
}

// NewService wires the service to attacher.
func NewService(attacher Attacher, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.L()
	}
	return &Service{attacher: attacher, logger: logger}
}

// Register installs the service on server.
func Register(server *grpc.Server, service *Service) {
	server.RegisterService(&ServiceDesc, service)
}

// Session runs one movement session for the lifetime of the stream.
func (s *Service) Session(stream grpc.ServerStream) error {
	if s == nil || s.attacher == nil {
		return status.Error(codes.FailedPrecondition, "movement sessions unavailable")
	}
	ctx := stream.Context()
	conn := newServerConn(ctx, stream)
	err := s.attacher.Attach(ctx, conn, requestedEntity(ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrServerFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, session.ErrDuplicatePeer):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, session.ErrPeerMisbehaving):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, session.ErrServerClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		s.logger.Debug("grpc session ended", logging.String("remote_addr", conn.RemoteAddr()), logging.Error(err))
		return status.Error(codes.Internal, err.Error())
	}
}

func requestedEntity(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, value := range md.Get(EntityMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// serverConn adapts a server stream to session.Conn. A pump goroutine owns RecvMsg so Close
// can unblock a pending Recv.
type serverConn struct {
	stream grpc.ServerStream
	addr   string
	frames chan []byte
	errs   chan error
	sendMu sync.Mutex
	once   sync.Once
	closed chan struct{}
}

func newServerConn(ctx context.Context, stream grpc.ServerStream) *serverConn {
	addr := "grpc"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr = p.Addr.String()
	}
	c := &serverConn{
		stream: stream,
		addr:   addr,
		frames: make(chan []byte),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *serverConn) pump() {
	for {
		var msg wrapperspb.BytesValue
		if err := c.stream.RecvMsg(&msg); err != nil {
			c.errs <- err
			return
		}
		select {
		case c.frames <- msg.GetValue():
		case <-c.closed:
			return
		}
	}
}

func (c *serverConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return session.ErrConnClosed
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(wrapperspb.Bytes(data))
}

func (c *serverConn) Recv() ([]byte, error) {
	select {
	case data := <-c.frames:
		return data, nil
	case err := <-c.errs:
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil, session.ErrConnClosed
		}
		return nil, err
	case <-c.closed:
		return nil, session.ErrConnClosed
	}
}

func (c *serverConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *serverConn) RemoteAddr() string { return c.addr }
