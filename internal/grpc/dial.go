package grpc

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"driftpursuit/movesync/internal/session"
)

type dialConfig struct {
	entityID    string
	secret      string
	creds       credentials.TransportCredentials
	compression bool
	extra       []grpc.DialOption
}

// DialOption customises Dial.
type DialOption func(*dialConfig)

// WithEntityID requests a specific entity id from the server.
func WithEntityID(id string) DialOption {
	return func(c *dialConfig) { c.entityID = id }
}

// WithSharedSecret presents secret on every stream.
func WithSharedSecret(secret string) DialOption {
	return func(c *dialConfig) { c.secret = secret }
}

// WithTransportCredentials replaces the default plaintext transport.
func WithTransportCredentials(creds credentials.TransportCredentials) DialOption {
	return func(c *dialConfig) { c.creds = creds }
}

// WithCompression enables zstd message compression.
func WithCompression() DialOption {
	return func(c *dialConfig) { c.compression = true }
}

// WithGRPCOptions appends raw dial options, for example a bufconn dialer in tests.
func WithGRPCOptions(opts ...grpc.DialOption) DialOption {
	return func(c *dialConfig) { c.extra = append(c.extra, opts...) }
}

// ClientConn is a session.Conn over one Session stream.
type ClientConn struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	target string
	sendMu sync.Mutex
	once   sync.Once
	closed chan struct{}
}

// Dial opens a Session stream to target. ctx bounds stream setup only; the stream lives
// until Close.
func Dial(ctx context.Context, target string, opts ...DialOption) (*ClientConn, error) {
	cfg := dialConfig{creds: insecure.NewCredentials()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(cfg.creds)}
	if cfg.secret != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(sharedSecretCredentials{secret: cfg.secret}))
	}
	dialOpts = append(dialOpts, cfg.extra...)

	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		cc.Close()
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	if cfg.entityID != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, EntityMetadataKey, cfg.entityID)
	}
	var callOpts []grpc.CallOption
	if cfg.compression {
		callOpts = append(callOpts, grpc.UseCompressor(ZstdName))
	}
	stream, err := cc.NewStream(streamCtx, &ServiceDesc.Streams[0], SessionMethod, callOpts...)
	if err != nil {
		cancel()
		cc.Close()
		return nil, err
	}
	return &ClientConn{cc: cc, stream: stream, cancel: cancel, target: target, closed: make(chan struct{})}, nil
}

// Send writes one frame.
func (c *ClientConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return session.ErrConnClosed
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
		if errors.Is(err, io.EOF) {
			return session.ErrConnClosed
		}
		return err
	}
	return nil
}

// Recv blocks for the next frame. An orderly end of stream reports session.ErrConnClosed.
func (c *ClientConn) Recv() ([]byte, error) {
	var msg wrapperspb.BytesValue
	if err := c.stream.RecvMsg(&msg); err != nil {
		select {
		case <-c.closed:
			return nil, session.ErrConnClosed
		default:
		}
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil, session.ErrConnClosed
		}
		return nil, err
	}
	return msg.GetValue(), nil
}

// Close ends the stream and the underlying connection. It is idempotent.
func (c *ClientConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.sendMu.Lock()
		_ = c.stream.CloseSend()
		c.sendMu.Unlock()
		c.cancel()
		err = c.cc.Close()
	})
	return err
}

// RemoteAddr reports the dial target.
func (c *ClientConn) RemoteAddr() string { return c.target }
