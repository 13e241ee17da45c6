package grpc

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"driftpursuit/movesync/internal/logging"
	"driftpursuit/movesync/internal/session"
	"driftpursuit/movesync/internal/world"
)

type stubServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *stubServerStream) Context() context.Context {
	return s.ctx
}

func startServer(t *testing.T, attacher Attacher, opts ...grpc.ServerOption) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(opts...)
	Register(server, NewService(attacher, logging.NewTestLogger()))
	go server.Serve(lis)
	t.Cleanup(server.Stop)
	return lis
}

func bufDialer(lis *bufconn.Listener) DialOption {
	return WithGRPCOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestGRPCPredictorConvergesOnAuthority(t *testing.T) {
	w := world.New(logging.NewTestLogger())
	srv := session.NewServer(w, session.Options{Logger: logging.NewTestLogger()})
	defer srv.Close()
	lis := startServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, "passthrough:///bufnet", bufDialer(lis), WithEntityID("grpc-pilot"), WithCompression())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client, err := session.NewClient(ctx, conn, session.ClientOptions{Logger: logging.NewTestLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()
	if client.Welcome().EntityID != "grpc-pilot" {
		t.Fatalf("requested entity id ignored: %q", client.Welcome().EntityID)
	}

	waitUntil(t, time.Second, func() bool {
		w.Step(0.02)
		return w.Stats().Entities == 1
	})
	authority, _ := srv.Controller("grpc-pilot")

	//1.- Walk forward in lockstep, then stop and let reconciliation settle.
	client.Controller().Capture().RecordMove(mgl64.Vec2{0, 1})
	for i := 0; i < 200; i++ {
		if i == 120 {
			client.Controller().Capture().RecordMove(mgl64.Vec2{})
		}
		client.Step(0.02)
		time.Sleep(time.Millisecond)
		w.Step(0.02)
	}
	waitUntil(t, 2*time.Second, func() bool {
		client.Step(0.02)
		w.Step(0.02)
		return client.Body().Position().Sub(authority.State().Position).Len() < 0.3
	})
	if authority.State().Position.Len() < 1 {
		t.Fatalf("authority barely moved: %v", authority.State().Position)
	}

	client.Close()
	waitUntil(t, time.Second, func() bool { return srv.Peers() == 0 })
}

func TestGRPCSharedSecret(t *testing.T) {
	w := world.New(logging.NewTestLogger())
	srv := session.NewServer(w, session.Options{Logger: logging.NewTestLogger()})
	defer srv.Close()
	opts, err := ServerOptions("hunter2", "", "", logging.NewTestLogger())
	if err != nil {
		t.Fatalf("ServerOptions: %v", err)
	}
	lis := startServer(t, srv, opts...)
	ctx := context.Background()

	bad, err := Dial(ctx, "passthrough:///bufnet", bufDialer(lis), WithSharedSecret("wrong"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer bad.Close()
	if _, err := bad.Recv(); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	good, err := Dial(ctx, "passthrough:///bufnet", bufDialer(lis), WithSharedSecret("hunter2"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client, err := session.NewClient(ctx, good, session.ClientOptions{Logger: logging.NewTestLogger()})
	if err != nil {
		t.Fatalf("NewClient with valid secret: %v", err)
	}
	client.Close()
}

func TestServerFullMapsToResourceExhausted(t *testing.T) {
	w := world.New(logging.NewTestLogger())
	srv := session.NewServer(w, session.Options{Logger: logging.NewTestLogger(), MaxClients: 1})
	defer srv.Close()
	lis := startServer(t, srv)
	ctx := context.Background()

	first, err := Dial(ctx, "passthrough:///bufnet", bufDialer(lis))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer first.Close()
	if _, err := first.Recv(); err != nil {
		t.Fatalf("first welcome: %v", err)
	}

	second, err := Dial(ctx, "passthrough:///bufnet", bufDialer(lis))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer second.Close()
	if _, err := second.Recv(); status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
}

func TestSessionWithoutAttacher(t *testing.T) {
	err := (&Service{}).Session(&stubServerStream{ctx: context.Background()})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
}

func TestSharedSecretInterceptor(t *testing.T) {
	interceptor := NewSharedSecretStreamInterceptor("hunter2")
	handler := func(any, grpc.ServerStream) error { return nil }
	cases := []struct {
		name string
		md   metadata.MD
		want codes.Code
	}{
		{"header", metadata.Pairs(SharedSecretMetadataKey, "hunter2"), codes.OK},
		{"bearer", metadata.Pairs("authorization", "Bearer hunter2"), codes.OK},
		{"wrong", metadata.Pairs(SharedSecretMetadataKey, "nope"), codes.Unauthenticated},
		{"missing", metadata.MD{}, codes.Unauthenticated},
	}
	for _, tc := range cases {
		stream := &stubServerStream{ctx: metadata.NewIncomingContext(context.Background(), tc.md)}
		err := interceptor(nil, stream, &grpc.StreamServerInfo{}, handler)
		if status.Code(err) != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if err := interceptor(nil, &stubServerStream{ctx: context.Background()}, &grpc.StreamServerInfo{}, handler); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated without metadata, got %v", err)
	}
}

func TestServerOptionsRejectsMissingKeypair(t *testing.T) {
	if _, err := ServerOptions("", "missing-cert", "missing-key", logging.NewTestLogger()); err == nil {
		t.Fatal("expected error for missing files")
	}
	opts, err := ServerOptions("", "", "", logging.NewTestLogger())
	if err != nil || len(opts) != 0 {
		t.Fatalf("expected no options, got %d (%v)", len(opts), err)
	}
}

func TestRequestedEntity(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(EntityMetadataKey, "  scout "))
	if got := requestedEntity(ctx); got != "scout" {
		t.Fatalf("unexpected entity %q", got)
	}
	if got := requestedEntity(context.Background()); got != "" {
		t.Fatalf("unexpected entity %q", got)
	}
}

func TestZstdCompressorRoundTrip(t *testing.T) {
	compressor := encoding.GetCompressor(ZstdName)
	if compressor == nil {
		t.Fatal("zstd compressor not registered")
	}
	payload := bytes.Repeat([]byte("snapshot"), 64)

	var buf bytes.Buffer
	w, err := compressor.Compress(&buf)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if buf.Len() >= len(payload) {
		t.Fatalf("payload did not shrink: %d bytes", buf.Len())
	}
	r, err := compressor.Decompress(&buf)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch")
	}
}
