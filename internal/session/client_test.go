package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"

	"driftpursuit/movesync/internal/logging"
	"driftpursuit/movesync/internal/movement"
	"driftpursuit/movesync/internal/wire"
	"driftpursuit/movesync/internal/world"
)

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestWebSocketPredictorConvergesOnAuthority(t *testing.T) {
	for _, codec := range []wire.Codec{wire.ProtoCodec{}, wire.MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			w := world.New(logging.NewTestLogger())
			srv := NewServer(w, Options{Codec: codec, Logger: logging.NewTestLogger()})
			defer srv.Close()
			ts := httptest.NewServer(http.HandlerFunc(srv.ServeWS))
			defer ts.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client, err := NewClient(ctx, NewWebSocketConn(dialWS(t, ts), WebSocketOptions{}), ClientOptions{
				Codec:  codec,
				Logger: logging.NewTestLogger(),
			})
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			defer client.Close()

			id := client.Welcome().EntityID
			//1.- Let the authority land in the world before either side starts moving.
			waitUntil(t, time.Second, func() bool {
				w.Step(0.02)
				return w.Stats().Entities == 1
			})
			authority, ok := srv.Controller(id)
			if !ok {
				t.Fatalf("authority for %s missing", id)
			}

			//2.- Walk in lockstep, then release the stick and let snapshots settle.
			client.Controller().Capture().RecordMove(mgl64.Vec2{0, 1})
			for i := 0; i < 250; i++ {
				if i == 150 {
					client.Controller().Capture().RecordMove(mgl64.Vec2{})
				}
				client.Step(0.02)
				time.Sleep(time.Millisecond)
				w.Step(0.02)
			}
			waitUntil(t, 2*time.Second, func() bool {
				client.Step(0.02)
				w.Step(0.02)
				drift := client.Body().Position().Sub(authority.State().Position).Len()
				return drift < 0.3
			})

			if authority.State().Position.Len() < 1 {
				t.Fatalf("authority barely moved: %v", authority.State().Position)
			}
			if stats := client.Controller().Stats(); stats.SnapshotsReceived == 0 {
				t.Fatalf("predictor received no snapshots: %+v", stats)
			}
			if srv.SnapshotMetrics().Sent() == 0 || srv.SnapshotMetrics().BytesPerClient()[id] == 0 {
				t.Fatalf("snapshot metrics not recorded")
			}
		})
	}
}

func TestClientRejectsNonWelcomeHandshake(t *testing.T) {
	local, remote := newPipe()
	data, _ := wire.ProtoCodec{}.Encode(wire.CommandFrame("x", movement.Command{Sequence: 1}))
	remote.Send(data)

	_, err := NewClient(context.Background(), local, ClientOptions{Logger: logging.NewTestLogger()})
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
}

func TestClientHandshakeTimeout(t *testing.T) {
	local, _ := newPipe()
	_, err := NewClient(context.Background(), local, ClientOptions{
		Logger:           logging.NewTestLogger(),
		HandshakeTimeout: 20 * time.Millisecond,
	})
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
}

func TestClientRunEndsWhenServerCloses(t *testing.T) {
	w := world.New(logging.NewTestLogger())
	srv := NewServer(w, Options{Logger: logging.NewTestLogger(), TickRateHz: 100})
	serverEnd, clientEnd := newPipe()
	go srv.Attach(context.Background(), serverEnd, "")

	client, err := NewClient(context.Background(), clientEnd, ClientOptions{Logger: logging.NewTestLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	result := make(chan error, 1)
	go func() { result <- client.Run(context.Background()) }()

	waitUntil(t, time.Second, func() bool { return client.Controller().Stats().Ticks > 5 })
	srv.Close()
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("Run returned %v after orderly close", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestUnresponsivePeerTimesOut(t *testing.T) {
	w := world.New(logging.NewTestLogger())
	srv := NewServer(w, Options{Logger: logging.NewTestLogger(), PingInterval: 20 * time.Millisecond})
	defer srv.Close()
	ts := httptest.NewServer(http.HandlerFunc(srv.ServeWS))
	defer ts.Close()

	//1.- Keep reading so pings arrive, but never answer them.
	conn := dialWS(t, ts)
	defer conn.Close()
	conn.SetPingHandler(func(string) error { return nil })
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	waitUntil(t, time.Second, func() bool { return srv.Peers() == 1 })
	waitUntil(t, 2*time.Second, func() bool { return srv.Peers() == 0 })
}
