// Package session binds movement controllers to network peers. The Server side runs one
// authority entity per attached peer; the Client side runs the predicting entity.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed reports use of a connection after Close.
var ErrConnClosed = errors.New("session: connection closed")

// Conn is an ordered, message oriented transport. Send and Recv may be called concurrently
// with each other but neither is safe for concurrent callers of itself.
type Conn interface {
	Send(data []byte) error
	Recv() ([]byte, error)
	Close() error
	RemoteAddr() string
}

// WebSocketOptions tunes keepalive and framing for a WebSocketConn.
type WebSocketOptions struct {
	// PingInterval enables server pings; a peer that stays silent for two intervals is dropped.
	PingInterval time.Duration
	// WriteTimeout bounds each write. Zero selects one second.
	WriteTimeout time.Duration
	// MaxPayloadBytes caps inbound frames. Zero leaves gorilla's default.
	MaxPayloadBytes int64
}

// WebSocketConn adapts a gorilla websocket to Conn using binary messages.
type WebSocketConn struct {
	conn    *websocket.Conn
	opts    WebSocketOptions
	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

// NewWebSocketConn wraps conn and starts the keepalive goroutine when pings are enabled.
func NewWebSocketConn(conn *websocket.Conn, opts WebSocketOptions) *WebSocketConn {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = time.Second
	}
	c := &WebSocketConn{conn: conn, opts: opts, done: make(chan struct{})}
	if opts.MaxPayloadBytes > 0 {
		conn.SetReadLimit(opts.MaxPayloadBytes)
	}
	if opts.PingInterval > 0 {
		pongWait := 2 * opts.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.keepalive()
	}
	return c
}

func (c *WebSocketConn) keepalive() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

// Send writes one binary message.
func (c *WebSocketConn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Recv blocks for the next data message. Any inbound frame also refreshes the read deadline.
func (c *WebSocketConn) Recv() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if c.opts.PingInterval > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
		}
		if kind == websocket.BinaryMessage || kind == websocket.TextMessage {
			return data, nil
		}
	}
}

// Close sends a close frame and tears the socket down. It is idempotent.
func (c *WebSocketConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.opts.WriteTimeout))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr reports the peer address.
func (c *WebSocketConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// IsNormalClose reports whether err is an orderly end of a connection.
func IsNormalClose(err error) bool {
	if err == nil || errors.Is(err, ErrConnClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
