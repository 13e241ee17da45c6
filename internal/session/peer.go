package session

import (
	"sync"

	"driftpursuit/movesync/internal/logging"
)

// DefaultSendBuffer is the per-peer outbound queue depth.
const DefaultSendBuffer = 64

// outbox queues frames for a Conn and drains them on its own goroutine so the simulation
// never blocks on a slow socket.
type outbox struct {
	conn   Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *logging.Logger
}

func newOutbox(conn Conn, buffer int, logger *logging.Logger) *outbox {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	o := &outbox{conn: conn, send: make(chan []byte, buffer), done: make(chan struct{}), logger: logger}
	go o.drain()
	return o
}

// enqueue reports false when the queue is full or the outbox has closed.
func (o *outbox) enqueue(data []byte) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.send <- data:
		return true
	default:
		return false
	}
}

func (o *outbox) drain() {
	for {
		select {
		case <-o.done:
			return
		case data := <-o.send:
			if err := o.conn.Send(data); err != nil {
				//1.- A failed write ends the connection; the reader notices and detaches.
				if !IsNormalClose(err) {
					o.logger.Debug("outbound write failed", logging.Error(err), logging.String("remote_addr", o.conn.RemoteAddr()))
				}
				o.close()
				o.conn.Close()
				return
			}
		}
	}
}

func (o *outbox) close() {
	o.once.Do(func() { close(o.done) })
}
