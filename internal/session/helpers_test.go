package session

import (
	"sync"
	"testing"
	"time"
)

// pipeConn is one end of an in-memory Conn pair. Closing either end closes both.
type pipeConn struct {
	recv   chan []byte
	send   chan []byte
	closed chan struct{}
	once   *sync.Once
	name   string
}

func newPipe() (*pipeConn, *pipeConn) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{recv: ba, send: ab, closed: closed, once: once, name: "pipe-a"},
		&pipeConn{recv: ab, send: ba, closed: closed, once: once, name: "pipe-b"}
}

func (p *pipeConn) Send(data []byte) error {
	select {
	case <-p.closed:
		return ErrConnClosed
	case p.send <- data:
		return nil
	}
}

func (p *pipeConn) Recv() ([]byte, error) {
	select {
	case <-p.closed:
		return nil, ErrConnClosed
	case data := <-p.recv:
		return data, nil
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) RemoteAddr() string { return p.name }

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
