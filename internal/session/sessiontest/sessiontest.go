// Package sessiontest provides an in-memory Dialer and Conn for tests of code
// built on session.Session.
package sessiontest

import (
	"context"
	"errors"
	"sync"

	"fieldops-patrol/internal/protocol"
	"fieldops-patrol/internal/session"
)

var ErrClosed = errors.New("sessiontest: connection closed")

type Conn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	written  [][]byte
	WriteErr error
}

func NewConn() *Conn {
	return &Conn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WriteErr != nil {
		return c.WriteErr
	}
	if c.IsClosed() {
		return ErrClosed
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push delivers a server event to the reader.
func (c *Conn) Push(event, ref string, payload any) {
	data, err := protocol.Encode(event, ref, payload)
	if err != nil {
		panic(err)
	}
	c.in <- data
}

// PushRaw delivers raw bytes to the reader.
func (c *Conn) PushRaw(data []byte) {
	c.in <- data
}

// Sent returns every envelope written so far.
func (c *Conn) Sent() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(c.written))
	for _, raw := range c.written {
		env, err := protocol.Decode(raw)
		if err == nil {
			out = append(out, env)
		}
	}
	return out
}

// SentEvents returns the written envelopes for one event name.
func (c *Conn) SentEvents(event string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range c.Sent() {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

type Dialer struct {
	mu    sync.Mutex
	err   error
	dials int
	conns []*Conn
}

func (d *Dialer) Dial(_ context.Context, _, _ string) (session.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	c := NewConn()
	d.conns = append(d.conns, c)
	return c, nil
}

// SetErr makes subsequent dials fail with err (nil restores success).
func (d *Dialer) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recently dialed connection.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Conns returns every connection dialed so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}
