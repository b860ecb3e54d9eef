// Package mock provides an in-memory [transport.Dialer] and [transport.Conn]
// for tests. The test plays the server side through the helper methods on
// [Conn].
package mock

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/MrWong99/voxbridge/internal/transport"
	"github.com/MrWong99/voxbridge/pkg/protocol"
)

var (
	_ transport.Dialer = (*Dialer)(nil)
	_ transport.Conn   = (*Conn)(nil)
)

// ErrConnClosed is returned by Conn methods after Close.
var ErrConnClosed = errors.New("mock: connection closed")

// Message is one message written by the client.
type Message struct {
	Kind transport.MessageKind
	Data []byte
}

// Conn is a mock connection. The zero value is not usable; use [NewConn].
type Conn struct {
	mu sync.Mutex

	// WriteErr is returned by every Write while non-nil.
	WriteErr error

	// OnWrite is called after every successful Write, outside the lock.
	OnWrite func(Message)

	// CallCountClose records how many times Close was called.
	CallCountClose int

	written []Message
	inbound chan Message
	fail    chan error
	closed  chan struct{}
	once    sync.Once
	notify  chan struct{}
}

// NewConn returns an open mock connection.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan Message, 256),
		fail:    make(chan error, 1),
		closed:  make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// Read implements [transport.Conn].
func (c *Conn) Read(ctx context.Context) (transport.MessageKind, []byte, error) {
	select {
	case m := <-c.inbound:
		return m.Kind, m.Data, nil
	case err := <-c.fail:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, ErrConnClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Write implements [transport.Conn].
func (c *Conn) Write(ctx context.Context, kind transport.MessageKind, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return ErrConnClosed
	default:
	}
	if c.WriteErr != nil {
		err := c.WriteErr
		c.mu.Unlock()
		return err
	}
	m := Message{Kind: kind, Data: append([]byte(nil), data...)}
	c.written = append(c.written, m)
	hook := c.OnWrite
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	if hook != nil {
		hook(m)
	}
	return nil
}

// Close implements [transport.Conn].
func (c *Conn) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	c.mu.Unlock()
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Deliver queues a server-to-client message.
func (c *Conn) Deliver(kind transport.MessageKind, data []byte) {
	c.inbound <- Message{Kind: kind, Data: data}
}

// Drop makes the pending or next Read fail with err, simulating an unclean
// close.
func (c *Conn) Drop(err error) {
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	select {
	case c.fail <- err:
	default:
	}
}

// Hangup simulates a clean close by the server.
func (c *Conn) Hangup() {
	c.Drop(io.EOF)
}

// SetWriteErr sets WriteErr under the lock.
func (c *Conn) SetWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WriteErr = err
}

// SetOnWrite sets OnWrite under the lock.
func (c *Conn) SetOnWrite(fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OnWrite = fn
}

// Written returns a copy of every message written so far.
func (c *Conn) Written() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.written))
	copy(out, c.written)
	return out
}

// WrittenKind returns the payloads written with the given kind, in order.
func (c *Conn) WrittenKind(kind transport.MessageKind) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, m := range c.written {
		if m.Kind == kind {
			out = append(out, m.Data)
		}
	}
	return out
}

// Writes returns a channel that receives a value after each successful write.
// It is buffered by one.
func (c *Conn) Writes() <-chan struct{} {
	return c.notify
}

// Dialer is a mock dialer. Each Dial calls DialFunc when set; otherwise it
// returns a fresh [Conn].
type Dialer struct {
	mu sync.Mutex

	// DialFunc, when non-nil, decides the result of every Dial. attempt is
	// the 1-based call count.
	DialFunc func(ctx context.Context, attempt int) (*Conn, error)

	// CallCount records how many times Dial was called.
	CallCount int

	conns  []*Conn
	dialed chan *Conn
}

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	d.mu.Lock()
	d.CallCount++
	n := d.CallCount
	fn := d.DialFunc
	d.mu.Unlock()

	var (
		c   *Conn
		err error
	)
	if fn != nil {
		c, err = fn(ctx, n)
	} else {
		c = NewConn()
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.conns = append(d.conns, c)
	ch := d.dialedLocked()
	d.mu.Unlock()
	select {
	case ch <- c:
	default:
	}
	return c, nil
}

// Dialed returns a channel that receives every successfully dialed Conn. It
// is buffered; connections beyond its capacity are only visible via Conns.
func (d *Dialer) Dialed() <-chan *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialedLocked()
}

func (d *Dialer) dialedLocked() chan *Conn {
	if d.dialed == nil {
		d.dialed = make(chan *Conn, 16)
	}
	return d.dialed
}

// Conns returns every successfully dialed Conn in order.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Calls returns CallCount under the lock.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCount
}

// EchoPings returns an OnWrite hook that answers every ping with a ping, the
// way the relay does.
func EchoPings(c *Conn) func(Message) {
	return func(m Message) {
		if m.Kind == transport.MessageText && isPing(m.Data) {
			c.Deliver(transport.MessageText, m.Data)
		}
	}
}

func isPing(data []byte) bool {
	m, err := protocol.Decode(data)
	return err == nil && m.Type == protocol.TypePing
}
