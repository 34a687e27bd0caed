// Package fake provides an in-memory transport.PacketConn and clock for
// driving the client/server engines deterministically in tests, the
// same role switchboard/internal/protocol's tests give net.Pipe —
// except a datagram fake needs addressed delivery and an explicit clock
// instead of a pipe's implicit stream ordering.
package fake

import (
	"net"
	"sync"
	"time"

	"github.com/jadeyavs/rdtudp/transport"
)

// Addr is a trivial net.Addr for wiring fake endpoints together.
type Addr string

func (a Addr) Network() string { return "fake" }
func (a Addr) String() string  { return string(a) }

type datagram struct {
	data []byte
	from net.Addr
}

// Medium is a shared in-memory network: a set of named endpoints that
// can exchange datagrams. It has no drop or corruption hook; a datagram
// is lost only when the receiver's inbox is full.
type Medium struct {
	mu        sync.Mutex
	endpoints map[Addr]*Conn
}

// NewMedium creates an empty shared medium.
func NewMedium() *Medium {
	return &Medium{endpoints: make(map[Addr]*Conn)}
}

// Listen creates a new endpoint bound to addr.
func (m *Medium) Listen(addr Addr) *Conn {
	c := &Conn{self: addr, medium: m, inbox: make(chan datagram, 256)}
	m.mu.Lock()
	m.endpoints[addr] = c
	m.mu.Unlock()
	return c
}

func (m *Medium) deliver(to Addr, dg datagram) {
	m.mu.Lock()
	c, ok := m.endpoints[to]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case c.inbox <- dg:
	default:
		// Inbox full: simulate loss rather than blocking the sender.
	}
}

// Conn is one fake endpoint; it implements transport.PacketConn.
type Conn struct {
	self   Addr
	medium *Medium
	inbox  chan datagram
	closed bool
	mu     sync.Mutex
}

func (c *Conn) SendTo(data []byte, addr net.Addr) error {
	to, ok := addr.(Addr)
	if !ok {
		return net.InvalidAddrError("fake: addr is not a fake.Addr")
	}
	cp := append([]byte(nil), data...)
	c.medium.deliver(to, datagram{data: cp, from: c.self})
	return nil
}

func (c *Conn) RecvFrom(buf []byte, timeout time.Duration) (int, net.Addr, error) {
	select {
	case dg := <-c.inbox:
		n := copy(buf, dg.data)
		return n, dg.from, nil
	case <-time.After(timeout):
		return 0, nil, transport.ErrTimeout
	}
}

func (c *Conn) LocalAddr() net.Addr { return c.self }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.inbox)
	return nil
}

// Clock is a manually-advanced fake clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a fake clock starting at an arbitrary fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Unix(1_700_000_000, 0)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
