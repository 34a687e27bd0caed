package transport

import (
	"math/rand"
	"net"
	"time"
)

// DropSimulator wraps a PacketConn and probabilistically drops inbound
// datagrams before the caller ever sees them, so loss and duplication
// paths can be exercised deterministically with a seeded source. It is
// never enabled in production (Rate defaults to 0).
type DropSimulator struct {
	Conn PacketConn
	Rate float64 // probability in [0, 1] that an inbound datagram is dropped
	Rand *rand.Rand
}

// NewDropSimulator wraps conn with a drop rate; rnd may be nil to get a
// time-seeded default (fine for manual testing, never used in prod).
func NewDropSimulator(conn PacketConn, rate float64, rnd *rand.Rand) *DropSimulator {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &DropSimulator{Conn: conn, Rate: rate, Rand: rnd}
}

func (d *DropSimulator) SendTo(data []byte, addr net.Addr) error {
	return d.Conn.SendTo(data, addr)
}

// RecvFrom retries internally on a simulated drop so callers still see a
// single logical receive-or-timeout within the requested timeout budget.
func (d *DropSimulator) RecvFrom(buf []byte, timeout time.Duration) (int, net.Addr, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil, ErrTimeout
		}
		n, addr, err := d.Conn.RecvFrom(buf, remaining)
		if err != nil {
			return n, addr, err
		}
		if d.Rate > 0 && d.Rand.Float64() < d.Rate {
			continue
		}
		return n, addr, nil
	}
}

func (d *DropSimulator) LocalAddr() net.Addr { return d.Conn.LocalAddr() }
func (d *DropSimulator) Close() error        { return d.Conn.Close() }
