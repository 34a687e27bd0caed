// Package client implements the RDT-UDP client engine: handshake, the
// DOWNLOAD/UPLOAD data phases, and (for UPLOAD) the FIN phase. The
// current phase is the part of Download/Upload that is executing (no
// session.State value is kept), and each phase is a plain blocking
// receive loop rather than the goroutine/channel fan-out
// Ali-abdelrady-udp-client/udp/client.go uses — spec.md §5 requires a
// single cooperative loop with no per-session threads.
package client

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/jadeyavs/rdtudp/fsys"
	"github.com/jadeyavs/rdtudp/rng"
	"github.com/jadeyavs/rdtudp/transport"
	"github.com/jadeyavs/rdtudp/wire"
)

const (
	// Timeout is the fixed 2.0s retransmission/receive timeout shared by
	// the handshake, data and FIN phases.
	Timeout = 2 * time.Second

	sessionIDLo, sessionIDHi = 1, 10000
	initialSeqLo, initialSeqHi = 1, 100
)

// ErrServerError wraps an ERROR datagram's payload as reported by the
// server during handshake or transfer.
type ErrServerError struct {
	Message string
}

func (e *ErrServerError) Error() string { return "rdtudp: server error: " + e.Message }

// Config configures one client operation. The server address is passed
// separately to Download/Upload since it names a net.Addr, not a config
// value.
type Config struct {
	DropRate float64 // probability an inbound datagram is dropped, for tests
	Verbose  bool
}

// Client drives a single RDT-UDP session against one server address.
//
// Unlike the server, the client never compares wall-clock timestamps:
// "retransmit on timeout" falls directly out of PacketConn.RecvFrom's
// own timeout, so no Clock abstraction is needed here (spec.md §4.2
// never has the client do timestamp math, only react to socket
// timeouts — that bookkeeping only exists on the server's sweep).
type Client struct {
	conn    transport.PacketConn
	rng     rng.Source
	log     *log.Logger
	verbose bool

	sessionID uint32
	remote    net.Addr
}

// New constructs a Client over conn, wrapping it in a drop simulator if
// cfg.DropRate > 0, with a freshly-seeded random source.
func New(conn transport.PacketConn, cfg Config) *Client {
	if cfg.DropRate > 0 {
		conn = transport.NewDropSimulator(conn, cfg.DropRate, nil)
	}
	return &Client{
		conn:    conn,
		rng:     rng.New(),
		log:     log.New(os.Stderr, "[client] ", log.LstdFlags),
		verbose: cfg.Verbose,
	}
}

// WithRNG overrides the random source (tests, for deterministic IDs).
func (c *Client) WithRNG(src rng.Source) *Client { c.rng = src; return c }

func (c *Client) tracef(format string, args ...interface{}) {
	if c.verbose {
		c.log.Printf(format, args...)
	}
}

// Download performs a DOWNLOAD of filename from remote, writing the
// result to "downloaded_<basename>" in the current directory.
func (c *Client) Download(remote net.Addr, filename string) error {
	c.remote = remote
	base := filepath.Base(filename)

	synSeq, err := c.handshake("DOWNLOAD", base)
	if err != nil {
		return err
	}

	expectedSeq := synSeq + 2

	out, err := fsys.OpenLocalWrite("downloaded_" + base)
	if err != nil {
		return fmt.Errorf("rdtudp: opening output file: %w", err)
	}

	buf := make([]byte, wire.MaxDatagram)
	for {
		n, addr, err := c.conn.RecvFrom(buf, Timeout)
		if errors.Is(err, transport.ErrTimeout) {
			// Server will retransmit; remain in the loop.
			continue
		}
		if err != nil {
			return err
		}

		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			continue // corruption: discard, server will retransmit
		}
		if pkt.Session != c.sessionID {
			continue
		}
		_ = addr

		switch pkt.Type {
		case wire.Data:
			switch {
			case pkt.Seq == expectedSeq:
				if err := out.WriteChunk(pkt.Payload); err != nil {
					return err
				}
				c.ack(pkt.Seq)
				expectedSeq++
			case pkt.Seq < expectedSeq:
				c.ack(pkt.Seq)
			default:
				// seq > expectedSeq: out-of-order DATA is silently discarded.
			}
		case wire.Fin:
			c.ack(pkt.Seq)
			return out.Close()
		case wire.Error:
			// Abort without closing the file cleanly, per spec.
			return &ErrServerError{Message: string(pkt.Payload)}
		default:
			// Unknown/irrelevant type: discard.
		}
	}
}

// Upload performs an UPLOAD of the local file at path to remote under
// its basename.
func (c *Client) Upload(remote net.Addr, path string) error {
	c.remote = remote
	base := filepath.Base(path)

	in, err := fsys.OpenLocalRead(path)
	if err != nil {
		return fmt.Errorf("rdtudp: opening input file: %w", err)
	}

	synSeq, err := c.handshake("UPLOAD", base)
	if err != nil {
		return err
	}

	seqNum := synSeq + 1
	buf := make([]byte, wire.MaxDatagram)

	for {
		chunk, eof, err := in.ReadChunk()
		if err != nil {
			return err
		}
		if eof {
			break
		}

		pkt := wire.New(wire.Data, seqNum, c.sessionID, chunk)
		if err := c.sendAndAwaitAck(pkt, buf); err != nil {
			return err
		}
		seqNum++
	}

	finPkt := wire.New(wire.Fin, seqNum, c.sessionID, nil)
	if err := c.sendAndAwaitAck(finPkt, buf); err != nil {
		return err
	}
	return nil
}

// handshake runs the SYN/SYN_ACK exchange and returns the seq number
// the SYN itself carried.
func (c *Client) handshake(op, basename string) (uint32, error) {
	c.sessionID = uint32(rng.IntnRange(c.rng, sessionIDLo, sessionIDHi))
	seq := uint32(rng.IntnRange(c.rng, initialSeqLo, initialSeqHi))

	payload := []byte(op + "|" + basename)
	synPkt := wire.New(wire.SYN, seq, c.sessionID, payload)
	synBytes := wire.Encode(synPkt)

	buf := make([]byte, wire.MaxDatagram)
	for {
		if err := c.conn.SendTo(synBytes, c.remote); err != nil {
			return 0, err
		}
		c.tracef("sent SYN seq=%d session=%d op=%s file=%s", seq, c.sessionID, op, basename)

		n, _, err := c.conn.RecvFrom(buf, Timeout)
		if errors.Is(err, transport.ErrTimeout) {
			continue // retransmit SYN
		}
		if err != nil {
			return 0, err
		}

		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		if pkt.Session != c.sessionID {
			continue
		}

		switch pkt.Type {
		case wire.Error:
			return 0, &ErrServerError{Message: string(pkt.Payload)}
		case wire.SynAck:
			if pkt.Seq == seq+1 {
				return seq, nil
			}
		}
	}
}

// sendAndAwaitAck runs the inner Stop-and-Wait loop: send once, then
// retransmit on every 2.0s timeout until a matching ACK arrives.
func (c *Client) sendAndAwaitAck(pkt wire.Packet, buf []byte) error {
	encoded := wire.Encode(pkt)
	for {
		if err := c.conn.SendTo(encoded, c.remote); err != nil {
			return err
		}
		c.tracef("sent %s seq=%d session=%d", pkt.Type, pkt.Seq, pkt.Session)

		n, _, err := c.conn.RecvFrom(buf, Timeout)
		if errors.Is(err, transport.ErrTimeout) {
			continue // retransmit the identical packet
		}
		if err != nil {
			return err
		}

		ack, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		if ack.Session != c.sessionID {
			continue
		}
		if ack.Type == wire.Ack && ack.Seq == pkt.Seq {
			return nil
		}
		if ack.Type == wire.Error {
			return &ErrServerError{Message: string(ack.Payload)}
		}
	}
}

func (c *Client) ack(seq uint32) {
	pkt := wire.New(wire.Ack, seq, c.sessionID, nil)
	if err := c.conn.SendTo(wire.Encode(pkt), c.remote); err != nil {
		c.log.Printf("sending ACK seq=%d: %v", seq, err)
	}
}
