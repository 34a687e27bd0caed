// Package session defines the per-session record the server engine keeps
// in its session map (the client engine tracks its single session in its
// own fields): a tagged record in place of the dict-based
// session bags the reference implementation used, per the redesign note
// in the core spec.
package session

import (
	"net"
	"time"

	"github.com/jadeyavs/rdtudp/wire"
)

// Op distinguishes the two operations a session can perform.
type Op int

const (
	Download Op = iota
	Upload
)

func (o Op) String() string {
	if o == Upload {
		return "UPLOAD"
	}
	return "DOWNLOAD"
}

// State is the session's lifecycle state.
type State int

const (
	// Transferring is the data phase: DATA/ACK exchange under Stop-and-Wait.
	Transferring State = iota
	// FinWait is the download-sender's wait for the ACK of its FIN.
	FinWait
	// Closed means the session record should be removed from its owner's map.
	Closed
)

func (s State) String() string {
	switch s {
	case Transferring:
		return "TRANSFERRING"
	case FinWait:
		return "FIN_WAIT"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// File is the narrow interface the session needs from an open file
// handle; fsys.Root's handles satisfy it.
type File interface {
	// ReadChunk returns up to wire.MaxPayload bytes; eof is true once no
	// further bytes remain.
	ReadChunk() (data []byte, eof bool, err error)
	WriteChunk(data []byte) error
	Close() error
}

// Session is the per-endpoint record for one RDT-UDP exchange.
//
// Ownership: a Session is exclusively owned by the endpoint that holds
// it (the server's session map); nothing else mutates it concurrently.
type Session struct {
	ID    uint32
	Op    Op
	State State

	// SeqNum is the sender role's next-or-current sequence counter.
	SeqNum uint32
	// ExpectedSeq is the receiver role's next acceptable sequence number.
	ExpectedSeq uint32

	File File

	// UnackedPacket is the single outstanding packet a sender role may
	// retransmit on timeout; nil means none is outstanding (the
	// Stop-and-Wait invariant: zero or exactly one).
	UnackedPacket *wire.Packet
	LastSendTime  time.Time

	// LastActivity is the last time a packet for this session was
	// received, or a new SYN_ACK/DATA/FIN was first sent; timer-driven
	// retransmissions do not update it. The stale-session reaper compares
	// against this, not LastSendTime, so a session that is only ever
	// receiving (an UPLOAD with no outstanding ACK) still ages normally.
	LastActivity time.Time

	PeerAddr net.Addr
}

// HasUnacked reports whether a packet is currently outstanding.
func (s *Session) HasUnacked() bool {
	return s.UnackedPacket != nil
}

// StoreUnacked records pkt as the single outstanding packet and the
// transmission time used by the retransmission timer.
func (s *Session) StoreUnacked(pkt wire.Packet, sentAt time.Time) {
	p := pkt
	s.UnackedPacket = &p
	s.LastSendTime = sentAt
}

// ClearUnacked removes the outstanding packet once it is acknowledged.
func (s *Session) ClearUnacked() {
	s.UnackedPacket = nil
}
