// Package server implements the RDT-UDP server engine: one listening
// socket, one session_id -> *session.Session map, and a single
// dispatch loop, per spec.md §4.3/§5. The sweep runs inside that loop on
// every receive timeout; the loop is the only goroutine Run starts, and
// it is supervised by golang.org/x/sync/errgroup so a fatal transport
// error or context cancellation shuts the server down, following the
// pack's (xray-core-adjacent) use of errgroup instead of a bespoke
// WaitGroup+error channel.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jadeyavs/rdtudp/fsys"
	"github.com/jadeyavs/rdtudp/session"
	"github.com/jadeyavs/rdtudp/transport"
	"github.com/jadeyavs/rdtudp/wire"
)

const (
	// RecvTimeout is the socket receive timeout; every timeout tick also
	// drives the sweep.
	RecvTimeout = 2 * time.Second
	// RetransmitAfter is how long an unacked packet waits before resend.
	RetransmitAfter = 2 * time.Second
	// StaleAfter is how long a session may sit idle before being reaped.
	StaleAfter = 10 * time.Second
	// finGraceAfter is how long a just-reaped session's ID is remembered
	// so a straggling FIN retransmission can still be ACKed instead of
	// being treated as "unknown session" forever (spec.md §9 open
	// question: bounded, additive, does not change any other wire
	// behavior).
	finGraceAfter = RetransmitAfter
)

// Error payload strings, normative per spec.md §6.
const (
	ErrPayloadFileNotFound = "File not found"
	ErrPayloadInvalidSYN   = "Invalid SYN payload format"
)

// Config configures a Server instance.
type Config struct {
	StorageDir string
	// RejectActiveDuplicateSYN selects the duplicate-SYN policy from
	// spec.md §9: false (default) silently overwrites an existing
	// session record, matching original_source/server.py; true instead
	// discards a SYN naming a session ID that is still active
	// (non-stale).
	RejectActiveDuplicateSYN bool
	DropRate                 float64
}

// recentlyClosed remembers a reaped session's peer address for a grace
// window so a late FIN retransmission can still get ACKed.
type recentlyClosed struct {
	addr    net.Addr
	closeAt time.Time
}

// Server owns the listening transport and the session table.
type Server struct {
	conn  transport.PacketConn
	clock transport.Clock
	root  *fsys.Root
	log   *log.Logger
	cfg   Config

	sessions map[uint32]*session.Session
	graced   map[uint32]recentlyClosed
}

// New constructs a Server over conn, rooted at cfg.StorageDir.
func New(conn transport.PacketConn, cfg Config) (*Server, error) {
	root, err := fsys.NewRoot(cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	if cfg.DropRate > 0 {
		conn = transport.NewDropSimulator(conn, cfg.DropRate, nil)
	}
	return &Server{
		conn:     conn,
		clock:    transport.SystemClock{},
		root:     root,
		log:      log.New(os.Stderr, "[server] ", log.LstdFlags),
		cfg:      cfg,
		sessions: make(map[uint32]*session.Session),
		graced:   make(map[uint32]recentlyClosed),
	}, nil
}

// WithClock overrides the clock (tests).
func (s *Server) WithClock(clk transport.Clock) *Server { s.clock = clk; return s }

// Run drives the receive/dispatch loop and the sweep until ctx is
// cancelled or a fatal transport error occurs.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.receiveLoop(ctx)
	})

	<-ctx.Done()
	_ = s.conn.Close()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) receiveLoop(ctx context.Context) error {
	buf := make([]byte, wire.MaxDatagram)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, addr, err := s.conn.RecvFrom(buf, RecvTimeout)
		if errors.Is(err, transport.ErrTimeout) {
			s.sweep()
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: receive: %w", err)
		}

		s.dispatch(buf[:n], addr)
	}
}

func (s *Server) dispatch(data []byte, addr net.Addr) {
	pkt, err := wire.Decode(data)
	if err != nil {
		s.log.Printf("discarding datagram from %v: %v", addr, err)
		return
	}

	if pkt.Type == wire.SYN {
		s.handleSyn(pkt, addr)
		return
	}

	sess, ok := s.sessions[pkt.Session]
	if !ok {
		if pkt.Type == wire.Fin {
			s.handleGracedFin(pkt, addr)
			return
		}
		s.log.Printf("unknown session %d from %v", pkt.Session, addr)
		return
	}
	sess.LastActivity = s.clockNow()

	switch pkt.Type {
	case wire.Data:
		s.handleData(pkt, sess)
	case wire.Ack:
		s.handleAck(pkt, sess)
	case wire.Fin:
		s.handleFin(pkt, sess)
	default:
		s.log.Printf("session %d: ignoring packet type %v", pkt.Session, pkt.Type)
	}
}

func (s *Server) clockNow() time.Time { return s.clock.Now() }

func (s *Server) sendPacket(pkt wire.Packet, addr net.Addr) {
	if err := s.conn.SendTo(wire.Encode(pkt), addr); err != nil {
		s.log.Printf("send %s to %v: %v", pkt.Type, addr, err)
	}
}

func (s *Server) sendError(sessionID uint32, addr net.Addr, seq uint32, message string) {
	s.sendPacket(wire.New(wire.Error, seq, sessionID, []byte(message)), addr)
}

func (s *Server) handleSyn(pkt wire.Packet, addr net.Addr) {
	payload := string(pkt.Payload)
	op, filename, ok := strings.Cut(payload, "|")
	if !ok {
		s.sendError(pkt.Session, addr, pkt.Seq+1, ErrPayloadInvalidSYN)
		return
	}

	if existing, active := s.sessions[pkt.Session]; active && s.cfg.RejectActiveDuplicateSYN {
		if !s.isStale(existing) {
			s.log.Printf("rejecting duplicate SYN for active session %d", pkt.Session)
			return
		}
	}

	secureName := fsys.Sanitize(filename)

	switch strings.ToUpper(op) {
	case "DOWNLOAD":
		s.startDownload(pkt, addr, secureName)
	case "UPLOAD":
		s.startUpload(pkt, addr, secureName)
	default:
		s.sendError(pkt.Session, addr, pkt.Seq+1, ErrPayloadInvalidSYN)
	}
}

func (s *Server) startDownload(pkt wire.Packet, addr net.Addr, name string) {
	if !s.root.Exists(name) {
		s.sendError(pkt.Session, addr, pkt.Seq+1, ErrPayloadFileNotFound)
		return
	}
	handle, err := s.root.OpenRead(name)
	if err != nil {
		s.sendError(pkt.Session, addr, pkt.Seq+1, ErrPayloadFileNotFound)
		return
	}

	sess := &session.Session{
		ID:           pkt.Session,
		Op:           session.Download,
		State:        session.Transferring,
		SeqNum:       pkt.Seq + 1,
		File:         handle,
		PeerAddr:     addr,
		LastActivity: s.clockNow(),
	}
	s.sessions[pkt.Session] = sess
	delete(s.graced, pkt.Session)

	s.sendPacket(wire.New(wire.SynAck, sess.SeqNum, pkt.Session, []byte("OK")), addr)
	s.sendNextData(sess)
}

func (s *Server) startUpload(pkt wire.Packet, addr net.Addr, name string) {
	handle, err := s.root.OpenWrite(name)
	if err != nil {
		s.sendError(pkt.Session, addr, pkt.Seq+1, ErrPayloadInvalidSYN)
		return
	}

	sess := &session.Session{
		ID:           pkt.Session,
		Op:           session.Upload,
		State:        session.Transferring,
		ExpectedSeq:  pkt.Seq + 1,
		File:         handle,
		PeerAddr:     addr,
		LastActivity: s.clockNow(),
	}
	s.sessions[pkt.Session] = sess
	delete(s.graced, pkt.Session)

	s.sendPacket(wire.New(wire.SynAck, pkt.Seq+1, pkt.Session, []byte("OK")), addr)
}

// sendNextData is the DOWNLOAD sender's engine: it is a no-op while a
// packet is outstanding (Stop-and-Wait), and otherwise reads the next
// chunk, sends DATA, or sends FIN and transitions to FIN_WAIT at EOF.
func (s *Server) sendNextData(sess *session.Session) {
	if sess.State != session.Transferring || sess.Op != session.Download {
		return
	}
	if sess.HasUnacked() {
		return
	}

	chunk, eof, err := sess.File.ReadChunk()
	if err != nil {
		s.log.Printf("session %d: read error: %v", sess.ID, err)
		return
	}

	if eof {
		sess.SeqNum++
		fin := wire.New(wire.Fin, sess.SeqNum, sess.ID, nil)
		s.sendPacket(fin, sess.PeerAddr)
		sess.State = session.FinWait
		sess.StoreUnacked(fin, s.clockNow())
		sess.LastActivity = s.clockNow()
		return
	}

	sess.SeqNum++
	data := wire.New(wire.Data, sess.SeqNum, sess.ID, chunk)
	s.sendPacket(data, sess.PeerAddr)
	sess.StoreUnacked(data, s.clockNow())
	sess.LastActivity = s.clockNow()
}

func (s *Server) handleAck(pkt wire.Packet, sess *session.Session) {
	if sess.Op != session.Download {
		return
	}
	if !sess.HasUnacked() || pkt.Seq != sess.UnackedPacket.Seq {
		return
	}

	wasFinWait := sess.State == session.FinWait
	sess.ClearUnacked()

	if wasFinWait {
		_ = sess.File.Close()
		delete(s.sessions, sess.ID)
		s.graced[sess.ID] = recentlyClosed{addr: sess.PeerAddr, closeAt: s.clockNow()}
		return
	}
	s.sendNextData(sess)
}

func (s *Server) handleData(pkt wire.Packet, sess *session.Session) {
	if sess.Op != session.Upload || sess.State != session.Transferring {
		return
	}

	switch {
	case pkt.Seq == sess.ExpectedSeq:
		if err := sess.File.WriteChunk(pkt.Payload); err != nil {
			s.log.Printf("session %d: write error: %v", sess.ID, err)
			return
		}
		sess.ExpectedSeq++
		s.sendPacket(wire.New(wire.Ack, pkt.Seq, sess.ID, nil), sess.PeerAddr)
	case pkt.Seq < sess.ExpectedSeq:
		s.sendPacket(wire.New(wire.Ack, pkt.Seq, sess.ID, nil), sess.PeerAddr)
	default:
		s.log.Printf("session %d: out-of-order DATA seq=%d expected=%d", sess.ID, pkt.Seq, sess.ExpectedSeq)
	}
}

func (s *Server) handleFin(pkt wire.Packet, sess *session.Session) {
	if sess.Op != session.Upload {
		return
	}
	s.sendPacket(wire.New(wire.Ack, pkt.Seq, sess.ID, nil), sess.PeerAddr)
	_ = sess.File.Close()
	delete(s.sessions, sess.ID)
	s.graced[sess.ID] = recentlyClosed{addr: sess.PeerAddr, closeAt: s.clockNow()}
}

// handleGracedFin ACKs a FIN retransmission that arrives just after its
// session was reaped, within finGraceAfter of the reap.
func (s *Server) handleGracedFin(pkt wire.Packet, addr net.Addr) {
	g, ok := s.graced[pkt.Session]
	if !ok {
		s.log.Printf("unknown session %d from %v", pkt.Session, addr)
		return
	}
	if s.clockNow().Sub(g.closeAt) > finGraceAfter {
		delete(s.graced, pkt.Session)
		s.log.Printf("unknown session %d from %v (grace expired)", pkt.Session, addr)
		return
	}
	s.sendPacket(wire.New(wire.Ack, pkt.Seq, pkt.Session, nil), addr)
}

func (s *Server) isStale(sess *session.Session) bool {
	return s.clockNow().Sub(sess.LastActivity) > StaleAfter
}

// sweep retransmits any unacked packet past RetransmitAfter and reaps
// any session past StaleAfter, per spec.md §4.3.
func (s *Server) sweep() {
	now := s.clockNow()

	for id, sess := range s.sessions {
		// A retransmission is not peer activity: it's the server talking
		// to itself into the void. Bumping LastActivity here would let an
		// unacked packet retransmit forever without the session ever
		// reaching StaleAfter.
		if sess.HasUnacked() && now.Sub(sess.LastSendTime) > RetransmitAfter {
			s.sendPacket(*sess.UnackedPacket, sess.PeerAddr)
			sess.LastSendTime = now
		}

		if now.Sub(sess.LastActivity) > StaleAfter {
			s.log.Printf("session %d timed out, reaping", id)
			_ = sess.File.Close()
			delete(s.sessions, id)
			s.graced[id] = recentlyClosed{addr: sess.PeerAddr, closeAt: now}
		}
	}

	for id, g := range s.graced {
		if now.Sub(g.closeAt) > finGraceAfter {
			delete(s.graced, id)
		}
	}
}

// SessionCount reports the number of active sessions (tests).
func (s *Server) SessionCount() int { return len(s.sessions) }
