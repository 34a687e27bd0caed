package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jadeyavs/rdtudp/client"
	"github.com/jadeyavs/rdtudp/transport/fake"
	"github.com/jadeyavs/rdtudp/wire"
)

func startTestServer(t *testing.T, conn *fake.Conn, clk *fake.Clock, cfg Config) *Server {
	t.Helper()
	cfg.StorageDir = t.TempDir()
	srv, err := New(conn, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv.WithClock(clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv
}

func TestEndToEndUploadThenDownload(t *testing.T) {
	medium := fake.NewMedium()
	serverConn := medium.Listen("server")
	clk := fake.NewClock()
	srv := startTestServer(t, serverConn, clk, Config{})

	// Upload a file from the client.
	uploadDir := t.TempDir()
	srcPath := filepath.Join(uploadDir, "greeting.txt")
	content := []byte("hi from the client")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	uploaderConn := medium.Listen("uploader")
	uploader := client.New(uploaderConn, client.Config{})
	if err := uploader.Upload(fake.Addr("server"), srcPath); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	stored := filepath.Join(srv.cfg.StorageDir, "greeting.txt")
	got, err := os.ReadFile(stored)
	if err != nil {
		t.Fatalf("server did not persist uploaded file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("stored content mismatch: got %q want %q", got, content)
	}

	// Download the same file back out through a second client.
	downloadDir := t.TempDir()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(downloadDir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })

	downloaderConn := medium.Listen("downloader")
	downloader := client.New(downloaderConn, client.Config{})
	if err := downloader.Download(fake.Addr("server"), "greeting.txt"); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err = os.ReadFile("downloaded_greeting.txt")
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("downloaded content mismatch: got %q want %q", got, content)
	}
}

func TestDownloadMissingFileReturnsError(t *testing.T) {
	medium := fake.NewMedium()
	serverConn := medium.Listen("server")
	clk := fake.NewClock()
	startTestServer(t, serverConn, clk, Config{})

	dir := t.TempDir()
	old, _ := os.Getwd()
	_ = os.Chdir(dir)
	t.Cleanup(func() { _ = os.Chdir(old) })

	conn := medium.Listen("client")
	c := client.New(conn, client.Config{})
	err := c.Download(fake.Addr("server"), "nope.txt")
	if err == nil {
		t.Fatal("expected an error downloading a nonexistent file")
	}
	var serverErr *client.ErrServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected *client.ErrServerError, got %v (%T)", err, err)
	}
	if serverErr.Message != ErrPayloadFileNotFound {
		t.Fatalf("unexpected message %q", serverErr.Message)
	}
}

func TestDuplicateSynOverwritesByDefault(t *testing.T) {
	medium := fake.NewMedium()
	serverConn := medium.Listen("server")
	clk := fake.NewClock()
	srv := startTestServer(t, serverConn, clk, Config{})

	if err := os.WriteFile(filepath.Join(srv.cfg.StorageDir, "a.txt"), []byte("AAAA"), 0o644); err != nil {
		t.Fatal(err)
	}

	conn := medium.Listen("client")
	buf := make([]byte, wire.MaxDatagram)

	syn1 := wire.New(wire.SYN, 1, 42, []byte("DOWNLOAD|a.txt"))
	if err := conn.SendTo(wire.Encode(syn1), fake.Addr("server")); err != nil {
		t.Fatal(err)
	}
	n, _, err := conn.RecvFrom(buf, 2*time.Second)
	if err != nil {
		t.Fatalf("recv SYN_ACK: %v", err)
	}
	if pkt, derr := wire.Decode(buf[:n]); derr != nil || pkt.Type != wire.SynAck {
		t.Fatalf("expected SYN_ACK, got %+v err=%v", pkt, derr)
	}
	// The server starts the DOWNLOAD right after SYN_ACK; drain that first
	// DATA chunk so the next receive sees the reply to the second SYN.
	if _, _, err := conn.RecvFrom(buf, 2*time.Second); err != nil {
		t.Fatalf("recv DATA: %v", err)
	}

	// A second SYN for the same session id is accepted (overwrite policy)
	// rather than silently discarded.
	syn2 := wire.New(wire.SYN, 1, 42, []byte("DOWNLOAD|a.txt"))
	if err := conn.SendTo(wire.Encode(syn2), fake.Addr("server")); err != nil {
		t.Fatal(err)
	}
	n, _, err = conn.RecvFrom(buf, 2*time.Second)
	if err != nil {
		t.Fatalf("recv second SYN_ACK: %v", err)
	}
	if pkt, derr := wire.Decode(buf[:n]); derr != nil || pkt.Type != wire.SynAck {
		t.Fatalf("expected second SYN_ACK, got %+v err=%v", pkt, derr)
	}
}

func TestUploadDuplicateDataWritesOnceAndReAcks(t *testing.T) {
	medium := fake.NewMedium()
	serverConn := medium.Listen("server")
	clk := fake.NewClock()
	srv := startTestServer(t, serverConn, clk, Config{})

	conn := medium.Listen("client")
	buf := make([]byte, wire.MaxDatagram)

	syn := wire.New(wire.SYN, 1, 99, []byte("UPLOAD|c.txt"))
	if err := conn.SendTo(wire.Encode(syn), fake.Addr("server")); err != nil {
		t.Fatal(err)
	}
	n, _, err := conn.RecvFrom(buf, 2*time.Second)
	if err != nil {
		t.Fatalf("recv SYN_ACK: %v", err)
	}
	if pkt, derr := wire.Decode(buf[:n]); derr != nil || pkt.Type != wire.SynAck {
		t.Fatalf("expected SYN_ACK, got %+v err=%v", pkt, derr)
	}

	dataSeq := syn.Seq + 1
	data := wire.New(wire.Data, dataSeq, syn.Session, []byte("abc"))
	if err := conn.SendTo(wire.Encode(data), fake.Addr("server")); err != nil {
		t.Fatal(err)
	}
	if err := recvAck(t, conn, dataSeq); err != nil {
		t.Fatalf("await first ACK: %v", err)
	}

	// Simulate the client's own ACK getting lost: it retransmits the
	// identical DATA packet. The server must ACK it again without
	// appending the payload a second time.
	if err := conn.SendTo(wire.Encode(data), fake.Addr("server")); err != nil {
		t.Fatal(err)
	}
	if err := recvAck(t, conn, dataSeq); err != nil {
		t.Fatalf("await duplicate ACK: %v", err)
	}

	finSeq := dataSeq + 1
	fin := wire.New(wire.Fin, finSeq, syn.Session, nil)
	if err := conn.SendTo(wire.Encode(fin), fake.Addr("server")); err != nil {
		t.Fatal(err)
	}
	if err := recvAck(t, conn, finSeq); err != nil {
		t.Fatalf("await FIN ACK: %v", err)
	}

	stored := filepath.Join(srv.cfg.StorageDir, "c.txt")
	got, err := os.ReadFile(stored)
	if err != nil {
		t.Fatalf("reading stored file: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("expected write-once semantics, got %q", got)
	}
}

func recvAck(t *testing.T, conn *fake.Conn, seq uint32) error {
	t.Helper()
	buf := make([]byte, wire.MaxDatagram)
	n, _, err := conn.RecvFrom(buf, 2*time.Second)
	if err != nil {
		return err
	}
	pkt, err := wire.Decode(buf[:n])
	if err != nil {
		return err
	}
	if pkt.Type != wire.Ack || pkt.Seq != seq {
		t.Fatalf("expected ACK seq=%d, got %s seq=%d", seq, pkt.Type, pkt.Seq)
	}
	return nil
}

func TestSynMissingSeparatorReturnsInvalidPayloadError(t *testing.T) {
	medium := fake.NewMedium()
	serverConn := medium.Listen("server")
	clk := fake.NewClock()
	startTestServer(t, serverConn, clk, Config{})

	conn := medium.Listen("client")
	buf := make([]byte, wire.MaxDatagram)

	syn := wire.New(wire.SYN, 1, 5, []byte("GARBAGE"))
	if err := conn.SendTo(wire.Encode(syn), fake.Addr("server")); err != nil {
		t.Fatal(err)
	}
	n, _, err := conn.RecvFrom(buf, 2*time.Second)
	if err != nil {
		t.Fatalf("recv ERROR: %v", err)
	}
	pkt, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode ERROR: %v", err)
	}
	if pkt.Type != wire.Error {
		t.Fatalf("expected ERROR, got %s", pkt.Type)
	}
	if string(pkt.Payload) != ErrPayloadInvalidSYN {
		t.Fatalf("expected payload %q, got %q", ErrPayloadInvalidSYN, pkt.Payload)
	}
}

func TestSweepReapsStaleSession(t *testing.T) {
	medium := fake.NewMedium()
	serverConn := medium.Listen("server")
	clk := fake.NewClock()
	srv := startTestServer(t, serverConn, clk, Config{})

	if err := os.WriteFile(filepath.Join(srv.cfg.StorageDir, "b.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	conn := medium.Listen("client")
	buf := make([]byte, wire.MaxDatagram)
	syn := wire.New(wire.SYN, 1, 7, []byte("DOWNLOAD|b.txt"))
	if err := conn.SendTo(wire.Encode(syn), fake.Addr("server")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := conn.RecvFrom(buf, 2*time.Second); err != nil {
		t.Fatalf("recv SYN_ACK: %v", err)
	}
	// Drain the first DATA chunk the server already sent; never ACK it.
	if _, _, err := conn.RecvFrom(buf, 2*time.Second); err != nil {
		t.Fatalf("recv DATA: %v", err)
	}

	if srv.SessionCount() != 1 {
		t.Fatalf("expected 1 active session, got %d", srv.SessionCount())
	}

	clk.Advance(StaleAfter + time.Second)
	// The receive loop only re-checks the clock on its own 2s socket
	// timeout; give it a moment to tick.
	deadline := time.Now().Add(3 * time.Second)
	for srv.SessionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.SessionCount() != 0 {
		t.Fatalf("expected stale session to be reaped, got %d sessions", srv.SessionCount())
	}
}
