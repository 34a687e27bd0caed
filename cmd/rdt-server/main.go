// Command rdt-server runs a single RDT-UDP server endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jadeyavs/rdtudp/server"
	"github.com/jadeyavs/rdtudp/transport"
)

func main() {
	addr := flag.String("addr", "0.0.0.0:8080", "address to bind the UDP listener to")
	storageDir := flag.String("storage", "./storage", "directory DOWNLOAD/UPLOAD operations are confined to")
	dropRate := flag.Float64("drop-rate", 0, "probability in [0,1] of simulating inbound datagram loss, for testing")
	rejectDup := flag.Bool("reject-duplicate-syn", false, "discard a SYN naming a still-active session instead of overwriting it")
	flag.Parse()

	conn, err := transport.ListenUDP(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rdt-server: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.New(conn, server.Config{
		StorageDir:               *storageDir,
		DropRate:                 *dropRate,
		RejectActiveDuplicateSYN: *rejectDup,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "rdt-server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintf(os.Stderr, "rdt-server: listening on %s, storage root %s\n", *addr, *storageDir)
	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "rdt-server: %v\n", err)
		os.Exit(1)
	}
}
