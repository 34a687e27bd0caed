// Command rdt-client performs a single DOWNLOAD or UPLOAD against an
// RDT-UDP server and exits.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/jadeyavs/rdtudp/client"
	"github.com/jadeyavs/rdtudp/transport"
)

func main() {
	server := flag.String("server", "127.0.0.1:8080", "server address to connect to")
	op := flag.String("op", "", "operation to perform: download or upload")
	file := flag.String("file", "", "for download: remote file name; for upload: local file path")
	dropRate := flag.Float64("drop-rate", 0, "probability in [0,1] of simulating inbound datagram loss, for testing")
	verbose := flag.Bool("v", false, "trace packet sends")
	flag.Parse()

	if *op == "" || *file == "" {
		fmt.Fprintln(os.Stderr, "usage: rdt-client -op=download|upload -file=<name> -server=<addr>")
		os.Exit(2)
	}

	remoteAddr, err := net.ResolveUDPAddr("udp4", *server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rdt-client: %v\n", err)
		os.Exit(1)
	}

	// An unconnected socket, not DialUDP: the client addresses every
	// send explicitly via remoteAddr, and a connected UDP socket cannot
	// be used with WriteToUDP.
	conn, err := transport.ListenUDP("0.0.0.0:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "rdt-client: %v\n", err)
		os.Exit(1)
	}

	c := client.New(conn, client.Config{DropRate: *dropRate, Verbose: *verbose})

	switch *op {
	case "download":
		err = c.Download(remoteAddr, *file)
	case "upload":
		err = c.Upload(remoteAddr, *file)
	default:
		fmt.Fprintf(os.Stderr, "rdt-client: unknown op %q\n", *op)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "rdt-client: %v\n", err)
		os.Exit(1)
	}
}
