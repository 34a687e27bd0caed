// Command rdt-ping checks reachability and round-trip time to a server
// host before a transfer is attempted.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jadeyavs/rdtudp/netdiag"
)

func main() {
	host := flag.String("host", "", "server host to probe, e.g. 203.0.113.10")
	timeout := flag.Duration("timeout", 3*time.Second, "how long to wait for a reply")
	flag.Parse()

	if *host == "" {
		flag.Usage()
		os.Exit(2)
	}

	rtt, err := netdiag.Probe(*host, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rdt-ping: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: rtt=%v\n", *host, rtt)
}
