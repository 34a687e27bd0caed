/**
 * Copyright (C) 2016, Wu Tao All rights reserved.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package netdiag offers a single bounded ICMP echo probe, adapted from
// a long-running interactive pinger into a one-shot RTT check a CLI can
// run against a server host before attempting a transfer.
package netdiag

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// protocolICMP is used directly since golang.org/x/net/internal/iana is
// an internal package.
const protocolICMP = 1

// ErrNoReply is returned when no matching echo reply arrives before the
// deadline.
var ErrNoReply = errors.New("netdiag: no reply before deadline")

// Probe sends one ICMP echo to host and returns the round-trip time, or
// ErrNoReply if none arrives within timeout.
func Probe(host string, timeout time.Duration) (time.Duration, error) {
	peer, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return 0, fmt.Errorf("netdiag: resolving %s: %w", host, err)
	}

	conn, err := icmp.ListenPacket("udp4", "")
	if err != nil {
		return 0, fmt.Errorf("netdiag: listening for ICMP replies: %w", err)
	}
	defer conn.Close()

	id := rand.Intn(0xffff)
	seq := rand.Intn(0xffff)
	sentAt := time.Now()

	msg, err := (&icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: timeToBytes(sentAt)},
	}).Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("netdiag: marshaling echo request: %w", err)
	}

	if _, err := conn.WriteTo(msg, &net.UDPAddr{IP: peer.IP}); err != nil {
		return 0, fmt.Errorf("netdiag: sending echo request: %w", err)
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 512)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ErrNoReply
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return 0, err
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return 0, ErrNoReply
			}
			return 0, fmt.Errorf("netdiag: reading echo reply: %w", err)
		}

		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.ID != id || echo.Seq != seq {
			continue
		}
		return time.Since(sentAt), nil
	}
}

func timeToBytes(t time.Time) []byte {
	nsec := t.UnixNano()
	b := make([]byte, 8)
	for i := uint(0); i < 8; i++ {
		b[i] = byte((nsec >> ((7 - i) * 8)) & 0xff)
	}
	return b
}
