// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package quota

import (
	"net"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitedPacketConn wraps a relay socket with a bandwidth cap. Reads and
// writes share one bucket; datagrams over the cap are dropped.
type RateLimitedPacketConn struct {
	net.PacketConn
	limiter *rate.Limiter
}

// NewRateLimitedPacketConn wraps conn with limiter.
func NewRateLimitedPacketConn(conn net.PacketConn, limiter *rate.Limiter) *RateLimitedPacketConn {
	return &RateLimitedPacketConn{PacketConn: conn, limiter: limiter}
}

// ReadFrom returns the next datagram that fits in the bucket.
func (c *RateLimitedPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		n, addr, err := c.PacketConn.ReadFrom(p)
		if err != nil {
			return n, addr, err
		}
		if c.limiter.AllowN(time.Now(), n) {
			return n, addr, nil
		}
	}
}

// WriteTo silently drops datagrams over the cap.
func (c *RateLimitedPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if !c.limiter.AllowN(time.Now(), len(p)) {
		return len(p), nil
	}

	return c.PacketConn.WriteTo(p, addr)
}
