// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net"
	"sync"
	"time"

	"github.com/netmedia/turnrelay/internal/ipnet"
	"github.com/netmedia/turnrelay/internal/proto"
)

// DefaultChannelBindLifetime is the RFC 5766 channel binding lifetime.
const DefaultChannelBindLifetime = 10 * time.Minute

// ChannelBind is a binding of a channel number to a peer transport address.
type ChannelBind struct {
	Number    proto.ChannelNumber
	Peer      net.Addr
	ExpiresAt time.Time
}

// ChannelBindTable holds the channel bindings of one UDP allocation. A
// channel number maps to exactly one peer and a peer to exactly one number.
type ChannelBindTable struct {
	lifetime time.Duration

	mu       sync.RWMutex
	byNumber map[proto.ChannelNumber]*ChannelBind
	byPeer   map[ipnet.AddrFingerprint]proto.ChannelNumber
}

// NewChannelBindTable creates a table whose bindings live for lifetime.
func NewChannelBindTable(lifetime time.Duration) *ChannelBindTable {
	if lifetime <= 0 {
		lifetime = DefaultChannelBindLifetime
	}
	return &ChannelBindTable{
		lifetime: lifetime,
		byNumber: map[proto.ChannelNumber]*ChannelBind{},
		byPeer:   map[ipnet.AddrFingerprint]proto.ChannelNumber{},
	}
}

// Bind binds number to peer or refreshes an identical binding. It reports
// whether a new binding was created.
func (c *ChannelBindTable) Bind(number proto.ChannelNumber, peer net.Addr, now time.Time) (bool, error) {
	if !number.Valid() {
		return false, ErrInvalidChannelNumber
	}
	peerFp := ipnet.FingerprintAddr(peer)
	if peerFp == (ipnet.AddrFingerprint{}) {
		return false, errInvalidPeerAddress
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byNumber[number]; ok {
		if ipnet.FingerprintAddr(existing.Peer) != peerFp {
			return false, ErrSameChannelDifferentPeer
		}
		existing.ExpiresAt = now.Add(c.lifetime)
		return false, nil
	}
	if _, ok := c.byPeer[peerFp]; ok {
		return false, ErrSamePeerDifferentChannel
	}

	c.byNumber[number] = &ChannelBind{Number: number, Peer: peer, ExpiresAt: now.Add(c.lifetime)}
	c.byPeer[peerFp] = number
	return true, nil
}

// ByNumber returns the live binding for number.
func (c *ChannelBindTable) ByNumber(number proto.ChannelNumber, now time.Time) (ChannelBind, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.byNumber[number]
	if !ok || !now.Before(b.ExpiresAt) {
		return ChannelBind{}, false
	}
	return *b, true
}

// ByPeer returns the live binding for peer.
func (c *ChannelBindTable) ByPeer(peer net.Addr, now time.Time) (ChannelBind, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	number, ok := c.byPeer[ipnet.FingerprintAddr(peer)]
	if !ok {
		return ChannelBind{}, false
	}
	b := c.byNumber[number]
	if !now.Before(b.ExpiresAt) {
		return ChannelBind{}, false
	}
	return *b, true
}

// HasPeerIP reports whether a live binding targets a peer at ip.
func (c *ChannelBindTable) HasPeerIP(ip net.IP, now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, b := range c.byNumber {
		if !now.Before(b.ExpiresAt) {
			continue
		}
		if peerIP, _, err := ipnet.AddrIPPort(b.Peer); err == nil && peerIP.Equal(ip) {
			return true
		}
	}
	return false
}

// Sweep removes every binding expired at now and returns them.
func (c *ChannelBindTable) Sweep(now time.Time) []ChannelBind {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []ChannelBind
	for number, b := range c.byNumber {
		if now.Before(b.ExpiresAt) {
			continue
		}
		delete(c.byNumber, number)
		delete(c.byPeer, ipnet.FingerprintAddr(b.Peer))
		expired = append(expired, *b)
	}
	return expired
}

// Len returns the number of bindings, expired or not.
func (c *ChannelBindTable) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.byNumber)
}
