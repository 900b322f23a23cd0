// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"fmt"
	"net"

	"github.com/netmedia/turnrelay/internal/ipnet"
)

// Protocol is an enum for the transport between client and server
type Protocol uint8

// Network protocols for the client transport
const (
	UDP Protocol = iota
	TCP
)

func (p Protocol) String() string {
	switch p {
	case UDP:
		return "UDP"
	case TCP:
		return "TCP"
	default:
		return fmt.Sprintf("Protocol(%d)", uint8(p))
	}
}

// FiveTuple is the combination (client IP address and port, server IP
// address and port, and transport protocol) used to communicate between
// the client and the server. The 5-tuple uniquely identifies this
// communication stream and the Allocation on the server.
type FiveTuple struct {
	Protocol
	SrcAddr, DstAddr net.Addr
}

// Equal asserts if two FiveTuples are equal
func (f *FiveTuple) Equal(b *FiveTuple) bool {
	if f == nil || b == nil {
		return f == b
	}
	return f.Fingerprint() == b.Fingerprint()
}

func (f *FiveTuple) String() string {
	return fmt.Sprintf("%s %v->%v", f.Protocol, f.SrcAddr, f.DstAddr)
}

// FiveTupleFingerprint is a comparable representation of a FiveTuple,
// suitable as a map key.
type FiveTupleFingerprint struct {
	src, dst ipnet.AddrFingerprint
	protocol Protocol
}

// Fingerprint is the identity of a FiveTuple
func (f *FiveTuple) Fingerprint() FiveTupleFingerprint {
	return FiveTupleFingerprint{
		src:      ipnet.FingerprintAddr(f.SrcAddr),
		dst:      ipnet.FingerprintAddr(f.DstAddr),
		protocol: f.Protocol,
	}
}
