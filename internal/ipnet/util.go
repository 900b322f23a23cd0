// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package ipnet contains helper functions around net and IP
package ipnet

import (
	"errors"
	"net"
)

var errFailedToCastAddr = errors.New("failed to cast net.Addr to *net.UDPAddr or *net.TCPAddr")

// AddrIPPort extracts the IP and Port from a net.Addr
func AddrIPPort(a net.Addr) (net.IP, int, error) {
	switch addr := a.(type) {
	case *net.UDPAddr:
		return addr.IP, addr.Port, nil
	case *net.TCPAddr:
		return addr.IP, addr.Port, nil
	default:
		return nil, 0, errFailedToCastAddr
	}
}

// AddrEqual asserts that two net.Addrs are equal
// Currently only supports UDP and TCP
func AddrEqual(a, b net.Addr) bool {
	switch a := a.(type) {
	case *net.UDPAddr:
		bUDP, ok := b.(*net.UDPAddr)
		if !ok {
			return false
		}
		return a.IP.Equal(bUDP.IP) && a.Port == bUDP.Port
	case *net.TCPAddr:
		bTCP, ok := b.(*net.TCPAddr)
		if !ok {
			return false
		}
		return a.IP.Equal(bTCP.IP) && a.Port == bTCP.Port
	default:
		return false
	}
}

// IPFingerprint is a comparable key for the IP part of a transport address.
// IPv4 and IPv4-mapped IPv6 forms of the same address share a fingerprint.
type IPFingerprint [net.IPv6len]byte

// FingerprintIP returns the comparable key for ip.
func FingerprintIP(ip net.IP) (fp IPFingerprint) {
	copy(fp[:], ip.To16())
	return
}

// AddrFingerprint is a comparable key for a full transport address.
type AddrFingerprint struct {
	IP   IPFingerprint
	Port uint16
}

// FingerprintAddr returns the comparable key for a UDP or TCP address.
// Any other address kind maps to the zero fingerprint.
func FingerprintAddr(a net.Addr) AddrFingerprint {
	ip, port, err := AddrIPPort(a)
	if err != nil {
		return AddrFingerprint{}
	}
	return AddrFingerprint{IP: FingerprintIP(ip), Port: uint16(port)}
}

// IP returns the address family agnostic IP of the fingerprint.
func (f IPFingerprint) IP() net.IP {
	ip := make(net.IP, net.IPv6len)
	copy(ip, f[:])
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}
