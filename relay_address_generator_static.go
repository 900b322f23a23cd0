// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turnrelay

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pion/transport/v3"
)

// RelayAddressGeneratorStatic can be used to return static IP address each time a relay is created.
// This can be used when you have a single static IP address that you want to use.
type RelayAddressGeneratorStatic struct {
	// RelayAddress is the IP returned to the user when the relay is created
	RelayAddress net.IP

	// Address is passed to Listen/ListenPacket when creating the Relay
	Address string

	Net transport.Net
}

// Validate is called on server startup and confirms the RelayAddressGenerator is properly configured.
func (r *RelayAddressGeneratorStatic) Validate() error {
	n, err := defaultNet(r.Net)
	if err != nil {
		return fmt.Errorf("failed to create network: %w", err)
	}
	r.Net = n

	switch {
	case r.RelayAddress == nil:
		return errRelayAddressInvalid
	case r.Address == "":
		return errListeningAddressInvalid
	default:
		return nil
	}
}

// AllocatePacketConn generates a new PacketConn to receive traffic on and the IP/Port
// to populate the allocation response with.
func (r *RelayAddressGeneratorStatic) AllocatePacketConn(network string, requestedPort int) (net.PacketConn, net.Addr, error) { // nolint: lll
	conn, err := r.Net.ListenPacket(network, net.JoinHostPort(r.Address, strconv.Itoa(requestedPort))) // nolint: noctx
	if err != nil {
		return nil, nil, err
	}

	// Replace actual listening IP with the user requested one of RelayAddressGeneratorStatic
	relayAddr, err := relayedUDPAddr(conn, r.RelayAddress)
	if err != nil {
		_ = conn.Close()

		return nil, nil, err
	}

	return conn, relayAddr, nil
}

// AllocateListener generates a new Listener to receive traffic on and the IP/Port
// to populate the allocation response with.
func (r *RelayAddressGeneratorStatic) AllocateListener(network string, requestedPort int) (net.Listener, net.Addr, error) { // nolint: lll
	ln, err := listenTCP(r.Net, network, r.Address, requestedPort)
	if err != nil {
		return nil, nil, err
	}

	relayAddr, err := relayedTCPAddr(ln, r.RelayAddress)
	if err != nil {
		_ = ln.Close()

		return nil, nil, err
	}

	return ln, relayAddr, nil
}

// AllocateConn creates a new outgoing TCP connection bound to the relay address to send traffic to a peer.
func (r *RelayAddressGeneratorStatic) AllocateConn(network string, laddr, raddr net.Addr) (net.Conn, error) {
	return dialFromRelay(r.Net, network, laddr, raddr)
}
