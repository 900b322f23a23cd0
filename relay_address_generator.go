// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turnrelay

import (
	"context"
	"net"
	"strconv"

	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
)

// RelayAddressGenerator is used to generate a RelayAddress when creating an allocation.
// You can use one of the provided ones or provide your own.
type RelayAddressGenerator interface {
	// Validate confirms that the RelayAddressGenerator is properly initialized
	Validate() error

	// AllocatePacketConn allocates a PacketConn (UDP) RelayAddress
	AllocatePacketConn(network string, requestedPort int) (net.PacketConn, net.Addr, error)

	// AllocateListener allocates a Listener (TCP) RelayAddress
	AllocateListener(network string, requestedPort int) (net.Listener, net.Addr, error)

	// AllocateConn dials a peer from the local address of a relayed listener
	AllocateConn(network string, laddr, raddr net.Addr) (net.Conn, error)
}

func relayedUDPAddr(conn net.PacketConn, relayIP net.IP) (net.Addr, error) {
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errNilConn
	}

	return &net.UDPAddr{IP: relayIP, Port: local.Port, Zone: local.Zone}, nil
}

func relayedTCPAddr(ln net.Listener, relayIP net.IP) (net.Addr, error) {
	local, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return nil, errNilConn
	}

	return &net.TCPAddr{IP: relayIP, Port: local.Port, Zone: local.Zone}, nil
}

// listenTCP opens a relayed TCP listener that outbound peer connections
// may share. Only the host network supports this.
func listenTCP(n transport.Net, network, address string, port int) (net.Listener, error) {
	if _, ok := n.(*stdnet.Net); !ok {
		return nil, errTCPNotSupported
	}

	listenConfig := &net.ListenConfig{Control: reuseControl}

	return listenConfig.Listen(context.Background(), network, net.JoinHostPort(address, strconv.Itoa(port)))
}

func dialFromRelay(n transport.Net, network string, laddr, raddr net.Addr) (net.Conn, error) {
	dialer := n.CreateDialer(&net.Dialer{
		LocalAddr: laddr,
		Control:   reuseControl,
	})

	return dialer.Dial(network, raddr.String())
}

func defaultNet(n transport.Net) (transport.Net, error) {
	if n != nil {
		return n, nil
	}

	return stdnet.NewNet()
}
