// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net"
)

// Relay directions reported by OnRelayed.
const (
	DirectionToPeer   = "to_peer"
	DirectionToClient = "to_client"
)

// EventHandler is a set of callbacks that the server will call at certain hook points during an
// allocation's lifecycle. All events are reported with the context that identifies the allocation
// triggering the event (source and destination address, protocol, username and realm used for
// authenticating the allocation), plus additional callback specific parameters. It is OK to handle
// only a subset of the callbacks.
type EventHandler struct {
	// OnAuth is called after an authentication request has been processed with the TURN method
	// triggering the authentication request, and the verdict is the authentication result.
	OnAuth func(srcAddr, dstAddr net.Addr, protocol, username, realm string, method string, verdict bool)
	// OnAllocationCreated is called after a new allocation has been made. relayProtocol is
	// the transport of the relayed address.
	OnAllocationCreated func(srcAddr, dstAddr net.Addr, protocol, username, realm string,
		relayAddr net.Addr, relayProtocol string)
	// OnAllocationDeleted is called after an allocation has been removed.
	OnAllocationDeleted func(srcAddr, dstAddr net.Addr, protocol, username, realm string)
	// OnAllocationError is called when the readloop handling an allocation exits with an
	// error with an error message.
	OnAllocationError func(srcAddr, dstAddr net.Addr, protocol, message string)
	// OnPermissionCreated is called after a new permission has been made to an IP address.
	OnPermissionCreated func(srcAddr, dstAddr net.Addr, protocol, username, realm string,
		relayAddr net.Addr, peer net.IP)
	// OnPermissionDeleted is called after a permission for a given IP address has been
	// removed.
	OnPermissionDeleted func(srcAddr, dstAddr net.Addr, protocol, username, realm string,
		relayAddr net.Addr, peer net.IP)
	// OnChannelCreated is called after a new channel has been made.
	OnChannelCreated func(srcAddr, dstAddr net.Addr, protocol, username, realm string,
		relayAddr, peer net.Addr, channelNumber uint16)
	// OnChannelDeleted is called after a channel has been removed from the server.
	OnChannelDeleted func(srcAddr, dstAddr net.Addr, protocol, username, realm string,
		relayAddr, peer net.Addr, channelNumber uint16)
	// OnConnectionBound is called when a ConnectionBind spliced a client data connection
	// to a peer data connection.
	OnConnectionBound func(srcAddr, dstAddr net.Addr, protocol, username, realm string,
		relayAddr, peer net.Addr, connectionID uint32)
	// OnConnectionClosed is called when a spliced pair of data connections is torn down,
	// with the number of bytes copied in each direction.
	OnConnectionClosed func(srcAddr, dstAddr net.Addr, protocol, username, realm string,
		relayAddr, peer net.Addr, connectionID uint32, toPeer, toClient uint64)
	// OnRelayed is called for every relayed UDP datagram.
	OnRelayed func(srcAddr, dstAddr net.Addr, protocol, username, realm string,
		relayAddr, peer net.Addr, direction string, n int)
}
