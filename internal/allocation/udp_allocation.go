// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net"
	"time"

	"github.com/netmedia/turnrelay/internal/ipnet"
	"github.com/netmedia/turnrelay/internal/proto"
	"github.com/pion/stun/v2"
)

// DefaultRelayBufferSize is the read buffer of a UDP relay socket.
const DefaultRelayBufferSize = 1600

// UDPAllocation relays datagrams between the client and peers through a
// relayed UDP socket.
type UDPAllocation struct {
	base

	relaySocket net.PacketConn
	channels    *ChannelBindTable
	bufferSize  int
}

var _ Allocation = (*UDPAllocation)(nil)

func newUDPAllocation(c baseConfig, relaySocket net.PacketConn, channelBindLifetime time.Duration, bufferSize int) *UDPAllocation {
	if bufferSize <= 0 {
		bufferSize = DefaultRelayBufferSize
	}
	return &UDPAllocation{
		base:        newBase(c),
		relaySocket: relaySocket,
		channels:    NewChannelBindTable(channelBindLifetime),
		bufferSize:  bufferSize,
	}
}

// AddChannelBind binds number to peer, or refreshes the binding. A binding
// also installs or refreshes the permission for the peer's IP.
func (a *UDPAllocation) AddChannelBind(number proto.ChannelNumber, peer net.Addr) error {
	now := time.Now()
	created, err := a.channels.Bind(number, peer, now)
	if err != nil {
		return err
	}

	ip, _, err := ipnet.AddrIPPort(peer)
	if err != nil {
		return err
	}
	a.addPermission(ip, now)

	if created {
		a.log.Debugf("channel %v bound to %v on %v", number, peer, a.relayAddr)
		if f := a.events.OnChannelCreated; f != nil {
			f(a.fiveTuple.SrcAddr, a.fiveTuple.DstAddr, a.fiveTuple.Protocol.String(),
				a.username, a.realm, a.relayAddr, peer, uint16(number))
		}
	}
	return nil
}

// GetChannelByNumber gets the ChannelBind from this allocation by number
func (a *UDPAllocation) GetChannelByNumber(number proto.ChannelNumber) (ChannelBind, bool) {
	return a.channels.ByNumber(number, time.Now())
}

// GetChannelByAddr gets the ChannelBind from this allocation by peer address
func (a *UDPAllocation) GetChannelByAddr(peer net.Addr) (ChannelBind, bool) {
	return a.channels.ByPeer(peer, time.Now())
}

// HasPermission reports whether traffic with addr may be relayed. A live
// channel binding counts as a permission for the bound peer's IP.
func (a *UDPAllocation) HasPermission(addr net.Addr) bool {
	if a.base.HasPermission(addr) {
		return true
	}
	ip, _, err := ipnet.AddrIPPort(addr)
	if err != nil {
		return false
	}
	return a.channels.HasPeerIP(ip, time.Now())
}

// RelayOutbound writes data to peer from the relayed address.
func (a *UDPAllocation) RelayOutbound(peer net.Addr, data []byte) error {
	if !a.HasPermission(peer) {
		return ErrNoPermission
	}
	return a.writeToPeer(peer, data)
}

// RelayChannelData writes data to the peer bound to number.
func (a *UDPAllocation) RelayChannelData(number proto.ChannelNumber, data []byte) error {
	bind, ok := a.GetChannelByNumber(number)
	if !ok {
		return ErrNoSuchChannelBind
	}
	if !a.HasPermission(bind.Peer) {
		return ErrNoPermission
	}
	return a.writeToPeer(bind.Peer, data)
}

func (a *UDPAllocation) writeToPeer(peer net.Addr, data []byte) error {
	n, err := a.relaySocket.WriteTo(data, peer)
	if err != nil {
		return err
	}
	a.relayed(peer, DirectionToPeer, n)
	return nil
}

// Sweep drops expired permissions and channel bindings.
func (a *UDPAllocation) Sweep(now time.Time) bool {
	expired := a.sweep(now)
	for _, b := range a.channels.Sweep(now) {
		a.log.Debugf("channel %v to %v on %v expired", b.Number, b.Peer, a.relayAddr)
		if f := a.events.OnChannelDeleted; f != nil {
			f(a.fiveTuple.SrcAddr, a.fiveTuple.DstAddr, a.fiveTuple.Protocol.String(),
				a.username, a.realm, a.relayAddr, b.Peer, uint16(b.Number))
		}
	}
	return expired
}

// Close destroys the allocation and closes the relay socket.
func (a *UDPAllocation) Close() error {
	if !a.destroy() {
		return nil
	}
	return a.relaySocket.Close()
}

//  https://tools.ietf.org/html/rfc5766#section-10.3
//  When the server receives a UDP datagram at a currently allocated
//  relayed transport address, the server looks up the allocation
//  associated with the relayed transport address.  The server then
//  checks to see whether the set of permissions for the allocation allow
//  the relaying of the UDP datagram as described in Section 8.
//
//  If relaying is permitted, then the server checks if there is a
//  channel bound to the peer that sent the UDP datagram (see
//  Section 11).  If a channel is bound, then processing proceeds as
//  described in Section 11.7.
//
//  If relaying is permitted but no channel is bound to the peer, then
//  the server forms and sends a Data indication.  The Data indication
//  MUST contain both an XOR-PEER-ADDRESS and a DATA attribute.  The DATA
//  attribute is set to the value of the 'data octets' field from the
//  datagram, and the XOR-PEER-ADDRESS attribute is set to the source
//  transport address of the received UDP datagram.  The Data indication
//  is then sent on the 5-tuple associated with the allocation.
func (a *UDPAllocation) packetHandler(onClosed func()) {
	buffer := make([]byte, a.bufferSize)

	for {
		n, srcAddr, err := a.relaySocket.ReadFrom(buffer)
		if err != nil {
			if !a.isDestroyed() {
				a.log.Warnf("relay socket %v closed: %v", a.relayAddr, err)
				a.allocationError(err.Error())
			}
			onClosed()
			return
		}

		a.log.Debugf("relay socket %s received %d bytes from %s",
			a.relaySocket.LocalAddr(), n, srcAddr)

		if err := a.relayInbound(srcAddr, buffer[:n]); err != nil {
			a.log.Errorf("failed to relay %d bytes from %v to %v: %v", n, srcAddr, a.fiveTuple.SrcAddr, err)
		}
	}
}

func (a *UDPAllocation) relayInbound(peer net.Addr, data []byte) error {
	if !a.HasPermission(peer) {
		a.log.Infof("No Permission or Channel exists for %v on allocation %v", peer, a.relayAddr)
		return nil
	}

	var raw []byte
	if bind, ok := a.GetChannelByAddr(peer); ok {
		channelData := &proto.ChannelData{
			Data:   data,
			Number: bind.Number,
		}
		channelData.Encode()
		raw = channelData.Raw
	} else {
		udpAddr, ok := peer.(*net.UDPAddr)
		if !ok {
			return errFailedToCastUDPAddr
		}
		msg, err := stun.Build(
			stun.TransactionID,
			stun.NewType(stun.MethodData, stun.ClassIndication),
			proto.PeerAddress{IP: udpAddr.IP, Port: udpAddr.Port},
			proto.Data(data),
			stun.Fingerprint,
		)
		if err != nil {
			return err
		}
		raw = msg.Raw
	}

	if _, err := a.turnSocket.WriteTo(raw, a.fiveTuple.SrcAddr); err != nil {
		return err
	}
	a.relayed(peer, DirectionToClient, len(data))
	return nil
}
