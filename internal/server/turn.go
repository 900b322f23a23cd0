// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"net"

	"github.com/netmedia/turnrelay/internal/allocation"
	"github.com/netmedia/turnrelay/internal/ipnet"
	"github.com/netmedia/turnrelay/internal/proto"
	"github.com/pion/stun/v2"
)

// Detacher is implemented by TCP control connections. Detach returns the
// raw stream, including bytes already buffered by the STUN framer, so that
// it can become a client data connection.
type Detacher interface {
	Detach() net.Conn
}

func checkAllocateAttributes(r Request, m *stun.Message, protocol proto.Protocol) error {
	switch protocol {
	case proto.ProtoUDP:
		// 4. The request may contain a DONT-FRAGMENT attribute.  If it does,
		//    but the server does not support sending UDP datagrams with the DF
		//    bit set to 1 (see Section 12), then the server treats the DONT-
		//    FRAGMENT attribute in the Allocate request as an unknown
		//    comprehension-required attribute.
		if m.Contains(stun.AttrDontFragment) {
			msg := errorResponse(m, stun.MethodAllocate, stun.CodeUnknownAttribute,
				&stun.UnknownAttributes{stun.AttrDontFragment})

			return buildAndSendErr(r.Conn, r.SrcAddr, errNoDontFragmentSupport, msg...)
		}

		// Relayed port pairs are not reserved, so EVEN-PORT and
		// RESERVATION-TOKEN are treated the same way.
		var unknown stun.UnknownAttributes
		for _, attr := range []stun.AttrType{stun.AttrEvenPort, stun.AttrReservationToken} {
			if m.Contains(attr) {
				unknown = append(unknown, attr)
			}
		}
		if len(unknown) > 0 {
			msg := errorResponse(m, stun.MethodAllocate, stun.CodeUnknownAttribute, &unknown)

			return buildAndSendErr(r.Conn, r.SrcAddr, errNoEvenPortSupport, msg...)
		}

	case proto.ProtoTCP:
		// https://tools.ietf.org/html/rfc6062#section-5.1
		//
		//  2. If the client connection transport is not TCP or TLS, the server
		// 	MUST reject the request with a 400 (Bad Request) error.
		if r.Protocol != allocation.TCP {
			return buildAndSendErr(r.Conn, r.SrcAddr, errUnsupportedClientProtocol,
				errorResponse(m, stun.MethodAllocate, stun.CodeBadRequest)...)
		}

		//  3. If the request contains the DONT-FRAGMENT, EVEN-PORT, or
		// 	RESERVATION-TOKEN attribute, the server MUST reject the request
		// 	with a 400 (Bad Request) error.
		for _, attr := range []stun.AttrType{stun.AttrDontFragment, stun.AttrEvenPort, stun.AttrReservationToken} {
			if m.Contains(attr) {
				return buildAndSendErr(r.Conn, r.SrcAddr, errInvalidAttributeForTCPAllocation,
					errorResponse(m, stun.MethodAllocate, stun.CodeBadRequest)...)
			}
		}
	}

	return nil
}

func allocateSuccessAttrs(r Request, a allocation.Allocation, lifetime stun.Setter) ([]stun.Setter, error) {
	srcIP, srcPort, err := ipnet.AddrIPPort(r.SrcAddr)
	if err != nil {
		return nil, err
	}

	relayIP, relayPort, err := ipnet.AddrIPPort(a.RelayAddr())
	if err != nil {
		return nil, err
	}

	return []stun.Setter{
		&proto.RelayedAddress{
			IP:   relayIP,
			Port: relayPort,
		},
		lifetime,
		&stun.XORMappedAddress{
			IP:   srcIP,
			Port: srcPort,
		},
	}, nil
}

// https://tools.ietf.org/html/rfc5766#section-6.2
func handleAllocateRequest(r Request, m *stun.Message) error {
	r.Log.Debugf("Received AllocateRequest from %s", r.SrcAddr)

	// 1. The server MUST require that the request be authenticated.  This
	//    authentication MUST be done using the long-term credential
	//    mechanism of [https://tools.ietf.org/html/rfc5389#section-10.2.2]
	//    unless the client and server agree to use another mechanism through
	//    some procedure outside the scope of this document.
	ar, err := authenticateRequest(r, m, stun.MethodAllocate)
	if !ar.hasAuth {
		return err
	}

	// 3. The server checks if the request contains a REQUESTED-TRANSPORT
	//    attribute.  If the REQUESTED-TRANSPORT attribute is not included
	//    or is malformed, the server rejects the request with a 400 (Bad
	//    Request) error.  Otherwise, if the attribute is included but
	//    specifies a protocol other that UDP/TCP, the server rejects the
	//    request with a 442 (Unsupported Transport Protocol) error.
	var requestedTransport proto.RequestedTransport
	if err = requestedTransport.GetFrom(m); err != nil {
		return buildAndSendErr(r.Conn, r.SrcAddr, err, errorResponse(m, stun.MethodAllocate, stun.CodeBadRequest)...)
	} else if requestedTransport.Protocol != proto.ProtoUDP && requestedTransport.Protocol != proto.ProtoTCP {
		return buildAndSendErr(r.Conn, r.SrcAddr, errUnsupportedTransportProtocol,
			errorResponse(m, stun.MethodAllocate, stun.CodeUnsupportedTransProto)...)
	}

	// 2. The server checks if the 5-tuple is currently in use by an
	//    existing allocation.  If yes, the server rejects the request with
	//    a 437 (Allocation Mismatch) error.
	fiveTuple := fiveTupleOf(r)
	if a := r.AllocationManager.GetAllocation(fiveTuple); a != nil {
		return handleExistingAllocation(r, m, ar, a, requestedTransport.Protocol)
	}

	if err = checkAllocateAttributes(r, m, requestedTransport.Protocol); err != nil {
		return err
	}

	// 7. At any point, the server MAY choose to reject the request with a
	//    486 (Allocation Quota Reached) error if it feels the client is
	//    trying to exceed some locally defined allocation quota.
	if ip, _, ipErr := ipnet.AddrIPPort(r.SrcAddr); ipErr == nil && !r.AllocateLimiter.Allow(ip.String()) {
		return buildAndSendErr(r.Conn, r.SrcAddr, fmt.Errorf("%w for %v", errAllocateRateExceeded, ip),
			errorResponse(m, stun.MethodAllocate, stun.CodeAllocQuotaReached)...)
	}

	lifetime := allocationLifeTime(r, m)
	if lifetime == 0 {
		lifetime = defaultAllocationLifetime(r)
	}
	a, err := r.AllocationManager.CreateAllocation(
		fiveTuple,
		r.Conn,
		requestedTransport.Protocol,
		0,
		lifetime,
		ar.username,
		ar.realm,
	)
	if err != nil {
		return sendAllocationErr(r, m, stun.MethodAllocate, err)
	}

	// Once the allocation is created, the server replies with a success
	// response.
	// The success response contains:
	//   * An XOR-RELAYED-ADDRESS attribute containing the relayed transport
	//     address.
	//   * A LIFETIME attribute containing the current value of the time-to-
	//     expiry timer.
	//   * An XOR-MAPPED-ADDRESS attribute containing the client's IP address
	//     and port (from the 5-tuple).
	responseAttrs, err := allocateSuccessAttrs(r, a, &proto.Lifetime{Duration: a.Refresh(lifetime)})
	if err != nil {
		r.AllocationManager.DeleteAllocation(fiveTuple)

		return buildAndSendErr(r.Conn, r.SrcAddr, err, errorResponse(m, stun.MethodAllocate, stun.CodeBadRequest)...)
	}

	a.SetResponseCache(m.TransactionID, responseAttrs)
	msg := buildMsg(m.TransactionID, stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse),
		append(responseAttrs, ar.messageIntegrity)...)
	if err = buildAndSend(r.Conn, r.SrcAddr, msg...); err != nil {
		return err
	}
	a.Activate()
	r.Log.Debugf("Allocated %v for user %q on %v", a.RelayAddr(), ar.userID, fiveTuple)

	return nil
}

// handleExistingAllocation answers an Allocate on a 5-tuple that already
// has an allocation. A retransmission gets the cached response, a repeat
// with the same parameters refreshes, anything else is a mismatch.
func handleExistingAllocation(
	r Request,
	m *stun.Message,
	ar authResult,
	a allocation.Allocation,
	protocol proto.Protocol,
) error {
	if a.Username() != ar.username {
		return buildAndSendErr(r.Conn, r.SrcAddr, fmt.Errorf("%w: %q", errWrongCredentials, ar.username),
			errorResponse(m, stun.MethodAllocate, stun.CodeWrongCredentials)...)
	}

	id, attrs := a.ResponseCache()
	if id == m.TransactionID {
		msg := buildMsg(m.TransactionID, stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse),
			append(attrs, ar.messageIntegrity)...)

		return buildAndSend(r.Conn, r.SrcAddr, msg...)
	}

	if a.Protocol() != protocol {
		return buildAndSendErr(r.Conn, r.SrcAddr, errRelayAlreadyAllocatedForFiveTuple,
			errorResponse(m, stun.MethodAllocate, stun.CodeAllocMismatch)...)
	}

	lifetime := allocationLifeTime(r, m)
	if lifetime == 0 {
		lifetime = defaultAllocationLifetime(r)
	}
	responseAttrs, err := allocateSuccessAttrs(r, a, &proto.Lifetime{Duration: a.Refresh(lifetime)})
	if err != nil {
		return buildAndSendErr(r.Conn, r.SrcAddr, err, errorResponse(m, stun.MethodAllocate, stun.CodeBadRequest)...)
	}
	a.SetResponseCache(m.TransactionID, responseAttrs)

	return buildAndSend(r.Conn, r.SrcAddr, buildMsg(m.TransactionID,
		stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse),
		append(responseAttrs, ar.messageIntegrity)...)...)
}

// https://tools.ietf.org/html/rfc5766#section-7.2
func handleRefreshRequest(r Request, m *stun.Message) error {
	r.Log.Debugf("Received RefreshRequest from %s", r.SrcAddr)

	ar, err := authenticateRequest(r, m, stun.MethodRefresh)
	if !ar.hasAuth {
		return err
	}

	a, err := lookupAllocation(r, m, stun.MethodRefresh, ar)
	if a == nil {
		return err
	}

	// If the requested lifetime is zero, the server deletes the
	// allocation after answering with a success response.
	lifetimeDuration := allocationLifeTime(r, m)
	if lifetimeDuration == 0 {
		err = buildAndSend(r.Conn, r.SrcAddr, buildMsg(m.TransactionID,
			stun.NewType(stun.MethodRefresh, stun.ClassSuccessResponse),
			&proto.Lifetime{}, ar.messageIntegrity)...)
		r.AllocationManager.DeleteAllocation(a.FiveTuple())

		return err
	}

	return buildAndSend(r.Conn, r.SrcAddr, buildMsg(m.TransactionID,
		stun.NewType(stun.MethodRefresh, stun.ClassSuccessResponse),
		&proto.Lifetime{Duration: a.Refresh(lifetimeDuration)},
		ar.messageIntegrity)...)
}

// https://tools.ietf.org/html/rfc5766#section-9.2
func handleCreatePermissionRequest(r Request, m *stun.Message) error {
	r.Log.Debugf("Received CreatePermission from %s", r.SrcAddr)

	ar, err := authenticateRequest(r, m, stun.MethodCreatePermission)
	if !ar.hasAuth {
		return err
	}

	a, err := lookupAllocation(r, m, stun.MethodCreatePermission, ar)
	if a == nil {
		return err
	}

	// Permissions are installed only if every XOR-PEER-ADDRESS is valid.
	var peers []net.IP
	if err = m.ForEach(stun.AttrXORPeerAddress, func(m *stun.Message) error {
		var peerAddress proto.PeerAddress
		if err := peerAddress.GetFrom(m); err != nil {
			return err
		}
		peers = append(peers, peerAddress.IP)

		return nil
	}); err == nil && len(peers) == 0 {
		err = errNoPermissionsCreated
	}
	if err != nil {
		return buildAndSendErr(r.Conn, r.SrcAddr, err, errorResponse(m, stun.MethodCreatePermission, stun.CodeBadRequest)...)
	}

	for _, ip := range peers {
		r.Log.Debugf("Adding permission for %s on %v", ip, a.RelayAddr())
		a.AddPermission(ip)
	}

	return buildAndSend(r.Conn, r.SrcAddr, buildMsg(m.TransactionID,
		stun.NewType(stun.MethodCreatePermission, stun.ClassSuccessResponse), ar.messageIntegrity)...)
}

// https://tools.ietf.org/html/rfc5766#section-10.2
func handleSendIndication(r Request, m *stun.Message) error {
	r.Log.Debugf("Received SendIndication from %s", r.SrcAddr)

	a := r.AllocationManager.GetAllocation(fiveTupleOf(r))
	if a == nil {
		return fmt.Errorf("%w %v:%v", errNoAllocationFound, r.SrcAddr, r.Conn.LocalAddr())
	}

	dataAttr := proto.Data{}
	if err := dataAttr.GetFrom(m); err != nil {
		return err
	}

	peerAddress := proto.PeerAddress{}
	if err := peerAddress.GetFrom(m); err != nil {
		return err
	}

	var peer net.Addr = peerAddress.UDPAddr()
	if a.Protocol() == proto.ProtoTCP {
		peer = peerAddress.TCPAddr()
	}

	return a.RelayOutbound(peer, dataAttr)
}

// https://tools.ietf.org/html/rfc5766#section-11.2
func handleChannelBindRequest(r Request, m *stun.Message) error {
	r.Log.Debugf("Received ChannelBindRequest from %s", r.SrcAddr)

	ar, err := authenticateRequest(r, m, stun.MethodChannelBind)
	if !ar.hasAuth {
		return err
	}

	a, err := lookupAllocation(r, m, stun.MethodChannelBind, ar)
	if a == nil {
		return err
	}

	badRequestMsg := errorResponse(m, stun.MethodChannelBind, stun.CodeBadRequest)

	udpAllocation, ok := a.(*allocation.UDPAllocation)
	if !ok {
		return buildAndSendErr(r.Conn, r.SrcAddr, errChannelBindRequireUDPAllocation, badRequestMsg...)
	}

	var channel proto.ChannelNumber
	if err = channel.GetFrom(m); err != nil {
		return buildAndSendErr(r.Conn, r.SrcAddr, err, badRequestMsg...)
	}

	peerAddr := proto.PeerAddress{}
	if err = peerAddr.GetFrom(m); err != nil {
		return buildAndSendErr(r.Conn, r.SrcAddr, err, badRequestMsg...)
	}

	r.Log.Debugf("Binding channel %d to %s", channel, peerAddr)
	if err = udpAllocation.AddChannelBind(channel, peerAddr.UDPAddr()); err != nil {
		return sendAllocationErr(r, m, stun.MethodChannelBind, err)
	}

	return buildAndSend(r.Conn, r.SrcAddr, buildMsg(m.TransactionID,
		stun.NewType(stun.MethodChannelBind, stun.ClassSuccessResponse), ar.messageIntegrity)...)
}

func handleChannelData(r Request, c *proto.ChannelData) error {
	r.Log.Debugf("Received ChannelData from %s", r.SrcAddr)

	a := r.AllocationManager.GetAllocation(fiveTupleOf(r))
	if a == nil {
		return fmt.Errorf("%w %v:%v", errNoAllocationFound, r.SrcAddr, r.Conn.LocalAddr())
	}

	udpAllocation, ok := a.(*allocation.UDPAllocation)
	if !ok {
		return errChannelBindRequireUDPAllocation
	}

	return udpAllocation.RelayChannelData(c.Number, c.Data)
}

// https://tools.ietf.org/html/rfc6062#section-5.2
func handleConnectRequest(r Request, m *stun.Message) error {
	r.Log.Debugf("Received ConnectRequest from %s", r.SrcAddr)

	ar, err := authenticateRequest(r, m, stun.MethodConnect)
	if !ar.hasAuth {
		return err
	}

	// If the request is received on a TCP connection for which no
	// allocation exists, the server MUST return a 437 (Allocation Mismatch)
	// error.
	a, err := lookupAllocation(r, m, stun.MethodConnect, ar)
	if a == nil {
		return err
	}

	badRequestMsg := errorResponse(m, stun.MethodConnect, stun.CodeBadRequest)

	tcpAllocation, ok := a.(*allocation.TCPAllocation)
	if !ok {
		return buildAndSendErr(r.Conn, r.SrcAddr, errConnectRequireTCPAllocation, badRequestMsg...)
	}

	// If the request does not contain an XOR-PEER-ADDRESS attribute, or if
	// such attribute is invalid, the server MUST return a 400 (Bad Request)
	// error.
	peerAddr := proto.PeerAddress{}
	if err = peerAddr.GetFrom(m); err != nil {
		return buildAndSendErr(r.Conn, r.SrcAddr, err, badRequestMsg...)
	}

	// If the server is currently processing a Connect request for this
	// allocation with the same XOR-PEER-ADDRESS, or the resulting data
	// connections are pending or active, it MUST return a 446 (Connection
	// Already Exists) error. Without a permission the answer is 403.
	//
	// The dial runs off the read loop. A failed or timed out connection
	// attempt is answered with 447 once it completes.
	peer := peerAddr.TCPAddr()
	err = tcpAllocation.ConnectAsync(peer, func(cid proto.ConnectionID, err error) {
		if err != nil {
			r.Log.Warnf("Connect from %v to %v failed: %v", r.SrcAddr, peer,
				sendAllocationErr(r, m, stun.MethodConnect, err))

			return
		}

		// The server MUST include the CONNECTION-ID attribute in the Connect
		// success response.  The attribute's value MUST uniquely identify the
		// peer data connection.
		if err := buildAndSend(r.Conn, r.SrcAddr, buildMsg(m.TransactionID,
			stun.NewType(stun.MethodConnect, stun.ClassSuccessResponse), cid, ar.messageIntegrity)...); err != nil {
			r.Log.Warnf("Failed to answer Connect from %v: %v", r.SrcAddr, err)
		}
	})
	if err != nil {
		return sendAllocationErr(r, m, stun.MethodConnect, err)
	}

	return nil
}

// https://tools.ietf.org/html/rfc6062#section-5.4
func handleConnectionBindRequest(r Request, m *stun.Message) error {
	r.Log.Debugf("Received ConnectionBindRequest from %s", r.SrcAddr)

	ar, err := authenticateRequest(r, m, stun.MethodConnectionBind)
	if !ar.hasAuth {
		return err
	}

	badRequestMsg := errorResponse(m, stun.MethodConnectionBind, stun.CodeBadRequest)

	// If the client connection transport is not TCP or TLS, the server MUST
	// return a 400 (Bad Request) error.
	detacher, ok := r.Conn.(Detacher)
	if r.Protocol != allocation.TCP || !ok {
		return buildAndSendErr(r.Conn, r.SrcAddr, errConnectionBindRequireTCP, badRequestMsg...)
	}

	// If the request does not contain the CONNECTION-ID attribute, or if
	// this attribute does not refer to an existing pending connection, the
	// server MUST return a 400 (Bad Request) error.
	var cid proto.ConnectionID
	if err = cid.GetFrom(m); err != nil {
		return buildAndSendErr(r.Conn, r.SrcAddr, errConnectionBindRequireID, badRequestMsg...)
	}

	tcpAllocation := r.AllocationManager.TCPAllocationByConnectionID(cid)
	if tcpAllocation == nil {
		return buildAndSendErr(r.Conn, r.SrcAddr, fmt.Errorf("%w: %v", allocation.ErrConnectionNotFound, cid), badRequestMsg...)
	}
	if tcpAllocation.Username() != ar.username {
		return buildAndSendErr(r.Conn, r.SrcAddr, fmt.Errorf("%w: %q", errWrongCredentials, ar.username),
			errorResponse(m, stun.MethodConnectionBind, stun.CodeWrongCredentials)...)
	}

	// Otherwise, the client connection is now called a client data
	// connection.  Data received on it MUST be sent as-is to the associated
	// peer data connection.
	//
	// Data received on the associated peer data connection MUST be sent
	// as-is on this client data connection.  This includes data that was
	// received after the associated Connect or request was successfully
	// processed and before this ConnectionBind request was received.
	//
	// https://tools.ietf.org/html/rfc6062#section-5.5
	//
	// When a client data connection is closed, the server MUST close the
	// corresponding peer data connection.
	//
	// When a peer data connection is closed, the server MUST close the
	// corresponding client data connection.
	bound := false
	err = tcpAllocation.BindDetached(cid, detacher.Detach, func() error {
		bound = true

		return buildAndSend(r.Conn, r.SrcAddr, buildMsg(m.TransactionID,
			stun.NewType(stun.MethodConnectionBind, stun.ClassSuccessResponse), ar.messageIntegrity)...)
	})
	if err != nil && !bound {
		return sendAllocationErr(r, m, stun.MethodConnectionBind, err)
	}

	return err
}
