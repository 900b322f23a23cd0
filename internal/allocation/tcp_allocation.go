// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/netmedia/turnrelay/internal/proto"
	"github.com/pion/stun/v2"
)

// RFC 6062 timers
const (
	// DefaultConnectTimeout bounds the outgoing peer connection attempt.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultConnectGracePeriod is how long a peer data connection may wait
	// for its ConnectionBind.
	DefaultConnectGracePeriod = 30 * time.Second
)

// DialFunc opens an outgoing TCP connection from laddr to raddr.
type DialFunc func(network string, laddr, raddr net.Addr) (net.Conn, error)

// TCPAllocation relays TCP byte streams between client data connections
// and peer data connections (RFC 6062). The allocation is rooted at the
// client's control connection.
type TCPAllocation struct {
	base

	listener       net.Listener
	dial           DialFunc
	ids            *connectionIndex
	connectTimeout time.Duration
	gracePeriod    time.Duration

	clientConns *ConnectionManager
	peerConns   *ConnectionManager
}

var _ Allocation = (*TCPAllocation)(nil)

type tcpConfig struct {
	listener       net.Listener
	dial           DialFunc
	ids            *connectionIndex
	connectTimeout time.Duration
	gracePeriod    time.Duration
}

func newTCPAllocation(c baseConfig, t tcpConfig) *TCPAllocation {
	if t.connectTimeout <= 0 {
		t.connectTimeout = DefaultConnectTimeout
	}
	if t.gracePeriod <= 0 {
		t.gracePeriod = DefaultConnectGracePeriod
	}
	return &TCPAllocation{
		base:           newBase(c),
		listener:       t.listener,
		dial:           t.dial,
		ids:            t.ids,
		connectTimeout: t.connectTimeout,
		gracePeriod:    t.gracePeriod,
		clientConns:    NewConnectionManager("client", c.log),
		peerConns:      NewConnectionManager("peer", c.log),
	}
}

// ClientConnections returns the client data connections of the allocation.
func (a *TCPAllocation) ClientConnections() *ConnectionManager { return a.clientConns }

// PeerConnections returns the peer data connections of the allocation.
func (a *TCPAllocation) PeerConnections() *ConnectionManager { return a.peerConns }

// Connect opens a peer data connection from the relayed address to peer and
// returns its connection id. The record is Connecting while the dial is in
// flight and Connected once it succeeds.
func (a *TCPAllocation) Connect(ctx context.Context, peer *net.TCPAddr) (proto.ConnectionID, error) {
	record, err := a.registerConnect(peer)
	if err != nil {
		return 0, err
	}
	return a.finishConnect(ctx, record)
}

// ConnectAsync registers a Connecting record for peer and dials in the
// background, so the caller's read loop keeps running. done receives the
// connection id or the dial failure. Permission and duplicate checks fail
// synchronously and done is not called.
func (a *TCPAllocation) ConnectAsync(peer *net.TCPAddr, done func(proto.ConnectionID, error)) error {
	record, err := a.registerConnect(peer)
	if err != nil {
		return err
	}
	go func() {
		done(a.finishConnect(context.Background(), record))
	}()
	return nil
}

func (a *TCPAllocation) registerConnect(peer *net.TCPAddr) (*Connection, error) {
	if !a.HasPermission(peer) {
		return nil, ErrNoPermission
	}
	if a.peerConns.ByPeer(peer) != nil {
		return nil, ErrDupeTCPConnection
	}

	owner := a.fiveTuple.Fingerprint()
	id, err := a.ids.reserve(owner)
	if err != nil {
		return nil, err
	}
	record := NewConnection(id, peer, nil, ConnStateConnecting, time.Now())
	if err = a.peerConns.Add(record); err != nil {
		a.ids.release(id, owner)
		return nil, err
	}
	return record, nil
}

func (a *TCPAllocation) finishConnect(ctx context.Context, record *Connection) (proto.ConnectionID, error) {
	peer := record.PeerAddr
	conn, err := a.dialPeer(ctx, peer)
	if err != nil {
		a.peerConns.Remove(record.ID)
		_ = record.close()
		a.ids.release(record.ID, a.fiveTuple.Fingerprint())
		return 0, fmt.Errorf("%w: %v", ErrTCPConnectionTimeoutOrFailure, err) //nolint:errorlint
	}
	if !record.connected(conn) {
		_ = conn.Close()
		return 0, fmt.Errorf("%w: %v", ErrTCPConnectionTimeoutOrFailure, ErrAllocationClosed) //nolint:errorlint
	}

	a.log.Infof("peer data connection %d to %v established from %v", record.ID, peer, a.relayAddr)
	return record.ID, nil
}

type dialResult struct {
	conn net.Conn
	err  error
}

func (a *TCPAllocation) dialPeer(ctx context.Context, peer net.Addr) (net.Conn, error) {
	result := make(chan dialResult, 1)
	go func() {
		conn, err := a.dial("tcp", a.listener.Addr(), peer)
		result <- dialResult{conn, err}
	}()

	timer := time.NewTimer(a.connectTimeout)
	defer timer.Stop()

	var cause error
	select {
	case res := <-result:
		return res.conn, res.err
	case <-timer.C:
		cause = context.DeadlineExceeded
	case <-ctx.Done():
		cause = ctx.Err()
	case <-a.done:
		cause = ErrAllocationClosed
	}

	go func() {
		if res := <-result; res.conn != nil {
			_ = res.conn.Close()
		}
	}()
	return nil, cause
}

// RelayOutbound writes data on the peer data connection to peer.
func (a *TCPAllocation) RelayOutbound(peer net.Addr, data []byte) error {
	if !a.HasPermission(peer) {
		return ErrNoPermission
	}
	c := a.peerConns.ByPeer(peer)
	if c == nil || c.Conn() == nil {
		return ErrConnectionNotFound
	}
	_, err := c.Conn().Write(data)
	return err
}

// acceptLoop accepts inbound peer connections on the relayed address until
// the listener is closed.
func (a *TCPAllocation) acceptLoop() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if !a.isDestroyed() {
				a.log.Warnf("relay listener %v closed: %v", a.relayAddr, err)
				a.allocationError(err.Error())
			}
			return
		}
		a.onPeerAccepted(conn)
	}
}

// https://tools.ietf.org/html/rfc6062#section-5.3
//
// When a server receives an incoming TCP connection on a relayed TCP
// transport address, it processes it as follows. If the connection is
// not permitted, it is closed. Otherwise it becomes a peer data
// connection, and the server sends a ConnectionAttempt indication
// carrying XOR-PEER-ADDRESS and CONNECTION-ID on the control connection.
func (a *TCPAllocation) onPeerAccepted(conn net.Conn) {
	peer, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok || !a.HasPermission(peer) {
		a.log.Infof("No Permission exists for %v on allocation %v", conn.RemoteAddr(), a.relayAddr)
		_ = conn.Close()
		return
	}

	owner := a.fiveTuple.Fingerprint()
	id, err := a.ids.reserve(owner)
	if err != nil {
		a.log.Warnf("failed to accept peer %v: %v", peer, err)
		_ = conn.Close()
		return
	}
	record := NewConnection(id, peer, conn, ConnStateConnecting, time.Now())
	if err = a.peerConns.Add(record); err != nil {
		a.ids.release(id, owner)
		return
	}

	msg, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodConnectionAttempt, stun.ClassIndication),
		id,
		proto.PeerAddress{IP: peer.IP, Port: peer.Port},
		stun.Fingerprint,
	)
	if err == nil {
		_, err = a.turnSocket.WriteTo(msg.Raw, a.fiveTuple.SrcAddr)
	}
	if err != nil {
		a.log.Warnf("failed to send ConnectionAttempt for %v: %v", peer, err)
		a.peerConns.Remove(id)
		_ = record.close()
		a.ids.release(id, owner)
		return
	}
	a.log.Debugf("peer data connection %d accepted from %v", id, peer)
}

// BindConnection attaches clientConn to the peer data connection with id
// and relays between them until either side closes. onBound is called once
// the pair is registered and before any data is relayed; if it fails both
// connections are closed. BindConnection blocks for the life of the splice.
func (a *TCPAllocation) BindConnection(id proto.ConnectionID, clientConn net.Conn, onBound func() error) error {
	return a.BindDetached(id, func() net.Conn { return clientConn }, onBound)
}

// BindDetached is BindConnection for a client connection still owned by a
// control read loop. detach is called only after the peer data connection
// is claimed, so a refused bind leaves the stream and its buffered bytes
// with the read loop.
func (a *TCPAllocation) BindDetached(id proto.ConnectionID, detach func() net.Conn, onBound func() error) error {
	peer, err := a.peerConns.Bind(id)
	if err != nil {
		return err
	}

	clientConn := detach()
	client := NewConnection(id, peer.PeerAddr, clientConn, ConnStateBound, time.Now())
	if err = a.clientConns.Add(client); err != nil {
		a.teardown(id, client, peer)
		return err
	}
	if onBound != nil {
		if err = onBound(); err != nil {
			a.teardown(id, client, peer)
			return err
		}
	}

	if f := a.events.OnConnectionBound; f != nil {
		f(a.fiveTuple.SrcAddr, a.fiveTuple.DstAddr, a.fiveTuple.Protocol.String(),
			a.username, a.realm, a.relayAddr, peer.PeerAddr, uint32(id))
	}
	a.log.Infof("connection %d bound, relaying %v <-> %v", id, clientConn.RemoteAddr(), peer.PeerAddr)

	toPeer, toClient := a.splice(client, peer)
	a.teardown(id, client, peer)

	a.log.Infof("connection %d closed, relayed %s to peer and %s to client",
		id, humanize.IBytes(toPeer), humanize.IBytes(toClient))
	if f := a.events.OnConnectionClosed; f != nil {
		f(a.fiveTuple.SrcAddr, a.fiveTuple.DstAddr, a.fiveTuple.Protocol.String(),
			a.username, a.realm, a.relayAddr, peer.PeerAddr, uint32(id), toPeer, toClient)
	}
	return nil
}

// splice copies bytes in both directions. When either direction ends both
// connections are closed so the other direction ends too.
func (a *TCPAllocation) splice(client, peer *Connection) (toPeer, toClient uint64) {
	var sent, received atomic.Uint64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(peer.Conn(), client.Conn())
		sent.Store(uint64(n))
		_ = client.close()
		_ = peer.close()
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(client.Conn(), peer.Conn())
		received.Store(uint64(n))
		_ = client.close()
		_ = peer.close()
	}()
	wg.Wait()
	return sent.Load(), received.Load()
}

func (a *TCPAllocation) teardown(id proto.ConnectionID, client, peer *Connection) {
	a.clientConns.Remove(id)
	a.peerConns.Remove(id)
	_ = client.close()
	_ = peer.close()
	a.ids.release(id, a.fiveTuple.Fingerprint())
}

// Sweep drops expired permissions and closes peer data connections that
// were not bound within the grace period.
func (a *TCPAllocation) Sweep(now time.Time) bool {
	expired := a.sweep(now)
	owner := a.fiveTuple.Fingerprint()
	for _, c := range a.peerConns.SweepPending(now, a.gracePeriod) {
		a.ids.release(c.ID, owner)
	}
	return expired
}

// Close destroys the allocation, the relayed listener and every client and
// peer data connection.
func (a *TCPAllocation) Close() error {
	if !a.destroy() {
		return nil
	}
	err := a.listener.Close()

	owner := a.fiveTuple.Fingerprint()
	for _, c := range a.peerConns.CloseAll() {
		a.ids.release(c.ID, owner)
	}
	for _, c := range a.clientConns.CloseAll() {
		a.ids.release(c.ID, owner)
	}
	return err
}
