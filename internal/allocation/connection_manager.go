// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net"
	"sync"
	"time"

	"github.com/netmedia/turnrelay/internal/ipnet"
	"github.com/netmedia/turnrelay/internal/proto"
	"github.com/pion/logging"
)

// ConnState is the lifecycle state of a TCP data connection.
type ConnState int32

// Data connection states
const (
	// ConnStateConnecting is a connection waiting for its socket or for a ConnectionBind.
	ConnStateConnecting ConnState = iota
	// ConnStateConnected is an outbound peer connection whose dial succeeded.
	ConnStateConnected
	// ConnStateBound is a connection spliced to its counterpart.
	ConnStateBound
	// ConnStateClosed is terminal.
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	case ConnStateBound:
		return "bound"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one TCP data connection of a TCP allocation, either the
// client leg or the peer leg of a relayed splice.
type Connection struct {
	ID        proto.ConnectionID
	PeerAddr  net.Addr
	CreatedAt time.Time

	mu    sync.Mutex
	conn  net.Conn
	state ConnState
}

// NewConnection creates a connection record. conn may be nil while an
// outbound dial is in flight.
func NewConnection(id proto.ConnectionID, peerAddr net.Addr, conn net.Conn, state ConnState, now time.Time) *Connection {
	return &Connection{
		ID:        id,
		PeerAddr:  peerAddr,
		CreatedAt: now,
		conn:      conn,
		state:     state,
	}
}

// State returns the current state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Conn returns the underlying socket, nil while dialing.
func (c *Connection) Conn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn
}

// connected installs the dialed socket. It returns false if the record was
// closed while the dial was in flight; the caller then owns conn.
func (c *Connection) connected(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ConnStateClosed {
		return false
	}
	c.conn = conn
	c.state = ConnStateConnected
	return true
}

func (c *Connection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ConnStateClosed {
		return nil
	}
	c.state = ConnStateClosed
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// ConnectionManager owns the data connections of one side (client or peer)
// of a TCP allocation, keyed by connection id.
type ConnectionManager struct {
	name string
	log  logging.LeveledLogger

	mu     sync.Mutex
	conns  map[proto.ConnectionID]*Connection
	closed bool
}

// NewConnectionManager creates an empty manager. name is used in logs.
func NewConnectionManager(name string, log logging.LeveledLogger) *ConnectionManager {
	return &ConnectionManager{
		name:  name,
		log:   log,
		conns: map[proto.ConnectionID]*Connection{},
	}
}

// Add registers c. Once CloseAll has run, c is closed and rejected.
func (m *ConnectionManager) Add(c *Connection) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = c.close()
		return ErrAllocationClosed
	}
	if _, ok := m.conns[c.ID]; ok {
		m.mu.Unlock()
		return errDupeConnectionID
	}
	m.conns[c.ID] = c
	m.mu.Unlock()

	m.log.Debugf("%s connection %d registered for %v", m.name, c.ID, c.PeerAddr)
	return nil
}

// Get returns the connection with id, or nil.
func (m *ConnectionManager) Get(id proto.ConnectionID) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.conns[id]
}

// Remove unregisters id and returns the removed record, or nil. The
// connection is not closed. Removing an unknown id is a no-op.
func (m *ConnectionManager) Remove(id proto.ConnectionID) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[id]
	if !ok {
		return nil
	}
	delete(m.conns, id)
	return c
}

// ByPeer returns a live connection to peer, or nil.
func (m *ConnectionManager) ByPeer(peer net.Addr) *Connection {
	fp := ipnet.FingerprintAddr(peer)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.conns {
		if ipnet.FingerprintAddr(c.PeerAddr) == fp && c.State() != ConnStateClosed {
			return c
		}
	}
	return nil
}

// Bind moves the connection with id to Bound. It succeeds at most once per
// connection and only once the connection has a socket.
func (m *ConnectionManager) Bind(id proto.ConnectionID) (*Connection, error) {
	c := m.Get(id)
	if c == nil {
		return nil, ErrConnectionNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == ConnStateBound:
		return nil, ErrConnectionAlreadyBound
	case c.state == ConnStateClosed:
		return nil, ErrConnectionNotFound
	case c.conn == nil:
		return nil, errConnectionStillDialing
	}
	c.state = ConnStateBound
	return c, nil
}

// SweepPending closes and removes every connection that is not Bound and
// was created at least grace before now.
func (m *ConnectionManager) SweepPending(now time.Time, grace time.Duration) []*Connection {
	m.mu.Lock()
	var expired []*Connection
	for id, c := range m.conns {
		if c.State() == ConnStateBound || now.Sub(c.CreatedAt) < grace {
			continue
		}
		delete(m.conns, id)
		expired = append(expired, c)
	}
	m.mu.Unlock()

	for _, c := range expired {
		if err := c.close(); err != nil {
			m.log.Debugf("failed to close pending %s connection %d: %v", m.name, c.ID, err)
		}
		m.log.Infof("%s connection %d to %v not bound within %v, closed", m.name, c.ID, c.PeerAddr, grace)
	}
	return expired
}

// CloseAll closes and removes every connection and rejects later Adds. It
// returns the removed connections on the first call and nil afterwards.
func (m *ConnectionManager) CloseAll() []*Connection {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*Connection, 0, len(m.conns))
	for id, c := range m.conns {
		conns = append(conns, c)
		delete(m.conns, id)
	}
	m.mu.Unlock()

	for _, c := range conns {
		if err := c.close(); err != nil {
			m.log.Debugf("failed to close %s connection %d: %v", m.name, c.ID, err)
		}
	}
	return conns
}

// Len returns the number of registered connections.
func (m *ConnectionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.conns)
}
