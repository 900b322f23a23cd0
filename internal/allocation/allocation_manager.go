// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/netmedia/turnrelay/internal/ipnet"
	"github.com/netmedia/turnrelay/internal/proto"
	"github.com/pion/logging"
)

// Defaults applied by NewManager.
const (
	DefaultMaxLifetime   = time.Hour
	DefaultSweepInterval = time.Second
)

// ManagerConfig a bag of config params for Manager.
type ManagerConfig struct {
	LeveledLogger      logging.LeveledLogger
	AllocatePacketConn func(network string, requestedPort int) (net.PacketConn, net.Addr, error)
	AllocateListener   func(network string, requestedPort int) (net.Listener, net.Addr, error)
	AllocateConn       DialFunc
	EventHandler       EventHandler

	MaxLifetime         time.Duration
	PermissionLifetime  time.Duration
	ChannelBindLifetime time.Duration
	ConnectTimeout      time.Duration
	ConnectGracePeriod  time.Duration
	// SweepInterval is the period of the expiry sweep. A negative value
	// disables the timer; Sweep can still be called directly.
	SweepInterval time.Duration
	// MaxAllocationsPerUser limits live allocations per username, 0 is unlimited.
	MaxAllocationsPerUser int
	RelayBufferSize       int
}

type relayKey struct {
	addr     ipnet.AddrFingerprint
	protocol proto.Protocol
}

// Manager is used to hold active allocations
type Manager struct {
	lock        sync.RWMutex
	log         logging.LeveledLogger
	allocations map[FiveTupleFingerprint]Allocation
	relays      map[relayKey]FiveTupleFingerprint
	users       map[string]int
	closed      bool

	ids        *connectionIndex
	sweepTimer *PeriodicTimer

	config ManagerConfig
}

// NewManager creates a new instance of Manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	switch {
	case config.AllocatePacketConn == nil:
		return nil, errAllocatePacketConnMustBeSet
	case config.AllocateListener == nil:
		return nil, errAllocateListenerMustBeSet
	case config.LeveledLogger == nil:
		return nil, errLeveledLoggerMustBeSet
	}

	if config.MaxLifetime <= 0 {
		config.MaxLifetime = DefaultMaxLifetime
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = DefaultSweepInterval
	}

	m := &Manager{
		log:         config.LeveledLogger,
		allocations: make(map[FiveTupleFingerprint]Allocation, 64),
		relays:      map[relayKey]FiveTupleFingerprint{},
		users:       map[string]int{},
		ids:         newConnectionIndex(),
		config:      config,
	}
	if config.SweepInterval > 0 {
		m.sweepTimer = NewPeriodicTimer(0, func(int) { m.Sweep(time.Now()) }, config.SweepInterval)
		m.sweepTimer.Start()
	}
	return m, nil
}

// GetAllocation fetches the allocation matching the passed FiveTuple
func (m *Manager) GetAllocation(fiveTuple *FiveTuple) Allocation {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return m.allocations[fiveTuple.Fingerprint()]
}

// AllocationCount returns the number of existing allocations
func (m *Manager) AllocationCount() int {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return len(m.allocations)
}

// Close closes the manager and closes all allocations it manages
func (m *Manager) Close() error {
	if m.sweepTimer != nil {
		m.sweepTimer.Stop()
	}

	m.lock.Lock()
	m.closed = true
	allocations := make([]Allocation, 0, len(m.allocations))
	for fp, a := range m.allocations {
		allocations = append(allocations, a)
		delete(m.allocations, fp)
	}
	m.relays = map[relayKey]FiveTupleFingerprint{}
	m.users = map[string]int{}
	m.lock.Unlock()

	var firstErr error
	for _, a := range allocations {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.allocationDeleted(a)
	}
	return firstErr
}

// CreateAllocation creates a new allocation and starts relaying
func (m *Manager) CreateAllocation(
	fiveTuple *FiveTuple,
	turnSocket net.PacketConn,
	protocol proto.Protocol,
	requestedPort int,
	lifetime time.Duration,
	username, realm string,
) (Allocation, error) {
	switch {
	case fiveTuple == nil:
		return nil, errNilFiveTuple
	case fiveTuple.SrcAddr == nil:
		return nil, errNilFiveTupleSrcAddr
	case fiveTuple.DstAddr == nil:
		return nil, errNilFiveTupleDstAddr
	case turnSocket == nil:
		return nil, errNilTurnSocket
	case lifetime == 0:
		return nil, errLifetimeZero
	}
	if lifetime > m.config.MaxLifetime {
		lifetime = m.config.MaxLifetime
	}

	if err := m.admit(fiveTuple, username); err != nil {
		return nil, err
	}

	c := baseConfig{
		fiveTuple:          fiveTuple,
		protocol:           protocol,
		username:           username,
		realm:              realm,
		turnSocket:         turnSocket,
		lifetime:           lifetime,
		maxLifetime:        m.config.MaxLifetime,
		permissionLifetime: m.config.PermissionLifetime,
		events:             m.config.EventHandler,
		log:                m.log,
	}

	var a Allocation
	var start func()
	switch protocol {
	case proto.ProtoUDP:
		conn, relayAddr, err := m.config.AllocatePacketConn("udp4", requestedPort)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientCapacity, err)
		}
		c.relayAddr = relayAddr
		udp := newUDPAllocation(c, conn, m.config.ChannelBindLifetime, m.config.RelayBufferSize)
		a = udp
		start = func() { go udp.packetHandler(func() { m.remove(udp) }) }
	case proto.ProtoTCP:
		if m.config.AllocateConn == nil {
			return nil, errAllocateConnMustBeSet
		}
		listener, relayAddr, err := m.config.AllocateListener("tcp4", requestedPort)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientCapacity, err)
		}
		c.relayAddr = relayAddr
		tcp := newTCPAllocation(c, tcpConfig{
			listener:       listener,
			dial:           m.config.AllocateConn,
			ids:            m.ids,
			connectTimeout: m.config.ConnectTimeout,
			gracePeriod:    m.config.ConnectGracePeriod,
		})
		a = tcp
		start = func() { go tcp.acceptLoop() }
	default:
		return nil, errUnsupportedRelayProtocol
	}

	if err := m.insert(a); err != nil {
		_ = a.Close()
		return nil, err
	}
	start()

	m.log.Infof("allocation %v created for %q with relay %s %v", fiveTuple, username, protocol, a.RelayAddr())
	if f := m.config.EventHandler.OnAllocationCreated; f != nil {
		f(fiveTuple.SrcAddr, fiveTuple.DstAddr, fiveTuple.Protocol.String(), username, realm,
			a.RelayAddr(), protocol.String())
	}
	return a, nil
}

// admit checks the 5-tuple and quota before any relay resource is taken.
func (m *Manager) admit(fiveTuple *FiveTuple, username string) error {
	m.lock.RLock()
	defer m.lock.RUnlock()

	if m.closed {
		return ErrAllocationClosed
	}
	if _, ok := m.allocations[fiveTuple.Fingerprint()]; ok {
		return ErrAllocationMismatch
	}
	if limit := m.config.MaxAllocationsPerUser; limit > 0 && m.users[username] >= limit {
		return ErrUserQuotaReached
	}
	return nil
}

func (m *Manager) insert(a Allocation) error {
	fp := a.FiveTuple().Fingerprint()
	relay := relayKey{ipnet.FingerprintAddr(a.RelayAddr()), a.Protocol()}

	m.lock.Lock()
	defer m.lock.Unlock()

	switch {
	case m.closed:
		return ErrAllocationClosed
	case m.allocations[fp] != nil:
		return ErrAllocationMismatch
	case m.config.MaxAllocationsPerUser > 0 && m.users[a.Username()] >= m.config.MaxAllocationsPerUser:
		return ErrUserQuotaReached
	}
	if _, taken := m.relays[relay]; taken {
		return ErrRelayAddressInUse
	}

	m.allocations[fp] = a
	m.relays[relay] = fp
	m.users[a.Username()]++
	return nil
}

// remove unregisters a and closes it. It reports false if a was no
// longer registered.
func (m *Manager) remove(a Allocation) bool {
	fp := a.FiveTuple().Fingerprint()

	m.lock.Lock()
	if m.allocations[fp] != a {
		m.lock.Unlock()
		return false
	}
	delete(m.allocations, fp)
	delete(m.relays, relayKey{ipnet.FingerprintAddr(a.RelayAddr()), a.Protocol()})
	if m.users[a.Username()]--; m.users[a.Username()] <= 0 {
		delete(m.users, a.Username())
	}
	m.lock.Unlock()

	if err := a.Close(); err != nil {
		m.log.Errorf("Failed to close allocation: %v", err)
	}
	m.allocationDeleted(a)
	return true
}

func (m *Manager) allocationDeleted(a Allocation) {
	m.log.Infof("allocation %v deleted", a.FiveTuple())
	if f := m.config.EventHandler.OnAllocationDeleted; f != nil {
		ft := a.FiveTuple()
		f(ft.SrcAddr, ft.DstAddr, ft.Protocol.String(), a.Username(), a.Realm())
	}
}

// DeleteAllocation removes an allocation and releases everything it owns.
func (m *Manager) DeleteAllocation(fiveTuple *FiveTuple) bool {
	a := m.GetAllocation(fiveTuple)
	if a == nil {
		return false
	}
	return m.remove(a)
}

// Sweep expires allocations and their time-bounded entries at now. The
// registry lock is held only to snapshot and to remove, never across the pass.
func (m *Manager) Sweep(now time.Time) int {
	m.lock.RLock()
	allocations := make([]Allocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		allocations = append(allocations, a)
	}
	m.lock.RUnlock()

	deleted := 0
	for _, a := range allocations {
		if !a.Sweep(now) {
			continue
		}
		m.log.Debugf("allocation %v expired", a.FiveTuple())
		if m.remove(a) {
			deleted++
		}
	}
	return deleted
}

// TCPAllocationByConnectionID returns the TCP allocation owning the data
// connection id, or nil.
func (m *Manager) TCPAllocationByConnectionID(id proto.ConnectionID) *TCPAllocation {
	owner, ok := m.ids.owner(id)
	if !ok {
		return nil
	}

	m.lock.RLock()
	defer m.lock.RUnlock()

	a, _ := m.allocations[owner].(*TCPAllocation)
	return a
}

// BindConnection attaches clientConn to the pending peer data connection id
// and relays until either side closes. See TCPAllocation.BindConnection.
func (m *Manager) BindConnection(id proto.ConnectionID, clientConn net.Conn, onBound func() error) error {
	a := m.TCPAllocationByConnectionID(id)
	if a == nil {
		return ErrConnectionNotFound
	}
	return a.BindConnection(id, clientConn, onBound)
}
