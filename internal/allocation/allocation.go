// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package allocation contains all CRUD operations for allocations
package allocation

import (
	"net"
	"sync"
	"time"

	"github.com/netmedia/turnrelay/internal/ipnet"
	"github.com/netmedia/turnrelay/internal/proto"
	"github.com/pion/logging"
	"github.com/pion/stun/v2"
)

// State is the lifecycle state of an allocation.
type State int32

// Allocation states
const (
	StateCreated State = iota
	StateActive
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Allocation is a relayed transport address bound to one client 5-tuple.
// It is implemented by *UDPAllocation and *TCPAllocation.
type Allocation interface {
	FiveTuple() *FiveTuple
	// Protocol is the transport of the relayed address.
	Protocol() proto.Protocol
	RelayAddr() net.Addr
	Username() string
	Realm() string

	State() State
	// Activate marks the allocation usable once the success response is sent.
	Activate()
	// Refresh extends the allocation to now+lifetime, clamped to the maximum
	// lifetime, and returns the lifetime granted.
	Refresh(lifetime time.Duration) time.Duration
	ExpiresAt() time.Time

	// AddPermission installs or refreshes a permission for ip.
	AddPermission(ip net.IP)
	HasPermission(addr net.Addr) bool

	// RelayOutbound sends data from the client to peer over the relayed
	// transport. It fails with ErrNoPermission for un-permitted peers.
	RelayOutbound(peer net.Addr, data []byte) error

	// Sweep drops expired entries and reports whether the allocation itself
	// has expired at now.
	Sweep(now time.Time) bool

	SetResponseCache(transactionID [stun.TransactionIDSize]byte, attrs []stun.Setter)
	ResponseCache() ([stun.TransactionIDSize]byte, []stun.Setter)

	// Done is closed once the allocation is destroyed.
	Done() <-chan struct{}
	Close() error
}

type base struct {
	fiveTuple   *FiveTuple
	protocol    proto.Protocol
	relayAddr   net.Addr
	username    string
	realm       string
	turnSocket  net.PacketConn
	permissions *PermissionTable
	maxLifetime time.Duration
	events      EventHandler
	log         logging.LeveledLogger

	mu                    sync.Mutex
	state                 State
	expiresAt             time.Time
	responseTransactionID [stun.TransactionIDSize]byte
	responseAttrs         []stun.Setter

	closeOnce sync.Once
	done      chan struct{}
}

type baseConfig struct {
	fiveTuple          *FiveTuple
	protocol           proto.Protocol
	relayAddr          net.Addr
	username, realm    string
	turnSocket         net.PacketConn
	lifetime           time.Duration
	maxLifetime        time.Duration
	permissionLifetime time.Duration
	events             EventHandler
	log                logging.LeveledLogger
}

func newBase(c baseConfig) base {
	return base{
		fiveTuple:   c.fiveTuple,
		protocol:    c.protocol,
		relayAddr:   c.relayAddr,
		username:    c.username,
		realm:       c.realm,
		turnSocket:  c.turnSocket,
		permissions: NewPermissionTable(c.permissionLifetime),
		maxLifetime: c.maxLifetime,
		events:      c.events,
		log:         c.log,
		state:       StateCreated,
		expiresAt:   time.Now().Add(c.lifetime),
		done:        make(chan struct{}),
	}
}

func (a *base) FiveTuple() *FiveTuple    { return a.fiveTuple }
func (a *base) Protocol() proto.Protocol { return a.protocol }
func (a *base) RelayAddr() net.Addr      { return a.relayAddr }
func (a *base) Username() string         { return a.username }
func (a *base) Realm() string            { return a.realm }
func (a *base) Done() <-chan struct{}    { return a.done }

func (a *base) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

func (a *base) Activate() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateCreated {
		a.state = StateActive
	}
}

func (a *base) Refresh(lifetime time.Duration) time.Duration {
	if a.maxLifetime > 0 && lifetime > a.maxLifetime {
		lifetime = a.maxLifetime
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.expiresAt = time.Now().Add(lifetime)
	return lifetime
}

func (a *base) ExpiresAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.expiresAt
}

func (a *base) AddPermission(ip net.IP) {
	a.addPermission(ip, time.Now())
}

func (a *base) addPermission(ip net.IP, now time.Time) {
	if !a.permissions.Add(ip, now) {
		return
	}
	a.log.Debugf("permission for %s created on %v", ip, a.relayAddr)
	if f := a.events.OnPermissionCreated; f != nil {
		f(a.fiveTuple.SrcAddr, a.fiveTuple.DstAddr, a.fiveTuple.Protocol.String(),
			a.username, a.realm, a.relayAddr, ip)
	}
}

func (a *base) HasPermission(addr net.Addr) bool {
	ip, _, err := ipnet.AddrIPPort(addr)
	if err != nil {
		return false
	}
	return a.permissions.Has(ip, time.Now())
}

func (a *base) SetResponseCache(transactionID [stun.TransactionIDSize]byte, attrs []stun.Setter) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.responseTransactionID = transactionID
	a.responseAttrs = attrs
}

func (a *base) ResponseCache() (id [stun.TransactionIDSize]byte, attrs []stun.Setter) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.responseTransactionID, a.responseAttrs
}

// sweep drops expired permissions and reports whether the allocation has expired.
func (a *base) sweep(now time.Time) bool {
	for _, ip := range a.permissions.Sweep(now) {
		a.log.Debugf("permission for %s on %v expired", ip, a.relayAddr)
		if f := a.events.OnPermissionDeleted; f != nil {
			f(a.fiveTuple.SrcAddr, a.fiveTuple.DstAddr, a.fiveTuple.Protocol.String(),
				a.username, a.realm, a.relayAddr, ip)
		}
	}
	return !now.Before(a.ExpiresAt())
}

// destroy moves the allocation to Destroyed. It returns true only for the
// first caller.
func (a *base) destroy() (first bool) {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.state = StateDestroyed
		a.mu.Unlock()

		close(a.done)
		first = true
	})
	return
}

func (a *base) isDestroyed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *base) relayed(peer net.Addr, direction string, n int) {
	if f := a.events.OnRelayed; f != nil {
		f(a.fiveTuple.SrcAddr, a.fiveTuple.DstAddr, a.fiveTuple.Protocol.String(),
			a.username, a.realm, a.relayAddr, peer, direction, n)
	}
}

func (a *base) allocationError(message string) {
	if f := a.events.OnAllocationError; f != nil {
		f(a.fiveTuple.SrcAddr, a.fiveTuple.DstAddr, a.fiveTuple.Protocol.String(), message)
	}
}
