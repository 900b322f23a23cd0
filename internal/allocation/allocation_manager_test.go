// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

//go:build !js
// +build !js

package allocation

import (
	"io"
	"math/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/netmedia/turnrelay/internal/ipnet"
	"github.com/netmedia/turnrelay/internal/proto"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomFiveTuple() *FiveTuple {
	// nolint
	return &FiveTuple{
		SrcAddr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1024 + rand.Intn(60000)},
		DstAddr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 3478},
	}
}

func newTestManagerConfig() ManagerConfig {
	loggerFactory := logging.NewDefaultLoggerFactory()

	return ManagerConfig{
		LeveledLogger: loggerFactory.NewLogger("test"),
		AllocatePacketConn: func(network string, port int) (net.PacketConn, net.Addr, error) {
			conn, err := net.ListenPacket(network, "127.0.0.1:0") // nolint: noctx
			if err != nil {
				return nil, nil, err
			}

			return conn, conn.LocalAddr(), nil
		},
		AllocateListener: func(network string, port int) (net.Listener, net.Addr, error) {
			ln, err := net.Listen(network, "127.0.0.1:0") // nolint: noctx
			if err != nil {
				return nil, nil, err
			}

			return ln, ln.Addr(), nil
		},
		AllocateConn: func(network string, _, raddr net.Addr) (net.Conn, error) {
			return net.Dial(network, raddr.String()) // nolint: noctx
		},
		SweepInterval: -1,
	}
}

func newTestManager() (*Manager, error) {
	return NewManager(newTestManagerConfig())
}

func isClose(conn io.Closer) bool {
	closeErr := conn.Close()

	return closeErr != nil && strings.Contains(closeErr.Error(), "use of closed network connection")
}

func TestNewManagerValidation(t *testing.T) {
	config := newTestManagerConfig()
	config.AllocatePacketConn = nil
	_, err := NewManager(config)
	assert.ErrorIs(t, err, errAllocatePacketConnMustBeSet)

	config = newTestManagerConfig()
	config.AllocateListener = nil
	_, err = NewManager(config)
	assert.ErrorIs(t, err, errAllocateListenerMustBeSet)

	config = newTestManagerConfig()
	config.LeveledLogger = nil
	_, err = NewManager(config)
	assert.ErrorIs(t, err, errLeveledLoggerMustBeSet)
}

// Test invalid Allocation creations.
func TestCreateInvalidAllocation(t *testing.T) {
	turnSocket, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	assert.NoError(t, err)

	manager, err := newTestManager()
	assert.NoError(t, err)

	a, err := manager.CreateAllocation(nil, turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "", "")
	assert.Nil(t, a, "Illegally created allocation with nil FiveTuple")
	assert.ErrorIs(t, err, errNilFiveTuple)

	a, err = manager.CreateAllocation(&FiveTuple{DstAddr: turnSocket.LocalAddr()}, turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "", "")
	assert.Nil(t, a)
	assert.ErrorIs(t, err, errNilFiveTupleSrcAddr)

	a, err = manager.CreateAllocation(randomFiveTuple(), nil, proto.ProtoUDP, 0, proto.DefaultLifetime, "", "")
	assert.Nil(t, a, "Illegally created allocation with nil turnSocket")
	assert.ErrorIs(t, err, errNilTurnSocket)

	a, err = manager.CreateAllocation(randomFiveTuple(), turnSocket, proto.ProtoUDP, 0, 0, "", "")
	assert.Nil(t, a, "Illegally created allocation with 0 lifetime")
	assert.ErrorIs(t, err, errLifetimeZero)

	a, err = manager.CreateAllocation(randomFiveTuple(), turnSocket, proto.Protocol(1), 0, proto.DefaultLifetime, "", "")
	assert.Nil(t, a)
	assert.ErrorIs(t, err, errUnsupportedRelayProtocol)

	assert.NoError(t, manager.Close())
	assert.NoError(t, turnSocket.Close())
}

// Test valid Allocation creations.
func TestCreateAllocation(t *testing.T) {
	turnSocket, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	assert.NoError(t, err)

	var created, deleted int
	config := newTestManagerConfig()
	config.EventHandler = EventHandler{
		OnAllocationCreated: func(_, _ net.Addr, protocol, username, realm string, _ net.Addr, relayProtocol string) {
			assert.Equal(t, "UDP", protocol)
			assert.Equal(t, "user", username)
			assert.Equal(t, "realm", realm)
			assert.Equal(t, "UDP", relayProtocol)
			created++
		},
		OnAllocationDeleted: func(_, _ net.Addr, _, username, _ string) {
			assert.Equal(t, "user", username)
			deleted++
		},
	}
	manager, err := NewManager(config)
	assert.NoError(t, err)

	fiveTuple := randomFiveTuple()
	a, err := manager.CreateAllocation(fiveTuple, turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "user", "realm")
	assert.NotNil(t, a, "Failed to create allocation")
	assert.NoError(t, err, "Failed to create allocation")
	assert.Equal(t, StateCreated, a.State())
	assert.Equal(t, proto.ProtoUDP, a.Protocol())
	assert.Equal(t, "user", a.Username())
	assert.Equal(t, "realm", a.Realm())

	a.Activate()
	assert.Equal(t, StateActive, a.State())

	assert.Same(t, a, manager.GetAllocation(fiveTuple), "Failed to get allocation right after creation")
	assert.Equal(t, 1, manager.AllocationCount())

	assert.NoError(t, manager.Close())
	assert.NoError(t, turnSocket.Close())
	assert.Equal(t, StateDestroyed, a.State())
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, deleted)
}

// Test that two allocations can't be created with the same FiveTuple.
func TestCreateAllocationDuplicateFiveTuple(t *testing.T) {
	turnSocket, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	assert.NoError(t, err)

	manager, err := newTestManager()
	assert.NoError(t, err)

	fiveTuple := randomFiveTuple()
	a, err := manager.CreateAllocation(fiveTuple, turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "", "")
	assert.NotNil(t, a, "Failed to create allocation")
	assert.NoError(t, err, "Failed to create allocation")

	a, err = manager.CreateAllocation(fiveTuple, turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "", "")
	assert.Nil(t, a, "Was able to create allocation with same FiveTuple twice")
	assert.ErrorIs(t, err, ErrAllocationMismatch)
	assert.Equal(t, 1, manager.AllocationCount())

	assert.NoError(t, manager.Close())
	assert.NoError(t, turnSocket.Close())
}

func TestRelayAddressesAreDistinct(t *testing.T) {
	turnSocket, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	assert.NoError(t, err)

	manager, err := newTestManager()
	assert.NoError(t, err)

	seen := map[ipnet.AddrFingerprint]bool{}
	for i := 0; i < 32; i++ {
		fiveTuple := &FiveTuple{
			SrcAddr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 10000 + i},
			DstAddr: turnSocket.LocalAddr(),
		}
		a, err := manager.CreateAllocation(fiveTuple, turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "", "")
		require.NoError(t, err)

		fp := ipnet.FingerprintAddr(a.RelayAddr())
		assert.False(t, seen[fp], "relay address %v assigned twice", a.RelayAddr())
		seen[fp] = true
	}

	assert.NoError(t, manager.Close())
	assert.NoError(t, turnSocket.Close())
}

func TestRelayAddressInUse(t *testing.T) {
	turnSocket, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	assert.NoError(t, err)

	fixed := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 1), Port: 50000}
	var relaySockets []net.PacketConn
	config := newTestManagerConfig()
	config.AllocatePacketConn = func(network string, _ int) (net.PacketConn, net.Addr, error) {
		conn, err := net.ListenPacket(network, "127.0.0.1:0") // nolint: noctx
		if err != nil {
			return nil, nil, err
		}
		relaySockets = append(relaySockets, conn)

		return conn, fixed, nil
	}
	manager, err := NewManager(config)
	assert.NoError(t, err)

	_, err = manager.CreateAllocation(randomFiveTuple(), turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "", "")
	assert.NoError(t, err)

	_, err = manager.CreateAllocation(randomFiveTuple(), turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "", "")
	assert.ErrorIs(t, err, ErrRelayAddressInUse)
	require.Len(t, relaySockets, 2)
	assert.True(t, isClose(relaySockets[1]), "rejected relay socket should be closed")

	assert.NoError(t, manager.Close())
	assert.NoError(t, turnSocket.Close())
}

func TestRelayAllocationFailure(t *testing.T) {
	turnSocket, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	assert.NoError(t, err)

	config := newTestManagerConfig()
	config.AllocatePacketConn = func(string, int) (net.PacketConn, net.Addr, error) {
		return nil, nil, io.ErrUnexpectedEOF
	}
	manager, err := NewManager(config)
	assert.NoError(t, err)

	_, err = manager.CreateAllocation(randomFiveTuple(), turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "", "")
	assert.ErrorIs(t, err, ErrInsufficientCapacity)
	assert.Equal(t, 0, manager.AllocationCount())

	assert.NoError(t, manager.Close())
	assert.NoError(t, turnSocket.Close())
}

func TestDeleteAllocation(t *testing.T) {
	turnSocket, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	assert.NoError(t, err)

	manager, err := newTestManager()
	assert.NoError(t, err)

	fiveTuple := randomFiveTuple()
	a, err := manager.CreateAllocation(fiveTuple, turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "", "")
	assert.NoError(t, err, "Failed to create allocation")
	udp, ok := a.(*UDPAllocation)
	require.True(t, ok)

	assert.True(t, manager.DeleteAllocation(fiveTuple))
	assert.Nilf(t, manager.GetAllocation(fiveTuple), "Failed to delete allocation %v", fiveTuple)
	assert.False(t, manager.DeleteAllocation(fiveTuple), "second delete is a no-op")
	assert.True(t, isClose(udp.relaySocket), "relay socket should be closed")

	select {
	case <-a.Done():
	default:
		assert.Fail(t, "allocation not marked done")
	}

	// The tuple behaves as if no allocation ever existed.
	b, err := manager.CreateAllocation(fiveTuple, turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "", "")
	assert.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, 1, manager.AllocationCount())

	assert.NoError(t, manager.Close())
	assert.NoError(t, turnSocket.Close())
}

// Test that the periodic sweep removes an expired allocation without any client traffic.
func TestAllocationTimeout(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	turnSocket, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	assert.NoError(t, err)

	config := newTestManagerConfig()
	config.SweepInterval = 20 * time.Millisecond
	manager, err := NewManager(config)
	assert.NoError(t, err)

	allocations := make([]Allocation, 5)
	for index := range allocations {
		a, err := manager.CreateAllocation(randomFiveTuple(), turnSocket, proto.ProtoUDP, 0, 100*time.Millisecond, "", "")
		require.NoError(t, err)
		allocations[index] = a
	}

	assert.Eventually(t, func() bool { return manager.AllocationCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	for _, a := range allocations {
		assert.Equal(t, StateDestroyed, a.State())
	}

	assert.NoError(t, manager.Close())
	assert.NoError(t, turnSocket.Close())
}

func TestSweep(t *testing.T) {
	turnSocket, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	assert.NoError(t, err)

	manager, err := newTestManager()
	assert.NoError(t, err)

	short, err := manager.CreateAllocation(randomFiveTuple(), turnSocket, proto.ProtoUDP, 0, time.Minute, "", "")
	require.NoError(t, err)
	long, err := manager.CreateAllocation(randomFiveTuple(), turnSocket, proto.ProtoUDP, 0, 10*time.Minute, "", "")
	require.NoError(t, err)

	assert.Equal(t, 0, manager.Sweep(time.Now()))
	assert.Equal(t, 1, manager.Sweep(time.Now().Add(2*time.Minute)))
	assert.Nil(t, manager.GetAllocation(short.FiveTuple()))
	assert.Same(t, long, manager.GetAllocation(long.FiveTuple()))

	// Refresh moves the expiry forward.
	assert.Equal(t, 20*time.Minute, long.Refresh(20*time.Minute))
	assert.Equal(t, 0, manager.Sweep(time.Now().Add(15*time.Minute)))

	assert.NoError(t, manager.Close())
	assert.NoError(t, turnSocket.Close())
}

func TestLifetimeClampedToMax(t *testing.T) {
	turnSocket, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	assert.NoError(t, err)

	config := newTestManagerConfig()
	config.MaxLifetime = time.Hour
	manager, err := NewManager(config)
	assert.NoError(t, err)

	a, err := manager.CreateAllocation(randomFiveTuple(), turnSocket, proto.ProtoUDP, 0, 5*time.Hour, "", "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), a.ExpiresAt(), time.Second)

	assert.Equal(t, time.Hour, a.Refresh(3*time.Hour))
	assert.Equal(t, 30*time.Second, a.Refresh(30*time.Second))

	assert.NoError(t, manager.Close())
	assert.NoError(t, turnSocket.Close())
}

func TestUserQuota(t *testing.T) {
	turnSocket, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	assert.NoError(t, err)

	config := newTestManagerConfig()
	config.MaxAllocationsPerUser = 2
	manager, err := NewManager(config)
	assert.NoError(t, err)

	first, err := manager.CreateAllocation(randomFiveTuple(), turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "alice", "")
	assert.NoError(t, err)
	_, err = manager.CreateAllocation(randomFiveTuple(), turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "alice", "")
	assert.NoError(t, err)

	_, err = manager.CreateAllocation(randomFiveTuple(), turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "alice", "")
	assert.ErrorIs(t, err, ErrUserQuotaReached)

	_, err = manager.CreateAllocation(randomFiveTuple(), turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "bob", "")
	assert.NoError(t, err, "quota is per user")

	assert.True(t, manager.DeleteAllocation(first.FiveTuple()))
	_, err = manager.CreateAllocation(randomFiveTuple(), turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "alice", "")
	assert.NoError(t, err, "deleting an allocation frees quota")

	assert.NoError(t, manager.Close())
	assert.NoError(t, turnSocket.Close())
}

func TestManagerClose(t *testing.T) {
	turnSocket, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	assert.NoError(t, err)

	manager, err := newTestManager()
	assert.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = manager.CreateAllocation(randomFiveTuple(), turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "", "")
		require.NoError(t, err)
	}

	assert.NoError(t, manager.Close())
	assert.Equal(t, 0, manager.AllocationCount())

	_, err = manager.CreateAllocation(randomFiveTuple(), turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "", "")
	assert.ErrorIs(t, err, ErrAllocationClosed)
	assert.NoError(t, turnSocket.Close())
}

func TestErrorCode(t *testing.T) {
	for _, tc := range []struct {
		err  error
		code int
	}{
		{ErrNoPermission, 403},
		{ErrAllocationMismatch, 437},
		{ErrUserQuotaReached, 486},
		{ErrInsufficientCapacity, 508},
		{ErrRelayAddressInUse, 508},
		{ErrDupeTCPConnection, 446},
		{ErrTCPConnectionTimeoutOrFailure, 447},
		{ErrSameChannelDifferentPeer, 400},
		{ErrConnectionNotFound, 400},
		{ErrConnectionAlreadyBound, 400},
		{io.EOF, 500},
	} {
		assert.Equal(t, tc.code, int(ErrorCode(tc.err)), "%v", tc.err)
	}
}
