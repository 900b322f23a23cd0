// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

//go:build !js
// +build !js

package allocation

import (
	"net"
	"testing"
	"time"

	"github.com/netmedia/turnrelay/internal/proto"
	"github.com/pion/stun/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rtpMTU = 1500

type udpFixture struct {
	manager        *Manager
	turnSocket     net.PacketConn
	clientListener net.PacketConn
	alloc          *UDPAllocation
}

func newUDPFixture(t *testing.T, config ManagerConfig) *udpFixture {
	t.Helper()

	turnSocket, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	require.NoError(t, err)
	clientListener, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	require.NoError(t, err)

	manager, err := NewManager(config)
	require.NoError(t, err)

	a, err := manager.CreateAllocation(&FiveTuple{
		SrcAddr: clientListener.LocalAddr(),
		DstAddr: turnSocket.LocalAddr(),
	}, turnSocket, proto.ProtoUDP, 0, proto.DefaultLifetime, "user", "realm")
	require.NoError(t, err)

	return &udpFixture{
		manager:        manager,
		turnSocket:     turnSocket,
		clientListener: clientListener,
		alloc:          a.(*UDPAllocation),
	}
}

func (f *udpFixture) close(t *testing.T) {
	assert.NoError(t, f.manager.Close())
	assert.NoError(t, f.turnSocket.Close())
	assert.NoError(t, f.clientListener.Close())
}

func readWithin(t *testing.T, conn net.PacketConn, d time.Duration) ([]byte, bool) {
	t.Helper()

	buffer := make([]byte, rtpMTU)
	assert.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	n, _, err := conn.ReadFrom(buffer)
	if err != nil {
		return nil, false
	}
	return buffer[:n], true
}

func TestPacketHandler(t *testing.T) {
	f := newUDPFixture(t, newTestManagerConfig())
	defer f.close(t)

	peerListener1, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	require.NoError(t, err)
	defer func() { _ = peerListener1.Close() }()
	peerListener2, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	require.NoError(t, err)
	defer func() { _ = peerListener2.Close() }()

	// Add permission with peer1 address, channel with min channel number and peer2 address
	f.alloc.AddPermission(peerListener1.LocalAddr().(*net.UDPAddr).IP)
	channelNumber := proto.ChannelNumber(proto.MinChannelNumber)
	require.NoError(t, f.alloc.AddChannelBind(channelNumber, peerListener2.LocalAddr()))

	// Peer1 sends to the relay, the client receives a Data indication.
	targetText := "permission"
	_, err = peerListener1.WriteTo([]byte(targetText), f.alloc.RelayAddr())
	require.NoError(t, err)

	data, ok := readWithin(t, f.clientListener, time.Second)
	require.True(t, ok)
	assert.True(t, stun.IsMessage(data), "should be stun message")

	msg := &stun.Message{Raw: data}
	require.NoError(t, msg.Decode())
	assert.Equal(t, stun.NewType(stun.MethodData, stun.ClassIndication), msg.Type)

	var dataAttr proto.Data
	require.NoError(t, dataAttr.GetFrom(msg))
	assert.Equal(t, targetText, string(dataAttr))

	var peerAddr proto.PeerAddress
	require.NoError(t, peerAddr.GetFrom(msg))
	assert.Equal(t, peerListener1.LocalAddr().(*net.UDPAddr).Port, peerAddr.Port)

	// Peer2 sends to the relay, the client receives ChannelData.
	targetText2 := "channel bind"
	_, err = peerListener2.WriteTo([]byte(targetText2), f.alloc.RelayAddr())
	require.NoError(t, err)

	data, ok = readWithin(t, f.clientListener, time.Second)
	require.True(t, ok)
	assert.True(t, proto.IsChannelData(data), "should be channel data")

	channelData := proto.ChannelData{Raw: data}
	require.NoError(t, channelData.Decode())
	assert.Equal(t, channelNumber, channelData.Number, "should be channel data")
	assert.Equal(t, targetText2, string(channelData.Data), "get message doesn't equal the target text")
}

// A datagram from a peer without permission is dropped without any response.
func TestPacketHandlerDropsUnpermittedPeer(t *testing.T) {
	var relayed int
	config := newTestManagerConfig()
	config.EventHandler.OnRelayed = func(_, _ net.Addr, _, _, _ string, _, _ net.Addr, _ string, _ int) {
		relayed++
	}
	f := newUDPFixture(t, config)
	defer f.close(t)

	stranger, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	require.NoError(t, err)
	defer func() { _ = stranger.Close() }()

	_, err = stranger.WriteTo([]byte("hello"), f.alloc.RelayAddr())
	require.NoError(t, err)

	_, ok := readWithin(t, f.clientListener, 200*time.Millisecond)
	assert.False(t, ok, "client must not receive traffic from an un-permitted peer")
	_, ok = readWithin(t, stranger, 50*time.Millisecond)
	assert.False(t, ok, "peer must not receive an error")
	assert.Equal(t, 0, relayed)
	assert.NotNil(t, f.manager.GetAllocation(f.alloc.FiveTuple()), "allocation survives")
}

func TestRelayOutbound(t *testing.T) {
	var toPeer int
	config := newTestManagerConfig()
	config.EventHandler.OnRelayed = func(_, _ net.Addr, _, _, _ string, _, _ net.Addr, direction string, n int) {
		if direction == DirectionToPeer {
			toPeer += n
		}
	}
	f := newUDPFixture(t, config)
	defer f.close(t)

	peer, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	require.NoError(t, err)
	defer func() { _ = peer.Close() }()

	assert.ErrorIs(t, f.alloc.RelayOutbound(peer.LocalAddr(), []byte("denied")), ErrNoPermission)

	f.alloc.AddPermission(net.IPv4(127, 0, 0, 1))
	require.NoError(t, f.alloc.RelayOutbound(peer.LocalAddr(), []byte("hello")))

	data, ok := readWithin(t, peer, time.Second)
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, 5, toPeer)

	// Channel-addressed sends go through the binding table.
	number := proto.ChannelNumber(proto.MinChannelNumber + 1)
	assert.ErrorIs(t, f.alloc.RelayChannelData(number, []byte("x")), ErrNoSuchChannelBind)
	require.NoError(t, f.alloc.AddChannelBind(number, peer.LocalAddr()))
	require.NoError(t, f.alloc.RelayChannelData(number, []byte("channel")))

	data, ok = readWithin(t, peer, time.Second)
	require.True(t, ok)
	assert.Equal(t, "channel", string(data))
}

func TestChannelBindImpliesPermission(t *testing.T) {
	var channels, permissions int
	config := newTestManagerConfig()
	config.EventHandler.OnChannelCreated = func(_, _ net.Addr, _, _, _ string, _, _ net.Addr, number uint16) {
		assert.Equal(t, uint16(proto.MinChannelNumber), number)
		channels++
	}
	config.EventHandler.OnPermissionCreated = func(_, _ net.Addr, _, _, _ string, _ net.Addr, _ net.IP) {
		permissions++
	}
	f := newUDPFixture(t, config)
	defer f.close(t)

	peer := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 4000}
	assert.False(t, f.alloc.HasPermission(peer))

	require.NoError(t, f.alloc.AddChannelBind(proto.MinChannelNumber, peer))
	assert.True(t, f.alloc.HasPermission(peer))
	assert.True(t, f.alloc.HasPermission(&net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 4001}), "permissions are per IP")

	// Rebinding the same pair refreshes without creating anything new.
	require.NoError(t, f.alloc.AddChannelBind(proto.MinChannelNumber, peer))
	assert.ErrorIs(t, f.alloc.AddChannelBind(proto.MinChannelNumber, &net.UDPAddr{IP: net.IPv4(192, 0, 2, 2), Port: 4000}),
		ErrSameChannelDifferentPeer)
	assert.Equal(t, 1, channels)
	assert.Equal(t, 1, permissions)
}

// A binding that outlives the peer's permission keeps relaying both ways.
func TestChannelBindOutlivesPermission(t *testing.T) {
	config := newTestManagerConfig()
	config.PermissionLifetime = 50 * time.Millisecond
	config.ChannelBindLifetime = 10 * time.Second
	f := newUDPFixture(t, config)
	defer f.close(t)

	peer, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	require.NoError(t, err)
	defer func() { _ = peer.Close() }()

	number := proto.ChannelNumber(proto.MinChannelNumber)
	require.NoError(t, f.alloc.AddChannelBind(number, peer.LocalAddr()))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, f.alloc.base.HasPermission(peer.LocalAddr()), "permission lapsed")
	assert.True(t, f.alloc.HasPermission(peer.LocalAddr()), "binding still permits the peer")

	require.NoError(t, f.alloc.RelayChannelData(number, []byte("out")))
	data, ok := readWithin(t, peer, time.Second)
	require.True(t, ok)
	assert.Equal(t, "out", string(data))

	_, err = peer.WriteTo([]byte("in"), f.alloc.RelayAddr())
	require.NoError(t, err)
	data, ok = readWithin(t, f.clientListener, time.Second)
	require.True(t, ok, "client receives traffic from the bound peer")
	require.True(t, proto.IsChannelData(data))

	channelData := proto.ChannelData{Raw: data}
	require.NoError(t, channelData.Decode())
	assert.Equal(t, number, channelData.Number)
	assert.Equal(t, "in", string(channelData.Data))
}

func TestUDPAllocationSweep(t *testing.T) {
	var permissionsDeleted, channelsDeleted int
	config := newTestManagerConfig()
	config.PermissionLifetime = time.Minute
	config.ChannelBindLifetime = 2 * time.Minute
	config.EventHandler.OnPermissionDeleted = func(_, _ net.Addr, _, _, _ string, _ net.Addr, _ net.IP) {
		permissionsDeleted++
	}
	config.EventHandler.OnChannelDeleted = func(_, _ net.Addr, _, _, _ string, _, _ net.Addr, _ uint16) {
		channelsDeleted++
	}
	f := newUDPFixture(t, config)
	defer f.close(t)

	peer := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 4000}
	require.NoError(t, f.alloc.AddChannelBind(proto.MinChannelNumber, peer))

	now := time.Now()
	assert.False(t, f.alloc.Sweep(now.Add(30*time.Second)))
	assert.Equal(t, 0, permissionsDeleted)

	assert.False(t, f.alloc.Sweep(now.Add(90*time.Second)))
	assert.Equal(t, 1, permissionsDeleted)
	assert.Equal(t, 0, channelsDeleted)

	assert.False(t, f.alloc.Sweep(now.Add(3*time.Minute)))
	assert.Equal(t, 1, channelsDeleted)

	assert.True(t, f.alloc.Sweep(now.Add(proto.DefaultLifetime+time.Second)), "allocation lifetime elapsed")
}

func TestResponseCache(t *testing.T) {
	f := newUDPFixture(t, newTestManagerConfig())
	defer f.close(t)

	transactionID := [stun.TransactionIDSize]byte{1, 2, 3}
	attrs := []stun.Setter{&proto.Lifetime{Duration: time.Minute}}
	f.alloc.SetResponseCache(transactionID, attrs)

	cachedID, cachedAttrs := f.alloc.ResponseCache()
	assert.Equal(t, transactionID, cachedID)
	assert.Equal(t, attrs, cachedAttrs)
}

// Closing the relay socket from outside removes the allocation.
func TestRelaySocketFailureDeletesAllocation(t *testing.T) {
	var errored int
	config := newTestManagerConfig()
	config.EventHandler.OnAllocationError = func(_, _ net.Addr, _, _ string) {
		errored++
	}
	f := newUDPFixture(t, config)
	defer f.close(t)

	require.NoError(t, f.alloc.relaySocket.Close())
	assert.Eventually(t, func() bool { return f.manager.AllocationCount() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, errored)
}
