// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnectionManager() *ConnectionManager {
	return NewConnectionManager("peer", logging.NewDefaultLoggerFactory().NewLogger("test"))
}

func TestConnectionManager(t *testing.T) {
	now := time.Now()
	peer := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 8000}

	t.Run("AddGetRemove", func(t *testing.T) {
		m := newTestConnectionManager()
		a, b := net.Pipe()
		defer func() { _ = b.Close() }()

		c := NewConnection(7, peer, a, ConnStateConnecting, now)
		require.NoError(t, m.Add(c))
		assert.ErrorIs(t, m.Add(NewConnection(7, peer, nil, ConnStateConnecting, now)), errDupeConnectionID)

		assert.Same(t, c, m.Get(7))
		assert.Same(t, c, m.ByPeer(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 8000}))
		assert.Nil(t, m.ByPeer(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 8001}))

		assert.Same(t, c, m.Remove(7))
		assert.Nil(t, m.Remove(7), "removing twice is a no-op")
		assert.Nil(t, m.Get(7))
		assert.Equal(t, 0, m.Len())
	})

	t.Run("BindExactlyOnce", func(t *testing.T) {
		m := newTestConnectionManager()
		a, b := net.Pipe()
		defer func() { _ = b.Close() }()

		require.NoError(t, m.Add(NewConnection(1, peer, a, ConnStateConnected, now)))

		c, err := m.Bind(1)
		require.NoError(t, err)
		assert.Equal(t, ConnStateBound, c.State())

		_, err = m.Bind(1)
		assert.ErrorIs(t, err, ErrConnectionAlreadyBound)

		_, err = m.Bind(2)
		assert.ErrorIs(t, err, ErrConnectionNotFound)
	})

	t.Run("BindWhileDialing", func(t *testing.T) {
		m := newTestConnectionManager()
		c := NewConnection(1, peer, nil, ConnStateConnecting, now)
		require.NoError(t, m.Add(c))

		_, err := m.Bind(1)
		assert.ErrorIs(t, err, errConnectionStillDialing)

		a, b := net.Pipe()
		defer func() { _ = b.Close() }()
		assert.True(t, c.connected(a))
		assert.Equal(t, ConnStateConnected, c.State())

		_, err = m.Bind(1)
		assert.NoError(t, err)
	})

	t.Run("CloseAllIdempotent", func(t *testing.T) {
		m := newTestConnectionManager()
		a, b := net.Pipe()
		require.NoError(t, m.Add(NewConnection(1, peer, a, ConnStateConnected, now)))
		dialing := NewConnection(2, peer, nil, ConnStateConnecting, now)
		require.NoError(t, m.Add(dialing))

		assert.Len(t, m.CloseAll(), 2)
		assert.Equal(t, 0, m.Len())
		assert.Nil(t, m.CloseAll())

		// The socket is closed, so the other end of the pipe sees EOF.
		_, err := b.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)

		// A dial completing after teardown is refused and the caller keeps the socket.
		x, y := net.Pipe()
		assert.False(t, dialing.connected(x))
		_ = x.Close()
		_ = y.Close()

		// Late registrations are closed and rejected.
		late, lateRemote := net.Pipe()
		assert.ErrorIs(t, m.Add(NewConnection(3, peer, late, ConnStateConnecting, now)), ErrAllocationClosed)
		_, err = lateRemote.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("SweepPending", func(t *testing.T) {
		m := newTestConnectionManager()
		a, aRemote := net.Pipe()
		b, bRemote := net.Pipe()
		defer func() {
			_ = aRemote.Close()
			_ = bRemote.Close()
			_ = b.Close()
		}()

		require.NoError(t, m.Add(NewConnection(1, peer, a, ConnStateConnected, now)))
		require.NoError(t, m.Add(NewConnection(2, peer, b, ConnStateConnected, now)))
		require.NoError(t, m.Add(NewConnection(3, peer, nil, ConnStateConnecting, now.Add(20*time.Second))))
		_, err := m.Bind(2)
		require.NoError(t, err)

		assert.Empty(t, m.SweepPending(now.Add(29*time.Second), 30*time.Second))

		expired := m.SweepPending(now.Add(30*time.Second), 30*time.Second)
		require.Len(t, expired, 1)
		assert.Equal(t, ConnStateClosed, expired[0].State())
		assert.Nil(t, m.Get(1))
		assert.NotNil(t, m.Get(2), "bound connections are never swept")
		assert.NotNil(t, m.Get(3), "younger than the grace period")
	})
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "connecting", ConnStateConnecting.String())
	assert.Equal(t, "connected", ConnStateConnected.String())
	assert.Equal(t, "bound", ConnStateBound.String())
	assert.Equal(t, "closed", ConnStateClosed.String())
	assert.Equal(t, "unknown", ConnState(42).String())
}
