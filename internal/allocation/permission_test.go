// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPermissionTable(t *testing.T) {
	now := time.Now()
	peer := net.ParseIP("192.168.1.100")

	t.Run("AddAndRefresh", func(t *testing.T) {
		p := NewPermissionTable(time.Minute)
		assert.True(t, p.Add(peer, now))
		assert.False(t, p.Add(peer, now.Add(30*time.Second)), "second Add refreshes")
		assert.Equal(t, 1, p.Len())

		perm, ok := p.Get(peer)
		assert.True(t, ok)
		assert.Equal(t, now.Add(90*time.Second), perm.ExpiresAt)
		assert.True(t, perm.IP.Equal(peer))
	})

	t.Run("KeyedByIP", func(t *testing.T) {
		p := NewPermissionTable(time.Minute)
		p.Add(net.IPv4(10, 0, 0, 1), now)

		assert.True(t, p.Has(net.ParseIP("::ffff:10.0.0.1"), now))
		assert.False(t, p.Has(net.IPv4(10, 0, 0, 2), now))
	})

	t.Run("ExpiredNotHonoredBeforeSweep", func(t *testing.T) {
		p := NewPermissionTable(time.Minute)
		p.Add(peer, now)

		assert.True(t, p.Has(peer, now.Add(59*time.Second)))
		assert.False(t, p.Has(peer, now.Add(time.Minute)))
		assert.Equal(t, 1, p.Len())
	})

	t.Run("Sweep", func(t *testing.T) {
		p := NewPermissionTable(time.Minute)
		p.Add(peer, now)
		p.Add(net.IPv4(10, 0, 0, 1), now.Add(30*time.Second))

		assert.Empty(t, p.Sweep(now.Add(59*time.Second)))

		expired := p.Sweep(now.Add(time.Minute))
		assert.Len(t, expired, 1)
		assert.True(t, expired[0].Equal(peer))
		assert.Equal(t, 1, p.Len())

		assert.Len(t, p.Sweep(now.Add(2*time.Minute)), 1)
		assert.Equal(t, 0, p.Len())
	})

	t.Run("DefaultLifetime", func(t *testing.T) {
		p := NewPermissionTable(0)
		p.Add(peer, now)
		assert.True(t, p.Has(peer, now.Add(DefaultPermissionLifetime-time.Second)))
		assert.False(t, p.Has(peer, now.Add(DefaultPermissionLifetime)))
	})
}
