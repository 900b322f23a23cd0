// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v2"
	"github.com/stretchr/testify/assert"
)

func TestLifetime(t *testing.T) {
	t.Run("String", func(t *testing.T) {
		assert.Equal(t, "10s", Lifetime{time.Second * 10}.String())
	})
	t.Run("GetFrom", func(t *testing.T) {
		m := new(stun.Message)
		l := Lifetime{Duration: time.Minute * 7}
		assert.NoError(t, l.AddTo(m))

		var decoded Lifetime
		assert.NoError(t, decoded.GetFrom(roundTrip(t, m)))
		assert.Equal(t, l, decoded)
	})
	t.Run("HandleErr", func(t *testing.T) {
		m := new(stun.Message)
		var l Lifetime
		assert.True(t, errors.Is(l.GetFrom(m), stun.ErrAttributeNotFound))
		m.Add(stun.AttrLifetime, []byte{1, 2, 3})
		assert.True(t, stun.IsAttrSizeInvalid(l.GetFrom(m)))
	})
}

func TestRequestedTransport(t *testing.T) {
	for _, tc := range []struct {
		protocol Protocol
		expected string
	}{
		{protocol: ProtoTCP, expected: "protocol: TCP"},
		{protocol: ProtoUDP, expected: "protocol: UDP"},
		{protocol: 254, expected: "protocol: 254"},
	} {
		r := RequestedTransport{Protocol: tc.protocol}
		assert.Equal(t, tc.expected, r.String())

		m := new(stun.Message)
		assert.NoError(t, r.AddTo(m))

		var decoded RequestedTransport
		assert.NoError(t, decoded.GetFrom(roundTrip(t, m)))
		assert.Equal(t, r, decoded)
	}

	m := new(stun.Message)
	var handle RequestedTransport
	assert.ErrorIs(t, handle.GetFrom(m), stun.ErrAttributeNotFound)
	m.Add(stun.AttrRequestedTransport, []byte{1, 2, 3})
	assert.True(t, stun.IsAttrSizeInvalid(handle.GetFrom(m)))
}

func TestPeerAddress(t *testing.T) {
	a := PeerAddress{IP: net.IPv4(111, 11, 1, 2), Port: 333}
	assert.Equal(t, "111.11.1.2:333", a.String())
	assert.Equal(t, &net.UDPAddr{IP: a.IP, Port: 333}, a.UDPAddr())
	assert.Equal(t, &net.TCPAddr{IP: a.IP, Port: 333}, a.TCPAddr())

	m := new(stun.Message)
	assert.NoError(t, a.AddTo(m))

	var decoded PeerAddress
	assert.NoError(t, decoded.GetFrom(roundTrip(t, m)))
	assert.True(t, decoded.IP.Equal(a.IP))
	assert.Equal(t, a.Port, decoded.Port)
}

func TestRelayedAddress(t *testing.T) {
	a := RelayedAddress{IP: net.IPv4(111, 11, 1, 2), Port: 333}
	assert.Equal(t, "111.11.1.2:333", a.String())

	m := new(stun.Message)
	assert.NoError(t, a.AddTo(m))

	var decoded RelayedAddress
	assert.NoError(t, decoded.GetFrom(roundTrip(t, m)))
	assert.True(t, decoded.IP.Equal(a.IP))
	assert.Equal(t, a.Port, decoded.Port)
}

func TestData(t *testing.T) {
	m := new(stun.Message)
	d := Data{1, 2, 33, 44, 0x13, 0xaf}
	assert.NoError(t, d.AddTo(m))

	var decoded Data
	assert.NoError(t, decoded.GetFrom(roundTrip(t, m)))
	assert.Equal(t, d, decoded)

	var missing Data
	assert.ErrorIs(t, missing.GetFrom(new(stun.Message)), stun.ErrAttributeNotFound)
}

func TestConnectionID(t *testing.T) {
	m := new(stun.Message)
	c := ConnectionID(0xdeadbeef)
	assert.Equal(t, "3735928559", c.String())
	assert.NoError(t, c.AddTo(m))

	var decoded ConnectionID
	assert.NoError(t, decoded.GetFrom(roundTrip(t, m)))
	assert.Equal(t, c, decoded)

	bad := new(stun.Message)
	bad.Add(stun.AttrConnectionID, []byte{1, 2})
	assert.True(t, stun.IsAttrSizeInvalid(decoded.GetFrom(bad)))
}
