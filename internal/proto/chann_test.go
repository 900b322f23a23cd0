// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"errors"
	"testing"

	"github.com/pion/stun/v2"
	"github.com/stretchr/testify/assert"
)

func TestChannelNumber(t *testing.T) {
	t.Run("String", func(t *testing.T) {
		assert.Equal(t, "112", ChannelNumber(112).String())
	})
	t.Run("NoAlloc", func(t *testing.T) {
		m := &stun.Message{}
		assert.False(t, wasAllocs(func() {
			n := ChannelNumber(6)
			n.AddTo(m) //nolint
			m.Reset()
		}), "unexpected allocations")
	})
	t.Run("GetFrom", func(t *testing.T) {
		m := new(stun.Message)
		n := ChannelNumber(MinChannelNumber + 6)
		assert.NoError(t, n.AddTo(m))

		var decoded ChannelNumber
		assert.NoError(t, decoded.GetFrom(roundTrip(t, m)))
		assert.Equal(t, n, decoded)
	})
	t.Run("HandleErr", func(t *testing.T) {
		m := new(stun.Message)
		n := new(ChannelNumber)
		if err := n.GetFrom(m); !errors.Is(err, stun.ErrAttributeNotFound) {
			t.Errorf("%v should be not found", err)
		}
		m.Add(stun.AttrChannelNumber, []byte{1, 2, 3})
		assert.True(t, stun.IsAttrSizeInvalid(n.GetFrom(m)))
	})
}

func TestChannelNumber_Valid(t *testing.T) {
	for _, tc := range []struct {
		n     ChannelNumber
		value bool
	}{
		{MinChannelNumber - 1, false},
		{MinChannelNumber, true},
		{MinChannelNumber + 1, true},
		{MaxChannelNumber, true},
		{MaxChannelNumber + 1, false},
	} {
		assert.Equal(t, tc.value, tc.n.Valid(), tc.n.String())
	}
}
