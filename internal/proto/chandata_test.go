// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelData_Encode(t *testing.T) {
	d := &ChannelData{
		Data:   []byte{1, 2, 3, 4, 5},
		Number: MinChannelNumber + 1,
	}
	d.Encode()
	assert.Equal(t, 0, len(d.Raw)%padding, "encoded ChannelData must be padded")

	b := &ChannelData{}
	b.Raw = append(b.Raw, d.Raw...)
	assert.NoError(t, b.Decode())
	assert.True(t, b.Equal(d))
	assert.True(t, IsChannelData(b.Raw))
	assert.True(t, IsChannelData(d.Raw))
}

func TestChannelData_Equal(t *testing.T) {
	for _, tc := range []struct {
		name  string
		a, b  *ChannelData
		value bool
	}{
		{name: "nil", value: true},
		{name: "nil to non-nil", b: &ChannelData{}},
		{
			name:  "equal",
			a:     &ChannelData{Number: MinChannelNumber, Data: []byte{1, 2, 3}},
			b:     &ChannelData{Number: MinChannelNumber, Data: []byte{1, 2, 3}},
			value: true,
		},
		{
			name: "number",
			a:    &ChannelData{Number: MinChannelNumber + 1, Data: []byte{1, 2, 3}},
			b:    &ChannelData{Number: MinChannelNumber, Data: []byte{1, 2, 3}},
		},
		{
			name: "length",
			a:    &ChannelData{Number: MinChannelNumber, Data: []byte{1, 2, 3, 4}},
			b:    &ChannelData{Number: MinChannelNumber, Data: []byte{1, 2, 3}},
		},
		{
			name: "data",
			a:    &ChannelData{Number: MinChannelNumber, Data: []byte{1, 2, 2}},
			b:    &ChannelData{Number: MinChannelNumber, Data: []byte{1, 2, 3}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.value, tc.a.Equal(tc.b))
		})
	}
}

func TestChannelData_Decode(t *testing.T) {
	for _, tc := range []struct {
		name string
		buf  []byte
		err  error
	}{
		{name: "nil", err: io.ErrUnexpectedEOF},
		{name: "small", buf: []byte{1, 2, 3}, err: io.ErrUnexpectedEOF},
		{name: "zeroes", buf: []byte{0, 0, 0, 0}, err: ErrInvalidChannelNumber},
		{name: "bad length", buf: []byte{0x40, 0x40, 0x02, 0x23, 0x16, 0, 0, 0}, err: ErrBadChannelDataLength},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := &ChannelData{Raw: tc.buf}
			if err := m.Decode(); !errors.Is(err, tc.err) {
				t.Errorf("unexpected: %v != %v", tc.err, err)
			}
		})
	}
}

func TestIsChannelData(t *testing.T) {
	assert.False(t, IsChannelData(nil))
	assert.False(t, IsChannelData([]byte{1, 2, 3}))
	assert.False(t, IsChannelData([]byte{0, 0, 0, 0}), "channel number out of range")
	assert.False(t, IsChannelData([]byte{0x40, 0x00, 0x00, 0x08, 1, 2}), "declared length exceeds buffer")
	assert.True(t, IsChannelData([]byte{0x40, 0x00, 0x00, 0x02, 1, 2}))
}
