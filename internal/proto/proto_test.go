// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"testing"

	"github.com/pion/stun/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const allocRuns = 10

// wasAllocs returns true if f allocates memory.
func wasAllocs(f func()) bool {
	return testing.AllocsPerRun(allocRuns, f) > 0
}

// roundTrip writes m to the wire and decodes it into a fresh message.
func roundTrip(t *testing.T, m *stun.Message) *stun.Message {
	t.Helper()

	m.WriteHeader()
	decoded := new(stun.Message)
	_, err := decoded.Write(m.Raw)
	require.NoError(t, err)

	return decoded
}

func TestMessageTypes(t *testing.T) {
	assert.Equal(t, stun.NewType(stun.MethodAllocate, stun.ClassRequest), AllocateRequest())
	assert.Equal(t, stun.NewType(stun.MethodRefresh, stun.ClassRequest), RefreshRequest())
	assert.Equal(t, stun.NewType(stun.MethodSend, stun.ClassIndication), SendIndication())
	assert.Equal(t, stun.NewType(stun.MethodCreatePermission, stun.ClassRequest), CreatePermissionRequest())
	assert.Equal(t, stun.NewType(stun.MethodConnect, stun.ClassRequest), ConnectRequest())
	assert.Equal(t, stun.NewType(stun.MethodConnectionBind, stun.ClassRequest), ConnectionBindRequest())
}
