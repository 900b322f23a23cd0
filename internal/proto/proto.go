// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package proto implements the TURN attributes (RFC 5766, RFC 6062) that the
// STUN codec does not provide on its own.
package proto

import (
	"encoding/binary"

	"github.com/pion/stun/v2"
)

// bin is shorthand for binary.BigEndian.
var bin = binary.BigEndian //nolint:gochecknoglobals

// Default ports for TURN from RFC 5766 Section 4.
const (
	// DefaultPort for TURN is same as STUN.
	DefaultPort = stun.DefaultPort
	// DefaultTLSPort is for TURN over TLS and is same as STUN.
	DefaultTLSPort = stun.DefaultTLSPort
)

// CreatePermissionRequest is shorthand for create permission request type.
func CreatePermissionRequest() stun.MessageType {
	return stun.NewType(stun.MethodCreatePermission, stun.ClassRequest)
}

// AllocateRequest is shorthand for allocation request message type.
func AllocateRequest() stun.MessageType { return stun.NewType(stun.MethodAllocate, stun.ClassRequest) }

// SendIndication is shorthand for send indication message type.
func SendIndication() stun.MessageType { return stun.NewType(stun.MethodSend, stun.ClassIndication) }

// RefreshRequest is shorthand for refresh request message type.
func RefreshRequest() stun.MessageType { return stun.NewType(stun.MethodRefresh, stun.ClassRequest) }

// ConnectRequest is shorthand for the RFC 6062 connect request type.
func ConnectRequest() stun.MessageType { return stun.NewType(stun.MethodConnect, stun.ClassRequest) }

// ConnectionBindRequest is shorthand for the RFC 6062 connection bind request type.
func ConnectionBindRequest() stun.MessageType {
	return stun.NewType(stun.MethodConnectionBind, stun.ClassRequest)
}
