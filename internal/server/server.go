// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package server implements the private API to implement a TURN server
package server

import (
	"fmt"
	"net"
	"time"

	"github.com/netmedia/turnrelay/internal/allocation"
	"github.com/netmedia/turnrelay/internal/auth"
	"github.com/netmedia/turnrelay/internal/proto"
	"github.com/netmedia/turnrelay/internal/quota"
	"github.com/pion/logging"
	"github.com/pion/stun/v2"
)

// Request contains all the state needed to process a single incoming datagram
// or framed message of a TCP control connection.
type Request struct {
	// Current Request State
	Conn     net.PacketConn
	SrcAddr  net.Addr
	Buff     []byte
	Protocol allocation.Protocol

	// Server State
	AllocationManager *allocation.Manager
	NonceHash         *NonceHash
	AllocateLimiter   *quota.KeyedLimiter

	// User Configuration
	AuthHandler        auth.AuthHandler
	Log                logging.LeveledLogger
	Realm              string
	AllocationLifetime time.Duration
	EventHandler       allocation.EventHandler
}

// HandleRequest processes the give Request.
func HandleRequest(r Request) error {
	r.Log.Debugf("Received %d bytes of %s from %s on %s", len(r.Buff), r.Protocol, r.SrcAddr, r.Conn.LocalAddr())

	if proto.IsChannelData(r.Buff) {
		return handleDataPacket(r)
	}

	return handleTURNPacket(r)
}

func handleDataPacket(r Request) error {
	r.Log.Debugf("Received DataPacket from %s", r.SrcAddr.String())
	c := proto.ChannelData{Raw: r.Buff}
	if err := c.Decode(); err != nil {
		return fmt.Errorf("%w: %v", errFailedToCreateChannelData, err) //nolint:errorlint
	}

	err := handleChannelData(r, &c)
	if err != nil {
		err = fmt.Errorf("%w from %v: %w", errUnableToHandleChannelData, r.SrcAddr, err)
	}

	return err
}

func handleTURNPacket(r Request) error {
	r.Log.Debug("Handling TURN packet")
	m := &stun.Message{Raw: append([]byte{}, r.Buff...)}
	if err := m.Decode(); err != nil {
		return fmt.Errorf("%w: %v", errFailedToCreateSTUNPacket, err) //nolint:errorlint
	}

	handler, err := getMessageHandler(m.Type.Class, m.Type.Method)
	if err != nil {
		// Requests always get an answer so the client does not retransmit.
		if m.Type.Class == stun.ClassRequest {
			return buildAndSendErr(r.Conn, r.SrcAddr,
				fmt.Errorf("%w %v from %v: %v", errUnhandledSTUNPacket, m.Type, r.SrcAddr, err), //nolint:errorlint
				errorResponse(m, m.Type.Method, stun.CodeBadRequest, stun.NewSoftware(errUnsupportedOperation.Error()))...)
		}
		return fmt.Errorf("%w %v-%v from %v: %v", errUnhandledSTUNPacket, m.Type.Method, m.Type.Class, r.SrcAddr, err) //nolint:errorlint
	}

	if err = handler(r, m); err != nil {
		return fmt.Errorf("%w %v-%v from %v: %v", errFailedToHandle, m.Type.Method, m.Type.Class, r.SrcAddr, err) //nolint:errorlint
	}

	return nil
}

func getMessageHandler(class stun.MessageClass, method stun.Method) ( // nolint:cyclop
	func(r Request, m *stun.Message) error,
	error,
) {
	switch class {
	case stun.ClassIndication:
		switch method {
		case stun.MethodSend:
			return handleSendIndication, nil
		default:
			return nil, fmt.Errorf("%w: %s", errUnexpectedMethod, method)
		}

	case stun.ClassRequest:
		switch method {
		case stun.MethodAllocate:
			return handleAllocateRequest, nil
		case stun.MethodRefresh:
			return handleRefreshRequest, nil
		case stun.MethodCreatePermission:
			return handleCreatePermissionRequest, nil
		case stun.MethodChannelBind:
			return handleChannelBindRequest, nil
		case stun.MethodBinding:
			return handleBindingRequest, nil
		case stun.MethodConnect:
			return handleConnectRequest, nil
		case stun.MethodConnectionBind:
			return handleConnectionBindRequest, nil
		default:
			return nil, fmt.Errorf("%w: %s", errUnexpectedMethod, method)
		}

	default:
		return nil, fmt.Errorf("%w: %s", errUnexpectedClass, class)
	}
}
