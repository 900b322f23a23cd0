// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package server

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/netmedia/turnrelay/internal/allocation"
	"github.com/netmedia/turnrelay/internal/auth"
	"github.com/netmedia/turnrelay/internal/proto"
	"github.com/pion/stun/v2"
)

func buildAndSend(conn net.PacketConn, dst net.Addr, attrs ...stun.Setter) error {
	msg, err := stun.Build(attrs...)
	if err != nil {
		return err
	}
	_, err = conn.WriteTo(msg.Raw, dst)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

// Send a STUN packet and return the original error to the caller.
func buildAndSendErr(conn net.PacketConn, dst net.Addr, err error, attrs ...stun.Setter) error {
	if sendErr := buildAndSend(conn, dst, attrs...); sendErr != nil {
		err = fmt.Errorf("%w %v %v", errFailedToSendError, sendErr, err) //nolint:errorlint
	}

	return err
}

func buildMsg(
	transactionID [stun.TransactionIDSize]byte,
	msgType stun.MessageType,
	additional ...stun.Setter,
) []stun.Setter {
	return append([]stun.Setter{&stun.Message{TransactionID: transactionID}, msgType}, additional...)
}

func errorResponse(m *stun.Message, method stun.Method, code stun.ErrorCode, additional ...stun.Setter) []stun.Setter {
	return buildMsg(m.TransactionID, stun.NewType(method, stun.ClassErrorResponse),
		append([]stun.Setter{&stun.ErrorCodeAttribute{Code: code}}, additional...)...)
}

// sendAllocationErr answers with the STUN code err maps to.
func sendAllocationErr(r Request, m *stun.Message, method stun.Method, err error) error {
	return buildAndSendErr(r.Conn, r.SrcAddr, err, errorResponse(m, method, allocation.ErrorCode(err))...)
}

type authResult struct {
	messageIntegrity stun.MessageIntegrity
	hasAuth          bool
	userID           string
	username         string
	realm            string
}

func authenticateRequest(r Request, m *stun.Message, callingMethod stun.Method) (authResult, error) {
	respondWithNonce := func(responseCode stun.ErrorCode, cause error) (authResult, error) {
		nonce, err := r.NonceHash.Generate()
		if err != nil {
			return authResult{}, err
		}

		return authResult{}, buildAndSendErr(r.Conn, r.SrcAddr, cause, errorResponse(m, callingMethod, responseCode,
			stun.NewNonce(nonce),
			stun.NewRealm(r.Realm),
		)...)
	}

	if !m.Contains(stun.AttrMessageIntegrity) {
		return respondWithNonce(stun.CodeUnauthorized, nil)
	}

	nonceAttr := &stun.Nonce{}
	usernameAttr := &stun.Username{}
	realmAttr := &stun.Realm{}
	badRequestMsg := errorResponse(m, callingMethod, stun.CodeBadRequest)

	// No Auth handler is set, server is running in STUN only mode
	// Respond with 400 so clients don't retry.
	if r.AuthHandler == nil {
		sendErr := buildAndSend(r.Conn, r.SrcAddr, badRequestMsg...)

		return authResult{}, sendErr
	}

	if err := nonceAttr.GetFrom(m); err != nil {
		return authResult{}, buildAndSendErr(r.Conn, r.SrcAddr, err, badRequestMsg...)
	}

	// Assert Nonce is signed and is not expired.
	if err := r.NonceHash.Validate(nonceAttr.String()); err != nil {
		return respondWithNonce(stun.CodeStaleNonce, nil)
	}

	if err := realmAttr.GetFrom(m); err != nil {
		return authResult{}, buildAndSendErr(r.Conn, r.SrcAddr, err, badRequestMsg...)
	} else if err := usernameAttr.GetFrom(m); err != nil {
		return authResult{}, buildAndSendErr(r.Conn, r.SrcAddr, err, badRequestMsg...)
	}

	userID, ourKey, ok := r.AuthHandler(&auth.RequestAttributes{
		Username: usernameAttr.String(),
		Realm:    realmAttr.String(),
		SrcAddr:  r.SrcAddr,
		Method:   callingMethod.String(),
	})
	if ok {
		ok = stun.MessageIntegrity(ourKey).Check(m) == nil
	}
	if f := r.EventHandler.OnAuth; f != nil {
		f(r.SrcAddr, r.Conn.LocalAddr(), r.Protocol.String(), usernameAttr.String(), realmAttr.String(),
			callingMethod.String(), ok)
	}
	if !ok {
		if ourKey == nil {
			return respondWithNonce(stun.CodeUnauthorized, fmt.Errorf("%w %s", errNoSuchUser, usernameAttr.String()))
		}

		return respondWithNonce(stun.CodeUnauthorized, stun.ErrIntegrityMismatch)
	}

	return authResult{
		messageIntegrity: stun.MessageIntegrity(ourKey),
		hasAuth:          true,
		userID:           userID,
		username:         usernameAttr.String(),
		realm:            realmAttr.String(),
	}, nil
}

func fiveTupleOf(r Request) *allocation.FiveTuple {
	return &allocation.FiveTuple{
		SrcAddr:  r.SrcAddr,
		DstAddr:  r.Conn.LocalAddr(),
		Protocol: r.Protocol,
	}
}

// lookupAllocation returns the allocation of the request's 5-tuple, or
// answers 437 when there is none and 441 when it belongs to another user.
func lookupAllocation(r Request, m *stun.Message, method stun.Method, ar authResult) (allocation.Allocation, error) {
	a := r.AllocationManager.GetAllocation(fiveTupleOf(r))
	if a == nil {
		return nil, buildAndSendErr(r.Conn, r.SrcAddr,
			fmt.Errorf("%w %v:%v", errNoAllocationFound, r.SrcAddr, r.Conn.LocalAddr()),
			errorResponse(m, method, stun.CodeAllocMismatch)...)
	}
	if a.Username() != ar.username {
		return nil, buildAndSendErr(r.Conn, r.SrcAddr,
			fmt.Errorf("%w: %q", errWrongCredentials, ar.username),
			errorResponse(m, method, stun.CodeWrongCredentials)...)
	}

	return a, nil
}

func defaultAllocationLifetime(r Request) time.Duration {
	if r.AllocationLifetime > 0 {
		return r.AllocationLifetime
	}

	return proto.DefaultLifetime
}

// allocationLifeTime returns the requested LIFETIME, or the configured
// default when absent. The allocation clamps it to the maximum.
func allocationLifeTime(r Request, m *stun.Message) time.Duration {
	lifetimeDuration := defaultAllocationLifetime(r)

	var lifetime proto.Lifetime
	if err := lifetime.GetFrom(m); err == nil {
		lifetimeDuration = lifetime.Duration
	}

	return lifetimeDuration
}
