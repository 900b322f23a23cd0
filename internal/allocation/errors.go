// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"errors"

	"github.com/pion/stun/v2"
)

// Errors callers match with errors.Is. Each maps to a STUN error code in ErrorCode.
var (
	ErrNoPermission                  = errors.New("no permission for peer address")
	ErrSameChannelDifferentPeer      = errors.New("you cannot use the same channel number with different peer")
	ErrSamePeerDifferentChannel      = errors.New("you cannot use the same peer with different channel number")
	ErrInvalidChannelNumber          = errors.New("channel number out of range")
	ErrNoSuchChannelBind             = errors.New("no channel bind for channel number")
	ErrAllocationMismatch            = errors.New("allocation attempt created with duplicate FiveTuple")
	ErrAllocationClosed              = errors.New("allocation is closed")
	ErrUserQuotaReached              = errors.New("per-user allocation quota reached")
	ErrInsufficientCapacity          = errors.New("no relay address available")
	ErrRelayAddressInUse             = errors.New("relay address already leased to another allocation")
	ErrTCPConnectionTimeoutOrFailure = errors.New("failed to create tcp connection")
	ErrDupeTCPConnection             = errors.New("tcp connection already exists for peer address")
	ErrConnectionNotFound            = errors.New("no pending connection for connection id")
	ErrConnectionAlreadyBound        = errors.New("connection already bound")
	ErrWrongTransport                = errors.New("operation not supported by allocation transport")

	errAllocatePacketConnMustBeSet  = errors.New("AllocatePacketConn must be set")
	errAllocateListenerMustBeSet    = errors.New("AllocateListener must be set")
	errAllocateConnMustBeSet        = errors.New("AllocateConn must be set")
	errLeveledLoggerMustBeSet       = errors.New("LeveledLogger must be set")
	errNilFiveTuple                 = errors.New("allocations must not be created with nil FivTuple")
	errNilFiveTupleSrcAddr          = errors.New("allocations must not be created with nil FiveTuple.SrcAddr")
	errNilFiveTupleDstAddr          = errors.New("allocations must not be created with nil FiveTuple.DstAddr")
	errNilTurnSocket                = errors.New("allocations must not be created with nil turnSocket")
	errLifetimeZero                 = errors.New("allocations must not be created with a lifetime of 0")
	errUnsupportedRelayProtocol     = errors.New("relay protocol must be UDP or TCP")
	errFailedToGenerateConnectionID = errors.New("failed to generate a unique connection id")
	errDupeConnectionID             = errors.New("connection id already registered")
	errInvalidPeerAddress           = errors.New("invalid peer address")
	errConnectionStillDialing       = errors.New("connection is still dialing")
	errFailedToCastUDPAddr          = errors.New("failed to cast net.Addr to *net.UDPAddr")
)

// ErrorCode maps an allocation error to the STUN error code sent to the
// client. Errors without a mapping are reported as 500.
func ErrorCode(err error) stun.ErrorCode {
	switch {
	case errors.Is(err, ErrNoPermission):
		return stun.CodeForbidden
	case errors.Is(err, ErrAllocationMismatch), errors.Is(err, ErrAllocationClosed):
		return stun.CodeAllocMismatch
	case errors.Is(err, ErrUserQuotaReached):
		return stun.CodeAllocQuotaReached
	case errors.Is(err, ErrInsufficientCapacity), errors.Is(err, ErrRelayAddressInUse):
		return stun.CodeInsufficientCapacity
	case errors.Is(err, ErrDupeTCPConnection):
		return stun.CodeConnAlreadyExists
	case errors.Is(err, ErrTCPConnectionTimeoutOrFailure):
		return stun.CodeConnTimeoutOrFailure
	case errors.Is(err, ErrSameChannelDifferentPeer),
		errors.Is(err, ErrSamePeerDifferentChannel),
		errors.Is(err, ErrInvalidChannelNumber),
		errors.Is(err, ErrNoSuchChannelBind),
		errors.Is(err, ErrConnectionNotFound),
		errors.Is(err, ErrConnectionAlreadyBound),
		errors.Is(err, ErrWrongTransport),
		errors.Is(err, errInvalidPeerAddress),
		errors.Is(err, errConnectionStillDialing):
		return stun.CodeBadRequest
	default:
		return stun.CodeServerError
	}
}
