// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package server

import "errors"

var (
	errFailedToGenerateNonce             = errors.New("failed to generate nonce")
	errFailedToSendError                 = errors.New("failed to send error message")
	errInvalidNonce                      = errors.New("invalid nonce")
	errNoSuchUser                        = errors.New("no such user exists")
	errWrongCredentials                  = errors.New("username does not match the allocation")
	errUnexpectedClass                   = errors.New("unexpected class")
	errUnexpectedMethod                  = errors.New("unexpected method")
	errUnsupportedOperation              = errors.New("unsupported operation")
	errFailedToHandle                    = errors.New("failed to handle")
	errUnhandledSTUNPacket               = errors.New("unhandled STUN packet")
	errUnableToHandleChannelData         = errors.New("unable to handle ChannelData")
	errFailedToCreateSTUNPacket          = errors.New("failed to create stun message from packet")
	errFailedToCreateChannelData         = errors.New("failed to create channel data from packet")
	errRelayAlreadyAllocatedForFiveTuple = errors.New("relay already allocated for 5-TUPLE")
	errUnsupportedTransportProtocol      = errors.New("RequestedTransport must be UDP or TCP")
	errUnsupportedClientProtocol         = errors.New("cannot allocate tcp if client connection transport is not TCP")
	errNoDontFragmentSupport             = errors.New("no support for DONT-FRAGMENT")
	errNoEvenPortSupport                 = errors.New("no support for EVEN-PORT or RESERVATION-TOKEN")
	errInvalidAttributeForTCPAllocation  = errors.New("DONT-FRAGMENT, RESERVATION-TOKEN, EVEN-PORT not valid for TCP allocation")
	errConnectionBindRequireTCP          = errors.New("must use TCP transport")
	errConnectionBindRequireID           = errors.New("connection bind request requires CONNECTION-ID")
	errConnectRequireTCPAllocation       = errors.New("connect requires a TCP allocation")
	errChannelBindRequireUDPAllocation   = errors.New("channel bind requires a UDP allocation")
	errNoAllocationFound                 = errors.New("no allocation found")
	errNoPermissionsCreated              = errors.New("no permissions created")
	errAllocateRateExceeded              = errors.New("allocate rate exceeded")
)
