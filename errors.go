// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turnrelay

import "errors"

var (
	errRelayAddressInvalid        = errors.New("turn: RelayAddress must be valid IP to use RelayAddressGeneratorStatic")
	errNoAvailableConns           = errors.New("turn: PacketConnConfigs and ListenerConfigs are empty")
	errConnUnset                  = errors.New("turn: PacketConnConfig must have a non-nil Conn")
	errListenerUnset              = errors.New("turn: ListenerConfig must have a non-nil Listener")
	errListeningAddressInvalid    = errors.New("turn: RelayAddressGenerator has invalid ListeningAddress")
	errRelayAddressGeneratorUnset = errors.New("turn: RelayAddressGenerator in RelayConfig is unset")
	errMaxRetriesExceeded         = errors.New("turn: max retries exceeded")
	errMaxPortNotZero             = errors.New("turn: MaxPort must be not 0")
	errMinPortNotZero             = errors.New("turn: MinPort must be not 0")
	errMinPortAboveMaxPort        = errors.New("turn: MinPort must not be above MaxPort")
	errPortRangeExhausted         = errors.New("turn: every port in the relay range is leased")
	errRequestedPortOutOfRange    = errors.New("turn: requested port is outside the relay range")
	errNilConn                    = errors.New("turn: conn cannot not be nil")
	errTCPNotSupported            = errors.New("turn: TCP relaying requires the host network")
	errInvalidTURNFrame           = errors.New("data is not a valid TURN frame, no STUN or ChannelData found")
	errIncompleteTURNFrame        = errors.New("data contains incomplete STUN or TURN frame")
	errInvalidSharedSecret        = errors.New("turn: shared secret must not be empty")
)
