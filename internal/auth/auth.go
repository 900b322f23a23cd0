// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package auth provides internal authentication / authorization
// types and utilities for the TURN relay.
package auth

import (
	"net"
)

// RequestAttributes represents attributes of a TURN request which
// may be useful for authorizing the underlying request.
type RequestAttributes struct {
	Username string
	Realm    string
	SrcAddr  net.Addr
	// Method is the TURN method being authenticated, e.g. "Allocate".
	Method string
}

// AuthHandler is a callback used to handle incoming auth requests. It
// returns the long-term credential key of the user, and ok=false if the
// user is unknown or not allowed.
type AuthHandler func(ra *RequestAttributes) (userID string, key []byte, ok bool)
