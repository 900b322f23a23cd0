// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turnrelay

import (
	"crypto/hmac"
	"crypto/md5"  //nolint:gosec
	"crypto/sha1" //nolint:gosec
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/netmedia/turnrelay/internal/auth"
	"github.com/pion/logging"
)

// RequestAttributes represents attributes of a TURN request which
// may be useful for authorizing the underlying request.
type RequestAttributes = auth.RequestAttributes

// AuthHandler is a callback used to handle incoming auth requests,
// allowing users to customize the server with custom behavior.
type AuthHandler = auth.AuthHandler

// GenerateAuthKey is a convenience function to easily generate keys in the format used by AuthHandler.
func GenerateAuthKey(username, realm, password string) []byte {
	// #nosec
	h := md5.New()
	fmt.Fprint(h, strings.Join([]string{username, realm, password}, ":")) // nolint: errcheck

	return h.Sum(nil)
}

// GenerateLongTermCredentials can be used to create credentials valid for [duration] time.
func GenerateLongTermCredentials(sharedSecret string, duration time.Duration) (string, string, error) {
	t := time.Now().Add(duration).Unix()
	username := strconv.FormatInt(t, 10)
	password, err := longTermCredentials(username, sharedSecret)

	return username, password, err
}

// GenerateLongTermTURNRESTCredentials can be used to create credentials valid for [duration] time
// that also carry a user id, in the "expiry:userid" username format.
func GenerateLongTermTURNRESTCredentials(sharedSecret string, user string, duration time.Duration) (string, string, error) { // nolint: lll
	t := time.Now().Add(duration).Unix()
	username := strconv.FormatInt(t, 10) + ":" + user
	password, err := longTermCredentials(username, sharedSecret)

	return username, password, err
}

func longTermCredentials(username string, sharedSecret string) (string, error) {
	if sharedSecret == "" {
		return "", errInvalidSharedSecret
	}

	mac := hmac.New(sha1.New, []byte(sharedSecret))
	_, err := mac.Write([]byte(username))
	if err != nil {
		return "", err // Not sure if this will ever happen
	}
	password := mac.Sum(nil)

	return base64.StdEncoding.EncodeToString(password), nil
}

// NewLongTermAuthHandler returns a turn.AuthAuthHandler used with Long Term (or Time Windowed) Credentials.
// See: https://datatracker.ietf.org/doc/html/rfc8489#section-9.2
func NewLongTermAuthHandler(sharedSecret string, l logging.LeveledLogger) AuthHandler {
	if l == nil {
		l = logging.NewDefaultLoggerFactory().NewLogger("turn")
	}

	return func(ra *RequestAttributes) (string, []byte, bool) {
		l.Tracef("Authentication username=%q realm=%q srcAddr=%v", ra.Username, ra.Realm, ra.SrcAddr)
		t, err := strconv.Atoi(ra.Username)
		if err != nil {
			l.Errorf("Invalid time-windowed username %q", ra.Username)

			return "", nil, false
		}
		if int64(t) < time.Now().Unix() {
			l.Errorf("Expired time-windowed username %q", ra.Username)

			return "", nil, false
		}
		password, err := longTermCredentials(ra.Username, sharedSecret)
		if err != nil {
			l.Error(err.Error())

			return "", nil, false
		}

		return ra.Username, GenerateAuthKey(ra.Username, ra.Realm, password), true
	}
}

// LongTermTURNRESTAuthHandler returns a turn.AuthAuthHandler that can be used to authenticate
// time-windowed ephemeral credentials generated by the TURN REST API as described in
// https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest-00. The user id
// after the colon becomes the allocation's user.
func LongTermTURNRESTAuthHandler(sharedSecret string, l logging.LeveledLogger) AuthHandler {
	if l == nil {
		l = logging.NewDefaultLoggerFactory().NewLogger("turn")
	}

	return func(ra *RequestAttributes) (string, []byte, bool) {
		l.Tracef("Authentication username=%q realm=%q srcAddr=%v", ra.Username, ra.Realm, ra.SrcAddr)
		timestamp, userID, found := strings.Cut(ra.Username, ":")
		if !found || userID == "" {
			l.Errorf("Invalid TURN REST username %q", ra.Username)

			return "", nil, false
		}
		t, err := strconv.Atoi(timestamp)
		if err != nil {
			l.Errorf("Invalid time-windowed username %q", ra.Username)

			return "", nil, false
		}
		if int64(t) < time.Now().Unix() {
			l.Errorf("Expired time-windowed username %q", ra.Username)

			return "", nil, false
		}
		password, err := longTermCredentials(ra.Username, sharedSecret)
		if err != nil {
			l.Error(err.Error())

			return "", nil, false
		}

		return userID, GenerateAuthKey(ra.Username, ra.Realm, password), true
	}
}

// NewStaticAuthHandler authenticates a fixed set of username/password pairs.
// Keys are derived once for the given realm.
func NewStaticAuthHandler(realm string, users map[string]string) AuthHandler {
	keys := make(map[string][]byte, len(users))
	for username, password := range users {
		keys[username] = GenerateAuthKey(username, realm, password)
	}

	return func(ra *RequestAttributes) (string, []byte, bool) {
		if ra.Realm != realm {
			return "", nil, false
		}
		key, ok := keys[ra.Username]
		if !ok {
			return "", nil, false
		}

		return ra.Username, key, true
	}
}

// ChainAuthHandlers returns an AuthHandler that asks each handler in
// order and accepts the first positive answer.
func ChainAuthHandlers(handlers ...AuthHandler) AuthHandler {
	return func(ra *RequestAttributes) (string, []byte, bool) {
		for _, h := range handlers {
			if h == nil {
				continue
			}
			if userID, key, ok := h(ra); ok {
				return userID, key, true
			}
		}

		return "", nil, false
	}
}
