// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	// DefaultNonceLifetime is how long an issued nonce is accepted.
	// See: https://tools.ietf.org/html/rfc5766#section-4
	DefaultNonceLifetime = time.Hour

	nonceLength    = 40
	nonceKeyLength = 64
)

// NewNonceHash creates a NonceHash. A non-positive lifetime selects
// DefaultNonceLifetime.
func NewNonceHash(lifetime time.Duration) (*NonceHash, error) {
	key := make([]byte, nonceKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if lifetime <= 0 {
		lifetime = DefaultNonceLifetime
	}

	return &NonceHash{key: key, lifetime: lifetime}, nil
}

// NonceHash is used to create and verify nonces. A nonce is a millisecond
// timestamp followed by its HMAC-SHA256, hex encoded, so no state is kept.
type NonceHash struct {
	key      []byte
	lifetime time.Duration
}

// Generate a nonce
func (n *NonceHash) Generate() (string, error) {
	return n.generateAt(time.Now())
}

func (n *NonceHash) generateAt(now time.Time) (string, error) {
	nonce := make([]byte, 8, nonceLength)
	binary.BigEndian.PutUint64(nonce, uint64(now.UnixMilli()))

	hash := hmac.New(sha256.New, n.key)
	if _, err := hash.Write(nonce[:8]); err != nil {
		return "", fmt.Errorf("%w: %v", errFailedToGenerateNonce, err) //nolint:errorlint
	}
	nonce = hash.Sum(nonce)

	return hex.EncodeToString(nonce), nil
}

// Validate checks that nonce is signed and is not expired
func (n *NonceHash) Validate(nonce string) error {
	return n.validateAt(nonce, time.Now())
}

func (n *NonceHash) validateAt(nonce string, now time.Time) error {
	b, err := hex.DecodeString(nonce)
	if err != nil || len(b) != nonceLength {
		return fmt.Errorf("%w: %v", errInvalidNonce, err) //nolint:errorlint
	}

	if ts := time.UnixMilli(int64(binary.BigEndian.Uint64(b))); now.Sub(ts) > n.lifetime {
		return errInvalidNonce
	}

	hash := hmac.New(sha256.New, n.key)
	if _, err = hash.Write(b[:8]); err != nil {
		return fmt.Errorf("%w: %v", errInvalidNonce, err) //nolint:errorlint
	}
	if !hmac.Equal(b[8:], hash.Sum(nil)) {
		return errInvalidNonce
	}

	return nil
}
