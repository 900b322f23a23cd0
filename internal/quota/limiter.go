// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package quota implements per-key token buckets used to limit Allocate
// requests per client and relayed bandwidth per user.
package quota

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdleTimeout is how long an unused bucket is kept.
const DefaultIdleTimeout = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter holds one token bucket per key. Buckets unused for the idle
// timeout are pruned lazily.
type KeyedLimiter struct {
	limit       rate.Limit
	burst       int
	idleTimeout time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
}

// NewKeyedLimiter creates a limiter allowing perSecond events per key with
// the given burst. A non-positive perSecond returns nil; a nil
// *KeyedLimiter allows everything.
func NewKeyedLimiter(perSecond float64, burst int) *KeyedLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &KeyedLimiter{
		limit:       rate.Limit(perSecond),
		burst:       burst,
		idleTimeout: DefaultIdleTimeout,
		buckets:     map[string]*bucket{},
	}
}

// Allow reports whether one event for key may happen now.
func (l *KeyedLimiter) Allow(key string) bool {
	return l.AllowN(key, time.Now(), 1)
}

// AllowN reports whether n events for key may happen at now.
func (l *KeyedLimiter) AllowN(key string, now time.Time, n int) bool {
	if l == nil {
		return true
	}
	return l.get(key, now).AllowN(now, n)
}

// Limiter returns the bucket for key, creating it if needed.
func (l *KeyedLimiter) Limiter(key string) *rate.Limiter {
	if l == nil {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return l.get(key, time.Now())
}

func (l *KeyedLimiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) >= l.idleTimeout {
		l.prune(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (l *KeyedLimiter) prune(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.idleTimeout {
			delete(l.buckets, key)
		}
	}
	l.lastPrune = now
}

// Len returns the number of live buckets.
func (l *KeyedLimiter) Len() int {
	if l == nil {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.buckets)
}
