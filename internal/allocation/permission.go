// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net"
	"sync"
	"time"

	"github.com/netmedia/turnrelay/internal/ipnet"
)

// DefaultPermissionLifetime is the RFC 5766 permission lifetime.
const DefaultPermissionLifetime = 5 * time.Minute

// Permission authorizes traffic between the relayed address and a peer IP.
type Permission struct {
	IP        net.IP
	ExpiresAt time.Time
}

// PermissionTable holds the permissions of one allocation, keyed by peer IP.
// Entries carry an absolute expiry and are removed by Sweep.
type PermissionTable struct {
	lifetime time.Duration

	mu      sync.RWMutex
	entries map[ipnet.IPFingerprint]time.Time
}

// NewPermissionTable creates a table whose entries live for lifetime.
func NewPermissionTable(lifetime time.Duration) *PermissionTable {
	if lifetime <= 0 {
		lifetime = DefaultPermissionLifetime
	}
	return &PermissionTable{
		lifetime: lifetime,
		entries:  map[ipnet.IPFingerprint]time.Time{},
	}
}

// Add inserts a permission for ip or refreshes an existing one. It reports
// whether a new entry was created.
func (p *PermissionTable) Add(ip net.IP, now time.Time) bool {
	fp := ipnet.FingerprintIP(ip)

	p.mu.Lock()
	defer p.mu.Unlock()

	_, existed := p.entries[fp]
	p.entries[fp] = now.Add(p.lifetime)
	return !existed
}

// Has reports whether a live permission for ip exists at now.
func (p *PermissionTable) Has(ip net.IP, now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	expiresAt, ok := p.entries[ipnet.FingerprintIP(ip)]
	return ok && now.Before(expiresAt)
}

// Get returns the permission for ip, if any.
func (p *PermissionTable) Get(ip net.IP) (Permission, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	fp := ipnet.FingerprintIP(ip)
	expiresAt, ok := p.entries[fp]
	if !ok {
		return Permission{}, false
	}
	return Permission{IP: fp.IP(), ExpiresAt: expiresAt}, true
}

// Sweep removes every permission expired at now and returns their IPs.
func (p *PermissionTable) Sweep(now time.Time) []net.IP {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []net.IP
	for fp, expiresAt := range p.entries {
		if !now.Before(expiresAt) {
			delete(p.entries, fp)
			expired = append(expired, fp.IP())
		}
	}
	return expired
}

// Len returns the number of entries, expired or not.
func (p *PermissionTable) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.entries)
}
