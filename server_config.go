// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turnrelay

import (
	"fmt"
	"net"
	"time"

	"github.com/netmedia/turnrelay/internal/allocation"
	"github.com/pion/logging"
)

// EventHandler is a set of callbacks that the server will call at certain hook points during an
// allocation's lifecycle.
type EventHandler = allocation.EventHandler

// PacketConnConfig is a single net.PacketConn to listen/write on.
// Clients reach the server over UDP through it.
type PacketConnConfig struct {
	PacketConn net.PacketConn
}

func (c *PacketConnConfig) validate() error {
	if c.PacketConn == nil {
		return errConnUnset
	}

	return nil
}

// ListenerConfig is a single net.Listener to accept connections on.
// Each accepted stream carries either a TURN control connection or a
// data connection waiting for ConnectionBind.
type ListenerConfig struct {
	Listener net.Listener
}

func (c *ListenerConfig) validate() error {
	if c.Listener == nil {
		return errListenerUnset
	}

	return nil
}

// ServerConfig configures the TURN relay server.
type ServerConfig struct {
	// PacketConnConfigs and ListenerConfigs are a list of all the turn listeners
	// Each listener can have custom behavior around the creation of Relays
	PacketConnConfigs []PacketConnConfig
	ListenerConfigs   []ListenerConfig

	// RelayAddressGenerator creates the relayed transport addresses of every allocation.
	RelayAddressGenerator RelayAddressGenerator

	// LoggerFactory must be set for logging from this server.
	LoggerFactory logging.LoggerFactory

	// Realm sets the realm for this server
	Realm string

	// AuthHandler is a callback used to handle incoming auth requests,
	// allowing users to customize the server with custom behavior
	AuthHandler AuthHandler

	// EventHandler is a set of callbacks for tracking allocation lifecycle.
	EventHandler EventHandler

	// AllocationLifetime is granted when an Allocate carries no LIFETIME.
	AllocationLifetime time.Duration
	// MaxAllocationLifetime caps every granted or refreshed lifetime.
	MaxAllocationLifetime time.Duration
	PermissionLifetime    time.Duration
	// ChannelBindLifetime sets the lifetime of channel binding. Defaults to 10 minutes.
	ChannelBindLifetime time.Duration
	// SweepInterval is the period of the expiry sweep over all allocations.
	SweepInterval time.Duration
	// ConnectTimeout bounds the outbound TCP dial of a Connect request.
	ConnectTimeout time.Duration
	// ConnectGracePeriod is how long a peer connection may wait for ConnectionBind.
	ConnectGracePeriod time.Duration
	// NonceLifetime is how long an issued NONCE stays valid.
	NonceLifetime time.Duration

	// MaxAllocationsPerUser limits live allocations per username, 0 is unlimited.
	MaxAllocationsPerUser int
	// AllocateRate limits new Allocate requests per client IP and second, 0 is unlimited.
	AllocateRate  float64
	AllocateBurst int
	// RelayBandwidth caps each UDP relayed socket in bytes per second, 0 is unlimited.
	RelayBandwidth int

	// InboundMTU sets the read buffer of the UDP listeners. Defaults to 1600 bytes.
	InboundMTU int
	// RelayBufferSize sets the read buffer of each UDP relayed socket.
	RelayBufferSize int
}

const (
	defaultInboundMTU    = 1600
	defaultTCPFrameSize  = 0x10000 + stunHeaderSize
	defaultAllocateBurst = 10
)

func (s *ServerConfig) validate() error {
	if len(s.PacketConnConfigs) == 0 && len(s.ListenerConfigs) == 0 {
		return errNoAvailableConns
	}

	for i := range s.PacketConnConfigs {
		if err := s.PacketConnConfigs[i].validate(); err != nil {
			return err
		}
	}

	for i := range s.ListenerConfigs {
		if err := s.ListenerConfigs[i].validate(); err != nil {
			return err
		}
	}

	if s.RelayAddressGenerator == nil {
		return errRelayAddressGeneratorUnset
	}
	if err := s.RelayAddressGenerator.Validate(); err != nil {
		return fmt.Errorf("invalid relay address generator: %w", err)
	}

	return nil
}
