// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package turnrelay implements a TURN relay server with UDP and TCP
// relayed transport addresses.
package turnrelay

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/netmedia/turnrelay/internal/allocation"
	"github.com/netmedia/turnrelay/internal/proto"
	"github.com/netmedia/turnrelay/internal/quota"
	"github.com/netmedia/turnrelay/internal/server"
	"github.com/pion/logging"
	"golang.org/x/time/rate"
)

// Server is an instance of the TURN relay server.
type Server struct {
	log             logging.LeveledLogger
	authHandler     AuthHandler
	realm           string
	eventHandler    EventHandler
	lifetime        time.Duration
	inboundMTU      int
	nonceHash       *server.NonceHash
	allocateLimiter *quota.KeyedLimiter
	manager         *allocation.Manager

	packetConnConfigs []PacketConnConfig
	listenerConfigs   []ListenerConfig

	mu      sync.Mutex
	streams map[net.Conn]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewServer creates the TURN relay server and starts serving every
// configured PacketConn and Listener.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	log := loggerFactory.NewLogger("turn")

	lifetime := config.AllocationLifetime
	if lifetime <= 0 {
		lifetime = proto.DefaultLifetime
	}

	mtu := config.InboundMTU
	if mtu <= 0 {
		mtu = defaultInboundMTU
	}

	burst := config.AllocateBurst
	if burst <= 0 {
		burst = defaultAllocateBurst
	}

	nonceHash, err := server.NewNonceHash(config.NonceLifetime)
	if err != nil {
		return nil, err
	}

	manager, err := allocation.NewManager(allocation.ManagerConfig{
		LeveledLogger:         loggerFactory.NewLogger("alloc"),
		AllocatePacketConn:    bandwidthLimited(config.RelayAddressGenerator.AllocatePacketConn, config.RelayBandwidth),
		AllocateListener:      config.RelayAddressGenerator.AllocateListener,
		AllocateConn:          config.RelayAddressGenerator.AllocateConn,
		EventHandler:          config.EventHandler,
		MaxLifetime:           config.MaxAllocationLifetime,
		PermissionLifetime:    config.PermissionLifetime,
		ChannelBindLifetime:   config.ChannelBindLifetime,
		ConnectTimeout:        config.ConnectTimeout,
		ConnectGracePeriod:    config.ConnectGracePeriod,
		SweepInterval:         config.SweepInterval,
		MaxAllocationsPerUser: config.MaxAllocationsPerUser,
		RelayBufferSize:       config.RelayBufferSize,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		log:               log,
		authHandler:       config.AuthHandler,
		realm:             config.Realm,
		eventHandler:      config.EventHandler,
		lifetime:          lifetime,
		inboundMTU:        mtu,
		nonceHash:         nonceHash,
		allocateLimiter:   quota.NewKeyedLimiter(config.AllocateRate, burst),
		manager:           manager,
		packetConnConfigs: config.PacketConnConfigs,
		listenerConfigs:   config.ListenerConfigs,
		streams:           map[net.Conn]struct{}{},
	}

	for _, cfg := range s.packetConnConfigs {
		s.wg.Add(1)
		go func(conn net.PacketConn) {
			defer s.wg.Done()
			s.readLoop(conn, allocation.UDP, s.inboundMTU)
		}(cfg.PacketConn)
	}

	for _, cfg := range s.listenerConfigs {
		s.wg.Add(1)
		go func(l net.Listener) {
			defer s.wg.Done()
			s.readListener(l)
		}(cfg.Listener)
	}

	return s, nil
}

// AllocationCount returns the number of active allocations.
// It can be used to drain the server before closing.
func (s *Server) AllocationCount() int {
	return s.manager.AllocationCount()
}

// Close stops the TURN Server. It cleans up any associated state and closes all connections it is managing.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return nil
	}
	s.closed = true
	streams := make([]net.Conn, 0, len(s.streams))
	for conn := range s.streams {
		streams = append(streams, conn)
	}
	s.mu.Unlock()

	var errs []error
	for _, cfg := range s.packetConnConfigs {
		if err := cfg.PacketConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, cfg := range s.listenerConfigs {
		if err := cfg.Listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}

	if err := s.manager.Close(); err != nil {
		errs = append(errs, err)
	}

	for _, conn := range streams {
		_ = conn.Close()
	}

	s.wg.Wait()

	return errors.Join(errs...)
}

func (s *Server) readListener(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			s.log.Debugf("Exit accept loop on error: %s", err)

			return
		}

		if !s.track(conn) {
			_ = conn.Close()

			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveStream(conn)
		}()
	}
}

// serveStream handles one accepted TCP connection. The allocation owned by
// the connection goes away when the stream ends.
func (s *Server) serveStream(conn net.Conn) {
	defer s.untrack(conn)

	s.readLoop(NewSTUNConn(conn), allocation.TCP, defaultTCPFrameSize)

	fiveTuple := &allocation.FiveTuple{
		Protocol: allocation.TCP,
		SrcAddr:  conn.RemoteAddr(),
		DstAddr:  conn.LocalAddr(),
	}
	if s.manager.DeleteAllocation(fiveTuple) {
		s.log.Infof("Control connection %v closed, allocation deleted", fiveTuple)
	}

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debugf("Failed to close stream %v: %s", fiveTuple, err)
	}
}

func (s *Server) readLoop(conn net.PacketConn, protocol allocation.Protocol, bufferSize int) {
	buf := make([]byte, bufferSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		switch {
		case err != nil:
			s.log.Debugf("Exit read loop on error: %s", err)

			return
		case n >= bufferSize:
			s.log.Debugf("Read bytes exceeded MTU, packet is possibly truncated")
		}

		if err := server.HandleRequest(server.Request{
			Conn:               conn,
			SrcAddr:            addr,
			Buff:               buf[:n],
			Protocol:           protocol,
			AllocationManager:  s.manager,
			NonceHash:          s.nonceHash,
			AllocateLimiter:    s.allocateLimiter,
			AuthHandler:        s.authHandler,
			Log:                s.log,
			Realm:              s.realm,
			AllocationLifetime: s.lifetime,
			EventHandler:       s.eventHandler,
		}); err != nil {
			s.log.Errorf("Failed to handle %s request from %s: %v", protocol, addr, err)
		}
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.streams[conn] = struct{}{}

	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.streams, conn)
}

type allocatePacketConnFunc func(network string, requestedPort int) (net.PacketConn, net.Addr, error)

// bandwidthLimited wraps every relayed socket in a token bucket of
// bytesPerSecond. The burst fits at least one maximum-size datagram.
func bandwidthLimited(allocate allocatePacketConnFunc, bytesPerSecond int) allocatePacketConnFunc {
	if bytesPerSecond <= 0 {
		return allocate
	}

	burst := bytesPerSecond
	if burst < 0xFFFF {
		burst = 0xFFFF
	}

	return func(network string, requestedPort int) (net.PacketConn, net.Addr, error) {
		conn, relayAddr, err := allocate(network, requestedPort)
		if err != nil {
			return nil, nil, err
		}

		limiter := rate.NewLimiter(rate.Limit(bytesPerSecond), burst)

		return quota.NewRateLimitedPacketConn(conn, limiter), relayAddr, nil
	}
}
