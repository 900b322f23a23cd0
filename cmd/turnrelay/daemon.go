// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/netmedia/turnrelay"
	"github.com/netmedia/turnrelay/internal/config"
	"github.com/netmedia/turnrelay/internal/metrics"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// daemon is a running relay with its sockets and metrics endpoint.
type daemon struct {
	log           logging.LeveledLogger
	server        *turnrelay.Server
	metricsServer *http.Server
	metricsAddr   net.Addr
}

func start(cfg *config.Config) (*daemon, error) {
	loggerFactory := cfg.LoggerFactory()
	log := loggerFactory.NewLogger("main")
	d := &daemon{log: log}

	serverConfig, err := newServerConfig(cfg, loggerFactory)
	if err != nil {
		return nil, err
	}

	closeAll := func() {
		for _, c := range serverConfig.PacketConnConfigs {
			_ = c.PacketConn.Close()
		}
		for _, c := range serverConfig.ListenerConfigs {
			_ = c.Listener.Close()
		}
	}

	for _, addr := range cfg.Listen.UDP {
		conn, err := net.ListenPacket("udp4", addr) // nolint: noctx
		if err != nil {
			closeAll()

			return nil, fmt.Errorf("failed to listen on udp %s: %w", addr, err)
		}
		log.Infof("Listening on udp %s", conn.LocalAddr())
		serverConfig.PacketConnConfigs = append(serverConfig.PacketConnConfigs, turnrelay.PacketConnConfig{PacketConn: conn})
	}
	for _, addr := range cfg.Listen.TCP {
		ln, err := net.Listen("tcp4", addr) // nolint: noctx
		if err != nil {
			closeAll()

			return nil, fmt.Errorf("failed to listen on tcp %s: %w", addr, err)
		}
		log.Infof("Listening on tcp %s", ln.Addr())
		serverConfig.ListenerConfigs = append(serverConfig.ListenerConfigs, turnrelay.ListenerConfig{Listener: ln})
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m := metrics.NewMetrics(reg)
		serverConfig.EventHandler = m.EventHandler(serverConfig.EventHandler)

		ln, err := net.Listen("tcp", cfg.Metrics.Address) // nolint: noctx
		if err != nil {
			closeAll()

			return nil, fmt.Errorf("failed to listen on metrics address %s: %w", cfg.Metrics.Address, err)
		}

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, m.Handler())
		d.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		d.metricsAddr = ln.Addr()
		go func() {
			if err := d.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Metrics server failed: %v", err)
			}
		}()
		log.Infof("Serving metrics on http://%s%s", ln.Addr(), cfg.Metrics.Path)
	}

	server, err := turnrelay.NewServer(serverConfig)
	if err != nil {
		closeAll()
		if d.metricsServer != nil {
			_ = d.metricsServer.Close()
		}

		return nil, fmt.Errorf("failed to start relay: %w", err)
	}
	d.server = server

	log.Infof("Relay started for realm %q, relaying on %s ports %d-%d",
		cfg.Realm, cfg.Relay.Address, cfg.Relay.MinPort, cfg.Relay.MaxPort)
	if cfg.Relay.Bandwidth > 0 {
		log.Infof("Relay bandwidth capped at %s/s per allocation", cfg.Relay.Bandwidth)
	}

	return d, nil
}

// Stop closes the relay and the metrics endpoint.
func (d *daemon) Stop(ctx context.Context) error {
	var errs []error
	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if d.server != nil {
		if err := d.server.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// newServerConfig maps the file configuration onto a ServerConfig
// without any sockets.
func newServerConfig(cfg *config.Config, loggerFactory logging.LoggerFactory) (turnrelay.ServerConfig, error) {
	log := loggerFactory.NewLogger("auth")

	var handlers []turnrelay.AuthHandler
	if len(cfg.Auth.Users) > 0 {
		handlers = append(handlers, turnrelay.NewStaticAuthHandler(cfg.Realm, cfg.Auth.Users))
	}
	if cfg.Auth.SharedSecret != "" {
		handlers = append(handlers, sharedSecretAuthHandler(cfg.Auth.SharedSecret, log))
	}
	if len(handlers) == 0 {
		return turnrelay.ServerConfig{}, errNoCredentials
	}

	return turnrelay.ServerConfig{
		RelayAddressGenerator: &turnrelay.RelayAddressGeneratorPortRange{
			RelayAddress: net.ParseIP(cfg.Relay.Address),
			Address:      cfg.Relay.BindAddress,
			MinPort:      cfg.Relay.MinPort,
			MaxPort:      cfg.Relay.MaxPort,
		},
		LoggerFactory:         loggerFactory,
		Realm:                 cfg.Realm,
		AuthHandler:           turnrelay.ChainAuthHandlers(handlers...),
		EventHandler:          lifecycleEvents(loggerFactory.NewLogger("events")),
		AllocationLifetime:    cfg.Allocation.DefaultLifetime,
		MaxAllocationLifetime: cfg.Allocation.MaxLifetime,
		PermissionLifetime:    cfg.Allocation.PermissionLifetime,
		ChannelBindLifetime:   cfg.Allocation.ChannelBindLifetime,
		SweepInterval:         cfg.Allocation.SweepInterval,
		ConnectTimeout:        cfg.Allocation.ConnectTimeout,
		ConnectGracePeriod:    cfg.Allocation.ConnectGracePeriod,
		NonceLifetime:         cfg.Allocation.NonceLifetime,
		MaxAllocationsPerUser: cfg.Quota.MaxAllocationsPerUser,
		AllocateRate:          cfg.Quota.AllocateRate,
		AllocateBurst:         cfg.Quota.AllocateBurst,
		RelayBandwidth:        int(cfg.Relay.Bandwidth),
		RelayBufferSize:       int(cfg.Relay.BufferSize),
	}, nil
}

var errNoCredentials = errors.New("no static users or shared secret configured")

// sharedSecretAuthHandler accepts both plain time-windowed usernames and
// the "expiry:userid" TURN REST form.
func sharedSecretAuthHandler(secret string, log logging.LeveledLogger) turnrelay.AuthHandler {
	plain := turnrelay.NewLongTermAuthHandler(secret, log)
	rest := turnrelay.LongTermTURNRESTAuthHandler(secret, log)

	return func(ra *turnrelay.RequestAttributes) (string, []byte, bool) {
		if strings.Contains(ra.Username, ":") {
			return rest(ra)
		}

		return plain(ra)
	}
}

func lifecycleEvents(log logging.LeveledLogger) turnrelay.EventHandler {
	return turnrelay.EventHandler{
		OnAuth: func(srcAddr, _ net.Addr, protocol, username, realm, method string, verdict bool) {
			if !verdict {
				log.Warnf("%s from %s %v denied for %q in realm %q", method, protocol, srcAddr, username, realm)
			}
		},
		OnAllocationError: func(srcAddr, _ net.Addr, protocol, message string) {
			log.Warnf("Allocation of %s %v failed: %s", protocol, srcAddr, message)
		},
		OnConnectionClosed: func(_, _ net.Addr, _, username, _ string, _, peer net.Addr,
			connectionID uint32, toPeer, toClient uint64,
		) {
			log.Infof("Connection %d of %q to %v closed, %s to peer, %s to client",
				connectionID, username, peer, humanize.IBytes(toPeer), humanize.IBytes(toClient))
		},
	}
}
