// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package metrics exports relay activity as Prometheus metrics. The
// collectors are fed through an allocation.EventHandler.
package metrics

import (
	"net"
	"net/http"

	"github.com/netmedia/turnrelay/internal/allocation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "turnrelay"

// Metrics holds the relay collectors.
type Metrics struct {
	AllocationsActive prometheus.Gauge
	AllocationsTotal  *prometheus.CounterVec
	AllocationErrors  *prometheus.CounterVec
	AuthTotal         *prometheus.CounterVec
	PermissionsActive prometheus.Gauge
	ChannelsActive    prometheus.Gauge
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	RelayedBytes      *prometheus.CounterVec
	RelayedPackets    *prometheus.CounterVec
	ConnectionBytes   *prometheus.CounterVec
	ConnectionSize    prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewMetrics registers the collectors with reg. If reg is also a
// prometheus.Gatherer, Handler serves it.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		AllocationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "allocations_active",
			Help:      "Number of live allocations",
		}),
		AllocationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Total allocations created by relay transport",
		}, []string{"transport"}),
		AllocationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_errors_total",
			Help:      "Relay socket failures by client transport",
		}, []string{"protocol"}),
		AuthTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_total",
			Help:      "Authentication attempts by method and verdict",
		}, []string{"method", "verdict"}),
		PermissionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "permissions_active",
			Help:      "Number of installed permissions",
		}),
		ChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of bound channels",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_connections_active",
			Help:      "Number of spliced TCP data connection pairs",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_connections_total",
			Help:      "Total TCP data connection pairs bound",
		}),
		RelayedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "UDP payload bytes relayed by direction",
		}, []string{"direction"}),
		RelayedPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_packets_total",
			Help:      "UDP datagrams relayed by direction",
		}, []string{"direction"}),
		ConnectionBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_relayed_bytes_total",
			Help:      "Bytes copied between TCP data connections by direction",
		}, []string{"direction"}),
		ConnectionSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tcp_connection_bytes",
			Help:      "Histogram of total bytes per TCP data connection pair",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func verdictLabel(ok bool) string {
	if ok {
		return "ok"
	}

	return "denied"
}

// EventHandler returns callbacks that update the collectors. next, if it
// has callbacks set, is called after each update.
func (m *Metrics) EventHandler(next allocation.EventHandler) allocation.EventHandler {
	return allocation.EventHandler{
		OnAuth: func(srcAddr, dstAddr net.Addr, protocol, username, realm, method string, verdict bool) {
			m.AuthTotal.WithLabelValues(method, verdictLabel(verdict)).Inc()
			if next.OnAuth != nil {
				next.OnAuth(srcAddr, dstAddr, protocol, username, realm, method, verdict)
			}
		},
		OnAllocationCreated: func(srcAddr, dstAddr net.Addr, protocol, username, realm string,
			relayAddr net.Addr, relayProtocol string,
		) {
			m.AllocationsActive.Inc()
			m.AllocationsTotal.WithLabelValues(relayProtocol).Inc()
			if next.OnAllocationCreated != nil {
				next.OnAllocationCreated(srcAddr, dstAddr, protocol, username, realm, relayAddr, relayProtocol)
			}
		},
		OnAllocationDeleted: func(srcAddr, dstAddr net.Addr, protocol, username, realm string) {
			m.AllocationsActive.Dec()
			if next.OnAllocationDeleted != nil {
				next.OnAllocationDeleted(srcAddr, dstAddr, protocol, username, realm)
			}
		},
		OnAllocationError: func(srcAddr, dstAddr net.Addr, protocol, message string) {
			m.AllocationErrors.WithLabelValues(protocol).Inc()
			if next.OnAllocationError != nil {
				next.OnAllocationError(srcAddr, dstAddr, protocol, message)
			}
		},
		OnPermissionCreated: func(srcAddr, dstAddr net.Addr, protocol, username, realm string,
			relayAddr net.Addr, peer net.IP,
		) {
			m.PermissionsActive.Inc()
			if next.OnPermissionCreated != nil {
				next.OnPermissionCreated(srcAddr, dstAddr, protocol, username, realm, relayAddr, peer)
			}
		},
		OnPermissionDeleted: func(srcAddr, dstAddr net.Addr, protocol, username, realm string,
			relayAddr net.Addr, peer net.IP,
		) {
			m.PermissionsActive.Dec()
			if next.OnPermissionDeleted != nil {
				next.OnPermissionDeleted(srcAddr, dstAddr, protocol, username, realm, relayAddr, peer)
			}
		},
		OnChannelCreated: func(srcAddr, dstAddr net.Addr, protocol, username, realm string,
			relayAddr, peer net.Addr, channelNumber uint16,
		) {
			m.ChannelsActive.Inc()
			if next.OnChannelCreated != nil {
				next.OnChannelCreated(srcAddr, dstAddr, protocol, username, realm, relayAddr, peer, channelNumber)
			}
		},
		OnChannelDeleted: func(srcAddr, dstAddr net.Addr, protocol, username, realm string,
			relayAddr, peer net.Addr, channelNumber uint16,
		) {
			m.ChannelsActive.Dec()
			if next.OnChannelDeleted != nil {
				next.OnChannelDeleted(srcAddr, dstAddr, protocol, username, realm, relayAddr, peer, channelNumber)
			}
		},
		OnConnectionBound: func(srcAddr, dstAddr net.Addr, protocol, username, realm string,
			relayAddr, peer net.Addr, connectionID uint32,
		) {
			m.ConnectionsActive.Inc()
			m.ConnectionsTotal.Inc()
			if next.OnConnectionBound != nil {
				next.OnConnectionBound(srcAddr, dstAddr, protocol, username, realm, relayAddr, peer, connectionID)
			}
		},
		OnConnectionClosed: func(srcAddr, dstAddr net.Addr, protocol, username, realm string,
			relayAddr, peer net.Addr, connectionID uint32, toPeer, toClient uint64,
		) {
			m.ConnectionsActive.Dec()
			m.ConnectionBytes.WithLabelValues(allocation.DirectionToPeer).Add(float64(toPeer))
			m.ConnectionBytes.WithLabelValues(allocation.DirectionToClient).Add(float64(toClient))
			m.ConnectionSize.Observe(float64(toPeer + toClient))
			if next.OnConnectionClosed != nil {
				next.OnConnectionClosed(srcAddr, dstAddr, protocol, username, realm, relayAddr, peer,
					connectionID, toPeer, toClient)
			}
		},
		OnRelayed: func(srcAddr, dstAddr net.Addr, protocol, username, realm string,
			relayAddr, peer net.Addr, direction string, n int,
		) {
			m.RelayedBytes.WithLabelValues(direction).Add(float64(n))
			m.RelayedPackets.WithLabelValues(direction).Inc()
			if next.OnRelayed != nil {
				next.OnRelayed(srcAddr, dstAddr, protocol, username, realm, relayAddr, peer, direction, n)
			}
		},
	}
}
