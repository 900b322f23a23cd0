// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turnrelay

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/pion/randutil"
	"github.com/pion/transport/v3"
)

// RelayAddressGeneratorPortRange can be used to only allocate connections inside a defined port range.
// Similar to the RelayAddressGeneratorStatic a static ip address can be set.
// Ports are leased until the relayed socket is closed, so a port is never
// handed out twice and a full range is reported instead of retried.
type RelayAddressGeneratorPortRange struct {
	// RelayAddress is the IP returned to the user when the relay is created
	RelayAddress net.IP

	// MinPort the minimum port to allocate
	MinPort uint16
	// MaxPort the maximum (inclusive) port to allocate
	MaxPort uint16

	// MaxRetries the amount of tries to allocate a random port in the defined range
	MaxRetries int

	// Rand the random source of numbers
	Rand randutil.MathRandomGenerator

	// Address is passed to Listen/ListenPacket when creating the Relay
	Address string

	Net transport.Net

	mu     sync.Mutex
	leases map[portLease]struct{}
}

type portLease struct {
	network string
	port    int
}

// Validate is called on server startup and confirms the RelayAddressGenerator is properly configured.
func (r *RelayAddressGeneratorPortRange) Validate() error {
	n, err := defaultNet(r.Net)
	if err != nil {
		return fmt.Errorf("failed to create network: %w", err)
	}
	r.Net = n

	if r.Rand == nil {
		r.Rand = randutil.NewMathRandomGenerator()
	}

	if r.MaxRetries == 0 {
		r.MaxRetries = 10
	}

	r.mu.Lock()
	if r.leases == nil {
		r.leases = map[portLease]struct{}{}
	}
	r.mu.Unlock()

	switch {
	case r.MinPort == 0:
		return errMinPortNotZero
	case r.MaxPort == 0:
		return errMaxPortNotZero
	case r.MinPort > r.MaxPort:
		return errMinPortAboveMaxPort
	case r.RelayAddress == nil:
		return errRelayAddressInvalid
	case r.Address == "":
		return errListeningAddressInvalid
	default:
		return nil
	}
}

// Leased returns the number of ports currently held by relayed sockets.
func (r *RelayAddressGeneratorPortRange) Leased() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.leases)
}

// AllocatePacketConn generates a new PacketConn to receive traffic on and the IP/Port
// to populate the allocation response with.
func (r *RelayAddressGeneratorPortRange) AllocatePacketConn(network string, requestedPort int) (net.PacketConn, net.Addr, error) { // nolint: lll
	var conn net.PacketConn
	port, release, err := r.lease("udp", requestedPort, func(port int) error {
		var listenErr error
		conn, listenErr = r.Net.ListenPacket(network, net.JoinHostPort(r.Address, strconv.Itoa(port))) // nolint: noctx

		return listenErr
	})
	if err != nil {
		return nil, nil, err
	}

	relayAddr := &net.UDPAddr{IP: r.RelayAddress, Port: port}

	return &leasedPacketConn{PacketConn: conn, release: release}, relayAddr, nil
}

// AllocateListener generates a new Listener to receive traffic on and the IP/Port
// to populate the allocation response with.
func (r *RelayAddressGeneratorPortRange) AllocateListener(network string, requestedPort int) (net.Listener, net.Addr, error) { // nolint: lll
	var ln net.Listener
	port, release, err := r.lease("tcp", requestedPort, func(port int) error {
		var listenErr error
		ln, listenErr = listenTCP(r.Net, network, r.Address, port)

		return listenErr
	})
	if err != nil {
		return nil, nil, err
	}

	relayAddr := &net.TCPAddr{IP: r.RelayAddress, Port: port}

	return &leasedListener{Listener: ln, release: release}, relayAddr, nil
}

// AllocateConn creates a new outgoing TCP connection bound to the relay address to send traffic to a peer.
func (r *RelayAddressGeneratorPortRange) AllocateConn(network string, laddr, raddr net.Addr) (net.Conn, error) {
	return dialFromRelay(r.Net, network, laddr, raddr)
}

// lease reserves a port and calls bind with it. A random free port is
// chosen when requestedPort is 0.
func (r *RelayAddressGeneratorPortRange) lease(network string, requestedPort int, bind func(port int) error) (int, func(), error) { // nolint: lll
	if requestedPort != 0 {
		if requestedPort < int(r.MinPort) || requestedPort > int(r.MaxPort) {
			return 0, nil, fmt.Errorf("%w: %d", errRequestedPortOutOfRange, requestedPort)
		}
		if !r.tryLease(network, requestedPort) {
			return 0, nil, fmt.Errorf("%w: %d", errPortRangeExhausted, requestedPort)
		}
		if err := bind(requestedPort); err != nil {
			r.releaseLease(network, requestedPort)

			return 0, nil, err
		}

		return requestedPort, r.releaseFunc(network, requestedPort), nil
	}

	size := int(r.MaxPort) - int(r.MinPort) + 1
	start := r.Rand.Intn(size)
	tries := 0
	for i := 0; i < size && tries < r.MaxRetries; i++ {
		port := int(r.MinPort) + (start+i)%size
		if !r.tryLease(network, port) {
			continue
		}

		tries++
		if err := bind(port); err != nil {
			r.releaseLease(network, port)

			continue
		}

		return port, r.releaseFunc(network, port), nil
	}

	if tries == 0 {
		return 0, nil, errPortRangeExhausted
	}

	return 0, nil, errMaxRetriesExceeded
}

func (r *RelayAddressGeneratorPortRange) tryLease(network string, port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.leases == nil {
		r.leases = map[portLease]struct{}{}
	}
	key := portLease{network, port}
	if _, ok := r.leases[key]; ok {
		return false
	}
	r.leases[key] = struct{}{}

	return true
}

func (r *RelayAddressGeneratorPortRange) releaseLease(network string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.leases, portLease{network, port})
}

func (r *RelayAddressGeneratorPortRange) releaseFunc(network string, port int) func() {
	var once sync.Once

	return func() {
		once.Do(func() { r.releaseLease(network, port) })
	}
}

type leasedPacketConn struct {
	net.PacketConn
	release func()
}

func (c *leasedPacketConn) Close() error {
	defer c.release()

	return c.PacketConn.Close()
}

type leasedListener struct {
	net.Listener
	release func()
}

func (l *leasedListener) Close() error {
	defer l.release()

	return l.Listener.Close()
}
