// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turnrelay

import (
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/netmedia/turnrelay/internal/proto"
	"github.com/pion/stun/v2"
)

// STUNConn wraps a net.Conn and implements
// net.PacketConn by being STUN aware and
// packetizing the stream.
type STUNConn struct {
	nextConn net.Conn
	buff     []byte
	readBuff []byte
}

const (
	stunHeaderSize = 20

	channelDataLengthSize = 2
	channelDataNumberSize = channelDataLengthSize
	channelDataHeaderSize = channelDataLengthSize + channelDataNumberSize
	channelDataPadding    = 4

	stunConnReadSize = 4096
)

// Given a buffer give the last offset of the TURN frame
// If the buffer isn't a valid STUN or ChannelData packet,
// or the length doesn't match return false.
func consumeSingleTURNFrame(b []byte) (int, error) {
	// Too short to determine if ChannelData or STUN
	if len(b) < 9 {
		return 0, errIncompleteTURNFrame
	}

	var datagramSize int
	switch {
	case stun.IsMessage(b):
		datagramSize = int(binary.BigEndian.Uint16(b[2:4])) + stunHeaderSize
	case proto.ChannelNumber(binary.BigEndian.Uint16(b[0:2])).Valid():
		datagramSize = int(binary.BigEndian.Uint16(b[channelDataNumberSize:channelDataHeaderSize]))
		if paddingOverflow := datagramSize % channelDataPadding; paddingOverflow != 0 {
			datagramSize += channelDataPadding - paddingOverflow
		}

		datagramSize += channelDataHeaderSize
	case len(b) < stunHeaderSize:
		return 0, errIncompleteTURNFrame
	default:
		return 0, errInvalidTURNFrame
	}

	if len(b) < datagramSize {
		return 0, errIncompleteTURNFrame
	}

	return datagramSize, nil
}

// ReadFrom implements ReadFrom from net.PacketConn. Each call returns
// exactly one STUN message or ChannelData frame.
func (s *STUNConn) ReadFrom(payload []byte) (int, net.Addr, error) {
	for {
		// First pass any buffered data from previous reads
		frameSize, err := consumeSingleTURNFrame(s.buff)
		if errors.Is(err, errInvalidTURNFrame) {
			return 0, nil, err
		} else if err == nil {
			n := copy(payload, s.buff[:frameSize])
			s.buff = s.buff[frameSize:]

			return n, s.nextConn.RemoteAddr(), nil
		}

		// Then read from the nextConn, appending to our buff
		if s.readBuff == nil {
			s.readBuff = make([]byte, stunConnReadSize)
		}
		read, err := s.nextConn.Read(s.readBuff)
		if err != nil {
			return 0, nil, err
		}

		s.buff = append(s.buff, s.readBuff[:read]...)
	}
}

// WriteTo implements WriteTo from net.PacketConn.
func (s *STUNConn) WriteTo(payload []byte, _ net.Addr) (n int, err error) {
	return s.nextConn.Write(payload)
}

// Close implements Close from net.PacketConn.
func (s *STUNConn) Close() error {
	return s.nextConn.Close()
}

// LocalAddr implements LocalAddr from net.PacketConn.
func (s *STUNConn) LocalAddr() net.Addr {
	return s.nextConn.LocalAddr()
}

// SetDeadline implements SetDeadline from net.PacketConn.
func (s *STUNConn) SetDeadline(t time.Time) error {
	return s.nextConn.SetDeadline(t)
}

// SetReadDeadline implements SetReadDeadline from net.PacketConn.
func (s *STUNConn) SetReadDeadline(t time.Time) error {
	return s.nextConn.SetReadDeadline(t)
}

// SetWriteDeadline implements SetWriteDeadline from net.PacketConn.
func (s *STUNConn) SetWriteDeadline(t time.Time) error {
	return s.nextConn.SetWriteDeadline(t)
}

// Detach hands the underlying stream over as a raw data connection. Bytes
// already read past the last frame are replayed first. The STUNConn stays
// usable for writes until the stream is closed.
func (s *STUNConn) Detach() net.Conn {
	buffered := s.buff
	s.buff = nil
	if len(buffered) == 0 {
		return s.nextConn
	}

	return &replayConn{Conn: s.nextConn, pending: buffered}
}

// NewSTUNConn creates a STUNConn.
func NewSTUNConn(nextConn net.Conn) *STUNConn {
	return &STUNConn{nextConn: nextConn}
}

type replayConn struct {
	net.Conn
	pending []byte
}

func (c *replayConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]

		return n, nil
	}

	return c.Conn.Read(p)
}
