// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package netadapter

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DiscoveryRequest returns the datagram clients multicast to find hosts: the
// protocol version, little endian.
func DiscoveryRequest() []byte {
	return binary.LittleEndian.AppendUint32(nil, Version)
}

// DiscoveryReply returns the datagram a host sends back: its TCP port,
// little endian, then 0xFF. The length tells it apart from a request.
func DiscoveryReply(port int) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(port))
	return append(b, 0xFF)
}

// MulticastListener answers discovery requests.
type MulticastListener struct {
	pc       net.PacketConn
	expected []byte
	reply    []byte
	timeout  time.Duration
	log      *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	stopped   chan struct{}
}

// ListenMulticast joins group:port on every multicast capable interface.
// Each datagram equal to expected is answered with reply, sent to its
// sender. Call Run to start answering.
func ListenMulticast(group string, port int, expected, reply []byte, logger *slog.Logger) (*MulticastListener, error) {
	ip := net.ParseIP(group)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("netadapter: %q is not a multicast group", group)
	}
	pc, err := net.ListenMulticastUDP("udp", nil, &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, fmt.Errorf("netadapter: %w", err)
	}
	return newMulticastListener(pc, expected, reply, logger), nil
}

func newMulticastListener(pc net.PacketConn, expected, reply []byte, logger *slog.Logger) *MulticastListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MulticastListener{
		pc:       pc,
		expected: expected,
		reply:    reply,
		timeout:  receiveTimeout,
		log:      logger,
		closed:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Run answers requests until ctx is done or Close is called. A stop request
// is noticed within the receive timeout of 3 seconds.
func (m *MulticastListener) Run(ctx context.Context) error {
	defer close(m.stopped)
	m.log.Info("netadapter: discovery listening", "addr", m.pc.LocalAddr())
	buf := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return m.shutdown()
		case <-m.closed:
			return nil
		default:
		}
		if err := m.pc.SetReadDeadline(time.Now().Add(m.timeout)); err != nil {
			return m.readError(err)
		}
		n, addr, err := m.pc.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return m.readError(err)
		}
		if !bytes.Equal(buf[:n], m.expected) {
			continue
		}
		m.log.Debug("netadapter: discovery request", "from", addr)
		if _, err := m.pc.WriteTo(m.reply, addr); err != nil {
			m.log.Warn("netadapter: discovery reply failed", "to", addr, "err", err)
		}
	}
}

// Close stops Run, waiting up to twice the receive timeout for it to return,
// and releases the socket.
func (m *MulticastListener) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		err = m.pc.Close()
	})
	select {
	case <-m.stopped:
	case <-time.After(2 * m.timeout):
	}
	return err
}

// Addr returns the local address the listener receives on.
func (m *MulticastListener) Addr() net.Addr {
	return m.pc.LocalAddr()
}

//

func (m *MulticastListener) shutdown() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		_ = m.pc.Close()
	})
	return nil
}

func (m *MulticastListener) readError(err error) error {
	select {
	case <-m.closed:
		return nil
	default:
		return fmt.Errorf("netadapter: %w", err)
	}
}

const receiveTimeout = 3 * time.Second
