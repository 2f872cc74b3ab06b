// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package serialconn exposes a serial port as a conn.Conn.
//
// Tx writes its whole buffer then blocks until exactly len(r) bytes were
// read, which is what packet oriented serial chips like the DS2480B expect.
// The Port also carries the out of band controls such drivers need: baud
// rate changes, breaks, input flush and the modem control lines.
package serialconn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
)

// Opts contains options to pass to Open.
type Opts struct {
	// Baud is the initial serial rate.
	Baud int
	// ReadTimeout bounds the wait for each chunk of the reply in Tx.
	ReadTimeout time.Duration
}

// DefaultOpts is 9600 8N1 with a half second read timeout.
var DefaultOpts = Opts{
	Baud:        9600,
	ReadTimeout: 500 * time.Millisecond,
}

// Open opens the serial device name, for example "/dev/ttyUSB0" or "COM3".
func Open(name string, opts *Opts) (*Port, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	mode := serial.Mode{
		BaudRate: opts.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, &mode)
	if err != nil {
		return nil, fmt.Errorf("serialconn: %s: %w", name, err)
	}
	s, err := newPort(p, name, mode, opts.ReadTimeout)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return s, nil
}

// Port is an open serial port.
type Port struct {
	mu   sync.Mutex
	name string
	p    port
	mode serial.Mode
}

func (s *Port) String() string {
	return s.name
}

// Duplex implements conn.Conn.
func (s *Port) Duplex() conn.Duplex {
	return conn.Full
}

// Tx writes w, then reads exactly len(r) bytes.
//
// It fails if the other side stays silent for longer than the read timeout
// before the reply is complete.
func (s *Port) Tx(w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(w) != 0 {
		n, err := s.p.Write(w)
		if err != nil {
			return fmt.Errorf("serialconn: %s: %w", s.name, err)
		}
		w = w[n:]
	}
	for got := 0; got < len(r); {
		n, err := s.p.Read(r[got:])
		if err != nil {
			return fmt.Errorf("serialconn: %s: %w", s.name, err)
		}
		if n == 0 {
			return fmt.Errorf("serialconn: %s: %w after %d of %d bytes", s.name, errTimeout, got, len(r))
		}
		got += n
	}
	return nil
}

// SetBaud changes the serial rate, keeping 8N1 framing.
func (s *Port) SetBaud(baud int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.mode
	m.BaudRate = baud
	if err := s.p.SetMode(&m); err != nil {
		return fmt.Errorf("serialconn: %s: %w", s.name, err)
	}
	s.mode = m
	return nil
}

// Baud returns the current serial rate.
func (s *Port) Baud() physic.Frequency {
	s.mu.Lock()
	defer s.mu.Unlock()
	return physic.Frequency(s.mode.BaudRate) * physic.Hertz
}

// Break holds the transmit line low for d.
func (s *Port) Break(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrap(s.p.Break(d))
}

// Flush discards any unread input.
func (s *Port) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrap(s.p.ResetInputBuffer())
}

// SetDTR drives the DTR line.
func (s *Port) SetDTR(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrap(s.p.SetDTR(v))
}

// SetRTS drives the RTS line.
func (s *Port) SetRTS(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrap(s.p.SetRTS(v))
}

// Close closes the port.
func (s *Port) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrap(s.p.Close())
}

//

// port is the subset of serial.Port used here.
type port interface {
	SetMode(mode *serial.Mode) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	SetDTR(v bool) error
	SetRTS(v bool) error
	SetReadTimeout(t time.Duration) error
	Break(d time.Duration) error
	Close() error
}

func newPort(p port, name string, mode serial.Mode, timeout time.Duration) (*Port, error) {
	if timeout <= 0 {
		timeout = DefaultOpts.ReadTimeout
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("serialconn: %s: %w", name, err)
	}
	return &Port{name: name, p: p, mode: mode}, nil
}

func (s *Port) wrap(err error) error {
	if err != nil {
		return fmt.Errorf("serialconn: %s: %w", s.name, err)
	}
	return nil
}

var errTimeout = errors.New("read timeout")

var _ conn.Conn = &Port{}
