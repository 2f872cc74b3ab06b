// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package netadapter shares a 1-wire adapter over TCP with the remote
// adapter protocol, and answers the UDP multicast requests clients use to
// find hosts.
//
// Each connection starts with a handshake: the host sends its protocol
// version and the client confirms it; the host then sends an 8 byte random
// challenge and the client answers with the CRC16 of the shared secret
// followed by the challenge. After that the client sends commands and the
// host answers each with RetSuccess and the command's results, or RetFailure
// and a message.
package netadapter

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GermanBionicSystems/owserial/common"
	"github.com/GermanBionicSystems/owserial/ds2480b"
	"github.com/puzpuzpuz/xsync/v3"
	"periph.io/x/conn/v3/onewire"
)

// Adapter is the 1-wire adapter a Host shares. *ds2480b.Dev implements it.
type Adapter interface {
	Reset() (ds2480b.ResetResult, error)
	PutBit(v bool) error
	PutByte(v byte) error
	GetBit() (bool, error)
	GetByte() (byte, error)
	GetBlock(n int) ([]byte, error)
	DataBlock(buf []byte) error

	SetPowerDuration(t ds2480b.PowerDuration) error
	StartPowerDelivery(cond ds2480b.PowerCondition) error
	SetProgramPulseDuration(t ds2480b.PowerDuration) error
	StartProgramPulse(cond ds2480b.PowerCondition) error
	StartBreak() error
	SetPowerNormal() error

	SetSpeed(s ds2480b.Speed) error
	Speed() ds2480b.Speed

	FindFirstDevice() (bool, error)
	FindNextDevice() (bool, error)
	Address() onewire.Address
	SetSearchOnlyAlarmingDevices()
	SetNoResetSearch()
	SetSearchAllDevices()
	TargetAllFamilies()
	TargetFamily(families ...byte)
	ExcludeFamily(families ...byte)

	Capabilities() ds2480b.Capabilities
	CanProgram() (bool, error)
}

// Opts contains options to pass to NewHost.
type Opts struct {
	// Secret is the shared secret clients must prove they know.
	Secret string
	// Timeout closes a connection that stays silent this long. Clients keep
	// idle connections alive with CmdPingConnection.
	Timeout time.Duration
	// Logger receives connection events. Nil disables logging.
	Logger *slog.Logger
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Secret:  DefaultSecret,
	Timeout: 10 * time.Second,
}

// ErrHostClosed is returned by Serve and ServeConn once Close was called.
var ErrHostClosed = errors.New("netadapter: host closed")

// NewHost returns a Host sharing a.
func NewHost(a Adapter, opts *Opts) *Host {
	if opts == nil {
		opts = &DefaultOpts
	}
	h := &Host{
		a:     a,
		opts:  *opts,
		conns: xsync.NewMapOf[uint64, net.Conn](),
		excl:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	if h.opts.Timeout <= 0 {
		h.opts.Timeout = DefaultOpts.Timeout
	}
	h.log = h.opts.Logger
	if h.log == nil {
		h.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return h
}

// Host serves one Adapter to any number of remote clients. Commands of
// different clients are interleaved; clients needing an uninterrupted
// sequence use CmdBeginExclusive.
type Host struct {
	a    Adapter
	opts Opts
	log  *slog.Logger

	mu     sync.Mutex // guards closed, lns and wg.Add
	closed bool
	lns    []net.Listener
	wg     sync.WaitGroup

	conns  *xsync.MapOf[uint64, net.Conn] // live connections by id
	nextID atomic.Uint64

	excl  chan struct{} // holds a token while a connection has exclusive use
	owner atomic.Uint64 // id of that connection, 0 for none

	done chan struct{} // closed by Close
}

// Serve accepts connections on ln until Close is called, serving each in its
// own goroutine. It returns ErrHostClosed after Close.
func (h *Host) Serve(ln net.Listener) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ln.Close()
		return ErrHostClosed
	}
	h.lns = append(h.lns, ln)
	h.mu.Unlock()
	h.log.Info("netadapter: listening", "addr", ln.Addr())

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-h.done:
				return ErrHostClosed
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("netadapter: %w", err)
		}
		go func() {
			if err := h.ServeConn(c); err != nil && !errors.Is(err, ErrHostClosed) {
				h.log.Warn("netadapter: connection ended", "remote", c.RemoteAddr(), "err", err)
			}
		}()
	}
}

// ServeConn runs the handshake then serves commands on c until the client
// closes the connection, an I/O error occurs or Close is called. c is closed
// on return.
func (h *Host) ServeConn(c net.Conn) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = c.Close()
		return ErrHostClosed
	}
	h.wg.Add(1)
	id := h.nextID.Add(1)
	h.conns.Store(id, c)
	h.mu.Unlock()

	s := &session{h: h, id: id, c: c, r: reader{bufio.NewReader(c)}, w: bufio.NewWriter(c)}
	log := h.log.With("id", id, "remote", c.RemoteAddr())
	defer func() {
		h.endExclusive(id)
		h.conns.Delete(id)
		_ = c.Close()
		h.wg.Done()
		log.Info("netadapter: client disconnected")
	}()

	if err := s.handshake(); err != nil {
		return h.ioError(err)
	}
	log.Info("netadapter: client connected")
	for {
		if err := c.SetReadDeadline(time.Now().Add(h.opts.Timeout)); err != nil {
			return h.ioError(err)
		}
		cmd, err := s.r.byte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return h.ioError(err)
		}
		log.Debug("netadapter: command", "cmd", cmd)
		if cmd == CmdCloseConnection {
			return nil
		}
		if err := s.dispatch(cmd); err != nil {
			return h.ioError(err)
		}
	}
}

// Close stops the listeners, closes every connection and waits for their
// handlers to return, for at most 3 seconds.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	lns := h.lns
	h.lns = nil
	h.mu.Unlock()

	var err error
	for _, ln := range lns {
		if err2 := ln.Close(); err2 != nil && err == nil {
			err = err2
		}
	}
	h.conns.Range(func(_ uint64, c net.Conn) bool {
		_ = c.Close()
		return true
	})
	stopped := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(closeTimeout):
		h.log.Warn("netadapter: connection handlers did not stop")
	}
	return err
}

// Connections returns the number of live connections.
func (h *Host) Connections() int {
	return h.conns.Size()
}

//

// session is one authenticated client connection.
type session struct {
	h  *Host
	id uint64
	c  net.Conn
	r  reader
	w  *bufio.Writer
}

func (s *session) handshake() error {
	if err := s.c.SetReadDeadline(time.Now().Add(s.h.opts.Timeout)); err != nil {
		return err
	}
	if err := s.send(appendInt(nil, Version)); err != nil {
		return err
	}
	ret, err := s.r.byte()
	if err != nil {
		return err
	}
	if ret != RetSuccess {
		return errVersion
	}

	var chlg [8]byte
	if _, err := rand.Read(chlg[:]); err != nil {
		return err
	}
	if err := s.send(chlg[:]); err != nil {
		return err
	}
	crc := common.CRC16([]byte(s.h.opts.Secret), 0)
	crc = common.CRC16(chlg[:], crc)
	answer, err := s.r.int()
	if err != nil {
		return err
	}
	if answer != int32(crc) {
		if err := s.send(appendUTF([]byte{RetFailure}, "Client Authentication Failed")); err != nil {
			return err
		}
		return errAuth
	}
	return s.send([]byte{RetSuccess})
}

// dispatch reads the arguments of cmd, runs it and sends the reply. Adapter
// failures are reported to the client; only I/O errors are returned.
func (s *session) dispatch(cmd byte) error {
	a := s.h.a
	var out []byte
	var err error
	switch cmd {
	case CmdPingConnection:

	case CmdReset:
		var r ds2480b.ResetResult
		r, err = a.Reset()
		out = appendInt(out, int32(r))
	case CmdPutBit:
		v, ioErr := s.r.bool()
		if ioErr != nil {
			return ioErr
		}
		err = a.PutBit(v)
	case CmdPutByte:
		v, ioErr := s.r.byte()
		if ioErr != nil {
			return ioErr
		}
		err = a.PutByte(v)
	case CmdGetBit:
		var v bool
		v, err = a.GetBit()
		out = appendBool(out, v)
	case CmdGetByte:
		var v byte
		v, err = a.GetByte()
		out = append(out, v)
	case CmdGetBlock:
		n, ioErr := s.r.int()
		if ioErr != nil {
			return ioErr
		}
		if n < 0 || n > maxBlock {
			err = errBlockSize
			break
		}
		var b []byte
		b, err = a.GetBlock(int(n))
		out = append(out, b...)
	case CmdDataBlock:
		b, ioErr := s.r.block()
		if ioErr != nil {
			return ioErr
		}
		err = a.DataBlock(b)
		out = append(out, b...)

	case CmdSetPowerDuration:
		v, ioErr := s.r.int()
		if ioErr != nil {
			return ioErr
		}
		err = a.SetPowerDuration(ds2480b.PowerDuration(v))
	case CmdStartPowerDelivery:
		v, ioErr := s.r.int()
		if ioErr != nil {
			return ioErr
		}
		err = a.StartPowerDelivery(ds2480b.PowerCondition(v))
		out = appendBool(out, true)
	case CmdSetProgramPulseDuration:
		v, ioErr := s.r.int()
		if ioErr != nil {
			return ioErr
		}
		err = a.SetProgramPulseDuration(ds2480b.PowerDuration(v))
	case CmdStartProgramPulse:
		v, ioErr := s.r.int()
		if ioErr != nil {
			return ioErr
		}
		err = a.StartProgramPulse(ds2480b.PowerCondition(v))
		out = appendBool(out, true)
	case CmdStartBreak:
		err = a.StartBreak()
	case CmdSetPowerNormal:
		err = a.SetPowerNormal()

	case CmdSetSpeed:
		v, ioErr := s.r.int()
		if ioErr != nil {
			return ioErr
		}
		err = a.SetSpeed(ds2480b.Speed(v))
	case CmdGetSpeed:
		out = appendInt(out, int32(a.Speed()))

	case CmdBeginExclusive:
		blocking, ioErr := s.r.bool()
		if ioErr != nil {
			return ioErr
		}
		var ok bool
		ok, err = s.h.beginExclusive(s.id, blocking)
		out = appendBool(out, ok)
	case CmdEndExclusive:
		s.h.endExclusive(s.id)

	case CmdFindFirstDevice:
		var ok bool
		ok, err = a.FindFirstDevice()
		out = appendBool(out, ok)
	case CmdFindNextDevice:
		var ok bool
		ok, err = a.FindNextDevice()
		out = appendBool(out, ok)
	case CmdGetAddress:
		out = binary.LittleEndian.AppendUint64(out, uint64(a.Address()))
	case CmdSetSearchOnlyAlarmingDevices:
		a.SetSearchOnlyAlarmingDevices()
	case CmdSetNoResetSearch:
		a.SetNoResetSearch()
	case CmdSetSearchAllDevices:
		a.SetSearchAllDevices()
	case CmdTargetAllFamilies:
		a.TargetAllFamilies()
	case CmdTargetFamily:
		b, ioErr := s.r.block()
		if ioErr != nil {
			return ioErr
		}
		a.TargetFamily(b...)
	case CmdExcludeFamily:
		b, ioErr := s.r.block()
		if ioErr != nil {
			return ioErr
		}
		a.ExcludeFamily(b...)

	case CmdCanOverdrive:
		out = appendBool(out, a.Capabilities().Overdrive)
	case CmdCanHyperdrive:
		out = appendBool(out, a.Capabilities().Hyperdrive)
	case CmdCanFlex:
		out = appendBool(out, a.Capabilities().Flex)
	case CmdCanProgram:
		var ok bool
		ok, err = a.CanProgram()
		out = appendBool(out, ok)
	case CmdCanDeliverPower:
		out = appendBool(out, a.Capabilities().DeliverPower)
	case CmdCanDeliverSmartPower:
		out = appendBool(out, a.Capabilities().DeliverSmartPower)
	case CmdCanBreak:
		out = appendBool(out, a.Capabilities().Break)

	default:
		err = fmt.Errorf("netadapter: unknown command %#02x", cmd)
	}
	if err != nil {
		s.h.log.Debug("netadapter: command failed", "id", s.id, "cmd", cmd, "err", err)
		return s.send(appendUTF([]byte{RetFailure}, err.Error()))
	}
	return s.send(append([]byte{RetSuccess}, out...))
}

func (s *session) send(b []byte) error {
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	return s.w.Flush()
}

// beginExclusive gives connection id exclusive use of the adapter. When
// blocking is false it returns false instead of waiting for another
// connection to release it.
func (h *Host) beginExclusive(id uint64, blocking bool) (bool, error) {
	if h.owner.Load() == id {
		return true, nil
	}
	if blocking {
		select {
		case h.excl <- struct{}{}:
		case <-h.done:
			return false, ErrHostClosed
		}
	} else {
		select {
		case h.excl <- struct{}{}:
		default:
			return false, nil
		}
	}
	h.owner.Store(id)
	return true, nil
}

func (h *Host) endExclusive(id uint64) {
	if h.owner.CompareAndSwap(id, 0) {
		<-h.excl
	}
}

// ioError maps the errors caused by Close to ErrHostClosed.
func (h *Host) ioError(err error) error {
	select {
	case <-h.done:
		return ErrHostClosed
	default:
		return fmt.Errorf("netadapter: %w", err)
	}
}

var (
	errVersion   = errors.New("client rejected protocol version")
	errAuth      = errors.New("client authentication failed")
	errBlockSize = errors.New("netadapter: invalid block size")
)

var _ Adapter = &ds2480b.Dev{}

const closeTimeout = 3 * time.Second
