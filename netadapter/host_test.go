// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package netadapter

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/GermanBionicSystems/owserial/common"
	"github.com/GermanBionicSystems/owserial/ds2480b"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/onewire"
)

func TestHandshake(t *testing.T) {
	h := NewHost(&fakeAdapter{}, nil)
	defer h.Close()

	c, errc := connect(t, h, DefaultSecret)
	require.Equal(t, 1, h.Connections())
	c.send(CmdPingConnection)
	c.ok()
	c.send(CmdCloseConnection)
	require.NoError(t, <-errc)
	require.Equal(t, 0, h.Connections())
}

func TestHandshake_badSecret(t *testing.T) {
	h := NewHost(&fakeAdapter{}, &Opts{Secret: "right"})
	defer h.Close()

	a, b := net.Pipe()
	defer a.Close()
	errc := make(chan error, 1)
	go func() { errc <- h.ServeConn(b) }()

	c := &client{t: t, c: a, r: bufio.NewReader(a)}
	require.Equal(t, int32(Version), c.int())
	c.send(RetSuccess)
	chlg := c.bytes(8)
	crc := common.CRC16(chlg, common.CRC16([]byte("wrong"), 0))
	c.send(appendInt(nil, int32(crc))...)
	require.Equal(t, RetFailure, c.byte())
	require.Equal(t, "Client Authentication Failed", c.utf())
	require.ErrorIs(t, <-errc, errAuth)
}

func TestHandshake_versionRejected(t *testing.T) {
	h := NewHost(&fakeAdapter{}, nil)
	defer h.Close()

	a, b := net.Pipe()
	defer a.Close()
	errc := make(chan error, 1)
	go func() { errc <- h.ServeConn(b) }()

	c := &client{t: t, c: a, r: bufio.NewReader(a)}
	c.int()
	c.send(RetFailure)
	require.ErrorIs(t, <-errc, errVersion)
}

func TestCommands(t *testing.T) {
	f := &fakeAdapter{
		block: []byte{0x28, 0x42, 0x00},
		addr:  0x1d00000000004228,
	}
	h := NewHost(f, nil)
	defer h.Close()
	c, errc := connect(t, h, DefaultSecret)

	c.send(CmdReset)
	c.ok()
	assert.Equal(t, int32(ds2480b.ResetPresence), c.int())

	c.send(CmdPutBit, 1)
	c.ok()
	c.send(CmdPutByte, 0xCC)
	c.ok()
	c.send(CmdGetBit)
	c.ok()
	assert.Equal(t, byte(1), c.byte())
	c.send(CmdGetByte)
	c.ok()
	assert.Equal(t, byte(0x5A), c.byte())

	c.send(append([]byte{CmdGetBlock}, appendInt(nil, 3)...)...)
	c.ok()
	assert.Equal(t, []byte{0x28, 0x42, 0x00}, c.bytes(3))

	c.send(append(append([]byte{CmdDataBlock}, appendInt(nil, 2)...), 0x0F, 0xF0)...)
	c.ok()
	assert.Equal(t, []byte{0xF0, 0x0F}, c.bytes(2))

	c.send(append([]byte{CmdSetSpeed}, appendInt(nil, int32(ds2480b.SpeedOverdrive))...)...)
	c.ok()
	c.send(CmdGetSpeed)
	c.ok()
	assert.Equal(t, int32(ds2480b.SpeedOverdrive), c.int())

	c.send(append([]byte{CmdStartPowerDelivery}, appendInt(nil, int32(ds2480b.ConditionAfterByte))...)...)
	c.ok()
	assert.Equal(t, byte(1), c.byte())
	c.send(CmdSetPowerNormal)
	c.ok()

	c.send(append(append([]byte{CmdTargetFamily}, appendInt(nil, 2)...), 0x28, 0x10)...)
	c.ok()
	c.send(append(append([]byte{CmdExcludeFamily}, appendInt(nil, 1)...), 0x26)...)
	c.ok()
	c.send(CmdFindFirstDevice)
	c.ok()
	assert.Equal(t, byte(1), c.byte())
	c.send(CmdGetAddress)
	c.ok()
	assert.Equal(t, []byte{0x28, 0x42, 0, 0, 0, 0, 0, 0x1d}, c.bytes(8))
	c.send(CmdFindNextDevice)
	c.ok()
	assert.Equal(t, byte(0), c.byte())

	c.send(CmdCanOverdrive)
	c.ok()
	assert.Equal(t, byte(1), c.byte())
	c.send(CmdCanHyperdrive)
	c.ok()
	assert.Equal(t, byte(0), c.byte())
	c.send(CmdCanBreak)
	c.ok()
	assert.Equal(t, byte(1), c.byte())

	c.send(CmdCloseConnection)
	require.NoError(t, <-errc)

	want := []string{
		"Reset", "PutBit true", "PutByte 0xcc", "GetBit", "GetByte",
		"GetBlock 3", "DataBlock", "SetSpeed Overdrive", "Speed",
		"StartPowerDelivery 2", "SetPowerNormal",
		"TargetFamily [40 16]", "ExcludeFamily [38]",
		"FindFirstDevice", "Address", "FindNextDevice",
	}
	assert.Equal(t, want, f.calls)
}

func TestCommands_failure(t *testing.T) {
	f := &fakeAdapter{err: errors.New("ds2480b: no device present")}
	h := NewHost(f, nil)
	defer h.Close()
	c, errc := connect(t, h, DefaultSecret)

	c.send(CmdReset)
	require.Equal(t, RetFailure, c.byte())
	require.Equal(t, "ds2480b: no device present", c.utf())

	c.send(0x7E)
	require.Equal(t, RetFailure, c.byte())
	require.Contains(t, c.utf(), "unknown command")

	c.send(append([]byte{CmdGetBlock}, appendInt(nil, -1)...)...)
	require.Equal(t, RetFailure, c.byte())
	require.Contains(t, c.utf(), "block size")

	// The connection survives failures.
	c.send(CmdPingConnection)
	c.ok()
	c.send(CmdCloseConnection)
	require.NoError(t, <-errc)
}

func TestExclusive(t *testing.T) {
	h := NewHost(&fakeAdapter{}, nil)
	defer h.Close()
	c1, errc1 := connect(t, h, DefaultSecret)
	c2, errc2 := connect(t, h, DefaultSecret)

	begin := func(c *client, blocking bool) bool {
		b := byte(0)
		if blocking {
			b = 1
		}
		c.send(CmdBeginExclusive, b)
		c.ok()
		return c.byte() == 1
	}
	require.True(t, begin(c1, false))
	require.True(t, begin(c1, false))
	require.False(t, begin(c2, false))

	// A blocking request waits for the owner to release the adapter.
	got := make(chan bool)
	go func() { got <- begin(c2, true) }()
	select {
	case <-got:
		t.Fatal("exclusive use granted twice")
	case <-time.After(50 * time.Millisecond):
	}
	c1.send(CmdEndExclusive)
	c1.ok()
	require.True(t, <-got)

	// Disconnecting releases exclusive use.
	c2.send(CmdCloseConnection)
	require.NoError(t, <-errc2)
	require.True(t, begin(c1, false))
	c1.send(CmdCloseConnection)
	require.NoError(t, <-errc1)
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h := NewHost(&fakeAdapter{}, nil)
	served := make(chan error, 1)
	go func() { served <- h.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	c := &client{t: t, c: conn, r: bufio.NewReader(conn)}
	c.handshake(DefaultSecret)
	c.send(CmdPingConnection)
	c.ok()

	require.NoError(t, h.Close())
	require.ErrorIs(t, <-served, ErrHostClosed)
	_, err = c.r.ReadByte()
	require.Error(t, err)
	require.Equal(t, 0, h.Connections())

	a, b := net.Pipe()
	defer a.Close()
	require.ErrorIs(t, h.ServeConn(b), ErrHostClosed)
}

func TestTimeout(t *testing.T) {
	h := NewHost(&fakeAdapter{}, &Opts{Secret: DefaultSecret, Timeout: 100 * time.Millisecond})
	defer h.Close()
	_, errc := connect(t, h, DefaultSecret)
	select {
	case err := <-errc:
		var ne net.Error
		require.True(t, errors.As(err, &ne) && ne.Timeout(), "%v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("idle connection not closed")
	}
}

//

// connect serves one end of a pipe with h and completes the handshake on the
// other.
func connect(t *testing.T, h *Host, secret string) (*client, <-chan error) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close() })
	errc := make(chan error, 1)
	go func() { errc <- h.ServeConn(b) }()
	c := &client{t: t, c: a, r: bufio.NewReader(a)}
	c.handshake(secret)
	return c, errc
}

type client struct {
	t *testing.T
	c net.Conn
	r *bufio.Reader
}

func (c *client) handshake(secret string) {
	require.Equal(c.t, int32(Version), c.int())
	c.send(RetSuccess)
	chlg := c.bytes(8)
	crc := common.CRC16(chlg, common.CRC16([]byte(secret), 0))
	c.send(appendInt(nil, int32(crc))...)
	c.ok()
}

func (c *client) send(b ...byte) {
	_, err := c.c.Write(b)
	require.NoError(c.t, err)
}

func (c *client) bytes(n int) []byte {
	b := make([]byte, n)
	_, err := io.ReadFull(c.r, b)
	require.NoError(c.t, err)
	return b
}

func (c *client) byte() byte {
	return c.bytes(1)[0]
}

func (c *client) int() int32 {
	return int32(binary.BigEndian.Uint32(c.bytes(4)))
}

func (c *client) utf() string {
	n := binary.BigEndian.Uint16(c.bytes(2))
	return string(c.bytes(int(n)))
}

func (c *client) ok() {
	require.Equal(c.t, RetSuccess, c.byte())
}

// fakeAdapter records the calls it gets. Every call fails with err when set.
type fakeAdapter struct {
	mu    sync.Mutex
	calls []string
	err   error
	speed ds2480b.Speed
	block []byte
	addr  onewire.Address
}

func (f *fakeAdapter) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeAdapter) Reset() (ds2480b.ResetResult, error) {
	f.record("Reset")
	if f.err != nil {
		return ds2480b.ResetNoPresence, f.err
	}
	return ds2480b.ResetPresence, nil
}

func (f *fakeAdapter) PutBit(v bool) error {
	f.record(fmt.Sprintf("PutBit %t", v))
	return f.err
}

func (f *fakeAdapter) PutByte(v byte) error {
	f.record(fmt.Sprintf("PutByte %#x", v))
	return f.err
}

func (f *fakeAdapter) GetBit() (bool, error) {
	f.record("GetBit")
	return true, f.err
}

func (f *fakeAdapter) GetByte() (byte, error) {
	f.record("GetByte")
	return 0x5A, f.err
}

func (f *fakeAdapter) GetBlock(n int) ([]byte, error) {
	f.record(fmt.Sprintf("GetBlock %d", n))
	return f.block[:n], f.err
}

func (f *fakeAdapter) DataBlock(buf []byte) error {
	f.record("DataBlock")
	for i := range buf {
		buf[i] = buf[i]<<4 | buf[i]>>4
	}
	return f.err
}

func (f *fakeAdapter) SetPowerDuration(ds2480b.PowerDuration) error {
	f.record("SetPowerDuration")
	return f.err
}

func (f *fakeAdapter) StartPowerDelivery(cond ds2480b.PowerCondition) error {
	f.record(fmt.Sprintf("StartPowerDelivery %d", cond))
	return f.err
}

func (f *fakeAdapter) SetProgramPulseDuration(ds2480b.PowerDuration) error {
	f.record("SetProgramPulseDuration")
	return f.err
}

func (f *fakeAdapter) StartProgramPulse(ds2480b.PowerCondition) error {
	f.record("StartProgramPulse")
	return f.err
}

func (f *fakeAdapter) StartBreak() error {
	f.record("StartBreak")
	return f.err
}

func (f *fakeAdapter) SetPowerNormal() error {
	f.record("SetPowerNormal")
	return f.err
}

func (f *fakeAdapter) SetSpeed(s ds2480b.Speed) error {
	f.record("SetSpeed " + s.String())
	f.speed = s
	return f.err
}

func (f *fakeAdapter) Speed() ds2480b.Speed {
	f.record("Speed")
	return f.speed
}

func (f *fakeAdapter) FindFirstDevice() (bool, error) {
	f.record("FindFirstDevice")
	return true, f.err
}

func (f *fakeAdapter) FindNextDevice() (bool, error) {
	f.record("FindNextDevice")
	return false, f.err
}

func (f *fakeAdapter) Address() onewire.Address {
	f.record("Address")
	return f.addr
}

func (f *fakeAdapter) SetSearchOnlyAlarmingDevices() { f.record("SetSearchOnlyAlarmingDevices") }
func (f *fakeAdapter) SetNoResetSearch()             { f.record("SetNoResetSearch") }
func (f *fakeAdapter) SetSearchAllDevices()          { f.record("SetSearchAllDevices") }
func (f *fakeAdapter) TargetAllFamilies()            { f.record("TargetAllFamilies") }

func (f *fakeAdapter) TargetFamily(families ...byte) {
	f.record(fmt.Sprint("TargetFamily ", families))
}

func (f *fakeAdapter) ExcludeFamily(families ...byte) {
	f.record(fmt.Sprint("ExcludeFamily ", families))
}

func (f *fakeAdapter) Capabilities() ds2480b.Capabilities {
	return ds2480b.Capabilities{Overdrive: true, Flex: true, DeliverPower: true, Break: true}
}

func (f *fakeAdapter) CanProgram() (bool, error) {
	f.record("CanProgram")
	return false, f.err
}
