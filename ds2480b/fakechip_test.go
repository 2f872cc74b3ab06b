// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2480b

import (
	"encoding/binary"
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
)

// fakeChip emulates a DS2480B and the devices on its 1-wire bus, byte for
// byte. It implements conn.Conn plus the optional port methods used by Dev.
type fakeChip struct {
	bus fakeBus

	synced   bool // timing byte received
	dataMode bool
	escape   bool // 0xE3 received in data mode
	accel    bool // search accelerator on
	accelBuf []byte
	revision byte
	params   map[byte]byte
	pulse    bool // strong pull-up or program pulse active
	resets   []byte

	baud   int
	bauds  []int
	breaks int
	lines  []bool
	out    []byte
	writes [][]byte
}

func newFakeChip(devices ...fakeDevice) *fakeChip {
	c := &fakeChip{bus: fakeBus{devices: devices}, revision: 3, baud: 9600}
	c.powerUp()
	return c
}

func (c *fakeChip) String() string      { return "fake" }
func (c *fakeChip) Duplex() conn.Duplex { return conn.Full }

func (c *fakeChip) Tx(w, r []byte) error {
	c.writes = append(c.writes, append([]byte(nil), w...))
	for _, b := range w {
		c.feed(b)
	}
	if len(c.out) < len(r) {
		return fmt.Errorf("fake: short read %d < %d", len(c.out), len(r))
	}
	copy(r, c.out)
	c.out = c.out[len(r):]
	return nil
}

func (c *fakeChip) Flush() error {
	c.out = nil
	return nil
}

func (c *fakeChip) SetBaud(b int) error {
	c.baud = b
	c.bauds = append(c.bauds, b)
	return nil
}

func (c *fakeChip) Break(time.Duration) error {
	c.breaks++
	c.powerUp()
	return nil
}

func (c *fakeChip) SetDTR(v bool) error {
	c.lines = append(c.lines, v)
	if !v {
		c.powerUp()
	}
	return nil
}

func (c *fakeChip) SetRTS(v bool) error {
	return nil
}

func (c *fakeChip) powerUp() {
	c.synced = false
	c.dataMode = false
	c.escape = false
	c.accel = false
	c.accelBuf = nil
	c.params = map[byte]byte{}
	c.pulse = false
}

func (c *fakeChip) feed(b byte) {
	if !c.synced {
		c.synced = true
		return
	}
	if !c.dataMode {
		c.command(b)
		return
	}
	if c.escape {
		c.escape = false
		if b != modeCommand {
			c.dataMode = false
			c.command(b)
			return
		}
	} else if b == modeCommand {
		c.escape = true
		return
	}
	c.data(b)
}

func (c *fakeChip) command(b byte) {
	switch {
	case b == modeData:
		c.dataMode = true
	case b == modeCommand:
	case b&0x80 == 0:
		if b&0x70 == 0 {
			c.reply(c.params[(b&0x0E)<<3])
		} else {
			c.params[b&0x70] = b & 0x0E
			c.reply(b &^ configMask)
		}
	case b == modeStopPulse:
		c.pulse = false
		c.reply(b & 0xFC)
	case b == func5VPulseNow:
		c.pulse = true
	case b == func12VPulseNow:
		c.reply(b & 0xFC)
	case b&0x60 == 0x00:
		r := b & 0xFC
		if c.bus.slot(b&bitOne != 0) {
			r |= 0x03
		}
		if b&prime5V != 0 {
			c.pulse = true
		}
		c.reply(r)
	case b&0x60 == 0x20:
		c.accel = b&0x10 != 0
	case b&0x60 == 0x40:
		r := byte(0xC0) | c.revision<<2
		switch {
		case len(c.resets) != 0:
			r |= c.resets[0]
			c.resets = c.resets[1:]
			c.bus.reset()
		case c.bus.reset():
			r |= resetPresence
		default:
			r |= 0x03
		}
		c.reply(r)
	}
}

func (c *fakeChip) data(b byte) {
	if c.accel {
		c.accelBuf = append(c.accelBuf, b)
		if len(c.accelBuf) == searchLen {
			c.out = append(c.out, c.bus.accelerate(c.accelBuf)...)
			c.accelBuf = nil
		}
		return
	}
	var r byte
	for i := 0; i < 8; i++ {
		if c.bus.slot(b&(1<<uint(i)) != 0) {
			r |= 1 << uint(i)
		}
	}
	c.reply(r)
}

func (c *fakeChip) reply(b byte) {
	c.out = append(c.out, b)
}

// fakeDevice is a 1-wire slave as seen during ROM commands.
type fakeDevice struct {
	rom   [8]byte
	alarm bool
}

func newFakeDevice(family byte, serial uint64) fakeDevice {
	var d fakeDevice
	binary.LittleEndian.PutUint64(d.rom[:], serial<<8)
	d.rom[0] = family
	d.rom[7] = onewire.CalcCRC(d.rom[:7])
	return d
}

func (d fakeDevice) addr() onewire.Address {
	return onewire.Address(binary.LittleEndian.Uint64(d.rom[:]))
}

const (
	busIdle = iota
	busCommand
	busReadROM
	busSearch
	busMatch
)

// fakeBus is a wired-AND bus of fakeDevices driven one time slot at a time.
type fakeBus struct {
	devices []fakeDevice
	active  []bool
	state   int
	cmd     byte
	n       int
	phase   int
}

func (b *fakeBus) reset() bool {
	b.state = busCommand
	b.cmd = 0
	b.n = 0
	b.phase = 0
	b.active = make([]bool, len(b.devices))
	for i := range b.active {
		b.active[i] = true
	}
	return len(b.devices) != 0
}

// romBit returns the wired-AND of bit i of the active devices, or of its
// complement.
func (b *fakeBus) romBit(i int, complement bool) bool {
	v := true
	for j, d := range b.devices {
		if b.active[j] && getBit(d.rom[:], i) == complement {
			v = false
		}
	}
	return v
}

func (b *fakeBus) deselect(i int, v bool) {
	for j, d := range b.devices {
		if getBit(d.rom[:], i) != v {
			b.active[j] = false
		}
	}
}

// slot runs one time slot where the master writes v, and returns the line
// level sampled.
func (b *fakeBus) slot(v bool) bool {
	switch b.state {
	case busCommand:
		if v {
			b.cmd |= 1 << uint(b.n)
		}
		b.n++
		if b.n == 8 {
			b.n = 0
			b.start()
		}
		return v
	case busReadROM:
		r := v && b.romBit(b.n, false)
		if b.n++; b.n == 64 {
			b.state = busIdle
		}
		return r
	case busSearch:
		r := v
		switch b.phase {
		case 0:
			r = v && b.romBit(b.n, false)
		case 1:
			r = v && b.romBit(b.n, true)
		case 2:
			b.deselect(b.n, v)
			b.n++
		}
		b.phase = (b.phase + 1) % 3
		if b.n == 64 {
			b.state = busIdle
		}
		return r
	case busMatch:
		b.deselect(b.n, v)
		if b.n++; b.n == 64 {
			b.state = busIdle
		}
		return v
	}
	return v
}

func (b *fakeBus) start() {
	switch b.cmd {
	case 0x33:
		b.state = busReadROM
	case romSearch:
		b.state = busSearch
	case romAlarmSearch:
		b.state = busSearch
		for j, d := range b.devices {
			if !d.alarm {
				b.active[j] = false
			}
		}
	case 0x55:
		b.state = busMatch
	default:
		b.state = busIdle
	}
}

// accelerate runs the 64 search triplets the chip performs in search
// accelerator mode for one 16 byte payload.
func (b *fakeBus) accelerate(in []byte) []byte {
	out := make([]byte, searchLen)
	for i := 0; i < 64; i++ {
		id := b.slot(true)
		cmp := b.slot(true)
		var conflict, dir bool
		switch {
		case !id && !cmp:
			conflict = true
			dir = getBit(in, 2*i+1)
		case id && cmp:
			conflict = true
			dir = true
		default:
			dir = id
		}
		b.slot(dir)
		setBit(out, 2*i, conflict)
		setBit(out, 2*i+1, dir)
	}
	return out
}
