// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2480b

// PacketBuilder encodes 1-wire operations into the byte stream understood by
// the chip.
//
// Every encoding method returns the offset of its first reply byte in the
// logical reply stream, which is the concatenation of the replies to all the
// packets returned by Finalize. The interpreter methods take these offsets
// back to decode the results.
//
// A PacketBuilder is not safe for concurrent use.
type PacketBuilder struct {
	ls *LinkState
	q  queue

	totalReply int

	// Trace, when non-nil, is called with every packet as it is sealed,
	// settle markers included.
	Trace func(p Packet)
}

// NewPacketBuilder returns a builder bound to the session state ls.
func NewPacketBuilder(ls *LinkState) *PacketBuilder {
	return &PacketBuilder{ls: ls}
}

// LinkState returns the session state the builder encodes for.
func (b *PacketBuilder) LinkState() *LinkState {
	return b.ls
}

// Restart discards every queued and in-progress packet and rewinds the reply
// offsets to zero.
func (b *PacketBuilder) Restart() {
	b.q.reset()
	b.totalReply = 0
}

// Finalize seals the in-progress packet and drains the queue, returning the
// packets in the order they must be sent. Reply offsets keep counting until
// Restart.
func (b *PacketBuilder) Finalize() []Packet {
	b.flush()
	pkts := b.q.sealed
	b.q.sealed = nil
	return pkts
}

// TotalReplyLength returns the number of reply bytes the queued operations
// produce in total.
func (b *PacketBuilder) TotalReplyLength() int {
	return b.totalReply
}

// Reset encodes a 1-wire reset.
func (b *PacketBuilder) Reset() int {
	b.commandMode()
	b.appendCmd(funcReset | b.ls.SpeedMode.bits())
	off := b.reserve()
	settle := b.longAlarmSettle()
	if !b.ls.StreamResets || settle {
		b.flush()
	}
	if settle && !b.ls.StreamResets {
		b.q.settle()
		if b.Trace != nil {
			b.Trace(Packet{})
		}
	}
	return off
}

// DataByte encodes one byte time slot.
func (b *PacketBuilder) DataByte(v byte) int {
	return b.DataBytes([]byte{v})
}

// DataBytes encodes len(v) byte time slots. It returns the offset of the first
// byte, or the current offset when v is empty.
func (b *PacketBuilder) DataBytes(v []byte) int {
	off := b.totalReply
	if len(v) == 0 {
		return off
	}
	if b.ls.BitsOnly {
		for _, c := range v {
			for i := 0; i < 8; i++ {
				b.DataBit(c&(1<<i) != 0, false)
			}
		}
		return off
	}
	b.dataMode()
	for _, c := range v {
		b.appendData(c)
		b.reserve()
		if len(b.q.current.Buf) > maxBytesStreamed || !b.ls.StreamBytes {
			b.flush()
		}
	}
	return off
}

// DataBit encodes one bit time slot. When prime is set the chip enables the
// strong pull-up as soon as the slot completes.
func (b *PacketBuilder) DataBit(v, prime bool) int {
	b.commandMode()
	c := funcBit | b.ls.SpeedMode.bits()
	if v {
		c |= bitOne
	}
	if prime {
		c |= prime5V
	}
	b.appendCmd(c)
	off := b.reserve()
	if len(b.q.current.Buf) > maxBytesStreamed || !b.ls.StreamBits {
		b.flush()
	}
	return off
}

// PrimedDataByte encodes v as eight bit time slots, least significant bit
// first, arming the strong pull-up on the last one. It returns the offset of
// the first bit.
func (b *PacketBuilder) PrimedDataByte(v byte) int {
	off := b.totalReply
	for i := 0; i < 8; i++ {
		b.DataBit(v&(1<<i) != 0, i == 7)
	}
	return off
}

// SetSpeed latches the current LinkState.SpeedMode into the chip. It produces
// no reply byte.
func (b *PacketBuilder) SetSpeed() {
	b.commandMode()
	b.appendCmd(funcSearchOff | b.ls.SpeedMode.bits())
}

// GetParameter encodes a read of chip parameter p.
func (b *PacketBuilder) GetParameter(p Parameter) int {
	b.commandMode()
	b.appendCmd(byte(p)>>3 | configMask)
	return b.reserve()
}

// SetParameter encodes a write of v to chip parameter p. The chip echoes the
// command as its reply.
func (b *PacketBuilder) SetParameter(p Parameter, v byte) int {
	b.commandMode()
	b.appendCmd(byte(p) | v&0x0E | configMask)
	return b.reserve()
}

// SendCommand encodes a raw command byte. It returns the reply offset, or -1
// when expectReply is false.
func (b *PacketBuilder) SendCommand(c byte, expectReply bool) int {
	b.commandMode()
	b.appendCmd(c)
	if !expectReply {
		return -1
	}
	return b.reserve()
}

// StopPulse encodes the command terminating a strong pull-up or programming
// pulse.
func (b *PacketBuilder) StopPulse() int {
	return b.SendCommand(modeStopPulse, true)
}

//

// commandMode switches the chip to command mode if it is not already in it.
func (b *PacketBuilder) commandMode() {
	if !b.ls.CommandMode {
		b.q.current.Buf = append(b.q.current.Buf, modeCommand)
		b.ls.CommandMode = true
	}
}

// dataMode switches the chip to data mode if it is not already in it.
func (b *PacketBuilder) dataMode() {
	if b.ls.CommandMode {
		b.q.current.Buf = append(b.q.current.Buf, modeData)
		b.ls.CommandMode = false
	}
}

func (b *PacketBuilder) appendCmd(c byte) {
	b.q.current.Buf = append(b.q.current.Buf, c)
}

// appendData appends a data mode byte, doubling it when the chip would
// otherwise read it as a mode switch.
func (b *PacketBuilder) appendData(c byte) {
	b.q.current.Buf = append(b.q.current.Buf, c)
	if c == modeCommand || (b.ls.ChipRevision == chipRevision1 && c == modeStopPulse) {
		b.q.current.Buf = append(b.q.current.Buf, c)
	}
}

// reserve accounts for one reply byte and returns its offset.
func (b *PacketBuilder) reserve() int {
	b.q.current.ReplyLen++
	off := b.totalReply
	b.totalReply++
	return off
}

func (b *PacketBuilder) flush() {
	if p, ok := b.q.seal(); ok && b.Trace != nil {
		b.Trace(p)
	}
}

// longAlarmSettle reports whether a reset or search must be followed by the
// extra delay an alarming device needs at regular and flexible speed.
func (b *PacketBuilder) longAlarmSettle() bool {
	return b.ls.LongAlarmCheck && (b.ls.SpeedMode == SpeedRegular || b.ls.SpeedMode == SpeedFlex)
}

const (
	maxBytesStreamed = 64

	modeData      = 0xE1
	modeCommand   = 0xE3
	modeStopPulse = 0xF1

	funcBit         = 0x81
	funcSearchOn    = 0xB1
	funcSearchOff   = 0xA1
	funcReset       = 0xC1
	func5VPulseNow  = 0xED
	func12VPulseNow = 0xFD

	bitOne     = 0x10
	prime5V    = 0x02
	configMask = 0x01

	chipRevision1 = 1
)

// Raw command bytes for use with SendCommand.
const (
	CmdStopPulse   byte = modeStopPulse
	Cmd5VPulseNow  byte = func5VPulseNow
	Cmd12VPulseNow byte = func12VPulseNow
)
