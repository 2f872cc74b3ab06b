// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2480b

import "periph.io/x/conn/v3/onewire"

// searchLen is the size of the search accelerator payload: one
// discrepancy/direction bit pair per ROM bit.
const searchLen = 16

// Search encodes one pass of the ROM search using the chip's search
// accelerator. The ROM search command byte must already have been encoded
// with DataByte.
//
// The path taken follows ns: the bits of ns.CurrentID are retraced up to the
// last discrepancy, the 1 branch is taken there, and the 0 branch is
// preferred beyond. On a fresh search every direction bit is left at 0.
//
// It returns the offset of the 16 byte reply, to be passed to
// InterpretSearch.
func (b *PacketBuilder) Search(ns *NetworkState) int {
	b.commandMode()
	b.appendCmd(funcSearchOn | b.ls.SpeedMode.bits())
	b.dataMode()

	var seq [searchLen]byte
	if ld := ns.LastDiscrepancy; ld != NoDiscrepancy {
		for i := 0; i < 64; i++ {
			switch {
			case i < ld-1:
				setBit(seq[:], 2*i+1, getBit(ns.CurrentID[:], i))
			case i == ld-1:
				setBit(seq[:], 2*i+1, true)
			}
		}
	}

	off := b.totalReply
	for _, c := range seq {
		b.appendData(c)
	}
	b.q.current.ReplyLen += searchLen
	b.totalReply += searchLen

	b.commandMode()
	b.appendCmd(funcSearchOff | b.ls.SpeedMode.bits())

	if b.longAlarmSettle() {
		b.flush()
	}
	return off
}

// InterpretSearch decodes the search accelerator reply at offset in reply and
// updates ns.
//
// It returns false, leaving the search cursor untouched, when the reply does
// not describe a device: bad CRC, a discrepancy reported on the last usable
// bit, or a zero family code.
func (b *PacketBuilder) InterpretSearch(ns *NetworkState, reply []byte, offset int) bool {
	if offset < 0 || offset+searchLen > len(reply) {
		return false
	}
	r := reply[offset : offset+searchLen]

	var id [8]byte
	lastZero := NoDiscrepancy
	familyLast := 0
	for i := 0; i < 64; i++ {
		dir := getBit(r, 2*i+1)
		setBit(id[:], i, dir)
		if getBit(r, 2*i) && !dir {
			lastZero = i + 1
			if i < 8 {
				familyLast = i + 1
			}
		}
	}

	if !onewire.CheckCRC(id[:]) || lastZero == 63 || id[0] == 0 {
		return false
	}

	if lastZero == ns.LastDiscrepancy || lastZero == NoDiscrepancy {
		ns.LastDeviceFlag = true
	}
	ns.LastDiscrepancy = lastZero
	ns.FamilyLastDiscrepancy = familyLast
	ns.CurrentID = id
	return true
}

// getBit returns bit n of buf, counting from the least significant bit of
// buf[0].
func getBit(buf []byte, n int) bool {
	return buf[n/8]&(1<<uint(n%8)) != 0
}

func setBit(buf []byte, n int, v bool) {
	if v {
		buf[n/8] |= 1 << uint(n%8)
	} else {
		buf[n/8] &^= 1 << uint(n%8)
	}
}
