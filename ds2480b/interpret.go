// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2480b

// InterpretReset decodes the reply to a Reset.
//
// A well formed reply also refreshes the chip revision and programming voltage
// flags of the link state, and drives the long alarm recovery counter.
func (b *PacketBuilder) InterpretReset(r byte) ResetResult {
	if r&resetResponseMask != resetResponse {
		return ResetNoPresence
	}
	b.ls.ChipRevision = (r & resetRevisionMask) >> 2
	b.ls.ProgramVoltageAvailable = r&resetProgramVoltage != 0

	switch r & resetResultMask {
	case resetShort:
		return ResetShort
	case resetPresence:
		if b.ls.LongAlarmCheck {
			b.ls.AlarmRetryCount++
			if b.ls.AlarmRetryCount > maxAlarmCount {
				b.ls.LongAlarmCheck = false
			}
		}
		return ResetPresence
	case resetAlarm:
		b.ls.LongAlarmCheck = true
		b.ls.AlarmRetryCount = 0
		return ResetAlarm
	default:
		return ResetNoPresence
	}
}

// InterpretBit decodes the reply to a DataBit.
func (b *PacketBuilder) InterpretBit(r byte) bool {
	return r&bitResponseMask == bitResponseMask
}

// InterpretDataBytes decodes the reply to a DataBytes call of len(out) bytes
// that returned offset, into out.
func (b *PacketBuilder) InterpretDataBytes(reply []byte, offset int, out []byte) {
	if !b.ls.BitsOnly {
		copy(out, reply[offset:offset+len(out)])
		return
	}
	for i := range out {
		out[i] = b.InterpretPrimedByte(reply, offset+8*i)
	}
}

// InterpretPrimedByte decodes eight consecutive bit replies starting at
// offset, least significant bit first.
func (b *PacketBuilder) InterpretPrimedByte(reply []byte, offset int) byte {
	var v byte
	for i := 0; i < 8; i++ {
		if b.InterpretBit(reply[offset+i]) {
			v |= 1 << uint(i)
		}
	}
	return v
}

const (
	resetResponseMask   = 0xC0
	resetResponse       = 0xC0
	resetProgramVoltage = 0x20
	resetRevisionMask   = 0x1C
	resetResultMask     = 0x03

	resetShort    = 0x00
	resetPresence = 0x01
	resetAlarm    = 0x02

	bitResponseMask = 0x03
)
