// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package netadapter

// Commands a client sends to the host, one byte each, followed by their
// arguments.
const (
	CmdCloseConnection              byte = 0x08
	CmdPingConnection               byte = 0x09
	CmdReset                        byte = 0x10
	CmdPutBit                       byte = 0x11
	CmdPutByte                      byte = 0x12
	CmdGetBit                       byte = 0x13
	CmdGetByte                      byte = 0x14
	CmdGetBlock                     byte = 0x15
	CmdDataBlock                    byte = 0x16
	CmdSetPowerDuration             byte = 0x17
	CmdStartPowerDelivery           byte = 0x18
	CmdSetProgramPulseDuration      byte = 0x19
	CmdStartProgramPulse            byte = 0x1A
	CmdStartBreak                   byte = 0x1B
	CmdSetPowerNormal               byte = 0x1C
	CmdSetSpeed                     byte = 0x1D
	CmdGetSpeed                     byte = 0x1E
	CmdBeginExclusive               byte = 0x1F
	CmdEndExclusive                 byte = 0x20
	CmdFindFirstDevice              byte = 0x21
	CmdFindNextDevice               byte = 0x22
	CmdGetAddress                   byte = 0x23
	CmdSetSearchOnlyAlarmingDevices byte = 0x24
	CmdSetNoResetSearch             byte = 0x25
	CmdSetSearchAllDevices          byte = 0x26
	CmdTargetAllFamilies            byte = 0x27
	CmdTargetFamily                 byte = 0x28
	CmdExcludeFamily                byte = 0x29
	CmdCanOverdrive                 byte = 0x2A
	CmdCanHyperdrive                byte = 0x2B
	CmdCanFlex                      byte = 0x2C
	CmdCanProgram                   byte = 0x2D
	CmdCanDeliverPower              byte = 0x2E
	CmdCanDeliverSmartPower         byte = 0x2F
	CmdCanBreak                     byte = 0x30
)

// Status bytes starting every reply.
const (
	RetSuccess byte = 0xFF
	RetFailure byte = 0xF0 // followed by a length prefixed UTF-8 message
)

const (
	// Version is the protocol version exchanged in the handshake and in
	// discovery requests.
	Version = 1

	// DefaultPort is the TCP port the host listens on.
	DefaultPort = 6161
	// DefaultSecret is the shared secret clients prove they know.
	DefaultSecret = "Adapter Secret Default"

	// DefaultMulticastGroup and DefaultMulticastPort are where clients look
	// for hosts.
	DefaultMulticastGroup = "228.5.6.7"
	DefaultMulticastPort  = 6163
)
