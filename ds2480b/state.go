// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2480b

// Speed is a 1-wire communication speed.
//
// The numeric values match the speed codes used by the remote adapter
// protocol.
type Speed uint8

const (
	SpeedRegular    Speed = 0
	SpeedFlex       Speed = 1
	SpeedOverdrive  Speed = 2
	SpeedHyperdrive Speed = 3 // the chip calls this the "pulse" timing set
)

func (s Speed) String() string {
	switch s {
	case SpeedRegular:
		return "Regular"
	case SpeedFlex:
		return "Flex"
	case SpeedOverdrive:
		return "Overdrive"
	case SpeedHyperdrive:
		return "Hyperdrive"
	default:
		return "Speed(?)"
	}
}

// bits returns the speed field as placed in bits 3..2 of the reset, bit and
// search function bytes.
func (s Speed) bits() byte {
	return byte(s&0x03) << 2
}

// Level is the electrical state of the 1-wire line.
type Level uint8

const (
	LevelNormal        Level = 0
	LevelPowerDelivery Level = 1
	LevelBreak         Level = 2
	LevelProgram       Level = 3
)

// ResetResult is the outcome of a 1-wire reset as reported by the chip.
//
// The numeric values match the remote adapter protocol.
type ResetResult uint8

const (
	ResetNoPresence ResetResult = 0
	ResetPresence   ResetResult = 1
	ResetAlarm      ResetResult = 2
	ResetShort      ResetResult = 3
)

func (r ResetResult) String() string {
	switch r {
	case ResetNoPresence:
		return "NoPresence"
	case ResetPresence:
		return "Presence"
	case ResetAlarm:
		return "AlarmPresence"
	case ResetShort:
		return "Short"
	default:
		return "ResetResult(?)"
	}
}

// maxAlarmCount is the number of plain presence resets after which a single
// alarm-presence reading stops forcing the long alarm settle delay.
const maxAlarmCount = 3000

// LinkState is the configuration of one session with the line-interface chip.
//
// It is owned by exactly one PacketBuilder and must not be shared between
// sessions.
type LinkState struct {
	CommandMode bool  // true: chip is in command mode, false: data mode
	SpeedMode   Speed // timing set the chip uses on the 1-wire side

	StreamResets bool // allow resets to share a packet with later operations
	StreamBytes  bool // allow data bytes to be streamed into one packet
	StreamBits   bool // allow bit operations to be streamed into one packet

	ChipRevision            byte // from the last reset response
	ProgramVoltageAvailable bool // 12V present, from the last reset response

	LongAlarmCheck  bool // an alarm presence was seen, resets need settling
	AlarmRetryCount uint // presence resets seen since the last alarm presence

	// BitsOnly decomposes every byte operation into eight bit operations.
	BitsOnly bool

	Baud byte // chip baud rate parameter value currently in effect
}

// NewLinkState returns the state of a chip right after a master reset.
func NewLinkState() *LinkState {
	return &LinkState{
		CommandMode: true,
		SpeedMode:   SpeedFlex,
		StreamBytes: true,
		StreamBits:  true,
		Baud:        Baud9600,
	}
}

// NoDiscrepancy is the value of NetworkState.LastDiscrepancy when the next
// search starts from the root of the ROM tree.
const NoDiscrepancy = 0xFF

// NetworkState is the traversal state of one 1-wire network.
type NetworkState struct {
	Speed Speed // 1-wire speed the devices are addressed at
	Level Level // current electrical level of the line

	LevelChangeOnNextBit  bool  // arm strong pull-up after the next bit
	LevelChangeOnNextByte bool  // arm strong pull-up after the next byte
	PrimedLevelValue      Level // level to switch to when the arm fires
	LevelTimeFactor       PowerDuration

	LastDiscrepancy       int // 1-based, NoDiscrepancy for a fresh search
	FamilyLastDiscrepancy int
	LastDeviceFlag        bool
	CurrentID             [8]byte

	IncludeFamilies []byte
	ExcludeFamilies []byte

	SearchOnlyAlarming bool
	SkipResetOnSearch  bool
	CanProgram         bool
}

// NewNetworkState returns a network state ready for a first search.
func NewNetworkState() *NetworkState {
	return &NetworkState{
		LastDiscrepancy: NoDiscrepancy,
		LevelTimeFactor: DeliveryInfinite,
	}
}

// ResetSearch returns the search cursor to the root of the ROM tree.
func (n *NetworkState) ResetSearch() {
	n.LastDiscrepancy = NoDiscrepancy
	n.FamilyLastDiscrepancy = 0
	n.LastDeviceFlag = false
}

func (n *NetworkState) included(family byte) bool {
	for _, f := range n.ExcludeFamilies {
		if f == family {
			return false
		}
	}
	if len(n.IncludeFamilies) == 0 {
		return true
	}
	for _, f := range n.IncludeFamilies {
		if f == family {
			return true
		}
	}
	return false
}

// PowerCondition selects when power delivery starts.
type PowerCondition uint8

const (
	ConditionNow       PowerCondition = 0
	ConditionAfterBit  PowerCondition = 1
	ConditionAfterByte PowerCondition = 2
)

// PowerDuration is how long power delivery lasts.
type PowerDuration uint8

const (
	DeliveryHalfSecond    PowerDuration = 0
	DeliveryOneSecond     PowerDuration = 1
	DeliveryTwoSeconds    PowerDuration = 2
	DeliveryFourSeconds   PowerDuration = 3
	DeliverySmartDone     PowerDuration = 4
	DeliveryInfinite      PowerDuration = 5
	DeliveryCurrentDetect PowerDuration = 6
	DeliveryEPROM         PowerDuration = 7
)
