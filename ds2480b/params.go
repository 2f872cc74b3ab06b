// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2480b

// Parameter identifies one of the chip's configuration parameters. The value
// is the parameter code as placed in a write configuration command.
type Parameter byte

const (
	ParamSlew         Parameter = 0x10 // pull-down slew rate
	Param12VPulse     Parameter = 0x20 // programming pulse duration
	Param5VPulse      Parameter = 0x30 // strong pull-up duration
	ParamWrite1Low    Parameter = 0x40 // write-1 low time
	ParamSampleOffset Parameter = 0x50 // data sample offset and write-0 recovery
	ParamBaud         Parameter = 0x70 // RS232 baud rate
)

// Pull-down slew rates.
const (
	Slew15Vus   byte = 0x00
	Slew2p2Vus  byte = 0x02
	Slew1p65Vus byte = 0x04
	Slew1p37Vus byte = 0x06
	Slew1p1Vus  byte = 0x08
	Slew0p83Vus byte = 0x0A
	Slew0p7Vus  byte = 0x0C
	Slew0p55Vus byte = 0x0E
)

// Programming pulse durations.
const (
	Time12V32us     byte = 0x00
	Time12V64us     byte = 0x02
	Time12V128us    byte = 0x04
	Time12V256us    byte = 0x06
	Time12V512us    byte = 0x08
	Time12V1024us   byte = 0x0A
	Time12V2048us   byte = 0x0C
	Time12VInfinite byte = 0x0E
)

// Strong pull-up durations.
//
// Time5V2p10s and Time5VDynamic share one encoding; which one the chip
// applies depends on its revision.
const (
	Time5V16p4ms   byte = 0x00
	Time5V65p5ms   byte = 0x02
	Time5V131ms    byte = 0x04
	Time5V262ms    byte = 0x06
	Time5V524ms    byte = 0x08
	Time5V1p05s    byte = 0x0A
	Time5V2p10s    byte = 0x0C
	Time5VDynamic  byte = 0x0C
	Time5VInfinite byte = 0x0E
)

// Write-1 low times.
const (
	Write1Low8us  byte = 0x00
	Write1Low9us  byte = 0x02
	Write1Low10us byte = 0x04
	Write1Low11us byte = 0x06
	Write1Low12us byte = 0x08
	Write1Low13us byte = 0x0A
	Write1Low14us byte = 0x0C
	Write1Low15us byte = 0x0E
)

// Data sample offsets.
const (
	SampleOffset3us  byte = 0x00
	SampleOffset4us  byte = 0x02
	SampleOffset5us  byte = 0x04
	SampleOffset6us  byte = 0x06
	SampleOffset7us  byte = 0x08
	SampleOffset8us  byte = 0x0A
	SampleOffset9us  byte = 0x0C
	SampleOffset10us byte = 0x0E
)

// Baud rate parameter values.
const (
	Baud9600   byte = 0x00
	Baud19200  byte = 0x02
	Baud57600  byte = 0x04
	Baud115200 byte = 0x06
)

// Operation is the kind of traffic a transaction carries, used to choose the
// serial baud rate.
type Operation uint8

const (
	OperationByte   Operation = 0
	OperationSearch Operation = 1
)

// DesiredBaud returns the serial baud rate best suited to stream op at the
// given 1-wire speed, capped at maxBaud.
func DesiredBaud(op Operation, speed Speed, maxBaud int) int {
	baud := 9600
	switch op {
	case OperationByte:
		if speed == SpeedOverdrive {
			baud = 115200
		}
	case OperationSearch:
		if speed == SpeedOverdrive {
			baud = 57600
		}
	}
	if baud > maxBaud {
		baud = maxBaud
	}
	return baud
}

// BaudCode returns the chip parameter value for a serial baud rate. Unknown
// rates map to 9600.
func BaudCode(baud int) byte {
	switch baud {
	case 115200:
		return Baud115200
	case 57600:
		return Baud57600
	case 19200:
		return Baud19200
	default:
		return Baud9600
	}
}

// timing holds the chip parameters applied for one 1-wire speed.
type timing struct {
	slew         byte
	write1Low    byte
	sampleOffset byte
}

// timings is indexed by Speed.
var timings = [4]timing{
	SpeedRegular:    {Slew1p37Vus, Write1Low10us, SampleOffset8us},
	SpeedFlex:       {Slew1p37Vus, Write1Low10us, SampleOffset8us},
	SpeedOverdrive:  {Slew1p37Vus, Write1Low10us, SampleOffset8us},
	SpeedHyperdrive: {Slew1p37Vus, Write1Low10us, SampleOffset8us},
}
