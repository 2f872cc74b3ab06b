// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds2480b drives a 1-wire bus through a DS2480B serial line
// interface chip.
//
// The package has two layers. PacketBuilder and its interpreters encode
// abstract 1-wire operations (reset, bit and byte time slots, accelerated ROM
// search, chip parameters) into the byte stream the chip expects, split into
// packets that each carry their expected reply length, and decode the replies
// by offset. They do no I/O.
//
// Dev runs complete transactions over a serial port and implements
// onewire.Bus and onewire.BusSearcher on top of the builder.
//
// Datasheet
//
// https://datasheets.maximintegrated.com/en/ds/DS2480B.pdf
//
// Application note 192, Using the DS2480B Serial 1-Wire Line Driver
//
// https://www.maximintegrated.com/en/design/technical-documents/app-notes/1/192.html
package ds2480b
