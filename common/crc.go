// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functions used across multiple packages. For
// example, the CRC16 used by 1-wire devices and the remote adapter protocol.
package common

// CRC16 continues the 16-bit 1-wire CRC (polynomial x^16+x^15+x^2+1, bit
// reflected) of seed over bytes and returns the new value. Start with a seed
// of 0.
//
// The 1-wire 8-bit CRC is onewire.CalcCRC.
func CRC16(bytes []byte, seed uint16) uint16 {
	crc := seed
	for _, val := range bytes {
		crc ^= uint16(val)
		for range 8 {
			if (crc & 0x0001) == 0 {
				crc >>= 1
			} else {
				crc = (crc >> 1) ^ 0xA001
			}
		}
	}
	return crc
}
