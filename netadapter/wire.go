// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package netadapter

import (
	"bufio"
	"encoding/binary"
	"io"
)

// Values on the TCP stream are big endian. Booleans are one byte, integers
// four bytes and strings a two byte length followed by UTF-8.

type reader struct {
	r *bufio.Reader
}

func (r *reader) byte() (byte, error) {
	return r.r.ReadByte()
}

func (r *reader) bool() (bool, error) {
	b, err := r.r.ReadByte()
	return b != 0, err
}

func (r *reader) int() (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(r.r, b)
	return b, err
}

// block reads a length prefixed byte array of at most maxBlock bytes.
func (r *reader) block() ([]byte, error) {
	n, err := r.int()
	if err != nil {
		return nil, err
	}
	if n < 0 || n > maxBlock {
		return nil, errBlockSize
	}
	return r.bytes(int(n))
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func appendInt(b []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(v))
}

func appendUTF(b []byte, s string) []byte {
	if len(s) > 0xFFFF {
		s = s[:0xFFFF]
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

// maxBlock bounds block transfers.
const maxBlock = 1 << 16
