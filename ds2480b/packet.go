// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2480b

import "encoding/hex"

// Packet is a run of bytes to send to the chip in one write, followed by a
// read of exactly ReplyLen bytes.
//
// ReplyLen can be smaller than len(Buf): mode switch tokens and escaped
// duplicates never produce a reply byte.
type Packet struct {
	Buf      []byte
	ReplyLen int
}

// IsSettle reports whether the packet is a settle marker.
//
// A settle marker carries nothing to send. The transport must instead give
// the chip time to finish a long alarm reset and drop whatever extra bytes it
// produced.
func (p *Packet) IsSettle() bool {
	return len(p.Buf) == 0 && p.ReplyLen == 0
}

func (p *Packet) String() string {
	if p.IsSettle() {
		return "settle"
	}
	return hex.EncodeToString(p.Buf)
}

// queue is the FIFO of sealed packets plus the one being filled.
type queue struct {
	sealed  []Packet
	current Packet
}

// seal moves the current packet to the queue if it holds anything.
func (q *queue) seal() (Packet, bool) {
	if len(q.current.Buf) == 0 {
		return Packet{}, false
	}
	p := q.current
	q.sealed = append(q.sealed, p)
	q.current = Packet{}
	return p, true
}

// settle appends a settle marker after the sealed packets.
func (q *queue) settle() {
	q.sealed = append(q.sealed, Packet{})
}

func (q *queue) reset() {
	q.sealed = nil
	q.current = Packet{}
}
