// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package protocol

// Receiver accumulates link bytes and recognizes frames.
//
// Recognition never fails hard: a bad marker, an out-of-range length or a
// CRC mismatch discards bytes up to the next marker and the search resumes
// on the following call. A trailing partial frame is always preserved.
type Receiver struct {
	buf   [MaxPacketLen]byte
	n     int
	frame [MaxPacketLen]byte
	stats *Statistics
}

// NewReceiver creates a receiver. stats may be nil.
func NewReceiver(stats *Statistics) *Receiver {
	return &Receiver{stats: stats}
}

// Reset drops every buffered byte
func (r *Receiver) Reset() {
	r.n = 0
}

// Buffered returns the number of bytes waiting for recognition
func (r *Receiver) Buffered() int {
	return r.n
}

// Feed appends one byte. When the buffer is full the oldest byte is dropped.
func (r *Receiver) Feed(b byte) {
	if r.n == len(r.buf) {
		r.drop(1)
		if r.stats != nil {
			r.stats.Overflows++
		}
	}
	r.buf[r.n] = b
	r.n++
}

// Next makes one recognition attempt. It returns a frame when the buffer
// starts with a complete valid frame, which is removed from the buffer.
func (r *Receiver) Next() (Frame, bool) {
	if r.n < MinPacketLen {
		return Frame{}, false
	}

	if r.buf[0] != StartOfFrame {
		r.resync(0)
		return Frame{}, false
	}

	length := int(r.buf[2])
	if length < MinPacketLen || length > MaxPacketLen {
		if r.stats != nil {
			r.stats.LengthErrors++
		}
		r.resync(1)
		return Frame{}, false
	}

	if r.n < length {
		return Frame{}, false
	}

	if CalculateCRC(r.buf[:length-1]) != r.buf[length-1] {
		if r.stats != nil {
			r.stats.CRCErrors++
		}
		r.resync(1)
		return Frame{}, false
	}

	copy(r.frame[:], r.buf[:length])
	r.drop(length)
	if r.stats != nil {
		r.stats.Frames++
	}
	return Frame{Command: r.frame[1], Raw: r.frame[:length]}, true
}

// resync discards bytes starting at from up to the next marker
func (r *Receiver) resync(from int) {
	i := from
	for i < r.n && r.buf[i] != StartOfFrame {
		i++
	}
	if r.stats != nil {
		r.stats.DiscardedBytes += uint64(i)
	}
	r.drop(i)
}

func (r *Receiver) drop(k int) {
	copy(r.buf[:], r.buf[k:r.n])
	r.n -= k
}
