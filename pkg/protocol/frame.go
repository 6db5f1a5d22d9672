// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package protocol

import (
	"errors"
	"fmt"
)

// Encoding errors
var (
	ErrBufferTooSmall = errors.New("protocol: buffer too small for frame")
	ErrFrameTooLong   = errors.New("protocol: frame exceeds maximum length")
	ErrPayloadLength  = errors.New("protocol: payload length mismatch")
)

// Frame is a validated frame. Raw aliases the receiver's frame buffer and
// is only valid until the next call to Receiver.Next.
type Frame struct {
	Command byte
	Raw     []byte
}

// Length returns the declared frame length
func (f Frame) Length() int {
	return len(f.Raw)
}

// Payload returns the bytes between the header and the CRC
func (f Frame) Payload() []byte {
	if len(f.Raw) < Overhead {
		return nil
	}
	return f.Raw[HeaderSize : len(f.Raw)-1]
}

// EncodeFrame writes a complete frame into dst and returns its length
func EncodeFrame(dst []byte, cmd byte, payload []byte) (int, error) {
	n := len(payload) + Overhead
	if n > MaxReplyLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLong, n)
	}
	if len(dst) < n {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrBufferTooSmall, n, len(dst))
	}
	dst[0] = StartOfFrame
	dst[1] = cmd
	dst[2] = byte(n)
	copy(dst[HeaderSize:], payload)
	dst[n-1] = CalculateCRC(dst[:n-1])
	return n, nil
}

// SealFrame finishes a frame whose payload was written in place at
// dst[HeaderSize:]. It returns the frame slice.
func SealFrame(dst []byte, cmd byte, payloadLen int) []byte {
	n := payloadLen + Overhead
	dst[0] = StartOfFrame
	dst[1] = cmd
	dst[2] = byte(n)
	dst[n-1] = CalculateCRC(dst[:n-1])
	return dst[:n]
}

// ValidFrame reports whether raw is a well-formed frame of any length
func ValidFrame(raw []byte) bool {
	if len(raw) < MinPacketLen || len(raw) > MaxReplyLen {
		return false
	}
	if raw[0] != StartOfFrame || int(raw[2]) != len(raw) {
		return false
	}
	return CalculateCRC(raw[:len(raw)-1]) == raw[len(raw)-1]
}
