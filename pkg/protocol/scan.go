// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package protocol

// SplitFrames is the host-side counterpart of Receiver. It extracts every
// valid frame from buf, accepting replies up to MaxReplyLen, and returns
// the frames, the unconsumed tail that may hold a partial frame, and the
// number of bytes discarded while resynchronizing. Frames are copies.
func SplitFrames(buf []byte) (frames [][]byte, rest []byte, discarded int) {
	i := 0
	for {
		for i < len(buf) && buf[i] != StartOfFrame {
			i++
			discarded++
		}
		if len(buf)-i < MinPacketLen {
			return frames, buf[i:], discarded
		}
		length := int(buf[i+2])
		if length < MinPacketLen {
			i++
			discarded++
			continue
		}
		if len(buf)-i < length {
			return frames, buf[i:], discarded
		}
		raw := buf[i : i+length]
		if CalculateCRC(raw[:length-1]) != raw[length-1] {
			i++
			discarded++
			continue
		}
		frames = append(frames, append([]byte(nil), raw...))
		i += length
	}
}
