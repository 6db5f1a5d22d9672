// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package filter

// MaxAverageLen is the capacity of a SampleBuffer
const MaxAverageLen = 32

// SampleBuffer is a fixed-capacity circular buffer of raw samples with
// parallel timestamps. The write index always points at the oldest sample.
type SampleBuffer struct {
	samples [MaxAverageLen]int
	times   [MaxAverageLen]uint32
	length  int
	index   int
}

// NewSampleBuffer creates a buffer holding n samples
func NewSampleBuffer(n int) *SampleBuffer {
	b := &SampleBuffer{}
	b.Resize(n)
	return b
}

// ClampLength bounds a requested averaging length to [1, MaxAverageLen]
func ClampLength(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxAverageLen {
		return MaxAverageLen
	}
	return n
}

// Resize changes the active length. The write index restarts at zero and
// existing contents are kept.
func (b *SampleBuffer) Resize(n int) {
	b.length = ClampLength(n)
	b.index = 0
}

// Len returns the active length
func (b *SampleBuffer) Len() int {
	return b.length
}

// Push overwrites the oldest sample
func (b *SampleBuffer) Push(v int, ts uint32) {
	b.samples[b.index] = v
	b.times[b.index] = ts
	b.index++
	if b.index >= b.length {
		b.index = 0
	}
}

// At returns the i-th sample counting from the oldest
func (b *SampleBuffer) At(i int) (int, uint32) {
	j := (b.index + i) % b.length
	return b.samples[j], b.times[j]
}

// Fill sets every active slot to v
func (b *SampleBuffer) Fill(v int, ts uint32) {
	for i := 0; i < b.length; i++ {
		b.samples[i] = v
		b.times[i] = ts
	}
}
