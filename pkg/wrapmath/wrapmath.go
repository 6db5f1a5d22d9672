// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

// Package wrapmath provides modulo-wrap and unwrap helpers for bounded
// counters such as the angle ADC and the quadrature encoder.
package wrapmath

// Range is the full-scale span of a counter that wraps modulo Range.
type Range int

// Counter ranges used by the cart-pole hardware
const (
	ADCRange     Range = 4096  // 12-bit angle sensor
	EncoderRange Range = 65536 // 16-bit encoder timer
)

// Half returns R/2
func (r Range) Half() int {
	return int(r) / 2
}

// WrapLocal maps v into (-R/2, R/2] with a single correction of one range.
// Only valid for deltas that are already within one range of zero.
func (r Range) WrapLocal(v int) int {
	half := r.Half()
	if v > half {
		return v - int(r)
	}
	if v <= -half {
		return v + int(r)
	}
	return v
}

// UnwrapLocal corrects a single step from prev to cur that jumped across the
// wrap boundary by adding or subtracting one range.
func (r Range) UnwrapLocal(prev, cur int) int {
	half := r.Half()
	diff := cur - prev
	if diff > half {
		return cur - int(r)
	}
	if diff < -half {
		return cur + int(r)
	}
	return cur
}

// Wrap maps any v into [0, R)
func (r Range) Wrap(v int) int {
	m := v % int(r)
	if m < 0 {
		m += int(r)
	}
	return m
}

// Unwrap returns cur + k*R for the integer k that places the result nearest
// to prev. The result satisfies -R/2 <= prev-result < R/2, which makes
// Unwrap(prev, Wrap(Unwrap(prev, cur))) == Unwrap(prev, cur) for any input.
func (r Range) Unwrap(prev, cur int) int {
	k := floorDiv(prev-cur+r.Half(), int(r))
	return cur + k*int(r)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
