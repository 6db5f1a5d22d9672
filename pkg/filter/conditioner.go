// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

// Package filter turns the raw angle samples into a filtered angle and rate.
//
// Each update takes a trimmed mean of the sample window and scans it for
// implausible sample-to-sample steps. A window with too many steps is
// rejected: the previous angle is held and the freeze count grows, which
// damps the next accepted rate estimate.
package filter

import "github.com/cartpole-lab/cartpole/pkg/wrapmath"

// Rejection thresholds
const (
	MaxStep         = 40 // ADC counts between consecutive samples
	MaxInvalidSteps = 2  // one popcorn outlier produces two steps
)

// Reading is the output of one conditioner update
type Reading struct {
	Angle        int    // filtered angle in ADC counts
	Rate         int    // counts per update
	Frozen       int    // consecutive rejected windows
	InvalidSteps int    // steps flagged in the last window
	Timestamp    uint32 // newest sample time
}

// Conditioner filters the angle sensor
type Conditioner struct {
	buf       SampleBuffer
	angle     int
	rate      int
	frozen    int
	maxStep   int
	tolerance int
	last      Reading
}

// NewConditioner creates a conditioner with an averaging window of n samples
func NewConditioner(n int) *Conditioner {
	c := &Conditioner{
		maxStep:   MaxStep,
		tolerance: MaxInvalidSteps,
	}
	c.buf.Resize(n)
	return c
}

// Push stores one raw sample. Called from the sampling context only.
func (c *Conditioner) Push(raw int, ts uint32) {
	c.buf.Push(raw, ts)
}

// Resize changes the averaging window
func (c *Conditioner) Resize(n int) {
	c.buf.Resize(n)
}

// Len returns the averaging window length
func (c *Conditioner) Len() int {
	return c.buf.Len()
}

// Prime fills the window with v and makes v the held angle
func (c *Conditioner) Prime(v int, ts uint32) {
	c.buf.Fill(v, ts)
	c.angle = v
	c.rate = 0
	c.frozen = 0
}

// Update runs one filter pass over the window
func (c *Conditioner) Update() Reading {
	n := c.buf.Len()
	first, _ := c.buf.At(0)
	sum, lo, hi := 0, first, first
	invalid := 0
	prev := first
	var newest uint32
	for i := 0; i < n; i++ {
		cur, ts := c.buf.At(i)
		sum += cur
		if cur < lo {
			lo = cur
		}
		if cur > hi {
			hi = cur
		}
		if i != 0 && abs(cur-prev) > c.maxStep {
			invalid++
		}
		prev = cur
		newest = ts
	}

	mean := sum / n
	if n > 2 {
		mean = (sum - lo - hi) / (n - 2)
	}

	if invalid <= c.tolerance {
		c.rate = wrapmath.ADCRange.WrapLocal(mean-c.angle) / (1 + c.frozen)
		c.angle = mean
		c.frozen = 0
	} else {
		c.frozen++
	}

	c.last = Reading{
		Angle:        c.angle,
		Rate:         c.rate,
		Frozen:       c.frozen,
		InvalidSteps: invalid,
		Timestamp:    newest,
	}
	return c.last
}

// Last returns the reading produced by the previous Update
func (c *Conditioner) Last() Reading {
	return c.last
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
