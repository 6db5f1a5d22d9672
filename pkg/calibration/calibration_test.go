// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package calibration

import (
	"errors"
	"testing"
)

// fakeCart moves at a velocity proportional to the commanded speed while
// time passes through SleepMs, and stops dead at the end stops.
type fakeCart struct {
	pos      float64
	lo, hi   float64
	gain     float64 // counts per ms per unit of speed
	speed    int
	reversed bool
	jitter   int
	reads    int
	frozen   bool // ignore speed changes once set
	stops    int
	leds     []bool
	now      uint64
}

func (c *fakeCart) ReadPosition() int {
	c.reads++
	raw := int(c.pos)
	if c.reversed {
		raw = -raw
	}
	if c.jitter != 0 && c.reads%2 == 0 {
		raw += c.jitter
	}
	return raw
}

func (c *fakeCart) SetSpeed(speed int) {
	if !c.frozen {
		c.speed = speed
	}
}

func (c *fakeCart) Stop() {
	c.stops++
	if !c.frozen {
		c.speed = 0
	}
}

func (c *fakeCart) Now() uint64 { return c.now }

func (c *fakeCart) SleepMs(ms uint32) {
	c.now += uint64(ms) * 1000
	c.pos += float64(c.speed) * c.gain * float64(ms)
	if c.pos < c.lo {
		c.pos = c.lo
	}
	if c.pos > c.hi {
		c.pos = c.hi
	}
}

func (c *fakeCart) SetIndicator(on bool) {
	c.leds = append(c.leds, on)
}

func newSequencer(c *fakeCart, p Params) *Sequencer {
	return NewSequencer(p, c, c, c, c)
}

// ============================================================
// Limit arithmetic
// ============================================================

func TestResultFromLimits(t *testing.T) {
	tests := []struct {
		name          string
		first, second int
		want          Result
	}{
		{"symmetric", -3000, 3000, Result{Left: -3000, Right: 3000, Centre: 0, Direction: 1}},
		{"swapped", 3000, -3000, Result{Left: -3000, Right: 3000, Centre: 0, Direction: -1}},
		{"offset", 60000, 70000, Result{Left: 60000, Right: 70000, Centre: 65000, Direction: 1}},
		{"odd span truncates", -3, 4, Result{Left: -3, Right: 4, Centre: 0, Direction: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResultFromLimits(tt.first, tt.second); got != tt.want {
				t.Errorf("ResultFromLimits(%d, %d) = %+v, want %+v", tt.first, tt.second, got, tt.want)
			}
		})
	}
}

func TestGuess(t *testing.T) {
	g := Guess(1000, 2400)
	if g.Left != -1400 || g.Right != 3400 || g.Centre != 1000 || g.Direction != 1 {
		t.Errorf("Guess = %+v", g)
	}
}

// ============================================================
// Full sequence
// ============================================================

func TestRunFindsLimitsAndCentres(t *testing.T) {
	tests := []struct {
		name     string
		reversed bool
		start    float64
		wantDir  int
	}{
		{"forward wiring", false, 500, 1},
		{"reversed wiring", true, -1200, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cart := &fakeCart{pos: tt.start, lo: -4000, hi: 4000, gain: 0.01, reversed: tt.reversed}
			res, err := newSequencer(cart, DefaultParams()).Run()
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Left != -4000 || res.Right != 4000 {
				t.Errorf("limits = %d..%d, want -4000..4000", res.Left, res.Right)
			}
			if res.Centre != 0 {
				t.Errorf("Centre = %d, want 0", res.Centre)
			}
			if res.Direction != tt.wantDir {
				t.Errorf("Direction = %d, want %d", res.Direction, tt.wantDir)
			}
			if cart.pos < -10 || cart.pos > 10 {
				t.Errorf("cart parked at %.1f, want near 0", cart.pos)
			}
			if cart.speed != 0 {
				t.Errorf("motor left at speed %d", cart.speed)
			}
			if n := len(cart.leds); n == 0 || cart.leds[n-1] {
				t.Errorf("indicator sequence %v should end off", cart.leds)
			}
		})
	}
}

func TestRunStuckSensorTimesOut(t *testing.T) {
	cart := &fakeCart{lo: -4000, hi: 4000, gain: 0, jitter: 40}
	p := DefaultParams()
	p.MaxSeekPolls = 25
	_, err := newSequencer(cart, p).Run()
	if !errors.Is(err, ErrLimitNotFound) {
		t.Fatalf("err = %v, want ErrLimitNotFound", err)
	}
	if cart.speed != 0 {
		t.Errorf("motor left at speed %d", cart.speed)
	}
	if cart.now > uint64(p.SettleMs+uint32(p.MaxSeekPolls)*p.PollMs)*1000 {
		t.Errorf("seek ran for %d us, longer than its bound", cart.now)
	}
}

func TestRunNoTravel(t *testing.T) {
	cart := &fakeCart{lo: -4000, hi: 4000, gain: 0}
	_, err := newSequencer(cart, DefaultParams()).Run()
	if !errors.Is(err, ErrNoTravel) {
		t.Fatalf("err = %v, want ErrNoTravel", err)
	}
}

type freezingCart struct {
	fakeCart
	seeks int
}

func (c *freezingCart) SetSpeed(speed int) {
	// the motor dies after both limits were found
	if c.seeks >= 2 {
		c.frozen = true
		c.speed = 0
	}
	c.seeks++
	c.fakeCart.SetSpeed(speed)
}

func TestRunCentreNotReached(t *testing.T) {
	cart := &freezingCart{fakeCart: fakeCart{lo: -4000, hi: 4000, gain: 0.01}}
	p := DefaultParams()
	p.MaxCentrePolls = 50
	_, err := NewSequencer(p, cart, cart, cart, cart).Run()
	if !errors.Is(err, ErrCentreNotReached) {
		t.Fatalf("err = %v, want ErrCentreNotReached", err)
	}
}
