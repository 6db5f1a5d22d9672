// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

// Package calibration finds the travel limits of the cart and parks it at
// the centre of the track.
//
// The sequence drives toward one end stop, then the other, declaring a limit
// reached once the encoder stops moving between polls. The cart is then
// driven back to the midpoint, slowing down for the final approach. Every
// loop is bounded; running out of polls stops the motor and fails the run.
package calibration

import (
	"errors"
	"fmt"

	"github.com/cartpole-lab/cartpole/pkg/hal"
	"github.com/cartpole-lab/cartpole/pkg/wrapmath"
)

// Calibration failures
var (
	ErrLimitNotFound    = errors.New("calibration: travel limit not found")
	ErrCentreNotReached = errors.New("calibration: centre not reached")
	ErrNoTravel         = errors.New("calibration: cart did not move between limits")
)

// Result describes the calibrated track
type Result struct {
	Left      int // smaller limit, encoder counts
	Right     int // larger limit, encoder counts
	Centre    int
	Direction int // +1, or -1 when the encoder counts down for positive speed
}

// Span returns the distance between the limits
func (r Result) Span() int {
	return r.Right - r.Left
}

// Guess returns limits assumed around a start position, used until the
// first calibration
func Guess(centre, halfSpan int) Result {
	return Result{
		Left:      centre - halfSpan,
		Right:     centre + halfSpan,
		Centre:    centre,
		Direction: 1,
	}
}

// ResultFromLimits builds a Result from the limit reached at negative speed
// (first) and the one reached at positive speed (second).
func ResultFromLimits(first, second int) Result {
	r := Result{Left: first, Right: second, Direction: 1}
	if r.Right < r.Left {
		r.Left, r.Right = r.Right, r.Left
		r.Direction = -1
	}
	r.Centre = (r.Left + r.Right) / 2
	return r
}

// Params tunes the sequence
type Params struct {
	Speed            int     `yaml:"speed"`
	PollMs           uint32  `yaml:"poll_ms"`
	SettleMs         uint32  `yaml:"settle_ms"`
	CentreSettleMs   uint32  `yaml:"centre_settle_ms"`
	CentrePollMs     uint32  `yaml:"centre_poll_ms"`
	NoiseThreshold   int     `yaml:"noise_threshold"`
	ApproachFraction float64 `yaml:"approach_fraction"`
	Tolerance        float64 `yaml:"tolerance"`
	MaxSeekPolls     int     `yaml:"max_seek_polls"`
	MaxCentrePolls   int     `yaml:"max_centre_polls"`
}

// DefaultParams returns the tuning of the reference cart
func DefaultParams() Params {
	return Params{
		Speed:            3000,
		PollMs:           100,
		SettleMs:         100,
		CentreSettleMs:   200,
		CentrePollMs:     1,
		NoiseThreshold:   8,
		ApproachFraction: 0.1,
		Tolerance:        5e-4,
		MaxSeekPolls:     200,
		MaxCentrePolls:   20000,
	}
}

// Sequencer runs the calibration. It owns the motor and the encoder for the
// duration of Run.
type Sequencer struct {
	params  Params
	encoder hal.PositionEncoder
	motor   hal.Actuator
	clock   hal.Clock
	led     hal.Indicator
}

// NewSequencer creates a sequencer
func NewSequencer(p Params, encoder hal.PositionEncoder, motor hal.Actuator, clock hal.Clock, led hal.Indicator) *Sequencer {
	if led == nil {
		led = hal.NopIndicator{}
	}
	return &Sequencer{params: p, encoder: encoder, motor: motor, clock: clock, led: led}
}

// Params returns the tuning in use
func (s *Sequencer) Params() Params {
	return s.params
}

// Run blocks until the cart is parked at the centre or a loop runs out of
// polls. The motor is stopped on every return path.
func (s *Sequencer) Run() (Result, error) {
	defer s.motor.Stop()

	s.motor.Stop()
	s.led.SetIndicator(true)
	first, err := s.seek(-s.params.Speed)
	if err != nil {
		return Result{}, fmt.Errorf("negative end: %w", err)
	}

	s.motor.Stop()
	s.led.SetIndicator(false)
	second, err := s.seek(s.params.Speed)
	if err != nil {
		return Result{}, fmt.Errorf("positive end: %w", err)
	}
	s.motor.Stop()

	res := ResultFromLimits(first, second)
	if res.Span() <= 2*s.params.NoiseThreshold {
		return res, fmt.Errorf("%w: limits %d and %d", ErrNoTravel, first, second)
	}

	s.led.SetIndicator(true)
	s.clock.SleepMs(s.params.CentreSettleMs)
	if err := s.centre(res); err != nil {
		return res, err
	}

	s.clock.SleepMs(s.params.SettleMs)
	s.led.SetIndicator(false)
	return res, nil
}

// seek drives at speed until the encoder stalls and returns that position
func (s *Sequencer) seek(speed int) (int, error) {
	s.clock.SleepMs(s.params.SettleMs)
	last := s.encoder.ReadPosition()
	s.motor.SetSpeed(speed)

	for i := 0; i < s.params.MaxSeekPolls; i++ {
		s.clock.SleepMs(s.params.PollMs)
		pos := s.encoder.ReadPosition()
		diff := wrapmath.EncoderRange.WrapLocal(pos - last)
		last = pos
		if abs(diff) <= s.params.NoiseThreshold {
			return pos, nil
		}
	}
	return 0, fmt.Errorf("%w after %d polls at speed %d", ErrLimitNotFound, s.params.MaxSeekPolls, speed)
}

// centre drives toward the midpoint, slows down inside the approach band and
// stops within tolerance or on crossing the midpoint.
func (s *Sequencer) centre(res Result) error {
	offset := func() int {
		return res.Direction * (s.encoder.ReadPosition() - res.Centre)
	}
	halfSpan := float64(res.Span()) / 2

	start := offset()
	side := sign(start)
	if side == 0 {
		return nil
	}

	s.motor.SetSpeed(-side * s.params.Speed / 2)
	slow := false
	for i := 0; i < s.params.MaxCentrePolls; i++ {
		off := offset()
		frac := float64(abs(off)) / halfSpan
		if frac <= s.params.Tolerance || sign(off) != side {
			s.motor.Stop()
			return nil
		}
		if !slow && frac < s.params.ApproachFraction {
			s.motor.SetSpeed(-side * s.params.Speed / 4)
			slow = true
		}
		s.clock.SleepMs(s.params.CentrePollMs)
	}
	return fmt.Errorf("%w: offset %d after %d polls", ErrCentreNotReached, offset(), s.params.MaxCentrePolls)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
