// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

// Package pid implements the single-step PID primitive shared by the angle,
// position and position-only control loops.
package pid

import (
	"fmt"
	"math"
	"strings"
)

// MinDt is the smallest time step for which a derivative is computed
const MinDt = 1e-4

// State is the memory of one control loop
type State struct {
	ErrorPrevious float64
	ErrorIntegral float64
}

// Reset zeroes the loop memory
func (s *State) Reset() {
	s.ErrorPrevious = 0
	s.ErrorIntegral = 0
}

// Gains are the base P/I/D gains of a loop
type Gains struct {
	KP float64 `yaml:"kp"`
	KI float64 `yaml:"ki"`
	KD float64 `yaml:"kd"`
}

// Sensitivity scales each term independently of the base gains
type Sensitivity struct {
	P float64 `yaml:"p"`
	I float64 `yaml:"i"`
	D float64 `yaml:"d"`
}

// Unity leaves every term unscaled
var Unity = Sensitivity{P: 1, I: 1, D: 1}

// DefaultSensitivity matches the tuning of the full PID controller
var DefaultSensitivity = Sensitivity{P: 1, I: 1, D: 0.01}

// Negate returns the gains with every sign flipped
func (g Gains) Negate() Gains {
	return Gains{KP: -g.KP, KI: -g.KI, KD: -g.KD}
}

// AntiWindup returns the conventional integral bound 1/|ki|, or 0 when
// integral action is off.
func AntiWindup(ki float64) float64 {
	if ki == 0 {
		return 0
	}
	return 1 / math.Abs(ki)
}

// Step advances the loop by one sample and returns the control signal.
//
// The integral is clipped to [-|iClip|, |iClip|] while KI is non-zero and
// forced to zero otherwise.
func Step(s *State, err, dt float64, g Gains, sens Sensitivity, iClip float64) float64 {
	derivative := 0.0
	if dt > MinDt {
		derivative = (err - s.ErrorPrevious) / dt
	}

	s.ErrorIntegral += err * dt
	if g.KI != 0 {
		bound := math.Abs(iClip)
		if s.ErrorIntegral > bound {
			s.ErrorIntegral = bound
		} else if s.ErrorIntegral < -bound {
			s.ErrorIntegral = -bound
		}
	} else {
		s.ErrorIntegral = 0
	}

	s.ErrorPrevious = err

	return g.KP*err*sens.P + g.KI*s.ErrorIntegral*sens.I + g.KD*derivative*sens.D
}

// Strategy selects how the controller combines loops
type Strategy uint8

// Control strategies
const (
	StrategyPD           Strategy = 0 // inline angle PD plus divided position PD
	StrategyPID          Strategy = 1 // full PID on both loops with error smoothing
	StrategyPositionOnly Strategy = 2 // position PID only, angle ignored
)

// String returns the wire name of the strategy
func (s Strategy) String() string {
	switch s {
	case StrategyPD:
		return "PD"
	case StrategyPID:
		return "PID"
	case StrategyPositionOnly:
		return "POSITION_ONLY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Valid reports whether s is a known strategy
func (s Strategy) Valid() bool {
	return s <= StrategyPositionOnly
}

// ParseStrategy accepts the names produced by String, case-insensitively
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_")) {
	case "PD", "":
		return StrategyPD, nil
	case "PID":
		return StrategyPID, nil
	case "POSITION_ONLY":
		return StrategyPositionOnly, nil
	}
	return StrategyPD, fmt.Errorf("unknown control strategy %q", name)
}

// UnmarshalYAML reads a strategy by name
func (s *Strategy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	v, err := ParseStrategy(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalYAML writes the strategy name
func (s Strategy) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}
