// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

// Package profile loads the startup profile: the power-on controller
// configuration, the calibration tuning and the virtual cart the runtimes
// drive. Profiles are YAML files layered over Default.
package profile

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/cartpole-lab/cartpole/pkg/calibration"
	"github.com/cartpole-lab/cartpole/pkg/control"
	"github.com/cartpole-lab/cartpole/pkg/firmware"
	"github.com/cartpole-lab/cartpole/pkg/sim"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("profile: invalid")

// Scenario is the scripted session of a simulated run
type Scenario struct {
	DurationMs   int     `yaml:"duration_ms"`
	RaiseTheta   float64 `yaml:"raise_theta"`   // rad
	PushTorque   float64 `yaml:"push_torque"`   // N*m, 0 for none
	PushAfterMs  int     `yaml:"push_after_ms"` // after control is enabled
	PushLengthMs int     `yaml:"push_length_ms"`
}

// Profile is the complete startup configuration
type Profile struct {
	Name             string             `yaml:"name"`
	Control          control.Config     `yaml:"control"`
	Calibration      calibration.Params `yaml:"calibration"`
	SampleIntervalUs uint32             `yaml:"sample_interval_us"`
	Plant            sim.Params         `yaml:"plant"`
	Scenario         Scenario           `yaml:"scenario"`
}

// Default returns the power-on configuration with the position loop tuned
// for the default virtual cart
func Default() Profile {
	cfg := control.DefaultConfig()
	cfg.Position.KP = -2
	return Profile{
		Name:             "default",
		Control:          cfg,
		Calibration:      calibration.DefaultParams(),
		SampleIntervalUs: firmware.DefaultSampleIntervalUs,
		Plant:            sim.DefaultParams(),
		Scenario: Scenario{
			DurationMs:   15000,
			RaiseTheta:   0.02,
			PushAfterMs:  2000,
			PushLengthMs: 100,
		},
	}
}

// Load reads path over Default. Unknown keys are rejected.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read profile: %w", err)
	}
	return Parse(data)
}

// Parse decodes a profile document over Default
func Parse(data []byte) (Profile, error) {
	p := Default()
	if err := yaml.UnmarshalStrict(data, &p); err != nil {
		return Profile{}, fmt.Errorf("failed to parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate rejects values the runtimes cannot work with
func (p Profile) Validate() error {
	c := p.Control
	switch {
	case c.TickPeriodMs <= 0:
		return fmt.Errorf("%w: tick_period_ms must be positive", ErrInvalid)
	case c.MotorFullScale <= 0:
		return fmt.Errorf("%w: motor_full_scale must be positive", ErrInvalid)
	case !c.Strategy.Valid():
		return fmt.Errorf("%w: strategy %s", ErrInvalid, c.Strategy)
	case c.Position.PeriodMs < 0:
		return fmt.Errorf("%w: position period_ms is negative", ErrInvalid)
	case p.Calibration.Speed <= 0:
		return fmt.Errorf("%w: calibration speed must be positive", ErrInvalid)
	case p.Calibration.MaxSeekPolls <= 0 || p.Calibration.MaxCentrePolls <= 0:
		return fmt.Errorf("%w: calibration poll bounds must be positive", ErrInvalid)
	case p.SampleIntervalUs == 0:
		return fmt.Errorf("%w: sample_interval_us must be positive", ErrInvalid)
	}

	pl := p.Plant
	switch {
	case pl.CartMass <= 0 || pl.RodMass+pl.BobMass <= 0:
		return fmt.Errorf("%w: plant masses must be positive", ErrInvalid)
	case pl.PoleLength <= 0 || pl.TrackHalfLength <= 0:
		return fmt.Errorf("%w: plant lengths must be positive", ErrInvalid)
	case pl.MotorTau <= 0 || pl.MotorFullScale <= 0:
		return fmt.Errorf("%w: plant motor model must be positive", ErrInvalid)
	case pl.CountsPerMetre <= 0:
		return fmt.Errorf("%w: counts_per_metre must be positive", ErrInvalid)
	}
	return nil
}

// Marshal renders the profile as YAML
func (p Profile) Marshal() ([]byte, error) {
	return yaml.Marshal(&p)
}

// Script returns the scripted host session of the scenario
func (p Profile) Script() []sim.Step {
	s := p.Scenario
	steps := sim.BalanceScript(s.RaiseTheta, 0)
	if s.PushTorque != 0 {
		steps = append(steps, sim.Push(
			msDuration(s.PushAfterMs), s.PushTorque, msDuration(s.PushLengthMs)))
	}
	return steps
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Duration returns the length of a simulated run
func (s Scenario) Duration() time.Duration {
	return msDuration(s.DurationMs)
}

// FirmwareOptions returns the firmware options the profile configures
func (p Profile) FirmwareOptions() []firmware.Option {
	return []firmware.Option{
		firmware.WithCalibration(p.Calibration),
		firmware.WithSampleInterval(p.SampleIntervalUs),
	}
}
