// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

// Package sim is a virtual cart-pole: a rigid-body plant integrated with
// RK4, wrapped in a board that implements every hal capability, and a
// runner that drives the firmware through a scripted host session.
package sim

import "math"

// Params describe the physical cart and its sensors
type Params struct {
	CartMass        float64 `yaml:"cart_mass"`         // kg
	RodMass         float64 `yaml:"rod_mass"`          // kg
	BobMass         float64 `yaml:"bob_mass"`          // kg
	PoleLength      float64 `yaml:"pole_length"`       // m
	Gravity         float64 `yaml:"gravity"`           // m/s^2
	CartDamping     float64 `yaml:"cart_damping"`      // N per m/s
	PoleDamping     float64 `yaml:"pole_damping"`      // 1/s
	MaxVelocity     float64 `yaml:"max_velocity"`      // m/s at full-scale speed
	MotorTau        float64 `yaml:"motor_tau"`         // s, velocity loop time constant
	MotorFullScale  int     `yaml:"motor_full_scale"`  // speed units at MaxVelocity
	TrackHalfLength float64 `yaml:"track_half_length"` // m
	CountsPerMetre  float64 `yaml:"counts_per_metre"`
	EncoderOffset   int     `yaml:"encoder_offset"`   // counter value at x = 0
	ReversedEncoder bool    `yaml:"reversed_encoder"` // counter runs down for positive speed
	AngleUpright    int     `yaml:"angle_upright"`    // ADC counts with the pole upright
	AngleNoise      float64 `yaml:"angle_noise"`      // ADC counts, standard deviation
	PopcornRate     float64 `yaml:"popcorn_rate"`     // probability per sample
	PopcornSize     int     `yaml:"popcorn_size"`     // ADC counts
	Seed            int64   `yaml:"seed"`
}

// DefaultParams returns a bench-sized cart with a light rod
func DefaultParams() Params {
	return Params{
		CartMass:        0.5,
		RodMass:         0.05,
		BobMass:         0,
		PoleLength:      0.4,
		Gravity:         9.81,
		CartDamping:     0,
		PoleDamping:     0.05,
		MaxVelocity:     1.0,
		MotorTau:        0.05,
		MotorFullScale:  7200,
		TrackHalfLength: 0.25,
		CountsPerMetre:  20000,
		EncoderOffset:   65000,
		AngleUpright:    3148,
		AngleNoise:      1,
		Seed:            1,
	}
}

// pole holds the lumped properties of a uniform rod with a bob at the tip
type pole struct {
	mass          float64
	lCom          float64
	iPivot        float64
	inertiaFactor float64
}

func newPole(p Params) pole {
	m := p.RodMass + p.BobMass
	l := p.PoleLength
	lCom := (p.RodMass*l*0.5 + p.BobMass*l) / m
	iPivot := (1.0/3.0)*p.RodMass*l*l + p.BobMass*l*l
	iCom := iPivot - m*lCom*lCom
	return pole{
		mass:          m,
		lCom:          lCom,
		iPivot:        iPivot,
		inertiaFactor: 1.0 + iCom/(m*lCom*lCom),
	}
}

// State is the plant state. Theta is zero upright and positive when the pole
// leans toward +X.
type State struct {
	X        float64
	XDot     float64
	Theta    float64
	ThetaDot float64
}

type deriv struct {
	xDot, xDDot, thetaDot, thetaDDot float64
}

// Plant integrates the cart-pole equations of motion
type Plant struct {
	p     Params
	pole  pole
	state State
	force float64
}

// NewPlant creates a plant at rest with the pole upright at the track centre
func NewPlant(p Params) *Plant {
	return &Plant{p: p, pole: newPole(p)}
}

// State returns the current state
func (pl *Plant) State() State {
	return pl.state
}

// SetState replaces the state
func (pl *Plant) SetState(s State) {
	pl.state = s
}

// Force returns the cart force of the last step
func (pl *Plant) Force() float64 {
	return pl.force
}

func (pl *Plant) dynamics(s State, u, tauExt float64) deriv {
	m := pl.pole.mass
	l := pl.pole.lCom
	total := pl.p.CartMass + m
	pml := m * l

	sinT := math.Sin(s.Theta)
	cosT := math.Cos(s.Theta)

	f := u - pl.p.CartDamping*s.XDot
	temp := (f + pml*s.ThetaDot*s.ThetaDot*sinT) / total
	denom := l * (pl.pole.inertiaFactor - (m*cosT*cosT)/total)

	thetaDDot := (pl.p.Gravity*sinT - cosT*temp) / denom
	thetaDDot -= pl.p.PoleDamping * s.ThetaDot
	thetaDDot += tauExt / pl.pole.iPivot

	return deriv{
		xDot:      s.XDot,
		xDDot:     temp - pml*thetaDDot*cosT/total,
		thetaDot:  s.ThetaDot,
		thetaDDot: thetaDDot,
	}
}

// Step advances the plant by dt seconds. The motor is a velocity servo:
// speed is the commanded speed in motor units, converted to a force that
// closes the velocity error with time constant MotorTau.
func (pl *Plant) Step(dt float64, speed int, tauExt float64) {
	s := &pl.state
	target := pl.p.MaxVelocity * float64(speed) / float64(pl.p.MotorFullScale)
	u := (pl.p.CartMass + pl.pole.mass) * (target - s.XDot) / pl.p.MotorTau
	pl.force = u

	add := func(a State, k deriv, h float64) State {
		a.X += h * k.xDot
		a.XDot += h * k.xDDot
		a.Theta += h * k.thetaDot
		a.ThetaDot += h * k.thetaDDot
		return a
	}

	k1 := pl.dynamics(*s, u, tauExt)
	k2 := pl.dynamics(add(*s, k1, 0.5*dt), u, tauExt)
	k3 := pl.dynamics(add(*s, k2, 0.5*dt), u, tauExt)
	k4 := pl.dynamics(add(*s, k3, dt), u, tauExt)

	s.X += (dt / 6.0) * (k1.xDot + 2.0*k2.xDot + 2.0*k3.xDot + k4.xDot)
	s.XDot += (dt / 6.0) * (k1.xDDot + 2.0*k2.xDDot + 2.0*k3.xDDot + k4.xDDot)
	s.Theta += (dt / 6.0) * (k1.thetaDot + 2.0*k2.thetaDot + 2.0*k3.thetaDot + k4.thetaDot)
	s.ThetaDot += (dt / 6.0) * (k1.thetaDDot + 2.0*k2.thetaDDot + 2.0*k3.thetaDDot + k4.thetaDDot)
	s.Theta = wrapToPi(s.Theta)

	pl.enforceTrack()
}

// enforceTrack stops the cart dead at the end stops
func (pl *Plant) enforceTrack() {
	s := &pl.state
	lim := pl.p.TrackHalfLength
	if s.X > lim {
		s.X = lim
		if s.XDot > 0 {
			s.XDot = 0
		}
	}
	if s.X < -lim {
		s.X = -lim
		if s.XDot < 0 {
			s.XDot = 0
		}
	}
}

func wrapToPi(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// Pulse is a half-sine torque disturbance on the pole pivot
type Pulse struct {
	Start    float64 // s
	Duration float64 // s
	Torque   float64 // N*m peak, positive pushes toward +X
}

// TorqueAt returns the pulse torque at time t
func (p Pulse) TorqueAt(t float64) float64 {
	if p.Duration <= 0 || t < p.Start || t > p.Start+p.Duration {
		return 0
	}
	return p.Torque * math.Sin(math.Pi*(t-p.Start)/p.Duration)
}
