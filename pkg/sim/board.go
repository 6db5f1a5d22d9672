// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package sim

import (
	"math"
	"math/rand"
	"sync"

	"github.com/cartpole-lab/cartpole/pkg/hal"
	"github.com/cartpole-lab/cartpole/pkg/wrapmath"
)

// PhysicsStepUs is the integration step of the plant
const PhysicsStepUs = 100

// Board is the virtual cart hardware. It implements the angle sensor,
// encoder, motor, clock, host link and indicator. All methods are safe for
// concurrent use.
//
// Time is simulated: Advance and SleepMs move the plant forward. A hosted
// runtime that wants wall-clock time calls Advance from its own goroutine
// and supplies its own Clock.
type Board struct {
	mu     sync.Mutex
	p      Params
	plant  *Plant
	rng    *rand.Rand
	now    uint64
	speed  int
	pulses []Pulse
	led    bool

	toDevice   []byte
	fromDevice [][]byte
}

// NewBoard creates a board with the cart at rest at the track centre
func NewBoard(p Params) *Board {
	return &Board{
		p:     p,
		plant: NewPlant(p),
		rng:   rand.New(rand.NewSource(p.Seed)),
	}
}

// HAL returns the board as the firmware collaborators. Interrupts are left
// out: the simulation runs tick and background on one goroutine.
func (b *Board) HAL() hal.Board {
	return hal.Board{
		Angle:     b,
		Position:  b,
		Motor:     b,
		Clock:     b,
		Link:      b,
		Indicator: b,
	}
}

// Params returns the board parameters
func (b *Board) Params() Params {
	return b.p
}

// ReadAngle samples the angle ADC
func (b *Board) ReadAngle() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	theta := b.plant.State().Theta
	v := float64(b.p.AngleUpright) - theta*float64(wrapmath.ADCRange)/(2*math.Pi)
	if b.p.AngleNoise > 0 {
		v += b.rng.NormFloat64() * b.p.AngleNoise
	}
	if b.p.PopcornRate > 0 && b.rng.Float64() < b.p.PopcornRate {
		if b.rng.Intn(2) == 0 {
			v += float64(b.p.PopcornSize)
		} else {
			v -= float64(b.p.PopcornSize)
		}
	}
	return wrapmath.ADCRange.Wrap(int(math.Round(v)))
}

// ReadPosition reads the 16-bit encoder counter
func (b *Board) ReadPosition() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counter()
}

func (b *Board) counter() int {
	counts := int(math.Round(b.plant.State().X * b.p.CountsPerMetre))
	if b.p.ReversedEncoder {
		counts = -counts
	}
	return wrapmath.EncoderRange.Wrap(b.p.EncoderOffset + counts)
}

// SetSpeed commands the motor
func (b *Board) SetSpeed(speed int) {
	b.mu.Lock()
	b.speed = speed
	b.mu.Unlock()
}

// Stop commands zero speed
func (b *Board) Stop() {
	b.SetSpeed(0)
}

// Speed returns the last motor command
func (b *Board) Speed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speed
}

// Now returns the simulated time in microseconds
func (b *Board) Now() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now
}

// SleepMs advances simulated time
func (b *Board) SleepMs(ms uint32) {
	b.Advance(uint64(ms) * 1000)
}

// Advance integrates the plant forward by us microseconds
func (b *Board) Advance(us uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for us > 0 {
		step := uint64(PhysicsStepUs)
		if us < step {
			step = us
		}
		t := float64(b.now) / 1e6
		tau := 0.0
		for _, p := range b.pulses {
			tau += p.TorqueAt(t)
		}
		b.plant.Step(float64(step)/1e6, b.speed, tau)
		b.now += step
		us -= step
	}
}

// State returns the plant state
func (b *Board) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.plant.State()
}

// RaisePole stands the pole up at theta with the cart held still, the way
// an operator places it by hand
func (b *Board) RaisePole(theta float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.plant.State()
	s.Theta = theta
	s.ThetaDot = 0
	s.XDot = 0
	b.plant.SetState(s)
}

// Push schedules a disturbance starting now
func (b *Board) Push(torque, duration float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pulses = append(b.pulses, Pulse{Start: float64(b.now) / 1e6, Duration: duration, Torque: torque})
}

// SetIndicator records the LED state
func (b *Board) SetIndicator(on bool) {
	b.mu.Lock()
	b.led = on
	b.mu.Unlock()
}

// Indicator returns the LED state
func (b *Board) Indicator() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.led
}

// Send takes a frame from the device
func (b *Board) Send(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fromDevice = append(b.fromDevice, append([]byte(nil), frame...))
}

// TryReceiveByte hands the device the next host byte
func (b *Board) TryReceiveByte() (byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.toDevice) == 0 {
		return 0, false
	}
	c := b.toDevice[0]
	b.toDevice = b.toDevice[1:]
	return c, true
}

// HostWrite queues bytes from the host to the device
func (b *Board) HostWrite(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toDevice = append(b.toDevice, data...)
}

// HostPending returns the number of host bytes not yet received
func (b *Board) HostPending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.toDevice)
}

// HostRead returns and clears the frames sent by the device
func (b *Board) HostRead() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.fromDevice
	b.fromDevice = nil
	return out
}
