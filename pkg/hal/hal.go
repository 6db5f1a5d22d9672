// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

// Package hal defines the hardware capabilities the controller core calls
// into. Implementations are supplied at construction: the simulated cart in
// package sim, peripheral drivers on a board, or mocks in tests.
package hal

import (
	"errors"
	"sync"
)

// AngleSensor reads the pendulum angle ADC
type AngleSensor interface {
	ReadAngle() int
}

// PositionEncoder reads the raw 16-bit cart encoder counter
type PositionEncoder interface {
	ReadPosition() int
}

// Actuator drives the cart motor. Positive speed moves the cart toward
// increasing encoder counts on a correctly wired cart.
type Actuator interface {
	SetSpeed(speed int)
	Stop()
}

// Clock is the microsecond system timer
type Clock interface {
	Now() uint64
	SleepMs(ms uint32)
}

// Transport is the non-blocking byte link to the host
type Transport interface {
	Send(frame []byte)
	TryReceiveByte() (byte, bool)
}

// Interrupts suppresses the control tick for the duration of a critical
// section
type Interrupts interface {
	Disable()
	Enable()
}

// Indicator is the status LED
type Indicator interface {
	SetIndicator(on bool)
}

// Board bundles every capability the firmware needs
type Board struct {
	Angle     AngleSensor
	Position  PositionEncoder
	Motor     Actuator
	Clock     Clock
	Link      Transport
	IRQ       Interrupts
	Indicator Indicator
}

// ErrMissingCapability is returned when a Board is incomplete
var ErrMissingCapability = errors.New("hal: board is missing a capability")

// Validate checks that every mandatory capability is present and fills the
// optional ones with no-op implementations.
func (b *Board) Validate() error {
	if b.Angle == nil || b.Position == nil || b.Motor == nil || b.Clock == nil || b.Link == nil {
		return ErrMissingCapability
	}
	if b.IRQ == nil {
		b.IRQ = NoInterrupts{}
	}
	if b.Indicator == nil {
		b.Indicator = NopIndicator{}
	}
	return nil
}

// InterruptLock emulates interrupt masking on a hosted OS. The tick driver
// runs the handler through RunHandler, so a background critical section
// delays the tick until it ends, the same way a masked timer interrupt is
// taken late.
type InterruptLock struct {
	mu sync.Mutex
}

// Disable enters a critical section
func (l *InterruptLock) Disable() {
	l.mu.Lock()
}

// Enable leaves a critical section
func (l *InterruptLock) Enable() {
	l.mu.Unlock()
}

// RunHandler runs f as the tick handler. f must not enter a critical
// section itself.
func (l *InterruptLock) RunHandler(f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f()
}

// NoInterrupts is used when tick and background run on one goroutine
type NoInterrupts struct{}

func (NoInterrupts) Disable() {}
func (NoInterrupts) Enable()  {}

// NopIndicator discards LED updates
type NopIndicator struct{}

func (NopIndicator) SetIndicator(bool) {}
