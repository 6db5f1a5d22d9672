// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

// Package gpioled drives the status indicator from a GPIO pin
package gpioled

import (
	"fmt"
	"sync"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

// Pin is the part of a GPIO output the indicator uses
type Pin interface {
	Out(l gpio.Level) error
	Halt() error
	String() string
}

// LED implements hal.Indicator on a GPIO pin. Write failures are counted and
// the first one is kept; the tick never sees them.
type LED struct {
	pin       Pin
	activeLow bool

	mu       sync.Mutex
	on       bool
	failures int
	err      error
}

// Open initializes the host drivers and returns the LED on the named pin,
// for example "GPIO17"
func Open(name string, activeLow bool) (*LED, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize GPIO host: %w", err)
	}
	return Lookup(name, activeLow)
}

// Lookup returns the LED on a pin already registered with gpioreg
func Lookup(name string, activeLow bool) (*LED, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio pin %q not found", name)
	}
	return New(p, activeLow)
}

// New drives pin and switches the LED off
func New(pin Pin, activeLow bool) (*LED, error) {
	l := &LED{pin: pin, activeLow: activeLow}
	if err := pin.Out(l.level(false)); err != nil {
		return nil, fmt.Errorf("failed to drive %s: %w", pin, err)
	}
	return l, nil
}

func (l *LED) level(on bool) gpio.Level {
	return gpio.Level(on != l.activeLow)
}

// SetIndicator switches the LED
func (l *LED) SetIndicator(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.on = on
	if err := l.pin.Out(l.level(on)); err != nil {
		l.failures++
		if l.err == nil {
			l.err = fmt.Errorf("failed to drive %s: %w", l.pin, err)
		}
	}
}

// On returns the last state written
func (l *LED) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// Failures returns the number of failed writes and the first failure
func (l *LED) Failures() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures, l.err
}

// Close switches the LED off and releases the pin
func (l *LED) Close() error {
	l.SetIndicator(false)
	return l.pin.Halt()
}
