// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package gpioled

import (
	"errors"
	"testing"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/gpio/gpiotest"
)

func TestSetIndicator(t *testing.T) {
	tests := []struct {
		name      string
		activeLow bool
		on        bool
		want      gpio.Level
	}{
		{"active high on", false, true, gpio.High},
		{"active high off", false, false, gpio.Low},
		{"active low on", true, true, gpio.Low},
		{"active low off", true, false, gpio.High},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &gpiotest.Pin{N: "LED", L: gpio.High}
			led, err := New(p, tt.activeLow)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got, want := p.Read(), gpio.Level(tt.activeLow); got != want {
				t.Errorf("level after New = %v, want off (%v)", got, want)
			}
			led.SetIndicator(tt.on)
			if got := p.Read(); got != tt.want {
				t.Errorf("level = %v, want %v", got, tt.want)
			}
			if led.On() != tt.on {
				t.Errorf("On() = %v", led.On())
			}
		})
	}
}

func TestLookup(t *testing.T) {
	p := &gpiotest.Pin{N: "CARTPOLE_TEST_LED", Num: 901}
	if err := gpioreg.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}
	led, err := Lookup("CARTPOLE_TEST_LED", false)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	led.SetIndicator(true)
	if p.Read() != gpio.High {
		t.Errorf("pin not driven high")
	}
	if err := led.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if p.Read() != gpio.Low {
		t.Errorf("Close left the LED on")
	}

	if _, err := Lookup("CARTPOLE_NO_SUCH_PIN", false); err == nil {
		t.Error("Lookup of an unknown pin succeeded")
	}
}

type failingPin struct {
	fail bool
}

var errBus = errors.New("bus error")

func (p *failingPin) Out(gpio.Level) error {
	if p.fail {
		return errBus
	}
	return nil
}
func (p *failingPin) Halt() error    { return nil }
func (p *failingPin) String() string { return "failing" }

func TestWriteFailuresCounted(t *testing.T) {
	p := &failingPin{}
	led, err := New(p, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.fail = true
	led.SetIndicator(true)
	led.SetIndicator(false)

	n, err := led.Failures()
	if n != 2 || !errors.Is(err, errBus) {
		t.Errorf("Failures() = %d, %v", n, err)
	}

	if _, err := New(p, false); !errors.Is(err, errBus) {
		t.Errorf("New on a failing pin = %v", err)
	}
}
