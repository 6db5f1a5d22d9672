// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package sim

import (
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"github.com/cartpole-lab/cartpole/pkg/control"
	"github.com/cartpole-lab/cartpole/pkg/firmware"
	"github.com/cartpole-lab/cartpole/pkg/protocol"
)

// Step is one action of the scripted host session. A step runs Delay after
// the previous one, and not before Until reports true.
type Step struct {
	Name  string
	Delay time.Duration
	Until func(firmware.Snapshot) bool
	Frame []byte
	Apply func(*Board)
}

// Send returns a step that writes a frame to the device
func Send(name string, delay time.Duration, frame []byte) Step {
	return Step{Name: name, Delay: delay, Frame: frame}
}

// WaitFor returns a step that holds the script until cond is true
func WaitFor(name string, cond func(firmware.Snapshot) bool) Step {
	return Step{Name: name, Until: cond}
}

// Raise returns a step that stands the pole up at theta radians
func Raise(delay time.Duration, theta float64) Step {
	return Step{
		Name:  fmt.Sprintf("raise pole to %.3f rad", theta),
		Delay: delay,
		Apply: func(b *Board) { b.RaisePole(theta) },
	}
}

// Push returns a step that applies a torque pulse to the pole
func Push(delay time.Duration, torque float64, duration time.Duration) Step {
	return Step{
		Name:  fmt.Sprintf("push %.3f N*m for %s", torque, duration),
		Delay: delay,
		Apply: func(b *Board) { b.Push(torque, duration.Seconds()) },
	}
}

// BalanceScript calibrates the cart, stands the pole up at theta and
// enables control, then pushes the pole once
func BalanceScript(theta, pushTorque float64) []Step {
	steps := []Step{
		Send("stream on", 10*time.Millisecond, protocol.NewStreamOn(true)),
		Send("calibrate", 10*time.Millisecond, protocol.NewCalibrate()),
		WaitFor("calibrated", func(s firmware.Snapshot) bool {
			return s.Control.Calibrated && s.Control.Mode == control.ModeDisabled
		}),
		Raise(200*time.Millisecond, theta),
		Send("enable control", 50*time.Millisecond, protocol.NewControlMode(true)),
	}
	if pushTorque != 0 {
		steps = append(steps, Push(2*time.Second, pushTorque, 100*time.Millisecond))
	}
	return steps
}

// Sample is one traced control tick
type Sample struct {
	T        float64 // s
	X        float64 // m
	Theta    float64 // rad
	Angle    int     // filtered ADC counts
	Position int     // normalized encoder counts
	Command  int
	Mode     control.Mode
}

// Summary describes a finished run
type Summary struct {
	Duration       time.Duration
	Ticks          int
	EnabledTicks   int
	MaxAbsTheta    float64 // while enabled
	MaxAbsX        float64 // while enabled
	FinalMode      control.Mode
	Calibrated     bool
	StepsRun       int
	Replies        int
	Telemetry      int
	LinkErrors     uint64
	FinalSnapshot  firmware.Snapshot
	EnabledSeconds float64
}

// String renders the summary for the console
func (s Summary) String() string {
	return fmt.Sprintf(
		"ran %s: %d ticks, %d enabled (%.2f s), max |theta| %.4f rad, max |x| %.4f m, final mode %s, %d replies, %d telemetry frames, %d link errors",
		s.Duration, s.Ticks, s.EnabledTicks, s.EnabledSeconds, s.MaxAbsTheta, s.MaxAbsX,
		s.FinalMode, s.Replies, s.Telemetry, s.LinkErrors)
}

// Runner drives a Firmware on a Board in simulated time
type Runner struct {
	Board        *Board
	Firmware     *firmware.Firmware
	TickPeriodUs uint64
	Log          *log.Logger

	trace []Sample
}

// NewRunner creates a runner. tickMs is the control period.
func NewRunner(b *Board, fw *firmware.Firmware, tickMs int) *Runner {
	if tickMs <= 0 {
		tickMs = control.DefaultTickPeriodMs
	}
	return &Runner{
		Board:        b,
		Firmware:     fw,
		TickPeriodUs: uint64(tickMs) * 1000,
		Log:          log.New(io.Discard, "", 0),
	}
}

// Trace returns the ticks recorded by Run
func (r *Runner) Trace() []Sample {
	return r.trace
}

// Run steps the simulation for d of simulated time, running the script as
// it goes. The background loop runs once per physics step and the tick on
// every control period. Ticks missed while the background loop was busy
// calibrating are skipped.
func (r *Runner) Run(d time.Duration, script []Step) Summary {
	b := r.Board
	start := b.Now()
	end := start + uint64(d.Microseconds())
	nextTick := start + r.TickPeriodUs

	sum := Summary{}
	stepIdx := 0
	stepAt := start

	for b.Now() < end {
		now := b.Now()
		for stepIdx < len(script) {
			st := script[stepIdx]
			if now < stepAt+uint64(st.Delay.Microseconds()) {
				break
			}
			if st.Until != nil && !st.Until(r.Firmware.Snapshot()) {
				break
			}
			r.Log.Printf("[%8.3f s] %s", float64(now-start)/1e6, st.Name)
			if st.Frame != nil {
				b.HostWrite(st.Frame)
			}
			if st.Apply != nil {
				st.Apply(b)
			}
			stepIdx++
			stepAt = now
			sum.StepsRun++
		}

		r.Firmware.Background()
		b.Advance(PhysicsStepUs)

		now = b.Now()
		if now >= nextTick {
			r.Firmware.Tick()
			r.record(now, &sum)
			nextTick += r.TickPeriodUs
			if now >= nextTick {
				nextTick = now + r.TickPeriodUs
			}
		}
		r.collect(&sum)
	}

	snap := r.Firmware.Snapshot()
	sum.Duration = time.Duration(b.Now()-start) * time.Microsecond
	sum.FinalMode = snap.Control.Mode
	sum.Calibrated = snap.Control.Calibrated
	sum.LinkErrors = snap.Stats.Errors()
	sum.FinalSnapshot = snap
	sum.EnabledSeconds = float64(sum.EnabledTicks) * float64(r.TickPeriodUs) / 1e6
	return sum
}

func (r *Runner) record(now uint64, sum *Summary) {
	snap := r.Firmware.Snapshot()
	st := r.Board.State()
	s := Sample{
		T:        float64(now) / 1e6,
		X:        st.X,
		Theta:    st.Theta,
		Angle:    snap.Control.Reading.Angle,
		Position: snap.Control.Position,
		Command:  snap.Control.Command,
		Mode:     snap.Control.Mode,
	}
	r.trace = append(r.trace, s)

	sum.Ticks++
	if s.Mode == control.ModeEnabled {
		sum.EnabledTicks++
		sum.MaxAbsTheta = math.Max(sum.MaxAbsTheta, math.Abs(s.Theta))
		sum.MaxAbsX = math.Max(sum.MaxAbsX, math.Abs(s.X))
	}
}

// collect drains device frames, counting replies and telemetry
func (r *Runner) collect(sum *Summary) {
	for _, fr := range r.Board.HostRead() {
		if len(fr) > 1 && fr[1] == protocol.CmdState {
			sum.Telemetry++
			continue
		}
		sum.Replies++
		r.Log.Printf("reply %s", protocol.FormatFrame(fr))
	}
}
