// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

// Package control implements the cascaded angle/position controller of the
// cart-pole.
//
// The controller is driven by two contexts. Tick runs in the fixed-period
// tick handler and is the only writer of per-cycle state. Everything else
// (configuration, mode changes, direct motor commands, the latency gate)
// runs in the background context and must be called inside a critical
// section that holds off the tick.
package control

import (
	"errors"
	"fmt"
	"math"

	"github.com/cartpole-lab/cartpole/pkg/calibration"
	"github.com/cartpole-lab/cartpole/pkg/filter"
	"github.com/cartpole-lab/cartpole/pkg/hal"
	"github.com/cartpole-lab/cartpole/pkg/pid"
)

// Mode is the controller operating mode
type Mode uint8

// Operating modes
const (
	ModeDisabled    Mode = 0
	ModeEnabled     Mode = 1
	ModeCalibrating Mode = 2
)

// String returns the human-readable mode name
func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "DISABLED"
	case ModeEnabled:
		return "ENABLED"
	case ModeCalibrating:
		return "CALIBRATING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(m))
	}
}

// Mode change errors
var (
	ErrNotCalibrated   = errors.New("control: cart is not calibrated")
	ErrCalibrating     = errors.New("control: calibration in progress")
	ErrUnknownStrategy = errors.New("control: unknown strategy")
)

// Event is a set of conditions latched by the tick for the background
// context to report
type Event uint8

// Events
const (
	EventStallDisable Event = 1 << iota
)

// TickResult is what one tick produced
type TickResult struct {
	Reading  filter.Reading
	Position int // normalized, counts from centre
	Command  int
	Mode     Mode
}

// Snapshot is a consistent copy of the controller state
type Snapshot struct {
	Mode           Mode
	Strategy       pid.Strategy
	Calibrated     bool
	Calibration    calibration.Result
	Reading        filter.Reading
	Position       int
	PositionRaw    int
	Command        int
	MaxSpeed       int
	Stall          int
	StallTicks     int
	Mailbox        int
	LatencyPending bool
	Indicator      bool
}

type pendingCommand struct {
	speed int
	at    uint64
	armed bool
}

// Controller is the dual-loop cart-pole controller
type Controller struct {
	cfg        Config
	mode       Mode
	calibrated bool
	cal        calibration.Result

	cond    *filter.Conditioner
	tracker hal.PositionEncoder
	motor   hal.Actuator
	led     hal.Indicator

	angle         pid.State
	position      pid.State
	positionOnly  pid.State
	angleSmoothed float64
	ctrlPeriod    int
	periodCount   int
	positionCmd   int

	// position loop of the PID strategy, held between periods
	positionSmoothed float64
	positionQ        float64
	positionDt       float64
	lastTick         uint64
	haveLastTick     bool

	stall      int
	stallTicks int
	ledPeriod  int
	ledCount   int
	ledOn      bool

	reading     filter.Reading
	positionRaw int
	positionOff int
	command     int
	mailbox     int
	pending     pendingCommand
	events      Event
}

// New creates a disabled, uncalibrated controller. Limits are guessed around
// the current cart position until the first calibration.
func New(cfg Config, tracker hal.PositionEncoder, motor hal.Actuator, led hal.Indicator) *Controller {
	cfg.normalize()
	if led == nil {
		led = hal.NopIndicator{}
	}
	c := &Controller{
		cfg:     cfg,
		cond:    filter.NewConditioner(cfg.Angle.AverageLen),
		tracker: tracker,
		motor:   motor,
		led:     led,
	}
	c.cfg.Angle.AverageLen = c.cond.Len()
	c.setPeriod(cfg.Position.PeriodMs)
	c.stallTicks = cfg.ticks(StallTimeoutMs)
	c.ledPeriod = cfg.ticks(IdleBlinkMs)
	c.cal = calibration.Guess(tracker.ReadPosition(), LimitGuessHalfSpan)
	return c
}

// Config returns the active configuration
func (c *Controller) Config() Config {
	return c.cfg
}

// Mode returns the operating mode
func (c *Controller) Mode() Mode {
	return c.mode
}

// Enabled reports whether closed-loop control is running
func (c *Controller) Enabled() bool {
	return c.mode == ModeEnabled
}

// Calibrated reports whether a calibration has succeeded
func (c *Controller) Calibrated() bool {
	return c.calibrated
}

// Calibration returns the limits in use
func (c *Controller) Calibration() calibration.Result {
	return c.cal
}

// Sample stores one raw angle reading
func (c *Controller) Sample(raw int, ts uint32) {
	c.cond.Push(raw, ts)
}

// Prime fills the angle window with raw so the first ticks see no step
func (c *Controller) Prime(raw int, ts uint32) {
	c.cond.Prime(raw, ts)
}

// Tick runs one control cycle. It never blocks.
func (c *Controller) Tick(now uint64) TickResult {
	if c.mode == ModeCalibrating {
		return c.result()
	}

	c.reading = c.cond.Update()
	c.updatePosition()

	switch c.mode {
	case ModeEnabled:
		c.command = c.closedLoop(now)
	case ModeDisabled:
		c.stall = 0
		if c.cfg.Angle.Synchronous {
			c.motor.SetSpeed(c.mailbox)
			c.command = c.mailbox
		} else {
			c.command = 0
		}
	}

	c.blink()
	return c.result()
}

func (c *Controller) result() TickResult {
	return TickResult{
		Reading:  c.reading,
		Position: c.positionOff,
		Command:  c.command,
		Mode:     c.mode,
	}
}

// normalize maps an absolute encoder position into the calibrated frame,
// where positive speed always moves toward Right
func (c *Controller) normalize(abs int) int {
	return c.cal.Centre + c.cal.Direction*(abs-c.cal.Centre)
}

func (c *Controller) updatePosition() {
	c.positionRaw = c.normalize(c.tracker.ReadPosition())
	c.positionOff = c.positionRaw - c.cal.Centre
}

func (c *Controller) closedLoop(now uint64) int {
	var command int
	switch c.cfg.Strategy {
	case pid.StrategyPID:
		command = c.stepPID(now)
	case pid.StrategyPositionOnly:
		command = c.stepPositionOnly(now)
	default:
		command = c.stepPD()
	}

	limit := c.cfg.MaxSpeed()
	if command > limit {
		command = limit
	} else if command < -limit {
		command = -limit
	}

	if (command < 0 && c.positionRaw < c.cal.Left+InterlockMargin) ||
		(command > 0 && c.positionRaw > c.cal.Right-InterlockMargin) {
		command = 0
		c.stall++
	} else {
		c.stall = 0
	}

	if c.stall >= c.stallTicks {
		c.disable()
		c.stall = 0
		c.events |= EventStallDisable
		return 0
	}

	if c.cfg.Angle.LatencyUs > 0 {
		c.pending = pendingCommand{speed: command, at: now + uint64(c.cfg.Angle.LatencyUs), armed: true}
	} else {
		c.motor.SetSpeed(command)
	}
	return command
}

// stepPD is the primary strategy: inline angle PD every tick plus a position
// PD that only fires every ctrlPeriod ticks and is held in between
func (c *Controller) stepPD() int {
	a := c.cfg.Angle
	angleErr := float64(c.reading.Angle - a.SetPoint)
	angleCmd := truncate(-(a.KP*angleErr + a.KD*float64(c.reading.Rate)))

	if c.positionDue() {
		p := c.cfg.Position
		e := float64(c.positionOff - p.SetPoint)
		var diff float64
		if p.Smoothing < 1.0 {
			diff = p.Smoothing*e + (1.0-p.Smoothing)*c.position.ErrorPrevious
		} else {
			diff = e - c.position.ErrorPrevious
		}
		c.position.ErrorPrevious = e
		c.positionCmd = truncate(-(p.KP*e + p.KD*diff))
	}

	return angleCmd + c.positionCmd
}

// positionDue advances the position divider and reports whether the
// position loop runs on this tick. A period of zero runs it every tick.
func (c *Controller) positionDue() bool {
	c.periodCount++
	if c.periodCount < c.ctrlPeriod {
		return false
	}
	c.periodCount = 0
	return true
}

// stepPID runs the angle PID every tick and the position PID on the position
// period. Only the angle gains are negated.
func (c *Controller) stepPID(now uint64) int {
	dt := c.dt(now)
	if dt == 0 {
		c.positionDt = 0
	} else {
		c.positionDt += dt
	}

	a := c.cfg.Angle
	e := float64(c.reading.Angle - a.SetPoint)
	if a.Smoothing < 1.0 {
		e = a.Smoothing*e + (1.0-a.Smoothing)*c.angleSmoothed
	}
	c.angleSmoothed = e
	ga := pid.Gains{KP: a.KP, KI: a.KI, KD: a.KD}
	qa := pid.Step(&c.angle, e, dt, ga.Negate(), c.cfg.Sensitivity, pid.AntiWindup(a.KI))

	if c.positionDue() {
		p := c.cfg.Position
		ep := float64(c.positionOff - p.SetPoint)
		if p.Smoothing < 1.0 {
			ep = p.Smoothing*ep + (1.0-p.Smoothing)*c.positionSmoothed
		}
		c.positionSmoothed = ep
		gp := pid.Gains{KP: p.KP, KI: p.KI, KD: p.KD}
		c.positionQ = pid.Step(&c.position, ep, c.positionDt, gp, c.cfg.Sensitivity, pid.AntiWindup(p.KI))
		c.positionDt = 0
	}

	return truncate(qa + c.positionQ)
}

func (c *Controller) stepPositionOnly(now uint64) int {
	dt := c.dt(now)
	ep := float64(c.positionOff - c.cfg.Position.SetPoint)
	q := pid.Step(&c.positionOnly, ep, dt, c.cfg.PositionOnly.Negate(), c.cfg.Sensitivity, PositionOnlyIntegralClip)
	return truncate(q)
}

// dt returns seconds since the previous closed-loop tick, or 0 on the first
// tick and after a gap
func (c *Controller) dt(now uint64) float64 {
	dt := 0.0
	if c.haveLastTick && now > c.lastTick {
		dt = float64(now-c.lastTick) / 1e6
	}
	if dt > maxGapSeconds {
		dt = 0
	}
	c.lastTick = now
	c.haveLastTick = true
	return dt
}

func (c *Controller) blink() {
	c.ledCount++
	if c.ledCount >= c.ledPeriod {
		c.ledCount = 0
		c.ledOn = !c.ledOn
		c.led.SetIndicator(c.ledOn)
	}
}

// SetEnabled switches closed-loop control. Enabling requires a calibrated
// cart.
func (c *Controller) SetEnabled(en bool) error {
	if c.mode == ModeCalibrating {
		return ErrCalibrating
	}
	if en && !c.calibrated {
		return ErrNotCalibrated
	}
	if en && c.mode == ModeDisabled {
		c.enable()
	} else if !en && c.mode == ModeEnabled {
		c.disable()
	}
	return nil
}

func (c *Controller) enable() {
	c.angle.Reset()
	c.position.Reset()
	c.positionOnly.Reset()
	c.angleSmoothed = 0
	c.resetPositionLoop()
	c.haveLastTick = false
	c.stall = 0
	c.pending.armed = false
	c.ledPeriod = c.cfg.ticks(ActiveBlinkMs)
	c.mode = ModeEnabled
}

func (c *Controller) resetPositionLoop() {
	c.periodCount = c.ctrlPeriod - 1
	c.positionCmd = 0
	c.positionSmoothed = 0
	c.positionQ = 0
	c.positionDt = 0
}

func (c *Controller) disable() {
	c.motor.Stop()
	c.mailbox = 0
	c.pending.armed = false
	c.ledPeriod = c.cfg.ticks(IdleBlinkMs)
	c.mode = ModeDisabled
}

// SetAngleConfig replaces the angle configuration. The averaging length is
// clamped to the sample buffer capacity.
func (c *Controller) SetAngleConfig(a AngleConfig) {
	a.AverageLen = filter.ClampLength(a.AverageLen)
	if a.AverageLen != c.cond.Len() {
		c.cond.Resize(a.AverageLen)
	}
	c.cfg.Angle = a
	c.angle.Reset()
	c.angleSmoothed = 0
}

// SetPositionConfig replaces the position configuration and recomputes the
// tick divider. The stored period is rounded down to whole ticks; a period
// shorter than one tick is stored as 0 and runs the position loop every
// tick.
func (c *Controller) SetPositionConfig(p PositionConfig) {
	c.cfg.Position = p
	c.setPeriod(p.PeriodMs)
	c.position.Reset()
	c.positionOnly.Reset()
}

func (c *Controller) setPeriod(ms int) {
	c.ctrlPeriod = 0
	if ms > 0 {
		c.ctrlPeriod = ms / c.cfg.TickPeriodMs
	}
	c.cfg.Position.PeriodMs = c.ctrlPeriod * c.cfg.TickPeriodMs
	c.resetPositionLoop()
}

// SetStrategy selects the control strategy and clears every loop
func (c *Controller) SetStrategy(s pid.Strategy) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownStrategy, uint8(s))
	}
	c.cfg.Strategy = s
	c.angle.Reset()
	c.position.Reset()
	c.positionOnly.Reset()
	c.angleSmoothed = 0
	c.resetPositionLoop()
	c.haveLastTick = false
	return nil
}

// SetMotor routes a host motor command. In synchronous mode it lands in the
// mailbox that the tick applies while disabled; otherwise it is applied at
// once if control is disabled and the cart is not pushed into a limit.
func (c *Controller) SetMotor(speed int) {
	if c.cfg.Angle.Synchronous {
		c.mailbox = speed
		return
	}
	if c.mode != ModeDisabled {
		return
	}
	pos := c.normalize(c.tracker.ReadPosition())
	if (speed < 0 && pos < c.cal.Left+PassthroughMargin) ||
		(speed > 0 && pos > c.cal.Right-PassthroughMargin) {
		c.motor.Stop()
		return
	}
	c.motor.SetSpeed(speed)
}

// ApplyPending applies a latency-delayed command once its time has come.
// It reports whether a command was applied.
func (c *Controller) ApplyPending(now uint64) bool {
	if !c.pending.armed || now < c.pending.at {
		return false
	}
	c.motor.SetSpeed(c.pending.speed)
	c.pending.armed = false
	return true
}

// BeginCalibration stops control and hands the motor to the calibration
// sequence. Tick does nothing until EndCalibration, and control stays off
// afterwards even if it was on before.
func (c *Controller) BeginCalibration() {
	if c.mode == ModeEnabled {
		c.disable()
	}
	c.motor.Stop()
	c.mode = ModeCalibrating
}

// EndCalibration installs the result of a calibration run. A failed run
// leaves the cart uncalibrated.
func (c *Controller) EndCalibration(res calibration.Result, err error) {
	if err == nil {
		c.cal = res
		c.calibrated = true
	} else {
		c.calibrated = false
	}
	c.mailbox = 0
	c.ledPeriod = c.cfg.ticks(IdleBlinkMs)
	c.ledCount = 0
	c.mode = ModeDisabled
}

// TakeEvents returns and clears the latched events
func (c *Controller) TakeEvents() Event {
	e := c.events
	c.events = 0
	return e
}

// Snapshot returns a copy of the controller state
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		Mode:           c.mode,
		Strategy:       c.cfg.Strategy,
		Calibrated:     c.calibrated,
		Calibration:    c.cal,
		Reading:        c.reading,
		Position:       c.positionOff,
		PositionRaw:    c.positionRaw,
		Command:        c.command,
		MaxSpeed:       c.cfg.MaxSpeed(),
		Stall:          c.stall,
		StallTicks:     c.stallTicks,
		Mailbox:        c.mailbox,
		LatencyPending: c.pending.armed,
		Indicator:      c.ledOn,
	}
}

// truncate converts a control signal to an integer command, toward zero,
// bounded well inside the int range
func truncate(v float64) int {
	const bound = 1 << 30
	if math.IsNaN(v) {
		return 0
	}
	if v > bound {
		return bound
	}
	if v < -bound {
		return -bound
	}
	return int(v)
}
