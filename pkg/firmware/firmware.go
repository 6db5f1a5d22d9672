// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

// Package firmware ties the controller to its hardware and the host link.
//
// Two entry points run in two contexts. Tick is the fixed-period control
// handler: it filters the angle, runs the controller and streams telemetry.
// Background is called in a loop at lower priority: it samples the angle
// sensor, applies delayed commands, receives and dispatches host frames and
// runs calibration. Background touches state shared with Tick only inside a
// critical section.
package firmware

import (
	"io"
	"log"
	"math"
	"sync/atomic"

	"github.com/cartpole-lab/cartpole/pkg/calibration"
	"github.com/cartpole-lab/cartpole/pkg/control"
	"github.com/cartpole-lab/cartpole/pkg/hal"
	"github.com/cartpole-lab/cartpole/pkg/protocol"
	"github.com/cartpole-lab/cartpole/pkg/recorder"
)

// DefaultSampleIntervalUs is the angle sampling period
const DefaultSampleIntervalUs = 100

// ringSize is the number of tick records held for the recorder
const ringSize = 64

// Sink receives the flight recording. It is only called from Background.
type Sink interface {
	Write(e recorder.Entry) error
	WriteEvent(ev recorder.Event) error
}

// Option configures a Firmware
type Option func(*Firmware)

// WithLogger sets the logger used by the background context
func WithLogger(l *log.Logger) Option {
	return func(f *Firmware) {
		if l != nil {
			f.log = l
		}
	}
}

// WithCalibration sets the calibration tuning
func WithCalibration(p calibration.Params) Option {
	return func(f *Firmware) {
		f.calParams = p
	}
}

// WithSampleInterval sets the angle sampling period in microseconds
func WithSampleInterval(us uint32) Option {
	return func(f *Firmware) {
		f.sampleIntervalUs = uint64(us)
	}
}

// WithRecorder streams every tick and event to s
func WithRecorder(s Sink) Option {
	return func(f *Firmware) {
		f.sink = s
	}
}

type capture struct {
	active   bool
	want     int
	n        int
	interval uint64
	next     uint64
	samples  [protocol.MaxRawAngleSamples]uint16
}

// Firmware is the controller runtime for one board
type Firmware struct {
	board     hal.Board
	ctrl      *control.Controller
	tracker   *control.PositionTracker
	calParams calibration.Params
	calib     *calibration.Sequencer
	rx        *protocol.Receiver
	stats     *protocol.Statistics
	log       *log.Logger
	sink      Sink

	sampleIntervalUs uint64
	lastSample       uint64

	// shared with the tick
	recording    bool
	stream       bool
	seq          uint8
	timeSent     uint32
	timeReceived uint32
	telemetry    [protocol.LenState]byte
	ring         [ringSize]recorder.Entry
	ringHead     int
	ringLen      int
	ringDropped  uint64

	// background only
	tx      [protocol.MaxReplyLen]byte
	capture capture
	button  atomic.Bool
}

// New builds the firmware for board. The board must provide every mandatory
// capability.
func New(board hal.Board, cfg control.Config, opts ...Option) (*Firmware, error) {
	if err := board.Validate(); err != nil {
		return nil, err
	}

	f := &Firmware{
		board:            board,
		calParams:        calibration.DefaultParams(),
		stats:            protocol.NewStatistics(),
		log:              log.New(io.Discard, "", 0),
		sampleIntervalUs: DefaultSampleIntervalUs,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.recording = f.sink != nil

	f.rx = protocol.NewReceiver(f.stats)
	f.tracker = control.NewPositionTracker(board.Position)
	f.ctrl = control.New(cfg, f.tracker, board.Motor, board.Indicator)
	f.calib = calibration.NewSequencer(f.calParams, f.tracker, board.Motor, board.Clock, board.Indicator)

	now := board.Clock.Now()
	f.ctrl.Prime(board.Angle.ReadAngle(), uint32(now))
	f.lastSample = now
	return f, nil
}

// Tick runs one control cycle. It must not be called concurrently with
// itself and never blocks.
func (f *Firmware) Tick() {
	now := f.board.Clock.Now()
	res := f.ctrl.Tick(now)
	if res.Mode == control.ModeCalibrating {
		return
	}

	seq := f.seq
	if f.stream {
		f.sendState(res)
	}
	if f.recording {
		f.record(recorder.Entry{
			TimeUs:   now,
			Seq:      seq,
			Angle:    res.Reading.Angle,
			Rate:     res.Reading.Rate,
			Position: res.Position,
			Frozen:   res.Reading.Frozen,
			Command:  res.Command,
			Mode:     uint8(res.Mode),
		})
	}
}

func (f *Firmware) sendState(res control.TickResult) {
	rep := protocol.StateReport{
		Seq:          f.seq,
		Angle:        clamp16(res.Reading.Angle),
		AngleRate:    clamp16(res.Reading.Rate),
		Position:     clamp16(res.Position),
		Frozen:       sat8(res.Reading.Frozen),
		TimeSent:     f.timeSent,
		TimeReceived: f.timeReceived,
	}
	f.seq++
	n := rep.Put(f.telemetry[protocol.HeaderSize:])
	f.board.Link.Send(protocol.SealFrame(f.telemetry[:], protocol.CmdState, n))
	f.timeSent = uint32(f.board.Clock.Now())
	f.stats.Telemetry++
}

func (f *Firmware) record(e recorder.Entry) {
	i := (f.ringHead + f.ringLen) % ringSize
	f.ring[i] = e
	if f.ringLen < ringSize {
		f.ringLen++
		return
	}
	f.ringHead = (f.ringHead + 1) % ringSize
	f.ringDropped++
}

// Background runs one pass of the background loop
func (f *Firmware) Background() {
	now := f.board.Clock.Now()
	f.sample(now)
	f.applyPending(now)

	if b, ok := f.board.Link.TryReceiveByte(); ok {
		f.rx.Feed(b)
	}
	if fr, ok := f.rx.Next(); ok {
		f.dispatch(fr)
	}

	if f.button.Swap(false) {
		f.setControlMode(!f.enabled())
	}

	f.reportEvents()
	f.drain()
}

func (f *Firmware) sample(now uint64) {
	if now < f.lastSample {
		f.lastSample = now
	} else if now-f.lastSample >= f.sampleIntervalUs {
		raw := f.board.Angle.ReadAngle()
		f.push(raw, uint32(now))
		f.lastSample = now
	}

	c := &f.capture
	if c.active && now >= c.next {
		c.samples[c.n] = uint16(f.board.Angle.ReadAngle())
		c.n++
		c.next = now + c.interval
		if c.n >= c.want {
			f.sendCapture()
		}
	}
}

func (f *Firmware) push(raw int, ts uint32) {
	defer enterCritical(f.board.IRQ).exit()
	f.ctrl.Sample(raw, ts)
}

func (f *Firmware) applyPending(now uint64) {
	defer enterCritical(f.board.IRQ).exit()
	f.ctrl.ApplyPending(now)
}

func (f *Firmware) enabled() bool {
	defer enterCritical(f.board.IRQ).exit()
	return f.ctrl.Enabled()
}

func (f *Firmware) reportEvents() {
	var ev control.Event
	func() {
		defer enterCritical(f.board.IRQ).exit()
		ev = f.ctrl.TakeEvents()
	}()
	if ev&control.EventStallDisable != 0 {
		f.log.Printf("Cart held against a limit, control disabled")
		f.event(recorder.EventStallDisable, 0)
	}
}

func (f *Firmware) event(kind uint8, value int) {
	if f.sink == nil {
		return
	}
	if err := f.sink.WriteEvent(recorder.Event{TimeUs: f.board.Clock.Now(), Kind: kind, Value: value}); err != nil {
		f.stopRecording(err)
	}
}

func (f *Firmware) stopRecording(err error) {
	f.log.Printf("Recorder failed, recording stopped: %v", err)
	f.sink = nil
	defer enterCritical(f.board.IRQ).exit()
	f.recording = false
	f.ringLen = 0
}

func (f *Firmware) drain() {
	if f.sink == nil {
		return
	}
	var batch [ringSize]recorder.Entry
	n := f.takeRecords(batch[:])
	for i := 0; i < n; i++ {
		if err := f.sink.Write(batch[i]); err != nil {
			f.stopRecording(err)
			return
		}
	}
}

func (f *Firmware) takeRecords(dst []recorder.Entry) int {
	defer enterCritical(f.board.IRQ).exit()
	n := 0
	for f.ringLen > 0 && n < len(dst) {
		dst[n] = f.ring[f.ringHead]
		f.ringHead = (f.ringHead + 1) % ringSize
		f.ringLen--
		n++
	}
	return n
}

// PressButton toggles control mode on the next Background pass. Safe to
// call from any goroutine.
func (f *Firmware) PressButton() {
	f.button.Store(true)
}

// Snapshot is a consistent view of the firmware state
type Snapshot struct {
	Control        control.Snapshot
	Config         control.Config
	Stats          protocol.Statistics
	Streaming      bool
	Capturing      bool
	Seq            uint8
	RecordsDropped uint64
}

// Snapshot copies the firmware state. Call it from the background context.
func (f *Firmware) Snapshot() Snapshot {
	defer enterCritical(f.board.IRQ).exit()
	return Snapshot{
		Control:        f.ctrl.Snapshot(),
		Config:         f.ctrl.Config(),
		Stats:          *f.stats,
		Streaming:      f.stream,
		Capturing:      f.capture.active,
		Seq:            f.seq,
		RecordsDropped: f.ringDropped,
	}
}

func clamp16(v int) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func sat8(v int) uint8 {
	if v > math.MaxUint8 {
		return math.MaxUint8
	}
	if v < 0 {
		return 0
	}
	return uint8(v)
}
