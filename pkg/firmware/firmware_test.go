// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package firmware

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/cartpole-lab/cartpole/pkg/control"
	"github.com/cartpole-lab/cartpole/pkg/hal"
	"github.com/cartpole-lab/cartpole/pkg/pid"
	"github.com/cartpole-lab/cartpole/pkg/protocol"
	"github.com/cartpole-lab/cartpole/pkg/recorder"
)

// encoderOffset puts the start position close to the 16-bit wrap so every
// calibration crosses it
const encoderOffset = 65000

// testBoard is a single-threaded board: the cart moves while time advances,
// and link traffic is logged.
type testBoard struct {
	now      uint64
	angle    int
	pos      float64
	lo, hi   float64
	gain     float64 // counts per ms per unit of speed
	speed    int
	reversed bool
	stops    int
	led      bool
	rx       []byte
	tx       [][]byte
}

func newTestBoard() *testBoard {
	return &testBoard{
		now:   1000,
		angle: control.DefaultConfig().Angle.SetPoint,
		lo:    -4000,
		hi:    4000,
		gain:  0.01,
	}
}

func (b *testBoard) ReadAngle() int { return b.angle }

func (b *testBoard) ReadPosition() int {
	p := int(b.pos)
	if b.reversed {
		p = -p
	}
	return (encoderOffset + p) & 0xFFFF
}

func (b *testBoard) SetSpeed(speed int) { b.speed = speed }

func (b *testBoard) Stop() {
	b.speed = 0
	b.stops++
}

func (b *testBoard) Now() uint64 { return b.now }

func (b *testBoard) SleepMs(ms uint32) { b.advance(uint64(ms) * 1000) }

func (b *testBoard) advance(us uint64) {
	b.now += us
	b.pos += float64(b.speed) * b.gain * float64(us) / 1000
	if b.pos < b.lo {
		b.pos = b.lo
	}
	if b.pos > b.hi {
		b.pos = b.hi
	}
}

func (b *testBoard) Send(frame []byte) {
	b.tx = append(b.tx, append([]byte(nil), frame...))
}

func (b *testBoard) TryReceiveByte() (byte, bool) {
	if len(b.rx) == 0 {
		return 0, false
	}
	c := b.rx[0]
	b.rx = b.rx[1:]
	return c, true
}

func (b *testBoard) SetIndicator(on bool) { b.led = on }

func (b *testBoard) board() hal.Board {
	return hal.Board{Angle: b, Position: b, Motor: b, Clock: b, Link: b, Indicator: b}
}

func (b *testBoard) send(frames ...[]byte) {
	for _, fr := range frames {
		b.rx = append(b.rx, fr...)
	}
}

// takeTx returns and clears the frames sent so far
func (b *testBoard) takeTx() [][]byte {
	tx := b.tx
	b.tx = nil
	return tx
}

func newFirmware(t *testing.T, b *testBoard, opts ...Option) *Firmware {
	t.Helper()
	f, err := New(b.board(), control.DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

// pump runs the background loop until every queued byte has been received
// and the receiver had a chance to resynchronize over what is left
func pump(f *Firmware, b *testBoard) {
	for len(b.rx) > 0 {
		b.advance(100)
		f.Background()
	}
	for i := 0; i < protocol.MaxPacketLen+8; i++ {
		b.advance(100)
		f.Background()
	}
}

func TestNewRejectsIncompleteBoard(t *testing.T) {
	b := newTestBoard()
	board := b.board()
	board.Link = nil
	if _, err := New(board, control.DefaultConfig()); err != hal.ErrMissingCapability {
		t.Errorf("New = %v, want ErrMissingCapability", err)
	}
}

// ============================================================
// Framing and dispatch
// ============================================================

func TestPingEcho(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"payload", []byte{1, 2, 3, 4, 5}},
		{"max length", bytes.Repeat([]byte{0x55}, protocol.MaxPacketLen-protocol.Overhead)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBoard()
			f := newFirmware(t, b)
			ping := protocol.NewPing(tt.payload)
			b.send(ping)
			pump(f, b)

			tx := b.takeTx()
			if len(tx) != 1 || !bytes.Equal(tx[0], ping) {
				t.Errorf("tx = % X, want one echo % X", tx, ping)
			}
		})
	}
}

func TestCorruptFrameThenPing(t *testing.T) {
	b := newTestBoard()
	f := newFirmware(t, b)

	bad := protocol.NewSetMotor(100)
	bad[3] ^= 0x01
	ping := protocol.NewPing(nil)
	b.send(bad, ping)
	pump(f, b)

	tx := b.takeTx()
	if len(tx) != 1 || !bytes.Equal(tx[0], ping) {
		t.Fatalf("tx = % X, want exactly one echo", tx)
	}
	if f.Snapshot().Control.Mailbox != 0 {
		t.Errorf("corrupt SetMotor was applied")
	}
	if f.stats.CRCErrors == 0 && f.stats.LengthErrors == 0 {
		t.Errorf("corruption not counted: %s", f.stats)
	}
}

func TestNoiseBeforeFrame(t *testing.T) {
	b := newTestBoard()
	f := newFirmware(t, b)
	ping := protocol.NewPing([]byte{0xAA})
	b.send([]byte{0x00, 0x13, 0xAA, 0xFF, 0x7E}, ping)
	pump(f, b)

	tx := b.takeTx()
	if len(tx) != 1 || !bytes.Equal(tx[0], ping) {
		t.Errorf("tx = % X, want one echo", tx)
	}
}

func TestWrongLengthDropped(t *testing.T) {
	b := newTestBoard()
	f := newFirmware(t, b)

	buf := make([]byte, protocol.MaxPacketLen)
	n, err := protocol.EncodeFrame(buf, protocol.CmdStreamOn, []byte{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	b.send(buf[:n])
	pump(f, b)

	if f.Snapshot().Streaming {
		t.Errorf("StreamOn with a 2-byte payload was applied")
	}
	if f.stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", f.stats.Dropped)
	}
	if len(b.takeTx()) != 0 {
		t.Errorf("dropped frame produced a reply")
	}
}

func TestUnknownCommand(t *testing.T) {
	b := newTestBoard()
	f := newFirmware(t, b)

	buf := make([]byte, protocol.MaxPacketLen)
	n, _ := protocol.EncodeFrame(buf, 0xB0, nil)
	b.send(buf[:n])
	pump(f, b)

	if f.stats.Unknown != 1 {
		t.Errorf("Unknown = %d, want 1", f.stats.Unknown)
	}
	if len(b.takeTx()) != 0 {
		t.Errorf("unknown command produced a reply")
	}
}

// ============================================================
// Configuration
// ============================================================

func TestAngleConfigRoundTrip(t *testing.T) {
	b := newTestBoard()
	f := newFirmware(t, b)

	want := protocol.AngleConfig{
		SetPoint:    3100,
		AverageLen:  5,
		Smoothing:   1.0,
		KP:          10,
		KI:          0,
		KD:          5,
		LatencyUs:   0,
		Synchronous: true,
	}
	b.send(protocol.NewSetAngleConfig(want), protocol.NewGetAngleConfig())
	pump(f, b)

	tx := b.takeTx()
	if len(tx) != 1 {
		t.Fatalf("got %d replies, want 1", len(tx))
	}
	reply := tx[0]
	if len(reply) != protocol.LenAngleConfig || reply[1] != protocol.CmdGetAngleConfig || int(reply[2]) != len(reply) {
		t.Fatalf("reply header = % X", reply[:3])
	}
	if !protocol.ValidFrame(reply) {
		t.Fatalf("reply CRC invalid: % X", reply)
	}
	got, err := protocol.DecodeAngleConfig(reply[protocol.HeaderSize : len(reply)-1])
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("config = %+v, want %+v", got, want)
	}

	cfg := f.Snapshot().Config.Angle
	if cfg.KP != 10 || cfg.KD != 5 || cfg.AverageLen != 5 {
		t.Errorf("controller config = %+v", cfg)
	}
}

func TestAngleConfigClampsWindow(t *testing.T) {
	b := newTestBoard()
	f := newFirmware(t, b)

	in := protocol.AngleConfig{SetPoint: 3148, AverageLen: 40, Smoothing: 1, KP: 1}
	b.send(protocol.NewSetAngleConfig(in), protocol.NewGetAngleConfig())
	pump(f, b)

	tx := b.takeTx()
	got, _ := protocol.DecodeAngleConfig(tx[len(tx)-1][protocol.HeaderSize : protocol.LenAngleConfig-1])
	if got.AverageLen != 32 {
		t.Errorf("AverageLen = %d, want 32", got.AverageLen)
	}
}

func TestPositionConfigRoundTrip(t *testing.T) {
	b := newTestBoard()
	f := newFirmware(t, b)

	in := protocol.PositionConfig{SetPoint: -200, PeriodMs: 25, Smoothing: 0.5, KP: 12.5, KD: 3}
	b.send(protocol.NewSetPositionConfig(in), protocol.NewGetPositionConfig())
	pump(f, b)

	tx := b.takeTx()
	if len(tx) != 1 || len(tx[0]) != protocol.LenPositionConfig {
		t.Fatalf("tx = % X", tx)
	}
	got, err := protocol.DecodePositionConfig(tx[0][protocol.HeaderSize : protocol.LenPositionConfig-1])
	if err != nil {
		t.Fatal(err)
	}
	want := in
	want.PeriodMs = 20
	if got != want {
		t.Errorf("config = %+v, want %+v", got, want)
	}
}

func TestSetStrategy(t *testing.T) {
	b := newTestBoard()
	var logs bytes.Buffer
	f := newFirmware(t, b, WithLogger(log.New(&logs, "", 0)))

	b.send(protocol.NewSetStrategy(uint8(pid.StrategyPID)))
	pump(f, b)
	if got := f.Snapshot().Control.Strategy; got != pid.StrategyPID {
		t.Fatalf("strategy = %v, want PID", got)
	}

	b.send(protocol.NewSetStrategy(9))
	pump(f, b)
	if got := f.Snapshot().Control.Strategy; got != pid.StrategyPID {
		t.Errorf("invalid strategy changed it to %v", got)
	}
	if !strings.Contains(logs.String(), "refused") {
		t.Errorf("invalid strategy not logged: %q", logs.String())
	}
}

// ============================================================
// Calibration and control mode
// ============================================================

func TestCalibrateReply(t *testing.T) {
	tests := []struct {
		name     string
		reversed bool
		wantDir  byte
	}{
		{"forward", false, 0x01},
		{"reversed", true, 0xFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBoard()
			b.reversed = tt.reversed
			f := newFirmware(t, b)

			b.send(protocol.NewCalibrate())
			pump(f, b)

			tx := b.takeTx()
			if len(tx) != 1 {
				t.Fatalf("got %d replies", len(tx))
			}
			want := []byte{protocol.StartOfFrame, protocol.CmdCalibrate, protocol.LenCalibrateReply, tt.wantDir, 0}
			want[4] = protocol.CalculateCRC(want[:4])
			if !bytes.Equal(tx[0], want) {
				t.Errorf("reply = % X, want % X", tx[0], want)
			}

			snap := f.Snapshot()
			if !snap.Control.Calibrated || snap.Control.Mode != control.ModeDisabled {
				t.Errorf("after calibration: %+v", snap.Control)
			}
			cal := snap.Control.Calibration
			if cal.Centre != encoderOffset || cal.Left != encoderOffset-4000 || cal.Right != encoderOffset+4000 {
				t.Errorf("limits = %+v", cal)
			}
			if b.pos < -10 || b.pos > 10 {
				t.Errorf("cart parked at %.1f", b.pos)
			}
		})
	}
}

func TestCalibrationFailureLeavesControlDisabled(t *testing.T) {
	b := newTestBoard()
	b.gain = 0
	var logs bytes.Buffer
	f := newFirmware(t, b, WithLogger(log.New(&logs, "", 0)))

	b.send(protocol.NewCalibrate())
	pump(f, b)
	tx := b.takeTx()
	if len(tx) != 1 || tx[0][3] != 0 {
		t.Fatalf("failure reply = % X, want direction 0", tx)
	}

	b.send(protocol.NewControlMode(true))
	pump(f, b)
	snap := f.Snapshot()
	if snap.Control.Mode != control.ModeDisabled || snap.Control.Calibrated {
		t.Errorf("control state after failed calibration: %+v", snap.Control)
	}
	if b.speed != 0 {
		t.Errorf("motor left at %d", b.speed)
	}
	if !strings.Contains(logs.String(), "Calibration failed") {
		t.Errorf("failure not logged: %q", logs.String())
	}
}

func TestControlModeCalibratesFirst(t *testing.T) {
	b := newTestBoard()
	f := newFirmware(t, b)

	b.send(protocol.NewControlMode(true))
	pump(f, b)

	snap := f.Snapshot()
	if !snap.Control.Calibrated {
		t.Fatalf("ControlMode(true) did not calibrate")
	}
	if snap.Control.Mode != control.ModeEnabled {
		t.Fatalf("mode = %v, want ENABLED", snap.Control.Mode)
	}
	if len(b.takeTx()) != 0 {
		t.Errorf("implicit calibration sent a reply")
	}

	b.send(protocol.NewControlMode(false))
	pump(f, b)
	if f.Snapshot().Control.Mode != control.ModeDisabled {
		t.Errorf("ControlMode(false) did not disable")
	}
}

func TestButtonToggles(t *testing.T) {
	b := newTestBoard()
	f := newFirmware(t, b)
	b.send(protocol.NewCalibrate())
	pump(f, b)

	f.PressButton()
	pump(f, b)
	if f.Snapshot().Control.Mode != control.ModeEnabled {
		t.Fatalf("button did not enable control")
	}
	f.PressButton()
	pump(f, b)
	if f.Snapshot().Control.Mode != control.ModeDisabled {
		t.Errorf("button did not disable control")
	}
}

func TestTickIdleDuringCalibration(t *testing.T) {
	b := newTestBoard()
	f := newFirmware(t, b)
	b.send(protocol.NewStreamOn(true))
	pump(f, b)

	f.ctrl.BeginCalibration()
	for i := 0; i < 10; i++ {
		f.Tick()
	}
	if len(b.takeTx()) != 0 {
		t.Errorf("telemetry sent during calibration")
	}
}

// ============================================================
// Telemetry and motor passthrough
// ============================================================

func TestTelemetryStream(t *testing.T) {
	b := newTestBoard()
	b.angle = 3160
	f := newFirmware(t, b)
	b.send(protocol.NewStreamOn(true))
	pump(f, b)

	for i := 0; i < 3; i++ {
		b.advance(10000)
		f.Tick()
	}
	tx := b.takeTx()
	if len(tx) != 3 {
		t.Fatalf("got %d state frames, want 3", len(tx))
	}
	for i, fr := range tx {
		if !protocol.ValidFrame(fr) || fr[1] != protocol.CmdState || len(fr) != protocol.LenState {
			t.Fatalf("frame %d = % X", i, fr)
		}
		rep, err := protocol.DecodeStateReport(fr[protocol.HeaderSize : len(fr)-1])
		if err != nil {
			t.Fatal(err)
		}
		if int(rep.Seq) != i {
			t.Errorf("frame %d seq = %d", i, rep.Seq)
		}
		if rep.Angle != 3160 || rep.Position != 0 || rep.Frozen != 0 {
			t.Errorf("frame %d = %+v", i, rep)
		}
		if i > 0 && rep.TimeSent == 0 {
			t.Errorf("frame %d carries no send time", i)
		}
	}

	b.send(protocol.NewStreamOn(false))
	pump(f, b)
	f.Tick()
	if len(b.takeTx()) != 0 {
		t.Errorf("telemetry after StreamOn(false)")
	}
}

func TestSynchronousSetMotor(t *testing.T) {
	b := newTestBoard()
	f := newFirmware(t, b)
	b.send(protocol.NewStreamOn(true), protocol.NewSetMotor(-250))
	pump(f, b)

	if b.speed != 0 {
		t.Fatalf("synchronous SetMotor applied outside the tick")
	}
	f.Tick()
	if b.speed != -250 {
		t.Errorf("motor = %d after tick, want -250", b.speed)
	}
	tx := b.takeTx()
	rep, _ := protocol.DecodeStateReport(tx[len(tx)-1][protocol.HeaderSize : protocol.LenState-1])
	if rep.TimeReceived == 0 {
		t.Errorf("SetMotor receive time not reported")
	}
}

// ============================================================
// Raw angle capture
// ============================================================

func TestCollectRawAngle(t *testing.T) {
	tests := []struct {
		name     string
		count    uint16
		interval uint16
		want     int
	}{
		{"none", 0, 0, 0},
		{"three", 3, 200, 3},
		{"clamped", 500, 0, protocol.MaxRawAngleSamples},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBoard()
			b.angle = 1234
			f := newFirmware(t, b)
			b.send(protocol.NewCollectRawAngle(protocol.RawAngleRequest{Count: tt.count, IntervalUs: tt.interval}))
			pump(f, b)
			for i := 0; i < 2*protocol.MaxRawAngleSamples && f.Snapshot().Capturing; i++ {
				b.advance(100)
				f.Background()
			}

			tx := b.takeTx()
			if len(tx) != 1 {
				t.Fatalf("got %d replies", len(tx))
			}
			reply := tx[0]
			if !protocol.ValidFrame(reply) || reply[1] != protocol.CmdCollectRawAngle {
				t.Fatalf("reply = % X", reply)
			}
			samples := protocol.DecodeSamples(reply[protocol.HeaderSize : len(reply)-1])
			if len(samples) != tt.want {
				t.Fatalf("got %d samples, want %d", len(samples), tt.want)
			}
			for i, s := range samples {
				if s != 1234 {
					t.Errorf("sample %d = %d", i, s)
				}
			}
		})
	}
}

// ============================================================
// Recorder
// ============================================================

type memorySink struct {
	entries []recorder.Entry
	events  []recorder.Event
}

func (s *memorySink) Write(e recorder.Entry) error {
	s.entries = append(s.entries, e)
	return nil
}

func (s *memorySink) WriteEvent(ev recorder.Event) error {
	s.events = append(s.events, ev)
	return nil
}

func TestRecorderReceivesTicksAndEvents(t *testing.T) {
	b := newTestBoard()
	sink := &memorySink{}
	f := newFirmware(t, b, WithRecorder(sink))

	b.send(protocol.NewCalibrate())
	pump(f, b)
	for i := 0; i < 5; i++ {
		b.advance(10000)
		f.Tick()
	}
	f.Background()

	if len(sink.entries) != 5 {
		t.Fatalf("recorded %d ticks, want 5", len(sink.entries))
	}
	for i := 1; i < len(sink.entries); i++ {
		if sink.entries[i].TimeUs <= sink.entries[i-1].TimeUs {
			t.Errorf("entry %d out of order", i)
		}
	}
	if len(sink.events) != 1 || sink.events[0].Kind != recorder.EventCalibrated || sink.events[0].Value != 1 {
		t.Errorf("events = %+v", sink.events)
	}
}

func TestRecorderRingOverflow(t *testing.T) {
	b := newTestBoard()
	sink := &memorySink{}
	f := newFirmware(t, b, WithRecorder(sink))

	for i := 0; i < ringSize+10; i++ {
		b.advance(10000)
		f.Tick()
	}
	f.Background()

	if len(sink.entries) != ringSize {
		t.Errorf("recorded %d ticks, want %d", len(sink.entries), ringSize)
	}
	if got := f.Snapshot().RecordsDropped; got != 10 {
		t.Errorf("RecordsDropped = %d, want 10", got)
	}
}
