// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package firmware

import (
	"github.com/cartpole-lab/cartpole/pkg/control"
	"github.com/cartpole-lab/cartpole/pkg/pid"
	"github.com/cartpole-lab/cartpole/pkg/protocol"
	"github.com/cartpole-lab/cartpole/pkg/recorder"
)

// dispatch handles one validated frame. A known command with the wrong
// length is dropped without a reply.
func (f *Firmware) dispatch(fr protocol.Frame) {
	want, known := protocol.ExpectedLength(fr.Command)
	if !known {
		f.stats.Unknown++
		return
	}
	if want != 0 && fr.Length() != want {
		f.stats.Dropped++
		return
	}
	f.stats.Dispatched++

	p := fr.Payload()
	switch fr.Command {
	case protocol.CmdPing:
		f.reply(fr.Raw)

	case protocol.CmdStreamOn:
		en, _ := protocol.DecodeBool(p)
		f.setStream(en)

	case protocol.CmdCalibrate:
		f.calibrate(true)

	case protocol.CmdControlMode:
		en, _ := protocol.DecodeBool(p)
		f.setControlMode(en)

	case protocol.CmdSetAngleConfig:
		c, err := protocol.DecodeAngleConfig(p)
		if err != nil {
			f.log.Printf("Bad angle config: %v", err)
			return
		}
		f.setAngleConfig(c)

	case protocol.CmdGetAngleConfig:
		f.sendAngleConfig()

	case protocol.CmdSetPositionConfig:
		c, err := protocol.DecodePositionConfig(p)
		if err != nil {
			f.log.Printf("Bad position config: %v", err)
			return
		}
		f.setPositionConfig(c)

	case protocol.CmdGetPositionConfig:
		f.sendPositionConfig()

	case protocol.CmdSetMotor:
		speed, _ := protocol.DecodeMotorSpeed(p)
		f.setMotor(int(speed))

	case protocol.CmdSetStrategy:
		f.setStrategy(pid.Strategy(p[0]))

	case protocol.CmdCollectRawAngle:
		req, err := protocol.DecodeRawAngleRequest(p)
		if err != nil {
			f.log.Printf("Bad capture request: %v", err)
			return
		}
		f.startCapture(req)
	}
}

// reply sends a frame with the tick held off, so it never interleaves with
// telemetry on the link
func (f *Firmware) reply(frame []byte) {
	defer enterCritical(f.board.IRQ).exit()
	f.board.Link.Send(frame)
}

func (f *Firmware) setStream(en bool) {
	defer enterCritical(f.board.IRQ).exit()
	f.stream = en
}

// calibrate runs the calibration sequence with the tick parked in
// Calibrating mode. The sequence itself runs outside the critical section.
func (f *Firmware) calibrate(reply bool) bool {
	func() {
		defer enterCritical(f.board.IRQ).exit()
		f.ctrl.BeginCalibration()
	}()

	f.log.Printf("Calibrating")
	res, err := f.calib.Run()

	func() {
		defer enterCritical(f.board.IRQ).exit()
		f.ctrl.EndCalibration(res, err)
	}()

	dir := 0
	if err != nil {
		f.log.Printf("Calibration failed: %v", err)
		f.event(recorder.EventCalibrationFailed, 0)
	} else {
		dir = res.Direction
		f.log.Printf("Calibrated: limits %d..%d, centre %d, direction %+d", res.Left, res.Right, res.Centre, res.Direction)
		f.event(recorder.EventCalibrated, res.Direction)
	}

	if reply {
		f.tx[protocol.HeaderSize] = byte(int8(dir))
		f.reply(protocol.SealFrame(f.tx[:], protocol.CmdCalibrate, protocol.LenCalibrateReply-protocol.Overhead))
	}
	return err == nil
}

// setControlMode enables or disables control. Enabling an uncalibrated cart
// calibrates it first; a failed calibration leaves control disabled.
func (f *Firmware) setControlMode(en bool) {
	if en && !f.calibrated() {
		if !f.calibrate(false) {
			return
		}
	}

	var err error
	var changed bool
	func() {
		defer enterCritical(f.board.IRQ).exit()
		was := f.ctrl.Enabled()
		err = f.ctrl.SetEnabled(en)
		changed = was != f.ctrl.Enabled()
	}()

	if err != nil {
		f.log.Printf("Control mode change refused: %v", err)
		return
	}
	if !changed {
		return
	}
	if en {
		f.log.Printf("Control enabled")
		f.event(recorder.EventControlEnabled, 0)
	} else {
		f.log.Printf("Control disabled")
		f.event(recorder.EventControlDisabled, 0)
	}
}

func (f *Firmware) calibrated() bool {
	defer enterCritical(f.board.IRQ).exit()
	return f.ctrl.Calibrated()
}

func (f *Firmware) setAngleConfig(c protocol.AngleConfig) {
	defer enterCritical(f.board.IRQ).exit()
	f.ctrl.SetAngleConfig(control.AngleConfig{
		SetPoint:    int(c.SetPoint),
		AverageLen:  int(c.AverageLen),
		Smoothing:   float64(c.Smoothing),
		KP:          float64(c.KP),
		KI:          float64(c.KI),
		KD:          float64(c.KD),
		LatencyUs:   c.LatencyUs,
		Synchronous: c.Synchronous,
	})
}

func (f *Firmware) sendAngleConfig() {
	defer enterCritical(f.board.IRQ).exit()
	a := f.ctrl.Config().Angle
	n := protocol.AngleConfig{
		SetPoint:    int16(a.SetPoint),
		AverageLen:  uint16(a.AverageLen),
		Smoothing:   float32(a.Smoothing),
		KP:          float32(a.KP),
		KI:          float32(a.KI),
		KD:          float32(a.KD),
		LatencyUs:   a.LatencyUs,
		Synchronous: a.Synchronous,
	}.Put(f.tx[protocol.HeaderSize:])
	f.board.Link.Send(protocol.SealFrame(f.tx[:], protocol.CmdGetAngleConfig, n))
}

// setPositionConfig keeps the integral gain, which the wire format does not
// carry
func (f *Firmware) setPositionConfig(c protocol.PositionConfig) {
	defer enterCritical(f.board.IRQ).exit()
	f.ctrl.SetPositionConfig(control.PositionConfig{
		SetPoint:  int(c.SetPoint),
		PeriodMs:  int(c.PeriodMs),
		Smoothing: float64(c.Smoothing),
		KP:        float64(c.KP),
		KI:        f.ctrl.Config().Position.KI,
		KD:        float64(c.KD),
	})
}

func (f *Firmware) sendPositionConfig() {
	defer enterCritical(f.board.IRQ).exit()
	p := f.ctrl.Config().Position
	n := protocol.PositionConfig{
		SetPoint:  int16(p.SetPoint),
		PeriodMs:  uint16(p.PeriodMs),
		Smoothing: float32(p.Smoothing),
		KP:        float32(p.KP),
		KD:        float32(p.KD),
	}.Put(f.tx[protocol.HeaderSize:])
	f.board.Link.Send(protocol.SealFrame(f.tx[:], protocol.CmdGetPositionConfig, n))
}

func (f *Firmware) setMotor(speed int) {
	defer enterCritical(f.board.IRQ).exit()
	f.timeReceived = uint32(f.board.Clock.Now())
	f.ctrl.SetMotor(speed)
}

func (f *Firmware) setStrategy(s pid.Strategy) {
	var err error
	func() {
		defer enterCritical(f.board.IRQ).exit()
		err = f.ctrl.SetStrategy(s)
	}()
	if err != nil {
		f.log.Printf("Strategy change refused: %v", err)
		return
	}
	f.log.Printf("Control strategy %s", s)
}

// startCapture begins a raw angle capture. The reply is sent once every
// sample is in; a new request replaces one in progress.
func (f *Firmware) startCapture(req protocol.RawAngleRequest) {
	want := int(req.Count)
	if want > protocol.MaxRawAngleSamples {
		want = protocol.MaxRawAngleSamples
	}
	f.capture = capture{
		active:   true,
		want:     want,
		interval: uint64(req.IntervalUs),
		next:     f.board.Clock.Now(),
	}
	if want == 0 {
		f.sendCapture()
	}
}

func (f *Firmware) sendCapture() {
	c := &f.capture
	for i := 0; i < c.n; i++ {
		protocol.PutSample(f.tx[protocol.HeaderSize:], i, c.samples[i])
	}
	c.active = false
	f.reply(protocol.SealFrame(f.tx[:], protocol.CmdCollectRawAngle, 2*c.n))
}
