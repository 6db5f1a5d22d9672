// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 The Cartpole Lab Authors

package cmd

import (
	"time"

	"github.com/cartpole-lab/cartpole/pkg/control"
	"github.com/cartpole-lab/cartpole/pkg/protocol"
)

// hostFrame is a frame received by a host-side tool
type hostFrame struct {
	at  time.Time
	raw []byte
}

// hostReader reads frames from a device connection until it fails or done
// is closed. Bytes that cannot start a frame are counted in skipped.
type hostReader struct {
	conn    Connection
	frames  chan hostFrame
	errs    chan error
	done    chan struct{}
	skipped chan int
}

func newHostReader(conn Connection) *hostReader {
	r := &hostReader{
		conn:    conn,
		frames:  make(chan hostFrame, 256),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
		skipped: make(chan int, 16),
	}
	go r.loop()
	return r
}

func (r *hostReader) stop() {
	close(r.done)
}

func (r *hostReader) loop() {
	buf := make([]byte, 256)
	var pending []byte
	for {
		select {
		case <-r.done:
			return
		default:
		}

		n, err := r.conn.Read(buf)
		if err != nil {
			select {
			case r.errs <- err:
			default:
			}
			return
		}
		if n == 0 {
			continue
		}

		pending = append(pending, buf[:n]...)
		frames, rest, discarded := protocol.SplitFrames(pending)
		pending = append(pending[:0], rest...)
		if discarded > 0 {
			select {
			case r.skipped <- discarded:
			default:
			}
		}
		now := time.Now()
		for _, f := range frames {
			select {
			case r.frames <- hostFrame{at: now, raw: f}:
			case <-r.done:
				return
			}
		}
	}
}

// angleConfigFrame builds SetAngleConfig from a controller configuration
func angleConfigFrame(c control.AngleConfig) []byte {
	return protocol.NewSetAngleConfig(protocol.AngleConfig{
		SetPoint:    int16(c.SetPoint),
		AverageLen:  uint16(c.AverageLen),
		Smoothing:   float32(c.Smoothing),
		KP:          float32(c.KP),
		KI:          float32(c.KI),
		KD:          float32(c.KD),
		LatencyUs:   c.LatencyUs,
		Synchronous: c.Synchronous,
	})
}

// positionConfigFrame builds SetPositionConfig from a controller
// configuration. The position KI has no wire field.
func positionConfigFrame(c control.PositionConfig) []byte {
	return protocol.NewSetPositionConfig(protocol.PositionConfig{
		SetPoint:  int16(c.SetPoint),
		PeriodMs:  uint16(c.PeriodMs),
		Smoothing: float32(c.Smoothing),
		KP:        float32(c.KP),
		KD:        float32(c.KD),
	})
}
