// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

var le = binary.LittleEndian

// AngleConfig is the payload of SetAngleConfig and the GetAngleConfig reply
type AngleConfig struct {
	SetPoint    int16
	AverageLen  uint16
	Smoothing   float32
	KP          float32
	KI          float32
	KD          float32
	LatencyUs   int32
	Synchronous bool
}

// PositionConfig is the payload of SetPositionConfig and its reply
type PositionConfig struct {
	SetPoint  int16
	PeriodMs  uint16
	Smoothing float32
	KP        float32
	KD        float32
}

// StateReport is the telemetry payload
type StateReport struct {
	Seq          uint8
	Angle        int16
	AngleRate    int16
	Position     int16
	Frozen       uint8
	TimeSent     uint32
	TimeReceived uint32
}

// RawAngleRequest is the payload of CollectRawAngle
type RawAngleRequest struct {
	Count      uint16
	IntervalUs uint16
}

func checkLen(p []byte, want int) error {
	if len(p) != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrPayloadLength, len(p), want)
	}
	return nil
}

func putFloat(b []byte, v float32) {
	le.PutUint32(b, math.Float32bits(v))
}

func getFloat(b []byte) float32 {
	return math.Float32frombits(le.Uint32(b))
}

func putBool(b []byte, v bool) {
	if v {
		b[0] = 1
	} else {
		b[0] = 0
	}
}

// Put writes the 25-byte payload into dst
func (c AngleConfig) Put(dst []byte) int {
	le.PutUint16(dst[0:], uint16(c.SetPoint))
	le.PutUint16(dst[2:], c.AverageLen)
	putFloat(dst[4:], c.Smoothing)
	putFloat(dst[8:], c.KP)
	putFloat(dst[12:], c.KI)
	putFloat(dst[16:], c.KD)
	le.PutUint32(dst[20:], uint32(c.LatencyUs))
	putBool(dst[24:], c.Synchronous)
	return angleConfigPayload
}

// DecodeAngleConfig parses a SetAngleConfig payload
func DecodeAngleConfig(p []byte) (AngleConfig, error) {
	if err := checkLen(p, angleConfigPayload); err != nil {
		return AngleConfig{}, err
	}
	return AngleConfig{
		SetPoint:    int16(le.Uint16(p[0:])),
		AverageLen:  le.Uint16(p[2:]),
		Smoothing:   getFloat(p[4:]),
		KP:          getFloat(p[8:]),
		KI:          getFloat(p[12:]),
		KD:          getFloat(p[16:]),
		LatencyUs:   int32(le.Uint32(p[20:])),
		Synchronous: p[24] != 0,
	}, nil
}

// Put writes the 16-byte payload into dst
func (c PositionConfig) Put(dst []byte) int {
	le.PutUint16(dst[0:], uint16(c.SetPoint))
	le.PutUint16(dst[2:], c.PeriodMs)
	putFloat(dst[4:], c.Smoothing)
	putFloat(dst[8:], c.KP)
	putFloat(dst[12:], c.KD)
	return positionConfigPayload
}

// DecodePositionConfig parses a SetPositionConfig payload
func DecodePositionConfig(p []byte) (PositionConfig, error) {
	if err := checkLen(p, positionConfigPayload); err != nil {
		return PositionConfig{}, err
	}
	return PositionConfig{
		SetPoint:  int16(le.Uint16(p[0:])),
		PeriodMs:  le.Uint16(p[2:]),
		Smoothing: getFloat(p[4:]),
		KP:        getFloat(p[8:]),
		KD:        getFloat(p[12:]),
	}, nil
}

// Put writes the 16-byte payload into dst
func (s StateReport) Put(dst []byte) int {
	dst[0] = s.Seq
	le.PutUint16(dst[1:], uint16(s.Angle))
	le.PutUint16(dst[3:], uint16(s.AngleRate))
	le.PutUint16(dst[5:], uint16(s.Position))
	dst[7] = s.Frozen
	le.PutUint32(dst[8:], s.TimeSent)
	le.PutUint32(dst[12:], s.TimeReceived)
	return statePayload
}

// DecodeStateReport parses a telemetry payload
func DecodeStateReport(p []byte) (StateReport, error) {
	if err := checkLen(p, statePayload); err != nil {
		return StateReport{}, err
	}
	return StateReport{
		Seq:          p[0],
		Angle:        int16(le.Uint16(p[1:])),
		AngleRate:    int16(le.Uint16(p[3:])),
		Position:     int16(le.Uint16(p[5:])),
		Frozen:       p[7],
		TimeSent:     le.Uint32(p[8:]),
		TimeReceived: le.Uint32(p[12:]),
	}, nil
}

// DecodeBool parses a one-byte flag payload
func DecodeBool(p []byte) (bool, error) {
	if err := checkLen(p, 1); err != nil {
		return false, err
	}
	return p[0] != 0, nil
}

// DecodeMotorSpeed parses a SetMotor payload
func DecodeMotorSpeed(p []byte) (int16, error) {
	if err := checkLen(p, 2); err != nil {
		return 0, err
	}
	return int16(le.Uint16(p)), nil
}

// DecodeRawAngleRequest parses a CollectRawAngle payload
func DecodeRawAngleRequest(p []byte) (RawAngleRequest, error) {
	if err := checkLen(p, LenCollectRawAngle-Overhead); err != nil {
		return RawAngleRequest{}, err
	}
	return RawAngleRequest{
		Count:      le.Uint16(p[0:]),
		IntervalUs: le.Uint16(p[2:]),
	}, nil
}

// PutRawAngleRequest writes a CollectRawAngle payload into dst
func PutRawAngleRequest(dst []byte, r RawAngleRequest) int {
	le.PutUint16(dst[0:], r.Count)
	le.PutUint16(dst[2:], r.IntervalUs)
	return LenCollectRawAngle - Overhead
}

// PutSample writes the i-th raw angle sample of a capture reply payload
func PutSample(dst []byte, i int, v uint16) {
	le.PutUint16(dst[2*i:], v)
}

// DecodeSamples parses a capture reply payload
func DecodeSamples(p []byte) []uint16 {
	out := make([]uint16, len(p)/2)
	for i := range out {
		out[i] = le.Uint16(p[2*i:])
	}
	return out
}
