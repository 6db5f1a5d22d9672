// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package protocol

// Command builder functions create complete request frames. They allocate
// and are meant for the scripted host session and tests, not the tick path.

func build(cmd byte, payload []byte) []byte {
	buf := make([]byte, len(payload)+Overhead)
	n, err := EncodeFrame(buf, cmd, payload)
	if err != nil {
		panic(err)
	}
	return buf[:n]
}

// NewPing creates a PING frame carrying an optional payload to be echoed
func NewPing(payload []byte) []byte {
	return build(CmdPing, payload)
}

// NewStreamOn creates a STREAM_ON frame
func NewStreamOn(enable bool) []byte {
	var p [1]byte
	putBool(p[:], enable)
	return build(CmdStreamOn, p[:])
}

// NewCalibrate creates a CALIBRATE frame
func NewCalibrate() []byte {
	return build(CmdCalibrate, nil)
}

// NewControlMode creates a CONTROL_MODE frame
func NewControlMode(enable bool) []byte {
	var p [1]byte
	putBool(p[:], enable)
	return build(CmdControlMode, p[:])
}

// NewSetAngleConfig creates a SET_ANGLE_CONFIG frame
func NewSetAngleConfig(c AngleConfig) []byte {
	var p [angleConfigPayload]byte
	c.Put(p[:])
	return build(CmdSetAngleConfig, p[:])
}

// NewGetAngleConfig creates a GET_ANGLE_CONFIG frame
func NewGetAngleConfig() []byte {
	return build(CmdGetAngleConfig, nil)
}

// NewSetPositionConfig creates a SET_POSITION_CONFIG frame
func NewSetPositionConfig(c PositionConfig) []byte {
	var p [positionConfigPayload]byte
	c.Put(p[:])
	return build(CmdSetPositionConfig, p[:])
}

// NewGetPositionConfig creates a GET_POSITION_CONFIG frame
func NewGetPositionConfig() []byte {
	return build(CmdGetPositionConfig, nil)
}

// NewSetMotor creates a SET_MOTOR frame
func NewSetMotor(speed int16) []byte {
	var p [2]byte
	le.PutUint16(p[:], uint16(speed))
	return build(CmdSetMotor, p[:])
}

// NewSetStrategy creates a SET_STRATEGY frame
func NewSetStrategy(strategy uint8) []byte {
	return build(CmdSetStrategy, []byte{strategy})
}

// NewCollectRawAngle creates a COLLECT_RAW_ANGLE frame
func NewCollectRawAngle(r RawAngleRequest) []byte {
	var p [LenCollectRawAngle - Overhead]byte
	PutRawAngleRequest(p[:], r)
	return build(CmdCollectRawAngle, p[:])
}

// ExpectedLength returns the exact frame length a command must arrive with.
// Ping accepts any valid length and reports 0.
func ExpectedLength(cmd byte) (int, bool) {
	switch cmd {
	case CmdPing:
		return 0, true
	case CmdStreamOn:
		return LenStreamOn, true
	case CmdCalibrate:
		return LenCalibrate, true
	case CmdControlMode:
		return LenControlMode, true
	case CmdSetAngleConfig:
		return LenAngleConfig, true
	case CmdGetAngleConfig, CmdGetPositionConfig:
		return LenGetConfig, true
	case CmdSetPositionConfig:
		return LenPositionConfig, true
	case CmdSetMotor:
		return LenSetMotor, true
	case CmdSetStrategy:
		return LenSetStrategy, true
	case CmdCollectRawAngle:
		return LenCollectRawAngle, true
	}
	return 0, false
}
