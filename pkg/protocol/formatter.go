// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package protocol

import (
	"fmt"
	"strings"
)

// FormatFrame formats a raw frame into a human-readable string
func FormatFrame(raw []byte) string {
	if len(raw) < MinPacketLen {
		return fmt.Sprintf("SHORT FRAME % X\n", raw)
	}
	cmd := raw[1]
	result := fmt.Sprintf("%s (0x%02X) len=%d\n", FormatCommand(cmd), cmd, raw[2])
	if int(raw[2]) != len(raw) {
		return result + fmt.Sprintf("  length mismatch: %d bytes received\n", len(raw))
	}
	return result + FormatPayload(cmd, raw[HeaderSize:len(raw)-1])
}

// FormatCommand returns the human-readable name for a command id
func FormatCommand(cmd byte) string {
	switch cmd {
	case CmdPing:
		return "PING"
	case CmdStreamOn:
		return "STREAM_ON"
	case CmdCalibrate:
		return "CALIBRATE"
	case CmdControlMode:
		return "CONTROL_MODE"
	case CmdSetAngleConfig:
		return "SET_ANGLE_CONFIG"
	case CmdGetAngleConfig:
		return "GET_ANGLE_CONFIG"
	case CmdSetPositionConfig:
		return "SET_POSITION_CONFIG"
	case CmdGetPositionConfig:
		return "GET_POSITION_CONFIG"
	case CmdSetMotor:
		return "SET_MOTOR"
	case CmdSetStrategy:
		return "SET_STRATEGY"
	case CmdCollectRawAngle:
		return "COLLECT_RAW_ANGLE"
	case CmdState:
		return "STATE"
	default:
		return "UNKNOWN"
	}
}

// FormatPayload formats a payload according to its command
func FormatPayload(cmd byte, p []byte) string {
	switch cmd {
	case CmdPing:
		if len(p) == 0 {
			return "  (no payload)\n"
		}
		return fmt.Sprintf("  Echo: % X\n", p)

	case CmdStreamOn, CmdControlMode:
		if v, err := DecodeBool(p); err == nil {
			return fmt.Sprintf("  Enable: %t\n", v)
		}

	case CmdCalibrate:
		if len(p) == 1 {
			return fmt.Sprintf("  Direction: %d\n", int8(p[0]))
		}
		return "  (no payload)\n"

	case CmdSetAngleConfig, CmdGetAngleConfig:
		if len(p) == 0 {
			return "  (no payload)\n"
		}
		if c, err := DecodeAngleConfig(p); err == nil {
			return fmt.Sprintf("  SetPoint: %d, AvgLen: %d, Smoothing: %.3f\n  KP: %.3f, KI: %.3f, KD: %.3f\n  Latency: %d us, Synchronous: %t\n",
				c.SetPoint, c.AverageLen, c.Smoothing, c.KP, c.KI, c.KD, c.LatencyUs, c.Synchronous)
		}

	case CmdSetPositionConfig, CmdGetPositionConfig:
		if len(p) == 0 {
			return "  (no payload)\n"
		}
		if c, err := DecodePositionConfig(p); err == nil {
			return fmt.Sprintf("  SetPoint: %d, Period: %d ms, Smoothing: %.3f\n  KP: %.3f, KD: %.3f\n",
				c.SetPoint, c.PeriodMs, c.Smoothing, c.KP, c.KD)
		}

	case CmdSetMotor:
		if v, err := DecodeMotorSpeed(p); err == nil {
			return fmt.Sprintf("  Speed: %d\n", v)
		}

	case CmdSetStrategy:
		if len(p) == 1 {
			return fmt.Sprintf("  Strategy: %d\n", p[0])
		}

	case CmdCollectRawAngle:
		if r, err := DecodeRawAngleRequest(p); err == nil {
			return fmt.Sprintf("  Count: %d, Interval: %d us\n", r.Count, r.IntervalUs)
		}
		return fmt.Sprintf("  Samples: %s\n", formatSamples(DecodeSamples(p)))

	case CmdState:
		if s, err := DecodeStateReport(p); err == nil {
			return fmt.Sprintf("  Seq: %d, Angle: %d, Rate: %d, Position: %d, Frozen: %d\n  Sent: %d us, Received: %d us\n",
				s.Seq, s.Angle, s.AngleRate, s.Position, s.Frozen, s.TimeSent, s.TimeReceived)
		}
	}
	return fmt.Sprintf("  Raw: % X\n", p)
}

func formatSamples(samples []uint16) string {
	const shown = 8
	parts := make([]string, 0, shown+1)
	for i, s := range samples {
		if i == shown {
			parts = append(parts, fmt.Sprintf("... (%d total)", len(samples)))
			break
		}
		parts = append(parts, fmt.Sprintf("%d", s))
	}
	return strings.Join(parts, " ")
}
