// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

// Package protocol implements the cart-pole serial link framing.
//
// Every frame is laid out as
//
//	[SOF=0xAA][cmd][len][payload: len-4 bytes][crc8]
//
// where len counts the whole frame and the CRC8 covers every byte before it.
// Multi-byte payload fields are little-endian.
package protocol

// Framing
const (
	StartOfFrame = 0xAA
	HeaderSize   = 3 // SOF, command, length
	Overhead     = 4 // header plus CRC
)

// Frame size limits
const (
	MinPacketLen = 4
	MaxPacketLen = 32 // inbound frames and fixed-size replies
	MaxReplyLen  = 255
)

// CRC8 configuration (reflected 0x31, LSB first)
const (
	crcPolynomial = 0x8C
	crcInitial    = 0x00
)

// Command identifiers
const (
	CmdPing              = 0xC0
	CmdStreamOn          = 0xC1
	CmdCalibrate         = 0xC2
	CmdControlMode       = 0xC3
	CmdSetAngleConfig    = 0xC4
	CmdGetAngleConfig    = 0xC5
	CmdSetPositionConfig = 0xC6
	CmdGetPositionConfig = 0xC7
	CmdSetMotor          = 0xC8
	CmdSetStrategy       = 0xC9
	CmdCollectRawAngle   = 0xCA
	CmdState             = 0xCC
)

// Exact frame lengths per command
const (
	LenStreamOn           = 5
	LenCalibrate          = 4
	LenCalibrateReply     = 5
	LenControlMode        = 5
	LenAngleConfig        = 29
	LenGetConfig          = 4
	LenPositionConfig     = 20
	LenSetMotor           = 6
	LenSetStrategy        = 5
	LenCollectRawAngle    = 8
	LenState              = 20
	MaxRawAngleSamples    = (MaxReplyLen - Overhead) / 2
	angleConfigPayload    = LenAngleConfig - Overhead
	positionConfigPayload = LenPositionConfig - Overhead
	statePayload          = LenState - Overhead
)
