// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package protocol

import (
	"fmt"
	"time"
)

// Statistics tracks link counters and error rates. It is owned by the
// background context; other goroutines read copies.
type Statistics struct {
	StartTime time.Time

	// Counters
	Frames         uint64
	CRCErrors      uint64
	LengthErrors   uint64
	DiscardedBytes uint64
	Overflows      uint64
	Dropped        uint64 // known command, wrong length
	Unknown        uint64
	Dispatched     uint64
	Telemetry      uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{StartTime: time.Now()}
}

// Errors returns the total of every error counter
func (s *Statistics) Errors() uint64 {
	return s.CRCErrors + s.LengthErrors + s.Overflows + s.Dropped + s.Unknown
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.Frames) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var crcPercent float64
	if attempts := s.Frames + s.CRCErrors; attempts > 0 {
		crcPercent = float64(s.CRCErrors) * 100.0 / float64(attempts)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Link Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Frames:          %8d\n", s.Frames)
	result += fmt.Sprintf("Dispatched:      %8d\n", s.Dispatched)
	result += fmt.Sprintf("Telemetry Sent:  %8d\n", s.Telemetry)

	if s.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d (%.1f%%)\n", s.CRCErrors, crcPercent)
	}
	if s.LengthErrors > 0 {
		result += fmt.Sprintf("Length Errors:   %8d\n", s.LengthErrors)
	}
	if s.DiscardedBytes > 0 {
		result += fmt.Sprintf("Discarded Bytes: %8d\n", s.DiscardedBytes)
	}
	if s.Overflows > 0 {
		result += fmt.Sprintf("Overflows:       %8d\n", s.Overflows)
	}
	if s.Dropped > 0 {
		result += fmt.Sprintf("Dropped:         %8d\n", s.Dropped)
	}
	if s.Unknown > 0 {
		result += fmt.Sprintf("Unknown Cmds:    %8d\n", s.Unknown)
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "=====================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = Statistics{StartTime: time.Now()}
}
