// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

// Package realtime prepares the process hosting the control tick: memory
// locking, scheduling priority and CPU pinning. Only Linux is supported;
// elsewhere Setup fails with ErrUnsupported unless nothing was requested.
package realtime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsupported is returned on platforms without the required calls
var ErrUnsupported = errors.New("realtime: not supported on this platform")

// Options selects the process setup
type Options struct {
	LockMemory bool
	Nice       int   // 0 leaves the priority alone, otherwise -20..19
	CPUs       []int // pin the process to these CPUs, empty for no pinning
}

// Requested reports whether any setup was asked for
func (o Options) Requested() bool {
	return o.LockMemory || o.Nice != 0 || len(o.CPUs) > 0
}

// Validate checks the option ranges
func (o Options) Validate() error {
	if o.Nice < -20 || o.Nice > 19 {
		return fmt.Errorf("realtime: nice %d out of range -20..19", o.Nice)
	}
	for _, c := range o.CPUs {
		if c < 0 {
			return fmt.Errorf("realtime: negative cpu %d", c)
		}
	}
	return nil
}

// ParseCPUList parses a list such as "0-2,5" into CPU numbers
func ParseCPUList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil || first < 0 {
			return nil, fmt.Errorf("realtime: bad cpu %q", part)
		}
		last := first
		if isRange {
			last, err = strconv.Atoi(hi)
			if err != nil || last < first {
				return nil, fmt.Errorf("realtime: bad cpu range %q", part)
			}
		}
		for c := first; c <= last; c++ {
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}

// Setup applies o to the current process. Each step is attempted; the
// returned error joins every failure.
func Setup(o Options) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if !o.Requested() {
		return nil
	}
	return setup(o)
}

// Release undoes the memory lock
func Release() error {
	return release()
}
