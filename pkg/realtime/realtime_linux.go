// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

//go:build linux

package realtime

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func setup(o Options) error {
	var errs []error
	if o.LockMemory {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			errs = append(errs, fmt.Errorf("mlockall: %w", err))
		}
	}
	if o.Nice != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, o.Nice); err != nil {
			errs = append(errs, fmt.Errorf("setpriority %d: %w", o.Nice, err))
		}
	}
	if len(o.CPUs) > 0 {
		var set unix.CPUSet
		set.Zero()
		for _, c := range o.CPUs {
			set.Set(c)
		}
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			errs = append(errs, fmt.Errorf("sched_setaffinity %v: %w", o.CPUs, err))
		}
	}
	return errors.Join(errs...)
}

func release() error {
	return unix.Munlockall()
}

// Priority returns the current nice value of the process
func Priority() (int, error) {
	// getpriority(2) returns 20 - nice through the raw syscall
	p, err := unix.Getpriority(unix.PRIO_PROCESS, 0)
	if err != nil {
		return 0, err
	}
	return 20 - p, nil
}
