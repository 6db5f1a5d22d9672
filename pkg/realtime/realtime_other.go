// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

//go:build !linux

package realtime

func setup(Options) error {
	return ErrUnsupported
}

func release() error {
	return nil
}

// Priority returns the current nice value of the process
func Priority() (int, error) {
	return 0, ErrUnsupported
}
