// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 The Cartpole Lab Authors
//
// Cartpole - controller core of an inverted pendulum on a cart

package main

import (
	"os"

	"github.com/cartpole-lab/cartpole/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
