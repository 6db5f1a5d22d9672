// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 The Cartpole Lab Authors

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cartpole-lab/cartpole/pkg/profile"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Startup profile
	profilePath string
)

var rootCmd = &cobra.Command{
	Use:   "cartpole",
	Short: "Cart-pole balancing controller",
	Long: `Cartpole - the controller core of an inverted pendulum on a cart.

Runs the controller against a virtual cart, either in real time with a host
link or as a deterministic simulation, and talks to a running controller
from the host side.

Connection modes (host link):
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the CARTPOLE_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.

The startup configuration comes from --profile, a YAML file layered over the
built-in defaults (see configs/sim.yaml).`,
	Version:      "0.3.0",
	SilenceUsage: true,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVar(&profilePath, "profile", "", "Startup profile (YAML)")
}

// loadProfile returns the profile named by --profile, or the defaults
func loadProfile() (profile.Profile, error) {
	if profilePath == "" {
		return profile.Default(), nil
	}
	p, err := profile.Load(profilePath)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("%s: %w", profilePath, err)
	}
	return p, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
