// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 The Cartpole Lab Authors

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var profileOut string

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Print the effective startup profile",
	Long: `Print the startup profile in use: the --profile file layered over the
built-in defaults, or the defaults alone. The output is a complete profile
that can be edited and passed back with --profile.`,
	RunE: runProfile,
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.Flags().StringVarP(&profileOut, "output", "o", "", "Write to this file instead of stdout")
}

func runProfile(cmd *cobra.Command, args []string) error {
	p, err := loadProfile()
	if err != nil {
		return err
	}
	data, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("failed to render profile: %w", err)
	}
	if profileOut == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(profileOut, data, 0o644); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	fmt.Printf("Profile written to %s\n", profileOut)
	return nil
}
