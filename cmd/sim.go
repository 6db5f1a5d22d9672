// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 The Cartpole Lab Authors

package cmd

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cartpole-lab/cartpole/pkg/control"
	"github.com/cartpole-lab/cartpole/pkg/firmware"
	"github.com/cartpole-lab/cartpole/pkg/recorder"
	"github.com/cartpole-lab/cartpole/pkg/sim"
)

var (
	simDuration time.Duration
	simPlotDir  string
	simRecord   string
	simPush     float64
	simTheta    float64
	simVerbose  bool
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run a deterministic simulation of a balancing session",
	Long: `Run the controller against the virtual cart in simulated time.

The scripted host session turns the telemetry stream on, calibrates, stands
the pole up, enables control and optionally pushes the pole. The run is
reproducible: the plant noise is seeded from the profile.

Exit codes:
  0 - Control stayed enabled to the end of the run
  1 - Control dropped out or the run failed`,
	RunE: runSim,
}

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.Flags().DurationVar(&simDuration, "duration", 0, "Simulated time (default from the profile)")
	simCmd.Flags().StringVar(&simPlotDir, "plot", "", "Write PNG plots into this directory")
	simCmd.Flags().StringVar(&simRecord, "record", "", "Write a CBOR flight recording to this file")
	simCmd.Flags().Float64Var(&simPush, "push", 0, "Push torque in N*m (default from the profile)")
	simCmd.Flags().Float64Var(&simTheta, "theta", 0, "Initial pole angle in rad (default from the profile)")
	simCmd.Flags().BoolVarP(&simVerbose, "verbose", "v", false, "Log script steps, replies and firmware events")
}

func runSim(cmd *cobra.Command, args []string) error {
	p, err := loadProfile()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("duration") {
		p.Scenario.DurationMs = int(simDuration.Milliseconds())
	}
	if cmd.Flags().Changed("push") {
		p.Scenario.PushTorque = simPush
	}
	if cmd.Flags().Changed("theta") {
		p.Scenario.RaiseTheta = simTheta
	}

	board := sim.NewBoard(p.Plant)
	opts := p.FirmwareOptions()
	if simVerbose {
		opts = append(opts, firmware.WithLogger(log.New(os.Stdout, "  fw: ", 0)))
	}

	var rec *recorder.Writer
	if simRecord != "" {
		rec, err = recorder.Create(simRecord)
		if err != nil {
			return err
		}
		opts = append(opts, firmware.WithRecorder(rec))
	}

	fw, err := firmware.New(board.HAL(), p.Control, opts...)
	if err != nil {
		return err
	}

	runner := sim.NewRunner(board, fw, p.Control.TickPeriodMs)
	if simVerbose {
		runner.Log = log.New(os.Stdout, "", 0)
	}

	fmt.Printf("Cartpole - simulation (%s)\n", p.Name)
	fmt.Printf("Strategy %s, tick %d ms, %s of simulated time\n\n",
		p.Control.Strategy, p.Control.TickPeriodMs, p.Scenario.Duration())

	start := time.Now()
	sum := runner.Run(p.Scenario.Duration(), p.Script())
	fmt.Printf("%s\n", sum)
	fmt.Printf("Simulated in %s\n", time.Since(start).Round(time.Millisecond))

	if rec != nil {
		if err := rec.Close(); err != nil {
			return fmt.Errorf("recording: %w", err)
		}
		ticks, events := rec.Counts()
		fmt.Printf("Recorded %d ticks and %d events to %s\n", ticks, events, simRecord)
	}

	if simPlotDir != "" {
		if err := sim.SavePlots(simPlotDir, runner.Trace()); err != nil {
			return fmt.Errorf("plots: %w", err)
		}
		fmt.Printf("Plots written to %s\n", simPlotDir)
	}

	fmt.Printf("\n%s", sum.FinalSnapshot.Stats.String())

	if sum.FinalMode != control.ModeEnabled {
		return fmt.Errorf("control ended %s after %.2f s enabled", sum.FinalMode, sum.EnabledSeconds)
	}
	return nil
}
