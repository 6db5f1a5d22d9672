// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 The Cartpole Lab Authors

package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cartpole-lab/cartpole/pkg/pid"
	"github.com/cartpole-lab/cartpole/pkg/protocol"
)

var (
	monStream       bool
	monCalibrate    bool
	monEnable       bool
	monDisable      bool
	monGetConfig    bool
	monApplyProfile bool
	monMotor        int
	monStrategy     string
	monCapture      string
	monDuration     time.Duration
	monQuiet        bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Send commands to a controller and log every frame it returns",
	Long: `Connect to a running controller, optionally send commands, then decode
and display every frame as it arrives.

Commands are sent in the order the flags are listed below, one frame each.
--apply-profile pushes the angle and position configuration and the strategy
of the --profile file.

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monApplyProfile, "apply-profile", false, "Send the controller configuration of the profile")
	monitorCmd.Flags().StringVar(&monStrategy, "strategy", "", "Select the control strategy (pd, pid, position-only)")
	monitorCmd.Flags().BoolVar(&monGetConfig, "get-config", false, "Request the angle and position configuration")
	monitorCmd.Flags().BoolVar(&monStream, "stream", false, "Turn the telemetry stream on")
	monitorCmd.Flags().BoolVar(&monCalibrate, "calibrate", false, "Run the calibration sequence")
	monitorCmd.Flags().IntVar(&monMotor, "motor", 0, "Send a motor speed command")
	monitorCmd.Flags().BoolVar(&monEnable, "enable", false, "Enable closed-loop control")
	monitorCmd.Flags().BoolVar(&monDisable, "disable", false, "Disable closed-loop control")
	monitorCmd.Flags().StringVar(&monCapture, "capture", "", "Collect raw angle samples, COUNT[@INTERVAL_US]")
	monitorCmd.Flags().DurationVar(&monDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	monitorCmd.Flags().BoolVarP(&monQuiet, "quiet", "q", false, "Do not print telemetry frames")
}

// parseCapture parses COUNT[@INTERVAL_US]
func parseCapture(s string) (protocol.RawAngleRequest, error) {
	countStr, intervalStr, hasInterval := strings.Cut(s, "@")
	count, err := strconv.ParseUint(countStr, 10, 16)
	if err != nil {
		return protocol.RawAngleRequest{}, fmt.Errorf("invalid capture count %q", countStr)
	}
	r := protocol.RawAngleRequest{Count: uint16(count)}
	if hasInterval {
		iv, err := strconv.ParseUint(intervalStr, 10, 16)
		if err != nil {
			return protocol.RawAngleRequest{}, fmt.Errorf("invalid capture interval %q", intervalStr)
		}
		r.IntervalUs = uint16(iv)
	}
	return r, nil
}

// monitorFrames returns the frames selected by the flags, in send order
func monitorFrames(cmd *cobra.Command) ([][]byte, error) {
	var frames [][]byte
	if monApplyProfile {
		p, err := loadProfile()
		if err != nil {
			return nil, err
		}
		frames = append(frames,
			angleConfigFrame(p.Control.Angle),
			positionConfigFrame(p.Control.Position),
			protocol.NewSetStrategy(uint8(p.Control.Strategy)))
	}
	if monStrategy != "" {
		s, err := pid.ParseStrategy(monStrategy)
		if err != nil {
			return nil, err
		}
		frames = append(frames, protocol.NewSetStrategy(uint8(s)))
	}
	if monGetConfig {
		frames = append(frames, protocol.NewGetAngleConfig(), protocol.NewGetPositionConfig())
	}
	if monStream {
		frames = append(frames, protocol.NewStreamOn(true))
	}
	if monCalibrate {
		frames = append(frames, protocol.NewCalibrate())
	}
	if cmd.Flags().Changed("motor") {
		if monMotor < -32768 || monMotor > 32767 {
			return nil, fmt.Errorf("motor speed %d out of range", monMotor)
		}
		frames = append(frames, protocol.NewSetMotor(int16(monMotor)))
	}
	if monEnable && monDisable {
		return nil, fmt.Errorf("--enable and --disable are exclusive")
	}
	if monEnable || monDisable {
		frames = append(frames, protocol.NewControlMode(monEnable))
	}
	if monCapture != "" {
		r, err := parseCapture(monCapture)
		if err != nil {
			return nil, err
		}
		frames = append(frames, protocol.NewCollectRawAngle(r))
	}
	return frames, nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	frames, err := monitorFrames(cmd)
	if err != nil {
		return err
	}

	// Open connection (serial or WebSocket)
	conn, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Cartpole - Monitor\n")
	fmt.Printf("Connection: %s\n", conn)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	reader := newHostReader(conn)
	defer reader.stop()

	for _, f := range frames {
		if _, err := conn.Write(f); err != nil {
			return fmt.Errorf("send %s: %w", protocol.FormatCommand(f[1]), err)
		}
		fmt.Printf("[%s] -> %s", time.Now().Format("15:04:05.000"), protocol.FormatFrame(f))
		// calibration blocks the device loop; later commands queue behind it
		time.Sleep(20 * time.Millisecond)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var timeout <-chan time.Time
	if monDuration > 0 {
		timeout = time.After(monDuration)
	}

	stats := protocol.NewStatistics()
	for {
		select {
		case f := <-reader.frames:
			stats.Frames++
			if f.raw[1] == protocol.CmdState {
				stats.Telemetry++
				if monQuiet {
					continue
				}
			}
			fmt.Printf("[%s] <- %s", f.at.Format("15:04:05.000"), protocol.FormatFrame(f.raw))
		case n := <-reader.skipped:
			stats.DiscardedBytes += uint64(n)
			fmt.Printf("[ERROR] skipped %d bytes\n", n)
		case err := <-reader.errs:
			if errors.Is(err, ErrConnectionClosed) {
				log.Printf("Connection closed")
			} else {
				log.Printf("Read error: %v", err)
			}
			fmt.Print(stats.String())
			return nil
		case <-timeout:
			fmt.Print(stats.String())
			return nil
		case <-sigs:
			fmt.Print(stats.String())
			return nil
		}
	}
}
