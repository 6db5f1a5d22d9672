// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 The Cartpole Lab Authors

package cmd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cartpole-lab/cartpole/pkg/protocol"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the link by sending PING frames and waiting for the echo",
	Long: `Send PING frames carrying a sequence number and wait for the controller to
echo each one back unchanged.

This is useful for verifying:
  - The serial or WebSocket connection is established
  - HTTP Basic authentication works
  - The controller's background loop is running
  - Frames survive the round trip intact

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 2, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	// Open connection (serial or WebSocket)
	conn, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Cartpole - Ping\n")
	fmt.Printf("Connection: %s\n", conn)
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	reader := newHostReader(conn)
	defer reader.stop()

	successCount := 0
	failCount := 0
	var totalRTT time.Duration

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		var payload [4]byte
		binary.LittleEndian.PutUint32(payload[:], uint32(i))
		frame := protocol.NewPing(payload[:])

		startTime := time.Now()
		if _, err := conn.Write(frame); err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		deadline := time.After(time.Duration(pingTimeout) * time.Second)
	wait:
		for {
			select {
			case f := <-reader.frames:
				// Ignore telemetry and stale echoes
				if !bytes.Equal(f.raw, frame) {
					continue
				}
				rtt := f.at.Sub(startTime)
				totalRTT += rtt
				fmt.Printf("echo seq=%d, rtt=%v\n", i, rtt.Round(100*time.Microsecond))
				successCount++
				break wait

			case <-reader.skipped:

			case err := <-reader.errs:
				fmt.Printf("READ FAILED: %v\n", err)
				failCount += pingCount - i + 1
				i = pingCount
				break wait

			case <-deadline:
				fmt.Printf("TIMEOUT (no echo in %ds)\n", pingTimeout)
				failCount++
				break wait
			}
		}

		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d echoes received, %.0f%% packet loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)
	if successCount > 0 {
		fmt.Printf("average rtt %v\n", (totalRTT / time.Duration(successCount)).Round(100*time.Microsecond))
	}

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
