// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 The Cartpole Lab Authors

package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cartpole-lab/cartpole/pkg/control"
	"github.com/cartpole-lab/cartpole/pkg/recorder"
)

var (
	replayEvents  bool
	replaySummary bool
)

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Display a CBOR flight recording in human-readable format",
	Long: `Decode a recording written by 'run --record' or 'sim --record' and print
every tick and event, or only the events, or a summary.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVar(&replayEvents, "events", false, "Only print events")
	replayCmd.Flags().BoolVar(&replaySummary, "summary", false, "Only print a summary")
}

// replayStats summarizes a recording
type replayStats struct {
	ticks, events   int
	firstUs, lastUs uint64
	enabledTicks    int
	maxAngleErr     int
	maxCommand      int
	eventCounts     map[uint8]int
	seqGaps         int
	lastSeq         uint8
	haveSeq         bool
}

func (s *replayStats) addTick(e recorder.Entry, setPoint int) {
	if s.ticks == 0 {
		s.firstUs = e.TimeUs
	}
	s.lastUs = e.TimeUs
	s.ticks++
	if s.haveSeq && e.Seq != s.lastSeq+1 {
		s.seqGaps++
	}
	s.lastSeq, s.haveSeq = e.Seq, true
	if control.Mode(e.Mode) == control.ModeEnabled {
		s.enabledTicks++
		s.maxAngleErr = max(s.maxAngleErr, abs(e.Angle-setPoint))
		s.maxCommand = max(s.maxCommand, abs(e.Command))
	}
}

func (s *replayStats) print(w io.Writer) {
	fmt.Fprintf(w, "Ticks:          %d (%.3f s)\n", s.ticks, float64(s.lastUs-s.firstUs)/1e6)
	fmt.Fprintf(w, "Enabled ticks:  %d\n", s.enabledTicks)
	fmt.Fprintf(w, "Sequence gaps:  %d\n", s.seqGaps)
	fmt.Fprintf(w, "Max |angle err|: %d counts\n", s.maxAngleErr)
	fmt.Fprintf(w, "Max |command|:  %d\n", s.maxCommand)
	fmt.Fprintf(w, "Events:         %d\n", s.events)
	for kind, n := range s.eventCounts {
		fmt.Fprintf(w, "  %-20s %d\n", recorder.EventName(kind), n)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	p, err := loadProfile()
	if err != nil {
		return err
	}
	setPoint := p.Control.Angle.SetPoint

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	stats := replayStats{eventCounts: make(map[uint8]int)}
	rd := recorder.NewReader(bufio.NewReader(f))
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			stats.print(out)
			return err
		}

		switch {
		case rec.Entry != nil:
			e := rec.Entry
			stats.addTick(*e, setPoint)
			if replayEvents || replaySummary {
				continue
			}
			fmt.Fprintf(out, "%12.6f seq=%3d %-11s angle=%4d rate=%+4d pos=%+6d frozen=%d cmd=%+6d\n",
				float64(e.TimeUs)/1e6, e.Seq, control.Mode(e.Mode), e.Angle, e.Rate,
				e.Position, e.Frozen, e.Command)
		case rec.Event != nil:
			ev := rec.Event
			stats.events++
			stats.eventCounts[ev.Kind]++
			if replaySummary {
				continue
			}
			fmt.Fprintf(out, "%12.6f EVENT %s value=%d\n", float64(ev.TimeUs)/1e6, recorder.EventName(ev.Kind), ev.Value)
		}
	}

	if replaySummary || replayEvents {
		stats.print(out)
	}
	return nil
}
