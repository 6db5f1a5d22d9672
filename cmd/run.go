// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 The Cartpole Lab Authors

package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cartpole-lab/cartpole/pkg/firmware"
	"github.com/cartpole-lab/cartpole/pkg/gpioled"
	"github.com/cartpole-lab/cartpole/pkg/hal"
	"github.com/cartpole-lab/cartpole/pkg/realtime"
	"github.com/cartpole-lab/cartpole/pkg/recorder"
	"github.com/cartpole-lab/cartpole/pkg/sim"
)

var (
	runLED          string
	runLEDActiveLow bool
	runRecord       string
	runRealtime     bool
	runNice         int
	runCPUs         string
	runConsole      bool
	runAutostart    bool
	runDuration     time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the controller in real time against the virtual cart",
	Long: `Run the controller with its tick on a wall-clock timer and the virtual
cart integrated in real time.

The host link is optional. With --port or --url, commands arrive from that
connection and replies and telemetry go back over it. Without one, the
console keys and --autostart drive the controller.

Console keys:
  c  calibrate            e  enable/disable control
  k  press the button     s  toggle telemetry stream
  r  raise the pole       p  push the pole
  q  quit`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runLED, "led", "", "GPIO pin for the status LED (e.g. GPIO17)")
	runCmd.Flags().BoolVar(&runLEDActiveLow, "led-active-low", false, "Status LED is lit when the pin is low")
	runCmd.Flags().StringVar(&runRecord, "record", "", "Write a CBOR flight recording to this file")
	runCmd.Flags().BoolVar(&runRealtime, "realtime", false, "Lock memory and raise the process priority")
	runCmd.Flags().IntVar(&runNice, "nice", -10, "Nice value applied with --realtime")
	runCmd.Flags().StringVar(&runCPUs, "cpus", "", "Pin the process to these CPUs with --realtime (e.g. 2-3)")
	runCmd.Flags().BoolVar(&runConsole, "console", true, "Show the live console when stdout is a terminal")
	runCmd.Flags().BoolVar(&runAutostart, "autostart", false, "Calibrate, raise the pole and enable control on start")
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
}

// wallClock is the device clock of the hosted runtime
type wallClock struct {
	start time.Time
}

func (c wallClock) Now() uint64 {
	return uint64(time.Since(c.start).Microseconds())
}

func (wallClock) SleepMs(ms uint32) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// device is a running controller with its virtual cart
type device struct {
	board      *sim.Board
	fw         *firmware.Firmware
	link       *Link
	irq        *hal.InterruptLock
	tickPeriod time.Duration
	sampleUs   uint32
	snap       atomic.Pointer[firmware.Snapshot]
	events     chan string
}

func runRun(cmd *cobra.Command, args []string) error {
	p, err := loadProfile()
	if err != nil {
		return err
	}

	if runRealtime {
		cpus, err := realtime.ParseCPUList(runCPUs)
		if err != nil {
			return err
		}
		opts := realtime.Options{LockMemory: true, Nice: runNice, CPUs: cpus}
		if err := realtime.Setup(opts); err != nil {
			log.Printf("Warning: real-time setup incomplete: %v", err)
		}
		defer realtime.Release()
	}

	var conn Connection
	connInfo := "none (local console)"
	if connectionRequested() {
		conn, err = OpenConnection()
		if err != nil {
			return err
		}
		connInfo = conn.String()
	}
	link := NewLink(conn)
	defer link.Close()

	useConsole := runConsole && term.IsTerminal(int(os.Stdout.Fd()))

	dev := &device{
		board:      sim.NewBoard(p.Plant),
		link:       link,
		irq:        &hal.InterruptLock{},
		tickPeriod: time.Duration(p.Control.TickPeriodMs) * time.Millisecond,
		sampleUs:   p.SampleIntervalUs,
		events:     make(chan string, 256),
	}

	hb := dev.board.HAL()
	hb.Clock = wallClock{start: time.Now()}
	hb.IRQ = dev.irq
	hb.Link = link
	if runLED != "" {
		led, err := gpioled.Open(runLED, runLEDActiveLow)
		if err != nil {
			return err
		}
		defer led.Close()
		hb.Indicator = led
	}

	var logOut io.Writer = os.Stderr
	if useConsole {
		logOut = &eventWriter{ch: dev.events}
	}
	opts := append(p.FirmwareOptions(), firmware.WithLogger(log.New(logOut, "", log.Ltime|log.Lmicroseconds)))

	if runRecord != "" {
		w, err := recorder.Create(runRecord)
		if err != nil {
			return err
		}
		defer func() {
			if err := w.Close(); err != nil {
				log.Printf("Recording: %v", err)
			}
		}()
		opts = append(opts, firmware.WithRecorder(w))
	}

	dev.fw, err = firmware.New(hb, p.Control, opts...)
	if err != nil {
		return err
	}
	dev.publish()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runDuration)
		defer cancel()
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); dev.physicsLoop(ctx) }()
	go func() { defer wg.Done(); dev.tickLoop(ctx) }()
	go func() { defer wg.Done(); dev.backgroundLoop(ctx) }()
	if runAutostart {
		wg.Add(1)
		go func() { defer wg.Done(); dev.playScript(ctx, p.Script()) }()
	}

	if useConsole {
		err = runConsoleUI(ctx, dev, p, connInfo)
		stop()
	} else {
		fmt.Printf("Cartpole - %s\n", p.Name)
		fmt.Printf("Host link: %s\n", connInfo)
		fmt.Printf("Press Ctrl+C to exit\n\n")
		dev.statusLoop(ctx)
	}
	wg.Wait()

	snap := dev.snap.Load()
	fmt.Printf("\nFinal mode %s, calibrated %v\n", snap.Control.Mode, snap.Control.Calibrated)
	fmt.Print(snap.Stats.String())
	return err
}

// physicsLoop integrates the cart in step with wall time
func (d *device) physicsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.board.Advance(uint64(now.Sub(last).Microseconds()))
			last = now
		}
	}
}

// tickLoop is the timer interrupt: it runs the tick under the interrupt
// lock, so it waits out any background critical section
func (d *device) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(d.tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.irq.RunHandler(d.fw.Tick)
		}
	}
}

// backgroundLoop is the main loop of the device. It is the only caller of
// Background and Snapshot.
func (d *device) backgroundLoop(ctx context.Context) {
	interval := time.Duration(d.sampleUs) * time.Microsecond
	lastPublish := time.Now()
	for ctx.Err() == nil {
		d.fw.Background()
		if time.Since(lastPublish) >= 20*time.Millisecond {
			d.publish()
			lastPublish = time.Now()
		}
		time.Sleep(interval)
	}
	d.board.Stop()
	d.publish()
}

func (d *device) publish() {
	s := d.fw.Snapshot()
	d.snap.Store(&s)
}

// playScript runs a host session in wall time, injecting its frames as if
// they came over the link
func (d *device) playScript(ctx context.Context, steps []sim.Step) {
	for _, st := range steps {
		if !sleepCtx(ctx, st.Delay) {
			return
		}
		for st.Until != nil && !st.Until(*d.snap.Load()) {
			if !sleepCtx(ctx, 10*time.Millisecond) {
				return
			}
		}
		log.Printf("Script: %s", st.Name)
		if st.Frame != nil {
			d.link.Inject(st.Frame)
		}
		if st.Apply != nil {
			st.Apply(d.board)
		}
	}
}

// statusLoop prints a status line every second
func (d *device) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := d.snap.Load()
			st := d.board.State()
			log.Printf("%-11s angle=%4d rate=%4d pos=%6d cmd=%6d theta=%+.3f x=%+.3f frames=%d errors=%d",
				s.Control.Mode, s.Control.Reading.Angle, s.Control.Reading.Rate,
				s.Control.Position, s.Control.Command, st.Theta, st.X,
				s.Stats.Frames, s.Stats.Errors())
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// eventWriter turns firmware log lines into console events
type eventWriter struct {
	ch chan string
}

func (w *eventWriter) Write(p []byte) (int, error) {
	line := string(p)
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	select {
	case w.ch <- line:
	default:
	}
	return len(p), nil
}
