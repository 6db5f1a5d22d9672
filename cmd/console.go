// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 The Cartpole Lab Authors

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cartpole-lab/cartpole/pkg/control"
	"github.com/cartpole-lab/cartpole/pkg/firmware"
	"github.com/cartpole-lab/cartpole/pkg/profile"
	"github.com/cartpole-lab/cartpole/pkg/protocol"
	"github.com/cartpole-lab/cartpole/pkg/sim"
)

const consoleRefresh = 100 * time.Millisecond

// Console event log entry
type consoleEvent struct {
	timestamp time.Time
	message   string
	isError   bool
}

// consoleModel is the live view of a running device
type consoleModel struct {
	dev         *device
	profileName string
	connInfo    string
	pushTorque  float64
	raiseTheta  float64

	snap      firmware.Snapshot
	plant     sim.State
	link      LinkStats
	streaming bool
	events    []consoleEvent
	maxEvents int

	commandBar progress.Model
	stallBar   progress.Model
	angleBar   progress.Model

	width    int
	height   int
	quitting bool
}

type consoleTickMsg time.Time

func newConsoleModel(dev *device, p profile.Profile, connInfo string) consoleModel {
	push := p.Scenario.PushTorque
	if push == 0 {
		push = 0.01
	}
	m := consoleModel{
		dev:         dev,
		profileName: p.Name,
		connInfo:    connInfo,
		pushTorque:  push,
		raiseTheta:  p.Scenario.RaiseTheta,
		maxEvents:   100,
		commandBar:  progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		stallBar:    progress.New(progress.WithGradient("#5A56E0", "#FF5F87"), progress.WithoutPercentage()),
		angleBar:    progress.New(progress.WithSolidFill("12"), progress.WithoutPercentage()),
		width:       80,
		height:      24,
	}
	if s := dev.snap.Load(); s != nil {
		m.snap = *s
	}
	return m
}

// runConsoleUI blocks until the user quits or ctx ends
func runConsoleUI(ctx context.Context, dev *device, p profile.Profile, connInfo string) error {
	prog := tea.NewProgram(newConsoleModel(dev, p, connInfo), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := prog.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

func (m consoleModel) Init() tea.Cmd {
	return consoleTickCmd()
}

func consoleTickCmd() tea.Cmd {
	return tea.Tick(consoleRefresh, func(t time.Time) tea.Msg {
		return consoleTickMsg(t)
	})
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "k":
			m.dev.fw.PressButton()
			m.addEvent("Button pressed", false)
		case "c":
			m.dev.link.Inject(protocol.NewCalibrate())
			m.addEvent("Calibration requested", false)
		case "e":
			enable := m.snap.Control.Mode != control.ModeEnabled
			m.dev.link.Inject(protocol.NewControlMode(enable))
			m.addEvent(fmt.Sprintf("Control mode %v requested", enable), false)
		case "s":
			m.streaming = !m.snap.Streaming
			m.dev.link.Inject(protocol.NewStreamOn(m.streaming))
			m.addEvent(fmt.Sprintf("Telemetry stream %v requested", m.streaming), false)
		case "r":
			m.dev.board.RaisePole(m.raiseTheta)
			m.addEvent(fmt.Sprintf("Pole raised to %.3f rad", m.raiseTheta), false)
		case "p":
			m.dev.board.Push(m.pushTorque, 0.1)
			m.addEvent(fmt.Sprintf("Pole pushed with %.3f N*m", m.pushTorque), false)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		barWidth := (msg.Width - 30) / 2
		if barWidth < 10 {
			barWidth = 10
		}
		m.commandBar.Width = barWidth
		m.stallBar.Width = barWidth
		m.angleBar.Width = barWidth

	case consoleTickMsg:
		if s := m.dev.snap.Load(); s != nil {
			m.snap = *s
		}
		m.plant = m.dev.board.State()
		m.link = m.dev.link.Stats()
		m.drainEvents()
		return m, consoleTickCmd()
	}

	return m, nil
}

func (m *consoleModel) drainEvents() {
	for {
		select {
		case line := <-m.dev.events:
			isError := strings.Contains(line, "failed") || strings.Contains(line, "refused") ||
				strings.Contains(line, "held against")
			m.addEvent(line, isError)
		default:
			return
		}
	}
}

func (m *consoleModel) addEvent(message string, isError bool) {
	m.events = append(m.events, consoleEvent{timestamp: time.Now(), message: message, isError: isError})
	if len(m.events) > m.maxEvents {
		m.events = m.events[len(m.events)-m.maxEvents:]
	}
}

func fraction(v, full int) float64 {
	if full <= 0 {
		return 0
	}
	if v < 0 {
		v = -v
	}
	f := float64(v) / float64(full)
	if f > 1 {
		return 1
	}
	return f
}

func (m consoleModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	modeStyle := valueStyle
	switch m.snap.Control.Mode {
	case control.ModeDisabled:
		modeStyle = warningStyle
	case control.ModeCalibrating:
		modeStyle = labelStyle
	}

	c := m.snap.Control
	var s strings.Builder
	s.WriteString(titleStyle.Render("CARTPOLE - " + strings.ToUpper(m.profileName)))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("Link: %s | c calibrate  e control  k button  s stream  r raise  p push  q quit",
		m.connInfo)))
	s.WriteString("\n\n")

	// Controller
	ctrl := strings.Builder{}
	ctrl.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Mode:"), modeStyle.Render(c.Mode.String()),
		labelStyle.Render("Strategy:"), valueStyle.Render(c.Strategy.String()),
		labelStyle.Render("Calibrated:"), valueStyle.Render(fmt.Sprintf("%v", c.Calibrated)),
	))
	if c.Calibrated {
		ctrl.WriteString(fmt.Sprintf("%s %s\n",
			labelStyle.Render("Limits:"),
			valueStyle.Render(fmt.Sprintf("%d .. %d (centre %d, direction %+d)",
				c.Calibration.Left, c.Calibration.Right, c.Calibration.Centre, c.Calibration.Direction)),
		))
	}
	ctrl.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Angle:"), valueStyle.Render(fmt.Sprintf("%4d", c.Reading.Angle)),
		labelStyle.Render("Rate:"), valueStyle.Render(fmt.Sprintf("%+4d", c.Reading.Rate)),
		labelStyle.Render("Position:"), valueStyle.Render(fmt.Sprintf("%+6d", c.Position)),
	))
	ctrl.WriteString(fmt.Sprintf("%-12s %s %s\n", labelStyle.Render("Command:"),
		m.commandBar.ViewAs(fraction(c.Command, c.MaxSpeed)), valueStyle.Render(fmt.Sprintf("%+6d", c.Command))))
	ctrl.WriteString(fmt.Sprintf("%-12s %s %s\n", labelStyle.Render("Stall:"),
		m.stallBar.ViewAs(fraction(c.Stall, c.StallTicks)), valueStyle.Render(fmt.Sprintf("%d/%d", c.Stall, c.StallTicks))))
	angleErr := c.Reading.Angle - m.snap.Config.Angle.SetPoint
	ctrl.WriteString(fmt.Sprintf("%-12s %s %s", labelStyle.Render("Tilt:"),
		m.angleBar.ViewAs(fraction(angleErr, 512)), valueStyle.Render(fmt.Sprintf("%+d counts", angleErr))))
	if c.Reading.Frozen > 0 {
		ctrl.WriteString("\n" + warningStyle.Render(fmt.Sprintf("Angle estimate frozen for %d windows", c.Reading.Frozen)))
	}
	s.WriteString(boxStyle.Render(ctrl.String()))
	s.WriteString("\n")

	// Plant and link
	st := m.snap.Stats
	info := strings.Builder{}
	info.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("theta:"), valueStyle.Render(fmt.Sprintf("%+.4f rad", m.plant.Theta)),
		labelStyle.Render("x:"), valueStyle.Render(fmt.Sprintf("%+.4f m", m.plant.X)),
		labelStyle.Render("LED:"), valueStyle.Render(fmt.Sprintf("%v", c.Indicator)),
	))
	errCount := st.Errors()
	errText := valueStyle.Render(fmt.Sprintf("%d", errCount))
	if errCount > 0 {
		errText = errorStyle.Render(fmt.Sprintf("%d (crc %d, length %d, unknown %d, dropped %d)",
			errCount, st.CRCErrors, st.LengthErrors, st.Unknown, st.Dropped))
	}
	info.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Frames:"), valueStyle.Render(fmt.Sprintf("%d", st.Frames)),
		labelStyle.Render("Telemetry:"), valueStyle.Render(fmt.Sprintf("%d", st.Telemetry)),
		labelStyle.Render("Errors:"), errText,
	))
	info.WriteString(fmt.Sprintf("%s %s   %s %s",
		labelStyle.Render("Sent:"), valueStyle.Render(fmt.Sprintf("%d", m.link.Sent)),
		labelStyle.Render("Link drops:"), valueStyle.Render(fmt.Sprintf("rx %d, tx %d", m.link.RxDropped, m.link.TxDropped)),
	))
	if m.link.Lost {
		info.WriteString("\n" + errorStyle.Render("Host link lost"))
	}
	if m.snap.RecordsDropped > 0 {
		info.WriteString("\n" + warningStyle.Render(fmt.Sprintf("Recorder dropped %d ticks", m.snap.RecordsDropped)))
	}
	s.WriteString(boxStyle.Render(info.String()))
	s.WriteString("\n")

	// Events
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - 22
	if logHeight < 5 {
		logHeight = 5
	}
	startIdx := len(m.events) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	logContent := strings.Builder{}
	if len(m.events) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	}
	for _, e := range m.events[startIdx:] {
		timestamp := headerStyle.Render(e.timestamp.Format("15:04:05.000"))
		if e.isError {
			logContent.WriteString(fmt.Sprintf("%s %s\n", timestamp, errorStyle.Render("✗ "+e.message)))
		} else {
			logContent.WriteString(fmt.Sprintf("%s %s\n", timestamp, warningStyle.Render("ℹ "+e.message)))
		}
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
