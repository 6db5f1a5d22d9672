// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package sim

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

func limitedTicker(maxLabels int, labelFmt string) plot.Ticker {
	if maxLabels < 2 {
		maxLabels = 2
	}
	return plot.TickerFunc(func(min, max float64) []plot.Tick {
		if math.IsNaN(min) || math.IsNaN(max) || math.IsInf(min, 0) || math.IsInf(max, 0) {
			return nil
		}
		if min == max {
			return []plot.Tick{{Value: min, Label: fmt.Sprintf(labelFmt, min)}}
		}
		step := (max - min) / float64(maxLabels-1)
		ticks := make([]plot.Tick, 0, maxLabels)
		for i := 0; i < maxLabels; i++ {
			v := min + float64(i)*step
			ticks = append(ticks, plot.Tick{Value: v, Label: fmt.Sprintf(labelFmt, v)})
		}
		return ticks
	})
}

func stylePlot(p *plot.Plot, yFmt string) {
	p.Title.TextStyle.Font.Size = vg.Points(18)
	p.Title.Padding = vg.Points(10)
	p.X.Label.TextStyle.Font.Size = vg.Points(14)
	p.Y.Label.TextStyle.Font.Size = vg.Points(14)
	p.X.Tick.Label.Font.Size = vg.Points(11)
	p.Y.Tick.Label.Font.Size = vg.Points(11)
	p.X.Tick.Marker = limitedTicker(10, "%.1f")
	p.Y.Tick.Marker = limitedTicker(8, yFmt)
}

func savePNG(p *plot.Plot, filename string) error {
	c := vgimg.NewWith(
		vgimg.UseWH(8*vg.Inch, 4*vg.Inch),
		vgimg.UseDPI(150),
	)
	p.Draw(draw.New(c))

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("cannot create png: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if _, err := (vgimg.PngCanvas{Canvas: c}).WriteTo(bw); err != nil {
		return fmt.Errorf("cannot write png: %w", err)
	}
	return bw.Flush()
}

func saveLinePlot(dir, filename, title, ylabel, yFmt string, trace []Sample, y func(Sample) float64) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "time (s)"
	p.Y.Label.Text = ylabel
	stylePlot(p, yFmt)

	pts := make(plotter.XYs, len(trace))
	for i, s := range trace {
		pts[i].X = s.T
		pts[i].Y = y(s)
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.LineStyle.Width = vg.Points(1.5)
	p.Add(line)

	return savePNG(p, filepath.Join(dir, filename))
}

// SavePlots writes PNG plots of a run trace into dir
func SavePlots(dir string, trace []Sample) error {
	if len(trace) == 0 {
		return fmt.Errorf("no samples to plot")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}

	plots := []struct {
		file, title, ylabel, yFmt string
		y                         func(Sample) float64
	}{
		{"pole_angle.png", "Pole angle (0 = upright)", "theta (rad)", "%.3f", func(s Sample) float64 { return s.Theta }},
		{"cart_position.png", "Cart position", "x (m)", "%.3f", func(s Sample) float64 { return s.X }},
		{"motor_command.png", "Motor command", "speed", "%.0f", func(s Sample) float64 { return float64(s.Command) }},
		{"filtered_angle.png", "Filtered angle", "ADC counts", "%.0f", func(s Sample) float64 { return float64(s.Angle) }},
	}
	for _, pl := range plots {
		if err := saveLinePlot(dir, pl.file, pl.title, pl.ylabel, pl.yFmt, trace, pl.y); err != nil {
			return fmt.Errorf("%s: %w", pl.file, err)
		}
	}
	return nil
}
