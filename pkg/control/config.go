// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package control

import (
	"math"

	"github.com/cartpole-lab/cartpole/pkg/pid"
)

// Timing and safety constants
const (
	DefaultTickPeriodMs      = 10
	DefaultMotorFullScale    = 7200
	InterlockMargin          = 20 // counts before a limit where closed-loop drive is cut
	PassthroughMargin        = 10 // same for direct motor commands
	StallTimeoutMs           = 500
	IdleBlinkMs              = 500
	ActiveBlinkMs            = 100
	PositionOnlyIntegralClip = 0.0005
	LimitGuessHalfSpan       = 2400
	maxGapSeconds            = 0.1
)

// AngleConfig configures the angle loop and the actuation path
type AngleConfig struct {
	SetPoint    int     `yaml:"set_point"`
	AverageLen  int     `yaml:"average_len"`
	Smoothing   float64 `yaml:"smoothing"`
	KP          float64 `yaml:"kp"`
	KI          float64 `yaml:"ki"`
	KD          float64 `yaml:"kd"`
	LatencyUs   int32   `yaml:"latency_us"`
	Synchronous bool    `yaml:"synchronous"`
}

// PositionConfig configures the position loop
type PositionConfig struct {
	SetPoint  int     `yaml:"set_point"`
	PeriodMs  int     `yaml:"period_ms"`
	Smoothing float64 `yaml:"smoothing"`
	KP        float64 `yaml:"kp"`
	KI        float64 `yaml:"ki"`
	KD        float64 `yaml:"kd"`
}

// Config is the complete controller configuration
type Config struct {
	Angle          AngleConfig     `yaml:"angle"`
	Position       PositionConfig  `yaml:"position"`
	PositionOnly   pid.Gains       `yaml:"position_only"`
	Sensitivity    pid.Sensitivity `yaml:"sensitivity"`
	Strategy       pid.Strategy    `yaml:"strategy"`
	TickPeriodMs   int             `yaml:"tick_period_ms"`
	MotorFullScale int             `yaml:"motor_full_scale"`
}

// DefaultConfig returns the power-on configuration of the reference cart
func DefaultConfig() Config {
	return Config{
		Angle: AngleConfig{
			SetPoint:    3148,
			AverageLen:  15,
			Smoothing:   1.0,
			KP:          200,
			KI:          0,
			KD:          200,
			Synchronous: true,
		},
		Position: PositionConfig{
			SetPoint:  0,
			PeriodMs:  20,
			Smoothing: 1.0,
			KP:        10,
		},
		PositionOnly:   pid.Gains{KP: 4},
		Sensitivity:    pid.DefaultSensitivity,
		Strategy:       pid.StrategyPD,
		TickPeriodMs:   DefaultTickPeriodMs,
		MotorFullScale: DefaultMotorFullScale,
	}
}

// MaxSpeed returns the saturation limit, 95% of full scale
func (c Config) MaxSpeed() int {
	return int(math.Floor(0.95*float64(c.MotorFullScale) + 0.5))
}

// ticks converts a duration to whole control ticks, at least one
func (c Config) ticks(ms int) int {
	n := ms / c.TickPeriodMs
	if n < 1 {
		return 1
	}
	return n
}

func (c *Config) normalize() {
	if c.TickPeriodMs <= 0 {
		c.TickPeriodMs = DefaultTickPeriodMs
	}
	if c.MotorFullScale <= 0 {
		c.MotorFullScale = DefaultMotorFullScale
	}
	if !c.Strategy.Valid() {
		c.Strategy = pid.StrategyPD
	}
}
