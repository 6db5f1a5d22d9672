// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package pid

import (
	"math"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

func newRng(t *testing.T) *rand.Rand {
	seed := time.Now().UnixNano()
	if env := os.Getenv("FUZZ_SEED"); env != "" {
		if s, err := strconv.ParseInt(env, 10, 64); err == nil {
			seed = s
		}
	}
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// ============================================================
// Step
// ============================================================

func TestStepProportionalOnly(t *testing.T) {
	var s State
	out := Step(&s, 2.5, 0.01, Gains{KP: 4}, Unity, 0)
	if out != 10 {
		t.Errorf("out = %v, want 10", out)
	}
	if s.ErrorPrevious != 2.5 {
		t.Errorf("ErrorPrevious = %v, want 2.5", s.ErrorPrevious)
	}
}

func TestStepDerivative(t *testing.T) {
	tests := []struct {
		name string
		dt   float64
		want float64
	}{
		{"regular step", 0.01, 100},
		{"tiny step skipped", 1e-5, 0},
		{"exact threshold skipped", MinDt, 0},
		{"zero step skipped", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := State{ErrorPrevious: 1}
			out := Step(&s, 2, tt.dt, Gains{KD: 1}, Unity, 0)
			if math.Abs(out-tt.want) > 1e-9 {
				t.Errorf("out = %v, want %v", out, tt.want)
			}
		})
	}
}

func TestStepSensitivity(t *testing.T) {
	s := State{ErrorPrevious: 0}
	g := Gains{KP: 2, KI: 1, KD: 3}
	out := Step(&s, 1, 0.5, g, Sensitivity{P: 0.5, I: 2, D: 0.1}, 10)
	// P: 2*1*0.5 = 1, I: 1*0.5*2 = 1, D: 3*(1/0.5)*0.1 = 0.6
	if math.Abs(out-2.6) > 1e-9 {
		t.Errorf("out = %v, want 2.6", out)
	}
}

// ============================================================
// Anti-windup
// ============================================================

func TestIntegralBoundedByAntiWindup(t *testing.T) {
	rng := newRng(t)
	for _, ki := range []float64{0.5, -2, 10, 1e-3} {
		var s State
		bound := AntiWindup(ki)
		g := Gains{KP: 1, KI: ki}
		for i := 0; i < 5000; i++ {
			err := (rng.Float64() - 0.3) * 1000
			Step(&s, err, rng.Float64()*0.05, g, Unity, bound)
			if math.Abs(s.ErrorIntegral) > 1/math.Abs(ki)+1e-12 {
				t.Fatalf("ki=%v: |integral| %v exceeds %v", ki, s.ErrorIntegral, 1/math.Abs(ki))
			}
			if math.Abs(ki*s.ErrorIntegral) > 1+1e-9 {
				t.Fatalf("ki=%v: integral contribution %v exceeds 1", ki, ki*s.ErrorIntegral)
			}
		}
	}
}

func TestIntegralZeroWithoutKI(t *testing.T) {
	s := State{ErrorIntegral: 42}
	for i := 0; i < 100; i++ {
		Step(&s, 123, 0.01, Gains{KP: 1, KD: 1}, Unity, 5)
		if s.ErrorIntegral != 0 {
			t.Fatalf("integral = %v after step %d, want 0", s.ErrorIntegral, i)
		}
	}
}

func TestNegativeClipUsesMagnitude(t *testing.T) {
	var s State
	for i := 0; i < 100; i++ {
		Step(&s, 10, 0.1, Gains{KI: 1}, Unity, -0.25)
	}
	if s.ErrorIntegral != 0.25 {
		t.Errorf("integral = %v, want 0.25", s.ErrorIntegral)
	}
}

func TestAntiWindup(t *testing.T) {
	if AntiWindup(0) != 0 {
		t.Error("AntiWindup(0) should be 0")
	}
	if AntiWindup(-4) != 0.25 {
		t.Errorf("AntiWindup(-4) = %v, want 0.25", AntiWindup(-4))
	}
}

func TestReset(t *testing.T) {
	s := State{ErrorPrevious: 3, ErrorIntegral: 4}
	s.Reset()
	if s != (State{}) {
		t.Errorf("Reset left %+v", s)
	}
}

// ============================================================
// Strategy
// ============================================================

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"pd", StrategyPD, false},
		{"PID", StrategyPID, false},
		{"position-only", StrategyPositionOnly, false},
		{"POSITION_ONLY", StrategyPositionOnly, false},
		{"", StrategyPD, false},
		{"lqr", StrategyPD, true},
	}

	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStrategy(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStrategy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for _, s := range []Strategy{StrategyPD, StrategyPID, StrategyPositionOnly} {
		back, err := ParseStrategy(s.String())
		if err != nil || back != s {
			t.Errorf("ParseStrategy(%q) = %v, %v", s.String(), back, err)
		}
	}
	if Strategy(9).Valid() {
		t.Error("Strategy(9) should be invalid")
	}
}
