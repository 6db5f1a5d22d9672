// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package wrapmath

import (
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// ============================================================
// Local wrap helpers
// ============================================================

func TestWrapLocal(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"zero", 0, 0},
		{"small positive", 15, 15},
		{"small negative", -15, -15},
		{"half stays", 2048, 2048},
		{"just over half", 2049, -2047},
		{"negative half wraps", -2048, 2048},
		{"crossing upward", 4090, -6},
		{"crossing downward", -4090, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ADCRange.WrapLocal(tt.in); got != tt.want {
				t.Errorf("WrapLocal(%d) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestUnwrapLocal(t *testing.T) {
	tests := []struct {
		name string
		prev int
		cur  int
		want int
	}{
		{"no jump", 100, 120, 120},
		{"wrap past top", 4090, 5, 4101},
		{"wrap past bottom", 5, 4090, -6},
		{"exact half not corrected", 0, 2048, 2048},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ADCRange.UnwrapLocal(tt.prev, tt.cur); got != tt.want {
				t.Errorf("UnwrapLocal(%d, %d) = %d, want %d", tt.prev, tt.cur, got, tt.want)
			}
		})
	}
}

// ============================================================
// General wrap helpers
// ============================================================

func TestWrap(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, 0},
		{4095, 4095},
		{4096, 0},
		{4097, 1},
		{-1, 4095},
		{-4096, 0},
		{-4097, 4095},
		{3*4096 + 17, 17},
	}

	for _, tt := range tests {
		if got := ADCRange.Wrap(tt.in); got != tt.want {
			t.Errorf("Wrap(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestUnwrapMultiTurn(t *testing.T) {
	// An encoder that has counted three full turns plus a bit
	prev := 3*65536 + 1000
	got := EncoderRange.Unwrap(prev, 1200)
	if got != 3*65536+1200 {
		t.Errorf("Unwrap = %d, want %d", got, 3*65536+1200)
	}

	// Negative territory
	prev = -2*65536 + 10
	got = EncoderRange.Unwrap(prev, 65530)
	if got != -2*65536-6 {
		t.Errorf("Unwrap = %d, want %d", got, -2*65536-6)
	}
}

func getRounds() int {
	if env := os.Getenv("FUZZ_ROUNDS"); env != "" {
		if n, err := strconv.Atoi(env); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}

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

func TestUnwrapReconstructsWithinHalfRange(t *testing.T) {
	rng := newRng(t)
	for _, r := range []Range{ADCRange, EncoderRange} {
		for i := 0; i < getRounds(); i++ {
			prev := rng.Intn(40*int(r)) - 20*int(r)
			x := prev + rng.Intn(int(r)-1) - (r.Half() - 1)
			if got := r.Unwrap(prev, r.Wrap(x)); got != x {
				t.Fatalf("range %d: Unwrap(%d, Wrap(%d)) = %d", r, prev, x, got)
			}
		}
	}
}

func TestUnwrapRoundTrip(t *testing.T) {
	rng := newRng(t)
	for i := 0; i < getRounds(); i++ {
		prev := rng.Intn(1<<20) - 1<<19
		cur := rng.Intn(1<<20) - 1<<19
		u := ADCRange.Unwrap(prev, cur)
		if got := ADCRange.Unwrap(prev, ADCRange.Wrap(u)); got != u {
			t.Fatalf("round trip failed: prev=%d cur=%d unwrap=%d got=%d", prev, cur, u, got)
		}
		if d := u - prev; d <= -ADCRange.Half() || d > ADCRange.Half() {
			t.Fatalf("Unwrap(%d, %d) = %d is not nearest to prev", prev, cur, u)
		}
	}
}
