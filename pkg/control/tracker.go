// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package control

import (
	"sync"

	"github.com/cartpole-lab/cartpole/pkg/hal"
	"github.com/cartpole-lab/cartpole/pkg/wrapmath"
)

// PositionTracker extends the 16-bit encoder counter into an unbounded
// position. It is read from both the tick and the calibration sequence.
type PositionTracker struct {
	mu     sync.Mutex
	enc    hal.PositionEncoder
	last   int
	primed bool
}

// NewPositionTracker wraps enc
func NewPositionTracker(enc hal.PositionEncoder) *PositionTracker {
	return &PositionTracker{enc: enc}
}

// ReadPosition returns the unwrapped position in encoder counts
func (t *PositionTracker) ReadPosition() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw := t.enc.ReadPosition()
	if !t.primed {
		t.last = raw
		t.primed = true
		return raw
	}
	t.last = wrapmath.EncoderRange.Unwrap(t.last, wrapmath.EncoderRange.Wrap(raw))
	return t.last
}
