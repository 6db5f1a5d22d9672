// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package hal

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSensor struct{}

func (fakeSensor) ReadAngle() int    { return 0 }
func (fakeSensor) ReadPosition() int { return 0 }
func (fakeSensor) SetSpeed(int)      {}
func (fakeSensor) Stop()             {}
func (fakeSensor) Now() uint64       { return 0 }
func (fakeSensor) SleepMs(uint32)    {}
func (fakeSensor) Send([]byte)       {}
func (fakeSensor) TryReceiveByte() (byte, bool) {
	return 0, false
}

func TestBoardValidate(t *testing.T) {
	var f fakeSensor
	b := Board{Angle: f, Position: f, Motor: f, Clock: f, Link: f}
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if b.IRQ == nil || b.Indicator == nil {
		t.Error("Validate should fill optional capabilities")
	}

	b = Board{Angle: f}
	if err := b.Validate(); !errors.Is(err, ErrMissingCapability) {
		t.Errorf("Validate err = %v, want ErrMissingCapability", err)
	}
}

func TestInterruptLockDefersHandler(t *testing.T) {
	var lock InterruptLock
	var mu sync.Mutex
	var order []string

	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	lock.Disable()
	done := make(chan struct{})
	go func() {
		lock.RunHandler(func() { record("tick") })
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	record("critical")
	lock.Enable()
	<-done

	if len(order) != 2 || order[0] != "critical" || order[1] != "tick" {
		t.Errorf("order = %v, want [critical tick]", order)
	}
}
