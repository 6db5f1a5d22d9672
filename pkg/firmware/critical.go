// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package firmware

import "github.com/cartpole-lab/cartpole/pkg/hal"

// critical holds off the control tick until exit. Use as
//
//	defer enterCritical(irq).exit()
type critical struct {
	irq hal.Interrupts
}

func enterCritical(irq hal.Interrupts) critical {
	irq.Disable()
	return critical{irq: irq}
}

func (c critical) exit() {
	c.irq.Enable()
}
