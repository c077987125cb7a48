//go:build tinygo && cortexm

package irq

import (
	"device/arm"
	"runtime/interrupt"
)

// NVIC is the Cortex-M interrupt controller. Priorities are given in
// the 4 implemented high bits of the priority field.
type NVIC struct {
	enabled  [MaxVectors / 32]uint32
	priority [MaxVectors]uint8
}

func (n *NVIC) Enable(v Vector, priority uint8) {
	state := interrupt.Disable()
	n.priority[v] = priority
	n.enabled[v>>5] |= 1 << (v & 31)
	interrupt.Restore(state)
	arm.SetPriority(uint32(v), uint32(priority)<<4)
	arm.EnableIRQ(uint32(v))
}

func (n *NVIC) Disable(v Vector) {
	arm.DisableIRQ(uint32(v))
	state := interrupt.Disable()
	n.enabled[v>>5] &^= 1 << (v & 31)
	interrupt.Restore(state)
}

func (n *NVIC) Enabled(v Vector) (uint8, bool) {
	state := interrupt.Disable()
	defer interrupt.Restore(state)
	return n.priority[v], n.enabled[v>>5]&(1<<(v&31)) != 0
}

func (n *NVIC) Pend(v Vector) {
	arm.NVIC.ISPR[v>>5].Set(1 << (v & 31))
}
