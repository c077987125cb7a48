// Package dma drives peripheral DMA transfers through a pair of
// transfer slots per direction, on top of either the register-pair
// peripheral DMA controller (PDC) or the channel based extensible DMA
// controller (XDMAC).
package dma

import (
	"dmaio.dev/irq"
)

// Register is a 32-bit hardware register. *volatile.Register32
// satisfies it.
type Register interface {
	Get() uint32
	Set(v uint32)
}

// Direction is the direction of a transfer, seen from the peripheral.
type Direction uint8

const (
	// RX moves bytes from the peripheral to memory.
	RX Direction = iota
	// TX moves bytes from memory to the peripheral.
	TX
)

func (d Direction) String() string {
	switch d {
	case RX:
		return "rx"
	case TX:
		return "tx"
	default:
		return "unknown"
	}
}

// Cause is a set of transfer conditions reported by interrupts.
type Cause uint8

const (
	RxDone Cause = 1 << iota
	TxDone
	RxError
	TxError
)

// Done returns the completion cause of direction d.
func Done(d Direction) Cause {
	if d == TX {
		return TxDone
	}
	return RxDone
}

// Error returns the error cause of direction d.
func Error(d Direction) Cause {
	if d == TX {
		return TxError
	}
	return RxError
}

// Slot describes a transfer. A slot of zero length is empty.
type Slot struct {
	Addr uint32
	Len  uint32
}

func (s Slot) Empty() bool {
	return s.Len == 0
}

func (s Slot) End() uint32 {
	return s.Addr + s.Len
}

// Backend is the hardware side of a channel: a current transfer per
// direction and, if the hardware supports it, a next transfer that is
// promoted when the current one drains.
type Backend interface {
	// Reset stops both directions and empties every slot.
	Reset()
	// Load replaces the current transfer. The direction must be
	// disabled.
	Load(d Direction, s Slot)
	// LoadNext queues s behind the current transfer. It reports false
	// if the hardware has no next slot.
	LoadNext(d Direction, s Slot) bool
	// Flush empties both slots of d.
	Flush(d Direction)
	// Remaining returns the live count of the current transfer.
	Remaining(d Direction) uint32
	// NextRemaining returns the length of the hardware next slot.
	NextRemaining(d Direction) uint32
	// Position returns the memory address of the next byte to be
	// transferred by the current transfer.
	Position(d Direction) uint32
	// SetRemaining rewrites the live count of the current transfer.
	SetRemaining(d Direction, n uint32)
	Enable(d Direction)
	Disable(d Direction)
	// EnableDone enables or disables the done interrupt of d.
	EnableDone(d Direction, on bool)
	// Cause returns the pending, enabled causes signalled through the
	// peripheral's status register.
	Cause() Cause
}

// Notifier is implemented by backends that signal transfer events
// through an interrupt of their own instead of the peripheral's. The
// notify function receives a done cause for every drained transfer and
// error causes for bus errors.
type Notifier interface {
	SetNotify(notify func(Cause))
	// Mask masks the backend's interrupt.
	Mask() irq.Guard
}

// Memory hands out buffers reachable by the DMA controllers.
type Memory interface {
	Alloc(n int) []byte
	// Addr returns the bus address of the first byte of b.
	Addr(b []byte) uint32
}
