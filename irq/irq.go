// Package irq describes the interrupt controller used by the
// peripheral drivers and dispatches interrupt vectors to registered
// handlers.
package irq

import (
	"errors"
	"sync"
)

// Vector is an interrupt number as understood by the interrupt
// controller.
type Vector int

// MaxVectors bounds the vector numbers a Table can dispatch.
const MaxVectors = 128

// Level is a symbolic interrupt priority.
type Level int

const (
	Highest Level = iota
	High
	Medium
	Low
	Lowest
)

func (l Level) String() string {
	switch l {
	case Highest:
		return "highest"
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	case Lowest:
		return "lowest"
	default:
		return "unknown"
	}
}

// Priorities maps levels to controller priority values, where a
// lower value preempts a higher one.
type Priorities [5]uint8

var (
	// UARTPriorities covers the 16 priorities of a 4-bit NVIC.
	UARTPriorities = Priorities{0, 3, 7, 11, 15}
	// DMAPriorities is used for DMA controller and bus vectors.
	DMAPriorities = Priorities{0, 1, 2, 3, 4}
)

// Value returns the priority for l, clamping unknown levels to the
// lowest priority.
func (p Priorities) Value(l Level) uint8 {
	if l < Highest {
		l = Highest
	}
	if l > Lowest {
		l = Lowest
	}
	return p[l]
}

// Controller is an interrupt controller.
type Controller interface {
	// Enable enables v at the given priority.
	Enable(v Vector, priority uint8)
	Disable(v Vector)
	// Enabled reports whether v is enabled and at which priority.
	Enabled(v Vector) (priority uint8, enabled bool)
	// Pend marks v pending, so its handler runs as soon as the
	// vector is enabled and no higher priority handler is running.
	Pend(v Vector)
}

var (
	ErrInUse = errors.New("irq: vector in use")
	ErrRange = errors.New("irq: vector out of range")
)

// Table maps vectors to handlers.
type Table struct {
	mu       sync.Mutex
	handlers [MaxVectors]func()
}

// Register installs h for v. Handlers must be registered before v is
// enabled.
func (t *Table) Register(v Vector, h func()) error {
	if v < 0 || v >= MaxVectors {
		return ErrRange
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers[v] != nil {
		return ErrInUse
	}
	t.handlers[v] = h
	return nil
}

func (t *Table) Unregister(v Vector) {
	if v < 0 || v >= MaxVectors {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[v] = nil
}

// Dispatch runs the handler for v and reports whether there was one.
func (t *Table) Dispatch(v Vector) bool {
	if v < 0 || v >= MaxVectors {
		return false
	}
	h := t.handlers[v]
	if h == nil {
		return false
	}
	h()
	return true
}

// Guard records the state of a masked vector.
type Guard struct {
	c        Controller
	v        Vector
	priority uint8
	enabled  bool
}

// Mask disables v and returns a Guard that restores it. The usual form
// is
//
//	defer irq.Mask(c, v).Restore()
func Mask(c Controller, v Vector) Guard {
	prio, enabled := c.Enabled(v)
	if enabled {
		c.Disable(v)
	}
	return Guard{c: c, v: v, priority: prio, enabled: enabled}
}

// Restore re-enables the vector if it was enabled when masked. The
// zero Guard does nothing.
func (g Guard) Restore() {
	if g.enabled {
		g.c.Enable(g.v, g.priority)
	}
}
