package dma

import (
	"sync/atomic"

	"dmaio.dev/irq"
)

// Channel moves bytes between memory and one peripheral in both
// directions. Each direction has a current and a next transfer slot;
// the next slot is promoted without a gap when the current transfer
// drains. A Channel is owned by a single driver and must only be used
// from that driver's foreground code with its interrupt masked, or
// from its interrupt handler.
type Channel struct {
	be        Backend
	mem       Memory
	notifier  Notifier
	dirs      [2]direction
	pending   atomic.Uint32
	onPending func()
}

type direction struct {
	// next is the queued transfer for backends without a hardware
	// next slot.
	next   Slot
	doneOn bool
	paused bool
}

func NewChannel(be Backend, mem Memory) *Channel {
	c := &Channel{be: be, mem: mem}
	if n, ok := be.(Notifier); ok {
		c.notifier = n
		n.SetNotify(c.chain)
	}
	return c
}

// SetPending sets the function to call when a cause becomes pending
// outside the peripheral's own interrupt. The owner of the channel
// usually pends its interrupt vector and reads the cause with
// InterruptCause from its handler.
func (c *Channel) SetPending(f func()) {
	c.onPending = f
}

// Alloc allocates a buffer suitable for transfers.
func (c *Channel) Alloc(n int) []byte {
	return c.mem.Alloc(n)
}

// StartTransfer queues a transfer of buf in direction d. It fails if
// buf is empty or if both slots are occupied.
func (c *Channel) StartTransfer(d Direction, buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	s := Slot{Addr: c.mem.Addr(buf), Len: uint32(len(buf))}
	defer c.mask().Restore()
	st := &c.dirs[d]
	if c.be.Remaining(d) == 0 {
		if st.next.Empty() {
			c.load(d, s)
			return true
		}
		// The interrupt that would have promoted the next slot has
		// not run yet.
		c.load(d, st.next)
		st.next = Slot{}
	}
	if c.be.NextRemaining(d) != 0 || !st.next.Empty() {
		return false
	}
	if !c.be.LoadNext(d, s) {
		st.next = s
	}
	return true
}

// ExtendIfOverlapping grows the current transfer in direction d to end
// where buf ends, provided the live position lies inside buf. The live
// count is only ever increased. It reports whether buf is covered by
// the current transfer; callers fall back to StartTransfer otherwise.
func (c *Channel) ExtendIfOverlapping(d Direction, buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	start := c.mem.Addr(buf)
	end := start + uint32(len(buf))
	defer c.mask().Restore()
	if c.be.Remaining(d) == 0 || c.be.NextRemaining(d) != 0 || !c.dirs[d].next.Empty() {
		return false
	}
	pos := c.be.Position(d)
	if pos < start || pos >= end {
		return false
	}
	if end-pos <= c.be.Remaining(d) {
		return true
	}
	c.be.EnableDone(d, false)
	// The controller may move between reading the position and
	// writing the count. Repeat until the position is stable.
	for {
		c.be.SetRemaining(d, end-pos)
		p := c.be.Position(d)
		if p == pos {
			break
		}
		pos = p
	}
	c.updateDone(d)
	return true
}

// BytesRemaining returns the number of bytes left in the current
// transfer, plus the next transfer if includeNext is set. Outside the
// channel's interrupt the value may already be stale.
func (c *Channel) BytesRemaining(d Direction, includeNext bool) uint32 {
	n := c.be.Remaining(d)
	if includeNext {
		n += c.be.NextRemaining(d) + c.dirs[d].next.Len
	}
	return n
}

// Position returns the address of the next byte transferred in
// direction d.
func (c *Channel) Position(d Direction) uint32 {
	return c.be.Position(d)
}

// Active reports whether direction d has a transfer in either slot.
func (c *Channel) Active(d Direction) bool {
	return c.be.Remaining(d) != 0 || c.be.NextRemaining(d) != 0 || !c.dirs[d].next.Empty()
}

// SetInterrupts selects the directions that report completion. A
// done cause is reported once each time a direction runs out of
// transfers.
func (c *Channel) SetInterrupts(rxDone, txDone bool) {
	defer c.mask().Restore()
	c.dirs[RX].doneOn = rxDone
	c.dirs[TX].doneOn = txDone
	c.updateDone(RX)
	c.updateDone(TX)
}

// InterruptCause returns and clears the pending causes.
func (c *Channel) InterruptCause() Cause {
	cause := c.be.Cause() | Cause(c.pending.Swap(0))
	if c.notifier == nil {
		for _, d := range [...]Direction{RX, TX} {
			if cause&Done(d) != 0 {
				c.be.EnableDone(d, false)
			}
		}
	}
	return cause
}

// Disable halts direction d, keeping its queued transfers.
func (c *Channel) Disable(d Direction) {
	defer c.mask().Restore()
	c.dirs[d].paused = true
	c.be.Disable(d)
}

// Enable resumes direction d after Disable.
func (c *Channel) Enable(d Direction) {
	defer c.mask().Restore()
	c.dirs[d].paused = false
	if c.be.Remaining(d) != 0 {
		c.be.Enable(d)
	}
}

// Paused reports whether direction d is disabled.
func (c *Channel) Paused(d Direction) bool {
	return c.dirs[d].paused
}

// Flush abandons the transfers of direction d.
func (c *Channel) Flush(d Direction) {
	defer c.mask().Restore()
	c.be.EnableDone(d, false)
	c.be.Flush(d)
	c.dirs[d].next = Slot{}
}

// Reset stops both directions and forgets every transfer.
func (c *Channel) Reset() {
	defer c.mask().Restore()
	c.be.Reset()
	c.dirs = [2]direction{}
	c.pending.Store(0)
}

func (c *Channel) load(d Direction, s Slot) {
	c.be.Disable(d)
	c.be.EnableDone(d, false)
	c.be.Load(d, s)
	if !c.dirs[d].paused {
		c.be.Enable(d)
	}
	c.updateDone(d)
}

func (c *Channel) updateDone(d Direction) {
	on := c.Active(d)
	// Notifier backends need every block end to chain the next slot.
	if c.notifier == nil {
		on = on && c.dirs[d].doneOn
	}
	c.be.EnableDone(d, on)
}

// chain runs in the backend's interrupt.
func (c *Channel) chain(cause Cause) {
	var report Cause
	for _, d := range [...]Direction{RX, TX} {
		report |= cause & Error(d)
		// A block end may be stale if the foreground promoted the
		// next slot before this interrupt ran.
		if cause&Done(d) == 0 || c.be.Remaining(d) != 0 {
			continue
		}
		st := &c.dirs[d]
		if !st.next.Empty() {
			c.load(d, st.next)
			st.next = Slot{}
			continue
		}
		c.be.EnableDone(d, false)
		if st.doneOn {
			report |= Done(d)
		}
	}
	if report != 0 {
		c.pending.Or(uint32(report))
		if c.onPending != nil {
			c.onPending()
		}
	}
}

func (c *Channel) mask() irq.Guard {
	if c.notifier == nil {
		return irq.Guard{}
	}
	return c.notifier.Mask()
}
