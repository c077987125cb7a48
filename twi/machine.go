package twi

import (
	"dmaio.dev/dma"
)

// Machine runs one master transfer at a time. All but the last byte of
// a write and the last two bytes of a read move by DMA; the remaining
// bytes are handled by the interrupt so that STOP can be requested at
// the right moment.
//
// StartTransfer must not race HandleInterrupt; callers mask the
// peripheral's vector.
type Machine struct {
	hw  Hardware
	dma *dma.Channel

	state State
	buf   []byte
	// pos is the index of the next byte handled by the interrupt.
	pos  int
	nack bool
	err  error
}

func NewMachine(hw Hardware, ch *dma.Channel) *Machine {
	return &Machine{hw: hw, dma: ch}
}

func (m *Machine) State() State {
	return m.state
}

// Err returns the error of the last failed transfer.
func (m *Machine) Err() error {
	return m.err
}

// SetAddress selects the target of the next transfer.
func (m *Machine) SetAddress(a Address, ia InternalAddress) error {
	dadr, iadr, size, err := encode(a, ia)
	if err != nil {
		return err
	}
	m.hw.SetTarget(dadr, iadr, size)
	return nil
}

// StartTransfer starts reading into or writing from buf, which must be
// DMA memory when longer than two bytes. It returns false if a transfer
// is in flight, buf is empty, or DMA refused the transfer.
func (m *Machine) StartTransfer(buf []byte, read bool) bool {
	if m.state != Idle || len(buf) == 0 {
		return false
	}
	m.buf = buf
	m.err = nil
	m.nack = false
	m.dma.SetInterrupts(false, false)
	m.hw.SetRead(read)
	n := len(buf)
	if read {
		switch {
		case n == 1:
			m.pos = 0
			m.state = RxWaitingForLastByte
			m.hw.Control(Start | Stop)
			m.hw.EnableInterrupts(RxReady | Nack)
		case n == 2:
			m.pos = 0
			m.state = RxWaitingForReady
			m.hw.Control(Start)
			m.hw.EnableInterrupts(RxReady | Nack)
		default:
			m.dma.SetInterrupts(true, false)
			if !m.dma.StartTransfer(dma.RX, buf[:n-2]) {
				m.dma.SetInterrupts(false, false)
				return false
			}
			m.pos = n - 2
			m.state = RxDmaStarted
			m.hw.EnableInterrupts(Nack)
			m.hw.Control(Start)
		}
		return true
	}
	m.pos = n - 1
	if n == 1 {
		m.state = TxWaitingForReady1
		m.hw.EnableInterrupts(TxReady | Nack)
		return true
	}
	m.dma.SetInterrupts(false, true)
	if !m.dma.StartTransfer(dma.TX, buf[:n-1]) {
		m.dma.SetInterrupts(false, false)
		return false
	}
	m.state = TxDmaStarted
	m.hw.EnableInterrupts(Nack)
	return true
}

// HandleInterrupt advances the transfer and reports whether it ended.
func (m *Machine) HandleInterrupt() Event {
	st := m.hw.Status()
	cause := m.dma.InterruptCause()
	if m.state == Idle {
		// Spurious.
		m.quiesce()
		return EventNone
	}
	switch {
	case st&Nack != 0:
		return m.fail(ErrNack)
	case cause&dma.RxError != 0:
		m.state = RxError
		return m.fail(ErrDMA)
	case cause&dma.TxError != 0:
		m.state = TxError
		return m.fail(ErrDMA)
	}
	ev := m.advance(st, cause)
	if m.nack {
		return m.fail(ErrNack)
	}
	return ev
}

func (m *Machine) advance(st Status, cause dma.Cause) Event {
	switch m.state {
	case RxDmaStarted:
		if cause&dma.RxDone == 0 {
			return EventNone
		}
		m.dma.SetInterrupts(false, false)
		m.state = RxWaitingForReady
		if st&RxReady == 0 && !m.ready(RxReady) {
			m.hw.EnableInterrupts(RxReady)
			return EventNone
		}
		fallthrough
	case RxWaitingForReady:
		if m.state != RxWaitingForReady || !m.ready(RxReady) {
			return EventNone
		}
		// STOP goes out after the byte now being received.
		m.hw.Control(Stop)
		m.buf[m.pos] = m.hw.ReadByte()
		m.pos++
		m.state = RxWaitingForLastByte
		m.hw.EnableInterrupts(RxReady)
	case RxWaitingForLastByte:
		if st&RxReady == 0 {
			return EventNone
		}
		m.buf[m.pos] = m.hw.ReadByte()
		return m.finish()
	case TxDmaStarted:
		if cause&dma.TxDone == 0 {
			return EventNone
		}
		m.dma.SetInterrupts(false, false)
		m.state = TxWaitingForReady1
		if st&TxReady == 0 && !m.ready(TxReady) {
			m.hw.EnableInterrupts(TxReady)
			return EventNone
		}
		fallthrough
	case TxWaitingForReady1:
		if m.state != TxWaitingForReady1 || !m.ready(TxReady) {
			return EventNone
		}
		m.hw.WriteByte(m.buf[m.pos])
		m.hw.Control(Stop)
		m.state = TxWaitingForReady2
		m.hw.EnableInterrupts(TxReady)
	case TxWaitingForReady2:
		if st&TxReady == 0 {
			return EventNone
		}
		return m.finish()
	}
	return EventNone
}

// ready reads the status again. A NACK cleared by the read is kept for
// HandleInterrupt.
func (m *Machine) ready(bit Status) bool {
	st := m.hw.Status()
	if st&Nack != 0 {
		m.nack = true
		return false
	}
	return st&bit != 0
}

func (m *Machine) finish() Event {
	m.quiesce()
	m.buf = nil
	m.state = Idle
	return EventDone
}

func (m *Machine) fail(err error) Event {
	switch m.state {
	case TxDmaStarted, TxWaitingForReady1, TxWaitingForReady2:
		m.state = TxError
	case RxDmaStarted, RxWaitingForReady, RxWaitingForLastByte:
		m.state = RxError
	}
	m.quiesce()
	// The amount of data moved before the failure is unknown.
	m.dma.Flush(dma.RX)
	m.dma.Flush(dma.TX)
	m.buf = nil
	m.nack = false
	m.err = err
	m.state = Idle
	return EventFailed
}

func (m *Machine) quiesce() {
	m.hw.DisableInterrupts(RxReady | TxReady | TxComp | Nack)
	m.dma.SetInterrupts(false, false)
}

// Abort ends the transfer in flight, if any.
func (m *Machine) Abort() {
	if m.state != Idle {
		m.fail(ErrAborted)
	}
}
