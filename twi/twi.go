// Package twi drives a two-wire (I²C) master: a transaction state
// machine that moves the bulk of a transfer by DMA and the final bytes
// by hand, and a message bus on top of it that implements
// periph.io/x/conn/v3/i2c.Bus.
package twi

import (
	"errors"
)

// Status is the TWI status, with the bit layout of the SAM TWIHS_SR
// register.
type Status uint32

const (
	TxComp  Status = 0b1 << 0
	RxReady Status = 0b1 << 1
	TxReady Status = 0b1 << 2
	Nack    Status = 0b1 << 8
	EndRx   Status = 0b1 << 12
	EndTx   Status = 0b1 << 13
	RxBuff  Status = 0b1 << 14
	TxBufE  Status = 0b1 << 15
)

// Control is a bus condition request.
type Control uint32

const (
	Start Control = 0b1 << 0
	Stop  Control = 0b1 << 1
)

// Hardware is a TWI master. Reading Status clears Nack.
type Hardware interface {
	Enable()
	Disable()
	SetWaveform(w Waveform)
	// SetTarget selects the device address and the internal address
	// sent ahead of the data of the next transfer.
	SetTarget(dadr uint8, iadr uint32, iadrSize int)
	SetRead(read bool)
	Control(c Control)
	// ReadByte reads the receive holding register.
	ReadByte() byte
	// WriteByte writes the transmit holding register. Writing it
	// while the bus is idle starts a write transfer.
	WriteByte(b byte)
	Status() Status
	InterruptMask() Status
	EnableInterrupts(s Status)
	DisableInterrupts(s Status)
}

var (
	ErrNack    = errors.New("twi: not acknowledged")
	ErrDMA     = errors.New("twi: DMA transfer error")
	ErrAborted = errors.New("twi: transaction aborted")
	ErrBusy    = errors.New("twi: message already queued")
	ErrTimeout = errors.New("twi: timeout")
)

// State is the state of a Machine.
type State int

const (
	Idle State = iota
	TxDmaStarted
	TxWaitingForReady1
	TxWaitingForReady2
	TxError
	RxDmaStarted
	RxWaitingForReady
	RxWaitingForLastByte
	RxError
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case TxDmaStarted:
		return "tx-dma-started"
	case TxWaitingForReady1:
		return "tx-waiting-for-ready-1"
	case TxWaitingForReady2:
		return "tx-waiting-for-ready-2"
	case TxError:
		return "tx-error"
	case RxDmaStarted:
		return "rx-dma-started"
	case RxWaitingForReady:
		return "rx-waiting-for-ready"
	case RxWaitingForLastByte:
		return "rx-waiting-for-last-byte"
	case RxError:
		return "rx-error"
	default:
		return "unknown"
	}
}

// Event is the outcome of an interrupt for the transfer in flight.
type Event int

const (
	EventNone Event = iota
	EventDone
	EventFailed
)
