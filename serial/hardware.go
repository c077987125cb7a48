package serial

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/uart"
)

// Status is the USART channel status, with the bit layout of the
// SAM US_CSR register.
type Status uint32

const (
	RxReady     Status = 0b1 << 0
	TxReady     Status = 0b1 << 1
	EndRx       Status = 0b1 << 3
	EndTx       Status = 0b1 << 4
	Overrun     Status = 0b1 << 5
	FrameError  Status = 0b1 << 6
	ParityError Status = 0b1 << 7
	TxEmpty     Status = 0b1 << 9
	TxBufE      Status = 0b1 << 11
	RxBuff      Status = 0b1 << 12
	CTSChange   Status = 0b1 << 19
)

// Mode is the line configuration of a USART.
type Mode struct {
	// Divider is the baud rate divider of the 16x oversampling
	// clock.
	Divider uint32
	Parity  uart.Parity
	Stop    uart.Stop
	Bits    int
}

// Hardware is a USART. Status clears the change and error flags it
// returns.
type Hardware interface {
	Configure(m Mode) error
	Enable()
	Disable()
	// ReadByte reads the receive holding register if it is full.
	ReadByte() (byte, bool)
	// WriteByte writes the transmit holding register if it is
	// empty.
	WriteByte(b byte) bool
	Status() Status
	InterruptMask() Status
	EnableInterrupts(s Status)
	DisableInterrupts(s Status)
}

// Divider returns the divider for baud, rounded to the nearest
// integer.
func Divider(clock, baud physic.Frequency) (uint32, error) {
	clk := int64(clock / physic.Hertz)
	bd := int64(baud / physic.Hertz)
	if bd <= 0 {
		return 0, errors.New("serial: invalid baud rate")
	}
	cd := ((clk*10)/(16*bd) + 5) / 10
	if cd == 0 || cd > 0xffff {
		return 0, fmt.Errorf("serial: baud rate %v out of range for clock %v", baud, clock)
	}
	return uint32(cd), nil
}
