package serial

import (
	"fmt"

	"dmaio.dev/dma"
	"periph.io/x/conn/v3/uart"
)

// USARTRegs is the register block of a USART.
type USARTRegs struct {
	CR   dma.Register // Control.
	MR   dma.Register // Mode.
	IER  dma.Register
	IDR  dma.Register
	IMR  dma.Register
	CSR  dma.Register // Channel status.
	RHR  dma.Register // Receive holding.
	THR  dma.Register // Transmit holding.
	BRGR dma.Register // Baud rate generator.
}

// CR bits.
const (
	CR_RSTRX  = 0b1 << 2
	CR_RSTTX  = 0b1 << 3
	CR_RXEN   = 0b1 << 4
	CR_RXDIS  = 0b1 << 5
	CR_TXEN   = 0b1 << 6
	CR_TXDIS  = 0b1 << 7
	CR_RSTSTA = 0b1 << 8
)

// MR fields.
const (
	MR_CHRL_Pos   = 6
	MR_CHRL_Msk   = 0b11 << MR_CHRL_Pos
	MR_PAR_Pos    = 9
	MR_PAR_Msk    = 0b111 << MR_PAR_Pos
	MR_NBSTOP_Pos = 12
	MR_NBSTOP_Msk = 0b11 << MR_NBSTOP_Pos
	MR_MODE9      = 0b1 << 17

	MR_PAR_EVEN = 0 << MR_PAR_Pos
	MR_PAR_ODD  = 1 << MR_PAR_Pos
	MR_PAR_NO   = 4 << MR_PAR_Pos
)

// USART is the Hardware of a USART in normal mode, with RTS and CTS
// handled as GPIOs.
type USART struct {
	Regs *USARTRegs
}

func (u *USART) Configure(m Mode) error {
	if m.Divider == 0 || m.Divider > 0xffff {
		return fmt.Errorf("serial: invalid divider %d", m.Divider)
	}
	var mr uint32
	switch {
	case m.Bits >= 5 && m.Bits <= 8:
		mr |= uint32(m.Bits-5) << MR_CHRL_Pos
	case m.Bits == 9:
		mr |= MR_CHRL_Msk | MR_MODE9
	default:
		return fmt.Errorf("serial: invalid word length %d", m.Bits)
	}
	switch m.Parity {
	case uart.NoParity:
		mr |= MR_PAR_NO
	case uart.Even:
		mr |= MR_PAR_EVEN
	case uart.Odd:
		mr |= MR_PAR_ODD
	default:
		return fmt.Errorf("serial: invalid parity %q", m.Parity)
	}
	switch m.Stop {
	case uart.One, uart.OneHalf, uart.Two:
		mr |= uint32(m.Stop) << MR_NBSTOP_Pos
	default:
		return fmt.Errorf("serial: invalid stop bits %d", m.Stop)
	}
	r := u.Regs
	r.CR.Set(CR_RSTRX | CR_RSTTX | CR_RXDIS | CR_TXDIS | CR_RSTSTA)
	r.MR.Set(mr)
	r.BRGR.Set(m.Divider)
	return nil
}

func (u *USART) Enable() {
	u.Regs.CR.Set(CR_RXEN | CR_TXEN)
}

func (u *USART) Disable() {
	u.Regs.CR.Set(CR_RXDIS | CR_TXDIS)
}

func (u *USART) ReadByte() (byte, bool) {
	if Status(u.Regs.CSR.Get())&RxReady == 0 {
		return 0, false
	}
	return byte(u.Regs.RHR.Get()), true
}

func (u *USART) WriteByte(b byte) bool {
	if Status(u.Regs.CSR.Get())&TxReady == 0 {
		return false
	}
	u.Regs.THR.Set(uint32(b))
	return true
}

// Status reads the channel status, which clears the CTS change flag,
// and resets the error flags it reports.
func (u *USART) Status() Status {
	s := Status(u.Regs.CSR.Get())
	if s&(Overrun|FrameError|ParityError) != 0 {
		u.Regs.CR.Set(CR_RSTSTA)
	}
	return s
}

func (u *USART) InterruptMask() Status {
	return Status(u.Regs.IMR.Get())
}

func (u *USART) EnableInterrupts(s Status) {
	u.Regs.IER.Set(uint32(s))
}

func (u *USART) DisableInterrupts(s Status) {
	u.Regs.IDR.Set(uint32(s))
}
