package sim

import (
	"errors"

	"dmaio.dev/dma"
	"dmaio.dev/serial"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/uart"
)

// Remote describes the device at the other end of a USART's wire.
type Remote struct {
	// Flow is the flow control the remote obeys.
	Flow uart.Flow
	// Latency is the number of bytes the remote still sends after
	// being told to stop.
	Latency int
}

// USART simulates a USART together with the remote it is wired to.
// Each Step moves at most one byte in each direction.
type USART struct {
	Remote Remote
	// RTS is driven by the driver, CTS by the remote through SetCTS.
	RTS, CTS *gpiotest.Pin
	// Overruns counts bytes lost because the receive holding
	// register was still full.
	Overruns int
	// Mode is the last configured line mode.
	Mode serial.Mode

	// IER, IDR, IMR and SR are the register view of the interrupt
	// logic used by a PDC backend. Reading SR clears nothing.
	IER, IDR, IMR, SR Reg

	// Registers of the view returned by Regs.
	cr, mr, csr, rhr, thr, brgr Reg

	enabled bool
	port    port
	pdc     *PDC

	rxData, txData  byte
	rxFull, thrFull bool
	flags           serial.Status
	imr             serial.Status

	queue    []byte
	sent     []byte
	xoff     bool
	halting  bool
	grace    int
	controls int
}

func newUSART(name string) *USART {
	u := &USART{
		RTS: &gpiotest.Pin{N: name + "_RTS", L: gpio.Low},
		CTS: &gpiotest.Pin{N: name + "_CTS", L: gpio.Low},
	}
	u.IER.OnSet = func(v uint32) { u.imr |= serial.Status(v) }
	u.IDR.OnSet = func(v uint32) { u.imr &^= serial.Status(v) }
	u.IMR.OnGet = func() uint32 { return uint32(u.imr) }
	u.SR.OnGet = func() uint32 { return uint32(u.status()) }
	u.cr.OnSet = u.control
	u.mr.OnSet = func(v uint32) {
		u.mr.v = v
		u.decodeMode()
	}
	u.brgr.OnSet = func(v uint32) {
		u.brgr.v = v
		u.decodeMode()
	}
	u.csr.OnGet = func() uint32 {
		s := u.status()
		u.flags &^= serial.CTSChange
		return uint32(s)
	}
	u.rhr.OnGet = func() uint32 {
		u.rxFull = false
		return uint32(u.rxData)
	}
	u.thr.OnSet = func(v uint32) {
		u.txData, u.thrFull = byte(v), true
	}
	return u
}

// Regs returns the register block of the USART for a serial.USART.
func (u *USART) Regs() *serial.USARTRegs {
	return &serial.USARTRegs{
		CR: &u.cr, MR: &u.mr,
		IER: &u.IER, IDR: &u.IDR, IMR: &u.IMR,
		CSR: &u.csr, RHR: &u.rhr, THR: &u.thr, BRGR: &u.brgr,
	}
}

func (u *USART) control(v uint32) {
	if v&serial.CR_RSTRX != 0 {
		u.rxFull = false
	}
	if v&serial.CR_RSTTX != 0 {
		u.thrFull = false
	}
	if v&serial.CR_RSTSTA != 0 {
		u.flags &^= serial.Overrun | serial.FrameError | serial.ParityError
	}
	if v&(serial.CR_RXEN|serial.CR_TXEN) != 0 {
		u.enabled = true
	}
	if v&(serial.CR_RXDIS|serial.CR_TXDIS) != 0 {
		u.enabled = false
	}
}

func (u *USART) decodeMode() {
	mr := u.mr.v
	m := serial.Mode{
		Divider: u.brgr.v,
		Bits:    int(mr&serial.MR_CHRL_Msk>>serial.MR_CHRL_Pos) + 5,
		Stop:    uart.Stop(mr & serial.MR_NBSTOP_Msk >> serial.MR_NBSTOP_Pos),
	}
	if mr&serial.MR_MODE9 != 0 {
		m.Bits = 9
	}
	switch mr & serial.MR_PAR_Msk {
	case serial.MR_PAR_EVEN:
		m.Parity = uart.Even
	case serial.MR_PAR_ODD:
		m.Parity = uart.Odd
	case serial.MR_PAR_NO:
		m.Parity = uart.NoParity
	}
	u.Mode = m
}

// PDC returns a DMA backend for the USART's embedded PDC.
func (u *USART) PDC() *dma.PDC {
	return &dma.PDC{
		Regs: u.pdc.Regs(),
		IER:  &u.IER, IDR: &u.IDR, IMR: &u.IMR, SR: &u.SR,
		RxBuff: uint32(serial.RxBuff),
		TxBufE: uint32(serial.TxBufE),
	}
}

func (u *USART) Configure(m serial.Mode) error {
	if m.Divider == 0 {
		return errors.New("sim: zero baud rate divider")
	}
	u.Mode = m
	return nil
}

func (u *USART) Enable() {
	u.enabled = true
}

func (u *USART) Disable() {
	u.enabled = false
}

func (u *USART) ReadByte() (byte, bool) {
	if !u.rxFull {
		return 0, false
	}
	u.rxFull = false
	return u.rxData, true
}

func (u *USART) WriteByte(b byte) bool {
	if u.thrFull {
		return false
	}
	u.txData, u.thrFull = b, true
	return true
}

func (u *USART) Status() serial.Status {
	s := u.status()
	u.flags &^= serial.CTSChange | serial.Overrun
	return s
}

func (u *USART) InterruptMask() serial.Status {
	return u.imr
}

func (u *USART) EnableInterrupts(s serial.Status) {
	u.imr |= s
}

func (u *USART) DisableInterrupts(s serial.Status) {
	u.imr &^= s
}

// Interrupt reports the level of the USART's interrupt line.
func (u *USART) Interrupt() bool {
	return u.status()&u.imr != 0
}

func (u *USART) status() serial.Status {
	s := u.flags
	if u.rxFull {
		s |= serial.RxReady
	}
	if !u.thrFull {
		s |= serial.TxReady | serial.TxEmpty
	}
	if p := u.pdc; p != nil {
		if p.RCR.v == 0 {
			s |= serial.EndRx
		}
		if p.TCR.v == 0 {
			s |= serial.EndTx
		}
		if p.RxBuff() {
			s |= serial.RxBuff
		}
		if p.TxBufE() {
			s |= serial.TxBufE
		}
	}
	return s
}

// Inject queues bytes for the remote to send.
func (u *USART) Inject(p []byte) {
	u.queue = append(u.queue, p...)
}

// Queued returns the number of bytes the remote has yet to send.
func (u *USART) Queued() int {
	return len(u.queue)
}

// TakeSent returns and forgets the data bytes received by the remote.
func (u *USART) TakeSent() []byte {
	s := u.sent
	u.sent = nil
	return s
}

// Controls returns the number of flow control bytes the remote obeyed.
func (u *USART) Controls() int {
	return u.controls
}

// SetCTS drives the CTS line.
func (u *USART) SetCTS(l gpio.Level) {
	if u.CTS.Read() == l {
		return
	}
	u.CTS.Out(l)
	u.flags |= serial.CTSChange
}

// Step advances the USART by one byte period.
func (u *USART) Step() {
	if !u.enabled {
		return
	}
	if u.thrFull {
		u.thrFull = false
		u.deliver(u.txData)
	}
	if !u.thrFull {
		if b, ok := u.port.transmit(); ok {
			u.txData, u.thrFull = b, true
		}
	}
	u.serviceRx()
	if b, ok := u.remoteNext(); ok {
		u.receive(b)
	}
	u.serviceRx()
}

func (u *USART) serviceRx() {
	if u.rxFull && u.port.receive(u.rxData) {
		u.rxFull = false
	}
}

func (u *USART) receive(b byte) {
	if u.rxFull {
		u.flags |= serial.Overrun
		u.Overruns++
		return
	}
	u.rxData, u.rxFull = b, true
}

func (u *USART) deliver(b byte) {
	if u.Remote.Flow == uart.XOnXOff && (b == serial.XON || b == serial.XOFF) {
		u.xoff = b == serial.XOFF
		u.controls++
		return
	}
	u.sent = append(u.sent, b)
}

func (u *USART) remoteNext() (byte, bool) {
	if len(u.queue) == 0 {
		return 0, false
	}
	stop := false
	switch u.Remote.Flow {
	case uart.RTSCTS:
		stop = u.RTS.Read() == gpio.High
	case uart.XOnXOff:
		stop = u.xoff
	}
	if stop {
		if !u.halting {
			u.halting = true
			u.grace = u.Remote.Latency
		}
		if u.grace == 0 {
			return 0, false
		}
		u.grace--
	} else {
		u.halting = false
	}
	b := u.queue[0]
	u.queue = u.queue[1:]
	return b, true
}
