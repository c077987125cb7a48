package dma

// PDCRegs is the register block of a peripheral DMA controller.
type PDCRegs struct {
	RPR  Register // Receive pointer.
	RCR  Register // Receive counter.
	TPR  Register // Transmit pointer.
	TCR  Register // Transmit counter.
	RNPR Register // Receive next pointer.
	RNCR Register // Receive next counter.
	TNPR Register // Transmit next pointer.
	TNCR Register // Transmit next counter.
	PTCR Register // Transfer control.
	PTSR Register // Transfer status.
}

// PTCR bits.
const (
	PTCR_RXTEN  = 0b1 << 0
	PTCR_RXTDIS = 0b1 << 1
	PTCR_TXTEN  = 0b1 << 8
	PTCR_TXTDIS = 0b1 << 9
)

// PDC is a Backend for the peripheral DMA controller embedded in a
// peripheral. The controller has no interrupts of its own; completion
// is flagged in the peripheral's status register by the buffer full
// and buffer empty bits, which are set while both slots of a
// direction are empty.
type PDC struct {
	Regs *PDCRegs
	// Interrupt enable, disable, mask and status registers of the
	// peripheral.
	IER, IDR, IMR, SR Register
	// RxBuff and TxBufE are the peripheral's status bits for a
	// drained receive and transmit direction.
	RxBuff, TxBufE uint32
}

func (p *PDC) Reset() {
	r := p.Regs
	r.PTCR.Set(PTCR_RXTDIS | PTCR_TXTDIS)
	p.IDR.Set(p.RxBuff | p.TxBufE)
	for _, reg := range []Register{r.RNCR, r.RCR, r.RNPR, r.RPR, r.TNCR, r.TCR, r.TNPR, r.TPR} {
		reg.Set(0)
	}
}

func (p *PDC) Load(d Direction, s Slot) {
	ptr, cnt := p.current(d)
	ptr.Set(s.Addr)
	cnt.Set(s.Len)
}

func (p *PDC) LoadNext(d Direction, s Slot) bool {
	ptr, cnt := p.next(d)
	ptr.Set(s.Addr)
	cnt.Set(s.Len)
	return true
}

func (p *PDC) Flush(d Direction) {
	_, ncnt := p.next(d)
	_, cnt := p.current(d)
	ncnt.Set(0)
	cnt.Set(0)
}

func (p *PDC) Remaining(d Direction) uint32 {
	ptr, cnt := p.current(d)
	// A zero pointer has never been loaded.
	if ptr.Get() == 0 {
		return 0
	}
	return cnt.Get()
}

func (p *PDC) NextRemaining(d Direction) uint32 {
	_, cnt := p.next(d)
	return cnt.Get()
}

func (p *PDC) Position(d Direction) uint32 {
	ptr, _ := p.current(d)
	return ptr.Get()
}

func (p *PDC) SetRemaining(d Direction, n uint32) {
	_, cnt := p.current(d)
	cnt.Set(n)
}

func (p *PDC) Enable(d Direction) {
	if d == TX {
		p.Regs.PTCR.Set(PTCR_TXTEN)
	} else {
		p.Regs.PTCR.Set(PTCR_RXTEN)
	}
}

func (p *PDC) Disable(d Direction) {
	if d == TX {
		p.Regs.PTCR.Set(PTCR_TXTDIS)
	} else {
		p.Regs.PTCR.Set(PTCR_RXTDIS)
	}
}

func (p *PDC) EnableDone(d Direction, on bool) {
	bit := p.RxBuff
	if d == TX {
		bit = p.TxBufE
	}
	if on {
		p.IER.Set(bit)
	} else {
		p.IDR.Set(bit)
	}
}

func (p *PDC) Cause() Cause {
	s := p.SR.Get() & p.IMR.Get()
	var c Cause
	if s&p.RxBuff != 0 {
		c |= RxDone
	}
	if s&p.TxBufE != 0 {
		c |= TxDone
	}
	return c
}

func (p *PDC) current(d Direction) (ptr, cnt Register) {
	if d == TX {
		return p.Regs.TPR, p.Regs.TCR
	}
	return p.Regs.RPR, p.Regs.RCR
}

func (p *PDC) next(d Direction) (ptr, cnt Register) {
	if d == TX {
		return p.Regs.TNPR, p.Regs.TNCR
	}
	return p.Regs.RNPR, p.Regs.RNCR
}
