package sim

import (
	"dmaio.dev/dma"
)

// port is the request interface between a peripheral and its DMA
// controller.
type port interface {
	// receive stores a byte from the peripheral.
	receive(b byte) bool
	// transmit fetches a byte for the peripheral.
	transmit() (byte, bool)
}

// PDC simulates a peripheral DMA controller. The hardware promotes a
// next slot as soon as the current one is empty.
type PDC struct {
	RPR, RCR, TPR, TCR     Reg
	RNPR, RNCR, TNPR, TNCR Reg
	PTCR, PTSR             Reg

	mem        *Memory
	rxOn, txOn bool
}

func NewPDC(mem *Memory) *PDC {
	p := &PDC{mem: mem}
	p.PTCR.OnSet = func(v uint32) {
		if v&dma.PTCR_RXTEN != 0 {
			p.rxOn = true
		}
		if v&dma.PTCR_RXTDIS != 0 {
			p.rxOn = false
		}
		if v&dma.PTCR_TXTEN != 0 {
			p.txOn = true
		}
		if v&dma.PTCR_TXTDIS != 0 {
			p.txOn = false
		}
	}
	p.PTSR.OnGet = func() uint32 {
		var s uint32
		if p.rxOn {
			s |= dma.PTCR_RXTEN
		}
		if p.txOn {
			s |= dma.PTCR_TXTEN
		}
		return s
	}
	promote := func(ptr, cnt, nptr, ncnt *Reg) func(uint32) {
		return func(v uint32) {
			cnt.v = v
			if cnt.v == 0 && ncnt.v != 0 {
				ptr.v, cnt.v, ncnt.v = nptr.v, ncnt.v, 0
			}
		}
	}
	p.RCR.OnSet = promote(&p.RPR, &p.RCR, &p.RNPR, &p.RNCR)
	p.RNCR.OnSet = func(v uint32) {
		p.RNCR.v = v
		p.RCR.OnSet(p.RCR.v)
	}
	p.TCR.OnSet = promote(&p.TPR, &p.TCR, &p.TNPR, &p.TNCR)
	p.TNCR.OnSet = func(v uint32) {
		p.TNCR.v = v
		p.TCR.OnSet(p.TCR.v)
	}
	return p
}

// Regs returns the register block for a dma.PDC backend.
func (p *PDC) Regs() *dma.PDCRegs {
	return &dma.PDCRegs{
		RPR: &p.RPR, RCR: &p.RCR, TPR: &p.TPR, TCR: &p.TCR,
		RNPR: &p.RNPR, RNCR: &p.RNCR, TNPR: &p.TNPR, TNCR: &p.TNCR,
		PTCR: &p.PTCR, PTSR: &p.PTSR,
	}
}

func (p *PDC) receive(b byte) bool {
	if !p.rxOn || p.RCR.v == 0 {
		return false
	}
	p.mem.Store(p.RPR.v, b)
	p.RPR.v++
	p.RCR.OnSet(p.RCR.v - 1)
	return true
}

func (p *PDC) transmit() (byte, bool) {
	if !p.txOn || p.TCR.v == 0 {
		return 0, false
	}
	b := p.mem.Load(p.TPR.v)
	p.TPR.v++
	p.TCR.OnSet(p.TCR.v - 1)
	return b, true
}

// RxBuff reports whether both receive slots are empty.
func (p *PDC) RxBuff() bool {
	return p.RCR.v == 0 && p.RNCR.v == 0
}

// TxBufE reports whether both transmit slots are empty.
func (p *PDC) TxBufE() bool {
	return p.TCR.v == 0 && p.TNCR.v == 0
}

// XDMAC simulates an extensible DMA controller. A channel serves the
// peripheral request matching its configured PERID and direction,
// disables itself when its count drains and flags an end of block.
type XDMAC struct {
	GIE, GID, GIM, GIS Reg
	GE, GD, GS, GSWF   Reg

	Channels []*XDMACChannel

	mem     *Memory
	gim, gs uint32
}

type XDMACChannel struct {
	CIE, CID, CIM, CIS Reg
	CSA, CDA, CUBC, CC Reg

	cim, cis uint32
}

func NewXDMAC(mem *Memory, channels int) *XDMAC {
	x := &XDMAC{mem: mem}
	x.GIE.OnSet = func(v uint32) { x.gim |= v }
	x.GID.OnSet = func(v uint32) { x.gim &^= v }
	x.GIM.OnGet = func() uint32 { return x.gim }
	x.GE.OnSet = func(v uint32) { x.gs |= v }
	x.GD.OnSet = func(v uint32) { x.gs &^= v }
	x.GS.OnGet = func() uint32 { return x.gs }
	x.GIS.OnGet = x.status
	for i := 0; i < channels; i++ {
		c := new(XDMACChannel)
		c.CIE.OnSet = func(v uint32) { c.cim |= v }
		c.CID.OnSet = func(v uint32) { c.cim &^= v }
		c.CIM.OnGet = func() uint32 { return c.cim }
		c.CIS.OnGet = func() uint32 {
			v := c.cis
			c.cis = 0
			return v
		}
		x.Channels = append(x.Channels, c)
	}
	return x
}

// Regs returns the register block for a dma.XDMAC.
func (x *XDMAC) Regs() *dma.XDMACRegs {
	r := &dma.XDMACRegs{
		GIE: &x.GIE, GID: &x.GID, GIM: &x.GIM, GIS: &x.GIS,
		GE: &x.GE, GD: &x.GD, GS: &x.GS, GSWF: &x.GSWF,
	}
	for _, c := range x.Channels {
		r.Channels = append(r.Channels, dma.XDMACChannelRegs{
			CIE: &c.CIE, CID: &c.CID, CIM: &c.CIM, CIS: &c.CIS,
			CSA: &c.CSA, CDA: &c.CDA, CUBC: &c.CUBC, CC: &c.CC,
		})
	}
	return r
}

// Interrupt reports the level of the controller's interrupt line.
func (x *XDMAC) Interrupt() bool {
	return x.status()&x.gim != 0
}

// InjectError flags a write bus error on channel ch.
func (x *XDMAC) InjectError(ch int) {
	x.Channels[ch].cis |= dma.CI_WBEI
}

func (x *XDMAC) status() uint32 {
	var s uint32
	for i, c := range x.Channels {
		if c.cis&c.cim != 0 {
			s |= 0b1 << i
		}
	}
	return s
}

// channel returns the enabled channel serving a request, and its
// index.
func (x *XDMAC) channel(perid uint8, mem2per bool) (*XDMACChannel, int) {
	for i, c := range x.Channels {
		if x.gs&(0b1<<i) == 0 || c.CUBC.v == 0 {
			continue
		}
		cc := c.CC.v
		if uint8((cc&dma.CC_PERID_Msk)>>dma.CC_PERID_Pos) != perid {
			continue
		}
		if (cc&dma.CC_DSYNC_MEM2PER != 0) != mem2per {
			continue
		}
		return c, i
	}
	return nil, 0
}

func (x *XDMAC) drained(c *XDMACChannel, i int) {
	c.CUBC.v--
	if c.CUBC.v == 0 {
		x.gs &^= 0b1 << i
		c.cis |= dma.CI_BI
	}
}

type xdmacPort struct {
	x          *XDMAC
	rxID, txID uint8
}

func (p xdmacPort) receive(b byte) bool {
	c, i := p.x.channel(p.rxID, false)
	if c == nil {
		return false
	}
	p.x.mem.Store(c.CDA.v, b)
	c.CDA.v++
	p.x.drained(c, i)
	return true
}

func (p xdmacPort) transmit() (byte, bool) {
	c, i := p.x.channel(p.txID, true)
	if c == nil {
		return 0, false
	}
	b := p.x.mem.Load(c.CSA.v)
	c.CSA.v++
	p.x.drained(c, i)
	return b, true
}
