package dma

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"dmaio.dev/irq"
)

// XDMACChannelRegs is the register block of one XDMAC channel.
type XDMACChannelRegs struct {
	CIE  Register // Interrupt enable.
	CID  Register // Interrupt disable.
	CIM  Register // Interrupt mask.
	CIS  Register // Interrupt status, cleared on read.
	CSA  Register // Source address.
	CDA  Register // Destination address.
	CUBC Register // Microblock control: the remaining count.
	CC   Register // Configuration.
}

// XDMACRegs is the register block of an XDMAC controller.
type XDMACRegs struct {
	GIE  Register // Global interrupt enable.
	GID  Register // Global interrupt disable.
	GIM  Register // Global interrupt mask.
	GIS  Register // Global interrupt status.
	GE   Register // Global channel enable.
	GD   Register // Global channel disable.
	GS   Register // Global channel status.
	GSWF Register // Global channel software flush request.

	Channels []XDMACChannelRegs
}

// Channel configuration bits.
const (
	CC_TYPE_PER_TRAN = 0b1 << 0
	CC_DSYNC_MEM2PER = 0b1 << 4
	CC_SAM_INCR      = 0b01 << 16
	CC_DAM_INCR      = 0b01 << 18
	CC_PERID_Pos     = 24
	CC_PERID_Msk     = 0x7f << CC_PERID_Pos
)

// Channel interrupt bits.
const (
	CI_BI   = 0b1 << 0 // End of block.
	CI_RBEI = 0b1 << 4 // Read bus error.
	CI_WBEI = 0b1 << 5 // Write bus error.
)

// XDMAC is an extensible DMA controller shared by several peripherals.
// Each open peripheral reserves one hardware channel per direction.
type XDMAC struct {
	Regs *XDMACRegs
	// IRQ and Vector identify the controller's interrupt.
	IRQ    irq.Controller
	Vector irq.Vector

	mu       sync.Mutex
	reserved uint32
	handlers [32]func(cis uint32)
}

// XDMACPeripheral identifies a peripheral to the controller.
type XDMACPeripheral struct {
	// RxID and TxID are the hardware interface numbers for the
	// peripheral's receive and transmit requests.
	RxID, TxID uint8
	// RxAddr and TxAddr are the addresses of the receive and
	// transmit holding registers.
	RxAddr, TxAddr uint32
}

// Reserve allocates the lowest free hardware channel.
func (x *XDMAC) Reserve() (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ch := bits.TrailingZeros32(^x.reserved)
	if ch >= len(x.Regs.Channels) {
		return 0, errors.New("dma: no available XDMAC channel")
	}
	x.reserved |= 0b1 << ch
	return ch, nil
}

// Release frees a channel allocated by Reserve.
func (x *XDMAC) Release(ch int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.Regs.GD.Set(0b1 << ch)
	x.Regs.GID.Set(0b1 << ch)
	x.handlers[ch] = nil
	x.reserved &^= 0b1 << ch
}

// Open reserves a receive and a transmit channel for p.
func (x *XDMAC) Open(p XDMACPeripheral) (*XDMACBackend, error) {
	rx, err := x.Reserve()
	if err != nil {
		return nil, fmt.Errorf("dma: open rx: %w", err)
	}
	tx, err := x.Reserve()
	if err != nil {
		x.Release(rx)
		return nil, fmt.Errorf("dma: open tx: %w", err)
	}
	b := &XDMACBackend{x: x, p: p, ch: [2]int{RX: rx, TX: tx}}
	x.mu.Lock()
	x.handlers[rx] = func(cis uint32) { b.handle(RX, cis) }
	x.handlers[tx] = func(cis uint32) { b.handle(TX, cis) }
	x.mu.Unlock()
	b.Reset()
	x.Regs.GIE.Set(0b1<<rx | 0b1<<tx)
	return b, nil
}

// HandleInterrupt is the controller's interrupt handler.
func (x *XDMAC) HandleInterrupt() {
	pending := x.Regs.GIS.Get() & x.Regs.GIM.Get()
	for pending != 0 {
		ch := bits.TrailingZeros32(pending)
		pending &^= 0b1 << ch
		cis := x.Regs.Channels[ch].CIS.Get()
		if h := x.handlers[ch]; h != nil {
			h(cis)
		}
	}
}

// XDMACBackend is a Backend using two XDMAC channels. The hardware has
// no next slot; Channel chains queued transfers from the block end
// interrupt.
type XDMACBackend struct {
	x       *XDMAC
	p       XDMACPeripheral
	ch      [2]int
	enabled [2]bool
	notify  func(Cause)
}

// Close releases the hardware channels.
func (b *XDMACBackend) Close() {
	b.Reset()
	b.x.Release(b.ch[RX])
	b.x.Release(b.ch[TX])
}

func (b *XDMACBackend) SetNotify(notify func(Cause)) {
	b.notify = notify
}

func (b *XDMACBackend) Mask() irq.Guard {
	if b.x.IRQ == nil {
		return irq.Guard{}
	}
	return irq.Mask(b.x.IRQ, b.x.Vector)
}

func (b *XDMACBackend) Reset() {
	for _, d := range [...]Direction{RX, TX} {
		b.Disable(d)
		regs := b.regs(d)
		regs.CID.Set(CI_BI | CI_RBEI | CI_WBEI)
		regs.CUBC.Set(0)
		// Discard stale status.
		regs.CIS.Get()
	}
}

func (b *XDMACBackend) Load(d Direction, s Slot) {
	regs := b.regs(d)
	cc := uint32(CC_TYPE_PER_TRAN)
	if d == TX {
		cc |= CC_DSYNC_MEM2PER | CC_SAM_INCR | uint32(b.p.TxID)<<CC_PERID_Pos
		regs.CSA.Set(s.Addr)
		regs.CDA.Set(b.p.TxAddr)
	} else {
		cc |= CC_DAM_INCR | uint32(b.p.RxID)<<CC_PERID_Pos
		regs.CSA.Set(b.p.RxAddr)
		regs.CDA.Set(s.Addr)
	}
	regs.CC.Set(cc)
	regs.CUBC.Set(s.Len)
}

func (b *XDMACBackend) LoadNext(d Direction, s Slot) bool {
	return false
}

func (b *XDMACBackend) Flush(d Direction) {
	b.x.Regs.GD.Set(0b1 << b.ch[d])
	b.regs(d).CUBC.Set(0)
}

func (b *XDMACBackend) Remaining(d Direction) uint32 {
	return b.regs(d).CUBC.Get()
}

func (b *XDMACBackend) NextRemaining(d Direction) uint32 {
	return 0
}

func (b *XDMACBackend) Position(d Direction) uint32 {
	if d == TX {
		return b.regs(d).CSA.Get()
	}
	// Make the controller write out buffered data before reading the
	// destination address.
	b.x.Regs.GSWF.Set(0b1 << b.ch[d])
	return b.regs(d).CDA.Get()
}

func (b *XDMACBackend) SetRemaining(d Direction, n uint32) {
	b.regs(d).CUBC.Set(n)
	// The channel disables itself when it drains. Restart it if the
	// count was extended after that.
	bit := uint32(0b1) << b.ch[d]
	if b.enabled[d] && n != 0 && b.x.Regs.GS.Get()&bit == 0 {
		b.x.Regs.GE.Set(bit)
	}
}

func (b *XDMACBackend) Enable(d Direction) {
	b.enabled[d] = true
	if b.regs(d).CUBC.Get() != 0 {
		b.x.Regs.GE.Set(0b1 << b.ch[d])
	}
}

func (b *XDMACBackend) Disable(d Direction) {
	b.enabled[d] = false
	b.x.Regs.GD.Set(0b1 << b.ch[d])
}

func (b *XDMACBackend) EnableDone(d Direction, on bool) {
	regs := b.regs(d)
	if on {
		regs.CIE.Set(CI_BI | CI_RBEI | CI_WBEI)
	} else {
		regs.CID.Set(CI_BI)
	}
}

// Cause returns zero: XDMAC events arrive through the controller's
// interrupt and are forwarded by the notify function.
func (b *XDMACBackend) Cause() Cause {
	return 0
}

func (b *XDMACBackend) handle(d Direction, cis uint32) {
	var c Cause
	if cis&CI_BI != 0 {
		c |= Done(d)
	}
	if cis&(CI_RBEI|CI_WBEI) != 0 {
		c |= Error(d)
	}
	if c != 0 && b.notify != nil {
		b.notify(c)
	}
}

func (b *XDMACBackend) regs(d Direction) *XDMACChannelRegs {
	return &b.x.Regs.Channels[b.ch[d]]
}
