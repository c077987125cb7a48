package sim

import (
	"dmaio.dev/dma"
	"dmaio.dev/twi"
)

// Target is a device on a simulated bus: a register file addressed by
// the internal address.
type Target struct {
	// Data is the register file. Reads of an empty file return 0xff.
	Data []byte
	// Written collects every data byte written to the device.
	Written []byte
	// NackAt, if positive, is the 1-based index of the data byte
	// NACKed in every write transfer.
	NackAt int

	ptr, count int
}

func (t *Target) put(b byte) bool {
	t.count++
	if t.NackAt > 0 && t.count == t.NackAt {
		return false
	}
	t.Written = append(t.Written, b)
	if len(t.Data) > 0 {
		t.Data[t.ptr%len(t.Data)] = b
	}
	t.ptr++
	return true
}

func (t *Target) get() byte {
	if len(t.Data) == 0 {
		return 0xff
	}
	b := t.Data[t.ptr%len(t.Data)]
	t.ptr++
	return b
}

// TWI simulates a TWI master and the devices on its bus. Each Step
// moves at most one data byte. The clock is stretched while the
// receive holding register is full or the transmit holding register
// is empty. After a NACK the master stays halted until its status is
// read.
type TWI struct {
	// Targets are the devices by address. Addresses above 0x7f are
	// 10-bit.
	Targets map[uint16]*Target
	// BusBytes counts data bytes on the bus and DMABytes the bytes
	// moved by DMA.
	BusBytes, DMABytes int
	// Transfers counts started transfers.
	Transfers int
	Waveform  twi.Waveform

	// IER, IDR, IMR and SR are the register view of the interrupt
	// logic used by a PDC backend.
	IER, IDR, IMR, SR Reg

	// Registers of the view returned by Regs.
	cr, mmr, iadrReg, cwgr, sr, rhr, thr Reg

	enabled bool
	port    port
	pdc     *PDC
	imr     twi.Status

	dadr     uint8
	iadr     uint32
	iadrSize int
	read     bool

	active, stop, nack bool
	target             *Target
	rxData, txData     byte
	rxFull, thrFull    bool
}

func newTWI() *TWI {
	t := &TWI{Targets: make(map[uint16]*Target)}
	t.IER.OnSet = func(v uint32) { t.imr |= twi.Status(v) }
	t.IDR.OnSet = func(v uint32) { t.imr &^= twi.Status(v) }
	t.IMR.OnGet = func() uint32 { return uint32(t.imr) }
	t.SR.OnGet = func() uint32 { return uint32(t.status()) }
	t.cr.OnSet = func(v uint32) {
		if v&twi.CR_MSEN != 0 {
			t.Enable()
		}
		if v&twi.CR_MSDIS != 0 {
			t.Disable()
		}
		t.Control(twi.Control(v) & (twi.Start | twi.Stop))
	}
	t.mmr.OnSet = func(v uint32) {
		t.mmr.v = v
		t.dadr = uint8(v & twi.MMR_DADR_Msk >> twi.MMR_DADR_Pos)
		t.iadrSize = int(v & twi.MMR_IADRSZ_Msk >> twi.MMR_IADRSZ_Pos)
		t.read = v&twi.MMR_MREAD != 0
	}
	t.iadrReg.OnSet = func(v uint32) {
		t.iadrReg.v = v
		t.iadr = v
	}
	t.cwgr.OnSet = func(v uint32) {
		t.cwgr.v = v
		t.Waveform = twi.Waveform{
			CLDIV: v >> twi.CWGR_CLDIV_Pos & 0xff,
			CHDIV: v >> twi.CWGR_CHDIV_Pos & 0xff,
			CKDIV: v >> twi.CWGR_CKDIV_Pos & 0b111,
		}
	}
	t.sr.OnGet = func() uint32 { return uint32(t.Status()) }
	t.rhr.OnGet = func() uint32 { return uint32(t.ReadByte()) }
	t.thr.OnSet = func(v uint32) { t.WriteByte(byte(v)) }
	return t
}

// Regs returns the register block of the master for a twi.Master.
func (t *TWI) Regs() *twi.MasterRegs {
	return &twi.MasterRegs{
		CR: &t.cr, MMR: &t.mmr, IADR: &t.iadrReg, CWGR: &t.cwgr,
		SR:  &t.sr,
		IER: &t.IER, IDR: &t.IDR, IMR: &t.IMR,
		RHR: &t.rhr, THR: &t.thr,
	}
}

// PDC returns a DMA backend for the master's embedded PDC.
func (t *TWI) PDC() *dma.PDC {
	return &dma.PDC{
		Regs: t.pdc.Regs(),
		IER:  &t.IER, IDR: &t.IDR, IMR: &t.IMR, SR: &t.SR,
		RxBuff: uint32(twi.RxBuff),
		TxBufE: uint32(twi.TxBufE),
	}
}

func (t *TWI) Enable() {
	t.enabled = true
}

func (t *TWI) Disable() {
	t.enabled = false
	t.active = false
}

func (t *TWI) SetWaveform(w twi.Waveform) {
	t.Waveform = w
}

func (t *TWI) SetTarget(dadr uint8, iadr uint32, iadrSize int) {
	t.dadr, t.iadr, t.iadrSize = dadr, iadr, iadrSize
}

func (t *TWI) SetRead(read bool) {
	t.read = read
}

func (t *TWI) Control(c twi.Control) {
	if c&twi.Start != 0 && t.read && !t.active {
		t.begin()
	}
	if c&twi.Stop != 0 && (t.active || c&twi.Start != 0) {
		t.stop = true
	}
}

func (t *TWI) ReadByte() byte {
	t.rxFull = false
	return t.rxData
}

func (t *TWI) WriteByte(b byte) {
	t.txData, t.thrFull = b, true
	if !t.read && !t.active && t.enabled {
		t.begin()
	}
}

func (t *TWI) Status() twi.Status {
	s := t.status()
	t.nack = false
	return s
}

func (t *TWI) InterruptMask() twi.Status {
	return t.imr
}

func (t *TWI) EnableInterrupts(s twi.Status) {
	t.imr |= s
}

func (t *TWI) DisableInterrupts(s twi.Status) {
	t.imr &^= s
}

// Interrupt reports the level of the master's interrupt line.
func (t *TWI) Interrupt() bool {
	return t.status()&t.imr != 0
}

// InjectNack makes the bus NACK the transfer in flight.
func (t *TWI) InjectNack() {
	t.halt()
}

// Active reports whether a transfer is in flight on the bus.
func (t *TWI) Active() bool {
	return t.active
}

func (t *TWI) status() twi.Status {
	var s twi.Status
	if !t.active {
		s |= twi.TxComp
	}
	if t.rxFull {
		s |= twi.RxReady
	}
	if !t.thrFull {
		s |= twi.TxReady
	}
	if t.nack {
		s |= twi.Nack
	}
	if p := t.pdc; p != nil {
		if p.RCR.v == 0 {
			s |= twi.EndRx
		}
		if p.TCR.v == 0 {
			s |= twi.EndTx
		}
		if p.RxBuff() {
			s |= twi.RxBuff
		}
		if p.TxBufE() {
			s |= twi.TxBufE
		}
	}
	return s
}

// begin addresses the selected device. A 10-bit address carries its
// low byte in the first internal address byte.
func (t *TWI) begin() {
	t.Transfers++
	t.active = true
	t.stop = false
	addr := uint16(t.dadr)
	iadr, size := t.iadr, t.iadrSize
	if t.dadr&^0b11 == 0b1111000 && size > 0 {
		size--
		addr = uint16(t.dadr&0b11)<<8 | uint16(iadr>>(8*size)&0xff)
		iadr &= 1<<(8*size) - 1
	}
	tg, ok := t.Targets[addr]
	if !ok {
		t.halt()
		return
	}
	t.target = tg
	tg.count = 0
	if size > 0 {
		tg.ptr = int(iadr)
	}
}

func (t *TWI) halt() {
	t.nack = true
	t.active = false
	t.stop = false
	t.thrFull = false
	t.target = nil
}

func (t *TWI) end() {
	t.active = false
	t.stop = false
	t.target = nil
}

// Step advances the bus by one byte period.
func (t *TWI) Step() {
	if !t.enabled || t.nack {
		return
	}
	if t.read {
		t.stepRead()
	} else {
		t.stepWrite()
	}
}

func (t *TWI) stepWrite() {
	if t.active && t.thrFull {
		t.thrFull = false
		t.BusBytes++
		if !t.target.put(t.txData) {
			t.halt()
			return
		}
	}
	if !t.thrFull {
		if b, ok := t.port.transmit(); ok {
			t.DMABytes++
			t.WriteByte(b)
		}
	}
	if t.active && !t.thrFull && t.stop {
		t.end()
	}
}

func (t *TWI) stepRead() {
	t.serviceRx()
	if t.active && !t.rxFull {
		t.rxData, t.rxFull = t.target.get(), true
		t.BusBytes++
		if t.stop {
			t.end()
		}
	}
	t.serviceRx()
}

func (t *TWI) serviceRx() {
	if t.rxFull && t.port.receive(t.rxData) {
		t.DMABytes++
		t.rxFull = false
	}
}
