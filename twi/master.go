package twi

import (
	"dmaio.dev/dma"
)

// MasterRegs is the register block of a TWI peripheral.
type MasterRegs struct {
	CR   dma.Register // Control.
	MMR  dma.Register // Master mode.
	IADR dma.Register // Internal address.
	CWGR dma.Register // Clock waveform generator.
	SR   dma.Register
	IER  dma.Register
	IDR  dma.Register
	IMR  dma.Register
	RHR  dma.Register // Receive holding.
	THR  dma.Register // Transmit holding.
}

// CR bits other than Start and Stop.
const (
	CR_MSEN  = 0b1 << 2
	CR_MSDIS = 0b1 << 3
	CR_SVDIS = 0b1 << 5
)

// MMR fields.
const (
	MMR_IADRSZ_Pos = 8
	MMR_IADRSZ_Msk = 0b11 << MMR_IADRSZ_Pos
	MMR_MREAD      = 0b1 << 12
	MMR_DADR_Pos   = 16
	MMR_DADR_Msk   = 0x7f << MMR_DADR_Pos
)

// CWGR fields.
const (
	CWGR_CLDIV_Pos = 0
	CWGR_CHDIV_Pos = 8
	CWGR_CKDIV_Pos = 16
)

// Master is the Hardware of a TWI peripheral in master mode.
type Master struct {
	Regs *MasterRegs
}

func (t *Master) Enable() {
	t.Regs.CR.Set(CR_MSEN | CR_SVDIS)
}

func (t *Master) Disable() {
	t.Regs.CR.Set(CR_MSDIS)
	// Drop a byte left over from an aborted read.
	t.Regs.RHR.Get()
}

func (t *Master) SetWaveform(w Waveform) {
	t.Regs.CWGR.Set(w.CLDIV<<CWGR_CLDIV_Pos | w.CHDIV<<CWGR_CHDIV_Pos | w.CKDIV<<CWGR_CKDIV_Pos)
}

func (t *Master) SetTarget(dadr uint8, iadr uint32, iadrSize int) {
	mmr := t.Regs.MMR.Get() & MMR_MREAD
	mmr |= uint32(dadr)<<MMR_DADR_Pos&MMR_DADR_Msk | uint32(iadrSize)<<MMR_IADRSZ_Pos&MMR_IADRSZ_Msk
	t.Regs.MMR.Set(mmr)
	t.Regs.IADR.Set(iadr)
}

func (t *Master) SetRead(read bool) {
	mmr := t.Regs.MMR.Get()
	if read {
		mmr |= MMR_MREAD
	} else {
		mmr &^= MMR_MREAD
	}
	t.Regs.MMR.Set(mmr)
}

func (t *Master) Control(c Control) {
	t.Regs.CR.Set(uint32(c))
}

func (t *Master) ReadByte() byte {
	return byte(t.Regs.RHR.Get())
}

func (t *Master) WriteByte(b byte) {
	t.Regs.THR.Set(uint32(b))
}

// Status reads the status register, which clears Nack.
func (t *Master) Status() Status {
	return Status(t.Regs.SR.Get())
}

func (t *Master) InterruptMask() Status {
	return Status(t.Regs.IMR.Get())
}

func (t *Master) EnableInterrupts(s Status) {
	t.Regs.IER.Set(uint32(s))
}

func (t *Master) DisableInterrupts(s Status) {
	t.Regs.IDR.Set(uint32(s))
}
