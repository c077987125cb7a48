package sim

import (
	"fmt"

	"dmaio.dev/board"
	"dmaio.dev/dma"
	"dmaio.dev/irq"
	"dmaio.dev/serial"
	"dmaio.dev/twi"
	"periph.io/x/conn/v3/physic"
)

// Interrupt vectors of a simulated board.
const (
	USARTVector      irq.Vector = 17
	TWIVector        irq.Vector = 22
	TWIServiceVector irq.Vector = 40
	XDMACVector      irq.Vector = 58

	maxUSARTs = 5
	maxTWIs   = 3
)

// DefaultClock is the peripheral clock of a simulated board.
const DefaultClock = 150 * physic.MegaHertz

type Options struct {
	// XDMAC selects the shared DMA controller instead of the
	// peripherals' PDCs.
	XDMAC  bool
	USARTs int
	TWIs   int
	// Memory is the size of DMA memory, 64 KiB by default.
	Memory int
	// Registers drives the peripherals through their register
	// blocks with serial.USART and twi.Master.
	Registers bool
}

// Board is a simulated chip.
type Board struct {
	Board  *board.Board
	NVIC   *NVIC
	Memory *Memory
	XDMAC  *XDMAC
	USART  []*USART
	TWI    []*TWI

	ticks uint32
}

func NewBoard(o Options) *Board {
	if o.USARTs > maxUSARTs || o.TWIs > maxTWIs {
		panic(fmt.Sprintf("sim: at most %d USARTs and %d TWIs", maxUSARTs, maxTWIs))
	}
	if o.Memory == 0 {
		o.Memory = 64 << 10
	}
	t := new(irq.Table)
	s := &Board{
		NVIC:   NewNVIC(t),
		Memory: NewMemory(o.Memory),
	}
	s.Board = &board.Board{
		IRQ:    s.NVIC,
		Table:  t,
		Memory: s.Memory,
	}
	if o.XDMAC {
		s.XDMAC = NewXDMAC(s.Memory, 24)
		s.Board.XDMAC = &dma.XDMAC{
			Regs:   s.XDMAC.Regs(),
			IRQ:    s.NVIC,
			Vector: XDMACVector,
		}
		s.NVIC.Connect(XDMACVector, s.XDMAC.Interrupt)
	}
	for i := 0; i < o.USARTs; i++ {
		u := newUSART(fmt.Sprintf("USART%d", i))
		var hw serial.Hardware = u
		if o.Registers {
			hw = &serial.USART{Regs: u.Regs()}
		}
		d := board.USART{
			Hardware: hw,
			Vector:   USARTVector + irq.Vector(i),
			Clock:    DefaultClock,
			XDMAC: dma.XDMACPeripheral{
				TxID:   uint8(7 + 2*i),
				RxID:   uint8(8 + 2*i),
				RxAddr: 0x4002_4018 + uint32(i)*0x4000,
				TxAddr: 0x4002_401c + uint32(i)*0x4000,
			},
		}
		if o.XDMAC {
			u.port = xdmacPort{s.XDMAC, d.XDMAC.RxID, d.XDMAC.TxID}
		} else {
			u.pdc = NewPDC(s.Memory)
			u.port = u.pdc
			d.PDC = u.PDC()
		}
		s.NVIC.Connect(d.Vector, u.Interrupt)
		s.USART = append(s.USART, u)
		s.Board.USART = append(s.Board.USART, d)
	}
	for i := 0; i < o.TWIs; i++ {
		w := newTWI()
		var hw twi.Hardware = w
		if o.Registers {
			hw = &twi.Master{Regs: w.Regs()}
		}
		d := board.TWI{
			Hardware: hw,
			Vector:   TWIVector + irq.Vector(i),
			Service:  TWIServiceVector + irq.Vector(i),
			Clock:    DefaultClock,
			XDMAC: dma.XDMACPeripheral{
				TxID:   uint8(14 + 2*i),
				RxID:   uint8(15 + 2*i),
				RxAddr: 0x4001_8030 + uint32(i)*0x4000,
				TxAddr: 0x4001_8034 + uint32(i)*0x4000,
			},
		}
		if o.XDMAC {
			w.port = xdmacPort{s.XDMAC, d.XDMAC.RxID, d.XDMAC.TxID}
		} else {
			w.pdc = NewPDC(s.Memory)
			w.port = w.pdc
			d.PDC = w.PDC()
		}
		s.NVIC.Connect(d.Vector, w.Interrupt)
		s.TWI = append(s.TWI, w)
		s.Board.TWI = append(s.Board.TWI, d)
	}
	if err := s.Board.Init(); err != nil {
		panic(err)
	}
	return s
}

// Ticks returns the number of byte periods simulated.
func (s *Board) Ticks() uint32 {
	return s.ticks
}

// Step simulates one byte period and runs the interrupts it raised.
func (s *Board) Step() {
	for _, u := range s.USART {
		u.Step()
	}
	for _, t := range s.TWI {
		t.Step()
	}
	s.ticks++
	s.NVIC.Step()
}

// Run steps n times.
func (s *Board) Run(n int) {
	for i := 0; i < n; i++ {
		s.Step()
	}
}

// RunUntil steps until done returns true or limit steps have run, and
// reports whether done returned true.
func (s *Board) RunUntil(done func() bool, limit int) bool {
	for i := 0; i < limit; i++ {
		if done() {
			return true
		}
		s.Step()
	}
	return done()
}
