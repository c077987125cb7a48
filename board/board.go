// Package board holds the peripherals of a chip by peripheral number
// and builds drivers for them.
package board

import (
	"errors"
	"fmt"

	"dmaio.dev/dma"
	"dmaio.dev/irq"
	"dmaio.dev/serial"
	"dmaio.dev/twi"
	"periph.io/x/conn/v3/physic"
)

// USART describes one USART.
type USART struct {
	Hardware serial.Hardware
	Vector   irq.Vector
	// PDC is the embedded DMA controller, used on chips without an
	// XDMAC.
	PDC   dma.Backend
	XDMAC dma.XDMACPeripheral
	Clock physic.Frequency
}

// TWI describes one TWI master.
type TWI struct {
	Hardware twi.Hardware
	Vector   irq.Vector
	// Service is the software vector that starts queued messages.
	Service irq.Vector
	PDC     dma.Backend
	XDMAC   dma.XDMACPeripheral
	Clock   physic.Frequency
}

// Board is the set of peripherals of a chip.
type Board struct {
	IRQ    irq.Controller
	Table  *irq.Table
	Memory dma.Memory
	// XDMAC is the shared DMA controller, or nil if the peripherals
	// use their PDC.
	XDMAC *dma.XDMAC
	USART []USART
	TWI   []TWI

	// XDMACPriority is the priority level of the XDMAC vector.
	XDMACPriority irq.Level
}

var ErrNoPeripheral = errors.New("board: no such peripheral")

// Init registers and enables the XDMAC interrupt.
func (b *Board) Init() error {
	x := b.XDMAC
	if x == nil {
		return nil
	}
	if err := b.Table.Register(x.Vector, x.HandleInterrupt); err != nil {
		return fmt.Errorf("board: XDMAC: %w", err)
	}
	b.IRQ.Enable(x.Vector, irq.DMAPriorities.Value(b.XDMACPriority))
	return nil
}

// Serial returns a serial channel on USART n with its interrupt
// registered and enabled.
func (b *Board) Serial(n int, cfg serial.Config) (*serial.Channel, error) {
	if n < 0 || n >= len(b.USART) {
		return nil, fmt.Errorf("board: USART%d: %w", n, ErrNoPeripheral)
	}
	u := b.USART[n]
	// The vector is claimed before the hardware is touched, so a
	// peripheral in use is left alone.
	var s *serial.Channel
	if err := b.Table.Register(u.Vector, func() {
		if s != nil {
			s.HandleInterrupt()
		}
	}); err != nil {
		return nil, fmt.Errorf("board: USART%d: %w", n, err)
	}
	ch, closer, err := b.channel(u.PDC, u.XDMAC, u.Vector)
	if err != nil {
		b.Table.Unregister(u.Vector)
		return nil, fmt.Errorf("board: USART%d: %w", n, err)
	}
	c, err := serial.New(serial.Peripheral{
		Hardware: u.Hardware,
		DMA:      ch,
		IRQ:      b.IRQ,
		Vector:   u.Vector,
		Clock:    u.Clock,
	}, cfg)
	if err != nil {
		u.Hardware.DisableInterrupts(u.Hardware.InterruptMask())
		u.Hardware.Disable()
		ch.Reset()
		closer()
		b.Table.Unregister(u.Vector)
		return nil, fmt.Errorf("board: USART%d: %w", n, err)
	}
	s = c
	b.IRQ.Enable(u.Vector, s.Priority())
	return s, nil
}

// I2C returns a bus on TWI master n with its interrupts registered and
// enabled.
func (b *Board) I2C(n int, cfg twi.Config) (*twi.Bus, error) {
	if n < 0 || n >= len(b.TWI) {
		return nil, fmt.Errorf("board: TWI%d: %w", n, ErrNoPeripheral)
	}
	t := b.TWI[n]
	var bus *twi.Bus
	if err := b.Table.Register(t.Vector, func() {
		if bus != nil {
			bus.HandleInterrupt()
		}
	}); err != nil {
		return nil, fmt.Errorf("board: TWI%d: %w", n, err)
	}
	if err := b.Table.Register(t.Service, func() {
		if bus != nil {
			bus.Service()
		}
	}); err != nil {
		b.Table.Unregister(t.Vector)
		return nil, fmt.Errorf("board: TWI%d: %w", n, err)
	}
	ch, closer, err := b.channel(t.PDC, t.XDMAC, t.Vector)
	if err != nil {
		b.Table.Unregister(t.Vector)
		b.Table.Unregister(t.Service)
		return nil, fmt.Errorf("board: TWI%d: %w", n, err)
	}
	bb, err := twi.NewBus(twi.Peripheral{
		Name:     fmt.Sprintf("TWI%d", n),
		Hardware: t.Hardware,
		DMA:      ch,
		IRQ:      b.IRQ,
		Vector:   t.Vector,
		Service:  t.Service,
		Clock:    t.Clock,
	}, cfg)
	if err != nil {
		closer()
		b.Table.Unregister(t.Vector)
		b.Table.Unregister(t.Service)
		return nil, fmt.Errorf("board: TWI%d: %w", n, err)
	}
	bus = bb
	b.IRQ.Enable(t.Vector, bus.Priority())
	b.IRQ.Enable(t.Service, bus.Priority())
	return bus, nil
}

// channel returns a DMA channel whose pending causes are delivered
// through vector v.
func (b *Board) channel(pdc dma.Backend, p dma.XDMACPeripheral, v irq.Vector) (*dma.Channel, func(), error) {
	var be dma.Backend
	closer := func() {}
	if b.XDMAC != nil {
		xb, err := b.XDMAC.Open(p)
		if err != nil {
			return nil, nil, err
		}
		be, closer = xb, xb.Close
	} else {
		if pdc == nil {
			return nil, nil, errors.New("no DMA controller")
		}
		be = pdc
	}
	ch := dma.NewChannel(be, b.Memory)
	ch.SetPending(func() { b.IRQ.Pend(v) })
	return ch, closer, nil
}
