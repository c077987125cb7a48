package twi_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"dmaio.dev/dma"
	"dmaio.dev/internal/sim"
	"dmaio.dev/twi"
)

type machine struct {
	b      *sim.Board
	w      *sim.TWI
	m      *twi.Machine
	events []twi.Event
}

func newMachine(t *testing.T, xdmac bool) *machine {
	t.Helper()
	b := sim.NewBoard(sim.Options{XDMAC: xdmac, TWIs: 1})
	p := b.Board.TWI[0]
	be := p.PDC
	if xdmac {
		xb, err := b.Board.XDMAC.Open(p.XDMAC)
		if err != nil {
			t.Fatal(err)
		}
		be = xb
	}
	ch := dma.NewChannel(be, b.Memory)
	ch.SetPending(func() { b.NVIC.Pend(p.Vector) })
	mc := &machine{b: b, w: b.TWI[0], m: twi.NewMachine(p.Hardware, ch)}
	if err := b.Board.Table.Register(p.Vector, func() {
		if ev := mc.m.HandleInterrupt(); ev != twi.EventNone {
			mc.events = append(mc.events, ev)
		}
	}); err != nil {
		t.Fatal(err)
	}
	b.NVIC.Enable(p.Vector, 0)
	mc.w.Enable()
	return mc
}

// transfer runs a transfer of buf to completion.
func (mc *machine) transfer(t *testing.T, buf []byte, read bool) twi.Event {
	t.Helper()
	mc.events = nil
	if !mc.m.StartTransfer(buf, read) {
		t.Fatal("transfer refused")
	}
	if !mc.b.RunUntil(func() bool { return len(mc.events) > 0 }, 100) {
		t.Fatalf("transfer still in state %v", mc.m.State())
	}
	if len(mc.events) != 1 {
		t.Errorf("got events %v, want one", mc.events)
	}
	return mc.events[0]
}

func TestMachineWrite(t *testing.T) {
	for _, be := range []string{"pdc", "xdmac"} {
		for _, n := range []int{1, 2, 3, 16} {
			t.Run(fmt.Sprintf("%s/%d", be, n), func(t *testing.T) {
				mc := newMachine(t, be == "xdmac")
				tg := new(sim.Target)
				mc.w.Targets[0x50] = tg
				if err := mc.m.SetAddress(twi.Address{Addr: 0x50}, twi.InternalAddress{}); err != nil {
					t.Fatal(err)
				}
				buf := mc.b.Memory.Alloc(n)
				for i := range buf {
					buf[i] = byte(i + 1)
				}
				if ev := mc.transfer(t, buf, false); ev != twi.EventDone {
					t.Fatalf("got event %v, want done: %v", ev, mc.m.Err())
				}
				if !bytes.Equal(tg.Written, buf) {
					t.Errorf("target got %v, want %v", tg.Written, buf)
				}
				if mc.w.BusBytes != n {
					t.Errorf("got %d bytes on the bus, want %d", mc.w.BusBytes, n)
				}
				if want := n - 1; mc.w.DMABytes != want {
					t.Errorf("got %d bytes by DMA, want %d", mc.w.DMABytes, want)
				}
				if mc.m.State() != twi.Idle {
					t.Errorf("got state %v after transfer, want idle", mc.m.State())
				}
				if mc.w.Active() {
					t.Error("bus still active")
				}
			})
		}
	}
}

func TestMachineRead(t *testing.T) {
	for _, be := range []string{"pdc", "xdmac"} {
		for _, n := range []int{1, 2, 3, 16} {
			t.Run(fmt.Sprintf("%s/%d", be, n), func(t *testing.T) {
				mc := newMachine(t, be == "xdmac")
				data := make([]byte, 32)
				for i := range data {
					data[i] = byte(0x80 + i)
				}
				mc.w.Targets[0x50] = &sim.Target{Data: data}
				if err := mc.m.SetAddress(twi.Address{Addr: 0x50}, twi.InternalAddress{Addr: 4, Size: 1}); err != nil {
					t.Fatal(err)
				}
				buf := mc.b.Memory.Alloc(n)
				if ev := mc.transfer(t, buf, true); ev != twi.EventDone {
					t.Fatalf("got event %v, want done: %v", ev, mc.m.Err())
				}
				if want := data[4 : 4+n]; !bytes.Equal(buf, want) {
					t.Errorf("got %x, want %x", buf, want)
				}
				if mc.w.BusBytes != n {
					t.Errorf("got %d bytes on the bus, want %d", mc.w.BusBytes, n)
				}
				want := n - 2
				if want < 0 {
					want = 0
				}
				if mc.w.DMABytes != want {
					t.Errorf("got %d bytes by DMA, want %d", mc.w.DMABytes, want)
				}
			})
		}
	}
}

func TestMachineStartRejects(t *testing.T) {
	mc := newMachine(t, false)
	mc.w.Targets[0x50] = new(sim.Target)
	if mc.m.StartTransfer(nil, false) {
		t.Error("empty transfer accepted")
	}
	if !mc.m.StartTransfer(mc.b.Memory.Alloc(4), false) {
		t.Fatal("transfer refused")
	}
	if mc.m.StartTransfer(mc.b.Memory.Alloc(4), false) {
		t.Error("second transfer accepted while busy")
	}
}

func TestMachineNack(t *testing.T) {
	tests := []struct {
		state twi.State
		read  bool
	}{
		{twi.TxDmaStarted, false},
		{twi.TxWaitingForReady1, false},
		{twi.TxWaitingForReady2, false},
		{twi.RxDmaStarted, true},
		{twi.RxWaitingForReady, true},
		{twi.RxWaitingForLastByte, true},
	}
	for _, be := range []string{"pdc", "xdmac"} {
		for _, test := range tests {
			t.Run(fmt.Sprintf("%s/%v", be, test.state), func(t *testing.T) {
				mc := newMachine(t, be == "xdmac")
				tg := &sim.Target{Data: make([]byte, 32)}
				mc.w.Targets[0x50] = tg
				if err := mc.m.SetAddress(twi.Address{Addr: 0x50}, twi.InternalAddress{}); err != nil {
					t.Fatal(err)
				}
				if !mc.m.StartTransfer(mc.b.Memory.Alloc(16), test.read) {
					t.Fatal("transfer refused")
				}
				if !mc.b.RunUntil(func() bool { return mc.m.State() == test.state }, 100) {
					t.Fatalf("state %v never reached, stuck in %v", test.state, mc.m.State())
				}
				mc.w.InjectNack()
				before := mc.b.NVIC.Dispatched[sim.TWIVector]
				mc.b.NVIC.Step()
				if got := mc.b.NVIC.Dispatched[sim.TWIVector] - before; got != 1 {
					t.Errorf("got %d dispatches, want 1", got)
				}
				if mc.m.State() != twi.Idle {
					t.Errorf("got state %v, want idle", mc.m.State())
				}
				if len(mc.events) != 1 || mc.events[0] != twi.EventFailed {
					t.Errorf("got events %v, want one failure", mc.events)
				}
				if err := mc.m.Err(); !errors.Is(err, twi.ErrNack) {
					t.Errorf("got error %v, want %v", err, twi.ErrNack)
				}
				const ints = twi.RxReady | twi.TxReady | twi.TxComp | twi.Nack
				if got := mc.w.InterruptMask() & ints; got != 0 {
					t.Errorf("got interrupts %#x enabled, want none", got)
				}

				// The machine recovers for the next transfer.
				tg.Written = nil
				buf := mc.b.Memory.Alloc(3)
				copy(buf, "abc")
				if ev := mc.transfer(t, buf, false); ev != twi.EventDone {
					t.Fatalf("got event %v after recovery, want done: %v", ev, mc.m.Err())
				}
				if !bytes.Equal(tg.Written, buf) {
					t.Errorf("target got %q, want %q", tg.Written, buf)
				}
			})
		}
	}
}

func TestMachineMissingTarget(t *testing.T) {
	mc := newMachine(t, false)
	if err := mc.m.SetAddress(twi.Address{Addr: 0x51}, twi.InternalAddress{}); err != nil {
		t.Fatal(err)
	}
	if ev := mc.transfer(t, mc.b.Memory.Alloc(4), false); ev != twi.EventFailed {
		t.Errorf("got event %v, want failure", ev)
	}
	if err := mc.m.Err(); !errors.Is(err, twi.ErrNack) {
		t.Errorf("got error %v, want %v", err, twi.ErrNack)
	}
}

func TestMachineDMAError(t *testing.T) {
	mc := newMachine(t, true)
	mc.w.Targets[0x50] = &sim.Target{Data: make([]byte, 8)}
	if err := mc.m.SetAddress(twi.Address{Addr: 0x50}, twi.InternalAddress{}); err != nil {
		t.Fatal(err)
	}
	if !mc.m.StartTransfer(mc.b.Memory.Alloc(8), true) {
		t.Fatal("transfer refused")
	}
	// The receive channel is the first one reserved.
	mc.b.XDMAC.InjectError(0)
	mc.b.Step()
	if len(mc.events) != 1 || mc.events[0] != twi.EventFailed {
		t.Fatalf("got events %v, want one failure", mc.events)
	}
	if err := mc.m.Err(); !errors.Is(err, twi.ErrDMA) {
		t.Errorf("got error %v, want %v", err, twi.ErrDMA)
	}
	if mc.m.State() != twi.Idle {
		t.Errorf("got state %v, want idle", mc.m.State())
	}
}

func TestMachineAbort(t *testing.T) {
	mc := newMachine(t, false)
	mc.w.Targets[0x50] = new(sim.Target)
	mc.m.Abort()
	if mc.m.Err() != nil {
		t.Errorf("abort of an idle machine set error %v", mc.m.Err())
	}
	if !mc.m.StartTransfer(mc.b.Memory.Alloc(8), false) {
		t.Fatal("transfer refused")
	}
	mc.b.Run(2)
	mc.m.Abort()
	if mc.m.State() != twi.Idle || !errors.Is(mc.m.Err(), twi.ErrAborted) {
		t.Errorf("got state %v, error %v after abort", mc.m.State(), mc.m.Err())
	}
}
