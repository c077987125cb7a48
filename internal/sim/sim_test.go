package sim

import (
	"bytes"
	"testing"

	"dmaio.dev/dma"
	"dmaio.dev/irq"
	"dmaio.dev/serial"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/uart"
)

func TestNVICPriority(t *testing.T) {
	tab := new(irq.Table)
	n := NewNVIC(tab)
	var order []irq.Vector
	for _, v := range []irq.Vector{3, 5, 7, 9} {
		v := v
		if err := tab.Register(v, func() { order = append(order, v) }); err != nil {
			t.Fatal(err)
		}
	}
	n.Enable(3, 2)
	n.Enable(5, 1)
	n.Enable(7, 1)
	for _, v := range []irq.Vector{9, 7, 5, 3} {
		n.Pend(v)
	}
	if got := n.Step(); got != 3 {
		t.Errorf("got %d dispatches, want 3", got)
	}
	want := []irq.Vector{5, 7, 3}
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("got order %v, want %v", order, want)
			break
		}
	}
	// A disabled vector stays pending.
	n.Enable(9, 0)
	order = nil
	n.Step()
	if len(order) != 1 || order[0] != 9 {
		t.Errorf("got order %v, want [9]", order)
	}
	if n.Dispatched[9] != 1 {
		t.Errorf("got %d dispatches of vector 9, want 1", n.Dispatched[9])
	}
}

func TestNVICStorm(t *testing.T) {
	tab := new(irq.Table)
	n := NewNVIC(tab)
	if err := tab.Register(4, func() {}); err != nil {
		t.Fatal(err)
	}
	n.Connect(4, func() bool { return true })
	n.Enable(4, 0)
	defer func() {
		if recover() == nil {
			t.Error("handler leaving its line asserted did not panic")
		}
	}()
	n.Step()
}

func TestMemory(t *testing.T) {
	m := NewMemory(64)
	a := m.Alloc(3)
	b := m.Alloc(4)
	if got, want := m.Addr(a), uint32(DefaultBase); got != want {
		t.Errorf("got address %#x, want %#x", got, want)
	}
	if got, want := m.Addr(b), uint32(DefaultBase+4); got != want {
		t.Errorf("got address %#x, want %#x", got, want)
	}
	m.Store(m.Addr(b)+1, 0xaa)
	if b[1] != 0xaa || m.Load(m.Addr(b)+1) != 0xaa {
		t.Error("store not visible through the slice")
	}
	if cap(a) != len(a) {
		t.Errorf("got capacity %d, want %d", cap(a), len(a))
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Error("load outside memory did not fault")
			}
		}()
		m.Load(DefaultBase + 64)
	}()
	func() {
		defer func() {
			if recover() == nil {
				t.Error("address of foreign buffer did not panic")
			}
		}()
		m.Addr(make([]byte, 1))
	}()
}

func TestPDCPromotion(t *testing.T) {
	mem := NewMemory(64)
	p := NewPDC(mem)
	buf := mem.Alloc(4)
	p.RPR.Set(mem.Addr(buf))
	p.RCR.Set(2)
	p.RNPR.Set(mem.Addr(buf[2:]))
	p.RNCR.Set(2)
	p.PTCR.Set(dma.PTCR_RXTEN)
	for i, c := range []byte("wxyz") {
		if !p.receive(c) {
			t.Fatalf("byte %d refused", i)
		}
		if i < 3 && p.RxBuff() {
			t.Errorf("both slots empty after %d bytes", i+1)
		}
	}
	if !p.RxBuff() {
		t.Error("slots not empty after 4 bytes")
	}
	if p.receive('!') {
		t.Error("byte accepted with both slots empty")
	}
	if !bytes.Equal(buf, []byte("wxyz")) {
		t.Errorf("got %q, want %q", buf, "wxyz")
	}
}

func TestRemoteLatency(t *testing.T) {
	b := NewBoard(Options{USARTs: 1})
	u := b.USART[0]
	u.Remote = Remote{Flow: uart.RTSCTS, Latency: 2}
	u.Enable()
	if err := u.RTS.Out(gpio.High); err != nil {
		t.Fatal(err)
	}
	u.Inject([]byte("abcde"))
	b.Run(5)
	if got := u.Queued(); got != 3 {
		t.Errorf("got %d bytes queued, want 3", got)
	}
	if u.Overruns != 1 {
		t.Errorf("got %d overruns, want 1", u.Overruns)
	}
	if c, ok := u.ReadByte(); !ok || c != 'a' {
		t.Errorf("got %q, %v, want 'a'", c, ok)
	}
	if st := u.Status(); st&serial.Overrun == 0 {
		t.Errorf("got status %#x, want overrun", st)
	}
	if st := u.Status(); st&serial.Overrun != 0 {
		t.Error("overrun not cleared by reading the status")
	}
	if err := u.RTS.Out(gpio.Low); err != nil {
		t.Fatal(err)
	}
	b.Step()
	if c, ok := u.ReadByte(); !ok || c != 'c' {
		t.Errorf("got %q, %v after release, want 'c'", c, ok)
	}
}

func TestRemoteXOff(t *testing.T) {
	b := NewBoard(Options{USARTs: 1})
	u := b.USART[0]
	u.Remote = Remote{Flow: uart.XOnXOff}
	u.Enable()
	u.WriteByte(serial.XOFF)
	u.Inject([]byte("ab"))
	b.Step()
	if u.Controls() != 1 || u.Queued() != 2 {
		t.Errorf("got %d controls, %d queued, want 1, 2", u.Controls(), u.Queued())
	}
	u.WriteByte('z')
	b.Step()
	u.WriteByte(serial.XON)
	b.Step()
	if got := u.TakeSent(); !bytes.Equal(got, []byte("z")) {
		t.Errorf("remote got %q, want %q", got, "z")
	}
	if u.Queued() != 1 {
		t.Errorf("got %d queued after XON, want 1", u.Queued())
	}
}

func TestSetCTS(t *testing.T) {
	b := NewBoard(Options{USARTs: 1})
	u := b.USART[0]
	u.SetCTS(gpio.Low)
	if u.Status()&serial.CTSChange != 0 {
		t.Error("change flagged without a change")
	}
	u.SetCTS(gpio.High)
	if u.Status()&serial.CTSChange == 0 {
		t.Error("change not flagged")
	}
	if u.CTS.Read() != gpio.High {
		t.Error("CTS not driven")
	}
}
