package serial_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dmaio.dev/internal/sim"
	"dmaio.dev/serial"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/uart"
)

type setup struct {
	name  string
	xdmac bool
}

var setups = []setup{
	{"pdc", false},
	{"xdmac", true},
}

func newChannel(t *testing.T, xdmac bool, cfg serial.Config, remote sim.Remote) (*sim.Board, *sim.USART, *serial.Channel) {
	t.Helper()
	b := sim.NewBoard(sim.Options{XDMAC: xdmac, USARTs: 1})
	u := b.USART[0]
	u.Remote = remote
	cfg.Ticks = b.Ticks
	if cfg.Flow == uart.RTSCTS {
		cfg.RTS, cfg.CTS = u.RTS, u.CTS
	}
	ch, err := b.Board.Serial(0, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return b, u, ch
}

// payload returns n bytes free of flow control bytes.
func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = 0x20 + byte(i%64)
	}
	return p
}

func TestRoundTrip(t *testing.T) {
	for _, s := range setups {
		for _, flow := range []uart.Flow{uart.RTSCTS, uart.XOnXOff} {
			t.Run(fmt.Sprintf("%s/%v", s.name, flow), func(t *testing.T) {
				cfg := serial.Config{Flow: flow, RxSize: 16, HighWater: 4}
				b, u, ch := newChannel(t, s.xdmac, cfg, sim.Remote{Flow: flow, Latency: 2})
				in := payload(100)
				u.Inject(in)
				var got []byte
				// The line carries two bytes for every byte read.
				for tick := 0; len(got) < len(in) && tick < 10000; tick++ {
					b.Run(2)
					if c, err := ch.ReadByte(); err == nil {
						got = append(got, c)
					}
				}
				if !bytes.Equal(got, in) {
					t.Errorf("got %q, want %q", got, in)
				}
				st := ch.Stats()
				if st.Dropped != 0 || u.Overruns != 0 {
					t.Errorf("got %d dropped and %d overruns, want none", st.Dropped, u.Overruns)
				}
				if st.Stops < 2 {
					t.Errorf("got %d stops, want at least 2", st.Stops)
				}
				if st.Received != len(in) {
					t.Errorf("got %d received, want %d", st.Received, len(in))
				}
			})
		}
	}
}

func TestHighWater(t *testing.T) {
	for _, s := range setups {
		t.Run(s.name, func(t *testing.T) {
			cfg := serial.Config{Flow: uart.RTSCTS, RxSize: 16, HighWater: 4}
			b, u, ch := newChannel(t, s.xdmac, cfg, sim.Remote{})
			u.Inject(payload(11))
			b.Run(11)
			if ch.Stopped() || u.RTS.Read() != gpio.Low {
				t.Fatal("stopped with 11 of 16 bytes used")
			}
			u.Inject(payload(1))
			b.Run(1)
			if !ch.Stopped() || u.RTS.Read() != gpio.High {
				t.Fatal("not stopped with 12 of 16 bytes used")
			}
			if got := ch.Buffered(); got != 12 {
				t.Errorf("got %d buffered, want 12", got)
			}
			// Release once fewer than HighWater bytes remain.
			buf := make([]byte, 8)
			if _, err := ch.Read(buf); err != nil {
				t.Fatal(err)
			}
			if !ch.Stopped() {
				t.Error("released with 4 bytes buffered")
			}
			if _, err := ch.Read(buf[:1]); err != nil {
				t.Fatal(err)
			}
			if ch.Stopped() || u.RTS.Read() != gpio.Low {
				t.Error("still stopped with 3 bytes buffered")
			}
		})
	}
}

type flakyPin struct {
	*gpiotest.Pin
	fail bool
}

func (p *flakyPin) Out(l gpio.Level) error {
	if p.fail {
		return errors.New("pin unavailable")
	}
	return p.Pin.Out(l)
}

func TestRTSFailure(t *testing.T) {
	b := sim.NewBoard(sim.Options{USARTs: 1})
	u := b.USART[0]
	rts := &flakyPin{Pin: u.RTS}
	cfg := serial.Config{
		Flow:   uart.RTSCTS,
		RxSize: 16, HighWater: 4,
		Ticks: b.Ticks,
		RTS:   rts, CTS: u.CTS,
	}
	ch, err := b.Board.Serial(0, cfg)
	if err != nil {
		t.Fatal(err)
	}
	rts.fail = true
	u.Inject(payload(12))
	b.Run(12)
	if ch.Stopped() || u.RTS.Read() != gpio.Low {
		t.Error("stopped although RTS could not be raised")
	}
	if got := ch.Stats().RTSErrors; got == 0 {
		t.Error("RTS failure not counted")
	}
	rts.fail = false
	ch.Poll()
	if !ch.Stopped() || u.RTS.Read() != gpio.High {
		t.Error("RTS not raised after the pin recovered")
	}
	if got := ch.Stats().Stops; got != 1 {
		t.Errorf("got %d stops, want 1", got)
	}
}

func TestOverflow(t *testing.T) {
	for _, s := range setups {
		t.Run(s.name, func(t *testing.T) {
			cfg := serial.Config{RxSize: 16, HighWater: 4}
			b, u, ch := newChannel(t, s.xdmac, cfg, sim.Remote{})
			in := payload(40)
			u.Inject(in)
			b.Run(len(in) + 2)
			// 16 bytes fill the buffer, 16 more the overflow buffer.
			if got := ch.Stats().Dropped; got != 8 {
				t.Errorf("got %d dropped, want 8", got)
			}
			var got []byte
			buf := make([]byte, 64)
			for {
				n, err := ch.Read(buf)
				if errors.Is(err, serial.ErrEmpty) {
					break
				}
				got = append(got, buf[:n]...)
			}
			if want := in[:32]; !bytes.Equal(got, want) {
				t.Errorf("got %q, want %q", got, want)
			}
			// Reception continues by DMA.
			u.Inject(in[:5])
			b.Run(5)
			if got := ch.Buffered(); got != 5 {
				t.Errorf("got %d buffered after draining, want 5", got)
			}
		})
	}
}

func TestTransmit(t *testing.T) {
	for _, s := range setups {
		t.Run(s.name, func(t *testing.T) {
			b, u, ch := newChannel(t, s.xdmac, serial.Config{TxSize: 8}, sim.Remote{})
			done := 0
			ch.SetTransferDoneCallback(func() { done++ })
			var sent []byte
			in := payload(50)
			rest := in
			for i := 0; i < 1000 && len(sent) < len(in); i++ {
				n, err := ch.Write(rest)
				if err != nil && !errors.Is(err, serial.ErrFull) {
					t.Fatal(err)
				}
				rest = rest[n:]
				b.Step()
				sent = append(sent, u.TakeSent()...)
			}
			if !bytes.Equal(sent, in) {
				t.Errorf("got %q, want %q", sent, in)
			}
			if !ch.Drained() {
				t.Error("not drained")
			}
			if done == 0 {
				t.Error("transfer done callback not called")
			}
			if got := ch.Stats().Transmitted; got != len(in) {
				t.Errorf("got %d transmitted, want %d", got, len(in))
			}
		})
	}
}

func TestWriteFull(t *testing.T) {
	_, _, ch := newChannel(t, false, serial.Config{TxSize: 4}, sim.Remote{})
	n, err := ch.Write([]byte("abcdef"))
	if n != 4 || !errors.Is(err, serial.ErrFull) {
		t.Errorf("got %d, %v, want 4, %v", n, err, serial.ErrFull)
	}
	if err := ch.WriteByte('g'); !errors.Is(err, serial.ErrFull) {
		t.Errorf("got %v, want %v", err, serial.ErrFull)
	}
	if _, err := ch.ReadByte(); !errors.Is(err, serial.ErrEmpty) {
		t.Errorf("got %v, want %v", err, serial.ErrEmpty)
	}
}

func TestCTS(t *testing.T) {
	cfg := serial.Config{Flow: uart.RTSCTS, ConnectionTimeout: 100, TxResumeDelay: 3}
	b, u, ch := newChannel(t, false, cfg, sim.Remote{})
	var events []bool
	ch.SetConnectionCallback(func(connected bool) { events = append(events, connected) })

	u.SetCTS(gpio.High)
	b.Step()
	if _, err := ch.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	b.Run(10)
	if got := u.TakeSent(); len(got) != 0 {
		t.Errorf("sent %q with CTS deasserted", got)
	}
	b.Run(int(cfg.ConnectionTimeout) - 12)
	ch.Poll()
	if !ch.IsConnected() {
		t.Error("disconnected before the timeout")
	}
	b.Run(2)
	ch.Poll()
	if ch.IsConnected() {
		t.Error("connected after the timeout")
	}

	u.SetCTS(gpio.Low)
	b.Step()
	if !ch.IsConnected() {
		t.Error("not connected after CTS asserted")
	}
	for i := 0; i < int(cfg.TxResumeDelay); i++ {
		ch.Poll()
		b.Step()
	}
	if got := u.TakeSent(); len(got) != 0 {
		t.Errorf("sent %q before the resume delay", got)
	}
	for i := 0; i < 5; i++ {
		ch.Poll()
		b.Step()
	}
	if got, want := u.TakeSent(), []byte("abc"); !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
	if want := []bool{true, false, true}; fmt.Sprint(events) != fmt.Sprint(want) {
		t.Errorf("got connection events %v, want %v", events, want)
	}
	if got := ch.Stats().CTSLost; got != 1 {
		t.Errorf("got %d CTS losses, want 1", got)
	}
}

func TestXOnXOff(t *testing.T) {
	cfg := serial.Config{Flow: uart.XOnXOff, TxResumeDelay: 1}
	b, u, ch := newChannel(t, false, cfg, sim.Remote{Flow: uart.XOnXOff})

	// Control bytes from the remote gate transmission and are not
	// received as data.
	u.Inject([]byte{'a', serial.XOFF, 'b'})
	b.Run(3)
	if err := ch.WriteByte('z'); err != nil {
		t.Fatal(err)
	}
	b.Run(5)
	if got := u.TakeSent(); len(got) != 0 {
		t.Errorf("sent %q after XOFF", got)
	}
	u.Inject([]byte{serial.XON})
	for i := 0; i < 6; i++ {
		b.Step()
		ch.Poll()
	}
	if got, want := u.TakeSent(), []byte("z"); !bytes.Equal(got, want) {
		t.Errorf("got %q after XON, want %q", got, want)
	}
	buf := make([]byte, 8)
	n, _ := ch.Read(buf)
	if got, want := buf[:n], []byte("ab"); !bytes.Equal(got, want) {
		t.Errorf("received %q, want %q", got, want)
	}

	// Pause and Resume send XOFF and XON ahead of data.
	ch.Pause()
	ch.Pause()
	b.Run(2)
	if got := u.Controls(); got != 1 {
		t.Errorf("got %d control bytes after Pause, want 1", got)
	}
	ch.Resume()
	b.Run(2)
	if got := u.Controls(); got != 2 {
		t.Errorf("got %d control bytes after Resume, want 2", got)
	}
	if got := u.TakeSent(); len(got) != 0 {
		t.Errorf("control bytes leaked as data: %q", got)
	}
}

func TestPause(t *testing.T) {
	b, u, ch := newChannel(t, false, serial.Config{Flow: uart.RTSCTS}, sim.Remote{Flow: uart.RTSCTS})
	ch.Pause()
	if !ch.Stopped() || u.RTS.Read() != gpio.High {
		t.Fatal("Pause did not stop the remote")
	}
	u.Inject([]byte("abc"))
	b.Run(5)
	if got := ch.Buffered(); got != 0 {
		t.Errorf("got %d bytes while paused, want 0", got)
	}
	ch.Resume()
	b.Run(5)
	if got := ch.Buffered(); got != 3 {
		t.Errorf("got %d bytes after Resume, want 3", got)
	}
	if got := ch.Stats().Stops; got != 1 {
		t.Errorf("got %d stops, want 1", got)
	}
}

func TestFlush(t *testing.T) {
	b, u, ch := newChannel(t, false, serial.Config{}, sim.Remote{})
	in := payload(20)
	if _, err := ch.Write(in); err != nil {
		t.Fatal(err)
	}
	// The simulation runs on its own goroutine; Flush only waits.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Step()
			}
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := ch.Flush(ctx)
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatal(err)
	}
	b.Run(2)
	if got := u.TakeSent(); !bytes.Equal(got, in) {
		t.Errorf("got %q, want %q", got, in)
	}
}

func TestFlushCanceled(t *testing.T) {
	_, _, ch := newChannel(t, false, serial.Config{}, sim.Remote{})
	if _, err := ch.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ch.Flush(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
}

func TestConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  serial.Config
	}{
		{"word length", serial.Config{Bits: 4}},
		{"high water", serial.Config{RxSize: 16, HighWater: 9}},
		{"parity", serial.Config{Parity: uart.Parity('X')}},
		{"missing pins", serial.Config{Flow: uart.RTSCTS}},
		{"baud", serial.Config{Baud: 10 * physic.Hertz}},
	}
	for _, test := range tests {
		b := sim.NewBoard(sim.Options{USARTs: 1})
		if _, err := b.Board.Serial(0, test.cfg); err == nil {
			t.Errorf("%s: got no error for %+v", test.name, test.cfg)
		}
	}
}

func TestLineMode(t *testing.T) {
	cfg := serial.Config{Baud: 9600 * physic.Hertz, Parity: uart.Even, Stop: uart.Two, Bits: 7}
	_, u, _ := newChannel(t, false, cfg, sim.Remote{})
	want := serial.Mode{Divider: 977, Parity: uart.Even, Stop: uart.Two, Bits: 7}
	if u.Mode != want {
		t.Errorf("got %+v, want %+v", u.Mode, want)
	}
}

func TestDivider(t *testing.T) {
	tests := []struct {
		clock, baud physic.Frequency
		want        uint32
	}{
		{84 * physic.MegaHertz, 115200 * physic.Hertz, 46},
		{150 * physic.MegaHertz, 115200 * physic.Hertz, 81},
		{150 * physic.MegaHertz, 9600 * physic.Hertz, 977},
		{12 * physic.MegaHertz, 250 * physic.KiloHertz, 3},
	}
	for _, test := range tests {
		got, err := serial.Divider(test.clock, test.baud)
		if err != nil {
			t.Errorf("Divider(%v, %v): %v", test.clock, test.baud, err)
			continue
		}
		if got != test.want {
			t.Errorf("Divider(%v, %v): got %d, want %d", test.clock, test.baud, got, test.want)
		}
	}
	if _, err := serial.Divider(physic.KiloHertz, 115200*physic.Hertz); err == nil {
		t.Error("got no error for a baud rate above the clock")
	}
}
