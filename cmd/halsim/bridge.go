package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"dmaio.dev/internal/sim"
	"dmaio.dev/serial"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/uart"
	"periph.io/x/host/v3"
)

// bridge wires the remote end of a simulated USART to a host port or
// to standard in and out. The simulated chip echoes what it receives.
func bridge(stdout io.Writer, stdin io.Reader, args []string) error {
	fs := newFlagSet("bridge")
	dev := fs.String("dev", "", "host serial `device`; standard in and out if empty")
	baud := fs.Int("baud", 115200, "baud rate of the host device and the channel")
	flowName := fs.String("flow", "none", "flow control (none, rtscts, xonxoff)")
	xdmac := fs.Bool("xdmac", false, "use the XDMAC instead of the PDC")
	rtsName := fs.String("rts", "", "host GPIO `pin` mirroring the channel's RTS")
	ctsName := fs.String("cts", "", "host GPIO `pin` driving the channel's CTS")
	tick := fs.Duration("tick", time.Millisecond, "wall time per batch of simulated byte periods")
	batch := fs.Int("batch", 16, "simulated byte periods per tick")
	if err := fs.Parse(args); err != nil {
		return err
	}
	flow, err := parseFlow(*flowName)
	if err != nil {
		return err
	}
	if *batch < 2 {
		return fmt.Errorf("bridge: batch must be at least 2")
	}

	var rts gpio.PinOut
	var cts gpio.PinIn
	if *rtsName != "" || *ctsName != "" {
		if _, err := host.Init(); err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		if *rtsName != "" {
			p := gpioreg.ByName(*rtsName)
			if p == nil {
				return fmt.Errorf("bridge: no pin %s", *rtsName)
			}
			rts = p
		}
		if *ctsName != "" {
			p := gpioreg.ByName(*ctsName)
			if p == nil {
				return fmt.Errorf("bridge: no pin %s", *ctsName)
			}
			if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
				return fmt.Errorf("bridge: %s: %w", *ctsName, err)
			}
			cts = p
		}
	}

	var in io.Reader = stdin
	var out io.Writer = stdout
	if *dev != "" {
		p, err := openPort(*dev, *baud)
		if err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		defer p.Close()
		in, out = p, p
	} else if f, ok := stdin.(*os.File); ok {
		restore, err := makeRaw(int(f.Fd()))
		if err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		defer restore()
	}

	b := sim.NewBoard(sim.Options{XDMAC: *xdmac, USARTs: 1})
	u := b.USART[0]
	u.Remote = sim.Remote{Flow: flow}
	cfg := serial.Config{
		Baud:  physic.Frequency(*baud) * physic.Hertz,
		Flow:  flow,
		Ticks: b.Ticks,
	}
	if flow == uart.RTSCTS {
		cfg.RTS, cfg.CTS = u.RTS, u.CTS
	}
	ch, err := b.Board.Serial(0, cfg)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	ch.SetConnectionCallback(func(connected bool) {
		log.Printf("bridge: connected: %v", connected)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	input := make(chan []byte)
	go func() {
		defer close(input)
		for {
			buf := make([]byte, 256)
			n, err := in.Read(buf)
			if n > 0 {
				select {
				case input <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					log.Printf("bridge: %v", err)
				}
				return
			}
		}
	}()

	var echo [64]byte
	var pending []byte
	eof := false
	quiet := 0
	for ctx.Err() == nil {
		if !eof {
			select {
			case p, ok := <-input:
				if !ok {
					eof = true
					break
				}
				u.Inject(p)
			default:
			}
		}
		if cts != nil {
			u.SetCTS(cts.Read())
		}
		for i := 0; i < *batch; i++ {
			b.Step()
			ch.Poll()
			if len(pending) == 0 {
				n, _ := ch.Read(echo[:])
				pending = echo[:n]
			}
			// Whatever does not fit is retried after the next step.
			n, _ := ch.Write(pending)
			pending = pending[n:]
		}
		if rts != nil {
			if err := rts.Out(u.RTS.Read()); err != nil {
				return fmt.Errorf("bridge: %s: %w", *rtsName, err)
			}
		}
		sent := u.TakeSent()
		if len(sent) > 0 {
			if _, err := out.Write(sent); err != nil {
				return fmt.Errorf("bridge: %w", err)
			}
		}
		if eof && len(sent) == 0 && len(pending) == 0 && u.Queued() == 0 && ch.Buffered() == 0 && ch.Drained() {
			quiet++
			if quiet == 2 {
				return nil
			}
		} else {
			quiet = 0
		}
		if *tick > 0 {
			time.Sleep(*tick)
		}
	}
	return nil
}
