package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"dmaio.dev/internal/sim"
	"dmaio.dev/internal/trace"
	"dmaio.dev/serial"
	"periph.io/x/conn/v3/uart"
)

func loop(stdout io.Writer, args []string) error {
	fs := newFlagSet("loop")
	n := fs.Int("n", 1000, "number of bytes to send")
	flowName := fs.String("flow", "rtscts", "flow control (none, rtscts, xonxoff)")
	xdmac := fs.Bool("xdmac", false, "use the XDMAC instead of the PDC")
	rxSize := fs.Int("rx", 16, "receive buffer size")
	highWater := fs.Int("hw", 4, "high water margin")
	latency := fs.Int("latency", 2, "bytes the remote sends after being stopped")
	rate := fs.Int("rate", 2, "ticks between reads of one byte")
	tracePath := fs.String("trace", "", "write CBOR records of the channel state to `file`")
	if err := fs.Parse(args); err != nil {
		return err
	}
	flow, err := parseFlow(*flowName)
	if err != nil {
		return err
	}
	if *n < 0 || *rate < 1 {
		return errors.New("loop: invalid byte count or read rate")
	}

	b := sim.NewBoard(sim.Options{XDMAC: *xdmac, USARTs: 1})
	u := b.USART[0]
	u.Remote = sim.Remote{Flow: flow, Latency: *latency}
	cfg := serial.Config{
		Flow:      flow,
		RxSize:    *rxSize,
		HighWater: *highWater,
		Ticks:     b.Ticks,
	}
	if flow == uart.RTSCTS {
		cfg.RTS, cfg.CTS = u.RTS, u.CTS
	}
	ch, err := b.Board.Serial(0, cfg)
	if err != nil {
		return fmt.Errorf("loop: %w", err)
	}

	var tw *trace.Writer
	if *tracePath != "" {
		f, err := os.Create(*tracePath)
		if err != nil {
			return fmt.Errorf("loop: %w", err)
		}
		defer f.Close()
		tw = trace.NewWriter(f)
	}

	payload := make([]byte, *n)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	u.Inject(payload)
	got := make([]byte, 0, *n)
	limit := (*n+1)*(*rate)*4 + 1000
	for tick := 0; len(got) < *n; tick++ {
		if tick > limit {
			break
		}
		b.Step()
		if tick%*rate == 0 {
			if c, err := ch.ReadByte(); err == nil {
				got = append(got, c)
			}
		}
		if u.Queued() == 0 && ch.Buffered() == 0 && flow == uart.NoFlow {
			// Lost bytes never arrive.
			if tick > *n+8 {
				break
			}
		}
		if tw != nil {
			if err := tw.Snapshot(b.Ticks(), 0, ch); err != nil {
				return fmt.Errorf("loop: %w", err)
			}
		}
	}
	st := ch.Stats()
	fmt.Fprintf(stdout, "read %d of %d bytes in %d ticks: received %d, dropped %d, overruns %d, stops %d\n",
		len(got), *n, b.Ticks(), st.Received, st.Dropped, st.Overruns, st.Stops)
	if flow == uart.NoFlow {
		return nil
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("loop: read %d bytes that differ from the %d sent", len(got), *n)
	}
	return nil
}
