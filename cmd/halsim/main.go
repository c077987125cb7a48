// Command halsim runs the serial and TWI drivers on a simulated chip.
//
//	halsim loop [flags]     stream bytes into a slow reader under flow control
//	halsim scan [flags]     probe the addresses of a simulated TWI bus
//	halsim bridge [flags]   echo a host port or standard in through a channel
//	halsim trace file       print the records of a loop trace
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"dmaio.dev/internal/trace"
	"periph.io/x/conn/v3/uart"
)

func main() {
	log.SetPrefix("halsim: ")
	log.SetFlags(0)
	if err := run(os.Stdout, os.Stdin, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "halsim: %v\n", err)
		os.Exit(2)
	}
}

func run(stdout io.Writer, stdin io.Reader, args []string) error {
	if len(args) == 0 {
		return errors.New("missing command (bridge, loop, scan, trace)")
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "loop":
		return loop(stdout, args)
	case "scan":
		return scan(stdout, args)
	case "bridge":
		return bridge(stdout, stdin, args)
	case "trace":
		return dumpTrace(stdout, args)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlow(s string) (uart.Flow, error) {
	switch s {
	case "none":
		return uart.NoFlow, nil
	case "rtscts":
		return uart.RTSCTS, nil
	case "xonxoff":
		return uart.XOnXOff, nil
	default:
		return 0, fmt.Errorf("unknown flow control: %s", s)
	}
}

// parseAddrs parses a comma separated list of bus addresses.
func parseAddrs(s string) ([]uint16, error) {
	var addrs []uint16
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		a, err := strconv.ParseUint(f, 0, 10)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q", f)
		}
		addrs = append(addrs, uint16(a))
	}
	return addrs, nil
}

func dumpTrace(stdout io.Writer, args []string) error {
	if len(args) != 1 {
		return errors.New("specify a trace file")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	r := trace.NewReader(f)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		s := rec.Stats
		fmt.Fprintf(stdout, "%6d port %d rx %d tx %d dropped %d stops %d buffered %d",
			rec.Tick, rec.Port, s.Received, s.Transmitted, s.Dropped, s.Stops, rec.Buffered)
		if rec.Stopped {
			fmt.Fprint(stdout, " stopped")
		}
		fmt.Fprintln(stdout)
	}
}
