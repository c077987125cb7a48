package main

import (
	"errors"
	"fmt"
	"io"

	"dmaio.dev/internal/sim"
	"dmaio.dev/twi"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

func scan(stdout io.Writer, args []string) error {
	fs := newFlagSet("scan")
	devices := fs.String("devices", "0x50,0x68", "comma separated addresses of the simulated devices")
	xdmac := fs.Bool("xdmac", false, "use the XDMAC instead of the PDC")
	khz := fs.Int("khz", 400, "bus speed in kHz")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addrs, err := parseAddrs(*devices)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	b := sim.NewBoard(sim.Options{XDMAC: *xdmac, TWIs: 1})
	for _, a := range addrs {
		b.TWI[0].Targets[a] = &sim.Target{Data: make([]byte, 256)}
	}
	bus, err := b.Board.I2C(0, twi.Config{
		Speed: physic.Frequency(*khz) * physic.KiloHertz,
		Poll:  b.Step,
	})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	defer bus.Close()
	fmt.Fprintf(stdout, "%s at %d kHz: %+v\n", bus, *khz, b.TWI[0].Waveform)
	var r [1]byte
	found := 0
	// Addresses outside 0x08-0x77 are reserved.
	for a := uint16(0x08); a <= 0x77; a++ {
		d := &i2c.Dev{Bus: bus, Addr: a}
		err := d.Tx(nil, r[:])
		switch {
		case err == nil:
			fmt.Fprintf(stdout, "%#02x\n", a)
			found++
		case !errors.Is(err, twi.ErrNack):
			return fmt.Errorf("scan: %w", err)
		}
	}
	fmt.Fprintf(stdout, "%d devices\n", found)
	return nil
}
