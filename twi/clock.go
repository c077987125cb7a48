package twi

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// Waveform is the clock waveform generator setting.
type Waveform struct {
	CKDIV, CHDIV, CLDIV uint32
}

const (
	FastMode = 400 * physic.KiloHertz
	Standard = 100 * physic.KiloHertz

	// lowLevelLimit is the fastest clock whose low period still
	// lasts the 1.3µs fast mode minimum.
	lowLevelLimit = 384 * physic.KiloHertz

	clkDivider = 2
	clkCalc    = 3
	divMax     = 0xff
	ckdivMax   = 7
)

// ClockWaveform returns the waveform for a master clocking the bus at
// speed from a peripheral clock.
func ClockWaveform(clock, speed physic.Frequency) (Waveform, error) {
	if speed <= 0 || speed > FastMode {
		return Waveform{}, fmt.Errorf("twi: unsupported bus speed %v", speed)
	}
	clk := int64(clock / physic.Hertz)
	div := func(f physic.Frequency) (uint32, error) {
		d := clk/(int64(f/physic.Hertz)*clkDivider) - clkCalc
		if d < 0 {
			return 0, fmt.Errorf("twi: clock %v too slow for %v", clock, speed)
		}
		return uint32(d), nil
	}
	var w Waveform
	if speed > lowLevelLimit {
		cl, err := div(lowLevelLimit)
		if err != nil {
			return Waveform{}, err
		}
		ch, err := div(speed + (speed - lowLevelLimit))
		if err != nil {
			return Waveform{}, err
		}
		for cl > divMax && w.CKDIV < ckdivMax {
			w.CKDIV++
			cl /= clkDivider
		}
		for ch > divMax && w.CKDIV < ckdivMax {
			w.CKDIV++
			ch /= clkDivider
		}
		w.CLDIV, w.CHDIV = cl, ch
	} else {
		d, err := div(speed)
		if err != nil {
			return Waveform{}, err
		}
		for d > divMax && w.CKDIV < ckdivMax {
			w.CKDIV++
			d /= clkDivider
		}
		w.CLDIV, w.CHDIV = d, d
	}
	if w.CLDIV > divMax || w.CHDIV > divMax {
		return Waveform{}, fmt.Errorf("twi: clock %v too fast for %v", clock, speed)
	}
	return w, nil
}
