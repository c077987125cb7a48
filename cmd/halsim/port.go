package main

import (
	"io"

	"github.com/tarm/serial"
)

func openPort(dev string, baud int) (io.ReadWriteCloser, error) {
	p, err := serial.OpenPort(&serial.Config{Name: dev, Baud: baud})
	if err != nil {
		return nil, err
	}
	return p, nil
}
