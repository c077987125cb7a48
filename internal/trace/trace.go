// Package trace stores snapshots of serial channel state as a stream
// of CBOR items.
package trace

import (
	"errors"
	"fmt"
	"io"

	"dmaio.dev/serial"
	"github.com/fxamacker/cbor/v2"
)

// Record is the state of one channel at a tick.
type Record struct {
	Tick     uint32       `cbor:"1,keyasint"`
	Port     int          `cbor:"2,keyasint"`
	Stats    serial.Stats `cbor:"3,keyasint"`
	Buffered int          `cbor:"4,keyasint,omitempty"`
	Stopped  bool         `cbor:"5,keyasint,omitempty"`
}

// Writer encodes records in deterministic CBOR.
type Writer struct {
	enc *cbor.Encoder
}

func NewWriter(w io.Writer) *Writer {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		// Valid by construction.
		panic(err)
	}
	return &Writer{enc: mode.NewEncoder(w)}
}

func (w *Writer) Write(r Record) error {
	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	return nil
}

// Snapshot records the current state of c.
func (w *Writer) Snapshot(tick uint32, port int, c *serial.Channel) error {
	return w.Write(Record{
		Tick:     tick,
		Port:     port,
		Stats:    c.Stats(),
		Buffered: c.Buffered(),
		Stopped:  c.Stopped(),
	})
}

// Reader decodes records written by a Writer.
type Reader struct {
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader {
	mode, err := cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &Reader{dec: mode.NewDecoder(r)}
}

// Read returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Read() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("trace: %w", err)
	}
	return rec, nil
}

// ReadAll decodes every record of a stream.
func ReadAll(r io.Reader) ([]Record, error) {
	rd := NewReader(r)
	var recs []Record
	for {
		rec, err := rd.Read()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
}
