package twi

import (
	"fmt"
	"sync/atomic"
	"time"

	"dmaio.dev/dma"
	"dmaio.dev/irq"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// MessageState is the progress of a queued Message.
type MessageState int

const (
	MessageIdle MessageState = iota
	MessageSetup
	MessageSending
	MessageDone
)

// Message is one transfer to or from a device.
type Message struct {
	Internal InternalAddress
	Buf      []byte
	Read     bool
	// EndsTransaction releases the bus to other devices once the
	// message completes.
	EndsTransaction bool
	// Done is called from interrupt context when the message
	// completes or fails. It may queue further messages.
	Done func(m *Message)
	// Err is the outcome of the message once Done.
	Err error

	state atomic.Int32
	dev   *Device
}

func (m *Message) State() MessageState {
	return MessageState(m.state.Load())
}

func (m *Message) setState(s MessageState) {
	m.state.Store(int32(s))
}

// Device is a device on a Bus.
type Device struct {
	Addr Address
	bus  *Bus
}

// Queue queues m for transfer. It returns ErrBusy if m is already
// queued.
func (d *Device) Queue(m *Message) error {
	return d.bus.queue(d, m)
}

// Config is the configuration of a Bus. Zero fields select defaults.
type Config struct {
	// Speed defaults to fast mode, 400 kHz.
	Speed    physic.Frequency
	Priority irq.Level
	// Timeout bounds Tx, 1s by default.
	Timeout time.Duration
	// BufferSize is the size of the DMA bounce buffer and the
	// largest message, 256 bytes by default.
	BufferSize int
	// Poll, if set, is called repeatedly while Tx waits. It lets a
	// simulation advance from the waiting goroutine.
	Poll func()
}

// Peripheral is the hardware a Bus runs on.
type Peripheral struct {
	Name     string
	Hardware Hardware
	DMA      *dma.Channel
	IRQ      irq.Controller
	Vector   irq.Vector
	// Service is a free vector pended to start the next message.
	Service irq.Vector
	Clock   physic.Frequency
}

// Bus arbitrates the messages of its devices over one master. A device
// that starts a transaction keeps the bus until one of its messages
// with EndsTransaction completes.
type Bus struct {
	name    string
	hw      Hardware
	m       *Machine
	irq     irq.Controller
	vec     irq.Vector
	service irq.Vector
	clock   physic.Frequency
	cfg     Config

	bounce  []byte
	devices []*Device
	byAddr  map[Address]*Device
	queued  []*Message
	current *Message
	// owner is the device holding the transaction.
	owner *Device
}

var _ i2c.BusCloser = (*Bus)(nil)

func (c *Config) setDefaults() error {
	if c.Speed == 0 {
		c.Speed = FastMode
	}
	if c.Timeout == 0 {
		c.Timeout = time.Second
	}
	if c.BufferSize == 0 {
		c.BufferSize = 256
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("twi: invalid buffer size %d", c.BufferSize)
	}
	return nil
}

// NewBus configures the peripheral and returns a bus. The caller
// registers HandleInterrupt and Service for the peripheral's vectors
// and enables both at Priority.
func NewBus(p Peripheral, cfg Config) (*Bus, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	w, err := ClockWaveform(p.Clock, cfg.Speed)
	if err != nil {
		return nil, err
	}
	b := &Bus{
		name:    p.Name,
		hw:      p.Hardware,
		m:       NewMachine(p.Hardware, p.DMA),
		irq:     p.IRQ,
		vec:     p.Vector,
		service: p.Service,
		clock:   p.Clock,
		cfg:     cfg,
		bounce:  p.DMA.Alloc(cfg.BufferSize),
		byAddr:  make(map[Address]*Device),
	}
	if b.name == "" {
		b.name = "twi"
	}
	defer b.mask()()
	b.hw.Disable()
	p.DMA.Reset()
	b.hw.DisableInterrupts(RxReady | TxReady | TxComp | Nack)
	b.hw.SetWaveform(w)
	b.hw.Enable()
	return b, nil
}

func (b *Bus) Priority() uint8 {
	return irq.DMAPriorities.Value(b.cfg.Priority)
}

func (b *Bus) String() string {
	return b.name
}

// AddDevice returns the device at a, adding it if needed.
func (b *Bus) AddDevice(a Address) *Device {
	defer b.mask()()
	if d, ok := b.byAddr[a]; ok {
		return d
	}
	d := &Device{Addr: a, bus: b}
	b.devices = append(b.devices, d)
	b.byAddr[a] = d
	return d
}

// RemoveDevice removes d and fails its queued messages with
// ErrAborted.
func (b *Bus) RemoveDevice(d *Device) {
	defer b.mask()()
	for i, dev := range b.devices {
		if dev == d {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			delete(b.byAddr, d.Addr)
			break
		}
	}
	kept := b.queued[:0]
	var aborted []*Message
	for _, m := range b.queued {
		if m.dev == d {
			aborted = append(aborted, m)
			continue
		}
		kept = append(kept, m)
	}
	b.queued = kept
	if b.owner == d && (b.current == nil || b.current.dev != d) {
		b.owner = nil
	}
	for _, m := range aborted {
		b.complete(m, ErrAborted)
	}
	b.irq.Pend(b.service)
}

// Devices returns the devices on the bus.
func (b *Bus) Devices() []*Device {
	defer b.mask()()
	return append([]*Device(nil), b.devices...)
}

func (b *Bus) check(d *Device, m *Message) error {
	if len(m.Buf) > len(b.bounce) {
		return fmt.Errorf("twi: message of %d bytes exceeds buffer of %d", len(m.Buf), len(b.bounce))
	}
	_, _, _, err := encode(d.Addr, m.Internal)
	return err
}

func (b *Bus) queue(d *Device, m *Message) error {
	if err := b.check(d, m); err != nil {
		return err
	}
	defer b.mask()()
	switch m.State() {
	case MessageSetup, MessageSending:
		return ErrBusy
	}
	m.dev = d
	m.Err = nil
	m.setState(MessageSetup)
	b.queued = append(b.queued, m)
	b.irq.Pend(b.service)
	return nil
}

// Service starts the next message. It is the handler of the service
// vector.
func (b *Bus) Service() {
	defer b.mask()()
	for b.current == nil {
		m := b.next()
		if m == nil {
			return
		}
		if err := b.start(m); err != nil {
			b.finish(m, err)
		}
	}
}

// next dequeues the next message eligible for the bus.
func (b *Bus) next() *Message {
	for i, m := range b.queued {
		if b.owner != nil && m.dev != b.owner {
			continue
		}
		b.queued = append(b.queued[:i], b.queued[i+1:]...)
		return m
	}
	return nil
}

func (b *Bus) start(m *Message) error {
	b.owner = m.dev
	if err := b.m.SetAddress(m.dev.Addr, m.Internal); err != nil {
		return err
	}
	buf := b.bounce[:len(m.Buf)]
	if !m.Read {
		copy(buf, m.Buf)
	}
	m.setState(MessageSending)
	b.current = m
	if !b.m.StartTransfer(buf, m.Read) {
		b.current = nil
		return fmt.Errorf("twi: transfer of %d bytes refused", len(buf))
	}
	return nil
}

// HandleInterrupt is the handler of the peripheral's vector.
func (b *Bus) HandleInterrupt() {
	ev := b.m.HandleInterrupt()
	m := b.current
	if ev == EventNone || m == nil {
		return
	}
	b.current = nil
	var err error
	if ev == EventFailed {
		err = b.m.Err()
	} else if m.Read {
		copy(m.Buf, b.bounce)
	}
	b.finish(m, err)
	b.irq.Pend(b.service)
}

// finish completes m. It ends the transaction of m's device if m ends
// it or failed; a failure aborts the device's queued messages up to the
// end of the transaction.
func (b *Bus) finish(m *Message, err error) {
	var aborted []*Message
	if b.owner == m.dev && (err != nil || m.EndsTransaction) {
		b.owner = nil
		if err != nil && !m.EndsTransaction {
			aborted = b.dequeueTransaction(m.dev)
		}
	}
	b.complete(m, err)
	for _, q := range aborted {
		b.complete(q, ErrAborted)
	}
}

// dequeueTransaction removes the queued messages of d up to the end of
// its transaction.
func (b *Bus) dequeueTransaction(d *Device) []*Message {
	var aborted []*Message
	kept := b.queued[:0]
	ended := false
	for _, q := range b.queued {
		if ended || q.dev != d {
			kept = append(kept, q)
			continue
		}
		aborted = append(aborted, q)
		ended = q.EndsTransaction
	}
	b.queued = kept
	return aborted
}

func (b *Bus) complete(m *Message, err error) {
	m.Err = err
	m.setState(MessageDone)
	if m.Done != nil {
		m.Done(m)
	}
}

// Tx implements i2c.Bus. A write of at most three bytes followed by a
// read is sent as the internal address of the read.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	a := Address{Addr: addr, TenBit: addr > 0x7f}
	d := b.AddDevice(a)
	var msgs []*Message
	switch {
	case len(r) > 0 && len(w) <= 3:
		var ia InternalAddress
		for _, c := range w {
			ia.Addr = ia.Addr<<8 | uint32(c)
		}
		ia.Size = len(w)
		if a.TenBit && ia.Size > 2 {
			msgs = append(msgs, &Message{Buf: w})
			ia = InternalAddress{}
		}
		msgs = append(msgs, &Message{Internal: ia, Buf: r, Read: true})
	default:
		if len(w) > 0 {
			msgs = append(msgs, &Message{Buf: w})
		}
		if len(r) > 0 {
			msgs = append(msgs, &Message{Buf: r, Read: true})
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	last := msgs[len(msgs)-1]
	last.EndsTransaction = true
	var finished atomic.Bool
	done := make(chan struct{})
	last.Done = func(*Message) {
		finished.Store(true)
		close(done)
	}
	for _, m := range msgs {
		if err := b.check(d, m); err != nil {
			return fmt.Errorf("twi: %s: %w", a, err)
		}
	}
	for _, m := range msgs {
		if err := d.Queue(m); err != nil {
			return fmt.Errorf("twi: %s: %w", a, err)
		}
	}
	if err := b.wait(&finished, done); err != nil {
		if b.cancel(msgs) {
			return fmt.Errorf("twi: %s: %w", a, err)
		}
	}
	for _, m := range msgs {
		if m.Err != nil {
			return fmt.Errorf("twi: %s: %w", a, m.Err)
		}
	}
	return nil
}

// cancel withdraws the unfinished messages of msgs from the bus and
// fails them with ErrTimeout. It reports false if they all completed
// in the meantime.
func (b *Bus) cancel(msgs []*Message) bool {
	defer b.mask()()
	if msgs[len(msgs)-1].State() == MessageDone {
		return false
	}
	own := func(m *Message) bool {
		for _, o := range msgs {
			if m == o {
				return true
			}
		}
		return false
	}
	kept := b.queued[:0]
	for _, m := range b.queued {
		if !own(m) {
			kept = append(kept, m)
		}
	}
	b.queued = kept
	if m := b.current; m != nil && own(m) {
		b.m.Abort()
		b.hw.Control(Stop)
		b.current = nil
	}
	if b.owner == msgs[0].dev {
		b.owner = nil
	}
	for _, m := range msgs {
		if m.State() != MessageDone {
			b.complete(m, ErrTimeout)
		}
	}
	b.irq.Pend(b.service)
	return true
}

func (b *Bus) wait(finished *atomic.Bool, done <-chan struct{}) error {
	deadline := time.Now().Add(b.cfg.Timeout)
	if b.cfg.Poll != nil {
		for !finished.Load() {
			if time.Now().After(deadline) {
				return ErrTimeout
			}
			b.cfg.Poll()
		}
		return nil
	}
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return ErrTimeout
	}
}

// SetSpeed implements i2c.Bus.
func (b *Bus) SetSpeed(f physic.Frequency) error {
	w, err := ClockWaveform(b.clock, f)
	if err != nil {
		return err
	}
	defer b.mask()()
	b.hw.SetWaveform(w)
	b.cfg.Speed = f
	return nil
}

// Close implements i2c.BusCloser. The message in flight and the
// queued messages fail with ErrAborted.
func (b *Bus) Close() error {
	b.irq.Disable(b.vec)
	b.irq.Disable(b.service)
	b.m.Abort()
	b.hw.Disable()
	q := b.queued
	b.queued = nil
	if m := b.current; m != nil {
		q = append([]*Message{m}, q...)
		b.current = nil
	}
	b.owner = nil
	for _, m := range q {
		b.complete(m, ErrAborted)
	}
	return nil
}

// mask masks both of the bus vectors and returns the function
// restoring them.
func (b *Bus) mask() func() {
	g1 := irq.Mask(b.irq, b.vec)
	g2 := irq.Mask(b.irq, b.service)
	return func() {
		g2.Restore()
		g1.Restore()
	}
}
