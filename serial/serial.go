// Package serial implements a buffered, interrupt driven serial
// channel on top of a USART and a DMA channel, with RTS/CTS or
// XON/XOFF flow control.
package serial

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"dmaio.dev/dma"
	"dmaio.dev/irq"
	"dmaio.dev/ringbuf"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/uart"
)

// Software flow control bytes.
const (
	XON  = 0x11
	XOFF = 0x13
)

// overflowSize is the capacity of the buffer catching bytes that
// arrive while no receive transfer is armed.
const overflowSize = 16

var (
	ErrFull  = errors.New("serial: buffer full")
	ErrEmpty = errors.New("serial: buffer empty")
)

// Config is the configuration of a Channel. Zero fields select
// defaults.
type Config struct {
	// Baud defaults to 115200 Hz.
	Baud   physic.Frequency
	Parity uart.Parity
	Stop   uart.Stop
	// Bits is the word length, 8 by default.
	Bits int
	Flow uart.Flow

	// HighWater is the free receive space at which the remote is
	// told to stop, 4 by default. The remote is released when the
	// buffer holds fewer than HighWater bytes.
	HighWater int
	// RxSize and TxSize are the ring buffer capacities, 128 by
	// default.
	RxSize, TxSize int

	// ConnectionTimeout is the number of ticks CTS may stay
	// deasserted before the channel reports a disconnect, 5000 by
	// default.
	ConnectionTimeout uint32
	// TxResumeDelay is the number of ticks between the remote
	// allowing transmission and transmission resuming, 3 by default.
	TxResumeDelay uint32
	// Ticks returns the current tick. The default counts
	// milliseconds.
	Ticks func() uint32

	Priority irq.Level
	// RTS and CTS are the flow control lines, required for RTS/CTS
	// flow control. Both are active low.
	RTS gpio.PinOut
	CTS gpio.PinIn
}

// Peripheral is the hardware a Channel runs on.
type Peripheral struct {
	Hardware Hardware
	DMA      *dma.Channel
	IRQ      irq.Controller
	Vector   irq.Vector
	// Clock is the peripheral clock.
	Clock physic.Frequency
}

// Stats counts channel events.
type Stats struct {
	Received    int `cbor:"1,keyasint"`
	Transmitted int `cbor:"2,keyasint"`
	// Dropped counts received bytes lost to a full buffer.
	Dropped  int `cbor:"3,keyasint"`
	Overruns int `cbor:"4,keyasint"`
	// Stops counts the times the remote was told to stop.
	Stops   int `cbor:"5,keyasint"`
	CTSLost int `cbor:"6,keyasint"`
	// RTSErrors counts failed writes to the RTS pin.
	RTSErrors int `cbor:"7,keyasint,omitempty"`
}

// Channel is a buffered serial channel. Its foreground methods must
// not be called concurrently with each other; they mask the channel's
// interrupt while they touch shared state.
type Channel struct {
	hw  Hardware
	dma *dma.Channel
	irq irq.Controller
	vec irq.Vector
	cfg Config

	rx, tx   *ringbuf.Buffer
	overflow *ringbuf.Buffer
	// rxArmed and txArmed count the ring bytes handed to DMA and not
	// yet committed or retired.
	rxArmed, txArmed int

	// Receive backpressure: stopped is the signalled state.
	userStop, autoStop, stopped bool
	ctrl, lastCtrl              byte
	ctrlPending                 bool

	// Transmit gating by the remote.
	remoteStop    bool
	resumePending bool
	resumeAt      uint32
	connected     bool
	ctsLostAt     uint32

	onConnection func(connected bool)
	onDone       func()
	onReadable   func()

	txIdle  atomic.Bool
	drained chan struct{}
	stats   Stats
}

func (c *Config) setDefaults() error {
	if c.Baud == 0 {
		c.Baud = 115200 * physic.Hertz
	}
	if c.Parity == 0 {
		c.Parity = uart.NoParity
	}
	if c.Bits == 0 {
		c.Bits = 8
	}
	if c.HighWater == 0 {
		c.HighWater = 4
	}
	if c.RxSize == 0 {
		c.RxSize = 128
	}
	if c.TxSize == 0 {
		c.TxSize = 128
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 5000
	}
	if c.TxResumeDelay == 0 {
		c.TxResumeDelay = 3
	}
	if c.Ticks == nil {
		start := time.Now()
		c.Ticks = func() uint32 {
			return uint32(time.Since(start).Milliseconds())
		}
	}
	switch {
	case c.Bits < 5 || c.Bits > 9:
		return fmt.Errorf("serial: invalid word length %d", c.Bits)
	case c.HighWater < 0 || 2*c.HighWater > c.RxSize:
		return fmt.Errorf("serial: high water mark %d invalid for buffer size %d", c.HighWater, c.RxSize)
	case c.TxSize < 0:
		return fmt.Errorf("serial: invalid buffer size %d", c.TxSize)
	}
	switch c.Parity {
	case uart.NoParity, uart.Odd, uart.Even:
	default:
		return fmt.Errorf("serial: invalid parity %q", c.Parity)
	}
	switch c.Flow {
	case uart.NoFlow, uart.XOnXOff:
	case uart.RTSCTS:
		if c.RTS == nil || c.CTS == nil {
			return errors.New("serial: RTS/CTS flow control requires RTS and CTS pins")
		}
	default:
		return fmt.Errorf("serial: unsupported flow control %v", c.Flow)
	}
	return nil
}

// New configures the peripheral and returns a channel. The caller
// registers HandleInterrupt for the peripheral's vector and enables it
// at Priority.
func New(p Peripheral, cfg Config) (*Channel, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	div, err := Divider(p.Clock, cfg.Baud)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		hw:       p.Hardware,
		dma:      p.DMA,
		irq:      p.IRQ,
		vec:      p.Vector,
		cfg:      cfg,
		rx:       ringbuf.NewWith(p.DMA.Alloc(cfg.RxSize)),
		tx:       ringbuf.NewWith(p.DMA.Alloc(cfg.TxSize)),
		overflow: ringbuf.New(overflowSize),
		lastCtrl: XON,
		drained:  make(chan struct{}, 1),
	}
	c.txIdle.Store(true)
	defer c.mask().Restore()
	c.hw.Disable()
	c.dma.Reset()
	mode := Mode{Divider: div, Parity: cfg.Parity, Stop: cfg.Stop, Bits: cfg.Bits}
	if err := c.hw.Configure(mode); err != nil {
		return nil, fmt.Errorf("serial: configure: %w", err)
	}
	c.connected = true
	ints := Overrun
	switch cfg.Flow {
	case uart.RTSCTS:
		if err := cfg.RTS.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("serial: RTS: %w", err)
		}
		if err := cfg.CTS.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("serial: CTS: %w", err)
		}
		c.connected = cfg.CTS.Read() == gpio.Low
		if !c.connected {
			c.remoteStop = true
			c.ctsLostAt = cfg.Ticks()
		}
		ints |= CTSChange
	case uart.XOnXOff:
		ints |= RxReady
	}
	c.hw.EnableInterrupts(ints)
	c.hw.Enable()
	c.updateTx()
	if c.dmaRx() {
		c.primeRx()
	}
	return c, nil
}

// Priority returns the controller priority for the channel's vector.
func (c *Channel) Priority() uint8 {
	return irq.UARTPriorities.Value(c.cfg.Priority)
}

// WriteByte queues b for transmission.
func (c *Channel) WriteByte(b byte) error {
	defer c.mask().Restore()
	if !c.tx.Write(b) {
		return ErrFull
	}
	c.pollResume()
	c.primeTx()
	return nil
}

// Write queues as much of p as fits in the transmit buffer. It returns
// ErrFull if not all of p was queued.
func (c *Channel) Write(p []byte) (int, error) {
	c.tx.Lock()
	n := 0
	for n < len(p) && c.tx.Write(p[n]) {
		n++
	}
	c.tx.Unlock()
	defer c.mask().Restore()
	c.pollResume()
	c.primeTx()
	if n < len(p) {
		return n, ErrFull
	}
	return n, nil
}

// ReadByte returns the next received byte, or ErrEmpty.
func (c *Channel) ReadByte() (byte, error) {
	defer c.mask().Restore()
	c.commitRx()
	b, ok := c.rx.Read()
	if !ok {
		return 0, ErrEmpty
	}
	c.afterRead()
	return b, nil
}

// Read reads up to len(p) received bytes. It returns ErrEmpty if no
// bytes are available.
func (c *Channel) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	defer c.mask().Restore()
	c.commitRx()
	n := 0
	for n < len(p) {
		b, ok := c.rx.Read()
		if !ok {
			break
		}
		p[n] = b
		n++
	}
	if n == 0 {
		return 0, ErrEmpty
	}
	c.afterRead()
	return n, nil
}

// Buffered returns the number of bytes ready to be read.
func (c *Channel) Buffered() int {
	defer c.mask().Restore()
	c.commitRx()
	return c.rx.Len()
}

// Discard drops all received data.
func (c *Channel) Discard() {
	defer c.mask().Restore()
	c.commitRx()
	c.rx.Clear()
	c.overflow.Clear()
	c.afterRead()
}

// Drained reports whether every queued byte has been handed to the
// hardware.
func (c *Channel) Drained() bool {
	return c.txIdle.Load() && c.tx.IsEmpty()
}

// Flush waits until the channel is drained or ctx is done.
func (c *Channel) Flush(ctx context.Context) error {
	for !c.Drained() {
		select {
		case <-c.drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Pause tells the remote to stop sending. It is idempotent.
func (c *Channel) Pause() {
	defer c.mask().Restore()
	c.userStop = true
	c.updateStop()
}

// Resume releases a Pause. The remote stays stopped while the receive
// buffer is above its high water mark.
func (c *Channel) Resume() {
	defer c.mask().Restore()
	c.userStop = false
	c.updateStop()
	if c.dmaRx() {
		c.primeRx()
	}
}

// Stopped reports whether the remote is currently told to stop.
func (c *Channel) Stopped() bool {
	defer c.mask().Restore()
	return c.stopped
}

// IsConnected reports whether the remote is present, as judged by its
// CTS line. Channels without RTS/CTS flow control are always
// connected.
func (c *Channel) IsConnected() bool {
	defer c.mask().Restore()
	return c.connected
}

// SetConnectionCallback sets the function called with the connection
// state when it changes. It is called at once if the channel is
// connected.
func (c *Channel) SetConnectionCallback(f func(connected bool)) {
	defer c.mask().Restore()
	c.onConnection = f
	if f != nil && c.connected {
		f(true)
	}
}

// SetTransferDoneCallback sets the function called from the interrupt
// handler when the transmit buffer drains.
func (c *Channel) SetTransferDoneCallback(f func()) {
	defer c.mask().Restore()
	c.onDone = f
}

// SetReadableCallback sets the function called from the interrupt
// handler when received data is committed to the receive buffer.
func (c *Channel) SetReadableCallback(f func()) {
	defer c.mask().Restore()
	c.onReadable = f
}

// Poll resumes transmission once the resume delay has passed, retries
// a failed RTS update and reports a disconnect when CTS stays
// deasserted past the connection timeout. Call it regularly from the
// foreground.
func (c *Channel) Poll() {
	defer c.mask().Restore()
	c.pollResume()
	c.updateStop()
	if c.cfg.Flow != uart.RTSCTS || !c.connected || !c.remoteStop {
		return
	}
	if c.cfg.Ticks()-c.ctsLostAt >= c.cfg.ConnectionTimeout {
		c.connected = false
		if c.onConnection != nil {
			c.onConnection(false)
		}
	}
}

func (c *Channel) Stats() Stats {
	defer c.mask().Restore()
	return c.stats
}

// HandleInterrupt is the channel's interrupt handler.
func (c *Channel) HandleInterrupt() {
	st := c.hw.Status() & c.hw.InterruptMask()
	cause := c.dma.InterruptCause()
	if st&Overrun != 0 {
		c.stats.Overruns++
	}
	if st&CTSChange != 0 {
		c.ctsChanged()
	}
	if st&RxReady != 0 {
		c.rxReady()
	}
	if cause&(dma.RxDone|dma.RxError) != 0 && c.dmaRx() {
		received := c.stats.Received
		c.primeRx()
		if c.stats.Received != received {
			c.readable()
		}
	}
	if st&TxReady != 0 {
		c.txReady()
	}
	if cause&(dma.TxDone|dma.TxError) != 0 {
		c.primeTx()
	}
}

func (c *Channel) mask() irq.Guard {
	return irq.Mask(c.irq, c.vec)
}

// dmaRx reports whether reception runs through DMA. XON/XOFF
// reception takes an interrupt per byte to filter control bytes.
func (c *Channel) dmaRx() bool {
	return c.cfg.Flow != uart.XOnXOff
}

func (c *Channel) readable() {
	if c.onReadable != nil {
		c.onReadable()
	}
}

func (c *Channel) afterRead() {
	if c.autoStop && c.rx.Available() > c.rx.Cap()-c.cfg.HighWater {
		c.autoStop = false
		c.updateStop()
	}
	if c.dmaRx() {
		c.primeRx()
	}
}

func (c *Channel) checkHighWater() {
	if !c.autoStop && c.rx.Available() <= c.cfg.HighWater {
		c.autoStop = true
		c.updateStop()
	}
}

func (c *Channel) updateStop() {
	stop := c.userStop || c.autoStop
	if stop == c.stopped {
		return
	}
	switch c.cfg.Flow {
	case uart.RTSCTS:
		l := gpio.Low
		if stop {
			l = gpio.High
		}
		// Left unchanged on failure so the next call retries.
		if err := c.cfg.RTS.Out(l); err != nil {
			c.stats.RTSErrors++
			return
		}
	case uart.XOnXOff:
		ctrl := byte(XON)
		if stop {
			ctrl = XOFF
		}
		c.queueControl(ctrl)
	}
	c.stopped = stop
	if stop {
		c.stats.Stops++
	}
}

// queueControl sends ctrl ahead of any queued data.
func (c *Channel) queueControl(ctrl byte) {
	if c.ctrlPending {
		if ctrl == c.lastCtrl {
			// The opposite byte was never sent.
			c.ctrlPending = false
			c.hw.DisableInterrupts(TxReady)
			c.updateTx()
			return
		}
		c.ctrl = ctrl
		return
	}
	if ctrl == c.lastCtrl {
		return
	}
	c.ctrl = ctrl
	c.ctrlPending = true
	c.updateTx()
	c.hw.EnableInterrupts(TxReady)
}

func (c *Channel) txReady() {
	if c.ctrlPending {
		if !c.hw.WriteByte(c.ctrl) {
			return
		}
		c.lastCtrl = c.ctrl
		c.ctrlPending = false
	}
	c.hw.DisableInterrupts(TxReady)
	c.updateTx()
}

func (c *Channel) rxReady() {
	readable := false
	for {
		b, ok := c.hw.ReadByte()
		if !ok {
			break
		}
		if c.dmaRx() {
			if !c.overflow.Write(b) {
				c.stats.Dropped++
			}
			continue
		}
		switch b {
		case XON:
			c.remoteResume()
			continue
		case XOFF:
			c.remoteHalt()
			continue
		}
		if !c.rx.Write(b) {
			c.stats.Dropped++
			continue
		}
		c.stats.Received++
		readable = true
		c.checkHighWater()
	}
	if c.dmaRx() {
		c.primeRx()
	}
	if readable {
		c.readable()
	}
}

func (c *Channel) ctsChanged() {
	if c.cfg.CTS.Read() == gpio.High {
		if !c.remoteStop {
			c.stats.CTSLost++
			c.ctsLostAt = c.cfg.Ticks()
		}
		c.remoteHalt()
		return
	}
	if c.remoteStop {
		c.remoteResume()
	}
	if !c.connected {
		c.connected = true
		if c.onConnection != nil {
			c.onConnection(true)
		}
	}
}

func (c *Channel) remoteHalt() {
	c.remoteStop = true
	c.resumePending = false
	c.updateTx()
}

func (c *Channel) remoteResume() {
	c.remoteStop = false
	c.resumePending = true
	c.resumeAt = c.cfg.Ticks() + c.cfg.TxResumeDelay
}

func (c *Channel) pollResume() {
	if c.resumePending && int32(c.cfg.Ticks()-c.resumeAt) >= 0 {
		c.resumePending = false
		c.updateTx()
		c.primeTx()
	}
}

func (c *Channel) updateTx() {
	if c.ctrlPending || c.remoteStop || c.resumePending {
		c.dma.Disable(dma.TX)
	} else {
		c.dma.Enable(dma.TX)
	}
}

// commitRx publishes the bytes received by DMA.
func (c *Channel) commitRx() {
	if c.rxArmed == 0 {
		return
	}
	landed := c.rxArmed - int(c.dma.BytesRemaining(dma.RX, true))
	if landed <= 0 {
		return
	}
	c.rx.Lock()
	c.rx.Commit(landed)
	c.rx.Unlock()
	c.rxArmed -= landed
	c.stats.Received += landed
}

// primeRx keeps the free region of the receive buffer armed, leaving
// the high water margin unarmed so that a drained transfer signals the
// margin being reached.
func (c *Channel) primeRx() {
	c.commitRx()
	if c.rxArmed == 0 {
		c.drainOverflow()
	}
	c.checkHighWater()
	free := c.rx.Available() - c.cfg.HighWater - c.rxArmed
	if c.stopped && c.rxArmed == 0 {
		// Catch what the remote sends before it reacts.
		free = c.rx.Available()
	}
	if free > 0 {
		c.rxArmed += c.arm(dma.RX, c.rx.Storage(), c.rx.WriteOffset(), c.rxArmed, free)
	}
	if c.rxArmed == 0 {
		c.hw.EnableInterrupts(RxReady)
	} else {
		c.hw.DisableInterrupts(RxReady)
	}
	c.updateDone()
}

func (c *Channel) drainOverflow() {
	for {
		b, ok := c.overflow.Peek()
		if !ok || !c.rx.Write(b) {
			return
		}
		c.overflow.Pop()
		c.stats.Received++
	}
}

// primeTx retires transmitted bytes and arms the rest of the transmit
// buffer.
func (c *Channel) primeTx() {
	if c.txArmed > 0 {
		sent := c.txArmed - int(c.dma.BytesRemaining(dma.TX, true))
		if sent > 0 {
			c.tx.Consume(sent)
			c.txArmed -= sent
			c.stats.Transmitted += sent
		}
	}
	if !c.tx.Locked() {
		if n := c.tx.Len() - c.txArmed; n > 0 {
			c.txArmed += c.arm(dma.TX, c.tx.Storage(), c.tx.ReadOffset(), c.txArmed, n)
		}
	}
	c.updateDone()
	if c.txArmed > 0 || !c.tx.IsEmpty() {
		c.txIdle.Store(false)
		return
	}
	if !c.txIdle.Swap(true) {
		select {
		case c.drained <- struct{}{}:
		default:
		}
		if c.onDone != nil {
			c.onDone()
		}
	}
}

// arm hands up to n bytes of ring storage following the armed region
// to the DMA channel, extending the running transfer where it ends at
// the armed region's end. It returns the number of bytes armed.
func (c *Channel) arm(d dma.Direction, storage []byte, origin, armed, n int) int {
	size := len(storage)
	total := 0
	for n > 0 {
		start := (origin + armed + total) % size
		seg := min(n, size-start)
		base := origin
		if base > start {
			base = 0
		}
		if !c.dma.ExtendIfOverlapping(d, storage[base:start+seg]) &&
			!c.dma.StartTransfer(d, storage[start:start+seg]) {
			break
		}
		total += seg
		n -= seg
	}
	return total
}

func (c *Channel) updateDone() {
	c.dma.SetInterrupts(c.rxArmed > 0, c.txArmed > 0)
}
