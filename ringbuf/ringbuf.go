// Package ringbuf implements a fixed capacity circular byte buffer
// shared between a single producer and a single consumer, either of
// which may run in interrupt context.
package ringbuf

import (
	"sync/atomic"
)

// Buffer is a circular byte buffer. The write cursor is owned by the
// producer and the read cursor by the consumer. Only the free count
// and the write lock are shared between the two sides.
type Buffer struct {
	data []byte
	r, w int
	// avail is the number of free slots.
	avail  atomic.Int32
	locked atomic.Bool
}

// New allocates a buffer of capacity n.
func New(n int) *Buffer {
	return NewWith(make([]byte, n))
}

// NewWith creates a buffer using storage as its backing array. The
// storage must not be used by anything but the buffer and the
// transfers it hands out through Storage.
func NewWith(storage []byte) *Buffer {
	if len(storage) == 0 {
		panic("ringbuf: zero capacity")
	}
	b := &Buffer{data: storage}
	b.avail.Store(int32(len(storage)))
	return b
}

func (b *Buffer) Cap() int {
	return len(b.data)
}

// Available returns the number of free slots.
func (b *Buffer) Available() int {
	return int(b.avail.Load())
}

// Len returns the number of bytes written and not yet read.
func (b *Buffer) Len() int {
	return len(b.data) - b.Available()
}

func (b *Buffer) IsEmpty() bool {
	return b.Available() == len(b.data)
}

func (b *Buffer) IsFull() bool {
	return b.Available() == 0
}

// Write appends c and reports whether there was room for it.
func (b *Buffer) Write(c byte) bool {
	if b.Available() == 0 {
		return false
	}
	b.data[b.w] = c
	b.w = b.advance(b.w, 1)
	b.avail.Add(-1)
	return true
}

// Read removes and returns the oldest byte. It fails if the buffer is
// empty or write locked.
func (b *Buffer) Read() (byte, bool) {
	c, ok := b.Peek()
	if ok {
		b.r = b.advance(b.r, 1)
		b.avail.Add(1)
	}
	return c, ok
}

// Peek is like Read but leaves the byte in the buffer.
func (b *Buffer) Peek() (byte, bool) {
	if b.locked.Load() || b.Len() == 0 {
		return 0, false
	}
	return b.data[b.r], true
}

// Pop discards the oldest byte.
func (b *Buffer) Pop() bool {
	_, ok := b.Read()
	return ok
}

// Lock marks the buffer as being written to outside of Write. Readers
// see an empty buffer until Unlock.
func (b *Buffer) Lock() {
	b.locked.Store(true)
}

func (b *Buffer) Unlock() {
	b.locked.Store(false)
}

func (b *Buffer) Locked() bool {
	return b.locked.Load()
}

// Clear discards all unread bytes. It must be called by the consumer.
func (b *Buffer) Clear() {
	b.Consume(b.Len())
}

// Storage returns the backing array for direct transfers into or out
// of the buffer. Bytes written into the free region are published with
// Commit, bytes read from the occupied region are retired with
// Consume.
func (b *Buffer) Storage() []byte {
	return b.data
}

// WriteOffset returns the index of the next slot to be written.
func (b *Buffer) WriteOffset() int {
	return b.w
}

// ReadOffset returns the index of the oldest unread byte.
func (b *Buffer) ReadOffset() int {
	return b.r
}

// Commit publishes n bytes already placed in storage at the write
// offset.
func (b *Buffer) Commit(n int) {
	if n < 0 || n > b.Available() {
		panic("ringbuf: commit overflows buffer")
	}
	b.w = b.advance(b.w, n)
	b.avail.Add(-int32(n))
}

// Consume retires n bytes at the read offset.
func (b *Buffer) Consume(n int) {
	if n < 0 || n > b.Len() {
		panic("ringbuf: consume underflows buffer")
	}
	b.r = b.advance(b.r, n)
	b.avail.Add(int32(n))
}

func (b *Buffer) advance(idx, n int) int {
	return (idx + n) % len(b.data)
}
