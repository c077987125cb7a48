// Package sim simulates the parts of a microcontroller the drivers
// touch: DMA-reachable memory, the interrupt controller, the PDC and
// XDMAC controllers, USARTs and TWI masters. Time advances in byte
// periods through Step. A simulation must only be used from one
// goroutine.
package sim

import (
	"fmt"
	"unsafe"

	"dmaio.dev/irq"
)

// Reg is a simulated 32-bit register. The hooks, if set, replace the
// plain load and store.
type Reg struct {
	v     uint32
	OnGet func() uint32
	OnSet func(v uint32)
}

func (r *Reg) Get() uint32 {
	if r.OnGet != nil {
		return r.OnGet()
	}
	return r.v
}

func (r *Reg) Set(v uint32) {
	if r.OnSet != nil {
		r.OnSet(v)
		return
	}
	r.v = v
}

// DefaultBase is the bus address of the first byte of a Memory.
const DefaultBase = 0x2000_0000

// Memory is a DMA-reachable memory arena.
type Memory struct {
	base uint32
	data []byte
	used int
}

func NewMemory(size int) *Memory {
	return &Memory{base: DefaultBase, data: make([]byte, size)}
}

// Alloc returns n bytes aligned to a word boundary.
func (m *Memory) Alloc(n int) []byte {
	off := (m.used + 3) &^ 3
	if n < 0 || off+n > len(m.data) {
		panic("sim: out of DMA memory")
	}
	m.used = off + n
	return m.data[off : off+n : off+n]
}

// Addr returns the bus address of b, which must be a non-empty slice
// of memory returned by Alloc.
func (m *Memory) Addr(b []byte) uint32 {
	p := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	base := uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
	if p < base || p >= base+uintptr(len(m.data)) {
		panic("sim: buffer outside DMA memory")
	}
	return m.base + uint32(p-base)
}

func (m *Memory) Load(addr uint32) byte {
	return m.data[m.offset(addr)]
}

func (m *Memory) Store(addr uint32, b byte) {
	m.data[m.offset(addr)] = b
}

func (m *Memory) offset(addr uint32) int {
	if addr < m.base || int(addr-m.base) >= len(m.data) {
		panic(fmt.Sprintf("sim: bus fault at %#x", addr))
	}
	return int(addr - m.base)
}

// stormLimit bounds the handler invocations of one Step.
const stormLimit = 10000

// NVIC is a level-sensitive interrupt controller. A vector is taken
// when it is enabled and either pended by software or its connected
// line is asserted. Handlers run to completion; among ready vectors
// the lowest priority value wins, then the lowest vector number.
type NVIC struct {
	Table *irq.Table
	// Dispatched counts handler invocations per vector.
	Dispatched [irq.MaxVectors]int

	enabled  [irq.MaxVectors]bool
	priority [irq.MaxVectors]uint8
	pending  [irq.MaxVectors]bool
	lines    [irq.MaxVectors]func() bool
}

func NewNVIC(t *irq.Table) *NVIC {
	return &NVIC{Table: t}
}

// Connect attaches a level interrupt line to v.
func (n *NVIC) Connect(v irq.Vector, line func() bool) {
	n.lines[v] = line
}

func (n *NVIC) Enable(v irq.Vector, priority uint8) {
	n.enabled[v] = true
	n.priority[v] = priority
}

func (n *NVIC) Disable(v irq.Vector) {
	n.enabled[v] = false
}

func (n *NVIC) Enabled(v irq.Vector) (uint8, bool) {
	return n.priority[v], n.enabled[v]
}

func (n *NVIC) Pend(v irq.Vector) {
	n.pending[v] = true
}

// Step runs handlers until no vector is ready and returns the number
// of handlers run. It panics if a handler fails to clear its
// interrupt condition.
func (n *NVIC) Step() int {
	count := 0
	for {
		v, ok := n.next()
		if !ok {
			return count
		}
		n.pending[v] = false
		if !n.Table.Dispatch(v) {
			panic(fmt.Sprintf("sim: no handler for vector %d", v))
		}
		n.Dispatched[v]++
		count++
		if count > stormLimit {
			panic(fmt.Sprintf("sim: interrupt storm on vector %d", v))
		}
	}
}

func (n *NVIC) next() (irq.Vector, bool) {
	best := irq.Vector(-1)
	for i := range n.enabled {
		if !n.enabled[i] {
			continue
		}
		if !n.pending[i] && (n.lines[i] == nil || !n.lines[i]()) {
			continue
		}
		if best == -1 || n.priority[i] < n.priority[best] {
			best = irq.Vector(i)
		}
	}
	return best, best != -1
}
