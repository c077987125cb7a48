//go:build tinygo

package dma

import (
	"unsafe"
)

// SRAM allocates transfer buffers from the heap, which the DMA
// controllers address directly.
type SRAM struct{}

func (SRAM) Alloc(n int) []byte {
	return make([]byte, n)
}

func (SRAM) Addr(b []byte) uint32 {
	return uint32(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}
