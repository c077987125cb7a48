package twi

import (
	"fmt"
)

// Address is a device address on the bus.
type Address struct {
	Addr   uint16
	TenBit bool
}

func (a Address) String() string {
	if a.TenBit {
		return fmt.Sprintf("%#03x/10", a.Addr)
	}
	return fmt.Sprintf("%#02x", a.Addr)
}

// InternalAddress is the register address sent ahead of the data,
// most significant byte first.
type InternalAddress struct {
	Addr uint32
	// Size is the number of address bytes, at most 3.
	Size int
}

// tenBitPrefix marks the first address byte of a 10-bit address.
const tenBitPrefix = 0b1111000

// encode returns the device address and internal address as loaded
// into the master. A 10-bit address sends its low byte as the first
// internal address byte.
func encode(a Address, ia InternalAddress) (dadr uint8, iadr uint32, size int, err error) {
	if ia.Size < 0 || ia.Size > 3 {
		return 0, 0, 0, fmt.Errorf("twi: invalid internal address size %d", ia.Size)
	}
	if ia.Addr>>(8*ia.Size) != 0 {
		return 0, 0, 0, fmt.Errorf("twi: internal address %#x exceeds %d bytes", ia.Addr, ia.Size)
	}
	if !a.TenBit {
		if a.Addr > 0x7f {
			return 0, 0, 0, fmt.Errorf("twi: invalid 7-bit address %#x", a.Addr)
		}
		return uint8(a.Addr), ia.Addr, ia.Size, nil
	}
	if a.Addr > 0x3ff {
		return 0, 0, 0, fmt.Errorf("twi: invalid 10-bit address %#x", a.Addr)
	}
	if ia.Size > 2 {
		return 0, 0, 0, fmt.Errorf("twi: 10-bit address leaves room for 2 internal address bytes, not %d", ia.Size)
	}
	dadr = tenBitPrefix | uint8(a.Addr>>8)&0b11
	iadr = uint32(a.Addr&0xff)<<(8*ia.Size) | ia.Addr
	return dadr, iadr, ia.Size + 1, nil
}
