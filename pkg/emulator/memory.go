package emulator

import (
	"encoding/binary"
	"fmt"
)

// Memory access methods for the machine. The stack is read-write, the
// program argument and packet are read-only, and map values delegate
// to the registry that owns them.

// translate converts a virtual address to a memory slice.
func (m *Machine) translate(addr uint64, size uint64, write bool) ([]byte, error) {
	hi := addr >> 32
	lo := addr & 0xFFFFFFFF

	if size > 0 && lo > ^uint64(0)-size {
		return nil, fmt.Errorf("%w: address overflow at %#x (size %d)", ErrInvalidMemoryAccess, addr, size)
	}
	end := lo + size

	switch hi {
	case vaddrStack >> 32:
		if end > uint64(len(m.stack)) {
			return nil, fmt.Errorf("%w: stack access at %#x (size %d)", ErrInvalidMemoryAccess, addr, size)
		}
		return m.stack[lo:end], nil

	case vaddrArg >> 32:
		if write {
			return nil, fmt.Errorf("%w: write to program argument at %#x", ErrInvalidMemoryAccess, addr)
		}
		if end > uint64(len(m.arg)) {
			return nil, fmt.Errorf("%w: argument access at %#x (size %d, max %d)", ErrInvalidMemoryAccess, addr, size, len(m.arg))
		}
		return m.arg[lo:end], nil

	case vaddrPacket >> 32:
		if write {
			return nil, fmt.Errorf("%w: write to packet at %#x", ErrInvalidMemoryAccess, addr)
		}
		if end > uint64(len(m.pkt)) {
			return nil, fmt.Errorf("%w: packet access at %#x (size %d, max %d)", ErrInvalidMemoryAccess, addr, size, len(m.pkt))
		}
		return m.pkt[lo:end], nil

	case vaddrValue >> 32:
		return m.reg.value(lo, size)

	default:
		return nil, fmt.Errorf("%w: unmapped region at %#x", ErrInvalidMemoryAccess, addr)
	}
}

// read8 reads a byte from virtual memory.
func (m *Machine) read8(addr uint64) (uint8, error) {
	mem, err := m.translate(addr, 1, false)
	if err != nil {
		return 0, err
	}
	return mem[0], nil
}

// read16 reads a 16-bit value from virtual memory (little-endian).
func (m *Machine) read16(addr uint64) (uint16, error) {
	mem, err := m.translate(addr, 2, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(mem), nil
}

// read32 reads a 32-bit value from virtual memory (little-endian).
func (m *Machine) read32(addr uint64) (uint32, error) {
	mem, err := m.translate(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// read64 reads a 64-bit value from virtual memory (little-endian).
func (m *Machine) read64(addr uint64) (uint64, error) {
	mem, err := m.translate(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

// write8 writes a byte to virtual memory.
func (m *Machine) write8(addr uint64, x uint8) error {
	mem, err := m.translate(addr, 1, true)
	if err != nil {
		return err
	}
	mem[0] = x
	return nil
}

// write16 writes a 16-bit value to virtual memory (little-endian).
func (m *Machine) write16(addr uint64, x uint16) error {
	mem, err := m.translate(addr, 2, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(mem, x)
	return nil
}

// write32 writes a 32-bit value to virtual memory (little-endian).
func (m *Machine) write32(addr uint64, x uint32) error {
	mem, err := m.translate(addr, 4, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, x)
	return nil
}

// write64 writes a 64-bit value to virtual memory (little-endian).
func (m *Machine) write64(addr uint64, x uint64) error {
	mem, err := m.translate(addr, 8, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, x)
	return nil
}
