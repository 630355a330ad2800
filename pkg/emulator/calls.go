package emulator

import (
	"fmt"

	"github.com/cygnetlabs/cygnet/pkg/bpf"
)

// The emulated dynptr is a magic tag and the packet length, written
// into the 16-byte slot generated programs reserve for it.
const dynptrMagic = 0x646e7074

const einval = 22

// helperCall dispatches a kernel helper by ID. Generated programs only
// use map lookups; everything else is unknown.
func (m *Machine) helperCall(id int32, r *[11]uint64) error {
	switch id {
	case bpf.HelperMapLookupElem:
		t, ok := m.reg.mapByFD(int(r[1]))
		if !ok {
			return fmt.Errorf("%w: fd %d", ErrNoMap, int(r[1]))
		}
		key, err := m.translate(r[2], uint64(t.keySize), false)
		if err != nil {
			return err
		}
		addr, ok := t.lookup(key)
		if !ok {
			r[0] = 0
			return nil
		}
		r[0] = addr
		return nil
	}
	return fmt.Errorf("%w: helper %d", ErrUnknownFunc, id)
}

// kfuncCall dispatches a kernel function by the BTF ID the registry
// assigned it.
func (m *Machine) kfuncCall(id int32, r *[11]uint64) error {
	switch m.reg.kfuncNames[id] {
	case kfuncDynptrFromXDP, kfuncDynptrFromSkb:
		return m.dynptrInit(r)
	case kfuncDynptrSlice:
		return m.dynptrSlice(r)
	case kfuncDynptrSize:
		return m.dynptrSize(r)
	}
	return fmt.Errorf("%w: kfunc id %d", ErrUnknownFunc, id)
}

// dynptrInit implements bpf_dynptr_from_xdp and bpf_dynptr_from_skb.
// The packet argument in R1 is ignored; the machine binds the dynptr
// to the packet of the current run.
func (m *Machine) dynptrInit(r *[11]uint64) error {
	if m.FailDynptrInit || r[2] != 0 {
		r[0] = uint64(int64(-einval))
		return nil
	}
	if err := m.write32(r[3], dynptrMagic); err != nil {
		return err
	}
	if err := m.write32(r[3]+4, uint32(len(m.pkt))); err != nil {
		return err
	}
	r[0] = 0
	return nil
}

// dynptrSlice implements bpf_dynptr_slice: R1 dynptr, R2 packet
// offset, R3 buffer, R4 size. Returns a pointer to the requested bytes
// in R0, or null when the packet is too short.
func (m *Machine) dynptrSlice(r *[11]uint64) error {
	n, ok, err := m.dynptrLen(r[1])
	if err != nil {
		return err
	}
	pktOff, size := uint32(r[2]), uint32(r[4])
	if !ok || size == 0 || uint64(pktOff)+uint64(size) > uint64(n) {
		r[0] = 0
		return nil
	}
	if !m.ForceCopy {
		r[0] = vaddrPacket + uint64(pktOff)
		return nil
	}
	buf, err := m.translate(r[3], uint64(size), true)
	if err != nil {
		return err
	}
	copy(buf, m.pkt[pktOff:])
	r[0] = r[3]
	return nil
}

// dynptrSize implements bpf_dynptr_size.
func (m *Machine) dynptrSize(r *[11]uint64) error {
	n, ok, err := m.dynptrLen(r[1])
	if err != nil {
		return err
	}
	if !ok {
		r[0] = uint64(int64(-einval))
		return nil
	}
	r[0] = uint64(n)
	return nil
}

// dynptrLen reads back an emulated dynptr. ok is false when the slot
// does not hold one.
func (m *Machine) dynptrLen(addr uint64) (uint32, bool, error) {
	magic, err := m.read32(addr)
	if err != nil {
		return 0, false, err
	}
	if magic != dynptrMagic {
		return 0, false, nil
	}
	n, err := m.read32(addr + 4)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}
