package emulator

import (
	"encoding/binary"
	"fmt"

	"github.com/cygnetlabs/cygnet/internal/types"
	"github.com/cygnetlabs/cygnet/pkg/codegen"
)

// Kernel functions the machine provides. The registry hands out
// synthetic BTF IDs for them so finalize-time fixups resolve.
const (
	kfuncDynptrFromXDP = "bpf_dynptr_from_xdp"
	kfuncDynptrFromSkb = "bpf_dynptr_from_skb"
	kfuncDynptrSlice   = "bpf_dynptr_slice"
	kfuncDynptrSize    = "bpf_dynptr_size"
)

// kfuncIDBase keeps synthetic BTF IDs away from anything a real kernel
// would hand out.
const kfuncIDBase = 0x70000000

// counterValueSize is the byte size of one counter slot: packet count
// and byte count, both 64-bit.
const counterValueSize = 16

// valueSlotShift gives every map value a 256-byte addressing slot, so
// value pointers can be decomposed without searching.
const valueSlotShift = 8

// Registry implements codegen.Resolver and codegen.Runtime over
// emulated state. It owns the maps one program references and the BTF
// IDs its kernel function calls resolve to, and it persists across
// machine runs so counters accumulate.
type Registry struct {
	kfuncIDs   map[string]int32
	kfuncNames map[int32]string

	maps  map[int]*table
	slots [][]byte

	countersFD  int
	numCounters uint32
	setFDs      []int
	nextFD      int
}

// NewRegistry returns a registry with the kernel functions registered
// and no maps. Provision creates the maps for one program.
func NewRegistry() *Registry {
	r := &Registry{
		kfuncIDs:   make(map[string]int32),
		kfuncNames: make(map[int32]string),
		maps:       make(map[int]*table),
		countersFD: -1,
		nextFD:     3,
	}
	for i, name := range []string{
		kfuncDynptrFromXDP,
		kfuncDynptrFromSkb,
		kfuncDynptrSlice,
		kfuncDynptrSize,
	} {
		id := int32(kfuncIDBase + i + 1)
		r.kfuncIDs[name] = id
		r.kfuncNames[id] = name
	}
	return r
}

// Provision creates the maps p references: the counters array, with
// every slot allocated up front the way a kernel array map is, and one
// hash map per chain set, filled with the set elements.
func (r *Registry) Provision(p *codegen.Program) error {
	if r.countersFD >= 0 {
		return ErrProvisioned
	}
	counters := r.newTable(4, counterValueSize)
	for i := uint32(0); i < p.NumCounters(); i++ {
		var key [4]byte
		binary.LittleEndian.PutUint32(key[:], i)
		counters.insert(key[:])
	}
	r.countersFD = r.addMap(counters)
	r.numCounters = p.NumCounters()

	for _, s := range p.Sets() {
		set := r.newTable(s.KeySize, 1)
		for _, e := range s.Elems {
			set.insert(e)
		}
		r.setFDs = append(r.setFDs, r.addMap(set))
	}
	return nil
}

// KfuncID implements codegen.Resolver.
func (r *Registry) KfuncID(name string) (int32, error) {
	id, ok := r.kfuncIDs[name]
	if !ok {
		return 0, fmt.Errorf("%w: kfunc %q", ErrUnknownFunc, name)
	}
	return id, nil
}

// CountersMapFD implements codegen.Resolver.
func (r *Registry) CountersMapFD() (int, error) {
	if r.countersFD < 0 {
		return 0, fmt.Errorf("%w: counters map", ErrNotProvisioned)
	}
	return r.countersFD, nil
}

// SetMapFD implements codegen.Resolver.
func (r *Registry) SetMapFD(index int) (int, error) {
	if index < 0 || index >= len(r.setFDs) {
		return 0, fmt.Errorf("%w: set %d", ErrNotProvisioned, index)
	}
	return r.setFDs[index], nil
}

// ReadCounter implements codegen.Runtime against the emulated counters
// map.
func (r *Registry) ReadCounter(idx uint32) (types.Counter, error) {
	v, err := r.counterValue(idx)
	if err != nil {
		return types.Counter{}, err
	}
	return types.Counter{
		Packets: binary.LittleEndian.Uint64(v[0:8]),
		Bytes:   binary.LittleEndian.Uint64(v[8:16]),
	}, nil
}

// WriteCounter implements codegen.Runtime.
func (r *Registry) WriteCounter(idx uint32, c types.Counter) error {
	v, err := r.counterValue(idx)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(v[0:8], c.Packets)
	binary.LittleEndian.PutUint64(v[8:16], c.Bytes)
	return nil
}

func (r *Registry) counterValue(idx uint32) ([]byte, error) {
	if r.countersFD < 0 {
		return nil, fmt.Errorf("%w: counters map", ErrNotProvisioned)
	}
	if idx >= r.numCounters {
		return nil, fmt.Errorf("counter %d out of range, map holds %d", idx, r.numCounters)
	}
	var key [4]byte
	binary.LittleEndian.PutUint32(key[:], idx)
	slot, ok := r.maps[r.countersFD].entries[string(key[:])]
	if !ok {
		return nil, fmt.Errorf("%w: counter slot %d", ErrNoMap, idx)
	}
	return r.slots[slot], nil
}

func (r *Registry) addMap(t *table) int {
	fd := r.nextFD
	r.nextFD++
	r.maps[fd] = t
	return fd
}

func (r *Registry) mapByFD(fd int) (*table, bool) {
	t, ok := r.maps[fd]
	return t, ok
}

// value resolves the low word of a map value address to the backing
// bytes. Values stay writable; atomic counter updates go through here.
func (r *Registry) value(lo uint64, size uint64) ([]byte, error) {
	slot := lo >> valueSlotShift
	off := lo & (1<<valueSlotShift - 1)
	if slot >= uint64(len(r.slots)) {
		return nil, fmt.Errorf("%w: map value slot %d", ErrInvalidMemoryAccess, slot)
	}
	v := r.slots[slot]
	if off+size > uint64(len(v)) {
		return nil, fmt.Errorf("%w: map value access at +%d (size %d, value %d)", ErrInvalidMemoryAccess, off, size, len(v))
	}
	return v[off : off+size], nil
}

// table emulates one fixed key and value size kernel map. Values live
// in the registry's slot list so generated code can address them.
type table struct {
	keySize   uint32
	valueSize uint32
	entries   map[string]uint32
	reg       *Registry
}

func (r *Registry) newTable(keySize, valueSize uint32) *table {
	if valueSize > 1<<valueSlotShift {
		panic(fmt.Sprintf("map value size %d exceeds a slot", valueSize))
	}
	return &table{
		keySize:   keySize,
		valueSize: valueSize,
		entries:   make(map[string]uint32),
		reg:       r,
	}
}

// insert allocates a zeroed value for key. Inserting an existing key
// keeps its value.
func (t *table) insert(key []byte) {
	if _, ok := t.entries[string(key)]; ok {
		return
	}
	slot := uint32(len(t.reg.slots))
	t.reg.slots = append(t.reg.slots, make([]byte, t.valueSize))
	t.entries[string(key)] = slot
}

// lookup returns the address of the value stored under key.
func (t *table) lookup(key []byte) (uint64, bool) {
	slot, ok := t.entries[string(key)]
	if !ok {
		return 0, false
	}
	return vaddrValue | uint64(slot)<<valueSlotShift, true
}
