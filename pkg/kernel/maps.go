package kernel

import (
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/cygnetlabs/cygnet/pkg/codegen"
)

// counterValueSize is the byte size of one counter slot: two 64-bit
// values, packets then bytes.
const counterValueSize = 16

// progMaps is the set of maps created for one program load. It
// implements codegen.Resolver so fixup resolution can bake the final
// descriptors into the image.
type progMaps struct {
	k        *Kernel
	counters *ebpf.Map
	sets     []*ebpf.Map
	printer  *ebpf.Map
}

func (k *Kernel) createMaps(p *codegen.Program, pr *Printer) (*progMaps, error) {
	pm := &progMaps{k: k}
	ok := false
	defer func() {
		if !ok {
			pm.close()
		}
	}()

	var err error
	pm.counters, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       p.CountersMapName(),
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  counterValueSize,
		MaxEntries: p.NumCounters(),
	})
	if err != nil {
		return nil, fmt.Errorf("create counters map %s: %w", p.CountersMapName(), err)
	}

	for i, set := range p.Sets() {
		m, err := createSetMap(p.SetMapName(i), set)
		if err != nil {
			return nil, err
		}
		pm.sets = append(pm.sets, m)
	}

	pm.printer, err = createPrinterMap(p.PrinterMapName(), pr)
	if err != nil {
		return nil, err
	}

	ok = true
	return pm, nil
}

func createSetMap(name string, set codegen.SetSpec) (*ebpf.Map, error) {
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       name,
		Type:       ebpf.Hash,
		KeySize:    set.KeySize,
		ValueSize:  1,
		MaxEntries: uint32(len(set.Elems)),
	})
	if err != nil {
		return nil, fmt.Errorf("create set map %s: %w", name, err)
	}
	for _, el := range set.Elems {
		if err := m.Put(el, uint8(1)); err != nil {
			m.Close()
			return nil, fmt.Errorf("populate set map %s: %w", name, err)
		}
	}
	return m, nil
}

func createPrinterMap(name string, pr *Printer) (*ebpf.Map, error) {
	msgs := pr.Messages()
	entries := uint32(len(msgs))
	if entries == 0 {
		entries = 1
	}
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       name,
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  PrinterMsgLen,
		MaxEntries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("create printer map %s: %w", name, err)
	}
	for id, msg := range msgs {
		var slot [PrinterMsgLen]byte
		copy(slot[:], msg)
		if err := m.Put(uint32(id), slot); err != nil {
			m.Close()
			return nil, fmt.Errorf("populate printer map %s: %w", name, err)
		}
	}
	return m, nil
}

// KfuncID implements codegen.Resolver.
func (pm *progMaps) KfuncID(name string) (int32, error) {
	return pm.k.KfuncID(name)
}

// CountersMapFD implements codegen.Resolver.
func (pm *progMaps) CountersMapFD() (int, error) {
	return pm.counters.FD(), nil
}

// SetMapFD implements codegen.Resolver.
func (pm *progMaps) SetMapFD(i int) (int, error) {
	if i < 0 || i >= len(pm.sets) {
		return 0, fmt.Errorf("%w: set map %d of %d", codegen.ErrMissingResource, i, len(pm.sets))
	}
	return pm.sets[i].FD(), nil
}

// close releases every map handle. Safe on a partially built bundle.
func (pm *progMaps) close() {
	if pm.counters != nil {
		pm.counters.Close()
	}
	for _, m := range pm.sets {
		m.Close()
	}
	if pm.printer != nil {
		pm.printer.Close()
	}
}
