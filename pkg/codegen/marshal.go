package codegen

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/cygnetlabs/cygnet/internal/types"
	"github.com/cygnetlabs/cygnet/pkg/bpf"
	"github.com/cygnetlabs/cygnet/pkg/chain"
)

// Programs persist as a little-endian frame: identity, set contents,
// rule boundaries, the function table, the image, the fixup ledger, and
// a trailing content digest. Unmarshalling the frame and marshalling
// the result reproduces it byte for byte.
const (
	marshalMagic   = "CGNP"
	marshalVersion = 1
	digestSize     = 32

	// marshalResolved flags an image whose fixups were already patched.
	marshalResolved = 0x01
)

type enc struct {
	b []byte
}

func (e *enc) u8(v uint8)       { e.b = append(e.b, v) }
func (e *enc) u16(v uint16)     { e.b = binary.LittleEndian.AppendUint16(e.b, v) }
func (e *enc) u32(v uint32)     { e.b = binary.LittleEndian.AppendUint32(e.b, v) }
func (e *enc) raw(b []byte)     { e.b = append(e.b, b...) }
func (e *enc) str(s string) {
	e.u16(uint16(len(s)))
	e.b = append(e.b, s...)
}

// dec reads the frame back, turning any short read into a sticky
// ErrInvalidFormat.
type dec struct {
	b   []byte
	off int
	err error
}

func (d *dec) fail(what string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: truncated %s at byte %d", ErrInvalidFormat, what, d.off)
	}
}

func (d *dec) take(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.b)-d.off < n {
		d.fail(what)
		return nil
	}
	b := d.b[d.off : d.off+n]
	d.off += n
	return b
}

func (d *dec) u8(what string) uint8 {
	b := d.take(1, what)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *dec) u16(what string) uint16 {
	b := d.take(2, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *dec) u32(what string) uint32 {
	b := d.take(4, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *dec) str(what string) string {
	n := d.u16(what)
	return string(d.take(int(n), what))
}

func (d *dec) remaining() int { return len(d.b) - d.off }

// Marshal serializes the program. It requires a fully generated image;
// runtime resources are never part of the frame.
func (p *Program) Marshal() ([]byte, error) {
	if !p.haveEpilogue {
		return nil, fmt.Errorf("%w: marshal of a program in state %v", ErrInvalidState, p.state)
	}

	var e enc
	e.raw([]byte(marshalMagic))
	e.u16(marshalVersion)
	e.u8(uint8(p.hook))
	e.u8(uint8(p.front))
	e.u8(uint8(p.policy))
	var flags uint8
	if p.resolved {
		flags |= marshalResolved
	}
	e.u8(flags)
	e.str(p.name)
	e.str(p.opts.PinRoot)
	e.u32(uint32(p.opts.Ifindex))
	e.u32(p.numCounters)

	e.u16(uint16(len(p.sets)))
	for _, s := range p.sets {
		e.u32(s.KeySize)
		e.u32(uint32(len(s.Elems)))
		for _, el := range s.Elems {
			e.raw(el)
		}
	}

	e.u32(uint32(len(p.ruleStarts)))
	for _, rs := range p.ruleStarts {
		e.u32(rs)
	}
	e.u32(p.epilogue)

	e.u16(uint16(len(p.funcs)))
	for id := funcID(0); id < funcCount; id++ {
		if w, ok := p.funcs[id]; ok {
			e.u8(uint8(id))
			e.u32(uint32(w))
		}
	}

	img := p.img.bytes()
	e.u32(uint32(len(img)))
	e.raw(img)

	e.u32(uint32(len(p.fixups)))
	for i := range p.fixups {
		f := &p.fixups[i]
		e.u8(uint8(f.kind))
		e.u32(f.offset)
		e.u8(uint8(f.fn))
		e.u32(uint32(f.setIndex))
		e.str(f.kfunc)
	}

	sum := blake3.Sum256(e.b)
	e.raw(sum[:])
	return e.b, nil
}

// fixupRecordSize is the smallest encoded fixup, used to bound counts
// read from untrusted frames before allocating.
const fixupRecordSize = 1 + 4 + 1 + 4 + 2

// Unmarshal rebuilds a program from a frame and checks it still belongs
// to ch. Corruption anywhere in the frame fails with ErrInvalidFormat;
// a frame from a different chain definition fails with ErrChainMismatch.
func Unmarshal(data []byte, ch *chain.Chain) (*Program, error) {
	if len(data) < len(marshalMagic)+2+digestSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrInvalidFormat, len(data))
	}
	body := data[:len(data)-digestSize]
	sum := blake3.Sum256(body)
	if !bytes.Equal(sum[:], data[len(data)-digestSize:]) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrInvalidFormat)
	}

	d := &dec{b: body}
	if !bytes.Equal(d.take(len(marshalMagic), "magic"), []byte(marshalMagic)) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidFormat)
	}
	if v := d.u16("version"); d.err == nil && v != marshalVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidFormat, v)
	}

	hook := types.Hook(d.u8("hook"))
	front := types.Front(d.u8("front"))
	policy := types.Verdict(d.u8("policy"))
	flags := d.u8("flags")
	name := d.str("name")
	pinRoot := d.str("pin root")
	ifindex := d.u32("ifindex")
	numCounters := d.u32("counter count")

	nSets := int(d.u16("set count"))
	sets := make([]SetSpec, 0, nSets)
	for i := 0; i < nSets && d.err == nil; i++ {
		keySize := d.u32("set key size")
		nElems := int(d.u32("set element count"))
		if keySize == 0 || keySize > 64 || nElems > d.remaining() {
			return nil, fmt.Errorf("%w: set %d shape", ErrInvalidFormat, i)
		}
		elems := make([][]byte, 0, nElems)
		for j := 0; j < nElems && d.err == nil; j++ {
			elems = append(elems, bytes.Clone(d.take(int(keySize), "set element")))
		}
		sets = append(sets, SetSpec{KeySize: keySize, Elems: elems})
	}

	nRules := int(d.u32("rule count"))
	if nRules > d.remaining() {
		return nil, fmt.Errorf("%w: %d rules", ErrInvalidFormat, nRules)
	}
	ruleStarts := make([]uint32, 0, nRules)
	for i := 0; i < nRules && d.err == nil; i++ {
		ruleStarts = append(ruleStarts, d.u32("rule start"))
	}
	epilogue := d.u32("epilogue")

	nFuncs := int(d.u16("function count"))
	funcs := make(map[funcID]int, nFuncs)
	for i := 0; i < nFuncs && d.err == nil; i++ {
		id := funcID(d.u8("function id"))
		w := d.u32("function location")
		if id >= funcCount {
			return nil, fmt.Errorf("%w: function id %d", ErrInvalidFormat, id)
		}
		funcs[id] = int(w)
	}

	imgLen := int(d.u32("image length"))
	if imgLen%bpf.InsnSize != 0 {
		return nil, fmt.Errorf("%w: image of %d bytes", ErrInvalidFormat, imgLen)
	}
	imgBytes := d.take(imgLen, "image")

	nFixups := int(d.u32("fixup count"))
	if nFixups*fixupRecordSize > d.remaining() {
		return nil, fmt.Errorf("%w: %d fixups", ErrInvalidFormat, nFixups)
	}
	fixups := make([]fixup, 0, nFixups)
	for i := 0; i < nFixups && d.err == nil; i++ {
		f := fixup{
			kind:     fixupKind(d.u8("fixup kind")),
			offset:   d.u32("fixup offset"),
			fn:       funcID(d.u8("fixup function")),
			setIndex: int(d.u32("fixup set index")),
		}
		f.kfunc = d.str("fixup kfunc")
		if _, ok := fixupKindNames[f.kind]; !ok {
			return nil, fmt.Errorf("%w: fixup kind %d", ErrInvalidFormat, f.kind)
		}
		fixups = append(fixups, f)
	}

	if d.err != nil {
		return nil, d.err
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidFormat, d.remaining())
	}
	if !hook.Valid() || !front.Valid() || !policy.Terminal() {
		return nil, fmt.Errorf("%w: identity fields", ErrInvalidFormat)
	}
	if numCounters != uint32(nRules)+2 {
		return nil, fmt.Errorf("%w: %d counters for %d rules", ErrInvalidFormat, numCounters, nRules)
	}
	fl, err := flavorFor(hook)
	if err != nil {
		return nil, fmt.Errorf("%w: hook %v", ErrInvalidFormat, hook)
	}
	names, err := deriveNames(name, nSets)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	pins, err := derivePins(names, pinRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	p := &Program{
		hook:        hook,
		front:       front,
		name:        name,
		opts:        Options{Ifindex: int(ifindex), PinRoot: pinRoot},
		flavor:      fl,
		numCounters: numCounters,
		numRules:    nRules,
		policy:      policy,
		sets:        sets,
		names:       names,
		pins:        pins,
		fixups:      fixups,
		funcs:       funcs,
		ruleStarts:  ruleStarts,
		epilogue:    epilogue,
		haveEpilogue: true,
		resolved:    flags&marshalResolved != 0,
	}
	p.img.words = make([]bpf.Instruction, imgLen/bpf.InsnSize)
	for i := range p.img.words {
		p.img.words[i] = bpf.FromBytes(imgBytes[i*bpf.InsnSize:])
	}
	if p.resolved {
		p.state = StateFinalized
	} else {
		p.state = StateGenerating
	}

	if err := p.matchChain(ch); err != nil {
		return nil, err
	}
	return p, nil
}

// matchChain verifies the frame belongs to ch: same identity, same rule
// shape, same set contents. A stale frame against an edited chain file
// is reported, never silently reused.
func (p *Program) matchChain(ch *chain.Chain) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	if ch.Name != p.name {
		return fmt.Errorf("%w: frame for chain %q, have %q", ErrChainMismatch, p.name, ch.Name)
	}
	if ch.Hook != p.hook {
		return fmt.Errorf("%w: frame for hook %v, have %v", ErrChainMismatch, p.hook, ch.Hook)
	}
	if len(ch.Rules) != p.numRules {
		return fmt.Errorf("%w: frame has %d rules, chain has %d", ErrChainMismatch, p.numRules, len(ch.Rules))
	}
	if ch.Policy != p.policy {
		return fmt.Errorf("%w: frame policy %v, chain policy %v", ErrChainMismatch, p.policy, ch.Policy)
	}
	if len(ch.Sets) != len(p.sets) {
		return fmt.Errorf("%w: frame has %d sets, chain has %d", ErrChainMismatch, len(p.sets), len(ch.Sets))
	}
	for i := range ch.Sets {
		elems, err := ch.Sets[i].ElemBytes()
		if err != nil {
			return err
		}
		if uint32(ch.Sets[i].Key.Size()) != p.sets[i].KeySize || len(elems) != len(p.sets[i].Elems) {
			return fmt.Errorf("%w: set %d shape changed", ErrChainMismatch, i)
		}
		for j := range elems {
			if !bytes.Equal(elems[j], p.sets[i].Elems[j]) {
				return fmt.Errorf("%w: set %d contents changed", ErrChainMismatch, i)
			}
		}
	}
	return nil
}
