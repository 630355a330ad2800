package codegen

import (
	"fmt"
	"math"

	"github.com/cygnetlabs/cygnet/pkg/bpf"
)

// fixupKind identifies what a deferred patch resolves to.
type fixupKind uint8

const (
	// fixupCall patches the imm of a call instruction with the relative
	// displacement to a generated function once its location is known.
	fixupCall fixupKind = iota

	// fixupKfuncCall patches the imm of a kfunc call with the BTF type ID
	// of the kernel function.
	fixupKfuncCall

	// fixupJmpNextRule patches the off of a conditional jump with the
	// displacement to the following rule, or to the policy epilogue for
	// the last rule.
	fixupJmpNextRule

	// fixupCountersMapFD patches a wide load with the file descriptor of
	// the counters map. The fixup owns both instruction words.
	fixupCountersMapFD

	// fixupSetMapFD patches a wide load with the file descriptor of the
	// set map at setIndex. The fixup owns both instruction words.
	fixupSetMapFD
)

var fixupKindNames = map[fixupKind]string{
	fixupCall:          "call",
	fixupKfuncCall:     "kfunc_call",
	fixupJmpNextRule:   "jmp_next_rule",
	fixupCountersMapFD: "counters_map_fd",
	fixupSetMapFD:      "set_map_fd",
}

func (k fixupKind) String() string {
	if n, ok := fixupKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("fixup(%d)", k)
}

// funcID identifies a generated function shared by the rule bodies.
type funcID uint8

const (
	// funcUpdateCounters bumps the packet and byte counters for a slot.
	funcUpdateCounters funcID = iota

	funcCount
)

// fixup is one entry of the deferred patch ledger. offset is the byte
// offset of the owned instruction within the image at recording time,
// always a multiple of the instruction size. Exactly one of the target
// fields is meaningful, selected by kind.
type fixup struct {
	kind     fixupKind
	offset   uint32
	fn       funcID // fixupCall
	kfunc    string // fixupKfuncCall
	setIndex int    // fixupSetMapFD
}

// Resolver supplies the values fixups resolve against: kernel BTF type
// IDs for kfuncs and file descriptors for the maps a program references.
// The kernel implements it for real loads, the emulator for tests.
type Resolver interface {
	// KfuncID returns the BTF type ID of a kernel function by name.
	KfuncID(name string) (int32, error)

	// CountersMapFD returns the file descriptor of the per-program
	// counters map.
	CountersMapFD() (int, error)

	// SetMapFD returns the file descriptor of the set map at the given
	// chain set index.
	SetMapFD(index int) (int, error)
}

// word returns the index of the instruction the fixup owns.
func (f *fixup) word(p *Program) (int, error) {
	if f.offset%bpf.InsnSize != 0 || f.offset >= p.img.currentOffset() {
		return 0, fmt.Errorf("%w: fixup %s at byte %d outside image", ErrInvalidFormat, f.kind, f.offset)
	}
	return int(f.offset / bpf.InsnSize), nil
}

// resolve patches the owned instruction(s) in place. Map FD fixups own
// two words and patch only the first; the second word of a wide load
// carries the upper half of the immediate, which stays zero for FDs.
func (f *fixup) resolve(p *Program, r Resolver) error {
	w, err := f.word(p)
	if err != nil {
		return err
	}
	ins := p.img.words[w]

	switch f.kind {
	case fixupCall:
		target, ok := p.funcs[f.fn]
		if !ok {
			return fmt.Errorf("%w: function %d never generated", ErrUnresolvedSymbol, f.fn)
		}
		disp := int64(target) - int64(w) - 1
		if disp < math.MinInt32 || disp > math.MaxInt32 {
			return fmt.Errorf("%w: call displacement %d exceeds imm range", ErrResourceExhausted, disp)
		}
		p.img.words[w] = ins.WithImm(int32(disp))

	case fixupKfuncCall:
		id, err := r.KfuncID(f.kfunc)
		if err != nil {
			return fmt.Errorf("%w: kfunc %q: %v", ErrUnresolvedSymbol, f.kfunc, err)
		}
		p.img.words[w] = ins.WithImm(id)

	case fixupJmpNextRule:
		target, err := p.nextRuleBoundary(f.offset)
		if err != nil {
			return err
		}
		disp := int64(target) - int64(w) - 1
		if disp < math.MinInt16 || disp > math.MaxInt16 {
			return fmt.Errorf("%w: jump displacement %d exceeds off range", ErrResourceExhausted, disp)
		}
		p.img.words[w] = ins.WithOff(int16(disp))

	case fixupCountersMapFD:
		fd, err := r.CountersMapFD()
		if err != nil {
			return fmt.Errorf("%w: counters map: %v", ErrMissingResource, err)
		}
		return f.patchMapFD(p, w, fd)

	case fixupSetMapFD:
		fd, err := r.SetMapFD(f.setIndex)
		if err != nil {
			return fmt.Errorf("%w: set map %d: %v", ErrMissingResource, f.setIndex, err)
		}
		return f.patchMapFD(p, w, fd)

	default:
		return fmt.Errorf("%w: unknown fixup kind %d", ErrInvalidFormat, f.kind)
	}
	return nil
}

func (f *fixup) patchMapFD(p *Program, w, fd int) error {
	if fd < 0 {
		return fmt.Errorf("%w: %s resolved to invalid fd %d", ErrMissingResource, f.kind, fd)
	}
	if w+1 >= p.img.wordCount() {
		return fmt.Errorf("%w: %s wide load truncated at word %d", ErrInvalidFormat, f.kind, w)
	}
	ins := p.img.words[w]
	if ins.Op() != bpf.OpLddw || ins.Src() != bpf.PseudoMapFD {
		return fmt.Errorf("%w: %s does not own a map load at word %d", ErrInvalidFormat, f.kind, w)
	}
	p.img.words[w] = ins.WithImm(int32(fd))
	p.img.words[w+1] = p.img.words[w+1].WithImm(0)
	return nil
}

// resolveFixups walks the ledger in recording order and patches every
// entry. It runs at most once per program; entries stay recorded after
// resolution so a finalized program still describes where its external
// references live.
func (p *Program) resolveFixups(r Resolver) error {
	if p.resolved {
		return fmt.Errorf("%w: fixups already resolved", ErrAlreadyResolved)
	}
	for i := range p.fixups {
		if err := p.fixups[i].resolve(p, r); err != nil {
			return err
		}
	}
	p.resolved = true
	return nil
}
