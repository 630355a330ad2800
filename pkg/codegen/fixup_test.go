package codegen

import (
	"errors"
	"testing"

	"github.com/cygnetlabs/cygnet/pkg/bpf"
)

func TestFixupLedgerShape(t *testing.T) {
	p := genProgram(t, testChain())

	counts := map[fixupKind]int{
		fixupKfuncCall:     6,
		fixupCountersMapFD: 1,
		fixupSetMapFD:      1,
		fixupCall:          5,
		fixupJmpNextRule:   10,
	}
	for kind, want := range counts {
		if got := p.countFixups(kind); got != want {
			t.Errorf("countFixups(%v) = %d, want %d", kind, got, want)
		}
	}

	for i := 1; i < len(p.fixups); i++ {
		if p.fixups[i].offset < p.fixups[i-1].offset {
			t.Fatalf("fixup %d at byte %d recorded before byte %d", i,
				p.fixups[i].offset, p.fixups[i-1].offset)
		}
	}
}

func TestFixupResolution(t *testing.T) {
	p := genFinalized(t, testChain())
	r := newStubResolver()
	words := p.Image()

	target, ok := p.funcs[funcUpdateCounters]
	if !ok {
		t.Fatal("update counters function never generated")
	}

	for i := range p.fixups {
		f := &p.fixups[i]
		w := int(f.offset / bpf.InsnSize)
		ins := words[w]

		switch f.kind {
		case fixupCall:
			if ins.Src() != bpf.PseudoCall {
				t.Errorf("call fixup at word %d: src = %d, want %d", w, ins.Src(), bpf.PseudoCall)
			}
			if want := int32(target - w - 1); ins.Imm() != want {
				t.Errorf("call fixup at word %d: imm = %d, want %d", w, ins.Imm(), want)
			}

		case fixupKfuncCall:
			if ins.Src() != bpf.PseudoKfuncCall {
				t.Errorf("kfunc fixup at word %d: src = %d, want %d", w, ins.Src(), bpf.PseudoKfuncCall)
			}
			if want := r.kfuncIDs[f.kfunc]; ins.Imm() != want {
				t.Errorf("kfunc fixup %q at word %d: imm = %d, want %d", f.kfunc, w, ins.Imm(), want)
			}

		case fixupCountersMapFD:
			if ins.Op() != bpf.OpLddw || ins.Src() != bpf.PseudoMapFD {
				t.Errorf("counters fixup at word %d is not a map load", w)
			}
			if ins.Imm() != int32(r.counters) {
				t.Errorf("counters fixup at word %d: imm = %d, want %d", w, ins.Imm(), r.counters)
			}
			if words[w+1].Imm() != 0 {
				t.Errorf("counters fixup at word %d: second word imm = %d, want 0", w, words[w+1].Imm())
			}

		case fixupSetMapFD:
			if ins.Imm() != int32(r.sets[f.setIndex]) {
				t.Errorf("set fixup at word %d: imm = %d, want %d", w, ins.Imm(), r.sets[f.setIndex])
			}

		case fixupJmpNextRule:
			targetByte := uint32(w+1+int(ins.Off())) * bpf.InsnSize
			if targetByte <= f.offset {
				t.Fatalf("jump fixup at byte %d lands backwards at %d", f.offset, targetByte)
			}
			if !isRuleBoundary(p, targetByte) {
				t.Errorf("jump fixup at byte %d lands at %d, not on a rule boundary or the epilogue",
					f.offset, targetByte)
			}
		}
	}
}

func isRuleBoundary(p *Program, off uint32) bool {
	if off == p.epilogue {
		return true
	}
	for _, rs := range p.ruleStarts {
		if rs == off {
			return true
		}
	}
	return false
}

func TestLastRuleJumpsToEpilogue(t *testing.T) {
	p := genFinalized(t, testChain())
	words := p.Image()

	last := p.ruleStarts[len(p.ruleStarts)-1]
	found := false
	for i := range p.fixups {
		f := &p.fixups[i]
		if f.kind != fixupJmpNextRule || f.offset < last {
			continue
		}
		found = true
		w := int(f.offset / bpf.InsnSize)
		target := uint32(w+1+int(words[w].Off())) * bpf.InsnSize
		if target != p.epilogue {
			t.Errorf("last rule jump at byte %d lands at %d, want epilogue %d", f.offset, target, p.epilogue)
		}
	}
	if !found {
		t.Fatal("last rule recorded no next-rule jumps")
	}
}

func TestResolveRunsOnce(t *testing.T) {
	p := genFinalized(t, testChain())
	if err := p.resolveFixups(newStubResolver()); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("resolveFixups() again error = %v, want %v", err, ErrAlreadyResolved)
	}
}

func TestResolveFailures(t *testing.T) {
	t.Run("unknown kfunc", func(t *testing.T) {
		p := genProgram(t, testChain())
		r := newStubResolver()
		r.kfuncIDs = map[string]int32{}
		if err := p.Finalize(r); !errors.Is(err, ErrUnresolvedSymbol) {
			t.Errorf("Finalize() error = %v, want %v", err, ErrUnresolvedSymbol)
		}
	})

	t.Run("missing counters map", func(t *testing.T) {
		p := genProgram(t, testChain())
		r := newStubResolver()
		r.counters = 0
		if err := p.Finalize(r); !errors.Is(err, ErrMissingResource) {
			t.Errorf("Finalize() error = %v, want %v", err, ErrMissingResource)
		}
	})

	t.Run("missing set map", func(t *testing.T) {
		p := genProgram(t, testChain())
		r := newStubResolver()
		r.sets = map[int]int{}
		if err := p.Finalize(r); !errors.Is(err, ErrMissingResource) {
			t.Errorf("Finalize() error = %v, want %v", err, ErrMissingResource)
		}
	})

	t.Run("failed finalize can retry", func(t *testing.T) {
		p := genProgram(t, testChain())
		r := newStubResolver()
		r.counters = 0
		if err := p.Finalize(r); err == nil {
			t.Fatal("Finalize() with broken resolver succeeded")
		}
		if p.State() != StateGenerating {
			t.Fatalf("State() = %v after failed finalize, want %v", p.State(), StateGenerating)
		}
		if err := p.Finalize(newStubResolver()); err != nil {
			t.Errorf("Finalize() retry error = %v", err)
		}
	})
}
