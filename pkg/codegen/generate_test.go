package codegen

import (
	"testing"

	"github.com/cygnetlabs/cygnet/internal/types"
	"github.com/cygnetlabs/cygnet/pkg/bpf"
)

func TestGenerateAllHooks(t *testing.T) {
	hooks := []types.Hook{
		types.HookXDP,
		types.HookTCIngress,
		types.HookTCEgress,
		types.HookCgroupIngress,
		types.HookCgroupEgress,
		types.HookNFPreRouting,
		types.HookNFLocalIn,
		types.HookNFForward,
		types.HookNFLocalOut,
		types.HookNFPostRouting,
	}
	for _, hook := range hooks {
		t.Run(hook.String(), func(t *testing.T) {
			ch := testChain()
			ch.Hook = hook
			p := genProgram(t, ch)
			if err := p.Finalize(newStubResolver()); err != nil {
				t.Fatalf("Finalize() error = %v", err)
			}
			if got := len(p.ruleStarts); got != len(ch.Rules) {
				t.Errorf("rule boundaries = %d, want %d", got, len(ch.Rules))
			}
		})
	}
}

func TestGeneratedShape(t *testing.T) {
	p := genProgram(t, testChain())
	words := p.Image()

	if len(words) == 0 {
		t.Fatal("empty image")
	}
	if words[len(words)-1].Op() != bpf.OpExit {
		t.Errorf("last instruction op = %#02x, want exit", words[len(words)-1].Op())
	}

	// The shared counter function is the 12-word tail of the image.
	fn, ok := p.funcs[funcUpdateCounters]
	if !ok {
		t.Fatal("update counters function never generated")
	}
	if want := len(words) - 12; fn != want {
		t.Errorf("counter function at word %d, want %d", fn, want)
	}

	// Rule boundaries are inside the image, ordered, after the parse.
	prev := uint32(0)
	for i, rs := range p.ruleStarts {
		if rs%bpf.InsnSize != 0 || rs >= p.img.currentOffset() {
			t.Errorf("rule %d boundary %d outside image", i, rs)
		}
		if rs <= prev {
			t.Errorf("rule %d boundary %d not after %d", i, rs, prev)
		}
		prev = rs
	}
	if p.epilogue <= prev {
		t.Errorf("epilogue %d not after last rule at %d", p.epilogue, prev)
	}
}

func TestGeneratedAtomicCounters(t *testing.T) {
	p := genProgram(t, testChain())
	words := p.Image()

	atomic := 0
	for _, w := range words {
		if w.Op() == bpf.OpAtomicDW {
			atomic++
		}
	}
	if atomic != 2 {
		t.Errorf("atomic add instructions = %d, want 2", atomic)
	}
}

func TestVerdictCodes(t *testing.T) {
	tests := []struct {
		name   string
		fl     flavor
		accept int32
		drop   int32
	}{
		{"xdp", xdpFlavor{}, 2, 1},
		{"tc", tcFlavor{}, 0, 2},
		{"cgroup", cgroupFlavor{}, 1, 0},
		{"netfilter", nfFlavor{}, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fl.verdictCode(types.VerdictAccept); got != tt.accept {
				t.Errorf("verdictCode(accept) = %d, want %d", got, tt.accept)
			}
			if got := tt.fl.verdictCode(types.VerdictDrop); got != tt.drop {
				t.Errorf("verdictCode(drop) = %d, want %d", got, tt.drop)
			}
		})
	}
}

func TestFlavorFor(t *testing.T) {
	if _, err := flavorFor(types.Hook(99)); err == nil {
		t.Error("flavorFor(99) error = nil, want error")
	}
	fl, err := flavorFor(types.HookNFForward)
	if err != nil {
		t.Fatalf("flavorFor(nf_forward) error = %v", err)
	}
	if fl.l2Capable() {
		t.Error("netfilter flavor reports a link layer")
	}
}

func TestContinueRuleFallsThrough(t *testing.T) {
	ch := testChain()
	ch.Rules[1].Verdict = types.VerdictContinue
	p := genProgram(t, ch)
	words := p.Image()

	// A continue rule ends with its counter call, not an exit, so the
	// word right before rule 3 must not be an exit.
	last := int(p.ruleStarts[2]/bpf.InsnSize) - 1
	if words[last].Op() == bpf.OpExit {
		t.Error("continue rule emitted a verdict exit")
	}

	// Terminal rules do end with an exit.
	lastOfFirst := int(p.ruleStarts[1]/bpf.InsnSize) - 1
	if words[lastOfFirst].Op() != bpf.OpExit {
		t.Errorf("drop rule ends with op %#02x, want exit", words[lastOfFirst].Op())
	}
}

func TestEmptyChainGenerates(t *testing.T) {
	ch := testChain()
	ch.Sets = nil
	ch.Rules = nil
	p := genProgram(t, ch)
	if err := p.Finalize(newStubResolver()); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if got := p.NumCounters(); got != 2 {
		t.Errorf("NumCounters() = %d, want 2", got)
	}
	if got := p.countFixups(fixupJmpNextRule); got != 0 {
		t.Errorf("countFixups(jmp_next_rule) = %d, want 0", got)
	}
}

func TestLabelsAllPatched(t *testing.T) {
	ch := testChain()
	for _, hook := range []types.Hook{types.HookXDP, types.HookCgroupIngress, types.HookNFLocalIn} {
		ch.Hook = hook
		p := genProgram(t, ch)
		words := p.Image()

		// Any unconditional jump with zero offset would be a label left
		// unpatched: the generator never emits a same-word no-op jump.
		for i, w := range words {
			if w.Op() == bpf.OpJa && w.Off() == 0 {
				t.Errorf("hook %v: ja +0 at word %d", hook, i)
			}
		}
	}
}
