package bpf

import (
	"strings"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		op   uint8
		dst  uint8
		src  uint8
		off  int16
		imm  int32
	}{
		{"mov64_imm", OpMov64Imm, 1, 0, 0, 42},
		{"negative_imm", OpMov64Imm, 2, 0, 0, -1},
		{"negative_off", OpLdxw, 3, 10, -216, 0},
		{"jump", OpJeqImm, 4, 0, 12, 0x0800},
		{"call", OpCall, 0, 1, 0, 7},
		{"max_regs", OpMov64Reg, 10, 9, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins := Encode(tt.op, tt.dst, tt.src, tt.off, tt.imm)
			if got := ins.Op(); got != tt.op {
				t.Errorf("Op() = %#x, want %#x", got, tt.op)
			}
			if got := ins.Dst(); got != tt.dst {
				t.Errorf("Dst() = %d, want %d", got, tt.dst)
			}
			if got := ins.Src(); got != tt.src {
				t.Errorf("Src() = %d, want %d", got, tt.src)
			}
			if got := ins.Off(); got != tt.off {
				t.Errorf("Off() = %d, want %d", got, tt.off)
			}
			if got := ins.Imm(); got != tt.imm {
				t.Errorf("Imm() = %d, want %d", got, tt.imm)
			}
		})
	}
}

func TestWithFields(t *testing.T) {
	ins := Encode(OpJeqImm, 3, 0, 5, 100)

	patched := ins.WithOff(42)
	if patched.Off() != 42 {
		t.Errorf("WithOff(42).Off() = %d, want 42", patched.Off())
	}
	if patched.Op() != ins.Op() || patched.Dst() != ins.Dst() || patched.Imm() != ins.Imm() {
		t.Error("WithOff changed unrelated fields")
	}

	patched = ins.WithImm(-7)
	if patched.Imm() != -7 {
		t.Errorf("WithImm(-7).Imm() = %d, want -7", patched.Imm())
	}
	if patched.Off() != ins.Off() {
		t.Error("WithImm changed the offset")
	}

	patched = ins.WithSrc(PseudoKfuncCall)
	if patched.Src() != PseudoKfuncCall {
		t.Errorf("WithSrc().Src() = %d, want %d", patched.Src(), PseudoKfuncCall)
	}
}

func TestLoadMapFD(t *testing.T) {
	words := LoadMapFD(R1, 17)
	if words[0].Op() != OpLddw {
		t.Errorf("first word op = %#x, want %#x", words[0].Op(), OpLddw)
	}
	if words[0].Src() != PseudoMapFD {
		t.Errorf("first word src = %d, want %d", words[0].Src(), PseudoMapFD)
	}
	if words[0].Imm() != 17 {
		t.Errorf("first word imm = %d, want 17", words[0].Imm())
	}
	if words[1] != 0 {
		t.Errorf("second word = %#x, want 0", uint64(words[1]))
	}
}

func TestLddw(t *testing.T) {
	const v = uint64(0x1122334455667788)
	words := Lddw(R2, v)
	lo := uint64(words[0].Uimm())
	hi := uint64(words[1].Uimm())
	if got := hi<<32 | lo; got != v {
		t.Errorf("Lddw round trip = %#x, want %#x", got, v)
	}
}

func TestCallForms(t *testing.T) {
	if ins := Call(HelperMapLookupElem); ins.Src() != 0 || ins.Imm() != 1 {
		t.Errorf("Call() = src %d imm %d, want src 0 imm 1", ins.Src(), ins.Imm())
	}
	if ins := CallRel(9); ins.Src() != PseudoCall || ins.Imm() != 9 {
		t.Errorf("CallRel() = src %d imm %d, want src 1 imm 9", ins.Src(), ins.Imm())
	}
	if ins := KfuncCall(1234); ins.Src() != PseudoKfuncCall || ins.Imm() != 1234 {
		t.Errorf("KfuncCall() = src %d imm %d, want src 2 imm 1234", ins.Src(), ins.Imm())
	}
}

func TestAtomicAdd(t *testing.T) {
	ins := AtomicAdd64(R6, R7, 8)
	if ins.Op() != OpAtomicDW {
		t.Errorf("AtomicAdd64 op = %#x, want %#x", ins.Op(), OpAtomicDW)
	}
	if ins.Imm() != AtomicAdd {
		t.Errorf("AtomicAdd64 imm = %d, want %d", ins.Imm(), AtomicAdd)
	}
	if ins.Dst() != R6 || ins.Src() != R7 || ins.Off() != 8 {
		t.Errorf("AtomicAdd64 fields = r%d r%d %d, want r6 r7 8",
			ins.Dst(), ins.Src(), ins.Off())
	}
}

func TestWireRoundTrip(t *testing.T) {
	ins := Encode(OpStxdw, R10, R1, -216, 0)
	b := ins.AppendWord(nil)
	if len(b) != InsnSize {
		t.Fatalf("AppendWord produced %d bytes, want %d", len(b), InsnSize)
	}
	if b[0] != OpStxdw {
		t.Errorf("first wire byte = %#x, want opcode %#x", b[0], OpStxdw)
	}
	if got := FromBytes(b); got != ins {
		t.Errorf("FromBytes() = %#x, want %#x", uint64(got), uint64(ins))
	}
}

func TestDisasm(t *testing.T) {
	words := []Instruction{
		Mov64Imm(R0, 2),
		LoadMapFD(R1, 5)[0],
		LoadMapFD(R1, 5)[1],
		Exit(),
	}
	lines := Disasm(words)
	if len(lines) != 3 {
		t.Fatalf("Disasm produced %d lines, want 3 (wide load folded)", len(lines))
	}
	if !strings.Contains(lines[1], "mapfd 5") {
		t.Errorf("wide load line = %q, want mapfd 5", lines[1])
	}
	if !strings.Contains(lines[2], "exit") {
		t.Errorf("last line = %q, want exit", lines[2])
	}
}
