package bpf

import (
	"encoding/binary"
	"fmt"
)

// Constructors for the instruction shapes emitted by the code generator.
// Two-word forms return both words; the caller must emit them in order.

// Mov64Imm loads a 64-bit immediate (sign-extended) into dst.
func Mov64Imm(dst uint8, imm int32) Instruction {
	return Encode(OpMov64Imm, dst, 0, 0, imm)
}

// Mov64Reg copies src into dst.
func Mov64Reg(dst, src uint8) Instruction {
	return Encode(OpMov64Reg, dst, src, 0, 0)
}

// Mov32Imm loads a 32-bit immediate into dst, zeroing the upper half.
func Mov32Imm(dst uint8, imm int32) Instruction {
	return Encode(OpMov32Imm, dst, 0, 0, imm)
}

// Mov32Reg copies the lower 32 bits of src into dst, zeroing the upper half.
func Mov32Reg(dst, src uint8) Instruction {
	return Encode(OpMov32Reg, dst, src, 0, 0)
}

// Alu64Imm applies a 64-bit ALU operation with an immediate operand.
// op is one of the Alu* operation codes.
func Alu64Imm(op uint8, dst uint8, imm int32) Instruction {
	return Encode(ClassAlu64|SrcK|op, dst, 0, 0, imm)
}

// Alu64Reg applies a 64-bit ALU operation with a register operand.
func Alu64Reg(op uint8, dst, src uint8) Instruction {
	return Encode(ClassAlu64|SrcX|op, dst, src, 0, 0)
}

// Alu32Imm applies a 32-bit ALU operation with an immediate operand.
func Alu32Imm(op uint8, dst uint8, imm int32) Instruction {
	return Encode(ClassAlu|SrcK|op, dst, 0, 0, imm)
}

// ToBe converts dst to big-endian over the given width (16, 32 or 64),
// zero-extending the result. On little-endian targets this is a byte swap,
// used to normalize packet fields loaded from network byte order.
func ToBe(dst uint8, width int32) Instruction {
	return Encode(OpToBe, dst, 0, 0, width)
}

// Ldx loads size bytes from src+off into dst.
func Ldx(size uint8, dst, src uint8, off int16) Instruction {
	return Encode(ClassLdx|ModeMem|size, dst, src, off, 0)
}

// Stx stores size bytes from src to dst+off.
func Stx(size uint8, dst, src uint8, off int16) Instruction {
	return Encode(ClassStx|ModeMem|size, dst, src, off, 0)
}

// St stores an immediate of size bytes to dst+off.
func St(size uint8, dst uint8, off int16, imm int32) Instruction {
	return Encode(ClassSt|ModeMem|size, dst, 0, off, imm)
}

// JmpImm jumps off words forward when "dst op imm" holds (64-bit compare).
// op is one of the Jmp* operation codes.
func JmpImm(op uint8, dst uint8, imm int32, off int16) Instruction {
	return Encode(ClassJmp|SrcK|op, dst, 0, off, imm)
}

// JmpReg jumps off words forward when "dst op src" holds (64-bit compare).
func JmpReg(op uint8, dst, src uint8, off int16) Instruction {
	return Encode(ClassJmp|SrcX|op, dst, src, off, 0)
}

// Jmp32Imm jumps off words forward when "dst op imm" holds over the lower
// 32 bits.
func Jmp32Imm(op uint8, dst uint8, imm int32, off int16) Instruction {
	return Encode(ClassJmp32|SrcK|op, dst, 0, off, imm)
}

// Ja jumps off words forward unconditionally.
func Ja(off int16) Instruction {
	return Encode(OpJa, 0, 0, off, 0)
}

// Call invokes a kernel helper function by ID.
func Call(helper int32) Instruction {
	return Encode(OpCall, 0, 0, 0, helper)
}

// CallRel invokes a program-local function at a relative word offset.
// The immediate counts from the word after the call.
func CallRel(delta int32) Instruction {
	return Encode(OpCall, 0, PseudoCall, 0, delta)
}

// KfuncCall invokes a kernel function by BTF ID.
func KfuncCall(btfID int32) Instruction {
	return Encode(OpCall, 0, PseudoKfuncCall, 0, btfID)
}

// Exit returns from the current function.
func Exit() Instruction {
	return Encode(OpExit, 0, 0, 0, 0)
}

// Lddw loads a full 64-bit immediate into dst using two instruction words.
func Lddw(dst uint8, v uint64) [LddwWords]Instruction {
	return [LddwWords]Instruction{
		Encode(OpLddw, dst, 0, 0, int32(uint32(v))),
		Encode(0, 0, 0, 0, int32(uint32(v>>32))),
	}
}

// LoadMapFD loads a map reference into dst from a file descriptor. The
// kernel translates the descriptor to the map address at load time.
func LoadMapFD(dst uint8, fd int32) [LddwWords]Instruction {
	return [LddwWords]Instruction{
		Encode(OpLddw, dst, PseudoMapFD, 0, fd),
		Encode(0, 0, 0, 0, 0),
	}
}

// AtomicAdd64 atomically adds src to the 8 bytes at dst+off.
func AtomicAdd64(dst, src uint8, off int16) Instruction {
	return Encode(OpAtomicDW, dst, src, off, AtomicAdd)
}

// AtomicAdd32 atomically adds the lower 32 bits of src to dst+off.
func AtomicAdd32(dst, src uint8, off int16) Instruction {
	return Encode(OpAtomicW, dst, src, off, AtomicAdd)
}

// AppendWord appends the little-endian wire encoding of the word to b.
func (i Instruction) AppendWord(b []byte) []byte {
	return binary.LittleEndian.AppendUint64(b, uint64(i))
}

// FromBytes decodes one instruction word from b, which must hold at least
// InsnSize bytes.
func FromBytes(b []byte) Instruction {
	return Instruction(binary.LittleEndian.Uint64(b))
}

var aluNames = map[uint8]string{
	AluAdd: "add", AluSub: "sub", AluMul: "mul", AluDiv: "div",
	AluOr: "or", AluAnd: "and", AluLsh: "lsh", AluRsh: "rsh",
	AluNeg: "neg", AluMod: "mod", AluXor: "xor", AluMov: "mov",
	AluArsh: "arsh", AluEnd: "end",
}

var jmpNames = map[uint8]string{
	JmpJeq: "jeq", JmpJgt: "jgt", JmpJge: "jge", JmpJset: "jset",
	JmpJne: "jne", JmpJsgt: "jsgt", JmpJsge: "jsge", JmpJlt: "jlt",
	JmpJle: "jle", JmpJslt: "jslt", JmpJsle: "jsle",
}

var sizeNames = map[uint8]string{
	SizeB: "b", SizeH: "h", SizeW: "w", SizeDW: "dw",
}

// String renders the word in a compact assembly-like form for dumps.
// The second word of a wide load renders as its raw immediate.
func (i Instruction) String() string {
	op := i.Op()

	switch i.Class() {
	case ClassAlu, ClassAlu64:
		name := aluNames[op&0xf0]
		suffix := "32"
		if i.Class() == ClassAlu64 {
			suffix = "64"
		}
		if op&0xf0 == AluEnd {
			dir := "le"
			if op&SrcX != 0 {
				dir = "be"
			}
			return fmt.Sprintf("%s%d r%d", dir, i.Imm(), i.Dst())
		}
		if op&0xf0 == AluNeg {
			return fmt.Sprintf("neg%s r%d", suffix, i.Dst())
		}
		if op&SrcX != 0 {
			return fmt.Sprintf("%s%s r%d, r%d", name, suffix, i.Dst(), i.Src())
		}
		return fmt.Sprintf("%s%s r%d, %d", name, suffix, i.Dst(), i.Imm())

	case ClassLd:
		if op == OpLddw {
			switch i.Src() {
			case PseudoMapFD:
				return fmt.Sprintf("lddw r%d, mapfd %d", i.Dst(), i.Imm())
			case PseudoMapValue:
				return fmt.Sprintf("lddw r%d, mapval %d", i.Dst(), i.Imm())
			}
			return fmt.Sprintf("lddw r%d, %#x (lo)", i.Dst(), i.Uimm())
		}

	case ClassLdx:
		return fmt.Sprintf("ldx%s r%d, [r%d%+d]",
			sizeNames[op&0x18], i.Dst(), i.Src(), i.Off())

	case ClassSt:
		return fmt.Sprintf("st%s [r%d%+d], %d",
			sizeNames[op&0x18], i.Dst(), i.Off(), i.Imm())

	case ClassStx:
		if op&0xe0 == ModeAtomic {
			return fmt.Sprintf("atomic%s [r%d%+d] += r%d",
				sizeNames[op&0x18], i.Dst(), i.Off(), i.Src())
		}
		return fmt.Sprintf("stx%s [r%d%+d], r%d",
			sizeNames[op&0x18], i.Dst(), i.Off(), i.Src())

	case ClassJmp, ClassJmp32:
		suffix := ""
		if i.Class() == ClassJmp32 {
			suffix = "32"
		}
		switch op & 0xf0 {
		case JmpJa:
			return fmt.Sprintf("ja %+d", i.Off())
		case JmpCall:
			switch i.Src() {
			case PseudoCall:
				return fmt.Sprintf("call rel %+d", i.Imm())
			case PseudoKfuncCall:
				return fmt.Sprintf("call kfunc#%d", i.Imm())
			}
			return fmt.Sprintf("call helper#%d", i.Imm())
		case JmpExit:
			return "exit"
		}
		name := jmpNames[op&0xf0]
		if op&SrcX != 0 {
			return fmt.Sprintf("%s%s r%d, r%d, %+d",
				name, suffix, i.Dst(), i.Src(), i.Off())
		}
		return fmt.Sprintf("%s%s r%d, %#x, %+d",
			name, suffix, i.Dst(), i.Uimm(), i.Off())
	}

	return fmt.Sprintf("raw %#016x", uint64(i))
}

// Disasm renders a word sequence, folding the two words of wide loads into
// a single line.
func Disasm(words []Instruction) []string {
	out := make([]string, 0, len(words))
	for idx := 0; idx < len(words); idx++ {
		ins := words[idx]
		line := fmt.Sprintf("%4d: %s", idx, ins.String())
		if ins.IsWideLoad() && ins.Src() == 0 && idx+1 < len(words) {
			hi := uint64(words[idx+1].Uimm())<<32 | uint64(ins.Uimm())
			line = fmt.Sprintf("%4d: lddw r%d, %#x", idx, ins.Dst(), hi)
			idx++
		} else if ins.IsWideLoad() && idx+1 < len(words) {
			idx++
		}
		out = append(out, line)
	}
	return out
}
