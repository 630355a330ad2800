// Package emulator executes generated filter programs in process.
//
// The machine interprets the same instruction images the kernel would
// run, with emulated maps, kernel functions and packet memory behind
// them. It exists so generated programs can be exercised end to end in
// tests, without a kernel to load them into.
package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/cygnetlabs/cygnet/pkg/bpf"
	"github.com/cygnetlabs/cygnet/pkg/codegen"
)

// Errors.
var (
	ErrBudgetExceeded      = errors.New("instruction budget exceeded")
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrInvalidInstruction  = errors.New("invalid instruction")
	ErrCallDepthExceeded   = errors.New("call depth exceeded")
	ErrDivisionByZero      = errors.New("division by zero")
	ErrUnknownFunc         = errors.New("unknown function")
	ErrNoMap               = errors.New("no such map")
	ErrNotProvisioned      = errors.New("registry not provisioned")
	ErrProvisioned         = errors.New("registry already provisioned")
	ErrNotRunnable         = errors.New("program image is not runnable")
)

// Memory regions. The high word of an address selects the region, the
// low word the offset within it.
const (
	vaddrStack  = 0x1_0000_0000
	vaddrArg    = 0x2_0000_0000
	vaddrPacket = 0x3_0000_0000
	vaddrValue  = 0x4_0000_0000
)

// Stack geometry, matching the kernel: 512 bytes per call frame, eight
// frames deep.
const (
	stackFrameSize = 512
	stackDepth     = 8
)

// DefaultBudget bounds instructions per run when Machine.Budget is
// zero.
const DefaultBudget = 1 << 16

// frame holds what a bpf-to-bpf call must restore on exit.
type frame struct {
	fp  uint64
	nv  [4]uint64
	ret int64
}

// Machine runs one finalized program image. Map state lives in the
// registry and persists across runs; registers, stack and packet are
// fresh for every packet.
type Machine struct {
	reg  *Registry
	text []bpf.Instruction

	// ForceCopy makes dynptr slices copy packet bytes into the buffer
	// the program passes and return the buffer, the way the kernel
	// does for non-linear packets. Off, slices point straight at
	// packet memory.
	ForceCopy bool

	// FailDynptrInit makes packet dynptr construction fail, driving
	// programs down their error path.
	FailDynptrInit bool

	// Budget bounds executed instructions per run. Zero means
	// DefaultBudget.
	Budget int

	stack  []byte
	frames []frame
	arg    []byte
	pkt    []byte
	steps  int
}

// NewMachine wraps p's image for execution. The program must have been
// finalized, so the image carries no unresolved placeholders.
func NewMachine(reg *Registry, p *codegen.Program) (*Machine, error) {
	switch p.State() {
	case codegen.StateEmpty, codegen.StateGenerating:
		return nil, fmt.Errorf("%w: program %q is %v", ErrNotRunnable, p.Name(), p.State())
	}
	return &Machine{
		reg:   reg,
		text:  p.Image(),
		stack: make([]byte, stackFrameSize*stackDepth),
	}, nil
}

// RunXDP runs the image the way the XDP hook would, against a packet
// starting at the ethernet header.
func (m *Machine) RunXDP(pkt []byte, ifindex uint32) (uint64, error) {
	return m.Run(xdpMD(len(pkt), ifindex), pkt)
}

// RunSkb runs the image against a socket buffer argument. For traffic
// control hooks pkt starts at the ethernet header; for cgroup hooks it
// starts at the network header and etherType carries what the ethernet
// header would have said.
func (m *Machine) RunSkb(pkt []byte, etherType uint16, ifindex uint32) (uint64, error) {
	return m.Run(skBuff(len(pkt), etherType, ifindex), pkt)
}

// RunNF runs the image the way a netfilter hook would, against a
// packet starting at the network header.
func (m *Machine) RunNF(pkt []byte) (uint64, error) {
	return m.Run(nfCtx(), pkt)
}

// Run executes the image against one packet, with arg laid out as the
// hook's program argument. It returns R0, the hook return code.
func (m *Machine) Run(arg, pkt []byte) (ret uint64, err error) {
	m.arg = arg
	m.pkt = pkt
	m.frames = m.frames[:0]
	m.steps = 0
	for i := range m.stack {
		m.stack[i] = 0
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("emulator panic: %v", rec)
		}
	}()

	return m.exec()
}

// Steps returns the number of instructions the last run executed.
func (m *Machine) Steps() int {
	return m.steps
}

func (m *Machine) exec() (uint64, error) {
	budget := m.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}

	var r [11]uint64
	r[1] = vaddrArg
	r[10] = vaddrStack + uint64(len(m.stack))

	pc := int64(0)

	for {
		if pc < 0 || pc >= int64(len(m.text)) {
			return 0, fmt.Errorf("%w: program counter %d outside image", ErrInvalidInstruction, pc)
		}
		if m.steps++; m.steps > budget {
			return 0, ErrBudgetExceeded
		}

		ins := m.text[pc]
		op := ins.Op()
		dst := ins.Dst()
		src := ins.Src()
		off := ins.Off()
		imm := ins.Imm()

		if dst > 10 || src > 10 {
			return 0, fmt.Errorf("%w: register dst=%d src=%d at %d", ErrInvalidInstruction, dst, src, pc)
		}

		switch op {
		case bpf.OpLddw:
			if pc+1 >= int64(len(m.text)) {
				return 0, fmt.Errorf("%w: trailing wide load at %d", ErrInvalidInstruction, pc)
			}
			r[dst] = uint64(ins.Uimm()) | uint64(m.text[pc+1].Uimm())<<32
			pc++

		// 64-bit ALU, immediate operand. The immediate sign-extends,
		// except as a divisor.
		case bpf.OpAdd64Imm:
			r[dst] += uint64(int64(imm))
		case bpf.OpSub64Imm:
			r[dst] -= uint64(int64(imm))
		case bpf.OpMul64Imm:
			r[dst] *= uint64(int64(imm))
		case bpf.OpDiv64Imm:
			if imm == 0 {
				return 0, ErrDivisionByZero
			}
			r[dst] /= uint64(uint32(imm))
		case bpf.OpOr64Imm:
			r[dst] |= uint64(int64(imm))
		case bpf.OpAnd64Imm:
			r[dst] &= uint64(int64(imm))
		case bpf.OpLsh64Imm:
			r[dst] <<= uint64(imm) & 63
		case bpf.OpRsh64Imm:
			r[dst] >>= uint64(imm) & 63
		case bpf.OpNeg64:
			r[dst] = -r[dst]
		case bpf.OpMod64Imm:
			if imm == 0 {
				return 0, ErrDivisionByZero
			}
			r[dst] %= uint64(uint32(imm))
		case bpf.OpXor64Imm:
			r[dst] ^= uint64(int64(imm))
		case bpf.OpMov64Imm:
			r[dst] = uint64(int64(imm))
		case bpf.OpArsh64Imm:
			r[dst] = uint64(int64(r[dst]) >> (uint64(imm) & 63))

		// 64-bit ALU, register operand.
		case bpf.OpAdd64Reg:
			r[dst] += r[src]
		case bpf.OpSub64Reg:
			r[dst] -= r[src]
		case bpf.OpMul64Reg:
			r[dst] *= r[src]
		case bpf.OpDiv64Reg:
			if r[src] == 0 {
				return 0, ErrDivisionByZero
			}
			r[dst] /= r[src]
		case bpf.OpOr64Reg:
			r[dst] |= r[src]
		case bpf.OpAnd64Reg:
			r[dst] &= r[src]
		case bpf.OpLsh64Reg:
			r[dst] <<= r[src] & 63
		case bpf.OpRsh64Reg:
			r[dst] >>= r[src] & 63
		case bpf.OpMod64Reg:
			if r[src] == 0 {
				return 0, ErrDivisionByZero
			}
			r[dst] %= r[src]
		case bpf.OpXor64Reg:
			r[dst] ^= r[src]
		case bpf.OpMov64Reg:
			r[dst] = r[src]
		case bpf.OpArsh64Reg:
			r[dst] = uint64(int64(r[dst]) >> (r[src] & 63))

		// 32-bit ALU. Results zero-extend to 64 bits.
		case bpf.OpAdd32Imm:
			r[dst] = uint64(uint32(r[dst]) + uint32(imm))
		case bpf.OpSub32Imm:
			r[dst] = uint64(uint32(r[dst]) - uint32(imm))
		case bpf.OpOr32Imm:
			r[dst] = uint64(uint32(r[dst]) | uint32(imm))
		case bpf.OpAnd32Imm:
			r[dst] = uint64(uint32(r[dst]) & uint32(imm))
		case bpf.OpLsh32Imm:
			r[dst] = uint64(uint32(r[dst]) << (uint32(imm) & 31))
		case bpf.OpRsh32Imm:
			r[dst] = uint64(uint32(r[dst]) >> (uint32(imm) & 31))
		case bpf.OpMov32Imm:
			r[dst] = uint64(uint32(imm))
		case bpf.OpAdd32Reg:
			r[dst] = uint64(uint32(r[dst]) + uint32(r[src]))
		case bpf.OpAnd32Reg:
			r[dst] = uint64(uint32(r[dst]) & uint32(r[src]))
		case bpf.OpMov32Reg:
			r[dst] = uint64(uint32(r[src]))

		// Byte swaps. The emulated kernel is little-endian: to-be
		// swaps, to-le truncates.
		case bpf.OpToBe:
			switch imm {
			case 16:
				r[dst] = uint64(bits.ReverseBytes16(uint16(r[dst])))
			case 32:
				r[dst] = uint64(bits.ReverseBytes32(uint32(r[dst])))
			case 64:
				r[dst] = bits.ReverseBytes64(r[dst])
			default:
				return 0, fmt.Errorf("%w: swap width %d", ErrInvalidInstruction, imm)
			}
		case bpf.OpToLe:
			switch imm {
			case 16:
				r[dst] = uint64(uint16(r[dst]))
			case 32:
				r[dst] = uint64(uint32(r[dst]))
			case 64:
			default:
				return 0, fmt.Errorf("%w: swap width %d", ErrInvalidInstruction, imm)
			}

		// Loads.
		case bpf.OpLdxb:
			v, err := m.read8(regOff(r[src], off))
			if err != nil {
				return 0, err
			}
			r[dst] = uint64(v)
		case bpf.OpLdxh:
			v, err := m.read16(regOff(r[src], off))
			if err != nil {
				return 0, err
			}
			r[dst] = uint64(v)
		case bpf.OpLdxw:
			v, err := m.read32(regOff(r[src], off))
			if err != nil {
				return 0, err
			}
			r[dst] = uint64(v)
		case bpf.OpLdxdw:
			v, err := m.read64(regOff(r[src], off))
			if err != nil {
				return 0, err
			}
			r[dst] = v

		// Stores.
		case bpf.OpStb:
			if err := m.write8(regOff(r[dst], off), uint8(imm)); err != nil {
				return 0, err
			}
		case bpf.OpSth:
			if err := m.write16(regOff(r[dst], off), uint16(imm)); err != nil {
				return 0, err
			}
		case bpf.OpStw:
			if err := m.write32(regOff(r[dst], off), uint32(imm)); err != nil {
				return 0, err
			}
		case bpf.OpStdw:
			if err := m.write64(regOff(r[dst], off), uint64(int64(imm))); err != nil {
				return 0, err
			}
		case bpf.OpStxb:
			if err := m.write8(regOff(r[dst], off), uint8(r[src])); err != nil {
				return 0, err
			}
		case bpf.OpStxh:
			if err := m.write16(regOff(r[dst], off), uint16(r[src])); err != nil {
				return 0, err
			}
		case bpf.OpStxw:
			if err := m.write32(regOff(r[dst], off), uint32(r[src])); err != nil {
				return 0, err
			}
		case bpf.OpStxdw:
			if err := m.write64(regOff(r[dst], off), r[src]); err != nil {
				return 0, err
			}

		// Atomic read-modify-write.
		case bpf.OpAtomicW:
			if imm != bpf.AtomicAdd {
				return 0, fmt.Errorf("%w: atomic op %#x", ErrInvalidInstruction, imm)
			}
			a := regOff(r[dst], off)
			v, err := m.read32(a)
			if err != nil {
				return 0, err
			}
			if err := m.write32(a, v+uint32(r[src])); err != nil {
				return 0, err
			}
		case bpf.OpAtomicDW:
			if imm != bpf.AtomicAdd {
				return 0, fmt.Errorf("%w: atomic op %#x", ErrInvalidInstruction, imm)
			}
			a := regOff(r[dst], off)
			v, err := m.read64(a)
			if err != nil {
				return 0, err
			}
			if err := m.write64(a, v+r[src]); err != nil {
				return 0, err
			}

		// 64-bit jumps. Immediates sign-extend before the compare,
		// even for the unsigned operators.
		case bpf.OpJa:
			pc += int64(off)
		case bpf.OpJeqImm:
			if r[dst] == uint64(int64(imm)) {
				pc += int64(off)
			}
		case bpf.OpJeqReg:
			if r[dst] == r[src] {
				pc += int64(off)
			}
		case bpf.OpJgtImm:
			if r[dst] > uint64(int64(imm)) {
				pc += int64(off)
			}
		case bpf.OpJgtReg:
			if r[dst] > r[src] {
				pc += int64(off)
			}
		case bpf.OpJgeImm:
			if r[dst] >= uint64(int64(imm)) {
				pc += int64(off)
			}
		case bpf.OpJgeReg:
			if r[dst] >= r[src] {
				pc += int64(off)
			}
		case bpf.OpJsetImm:
			if r[dst]&uint64(int64(imm)) != 0 {
				pc += int64(off)
			}
		case bpf.OpJsetReg:
			if r[dst]&r[src] != 0 {
				pc += int64(off)
			}
		case bpf.OpJneImm:
			if r[dst] != uint64(int64(imm)) {
				pc += int64(off)
			}
		case bpf.OpJneReg:
			if r[dst] != r[src] {
				pc += int64(off)
			}
		case bpf.OpJltImm:
			if r[dst] < uint64(int64(imm)) {
				pc += int64(off)
			}
		case bpf.OpJltReg:
			if r[dst] < r[src] {
				pc += int64(off)
			}
		case bpf.OpJleImm:
			if r[dst] <= uint64(int64(imm)) {
				pc += int64(off)
			}
		case bpf.OpJleReg:
			if r[dst] <= r[src] {
				pc += int64(off)
			}

		// 32-bit jumps compare the low words.
		case bpf.OpJeq32Imm:
			if uint32(r[dst]) == uint32(imm) {
				pc += int64(off)
			}
		case bpf.OpJeq32Reg:
			if uint32(r[dst]) == uint32(r[src]) {
				pc += int64(off)
			}
		case bpf.OpJne32Imm:
			if uint32(r[dst]) != uint32(imm) {
				pc += int64(off)
			}
		case bpf.OpJne32Reg:
			if uint32(r[dst]) != uint32(r[src]) {
				pc += int64(off)
			}
		case bpf.OpJset32Imm:
			if uint32(r[dst])&uint32(imm) != 0 {
				pc += int64(off)
			}
		case bpf.OpJgt32Imm:
			if uint32(r[dst]) > uint32(imm) {
				pc += int64(off)
			}
		case bpf.OpJlt32Imm:
			if uint32(r[dst]) < uint32(imm) {
				pc += int64(off)
			}

		case bpf.OpCall:
			switch src {
			case 0:
				if err := m.helperCall(imm, &r); err != nil {
					return 0, err
				}
			case bpf.PseudoCall:
				if len(m.frames) >= stackDepth-1 {
					return 0, ErrCallDepthExceeded
				}
				f := frame{fp: r[10], ret: pc + 1}
				copy(f.nv[:], r[6:10])
				m.frames = append(m.frames, f)
				r[10] -= stackFrameSize
				pc = pc + int64(imm) + 1
				continue
			case bpf.PseudoKfuncCall:
				if err := m.kfuncCall(imm, &r); err != nil {
					return 0, err
				}
			default:
				return 0, fmt.Errorf("%w: call source %d", ErrInvalidInstruction, src)
			}

		case bpf.OpExit:
			n := len(m.frames)
			if n == 0 {
				return r[0], nil
			}
			f := m.frames[n-1]
			m.frames = m.frames[:n-1]
			copy(r[6:10], f.nv[:])
			r[10] = f.fp
			pc = f.ret
			continue

		default:
			return 0, fmt.Errorf("%w: opcode %#02x at %d", ErrInvalidInstruction, op, pc)
		}

		pc++
	}
}

// regOff forms a memory address from a register base and an
// instruction offset.
func regOff(base uint64, off int16) uint64 {
	return uint64(int64(base) + int64(off))
}

// Program argument layouts, as the kernel hands them to each hook. The
// machine only ever reads the fields generated entries load.

func xdpMD(pktLen int, ifindex uint32) []byte {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint32(b[0:], 0x1000)
	binary.LittleEndian.PutUint32(b[4:], 0x1000+uint32(pktLen))
	binary.LittleEndian.PutUint32(b[12:], ifindex)
	return b
}

func skBuff(pktLen int, etherType uint16, ifindex uint32) []byte {
	b := make([]byte, 64)
	binary.LittleEndian.PutUint32(b[0:], uint32(pktLen))
	binary.LittleEndian.PutUint32(b[16:], uint32(bits.ReverseBytes16(etherType)))
	binary.LittleEndian.PutUint32(b[40:], ifindex)
	return b
}

func nfCtx() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[8:], vaddrPacket)
	return b
}
