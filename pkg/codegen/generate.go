package codegen

import (
	"fmt"
	"math"

	"github.com/cygnetlabs/cygnet/internal/types"
	"github.com/cygnetlabs/cygnet/pkg/bpf"
	"github.com/cygnetlabs/cygnet/pkg/chain"
)

// Ethertypes and IP protocol numbers the parser dispatches on.
const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd

	ipProtoICMP   = 1
	ipProtoTCP    = 6
	ipProtoUDP    = 17
	ipProtoICMPv6 = 58
)

// label names a position inside the shared program skeleton. Jumps to a
// label are emitted with a placeholder offset and patched as soon as the
// label is marked, unlike fixups, which wait for the resolver.
type label uint8

const (
	labelError label = iota
	labelParseIP6
	labelParseL4
	labelL4TCP
	labelL4Small
	labelParseDone

	labelCount
)

// generator drives one pass over a chain, emitting the program skeleton
// around the rule blocks. All emission goes through the program so the
// fixup ledger and state machine stay authoritative.
type generator struct {
	p  *Program
	ch *chain.Chain
	fl flavor

	marks [labelCount]int32
	pend  [labelCount][]uint32
}

func newGenerator(p *Program, ch *chain.Chain) *generator {
	g := &generator{p: p, ch: ch, fl: p.flavor}
	for i := range g.marks {
		g.marks[i] = -1
	}
	return g
}

func (g *generator) emit(ins ...bpf.Instruction) error { return g.p.Emit(ins...) }
func (g *generator) kfunc(name string) error           { return g.p.EmitKfuncCall(name) }

// jumpTo emits a jump landing on lbl. Backward jumps are resolved
// immediately, forward jumps when the label is marked.
func (g *generator) jumpTo(lbl label, ins bpf.Instruction) error {
	here := g.p.img.currentOffset()
	if g.marks[lbl] >= 0 {
		disp := int64(g.marks[lbl]) - int64(here/bpf.InsnSize) - 1
		if disp < math.MinInt16 || disp > math.MaxInt16 {
			return fmt.Errorf("%w: jump to label %d spans %d words", ErrResourceExhausted, lbl, disp)
		}
		return g.emit(ins.WithOff(int16(disp)))
	}
	g.pend[lbl] = append(g.pend[lbl], here)
	return g.emit(ins)
}

// mark pins lbl to the current offset and patches the jumps waiting on
// it.
func (g *generator) mark(lbl label) error {
	w := int32(g.p.img.currentOffset() / bpf.InsnSize)
	g.marks[lbl] = w
	for _, off := range g.pend[lbl] {
		j := int(off / bpf.InsnSize)
		disp := int64(w) - int64(j) - 1
		if disp < math.MinInt16 || disp > math.MaxInt16 {
			return fmt.Errorf("%w: jump to label %d spans %d words", ErrResourceExhausted, lbl, disp)
		}
		g.p.img.words[j] = g.p.img.words[j].WithOff(int16(disp))
	}
	g.pend[lbl] = nil
	return nil
}

func (g *generator) checkPending() error {
	for lbl, pend := range g.pend {
		if len(pend) > 0 {
			return fmt.Errorf("%w: %d jumps to unmarked label %d", ErrUnresolvedSymbol, len(pend), lbl)
		}
	}
	return nil
}

// emitSlice emits a bpf_dynptr_slice call reading size bytes of packet
// data into the ctx buffer at bufOff. The packet offset comes from the
// u32 ctx field at offField, or is zero when offField is negative. On
// return R0 holds the slice pointer; a short packet jumps to shortTo.
func (g *generator) emitSlice(offField, bufOff int, size int32, shortTo label) error {
	err := g.emit(
		bpf.Mov64Reg(bpf.R1, bpf.RFP),
		bpf.Alu64Imm(bpf.AluAdd, bpf.R1, int32(ctxOff(ctxOffDynptr))),
	)
	if err != nil {
		return err
	}
	if offField < 0 {
		err = g.emit(bpf.Mov64Imm(bpf.R2, 0))
	} else {
		err = g.emit(bpf.Ldx(bpf.SizeW, bpf.R2, bpf.RFP, ctxOff(offField)))
	}
	if err != nil {
		return err
	}
	err = g.emit(
		bpf.Mov64Reg(bpf.R3, bpf.RFP),
		bpf.Alu64Imm(bpf.AluAdd, bpf.R3, int32(ctxOff(bufOff))),
		bpf.Mov64Imm(bpf.R4, size),
	)
	if err != nil {
		return err
	}
	if err := g.kfunc(kfuncDynptrSlice); err != nil {
		return err
	}
	return g.jumpTo(shortTo, bpf.JmpImm(bpf.JmpJeq, bpf.R0, 0, 0))
}

// Generate emits the whole program for ch: prologue, protocol parse,
// one block per rule, the policy and error epilogues, and the shared
// counter function. The chain must be the one the program was created
// for.
func (p *Program) Generate(ch *chain.Chain) error {
	if err := p.ensure(StateEmpty); err != nil {
		return err
	}
	if ch.Name != p.name || ch.Hook != p.hook || len(ch.Rules) != p.numRules {
		return fmt.Errorf("%w: program was created for chain %q on %v", ErrChainMismatch, p.name, p.hook)
	}
	return newGenerator(p, ch).run()
}

func (g *generator) run() error {
	if err := g.emitPrologue(); err != nil {
		return err
	}
	if err := g.fl.emitEntry(g); err != nil {
		return err
	}
	if err := g.emitParse(); err != nil {
		return err
	}
	if err := g.mark(labelParseDone); err != nil {
		return err
	}
	for i := range g.ch.Rules {
		if err := g.emitRule(i, &g.ch.Rules[i]); err != nil {
			return err
		}
	}
	g.p.markEpilogue()
	if err := g.emitCounterBump(g.p.PolicyCounterIdx()); err != nil {
		return err
	}
	err := g.emit(
		bpf.Mov64Imm(bpf.R0, g.fl.verdictCode(g.ch.Policy)),
		bpf.Exit(),
	)
	if err != nil {
		return err
	}
	if err := g.emitErrorEpilogue(); err != nil {
		return err
	}
	if err := g.emitUpdateCounters(); err != nil {
		return err
	}
	return g.checkPending()
}

// emitPrologue saves the program argument and clears the context fields
// later stages read before writing.
func (g *generator) emitPrologue() error {
	return g.emit(
		bpf.Stx(bpf.SizeDW, bpf.RFP, bpf.R1, ctxOff(ctxOffArg)),
		bpf.Mov64Reg(bpf.R6, bpf.R1),
		bpf.St(bpf.SizeDW, bpf.RFP, ctxOff(ctxOffPktSize), 0),
		bpf.St(bpf.SizeW, bpf.RFP, ctxOff(ctxOffL3Offset), 0),
		bpf.St(bpf.SizeW, bpf.RFP, ctxOff(ctxOffL4Offset), 0),
		bpf.St(bpf.SizeW, bpf.RFP, ctxOff(ctxOffIfindex), 0),
		bpf.St(bpf.SizeDW, bpf.RFP, ctxOff(ctxOffL2Hdr), 0),
		bpf.St(bpf.SizeDW, bpf.RFP, ctxOff(ctxOffL3Hdr), 0),
		bpf.St(bpf.SizeDW, bpf.RFP, ctxOff(ctxOffL4Hdr), 0),
		bpf.Mov64Imm(bpf.R7, 0),
		bpf.Mov64Imm(bpf.R8, 0),
	)
}

// emitParse copies each recognized header into its ctx buffer and
// leaves the L3 protocol in R7 and the L4 protocol in R8. A packet that
// stops matching the supported protocols keeps the remaining header
// pointers zero and falls through to the rules.
func (g *generator) emitParse() error {
	if g.fl.l2Capable() {
		if err := g.emitSlice(-1, ctxOffL2Buf, ethHdrLen, labelParseDone); err != nil {
			return err
		}
		err := g.emit(
			bpf.Stx(bpf.SizeDW, bpf.RFP, bpf.R0, ctxOff(ctxOffL2Hdr)),
			bpf.Ldx(bpf.SizeH, bpf.R7, bpf.R0, 12),
			bpf.ToBe(bpf.R7, 16),
			bpf.St(bpf.SizeW, bpf.RFP, ctxOff(ctxOffL3Offset), ethHdrLen),
		)
		if err != nil {
			return err
		}
	}

	if err := g.jumpTo(labelParseIP6, bpf.JmpImm(bpf.JmpJeq, bpf.R7, etherTypeIPv6, 0)); err != nil {
		return err
	}
	if err := g.jumpTo(labelParseDone, bpf.JmpImm(bpf.JmpJne, bpf.R7, etherTypeIPv4, 0)); err != nil {
		return err
	}

	if err := g.emitSlice(ctxOffL3Offset, ctxOffL3Buf, ip4HdrLen, labelParseDone); err != nil {
		return err
	}
	err := g.emit(
		bpf.Stx(bpf.SizeDW, bpf.RFP, bpf.R0, ctxOff(ctxOffL3Hdr)),
		bpf.Ldx(bpf.SizeB, bpf.R2, bpf.R0, 0),
		bpf.Alu32Imm(bpf.AluAnd, bpf.R2, 0x0f),
		bpf.Alu32Imm(bpf.AluLsh, bpf.R2, 2),
		bpf.Ldx(bpf.SizeW, bpf.R3, bpf.RFP, ctxOff(ctxOffL3Offset)),
		bpf.Alu64Reg(bpf.AluAdd, bpf.R3, bpf.R2),
		bpf.Stx(bpf.SizeW, bpf.RFP, bpf.R3, ctxOff(ctxOffL4Offset)),
		bpf.Ldx(bpf.SizeB, bpf.R8, bpf.R0, 9),
	)
	if err != nil {
		return err
	}
	if err := g.jumpTo(labelParseL4, bpf.Ja(0)); err != nil {
		return err
	}

	if err := g.mark(labelParseIP6); err != nil {
		return err
	}
	if err := g.emitSlice(ctxOffL3Offset, ctxOffL3Buf, ip6HdrLen, labelParseDone); err != nil {
		return err
	}
	err = g.emit(
		bpf.Stx(bpf.SizeDW, bpf.RFP, bpf.R0, ctxOff(ctxOffL3Hdr)),
		bpf.Ldx(bpf.SizeW, bpf.R3, bpf.RFP, ctxOff(ctxOffL3Offset)),
		bpf.Alu64Imm(bpf.AluAdd, bpf.R3, ip6HdrLen),
		bpf.Stx(bpf.SizeW, bpf.RFP, bpf.R3, ctxOff(ctxOffL4Offset)),
		bpf.Ldx(bpf.SizeB, bpf.R8, bpf.R0, 6),
	)
	if err != nil {
		return err
	}

	if err := g.mark(labelParseL4); err != nil {
		return err
	}
	if err := g.jumpTo(labelL4TCP, bpf.JmpImm(bpf.JmpJeq, bpf.R8, ipProtoTCP, 0)); err != nil {
		return err
	}
	if err := g.jumpTo(labelL4Small, bpf.JmpImm(bpf.JmpJeq, bpf.R8, ipProtoUDP, 0)); err != nil {
		return err
	}
	if err := g.jumpTo(labelL4Small, bpf.JmpImm(bpf.JmpJeq, bpf.R8, ipProtoICMP, 0)); err != nil {
		return err
	}
	if err := g.jumpTo(labelL4Small, bpf.JmpImm(bpf.JmpJeq, bpf.R8, ipProtoICMPv6, 0)); err != nil {
		return err
	}
	if err := g.jumpTo(labelParseDone, bpf.Ja(0)); err != nil {
		return err
	}

	if err := g.mark(labelL4TCP); err != nil {
		return err
	}
	if err := g.emitSlice(ctxOffL4Offset, ctxOffL4Buf, tcpHdrLen, labelParseDone); err != nil {
		return err
	}
	if err := g.emit(bpf.Stx(bpf.SizeDW, bpf.RFP, bpf.R0, ctxOff(ctxOffL4Hdr))); err != nil {
		return err
	}
	if err := g.jumpTo(labelParseDone, bpf.Ja(0)); err != nil {
		return err
	}

	if err := g.mark(labelL4Small); err != nil {
		return err
	}
	// udp, icmp and icmpv6 headers all fit 8 bytes.
	if err := g.emitSlice(ctxOffL4Offset, ctxOffL4Buf, udpHdrLen, labelParseDone); err != nil {
		return err
	}
	return g.emit(bpf.Stx(bpf.SizeDW, bpf.RFP, bpf.R0, ctxOff(ctxOffL4Hdr)))
}

// emitCounterBump calls the shared counter function for one slot with
// the packet size from the context.
func (g *generator) emitCounterBump(slot uint32) error {
	err := g.emit(
		bpf.Mov32Imm(bpf.R1, int32(slot)),
		bpf.Ldx(bpf.SizeDW, bpf.R2, bpf.RFP, ctxOff(ctxOffPktSize)),
	)
	if err != nil {
		return err
	}
	return g.p.EmitFixupCall(funcUpdateCounters)
}

// emitErrorEpilogue counts the packet against the error slot and
// accepts it. Runtime failures never drop traffic.
func (g *generator) emitErrorEpilogue() error {
	if err := g.mark(labelError); err != nil {
		return err
	}
	if err := g.emitCounterBump(g.p.ErrorCounterIdx()); err != nil {
		return err
	}
	return g.emit(
		bpf.Mov64Imm(bpf.R0, g.fl.verdictCode(types.VerdictAccept)),
		bpf.Exit(),
	)
}

// emitUpdateCounters appends the shared counter function. It is called
// with the slot index in R1 and the packet size in R2, looks the slot
// up in the counters map and adds one packet and the size atomically.
func (g *generator) emitUpdateCounters() error {
	g.p.markFunc(funcUpdateCounters)
	err := g.emit(
		bpf.Stx(bpf.SizeW, bpf.RFP, bpf.R1, -4),
		bpf.Mov64Reg(bpf.R6, bpf.R2),
	)
	if err != nil {
		return err
	}
	if err := g.p.EmitLoadCountersFD(bpf.R1); err != nil {
		return err
	}
	return g.emit(
		bpf.Mov64Reg(bpf.R2, bpf.RFP),
		bpf.Alu64Imm(bpf.AluAdd, bpf.R2, -4),
		bpf.Call(bpf.HelperMapLookupElem),
		bpf.JmpImm(bpf.JmpJeq, bpf.R0, 0, 3),
		bpf.Mov64Imm(bpf.R1, 1),
		bpf.AtomicAdd64(bpf.R0, bpf.R1, 0),
		bpf.AtomicAdd64(bpf.R0, bpf.R6, 8),
		bpf.Exit(),
	)
}
