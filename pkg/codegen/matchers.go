package codegen

import (
	"fmt"

	"github.com/cygnetlabs/cygnet/pkg/bpf"
	"github.com/cygnetlabs/cygnet/pkg/chain"
)

// Header field offsets the matchers read.
const (
	ip4OffProto = 9
	ip4OffSaddr = 12
	ip4OffDaddr = 16

	ip6OffSaddr = 8
	ip6OffDaddr = 24

	tcpOffFlags = 13
)

// emitRule emits the matcher sequence for one rule followed by its
// counter update and verdict. Any failing matcher jumps past the block
// through a next-rule fixup; a continue verdict falls through into the
// next rule.
func (g *generator) emitRule(idx int, r *chain.Rule) error {
	g.p.beginRule()
	for i := range r.Matchers {
		if err := g.emitMatcher(&r.Matchers[i]); err != nil {
			return err
		}
	}
	if r.Counter {
		if err := g.emitCounterBump(uint32(idx)); err != nil {
			return err
		}
	}
	if !r.Verdict.Terminal() {
		return nil
	}
	return g.emit(
		bpf.Mov64Imm(bpf.R0, g.fl.verdictCode(r.Verdict)),
		bpf.Exit(),
	)
}

// emitL3Guard skips the rule unless the packet carries the wanted L3
// protocol and its header was parsed. Leaves the header pointer in R9.
func (g *generator) emitL3Guard(ether int32) error {
	if err := g.p.EmitFixupJmpNextRule(bpf.JmpImm(bpf.JmpJne, bpf.R7, ether, 0)); err != nil {
		return err
	}
	if err := g.emit(bpf.Ldx(bpf.SizeDW, bpf.R9, bpf.RFP, ctxOff(ctxOffL3Hdr))); err != nil {
		return err
	}
	return g.p.EmitFixupJmpNextRule(bpf.JmpImm(bpf.JmpJeq, bpf.R9, 0, 0))
}

// emitL4Guard is emitL3Guard for transport headers.
func (g *generator) emitL4Guard(proto int32) error {
	if err := g.p.EmitFixupJmpNextRule(bpf.JmpImm(bpf.JmpJne, bpf.R8, proto, 0)); err != nil {
		return err
	}
	if err := g.emit(bpf.Ldx(bpf.SizeDW, bpf.R9, bpf.RFP, ctxOff(ctxOffL4Hdr))); err != nil {
		return err
	}
	return g.p.EmitFixupJmpNextRule(bpf.JmpImm(bpf.JmpJeq, bpf.R9, 0, 0))
}

// emitCmp32 compares the low 32 bits of reg against want and jumps to
// the next rule when the matcher fails: on inequality for eq matchers,
// on equality for ne matchers.
func (g *generator) emitCmp32(op chain.MatcherOp, reg uint8, want int32) error {
	jop := uint8(bpf.JmpJne)
	if op == chain.OpNe {
		jop = bpf.JmpJeq
	}
	return g.p.EmitFixupJmpNextRule(bpf.Jmp32Imm(jop, reg, want, 0))
}

func (g *generator) emitMatcher(m *chain.Matcher) error {
	switch m.Type {
	case chain.MatchMetaIfindex:
		if err := g.emit(bpf.Ldx(bpf.SizeW, bpf.R1, bpf.RFP, ctxOff(ctxOffIfindex))); err != nil {
			return err
		}
		return g.emitCmp32(m.Op, bpf.R1, m.Ifindex)

	case chain.MatchMetaL3Proto:
		return g.emitCmp32(m.Op, bpf.R7, int32(m.Proto))

	case chain.MatchMetaL4Proto:
		return g.emitCmp32(m.Op, bpf.R8, int32(m.Proto))

	case chain.MatchIP4SrcAddr:
		return g.emitIP4Addr(m, ip4OffSaddr)
	case chain.MatchIP4DstAddr:
		return g.emitIP4Addr(m, ip4OffDaddr)

	case chain.MatchIP4Proto:
		if err := g.emitL3Guard(etherTypeIPv4); err != nil {
			return err
		}
		if err := g.emit(bpf.Ldx(bpf.SizeB, bpf.R1, bpf.R9, ip4OffProto)); err != nil {
			return err
		}
		return g.emitCmp32(m.Op, bpf.R1, int32(m.Proto))

	case chain.MatchIP4SrcSet:
		return g.emitIP4SrcSet(m)

	case chain.MatchIP6SrcAddr:
		return g.emitIP6Addr(m, ip6OffSaddr)
	case chain.MatchIP6DstAddr:
		return g.emitIP6Addr(m, ip6OffDaddr)

	case chain.MatchTCPSrcPort:
		return g.emitPort(m, ipProtoTCP, 0)
	case chain.MatchTCPDstPort:
		return g.emitPort(m, ipProtoTCP, 2)

	case chain.MatchTCPFlags:
		if err := g.emitL4Guard(ipProtoTCP); err != nil {
			return err
		}
		if err := g.emit(bpf.Ldx(bpf.SizeB, bpf.R1, bpf.R9, tcpOffFlags)); err != nil {
			return err
		}
		return g.emitCmp32(m.Op, bpf.R1, int32(m.Flags))

	case chain.MatchUDPSrcPort:
		return g.emitPort(m, ipProtoUDP, 0)
	case chain.MatchUDPDstPort:
		return g.emitPort(m, ipProtoUDP, 2)

	case chain.MatchICMPType:
		if err := g.emitL4Guard(ipProtoICMP); err != nil {
			return err
		}
		if err := g.emit(bpf.Ldx(bpf.SizeB, bpf.R1, bpf.R9, 0)); err != nil {
			return err
		}
		return g.emitCmp32(m.Op, bpf.R1, int32(m.ICMPType))
	}
	return fmt.Errorf("%w: matcher %v", ErrUnsupportedConstruct, m.Type)
}

func (g *generator) emitIP4Addr(m *chain.Matcher, off int16) error {
	if err := g.emitL3Guard(etherTypeIPv4); err != nil {
		return err
	}
	addr, mask := m.IP4Payload()
	err := g.emit(
		bpf.Ldx(bpf.SizeW, bpf.R1, bpf.R9, off),
		bpf.ToBe(bpf.R1, 32),
		bpf.Alu32Imm(bpf.AluAnd, bpf.R1, int32(mask)),
	)
	if err != nil {
		return err
	}
	return g.emitCmp32(m.Op, bpf.R1, int32(addr))
}

func (g *generator) emitPort(m *chain.Matcher, proto int32, off int16) error {
	if err := g.emitL4Guard(proto); err != nil {
		return err
	}
	err := g.emit(
		bpf.Ldx(bpf.SizeH, bpf.R1, bpf.R9, off),
		bpf.ToBe(bpf.R1, 16),
	)
	if err != nil {
		return err
	}
	return g.emitCmp32(m.Op, bpf.R1, int32(m.Port))
}

// emitIP6Addr compares a masked IPv6 address quad by quad. An eq
// matcher fails as soon as either quad differs; a ne matcher holds as
// soon as one does.
func (g *generator) emitIP6Addr(m *chain.Matcher, off int16) error {
	if err := g.emitL3Guard(etherTypeIPv6); err != nil {
		return err
	}
	addrHi, addrLo, maskHi, maskLo := m.IP6Payload()

	quad := func(qoff int16, mask, want uint64) []bpf.Instruction {
		msk := bpf.Lddw(bpf.R2, mask)
		wnt := bpf.Lddw(bpf.R2, want)
		return []bpf.Instruction{
			bpf.Ldx(bpf.SizeDW, bpf.R1, bpf.R9, qoff),
			bpf.ToBe(bpf.R1, 64),
			msk[0], msk[1],
			bpf.Alu64Reg(bpf.AluAnd, bpf.R1, bpf.R2),
			wnt[0], wnt[1],
		}
	}
	hi := quad(off, maskHi, addrHi)
	lo := quad(off+8, maskLo, addrLo)

	if m.Op == chain.OpNe {
		if err := g.emit(hi...); err != nil {
			return err
		}
		if err := g.emit(bpf.JmpReg(bpf.JmpJne, bpf.R1, bpf.R2, int16(len(lo)+1))); err != nil {
			return err
		}
		if err := g.emit(lo...); err != nil {
			return err
		}
		return g.p.EmitFixupJmpNextRule(bpf.JmpReg(bpf.JmpJeq, bpf.R1, bpf.R2, 0))
	}

	if err := g.emit(hi...); err != nil {
		return err
	}
	if err := g.p.EmitFixupJmpNextRule(bpf.JmpReg(bpf.JmpJne, bpf.R1, bpf.R2, 0)); err != nil {
		return err
	}
	if err := g.emit(lo...); err != nil {
		return err
	}
	return g.p.EmitFixupJmpNextRule(bpf.JmpReg(bpf.JmpJne, bpf.R1, bpf.R2, 0))
}

// emitIP4SrcSet copies the source address into scratch and looks it up
// in the set map. A miss skips the rule.
func (g *generator) emitIP4SrcSet(m *chain.Matcher) error {
	if err := g.emitL3Guard(etherTypeIPv4); err != nil {
		return err
	}
	err := g.emit(
		bpf.Ldx(bpf.SizeW, bpf.R1, bpf.R9, ip4OffSaddr),
		bpf.Stx(bpf.SizeW, bpf.RFP, bpf.R1, scrOff(0)),
	)
	if err != nil {
		return err
	}
	if err := g.p.EmitLoadSetFD(bpf.R1, m.Set); err != nil {
		return err
	}
	err = g.emit(
		bpf.Mov64Reg(bpf.R2, bpf.RFP),
		bpf.Alu64Imm(bpf.AluAdd, bpf.R2, int32(scrOff(0))),
		bpf.Call(bpf.HelperMapLookupElem),
	)
	if err != nil {
		return err
	}
	return g.p.EmitFixupJmpNextRule(bpf.JmpImm(bpf.JmpJeq, bpf.R0, 0, 0))
}
